package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/tsumufs/tsumufs/internal/config"
	"github.com/tsumufs/tsumufs/internal/core/corectx"
	"github.com/tsumufs/tsumufs/internal/core/tsumulog"
	"github.com/tsumufs/tsumufs/internal/core/upstream"
	tsumufuse "github.com/tsumufs/tsumufs/internal/fuse"
)

// newMountCmd builds the `mount <source> <mountpoint>` command named in
// §4.9/§6. Flags bind directly onto a config.Configuration seeded from
// config.Default(), so an absent --config file still yields the
// documented defaults.
func newMountCmd() *cobra.Command {
	cfg := config.Default()
	var configPath string
	var foreground bool

	cmd := &cobra.Command{
		Use:   "mount <source> <mountpoint>",
		Short: "Mount the cache filesystem, pulling from source and disconnecting gracefully when it's unreachable",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			source, mountpoint := args[0], args[1]

			if configPath != "" {
				loaded, err := config.LoadFromFile(configPath)
				if err != nil {
					return &setupError{err}
				}
				cfg = loaded
			}
			cfg.Global.Foreground = foreground
			if cfg.Mount.NFSBaseDir == "" {
				cfg.Mount.NFSBaseDir = source
			}
			if cfg.Mount.NFSMountPoint == "" {
				cfg.Mount.NFSMountPoint = cfg.Mount.NFSBaseDir
			}
			cfg.Mount.CachePoint = mountpoint
			cfg.ApplyEnvOverrides()

			if err := cfg.Validate(); err != nil {
				return err
			}

			return runMount(cfg, source, mountpoint)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&configPath, "config", "", "YAML configuration file (overrides the flags below when set)")
	flags.StringVar(&cfg.Mount.NFSBaseDir, "nfsbasedir", "", "local directory the upstream source is mounted at (defaults to source)")
	flags.StringVar(&cfg.Mount.NFSMountPoint, "nfsmountpoint", "", "local mount point for the upstream source, if different from --nfsbasedir")
	flags.StringVar(&cfg.Mount.CacheBaseDir, "cachebasedir", cfg.Mount.CacheBaseDir, "local directory holding the cache tree, sync log, and overlays")
	flags.StringVar(&cfg.Mount.CacheSpecDir, "cachespecdir", "", "directory holding cachespec.conf (defaults to --cachebasedir)")
	flags.StringVar(&cfg.Mount.CachePoint, "cachepoint", cfg.Mount.CachePoint, "where the filesystem is exposed to users (overridden by the mountpoint argument)")
	flags.BoolVar(&cfg.Global.Debug, "debug", false, "enable go-fuse debug logging and DEBUG-level application logs")
	flags.BoolVar(&foreground, "foreground", false, "log to stderr even when the configuration sets global.log_file")
	flags.StringVar(&cfg.Mount.MountOptions, "mount-options", "", "comma-separated options passed through to the FUSE mount")

	return cmd
}

func runMount(cfg *config.Configuration, source, mountpoint string) error {
	if cfg.Global.Debug {
		cfg.Global.LogLevel = "DEBUG"
	}
	level, err := logrus.ParseLevel(cfg.Global.LogLevel)
	if err != nil {
		return &setupError{fmt.Errorf("parse log level: %w", err)}
	}

	output := os.Stderr
	if cfg.Global.LogFile != "" && !cfg.Global.Foreground {
		f, err := os.OpenFile(cfg.Global.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return &setupError{fmt.Errorf("open log file: %w", err)}
		}
		defer f.Close()
		tsumulog.Configure(level, cfg.Global.LogJSON, f)
	} else {
		tsumulog.Configure(level, cfg.Global.LogJSON, output)
	}

	rootLog := tsumulog.New("main")

	if err := os.MkdirAll(cfg.Mount.NFSBaseDir, 0o755); err != nil {
		return &setupError{fmt.Errorf("create nfsbasedir: %w", err)}
	}
	if err := os.MkdirAll(cfg.Mount.CacheBaseDir, 0o755); err != nil {
		return &setupError{fmt.Errorf("create cachebasedir: %w", err)}
	}

	core, err := corectx.New(cfg, cfg.Mount.NFSBaseDir, upstream.LocalMounter{})
	if err != nil {
		return &setupError{fmt.Errorf("build core context: %w", err)}
	}

	if core.Upstream.MountFS() {
		rootLog.Infof("upstream %s mounted at %s", source, cfg.Mount.NFSBaseDir)
	} else {
		rootLog.Warnf("upstream %s unreachable at start-up; starting disconnected", source)
	}

	manager := tsumufuse.NewMountManager(core, mountpoint)
	if err := manager.Mount(); err != nil {
		return &setupError{err}
	}
	rootLog.Infof("mounted at %s (cache at %s)", mountpoint, core.CacheRoot())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	rootLog.Infof("shutting down")
	if err := manager.Unmount(); err != nil {
		return &setupError{err}
	}
	return nil
}
