package main

import (
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "tsumufs",
		Short:         "Disconnected-operation caching filesystem",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(newMountCmd())
	return cmd
}
