// Package conflict implements the conflict directory and conflict-
// materialization format described in §4.6: human-readable artifacts
// recording the DataRegions of a replay that diverged from the upstream,
// so the user can recover their disconnected edits by hand. Grounded on
// §4.6's literal preamble/ChangeSet/postamble example text.
package conflict

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/tsumufs/tsumufs/internal/core/change"
	"github.com/tsumufs/tsumufs/internal/core/tsumulog"
)

// Materializer writes conflict artifacts under Dir and reports each
// newly created file so the caller can record it as a New SyncItem
// (§4.6: "a new conflict file is itself recorded as a New in the
// SyncLog so it too will be pushed upstream").
type Materializer struct {
	mu  sync.Mutex
	dir string
	now func() int64
	l   *tsumulog.Logger
}

// New constructs a Materializer rooted at dir (the conflict directory's
// cache-local path). now supplies the unix timestamp used in each
// ChangeSet header; callers pass time.Now().Unix in production and a
// fixed function in tests.
func New(dir string, now func() int64) *Materializer {
	return &Materializer{dir: dir, now: now, l: tsumulog.New("conflict")}
}

// Dir returns the conflict directory's cache-local path.
func (m *Materializer) Dir() string { return m.dir }

// Slug converts a mount path into the conflict-file name used under Dir:
// "/" replaced by "-" (§4.6).
func Slug(path string) string {
	trimmed := strings.TrimPrefix(path, "/")
	slug := strings.ReplaceAll(trimmed, "/", "-")
	if slug == "" {
		slug = "root"
	}
	return slug
}

var setHeaderRE = regexp.MustCompile(`^set_(\d+) = ChangeSet\(`)
var postambleRE = regexp.MustCompile(`^changesets = \[`)

// Record appends one ChangeSet to path's conflict artifact, creating the
// file (and the conflict directory, with the preamble) if this is the
// first conflict recorded for path. It returns true if the conflict
// directory itself was just created, so the caller can wire a mkdir +
// PermsOverlay entry + New SyncItem for it (§4.6's lazy creation rule),
// and the artifact's cache-relative path for the caller to record its
// own New SyncItem.
func (m *Materializer) Record(path string, regions []*change.Region) (artifactRelPath string, dirCreated bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, statErr := os.Stat(m.dir); os.IsNotExist(statErr) {
		if err := os.MkdirAll(m.dir, 0o755); err != nil {
			return "", false, fmt.Errorf("conflict: create conflict dir: %w", err)
		}
		dirCreated = true
	}

	slug := Slug(path)
	artifactRelPath = filepath.Join(filepath.Base(m.dir), slug)
	full := filepath.Join(m.dir, slug)

	existing, nextIdx, err := readExisting(full)
	if err != nil {
		return "", dirCreated, err
	}

	var body strings.Builder
	if existing == "" {
		fmt.Fprintf(&body, "# tsumufs conflict artifact for %s\n", path)
		fmt.Fprintf(&body, "# each ChangeSet below is one disconnected edit that could not be replayed\n\n")
	} else {
		body.WriteString(existing)
		body.WriteString("\n")
	}

	setVar := fmt.Sprintf("set_%d", nextIdx)
	fmt.Fprintf(&body, "%s = ChangeSet(%d)\n", setVar, m.now())
	for _, r := range regions {
		fmt.Fprintf(&body, "%s.addChange(type_=\"patch\", start=%d, end=%d, data=%s)\n",
			setVar, r.Start, r.End, literal(r.Bytes))
	}

	names := make([]string, 0, nextIdx+1)
	for i := 0; i <= nextIdx; i++ {
		names = append(names, fmt.Sprintf("set_%d", i))
	}
	fmt.Fprintf(&body, "\nchangesets = [%s]\n", strings.Join(names, ", "))

	if err := os.WriteFile(full, []byte(body.String()), 0o644); err != nil {
		return "", dirCreated, fmt.Errorf("conflict: write artifact %s: %w", full, err)
	}
	m.l.Infof("recorded conflict for %q in %s (set %s)", path, full, setVar)
	return artifactRelPath, dirCreated, nil
}

// readExisting reads a prior artifact's body with its postamble line
// stripped (so Record can append its own set block before rewriting the
// postamble), and reports the next set index to use.
func readExisting(full string) (body string, nextIdx int, err error) {
	f, openErr := os.Open(full)
	if os.IsNotExist(openErr) {
		return "", 0, nil
	}
	if openErr != nil {
		return "", 0, fmt.Errorf("conflict: read artifact %s: %w", full, openErr)
	}
	defer f.Close()

	var lines []string
	maxIdx := -1
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if postambleRE.MatchString(line) {
			continue
		}
		if match := setHeaderRE.FindStringSubmatch(line); match != nil {
			if idx, convErr := strconv.Atoi(match[1]); convErr == nil && idx > maxIdx {
				maxIdx = idx
			}
		}
		lines = append(lines, line)
	}
	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return strings.Join(lines, "\n"), maxIdx + 1, nil
}

// literal renders data as a Python-style byte-string literal, matching
// §4.6's "data=<literal bytes>" example text.
func literal(data []byte) string {
	var sb strings.Builder
	sb.WriteString("b\"")
	for _, b := range data {
		switch {
		case b == '"' || b == '\\':
			sb.WriteByte('\\')
			sb.WriteByte(b)
		case b == '\n':
			sb.WriteString("\\n")
		case b >= 0x20 && b < 0x7f:
			sb.WriteByte(b)
		default:
			fmt.Fprintf(&sb, "\\x%02x", b)
		}
	}
	sb.WriteByte('"')
	return sb.String()
}
