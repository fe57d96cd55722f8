package conflict

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tsumufs/tsumufs/internal/core/change"
)

func fixedClock(ts int64) func() int64 {
	return func() int64 { return ts }
}

func TestSlug(t *testing.T) {
	cases := map[string]string{
		"/a/b/c": "a-b-c",
		"/":      "root",
		"/file":  "file",
	}
	for in, want := range cases {
		if got := Slug(in); got != want {
			t.Errorf("Slug(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRecordCreatesDirOnFirstCall(t *testing.T) {
	base := t.TempDir()
	dir := filepath.Join(base, "conflicts")
	m := New(dir, fixedClock(1000))

	region := &change.Region{Start: 0, End: 3, Bytes: []byte("abc")}
	relPath, dirCreated, err := m.Record("/a/b", []*change.Region{region})
	if err != nil {
		t.Fatal(err)
	}
	if !dirCreated {
		t.Error("expected dirCreated on first Record call")
	}
	if relPath != filepath.Join("conflicts", "a-b") {
		t.Errorf("got relPath %q", relPath)
	}

	contents, err := os.ReadFile(filepath.Join(dir, "a-b"))
	if err != nil {
		t.Fatal(err)
	}
	text := string(contents)
	if !strings.Contains(text, "set_0 = ChangeSet(1000)") {
		t.Errorf("expected a set_0 header, got:\n%s", text)
	}
	if !strings.Contains(text, `data=b"abc"`) {
		t.Errorf("expected literal region data, got:\n%s", text)
	}
	if !strings.Contains(text, "changesets = [set_0]") {
		t.Errorf("expected a postamble naming set_0, got:\n%s", text)
	}
}

func TestRecordAppendsSubsequentSets(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "conflicts")
	m := New(dir, fixedClock(1))

	region := &change.Region{Start: 0, End: 1, Bytes: []byte("a")}
	if _, _, err := m.Record("/f", []*change.Region{region}); err != nil {
		t.Fatal(err)
	}
	relPath, dirCreated, err := m.Record("/f", []*change.Region{region})
	if err != nil {
		t.Fatal(err)
	}
	if dirCreated {
		t.Error("expected dirCreated to be false on the second call")
	}

	contents, err := os.ReadFile(filepath.Join(dir, filepath.Base(relPath)))
	if err != nil {
		t.Fatal(err)
	}
	text := string(contents)
	if !strings.Contains(text, "set_0 = ChangeSet") || !strings.Contains(text, "set_1 = ChangeSet") {
		t.Errorf("expected both set_0 and set_1 headers, got:\n%s", text)
	}
	if !strings.Contains(text, "changesets = [set_0, set_1]") {
		t.Errorf("expected postamble naming both sets, got:\n%s", text)
	}
}

func TestLiteralEscaping(t *testing.T) {
	got := literal([]byte("a\"\\\n\x01"))
	want := `b"a\"\\\n\x01"`
	if got != want {
		t.Errorf("literal() = %q, want %q", got, want)
	}
}
