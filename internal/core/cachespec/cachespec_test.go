package cachespec

import (
	"path/filepath"
	"testing"
)

func TestParsePolicy(t *testing.T) {
	cases := map[string]Policy{"+": PolicyAllow, "-": PolicyDeny, "=": PolicyInherit}
	for s, want := range cases {
		got, err := ParsePolicy(s)
		if err != nil || got != want {
			t.Errorf("ParsePolicy(%q) = %v, %v; want %v", s, got, err, want)
		}
	}
	if _, err := ParsePolicy("?"); err == nil {
		t.Error("expected an error for an invalid policy string")
	}
}

func TestResolveDefaultsToAllow(t *testing.T) {
	m := New("", PolicyInherit)
	if m.Resolve("/a/b/c") != PolicyAllow {
		t.Error("expected default-allow when nothing is set")
	}
}

func TestResolveInheritsFromLongestAncestor(t *testing.T) {
	m := New("", PolicyAllow)
	if err := m.Set("/a", PolicyDeny); err != nil {
		t.Fatal(err)
	}
	if err := m.Set("/a/b", PolicyAllow); err != nil {
		t.Fatal(err)
	}

	if m.Resolve("/a/b/c") != PolicyAllow {
		t.Error("expected /a/b/c to inherit the closer /a/b entry")
	}
	if m.Resolve("/a/x") != PolicyDeny {
		t.Error("expected /a/x to inherit from /a")
	}
	if m.Resolve("/z") != PolicyAllow {
		t.Error("expected an unrelated path to fall back to default")
	}
}

func TestSetInheritRemovesEntry(t *testing.T) {
	m := New("", PolicyAllow)
	m.Set("/a", PolicyDeny)
	m.Set("/a", PolicyInherit)

	if m.Explicit("/a") != PolicyInherit {
		t.Error("expected the explicit entry to be cleared")
	}
}

func TestShouldCacheUnlinkedLocally(t *testing.T) {
	m := New("", PolicyAllow)
	if m.ShouldCache("/a", true) {
		t.Error("expected an unlinked-locally file with no explicit allow to not be cached")
	}

	m.Set("/a", PolicyAllow)
	if !m.ShouldCache("/a", true) {
		t.Error("expected an explicit allow to override the unlinked-locally default")
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cachespec.conf")

	m := New(path, PolicyAllow)
	m.Set("/a", PolicyDeny)
	m.Set("/a/b", PolicyAllow)

	loaded := Load(path, PolicyAllow)
	if loaded.Explicit("/a") != PolicyDeny {
		t.Error("expected /a to round-trip as deny")
	}
	if loaded.Explicit("/a/b") != PolicyAllow {
		t.Error("expected /a/b to round-trip as allow")
	}
}

func TestLoadMissingFileYieldsEmptyMap(t *testing.T) {
	m := Load(filepath.Join(t.TempDir(), "missing.conf"), PolicyAllow)
	if m.Resolve("/anything") != PolicyAllow {
		t.Error("expected a missing cachespec file to yield the default policy")
	}
}
