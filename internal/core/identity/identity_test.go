package identity

import "testing"

func TestPutAndLookup(t *testing.T) {
	m := New()
	m.Put("/a", "id1")

	id, ok := m.LookupID("/a")
	if !ok || id != "id1" {
		t.Fatalf("got %q, %v", id, ok)
	}

	paths := m.LookupPaths("id1")
	if len(paths) != 1 || paths[0] != "/a" {
		t.Fatalf("got %v", paths)
	}
}

func TestPutMovesPathFromOldID(t *testing.T) {
	m := New()
	m.Put("/a", "id1")
	m.Put("/a", "id2")

	if id, _ := m.LookupID("/a"); id != "id2" {
		t.Fatalf("expected /a to now map to id2, got %q", id)
	}
	if paths := m.LookupPaths("id1"); len(paths) != 0 {
		t.Fatalf("expected id1 to have no paths left, got %v", paths)
	}
}

func TestMultiplePathsShareID(t *testing.T) {
	m := New()
	m.Put("/a", "id1")
	m.Put("/b", "id1")

	paths := m.LookupPaths("id1")
	if len(paths) != 2 {
		t.Fatalf("expected both paths under id1, got %v", paths)
	}
}

func TestRemovePath(t *testing.T) {
	m := New()
	m.Put("/a", "id1")
	m.RemovePath("/a")

	if _, ok := m.LookupID("/a"); ok {
		t.Fatal("expected /a to be gone")
	}
	if paths := m.LookupPaths("id1"); len(paths) != 0 {
		t.Fatalf("expected id1 to have no paths, got %v", paths)
	}
}

func TestRename(t *testing.T) {
	m := New()
	m.Put("/old", "id1")
	m.Rename("/old", "/new")

	if _, ok := m.LookupID("/old"); ok {
		t.Fatal("expected /old to be gone after rename")
	}
	if id, ok := m.LookupID("/new"); !ok || id != "id1" {
		t.Fatalf("expected /new to map to id1, got %q, %v", id, ok)
	}
}

func TestClear(t *testing.T) {
	m := New()
	m.Put("/a", "id1")
	m.Put("/b", "id2")
	m.Clear()

	if _, ok := m.LookupID("/a"); ok {
		t.Fatal("expected cache to be empty after Clear")
	}
	if paths := m.LookupPaths("id2"); len(paths) != 0 {
		t.Fatalf("expected no paths after Clear, got %v", paths)
	}
}
