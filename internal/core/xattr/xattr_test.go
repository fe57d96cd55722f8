package xattr

import (
	"testing"

	"github.com/tsumufs/tsumufs/internal/core/tsumuerrors"
)

func TestGetUnknownNameIsUnsupported(t *testing.T) {
	tab := NewTable()
	_, err := tab.Get(Namespace+"nope", "/f", false)
	if tsumuerrors.KindOf(err) != tsumuerrors.KindUnsupported {
		t.Fatalf("got %v", err)
	}
}

func TestGetDispatchesRegisteredHandler(t *testing.T) {
	tab := NewTable()
	tab.Register(&Handler{
		Name: "debug.path",
		Kind: NodeAny,
		Read: func(path string) (string, error) { return "value:" + path, nil },
	})

	got, err := tab.Get(Namespace+"debug.path", "/f", false)
	if err != nil {
		t.Fatal(err)
	}
	if got != "value:/f" {
		t.Errorf("got %q", got)
	}
}

func TestSetOnReadOnlyHandlerIsUnsupported(t *testing.T) {
	tab := NewTable()
	tab.Register(&Handler{
		Name: "debug.path",
		Kind: NodeAny,
		Read: func(path string) (string, error) { return "x", nil },
	})

	err := tab.Set(Namespace+"debug.path", "/f", []byte("x"), false)
	if tsumuerrors.KindOf(err) != tsumuerrors.KindUnsupported {
		t.Fatalf("got %v", err)
	}
}

func TestRootScopedHandlerRejectsNonRoot(t *testing.T) {
	tab := NewTable()
	tab.Register(&Handler{
		Name: "root.only",
		Kind: NodeRoot,
		Read: func(path string) (string, error) { return "ok", nil },
	})

	if _, err := tab.Get(Namespace+"root.only", "/f", false); tsumuerrors.KindOf(err) != tsumuerrors.KindUnsupported {
		t.Fatalf("expected a non-root path to be rejected, got %v", err)
	}
	if _, err := tab.Get(Namespace+"root.only", "/", true); err != nil {
		t.Fatalf("expected the mount root to succeed, got %v", err)
	}
}

func TestSetDispatchesToWriteHandler(t *testing.T) {
	tab := NewTable()
	var gotPath string
	var gotValue []byte
	tab.Register(&Handler{
		Name: "should_cache",
		Kind: NodeAny,
		Write: func(path string, value []byte) error {
			gotPath, gotValue = path, value
			return nil
		},
	})

	if err := tab.Set(Namespace+"should_cache", "/f", []byte("+"), false); err != nil {
		t.Fatal(err)
	}
	if gotPath != "/f" || string(gotValue) != "+" {
		t.Errorf("got path=%q value=%q", gotPath, gotValue)
	}
}

func TestNames(t *testing.T) {
	tab := NewTable()
	tab.Register(&Handler{Name: "a", Read: func(string) (string, error) { return "", nil }})
	tab.Register(&Handler{Name: "b", Read: func(string) (string, error) { return "", nil }})

	names := tab.Names()
	if len(names) != 2 {
		t.Fatalf("got %v", names)
	}
}
