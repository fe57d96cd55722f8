package perms

import (
	"path/filepath"
	"testing"
)

func TestSetGetRemove(t *testing.T) {
	dir := t.TempDir()
	o := New(filepath.Join(dir, "permissions.ovr"))

	if _, ok := o.Get("inode-1"); ok {
		t.Fatal("expected no entry for unset identifier")
	}

	if err := o.Set("inode-1", 1000, 1000, 0644); err != nil {
		t.Fatalf("Set: %v", err)
	}
	p, ok := o.Get("inode-1")
	if !ok {
		t.Fatal("expected entry after Set")
	}
	if p.UID != 1000 || p.GID != 1000 || p.Mode != 0644 {
		t.Errorf("got %+v, want uid=1000 gid=1000 mode=0644", p)
	}

	if err := o.Remove("inode-1"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, ok := o.Get("inode-1"); ok {
		t.Error("expected entry to be gone after Remove")
	}
}

func TestSetFlushesSynchronouslyAndLoadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "permissions.ovr")
	o := New(path)

	if err := o.Set("inode-1", 1000, 2000, 0755); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := o.Set("inode-2", 0, 0, 0600); err != nil {
		t.Fatalf("Set: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	p1, ok := loaded.Get("inode-1")
	if !ok || p1.UID != 1000 || p1.GID != 2000 || p1.Mode != 0755 {
		t.Errorf("inode-1 round-trip = %+v, ok=%v", p1, ok)
	}
	p2, ok := loaded.Get("inode-2")
	if !ok || p2.UID != 0 || p2.GID != 0 || p2.Mode != 0600 {
		t.Errorf("inode-2 round-trip = %+v, ok=%v", p2, ok)
	}
}

func TestLoadMissingFileYieldsEmptyOverlay(t *testing.T) {
	dir := t.TempDir()
	o, err := Load(filepath.Join(dir, "absent.ovr"))
	if err != nil {
		t.Fatalf("Load of missing file should not error: %v", err)
	}
	if _, ok := o.Get("anything"); ok {
		t.Error("expected empty overlay")
	}
}

func TestModeBitsClassification(t *testing.T) {
	tests := []struct {
		name string
		mode uint32
		want func(uint32) bool
	}{
		{"dir", 0040755, IsDir},
		{"symlink", 0120777, IsSymlink},
		{"chardev", 0020600, IsCharDevice},
		{"blockdev", 0060600, IsBlockDevice},
		{"fifo", 0010600, IsFIFO},
		{"socket", 0140600, IsSocket},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.want(tt.mode) {
				t.Errorf("expected mode %o to classify as %s", tt.mode, tt.name)
			}
		})
	}
}

func TestMakeDeviceRoundTrip(t *testing.T) {
	dev := MakeDevice(8, 1)
	major, minor := DeviceNumbers(dev)
	if major != 8 || minor != 1 {
		t.Errorf("DeviceNumbers(MakeDevice(8,1)) = (%d,%d), want (8,1)", major, minor)
	}
}
