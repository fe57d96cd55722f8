package synclog

import (
	"os"
	"testing"

	"github.com/tsumufs/tsumufs/internal/core/pathlock"
)

func newTestLog() *Log {
	return New(pathlock.NewTable(), pathlock.NewTable())
}

func kinds(items []Item) []Kind {
	out := make([]Kind, len(items))
	for i, it := range items {
		out[i] = it.Kind()
	}
	return out
}

func TestAddNewMarksNewFile(t *testing.T) {
	l := newTestLog()
	l.AddNew(FileKindRegular, "/a")
	if !l.IsNewFile("/a") {
		t.Error("expected /a to be tracked as new")
	}
	if l.Len() != 1 {
		t.Fatalf("expected 1 queued item, got %d", l.Len())
	}
}

func TestAddChangeCreatesSingleChangeItemPerInode(t *testing.T) {
	l := newTestLog()
	if err := l.AddChange("/a", "inode-1", 0, 5, []byte("aaaaa")); err != nil {
		t.Fatal(err)
	}
	if err := l.AddChange("/a", "inode-1", 5, 10, []byte("bbbbb")); err != nil {
		t.Fatal(err)
	}
	if l.Len() != 1 {
		t.Fatalf("expected exactly 1 Change item for inode-1, got %d", l.Len())
	}
	if got := l.changes["inode-1"].Regions(); len(got) != 1 || string(got[0].Bytes) != "aaaaabbbbb" {
		t.Errorf("expected merged region, got %+v", got)
	}
}

func TestAddUnlinkCoalescesWithPriorNewElidesBoth(t *testing.T) {
	// §4.5: a New followed by an Unlink on the same path nets to nothing.
	l := newTestLog()
	l.AddNew(FileKindRegular, "/a")
	if err := l.AddChange("/a", "inode-1", 0, 5, []byte("aaaaa")); err != nil {
		t.Fatal(err)
	}
	l.AddUnlink(FileKindRegular, "/a")

	if l.Len() != 0 {
		t.Fatalf("expected queue to be fully elided, got %d items: %v", l.Len(), kinds(l.queue))
	}
	if _, ok := l.changes["inode-1"]; ok {
		t.Error("expected DataChange for inode-1 to be dropped")
	}
	if l.IsNewFile("/a") {
		t.Error("/a should no longer be tracked as new")
	}
	if l.IsUnlinkedFile("/a") {
		t.Error("unlink should have been elided, not recorded")
	}
}

func TestAddUnlinkWithoutPriorNewIsRecorded(t *testing.T) {
	l := newTestLog()
	if err := l.AddChange("/a", "inode-1", 0, 5, []byte("aaaaa")); err != nil {
		t.Fatal(err)
	}
	l.AddUnlink(FileKindRegular, "/a")

	if l.Len() != 1 {
		t.Fatalf("expected 1 item (the Unlink), got %d: %v", l.Len(), kinds(l.queue))
	}
	if l.queue[0].Kind() != KindUnlink {
		t.Errorf("expected remaining item to be Unlink, got %v", l.queue[0].Kind())
	}
	if !l.IsUnlinkedFile("/a") {
		t.Error("expected /a to be tracked as unlinked")
	}
	if _, ok := l.changes["inode-1"]; ok {
		t.Error("expected prior Change to be coalesced away")
	}
}

func TestAddUnlinkFollowsRenameChainBackward(t *testing.T) {
	// New /a, rename /a -> /b, rename /b -> /c, unlink /c: the whole chain
	// traces back to a local-only creation, so everything elides.
	l := newTestLog()
	l.AddNew(FileKindRegular, "/a")
	l.AddRename("inode-1", "/a", "/b")
	l.AddRename("inode-1", "/b", "/c")
	l.AddUnlink(FileKindRegular, "/c")

	if l.Len() != 0 {
		t.Fatalf("expected fully elided chain, got %d items: %v", l.Len(), kinds(l.queue))
	}
}

func TestAddUnlinkElidesRenameHopWhenChainTracesToLocalNew(t *testing.T) {
	// New /d, write, rename /d -> /e, unlink /e (§8 scenario 4): the chain
	// traces back to a local-only creation through the Rename hop, so the
	// Rename itself must be elided too, not just the New/Change.
	l := newTestLog()
	l.AddNew(FileKindRegular, "/d")
	if err := l.AddChange("/d", "inode-1", 0, 1, []byte("y")); err != nil {
		t.Fatal(err)
	}
	l.AddRename("inode-1", "/d", "/e")
	l.AddUnlink(FileKindRegular, "/e")

	if l.Len() != 0 {
		t.Fatalf("expected fully elided chain (including the Rename hop), got %d items: %v", l.Len(), kinds(l.queue))
	}
	if _, ok := l.changes["inode-1"]; ok {
		t.Error("expected DataChange for inode-1 to be dropped")
	}
}

func TestAddUnlinkLeavesRenameInPlaceWhenNoLocalNew(t *testing.T) {
	// The file exists upstream before any local activity: a rename then an
	// unlink must still propagate the rename and the unlink.
	l := newTestLog()
	l.AddRename("inode-1", "/a", "/b")
	l.AddUnlink(FileKindRegular, "/b")

	if l.Len() != 2 {
		t.Fatalf("expected rename + unlink to survive, got %d: %v", l.Len(), kinds(l.queue))
	}
	if l.queue[0].Kind() != KindRename || l.queue[1].Kind() != KindUnlink {
		t.Errorf("unexpected item order: %v", kinds(l.queue))
	}
}

func TestIsDirty(t *testing.T) {
	l := newTestLog()
	if l.IsDirty("/a") {
		t.Error("empty log should not be dirty")
	}
	l.AddNew(FileKindRegular, "/a")
	if !l.IsDirty("/a") {
		t.Error("/a should be dirty after AddNew")
	}
	if l.IsDirty("/b") {
		t.Error("/b should not be dirty")
	}
}

func TestPopChangeAndFinishRemove(t *testing.T) {
	l := newTestLog()
	l.AddNew(FileKindRegular, "/a")

	popped, ok := l.PopChange()
	if !ok {
		t.Fatal("expected an item to pop")
	}
	if popped.Item.Path() != "/a" {
		t.Fatalf("popped wrong item: %+v", popped.Item)
	}

	l.Finish(popped, true)
	if l.Len() != 0 {
		t.Fatalf("expected queue empty after Finish(remove=true), got %d", l.Len())
	}
}

func TestPopChangeAndFinishRequeue(t *testing.T) {
	l := newTestLog()
	l.AddNew(FileKindRegular, "/a")

	popped, ok := l.PopChange()
	if !ok {
		t.Fatal("expected an item to pop")
	}
	l.Finish(popped, false)
	if l.Len() != 1 {
		t.Fatalf("expected item to remain queued after Finish(remove=false), got %d", l.Len())
	}

	// The path locks taken by PopChange must have been released, or a
	// second pop+lock cycle on the same path would deadlock.
	popped2, ok := l.PopChange()
	if !ok {
		t.Fatal("expected to pop the requeued item")
	}
	l.Finish(popped2, true)
}

func TestPopChangeLocksBothRenamePaths(t *testing.T) {
	l := newTestLog()
	l.AddRename("inode-1", "/a", "/b")

	popped, ok := l.PopChange()
	if !ok {
		t.Fatal("expected an item to pop")
	}
	if len(popped.paths) != 2 {
		t.Fatalf("expected rename to lock 2 paths, got %d: %v", len(popped.paths), popped.paths)
	}
	l.Finish(popped, true)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/sync.log"

	l := newTestLog()
	l.AddNew(FileKindDirectory, "/dir")
	if err := l.AddChange("/dir/f", "inode-7", 0, 5, []byte("hello")); err != nil {
		t.Fatal(err)
	}
	l.AddMetadataChange("/dir/f", "inode-7")
	l.changes["inode-7"].SetMode(0644)
	l.AddUnlink(FileKindRegular, "/dir/g")

	if err := l.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(path, pathlock.NewTable(), pathlock.NewTable())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if loaded.Len() != l.Len() {
		t.Fatalf("round-tripped queue length = %d, want %d", loaded.Len(), l.Len())
	}
	if !loaded.IsNewFile("/dir") {
		t.Error("round-tripped log lost /dir new-file tracking")
	}
	if !loaded.IsUnlinkedFile("/dir/g") {
		t.Error("round-tripped log lost /dir/g unlinked tracking")
	}
	ch, ok := loaded.changes["inode-7"]
	if !ok {
		t.Fatal("round-tripped log lost DataChange for inode-7")
	}
	regions := ch.Regions()
	if len(regions) != 1 || string(regions[0].Bytes) != "hello" {
		t.Errorf("round-tripped regions = %+v", regions)
	}
	if !ch.HasMode() || ch.Mode != 0644 {
		t.Error("round-tripped change lost mode metadata")
	}
}

func TestLoadMissingFileYieldsEmptyLog(t *testing.T) {
	dir := t.TempDir()
	l, err := Load(dir+"/does-not-exist.log", pathlock.NewTable(), pathlock.NewTable())
	if err != nil {
		t.Fatalf("Load of missing file should not error, got %v", err)
	}
	if l.Len() != 0 {
		t.Errorf("expected empty log, got %d items", l.Len())
	}
}

func TestLoadCorruptFileYieldsEmptyLog(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/sync.log"
	if err := os.WriteFile(path, []byte("not a valid frame"), 0644); err != nil {
		t.Fatal(err)
	}
	l, err := Load(path, pathlock.NewTable(), pathlock.NewTable())
	if err != nil {
		t.Fatalf("Load of corrupt file should not error, got %v", err)
	}
	if l.Len() != 0 {
		t.Errorf("expected empty log from corrupt checkpoint, got %d items", l.Len())
	}
}
