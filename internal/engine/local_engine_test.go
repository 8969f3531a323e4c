package engine

import (
	"bytes"
	"os"
	"testing"

	"github.com/launix-de/blobnode/internal/berr"
	"github.com/launix-de/blobnode/internal/ioattr"
)

func testKey(t *testing.T, b byte) ioattr.Key {
	t.Helper()
	var k ioattr.Key
	k[0] = b
	return k
}

func openTestEngine(t *testing.T) *LocalEngine {
	t.Helper()
	dir := t.TempDir()
	e, err := Open(Options{DataPath: dir})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

// P1: a written record reads back byte-identical through Lookup.
func TestWriteLookupRoundTrip(t *testing.T) {
	e := openTestEngine(t)
	key := testKey(t, 1)
	payload := []byte("hello blob")

	wc, err := e.Write(key, []WriteVector{{Data: payload}}, 0, false)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := e.Lookup(key, false)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got.SegmentID != wc.SegmentID || got.DataOffset != wc.DataOffset {
		t.Fatalf("lookup mismatch: got %+v want %+v", got, wc)
	}

	back := make([]byte, got.TotalDataSize)
	seg := e.segments[got.SegmentID]
	if _, err := seg.file.ReadAt(back, int64(got.DataOffset)); err != nil {
		t.Fatalf("readat: %v", err)
	}
	if !bytes.Equal(back, payload) {
		t.Fatalf("payload mismatch: got %q want %q", back, payload)
	}
}

// P2: a record removed from the index is no longer resolvable.
func TestRemoveThenLookupNotFound(t *testing.T) {
	e := openTestEngine(t)
	key := testKey(t, 2)
	if _, err := e.Write(key, []WriteVector{{Data: []byte("x")}}, 0, false); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := e.Remove(key); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := e.Lookup(key, false); berr.KindOf(err) != berr.NotFound {
		t.Fatalf("expected NotFound after remove, got %v", err)
	}
}

// Lookups of a key that was never written fail with NotFound (-ENOENT).
func TestLookupUnknownKeyIsNotFound(t *testing.T) {
	e := openTestEngine(t)
	if _, err := e.Lookup(testKey(t, 99), false); berr.KindOf(err) != berr.NotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

// P7: AscendRange visits keys in sorted order within [start, end].
func TestAscendRangeSortedAndBounded(t *testing.T) {
	e := openTestEngine(t)
	for _, b := range []byte{5, 1, 3, 9, 7} {
		if _, err := e.Write(testKey(t, b), []WriteVector{{Data: []byte{b}}}, 0, false); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	var seen []byte
	err := e.AscendRange(testKey(t, 2), testKey(t, 8), func(k ioattr.Key, _ WriteControl) error {
		seen = append(seen, k[0])
		return nil
	})
	if err != nil {
		t.Fatalf("AscendRange: %v", err)
	}
	want := []byte{3, 5, 7}
	if !bytes.Equal(seen, want) {
		t.Fatalf("got %v want %v", seen, want)
	}
}

// P8: Reserve + WriteAt + Commit publishes a single record with the
// committed size, visible only after Commit.
func TestReserveWriteAtCommit(t *testing.T) {
	e := openTestEngine(t)
	key := testKey(t, 42)

	if err := e.Reserve(key, 16); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if _, err := e.Lookup(key, false); berr.KindOf(err) != berr.NotFound {
		t.Fatal("reserved-but-uncommitted key should not be visible")
	}

	payload := []byte("0123456789abcdef")
	if err := e.WriteAt(key, []WriteVector{{RecordOffset: 0, Data: payload}}); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	wc, err := e.Commit(key, uint64(len(payload)))
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if wc.TotalDataSize != uint64(len(payload)) {
		t.Fatalf("got size %d want %d", wc.TotalDataSize, len(payload))
	}

	got, err := e.Lookup(key, false)
	if err != nil {
		t.Fatalf("Lookup after commit: %v", err)
	}
	back := make([]byte, got.TotalDataSize)
	seg := e.segments[got.SegmentID]
	if _, err := seg.file.ReadAt(back, int64(got.DataOffset)); err != nil {
		t.Fatalf("readat: %v", err)
	}
	if !bytes.Equal(back, payload) {
		t.Fatalf("payload mismatch: got %q want %q", back, payload)
	}
}

// Segments reopened from an existing data directory are sealed, and
// their records are reflected in the rebuilt index.
func TestOpenRebuildsIndexFromExistingSegmentsAndSealsThem(t *testing.T) {
	dir := t.TempDir()
	e1, err := Open(Options{DataPath: dir})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	key := testKey(t, 7)
	if _, err := e1.Write(key, []WriteVector{{Data: []byte("persisted")}}, 0, false); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := e1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	e2, err := Open(Options{DataPath: dir})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer e2.Close()

	if _, err := e2.Lookup(key, false); err != nil {
		t.Fatalf("Lookup after reopen: %v", err)
	}
	for id, seg := range e2.segments {
		if seg == e2.active {
			continue
		}
		if !seg.sealed {
			t.Fatalf("reopened segment %s not sealed", id)
		}
		if seg.records != 1 {
			t.Fatalf("reopened segment %s records = %d want 1 (needed for defrag eligibility)", id, seg.records)
		}
	}
}

// Defrag compacts a segment whose removed ratio crosses the threshold,
// and surviving keys remain resolvable afterward.
func TestDefragCompactsAndPreservesLiveRecords(t *testing.T) {
	e := openTestEngine(t)
	e.opt.DefragPercentage = 10

	keep := testKey(t, 1)
	if _, err := e.Write(keep, []WriteVector{{Data: []byte("keep-me")}}, 0, false); err != nil {
		t.Fatalf("Write: %v", err)
	}
	for _, b := range []byte{2, 3, 4, 5} {
		k := testKey(t, b)
		if _, err := e.Write(k, []WriteVector{{Data: []byte("drop")}}, 0, false); err != nil {
			t.Fatalf("Write: %v", err)
		}
		if err := e.Remove(k); err != nil {
			t.Fatalf("Remove: %v", err)
		}
	}

	e.mu.Lock()
	e.active.sealed = true
	target := e.active
	e.mu.Unlock()
	if !target.shouldDefrag(e.opt.effectiveDefragPercentage()) {
		t.Fatal("fixture segment should be over the defrag threshold")
	}

	if err := e.compactSegment(target); err != nil {
		t.Fatalf("compactSegment: %v", err)
	}

	got, err := e.Lookup(keep, false)
	if err != nil {
		t.Fatalf("Lookup after compaction: %v", err)
	}
	back := make([]byte, got.TotalDataSize)
	seg := e.segments[got.SegmentID]
	if _, err := seg.file.ReadAt(back, int64(got.DataOffset)); err != nil {
		t.Fatalf("readat: %v", err)
	}
	if !bytes.Equal(back, []byte("keep-me")) {
		t.Fatalf("payload mismatch after compaction: %q", back)
	}
	if _, err := os.Stat(target.path); !os.IsNotExist(err) {
		t.Fatalf("old segment file should be removed, stat err=%v", err)
	}
}
