package adapter

import (
	"bytes"
	"testing"

	"github.com/launix-de/blobnode/internal/berr"
	"github.com/launix-de/blobnode/internal/engine"
	"github.com/launix-de/blobnode/internal/exthdr"
	"github.com/launix-de/blobnode/internal/ioattr"
)

func newTestAdapter(t *testing.T) (*Adapter, func()) {
	t.Helper()
	eng, err := engine.Open(engine.Options{DataPath: t.TempDir()})
	if err != nil {
		t.Fatalf("engine.Open: %v", err)
	}
	a := New(eng, classifierThreshold())
	return a, func() { eng.Close() }
}

func classifierThreshold() float64 { return 1 << 40 } // large: keeps CacheForget off unless widely scattered

func keyWithByte(b byte) ioattr.Key {
	var k ioattr.Key
	k[0] = b
	return k
}

// P1: round-trip write then read returns identical bytes.
func TestWriteThenReadRoundTrip(t *testing.T) {
	a, done := newTestAdapter(t)
	defer done()

	key := keyWithByte(1)
	payload := []byte("hello")
	_, ack, err := a.Write(key, ioattr.Attr{Size: uint64(len(payload)), Flags: ioattr.HasExtHdr}, payload)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if ack {
		t.Fatal("expected file-info reply, got ack-only")
	}

	var rio ioattr.Attr
	res, err := a.Read(key, &rio)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if rio.TotalSize != uint64(len(payload)) {
		t.Fatalf("total_size = %d want %d", rio.TotalSize, len(payload))
	}
	if res.Size != uint64(len(payload)) {
		t.Fatalf("read size = %d want %d", res.Size, len(payload))
	}

	le := a.Engine().(*engine.LocalEngine)
	back, err := le.ReadAtFD(res.FD, int64(res.Offset), int(res.Size))
	if err != nil {
		t.Fatalf("ReadAtFD: %v", err)
	}
	if !bytes.Equal(back, payload) {
		t.Fatalf("payload mismatch: got %q want %q", back, payload)
	}
}

// P3: offset past end of record fails OUT_OF_RANGE.
func TestReadOffsetPastEndIsOutOfRange(t *testing.T) {
	a, done := newTestAdapter(t)
	defer done()
	key := keyWithByte(2)
	payload := []byte("xyz")
	if _, _, err := a.Write(key, ioattr.Attr{Size: uint64(len(payload)), Flags: ioattr.HasExtHdr}, payload); err != nil {
		t.Fatalf("Write: %v", err)
	}
	rio := ioattr.Attr{Offset: 100}
	if _, err := a.Read(key, &rio); berr.KindOf(err) != berr.OutOfRange {
		t.Fatalf("expected OutOfRange, got %v", err)
	}
}

// P7: a COMPRESS write fails UNSUPPORTED and never reaches the engine.
func TestWriteWithCompressIsUnsupported(t *testing.T) {
	a, done := newTestAdapter(t)
	defer done()
	key := keyWithByte(3)
	_, _, err := a.Write(key, ioattr.Attr{Size: 3, Flags: ioattr.Compress}, []byte("abc"))
	if berr.KindOf(err) != berr.Unsupported {
		t.Fatalf("expected Unsupported, got %v", err)
	}
	if _, err := a.Engine().Lookup(key, false); berr.KindOf(err) != berr.NotFound {
		t.Fatal("compressed write must not have touched the engine")
	}
}

// P8: PREPARE + plain writes + COMMIT finalizes at the reservation size.
func TestPrepareWriteAtCommit(t *testing.T) {
	a, done := newTestAdapter(t)
	defer done()
	key := keyWithByte(4)
	payload := []byte("0123456789")

	info, ack, err := a.Write(key, ioattr.Attr{
		Flags: ioattr.Prepare | ioattr.Commit | ioattr.PlainWrite,
		Size:  uint64(len(payload)),
		Num:   uint64(len(payload)),
	}, payload)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if ack {
		t.Fatal("expected file info reply")
	}
	if want := uint64(len(payload)) + exthdr.Len; info.Size != want {
		t.Fatalf("committed size = %d want %d", info.Size, want)
	}
}

// Delete removes the record; a subsequent read fails NOT_FOUND.
func TestDeleteThenReadNotFound(t *testing.T) {
	a, done := newTestAdapter(t)
	defer done()
	key := keyWithByte(5)
	if _, _, err := a.Write(key, ioattr.Attr{Size: 1, Flags: ioattr.HasExtHdr}, []byte("a")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := a.Delete(key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	var rio ioattr.Attr
	if _, err := a.Read(key, &rio); berr.KindOf(err) != berr.NotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}
