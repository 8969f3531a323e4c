package dispatch

import (
	"path/filepath"
	"testing"

	"github.com/launix-de/blobnode/internal/adapter"
	"github.com/launix-de/blobnode/internal/berr"
	"github.com/launix-de/blobnode/internal/engine"
	"github.com/launix-de/blobnode/internal/ioattr"
)

func setup(t *testing.T) *Dispatcher {
	t.Helper()
	eng, err := engine.Open(engine.Options{DataPath: t.TempDir()})
	if err != nil {
		t.Fatalf("engine.Open: %v", err)
	}
	t.Cleanup(func() { eng.Close() })
	a := adapter.New(eng, 1<<40)
	return New(a, t.TempDir(), nil)
}

func keyByte(b byte) ioattr.Key {
	var k ioattr.Key
	k[0] = b
	return k
}

func TestDispatchWriteThenLookup(t *testing.T) {
	d := setup(t)
	key := keyByte(1)
	payload := []byte("payload")

	wr := d.Dispatch(WRITE, key, ioattr.Attr{Size: uint64(len(payload)), Flags: ioattr.HasExtHdr}, payload, nil)
	if wr.Errno != 0 {
		t.Fatalf("write errno = %d", wr.Errno)
	}

	lr := d.Dispatch(LOOKUP, key, ioattr.Attr{}, nil, nil)
	if lr.Errno != 0 {
		t.Fatalf("lookup errno = %d", lr.Errno)
	}
	if lr.FileInfo.Size != uint64(len(payload)) {
		t.Fatalf("size = %d want %d", lr.FileInfo.Size, len(payload))
	}
}

func TestDispatchUnknownCommandIsUnsupported(t *testing.T) {
	d := setup(t)
	r := d.Dispatch(Code(999), keyByte(0), ioattr.Attr{}, nil, nil)
	if r.Errno != berr.Unsupported.Errno() {
		t.Fatalf("errno = %d want %d", r.Errno, berr.Unsupported.Errno())
	}
}

func TestDispatchDeleteThenLookupNotFound(t *testing.T) {
	d := setup(t)
	key := keyByte(3)
	d.Dispatch(WRITE, key, ioattr.Attr{Size: 1, Flags: ioattr.HasExtHdr}, []byte("a"), nil)

	delR := d.Dispatch(DEL, key, ioattr.Attr{}, nil, nil)
	if delR.Errno != 0 {
		t.Fatalf("delete errno = %d", delR.Errno)
	}

	lr := d.Dispatch(LOOKUP, key, ioattr.Attr{}, nil, nil)
	if lr.Errno != berr.NotFound.Errno() {
		t.Fatalf("errno = %d want %d", lr.Errno, berr.NotFound.Errno())
	}
}

func TestDispatchDefragStatusOnly(t *testing.T) {
	d := setup(t)
	r := d.Dispatch(DEFRAG, ioattr.Key{}, ioattr.Attr{Flags: ioattr.StatusOnly}, nil, nil)
	if r.Errno != 0 {
		t.Fatalf("errno = %d", r.Errno)
	}
	if r.Defrag.Running {
		t.Fatal("expected defrag not running before any start")
	}
}

func TestDispatchStatWithoutStatFSReturnsEngineCounters(t *testing.T) {
	d := setup(t)
	d.Dispatch(WRITE, keyByte(9), ioattr.Attr{Size: 1, Flags: ioattr.HasExtHdr}, []byte("z"), nil)
	r := d.Dispatch(STAT, ioattr.Key{}, ioattr.Attr{}, nil, nil)
	if r.Errno != 0 {
		t.Fatalf("errno = %d", r.Errno)
	}
	if r.Stat.TotalRecords != 1 {
		t.Fatalf("total records = %d want 1", r.Stat.TotalRecords)
	}
}

func TestDispatchReadClearsNeedAckOnLastFrame(t *testing.T) {
	d := setup(t)
	key := keyByte(5)
	d.Dispatch(WRITE, key, ioattr.Attr{Size: 3, Flags: ioattr.HasExtHdr}, []byte("abc"), nil)

	r := d.Dispatch(READ, key, ioattr.Attr{Flags: ioattr.NeedAck}, nil, nil)
	if r.Errno != 0 {
		t.Fatalf("errno = %d", r.Errno)
	}
	if !r.Ack {
		t.Fatal("expected Ack to be set once NEED_ACK was cleared")
	}
	if r.FileInfo.Size != 3 {
		t.Fatalf("size = %d want 3", r.FileInfo.Size)
	}
}

func TestDispatchReadWithoutNeedAckDoesNotAck(t *testing.T) {
	d := setup(t)
	key := keyByte(6)
	d.Dispatch(WRITE, key, ioattr.Attr{Size: 3, Flags: ioattr.HasExtHdr}, []byte("abc"), nil)

	r := d.Dispatch(READ, key, ioattr.Attr{}, nil, nil)
	if r.Errno != 0 {
		t.Fatalf("errno = %d", r.Errno)
	}
	if r.Ack {
		t.Fatal("expected no ack when NEED_ACK was never requested")
	}
}

func TestStatfsPathFallsBackToParentDirectory(t *testing.T) {
	dir := t.TempDir()
	missing := filepath.Join(dir, "not-yet-created-data-file")

	used, free, err := StatfsPath(missing)
	if err != nil {
		t.Fatalf("StatfsPath: %v", err)
	}
	if used == 0 && free == 0 {
		t.Fatal("expected non-zero filesystem usage from the parent directory")
	}
}
