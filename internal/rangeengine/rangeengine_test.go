package rangeengine

import (
	"testing"

	"github.com/launix-de/blobnode/internal/adapter"
	"github.com/launix-de/blobnode/internal/berr"
	"github.com/launix-de/blobnode/internal/engine"
	"github.com/launix-de/blobnode/internal/ioattr"
)

func setup(t *testing.T) (*Engine, *adapter.Adapter, func()) {
	t.Helper()
	eng, err := engine.Open(engine.Options{DataPath: t.TempDir()})
	if err != nil {
		t.Fatalf("engine.Open: %v", err)
	}
	a := adapter.New(eng, 1<<40)
	for _, b := range []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9} {
		var k ioattr.Key
		k[0] = b
		if _, _, err := a.Write(k, ioattr.Attr{Size: 1, Flags: ioattr.HasExtHdr}, []byte{b}); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	return New(a), a, func() { eng.Close() }
}

func keyByte(b byte) ioattr.Key {
	var k ioattr.Key
	k[0] = b
	return k
}

// P5: with SORT, record keys are emitted in nondecreasing bytewise order.
func TestApplySortOrdersKeys(t *testing.T) {
	re, _, done := setup(t)
	defer done()

	res, err := re.Apply(ioattr.Attr{ID: keyByte(0), Parent: keyByte(9), Flags: ioattr.Sort}, false)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if res.Processed != 10 {
		t.Fatalf("processed = %d want 10", res.Processed)
	}
	for i := 1; i < len(res.Frames); i++ {
		if res.Frames[i-1].Key[0] > res.Frames[i].Key[0] {
			t.Fatalf("keys out of order at %d: %v", i, res.Frames)
		}
	}
}

// P6: io.Num and io.Start bound which hits are emitted.
func TestApplyRespectsNumAndStart(t *testing.T) {
	re, _, done := setup(t)
	defer done()

	res, err := re.Apply(ioattr.Attr{ID: keyByte(0), Parent: keyByte(9), Flags: ioattr.Sort, Num: 3, Start: 2}, false)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(res.Frames) != 3 {
		t.Fatalf("got %d frames want 3", len(res.Frames))
	}
	if res.Frames[0].Key[0] != 2 {
		t.Fatalf("expected first emitted key to be 2, got %d", res.Frames[0].Key[0])
	}
}

// DEL_RANGE removes the bounded hits; keys outside the range survive.
func TestApplyDelRangeRemovesOnlyWithinBounds(t *testing.T) {
	re, a, done := setup(t)
	defer done()

	res, err := re.Apply(ioattr.Attr{ID: keyByte(0), Parent: keyByte(4), Flags: ioattr.Sort}, true)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if res.Processed != 5 {
		t.Fatalf("processed = %d want 5", res.Processed)
	}
	if _, err := a.Engine().Lookup(keyByte(2), false); berr.KindOf(err) != berr.NotFound {
		t.Fatal("key 2 should have been removed")
	}
	if _, err := a.Engine().Lookup(keyByte(5), false); err != nil {
		t.Fatalf("key 5 should still be present: %v", err)
	}
}
