package fsstore

import (
	"bytes"
	"io"
	"testing"

	"github.com/launix-de/blobnode/internal/berr"
)

func TestPutThenOpenRoundTrips(t *testing.T) {
	s := NewFactory(t.TempDir()).ForNode("node-a")
	payload := []byte("segment bytes go here")

	if err := s.Put("seg-1", bytes.NewReader(payload)); err != nil {
		t.Fatalf("Put: %v", err)
	}

	rc, err := s.Open("seg-1")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer rc.Close()
	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("got %q want %q", got, payload)
	}
}

func TestOpenUnknownIDIsNotFound(t *testing.T) {
	s := NewFactory(t.TempDir()).ForNode("node-a")
	if _, err := s.Open("missing"); berr.KindOf(err) != berr.NotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestListReflectsPutAndRemove(t *testing.T) {
	s := NewFactory(t.TempDir()).ForNode("node-a")
	for _, id := range []string{"seg-1", "seg-2", "seg-3"} {
		if err := s.Put(id, bytes.NewReader([]byte(id))); err != nil {
			t.Fatalf("Put %s: %v", id, err)
		}
	}
	if err := s.Remove("seg-2"); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	ids, err := s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	want := map[string]bool{"seg-1": true, "seg-3": true}
	if len(ids) != len(want) {
		t.Fatalf("got %v want keys of %v", ids, want)
	}
	for _, id := range ids {
		if !want[id] {
			t.Fatalf("unexpected id %q in listing %v", id, ids)
		}
	}
}

func TestRemoveUnknownIDIsNotAnError(t *testing.T) {
	s := NewFactory(t.TempDir()).ForNode("node-a")
	if err := s.Remove("never-existed"); err != nil {
		t.Fatalf("Remove of unknown id should be a no-op, got %v", err)
	}
}

func TestNodesAreIsolated(t *testing.T) {
	base := t.TempDir()
	a := NewFactory(base).ForNode("node-a")
	b := NewFactory(base).ForNode("node-b")

	if err := a.Put("seg-1", bytes.NewReader([]byte("a-data"))); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := b.Open("seg-1"); berr.KindOf(err) != berr.NotFound {
		t.Fatalf("node-b should not see node-a's segments, got %v", err)
	}
}
