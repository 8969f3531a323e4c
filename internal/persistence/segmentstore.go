/*
Copyright (C) 2024  Carl-Philip Hänsch

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU General Public License as published by
	the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU General Public License for more details.

	You should have received a copy of the GNU General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package persistence defines the interface for copying a LocalEngine's
// sealed segment files to a remote object store: a segment is read,
// written and removed as one opaque byte stream, addressed by its
// engine-assigned segment id.
package persistence

import "io"

// SegmentStore is the pluggable remote backing store for sealed segment
// files (spec §6 "segment files... roll to a new file"; supplemented
// feature: remote persistence behind one interface, local/S3/Ceph
// interchangeable).
//
// The engine and the backend do not call a SegmentStore: every segment
// stays on local disk, none is pushed or evicted, and reads never go
// through SegmentStore.Open.
type SegmentStore interface {
	// Put uploads the full contents of r under id, replacing any
	// existing object of the same id.
	Put(id string, r io.Reader) error

	// Open returns a reader over the stored bytes for id. Callers must
	// Close it. Returns an error satisfying berr.NotFound if id is
	// unknown to the store.
	Open(id string) (io.ReadCloser, error)

	// Remove deletes id from the store. Removing an unknown id is not
	// an error (best-effort, same as a typical RemoveColumn-style call).
	Remove(id string) error

	// List returns every segment id currently stored.
	List() ([]string, error)
}

// Factory hands out one SegmentStore per configured backend, scoped to a
// node id.
type Factory interface {
	ForNode(nodeID string) SegmentStore
}
