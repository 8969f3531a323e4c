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

package engine

import (
	"os"
	"sync"
	"time"

	"github.com/launix-de/blobnode/internal/berr"
	"github.com/launix-de/blobnode/internal/ioattr"
	"github.com/launix-de/blobnode/internal/xlog"
)

// Options configure a LocalEngine (spec §6 "Configuration keys").
type Options struct {
	DataPath              string
	BlobSize              uint64 // roll to a new segment once exceeded
	RecordsInBlob         int    // roll to a new segment once exceeded
	DefragTimeout         time.Duration
	DefragPercentage      int // defrag a sealed segment once removed/total reaches this
	IndexBlockBloomLength int // bits per segment's key presence filter
}

func (o Options) effectiveBloomBits() int {
	if o.IndexBlockBloomLength <= 0 {
		return 1024
	}
	return o.IndexBlockBloomLength
}

// LocalEngine is the reference Engine implementation: append-only
// segment files on a local filesystem directory, with an in-memory btree
// index for range scans (spec §6 "segment files... an index").
type LocalEngine struct {
	opt Options

	mu       sync.Mutex // protects segments/active/reservations
	segments map[string]*segment
	active   *segment

	idx *index

	reservations map[ioattr.Key]*reservation

	defragMu     sync.Mutex
	defragStatus DefragStatus
}

type reservation struct {
	seg       *segment
	ctlOffset uint64
	size      uint64
	flags     Flags
}

// Open opens (or creates) a LocalEngine rooted at opt.DataPath.
func Open(opt Options) (*LocalEngine, error) {
	if opt.DataPath == "" {
		return nil, berr.New(berr.InvalidConfig, "engine.Open: empty data path")
	}
	if err := os.MkdirAll(opt.DataPath, 0750); err != nil {
		return nil, berr.Wrap(berr.IOError, "engine.Open: mkdir", err)
	}
	e := &LocalEngine{
		opt:          opt,
		segments:     make(map[string]*segment),
		idx:          newIndex(),
		reservations: make(map[ioattr.Key]*reservation),
	}

	entries, err := os.ReadDir(opt.DataPath)
	if err != nil {
		return nil, berr.Wrap(berr.IOError, "engine.Open: readdir", err)
	}
	for _, ent := range entries {
		name := ent.Name()
		if ent.IsDir() || len(name) < 6 || name[len(name)-5:] != ".blob" {
			continue
		}
		id := name[:len(name)-5]
		seg, err := openSegment(opt.DataPath+"/"+name, id, opt.effectiveBloomBits())
		if err != nil {
			return nil, err
		}
		if err := e.rebuildIndexFromSegment(seg); err != nil {
			return nil, err
		}
		seg.sealed = true
		e.segments[id] = seg
	}

	seg, err := newSegment(opt.DataPath, opt.effectiveBloomBits())
	if err != nil {
		return nil, err
	}
	e.segments[seg.id] = seg
	e.active = seg
	return e, nil
}

func (e *LocalEngine) rebuildIndexFromSegment(seg *segment) error {
	return seg.walk(func(dc DiskControl) error {
		seg.records++
		wc := controlToWriteControl(seg, dc)
		if dc.Flags.Has(FlagRemoved) {
			seg.removed++
			e.idx.remove(dc.Key)
			return nil
		}
		seg.bloom.add(dc.Key[:])
		e.idx.set(dc.Key, wc)
		return nil
	})
}

func controlToWriteControl(seg *segment, dc DiskControl) WriteControl {
	dataOffset := dc.Position + CTLLen
	return WriteControl{
		DataFD:        seg.fd(),
		SegmentID:     seg.id,
		CtlDataOffset: dc.Position,
		DataOffset:    dataOffset,
		TotalDataSize: dc.DataSize,
		Flags:         dc.Flags,
	}
}

func (e *LocalEngine) rollIfNeeded() error {
	if e.active.size() < e.opt.effectiveBlobSize() && e.active.records < e.opt.effectiveRecordsInBlob() {
		return nil
	}
	e.active.sealed = true
	seg, err := newSegment(e.opt.DataPath, e.opt.effectiveBloomBits())
	if err != nil {
		return err
	}
	e.segments[seg.id] = seg
	e.active = seg
	return nil
}

func (o Options) effectiveBlobSize() uint64 {
	if o.BlobSize == 0 {
		return 64 << 20
	}
	return o.BlobSize
}

func (o Options) effectiveRecordsInBlob() int {
	if o.RecordsInBlob == 0 {
		return 1 << 16
	}
	return o.RecordsInBlob
}

func (e *LocalEngine) Reserve(key ioattr.Key, size uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.rollIfNeeded(); err != nil {
		return err
	}
	zero := make([]byte, size)
	ctlOffset, err := e.active.appendRecord(key, FlagHasExtHdr, size, zero)
	if err != nil {
		return err
	}
	e.reservations[key] = &reservation{seg: e.active, ctlOffset: ctlOffset, size: size, flags: FlagHasExtHdr}
	return nil
}

func (e *LocalEngine) Write(key ioattr.Key, vectors []WriteVector, flags Flags, verify bool) (WriteControl, error) {
	var total uint64
	for _, v := range vectors {
		if end := v.RecordOffset + uint64(len(v.Data)); end > total {
			total = end
		}
	}
	body := make([]byte, total)
	for _, v := range vectors {
		copy(body[v.RecordOffset:], v.Data)
	}

	e.mu.Lock()
	if err := e.rollIfNeeded(); err != nil {
		e.mu.Unlock()
		return WriteControl{}, err
	}
	seg := e.active
	ctlOffset, err := seg.appendRecord(key, flags, total, body)
	e.mu.Unlock()
	if err != nil {
		return WriteControl{}, err
	}

	if verify {
		dc, err := seg.readControl(ctlOffset)
		if err != nil {
			return WriteControl{}, err
		}
		back := make([]byte, len(body))
		if _, err := seg.file.ReadAt(back, int64(ctlOffset+CTLLen)); err != nil {
			return WriteControl{}, berr.Wrap(berr.IOError, "engine: verify write", err)
		}
		for i := range back {
			if back[i] != body[i] {
				return WriteControl{}, berr.New(berr.Corrupt, "engine: verify write mismatch")
			}
		}
		_ = dc
	}

	wc := WriteControl{DataFD: seg.fd(), SegmentID: seg.id, CtlDataOffset: ctlOffset, DataOffset: ctlOffset + CTLLen, TotalDataSize: total, Flags: flags}
	e.idx.set(key, wc)
	return wc, nil
}

func (e *LocalEngine) WriteAt(key ioattr.Key, vectors []WriteVector) error {
	e.mu.Lock()
	r, ok := e.reservations[key]
	e.mu.Unlock()
	if !ok {
		return berr.New(berr.Protocol, "engine.WriteAt: no reservation for key")
	}
	for _, v := range vectors {
		if _, err := r.seg.file.WriteAt(v.Data, int64(r.ctlOffset+CTLLen+v.RecordOffset)); err != nil {
			return berr.Wrap(berr.IOError, "engine.WriteAt", err)
		}
	}
	return nil
}

func (e *LocalEngine) Commit(key ioattr.Key, totalSize uint64) (WriteControl, error) {
	e.mu.Lock()
	r, ok := e.reservations[key]
	if ok {
		delete(e.reservations, key)
	}
	e.mu.Unlock()
	if !ok {
		return WriteControl{}, berr.New(berr.Protocol, "engine.Commit: no reservation for key")
	}

	dc, err := r.seg.readControl(r.ctlOffset)
	if err != nil {
		return WriteControl{}, err
	}
	dc.DataSize = totalSize
	buf := make([]byte, CTLLen)
	marshalControl(dc, buf)
	if _, err := r.seg.file.WriteAt(buf, int64(r.ctlOffset)); err != nil {
		return WriteControl{}, berr.Wrap(berr.IOError, "engine.Commit", err)
	}

	wc := WriteControl{DataFD: r.seg.fd(), SegmentID: r.seg.id, CtlDataOffset: r.ctlOffset, DataOffset: r.ctlOffset + CTLLen, TotalDataSize: totalSize, Flags: dc.Flags}
	e.idx.set(key, wc)
	return wc, nil
}

func (e *LocalEngine) Lookup(key ioattr.Key, noCsum bool) (WriteControl, error) {
	wc, ok := e.idx.get(key)
	if !ok {
		return WriteControl{}, berr.New(berr.NotFound, "engine.Lookup")
	}
	return wc, nil
}

func (e *LocalEngine) Remove(key ioattr.Key) error {
	e.mu.Lock()
	wc, ok := e.idx.get(key)
	e.mu.Unlock()
	if !ok {
		return berr.New(berr.NotFound, "engine.Remove")
	}
	seg, ok := e.segments[wc.SegmentID]
	if !ok {
		return berr.New(berr.Corrupt, "engine.Remove: unknown segment")
	}
	if !seg.bloom.mightContain(key[:]) {
		xlog.Error("engine.Remove", berr.New(berr.Corrupt, "index points at a segment whose bloom filter never saw this key: "+key.String()))
	}
	if err := seg.markRemoved(wc.CtlDataOffset); err != nil {
		return err
	}
	e.idx.remove(key)
	xlog.Info("removed key %s from segment %s", key.String(), seg.id)
	return nil
}

func (e *LocalEngine) Iterate(fn func(key ioattr.Key, wc WriteControl) error) error {
	var outerErr error
	e.idx.ascendAll(func(ent indexEntry) bool {
		if err := fn(ent.key, ent.wc); err != nil {
			outerErr = err
			return false
		}
		return true
	})
	return outerErr
}

func (e *LocalEngine) AscendRange(start, end ioattr.Key, fn func(key ioattr.Key, wc WriteControl) error) error {
	var outerErr error
	e.idx.ascendRange(start, end, func(ent indexEntry) bool {
		if err := fn(ent.key, ent.wc); err != nil {
			outerErr = err
			return false
		}
		return true
	})
	return outerErr
}

func (e *LocalEngine) Stat() Stats {
	var removed uint64
	e.mu.Lock()
	for _, s := range e.segments {
		removed += uint64(s.removed)
	}
	e.mu.Unlock()
	return Stats{TotalRecords: uint64(e.idx.len()), RemovedRecords: removed}
}

// ReadAtFD reads n bytes at offset from the segment whose engine fd
// matches fd. Zero-copy reply descriptors only carry an fd, not a
// *segment, so resolving back to the underlying file is how a transport
// (or a test standing in for one) turns a reply into actual bytes.
func (e *LocalEngine) ReadAtFD(fd int, offset int64, n int) ([]byte, error) {
	e.mu.Lock()
	var seg *segment
	for _, s := range e.segments {
		if s.fd() == fd {
			seg = s
			break
		}
	}
	e.mu.Unlock()
	if seg == nil {
		return nil, berr.New(berr.IOError, "engine.ReadAtFD: unknown fd")
	}
	buf := make([]byte, n)
	if _, err := seg.file.ReadAt(buf, offset); err != nil {
		return nil, berr.Wrap(berr.IOError, "engine.ReadAtFD", err)
	}
	return buf, nil
}

func (e *LocalEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	var firstErr error
	for _, s := range e.segments {
		if err := s.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
