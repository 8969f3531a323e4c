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
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/launix-de/blobnode/internal/berr"
	"github.com/launix-de/blobnode/internal/ioattr"
	"github.com/launix-de/blobnode/internal/xlog"
)

// DefragStatus returns a copy of the current compaction state (spec
// §4.5 DEFRAG with STATUS).
func (e *LocalEngine) DefragStatus() DefragStatus {
	e.defragMu.Lock()
	defer e.defragMu.Unlock()
	return e.defragStatus
}

// DefragStart compacts sealed segments whose removed/total ratio reaches
// opt.DefragPercentage, each on its own goroutine supervised by an
// errgroup so a single segment's failure doesn't strand the others mid
// compaction (spec §4.5 DEFRAG without STATUS).
func (e *LocalEngine) DefragStart() error {
	e.defragMu.Lock()
	if e.defragStatus.Running {
		e.defragMu.Unlock()
		return berr.New(berr.Protocol, "engine.DefragStart: already running")
	}
	e.defragStatus.Running = true
	e.defragStatus.LastStartUnix = time.Now().Unix()
	e.defragMu.Unlock()

	e.mu.Lock()
	var targets []*segment
	for _, s := range e.segments {
		if s.sealed && s.shouldDefrag(e.opt.effectiveDefragPercentage()) {
			targets = append(targets, s)
		}
	}
	e.mu.Unlock()

	e.defragMu.Lock()
	e.defragStatus.SegmentsTotal = len(targets)
	e.defragStatus.SegmentsDone = 0
	e.defragMu.Unlock()

	go func() {
		defer func() {
			e.defragMu.Lock()
			e.defragStatus.Running = false
			e.defragStatus.LastFinishUnix = time.Now().Unix()
			e.defragMu.Unlock()
		}()

		var g errgroup.Group
		for _, seg := range targets {
			seg := seg
			g.Go(func() error {
				err := e.compactSegment(seg)
				e.defragMu.Lock()
				e.defragStatus.SegmentsDone++
				e.defragMu.Unlock()
				return err
			})
		}
		if err := g.Wait(); err != nil {
			xlog.Error("defrag", err)
		}
	}()
	return nil
}

func (o Options) effectiveDefragPercentage() int {
	if o.DefragPercentage <= 0 {
		return 20
	}
	return o.DefragPercentage
}

func (s *segment) shouldDefrag(percentage int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.records == 0 {
		return false
	}
	return s.removed*100/s.records >= percentage
}

// compactSegment rewrites seg's live records into a fresh segment file,
// republishes their index entries against the new file, then closes and
// removes the stale file. New lookups resolve the replaced index entry
// immediately; an fd taken from a lookup before compaction is closed by
// it and no longer refers to the old segment.
func (e *LocalEngine) compactSegment(seg *segment) error {
	out, err := newSegment(e.opt.DataPath, e.opt.effectiveBloomBits())
	if err != nil {
		return err
	}

	type relocatedEntry struct {
		key    ioattr.Key
		offset uint64
	}
	var relocated []relocatedEntry
	walkErr := seg.walk(func(dc DiskControl) error {
		if dc.Flags.Has(FlagRemoved) {
			return nil
		}
		body := make([]byte, dc.DiskSize-CTLLen)
		if _, err := seg.file.ReadAt(body, int64(dc.Position+CTLLen)); err != nil {
			return berr.Wrap(berr.IOError, "engine: compact read", err)
		}
		newOffset, err := out.appendRecord(dc.Key, dc.Flags, dc.DataSize, body)
		if err != nil {
			return err
		}
		relocated = append(relocated, relocatedEntry{key: dc.Key, offset: newOffset})
		return nil
	})
	if walkErr != nil {
		out.close()
		os.Remove(out.path)
		return walkErr
	}

	e.mu.Lock()
	for _, r := range relocated {
		if wc, ok := e.idx.get(r.key); ok && wc.SegmentID == seg.id {
			wc.SegmentID = out.id
			wc.DataFD = out.fd()
			wc.CtlDataOffset = r.offset
			wc.DataOffset = r.offset + CTLLen
			e.idx.set(r.key, wc)
		}
	}
	out.sealed = true
	e.segments[out.id] = out
	delete(e.segments, seg.id)
	e.mu.Unlock()

	oldPath := seg.path
	if err := seg.close(); err != nil {
		xlog.Error("defrag: close old segment", err)
	}
	if err := os.Remove(oldPath); err != nil {
		xlog.Error("defrag: remove old segment", err)
	}
	xlog.Info("defrag: compacted segment %s -> %s (%d records)", seg.id, out.id, len(relocated))
	return nil
}
