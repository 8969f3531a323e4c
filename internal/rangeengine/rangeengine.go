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

// Package rangeengine is the two-phase range-iteration engine (spec
// §4.4): a collect pass driven by the blob engine's AscendRange
// callback, followed by an apply pass that optionally sorts and then
// emits READ_RANGE replies or performs DEL_RANGE removals.
package rangeengine

import (
	"bytes"
	"sort"

	"github.com/launix-de/blobnode/internal/adapter"
	"github.com/launix-de/blobnode/internal/engine"
	"github.com/launix-de/blobnode/internal/exthdr"
	"github.com/launix-de/blobnode/internal/ioattr"
	"github.com/launix-de/blobnode/internal/xlog"
)

const initialCapacity = 1000

// hit is a flat copy of what survives from the collect pass. It holds
// no engine-owned pointers (spec §9 "Pointer graphs": no borrows back
// into engine memory survive a callback); the apply pass re-resolves
// fd/offset/size via a fresh lookup per spec §4.4.
type hit struct {
	key           ioattr.Key
	requestOffset uint64
}

// ReadFrame is one outgoing zero-copy read reply for a READ_RANGE hit.
type ReadFrame struct {
	Key    ioattr.Key
	FD     int
	Offset uint64
	Size   uint64
}

// Result is the apply phase's output: the frames to send (READ_RANGE
// only) and the terminating reply's num (spec §4.4 "After apply").
type Result struct {
	Frames    []ReadFrame
	Processed int // entries actually emitted/removed, for the terminator's num
	Collected int
}

// Engine runs collect+apply for one READ_RANGE or DEL_RANGE command.
type Engine struct {
	adapter *adapter.Adapter
}

func New(a *adapter.Adapter) *Engine {
	return &Engine{adapter: a}
}

// collect runs the collect pass (spec §4.4 "Collect pass"): a capacity-
// doubling buffer starting at 1000, growing as AscendRange delivers
// hits, silently skipping any hit whose requested offset is already
// past the record's size.
func (e *Engine) collect(start, end ioattr.Key, requestedOffset uint64) ([]hit, error) {
	buf := make([]hit, 0, initialCapacity)
	err := e.adapter.Engine().AscendRange(start, end, func(key ioattr.Key, wc engine.WriteControl) error {
		size := wc.TotalDataSize
		if wc.Flags.Has(engine.FlagHasExtHdr) {
			if size < exthdr.Len {
				return nil
			}
			size -= exthdr.Len
		}
		if requestedOffset > size {
			return nil // spec §4.4: skip silently
		}
		if len(buf) == cap(buf) {
			grown := make([]hit, len(buf), cap(buf)*2)
			copy(grown, buf)
			buf = grown
		}
		buf = append(buf, hit{key: key, requestOffset: requestedOffset})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return buf, nil
}

// resolve re-looks-up a collected key at apply time (spec §4.4 "perform
// a re-lookup to obtain wc, decode extension header if present") and
// returns the frame to send for it.
func (e *Engine) resolve(h hit, io ioattr.Attr) (ReadFrame, error) {
	wc, err := e.adapter.Engine().Lookup(h.key, true)
	if err != nil {
		return ReadFrame{}, err
	}
	offset := wc.DataOffset
	size := wc.TotalDataSize
	if wc.Flags.Has(engine.FlagHasExtHdr) {
		offset += exthdr.Len
		size -= exthdr.Len
	}
	return ReadFrame{
		Key:    h.key,
		FD:     wc.DataFD,
		Offset: offset + io.Offset,
		Size:   size - h.requestOffset,
	}, nil
}

// Apply runs the full two-phase range operation for one command (spec
// §4.4 "Apply pass"). del selects DEL_RANGE over READ_RANGE. io.ID and
// io.Parent are the range bounds [start, end]; io.Start/io.Num bound
// which collected hits are emitted (spec P6).
func (e *Engine) Apply(io ioattr.Attr, del bool) (Result, error) {
	buf, err := e.collect(io.ID, io.Parent, io.Offset)
	if err != nil {
		return Result{}, err
	}

	if io.Flags.Has(ioattr.Sort) {
		sort.SliceStable(buf, func(i, j int) bool {
			return bytes.Compare(buf[i].key[:], buf[j].key[:]) < 0
		})
	}

	if len(buf) == 0 {
		return Result{Collected: 0}, nil
	}

	start := int(io.Start)
	if start > len(buf) {
		start = len(buf)
	}

	var frames []ReadFrame
	processed := 0
	for i := start; i < len(buf); i++ {
		if !del && io.Num > 0 && uint64(i) >= io.Num+uint64(start) {
			break
		}
		h := buf[i]
		if del {
			if err := e.adapter.Engine().Remove(h.key); err != nil {
				return Result{Frames: frames, Processed: processed, Collected: len(buf)}, err
			}
			xlog.Notice("del_range removed %s", h.key.String())
		} else {
			frame, err := e.resolve(h, io)
			if err != nil {
				return Result{Frames: frames, Processed: processed, Collected: len(buf)}, err
			}
			frames = append(frames, frame)
		}
		processed++
	}

	xlog.Notice("range apply processed=%d collected=%d", processed, len(buf))
	return Result{Frames: frames, Processed: processed, Collected: len(buf)}, nil
}
