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

// Package adapter is the blob adapter (spec §4.3): it translates
// command-level write/read/lookup/delete/checksum operations into calls
// against an internal/engine.Engine, folding the extension header in and
// out of the record and feeding the access-pattern classifier on every
// read. Concurrent lookups for the same key are collapsed with
// golang.org/x/sync/singleflight, a de-duplication primitive for
// in-flight reads that land on the same key.
package adapter

import (
	"golang.org/x/sync/singleflight"

	"github.com/launix-de/blobnode/internal/berr"
	"github.com/launix-de/blobnode/internal/classifier"
	"github.com/launix-de/blobnode/internal/engine"
	"github.com/launix-de/blobnode/internal/exthdr"
	"github.com/launix-de/blobnode/internal/ioattr"
	"github.com/launix-de/blobnode/internal/xlog"
)

// FileInfo is the adapter's zero-copy file-info reply (spec §4.3 steps
// 5-6 and "Lookup / file-info"): a file descriptor plus the byte range
// a transport can send without copying through adapter memory.
type FileInfo struct {
	FD            int
	Offset        uint64
	Size          uint64
	TimestampSec  int64
	TimestampNsec int32
}

// ReadResult is the read path's zero-copy reply plus the classifier's
// cache-eviction hint (spec §4.2, §4.3 "Read" step 7).
type ReadResult struct {
	FD          int
	Offset      uint64
	Size        uint64
	CacheForget bool
}

// Adapter binds one engine.Engine to one access-pattern classifier; one
// Adapter instance corresponds to one backend node (spec §4.6 "Init").
type Adapter struct {
	eng   engine.Engine
	cls   *classifier.Classifier
	group singleflight.Group
}

// New wires an Adapter around an already-open engine. vmTotalSq is the
// classifier's tuning constant (spec §4.2 step d, §4.6 "compute
// vm_total_sq").
func New(eng engine.Engine, vmTotalSq float64) *Adapter {
	return &Adapter{
		eng: eng,
		cls: classifier.New(vmTotalSq, classifier.LogTransition),
	}
}

// Write implements spec §4.3 "Write".
func (a *Adapter) Write(key ioattr.Key, io ioattr.Attr, payload []byte) (info FileInfo, ack bool, err error) {
	if io.Flags.Has(ioattr.Compress) {
		return FileInfo{}, false, berr.New(berr.Unsupported, "adapter.Write: compress")
	}

	engFlags := engine.FlagHasExtHdr
	if io.Flags.Has(ioattr.Append) {
		engFlags |= engine.FlagAppend
	}
	if io.Flags.Has(ioattr.NoCsum) {
		engFlags |= engine.FlagNoCsum
	}

	if io.Flags.Has(ioattr.Prepare) {
		if err := a.eng.Reserve(key, io.Num+exthdr.Len); err != nil {
			return FileInfo{}, false, err
		}
	}

	hdr := exthdr.EncodeExt(io)
	var wc engine.WriteControl
	var haveWC bool

	if io.Size > 0 {
		vectors := []engine.WriteVector{
			{RecordOffset: 0, Data: hdr.Marshal()},
			{RecordOffset: exthdr.Len + io.Offset, Data: payload},
		}
		if io.Flags.Has(ioattr.Prepare) {
			if err := a.eng.WriteAt(key, vectors); err != nil {
				return FileInfo{}, false, err
			}
			if io.Flags.Has(ioattr.Commit) {
				wc, err = a.eng.Commit(key, io.Num+exthdr.Len)
				if err != nil {
					return FileInfo{}, false, err
				}
				haveWC = true
			}
		} else {
			verify := !io.Flags.Has(ioattr.PlainWrite)
			wc, err = a.eng.Write(key, vectors, engFlags, verify)
			if err != nil {
				return FileInfo{}, false, err
			}
			haveWC = true
		}
	} else if io.Flags.Has(ioattr.Prepare) && io.Flags.Has(ioattr.Commit) {
		wc, err = a.eng.Commit(key, io.Num+exthdr.Len)
		if err != nil {
			return FileInfo{}, false, err
		}
		haveWC = true
	}

	if !haveWC {
		wc, err = a.eng.Lookup(key, true)
		if err != nil {
			return FileInfo{}, false, err
		}
	}

	xlog.Info("write %s size=%d", key.String(), wc.TotalDataSize)

	if io.Flags.Has(ioattr.WriteNoFileInfo) {
		return FileInfo{}, true, nil
	}

	fdOffset := wc.DataOffset
	if wc.Flags.Has(engine.FlagHasExtHdr) {
		fdOffset += exthdr.Len
	}
	return FileInfo{
		FD:            wc.DataFD,
		Offset:        fdOffset,
		Size:          wc.TotalDataSize,
		TimestampSec:  hdr.TimestampSec,
		TimestampNsec: hdr.TimestampNsec,
	}, false, nil
}

// Read implements spec §4.3 "Read". io is both input (caller-requested
// offset/size) and output (total_size, and NEED_ACK is cleared on the
// last frame by the caller once this returns). The extension header is
// skipped, not decoded: io's timestamp and flags keep the caller's values.
func (a *Adapter) Read(key ioattr.Key, io *ioattr.Attr) (ReadResult, error) {
	wc, err := a.eng.Lookup(key, io.Flags.Has(ioattr.NoCsum))
	if err != nil {
		return ReadResult{}, err
	}

	offset := wc.DataOffset
	size := wc.TotalDataSize

	if wc.Flags.Has(engine.FlagHasExtHdr) {
		offset += exthdr.Len
		if size < exthdr.Len {
			return ReadResult{}, berr.New(berr.Corrupt, "adapter.Read: record smaller than extension header")
		}
		size -= exthdr.Len
	}

	io.TotalSize = size

	if io.Offset >= size {
		return ReadResult{}, berr.New(berr.OutOfRange, "adapter.Read: offset past end of record")
	}
	offset += io.Offset
	size -= io.Offset
	if io.Size != 0 && io.Size < size {
		size = io.Size
	} else {
		io.Size = size
	}

	a.cls.RecordRead(wc.DataFD, int64(offset))

	return ReadResult{FD: wc.DataFD, Offset: offset, Size: size, CacheForget: a.cls.IsRandom()}, nil
}

// Lookup implements spec §4.3 "Lookup / file-info". Concurrent lookups
// for the same key are collapsed via singleflight so a hot key under
// read fan-out only pays for one engine round-trip.
func (a *Adapter) Lookup(key ioattr.Key, noCsum bool) (FileInfo, error) {
	v, err, _ := a.group.Do(key.String(), func() (interface{}, error) {
		return a.eng.Lookup(key, noCsum)
	})
	if err != nil {
		return FileInfo{}, err
	}
	wc := v.(engine.WriteControl)

	offset := wc.DataOffset
	size := wc.TotalDataSize
	if wc.Flags.Has(engine.FlagHasExtHdr) {
		offset += exthdr.Len
		if size >= exthdr.Len {
			size -= exthdr.Len
		} else {
			size = 0
		}
	}
	if size == 0 {
		return FileInfo{}, berr.New(berr.NotFound, "adapter.Lookup: zero-sized record")
	}
	return FileInfo{FD: wc.DataFD, Offset: offset, Size: size, TimestampSec: wc.TimestampSec, TimestampNsec: wc.TimestampNsec}, nil
}

// Delete implements spec §4.3 "Delete".
func (a *Adapter) Delete(key ioattr.Key) error {
	if err := a.eng.Remove(key); err != nil {
		return err
	}
	xlog.Info("delete %s", key.String())
	return nil
}

// ChecksumFunc delegates the actual digest computation to the
// transport, which owns the fd (spec §4.3 "Checksum": "delegate to the
// transport's checksum-of-fd routine").
type ChecksumFunc func(fd int, offset, size uint64) ([]byte, error)

// Checksum implements spec §4.3 "Checksum".
func (a *Adapter) Checksum(key ioattr.Key, zeroLen int, sum ChecksumFunc) ([]byte, error) {
	wc, err := a.eng.Lookup(key, true)
	if err != nil {
		return nil, err
	}
	offset := wc.DataOffset
	size := wc.TotalDataSize
	if wc.Flags.Has(engine.FlagHasExtHdr) {
		offset += exthdr.Len
		if size >= exthdr.Len {
			size -= exthdr.Len
		} else {
			size = 0
		}
	}
	if size == 0 {
		return make([]byte, zeroLen), nil
	}
	return sum(wc.DataFD, offset, size)
}

// Engine exposes the bound engine for callers that need it directly
// (the range engine and command dispatcher).
func (a *Adapter) Engine() engine.Engine { return a.eng }
