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

// Package dispatch is the command dispatcher (spec §4.5): a table-driven
// switch over command codes mapping to the blob adapter and range
// engine. It is the one piece of the backend a transport actually calls
// into, so every handler runs inside a trace.Begin span for the
// per-command DEBUG tracing spec §7 asks for.
package dispatch

import (
	"errors"
	"path/filepath"
	"syscall"

	"github.com/launix-de/blobnode/internal/adapter"
	"github.com/launix-de/blobnode/internal/berr"
	"github.com/launix-de/blobnode/internal/engine"
	"github.com/launix-de/blobnode/internal/ioattr"
	"github.com/launix-de/blobnode/internal/rangeengine"
	"github.com/launix-de/blobnode/internal/trace"
	"github.com/launix-de/blobnode/internal/xlog"
)

// Code is a command code (spec §4.5 table).
type Code int

const (
	LOOKUP Code = iota
	WRITE
	READ
	READ_RANGE
	DEL_RANGE
	STAT
	DEL
	DEFRAG
)

// Reply is the uniform result handed back to the transport: either an
// inline/zero-copy file descriptor reference, a list of range frames,
// or just a status.
type Reply struct {
	Errno     int // negated POSIX errno; 0 on success
	FileInfo  adapter.FileInfo
	Ack       bool
	Range     rangeengine.Result
	Stat      StatReply
	Defrag    engine.DefragStatus
}

// StatReply is the filesystem/record counters for STAT (spec §4.6
// "Stats").
type StatReply struct {
	FSUsedBytes  uint64
	FSFreeBytes  uint64
	TotalRecords uint64
	Removed      uint64
}

// StatFS abstracts the filesystem-usage probe so tests don't need a
// real mountpoint; production wiring uses syscall.Statfs.
type StatFS func(path string) (usedBytes, freeBytes uint64, err error)

// Dispatcher routes decoded commands to the adapter/range engine (spec
// §4.5).
type Dispatcher struct {
	Adapter    *adapter.Adapter
	RangeEng   *rangeengine.Engine
	DataPath   string
	StatFS     StatFS
}

func New(a *adapter.Adapter, dataPath string, statfs StatFS) *Dispatcher {
	return &Dispatcher{
		Adapter:  a,
		RangeEng: rangeengine.New(a),
		DataPath: dataPath,
		StatFS:   statfs,
	}
}

// Dispatch runs one command to completion (spec §4.5's table-driven
// switch; unknown codes hit UNSUPPORTED per the "other" row).
func (d *Dispatcher) Dispatch(code Code, key ioattr.Key, io ioattr.Attr, payload []byte, checksum adapter.ChecksumFunc) Reply {
	var reply Reply
	trace.Begin(codeName(code), func() {
		xlog.Debugf("key=%s", key.String())
		reply = d.dispatchLocked(code, key, io, payload, checksum)
	})
	return reply
}

func (d *Dispatcher) dispatchLocked(code Code, key ioattr.Key, io ioattr.Attr, payload []byte, checksum adapter.ChecksumFunc) Reply {
	switch code {
	case LOOKUP:
		info, err := d.Adapter.Lookup(key, io.Flags.Has(ioattr.NoCsum))
		return Reply{Errno: errnoOf(err), FileInfo: info}

	case WRITE:
		info, ack, err := d.Adapter.Write(key, io, payload)
		return Reply{Errno: errnoOf(err), FileInfo: info, Ack: ack}

	case READ:
		ioCopy := io
		res, err := d.Adapter.Read(key, &ioCopy)
		if err != nil {
			return Reply{Errno: errnoOf(err)}
		}
		// §4.3 Read step 5: clear NEED_ACK once the frame carrying data
		// has gone out. Dispatch never splits a read into more than one
		// frame, so a successful, non-empty read is always the last (and
		// only) frame.
		ack := false
		if res.Size > 0 && ioCopy.Flags.Has(ioattr.NeedAck) {
			ioCopy.Flags &^= ioattr.NeedAck
			ack = true
		}
		return Reply{Errno: 0, FileInfo: adapter.FileInfo{FD: res.FD, Offset: res.Offset, Size: res.Size}, Ack: ack}

	case READ_RANGE:
		res, err := d.RangeEng.Apply(io, false)
		return Reply{Errno: errnoOf(err), Range: res}

	case DEL_RANGE:
		res, err := d.RangeEng.Apply(io, true)
		return Reply{Errno: errnoOf(err), Range: res}

	case STAT:
		stat, err := d.stat()
		return Reply{Errno: errnoOf(err), Stat: stat}

	case DEL:
		err := d.Adapter.Delete(key)
		return Reply{Errno: errnoOf(err)}

	case DEFRAG:
		if io.Flags.Has(ioattr.StatusOnly) {
			return Reply{Errno: 0, Defrag: d.Adapter.Engine().DefragStatus()}
		}
		err := d.Adapter.Engine().DefragStart()
		return Reply{Errno: errnoOf(err), Defrag: d.Adapter.Engine().DefragStatus()}

	default:
		return Reply{Errno: berr.New(berr.Unsupported, "dispatch: unknown command").Errno()}
	}
}

func (d *Dispatcher) stat() (StatReply, error) {
	var used, free uint64
	var err error
	if d.StatFS != nil {
		used, free, err = d.StatFS(d.DataPath)
		if err != nil {
			return StatReply{}, err
		}
	}
	es := d.Adapter.Engine().Stat()
	return StatReply{FSUsedBytes: used, FSFreeBytes: free, TotalRecords: es.TotalRecords, Removed: es.RemovedRecords}, nil
}

func errnoOf(err error) int {
	if err == nil {
		return 0
	}
	return berr.KindOf(err).Errno()
}

func codeName(c Code) string {
	switch c {
	case LOOKUP:
		return "LOOKUP"
	case WRITE:
		return "WRITE"
	case READ:
		return "READ"
	case READ_RANGE:
		return "READ_RANGE"
	case DEL_RANGE:
		return "DEL_RANGE"
	case STAT:
		return "STAT"
	case DEL:
		return "DEL"
	case DEFRAG:
		return "DEFRAG"
	default:
		return "UNSUPPORTED"
	}
}

// StatfsPath is the production StatFS implementation, calling
// syscall.Statfs directly rather than depending on a filesystem-info
// library. It falls back to the parent directory
// when DataPath itself doesn't exist yet (spec §4.6 "Stats... fallback:
// parent directory").
func StatfsPath(path string) (used, free uint64, err error) {
	var st syscall.Statfs_t
	e := syscall.Statfs(path, &st)
	if errors.Is(e, syscall.ENOENT) {
		e = syscall.Statfs(filepath.Dir(path), &st)
	}
	if e != nil {
		return 0, 0, berr.Wrap(berr.IOError, "dispatch.StatfsPath", e)
	}
	total := st.Blocks * uint64(st.Bsize)
	free = st.Bfree * uint64(st.Bsize)
	return total - free, free, nil
}
