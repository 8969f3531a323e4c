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
	"encoding/binary"
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/launix-de/blobnode/internal/berr"
	"github.com/launix-de/blobnode/internal/ioattr"
)

// segment is a single append-only blob-segment file (spec §6: "segment
// files"), grounded on the header+append pattern used by
// _examples/other_examples's vanus segment-block-file.go and cubefs
// storage-extent.go.
type segment struct {
	id       string
	path     string
	file     *os.File
	mu       sync.Mutex // guards appendOffset and the write path
	appendOffset uint64
	records  int
	removed  int
	sealed   bool // true once rolled out of active-write position
	bloom    *segmentBloom
}

func newSegment(dir string, bloomBits int) (*segment, error) {
	id := uuid.NewString()
	path := dir + "/" + id + ".blob"
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0640)
	if err != nil {
		return nil, berr.Wrap(berr.IOError, "engine: create segment", err)
	}
	return &segment{id: id, path: path, file: f, bloom: newSegmentBloom(bloomBits)}, nil
}

func openSegment(path, id string, bloomBits int) (*segment, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0640)
	if err != nil {
		return nil, berr.Wrap(berr.IOError, "engine: open segment", err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, berr.Wrap(berr.IOError, "engine: stat segment", err)
	}
	return &segment{id: id, path: path, file: f, appendOffset: uint64(st.Size()), bloom: newSegmentBloom(bloomBits)}, nil
}

func (s *segment) fd() int { return int(s.file.Fd()) }

// appendRecord writes [control][ext header, if any][payload] as a single
// contiguous region and returns the control struct's offset.
func (s *segment) appendRecord(key ioattr.Key, flags Flags, dataSize uint64, body []byte) (ctlOffset uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctlOffset = s.appendOffset
	diskSize := uint64(CTLLen) + uint64(len(body))
	dc := DiskControl{Key: key, Flags: flags, DataSize: dataSize, DiskSize: diskSize, Position: ctlOffset}

	buf := make([]byte, diskSize)
	marshalControl(dc, buf[:CTLLen])
	copy(buf[CTLLen:], body)

	if _, err := s.file.WriteAt(buf, int64(ctlOffset)); err != nil {
		return 0, berr.Wrap(berr.IOError, "engine: append record", err)
	}
	s.appendOffset += diskSize
	s.records++
	s.bloom.add(key[:])
	return ctlOffset, nil
}

// readControl reads and parses the control struct at ctlOffset.
func (s *segment) readControl(ctlOffset uint64) (DiskControl, error) {
	buf := make([]byte, CTLLen)
	if _, err := s.file.ReadAt(buf, int64(ctlOffset)); err != nil {
		return DiskControl{}, berr.Wrap(berr.IOError, "engine: read control", err)
	}
	return unmarshalControl(buf), nil
}

func (s *segment) markRemoved(ctlOffset uint64) error {
	dc, err := s.readControl(ctlOffset)
	if err != nil {
		return err
	}
	if dc.Flags.Has(FlagRemoved) {
		return nil
	}
	dc.Flags |= FlagRemoved
	buf := make([]byte, CTLLen)
	marshalControl(dc, buf)
	if _, err := s.file.WriteAt(buf, int64(ctlOffset)); err != nil {
		return berr.Wrap(berr.IOError, "engine: mark removed", err)
	}
	s.mu.Lock()
	s.removed++
	s.mu.Unlock()
	return nil
}

// walk visits every control struct in file order, live or removed.
func (s *segment) walk(fn func(dc DiskControl) error) error {
	var off uint64
	for {
		buf := make([]byte, CTLLen)
		n, err := s.file.ReadAt(buf, int64(off))
		if n < CTLLen {
			break // EOF or short tail: end of segment
		}
		if err != nil && n != CTLLen {
			return berr.Wrap(berr.IOError, "engine: walk segment", err)
		}
		dc := unmarshalControl(buf)
		if dc.DiskSize == 0 {
			break
		}
		if err := fn(dc); err != nil {
			return err
		}
		off = dc.Position + dc.DiskSize
	}
	return nil
}

func (s *segment) close() error {
	return s.file.Close()
}

func (s *segment) size() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendOffset
}

func marshalControl(dc DiskControl, buf []byte) {
	copy(buf[0:ioattr.IDLen], dc.Key[:])
	o := ioattr.IDLen
	binary.LittleEndian.PutUint64(buf[o:o+8], uint64(dc.Flags))
	binary.LittleEndian.PutUint64(buf[o+8:o+16], dc.DataSize)
	binary.LittleEndian.PutUint64(buf[o+16:o+24], dc.DiskSize)
	binary.LittleEndian.PutUint64(buf[o+24:o+32], dc.Position)
}

func unmarshalControl(buf []byte) DiskControl {
	var dc DiskControl
	copy(dc.Key[:], buf[0:ioattr.IDLen])
	o := ioattr.IDLen
	dc.Flags = Flags(binary.LittleEndian.Uint64(buf[o : o+8]))
	dc.DataSize = binary.LittleEndian.Uint64(buf[o+8 : o+16])
	dc.DiskSize = binary.LittleEndian.Uint64(buf[o+16 : o+24])
	dc.Position = binary.LittleEndian.Uint64(buf[o+24 : o+32])
	return dc
}
