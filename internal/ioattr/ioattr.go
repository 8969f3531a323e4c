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

// Package ioattr holds the per-command envelope (spec §3 "I/O attribute")
// and the key type it is addressed by.
package ioattr

import (
	"bytes"
	"encoding/binary"
)

// IDLen is the fixed width of a key (spec §3), 64 bytes in a typical
// deployment.
const IDLen = 64

// Key is a fixed-width opaque identifier. Equality is bytewise; ordering
// is lexicographic on bytes (spec §3 Invariants).
type Key [IDLen]byte

func (k Key) Less(other Key) bool {
	return bytes.Compare(k[:], other[:]) < 0
}

func (k Key) Equal(other Key) bool {
	return k == other
}

func (k Key) String() string {
	return hex(k[:])
}

func hex(b []byte) string {
	const digits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = digits[c>>4]
		out[i*2+1] = digits[c&0xf]
	}
	return string(out)
}

// Flags are per-command bits carried in an I/O attribute and mapped onto
// engine flags by the adapter (spec §4.3).
type Flags uint32

const (
	HasExtHdr Flags = 1 << iota
	Append
	NoCsum
	Prepare
	PlainWrite
	Commit
	WriteNoFileInfo
	Compress
	Sort
	StatusOnly // DEFRAG: report status instead of starting
	NeedAck
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

// Attr is the I/O attribute envelope (spec §3). Offset/Size refer to the
// logical user payload (post extension-header); Num is either a full
// record size hint on writes or a range-result limit; Parent is the
// upper-bound key for ranges.
type Attr struct {
	ID             Key
	Parent         Key
	Flags          Flags
	Offset         uint64
	Size           uint64
	Num            uint64
	Start          uint64
	TotalSize      uint64
	TimestampSec   int64
	TimestampNsec  int32
}


// ConvertIOAttr converts an I/O attribute between wire and host byte
// order. wireOrder is the endianness used on the wire; it may differ from
// the host's, in which case every multibyte field is byte-swapped.
func ConvertIOAttr(a Attr, wireOrder binary.ByteOrder) []byte {
	var buf bytes.Buffer
	buf.Write(a.ID[:])
	buf.Write(a.Parent[:])
	writeField(&buf, wireOrder, uint32(a.Flags))
	writeField(&buf, wireOrder, a.Offset)
	writeField(&buf, wireOrder, a.Size)
	writeField(&buf, wireOrder, a.Num)
	writeField(&buf, wireOrder, a.Start)
	writeField(&buf, wireOrder, a.TotalSize)
	writeField(&buf, wireOrder, a.TimestampSec)
	writeField(&buf, wireOrder, a.TimestampNsec)
	return buf.Bytes()
}

// ParseIOAttr is the inverse of ConvertIOAttr.
func ParseIOAttr(buf []byte, wireOrder binary.ByteOrder) (Attr, error) {
	r := bytes.NewReader(buf)
	var a Attr
	if _, err := r.Read(a.ID[:]); err != nil {
		return Attr{}, err
	}
	if _, err := r.Read(a.Parent[:]); err != nil {
		return Attr{}, err
	}
	var flags uint32
	for _, dst := range []any{&flags, &a.Offset, &a.Size, &a.Num, &a.Start, &a.TotalSize, &a.TimestampSec, &a.TimestampNsec} {
		if err := binary.Read(r, wireOrder, dst); err != nil {
			return Attr{}, err
		}
	}
	a.Flags = Flags(flags)
	return a, nil
}

func writeField(buf *bytes.Buffer, order binary.ByteOrder, v any) {
	// fields are fixed-width integers; binary.Write never fails for them.
	_ = binary.Write(buf, order, v)
}
