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

// Package exthdr implements the record codec (spec §4.1): the fixed-size
// extension header that optionally prefixes a record's user payload.
package exthdr

import (
	"encoding/binary"
	"io"

	"github.com/launix-de/blobnode/internal/berr"
	"github.com/launix-de/blobnode/internal/ioattr"
)

// Len is the bit-exact, on-disk size of an extension header: flags (4),
// reserved (4, preserved verbatim for forward-compat), timestamp seconds
// (8), timestamp nanoseconds (4) and 4 bytes of zero padding.
const Len = 4 + 4 + 8 + 8

// Header is the extension header stored at offset 0 of a record's payload
// area when the record's engine flags carry HAS_EXTHDR.
type Header struct {
	Flags         ioattr.Flags
	Reserved      uint32 // unknown/reserved bits, preserved verbatim on read
	TimestampSec  int64
	TimestampNsec int32
	pad           int32
}

// EncodeExt projects the user-visible fields of io (timestamp, user
// flags) into a fixed-size extension header (spec §4.1 encode_ext).
func EncodeExt(io_ ioattr.Attr) Header {
	return Header{
		Flags:         io_.Flags,
		TimestampSec:  io_.TimestampSec,
		TimestampNsec: io_.TimestampNsec,
	}
}

// Marshal serializes h into exactly Len bytes, little-endian, preserving
// the reserved word verbatim.
func (h Header) Marshal() []byte {
	buf := make([]byte, Len)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(h.Flags))
	binary.LittleEndian.PutUint32(buf[4:8], h.Reserved)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(h.TimestampSec))
	binary.LittleEndian.PutUint32(buf[16:20], uint32(h.TimestampNsec))
	// bytes [20:24] are padding, always zero on write; on read they are
	// folded into Reserved's sibling bits by callers that care (none do
	// today) -- kept zero so EHDR_LEN stays a round 24 bytes.
	return buf
}

func unmarshal(buf []byte) Header {
	return Header{
		Flags:         ioattr.Flags(binary.LittleEndian.Uint32(buf[0:4])),
		Reserved:      binary.LittleEndian.Uint32(buf[4:8]),
		TimestampSec:  int64(binary.LittleEndian.Uint64(buf[8:16])),
		TimestampNsec: int32(binary.LittleEndian.Uint32(buf[16:20])),
	}
}

// Unmarshal parses exactly Len bytes from the front of buf into a Header,
// for callers that already hold the record bytes in memory rather than
// an io.ReaderAt (spec §4.1 decode_ext, in-memory variant).
func Unmarshal(buf []byte) (Header, error) {
	if len(buf) < Len {
		return Header{}, berr.New(berr.IOError, "exthdr.Unmarshal: short buffer")
	}
	return unmarshal(buf[:Len]), nil
}

// DecodeExt reads exactly Len bytes at offset in r and parses them into a
// Header (spec §4.1 decode_ext). It fails with IOError on a short read.
func DecodeExt(r io.ReaderAt, offset int64) (Header, error) {
	buf := make([]byte, Len)
	n, err := r.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return Header{}, berr.Wrap(berr.IOError, "decode_ext", err)
	}
	if n != Len {
		return Header{}, berr.New(berr.IOError, "decode_ext: short read")
	}
	return unmarshal(buf), nil
}

// ApplyExtToIO installs h's timestamp and flags into io_ so downstream
// reply builders see the record's stored metadata, not the client's
// supplied ones (spec §4.1 apply_ext_to_io).
func ApplyExtToIO(h Header, io_ *ioattr.Attr) {
	io_.TimestampSec = h.TimestampSec
	io_.TimestampNsec = h.TimestampNsec
	io_.Flags = h.Flags
}
