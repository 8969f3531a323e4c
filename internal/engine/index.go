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
	"bytes"
	"sync"

	"github.com/google/btree"

	"github.com/launix-de/blobnode/internal/ioattr"
)

// index is the in-memory ordered key index backing range scans (spec
// §4.4 "range engine... for every key in [start,end]"). A btree keeps
// AscendRange cheap without requiring the on-disk segment layout itself
// to be sorted.
type index struct {
	mu sync.RWMutex
	bt *btree.BTreeG[indexEntry]
}

type indexEntry struct {
	key ioattr.Key
	wc  WriteControl
}

func lessEntry(a, b indexEntry) bool {
	return bytes.Compare(a.key[:], b.key[:]) < 0
}

func newIndex() *index {
	return &index{bt: btree.NewG(32, lessEntry)}
}

func (x *index) set(key ioattr.Key, wc WriteControl) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.bt.ReplaceOrInsert(indexEntry{key: key, wc: wc})
}

func (x *index) get(key ioattr.Key) (WriteControl, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	e, ok := x.bt.Get(indexEntry{key: key})
	return e.wc, ok
}

func (x *index) remove(key ioattr.Key) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	_, ok := x.bt.Delete(indexEntry{key: key})
	return ok
}

func (x *index) len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.bt.Len()
}

// ascendRange calls fn for every entry with start <= key <= end, in
// ascending order, stopping early if fn returns false.
func (x *index) ascendRange(start, end ioattr.Key, fn func(indexEntry) bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	x.bt.AscendGreaterOrEqual(indexEntry{key: start}, func(e indexEntry) bool {
		if bytes.Compare(e.key[:], end[:]) > 0 {
			return false
		}
		return fn(e)
	})
}

func (x *index) ascendAll(fn func(indexEntry) bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	x.bt.Ascend(fn)
}
