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

// Package fsstore backs persistence.SegmentStore with a second local
// filesystem tree: the simplest store, useful as the default backend and
// as a copy target when evicting segments to e.g. a mounted NFS share
// rather than an object store.
package fsstore

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/launix-de/blobnode/internal/berr"
	"github.com/launix-de/blobnode/internal/persistence"
)

var _ persistence.SegmentStore = (*Store)(nil)

type Factory struct {
	Basepath string
}

func NewFactory(basepath string) *Factory {
	return &Factory{Basepath: basepath}
}

func (f *Factory) ForNode(nodeID string) *Store {
	return &Store{dir: filepath.Join(f.Basepath, nodeID)}
}

// Store is a persistence.SegmentStore rooted at one directory.
type Store struct {
	dir string
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+".blob")
}

func (s *Store) Put(id string, r io.Reader) error {
	if err := os.MkdirAll(s.dir, 0750); err != nil {
		return berr.Wrap(berr.IOError, "fsstore.Put: mkdir", err)
	}
	tmp := s.path(id) + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return berr.Wrap(berr.IOError, "fsstore.Put: create", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(tmp)
		return berr.Wrap(berr.IOError, "fsstore.Put: copy", err)
	}
	if err := f.Close(); err != nil {
		return berr.Wrap(berr.IOError, "fsstore.Put: close", err)
	}
	if err := os.Rename(tmp, s.path(id)); err != nil {
		return berr.Wrap(berr.IOError, "fsstore.Put: rename", err)
	}
	return nil
}

func (s *Store) Open(id string) (io.ReadCloser, error) {
	f, err := os.Open(s.path(id))
	if err != nil {
		return nil, berr.Wrap(berr.NotFound, "fsstore.Open: "+id, err)
	}
	return f, nil
}

func (s *Store) Remove(id string) error {
	if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
		return berr.Wrap(berr.IOError, "fsstore.Remove", err)
	}
	return nil
}

func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, berr.Wrap(berr.IOError, "fsstore.List", err)
	}
	var ids []string
	for _, ent := range entries {
		name := ent.Name()
		if ent.IsDir() || !strings.HasSuffix(name, ".blob") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".blob"))
	}
	return ids, nil
}
