//go:build ceph

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

// Package cephstore backs persistence.SegmentStore with a RADOS pool via
// go-ceph: librados has no pool-wide listing worth using at this scale,
// so List is backed by a small per-node manifest object instead of
// enumerating the pool.
package cephstore

import (
	"bytes"
	"encoding/json"
	"io"
	"path"
	"sort"
	"sync"

	"github.com/ceph/go-ceph/rados"

	"github.com/launix-de/blobnode/internal/berr"
	"github.com/launix-de/blobnode/internal/persistence"
)

var _ persistence.SegmentStore = (*Store)(nil)

// Config names the RADOS cluster/user/pool to store segments in.
type Config struct {
	UserName    string // e.g. "client.admin"
	ClusterName string // often "ceph"
	ConfFile    string // optional
	Pool        string
	Prefix      string
}

type Factory struct {
	cfg Config
}

func NewFactory(cfg Config) *Factory {
	return &Factory{cfg: cfg}
}

func (f *Factory) ForNode(nodeID string) *Store {
	return &Store{cfg: f.cfg, prefix: path.Join(f.cfg.Prefix, nodeID)}
}

// Store is a persistence.SegmentStore backed by one RADOS pool/prefix.
type Store struct {
	cfg    Config
	prefix string

	mu     sync.Mutex
	conn   *rados.Conn
	ioctx  *rados.IOContext
	opened bool
}

func (s *Store) ensureOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opened {
		return nil
	}

	conn, err := rados.NewConnWithClusterAndUser(s.cfg.ClusterName, s.cfg.UserName)
	if err != nil {
		return berr.Wrap(berr.IOError, "cephstore: new conn", err)
	}
	if s.cfg.ConfFile != "" {
		if err := conn.ReadConfigFile(s.cfg.ConfFile); err != nil {
			return berr.Wrap(berr.InvalidConfig, "cephstore: read conf", err)
		}
	} else {
		_ = conn.ReadDefaultConfigFile()
	}
	if err := conn.Connect(); err != nil {
		return berr.Wrap(berr.IOError, "cephstore: connect", err)
	}
	ioctx, err := conn.OpenIOContext(s.cfg.Pool)
	if err != nil {
		conn.Shutdown()
		return berr.Wrap(berr.IOError, "cephstore: open pool", err)
	}

	s.conn = conn
	s.ioctx = ioctx
	s.opened = true
	return nil
}

func (s *Store) obj(name string) string {
	return path.Join(s.prefix, name+".blob")
}

func (s *Store) manifestObj() string {
	return path.Join(s.prefix, "manifest.json")
}

func (s *Store) Put(id string, r io.Reader) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return berr.Wrap(berr.IOError, "cephstore.Put: read source", err)
	}
	if err := s.ioctx.WriteFull(s.obj(id), data); err != nil {
		return berr.Wrap(berr.IOError, "cephstore.Put", err)
	}
	return s.addToManifest(id)
}

func (s *Store) Open(id string) (io.ReadCloser, error) {
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	obj := s.obj(id)
	stat, err := s.ioctx.Stat(obj)
	if err != nil {
		return nil, berr.Wrap(berr.NotFound, "cephstore.Open: "+id, err)
	}
	data := make([]byte, stat.Size)
	n, err := s.ioctx.Read(obj, data, 0)
	if err != nil {
		return nil, berr.Wrap(berr.IOError, "cephstore.Open", err)
	}
	return io.NopCloser(bytes.NewReader(data[:n])), nil
}

func (s *Store) Remove(id string) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	_ = s.ioctx.Delete(s.obj(id))
	return s.removeFromManifest(id)
}

func (s *Store) List() ([]string, error) {
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	ids, err := s.readManifest()
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}

// Segment ids are tracked in a manifest object rather than discovered by
// enumerating the pool: librados enumeration is possible, but expensive
// and pool-wide.
func (s *Store) readManifest() ([]string, error) {
	obj := s.manifestObj()
	stat, err := s.ioctx.Stat(obj)
	if err != nil || stat.Size == 0 {
		return nil, nil
	}
	raw := make([]byte, stat.Size)
	n, err := s.ioctx.Read(obj, raw, 0)
	if err != nil || n == 0 {
		return nil, nil
	}
	var ids []string
	if err := json.Unmarshal(raw[:n], &ids); err != nil {
		return nil, berr.Wrap(berr.Corrupt, "cephstore: decode manifest", err)
	}
	return ids, nil
}

func (s *Store) writeManifest(ids []string) error {
	raw, err := json.Marshal(ids)
	if err != nil {
		return berr.Wrap(berr.Corrupt, "cephstore: encode manifest", err)
	}
	if err := s.ioctx.WriteFull(s.manifestObj(), raw); err != nil {
		return berr.Wrap(berr.IOError, "cephstore: write manifest", err)
	}
	return nil
}

func (s *Store) addToManifest(id string) error {
	ids, err := s.readManifest()
	if err != nil {
		return err
	}
	for _, existing := range ids {
		if existing == id {
			return nil
		}
	}
	return s.writeManifest(append(ids, id))
}

func (s *Store) removeFromManifest(id string) error {
	ids, err := s.readManifest()
	if err != nil {
		return err
	}
	out := ids[:0]
	for _, existing := range ids {
		if existing != id {
			out = append(out, existing)
		}
	}
	return s.writeManifest(out)
}
