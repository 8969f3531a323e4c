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

// Package backend is the lifecycle & stats bridge (spec §4.6, §9
// "Global state"): it turns config + engine + adapter + dispatcher into
// a single Node, registers it once in a process-wide registry, and
// wires teardown into dc0d/onexit so a SIGINT/SIGTERM during a defrag
// still closes segment files cleanly.
package backend

import (
	"sync"

	"github.com/dc0d/onexit"

	"github.com/launix-de/blobnode/internal/adapter"
	"github.com/launix-de/blobnode/internal/berr"
	"github.com/launix-de/blobnode/internal/dispatch"
	"github.com/launix-de/blobnode/internal/engine"
	"github.com/launix-de/blobnode/internal/exthdr"
	"github.com/launix-de/blobnode/internal/ioattr"
	"github.com/launix-de/blobnode/internal/nodeconfig"
	"github.com/launix-de/blobnode/internal/xlog"
	nlrm "github.com/launix-de/NonLockingReadMap"
)

// Node is one initialized backend instance (spec §3 Lifecycles:
// "created by config load -> initialized -> serves commands ->
// cleanup").
type Node struct {
	ID         string
	Config     *nodeconfig.Config
	Engine     *engine.LocalEngine
	Adapter    *adapter.Adapter
	Dispatcher *dispatch.Dispatcher

	closeOnce sync.Once
}

// closeEngine closes the node's engine exactly once, whichever of the
// process-exit hook or an explicit Cleanup call gets there first.
func (n *Node) closeEngine() error {
	var err error
	n.closeOnce.Do(func() { err = n.Engine.Close() })
	return err
}

type registryEntry struct {
	id   string
	node *Node
}

func (e registryEntry) GetKey() string    { return e.id }
func (e registryEntry) ComputeSize() uint { return 96 }

var registry = nlrm.New[registryEntry, string]()

// vmTotalSqFromMiB implements spec §3 invariant 4: vm_total_sq =
// (system_total_memory_MiB)^2 * 1 MiB, constant post-init.
func vmTotalSqFromMiB(totalMiB uint64) float64 {
	return float64(totalMiB) * float64(totalMiB) * (1 << 20)
}

// Init opens the engine for cfg, wires the adapter/dispatcher, and
// registers the node under id. Re-initializing the same id without
// Cleanup is an error (spec §3 invariant 5).
func Init(id string, cfg *nodeconfig.Config, totalMemoryMiB uint64, statfs dispatch.StatFS) (*Node, error) {
	if registry.Get(id) != nil {
		return nil, berr.New(berr.Protocol, "backend.Init: already initialized: "+id)
	}

	eng, err := engine.Open(engine.Options{
		DataPath:              cfg.Data,
		BlobSize:              cfg.BlobSize,
		RecordsInBlob:         cfg.RecordsInBlob,
		DefragPercentage:      cfg.DefragPercentage,
		IndexBlockBloomLength: cfg.IndexBlockBloomLength,
	})
	if err != nil {
		return nil, err
	}

	a := adapter.New(eng, vmTotalSqFromMiB(totalMemoryMiB))
	d := dispatch.New(a, cfg.Data, statfs)

	n := &Node{ID: id, Config: cfg, Engine: eng, Adapter: a, Dispatcher: d}

	// Register a process-exit hook so a SIGINT/SIGTERM still closes
	// segment files cleanly even if Cleanup was never called explicitly.
	// onexit.Register takes no handle to unregister by, so an explicit
	// Cleanup and this hook both close through n.closeEngine, which only
	// runs once.
	onexit.Register(func() {
		if err := n.closeEngine(); err != nil {
			xlog.Error("backend.onexit cleanup", err)
		}
	})

	registry.Set(&registryEntry{id: id, node: n})
	xlog.Info("backend %s initialized at %s", id, cfg.Data)
	return n, nil
}

// Lookup returns the registered node for id, or nil.
func Lookup(id string) *Node {
	e := registry.Get(id)
	if e == nil {
		return nil
	}
	return e.node
}

// Cleanup closes the engine and removes the node from the registry
// (spec §3 "cleanup: closes engine, releases mutex, frees path").
func Cleanup(id string) error {
	e := registry.Get(id)
	if e == nil {
		return berr.New(berr.Protocol, "backend.Cleanup: not initialized: "+id)
	}
	err := e.node.closeEngine()
	registry.Remove(id)
	xlog.Info("backend %s cleaned up", id)
	return err
}

// Stats reports the engine's record counters for id (spec §4.6
// "Stats... {total_records, removed_records} from the engine").
func Stats(id string) (engine.Stats, error) {
	n := Lookup(id)
	if n == nil {
		return engine.Stats{}, berr.New(berr.Protocol, "backend.Stats: not initialized: "+id)
	}
	return n.Engine.Stat(), nil
}

// IterateFunc is the per-record callback external collaborators
// (recovery, replication) supply to Iterate (spec §4.6 "Iterate": "extract
// the extension header if present, adjust data pointer and size, and
// invoke the caller's per-record callback with {key, payload, size,
// extension_list}"). ext is nil when the record was written without an
// extension header.
type IterateFunc func(key ioattr.Key, payload []byte, ext *exthdr.Header) error

// Iterate walks every live record in engine order, read-only (spec
// §4.6 "Iterate"), stripping the extension header from the payload and
// decoding it for the caller. Adapter.Read strips the header the same
// way but does not decode it.
func Iterate(id string, fn IterateFunc) error {
	n := Lookup(id)
	if n == nil {
		return berr.New(berr.Protocol, "backend.Iterate: not initialized: "+id)
	}
	return n.Engine.Iterate(func(key ioattr.Key, wc engine.WriteControl) error {
		buf, err := n.Engine.ReadAtFD(wc.DataFD, int64(wc.DataOffset), int(wc.TotalDataSize))
		if err != nil {
			return err
		}

		var ext *exthdr.Header
		if wc.Flags.Has(engine.FlagHasExtHdr) {
			hdr, err := exthdr.Unmarshal(buf)
			if err != nil {
				return err
			}
			buf = buf[exthdr.Len:]
			ext = &hdr
		}

		return fn(key, buf, ext)
	})
}
