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

package main

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/launix-de/blobnode/internal/nodeconfig"
	"github.com/launix-de/blobnode/internal/xlog"
)

// watchConfig re-reads path whenever it changes on disk and logs changes
// to the defrag_percentage and defrag_timeout keys. Nothing is applied to
// the running LocalEngine: its Options are fixed at Open and the engine's
// interface has no setter for them.
func watchConfig(path string, last *nodeconfig.Config) (stop func()) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		xlog.Error("configwatch: new watcher", err)
		return func() {}
	}

	dir := filepath.Dir(path)
	if err := w.Add(dir); err != nil {
		xlog.Error("configwatch: watch "+dir, err)
		w.Close()
		return func() {}
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(path) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				reloadConfig(path, last)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				xlog.Error("configwatch", err)
			case <-done:
				return
			}
		}
	}()

	return func() {
		close(done)
		w.Close()
	}
}

func reloadConfig(path string, last *nodeconfig.Config) {
	cfg, err := nodeconfig.Load(path)
	if err != nil {
		xlog.Error("configwatch: reload "+path, err)
		return
	}
	if cfg.DefragPercentage != last.DefragPercentage {
		xlog.Notice("config %s: defrag_percentage changed %d -> %d (restart to apply)", path, last.DefragPercentage, cfg.DefragPercentage)
	}
	if cfg.DefragTimeout != last.DefragTimeout {
		xlog.Notice("config %s: defrag_timeout changed %d -> %d (not used by the engine)", path, last.DefragTimeout, cfg.DefragTimeout)
	}
	*last = *cfg
}
