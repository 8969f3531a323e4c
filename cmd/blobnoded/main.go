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

// blobnoded runs one backend node: it loads a textual config file
// (internal/nodeconfig), initializes the backend (internal/backend), then
// serves an interactive admin console and a small admin HTTP server with
// a websocket stats push.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/google/uuid"

	"github.com/launix-de/blobnode/internal/backend"
	"github.com/launix-de/blobnode/internal/dispatch"
	"github.com/launix-de/blobnode/internal/nodeconfig"
	"github.com/launix-de/blobnode/internal/xlog"
)

func main() {
	fmt.Print(`blobnoded Copyright (C) 2024   Carl-Philip Hänsch
    This program comes with ABSOLUTELY NO WARRANTY;
    This is free software, and you are welcome to redistribute it
    under certain conditions;
`)

	configPath := flag.String("config", "blobnode.conf", "path to the node config file")
	nodeID := flag.String("id", "", "node id; a random one is generated when omitted")
	adminAddr := flag.String("admin", "", "admin HTTP (stats/defrag websocket) listen address, e.g. :8088; empty disables it")
	debug := flag.Bool("debug", false, "enable per-key DEBUG tracing")
	flag.Parse()

	xlog.Debug = *debug

	id := *nodeID
	if id == "" {
		id = uuid.NewString()
	}

	cfg, err := nodeconfig.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "blobnoded: loading config:", err)
		os.Exit(1)
	}

	node, err := backend.Init(id, cfg, totalMemoryMiB(), dispatch.StatfsPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "blobnoded: init:", err)
		os.Exit(1)
	}
	defer backend.Cleanup(id)

	xlog.Info("blobnoded %s ready, data=%s", id, cfg.Data)

	stopWatch := watchConfig(*configPath, cfg)
	defer stopWatch()

	if *adminAddr != "" {
		srv := newAdminServer(node)
		go func() {
			if err := srv.ListenAndServe(*adminAddr); err != nil {
				xlog.Error("admin server", err)
			}
		}()
		defer srv.Close()
	}

	runRepl(node)
}
