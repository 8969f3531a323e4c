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
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/launix-de/blobnode/internal/backend"
	"github.com/launix-de/blobnode/internal/engine"
	"github.com/launix-de/blobnode/internal/xlog"
)

// statsFrame is one push over the admin websocket: engine counters plus
// defrag progress, distinct from the polled stats JSON §4.6's STAT
// command already serves transports — this is a live push channel for
// the admin console/UI instead.
type statsFrame struct {
	Records uint64             `json:"records"`
	Removed uint64             `json:"removed"`
	Defrag  engine.DefragStatus `json:"defrag"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type adminServer struct {
	node *backend.Node
	srv  *http.Server
}

func newAdminServer(n *backend.Node) *adminServer {
	return &adminServer{node: n}
}

func (a *adminServer) ListenAndServe(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/stats/stream", a.handleStatsStream)
	a.srv = &http.Server{Addr: addr, Handler: mux}
	xlog.Info("admin server listening on %s", addr)
	return a.srv.ListenAndServe()
}

func (a *adminServer) Close() error {
	if a.srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return a.srv.Shutdown(ctx)
}

// handleStatsStream upgrades to a websocket and pushes a statsFrame every
// second until the client disconnects.
func (a *adminServer) handleStatsStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		xlog.Error("admin stats stream: upgrade", err)
		return
	}
	defer conn.Close()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for range ticker.C {
		es := a.node.Engine.Stat()
		frame := statsFrame{
			Records: es.TotalRecords,
			Removed: es.RemovedRecords,
			Defrag:  a.node.Engine.DefragStatus(),
		}
		payload, err := json.Marshal(frame)
		if err != nil {
			xlog.Error("admin stats stream: marshal", err)
			return
		}
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return
		}
	}
}
