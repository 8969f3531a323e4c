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

// Package trace carries a per-command identifier across the goroutines
// that serve a single dispatched command (spec §4.5: one command may
// fan out into a collect pass, an apply pass, and an engine callback,
// all of which should log under the same identifier). Goroutine-local
// storage means callers don't have to thread a context.Context through
// every engine callback signature just to get a log prefix.
package trace

import (
	"fmt"
	"sync/atomic"

	"github.com/jtolds/gls"
)

var mgr = gls.NewContextManager()

var nextID uint64

const cmdKey = "blobnode.cmd"

// Begin starts fn with a fresh command identifier bound for the
// lifetime of fn and every goroutine it spawns via Go.
func Begin(op string, fn func()) {
	id := atomic.AddUint64(&nextID, 1)
	mgr.SetValues(gls.Values{cmdKey: fmt.Sprintf("%s#%d", op, id)}, fn)
}

// Go runs fn in a new goroutine, propagating the calling goroutine's
// command identifier (if any) so nested engine callbacks log under the
// same tag as the command that triggered them.
func Go(fn func()) {
	values := currentValues()
	go mgr.SetValues(values, fn)
}

func currentValues() gls.Values {
	if v, ok := mgr.GetValue(cmdKey); ok {
		return gls.Values{cmdKey: v}
	}
	return gls.Values{}
}

// ID returns the command identifier bound by the nearest enclosing
// Begin, or "-" if called outside one (e.g. from a background task).
func ID() string {
	if v, ok := mgr.GetValue(cmdKey); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return "-"
}
