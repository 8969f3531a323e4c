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
	"encoding/hex"
	"fmt"
	"io"
	"runtime/debug"
	"strings"

	"github.com/chzyer/readline"

	"github.com/launix-de/blobnode/internal/backend"
	"github.com/launix-de/blobnode/internal/ioattr"
)

const prompt = "\033[32mblobnode>\033[0m "

// runRepl is the admin console, grounded on scm/prompt.go's Repl: same
// readline config shape (history file, interrupt/EOF prompts, an
// anti-panic recover wrapper per line) with a small fixed command table
// in place of the scheme evaluator.
func runRepl(n *backend.Node) {
	l, err := readline.NewEx(&readline.Config{
		Prompt:            prompt,
		HistoryFile:       ".blobnode-history.tmp",
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
	})
	if err != nil {
		panic(err)
	}
	defer l.Close()
	l.CaptureExitSignal()

	for {
		line, err := l.Readline()
		if err == readline.ErrInterrupt {
			continue
		} else if err == io.EOF {
			break
		} else if err != nil {
			break
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if !runReplCommand(n, line) {
			break
		}
	}
}

func runReplCommand(n *backend.Node, line string) (keepGoing bool) {
	keepGoing = true
	defer func() {
		if r := recover(); r != nil {
			fmt.Println("panic:", r, string(debug.Stack()))
		}
	}()

	fields := strings.Fields(line)
	switch fields[0] {
	case "quit", "exit":
		return false

	case "stat":
		es := n.Engine.Stat()
		fmt.Printf("records=%d removed=%d\n", es.TotalRecords, es.RemovedRecords)

	case "defrag":
		if len(fields) < 2 {
			fmt.Println("usage: defrag start|status")
			return true
		}
		switch fields[1] {
		case "start":
			if err := n.Engine.DefragStart(); err != nil {
				fmt.Println("error:", err)
			}
		case "status":
			fmt.Printf("%+v\n", n.Engine.DefragStatus())
		default:
			fmt.Println("usage: defrag start|status")
		}

	case "lookup":
		if len(fields) < 2 {
			fmt.Println("usage: lookup <hex-key>")
			return true
		}
		key, err := parseKey(fields[1])
		if err != nil {
			fmt.Println("error:", err)
			return true
		}
		info, err := n.Adapter.Lookup(key, true)
		if err != nil {
			fmt.Println("error:", err)
			return true
		}
		fmt.Printf("fd=%d offset=%d size=%d\n", info.FD, info.Offset, info.Size)

	default:
		fmt.Println("commands: stat, defrag start|status, lookup <hex-key>, quit")
	}
	return true
}

func parseKey(s string) (ioattr.Key, error) {
	var key ioattr.Key
	raw, err := hex.DecodeString(s)
	if err != nil {
		return key, err
	}
	n := copy(key[:], raw)
	if n < len(raw) {
		return key, fmt.Errorf("key longer than %d bytes", ioattr.IDLen)
	}
	return key, nil
}
