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

// Package xlog prints level-tagged lines with plain fmt.Printf calls. No
// structured logging framework is introduced; this only adds the level
// vocabulary spec §7 asks for (ERROR, INFO, NOTICE, DEBUG).
package xlog

import (
	"fmt"
	"os"
	"time"

	"github.com/launix-de/blobnode/internal/trace"
)

var Debug bool // per-key tracing toggle, off by default (verbose)

func stamp() string {
	return time.Now().Format("2006-01-02 15:04:05.000")
}

func Error(op string, err error) {
	fmt.Fprintf(os.Stderr, "%s ERROR %s: %v\n", stamp(), op, err)
}

func Info(format string, a ...any) {
	fmt.Printf("%s INFO %s\n", stamp(), fmt.Sprintf(format, a...))
}

func Notice(format string, a ...any) {
	fmt.Printf("%s NOTICE %s\n", stamp(), fmt.Sprintf(format, a...))
}

func Debugf(format string, a ...any) {
	if !Debug {
		return
	}
	fmt.Printf("%s DEBUG [%s] %s\n", stamp(), trace.ID(), fmt.Sprintf(format, a...))
}
