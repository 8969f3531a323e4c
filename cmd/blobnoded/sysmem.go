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
	"bufio"
	"os"
	"strconv"
	"strings"
)

// defaultTotalMemoryMiB is used when /proc/meminfo can't be read (e.g.
// non-Linux), matching the "system total memory" input spec §3 invariant
// 4 needs to fix vm_total_sq for a running node's lifetime.
const defaultTotalMemoryMiB = 8192

// totalMemoryMiB reads MemTotal from /proc/meminfo directly rather than
// depending on a system-info library for: one file, one field.
func totalMemoryMiB() uint64 {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return defaultTotalMemoryMiB
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "MemTotal:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			break
		}
		kib, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			break
		}
		return kib / 1024
	}
	return defaultTotalMemoryMiB
}
