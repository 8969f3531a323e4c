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

// Package classifier implements the access-pattern classifier (spec
// §4.2): a ring of recent read locations that estimates whether current
// traffic is sequential or random, toggling a page-cache-drop hint.
package classifier

import (
	"sort"
	"sync"

	"github.com/launix-de/blobnode/internal/xlog"
)

// RingCap is the access-sample ring's capacity (spec §3 Invariant 3).
const RingCap = 100

// Sample is one access location (spec §3 "Access sample").
type Sample struct {
	FD     int
	Offset int64
}

// Classifier holds the ring, the current classification, and vmTotalSq,
// the threshold constant derived from total system memory (spec §3
// Invariant 4). It is guarded by a single mutex; no I/O is ever performed
// while that mutex is held (spec §5).
type Classifier struct {
	mu           sync.Mutex
	ring         [RingCap]Sample
	writeIdx     int
	randomAccess bool
	vmTotalSq    float64

	// onTransition, if set, is called (outside the mutex) whenever
	// randomAccess flips, so callers can log the transition (spec §4.2.d).
	onTransition func(random bool)
}

// New creates a classifier with the given vm_total_sq threshold base
// (spec §3 Invariant 4: (system_total_memory_MiB)^2 * 1 MiB).
func New(vmTotalSq float64, onTransition func(random bool)) *Classifier {
	return &Classifier{vmTotalSq: vmTotalSq, onTransition: onTransition}
}

// RecordRead stores a sample at the current write index and, once the
// ring wraps, reclassifies sequential-vs-random (spec §4.2 steps 1-2).
// Callers must only invoke this for reads that yielded fd >= 0.
func (c *Classifier) RecordRead(fd int, offset int64) {
	c.mu.Lock()
	c.ring[c.writeIdx] = Sample{FD: fd, Offset: offset}
	c.writeIdx++
	var flipped bool
	var nowRandom bool
	if c.writeIdx == RingCap {
		flipped, nowRandom = c.classifyLocked()
		c.writeIdx = 0
	}
	c.mu.Unlock()

	if flipped && c.onTransition != nil {
		c.onTransition(nowRandom)
	}
}

// classifyLocked implements spec §4.2 step 2: sort by (fd, offset), take
// a weighted mean that is deliberately biased across file boundaries
// (§4.2.b, §9 "Open question"), then compare the mean-squared deviation
// of the *raw* offsets from that mean against vm_total_sq/16. Must be
// called with mu held.
func (c *Classifier) classifyLocked() (flipped, nowRandom bool) {
	samples := c.ring // array value copy, cheap at RingCap=100
	sort.Slice(samples[:], func(i, j int) bool {
		if samples[i].FD != samples[j].FD {
			return samples[i].FD < samples[j].FD
		}
		return samples[i].Offset < samples[j].Offset
	})

	mult := 1.0
	var weightedSum float64
	for i, s := range samples {
		if i > 0 && samples[i].FD != samples[i-1].FD {
			mult += 1
		}
		weightedSum += float64(s.Offset) * mult
	}
	mean := weightedSum / float64(RingCap)

	var mse float64
	for _, s := range samples {
		d := float64(s.Offset) - mean
		mse += d * d
	}
	mse /= float64(RingCap)

	was := c.randomAccess
	c.randomAccess = mse > c.vmTotalSq/16
	return was != c.randomAccess, c.randomAccess
}

// IsRandom reports the classifier's current verdict. Its only externally
// observable effect is the CACHE_FORGET hint attached to read replies
// (spec §4.2).
func (c *Classifier) IsRandom() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.randomAccess
}

// VMTotalMemoryMiBToThreshold computes vm_total_sq from a system memory
// size in MiB (spec §3 Invariant 4).
func VMTotalMemoryMiBToThreshold(totalMiB uint64) float64 {
	const mib = 1024 * 1024
	return float64(totalMiB) * float64(totalMiB) * mib
}

// LogTransition is the default onTransition callback, logging at INFO
// level as spec §7 prescribes for defrag/classification state changes.
func LogTransition(random bool) {
	xlog.Info("access pattern classifier: random_access=%v", random)
}
