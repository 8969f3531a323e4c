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

// Package nodeconfig parses the backend's textual key/value option file
// (spec §6 "Configuration keys"). Size-suffixed values (K/M/G/T) are
// handed to docker/go-units for conversion.
package nodeconfig

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/docker/go-units"

	"github.com/launix-de/blobnode/internal/berr"
)

// Config is the fully resolved set of backend options (spec §3 "Backend
// config" and §6 "Configuration keys").
type Config struct {
	Data                  string // required, data directory path
	Sync                  string // "disk", "commit" or "none"
	BlobFlags             uint64
	BlobSize              uint64 // bytes
	BlobSizeLimit         uint64 // bytes
	RecordsInBlob         int
	DefragTimeout         int // seconds
	DefragTime            string
	DefragSplay           int // seconds
	DefragPercentage      int
	IndexBlockSize        uint64 // bytes
	IndexBlockBloomLength int
}

var keyLine = regexp.MustCompile(`^\s*([A-Za-z_][A-Za-z0-9_]*)\s*=\s*(.+?)\s*$`)
var blank = regexp.MustCompile(`^\s*(#.*)?$`)

// Load reads a backend config file. Unknown keys are rejected (spec
// §6: the key set is closed) so a typo in a config file fails loudly at
// startup instead of silently keeping a stale default.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, berr.Wrap(berr.InvalidConfig, "nodeconfig.Load", err)
	}
	defer f.Close()

	cfg := Defaults()
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if blank.MatchString(line) {
			continue
		}
		m := keyLine.FindStringSubmatch(line)
		if m == nil {
			return nil, berr.New(berr.InvalidConfig, fmt.Sprintf("nodeconfig: line %d: not a key=value pair", lineNo))
		}
		if err := cfg.set(m[1], m[2]); err != nil {
			return nil, berr.Wrap(berr.InvalidConfig, fmt.Sprintf("nodeconfig: line %d", lineNo), err)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, berr.Wrap(berr.IOError, "nodeconfig.Load: scan", err)
	}
	if cfg.Data == "" {
		return nil, berr.New(berr.InvalidConfig, "nodeconfig: missing required key: data")
	}
	return cfg, nil
}

// Defaults mirrors the blob engine's own fallback constants so a config
// file only needs to mention what it wants to override.
func Defaults() *Config {
	return &Config{
		Sync:                  "disk",
		BlobSize:              64 << 20,
		RecordsInBlob:         1 << 16,
		DefragTimeout:         60,
		DefragSplay:           10,
		DefragPercentage:      20,
		IndexBlockSize:        4096,
		IndexBlockBloomLength: 1024,
	}
}

func (c *Config) set(key, value string) error {
	switch key {
	case "data":
		c.Data = value
	case "sync":
		c.Sync = value
	case "blob_flags":
		n, err := strconv.ParseUint(value, 0, 64)
		if err != nil {
			return berr.Wrap(berr.InvalidConfig, "blob_flags", err)
		}
		c.BlobFlags = n
	case "blob_size":
		n, err := parseSize(value)
		if err != nil {
			return err
		}
		c.BlobSize = n
	case "blob_size_limit":
		n, err := parseSize(value)
		if err != nil {
			return err
		}
		c.BlobSizeLimit = n
	case "records_in_blob":
		n, err := strconv.Atoi(value)
		if err != nil {
			return berr.Wrap(berr.InvalidConfig, "records_in_blob", err)
		}
		c.RecordsInBlob = n
	case "defrag_timeout":
		n, err := strconv.Atoi(value)
		if err != nil {
			return berr.Wrap(berr.InvalidConfig, "defrag_timeout", err)
		}
		c.DefragTimeout = n
	case "defrag_time":
		c.DefragTime = value
	case "defrag_splay":
		n, err := strconv.Atoi(value)
		if err != nil {
			return berr.Wrap(berr.InvalidConfig, "defrag_splay", err)
		}
		c.DefragSplay = n
	case "defrag_percentage":
		n, err := strconv.Atoi(value)
		if err != nil {
			return berr.Wrap(berr.InvalidConfig, "defrag_percentage", err)
		}
		c.DefragPercentage = n
	case "index_block_size":
		n, err := parseSize(value)
		if err != nil {
			return err
		}
		c.IndexBlockSize = n
	case "index_block_bloom_length":
		n, err := strconv.Atoi(value)
		if err != nil {
			return berr.Wrap(berr.InvalidConfig, "index_block_bloom_length", err)
		}
		c.IndexBlockBloomLength = n
	default:
		return berr.New(berr.InvalidConfig, "unknown key: "+key)
	}
	return nil
}

// parseSize accepts the K/M/G/T (powers-of-1024) suffixes spec §6
// requires, via go-units.RAMInBytes.
func parseSize(value string) (uint64, error) {
	n, err := units.RAMInBytes(strings.TrimSpace(value))
	if err != nil {
		return 0, berr.Wrap(berr.InvalidConfig, "size value "+value, err)
	}
	if n < 0 {
		return 0, berr.New(berr.InvalidConfig, "size value must not be negative: "+value)
	}
	return uint64(n), nil
}
