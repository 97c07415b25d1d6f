/*
 * Weaver
 *
 * Copyright 2016 Matthias Ladkau. All rights reserved.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

/*
Package config holds the runtime configuration shared by every shard and
VT process. Config is loaded once at startup from a YAML file and is
read-mostly afterwards: NumShards is the one field that may grow while a
process runs (§9 design note - "NumShards only grows"), everything else
is fixed for the lifetime of the process.
*/
package config

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"gopkg.in/yaml.v3"
)

// Known configuration keys. Missing keys cause LoadFile to fail.
const (
	KeyNumVTs          = "num_vts"
	KeyMaxCacheEntries = "max_cache_entries"
	KeyKVHost          = "kv_host"
	KeyKVPort          = "kv_port"
	KeyKronosHost      = "kronos_host"
	KeyKronosPort      = "kronos_port"
	KeyServerMgrHost   = "servermgr_host"
	KeyServerMgrPort   = "servermgr_port"
)

// MaxServerID bounds the id space for shards and VTs (spec.md §6).
const MaxServerID = 1000

/*
Endpoint is a (host, port) pair for an external collaborator.
*/
type Endpoint struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}

/*
raw mirrors the on-disk YAML shape.
*/
type raw struct {
	NumVTs          int      `yaml:"num_vts"`
	MaxCacheEntries int      `yaml:"max_cache_entries"`
	ShardIDIncr     uint64   `yaml:"shard_id_incr"`
	NumShards       uint32   `yaml:"num_shards"`
	KV              Endpoint `yaml:"kv"`
	Kronos          Endpoint `yaml:"kronos"`
	ServerMgr       Endpoint `yaml:"servermgr"`
}

/*
Config is the single read-mostly configuration value for a Weaver
process. It is initialized once at startup and passed explicitly to
every component that needs it, replacing the source's global mutable
singletons (§9 design note).
*/
type Config struct {
	NumVTs          int
	MaxCacheEntries int
	ShardIDIncr     uint64
	KV              Endpoint
	Kronos          Endpoint
	ServerMgr       Endpoint

	// numShards only ever grows; readers may load it without the lock
	// because a torn read of a monotonically increasing uint32 always
	// observes a value that was valid at some earlier instant (Open
	// Question #2 in DESIGN.md).
	numShards uint32

	// epoch increments every time numShards grows, so callers that
	// cached a shard count can detect staleness.
	epoch uint64

	mutex sync.Mutex
}

/*
LoadFile loads a Config from a YAML file. Any of the required keys
missing from the file is a startup failure (exit code -1 per spec.md
§6), mirroring cluster/manager/config.go's SetDefaultsIfMissing but
inverted: Weaver's core config has no safe defaults for these fields,
so a missing key is fatal instead of silently defaulted.
*/
func LoadFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot open %v: %w", path, err)
	}
	defer f.Close()

	var r raw
	dec := yaml.NewDecoder(f)
	if err := dec.Decode(&r); err != nil {
		return nil, fmt.Errorf("config: cannot parse %v: %w", path, err)
	}

	return New(r)
}

/*
New validates a raw configuration and builds a Config from it.
*/
func New(r raw) (*Config, error) {
	missing := []string{}

	if r.NumVTs <= 0 {
		missing = append(missing, KeyNumVTs)
	}
	if r.MaxCacheEntries <= 0 {
		missing = append(missing, KeyMaxCacheEntries)
	}
	if r.KV.Host == "" {
		missing = append(missing, KeyKVHost)
	}
	if r.KV.Port == 0 {
		missing = append(missing, KeyKVPort)
	}
	if r.Kronos.Host == "" {
		missing = append(missing, KeyKronosHost)
	}
	if r.Kronos.Port == 0 {
		missing = append(missing, KeyKronosPort)
	}
	if r.ServerMgr.Host == "" {
		missing = append(missing, KeyServerMgrHost)
	}
	if r.ServerMgr.Port == 0 {
		missing = append(missing, KeyServerMgrPort)
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("config: missing required keys: %v", missing)
	}

	if r.NumShards == 0 {
		r.NumShards = 1
	}

	return &Config{
		NumVTs:          r.NumVTs,
		MaxCacheEntries: r.MaxCacheEntries,
		ShardIDIncr:     r.ShardIDIncr,
		KV:              r.KV,
		Kronos:          r.Kronos,
		ServerMgr:       r.ServerMgr,
		numShards:       r.NumShards,
	}, nil
}

/*
NumShards returns the current shard count. Safe to call without
external synchronization.
*/
func (c *Config) NumShards() uint32 {
	return atomic.LoadUint32(&c.numShards)
}

/*
Epoch returns the current growth epoch, which increments every time
GrowShards succeeds.
*/
func (c *Config) Epoch() uint64 {
	return atomic.LoadUint64(&c.epoch)
}

/*
GrowShards grows the shard count. It is a no-op (and returns false) if
n is not larger than the current count - the invariant "NumShards only
grows" (§9) is enforced here, not left to callers.
*/
func (c *Config) GrowShards(n uint32) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if n <= c.numShards {
		return false
	}

	atomic.StoreUint32(&c.numShards, n)
	atomic.AddUint64(&c.epoch, 1)

	return true
}

/*
ValidServerID checks that an id is a legal shard or VT id under
spec.md §6 (fits a u64, bounded by MaxServerID).
*/
func ValidServerID(id uint64) bool {
	return id < MaxServerID
}
