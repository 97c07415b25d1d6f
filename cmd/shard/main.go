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
Command shard boots one Weaver shard process: it loads the shared YAML
config, wires C1-C7 together via internal/shard, and serves the RPC
methods spec.md §6 names until interrupted.

The CLI surface itself is out of scope (spec.md §1 lists "the CLI entry
points" among the external collaborators) - this main stays thin,
parsing only what a process needs to identify itself (id, listen
address, config path) and delegating everything else to the packages
under internal/.
*/
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/krotik/weaver/internal/applier"
	"github.com/krotik/weaver/internal/config"
	"github.com/krotik/weaver/internal/graphstore"
	"github.com/krotik/weaver/internal/kronos"
	"github.com/krotik/weaver/internal/migration"
	"github.com/krotik/weaver/internal/namemap"
	"github.com/krotik/weaver/internal/nodeprog"
	"github.com/krotik/weaver/internal/nop"
	"github.com/krotik/weaver/internal/scheduler"
	"github.com/krotik/weaver/internal/shard"
	"github.com/krotik/weaver/internal/transport"
	"github.com/krotik/weaver/internal/vclock"
)

func main() {
	configPath := flag.String("config", "weaver.yaml", "path to the shared YAML config")
	id := flag.Uint64("id", 0, "this shard's id (>= shard_id_incr)")
	listen := flag.String("listen", ":9100", "address to serve shard RPC on")
	peersFlag := flag.String("peers", "", "comma-separated id=host:port peer list, e.g. 1=host:9101,2=host:9102")
	policy := flag.String("policy", "cldg", "migration scoring policy: cldg or ldg")
	migrationOn := flag.Bool("migration", true, "enable the migration protocol")
	flag.Parse()

	cfg, err := config.LoadFile(*configPath)
	if err != nil {
		log.Print("shard: ", err)
		os.Exit(-1)
	}

	if !config.ValidServerID(*id) {
		log.Print("shard: invalid id ", *id)
		os.Exit(-1)
	}

	peers, addrs := parsePeers(*peersFlag)

	store := graphstore.New(*id)
	sch := scheduler.New(cfg.NumVTs)
	kronosClient := kronos.NewClient(cfg.Kronos.String())
	cmp := vclock.NewComparator(kronosClient, uint64(cfg.MaxCacheEntries))
	app := applier.New(store, cmp)

	tr := transport.NewClient(addrs)
	reg := nodeprog.NewRegistry()
	rt := nodeprog.NewRuntime(*id, cfg.NumShards, store, reg, tr, sch, cmp, uint64(cfg.MaxCacheEntries))

	var mig *migration.Engine
	if *migrationOn {
		nm := namemap.NewClient(cfg.KV.String())
		mig = migration.NewEngine(*id, store, nm, tr, cfg.NumVTs, cfg.NumShards, defaultCapacity, migrationPolicy(*policy), rt, peers)
	}

	nh := nop.NewShardHandler(sch, mig, defaultNopHistory)
	sh := shard.New(*id, cfg.NumVTs, peers, store, sch, app, rt, mig, nh, tr)
	sh.Start()
	defer sh.Stop()

	l, err := transport.ListenShard(*listen, sh)
	if err != nil {
		log.Fatal("shard: ", err)
	}
	defer l.Close()

	log.Print("shard: id ", *id, " listening on ", *listen)
	waitForSignal()
}

const defaultCapacity = 1_000_000
const defaultNopHistory = 64

func migrationPolicy(name string) migration.Policy {
	if strings.EqualFold(name, "ldg") {
		return migration.LDG
	}
	return migration.CLDG
}

// parsePeers turns "1=host:9101,2=host:9102" into a peer id list and
// the transport.Endpoint map transport.NewClient wants.
func parsePeers(spec string) ([]uint64, map[uint64]transport.Endpoint) {
	peers := []uint64{}
	addrs := map[uint64]transport.Endpoint{}

	if spec == "" {
		return peers, addrs
	}

	for _, entry := range strings.Split(spec, ",") {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		id, err := strconv.ParseUint(parts[0], 10, 64)
		if err != nil {
			continue
		}
		hostPort := strings.SplitN(parts[1], ":", 2)
		host := hostPort[0]
		port := 0
		if len(hostPort) == 2 {
			port, _ = strconv.Atoi(hostPort[1])
		}
		peers = append(peers, id)
		addrs[id] = transport.Endpoint{Host: host, Port: port}
	}

	return peers, addrs
}

func waitForSignal() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
}
