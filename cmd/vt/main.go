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
Command vt boots one Weaver VT process: it loads the shared YAML
config, wires the C8 coordinator to the shard set, serves inter-shard
NODE_PROG_RETURN/NODE_PROG_FAIL callbacks, emits VT_NOP on a jittered
cadence, and serves the client-facing websocket endpoint
(internal/clientws) until interrupted.

Kept thin for the same reason cmd/shard is: the CLI surface itself is
out of scope (spec.md §1).
*/
package main

import (
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/krotik/weaver/internal/clientws"
	"github.com/krotik/weaver/internal/config"
	"github.com/krotik/weaver/internal/namemap"
	"github.com/krotik/weaver/internal/nop"
	"github.com/krotik/weaver/internal/transport"
	"github.com/krotik/weaver/internal/vt"
)

func main() {
	configPath := flag.String("config", "weaver.yaml", "path to the shared YAML config")
	id := flag.Int("id", 0, "this VT's id, in 0..num_vts-1")
	rpcListen := flag.String("rpc-listen", ":9200", "address to serve VT RPC (NODE_PROG_RETURN/FAIL) on")
	clientListen := flag.String("client-listen", ":9201", "address to serve the client websocket endpoint on")
	shardsFlag := flag.String("shards", "", "comma-separated id=host:port shard list, e.g. 0=host:9100,1=host:9101")
	flag.Parse()

	cfg, err := config.LoadFile(*configPath)
	if err != nil {
		log.Print("vt: ", err)
		os.Exit(-1)
	}

	if *id < 0 || *id >= cfg.NumVTs {
		log.Print("vt: id ", *id, " out of range 0..", cfg.NumVTs-1)
		os.Exit(-1)
	}

	addrs := parseShards(*shardsFlag)
	tr := transport.NewClient(addrs)
	nm := namemap.NewClient(cfg.KV.String())

	coord := vt.NewCoordinator(*id, cfg.NumVTs, cfg.NumShards, nm, tr)
	coord.ShardIDIncr = cfg.ShardIDIncr

	l, err := transport.ListenVT(*rpcListen, coord)
	if err != nil {
		log.Fatal("vt: ", err)
	}
	defer l.Close()

	emitter := nop.NewEmitter(*id, tr, coord)
	emitter.Start()
	defer emitter.Stop()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if err := clientws.Serve(w, r, coord); err != nil {
			clientws.LogDebug("vt: client session ended: ", err)
		}
	})

	srv := &http.Server{Addr: *clientListen, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("vt: ", err)
		}
	}()

	log.Print("vt: id ", *id, " rpc on ", *rpcListen, " clients on ", *clientListen)
	waitForSignal()
	srv.Close()
}

func parseShards(spec string) map[uint64]transport.Endpoint {
	addrs := map[uint64]transport.Endpoint{}
	if spec == "" {
		return addrs
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
		addrs[id] = transport.Endpoint{Host: host, Port: port}
	}

	return addrs
}

func waitForSignal() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
}
