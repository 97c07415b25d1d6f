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
Package vt is the VT coordinator (C8): the client-facing serialization
point that turns a CLIENT_TX_INIT into per-shard TX_INIT messages and a
CLIENT_NODE_PROG_REQ into per-shard NODE_PROG messages, mints the
vclock and per-shard qts sequence every write carries, and relays
shard replies back to the client that asked for them.

Grounded on cluster/manager/manager.go's MemberManager: one struct
owning a Client, serializing multi-member operations behind its own
lock, exposing a small handler surface the RPC layer dispatches into.
Generalized from cluster-membership operations to per-VT client tx/
program coordination.
*/
package vt

import (
	"hash/fnv"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/krotik/weaver/internal/vclock"
	"github.com/krotik/weaver/internal/wire"
)

// Logger is a function which processes log messages from this package.
type Logger func(v ...interface{})

// LogInfo is called for info-level messages.
var LogInfo = Logger(log.Print)

// LogDebug is called for debug-level messages, discarded by default.
var LogDebug = Logger(LogNull)

// LogNull discards every message given to it.
var LogNull = func(v ...interface{}) {}

/*
Router resolves a node handle to the shard that currently owns it, and
registers the placement chosen for a freshly created handle. Backed by
internal/namemap.Client in the running system.
*/
type Router interface {
	Lookup(handle string) (uint64, error)
	Rebind(handle string, newShard uint64) error
}

/*
ShardTransport is what the coordinator needs from the outbound wire to
reach shards - the VT-facing half of internal/transport.Client.
*/
type ShardTransport interface {
	SendTxInit(shard uint64, msg wire.TxInit) (wire.TxDone, error)
	ForwardProg(shard uint64, msg wire.NodeProg) error
	NodeCount(shard uint64) (uint64, error)
	SendMigrationToken(shard uint64, msg wire.MigrationToken) error
}

/*
ClientSession is one connected client's outbound sink - whatever framed
the CLIENT_TX_INIT/CLIENT_NODE_PROG_REQ off the wire implements this to
receive the matching reply (spec.md §6's client protocol table).
*/
type ClientSession interface {
	TxResult(res wire.ClientTxResult)
	NodeProgReturn(msg wire.NodeProgReturn)
	NodeProgFail(msg wire.NodeProgFail)
	NodeCountReply(reply wire.NodeCountReply)
}

/*
Coordinator is one VT's client tx/program coordinator.
*/
type Coordinator struct {
	VT        int
	NumShards func() uint32
	Router    Router
	Transport ShardTransport

	// ShardIDIncr is the lowest live shard id (spec.md §6: "Shard ids
	// are assigned >= shard_id_incr"), used to enumerate the full shard
	// set 0..NumShards()-1 offset by this base for CLIENT_NODE_COUNT and
	// START_MIGR/ONE_STREAM_MIGR, neither of which target a handle's
	// owning shard the way a routed update does.
	ShardIDIncr uint64

	// mu serializes client txs with a per-VT lock (spec.md §4.8) and
	// guards clock/qtsByShard, which a tx's vclock/qts assignment must
	// see updated atomically with every earlier tx's.
	mu         sync.Mutex
	clock      *vclock.Clock
	qtsByShard map[uint64]uint64

	progMu      sync.Mutex
	progClients map[string]ClientSession
}

// NewCoordinator creates a Coordinator for VT vt among numVTs total VTs.
func NewCoordinator(vt, numVTs int, numShards func() uint32, router Router, tr ShardTransport) *Coordinator {
	return &Coordinator{
		VT:          vt,
		NumShards:   numShards,
		Router:      router,
		Transport:   tr,
		clock:       vclock.New(numVTs),
		qtsByShard:  make(map[uint64]uint64),
		progClients: make(map[string]ClientSession),
	}
}

/*
CurrentVclock, QTSWatermarks, DrainDoneReqs, MaxDoneID, NodeCounts and
Shards implement nop.VTState so a nop.Emitter can be driven directly by
a Coordinator.
*/
func (c *Coordinator) CurrentVclock() *vclock.Clock {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clock
}

func (c *Coordinator) QTSWatermarks() map[uint64]uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[uint64]uint64, len(c.qtsByShard))
	for shard, qts := range c.qtsByShard {
		out[shard] = qts
	}
	return out
}

// DrainDoneReqs is a placeholder point of extension: a Coordinator
// wired to a program-completion tracker would return and clear the reqs
// it has learned are complete since the last NOP tick. No such tracker
// is wired yet, so every tick reports none.
func (c *Coordinator) DrainDoneReqs() []string { return nil }

// MaxDoneID is a GC lower bound advertised in NOPs; Weaver mints
// string req ids (uuid.New) rather than a monotone integer sequence, so
// there is no meaningful watermark to report.
func (c *Coordinator) MaxDoneID() uint64 { return 0 }

func (c *Coordinator) NodeCounts() map[uint64]uint64 { return nil }

func (c *Coordinator) Shards() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]uint64, 0, len(c.qtsByShard))
	for shard := range c.qtsByShard {
		out = append(out, shard)
	}
	return out
}

/*
ExecuteTx runs one CLIENT_TX_INIT end to end (spec.md §4.8): route each
update to its owning shard, mint one vclock for the whole tx, assign a
qts per touched shard, broadcast TX_INIT, wait for every TX_DONE, then
reply to the client. Concurrent txs from other VTs that touch the same
shards are ordered by vclock+Kronos at the shard's own comparator
(internal/vclock.Comparator); the coordinator itself only needs the
per-VT lock spec.md §4.8 calls for.
*/
func (c *Coordinator) ExecuteTx(session ClientSession, req wire.ClientTxInit) {
	c.mu.Lock()
	defer c.mu.Unlock()

	byShard, err := c.routeUpdates(req.Updates)
	if err != nil {
		session.TxResult(wire.ClientTxResult{TxID: req.TxID, Success: false, Reason: err.Error()})
		return
	}

	c.clock = c.clock.Bump(c.VT)
	v := c.clock

	shards := make([]uint64, 0, len(byShard))
	for shard := range byShard {
		shards = append(shards, shard)
	}

	results := make([]wire.TxDone, len(shards))
	var wg sync.WaitGroup
	for i, shard := range shards {
		qts := c.nextQTS(shard)
		msg := wire.TxInit{TxID: req.TxID, VT: c.VT, Vclock: v, QTS: qts, Updates: byShard[shard]}

		wg.Add(1)
		go func(i int, shard uint64, msg wire.TxInit) {
			defer wg.Done()
			done, err := c.Transport.SendTxInit(shard, msg)
			if err != nil {
				LogDebug("vt: tx ", req.TxID, " to shard ", shard, " failed: ", err)
				done = wire.TxDone{TxID: req.TxID, Shard: shard, Status: wire.TxUserError, Reason: err.Error()}
			}
			results[i] = done
		}(i, shard, msg)
	}
	wg.Wait()

	success, reason := true, ""
	for _, d := range results {
		if d.Status != wire.TxOK {
			success = false
			if reason == "" {
				reason = d.Reason
			}
		}
	}

	session.TxResult(wire.ClientTxResult{TxID: req.TxID, Success: success, Reason: reason})
}

// routeUpdates groups req.Updates by the shard owning each update's
// primary handle, registering a fresh placement for every NODE_CREATE
// as it is encountered (mirrors internal/applier's primaryHandle rule
// so a shard's local apply order and the coordinator's routing agree on
// which handle owns an update).
func (c *Coordinator) routeUpdates(updates []wire.PendingUpdate) (map[uint64][]wire.PendingUpdate, error) {
	byShard := make(map[uint64][]wire.PendingUpdate)

	for _, u := range updates {
		shard, err := c.shardFor(u)
		if err != nil {
			return nil, err
		}
		byShard[shard] = append(byShard[shard], u)
	}

	return byShard, nil
}

func (c *Coordinator) shardFor(u wire.PendingUpdate) (uint64, error) {
	handle := u.Handle
	if u.Handle1 != "" {
		handle = u.Handle1
	}

	if u.Type == wire.NodeCreate {
		shard := hashShard(handle, c.NumShards())
		if err := c.Router.Rebind(handle, shard); err != nil {
			return 0, err
		}
		return shard, nil
	}

	return c.Router.Lookup(handle)
}

// hashShard maps a handle to a shard id via FNV-1a, the same
// deterministic-placement scheme cluster/coordinator/shard_registry.go
// uses for key-to-shard assignment.
func hashShard(handle string, numShards uint32) uint64 {
	if numShards == 0 {
		numShards = 1
	}
	h := fnv.New64a()
	h.Write([]byte(handle))
	return h.Sum64() % uint64(numShards)
}

func (c *Coordinator) nextQTS(shard uint64) uint64 {
	c.qtsByShard[shard]++
	return c.qtsByShard[shard]
}

/*
ExecuteNodeProg runs one CLIENT_NODE_PROG_REQ (spec.md §4.5/§6): mint a
req_id, route each start handle to its owning shard, batch per shard,
and dispatch one NODE_PROG per touched shard at the coordinator's
current vclock. Results stream back asynchronously via NodeProgReturn/
NodeProgFail as shards finish hops.
*/
func (c *Coordinator) ExecuteNodeProg(session ClientSession, req wire.ClientNodeProgReq) {
	reqID := uuid.New().String()

	c.mu.Lock()
	v := c.clock
	c.mu.Unlock()

	c.progMu.Lock()
	c.progClients[reqID] = session
	c.progMu.Unlock()

	byShard := make(map[uint64][]wire.ProgHop)
	for _, start := range req.Starts {
		shard, err := c.Router.Lookup(start.Handle)
		if err != nil {
			c.forgetProg(reqID)
			session.NodeProgFail(wire.NodeProgFail{ReqID: reqID, Reason: err.Error()})
			return
		}
		byShard[shard] = append(byShard[shard], wire.ProgHop{Handle: start.Handle, Params: start.Params})
	}

	for shard, hops := range byShard {
		msg := wire.NodeProg{ProgType: req.ProgType, VT: c.VT, Vclock: v, ReqID: reqID, Hops: hops}
		if err := c.Transport.ForwardProg(shard, msg); err != nil {
			LogDebug("vt: node prog ", reqID, " to shard ", shard, " failed: ", err)
			session.NodeProgFail(wire.NodeProgFail{ReqID: reqID, Reason: err.Error()})
		}
	}
}

func (c *Coordinator) forgetProg(reqID string) {
	c.progMu.Lock()
	defer c.progMu.Unlock()
	delete(c.progClients, reqID)
}

/*
NodeProgReturn and NodeProgFail implement transport.VTHandler: they
relay a shard's result for reqID to whichever client session started
that request (spec.md §6: "NODE_PROG_RETURN | VT->C").
*/
func (c *Coordinator) NodeProgReturn(msg wire.NodeProgReturn) {
	c.progMu.Lock()
	session, ok := c.progClients[msg.ReqID]
	c.progMu.Unlock()

	if ok {
		session.NodeProgReturn(msg)
	}
}

func (c *Coordinator) NodeProgFail(msg wire.NodeProgFail) {
	c.progMu.Lock()
	session, ok := c.progClients[msg.ReqID]
	delete(c.progClients, msg.ReqID)
	c.progMu.Unlock()

	if ok {
		session.NodeProgFail(msg)
	}
}

/*
ExecuteNodeCount runs CLIENT_NODE_COUNT (spec.md §6): fan a NodeCount
query out to every shard, in shard-id order, and reply with one entry
per shard.
*/
func (c *Coordinator) ExecuteNodeCount(session ClientSession, req wire.ClientNodeCount) {
	n := c.NumShards()
	counts := make([]uint64, n)

	var wg sync.WaitGroup
	for i := uint32(0); i < n; i++ {
		wg.Add(1)
		go func(i uint32) {
			defer wg.Done()
			shard := c.ShardIDIncr + uint64(i)
			count, err := c.Transport.NodeCount(shard)
			if err != nil {
				LogDebug("vt: node count on shard ", shard, " failed: ", err)
				return
			}
			counts[i] = count
		}(i)
	}
	wg.Wait()

	session.NodeCountReply(wire.NodeCountReply{Counts: counts})
}

/*
ExecuteStartMigration runs START_MIGR/ONE_STREAM_MIGR (spec.md §6):
kick off one migration token circulating the shard ring, starting at
this VT's lowest-id shard. Both control messages start the same token
protocol - spec.md names them distinctly but does not describe a
difference in what a VT does to fulfil either, so this coordinator
treats them identically.
*/
func (c *Coordinator) ExecuteStartMigration() error {
	n := c.NumShards()
	if n == 0 {
		return nil
	}

	ring := make([]uint64, n)
	for i := uint32(0); i < n; i++ {
		ring[i] = c.ShardIDIncr + uint64(i)
	}

	return c.Transport.SendMigrationToken(ring[0], wire.MigrationToken{
		Epoch: 1,
		Hops:  len(ring),
		Ring:  ring,
		VT:    c.VT,
	})
}

/*
MigrationTokenReturn implements transport.VTHandler: a token this
coordinator minted has completed its lap (Hops reached 0 at the last
shard) and been handed back. Nothing currently re-mints a follow-up
token automatically - a client sends a fresh START_MIGR/ONE_STREAM_MIGR
to start another lap - so this just observes the round trip finishing.
*/
func (c *Coordinator) MigrationTokenReturn(msg wire.MigrationToken) {
	LogInfo("vt: migration token epoch ", msg.Epoch, " returned after full lap of ", len(msg.Ring), " shards")
}
