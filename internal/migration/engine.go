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
Package migration implements the online node-relocation protocol (C6):
a token circulates the shard ring, and only the holding shard may
initiate migrations for the current epoch; each candidate node goes
through freeze -> drain+send -> install -> forget with read/write
buffering on both ends.

Grounded on cluster/distributedstorage.go / distributiontable.go, the
teacher's own cross-member data relocation, generalized from a
distribution-table rebalance into an explicit per-handle state machine
with the buffering spec.md §4.6 requires.
*/
package migration

import (
	"log"
	"sync"

	"github.com/krotik/weaver/internal/graphstore"
	"github.com/krotik/weaver/internal/nodeprog"
	"github.com/krotik/weaver/internal/vclock"
	"github.com/krotik/weaver/internal/wire"
)

// Logger is a function which processes log messages from this package.
type Logger func(v ...interface{})

// LogInfo is called for info-level messages (mirrors
// cluster/manager/globals.go's package-level logger pair).
var LogInfo = Logger(log.Print)

// LogDebug is called for debug-level messages, discarded by default.
var LogDebug = Logger(LogNull)

// LogNull discards every message given to it.
var LogNull = func(v ...interface{}) {}

// Open Question #1 (DESIGN.md): "at least 3 token visits before self
// elects to migrate", read from the source's post-incremented
// migr_chance++ > 2 check.
const minTokenHoldsBeforeElecting = 3

/*
NameMap is the subset of internal/namemap.Client the migration engine
needs.
*/
type NameMap interface {
	Rebind(handle string, newShard uint64) error
}

/*
Transport is the subset of shard-to-shard delivery the migration
engine needs.
*/
type Transport interface {
	SendMigrateNode(shard uint64, msg wire.MigrateSendNode) error
	BroadcastNbrUpdate(msg wire.MigratedNbrUpdate, peers []uint64) error
	SendNbrAck(shard uint64, msg wire.MigratedNbrAck) error
	ForwardToken(shard uint64, msg wire.MigrationToken) error
	ReturnToken(vt int, msg wire.MigrationToken) error
}

// candidateState tracks one handle's progress through the per-node
// protocol.
type candidateState struct {
	dest         uint64
	nopCountByVT map[int]int
}

/*
Engine drives migration for one shard. Step 2's "wait until 2 NOPs
have passed on each VT" is clocked by the caller feeding every arriving
NOP through ObserveNop, not by the engine polling the scheduler itself.
*/
type Engine struct {
	ShardID   uint64
	Store     *graphstore.Store
	NameMap   NameMap
	Transport Transport
	NumVTs    int
	NumShards func() uint32
	Capacity  uint64
	Policy    Policy
	Runtime   *nodeprog.Runtime // for draining deferred reads after install

	peers []uint64 // other shard ids in the ring, for broadcasting nbr updates

	mu           sync.Mutex
	tokenHolds   int
	inFlight     map[string]*candidateState
	pendingAcks  map[string]map[uint64]bool // handle -> shards that have acked MIGRATED_NBR_UPDATE
}

func NewEngine(shardID uint64, store *graphstore.Store, nm NameMap, tr Transport, numVTs int, numShards func() uint32, capacity uint64, policy Policy, rt *nodeprog.Runtime, peers []uint64) *Engine {
	return &Engine{
		ShardID:     shardID,
		Store:       store,
		NameMap:     nm,
		Transport:   tr,
		NumVTs:      numVTs,
		NumShards:   numShards,
		Capacity:    capacity,
		Policy:      policy,
		Runtime:     rt,
		peers:       peers,
		inFlight:    make(map[string]*candidateState),
		pendingAcks: make(map[string]map[uint64]bool),
	}
}

/*
ReceiveToken is called when the migration token arrives at this shard.
It records a hold, and elects candidates only after
minTokenHoldsBeforeElecting holds (Open Question #1).
*/
func (e *Engine) ReceiveToken(tok wire.MigrationToken) map[string]uint64 {
	e.mu.Lock()
	e.tokenHolds++
	holds := e.tokenHolds
	e.mu.Unlock()

	if holds < minTokenHoldsBeforeElecting {
		return nil
	}

	return e.SelectCandidates(nodeCountFn(e))
}

func nodeCountFn(e *Engine) func(uint64) uint64 {
	// A real deployment would query peers for their live counts; here
	// only this shard's own count is locally known, and remote counts
	// arrive via NOP.NodeCounts (spec.md §4.7). Callers that have a
	// fresher view can call SelectCandidates with their own nodeCount.
	return func(uint64) uint64 { return e.Store.NodeCount() }
}

/*
SelectCandidates scores every local node against nodeCount and returns
the handles worth migrating, keyed to the destination shard Pick chose
for each (best score picks a shard other than self). Selection order
is nodeCount-agnostic here; the shard's MigrationToken handler forwards
the token once elected candidates have been frozen. Every STABLE node
scanned has its Updated flag cleared, so a later Freeze sees only
mutations made since this selection.
*/
func (e *Engine) SelectCandidates(nodeCount func(uint64) uint64) map[string]uint64 {
	out := make(map[string]uint64)
	for _, h := range e.Store.Directory() {
		n := e.Store.AcquireNode(h)
		if n == nil {
			continue
		}
		if n.State != graphstore.Stable {
			e.Store.ReleaseNode(n)
			continue
		}

		var signal map[uint64]int
		if e.Policy == CLDG {
			signal = n.MsgCount
		} else {
			signal = neighborCountsByShard(n)
		}
		n.Updated = false
		e.Store.ReleaseNode(n)

		scores := Score(e.Policy, e.ShardID, signal, nodeCount, e.Capacity, e.NumShards())
		if dest, ok := Pick(scores, e.ShardID, nodeCount, nil); ok {
			out[h] = dest
		}
	}
	return out
}

func neighborCountsByShard(n *graphstore.Node) map[uint64]int {
	counts := make(map[uint64]int)
	for _, edge := range n.OutEdges {
		if edge.Del == nil {
			counts[edge.Neighbor.Shard]++
		}
	}
	return counts
}

/*
Freeze is migration step 1 (spec.md §4.6): acquire h, abort if it was
mutated since candidate selection, otherwise mark it IN_TRANSIT, remove
its out-edges from the local edge index, and rebind it via NameMap.
Returns false if the candidate was aborted.
*/
func (e *Engine) Freeze(handle string, dest uint64) bool {
	n := e.Store.AcquireNode(handle)
	if n == nil {
		return false
	}
	if n.Updated {
		e.Store.ReleaseNode(n)
		return false
	}
	n.State = graphstore.InTransit
	n.NewLoc = dest
	e.Store.ReleaseNode(n)

	// n is now IN_TRANSIT, so every store mutator targeting handle
	// defers instead of touching OutEdges (spec.md §4.1) - safe to walk
	// the edge map for index removal without holding the node lock,
	// following the canonical directory-then-node order instead of the
	// reverse.
	e.Store.RemoveFromIndex(n)

	if err := e.NameMap.Rebind(handle, dest); err != nil {
		// Roll the candidate back to STABLE; the caller will retry a
		// different candidate on the next token pass.
		if n = e.Store.AcquireNode(handle); n != nil {
			n.State = graphstore.Stable
			n.NewLoc = 0
			e.Store.ReleaseNode(n)
		}
		return false
	}

	e.mu.Lock()
	e.inFlight[handle] = &candidateState{
		dest:         dest,
		nopCountByVT: make(map[int]int),
	}
	e.mu.Unlock()

	LogInfo("migration: shard ", e.ShardID, " froze ", handle, " for move to shard ", dest)

	return true
}

/*
ObserveNop records a NOP from vt, advancing the drain-wait counter for
every in-flight candidate. ReadyToSend reports true once 2 NOPs have
been observed on every VT since Freeze (spec.md §4.6 step 2 req).
*/
func (e *Engine) ObserveNop(vt int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, cs := range e.inFlight {
		cs.nopCountByVT[vt]++
	}
}

/*
InFlightHandles lists every handle currently frozen on this shard,
waiting on its drain-wait NOP count before SendNode can run.
*/
func (e *Engine) InFlightHandles() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]string, 0, len(e.inFlight))
	for h := range e.inFlight {
		out = append(out, h)
	}
	return out
}

func (e *Engine) ReadyToSend(handle string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	cs, ok := e.inFlight[handle]
	if !ok {
		return false
	}

	for vt := 0; vt < e.NumVTs; vt++ {
		if cs.nopCountByVT[vt] < 2 {
			return false
		}
	}
	return true
}

/*
SendNode is migration step 2 req: serialize h's full state and send it
to its new shard. Node/edge structs carry only exported fields
(vclocks, maps, handles), so a plain gob encode is a faithful snapshot
- the same wire codec used for every other inter-shard message.
*/
func (e *Engine) SendNode(handle string) error {
	n := e.Store.AcquireNode(handle)
	if n == nil {
		return notFoundErr(handle)
	}
	dest := n.NewLoc
	bytes, err := wire.Encode(n)
	e.Store.ReleaseNode(n)
	if err != nil {
		return err
	}

	return e.Transport.SendMigrateNode(dest, wire.MigrateSendNode{
		Handle:    handle,
		FromShard: e.ShardID,
		NodeBytes: bytes,
	})
}

func notFoundErr(handle string) error {
	return &graphstore.Error{Type: graphstore.ErrNodeNotFound, Detail: handle}
}

/*
Install is migration step 2 resp, run on the destination shard: create
h locally, re-index its edges, drain deferred_writes[h] in vclock
order, mark h STABLE and release it, then broadcast MIGRATED_NBR_UPDATE
to the peers and drain deferred_reads[h] (spec.md §4.6); h is already
STABLE here while the peers still point at the old shard.
deferred_writes[h] has two sources:
writes made between the freeze and the send arrive attached to the node
snapshot itself (acquired.DeferredWrites, buffered on s1 while h was
IN_TRANSIT), and
writes that land after NameMap's step-1 rebind but before this Install
runs arrive with no local node to attach to, so graphstore.Store
buffers those at the shard level instead (Store.DrainWrites). Both are
merged and replayed in vclock order before h goes STABLE.
*/
func (e *Engine) Install(msg wire.MigrateSendNode) error {
	var n graphstore.Node
	if err := wire.Decode(msg.NodeBytes, &n); err != nil {
		return err
	}

	n.State = graphstore.InTransit // stays non-Stable until drains complete
	e.Store.Insert(&n)

	acquired := e.Store.AcquireNode(msg.Handle)
	if acquired == nil {
		return notFoundErr(msg.Handle)
	}

	deferred := acquired.DeferredWrites
	acquired.DeferredWrites = nil
	deferred = append(deferred, e.Store.DrainWrites(msg.Handle)...)
	sortDeferredByVclock(deferred)

	for _, dw := range deferred {
		applyDeferred(acquired, dw)
	}

	acquired.State = graphstore.Stable
	e.Store.ReleaseNode(acquired)

	if err := e.Transport.BroadcastNbrUpdate(wire.MigratedNbrUpdate{
		Handle:   msg.Handle,
		OldShard: msg.FromShard,
		NewShard: e.ShardID,
	}, e.peers); err != nil {
		return err
	}

	if e.Runtime != nil {
		e.Runtime.DrainDeferredReads(msg.Handle)
	}

	return nil
}

func sortDeferredByVclock(ws []graphstore.DeferredWrite) {
	// Writes from the node-carried buffer (s1, between freeze and send) and the
	// shard-level buffer (s2, post-rebind) are each already in qts
	// order per VT, so a stable sort on the slot-0..N comparison (no
	// Kronos needed, concurrent writes from different VTs simply keep
	// their arrival order) preserves the invariant "apply in strictly
	// increasing vclock order" (spec.md §4.6, testable property 5).
	for i := 1; i < len(ws); i++ {
		for j := i; j > 0 && vclock.Compare(ws[j].Vclock, ws[j-1].Vclock) == vclock.LT; j-- {
			ws[j], ws[j-1] = ws[j-1], ws[j]
		}
	}
}

func applyDeferred(n *graphstore.Node, dw graphstore.DeferredWrite) {
	u := dw.Update
	switch u.Type {
	case wire.NodeDelete:
		n.Del = dw.Vclock
	case wire.NodeSetProp:
		n.SetProperty(u.Key, u.Value, dw.Vclock)
	case wire.EdgeCreate:
		if n.OutEdges[u.Handle] == nil {
			n.OutEdges[u.Handle] = &graphstore.Edge{
				Handle:     u.Handle,
				Src:        n.Handle,
				Create:     dw.Vclock,
				Neighbor:   wire.Location{Shard: u.Loc2, Handle: u.Handle2},
				Properties: make(map[string][]*graphstore.Property),
			}
		}
	case wire.EdgeDelete:
		if e, ok := n.OutEdges[u.Handle]; ok {
			e.Del = dw.Vclock
		}
	case wire.EdgeSetProp:
		if e, ok := n.OutEdges[u.Handle]; ok {
			e.SetProperty(u.Key, u.Value, dw.Vclock)
		}
	}
}

/*
HandleNbrUpdate rewrites this shard's edge index and every local edge
pointing at handle so its neighbor.shard moves from OldShard to
NewShard, then acknowledges (spec.md §4.6: "peers ... rewrite their
edge index and each edge's neighbor.shard ... then reply
MIGRATED_NBR_ACK").
*/
func (e *Engine) HandleNbrUpdate(msg wire.MigratedNbrUpdate) wire.MigratedNbrAck {
	sources := e.Store.SourcesOf(msg.Handle)

	for _, src := range sources {
		n := e.Store.AcquireNode(src)
		if n == nil {
			continue
		}
		for _, edge := range n.OutEdges {
			if edge.Neighbor.Handle == msg.Handle && edge.Neighbor.Shard == msg.OldShard {
				edge.Neighbor.Shard = msg.NewShard
			}
		}
		e.Store.ReleaseNode(n)
	}

	return wire.MigratedNbrAck{Handle: msg.Handle, NewShardNodes: e.Store.NodeCount(), FromShard: e.ShardID}
}

/*
RecordAck records one peer's MIGRATED_NBR_ACK. AllAcked reports once
every peer named in peers has acked.
*/
func (e *Engine) RecordAck(ack wire.MigratedNbrAck, peers []uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	set, ok := e.pendingAcks[ack.Handle]
	if !ok {
		set = make(map[uint64]bool)
		e.pendingAcks[ack.Handle] = set
	}
	set[ack.FromShard] = true

	for _, p := range peers {
		if !set[p] {
			return false
		}
	}
	return true
}

/*
Forget is migration step 3: physically remove h from this shard once
every VT's programs that could reference h have finished
(targetProgID[v] <= maxDoneID[v]) and every peer has acked. Callers
supply that readiness check since it depends on the shard's node-
program bookkeeping.
*/
func (e *Engine) Forget(handle string, readyPerVT bool) {
	if !readyPerVT {
		return
	}

	e.mu.Lock()
	delete(e.inFlight, handle)
	delete(e.pendingAcks, handle)
	e.mu.Unlock()

	e.Store.Remove(handle)

	LogDebug("migration: shard ", e.ShardID, " forgot migrated node ", handle)
}
