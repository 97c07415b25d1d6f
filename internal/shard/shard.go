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
Package shard glues C1-C7 into one running shard process: it owns the
graph store, scheduler, applier, node-program runtime and (optionally)
the migration engine, and it is the transport.ShardHandler a shard's
RPC listener dispatches every inbound message to.

Grounded on server/server.go's top-level wiring, which owns storage,
the graph manager and the API layer as one process and registers a
single handler for every incoming request; generalized here from an
HTTP request router to the RPC method set spec.md §6 names.
*/
package shard

import (
	"log"
	"sync"

	"github.com/krotik/weaver/internal/applier"
	"github.com/krotik/weaver/internal/graphstore"
	"github.com/krotik/weaver/internal/migration"
	"github.com/krotik/weaver/internal/nodeprog"
	"github.com/krotik/weaver/internal/nop"
	"github.com/krotik/weaver/internal/scheduler"
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

// pendingTx rides the scheduler's write queue so TxInit can hand off
// the actual apply to the per-VT worker goroutine while still
// returning one synchronous TxDone to the RPC caller.
type pendingTx struct {
	tx   wire.TxInit
	done chan wire.TxDone
}

/*
Shard is one running shard process: the receiving end of every
inter-shard/VT RPC named in spec.md §6, plus the background workers
that drain the scheduler's write queues.
*/
type Shard struct {
	ID         uint64
	NumVTs     int
	Peers      []uint64 // other shard ids in the ring, mirrors migration.Engine's own peer list
	Store      *graphstore.Store
	Scheduler  *scheduler.Scheduler
	Applier    *applier.Applier
	Runtime    *nodeprog.Runtime
	Migration  *migration.Engine  // nil disables the migration protocol on this shard
	NopHandler *nop.ShardHandler
	Transport  migration.Transport // outbound: ForwardToken, SendNbrAck

	stop chan struct{}
	wg   sync.WaitGroup

	sentMu sync.Mutex
	sent   map[string]bool // handles whose SendNode has already gone out, dedups repeated NOP ticks
}

// New builds a Shard. Start must be called before any TxInit/NodeProg
// traffic arrives, or writes will queue without ever being applied.
func New(id uint64, numVTs int, peers []uint64, store *graphstore.Store, sch *scheduler.Scheduler, app *applier.Applier, rt *nodeprog.Runtime, mig *migration.Engine, nh *nop.ShardHandler, tr migration.Transport) *Shard {
	return &Shard{
		ID:         id,
		NumVTs:     numVTs,
		Peers:      peers,
		Store:      store,
		Scheduler:  sch,
		Applier:    app,
		Runtime:    rt,
		Migration:  mig,
		NopHandler: nh,
		Transport:  tr,
		stop:       make(chan struct{}),
		sent:       make(map[string]bool),
	}
}

/*
Start launches one dedicated write-apply goroutine per VT. Writes from
a single VT must apply strictly in qts order (spec.md §5); one goroutine
per VT gets that for free without serializing VTs against each other,
which a shared worker pool pulling indiscriminately from every VT's
queue could not guarantee (two workers could pop consecutive qts values
for the same VT and race to apply them out of order).
*/
func (sh *Shard) Start() {
	for vt := 0; vt < sh.NumVTs; vt++ {
		sh.wg.Add(1)
		go func(vt int) {
			defer sh.wg.Done()
			sh.applyLoop(vt)
		}(vt)
	}
}

// Stop halts every apply goroutine and waits for them to exit.
func (sh *Shard) Stop() {
	close(sh.stop)
	sh.wg.Wait()
}

func (sh *Shard) applyLoop(vt int) {
	for {
		item, ok := sh.Scheduler.PopWrite(vt, sh.stop)
		if !ok {
			return
		}
		pt, ok := item.Payload.(pendingTx)
		if !ok {
			continue
		}
		pt.done <- sh.Applier.Apply(pt.tx)
	}
}

/*
TxInit implements transport.ShardHandler. It queues the tx at its qts
and blocks for the owning VT's apply goroutine to release it.

AdvanceFrontier is never called from this path - only
nop.ShardHandler.Handle advances a VT's read frontier, so a write
becomes visible to reads only once the VT that issued it emits a NOP
observing the write's own vclock, never immediately on commit (spec.md
§8 testable property 2).
*/
func (sh *Shard) TxInit(tx wire.TxInit) wire.TxDone {
	done := make(chan wire.TxDone, 1)
	sh.Scheduler.PushWrite(tx.VT, tx.QTS, pendingTx{tx: tx, done: done})
	return <-done
}

/*
NodeProg implements transport.ShardHandler. Node-program hops are read
work, gated by the scheduler's read frontier rather than a qts
sequence, so each inbound NODE_PROG gets its own goroutine that blocks
on WaitRead before dispatching (spec.md §4.3/§4.5).
*/
func (sh *Shard) NodeProg(msg wire.NodeProg) {
	go func() {
		if !sh.Scheduler.WaitRead(msg.Vclock, sh.stop) {
			return
		}
		sh.Runtime.Dispatch(msg)
	}()
}

/*
Nop implements transport.ShardHandler: apply the NOP to the scheduler
and migration engine, then check whether any frozen candidate has now
cleared its 2-NOPs-per-VT drain wait and can be sent (spec.md §4.6 step
2 req).
*/
func (sh *Shard) Nop(msg wire.VTNop) wire.VTNopAck {
	ack := sh.NopHandler.Handle(msg)

	if sh.Migration != nil {
		for _, h := range sh.Migration.InFlightHandles() {
			if sh.Migration.ReadyToSend(h) {
				go sh.sendMigratingNode(h)
			}
		}
	}

	return ack
}

func (sh *Shard) sendMigratingNode(handle string) {
	sh.sentMu.Lock()
	if sh.sent[handle] {
		sh.sentMu.Unlock()
		return
	}
	sh.sent[handle] = true
	sh.sentMu.Unlock()

	if err := sh.Migration.SendNode(handle); err != nil {
		LogDebug("shard: send migrating node ", handle, " failed: ", err)
		sh.sentMu.Lock()
		delete(sh.sent, handle)
		sh.sentMu.Unlock()
		return
	}

	// The node stays present under Moved so a stray read arriving before
	// every peer has learned the new location still finds a locator
	// (n.NewLoc) instead of a hole; Forget removes it once every peer has
	// acked the neighbor-pointer rewrite.
	if n := sh.Store.AcquireNode(handle); n != nil {
		n.State = graphstore.Moved
		sh.Store.ReleaseNode(n)
	}
}

// MigrateSendNode implements transport.ShardHandler: install a node
// snapshot arriving from its old shard (spec.md §4.6 step 2 resp).
func (sh *Shard) MigrateSendNode(msg wire.MigrateSendNode) error {
	if sh.Migration == nil {
		return nil
	}
	return sh.Migration.Install(msg)
}

/*
MigratedNbrUpdate implements transport.ShardHandler: rewrite this
peer's edge index for the moved handle, then ack back to the shard that
just installed it over a separate RPC call rather than the inbound
call's own reply value, since BroadcastNbrUpdate fans one update out to
many peers and discards each individual reply.
*/
func (sh *Shard) MigratedNbrUpdate(msg wire.MigratedNbrUpdate) wire.MigratedNbrAck {
	if sh.Migration == nil {
		return wire.MigratedNbrAck{Handle: msg.Handle, FromShard: sh.ID}
	}

	ack := sh.Migration.HandleNbrUpdate(msg)

	go func() {
		if err := sh.Transport.SendNbrAck(msg.NewShard, ack); err != nil {
			LogDebug("shard: send nbr ack for ", msg.Handle, " failed: ", err)
		}
	}()

	return ack
}

/*
MigratedNbrAck implements transport.ShardHandler: record one peer's ack
on the shard that owns the just-installed handle, and forget the
handle's migration bookkeeping once every peer has acked (spec.md §4.6
step 3). Per-VT node-program completion is not tracked end to end (see
DESIGN.md's "Known boundary" note), so readiness here is peer-ack-only.
*/
func (sh *Shard) MigratedNbrAck(msg wire.MigratedNbrAck) error {
	if sh.Migration == nil {
		return nil
	}

	if sh.Migration.RecordAck(msg, sh.Peers) {
		sh.Migration.Forget(msg.Handle, true)
		sh.sentMu.Lock()
		delete(sh.sent, msg.Handle)
		sh.sentMu.Unlock()
	}

	return nil
}

/*
MigrationToken implements transport.ShardHandler: elect and freeze this
shard's candidates (if any cleared minTokenHoldsBeforeElecting), then
pass the token to the next shard in msg.Ring (spec.md §4.6 step 0).
*/
func (sh *Shard) MigrationToken(msg wire.MigrationToken) error {
	if sh.Migration != nil {
		for h, dest := range sh.Migration.ReceiveToken(msg) {
			sh.Migration.Freeze(h, dest)
		}
	}
	return sh.forwardToken(msg)
}

/*
forwardToken decrements the token's hop counter and either hops it to
the next ring member or, once Hops reaches 0, returns it to the VT
that minted it (spec.md §4.6: "decrementing a hop counter ... when
hops reach 0 the token returns to the VT that minted it").
*/
func (sh *Shard) forwardToken(msg wire.MigrationToken) error {
	if len(msg.Ring) == 0 {
		return nil
	}

	msg.Hops--
	if msg.Hops <= 0 {
		return sh.Transport.ReturnToken(msg.VT, msg)
	}

	idx := ringIndex(msg.Ring, sh.ID)
	if idx < 0 {
		return nil
	}
	next := msg.Ring[(idx+1)%len(msg.Ring)]
	if next == sh.ID {
		return sh.Transport.ReturnToken(msg.VT, msg)
	}
	return sh.Transport.ForwardToken(next, msg)
}

// NodeCount implements transport.ShardHandler, answering a
// CLIENT_NODE_COUNT fan-out with this shard's own node count.
func (sh *Shard) NodeCount(msg wire.ClientNodeCount) uint64 {
	return sh.Store.NodeCount()
}

func ringIndex(ring []uint64, id uint64) int {
	for i, s := range ring {
		if s == id {
			return i
		}
	}
	return -1
}
