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
Package nop is the heartbeat mechanism (C7): a VT emits a VT_NOP on a
wall-clock cadence to every shard it owns qts for, carrying its current
vclock, per-shard qts watermark, newly-done tx ids and a max-done-id
GC hint; a shard applies an inbound NOP by advancing its read frontier,
clocking any in-flight migration, and marking the NOP's done requests
in the scheduler's cancellation set. The max-done-id hint is carried but
not acted on: no node-program state or cancellation entry is purged
when a NOP is handled.

Grounded on cluster/manager/housekeeping.go's HousekeepingWorker, a
goroutine-driven periodic pulse across cluster members; generalized
from cluster-membership gossip into the vclock/qts heartbeat spec.md
§4.7 describes.
*/
package nop

import (
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/krotik/common/datautil"

	"github.com/krotik/weaver/internal/migration"
	"github.com/krotik/weaver/internal/scheduler"
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

// DefaultFreqMillis is the base NOP emission period; the actual period
// is jittered the way FreqHousekeeping is (freq * (1 + rand())).
const DefaultFreqMillis = 500

/*
NopTransport is what an Emitter needs to deliver a NOP to every shard
it names.
*/
type NopTransport interface {
	SendNop(shard uint64, msg wire.VTNop) error
}

/*
VTState is the subset of the VT coordinator an Emitter reads from to
build each NOP (spec.md §4.8's coordinator owns vclock, qts and
done-tx bookkeeping; the emitter only samples it).
*/
type VTState interface {
	CurrentVclock() *vclock.Clock
	QTSWatermarks() map[uint64]uint64
	DrainDoneReqs() []string
	MaxDoneID() uint64
	NodeCounts() map[uint64]uint64
	Shards() []uint64
}

/*
Emitter runs the VT side: a background goroutine that sends a VT_NOP to
every shard on a jittered cadence.
*/
type Emitter struct {
	VT        int
	Transport NopTransport
	State     VTState
	FreqMs    float64

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

func NewEmitter(vt int, tr NopTransport, st VTState) *Emitter {
	return &Emitter{VT: vt, Transport: tr, State: st, FreqMs: DefaultFreqMillis}
}

/*
Start begins the emission goroutine. Calling Start twice is a no-op.
*/
func (e *Emitter) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return
	}
	e.running = true
	e.stop = make(chan struct{})
	e.wg.Add(1)

	go func() {
		defer e.wg.Done()
		src := rand.NewSource(int64(e.VT) + 1)
		r := rand.New(src)

		for {
			select {
			case <-e.stop:
				return
			default:
			}

			e.Tick()

			jitter := time.Duration(e.FreqMs*(1+r.Float64())) * time.Millisecond
			select {
			case <-e.stop:
				return
			case <-time.After(jitter):
			}
		}
	}()
}

/*
Stop halts the emission goroutine and waits for it to exit.
*/
func (e *Emitter) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	close(e.stop)
	e.mu.Unlock()

	e.wg.Wait()
}

/*
Tick builds and sends one round of VT_NOP, one message per shard this
VT owns a qts watermark for (spec.md §4.7). Exported so tests and a
manual "flush now" path can drive it without waiting on the ticker.
*/
func (e *Emitter) Tick() {
	v := e.State.CurrentVclock()
	qts := e.State.QTSWatermarks()
	done := e.State.DrainDoneReqs()
	maxDone := e.State.MaxDoneID()
	counts := e.State.NodeCounts()

	for _, shard := range e.State.Shards() {
		msg := wire.VTNop{
			VT:         e.VT,
			Vclock:     v,
			QTS:        qts,
			DoneReqs:   done,
			MaxDoneID:  maxDone,
			NodeCounts: counts,
		}
		if err := e.Transport.SendNop(shard, msg); err != nil {
			LogDebug("nop: emit to shard ", shard, " failed: ", err)
		}
	}
}

/*
ShardHandler applies inbound VT_NOPs to one shard's local state:
advance the scheduler's read frontier, clock any in-flight migration
step-2 waits, and mark done requests cancelled. It does not read
max_done_id and purges no node-program state or cancellation entry.
*/
type ShardHandler struct {
	Scheduler *scheduler.Scheduler
	Migration *migration.Engine // nil if this shard has no migration wired

	history *datautil.RingBuffer
}

func NewShardHandler(s *scheduler.Scheduler, m *migration.Engine, historySize int) *ShardHandler {
	return &ShardHandler{
		Scheduler: s,
		Migration: m,
		history:   datautil.NewRingBuffer(historySize),
	}
}

/*
Handle processes one inbound VT_NOP (spec.md §4.7):
  - advances the scheduler's frontier for msg.VT to msg.Vclock, waking
    waiting workers to re-check; msg.QTS is not applied, so the VT's
    next-expected qts is unchanged;
  - if a migration engine is wired, records the NOP for step-2 waits;
  - marks each of msg.DoneReqs done in the scheduler's cancellation set.
    msg.MaxDoneID is not used, and neither the done set nor the
    node-program runtime's per-(prog_type, req_id, handle) state is
    purged here.
*/
func (h *ShardHandler) Handle(msg wire.VTNop) wire.VTNopAck {
	h.history.Add(msg)

	h.Scheduler.AdvanceFrontier(msg.VT, msg.Vclock)

	if h.Migration != nil {
		h.Migration.ObserveNop(msg.VT)
	}

	for _, reqID := range msg.DoneReqs {
		h.Scheduler.MarkDone(reqID)
	}

	return wire.VTNopAck{VT: msg.VT}
}

/*
History returns the most recent NOPs handled, newest last, for
debugging and tests (mirrors server/server.go's api.DDLog ring buffer
of recent requests).
*/
func (h *ShardHandler) History() []interface{} {
	return h.history.Slice()
}
