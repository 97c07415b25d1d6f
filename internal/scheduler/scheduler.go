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
Package scheduler is the shard's work queue (C3): one write queue and
one read queue per VT, releasing a write only when its qts equals the
next-expected qts for that VT, and releasing a read only once every
VT's frontier has passed the read's own vclock slot. This is the
mechanism spec.md §4.3 calls "the mechanism that guarantees
deterministic apply order across shards".

Grounded on github.com/krotik/common/sortutil.PriorityQueue, whose
MinPriority hook - "the current minimum priority level which should be
returned by the queue" - is exactly the qts gate: qts is the priority,
and MinPriority reports the next-expected qts so Peek/Pop return nil
until the gap closes.
*/
package scheduler

import (
	"log"
	"sync"

	"github.com/krotik/common/sortutil"

	"github.com/krotik/weaver/internal/vclock"
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

/*
WriteItem is one unit of write work: a pending tx queued at a
particular qts for a particular VT.
*/
type WriteItem struct {
	VT      int
	QTS     uint64
	Payload interface{}
}

/*
ReadItem is one unit of read work: a node-program hop guarded by a
request id (for cancellation) and the vclock it must be safe to run
against.
*/
type ReadItem struct {
	ReqID   string
	Vclock  *vclock.Clock
	Payload interface{}
}

type vtState struct {
	queue    *sortutil.PriorityQueue
	nextQTS  uint64
	frontier *vclock.Clock // this VT's latest NOP vclock
}

/*
Scheduler is the per-shard scheduler holding one vtState per VT.

Every vtState field and cond is guarded by the single mutex s.mu, not
one lock per VT - PopWrite's and WaitRead's predicates (a releasable
queue head, ReadReady) must be checked and, on failure, waited on
atomically with respect to the Broadcasts in PushWrite/AdvanceFrontier,
or a producer's wakeup between the check and the Wait call is lost.
Splitting the state across a per-vtState lock and a separate cond lock
reopens exactly that race, so both live under s.mu.
*/
type Scheduler struct {
	mu   sync.Mutex
	cond *sync.Cond
	vts  map[int]*vtState

	doneMu   sync.Mutex
	doneReqs map[string]bool
}

// New creates a Scheduler for numVTs VTs, numbered 0..numVTs-1.
func New(numVTs int) *Scheduler {
	s := &Scheduler{
		vts:      make(map[int]*vtState),
		doneReqs: make(map[string]bool),
	}
	s.cond = sync.NewCond(&s.mu)

	for v := 0; v < numVTs; v++ {
		st := &vtState{queue: sortutil.NewPriorityQueue(), nextQTS: 1}
		st.queue.MinPriority = func() int { return int(st.nextQTS) }
		s.vts[v] = st
	}

	return s
}

// vt looks up a VT's state. The map is built once in New and never
// mutated afterwards, so this is safe without a lock.
func (s *Scheduler) vt(vt int) *vtState {
	return s.vts[vt]
}

/*
PushWrite enqueues a write at its qts. It is legal to push writes out
of order; the gap-detection in PopWrite (via MinPriority) holds them
back until the sequence closes (spec.md §3: "qts at a shard is a
strictly monotone, gap-free sequence per VT").
*/
func (s *Scheduler) PushWrite(vt int, qts uint64, payload interface{}) {
	st := s.vt(vt)

	s.mu.Lock()
	st.queue.Push(WriteItem{VT: vt, QTS: qts, Payload: payload}, int(qts))
	s.cond.Broadcast()
	s.mu.Unlock()
}

/*
PopWrite blocks until vt's next write is ready (its qts equals the
next-expected qts) or stop is closed, then advances the expected
sequence and returns the item.
*/
func (s *Scheduler) PopWrite(vt int, stop <-chan struct{}) (WriteItem, bool) {
	st := s.vt(vt)

	// Closing stop must wake the Wait below; broadcast it under s.mu so
	// the wakeup cannot land between the stop check and the Wait.
	quit := make(chan struct{})
	defer close(quit)
	go func() {
		select {
		case <-stop:
			s.mu.Lock()
			s.cond.Broadcast()
			s.mu.Unlock()
		case <-quit:
		}
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		v := st.queue.Pop()
		if v != nil {
			item := v.(WriteItem)
			st.nextQTS = item.QTS + 1
			return item, true
		}

		select {
		case <-stop:
			return WriteItem{}, false
		default:
		}

		s.cond.Wait()
	}
}

/*
AdvanceFrontier records the vclock a VT has advanced to (the shard calls
it only from NOP handling) - it clocks read visibility and, via
Broadcast, makes every waiting worker re-check its predicate. It does
not change the VT's next-expected qts: a NOP takes no qts slot, so a qts
gap closes only when the missing write is pushed.
*/
func (s *Scheduler) AdvanceFrontier(vt int, v *vclock.Clock) {
	st := s.vt(vt)

	s.mu.Lock()
	st.frontier = v
	s.cond.Broadcast()
	s.mu.Unlock()

	LogDebug("scheduler: vt ", vt, " frontier advanced to ", v)
}

/*
Frontier returns the given VT's current frontier vclock, or nil if none
has been observed yet.
*/
func (s *Scheduler) Frontier(vt int) *vclock.Clock {
	st := s.vt(vt)
	s.mu.Lock()
	defer s.mu.Unlock()
	return st.frontier
}

/*
ReadReady reports whether v is safe to read against: every VT's
frontier must have advanced past v's own slot for that VT (spec.md
§4.3: "every VT has advanced past vclock's own slot").
*/
func (s *Scheduler) ReadReady(v *vclock.Clock) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readReadyLocked(v)
}

// readReadyLocked is ReadReady's predicate, callable with s.mu already
// held so WaitRead can check-then-Wait atomically.
func (s *Scheduler) readReadyLocked(v *vclock.Clock) bool {
	for i, st := range s.vts {
		if st.frontier == nil {
			return false
		}
		if i < len(v.Counters) && slotAt(st.frontier, i) < v.Counters[i] {
			return false
		}
	}
	return true
}

/*
WaitRead blocks until v is safe to read against (ReadReady) or stop is
closed, waking on every AdvanceFrontier/PushWrite broadcast and on the
close of stop.
Mirrors PopWrite's own wait loop, but gates on the read frontier rather
than a per-VT qts sequence.
*/
func (s *Scheduler) WaitRead(v *vclock.Clock, stop <-chan struct{}) bool {
	// Same stop wakeup as PopWrite.
	quit := make(chan struct{})
	defer close(quit)
	go func() {
		select {
		case <-stop:
			s.mu.Lock()
			s.cond.Broadcast()
			s.mu.Unlock()
		case <-quit:
		}
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		if s.readReadyLocked(v) {
			return true
		}

		select {
		case <-stop:
			return false
		default:
		}

		s.cond.Wait()
	}
}

func slotAt(c *vclock.Clock, i int) uint64 {
	if i >= len(c.Counters) {
		return 0
	}
	return c.Counters[i]
}

/*
NextQTS returns the qts a VT's next write must carry to be released
immediately - used by tests and diagnostics.
*/
func (s *Scheduler) NextQTS(vt int) uint64 {
	st := s.vt(vt)
	s.mu.Lock()
	defer s.mu.Unlock()
	return st.nextQTS
}

// ---- Cancellation (spec.md §4.3) ----

/*
MarkDone adds reqID to the shared done-requests set. A worker handling
a read checks this set before each node it visits and drops work if
present, without preempting any in-flight write.
*/
func (s *Scheduler) MarkDone(reqID string) {
	s.doneMu.Lock()
	defer s.doneMu.Unlock()
	s.doneReqs[reqID] = true
}

/*
IsDone reports whether reqID has been cancelled.
*/
func (s *Scheduler) IsDone(reqID string) bool {
	s.doneMu.Lock()
	defer s.doneMu.Unlock()
	return s.doneReqs[reqID]
}

/*
ForgetDone removes a request id from the done set. NOP handling does
not call it, so done entries stay in the set until a caller removes
them.
*/
func (s *Scheduler) ForgetDone(reqID string) {
	s.doneMu.Lock()
	defer s.doneMu.Unlock()
	delete(s.doneReqs, reqID)
}
