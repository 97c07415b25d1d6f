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
Package vclock implements the vector clock ordering used to serialize
events stamped by the fixed set of VTs (C2). A clock is a tuple
V[0..N_VT-1] of monotone per-VT counters plus an epoch. Comparing two
clocks yields LT, GT, EQ or CONC; CONC pairs are broken by consulting
the external Kronos oracle and the answer is memoized process-globally,
same as sortutil.VectorClock's IsDescendent/IsConflicting pair but
extended with the Kronos resolution path spec.md §4.2 requires.
*/
package vclock

import (
	"bytes"
	"fmt"

	"github.com/krotik/common/datautil"
)

// Ordering is the result of comparing two clocks.
type Ordering int

const (
	LT Ordering = iota
	GT
	EQ
	CONC
)

func (o Ordering) String() string {
	switch o {
	case LT:
		return "LT"
	case GT:
		return "GT"
	case EQ:
		return "EQ"
	default:
		return "CONC"
	}
}

/*
Clock is a vector clock: one counter per VT plus an epoch (clocks from
different epochs are incomparable without going through Kronos). New
starts every clock at epoch 0 and nothing in the runtime changes it.
*/
type Clock struct {
	Epoch    uint64
	Counters []uint64
}

/*
New creates a zero clock for the given number of VTs.
*/
func New(numVTs int) *Clock {
	return &Clock{Counters: make([]uint64, numVTs)}
}

/*
Clone returns a deep copy of c.
*/
func (c *Clock) Clone() *Clock {
	cp := make([]uint64, len(c.Counters))
	copy(cp, c.Counters)
	return &Clock{Epoch: c.Epoch, Counters: cp}
}

/*
Bump increments this clock's own slot, the way a VT mints a new vclock
for a client tx (§4.8).
*/
func (c *Clock) Bump(vt int) *Clock {
	next := c.Clone()
	next.Counters[vt]++
	return next
}

/*
String returns a compact string representation, used both for logging
and as half of the Kronos memoization key.
*/
func (c *Clock) String() string {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "e%d[", c.Epoch)
	for i, v := range c.Counters {
		if i > 0 {
			buf.WriteByte(',')
		}
		fmt.Fprintf(&buf, "%d", v)
	}
	buf.WriteByte(']')
	return buf.String()
}

/*
Compare returns the partial-order relationship between a and b without
consulting Kronos. Clocks from different epochs, or clocks whose
per-slot ordering disagrees, come back CONC - the caller must call
Resolve to get a total order.
*/
func Compare(a, b *Clock) Ordering {
	if a.Epoch != b.Epoch {
		return CONC
	}

	n := len(a.Counters)
	if len(b.Counters) > n {
		n = len(b.Counters)
	}

	lt, gt := false, false

	for i := 0; i < n; i++ {
		av, bv := slot(a, i), slot(b, i)
		if av < bv {
			lt = true
		} else if av > bv {
			gt = true
		}
	}

	switch {
	case lt && gt:
		return CONC
	case lt:
		return LT
	case gt:
		return GT
	default:
		return EQ
	}
}

func slot(c *Clock, i int) uint64 {
	if i >= len(c.Counters) {
		return 0
	}
	return c.Counters[i]
}

/*
Resolver breaks CONC pairs into a total order by consulting Kronos.
Implementations must be safe for concurrent use.
*/
type Resolver interface {
	// KronosOrder asks the external oracle which of two concurrent
	// events, identified by opaque event ids, happened first. It
	// returns LT if idA precedes idB, GT otherwise.
	KronosOrder(idA, idB string) (Ordering, error)
}

/*
Comparator wraps a Resolver with the process-global memoization table
spec.md §4.2 calls for: "the answer is memoized keyed by (event-id,
event-id); the memo is process-global". Grounded on
cluster/manager/client.go's clusterLocks *datautil.MapCache field,
which memoizes a similarly small, occasionally-stale fact
(lock ownership) the same way.
*/
type Comparator struct {
	resolver Resolver
	memo     *datautil.MapCache
}

/*
NewComparator creates a Comparator. maxEntries bounds the memo table;
0 means unbounded (mirrors datautil.NewMapCache's own convention).
*/
func NewComparator(r Resolver, maxEntries uint64) *Comparator {
	return &Comparator{
		resolver: r,
		memo:     datautil.NewMapCache(maxEntries, 0),
	}
}

/*
Compare resolves the full LT/GT/EQ/CONC relationship of a and b,
falling back to Kronos (and the memo) for CONC pairs.
*/
func (c *Comparator) Compare(idA string, a *Clock, idB string, b *Clock) (Ordering, error) {
	if o := Compare(a, b); o != CONC {
		return o, nil
	}

	return c.Resolve(idA, idB)
}

/*
Resolve breaks a CONC tie between two named events by consulting
Kronos, memoizing the answer. A Kronos outage surfaces as an error to
the caller (spec.md §4.2: "halts new concurrent comparisons but does
not invalidate already-memoized results") - already-memoized keys never
call the resolver again.
*/
func (c *Comparator) Resolve(idA, idB string) (Ordering, error) {
	key := memoKey(idA, idB)

	if v, ok := c.memo.Get(key); ok {
		if idA <= idB {
			return v.(Ordering), nil
		}
		return flip(v.(Ordering)), nil
	}

	// Canonicalize so (a,b) and (b,a) share one memo entry.
	orderedA, orderedB, swapped := idA, idB, false
	if idA > idB {
		orderedA, orderedB, swapped = idB, idA, true
	}

	o, err := c.resolver.KronosOrder(orderedA, orderedB)
	if err != nil {
		return 0, err
	}

	c.memo.Put(key, o)

	if swapped {
		return flip(o), nil
	}
	return o, nil
}

func memoKey(idA, idB string) string {
	if idA <= idB {
		return idA + "\x00" + idB
	}
	return idB + "\x00" + idA
}

func flip(o Ordering) Ordering {
	if o == LT {
		return GT
	}
	if o == GT {
		return LT
	}
	return o
}

/*
EarlierOf reports whether a strictly precedes b under the given
comparator, used to test property visibility (creation <= V < deletion).
*/
func EarlierOf(c *Comparator, idA string, a *Clock, idB string, b *Clock) (bool, error) {
	o, err := c.Compare(idA, a, idB, b)
	if err != nil {
		return false, err
	}
	return o == LT, nil
}

/*
LessEq reports a <= b for property-visibility checks that only need a
non-strict bound (creation <= V_req).
*/
func LessEq(c *Comparator, idA string, a *Clock, idB string, b *Clock) (bool, error) {
	o, err := c.Compare(idA, a, idB, b)
	if err != nil {
		return false, err
	}
	return o == LT || o == EQ, nil
}
