/*
 * Weaver
 *
 * Copyright 2016 Matthias Ladkau. All rights reserved.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package graphstore

import (
	"strconv"
	"sync"

	"github.com/krotik/weaver/internal/vclock"
	"github.com/krotik/weaver/internal/wire"
)

// State is one of the three migration states a present node can be in
// (spec.md §3, invariant 3 of §8); a node not on this shard has no State.
type State int

const (
	Stable State = iota
	InTransit
	Moved
)

func (s State) String() string {
	switch s {
	case Stable:
		return "STABLE"
	case InTransit:
		return "IN_TRANSIT"
	case Moved:
		return "MOVED"
	default:
		return "UNKNOWN"
	}
}

/*
Property is one (value, creation, deletion) record for an attribute
key. A key can have several records over its lifetime; the live one has
Del == nil.
*/
type Property struct {
	Value  string
	Create *vclock.Clock
	Del    *vclock.Clock // nil means "not yet deleted"
}

/*
DeferredWrite is a buffered mutation targeting a node that is
IN_TRANSIT or MOVED (spec.md §4.1, §4.4). It is replayed in vclock
order when the node is installed on its new shard, just before Install
marks it STABLE (spec.md §4.6 step 2 resp, testable property 5).
*/
type DeferredWrite struct {
	Update wire.PendingUpdate
	Vclock *vclock.Clock
	TxID   uint64
}

/*
DeferredRead is a NODE_PROG hop that arrived for a node which does not
exist locally yet (it may be inbound via migration). It is re-dispatched
locally once the node is created and STABLE (spec.md §4.5, §4.6 step 2
resp).
*/
type DeferredRead struct {
	ReqID string
	Prog  wire.NodeProg
	Hop   wire.ProgHop
}

/*
Node is one graph vertex. Its lock protects every field below,
including the entire out-edge map (spec.md §3 invariant: "a node's lock
protects all its fields and its entire edge map").
*/
type Node struct {
	Handle string

	Create *vclock.Clock
	Del    *vclock.Clock // nil = alive (tombstone not set)

	// Properties maps an attribute key to its full history of
	// records; visibility at V is creation <= V < deletion.
	Properties map[string][]*Property

	// OutEdges maps an edge handle to the edge, owned entirely by
	// this node (spec.md §3: "an edge is owned by its source node;
	// it lives entirely within that node's lock").
	OutEdges map[string]*Edge

	State   State
	Updated bool // set by any mutation since candidate selection (§4.6 step 1)

	// Migration scratch (spec.md §3).
	NewLoc   uint64
	MsgCount map[uint64]int // cross-shard hop count per destination shard, used by CLDG scoring

	DeferredWrites []DeferredWrite
	DeferredReads  []DeferredRead

	mutex sync.Mutex
}

func newNode(handle string, v *vclock.Clock) *Node {
	return &Node{
		Handle:     handle,
		Create:     v,
		Properties: make(map[string][]*Property),
		OutEdges:   make(map[string]*Edge),
		State:      Stable,
		MsgCount:   make(map[uint64]int),
	}
}

/*
Lock acquires the node's per-node lock. Callers must always follow the
canonical directory-then-node lock order (spec.md §5).
*/
func (n *Node) Lock() { n.mutex.Lock() }

/*
Unlock releases the node's per-node lock.
*/
func (n *Node) Unlock() { n.mutex.Unlock() }

/*
IsAliveAt reports whether the node itself (ignoring properties) is
visible at V: created at or before V, and either never deleted or
deleted strictly after V. reqID identifies the read event for Kronos
memoization when V is concurrent with the node's create/delete stamp.
*/
func (n *Node) IsAliveAt(cmp *vclock.Comparator, reqID string, v *vclock.Clock) (bool, error) {
	le, err := vclock.LessEq(cmp, n.Handle+"#create", n.Create, reqID, v)
	if err != nil || !le {
		return false, err
	}

	if n.Del == nil {
		return true, nil
	}

	lt, err := vclock.EarlierOf(cmp, reqID, v, n.Handle+"#del", n.Del)
	if err != nil {
		return false, err
	}
	return lt, nil
}

/*
VisibleProperty returns the value visible for key at V, and whether
one exists, per spec.md §3's visibility rule (creation <= V < deletion).
reqID identifies the read event for Kronos memoization.
*/
func (n *Node) VisibleProperty(cmp *vclock.Comparator, reqID, key string, v *vclock.Clock) (string, bool, error) {
	records := n.Properties[key]

	for i, rec := range records {
		recID := n.Handle + "#" + key + "#" + strconv.Itoa(i)

		le, err := vclock.LessEq(cmp, recID+"#c", rec.Create, reqID, v)
		if err != nil {
			return "", false, err
		}
		if !le {
			continue
		}

		if rec.Del == nil {
			return rec.Value, true, nil
		}

		lt, err := vclock.EarlierOf(cmp, reqID, v, recID+"#d", rec.Del)
		if err != nil {
			return "", false, err
		}
		if lt {
			return rec.Value, true, nil
		}
	}

	return "", false, nil
}

/*
SetProperty appends a new record for key under V and closes out any
prior live record for the same key, per spec.md §4.1:
"an older record with the same key gets its del-vclock set to V".
*/
func (n *Node) SetProperty(key, value string, v *vclock.Clock) {
	for _, rec := range n.Properties[key] {
		if rec.Del == nil {
			rec.Del = v
		}
	}
	n.Properties[key] = append(n.Properties[key], &Property{Value: value, Create: v})
}
