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
Package applier is the shard's transaction applier (C4): given a
pending tx released by the scheduler at its qts, it mutates the local
graph store under the tx's vclock, one update at a time, and reports
completion back to the originating VT.

Grounded on graph/trans.go's baseTrans, which stages node/edge
store/remove operations and commits them with per-operation error
handling; generalized here from a client-driven "stage then Commit()"
object into a scheduler-driven apply of an already-ordered update list
stamped with a vclock.
*/
package applier

import (
	"log"
	"sort"
	"strconv"
	"sync"

	"github.com/krotik/weaver/internal/graphstore"
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

/*
Error is an applier-level error, same {Type, Detail} shape used
throughout the runtime.
*/
type Error struct {
	Type   error
	Detail string
}

func (e *Error) Error() string { return e.Type.Error() + ": " + e.Detail }

// txKey identifies a transaction uniquely across the whole deployment.
// TxID is minted by the client per wire.ClientTxInit and is therefore
// only unique within its own VT (multiple VTs can hand out the same
// TxID to different clients), so dedup must scope by VT too.
type txKey struct {
	VT   int
	TxID uint64
}

/*
Applier applies transactions to a single shard's graph store.
*/
type Applier struct {
	store *graphstore.Store
	cmp   *vclock.Comparator

	mu            sync.Mutex
	lastCommitted map[int]uint64 // per-VT last-committed qts
	done          map[txKey]bool // completed (VT, tx id) pairs, for idempotence/GC
}

func New(store *graphstore.Store, cmp *vclock.Comparator) *Applier {
	return &Applier{
		store:         store,
		cmp:           cmp,
		lastCommitted: make(map[int]uint64),
		done:          make(map[txKey]bool),
	}
}

/*
Apply mutates the graph store per tx.Updates, in the order given,
acquiring each update's target node under the canonical lock order
(spec.md §4.4 step 2: "acquire their locks in handle-sorted order" -
since every store mutation touches exactly one local node at a time,
sorting the *update list* by primary handle achieves the same
determinism without holding multiple node locks at once).

Atomicity is per-update: one update's failure does not roll back
others already applied, except that property updates on a node that
another update in the same tx just deleted surface as NODE_NOT_FOUND
(spec.md §4.4).
*/
func (a *Applier) Apply(tx wire.TxInit) wire.TxDone {
	key := txKey{VT: tx.VT, TxID: tx.TxID}

	a.mu.Lock()
	alreadyDone := a.done[key]
	a.mu.Unlock()

	if alreadyDone {
		return wire.TxDone{TxID: tx.TxID, Shard: a.store.ShardID, Status: wire.TxOK}
	}

	ordered := make([]wire.PendingUpdate, len(tx.Updates))
	copy(ordered, tx.Updates)
	sort.SliceStable(ordered, func(i, j int) bool {
		return primaryHandle(ordered[i]) < primaryHandle(ordered[j])
	})

	status := wire.TxOK
	reason := ""

	for _, u := range ordered {
		if err := a.applyOne(u, tx.Vclock, tx.VT, tx.TxID); err != nil {
			if err == graphstore.ErrDeferred {
				continue // not a user-visible error, per spec.md §7
			}
			status = wire.TxUserError
			if reason == "" {
				reason = err.Error()
			}
		}
	}

	a.mu.Lock()
	a.lastCommitted[tx.VT] = tx.QTS
	a.done[key] = true
	a.mu.Unlock()

	if status != wire.TxOK {
		LogDebug("applier: tx ", tx.TxID, " failed: ", reason)
	}

	return wire.TxDone{TxID: tx.TxID, Shard: a.store.ShardID, Status: status, Reason: reason}
}

func primaryHandle(u wire.PendingUpdate) string {
	if u.Handle1 != "" {
		return u.Handle1
	}
	return u.Handle
}

func (a *Applier) applyOne(u wire.PendingUpdate, v *vclock.Clock, vt int, txID uint64) error {
	switch u.Type {
	case wire.NodeCreate:
		return a.store.CreateNode(a.cmp, reqIDFor(vt, txID), u.Handle, v)

	case wire.NodeDelete:
		return a.store.DeleteNode(u.Handle, v, u, txID)

	case wire.NodeSetProp:
		return a.store.SetProperty(u.Handle, u.Key, u.Value, v, u, txID)

	case wire.EdgeCreate:
		if u.Handle1 == "" || u.Handle2 == "" {
			return &Error{Type: graphstore.ErrBadParams, Detail: "edge create needs both endpoints"}
		}
		return a.store.CreateEdge(u.Handle, u.Handle1, wire.Location{Shard: u.Loc2, Handle: u.Handle2}, v, u, txID)

	case wire.EdgeDelete:
		return a.store.DeleteEdge(u.Handle, u.Handle1, v, u, txID)

	case wire.EdgeSetProp:
		return a.store.SetEdgeProperty(u.Handle, u.Handle1, u.Key, u.Value, v, u, txID)

	default:
		return &Error{Type: graphstore.ErrBadParams, Detail: "unknown update type"}
	}
}

func reqIDFor(vt int, txID uint64) string {
	// TxID alone is only unique within its minting VT (the same
	// reasoning as the done-map fix above), so the Kronos memoization
	// key for the CreateNode existence check must include vt too.
	return "tx-" + strconv.Itoa(vt) + "-" + strconv.FormatUint(txID, 10)
}

/*
LastCommitted returns the last qts applied for a given VT, or 0 if none
has been applied yet.
*/
func (a *Applier) LastCommitted(vt int) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastCommitted[vt]
}

/*
IsDone reports whether a (vt, tx id) pair has already been applied
(idempotence check for retried TX_INITs).
*/
func (a *Applier) IsDone(vt int, txID uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.done[txKey{VT: vt, TxID: txID}]
}
