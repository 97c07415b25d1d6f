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
Package graphstore is the shard's in-memory graph engine (C1): a
node-handle -> Node map guarded by a coarse directory lock for
insert/remove and a per-node lock for mutation, plus a secondary edge
index used by migration to rewrite neighbor pointers in O(degree).
Generalized from graph/graphmanager_nodes.go's HTree-backed Manager -
Weaver's Non-goals exclude node-payload durability, so the disk-backed
storage layer is dropped in favor of plain maps, but the RWMutex
directory lock plus per-node lock shape is kept verbatim.
*/
package graphstore

import (
	"log"
	"sync"

	"github.com/krotik/common/errorutil"

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
Store is one shard's graph store.
*/
type Store struct {
	ShardID uint64

	dirMutex sync.RWMutex
	nodes    map[string]*Node

	// edgeMu guards edgeIndex independently of dirMutex/per-node locks,
	// since CreateEdge indexes a neighbor while already holding
	// the source node's own lock and must not also take dirMutex there
	// (that would invert the canonical directory-then-node order).
	edgeMu sync.Mutex

	// edgeIndex maps a neighbor handle - local or remote - to the set of
	// local source-node handles holding an edge to it, letting
	// migration rewrite neighbor pointers in O(degree) rather than
	// scanning every node (spec.md §4.1, §4.6). DeleteEdge does not
	// unindex, so a tombstoned edge's source stays listed until
	// RemoveFromIndex runs for that source.
	edgeIndex map[string]map[string]bool

	// deferredMu guards deferredWrites, a shard-level buffer keyed by
	// handle rather than by node: NameMap rebinds h to this shard at
	// migration step 1, so writes for h start arriving here well before
	// step 2 resp installs h locally, and there is no Node object yet
	// to hold a per-node DeferredWrites slice. Ground truth:
	// db/shard.cc's deferred_writes map, drained by migration.Install.
	deferredMu     sync.Mutex
	deferredWrites map[string][]DeferredWrite
}

func New(shardID uint64) *Store {
	return &Store{
		ShardID:        shardID,
		nodes:          make(map[string]*Node),
		edgeIndex:      make(map[string]map[string]bool),
		deferredWrites: make(map[string][]DeferredWrite),
	}
}

/*
bufferWrite queues a write for a handle not yet present on this shard -
either it never existed here, or (far more likely, given NameMap
already routed the write here) it is inbound via migration and Install
has not run yet. Drained by DrainWrites once Install creates the node.
*/
func (s *Store) bufferWrite(handle string, dw DeferredWrite) {
	s.deferredMu.Lock()
	defer s.deferredMu.Unlock()
	s.deferredWrites[handle] = append(s.deferredWrites[handle], dw)
}

/*
DrainWrites removes and returns every write buffered for handle at the
shard level (migration step 2 resp, before the node-carried
DeferredWrites are replayed).
*/
func (s *Store) DrainWrites(handle string) []DeferredWrite {
	s.deferredMu.Lock()
	defer s.deferredMu.Unlock()

	ws := s.deferredWrites[handle]
	delete(s.deferredWrites, handle)
	return ws
}

/*
acquireExisting looks a node up under the directory read lock and
returns it still unlocked - callers must Lock() it themselves,
following the canonical directory-then-node order (spec.md §5).
*/
func (s *Store) acquireExisting(handle string) *Node {
	s.dirMutex.RLock()
	defer s.dirMutex.RUnlock()
	return s.nodes[handle]
}

/*
AcquireNode looks up and locks a node's per-node lock, releasing the
directory lock first so it is never held across a wait on a per-node
lock (spec.md §4.1, §5).
*/
func (s *Store) AcquireNode(handle string) *Node {
	n := s.acquireExisting(handle)
	if n == nil {
		return nil
	}
	n.Lock()
	return n
}

/*
ReleaseNode releases a node acquired via AcquireNode. Scoped
acquisition with guaranteed release belongs at the call site via
defer; this helper exists so every call site spells release the same
way.
*/
func (s *Store) ReleaseNode(n *Node) {
	if n != nil {
		n.Unlock()
	}
}

/*
CreateNode creates a new node under vclock v. Fails with
ErrAlreadyExists if the handle is present and alive at v.
*/
func (s *Store) CreateNode(cmp *vclock.Comparator, reqID, handle string, v *vclock.Clock) error {
	s.dirMutex.Lock()
	defer s.dirMutex.Unlock()

	if existing, ok := s.nodes[handle]; ok {
		existing.Lock()
		alive, err := existing.IsAliveAt(cmp, reqID, v)
		existing.Unlock()
		if err != nil {
			return err
		}
		if alive {
			return &Error{Type: ErrAlreadyExists, Detail: handle}
		}
	}

	s.nodes[handle] = newNode(handle, v)
	return nil
}

/*
DeleteNode logically deletes a node by stamping its tombstone, or
buffers the delete if the node is IN_TRANSIT/MOVED, or - not yet
present locally at all, most likely inbound via migration - at the
shard level (spec.md §4.1, §4.6).
*/
func (s *Store) DeleteNode(handle string, v *vclock.Clock, u wire.PendingUpdate, txID uint64) error {
	n := s.AcquireNode(handle)
	if n == nil {
		s.bufferWrite(handle, DeferredWrite{Update: u, Vclock: v, TxID: txID})
		return ErrDeferred
	}
	defer s.ReleaseNode(n)

	if n.Del != nil {
		return &Error{Type: ErrNodeNotFound, Detail: handle}
	}

	if n.State != Stable {
		n.DeferredWrites = append(n.DeferredWrites, DeferredWrite{Update: u, Vclock: v, TxID: txID})
		return ErrDeferred
	}

	n.Del = v
	n.Updated = true
	return nil
}

/*
SetProperty appends a property record on a node, or buffers the write
if the node is migrating or not yet present locally (spec.md §4.6).
*/
func (s *Store) SetProperty(handle, key, value string, v *vclock.Clock, u wire.PendingUpdate, txID uint64) error {
	n := s.AcquireNode(handle)
	if n == nil {
		s.bufferWrite(handle, DeferredWrite{Update: u, Vclock: v, TxID: txID})
		return ErrDeferred
	}
	defer s.ReleaseNode(n)

	if n.Del != nil {
		return &Error{Type: ErrNodeNotFound, Detail: handle}
	}

	if n.State != Stable {
		n.DeferredWrites = append(n.DeferredWrites, DeferredWrite{Update: u, Vclock: v, TxID: txID})
		return ErrDeferred
	}

	n.SetProperty(key, value, v)
	n.Updated = true
	return nil
}

/*
CreateEdge acquires the source node's lock and adds an edge to it, or
buffers the write if the source is migrating or not yet present
locally (spec.md §4.1, §4.6).
*/
func (s *Store) CreateEdge(edgeHandle, srcHandle string, neighbor wire.Location, v *vclock.Clock, u wire.PendingUpdate, txID uint64) error {
	n := s.AcquireNode(srcHandle)
	if n == nil {
		s.bufferWrite(srcHandle, DeferredWrite{Update: u, Vclock: v, TxID: txID})
		return ErrDeferred
	}
	defer s.ReleaseNode(n)

	if n.Del != nil {
		return &Error{Type: ErrNodeNotFound, Detail: srcHandle}
	}

	if n.State != Stable {
		n.DeferredWrites = append(n.DeferredWrites, DeferredWrite{Update: u, Vclock: v, TxID: txID})
		return ErrDeferred
	}

	errorutil.AssertTrue(n.OutEdges[edgeHandle] == nil, "edge handle collision on live node")

	n.OutEdges[edgeHandle] = newEdge(edgeHandle, srcHandle, neighbor, v)
	n.Updated = true

	s.indexEdge(neighbor.Handle, srcHandle)

	return nil
}

/*
DeleteEdge tombstones an edge owned by srcHandle, or buffers the write
if srcHandle is migrating or not yet present locally.
*/
func (s *Store) DeleteEdge(edgeHandle, srcHandle string, v *vclock.Clock, u wire.PendingUpdate, txID uint64) error {
	n := s.AcquireNode(srcHandle)
	if n == nil {
		s.bufferWrite(srcHandle, DeferredWrite{Update: u, Vclock: v, TxID: txID})
		return ErrDeferred
	}
	defer s.ReleaseNode(n)

	if n.Del != nil {
		return &Error{Type: ErrNodeNotFound, Detail: srcHandle}
	}

	if n.State != Stable {
		n.DeferredWrites = append(n.DeferredWrites, DeferredWrite{Update: u, Vclock: v, TxID: txID})
		return ErrDeferred
	}

	e, ok := n.OutEdges[edgeHandle]
	if !ok || e.Del != nil {
		return &Error{Type: ErrEdgeNotFound, Detail: edgeHandle}
	}

	e.Del = v
	n.Updated = true
	return nil
}

/*
SetEdgeProperty mirrors SetProperty for an edge.
*/
func (s *Store) SetEdgeProperty(edgeHandle, srcHandle, key, value string, v *vclock.Clock, u wire.PendingUpdate, txID uint64) error {
	n := s.AcquireNode(srcHandle)
	if n == nil {
		s.bufferWrite(srcHandle, DeferredWrite{Update: u, Vclock: v, TxID: txID})
		return ErrDeferred
	}
	defer s.ReleaseNode(n)

	if n.Del != nil {
		return &Error{Type: ErrNodeNotFound, Detail: srcHandle}
	}

	if n.State != Stable {
		n.DeferredWrites = append(n.DeferredWrites, DeferredWrite{Update: u, Vclock: v, TxID: txID})
		return ErrDeferred
	}

	e, ok := n.OutEdges[edgeHandle]
	if !ok || e.Del != nil {
		return &Error{Type: ErrEdgeNotFound, Detail: edgeHandle}
	}

	e.SetProperty(key, value, v)
	n.Updated = true
	return nil
}

func (s *Store) indexEdge(neighbor, src string) {
	s.edgeMu.Lock()
	defer s.edgeMu.Unlock()

	set, ok := s.edgeIndex[neighbor]
	if !ok {
		set = make(map[string]bool)
		s.edgeIndex[neighbor] = set
	}
	set[src] = true
}

func (s *Store) unindexEdge(neighbor, src string) {
	s.edgeMu.Lock()
	defer s.edgeMu.Unlock()

	if set, ok := s.edgeIndex[neighbor]; ok {
		delete(set, src)
		if len(set) == 0 {
			delete(s.edgeIndex, neighbor)
		}
	}
}

/*
SourcesOf returns the local node handles indexed as holding an edge
(live or tombstoned) to neighbor - local or remote - used by migration
to rewrite
neighbor.shard in O(degree) (spec.md §4.6: peers "rewrite their edge
index and each edge's neighbor.shard").
*/
func (s *Store) SourcesOf(neighbor string) []string {
	s.edgeMu.Lock()
	defer s.edgeMu.Unlock()

	set, ok := s.edgeIndex[neighbor]
	if !ok {
		return nil
	}

	out := make([]string, 0, len(set))
	for h := range set {
		out = append(out, h)
	}
	return out
}

/*
RemoveFromIndex removes every local edge index entry for n's
out-edges. Migration calls it from Freeze (step 1), once n is
IN_TRANSIT. It returns nothing.
*/
func (s *Store) RemoveFromIndex(n *Node) {
	for _, e := range n.OutEdges {
		s.unindexEdge(e.Neighbor.Handle, n.Handle)
	}
}

/*
Directory returns node handles currently present (any state), used by
global node-program fan-out (spec.md §4.5) and node counting.
*/
func (s *Store) Directory() []string {
	s.dirMutex.RLock()
	defer s.dirMutex.RUnlock()

	out := make([]string, 0, len(s.nodes))
	for h := range s.nodes {
		out = append(out, h)
	}
	return out
}

/*
Insert registers a brand-new local Node object (used by migration
step 2 resp to install an incoming node, and by graph-file bulk
loaders per spec.md §6).
*/
func (s *Store) Insert(n *Node) {
	s.dirMutex.Lock()
	defer s.dirMutex.Unlock()

	s.nodes[n.Handle] = n

	for _, e := range n.OutEdges {
		s.indexEdge(e.Neighbor.Handle, n.Handle)
	}

	LogDebug("graphstore: shard ", s.ShardID, " installed migrated node ", n.Handle)
}

/*
Remove physically deletes a node from the directory (migration step 3,
or GC after tombstone + program completion per spec.md §3's lifecycle
rule).
*/
func (s *Store) Remove(handle string) {
	s.dirMutex.Lock()
	defer s.dirMutex.Unlock()

	delete(s.nodes, handle)
}

/*
NodeCount returns the number of nodes currently present on this
shard, live or not (used for NODE_COUNT_REPLY, spec.md §6).
*/
func (s *Store) NodeCount() uint64 {
	s.dirMutex.RLock()
	defer s.dirMutex.RUnlock()
	return uint64(len(s.nodes))
}
