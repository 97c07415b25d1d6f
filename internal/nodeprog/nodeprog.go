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
Package nodeprog is the node-program runtime (C5): generic dispatch,
per-hop batching, cross-shard forwarding, and the request-scoped state
cache. A node program is a tagged variant, not a virtual method - the
§9 redesign note replaces "polymorphism over node programs" with "a
registry maps prog_type tags to pack/unpack/run triples"; here the
pack/unpack half collapses to the wire codec's generic
map[string]interface{} params (concrete program bodies - reachability,
clustering, triangle count - are out of scope per spec.md §1), leaving
a registry of prog_type -> Program.Run.

Grounded on graph/rules.go's graphRulesManager, which maps event types
to named Rule handlers the same way this maps prog_type to Program.
*/
package nodeprog

import (
	"sync"

	"github.com/krotik/common/datautil"

	"github.com/krotik/weaver/internal/graphstore"
	"github.com/krotik/weaver/internal/vclock"
	"github.com/krotik/weaver/internal/wire"
)

/*
OutHop is one piece of output a Program produces. A zero Dest (shard 0,
empty handle) means "return this result to the coordinating VT"
instead of hopping again.
*/
type OutHop struct {
	Dest   wire.Location
	Params map[string]interface{}
}

// ToVT builds an OutHop that terminates at the coordinating VT.
func ToVT(params map[string]interface{}) OutHop {
	return OutHop{Params: params}
}

/*
Program is the pure-ish per-hop function spec.md §4.5 describes:
f(node, params, state_getter, V_req) -> list<(remote_node, params')>.
*/
type Program interface {
	Run(node *graphstore.Node, params map[string]interface{}, state StateAccess, vreq *vclock.Clock) ([]OutHop, error)
}

/*
StateAccess lets a Program read/write its own per-(prog_type, req_id,
handle) scratch state without knowing about the cache underneath.
*/
type StateAccess interface {
	Get() (interface{}, bool)
	Set(interface{})
}

/*
Registry maps prog_type tags to Program implementations.
*/
type Registry struct {
	mu    sync.RWMutex
	progs map[string]Program
}

func NewRegistry() *Registry { return &Registry{progs: make(map[string]Program)} }

func (r *Registry) Register(progType string, p Program) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progs[progType] = p
}

func (r *Registry) Lookup(progType string) (Program, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.progs[progType]
	return p, ok
}

/*
Transport is what the node-program runtime needs from the shard's
outbound side: batched per-hop forwarding to peer shards and delivery
back to the originating VT.
*/
type Transport interface {
	ForwardProg(shard uint64, msg wire.NodeProg) error
	ReturnToVT(vt int, msg wire.NodeProgReturn) error
	FailToVT(vt int, msg wire.NodeProgFail) error
}

/*
Canceller reports whether a request id has been cancelled - satisfied
by *scheduler.Scheduler.
*/
type Canceller interface {
	IsDone(reqID string) bool
}

/*
Runtime is the node-program execution engine for one shard.
*/
type Runtime struct {
	ShardID   uint64
	NumShards func() uint32
	Store     *graphstore.Store
	Registry  *Registry
	Transport Transport
	Canceller Canceller
	Cmp       *vclock.Comparator

	// state is the (prog_type, req_id, handle) -> value cache. Entries
	// are created on first touch, read on later visits, and removed one
	// at a time by PurgeState. Nothing in the runtime calls PurgeState,
	// so the cache is bounded only by its MapCache entry limit.
	state *datautil.MapCache

	deferredMu sync.Mutex
	deferred   map[string][]graphstore.DeferredRead
}

func NewRuntime(shardID uint64, numShards func() uint32, store *graphstore.Store, reg *Registry, tr Transport, c Canceller, cmp *vclock.Comparator, maxCacheEntries uint64) *Runtime {
	return &Runtime{
		ShardID:   shardID,
		NumShards: numShards,
		Store:     store,
		Registry:  reg,
		Transport: tr,
		Canceller: c,
		Cmp:       cmp,
		state:     datautil.NewMapCache(maxCacheEntries, 0),
		deferred:  make(map[string][]graphstore.DeferredRead),
	}
}

func stateKey(progType, reqID, handle string) string {
	return progType + "\x00" + reqID + "\x00" + handle
}

type mapCacheState struct {
	cache *datautil.MapCache
	key   string
}

func (s *mapCacheState) Get() (interface{}, bool) { return s.cache.Get(s.key) }
func (s *mapCacheState) Set(v interface{})        { s.cache.Put(s.key, v) }

/*
Dispatch handles one inbound NODE_PROG message: run each hop, batch
resulting output by destination shard, and send one NODE_PROG per
destination for this hop (spec.md §4.5's per-hop batching).
*/
func (rt *Runtime) Dispatch(msg wire.NodeProg) {
	if msg.Global {
		rt.dispatchGlobal(msg)
		return
	}

	prog, ok := rt.Registry.Lookup(msg.ProgType)
	if !ok {
		rt.Transport.FailToVT(msg.VT, wire.NodeProgFail{ReqID: msg.ReqID, Reason: "unknown prog_type " + msg.ProgType})
		return
	}

	byDest := make(map[uint64][]wire.ProgHop)
	resultParams := map[string]interface{}{}
	haveResults := false

	for _, hop := range msg.Hops {
		if rt.Canceller.IsDone(msg.ReqID) {
			return
		}

		n := rt.Store.AcquireNode(hop.Handle)
		if n == nil {
			// Missing locally: may be arriving via migration. Buffer
			// under deferred_reads keyed by handle (spec.md §4.5).
			rt.bufferDeferredRead(hop.Handle, msg, hop)
			continue
		}

		if n.State == graphstore.InTransit || n.State == graphstore.Moved {
			dest := n.NewLoc
			rt.Store.ReleaseNode(n)
			byDest[dest] = append(byDest[dest], hop)
			continue
		}

		alive, err := n.IsAliveAt(rt.Cmp, msg.ReqID, msg.Vclock)
		if err != nil {
			rt.Store.ReleaseNode(n)
			rt.Transport.FailToVT(msg.VT, wire.NodeProgFail{ReqID: msg.ReqID, Reason: err.Error()})
			return
		}
		if !alive {
			// Deleted at V_req: drop this branch silently (spec.md §4.5).
			rt.Store.ReleaseNode(n)
			continue
		}

		sa := &mapCacheState{cache: rt.state, key: stateKey(msg.ProgType, msg.ReqID, hop.Handle)}
		out, err := prog.Run(n, hop.Params, sa, msg.Vclock)
		rt.Store.ReleaseNode(n)

		if err != nil {
			rt.Transport.FailToVT(msg.VT, wire.NodeProgFail{ReqID: msg.ReqID, Reason: err.Error()})
			return
		}

		for _, o := range out {
			if o.Dest.Handle == "" {
				haveResults = true
				resultParams[hop.Handle] = o.Params
				continue
			}
			byDest[o.Dest.Shard] = append(byDest[o.Dest.Shard], wire.ProgHop{Handle: o.Dest.Handle, Params: o.Params, Prev: hop.Handle})
		}
	}

	for dest, hops := range byDest {
		fwd := msg
		fwd.Hops = hops
		rt.Transport.ForwardProg(dest, fwd)
	}

	if haveResults {
		rt.Transport.ReturnToVT(msg.VT, wire.NodeProgReturn{ProgType: msg.ProgType, ReqID: msg.ReqID, VTPtr: rt.ShardID, Params: resultParams})
	}
}

func (rt *Runtime) bufferDeferredRead(handle string, msg wire.NodeProg, hop wire.ProgHop) {
	rt.deferredMu.Lock()
	defer rt.deferredMu.Unlock()
	rt.deferred[handle] = append(rt.deferred[handle], graphstore.DeferredRead{ReqID: msg.ReqID, Prog: msg, Hop: hop})
}

/*
DrainDeferredReads re-dispatches every NODE_PROG hop buffered for
handle, in arrival order, once the node has become STABLE locally
(spec.md §4.6 step 2 resp: "drains deferred_reads[h] (each is a
NODE_PROG re-dispatched locally)").
*/
func (rt *Runtime) DrainDeferredReads(handle string) {
	rt.deferredMu.Lock()
	pending := rt.deferred[handle]
	delete(rt.deferred, handle)
	rt.deferredMu.Unlock()

	for _, dr := range pending {
		single := dr.Prog
		single.Hops = []wire.ProgHop{dr.Hop}
		rt.Dispatch(single)
	}
}

/*
PurgeState removes one entry of cached program state. NOP handling and
migration do not call it; a caller that knows the req_id is complete
everywhere removes the entry with it.
*/
func (rt *Runtime) PurgeState(progType, reqID, handle string) {
	rt.state.Remove(stateKey(progType, reqID, handle))
}

/*
dispatchGlobal fans a global program out across every live node on this
shard, splitting them into roughly equal chunks and re-enqueuing each
chunk as a normal (non-global) NODE_PROG addressed to this same shard,
seeded with the caller's aggregator node (spec.md §4.5).
*/
func (rt *Runtime) dispatchGlobal(msg wire.NodeProg) {
	handles := rt.Store.Directory()

	workers := int(rt.NumShards()) - 1
	if workers < 1 {
		workers = 1
	}

	chunkSize := (len(handles) + workers - 1) / workers
	if chunkSize < 1 {
		chunkSize = 1
	}

	for i := 0; i < len(handles); i += chunkSize {
		end := i + chunkSize
		if end > len(handles) {
			end = len(handles)
		}

		hops := make([]wire.ProgHop, 0, end-i)
		for _, h := range handles[i:end] {
			hops = append(hops, wire.ProgHop{Handle: h})
		}

		chunk := msg
		chunk.Global = false
		chunk.Hops = hops
		chunk.GlobalAggregator = msg.GlobalAggregator

		rt.Dispatch(chunk)
	}
}
