/*
 * Weaver
 *
 * Copyright 2016 Matthias Ladkau. All rights reserved.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package vt

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krotik/weaver/internal/wire"
)

type fakeRouter struct {
	mu        sync.Mutex
	table     map[string]uint64
	rebindErr error
	lookupErr map[string]error
}

func newFakeRouter() *fakeRouter {
	return &fakeRouter{table: make(map[string]uint64), lookupErr: make(map[string]error)}
}

func (r *fakeRouter) Lookup(handle string) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err, ok := r.lookupErr[handle]; ok {
		return 0, err
	}
	shard, ok := r.table[handle]
	if !ok {
		return 0, fmt.Errorf("vt: unknown handle %v", handle)
	}
	return shard, nil
}

func (r *fakeRouter) Rebind(handle string, shard uint64) error {
	if r.rebindErr != nil {
		return r.rebindErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.table[handle] = shard
	return nil
}

type fakeShardTransport struct {
	mu       sync.Mutex
	txInits  []wire.TxInit
	fwdProgs []struct {
		shard uint64
		msg   wire.NodeProg
	}

	txResponder func(shard uint64, msg wire.TxInit) (wire.TxDone, error)
	fwdErr      map[uint64]error

	nodeCounts map[uint64]uint64
	tokens     []wire.MigrationToken
}

func (f *fakeShardTransport) NodeCount(shard uint64) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nodeCounts[shard], nil
}

func (f *fakeShardTransport) SendMigrationToken(shard uint64, msg wire.MigrationToken) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens = append(f.tokens, msg)
	return nil
}

func newFakeShardTransport() *fakeShardTransport {
	return &fakeShardTransport{fwdErr: make(map[uint64]error)}
}

func (f *fakeShardTransport) SendTxInit(shard uint64, msg wire.TxInit) (wire.TxDone, error) {
	f.mu.Lock()
	f.txInits = append(f.txInits, msg)
	responder := f.txResponder
	f.mu.Unlock()

	if responder != nil {
		return responder(shard, msg)
	}
	return wire.TxDone{TxID: msg.TxID, Shard: shard, Status: wire.TxOK}, nil
}

func (f *fakeShardTransport) ForwardProg(shard uint64, msg wire.NodeProg) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fwdProgs = append(f.fwdProgs, struct {
		shard uint64
		msg   wire.NodeProg
	}{shard, msg})
	return f.fwdErr[shard]
}

type fakeClientSession struct {
	mu      sync.Mutex
	results []wire.ClientTxResult
	returns []wire.NodeProgReturn
	fails   []wire.NodeProgFail
	counts  []wire.NodeCountReply
}

func (s *fakeClientSession) TxResult(res wire.ClientTxResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, res)
}

func (s *fakeClientSession) NodeProgReturn(msg wire.NodeProgReturn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.returns = append(s.returns, msg)
}

func (s *fakeClientSession) NodeProgFail(msg wire.NodeProgFail) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fails = append(s.fails, msg)
}

func (s *fakeClientSession) NodeCountReply(reply wire.NodeCountReply) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts = append(s.counts, reply)
}

func TestExecuteTxSingleShardSucceeds(t *testing.T) {
	router := newFakeRouter()
	tr := newFakeShardTransport()
	c := NewCoordinator(0, 1, func() uint32 { return 1 }, router, tr)
	session := &fakeClientSession{}

	c.ExecuteTx(session, wire.ClientTxInit{
		TxID: 1,
		Updates: []wire.PendingUpdate{
			{Type: wire.NodeCreate, Handle: "a"},
			{Type: wire.NodeCreate, Handle: "b"},
			{Type: wire.EdgeCreate, Handle: "e", Handle1: "a", Handle2: "b", Loc2: 0},
		},
	})

	require.Len(t, session.results, 1)
	assert.True(t, session.results[0].Success)
	assert.Equal(t, uint64(1), session.results[0].TxID)

	tr.mu.Lock()
	require.Len(t, tr.txInits, 1)
	assert.Len(t, tr.txInits[0].Updates, 3)
	assert.Equal(t, uint64(1), tr.txInits[0].QTS)
	tr.mu.Unlock()
}

func TestExecuteTxRoutesEdgeToSourceHandleShard(t *testing.T) {
	router := newFakeRouter()
	router.table["a"] = 0
	tr := newFakeShardTransport()
	c := NewCoordinator(0, 1, func() uint32 { return 2 }, router, tr)
	session := &fakeClientSession{}

	c.ExecuteTx(session, wire.ClientTxInit{
		TxID: 1,
		Updates: []wire.PendingUpdate{
			{Type: wire.EdgeCreate, Handle: "e", Handle1: "a", Handle2: "b", Loc2: 1},
		},
	})

	require.Len(t, session.results, 1)
	assert.True(t, session.results[0].Success)

	tr.mu.Lock()
	require.Len(t, tr.txInits, 1)
	assert.Equal(t, wire.PendingUpdate{Type: wire.EdgeCreate, Handle: "e", Handle1: "a", Handle2: "b", Loc2: 1}, tr.txInits[0].Updates[0])
	tr.mu.Unlock()
}

func TestExecuteTxAssignsIndependentQTSPerShard(t *testing.T) {
	router := newFakeRouter()
	router.table["a"] = 0
	router.table["b"] = 1
	tr := newFakeShardTransport()
	c := NewCoordinator(0, 1, func() uint32 { return 2 }, router, tr)
	session := &fakeClientSession{}

	c.ExecuteTx(session, wire.ClientTxInit{TxID: 1, Updates: []wire.PendingUpdate{
		{Type: wire.NodeSetProp, Handle: "a", Key: "k", Value: "v1"},
	}})
	c.ExecuteTx(session, wire.ClientTxInit{TxID: 2, Updates: []wire.PendingUpdate{
		{Type: wire.NodeSetProp, Handle: "a", Key: "k", Value: "v2"},
		{Type: wire.NodeSetProp, Handle: "b", Key: "k", Value: "v3"},
	}})

	tr.mu.Lock()
	defer tr.mu.Unlock()
	require.Len(t, tr.txInits, 3)
	// tx 1 touches only shard 0 at qts 1; tx 2 touches shard 0 at qts 2
	// and shard 1 at its own first qts, 1 - shards keep independent
	// sequences (spec.md §4.8: "assigns qts per touched shard").
	qtsSeen := map[uint64]uint64{}
	for _, tx := range tr.txInits {
		for _, u := range tx.Updates {
			if u.Handle == "b" {
				qtsSeen[1] = tx.QTS
			} else {
				qtsSeen[0] = tx.QTS
			}
		}
	}
	assert.Equal(t, uint64(2), qtsSeen[0])
	assert.Equal(t, uint64(1), qtsSeen[1])
}

func TestExecuteTxAbortsOnShardUserError(t *testing.T) {
	router := newFakeRouter()
	tr := newFakeShardTransport()
	tr.txResponder = func(shard uint64, msg wire.TxInit) (wire.TxDone, error) {
		return wire.TxDone{TxID: msg.TxID, Shard: shard, Status: wire.TxUserError, Reason: "boom"}, nil
	}
	c := NewCoordinator(0, 1, func() uint32 { return 1 }, router, tr)
	session := &fakeClientSession{}

	c.ExecuteTx(session, wire.ClientTxInit{TxID: 1, Updates: []wire.PendingUpdate{
		{Type: wire.NodeCreate, Handle: "a"},
	}})

	require.Len(t, session.results, 1)
	assert.False(t, session.results[0].Success)
	assert.Equal(t, "boom", session.results[0].Reason)
}

func TestExecuteTxFailsFastOnRoutingError(t *testing.T) {
	router := newFakeRouter()
	tr := newFakeShardTransport()
	c := NewCoordinator(0, 1, func() uint32 { return 1 }, router, tr)
	session := &fakeClientSession{}

	c.ExecuteTx(session, wire.ClientTxInit{TxID: 1, Updates: []wire.PendingUpdate{
		{Type: wire.NodeSetProp, Handle: "missing", Key: "k", Value: "v"},
	}})

	require.Len(t, session.results, 1)
	assert.False(t, session.results[0].Success)

	tr.mu.Lock()
	assert.Empty(t, tr.txInits)
	tr.mu.Unlock()
}

func TestExecuteNodeProgRoutesStartsByShard(t *testing.T) {
	router := newFakeRouter()
	router.table["a"] = 0
	router.table["b"] = 1
	tr := newFakeShardTransport()
	c := NewCoordinator(0, 1, func() uint32 { return 2 }, router, tr)
	session := &fakeClientSession{}

	c.ExecuteNodeProg(session, wire.ClientNodeProgReq{
		ProgType: "read_n_edges",
		Starts: []wire.ProgStart{
			{Handle: "a"},
			{Handle: "b"},
		},
	})

	tr.mu.Lock()
	defer tr.mu.Unlock()
	require.Len(t, tr.fwdProgs, 2)

	c.progMu.Lock()
	assert.Len(t, c.progClients, 1)
	c.progMu.Unlock()
}

func TestExecuteNodeProgFailsFastOnUnknownHandle(t *testing.T) {
	router := newFakeRouter()
	tr := newFakeShardTransport()
	c := NewCoordinator(0, 1, func() uint32 { return 1 }, router, tr)
	session := &fakeClientSession{}

	c.ExecuteNodeProg(session, wire.ClientNodeProgReq{
		ProgType: "read_n_edges",
		Starts:   []wire.ProgStart{{Handle: "ghost"}},
	})

	require.Len(t, session.fails, 1)

	c.progMu.Lock()
	assert.Empty(t, c.progClients)
	c.progMu.Unlock()
}

func TestNodeProgReturnRelaysToOriginatingSession(t *testing.T) {
	router := newFakeRouter()
	router.table["a"] = 0
	tr := newFakeShardTransport()
	c := NewCoordinator(0, 1, func() uint32 { return 1 }, router, tr)
	session := &fakeClientSession{}

	c.ExecuteNodeProg(session, wire.ClientNodeProgReq{
		ProgType: "read_n_edges",
		Starts:   []wire.ProgStart{{Handle: "a"}},
	})

	tr.mu.Lock()
	reqID := tr.fwdProgs[0].msg.ReqID
	tr.mu.Unlock()

	c.NodeProgReturn(wire.NodeProgReturn{ProgType: "read_n_edges", ReqID: reqID, VTPtr: 0, Params: map[string]interface{}{"a": 1}})

	require.Len(t, session.returns, 1)
	assert.Equal(t, reqID, session.returns[0].ReqID)
}

func TestNodeProgFailRelaysAndForgetsSession(t *testing.T) {
	router := newFakeRouter()
	router.table["a"] = 0
	tr := newFakeShardTransport()
	c := NewCoordinator(0, 1, func() uint32 { return 1 }, router, tr)
	session := &fakeClientSession{}

	c.ExecuteNodeProg(session, wire.ClientNodeProgReq{
		ProgType: "read_n_edges",
		Starts:   []wire.ProgStart{{Handle: "a"}},
	})

	tr.mu.Lock()
	reqID := tr.fwdProgs[0].msg.ReqID
	tr.mu.Unlock()

	c.NodeProgFail(wire.NodeProgFail{ReqID: reqID, Reason: "timeout"})

	require.Len(t, session.fails, 1)

	c.progMu.Lock()
	assert.Empty(t, c.progClients)
	c.progMu.Unlock()
}

func TestQTSWatermarksAndShardsReflectExecutedTx(t *testing.T) {
	router := newFakeRouter()
	tr := newFakeShardTransport()
	c := NewCoordinator(0, 1, func() uint32 { return 1 }, router, tr)
	session := &fakeClientSession{}

	c.ExecuteTx(session, wire.ClientTxInit{TxID: 1, Updates: []wire.PendingUpdate{
		{Type: wire.NodeCreate, Handle: "a"},
	}})

	assert.ElementsMatch(t, []uint64{0}, c.Shards())
	assert.Equal(t, map[uint64]uint64{0: 1}, c.QTSWatermarks())
	require.NotNil(t, c.CurrentVclock())
	assert.Equal(t, uint64(1), c.CurrentVclock().Counters[0])
}

func TestExecuteNodeCountRepliesOnePerShard(t *testing.T) {
	router := newFakeRouter()
	tr := newFakeShardTransport()
	tr.nodeCounts = map[uint64]uint64{0: 3, 1: 5}
	c := NewCoordinator(0, 1, func() uint32 { return 2 }, router, tr)
	session := &fakeClientSession{}

	c.ExecuteNodeCount(session, wire.ClientNodeCount{})

	require.Len(t, session.counts, 1)
	assert.Equal(t, []uint64{3, 5}, session.counts[0].Counts)
}

func TestExecuteStartMigrationSendsTokenToLowestShard(t *testing.T) {
	router := newFakeRouter()
	tr := newFakeShardTransport()
	c := NewCoordinator(5, 1, func() uint32 { return 3 }, router, tr)
	c.ShardIDIncr = 10

	require.NoError(t, c.ExecuteStartMigration())

	require.Len(t, tr.tokens, 1)
	assert.Equal(t, []uint64{10, 11, 12}, tr.tokens[0].Ring)
	assert.Equal(t, 3, tr.tokens[0].Hops, "one hop budget entry per ring member")
	assert.Equal(t, 5, tr.tokens[0].VT, "token is stamped with the minting VT so it can be returned")
}

func TestMigrationTokenReturnIsObserved(t *testing.T) {
	router := newFakeRouter()
	tr := newFakeShardTransport()
	c := NewCoordinator(0, 1, func() uint32 { return 1 }, router, tr)

	require.NotPanics(t, func() {
		c.MigrationTokenReturn(wire.MigrationToken{Epoch: 1, Ring: []uint64{0, 1, 2}})
	})
}
