/*
 * Weaver
 *
 * Copyright 2016 Matthias Ladkau. All rights reserved.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package shard

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krotik/weaver/internal/applier"
	"github.com/krotik/weaver/internal/graphstore"
	"github.com/krotik/weaver/internal/kronos"
	"github.com/krotik/weaver/internal/migration"
	"github.com/krotik/weaver/internal/nodeprog"
	"github.com/krotik/weaver/internal/nop"
	"github.com/krotik/weaver/internal/scheduler"
	"github.com/krotik/weaver/internal/vclock"
	"github.com/krotik/weaver/internal/wire"
)

type fakeNameMap struct{}

func (fakeNameMap) Rebind(handle string, newShard uint64) error { return nil }

type fakeMigrationTransport struct {
	mu        sync.Mutex
	acks      []wire.MigratedNbrAck
	forwards  []wire.MigrationToken
	fwdShards []uint64
	returned  []wire.MigrationToken
	returnVTs []int
}

func (f *fakeMigrationTransport) SendMigrateNode(shard uint64, msg wire.MigrateSendNode) error {
	return nil
}

func (f *fakeMigrationTransport) BroadcastNbrUpdate(msg wire.MigratedNbrUpdate, peers []uint64) error {
	return nil
}

func (f *fakeMigrationTransport) SendNbrAck(shard uint64, msg wire.MigratedNbrAck) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acks = append(f.acks, msg)
	return nil
}

func (f *fakeMigrationTransport) ForwardToken(shard uint64, msg wire.MigrationToken) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fwdShards = append(f.fwdShards, shard)
	f.forwards = append(f.forwards, msg)
	return nil
}

func (f *fakeMigrationTransport) ReturnToken(vt int, msg wire.MigrationToken) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.returnVTs = append(f.returnVTs, vt)
	f.returned = append(f.returned, msg)
	return nil
}

type fakeProgTransport struct {
	mu      sync.Mutex
	forward []wire.NodeProg
	returns []wire.NodeProgReturn
	fails   []wire.NodeProgFail
}

func (f *fakeProgTransport) ForwardProg(shard uint64, msg wire.NodeProg) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forward = append(f.forward, msg)
	return nil
}

func (f *fakeProgTransport) ReturnToVT(vt int, msg wire.NodeProgReturn) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.returns = append(f.returns, msg)
	return nil
}

func (f *fakeProgTransport) FailToVT(vt int, msg wire.NodeProgFail) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fails = append(f.fails, msg)
	return nil
}

func (f *fakeProgTransport) returnCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.returns)
}

type echoProgram struct{}

func (echoProgram) Run(n *graphstore.Node, params map[string]interface{}, state nodeprog.StateAccess, vreq *vclock.Clock) ([]nodeprog.OutHop, error) {
	return []nodeprog.OutHop{nodeprog.ToVT(map[string]interface{}{"handle": n.Handle})}, nil
}

// newTestShard wires a single-VT, no-migration shard around a fresh
// store, mirroring the smallest legal deployment.
func newTestShard(t *testing.T) (*Shard, *graphstore.Store, *vclock.Comparator, *fakeProgTransport) {
	t.Helper()

	store := graphstore.New(0)
	cmp := vclock.NewComparator(kronos.NewFakeClient(), 0)
	sch := scheduler.New(1)
	app := applier.New(store, cmp)

	pt := &fakeProgTransport{}
	reg := nodeprog.NewRegistry()
	reg.Register("echo", echoProgram{})
	rt := nodeprog.NewRuntime(0, func() uint32 { return 1 }, store, reg, pt, sch, cmp, 0)

	nh := nop.NewShardHandler(sch, nil, 8)

	sh := New(0, 1, []uint64{0}, store, sch, app, rt, nil, nh, &fakeMigrationTransport{})
	sh.Start()
	t.Cleanup(sh.Stop)

	return sh, store, cmp, pt
}

func TestTxInitCreatesNodeAndReturnsOK(t *testing.T) {
	sh, store, _, _ := newTestShard(t)

	v := vclock.New(1).Bump(0)
	done := sh.TxInit(wire.TxInit{
		TxID: 1, VT: 0, Vclock: v, QTS: 1,
		Updates: []wire.PendingUpdate{{Type: wire.NodeCreate, Handle: "a"}},
	})

	assert.Equal(t, wire.TxOK, done.Status)
	require.NotNil(t, store.AcquireNode("a"))
}

func TestTxInitAppliesInQTSOrderEvenWhenPushedOutOfOrder(t *testing.T) {
	sh, store, cmp, _ := newTestShard(t)

	v1 := vclock.New(1).Bump(0)
	v2 := v1.Bump(0)

	// Push qts 2 first; PopWrite must hold it back until qts 1 lands.
	doneCh2 := make(chan wire.TxDone, 1)
	go func() {
		doneCh2 <- sh.TxInit(wire.TxInit{
			TxID: 2, VT: 0, Vclock: v2, QTS: 2,
			Updates: []wire.PendingUpdate{{Type: wire.NodeSetProp, Handle: "a", Key: "k", Value: "v2"}},
		})
	}()

	time.Sleep(20 * time.Millisecond)
	select {
	case <-doneCh2:
		t.Fatal("qts 2 must not apply before qts 1")
	default:
	}

	done1 := sh.TxInit(wire.TxInit{
		TxID: 1, VT: 0, Vclock: v1, QTS: 1,
		Updates: []wire.PendingUpdate{{Type: wire.NodeCreate, Handle: "a"}},
	})
	assert.Equal(t, wire.TxOK, done1.Status)

	done2 := <-doneCh2
	assert.Equal(t, wire.TxOK, done2.Status)

	n := store.AcquireNode("a")
	require.NotNil(t, n)
	val, ok, err := n.VisibleProperty(cmp, "read1", "k", v2)
	store.ReleaseNode(n)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v2", val)
}

func TestNodeProgWaitsForReadFrontierBeforeDispatch(t *testing.T) {
	sh, store, cmp, pt := newTestShard(t)

	v := vclock.New(1).Bump(0)
	require.NoError(t, store.CreateNode(cmp, "r1", "a", v))

	sh.NodeProg(wire.NodeProg{ProgType: "echo", VT: 0, Vclock: v, ReqID: "req-1", Hops: []wire.ProgHop{{Handle: "a"}}})

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, pt.returnCount(), "must not dispatch before the read frontier clears v")

	sh.Nop(wire.VTNop{VT: 0, Vclock: v})

	require.Eventually(t, func() bool { return pt.returnCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestMigratedNbrUpdateFiresAckBackToOriginShard(t *testing.T) {
	store := graphstore.New(1)
	cmp := vclock.NewComparator(kronos.NewFakeClient(), 0)
	sch := scheduler.New(1)
	app := applier.New(store, cmp)
	reg := nodeprog.NewRegistry()
	pt := &fakeProgTransport{}
	rt := nodeprog.NewRuntime(1, func() uint32 { return 2 }, store, reg, pt, sch, cmp, 0)

	v := vclock.New(1).Bump(0)
	require.NoError(t, store.CreateNode(cmp, "r1", "b", v))
	n := store.AcquireNode("b")
	store.ReleaseNode(n)
	require.NoError(t, store.CreateEdge("e1", "b", wire.Location{Shard: 0, Handle: "a"}, v, wire.PendingUpdate{}, 1))

	mig := migration.NewEngine(1, store, fakeNameMap{}, &fakeMigrationTransport{}, 1, func() uint32 { return 2 }, 100, migration.CLDG, nil, []uint64{0})
	nh := nop.NewShardHandler(sch, mig, 8)
	tr := &fakeMigrationTransport{}

	sh := New(1, 1, []uint64{0}, store, sch, app, rt, mig, nh, tr)
	sh.Start()
	t.Cleanup(sh.Stop)

	ack := sh.MigratedNbrUpdate(wire.MigratedNbrUpdate{Handle: "a", OldShard: 0, NewShard: 2})
	assert.Equal(t, "a", ack.Handle)

	require.Eventually(t, func() bool {
		tr.mu.Lock()
		defer tr.mu.Unlock()
		return len(tr.acks) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestMigrationTokenForwardsToNextShardInRing(t *testing.T) {
	sh, _, _, _ := newTestShard(t)
	tr := sh.Transport.(*fakeMigrationTransport)

	err := sh.MigrationToken(wire.MigrationToken{Epoch: 1, Hops: 3, Ring: []uint64{0, 7, 9}})
	require.NoError(t, err)

	require.Len(t, tr.fwdShards, 1)
	assert.Equal(t, uint64(7), tr.fwdShards[0])
	assert.Equal(t, 2, tr.forwards[0].Hops, "forwarding decrements the hop counter")
	assert.Empty(t, tr.returned)
}

func TestMigrationTokenReturnsToVTWhenHopsReachZero(t *testing.T) {
	sh, _, _, _ := newTestShard(t)
	tr := sh.Transport.(*fakeMigrationTransport)

	err := sh.MigrationToken(wire.MigrationToken{Epoch: 1, Hops: 1, Ring: []uint64{0, 7, 9}, VT: 2})
	require.NoError(t, err)

	assert.Empty(t, tr.fwdShards, "a spent token does not hop again")
	require.Len(t, tr.returned, 1)
	assert.Equal(t, 2, tr.returnVTs[0])
	assert.Equal(t, 0, tr.returned[0].Hops)
}

func TestMigrationTokenDoesNotForwardOnSingleMemberRing(t *testing.T) {
	sh, _, _, _ := newTestShard(t)
	tr := sh.Transport.(*fakeMigrationTransport)

	require.NoError(t, sh.MigrationToken(wire.MigrationToken{Hops: 5, Ring: []uint64{0}, VT: 1}))
	assert.Empty(t, tr.fwdShards)
	require.Len(t, tr.returned, 1, "a single-member ring returns the token immediately instead of looping to itself")
}

func TestMigratedNbrAckForgetsHandleOnceEveryPeerAcked(t *testing.T) {
	store := graphstore.New(2)
	mig := migration.NewEngine(2, store, fakeNameMap{}, &fakeMigrationTransport{}, 1, func() uint32 { return 3 }, 100, migration.CLDG, nil, []uint64{0, 1})
	sch := scheduler.New(1)
	nh := nop.NewShardHandler(sch, mig, 8)
	app := applier.New(store, vclock.NewComparator(kronos.NewFakeClient(), 0))
	reg := nodeprog.NewRegistry()
	rt := nodeprog.NewRuntime(2, func() uint32 { return 3 }, store, reg, &fakeProgTransport{}, sch, nil, 0)

	sh := New(2, 1, []uint64{0, 1}, store, sch, app, rt, mig, nh, &fakeMigrationTransport{})
	sh.Start()
	t.Cleanup(sh.Stop)

	require.False(t, mig.RecordAck(wire.MigratedNbrAck{Handle: "z", FromShard: 0}, []uint64{0, 1}))

	err := sh.MigratedNbrAck(wire.MigratedNbrAck{Handle: "z", FromShard: 1})
	require.NoError(t, err)

	// Forget dropped z's ack set, so a lone ack from shard 0 starts a new
	// set and no longer completes it.
	assert.False(t, mig.RecordAck(wire.MigratedNbrAck{Handle: "z", FromShard: 0}, []uint64{0, 1}))
}
