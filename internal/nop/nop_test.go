/*
 * Weaver
 *
 * Copyright 2016 Matthias Ladkau. All rights reserved.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package nop

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krotik/weaver/internal/scheduler"
	"github.com/krotik/weaver/internal/vclock"
	"github.com/krotik/weaver/internal/wire"
)

type fakeNopTransport struct {
	mu   sync.Mutex
	sent []struct {
		shard uint64
		msg   wire.VTNop
	}
}

func (f *fakeNopTransport) SendNop(shard uint64, msg wire.VTNop) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, struct {
		shard uint64
		msg   wire.VTNop
	}{shard, msg})
	return nil
}

func (f *fakeNopTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fixedVTState struct {
	v      *vclock.Clock
	qts    map[uint64]uint64
	done   []string
	max    uint64
	counts map[uint64]uint64
	shards []uint64
}

func (s *fixedVTState) CurrentVclock() *vclock.Clock       { return s.v }
func (s *fixedVTState) QTSWatermarks() map[uint64]uint64   { return s.qts }
func (s *fixedVTState) DrainDoneReqs() []string             { return s.done }
func (s *fixedVTState) MaxDoneID() uint64                   { return s.max }
func (s *fixedVTState) NodeCounts() map[uint64]uint64       { return s.counts }
func (s *fixedVTState) Shards() []uint64                    { return s.shards }

func TestEmitterTickSendsOnePerShard(t *testing.T) {
	tr := &fakeNopTransport{}
	st := &fixedVTState{v: vclock.New(1), qts: map[uint64]uint64{0: 1, 1: 1}, shards: []uint64{0, 1, 2}}
	e := NewEmitter(0, tr, st)

	e.Tick()

	assert.Equal(t, 3, tr.count())
}

func TestEmitterStartStop(t *testing.T) {
	tr := &fakeNopTransport{}
	st := &fixedVTState{v: vclock.New(1), shards: []uint64{0}}
	e := NewEmitter(0, tr, st)
	e.FreqMs = 5

	e.Start()
	time.Sleep(40 * time.Millisecond)
	e.Stop()

	assert.GreaterOrEqual(t, tr.count(), 2)
}

func TestShardHandlerAdvancesFrontierAndMarksDone(t *testing.T) {
	s := scheduler.New(1)
	h := NewShardHandler(s, nil, 16)

	v := vclock.New(1).Bump(0)
	ack := h.Handle(wire.VTNop{VT: 0, Vclock: v, DoneReqs: []string{"req-1"}})

	assert.Equal(t, 0, ack.VT)
	require.NotNil(t, s.Frontier(0))
	assert.True(t, s.IsDone("req-1"))
	assert.Len(t, h.History(), 1)
}
