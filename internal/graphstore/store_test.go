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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krotik/weaver/internal/kronos"
	"github.com/krotik/weaver/internal/vclock"
	"github.com/krotik/weaver/internal/wire"
)

func testComparator() *vclock.Comparator {
	return vclock.NewComparator(kronos.NewFakeClient(), 0)
}

func TestCreateNodeAlreadyExists(t *testing.T) {
	s := New(0)
	cmp := testComparator()

	v1 := vclock.New(1)
	require.NoError(t, s.CreateNode(cmp, "r1", "a", v1))

	err := s.CreateNode(cmp, "r2", "a", v1.Bump(0))
	require.Error(t, err)

	gerr, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, ErrAlreadyExists, gerr.Type)
}

func TestCreateNodeAfterTombstoneSucceeds(t *testing.T) {
	s := New(0)
	cmp := testComparator()

	v1 := vclock.New(1)
	require.NoError(t, s.CreateNode(cmp, "r1", "a", v1))

	n := s.AcquireNode("a")
	require.NotNil(t, n)
	v2 := v1.Bump(0)
	n.Del = v2
	s.ReleaseNode(n)

	v3 := v2.Bump(0)
	assert.NoError(t, s.CreateNode(cmp, "r3", "a", v3))
}

func TestDeleteTombstoneVisibility(t *testing.T) {
	s := New(0)
	cmp := testComparator()

	v1 := vclock.New(1)
	require.NoError(t, s.CreateNode(cmp, "r1", "a", v1))

	v2 := v1.Bump(0)
	err := s.DeleteNode("a", v2, wire.PendingUpdate{Type: wire.NodeDelete, Handle: "a"}, 1)
	require.NoError(t, err)

	n := s.AcquireNode("a")
	require.NotNil(t, n)
	defer s.ReleaseNode(n)

	aliveAtV1, err := n.IsAliveAt(cmp, "read1", v1)
	require.NoError(t, err)
	assert.True(t, aliveAtV1, "node should be visible before its delete vclock")

	aliveAtV2, err := n.IsAliveAt(cmp, "read2", v2)
	require.NoError(t, err)
	assert.False(t, aliveAtV2, "node should not be visible at or after its delete vclock")
}

func TestSetPropertyVisibility(t *testing.T) {
	s := New(0)
	cmp := testComparator()

	v1 := vclock.New(1)
	require.NoError(t, s.CreateNode(cmp, "r1", "a", v1))

	v2 := v1.Bump(0)
	require.NoError(t, s.SetProperty("a", "K", "V", v2, wire.PendingUpdate{}, 1))

	n := s.AcquireNode("a")
	require.NotNil(t, n)
	defer s.ReleaseNode(n)

	_, found, err := n.VisibleProperty(cmp, "read1", "K", v1)
	require.NoError(t, err)
	assert.False(t, found, "property must not be visible before it was set")

	val, found, err := n.VisibleProperty(cmp, "read2", "K", v2)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "V", val)
}

func TestCreateEdgeBuffersWhenInTransit(t *testing.T) {
	s := New(0)
	cmp := testComparator()

	v1 := vclock.New(1)
	require.NoError(t, s.CreateNode(cmp, "r1", "a", v1))
	require.NoError(t, s.CreateNode(cmp, "r2", "b", v1))

	n := s.AcquireNode("a")
	n.State = InTransit
	s.ReleaseNode(n)

	u := wire.PendingUpdate{Type: wire.EdgeCreate, Handle: "e1", Handle1: "a", Handle2: "b"}
	err := s.CreateEdge("e1", "a", wire.Location{Shard: 0, Handle: "b"}, v1.Bump(0), u, 1)
	assert.ErrorIs(t, err, ErrDeferred)

	n = s.AcquireNode("a")
	defer s.ReleaseNode(n)
	require.Len(t, n.DeferredWrites, 1)
	assert.Equal(t, u, n.DeferredWrites[0].Update)
}

func TestSetPropertyBuffersAtShardLevelWhenHandleAbsent(t *testing.T) {
	s := New(0)

	v1 := vclock.New(1)
	u := wire.PendingUpdate{Type: wire.NodeSetProp, Handle: "ghost", Key: "K", Value: "V"}

	err := s.SetProperty("ghost", "K", "V", v1, u, 1)
	assert.ErrorIs(t, err, ErrDeferred)

	drained := s.DrainWrites("ghost")
	require.Len(t, drained, 1)
	assert.Equal(t, u, drained[0].Update)

	assert.Empty(t, s.DrainWrites("ghost"), "DrainWrites empties the buffer")
}

func TestCreateEdgeBuffersAtShardLevelWhenSourceAbsent(t *testing.T) {
	s := New(0)

	v1 := vclock.New(1)
	u := wire.PendingUpdate{Type: wire.EdgeCreate, Handle: "e1", Handle1: "missing", Handle2: "b"}

	err := s.CreateEdge("e1", "missing", wire.Location{Shard: 0, Handle: "b"}, v1, u, 1)
	assert.ErrorIs(t, err, ErrDeferred)

	drained := s.DrainWrites("missing")
	require.Len(t, drained, 1)
	assert.Equal(t, u, drained[0].Update)
}

func TestEdgeIndexTracksLocalNeighbors(t *testing.T) {
	s := New(0)
	cmp := testComparator()

	v1 := vclock.New(1)
	require.NoError(t, s.CreateNode(cmp, "r1", "a", v1))
	require.NoError(t, s.CreateNode(cmp, "r2", "b", v1))

	u := wire.PendingUpdate{Type: wire.EdgeCreate, Handle: "e1", Handle1: "a", Handle2: "b"}
	require.NoError(t, s.CreateEdge("e1", "a", wire.Location{Shard: 0, Handle: "b"}, v1.Bump(0), u, 1))

	assert.ElementsMatch(t, []string{"a"}, s.SourcesOf("b"))
}
