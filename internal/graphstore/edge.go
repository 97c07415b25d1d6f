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
	"sync/atomic"

	"github.com/krotik/weaver/internal/vclock"
	"github.com/krotik/weaver/internal/wire"
)

/*
Edge is one graph edge, entirely owned by (and locked with) its source
node. Neighbor is a (shard, handle) value - spec.md §9's redesign note
forbids pointers crossing a network boundary.
*/
type Edge struct {
	Handle string
	Src    string

	Create *vclock.Clock
	Del    *vclock.Clock

	Neighbor wire.Location

	Properties map[string][]*Property

	// TraversalCount counts calls to Traverse. CLDG scoring does not
	// read it; it scores on Node.MsgCount.
	TraversalCount uint64
}

func newEdge(handle, src string, neighbor wire.Location, v *vclock.Clock) *Edge {
	return &Edge{
		Handle:     handle,
		Src:        src,
		Create:     v,
		Neighbor:   neighbor,
		Properties: make(map[string][]*Property),
	}
}

/*
IsAliveAt mirrors Node.IsAliveAt for an edge's own lifetime.
*/
func (e *Edge) IsAliveAt(cmp *vclock.Comparator, reqID string, v *vclock.Clock) (bool, error) {
	le, err := vclock.LessEq(cmp, e.Handle+"#create", e.Create, reqID, v)
	if err != nil || !le {
		return false, err
	}

	if e.Del == nil {
		return true, nil
	}

	lt, err := vclock.EarlierOf(cmp, reqID, v, e.Handle+"#del", e.Del)
	if err != nil {
		return false, err
	}
	return lt, nil
}

/*
Traverse bumps the traversal counter atomically. The node-program
runtime does not call it when it walks an edge, and the counter does
not feed the msg_count signal.
*/
func (e *Edge) Traverse() {
	atomic.AddUint64(&e.TraversalCount, 1)
}

/*
SetProperty mirrors Node.SetProperty.
*/
func (e *Edge) SetProperty(key, value string, v *vclock.Clock) {
	for _, rec := range e.Properties[key] {
		if rec.Del == nil {
			rec.Del = v
		}
	}
	e.Properties[key] = append(e.Properties[key], &Property{Value: value, Create: v})
}
