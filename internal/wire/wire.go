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
Package wire defines the client and inter-shard message shapes from
spec.md §6, plus a gob codec for them. Node/edge identity crosses these
messages as opaque handle strings, never as a pointer or memory
address, per the §9 redesign note "raw memory handles as identifiers".
*/
package wire

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/krotik/weaver/internal/vclock"
)

func init() {
	// Node/edge property values can be arbitrary; register the
	// container type the way graphmanager_nodes.go registers
	// map[string]interface{} for its own gob-encoded attributes.
	gob.Register(map[string]interface{}{})
	gob.Register(&PendingUpdate{})
}

// UpdateType enumerates the six pending-update kinds (spec.md §3).
type UpdateType int

const (
	NodeCreate UpdateType = iota + 1
	EdgeCreate
	NodeDelete
	EdgeDelete
	NodeSetProp
	EdgeSetProp
)

/*
PendingUpdate is one entry of a client tx (spec.md §6's PendingUpdate
record).
*/
type PendingUpdate struct {
	Type    UpdateType
	Handle  string
	Handle1 string
	Handle2 string
	Loc2    uint64
	Key     string
	Value   string
}

// Location identifies a node by the shard that currently owns it and
// its handle - the "(shard-id, node-handle)" pair spec.md §3 uses for
// edge neighbor endpoints, never a pointer.
type Location struct {
	Shard  uint64
	Handle string
}

func (l Location) String() string { return fmt.Sprintf("%d/%s", l.Shard, l.Handle) }

// ---- Client protocol (spec.md §6) ----

type ClientTxInit struct {
	TxID    uint64
	Updates []PendingUpdate
}

type ClientTxResult struct {
	TxID    uint64
	Success bool
	// Reason is set when Success is false and carries the first
	// user-visible error a touched shard reported.
	Reason string
}

type ClientNodeProgReq struct {
	ProgType string
	Starts   []ProgStart
}

type ProgStart struct {
	Handle string
	Params map[string]interface{}
}

type NodeProgReturn struct {
	ProgType string
	ReqID    string
	VTPtr    uint64
	Params   map[string]interface{}
}

type NodeProgFail struct {
	ReqID  string
	Reason string
}

type ClientNodeCount struct{}

type NodeCountReply struct {
	Counts []uint64 // one entry per shard
}

type StartMigration struct{}
type OneStreamMigration struct{}
type ExitWeaver struct{}

// ---- Inter-shard messages (spec.md §6) ----

type TxInit struct {
	TxID    uint64
	VT      int
	Vclock  *vclock.Clock
	QTS     uint64
	Updates []PendingUpdate
}

// TxStatus enumerates the outcome a shard reports back for a tx.
type TxStatus int

const (
	TxOK TxStatus = iota
	TxUserError
)

type TxDone struct {
	TxID    uint64
	Shard   uint64
	Status  TxStatus
	Reason  string
}

type ProgHop struct {
	Handle string
	Params map[string]interface{}
	Prev   string // previous hop's handle, for chained programs
}

type NodeProg struct {
	Global   bool
	ProgType string
	VT       int
	Vclock   *vclock.Clock
	ReqID    string
	Hops     []ProgHop

	// GlobalAggregator names the node that should receive the
	// combined result of a global program's fan-out (spec.md §4.5).
	GlobalAggregator string
}

type VTNop struct {
	VT         int
	Vclock     *vclock.Clock
	QTS        map[uint64]uint64 // the VT's per-shard qts watermarks; shards do not apply it
	DoneReqs   []string
	MaxDoneID  uint64
	NodeCounts map[uint64]uint64
}

type VTNopAck struct {
	VT    int
	Shard uint64
}

type MigrateSendNode struct {
	Handle    string
	FromShard uint64
	NodeBytes []byte
}

type MigratedNbrUpdate struct {
	Handle   string
	OldShard uint64
	NewShard uint64
}

type MigratedNbrAck struct {
	Handle        string
	NewShardNodes uint64
	FromShard     uint64
}

/*
MigrationToken circulates the shard ring (spec.md §4.6): only the
holding shard may initiate migrations for Epoch, Hops decrements once
per shard-to-shard forward, and when it reaches 0 the token returns to
VT (the coordinator that minted it) instead of hopping again.
*/
type MigrationToken struct {
	Epoch int
	Hops  int
	Ring  []uint64
	VT    int
}

type LoadedGraph struct {
	Shard     uint64
	NodeCount uint64
}

// ---- Codec ----

/*
Encode gob-encodes any wire value, the same serialization
graphmanager_nodes.go's gob.Register call sets up for node attributes.
*/
func Encode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("wire: encode failed: %w", err)
	}
	return buf.Bytes(), nil
}

/*
Decode gob-decodes into v, which must be a pointer.
*/
func Decode(data []byte, v interface{}) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return fmt.Errorf("wire: decode failed: %w", err)
	}
	return nil
}
