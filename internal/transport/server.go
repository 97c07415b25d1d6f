/*
 * Weaver
 *
 * Copyright 2016 Matthias Ladkau. All rights reserved.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package transport

import (
	"net"
	"net/rpc"

	"github.com/krotik/weaver/internal/wire"
)

/*
ShardHandler is what a shard process exposes over RPC - the receiving
side of every message a peer shard, a VT or a client sends it. One
Weaver shard process registers exactly one ShardHandler, the way one
eliasdb cluster member process registers exactly one *Server singleton
(cluster/manager/server.go).
*/
type ShardHandler interface {
	TxInit(tx wire.TxInit) wire.TxDone
	NodeProg(msg wire.NodeProg)
	Nop(msg wire.VTNop) wire.VTNopAck
	MigrateSendNode(msg wire.MigrateSendNode) error
	MigratedNbrUpdate(msg wire.MigratedNbrUpdate) wire.MigratedNbrAck
	MigratedNbrAck(msg wire.MigratedNbrAck) error
	MigrationToken(msg wire.MigrationToken) error
	NodeCount(msg wire.ClientNodeCount) uint64
}

/*
VTHandler is what a VT process exposes over RPC - node-program results
and failures routed back from shards.
*/
type VTHandler interface {
	NodeProgReturn(msg wire.NodeProgReturn)
	NodeProgFail(msg wire.NodeProgFail)
	MigrationTokenReturn(msg wire.MigrationToken)
}

/*
ShardRPC adapts a ShardHandler to net/rpc's (args, *reply) error method
shape and is registered under the name "Shard", matching the
"Shard.<Method>" strings Client.call uses.
*/
type ShardRPC struct {
	Handler ShardHandler
}

func (s *ShardRPC) TxInit(args *wire.TxInit, reply *wire.TxDone) error {
	*reply = s.Handler.TxInit(*args)
	return nil
}

func (s *ShardRPC) NodeProg(args *wire.NodeProg, reply *struct{}) error {
	s.Handler.NodeProg(*args)
	return nil
}

func (s *ShardRPC) Nop(args *wire.VTNop, reply *wire.VTNopAck) error {
	*reply = s.Handler.Nop(*args)
	return nil
}

func (s *ShardRPC) MigrateSendNode(args *wire.MigrateSendNode, reply *struct{}) error {
	return s.Handler.MigrateSendNode(*args)
}

func (s *ShardRPC) MigratedNbrUpdate(args *wire.MigratedNbrUpdate, reply *wire.MigratedNbrAck) error {
	*reply = s.Handler.MigratedNbrUpdate(*args)
	return nil
}

func (s *ShardRPC) MigratedNbrAck(args *wire.MigratedNbrAck, reply *struct{}) error {
	return s.Handler.MigratedNbrAck(*args)
}

func (s *ShardRPC) MigrationToken(args *wire.MigrationToken, reply *struct{}) error {
	return s.Handler.MigrationToken(*args)
}

func (s *ShardRPC) NodeCount(args *wire.ClientNodeCount, reply *uint64) error {
	*reply = s.Handler.NodeCount(*args)
	return nil
}

/*
VTRPC adapts a VTHandler the same way, registered under the name "VT".
*/
type VTRPC struct {
	Handler VTHandler
}

func (v *VTRPC) NodeProgReturn(args *wire.NodeProgReturn, reply *struct{}) error {
	v.Handler.NodeProgReturn(*args)
	return nil
}

func (v *VTRPC) NodeProgFail(args *wire.NodeProgFail, reply *struct{}) error {
	v.Handler.NodeProgFail(*args)
	return nil
}

func (v *VTRPC) MigrationTokenReturn(args *wire.MigrationToken, reply *struct{}) error {
	v.Handler.MigrationTokenReturn(*args)
	return nil
}

/*
ListenShard registers h under the name "Shard" and serves RPC
connections on addr until the returned listener is closed (mirrors
cluster/manager.MemberManager.Start's net.Listen + go rpc.Accept(l)).
*/
func ListenShard(addr string, h ShardHandler) (net.Listener, error) {
	srv := rpc.NewServer()
	if err := srv.RegisterName("Shard", &ShardRPC{Handler: h}); err != nil {
		return nil, err
	}

	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	go srv.Accept(l)
	return l, nil
}

/*
ListenVT registers h under the name "VT" and serves RPC connections on
addr until the returned listener is closed.
*/
func ListenVT(addr string, h VTHandler) (net.Listener, error) {
	srv := rpc.NewServer()
	if err := srv.RegisterName("VT", &VTRPC{Handler: h}); err != nil {
		return nil, err
	}

	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	go srv.Accept(l)
	return l, nil
}
