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
Package transport is the inter-shard/VT wire (spec.md §5): every
message named in spec.md §6 rides one net/rpc call, dialed lazily and
cached per destination, with a bounded round trip that surfaces as one
of SUCCESS, TIMEOUT or DISRUPTED (spec.md §7's Transient error kind).

Grounded on cluster/manager/client.go's Client (connection cache keyed
by peer name, SendRequest's dial-then-call-then-classify shape) and
cluster/manager/server.go's Server (a routing singleton registered once
via rpc.Register, dispatching by target name to a locally held handler)
- generalized from cluster-member routing to shard/VT id routing.
*/
package transport

import (
	"errors"
	"log"
	"net"
	"net/rpc"
	"strconv"
	"sync"
	"time"

	"github.com/krotik/weaver/internal/wire"
)

// Logger is a function which processes log messages from this package.
type Logger func(v ...interface{})

// LogInfo is called for info-level messages.
var LogInfo = Logger(log.Print)

// LogDebug is called for debug-level messages, discarded by default.
var LogDebug = Logger(LogNull)

// LogNull discards every message given to it.
var LogNull = func(v ...interface{}) {}

// Outcome is the tri-state result of a transport send (spec.md §7:
// "transport send returns {SUCCESS, TIMEOUT, DISRUPTED}").
type Outcome int

const (
	Success Outcome = iota
	Timeout
	Disrupted
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "SUCCESS"
	case Timeout:
		return "TIMEOUT"
	default:
		return "DISRUPTED"
	}
}

// CallTimeout bounds a single RPC round trip, mirroring
// cluster/manager/client.go's DialTimeout for its own dial+call path.
var CallTimeout = 5 * time.Second

// ErrDisrupted classifies a network-level failure (dial failure or a
// connection dropped mid-call) as opposed to a plain timeout.
var ErrDisrupted = errors.New("transport: connection disrupted")

// ErrTimeout classifies an RPC call that did not complete in
// CallTimeout.
var ErrTimeout = errors.New("transport: call timed out")

/*
Endpoint names a destination's net/rpc address.
*/
type Endpoint struct {
	Host string
	Port int
}

func (e Endpoint) addr() string {
	if e.Port == 0 {
		return e.Host
	}
	return e.Host + ":" + strconv.Itoa(e.Port)
}

/*
Client is the outbound side: one shared connection cache keyed by
destination id, used for both shard->shard and VT->shard traffic. The
same *Client value satisfies nodeprog.Transport, migration.Transport
and nop.NopTransport - they are different views onto the same wire.
*/
type Client struct {
	mu    sync.Mutex
	addrs map[uint64]Endpoint
	conns map[uint64]*rpc.Client
}

func NewClient(addrs map[uint64]Endpoint) *Client {
	return &Client{
		addrs: addrs,
		conns: make(map[uint64]*rpc.Client),
	}
}

/*
SetEndpoint registers or replaces a destination's address, used when
ServerMgr reconfigures the shard set (spec.md §5).
*/
func (c *Client) SetEndpoint(id uint64, ep Endpoint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.addrs[id] = ep
	if conn, ok := c.conns[id]; ok {
		conn.Close()
		delete(c.conns, id)
	}
}

func (c *Client) dial(id uint64) (*rpc.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if conn, ok := c.conns[id]; ok {
		return conn, nil
	}

	ep, ok := c.addrs[id]
	if !ok {
		return nil, ErrDisrupted
	}

	nc, err := net.DialTimeout("tcp", ep.addr(), CallTimeout)
	if err != nil {
		return nil, ErrDisrupted
	}

	conn := rpc.NewClient(nc)
	c.conns[id] = conn
	return conn, nil
}

func (c *Client) drop(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if conn, ok := c.conns[id]; ok {
		conn.Close()
		delete(c.conns, id)
	}
}

// call dials dest lazily, invokes serviceMethod, and classifies the
// result into an Outcome the way spec.md §7 requires; TIMEOUT/DISRUPTED
// both drop the cached connection so the next call re-dials (spec.md
// §5: "TIMEOUT/DISRUPTED on a client path triggers reconfigure").
func (c *Client) call(dest uint64, serviceMethod string, args, reply interface{}) (Outcome, error) {
	conn, err := c.dial(dest)
	if err != nil {
		return Disrupted, err
	}

	done := make(chan *rpc.Call, 1)
	conn.Go(serviceMethod, args, reply, done)

	select {
	case r := <-done:
		if r.Error != nil {
			c.drop(dest)
			return Disrupted, r.Error
		}
		return Success, nil
	case <-time.After(CallTimeout):
		c.drop(dest)
		return Timeout, ErrTimeout
	}
}

// ---- nodeprog.Transport ----

func (c *Client) ForwardProg(shard uint64, msg wire.NodeProg) error {
	var reply struct{}
	_, err := c.call(shard, "Shard.NodeProg", &msg, &reply)
	return err
}

func (c *Client) ReturnToVT(vt int, msg wire.NodeProgReturn) error {
	var reply struct{}
	_, err := c.call(uint64(vt), "VT.NodeProgReturn", &msg, &reply)
	return err
}

func (c *Client) FailToVT(vt int, msg wire.NodeProgFail) error {
	var reply struct{}
	_, err := c.call(uint64(vt), "VT.NodeProgFail", &msg, &reply)
	return err
}

// ---- migration.Transport ----

func (c *Client) SendMigrateNode(shard uint64, msg wire.MigrateSendNode) error {
	var reply struct{}
	_, err := c.call(shard, "Shard.MigrateSendNode", &msg, &reply)
	return err
}

func (c *Client) BroadcastNbrUpdate(msg wire.MigratedNbrUpdate, peers []uint64) error {
	var firstErr error
	for _, p := range peers {
		var reply struct{}
		if _, err := c.call(p, "Shard.MigratedNbrUpdate", &msg, &reply); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (c *Client) SendNbrAck(shard uint64, msg wire.MigratedNbrAck) error {
	var reply struct{}
	_, err := c.call(shard, "Shard.MigratedNbrAck", &msg, &reply)
	return err
}

func (c *Client) ForwardToken(shard uint64, msg wire.MigrationToken) error {
	var reply struct{}
	_, err := c.call(shard, "Shard.MigrationToken", &msg, &reply)
	return err
}

// ReturnToken delivers a spent migration token (Hops reached 0) back
// to the VT that minted it (spec.md §4.6).
func (c *Client) ReturnToken(vt int, msg wire.MigrationToken) error {
	var reply struct{}
	_, err := c.call(uint64(vt), "VT.MigrationTokenReturn", &msg, &reply)
	return err
}

// ---- nop.NopTransport ----

func (c *Client) SendNop(shard uint64, msg wire.VTNop) error {
	var reply wire.VTNopAck
	_, err := c.call(shard, "Shard.Nop", &msg, &reply)
	return err
}

// ---- VT-facing sends (used by the VT coordinator) ----

func (c *Client) SendTxInit(shard uint64, msg wire.TxInit) (wire.TxDone, error) {
	var reply wire.TxDone
	_, err := c.call(shard, "Shard.TxInit", &msg, &reply)
	return reply, err
}

// NodeCount answers a CLIENT_NODE_COUNT fan-out (spec.md §6).
func (c *Client) NodeCount(shard uint64) (uint64, error) {
	var reply uint64
	_, err := c.call(shard, "Shard.NodeCount", &wire.ClientNodeCount{}, &reply)
	return reply, err
}

// SendMigrationToken kicks off token circulation on shard - used by a
// VT coordinator relaying a client's START_MIGR/ONE_STREAM_MIGR.
func (c *Client) SendMigrationToken(shard uint64, msg wire.MigrationToken) error {
	var reply struct{}
	_, err := c.call(shard, "Shard.MigrationToken", &msg, &reply)
	return err
}
