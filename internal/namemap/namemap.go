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
Package namemap is the client for the external key->shard mapping
service (out of scope per spec.md §1; this is the thin wired client
used to route requests and rebind handles after migration). Grounded on
cluster/manager/client.go's Client shape, same as internal/kronos.
*/
package namemap

import (
	"fmt"
	"net/rpc"
	"sync"
	"time"
)

var DialTimeout = 5 * time.Second

/*
Client talks to the external NameMap process over net/rpc.
*/
type Client struct {
	addr string

	mutex sync.Mutex
	conn  *rpc.Client
}

func NewClient(addr string) *Client {
	return &Client{addr: addr}
}

func (c *Client) dial() (*rpc.Client, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.conn != nil {
		return c.conn, nil
	}

	conn, err := rpc.DialHTTP("tcp", c.addr)
	if err != nil {
		return nil, err
	}

	c.conn = conn
	return conn, nil
}

type lookupArgs struct{ Handle string }
type lookupReply struct{ Shard uint64 }
type rebindArgs struct {
	Handle   string
	NewShard uint64
}

/*
Lookup resolves a node handle to its current shard id.
*/
func (c *Client) Lookup(handle string) (uint64, error) {
	conn, err := c.dial()
	if err != nil {
		return 0, err
	}

	var reply lookupReply
	if err := conn.Call("NameMap.Lookup", &lookupArgs{handle}, &reply); err != nil {
		return 0, err
	}
	return reply.Shard, nil
}

/*
Rebind updates the shard a handle maps to, called during migration step
1 ("call NameMap to rebind h->s2", spec.md §4.6).
*/
func (c *Client) Rebind(handle string, newShard uint64) error {
	conn, err := c.dial()
	if err != nil {
		return err
	}

	var reply struct{}
	return conn.Call("NameMap.Rebind", &rebindArgs{handle, newShard}, &reply)
}

func (c *Client) Reconfigure(newAddr string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	if newAddr != "" {
		c.addr = newAddr
	}
}

/*
FakeClient is an in-memory NameMap double for tests, backed by a plain
map with a mutex, the same "obviously correct, no I/O" fixture style as
manager/client_test.go's stand-ins for cluster peers.
*/
type FakeClient struct {
	mutex sync.Mutex
	table map[string]uint64
}

func NewFakeClient() *FakeClient {
	return &FakeClient{table: make(map[string]uint64)}
}

func (f *FakeClient) Lookup(handle string) (uint64, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	shard, ok := f.table[handle]
	if !ok {
		return 0, fmt.Errorf("namemap: unknown handle %v", handle)
	}
	return shard, nil
}

func (f *FakeClient) Rebind(handle string, newShard uint64) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	f.table[handle] = newShard
	return nil
}

// Seed sets the initial mapping for a handle, used by tests to place a
// node on a shard before exercising a migration.
func (f *FakeClient) Seed(handle string, shard uint64) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.table[handle] = shard
}
