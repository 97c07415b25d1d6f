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
Package kronos is the client for the external timestamp/ordering oracle
(spec.md §1 places Kronos itself out of scope; this package is the thin
wired client the core runtime calls through). Grounded on
cluster/manager/client.go's Client: an RPC client with connection reuse
and per-call timeouts.
*/
package kronos

import (
	"errors"
	"net/rpc"
	"sync"
	"time"

	"github.com/krotik/weaver/internal/vclock"
)

// DialTimeout mirrors cluster/manager/client.go's DialTimeout.
var DialTimeout = 5 * time.Second

// ErrTimeout is returned when a Kronos round-trip does not complete in
// time; spec.md §4.2/§7 classifies this as Transient. No caller retries
// it: vclock.Comparator returns it to its own caller unchanged.
var ErrTimeout = errors.New("kronos: request timed out")

/*
Client talks to the external Kronos process over net/rpc.
*/
type Client struct {
	addr string

	mutex sync.Mutex
	conn  *rpc.Client
}

/*
NewClient creates a Kronos client for the given "host:port" address. No
connection is made until the first call.
*/
func NewClient(addr string) *Client {
	return &Client{addr: addr}
}

func (c *Client) dial() (*rpc.Client, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.conn != nil {
		return c.conn, nil
	}

	conn, err := dialRPC(c.addr)
	if err != nil {
		return nil, err
	}

	c.conn = conn
	return conn, nil
}

// dialRPC is a package-level indirection so tests can substitute a
// fake dialer without a real listener.
var dialRPC = func(addr string) (*rpc.Client, error) {
	return rpc.DialHTTP("tcp", addr)
}

/*
orderArgs / orderReply mirror the RPC argument/reply pair convention
net/rpc requires (exported struct fields, gob-encodable).
*/
type orderArgs struct {
	IDA string
	IDB string
}

type orderReply struct {
	AIsEarlier bool
}

/*
KronosOrder implements vclock.Resolver. It asks the oracle which of two
concurrent events happened first.
*/
func (c *Client) KronosOrder(idA, idB string) (vclock.Ordering, error) {
	conn, err := c.dial()
	if err != nil {
		return 0, err
	}

	call := conn.Go("Kronos.Order", &orderArgs{idA, idB}, &orderReply{}, make(chan *rpc.Call, 1))

	select {
	case r := <-call.Done:
		if r.Error != nil {
			return 0, r.Error
		}
		if r.Reply.(*orderReply).AIsEarlier {
			return vclock.LT, nil
		}
		return vclock.GT, nil
	case <-time.After(DialTimeout):
		return 0, ErrTimeout
	}
}

/*
Reconfigure drops the current connection so the next call re-dials,
used after a TIMEOUT/DISRUPTED outcome per spec.md §5's
"TIMEOUT/DISRUPTED on a client path triggers reconfigure".
*/
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
FakeClient is an in-memory Kronos double for tests: it orders events by
plain string comparison of their ids, which is a valid (if arbitrary)
total order and lets tests exercise the CONC/resolve path without a
real oracle process.
*/
type FakeClient struct {
	mutex sync.Mutex
	calls int
}

func NewFakeClient() *FakeClient { return &FakeClient{} }

func (f *FakeClient) KronosOrder(idA, idB string) (vclock.Ordering, error) {
	f.mutex.Lock()
	f.calls++
	f.mutex.Unlock()

	if idA < idB {
		return vclock.LT, nil
	}
	return vclock.GT, nil
}

func (f *FakeClient) Calls() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.calls
}
