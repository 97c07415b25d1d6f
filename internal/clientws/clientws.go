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
Package clientws is the client-facing half of spec.md §6's client
protocol: one websocket connection per client, JSON frames tagged by
message name (CLIENT_TX_INIT, CLIENT_NODE_PROG_REQ, CLIENT_NODE_COUNT,
START_MIGR/ONE_STREAM_MIGR, EXIT_WEAVER) read off the socket and
dispatched into a vt.Coordinator, whose asynchronous replies
(CLIENT_TX_SUCCESS/ABORT, NODE_PROG_RETURN/FAIL, NODE_COUNT_REPLY) are
framed back the same way - letting a node program stream partial
results to a client over the same connection it was requested on
instead of one reply per request.

Grounded on ecal/websocket.go's WebsocketConnection (one RMutex/WMutex
pair around a single *websocket.Conn, JSON-framed reads/writes tagged
by a "type" field) and api/v1/ecal-sock.go's upgrade-then-read-loop
handler shape, generalized from ECAL event dispatch to the fixed client
protocol table spec.md §6 names.
*/
package clientws

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/krotik/weaver/internal/vt"
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

var upgrader = websocket.Upgrader{
	Subprotocols:    []string{"weaver-client"},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// inFrame is one client->VT message: a type tag plus its payload,
// still opaque until dispatch knows which struct it decodes to.
type inFrame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// outFrame is one VT->client message.
type outFrame struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

/*
Conn is one connected client's outbound sink, implementing
vt.ClientSession over a websocket connection. A websocket connection
supports one concurrent reader and one concurrent writer; wmu
serializes the writer side against the Coordinator's own goroutines
calling back concurrently (a node-program reply can arrive on a
different goroutine than the one currently reading the socket).
*/
type Conn struct {
	ID string

	ws  *websocket.Conn
	wmu sync.Mutex
}

// NewConn wraps an already-upgraded websocket connection.
func NewConn(id string, ws *websocket.Conn) *Conn {
	return &Conn{ID: id, ws: ws}
}

func (c *Conn) writeFrame(typ string, payload interface{}) {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if err := c.ws.WriteJSON(outFrame{Type: typ, Payload: payload}); err != nil {
		LogDebug("clientws: write to ", c.ID, " failed: ", err)
	}
}

// TxResult implements vt.ClientSession.
func (c *Conn) TxResult(res wire.ClientTxResult) {
	typ := "CLIENT_TX_SUCCESS"
	if !res.Success {
		typ = "CLIENT_TX_ABORT"
	}
	c.writeFrame(typ, res)
}

// NodeProgReturn implements vt.ClientSession.
func (c *Conn) NodeProgReturn(msg wire.NodeProgReturn) {
	c.writeFrame("NODE_PROG_RETURN", msg)
}

// NodeProgFail implements vt.ClientSession.
func (c *Conn) NodeProgFail(msg wire.NodeProgFail) {
	c.writeFrame("NODE_PROG_FAIL", msg)
}

// NodeCountReply implements vt.ClientSession.
func (c *Conn) NodeCountReply(reply wire.NodeCountReply) {
	c.writeFrame("NODE_COUNT_REPLY", reply)
}

// Close sends a normal-closure control frame and closes the underlying
// connection.
func (c *Conn) Close(reason string) {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
		time.Now().Add(closeGracePeriod))
	c.ws.Close()
}

// closeGracePeriod bounds how long Close waits for the close control
// frame to reach the peer, mirroring ecal/websocket.go's own 10s bound.
const closeGracePeriod = 10 * time.Second

/*
Serve upgrades r to a websocket connection and runs its read loop until
the client disconnects, sends EXIT_WEAVER, or the connection errors,
dispatching every frame into coord. It returns nil on EXIT_WEAVER or
when the client closes the connection (a websocket close, including an
abnormal close without a close frame), and the read error for any
other failure. One Serve call per accepted
connection, the way ecalSockEndpoint.HandleGET runs one loop per
upgraded request.
*/
func Serve(w http.ResponseWriter, r *http.Request, coord *vt.Coordinator) error {
	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	conn := NewConn(uuid.New().String(), wsConn)
	defer conn.Close("connection closed")

	for {
		var in inFrame
		if err := wsConn.ReadJSON(&in); err != nil {
			if _, ok := err.(*websocket.CloseError); ok {
				return nil
			}
			return err
		}

		if !dispatch(coord, conn, in) {
			return nil
		}
	}
}

// dispatch handles one inbound frame, returning false if the
// connection should now close (EXIT_WEAVER).
func dispatch(coord *vt.Coordinator, conn *Conn, in inFrame) bool {
	switch in.Type {
	case "CLIENT_TX_INIT":
		var req wire.ClientTxInit
		if err := json.Unmarshal(in.Payload, &req); err != nil {
			LogDebug("clientws: bad CLIENT_TX_INIT from ", conn.ID, ": ", err)
			return true
		}
		coord.ExecuteTx(conn, req)

	case "CLIENT_NODE_PROG_REQ":
		var req wire.ClientNodeProgReq
		if err := json.Unmarshal(in.Payload, &req); err != nil {
			LogDebug("clientws: bad CLIENT_NODE_PROG_REQ from ", conn.ID, ": ", err)
			return true
		}
		coord.ExecuteNodeProg(conn, req)

	case "CLIENT_NODE_COUNT":
		coord.ExecuteNodeCount(conn, wire.ClientNodeCount{})

	case "START_MIGR", "ONE_STREAM_MIGR":
		if err := coord.ExecuteStartMigration(); err != nil {
			LogDebug("clientws: start migration requested by ", conn.ID, " failed: ", err)
		}

	case "EXIT_WEAVER":
		return false

	default:
		LogDebug("clientws: unknown frame type from ", conn.ID, ": ", in.Type)
	}

	return true
}
