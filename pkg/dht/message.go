// pkg/dht/message.go
package dht

import (
	"github.com/busybox42/kadns/internal/store"
	"github.com/busybox42/kadns/pkg/types"
)

type MessageType uint8

const (
	FindNode MessageType = iota
	Store
	FindValue
	Ping
)

func (t MessageType) String() string {
	switch t {
	case FindNode:
		return "FIND_NODE"
	case Store:
		return "STORE"
	case FindValue:
		return "FIND_VALUE"
	case Ping:
		return "PING"
	default:
		return "UNKNOWN"
	}
}

// Request is a single RPC. QueryID ties it to the query that issued it and
// is empty for probes and other fire-and-forget requests. Sender is filled in
// by the transport on the receiving side.
type Request struct {
	QueryID string
	Type    MessageType
	Sender  types.Contact
	Target  types.NodeID
	Key     []byte
	Record  *store.Record
}

// Response answers a Request. Sender is the responder as it describes itself.
type Response struct {
	Type     MessageType
	Sender   types.Contact
	Contacts []types.Contact
	Record   *store.Record
	Stored   bool
}

// RPCResult is the outcome of one outbound request: either a Response or an
// error (timeout, dial failure, rejected response).
type RPCResult struct {
	Request  Request
	To       types.Contact
	Response *Response
	Err      error
}

// Network delivers requests to peers. Send must not block and must not call
// back into the engine; the outcome is handed back later through
// Engine.HandleResult exactly once.
type Network interface {
	Send(to types.Contact, req Request)
}
