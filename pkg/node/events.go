package node

import (
	"github.com/busybox42/kadns/pkg/dht"
	"github.com/busybox42/kadns/pkg/types"
)

// Event is something the loop must react to. The set of events is closed.
type Event interface {
	isEvent()
}

// ListenAddr reports an address the transport is accepting connections on.
type ListenAddr struct {
	Addr string
}

// InboundRequest is a request from another node. The loop answers it on
// Reply, which must have room for one value.
type InboundRequest struct {
	Request dht.Request
	Reply   chan<- InboundReply
}

type InboundReply struct {
	Response *dht.Response
	Err      error
}

// RPCResult carries the outcome of one of our outbound requests.
type RPCResult struct {
	dht.RPCResult
}

// PeerDiscovered reports a node found out of band, for example over mDNS.
type PeerDiscovered struct {
	Contact types.Contact
}

func (ListenAddr) isEvent()     {}
func (InboundRequest) isEvent() {}
func (RPCResult) isEvent()      {}
func (PeerDiscovered) isEvent() {}
