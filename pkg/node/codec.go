package node

import (
	"fmt"
	"net"

	"github.com/busybox42/kadns/internal/store"
	"github.com/busybox42/kadns/pkg/dht"
	"github.com/busybox42/kadns/pkg/network"
	"github.com/busybox42/kadns/pkg/protocol"
	"github.com/busybox42/kadns/pkg/types"
)

var (
	requestTypes = map[dht.MessageType]protocol.MessageType{
		dht.Ping:      protocol.PingRequest,
		dht.FindNode:  protocol.FindNodeRequest,
		dht.FindValue: protocol.FindValueRequest,
		dht.Store:     protocol.StoreRequest,
	}
	responseTypes = map[dht.MessageType]protocol.MessageType{
		dht.Ping:      protocol.PingResponse,
		dht.FindNode:  protocol.FindNodeResponse,
		dht.FindValue: protocol.FindValueResponse,
		dht.Store:     protocol.StoreResponse,
	}
)

func lookupType(table map[dht.MessageType]protocol.MessageType, wire protocol.MessageType) (dht.MessageType, bool) {
	for t, w := range table {
		if w == wire {
			return t, true
		}
	}
	return 0, false
}

// dialedAddr is the address we dialed, used to resolve wildcard addresses a
// responder advertises.
type dialedAddr string

func (a dialedAddr) Network() string { return "tcp" }
func (a dialedAddr) String() string  { return string(a) }

// requestToWire encodes req. Sender, listen addresses and the signature are
// filled in by the transport.
func requestToWire(req dht.Request) *protocol.Message {
	msg := protocol.NewMessage(requestTypes[req.Type], nil)
	if req.Type != dht.Ping {
		msg.Target = append([]byte(nil), req.Target[:]...)
	}
	msg.Key = req.Key
	msg.Record = recordToWire(req.Record)
	return msg
}

func requestFromWire(msg *protocol.Message, from net.Addr) (dht.Request, error) {
	t, ok := lookupType(requestTypes, msg.Type)
	if !ok {
		return dht.Request{}, fmt.Errorf("%w: message type %d", dht.ErrUnknownMessage, msg.Type)
	}
	req := dht.Request{
		Type:   t,
		Sender: types.NewContact(msg.SenderID(), network.ResolveAdvertised(msg.ListenAddrs, from)...),
		Key:    msg.Key,
	}
	if len(msg.Target) > 0 {
		target, err := types.NodeIDFromBytes(msg.Target)
		if err != nil {
			return dht.Request{}, fmt.Errorf("%w: %v", dht.ErrInvalidRequest, err)
		}
		req.Target = target
	}
	if msg.Record != nil {
		rec, err := recordFromWire(msg.Record)
		if err != nil {
			return dht.Request{}, fmt.Errorf("%w: %v", dht.ErrInvalidRequest, err)
		}
		req.Record = &rec
	}
	return req, nil
}

func responseToWire(req *protocol.Message, resp *dht.Response) *protocol.Message {
	reply := req.Reply(responseTypes[resp.Type], nil)
	for _, c := range resp.Contacts {
		reply.PeerList = append(reply.PeerList, protocol.PeerInfo{
			ID:    append([]byte(nil), c.ID[:]...),
			Addrs: c.Addrs,
		})
	}
	reply.Record = recordToWire(resp.Record)
	reply.Stored = resp.Stored
	return reply
}

// responseFromWire decodes a reply received from dialed. Peers with malformed
// ids are skipped.
func responseFromWire(msg *protocol.Message, dialed string) (*dht.Response, error) {
	t, ok := lookupType(responseTypes, msg.Type)
	if !ok {
		return nil, fmt.Errorf("%w: message type %d", dht.ErrUnknownMessage, msg.Type)
	}
	resp := &dht.Response{
		Type:   t,
		Sender: types.NewContact(msg.SenderID(), network.ResolveAdvertised(msg.ListenAddrs, dialedAddr(dialed))...),
		Stored: msg.Stored,
	}
	for _, p := range msg.PeerList {
		id, err := types.NodeIDFromBytes(p.ID)
		if err != nil {
			continue
		}
		resp.Contacts = append(resp.Contacts, types.NewContact(id, p.Addrs...))
	}
	if msg.Record != nil {
		rec, err := recordFromWire(msg.Record)
		if err != nil {
			return nil, err
		}
		resp.Record = &rec
	}
	return resp, nil
}

func recordToWire(rec *store.Record) *protocol.RecordInfo {
	if rec == nil {
		return nil
	}
	info := &protocol.RecordInfo{Key: rec.Key, Value: rec.Value}
	if rec.Publisher != nil {
		info.Publisher = append([]byte(nil), rec.Publisher[:]...)
	}
	return info
}

func recordFromWire(info *protocol.RecordInfo) (store.Record, error) {
	var publisher *types.NodeID
	if len(info.Publisher) > 0 {
		id, err := types.NodeIDFromBytes(info.Publisher)
		if err != nil {
			return store.Record{}, fmt.Errorf("bad publisher: %w", err)
		}
		publisher = &id
	}
	return store.NewRecord(info.Key, info.Value, publisher), nil
}
