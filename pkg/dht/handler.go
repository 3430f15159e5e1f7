// pkg/dht/handler.go
package dht

import (
	"fmt"

	"github.com/busybox42/kadns/internal/store"
	"github.com/busybox42/kadns/pkg/types"
)

// Storage is the record store the handler answers from.
type Storage interface {
	Put(record store.Record)
	Get(key []byte) (store.Record, bool)
}

// MessageHandler answers inbound DHT requests from the routing table and the
// local store. It does not record the sender; the caller does that so a full
// bucket can trigger a probe.
type MessageHandler struct {
	routingTable *RoutingTable
	storage      Storage
	k            int
}

func NewMessageHandler(rt *RoutingTable, storage Storage, k int) *MessageHandler {
	return &MessageHandler{
		routingTable: rt,
		storage:      storage,
		k:            k,
	}
}

func (h *MessageHandler) HandleRequest(req Request) (*Response, error) {
	switch req.Type {
	case FindNode:
		return h.handleFindNode(req)
	case Store:
		return h.handleStore(req)
	case FindValue:
		return h.handleFindValue(req)
	case Ping:
		return &Response{Type: Ping}, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownMessage, req.Type)
	}
}

func (h *MessageHandler) handleFindNode(req Request) (*Response, error) {
	return &Response{
		Type:     FindNode,
		Contacts: h.closestExcluding(req.Target, req.Sender.ID),
	}, nil
}

func (h *MessageHandler) handleStore(req Request) (*Response, error) {
	if req.Record == nil || len(req.Record.Key) == 0 {
		return nil, fmt.Errorf("%w: key is required for Store", ErrInvalidRequest)
	}

	record := store.NewRecord(req.Record.Key, req.Record.Value, req.Record.Publisher)
	if record.Publisher == nil && req.Sender.ID != (types.NodeID{}) {
		publisher := req.Sender.ID
		record.Publisher = &publisher
	}
	h.storage.Put(record)

	return &Response{Type: Store, Stored: true}, nil
}

func (h *MessageHandler) handleFindValue(req Request) (*Response, error) {
	if len(req.Key) == 0 {
		return nil, fmt.Errorf("%w: key is required for FindValue", ErrInvalidRequest)
	}

	response := &Response{Type: FindValue}
	if record, ok := h.storage.Get(req.Key); ok {
		response.Record = &record
		return response, nil
	}

	// Value not found, return closest nodes instead
	response.Contacts = h.closestExcluding(types.KeyID(req.Key), req.Sender.ID)
	return response, nil
}

func (h *MessageHandler) closestExcluding(target, exclude types.NodeID) []types.Contact {
	closest := h.routingTable.Closest(target, h.k+1)
	out := closest[:0]
	for _, c := range closest {
		if c.ID == exclude {
			continue
		}
		out = append(out, c)
	}
	if len(out) > h.k {
		out = out[:h.k]
	}
	return out
}
