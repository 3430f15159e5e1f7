// pkg/protocol/message.go
package protocol

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/busybox42/kadns/pkg/types"
)

type MessageType uint8

const (
	PingRequest MessageType = iota
	PingResponse
	FindNodeRequest
	FindNodeResponse
	FindValueRequest
	FindValueResponse
	StoreRequest
	StoreResponse
	ErrorResponse
)

// IsResponse reports whether t answers a request.
func (t MessageType) IsResponse() bool {
	switch t {
	case PingResponse, FindNodeResponse, FindValueResponse, StoreResponse, ErrorResponse:
		return true
	}
	return false
}

// ErrBadSignature is returned by Unmarshal for messages that fail verification.
var ErrBadSignature = errors.New("protocol: invalid message signature")

type PeerInfo struct {
	ID    []byte   `msgpack:"id"`
	Addrs []string `msgpack:"addrs"`
}

type RecordInfo struct {
	Key       []byte `msgpack:"key"`
	Value     []byte `msgpack:"value"`
	Publisher []byte `msgpack:"publisher,omitempty"`
}

// Message is the signed envelope exchanged between nodes. Each request and
// its response share an ID.
type Message struct {
	ID          []byte            `msgpack:"id"`
	Type        MessageType       `msgpack:"type"`
	Sender      ed25519.PublicKey `msgpack:"sender"`
	ListenAddrs []string          `msgpack:"listen,omitempty"`
	Target      []byte            `msgpack:"target,omitempty"`
	Key         []byte            `msgpack:"key,omitempty"`
	Record      *RecordInfo       `msgpack:"record,omitempty"`
	PeerList    []PeerInfo        `msgpack:"peers,omitempty"`
	Stored      bool              `msgpack:"stored,omitempty"`
	Error       string            `msgpack:"error,omitempty"`
	Timestamp   int64             `msgpack:"ts"`
	Signature   []byte            `msgpack:"sig,omitempty"`
}

func NewMessage(msgType MessageType, sender ed25519.PublicKey) *Message {
	id := make([]byte, 16)
	rand.Read(id)

	return &Message{
		ID:        id,
		Type:      msgType,
		Sender:    sender,
		Timestamp: time.Now().UTC().UnixNano(),
	}
}

// Reply builds a response to m carrying the same ID.
func (m *Message) Reply(msgType MessageType, sender ed25519.PublicKey) *Message {
	reply := NewMessage(msgType, sender)
	reply.ID = append([]byte(nil), m.ID...)
	return reply
}

// SenderID is the node id of the signing key.
func (m *Message) SenderID() types.NodeID {
	return types.NewNodeID(m.Sender)
}

func (m *Message) Sign(privateKey ed25519.PrivateKey) error {
	digest, err := m.createDigest()
	if err != nil {
		return err
	}
	m.Signature = ed25519.Sign(privateKey, digest)
	return nil
}

func (m *Message) Verify() bool {
	if len(m.Sender) != ed25519.PublicKeySize || len(m.Signature) != ed25519.SignatureSize {
		return false
	}
	digest, err := m.createDigest()
	if err != nil {
		return false
	}
	return ed25519.Verify(m.Sender, digest, m.Signature)
}

// createDigest is the encoding of the message without its signature.
func (m *Message) createDigest() ([]byte, error) {
	unsigned := *m
	unsigned.Signature = nil
	return msgpack.Marshal(&unsigned)
}

func (m *Message) Serialize() ([]byte, error) {
	data, err := msgpack.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return data, nil
}

// DeserializeMessage decodes and verifies a message.
func DeserializeMessage(data []byte) (*Message, error) {
	msg := &Message{}
	if err := msgpack.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}
	if len(msg.ID) == 0 {
		return nil, errors.New("protocol: message without id")
	}
	if !msg.Verify() {
		return nil, ErrBadSignature
	}
	return msg, nil
}
