// pkg/types/node.go
package types

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"math/bits"
	"time"
)

// IDLength is the size of a NodeID in bytes (SHA-1).
const IDLength = 20

// IDBits is the number of bits in a NodeID and therefore the number of
// buckets in a routing table.
const IDBits = IDLength * 8

// NodeID places a node (or a key) in the identifier space.
type NodeID [IDLength]byte

// NewNodeID derives a node identifier from a public key.
func NewNodeID(publicKey ed25519.PublicKey) NodeID {
	return NodeID(sha1.Sum(publicKey))
}

// KeyID maps an opaque record key into the identifier space.
func KeyID(key []byte) NodeID {
	return NodeID(sha1.Sum(key))
}

// ParseNodeID decodes a 40 character hex string.
func ParseNodeID(s string) (NodeID, error) {
	var id NodeID
	raw, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("invalid node id: %w", err)
	}
	if len(raw) != IDLength {
		return id, fmt.Errorf("invalid node id length: got %d want %d", len(raw), IDLength)
	}
	copy(id[:], raw)
	return id, nil
}

// NodeIDFromBytes copies raw into a NodeID. It fails if raw has the wrong size.
func NodeIDFromBytes(raw []byte) (NodeID, error) {
	var id NodeID
	if len(raw) != IDLength {
		return id, fmt.Errorf("invalid node id length: got %d want %d", len(raw), IDLength)
	}
	copy(id[:], raw)
	return id, nil
}

func (id NodeID) String() string {
	return hex.EncodeToString(id[:])
}

// Short is the first 8 hex characters, used in log lines and user output.
func (id NodeID) Short() string {
	return hex.EncodeToString(id[:4])
}

// Distance is the XOR of two identifiers, read as a big-endian unsigned integer.
type Distance [IDLength]byte

func Xor(a, b NodeID) Distance {
	var d Distance
	for i := range a {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// Cmp returns -1, 0 or 1 depending on whether d is smaller than, equal to or
// greater than other.
func (d Distance) Cmp(other Distance) int {
	return bytes.Compare(d[:], other[:])
}

func (d Distance) Less(other Distance) bool {
	return d.Cmp(other) < 0
}

// LeadingZeros counts the zero bits before the first set bit. The distance of
// an identifier to itself has IDBits leading zeros.
func (d Distance) LeadingZeros() int {
	for i, b := range d {
		if b != 0 {
			return i*8 + bits.LeadingZeros8(b)
		}
	}
	return IDBits
}

// CloserTo reports whether a is strictly closer to target than b.
func CloserTo(target, a, b NodeID) bool {
	return Xor(a, target).Less(Xor(b, target))
}

// Contact is a known peer and the addresses it can be reached on.
type Contact struct {
	ID       NodeID
	Addrs    []string
	LastSeen time.Time
}

func NewContact(id NodeID, addrs ...string) Contact {
	c := Contact{ID: id, LastSeen: time.Now()}
	c.AddAddrs(addrs...)
	return c
}

// AddAddrs merges addrs into the contact, keeping insertion order and
// skipping duplicates and empty strings.
func (c *Contact) AddAddrs(addrs ...string) {
	for _, a := range addrs {
		if a == "" || c.HasAddr(a) {
			continue
		}
		c.Addrs = append(c.Addrs, a)
	}
}

func (c Contact) HasAddr(addr string) bool {
	for _, a := range c.Addrs {
		if a == addr {
			return true
		}
	}
	return false
}

func (c Contact) String() string {
	return fmt.Sprintf("%s@%v", c.ID.Short(), c.Addrs)
}
