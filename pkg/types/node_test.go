package types

import (
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewNodeID(t *testing.T) {
	publicKey, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("Failed to generate test key: %v", err)
	}

	id := NewNodeID(publicKey)
	if id == (NodeID{}) {
		t.Fatal("NewNodeID returned the zero id")
	}

	// Same key, same id
	if NewNodeID(publicKey) != id {
		t.Error("NewNodeID is not deterministic")
	}

	parsed, err := ParseNodeID(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)
}

func TestParseNodeIDRejectsBadInput(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{name: "not hex", input: "zz"},
		{name: "too short", input: "0011"},
		{name: "too long", input: "00112233445566778899aabbccddeeff0011223344"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseNodeID(tt.input)
			assert.Error(t, err)
		})
	}
}

func TestDistance(t *testing.T) {
	var a, b NodeID
	b[0] = 0x80

	d := Xor(a, b)
	assert.Equal(t, 0, d.LeadingZeros())
	assert.Equal(t, IDBits, Xor(a, a).LeadingZeros())

	b = NodeID{}
	b[IDLength-1] = 0x01
	assert.Equal(t, IDBits-1, Xor(a, b).LeadingZeros())

	// Symmetric
	assert.Equal(t, Xor(a, b), Xor(b, a))

	var near, far NodeID
	near[IDLength-1] = 0x02
	far[0] = 0x01
	assert.True(t, CloserTo(a, near, far))
	assert.False(t, CloserTo(a, far, near))
	assert.False(t, CloserTo(a, near, near))
}

func TestContactAddrs(t *testing.T) {
	c := NewContact(KeyID([]byte("peer")), "127.0.0.1:9000", "", "127.0.0.1:9000")
	assert.Equal(t, []string{"127.0.0.1:9000"}, c.Addrs)

	c.AddAddrs("10.0.0.1:9000")
	assert.Equal(t, []string{"127.0.0.1:9000", "10.0.0.1:9000"}, c.Addrs)
	assert.True(t, c.HasAddr("10.0.0.1:9000"))

	if time.Since(c.LastSeen) > time.Second {
		t.Errorf("LastSeen timestamp is not recent")
	}
}
