// pkg/crypto/keys.go
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/busybox42/kadns/pkg/types"
)

// KeyPair represents a public/private key pair for signing and verification
type KeyPair struct {
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
}

// GenerateKeyPair creates a new Ed25519 key pair
func GenerateKeyPair() (*KeyPair, error) {
	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}

	return &KeyPair{
		PublicKey:  publicKey,
		PrivateKey: privateKey,
	}, nil
}

// LoadOrCreate reads the key pair for port from dir, generating and writing a
// fresh one on first use. An empty dir yields an ephemeral key pair.
func LoadOrCreate(dir string, port int) (*KeyPair, error) {
	if dir == "" {
		return GenerateKeyPair()
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create key directory: %w", err)
	}

	pubKeyPath := filepath.Join(dir, fmt.Sprintf("public_%d.key", port))
	privKeyPath := filepath.Join(dir, fmt.Sprintf("private_%d.key", port))

	if _, err := os.Stat(privKeyPath); errors.Is(err, os.ErrNotExist) {
		kp, err := GenerateKeyPair()
		if err != nil {
			return nil, fmt.Errorf("failed to generate keys: %w", err)
		}
		if err := os.WriteFile(pubKeyPath, kp.PublicKey, 0600); err != nil {
			return nil, err
		}
		if err := os.WriteFile(privKeyPath, kp.PrivateKey, 0600); err != nil {
			return nil, err
		}
		return kp, nil
	}

	privBytes, err := os.ReadFile(privKeyPath)
	if err != nil {
		return nil, err
	}
	if len(privBytes) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("corrupt private key %s: %d bytes", privKeyPath, len(privBytes))
	}
	priv := ed25519.PrivateKey(privBytes)

	return &KeyPair{
		PublicKey:  priv.Public().(ed25519.PublicKey),
		PrivateKey: priv,
	}, nil
}

// NodeID is the identifier this key pair occupies in the DHT.
func (kp *KeyPair) NodeID() types.NodeID {
	return types.NewNodeID(kp.PublicKey)
}

// Sign creates a signature for the given message using the private key
func (kp *KeyPair) Sign(message []byte) ([]byte, error) {
	return ed25519.Sign(kp.PrivateKey, message), nil
}

// Verify checks if the signature is valid for the given message
func (kp *KeyPair) Verify(message, signature []byte) bool {
	return ed25519.Verify(kp.PublicKey, message, signature)
}
