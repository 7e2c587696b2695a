package core

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
	"golang.org/x/crypto/nacl/box"
)

// Identity is the durable per-device identity. The key pair is used to seal
// direct peer messages so intermediate hops cannot read them.
type Identity struct {
	NodeID  string `json:"node_id"`
	PubKey  string `json:"pub_key"`
	PrivKey string `json:"priv_key"`
}

// LoadOrGenerateIdentity reads the identity at path or creates and persists a
// fresh one.
func LoadOrGenerateIdentity(path string) (*Identity, error) {
	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read identity file: %w", err)
		}
		var id Identity
		if err := json.Unmarshal(data, &id); err != nil {
			return nil, fmt.Errorf("failed to parse identity file: %w", err)
		}
		if id.NodeID != "" {
			return &id, nil
		}
	}

	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key pair: %w", err)
	}

	id := Identity{
		NodeID:  uuid.New().String(),
		PubKey:  hex.EncodeToString(pub[:]),
		PrivKey: hex.EncodeToString(priv[:]),
	}

	data, err := json.MarshalIndent(id, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal identity: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return nil, fmt.Errorf("failed to write identity file: %w", err)
	}
	return &id, nil
}

// KeyPair decodes the hex-encoded keys into the fixed-size arrays nacl wants.
func (id *Identity) KeyPair() (pub, priv [32]byte, err error) {
	pubBytes, err := hex.DecodeString(id.PubKey)
	if err != nil {
		return pub, priv, fmt.Errorf("bad public key: %w", err)
	}
	privBytes, err := hex.DecodeString(id.PrivKey)
	if err != nil {
		return pub, priv, fmt.Errorf("bad private key: %w", err)
	}
	copy(pub[:], pubBytes)
	copy(priv[:], privBytes)
	return pub, priv, nil
}

// NewMessageID returns a fresh caller-generated message identifier. It is the
// idempotency key for every downstream store and transport.
func NewMessageID() string {
	return uuid.New().String()
}

// DeriveMessageID creates a deterministic ID from sender, content and
// timestamp, for callers that need stable IDs across app restarts.
func DeriveMessageID(senderID, content string, ts int64) string {
	input := fmt.Sprintf("%s:%s:%d", senderID, content, ts)
	hash := sha256.Sum256([]byte(input))
	return hex.EncodeToString(hash[:])
}
