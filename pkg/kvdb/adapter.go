// Package kvdb adapts a CometBFT dbm.DB key-value store into a fast local
// mirror of keyring membership, so constrained nodes can answer
// "is this public key in keyring X" without consulting the trust store's
// in-memory JSON document.
package kvdb

import (
	"fmt"

	dbm "github.com/cometbft/cometbft-db"
)

// KeyringMirror wraps a CometBFT dbm.DB and stores a flat set of
// "<keyring>:<publicKeyHex>" keys, each mapped to a single marker byte.
// It is an optional accelerator: pkg/trust remains the source of truth
// (its JSON document is authoritative), and KeyringMirror is rebuilt from
// it at startup and kept in sync on every mutation.
type KeyringMirror struct {
	db dbm.DB
}

var present = []byte{1}

// NewKeyringMirror creates a new KeyringMirror over the given underlying DB.
func NewKeyringMirror(db dbm.DB) *KeyringMirror {
	return &KeyringMirror{db: db}
}

func mirrorKey(keyring, publicKeyHex string) []byte {
	return []byte(fmt.Sprintf("%s:%s", keyring, publicKeyHex))
}

// Contains reports whether publicKeyHex is a known member of keyring.
func (m *KeyringMirror) Contains(keyring, publicKeyHex string) (bool, error) {
	if m.db == nil {
		return false, nil
	}
	v, err := m.db.Get(mirrorKey(keyring, publicKeyHex))
	if err != nil {
		return false, err
	}
	return v != nil, nil
}

// Add marks publicKeyHex as a member of keyring.
func (m *KeyringMirror) Add(keyring, publicKeyHex string) error {
	if m.db == nil {
		return nil
	}
	return m.db.SetSync(mirrorKey(keyring, publicKeyHex), present)
}

// Remove clears publicKeyHex's membership in keyring.
func (m *KeyringMirror) Remove(keyring, publicKeyHex string) error {
	if m.db == nil {
		return nil
	}
	return m.db.DeleteSync(mirrorKey(keyring, publicKeyHex))
}
