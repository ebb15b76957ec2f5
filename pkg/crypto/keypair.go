// Package crypto provides Ed25519 node-identity lifecycle for the bundle
// transport core: keypair generation and on-disk persistence, signing,
// verification, and public-key fingerprinting.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const (
	privateKeyFilename = "node_private.pem"
	publicKeyFilename  = "node_public.pem"

	privateKeyMode os.FileMode = 0o600
	publicKeyMode  os.FileMode = 0o644

	pemPrivateBlockType = "PRIVATE KEY"
	pemPublicBlockType  = "PUBLIC KEY"
)

// NodeKey owns the node's Ed25519 keypair and performs signing and
// verification against it. Key material never leaves the process except as
// PEM artifacts on disk.
type NodeKey struct {
	mu         sync.RWMutex
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
}

// LoadOrGenerate loads an existing keypair from keysDir, or generates and
// persists a fresh one if none exists yet. keysDir is created if missing.
// Matches the load-or-generate discipline in spec.md §4.1 and §5 ("one-time
// generation is serialized by file existence").
func LoadOrGenerate(keysDir string) (*NodeKey, error) {
	if err := os.MkdirAll(keysDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating keys directory: %w", err)
	}

	privPath := filepath.Join(keysDir, privateKeyFilename)
	pubPath := filepath.Join(keysDir, publicKeyFilename)

	_, privErr := os.Stat(privPath)
	_, pubErr := os.Stat(pubPath)
	if privErr == nil && pubErr == nil {
		return loadKeypair(privPath, pubPath)
	}
	return generateKeypair(privPath, pubPath)
}

func generateKeypair(privPath, pubPath string) (*NodeKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating ed25519 keypair: %w", err)
	}

	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("marshaling private key: %w", err)
	}
	privPEM := pem.EncodeToMemory(&pem.Block{Type: pemPrivateBlockType, Bytes: privDER})
	if err := os.WriteFile(privPath, privPEM, privateKeyMode); err != nil {
		return nil, fmt.Errorf("writing private key: %w", err)
	}
	if err := os.Chmod(privPath, privateKeyMode); err != nil {
		return nil, fmt.Errorf("setting private key permissions: %w", err)
	}

	pubDER, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("marshaling public key: %w", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: pemPublicBlockType, Bytes: pubDER})
	if err := os.WriteFile(pubPath, pubPEM, publicKeyMode); err != nil {
		return nil, fmt.Errorf("writing public key: %w", err)
	}
	if err := os.Chmod(pubPath, publicKeyMode); err != nil {
		return nil, fmt.Errorf("setting public key permissions: %w", err)
	}

	return &NodeKey{privateKey: priv, publicKey: pub}, nil
}

func loadKeypair(privPath, pubPath string) (*NodeKey, error) {
	privPEM, err := os.ReadFile(privPath)
	if err != nil {
		return nil, fmt.Errorf("reading private key: %w", err)
	}
	block, _ := pem.Decode(privPEM)
	if block == nil {
		return nil, fmt.Errorf("decoding private key PEM: no block found")
	}
	rawPriv, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	priv, ok := rawPriv.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is not ed25519")
	}

	pubPEMBytes, err := os.ReadFile(pubPath)
	if err != nil {
		return nil, fmt.Errorf("reading public key: %w", err)
	}
	pubBlock, _ := pem.Decode(pubPEMBytes)
	if pubBlock == nil {
		return nil, fmt.Errorf("decoding public key PEM: no block found")
	}
	rawPub, err := x509.ParsePKIXPublicKey(pubBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing public key: %w", err)
	}
	pub, ok := rawPub.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is not ed25519")
	}

	return &NodeKey{privateKey: priv, publicKey: pub}, nil
}

// Sign signs message with the node's private key.
func (k *NodeKey) Sign(message []byte) ([]byte, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return ed25519.Sign(k.privateKey, message), nil
}

// PublicKeyHex returns the node's public key as lowercase hex, the form
// embedded in Bundle.AuthorPublicKey and used in trust keyrings.
func (k *NodeKey) PublicKeyHex() string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return hex.EncodeToString(k.publicKey)
}

// PublicKeyPEM returns the node's public key as a SubjectPublicKeyInfo PEM
// string.
func (k *NodeKey) PublicKeyPEM() (string, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	der, err := x509.MarshalPKIXPublicKey(k.publicKey)
	if err != nil {
		return "", fmt.Errorf("marshaling public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: pemPublicBlockType, Bytes: der})), nil
}

// Fingerprint returns a stable 16-hex-character fingerprint of the public
// key PEM, for display and logging.
func (k *NodeKey) Fingerprint() (string, error) {
	pemStr, err := k.PublicKeyPEM()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(pemStr))
	return hex.EncodeToString(sum[:])[:16], nil
}

// Verify reports whether signature verifies over message under the given
// hex-encoded public key. Verification failure of any kind (malformed hex,
// wrong length key, bad signature) is non-exceptional: it simply returns
// false.
func Verify(message, signature []byte, publicKeyHex string) bool {
	pubBytes, err := hex.DecodeString(publicKeyHex)
	if err != nil || len(pubBytes) != ed25519.PublicKeySize {
		return false
	}
	defer func() { recover() }() // ed25519.Verify panics on malformed signatures in some builds; never let that escape
	return ed25519.Verify(ed25519.PublicKey(pubBytes), message, signature)
}

// Verify is also exposed as a method so NodeKey satisfies the
// pkg/bundle.Verifier interface directly when a node verifies its own
// re-received bundles.
func (k *NodeKey) Verify(message, signature []byte, publicKeyHex string) bool {
	return Verify(message, signature, publicKeyHex)
}
