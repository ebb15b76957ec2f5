// Package trust implements the Trust Store: keyring membership and trust
// levels, persisted as a single JSON document, plus audience enforcement
// for reads and bundle creation (spec.md §4.7).
package trust

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	dbm "github.com/cometbft/cometbft-db"

	"github.com/solarmesh/btc/pkg/bundle"
	"github.com/solarmesh/btc/pkg/kvdb"
)

// TrustLevel mirrors the original reference implementation's integer
// trust-level scale.
type TrustLevel int

const (
	TrustUnknown  TrustLevel = 0
	TrustKnown    TrustLevel = 1
	TrustTrusted  TrustLevel = 2
	TrustVerified TrustLevel = 3
)

const (
	KeyringPublic   = "public"
	KeyringLocal    = "local"
	KeyringTrusted  = "trusted"
	KeyringVerified = "verified"
)

// document is the on-disk JSON shape: { keyrings: {...}, trust_levels: {...} }.
type document struct {
	Keyrings    map[string]map[string]bool `json:"keyrings"`
	TrustLevels map[string]int             `json:"trust_levels"`
}

// Store is the Trust Store. All load-modify-save cycles are serialized
// through a single mutex; readers work off the in-memory document and never
// touch disk themselves, but they wait while a mutation is saving it. The JSON
// document on disk is always the source of truth; mirror, when non-nil,
// is an accelerator kept in lockstep for constrained nodes that want to
// answer keyring-membership checks without walking the in-memory map.
type Store struct {
	path   string
	mu     sync.RWMutex
	doc    document
	mirror *kvdb.KeyringMirror
}

// Load reads (or initializes) the trust store at path, with no keyring
// mirror.
func Load(path string) (*Store, error) {
	return LoadWithMirror(path, "")
}

// LoadWithMirror reads (or initializes) the trust store at path and, when
// mirrorDir is non-empty, opens a CometBFT goleveldb-backed KeyringMirror
// under it and rebuilds it from the loaded document so the two never
// diverge across a restart.
func LoadWithMirror(path, mirrorDir string) (*Store, error) {
	s := &Store{path: path, doc: document{
		Keyrings:    map[string]map[string]bool{KeyringPublic: {}, KeyringLocal: {}, KeyringTrusted: {}, KeyringVerified: {}},
		TrustLevels: map[string]int{},
	}}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if err := s.saveLocked(); err != nil {
				return nil, err
			}
			return s, s.openMirror(mirrorDir)
		}
		return nil, fmt.Errorf("reading trust store: %w", err)
	}

	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parsing trust store: %w", err)
	}
	if doc.Keyrings == nil {
		doc.Keyrings = map[string]map[string]bool{}
	}
	for _, kr := range []string{KeyringPublic, KeyringLocal, KeyringTrusted, KeyringVerified} {
		if doc.Keyrings[kr] == nil {
			doc.Keyrings[kr] = map[string]bool{}
		}
	}
	if doc.TrustLevels == nil {
		doc.TrustLevels = map[string]int{}
	}
	s.doc = doc
	return s, s.openMirror(mirrorDir)
}

// openMirror opens the keyring mirror database, if configured, and
// rebuilds its contents from the already-loaded document.
func (s *Store) openMirror(mirrorDir string) error {
	if mirrorDir == "" {
		return nil
	}
	db, err := dbm.NewGoLevelDB("trust-keyring-mirror", mirrorDir)
	if err != nil {
		return fmt.Errorf("opening trust keyring mirror: %w", err)
	}
	s.mirror = kvdb.NewKeyringMirror(db)
	for kr, members := range s.doc.Keyrings {
		for publicKeyHex := range members {
			if err := s.mirror.Add(kr, publicKeyHex); err != nil {
				return fmt.Errorf("rebuilding trust keyring mirror: %w", err)
			}
		}
	}
	return nil
}

func (s *Store) saveLocked() error {
	raw, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding trust store: %w", err)
	}
	if err := os.WriteFile(s.path, raw, 0o644); err != nil {
		return fmt.Errorf("writing trust store: %w", err)
	}
	return nil
}

// AddToKeyring adds publicKeyHex to keyring and persists the store.
func (s *Store) AddToKeyring(keyring, publicKeyHex string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doc.Keyrings[keyring] == nil {
		s.doc.Keyrings[keyring] = map[string]bool{}
	}
	s.doc.Keyrings[keyring][publicKeyHex] = true
	if err := s.saveLocked(); err != nil {
		return err
	}
	if s.mirror != nil {
		return s.mirror.Add(keyring, publicKeyHex)
	}
	return nil
}

// RemoveFromKeyring removes publicKeyHex from keyring and persists.
func (s *Store) RemoveFromKeyring(keyring, publicKeyHex string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.doc.Keyrings[keyring], publicKeyHex)
	if err := s.saveLocked(); err != nil {
		return err
	}
	if s.mirror != nil {
		return s.mirror.Remove(keyring, publicKeyHex)
	}
	return nil
}

// IsInKeyring reports membership. When a keyring mirror is configured it
// answers the query; otherwise it falls back to the in-memory document.
func (s *Store) IsInKeyring(keyring, publicKeyHex string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.mirror != nil {
		present, err := s.mirror.Contains(keyring, publicKeyHex)
		if err == nil {
			return present
		}
	}
	return s.doc.Keyrings[keyring][publicKeyHex]
}

// SetTrustLevel records publicKeyHex's trust level and persists.
func (s *Store) SetTrustLevel(publicKeyHex string, level TrustLevel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.TrustLevels[publicKeyHex] = int(level)
	return s.saveLocked()
}

// GetTrustLevel returns publicKeyHex's recorded trust level, or
// TrustUnknown if never set.
func (s *Store) GetTrustLevel(publicKeyHex string) TrustLevel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return TrustLevel(s.doc.TrustLevels[publicKeyHex])
}

// CanAccessBundle gates reads by audience: public is always readable; the
// author can always read their own bundle; local/trusted/private each
// require keyring membership or an equivalent trust level.
func (s *Store) CanAccessBundle(b *bundle.Bundle, requesterPublicKeyHex string) bool {
	if b.Audience == bundle.AudiencePublic {
		return true
	}
	if requesterPublicKeyHex == b.AuthorPublicKey {
		return true
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	switch b.Audience {
	case bundle.AudienceLocal:
		return s.doc.Keyrings[KeyringLocal][requesterPublicKeyHex]
	case bundle.AudienceTrusted:
		if s.doc.Keyrings[KeyringTrusted][requesterPublicKeyHex] || s.doc.Keyrings[KeyringVerified][requesterPublicKeyHex] {
			return true
		}
		return TrustLevel(s.doc.TrustLevels[requesterPublicKeyHex]) >= TrustTrusted
	case bundle.AudiencePrivate:
		if s.doc.Keyrings[KeyringVerified][requesterPublicKeyHex] {
			return true
		}
		return TrustLevel(s.doc.TrustLevels[requesterPublicKeyHex]) >= TrustVerified
	default:
		return false
	}
}

// EnforceBundleCreationPolicy gates authoring by audience: only
// local/trusted members may author `trusted` bundles; only `verified`
// members may author `private` bundles (spec.md §4.7).
func (s *Store) EnforceBundleCreationPolicy(audience bundle.Audience, authorPublicKeyHex string) (bool, string) {
	if audience == bundle.AudiencePublic || audience == bundle.AudienceLocal {
		return true, ""
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	switch audience {
	case bundle.AudienceTrusted:
		if s.doc.Keyrings[KeyringLocal][authorPublicKeyHex] || s.doc.Keyrings[KeyringTrusted][authorPublicKeyHex] {
			return true, ""
		}
		if TrustLevel(s.doc.TrustLevels[authorPublicKeyHex]) >= TrustTrusted {
			return true, ""
		}
		return false, "author is not local or trusted"
	case bundle.AudiencePrivate:
		if s.doc.Keyrings[KeyringVerified][authorPublicKeyHex] {
			return true, ""
		}
		if TrustLevel(s.doc.TrustLevels[authorPublicKeyHex]) >= TrustVerified {
			return true, ""
		}
		return false, "author is not verified"
	default:
		return false, fmt.Sprintf("unknown audience %q", audience)
	}
}

// Stats is a read-only snapshot, grounded on the reference
// implementation's get_trust_stats.
type Stats struct {
	KeyringSizes map[string]int
	TrackedKeys  int
}

// GetStats returns keyring sizes and the number of keys with a recorded
// trust level.
func (s *Store) GetStats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sizes := make(map[string]int, len(s.doc.Keyrings))
	for kr, members := range s.doc.Keyrings {
		sizes[kr] = len(members)
	}
	return Stats{KeyringSizes: sizes, TrackedKeys: len(s.doc.TrustLevels)}
}

// ImportKeyring bulk-loads keyring memberships from a community-distributed
// roster file: a single JSON array of { "keyring": "...", "keys": ["...", ...] }
// objects. Supplements spec.md from the original reference
// implementation's import/export_commune_keyring.
func (s *Store) ImportKeyring(r io.Reader) error {
	dec := json.NewDecoder(r)
	var entries []struct {
		Keyring string   `json:"keyring"`
		Keys    []string `json:"keys"`
	}
	if err := dec.Decode(&entries); err != nil {
		return fmt.Errorf("decoding keyring import: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		if s.doc.Keyrings[e.Keyring] == nil {
			s.doc.Keyrings[e.Keyring] = map[string]bool{}
		}
		for _, k := range e.Keys {
			s.doc.Keyrings[e.Keyring][k] = true
		}
	}
	if err := s.saveLocked(); err != nil {
		return err
	}
	if s.mirror != nil {
		for _, e := range entries {
			for _, k := range e.Keys {
				if err := s.mirror.Add(e.Keyring, k); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// ExportKeyring writes the current keyrings in the same shape ImportKeyring
// accepts.
func (s *Store) ExportKeyring(w io.Writer) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type entry struct {
		Keyring string   `json:"keyring"`
		Keys    []string `json:"keys"`
	}
	var entries []entry
	for kr, members := range s.doc.Keyrings {
		keys := make([]string, 0, len(members))
		for k := range members {
			keys = append(keys, k)
		}
		entries = append(entries, entry{Keyring: kr, Keys: keys})
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(entries)
}
