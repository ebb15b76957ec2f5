// Package bundle defines the immutable, signed, content-addressed unit of
// transport exchanged between mesh nodes, and the canonical serialization
// used for both signing and content-addressing.
package bundle

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Priority is the bundle's forwarding priority class. Zero value is invalid;
// always set explicitly or via defaulting in Bundle Service.
type Priority string

const (
	PriorityEmergency Priority = "emergency"
	PriorityPerishable Priority = "perishable"
	PriorityNormal     Priority = "normal"
	PriorityLow        Priority = "low"
)

// Rank returns the total-order rank used for queue ordering and forwarding
// selection: lower rank forwards first.
func (p Priority) Rank() int {
	switch p {
	case PriorityEmergency:
		return 1
	case PriorityPerishable:
		return 2
	case PriorityNormal:
		return 3
	case PriorityLow:
		return 4
	default:
		return 99
	}
}

func (p Priority) Valid() bool {
	switch p {
	case PriorityEmergency, PriorityPerishable, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

// Audience declares who may carry and who may read a bundle. This is
// distinct from, and must never be conflated with, any broadcast/multicast/
// direct vocabulary used by higher layers for non-bundle messaging.
type Audience string

const (
	AudiencePublic  Audience = "public"
	AudienceLocal   Audience = "local"
	AudienceTrusted Audience = "trusted"
	AudiencePrivate Audience = "private"
)

func (a Audience) Valid() bool {
	switch a {
	case AudiencePublic, AudienceLocal, AudienceTrusted, AudiencePrivate:
		return true
	}
	return false
}

// ReceiptPolicy controls which lifecycle events generate a receipt bundle
// back to the author. See pkg/receipt for the emission table.
type ReceiptPolicy string

const (
	ReceiptPolicyNone      ReceiptPolicy = "none"
	ReceiptPolicyRequested ReceiptPolicy = "requested"
	ReceiptPolicyRequired  ReceiptPolicy = "required"
)

func (r ReceiptPolicy) Valid() bool {
	switch r {
	case ReceiptPolicyNone, ReceiptPolicyRequested, ReceiptPolicyRequired:
		return true
	}
	return false
}

// Queue is the mutable lifecycle attribute attached externally to a stored
// bundle. It is never part of the bundle's signed/addressed body.
type Queue string

const (
	QueueInbox      Queue = "inbox"
	QueueOutbox     Queue = "outbox"
	QueuePending    Queue = "pending"
	QueueDelivered  Queue = "delivered"
	QueueExpired    Queue = "expired"
	QueueQuarantine Queue = "quarantine"
)

// canonicalTimeFormat is RFC3339 with fixed microsecond precision and a
// literal "Z" suffix, per spec.md §6.
const canonicalTimeFormat = "2006-01-02T15:04:05.000000Z"

// FormatTime renders t as the canonical UTC timestamp string.
func FormatTime(t time.Time) string {
	return t.UTC().Format(canonicalTimeFormat)
}

// ParseTime parses a canonical timestamp string back into a UTC time.Time.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(canonicalTimeFormat, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing canonical timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

// Bundle is the immutable, signed, content-addressed transport unit.
// Every field except HopCount is fixed once SignAndAddress is called; HopCount is
// mutated in a node's local copy only, and is never part of the canonical
// body used for signing or addressing.
type Bundle struct {
	BundleID        string                 `json:"bundleId"`
	CreatedAt       time.Time              `json:"createdAt"`
	ExpiresAt       time.Time              `json:"expiresAt"`
	Priority        Priority               `json:"priority"`
	Audience        Audience               `json:"audience"`
	Topic           string                 `json:"topic"`
	Tags            []string               `json:"tags"`
	PayloadType     string                 `json:"payloadType"`
	Payload         map[string]interface{} `json:"payload"`
	HopLimit        int                    `json:"hopLimit"`
	HopCount        int                    `json:"hopCount"`
	ReceiptPolicy   ReceiptPolicy          `json:"receiptPolicy"`
	Signature       string                 `json:"signature"`
	AuthorPublicKey string                 `json:"authorPublicKey"`
}

// canonicalMap builds the map of fields included in the canonical
// serialization: everything except bundleId, signature and hopCount. Go's
// encoding/json sorts map keys (at every nesting level) when marshaling,
// which is exactly the lexicographic-key-order requirement in spec.md §3 —
// no custom encoder is needed as long as the body is built as a map rather
// than marshaled directly from the struct (which would preserve field
// declaration order instead).
func (b *Bundle) canonicalMap() map[string]interface{} {
	tags := append([]string(nil), b.Tags...)
	return map[string]interface{}{
		"createdAt":       FormatTime(b.CreatedAt),
		"expiresAt":       FormatTime(b.ExpiresAt),
		"priority":        string(b.Priority),
		"audience":        string(b.Audience),
		"topic":           b.Topic,
		"tags":            tags,
		"payloadType":     b.PayloadType,
		"payload":         b.Payload,
		"hopLimit":        b.HopLimit,
		"receiptPolicy":   string(b.ReceiptPolicy),
		"authorPublicKey": b.AuthorPublicKey,
	}
}

// Canonical returns the deterministic, bit-exact byte serialization used
// for both signing and content-addressing. It excludes bundleId,
// signature and hopCount.
func (b *Bundle) Canonical() ([]byte, error) {
	body := b.canonicalMap()
	out, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("canonicalizing bundle: %w", err)
	}
	return out, nil
}

// CalculateBundleID returns the content-address of the bundle: the literal
// prefix "b:sha256:" followed by 64 lowercase hex characters, the SHA-256
// digest of Canonical().
func (b *Bundle) CalculateBundleID() (string, error) {
	canon, err := b.Canonical()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return "b:sha256:" + hex.EncodeToString(sum[:]), nil
}

// IsExpired reports whether the bundle's expiresAt has passed as of now.
func (b *Bundle) IsExpired(now time.Time) bool {
	return now.After(b.ExpiresAt)
}

// IsHopLimitExceeded reports whether hopCount has reached or exceeded
// hopLimit.
func (b *Bundle) IsHopLimitExceeded() bool {
	return b.HopCount >= b.HopLimit
}

// IncrementHopCount bumps hopCount in this local copy only; the content
// address is unaffected since hopCount is excluded from Canonical().
func (b *Bundle) IncrementHopCount() {
	b.HopCount++
}

// Signer is the minimal crypto collaborator Bundle Model needs: sign over
// arbitrary bytes, and report the public key to embed.
type Signer interface {
	Sign(message []byte) (signature []byte, err error)
	PublicKeyHex() string
}

// SignAndAddress fills Signature first, then computes BundleID over the
// same canonical bytes (signature and bundleId are both excluded from that
// canonical form, so the same bytes serve both purposes — this matches
// spec.md §4.2's mandated resolution of the signing/addressing ordering
// ambiguity). An empty AuthorPublicKey is first filled from
// signer.PublicKeyHex().
func SignAndAddress(b *Bundle, signer Signer) error {
	if b.AuthorPublicKey == "" {
		b.AuthorPublicKey = signer.PublicKeyHex()
	}
	canon, err := b.Canonical()
	if err != nil {
		return err
	}
	sig, err := signer.Sign(canon)
	if err != nil {
		return fmt.Errorf("signing bundle: %w", err)
	}
	b.Signature = encodeSignature(sig)

	id, err := b.CalculateBundleID()
	if err != nil {
		return err
	}
	b.BundleID = id
	return nil
}

// Verifier is the minimal crypto collaborator Bundle Model needs for
// authenticity checks.
type Verifier interface {
	Verify(message, signature []byte, publicKeyHex string) bool
}

// VerifySignature reports whether b.Signature verifies against
// b.AuthorPublicKey over Canonical(). It never panics on malformed input —
// verification failure is non-exceptional (spec.md §4.1).
func VerifySignature(b *Bundle, v Verifier) bool {
	sig, err := decodeSignature(b.Signature)
	if err != nil {
		return false
	}
	canon, err := b.Canonical()
	if err != nil {
		return false
	}
	return v.Verify(canon, sig, b.AuthorPublicKey)
}

func encodeSignature(sig []byte) string {
	return base64.StdEncoding.EncodeToString(sig)
}

func decodeSignature(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

// SizeBytes estimates the serialized payload size used for cache-budget
// accounting: the length of the bundle's full canonical-plus-signature wire
// form.
func (b *Bundle) SizeBytes() (int64, error) {
	full := b.canonicalMap()
	full["bundleId"] = b.BundleID
	full["signature"] = b.Signature
	full["hopCount"] = b.HopCount
	out, err := json.Marshal(full)
	if err != nil {
		return 0, fmt.Errorf("sizing bundle: %w", err)
	}
	return int64(len(out)), nil
}

// DefaultTTL implements the default TTL table from spec.md §4.2, applied
// when the caller supplies neither expiresAt nor an explicit TTL. Checked
// in the documented order; the first matching rule wins.
func DefaultTTL(priority Priority, topic string, tags []string) time.Duration {
	day := 24 * time.Hour

	if priority == PriorityEmergency {
		return 12 * time.Hour
	}
	if priority == PriorityPerishable {
		return 48 * time.Hour
	}
	if hasTag(tags, "food") || hasTag(tags, "perishable") {
		return 48 * time.Hour
	}
	if hasTag(tags, "index") {
		return 3 * day
	}
	t := strings.ToLower(topic)
	if t == "knowledge" || t == "education" {
		return 270 * day
	}
	if t == "mutual-aid" {
		return 48 * time.Hour
	}
	if t == "coordination" {
		return 7 * day
	}
	if t == "inventory" {
		return 30 * day
	}
	if priority == PriorityNormal {
		return 7 * day
	}
	return 3 * day // low, or any unrecognized priority, falls back to the low default
}

func hasTag(tags []string, want string) bool {
	want = strings.ToLower(want)
	for _, t := range tags {
		if strings.ToLower(t) == want {
			return true
		}
	}
	return false
}

// SortByPriorityThenCreatedAt sorts bundles in forwarding order: priority
// rank ascending, ties broken by createdAt ascending (older first).
func SortByPriorityThenCreatedAt(bundles []*Bundle) {
	sort.SliceStable(bundles, func(i, j int) bool {
		ri, rj := bundles[i].Priority.Rank(), bundles[j].Priority.Rank()
		if ri != rj {
			return ri < rj
		}
		return bundles[i].CreatedAt.Before(bundles[j].CreatedAt)
	})
}
