package bundle

import (
	"encoding/json"
	"testing"
	"time"
)

type fakeSigner struct {
	pub string
	sig []byte
	err error
}

func (f *fakeSigner) Sign(message []byte) ([]byte, error) { return f.sig, f.err }
func (f *fakeSigner) PublicKeyHex() string                 { return f.pub }

type fakeVerifier struct{ ok bool }

func (f *fakeVerifier) Verify(message, signature []byte, publicKeyHex string) bool { return f.ok }

func newTestBundle() *Bundle {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return &Bundle{
		CreatedAt:     now,
		ExpiresAt:     now.Add(24 * time.Hour),
		Priority:      PriorityNormal,
		Audience:      AudiencePublic,
		Topic:         "coordination",
		Tags:          []string{"b", "a"},
		PayloadType:   "text/plain",
		Payload:       map[string]interface{}{"z": 1, "a": 2},
		HopLimit:      20,
		ReceiptPolicy: ReceiptPolicyNone,
	}
}

func TestCanonicalExcludesBundleIDAndSignature(t *testing.T) {
	b := newTestBundle()
	b.BundleID = "b:sha256:deadbeef"
	b.Signature = "some-signature"

	canon, err := b.Canonical()
	if err != nil {
		t.Fatalf("Canonical: %v", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(canon, &m); err != nil {
		t.Fatalf("unmarshal canonical: %v", err)
	}
	if _, ok := m["bundleId"]; ok {
		t.Error("canonical form must not include bundleId")
	}
	if _, ok := m["signature"]; ok {
		t.Error("canonical form must not include signature")
	}
}

func TestCanonicalIsKeySorted(t *testing.T) {
	b := newTestBundle()
	canon, err := b.Canonical()
	if err != nil {
		t.Fatalf("Canonical: %v", err)
	}
	// Go's json.Marshal sorts map keys lexicographically; verify "audience"
	// precedes "createdAt" precedes "tags" in the raw bytes.
	s := string(canon)
	iAudience := indexOf(s, `"audience"`)
	iCreatedAt := indexOf(s, `"createdAt"`)
	iTags := indexOf(s, `"tags"`)
	if !(iAudience < iCreatedAt && iCreatedAt < iTags) {
		t.Errorf("expected lexicographic key order, got audience=%d createdAt=%d tags=%d", iAudience, iCreatedAt, iTags)
	}
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}

func TestCalculateBundleIDFormat(t *testing.T) {
	b := newTestBundle()
	id, err := b.CalculateBundleID()
	if err != nil {
		t.Fatalf("CalculateBundleID: %v", err)
	}
	if len(id) != len("b:sha256:")+64 {
		t.Fatalf("unexpected bundleId length: %d", len(id))
	}
	if id[:9] != "b:sha256:" {
		t.Errorf("expected b:sha256: prefix, got %q", id[:9])
	}
}

func TestCalculateBundleIDDeterministic(t *testing.T) {
	b1 := newTestBundle()
	b2 := newTestBundle()
	id1, err := b1.CalculateBundleID()
	if err != nil {
		t.Fatalf("CalculateBundleID: %v", err)
	}
	id2, err := b2.CalculateBundleID()
	if err != nil {
		t.Fatalf("CalculateBundleID: %v", err)
	}
	if id1 != id2 {
		t.Errorf("identical bundle content produced different ids: %s vs %s", id1, id2)
	}
}

func TestCalculateBundleIDChangesWithContent(t *testing.T) {
	b1 := newTestBundle()
	b2 := newTestBundle()
	b2.Topic = "mutual-aid"

	id1, _ := b1.CalculateBundleID()
	id2, _ := b2.CalculateBundleID()
	if id1 == id2 {
		t.Error("different bundle content produced the same id")
	}
}

func TestHopCountExcludedFromAddress(t *testing.T) {
	b1 := newTestBundle()
	b2 := newTestBundle()
	b2.HopCount = 5

	id1, _ := b1.CalculateBundleID()
	id2, _ := b2.CalculateBundleID()
	if id1 != id2 {
		t.Error("hopCount must not affect the content address")
	}
}

func TestSignAndAddress(t *testing.T) {
	b := newTestBundle()
	signer := &fakeSigner{pub: "abc123", sig: []byte("signature-bytes")}

	if err := SignAndAddress(b, signer); err != nil {
		t.Fatalf("SignAndAddress: %v", err)
	}
	if b.AuthorPublicKey != "abc123" {
		t.Errorf("expected author public key to be filled from signer, got %q", b.AuthorPublicKey)
	}
	if b.Signature == "" {
		t.Error("expected signature to be set")
	}
	if b.BundleID == "" {
		t.Error("expected bundleId to be set")
	}

	wantID, err := b.CalculateBundleID()
	if err != nil {
		t.Fatalf("CalculateBundleID: %v", err)
	}
	if b.BundleID != wantID {
		t.Errorf("bundleId does not match recomputed content address")
	}
}

func TestVerifySignature(t *testing.T) {
	b := newTestBundle()
	b.Signature = encodeSignature([]byte("sig"))
	b.AuthorPublicKey = "abc"

	if !VerifySignature(b, &fakeVerifier{ok: true}) {
		t.Error("expected verification to succeed")
	}
	if VerifySignature(b, &fakeVerifier{ok: false}) {
		t.Error("expected verification to fail")
	}
}

func TestVerifySignatureMalformedNeverPanics(t *testing.T) {
	b := newTestBundle()
	b.Signature = "not-valid-base64!!"

	defer func() {
		if r := recover(); r != nil {
			t.Fatalf("VerifySignature panicked on malformed signature: %v", r)
		}
	}()
	if VerifySignature(b, &fakeVerifier{ok: true}) {
		t.Error("expected malformed signature to fail verification")
	}
}

func TestIsExpired(t *testing.T) {
	b := newTestBundle()
	if b.IsExpired(b.CreatedAt) {
		t.Error("bundle should not be expired at createdAt")
	}
	if !b.IsExpired(b.ExpiresAt.Add(time.Second)) {
		t.Error("bundle should be expired after expiresAt")
	}
}

func TestIsHopLimitExceeded(t *testing.T) {
	b := newTestBundle()
	b.HopLimit = 3
	b.HopCount = 2
	if b.IsHopLimitExceeded() {
		t.Error("hop count 2 of 3 should not exceed limit")
	}
	b.IncrementHopCount()
	if !b.IsHopLimitExceeded() {
		t.Error("hop count 3 of 3 should exceed limit")
	}
}

func TestFormatAndParseTimeRoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 15, 12, 30, 45, 123456000, time.UTC)
	s := FormatTime(now)
	if s[len(s)-1] != 'Z' {
		t.Errorf("expected canonical timestamp to end in Z, got %q", s)
	}
	parsed, err := ParseTime(s)
	if err != nil {
		t.Fatalf("ParseTime: %v", err)
	}
	if !parsed.Equal(now) {
		t.Errorf("round trip mismatch: got %v, want %v", parsed, now)
	}
}

func TestDefaultTTLTable(t *testing.T) {
	cases := []struct {
		name     string
		priority Priority
		topic    string
		tags     []string
		want     time.Duration
	}{
		{"emergency", PriorityEmergency, "anything", nil, 12 * time.Hour},
		{"perishable priority", PriorityPerishable, "anything", nil, 48 * time.Hour},
		{"food tag", PriorityNormal, "anything", []string{"food"}, 48 * time.Hour},
		{"index tag", PriorityNormal, "anything", []string{"index"}, 3 * 24 * time.Hour},
		{"knowledge topic", PriorityNormal, "knowledge", nil, 270 * 24 * time.Hour},
		{"mutual-aid topic", PriorityNormal, "mutual-aid", nil, 48 * time.Hour},
		{"coordination topic", PriorityNormal, "coordination", nil, 7 * 24 * time.Hour},
		{"inventory topic", PriorityNormal, "inventory", nil, 30 * 24 * time.Hour},
		{"normal fallback", PriorityNormal, "unrecognized", nil, 7 * 24 * time.Hour},
		{"low fallback", PriorityLow, "unrecognized", nil, 3 * 24 * time.Hour},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := DefaultTTL(c.priority, c.topic, c.tags)
			if got != c.want {
				t.Errorf("DefaultTTL(%v, %q, %v) = %v, want %v", c.priority, c.topic, c.tags, got, c.want)
			}
		})
	}
}

func TestSortByPriorityThenCreatedAt(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	bundles := []*Bundle{
		{Priority: PriorityLow, CreatedAt: base},
		{Priority: PriorityEmergency, CreatedAt: base.Add(time.Hour)},
		{Priority: PriorityEmergency, CreatedAt: base},
		{Priority: PriorityNormal, CreatedAt: base},
	}
	SortByPriorityThenCreatedAt(bundles)

	if bundles[0].Priority != PriorityEmergency || !bundles[0].CreatedAt.Equal(base) {
		t.Errorf("expected earliest emergency bundle first, got %+v", bundles[0])
	}
	if bundles[1].Priority != PriorityEmergency || !bundles[1].CreatedAt.Equal(base.Add(time.Hour)) {
		t.Errorf("expected later emergency bundle second, got %+v", bundles[1])
	}
	if bundles[2].Priority != PriorityNormal {
		t.Errorf("expected normal bundle third, got %+v", bundles[2])
	}
	if bundles[3].Priority != PriorityLow {
		t.Errorf("expected low bundle last, got %+v", bundles[3])
	}
}

func TestPriorityValidAndRank(t *testing.T) {
	valid := []Priority{PriorityEmergency, PriorityPerishable, PriorityNormal, PriorityLow}
	for _, p := range valid {
		if !p.Valid() {
			t.Errorf("expected %v to be valid", p)
		}
	}
	if Priority("bogus").Valid() {
		t.Error("expected bogus priority to be invalid")
	}
	if PriorityEmergency.Rank() >= PriorityLow.Rank() {
		t.Error("expected emergency to rank ahead of low")
	}
}

func TestSizeBytesIncludesFullWireForm(t *testing.T) {
	b := newTestBundle()
	b.BundleID = "b:sha256:abcd"
	b.Signature = "sig"

	canonSize, err := b.Canonical()
	if err != nil {
		t.Fatalf("Canonical: %v", err)
	}
	size, err := b.SizeBytes()
	if err != nil {
		t.Fatalf("SizeBytes: %v", err)
	}
	if int64(len(canonSize)) >= size {
		t.Error("expected SizeBytes to exceed the canonical-only form since it also includes bundleId and signature")
	}
}
