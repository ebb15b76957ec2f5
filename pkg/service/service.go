// Package service implements the Bundle Service: the façade that wires
// Crypto, Bundle Model, Queue Store, Cache Budget, Trust Store, Forwarding
// Policy, and Receipt Service into the caller-facing operations listed in
// spec.md §4.10 and §6.
package service

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/solarmesh/btc/pkg/btcerr"
	"github.com/solarmesh/btc/pkg/bundle"
	"github.com/solarmesh/btc/pkg/cache"
	"github.com/solarmesh/btc/pkg/config"
	"github.com/solarmesh/btc/pkg/crypto"
	"github.com/solarmesh/btc/pkg/forwarding"
	"github.com/solarmesh/btc/pkg/queue"
	"github.com/solarmesh/btc/pkg/trust"
)

// Service is the Bundle Service façade. It holds no state of its own
// beyond its collaborators; all durable state lives in the Queue Store,
// Trust Store, and (indirectly) the Cache Budget's view of the Queue
// Store.
type Service struct {
	key     *crypto.NodeKey
	store   *queue.Store
	cache   *cache.Accountant
	trust   *trust.Store
	policy  *forwarding.Policy
	cfg     *config.Config
	logger  *log.Logger
}

// New wires a Bundle Service from its already-constructed collaborators.
func New(key *crypto.NodeKey, store *queue.Store, accountant *cache.Accountant, trustStore *trust.Store, policy *forwarding.Policy, cfg *config.Config) *Service {
	return &Service{
		key:    key,
		store:  store,
		cache:  accountant,
		trust:  trustStore,
		policy: policy,
		cfg:    cfg,
		logger: log.New(log.Writer(), "[service] ", log.LstdFlags),
	}
}

// CreateBundle fills in defaults, signs, addresses, admits against the
// cache budget, and enqueues to outbox (spec.md §4.10 create_bundle).
// ttl may be zero, in which case DefaultTTL's table is consulted.
func (s *Service) CreateBundle(ctx context.Context, payload map[string]interface{}, payloadType, topic string, priority bundle.Priority, audience bundle.Audience, tags []string, ttl time.Duration, receiptPolicy bundle.ReceiptPolicy) (*bundle.Bundle, error) {
	if !priority.Valid() {
		priority = bundle.PriorityNormal
	}
	if !audience.Valid() {
		audience = bundle.AudiencePublic
	}
	if !receiptPolicy.Valid() {
		receiptPolicy = bundle.ReceiptPolicyNone
	}

	authorKeyHex := s.key.PublicKeyHex()
	if ok, reason := s.trust.EnforceBundleCreationPolicy(audience, authorKeyHex); !ok {
		return nil, fmt.Errorf("%w: %s", btcerr.ErrAudienceDenied, reason)
	}

	if ttl <= 0 {
		ttl = bundle.DefaultTTL(priority, topic, tags)
	}
	now := time.Now()

	b := &bundle.Bundle{
		CreatedAt:       now,
		ExpiresAt:       now.Add(ttl),
		Priority:        priority,
		Audience:        audience,
		Topic:           topic,
		Tags:            tags,
		PayloadType:     payloadType,
		Payload:         payload,
		HopLimit:        s.cfg.DefaultHopLimit,
		HopCount:        0,
		ReceiptPolicy:   receiptPolicy,
		AuthorPublicKey: authorKeyHex,
	}

	if err := bundle.SignAndAddress(b, s.key); err != nil {
		return nil, err
	}

	size, err := b.SizeBytes()
	if err != nil {
		return nil, err
	}
	canAccept, err := s.cache.CanAccept(ctx, size)
	if err != nil {
		return nil, err
	}
	if !canAccept {
		return nil, btcerr.ErrCacheBudgetExceeded
	}

	// Duplicate admission here is only possible for a bit-identical
	// re-creation of the same bundle (same content yields the same
	// content-address); treating that as a no-op matches spec.md §4.10.
	if _, err := s.store.Enqueue(ctx, bundle.QueueOutbox, b); err != nil {
		return nil, err
	}
	return b, nil
}

// Validate implements pkg/syncproto.Validator: signature, recomputed
// bundleId, TTL, and hop limit checks (spec.md §4.1/§4.2).
func (s *Service) Validate(b *bundle.Bundle) error {
	if !bundle.VerifySignature(b, s.key) {
		return btcerr.ErrInvalidSignature
	}
	recomputed, err := b.CalculateBundleID()
	if err != nil {
		return err
	}
	if recomputed != b.BundleID {
		return btcerr.ErrBundleIDMismatch
	}
	if b.IsExpired(time.Now()) {
		return btcerr.ErrExpired
	}
	if b.IsHopLimitExceeded() {
		return btcerr.ErrHopLimitExceeded
	}
	return nil
}

// ReceiveBundle implements spec.md §4.10 receive_bundle: reject if already
// present in inbox/quarantine; else validate, admitting to inbox on
// success or quarantine (with reason) on failure. A collision with an
// existing outbox/pending/delivered/expired copy triggers the permitted
// single-step reappearance move to inbox instead of a fresh insert.
func (s *Service) ReceiveBundle(ctx context.Context, b *bundle.Bundle) (bool, string) {
	already, err := s.store.ExistsIn(ctx, b.BundleID, []bundle.Queue{bundle.QueueInbox, bundle.QueueQuarantine})
	if err != nil {
		return false, err.Error()
	}
	if already {
		return false, "Bundle already exists"
	}

	for _, from := range []bundle.Queue{bundle.QueueOutbox, bundle.QueuePending, bundle.QueueDelivered, bundle.QueueExpired} {
		moved, err := s.store.Move(ctx, b.BundleID, from, bundle.QueueInbox)
		if err != nil {
			return false, err.Error()
		}
		if moved {
			return true, "ok"
		}
	}

	if err := s.Validate(b); err != nil {
		if _, enqErr := s.store.Enqueue(ctx, bundle.QueueQuarantine, b); enqErr != nil {
			return false, enqErr.Error()
		}
		return false, err.Error()
	}

	if _, err := s.store.Enqueue(ctx, bundle.QueueInbox, b); err != nil {
		return false, err.Error()
	}
	return true, "ok"
}

// GetBundle returns b if the requester is authorized to read it per the
// Trust Store's audience enforcement.
func (s *Service) GetBundle(ctx context.Context, id, requesterPublicKeyHex string) (*bundle.Bundle, error) {
	b, _, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !s.trust.CanAccessBundle(b, requesterPublicKeyHex) {
		return nil, btcerr.ErrAudienceDenied
	}
	return b, nil
}

// ListBundles lists bundles in q with pagination.
func (s *Service) ListBundles(ctx context.Context, q bundle.Queue, limit, offset int) ([]*bundle.Bundle, error) {
	return s.store.List(ctx, q, limit, offset)
}

// CountQueue reports the number of bundles currently in q.
func (s *Service) CountQueue(ctx context.Context, q bundle.Queue) (int, error) {
	return s.store.Count(ctx, q)
}

// MoveToPending moves id from outbox to pending.
func (s *Service) MoveToPending(ctx context.Context, id string) (bool, error) {
	return s.policy.MoveToPending(ctx, id)
}

// MarkDelivered marks id delivered (pending→delivered, else
// outbox→delivered).
func (s *Service) MarkDelivered(ctx context.Context, id string) (bool, error) {
	return s.policy.MarkDelivered(ctx, id)
}

// GetCacheStats returns the current Cache Budget snapshot.
func (s *Service) GetCacheStats(ctx context.Context) (*cache.Stats, error) {
	return s.cache.GetStats(ctx)
}

// GetForwardingStats returns the current Forwarding Policy snapshot.
func (s *Service) GetForwardingStats(ctx context.Context) (*forwarding.Stats, error) {
	return s.policy.GetStats(ctx)
}

// GetTrustStats returns the current Trust Store snapshot.
func (s *Service) GetTrustStats() trust.Stats {
	return s.trust.GetStats()
}

// NodeID returns this node's identity for receipt attribution and sync
// session logging.
func (s *Service) NodeID() string {
	if s.cfg.NodeID != "" {
		return s.cfg.NodeID
	}
	return s.key.PublicKeyHex()
}
