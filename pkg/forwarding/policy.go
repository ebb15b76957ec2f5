// Package forwarding implements the Forwarding Policy: the can-forward
// predicate, priority-ordered selection, and the pending/delivered queue
// transitions (spec.md §4.6).
package forwarding

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/solarmesh/btc/pkg/bundle"
	"github.com/solarmesh/btc/pkg/queue"
)

// TrustChecker is the minimal Trust Store collaborator the forwarding
// predicate needs for the private-audience verified-keyring check.
type TrustChecker interface {
	IsInKeyring(keyring, publicKeyHex string) bool
}

// Policy implements can_forward_to_peer, select_for_forwarding,
// move_to_pending, and mark_delivered.
type Policy struct {
	store  *queue.Store
	trust  TrustChecker
	logger *log.Logger
}

// New creates a Forwarding Policy over store, consulting trust for
// audience=private gating.
func New(store *queue.Store, trust TrustChecker) *Policy {
	return &Policy{
		store:  store,
		trust:  trust,
		logger: log.New(log.Writer(), "[forwarding] ", log.LstdFlags),
	}
}

// CanForwardToPeer implements spec.md §4.6's predicate exactly, in the
// documented check order. peerTrustScore is in [0,1]; peerIsLocal reports
// community co-location; peerPublicKeyHex identifies the peer for the
// private-audience verified-keyring check.
func (p *Policy) CanForwardToPeer(b *bundle.Bundle, peerPublicKeyHex string, peerTrustScore float64, peerIsLocal bool) (bool, string) {
	now := time.Now()
	if b.IsExpired(now) {
		return false, "Bundle expired"
	}
	if b.IsHopLimitExceeded() {
		return false, "Hop limit exceeded"
	}

	switch b.Audience {
	case bundle.AudiencePublic:
		return true, ""
	case bundle.AudienceLocal:
		if peerIsLocal {
			return true, ""
		}
		return false, "peer is not local"
	case bundle.AudienceTrusted:
		if peerTrustScore >= 0.7 {
			return true, ""
		}
		return false, "peer trust score too low"
	case bundle.AudiencePrivate:
		if p.trust != nil && p.trust.IsInKeyring("verified", peerPublicKeyHex) {
			return true, ""
		}
		return false, "peer is not in the verified keyring"
	default:
		return false, fmt.Sprintf("unknown audience %q", b.Audience)
	}
}

// SelectForForwarding draws up to maxN bundles from pending, strictly in
// forwarding-policy priority order (emergency, perishable, normal, low),
// ties broken by createdAt ascending (spec.md §4.6, §4.8 "Ordering").
func (p *Policy) SelectForForwarding(ctx context.Context, maxN int) ([]*bundle.Bundle, error) {
	var out []*bundle.Bundle
	for _, prio := range []bundle.Priority{
		bundle.PriorityEmergency, bundle.PriorityPerishable, bundle.PriorityNormal, bundle.PriorityLow,
	} {
		if len(out) >= maxN {
			break
		}
		remaining := maxN - len(out)
		tier, err := p.listPendingByPriority(ctx, prio, remaining)
		if err != nil {
			return nil, err
		}
		out = append(out, tier...)
	}
	return out, nil
}

func (p *Policy) listPendingByPriority(ctx context.Context, prio bundle.Priority, limit int) ([]*bundle.Bundle, error) {
	// List() already orders by (priority rank, createdAt); filter to a
	// single priority tier here so tiers are exhausted in strict order
	// even when the caller's maxN spans more than one tier.
	all, err := p.store.List(ctx, bundle.QueuePending, 100000, 0)
	if err != nil {
		return nil, err
	}
	var tier []*bundle.Bundle
	for _, b := range all {
		if b.Priority == prio {
			tier = append(tier, b)
			if len(tier) >= limit {
				break
			}
		}
	}
	return tier, nil
}

// MoveToPending moves id from outbox to pending.
func (p *Policy) MoveToPending(ctx context.Context, id string) (bool, error) {
	return p.store.Move(ctx, id, bundle.QueueOutbox, bundle.QueuePending)
}

// MarkDelivered attempts pending→delivered, falling back to
// outbox→delivered, matching spec.md §4.6.
func (p *Policy) MarkDelivered(ctx context.Context, id string) (bool, error) {
	ok, err := p.store.Move(ctx, id, bundle.QueuePending, bundle.QueueDelivered)
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}
	return p.store.Move(ctx, id, bundle.QueueOutbox, bundle.QueueDelivered)
}

// Forward performs a successful forward: it increments hopCount on the
// sender's local copy only (the content address is unaffected — hopCount
// is excluded from Bundle.Canonical()). The caller is responsible for
// transmitting the resulting bundle and persisting the updated hopCount if
// the sender retains its own copy across restarts.
func (p *Policy) Forward(b *bundle.Bundle) {
	b.IncrementHopCount()
}

// Stats is a read-only snapshot, grounded on the reference
// implementation's get_forwarding_stats.
type Stats struct {
	PendingCount int
	OutboxCount  int
}

// GetStats returns a snapshot of forwarding-relevant queue depths.
func (p *Policy) GetStats(ctx context.Context) (*Stats, error) {
	pending, err := p.store.Count(ctx, bundle.QueuePending)
	if err != nil {
		return nil, err
	}
	outbox, err := p.store.Count(ctx, bundle.QueueOutbox)
	if err != nil {
		return nil, err
	}
	return &Stats{PendingCount: pending, OutboxCount: outbox}, nil
}
