// Package receipt implements the Receipt Service: lifecycle-event receipt
// emission per a bundle's receiptPolicy, receipt ingestion, and delivery
// status aggregation (spec.md §4.9).
//
// This deliberately does not replicate the original reference
// implementation's five-value ReceiptPolicy gating (NONE/RECEIVED/FORWARDED/
// DELIVERED/ALL); spec.md §4.9 defines a different, three-value
// {none, requested, required} policy with its own per-event emission table,
// implemented in shouldEmit below.
package receipt

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/solarmesh/btc/pkg/bundle"
)

// EventType is a bundle lifecycle event that may generate a receipt.
type EventType string

const (
	EventReceived  EventType = "received"
	EventForwarded EventType = "forwarded"
	EventDelivered EventType = "delivered"
	EventExpired   EventType = "expired"
	EventDeleted   EventType = "deleted"
)

// PayloadType is the payloadType used for receipt bundles.
const PayloadType = "dtn:receipt"

// Receipt is a receipt bundle's canonical payload shape (spec.md §3):
// {original_bundle_id, receipt_type, reporter_node_id, timestamp, reason?}.
type Receipt struct {
	OriginalBundleID string    `json:"original_bundle_id"`
	EventType        EventType `json:"receipt_type"`
	ReporterNodeID   string    `json:"reporter_node_id"`
	Timestamp        time.Time `json:"timestamp"`
	Reason           string    `json:"reason,omitempty"`
}

func (r Receipt) toPayload() map[string]interface{} {
	return map[string]interface{}{
		"original_bundle_id": r.OriginalBundleID,
		"receipt_type":       string(r.EventType),
		"reporter_node_id":   r.ReporterNodeID,
		"timestamp":          bundle.FormatTime(r.Timestamp),
		"reason":             r.Reason,
	}
}

func receiptFromPayload(payload map[string]interface{}) (*Receipt, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var shadow struct {
		OriginalBundleID string `json:"original_bundle_id"`
		EventType        string `json:"receipt_type"`
		ReporterNodeID   string `json:"reporter_node_id"`
		Timestamp        string `json:"timestamp"`
		Reason           string `json:"reason"`
	}
	if err := json.Unmarshal(raw, &shadow); err != nil {
		return nil, err
	}
	ts, err := bundle.ParseTime(shadow.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("parsing receipt timestamp: %w", err)
	}
	return &Receipt{
		OriginalBundleID: shadow.OriginalBundleID,
		EventType:        EventType(shadow.EventType),
		ReporterNodeID:   shadow.ReporterNodeID,
		Timestamp:        ts,
		Reason:           shadow.Reason,
	}, nil
}

// BundleCreator is the minimal Bundle Service collaborator the Receipt
// Service needs to mint and enqueue a receipt bundle.
type BundleCreator interface {
	CreateBundle(ctx context.Context, payload map[string]interface{}, payloadType string, topic string, priority bundle.Priority, audience bundle.Audience, tags []string, ttl time.Duration, receiptPolicy bundle.ReceiptPolicy) (*bundle.Bundle, error)
}

// InboxLister is the minimal Queue Store collaborator needed to search
// inbox for receipt bundles.
type InboxLister interface {
	List(ctx context.Context, q bundle.Queue, limit, offset int) ([]*bundle.Bundle, error)
}

// Service implements receipt generation, ingestion, and status
// aggregation.
type Service struct {
	bundles InboxLister
	creator BundleCreator
	nodeID  string
	logger  *log.Logger
}

// New creates a Receipt Service. nodeID identifies this node as the
// reporter in receipts it emits.
func New(bundles InboxLister, creator BundleCreator, nodeID string) *Service {
	return &Service{
		bundles: bundles,
		creator: creator,
		nodeID:  nodeID,
		logger:  log.New(log.Writer(), "[receipt] ", log.LstdFlags),
	}
}

// shouldEmit implements spec.md §4.9's emission table exactly.
func shouldEmit(event EventType, policy bundle.ReceiptPolicy) bool {
	switch policy {
	case bundle.ReceiptPolicyNone:
		return false
	case bundle.ReceiptPolicyRequested:
		return event == EventReceived || event == EventDelivered
	case bundle.ReceiptPolicyRequired:
		return true
	default:
		return false
	}
}

// GenerateReceipt emits a receipt bundle for b's event if b's receiptPolicy
// requires it. Returns nil, nil when no receipt is required. The receipt
// bundle is always receiptPolicy=none, priority=normal, audience=private
// (spec.md §4.9), topic "coordination", TTL 24h.
func (s *Service) GenerateReceipt(ctx context.Context, b *bundle.Bundle, event EventType, reason string) (*bundle.Bundle, error) {
	if !shouldEmit(event, b.ReceiptPolicy) {
		return nil, nil
	}

	r := Receipt{
		OriginalBundleID: b.BundleID,
		EventType:        event,
		ReporterNodeID:   s.nodeID,
		Timestamp:        time.Now(),
		Reason:           reason,
	}

	receiptBundle, err := s.creator.CreateBundle(ctx,
		r.toPayload(), PayloadType, "coordination",
		bundle.PriorityNormal, bundle.AudiencePrivate,
		[]string{"receipt", string(event)}, 24*time.Hour,
		bundle.ReceiptPolicyNone,
	)
	if err != nil {
		return nil, fmt.Errorf("creating receipt bundle: %w", err)
	}
	s.logger.Printf("emitted %s receipt for %s -> %s", event, b.BundleID, receiptBundle.BundleID)
	return receiptBundle, nil
}

// HandleBundleReceived emits a received receipt if required.
func (s *Service) HandleBundleReceived(ctx context.Context, b *bundle.Bundle) error {
	_, err := s.GenerateReceipt(ctx, b, EventReceived, "")
	return err
}

// HandleBundleForwarded emits a forwarded receipt if required.
func (s *Service) HandleBundleForwarded(ctx context.Context, b *bundle.Bundle, nextHop string) error {
	_, err := s.GenerateReceipt(ctx, b, EventForwarded, fmt.Sprintf("forwarded to %s", nextHop))
	return err
}

// HandleBundleDelivered emits a delivered receipt if required.
func (s *Service) HandleBundleDelivered(ctx context.Context, b *bundle.Bundle) error {
	_, err := s.GenerateReceipt(ctx, b, EventDelivered, "")
	return err
}

// HandleExpired emits an expired receipt if required. Satisfies
// pkg/ttlengine.ReceiptEmitter.
func (s *Service) HandleExpired(ctx context.Context, b *bundle.Bundle) error {
	_, err := s.GenerateReceipt(ctx, b, EventExpired, "bundle TTL expired")
	return err
}

// HandleBundleDeleted emits a deleted receipt if required (e.g. cache
// eviction).
func (s *Service) HandleBundleDeleted(ctx context.Context, b *bundle.Bundle, reason string) error {
	_, err := s.GenerateReceipt(ctx, b, EventDeleted, reason)
	return err
}

// ProcessReceiptBundle parses an incoming bundle as a receipt, returning
// nil (not an error) if the bundle is not a receipt or fails to parse — a
// malformed receipt is dropped, not fatal.
func (s *Service) ProcessReceiptBundle(b *bundle.Bundle) *Receipt {
	if b.PayloadType != PayloadType {
		return nil
	}
	r, err := receiptFromPayload(b.Payload)
	if err != nil {
		s.logger.Printf("dropping malformed receipt bundle %s: %v", b.BundleID, err)
		return nil
	}
	return r
}

// GetBundleReceipts scans inbox for receipt bundles whose original_bundle_id
// matches id.
func (s *Service) GetBundleReceipts(ctx context.Context, id string) ([]*Receipt, error) {
	bundles, err := s.bundles.List(ctx, bundle.QueueInbox, 1000, 0)
	if err != nil {
		return nil, err
	}
	var out []*Receipt
	for _, b := range bundles {
		r := s.ProcessReceiptBundle(b)
		if r != nil && r.OriginalBundleID == id {
			out = append(out, r)
		}
	}
	return out, nil
}

// DeliveryStatus is the aggregated timeline for a bundle, sorted by
// reporter-stated timestamp (spec.md §4.9).
type DeliveryStatus struct {
	BundleID     string
	ReceiptCount int
	Received     bool
	Forwarded    bool
	Delivered    bool
	Expired      bool
	Deleted      bool
	Timeline     []*Receipt
}

// GetBundleDeliveryStatus aggregates all observed receipts for id into a
// status timeline (P9: receipt-driven delivery status reflects observed
// receipts regardless of arrival order).
func (s *Service) GetBundleDeliveryStatus(ctx context.Context, id string) (*DeliveryStatus, error) {
	receipts, err := s.GetBundleReceipts(ctx, id)
	if err != nil {
		return nil, err
	}

	timeline := dedupeReceipts(receipts)

	status := &DeliveryStatus{BundleID: id, ReceiptCount: len(timeline), Timeline: timeline}
	for _, r := range timeline {
		switch r.EventType {
		case EventReceived:
			status.Received = true
		case EventForwarded:
			status.Forwarded = true
		case EventDelivered:
			status.Delivered = true
		case EventExpired:
			status.Expired = true
		case EventDeleted:
			status.Deleted = true
		}
	}

	sort.Slice(status.Timeline, func(i, j int) bool {
		return status.Timeline[i].Timestamp.Before(status.Timeline[j].Timestamp)
	})
	return status, nil
}

// dedupeReceipts collapses receipts to at most one per (EventType,
// ReporterNodeID) pair, keeping the earliest-timestamped one (P9: the
// timeline must contain no duplicate (type, reporter) pairs).
func dedupeReceipts(receipts []*Receipt) []*Receipt {
	type key struct {
		event    EventType
		reporter string
	}
	earliest := make(map[key]*Receipt, len(receipts))
	for _, r := range receipts {
		k := key{r.EventType, r.ReporterNodeID}
		if existing, ok := earliest[k]; !ok || r.Timestamp.Before(existing.Timestamp) {
			earliest[k] = r
		}
	}
	out := make([]*Receipt, 0, len(earliest))
	for _, r := range earliest {
		out = append(out, r)
	}
	return out
}
