// Package syncproto implements the Sync Protocol: the pairwise,
// initiator-driven message exchange that reconciles two nodes' queues over
// an already-authenticated transport (spec.md §4.8).
package syncproto

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/solarmesh/btc/pkg/bundle"
	"github.com/solarmesh/btc/pkg/cache"
	"github.com/solarmesh/btc/pkg/forwarding"
	"github.com/solarmesh/btc/pkg/queue"
)

// MessageType identifies one of the four transport-agnostic message kinds.
type MessageType string

const (
	MessageIndex   MessageType = "INDEX"
	MessageRequest MessageType = "REQUEST"
	MessagePush    MessageType = "PUSH"
	MessagePull    MessageType = "PULL"
)

// Message is the envelope exchanged over Transport. Exactly one of the
// payload fields is populated, matching Type.
type Message struct {
	Type MessageType `json:"type"`

	IndexRequest   *IndexRequest   `json:"indexRequest,omitempty"`
	IndexResponse  []IndexEntry    `json:"indexResponse,omitempty"`
	RequestIDs     []string        `json:"requestIds,omitempty"`
	RequestReply   []*bundle.Bundle `json:"requestReply,omitempty"`
	PushBundles    []*bundle.Bundle `json:"pushBundles,omitempty"`
	PushResults    []PushResult    `json:"pushResults,omitempty"`
	PullMaxN       int             `json:"pullMaxN,omitempty"`
}

// IndexRequest asks a peer to enumerate up to UpTo entries from Queue.
type IndexRequest struct {
	Queue bundle.Queue `json:"queue"`
	UpTo  int          `json:"upTo"`
}

// IndexEntry is one row of an INDEX response: enough to decide what's
// missing without transmitting full bundle bodies.
type IndexEntry struct {
	BundleID  string    `json:"bundleId"`
	Priority  string    `json:"priority"`
	CreatedAt string    `json:"createdAt"`
	ExpiresAt string    `json:"expiresAt"`
	SizeBytes int64     `json:"sizeBytes"`
}

// PushResult reports per-bundle admission outcome for a PUSH.
type PushResult struct {
	BundleID string `json:"bundleId"`
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// Transport delivers and receives opaque Message envelopes over an
// already-established, authenticated point-to-point channel. BTC knows
// only messages, never the underlying wire format; see
// pkg/syncproto/wstransport.go for a concrete gorilla/websocket
// implementation.
type Transport interface {
	Send(ctx context.Context, m *Message) error
	Receive(ctx context.Context) (*Message, error)
	Close() error
}

// PeerContext is what the local side knows about the remote peer,
// consulted by CanForwardToPeer during REQUEST handling.
type PeerContext struct {
	PublicKeyHex string
	TrustScore   float64
	IsLocal      bool
}

// Validator is the minimal Crypto + Bundle Model collaborator needed to
// validate an inbound bundle per spec.md §4.1/§4.2 (signature, recomputed
// bundleId, TTL, hop limit) before inbox admission.
type Validator interface {
	Validate(b *bundle.Bundle) error
}

// Session runs one pairwise sync round (spec.md §4.8). It is symmetric:
// both peers run it as initiator in their own direction to converge.
type Session struct {
	store     *queue.Store
	cache     *cache.Accountant
	policy    *forwarding.Policy
	validator Validator
	peer      PeerContext
	logger    *log.Logger
}

// NewSession creates a sync Session against store/cache/policy/validator,
// scoped to one peer.
func NewSession(store *queue.Store, accountant *cache.Accountant, policy *forwarding.Policy, validator Validator, peer PeerContext) *Session {
	return &Session{
		store:     store,
		cache:     accountant,
		policy:    policy,
		validator: validator,
		peer:      peer,
		logger:    log.New(log.Writer(), "[sync] ", log.LstdFlags),
	}
}

// RunInitiator drives one full sync round over t: fetch peer index,
// compute what's missing locally, request it, validate and admit what
// comes back, then push our own pending in priority order (spec.md §4.8
// steps 1-4, minus the peer's symmetric half which the peer runs on its
// own Session against the reverse Transport).
func (s *Session) RunInitiator(ctx context.Context, t Transport) error {
	roundID := uuid.New().String()
	s.logger.Printf("round %s: starting sync with peer %s", roundID, s.peer.PublicKeyHex)

	localIndex, err := s.buildIndex(ctx, bundle.QueuePending, 100000)
	if err != nil {
		return fmt.Errorf("building local index: %w", err)
	}
	localIDs := make(map[string]bool, len(localIndex))
	for _, e := range localIndex {
		localIDs[e.BundleID] = true
	}

	if err := t.Send(ctx, &Message{Type: MessageIndex, IndexRequest: &IndexRequest{Queue: bundle.QueuePending, UpTo: 100000}}); err != nil {
		return fmt.Errorf("sending INDEX request: %w", err)
	}
	indexResp, err := t.Receive(ctx)
	if err != nil {
		return fmt.Errorf("receiving INDEX response: %w", err)
	}

	missing, err := s.computeMissing(ctx, indexResp.IndexResponse)
	if err != nil {
		return err
	}

	if len(missing) > 0 {
		if err := t.Send(ctx, &Message{Type: MessageRequest, RequestIDs: missing}); err != nil {
			return fmt.Errorf("sending REQUEST: %w", err)
		}
		reqResp, err := t.Receive(ctx)
		if err != nil {
			return fmt.Errorf("receiving REQUEST reply: %w", err)
		}
		for _, b := range reqResp.RequestReply {
			if err := s.admitReceived(ctx, b); err != nil {
				s.logger.Printf("error admitting bundle %s from peer: %v", b.BundleID, err)
			}
		}
	}

	toPush, err := s.policy.SelectForForwarding(ctx, 100000)
	if err != nil {
		return fmt.Errorf("selecting bundles to push: %w", err)
	}
	var allowed []*bundle.Bundle
	for _, b := range toPush {
		if ok, _ := s.policy.CanForwardToPeer(b, s.peer.PublicKeyHex, s.peer.TrustScore, s.peer.IsLocal); ok {
			allowed = append(allowed, b)
		}
	}
	if len(allowed) > 0 {
		if err := t.Send(ctx, &Message{Type: MessagePush, PushBundles: allowed}); err != nil {
			return fmt.Errorf("sending PUSH: %w", err)
		}
		if _, err := t.Receive(ctx); err != nil {
			return fmt.Errorf("receiving PUSH ack: %w", err)
		}
	}

	s.logger.Printf("round %s: complete, pulled %d pushed %d", roundID, len(missing), len(allowed))
	return nil
}

// HandleIncoming answers one inbound request message (INDEX, REQUEST, PUSH,
// or PULL) from a peer acting as initiator against us. It is the responder
// half of the protocol.
func (s *Session) HandleIncoming(ctx context.Context, m *Message) (*Message, error) {
	switch m.Type {
	case MessageIndex:
		upTo := 100000
		q := bundle.QueuePending
		if m.IndexRequest != nil {
			q = m.IndexRequest.Queue
			upTo = m.IndexRequest.UpTo
		}
		entries, err := s.buildIndex(ctx, q, upTo)
		if err != nil {
			return nil, err
		}
		return &Message{Type: MessageIndex, IndexResponse: entries}, nil

	case MessageRequest:
		var out []*bundle.Bundle
		for _, id := range m.RequestIDs {
			b, _, err := s.store.Get(ctx, id)
			if err != nil {
				continue
			}
			if ok, _ := s.policy.CanForwardToPeer(b, s.peer.PublicKeyHex, s.peer.TrustScore, s.peer.IsLocal); ok {
				out = append(out, b)
			}
		}
		return &Message{Type: MessageRequest, RequestReply: out}, nil

	case MessagePush:
		var results []PushResult
		for _, b := range m.PushBundles {
			err := s.admitReceived(ctx, b)
			if err != nil {
				results = append(results, PushResult{BundleID: b.BundleID, Accepted: false, Reason: err.Error()})
			} else {
				results = append(results, PushResult{BundleID: b.BundleID, Accepted: true})
			}
		}
		return &Message{Type: MessagePush, PushResults: results}, nil

	case MessagePull:
		maxN := m.PullMaxN
		if maxN <= 0 {
			maxN = 1000
		}
		selected, err := s.policy.SelectForForwarding(ctx, maxN)
		if err != nil {
			return nil, err
		}
		var allowed []*bundle.Bundle
		for _, b := range selected {
			if ok, _ := s.policy.CanForwardToPeer(b, s.peer.PublicKeyHex, s.peer.TrustScore, s.peer.IsLocal); ok {
				allowed = append(allowed, b)
			}
		}
		return &Message{Type: MessagePull, RequestReply: allowed}, nil

	default:
		return nil, fmt.Errorf("unknown message type %q", m.Type)
	}
}

func (s *Session) buildIndex(ctx context.Context, q bundle.Queue, upTo int) ([]IndexEntry, error) {
	bundles, err := s.store.List(ctx, q, upTo, 0)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	entries := make([]IndexEntry, 0, len(bundles))
	for _, b := range bundles {
		if b.IsExpired(now) {
			continue
		}
		size, err := b.SizeBytes()
		if err != nil {
			return nil, err
		}
		entries = append(entries, IndexEntry{
			BundleID:  b.BundleID,
			Priority:  string(b.Priority),
			CreatedAt: bundle.FormatTime(b.CreatedAt),
			ExpiresAt: bundle.FormatTime(b.ExpiresAt),
			SizeBytes: size,
		})
	}
	return entries, nil
}

// computeMissing returns the bundleIds present in peerIndex but absent
// from both inbox and quarantine locally — quarantined bundles are never
// re-requested (spec.md §4.8 step 1).
func (s *Session) computeMissing(ctx context.Context, peerIndex []IndexEntry) ([]string, error) {
	var missing []string
	for _, e := range peerIndex {
		present, err := s.store.ExistsIn(ctx, e.BundleID, []bundle.Queue{bundle.QueueInbox, bundle.QueueQuarantine})
		if err != nil {
			return nil, err
		}
		if !present {
			missing = append(missing, e.BundleID)
		}
	}
	return missing, nil
}

// admitReceived implements spec.md §4.8 step 3: cache admission before
// validation, then validate, then inbox-on-success/quarantine-on-failure.
// Idempotency (a bundle already present anywhere locally is not
// re-accepted, except the single permitted outbox/pending→inbox
// reappearance move) is enforced by the caller's use of Queue Store's
// conditional Enqueue together with the Move fallback below.
func (s *Session) admitReceived(ctx context.Context, b *bundle.Bundle) error {
	exists, err := s.store.Exists(ctx, b.BundleID)
	if err != nil {
		return err
	}
	if exists {
		// Reappearance: a locally-authored bundle sitting in outbox/pending
		// whose presence on the peer proves network existence may move to
		// inbox. Any other duplicate is left untouched ("exists").
		moved, err := s.store.Move(ctx, b.BundleID, bundle.QueueOutbox, bundle.QueueInbox)
		if err != nil {
			return err
		}
		if moved {
			return nil
		}
		moved, err = s.store.Move(ctx, b.BundleID, bundle.QueuePending, bundle.QueueInbox)
		if err != nil {
			return err
		}
		if moved {
			return nil
		}
		return fmt.Errorf("exists")
	}

	size, err := b.SizeBytes()
	if err != nil {
		return err
	}
	canAccept, err := s.cache.CanAccept(ctx, size)
	if err != nil {
		return err
	}
	if !canAccept {
		// Cache-rejected bundles are never quarantined: no integrity claim
		// was made against them yet (spec.md §4.8 "Failure model").
		return fmt.Errorf("cache budget exceeded")
	}

	if err := s.validator.Validate(b); err != nil {
		if _, enqErr := s.store.Enqueue(ctx, bundle.QueueQuarantine, b); enqErr != nil {
			return enqErr
		}
		return err
	}

	_, err = s.store.Enqueue(ctx, bundle.QueueInbox, b)
	return err
}

// marshalForLog is a small helper used by transports that log message
// envelopes for diagnostics.
func marshalForLog(m *Message) string {
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Sprintf("<unmarshalable message: %v>", err)
	}
	return string(raw)
}
