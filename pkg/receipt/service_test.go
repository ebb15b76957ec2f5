package receipt

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/solarmesh/btc/pkg/bundle"
)

type fakeCreator struct {
	created []*bundle.Bundle
	nextN   int
}

func (f *fakeCreator) CreateBundle(ctx context.Context, payload map[string]interface{}, payloadType, topic string, priority bundle.Priority, audience bundle.Audience, tags []string, ttl time.Duration, receiptPolicy bundle.ReceiptPolicy) (*bundle.Bundle, error) {
	f.nextN++
	b := &bundle.Bundle{
		BundleID:      fmt.Sprintf("b:sha256:receipt-%d", f.nextN),
		Payload:       payload,
		PayloadType:   payloadType,
		Topic:         topic,
		Priority:      priority,
		Audience:      audience,
		Tags:          tags,
		ReceiptPolicy: receiptPolicy,
		CreatedAt:     time.Now(),
		ExpiresAt:     time.Now().Add(ttl),
	}
	f.created = append(f.created, b)
	return b, nil
}

type fakeInbox struct {
	bundles []*bundle.Bundle
}

func (f *fakeInbox) List(ctx context.Context, q bundle.Queue, limit, offset int) ([]*bundle.Bundle, error) {
	if q != bundle.QueueInbox {
		return nil, nil
	}
	return f.bundles, nil
}

func receiptPayloadBundle(id, originalID string, event EventType, reporterNodeID string, ts time.Time) *bundle.Bundle {
	r := Receipt{OriginalBundleID: originalID, EventType: event, ReporterNodeID: reporterNodeID, Timestamp: ts}
	return &bundle.Bundle{
		BundleID:    id,
		PayloadType: PayloadType,
		Payload:     r.toPayload(),
	}
}

func TestShouldEmitTable(t *testing.T) {
	cases := []struct {
		event  EventType
		policy bundle.ReceiptPolicy
		want   bool
	}{
		{EventReceived, bundle.ReceiptPolicyNone, false},
		{EventDelivered, bundle.ReceiptPolicyNone, false},
		{EventForwarded, bundle.ReceiptPolicyNone, false},
		{EventReceived, bundle.ReceiptPolicyRequested, true},
		{EventDelivered, bundle.ReceiptPolicyRequested, true},
		{EventForwarded, bundle.ReceiptPolicyRequested, false},
		{EventExpired, bundle.ReceiptPolicyRequested, false},
		{EventReceived, bundle.ReceiptPolicyRequired, true},
		{EventForwarded, bundle.ReceiptPolicyRequired, true},
		{EventDelivered, bundle.ReceiptPolicyRequired, true},
		{EventExpired, bundle.ReceiptPolicyRequired, true},
		{EventDeleted, bundle.ReceiptPolicyRequired, true},
	}
	for _, c := range cases {
		if got := shouldEmit(c.event, c.policy); got != c.want {
			t.Errorf("shouldEmit(%s, %s) = %v, want %v", c.event, c.policy, got, c.want)
		}
	}
}

func TestGenerateReceiptSkipsWhenPolicyNone(t *testing.T) {
	creator := &fakeCreator{}
	svc := New(&fakeInbox{}, creator, "node-1")
	b := &bundle.Bundle{BundleID: "b:sha256:orig", ReceiptPolicy: bundle.ReceiptPolicyNone}

	got, err := svc.GenerateReceipt(context.Background(), b, EventForwarded, "")
	if err != nil {
		t.Fatalf("GenerateReceipt: %v", err)
	}
	if got != nil {
		t.Error("expected no receipt bundle for a none-policy forwarded event")
	}
	if len(creator.created) != 0 {
		t.Error("expected no bundle creation")
	}
}

func TestGenerateReceiptEmitsWithCorrectShape(t *testing.T) {
	creator := &fakeCreator{}
	svc := New(&fakeInbox{}, creator, "node-1")
	b := &bundle.Bundle{BundleID: "b:sha256:orig", ReceiptPolicy: bundle.ReceiptPolicyRequired}

	got, err := svc.GenerateReceipt(context.Background(), b, EventDelivered, "")
	if err != nil {
		t.Fatalf("GenerateReceipt: %v", err)
	}
	if got == nil {
		t.Fatal("expected a receipt bundle")
	}
	if got.ReceiptPolicy != bundle.ReceiptPolicyNone {
		t.Errorf("expected receipt bundle's own receiptPolicy to be none, got %v", got.ReceiptPolicy)
	}
	if got.Priority != bundle.PriorityNormal {
		t.Errorf("expected priority normal, got %v", got.Priority)
	}
	if got.Audience != bundle.AudiencePrivate {
		t.Errorf("expected audience private, got %v", got.Audience)
	}
	if got.Topic != "coordination" {
		t.Errorf("expected topic coordination, got %q", got.Topic)
	}
	if got.PayloadType != PayloadType {
		t.Errorf("expected payloadType %q, got %q", PayloadType, got.PayloadType)
	}
}

func TestHandleBundleLifecycleEvents(t *testing.T) {
	creator := &fakeCreator{}
	svc := New(&fakeInbox{}, creator, "node-1")
	ctx := context.Background()
	b := &bundle.Bundle{BundleID: "b:sha256:orig", ReceiptPolicy: bundle.ReceiptPolicyRequired}

	if err := svc.HandleBundleReceived(ctx, b); err != nil {
		t.Fatalf("HandleBundleReceived: %v", err)
	}
	if err := svc.HandleBundleForwarded(ctx, b, "peer-x"); err != nil {
		t.Fatalf("HandleBundleForwarded: %v", err)
	}
	if err := svc.HandleBundleDelivered(ctx, b); err != nil {
		t.Fatalf("HandleBundleDelivered: %v", err)
	}
	if err := svc.HandleExpired(ctx, b); err != nil {
		t.Fatalf("HandleExpired: %v", err)
	}
	if err := svc.HandleBundleDeleted(ctx, b, "cache eviction"); err != nil {
		t.Fatalf("HandleBundleDeleted: %v", err)
	}

	if len(creator.created) != 5 {
		t.Fatalf("expected 5 receipt bundles emitted, got %d", len(creator.created))
	}
}

func TestProcessReceiptBundleIgnoresNonReceiptPayload(t *testing.T) {
	svc := New(&fakeInbox{}, &fakeCreator{}, "node-1")
	b := &bundle.Bundle{BundleID: "b:sha256:other", PayloadType: "text/plain"}
	if r := svc.ProcessReceiptBundle(b); r != nil {
		t.Error("expected nil for a non-receipt payload type")
	}
}

func TestProcessReceiptBundleDropsMalformedReceipt(t *testing.T) {
	svc := New(&fakeInbox{}, &fakeCreator{}, "node-1")
	b := &bundle.Bundle{
		BundleID:    "b:sha256:malformed",
		PayloadType: PayloadType,
		Payload:     map[string]interface{}{"timestamp": "not-a-timestamp"},
	}
	if r := svc.ProcessReceiptBundle(b); r != nil {
		t.Error("expected nil for a malformed receipt payload")
	}
}

func TestProcessReceiptBundleParsesValidReceipt(t *testing.T) {
	svc := New(&fakeInbox{}, &fakeCreator{}, "node-1")
	now := time.Now()
	b := receiptPayloadBundle("b:sha256:r1", "b:sha256:orig", EventDelivered, "reporter-1", now)

	r := svc.ProcessReceiptBundle(b)
	if r == nil {
		t.Fatal("expected a parsed receipt")
	}
	if r.OriginalBundleID != "b:sha256:orig" || r.EventType != EventDelivered || r.ReporterNodeID != "reporter-1" {
		t.Errorf("unexpected parsed receipt: %+v", r)
	}
}

func TestGetBundleReceiptsFiltersByOriginalBundleID(t *testing.T) {
	now := time.Now()
	inbox := &fakeInbox{bundles: []*bundle.Bundle{
		receiptPayloadBundle("b:sha256:r1", "b:sha256:target", EventReceived, "node-a", now),
		receiptPayloadBundle("b:sha256:r2", "b:sha256:other", EventReceived, "node-b", now),
		receiptPayloadBundle("b:sha256:r3", "b:sha256:target", EventDelivered, "node-c", now.Add(time.Minute)),
		{BundleID: "b:sha256:not-a-receipt", PayloadType: "text/plain"},
	}}
	svc := New(inbox, &fakeCreator{}, "node-1")

	receipts, err := svc.GetBundleReceipts(context.Background(), "b:sha256:target")
	if err != nil {
		t.Fatalf("GetBundleReceipts: %v", err)
	}
	if len(receipts) != 2 {
		t.Fatalf("expected 2 matching receipts, got %d", len(receipts))
	}
}

func TestGetBundleDeliveryStatusAggregatesAndSorts(t *testing.T) {
	now := time.Now()
	inbox := &fakeInbox{bundles: []*bundle.Bundle{
		receiptPayloadBundle("b:sha256:r1", "b:sha256:target", EventDelivered, "node-a", now.Add(2*time.Minute)),
		receiptPayloadBundle("b:sha256:r2", "b:sha256:target", EventReceived, "node-b", now),
		receiptPayloadBundle("b:sha256:r3", "b:sha256:target", EventForwarded, "node-c", now.Add(time.Minute)),
	}}
	svc := New(inbox, &fakeCreator{}, "node-1")

	status, err := svc.GetBundleDeliveryStatus(context.Background(), "b:sha256:target")
	if err != nil {
		t.Fatalf("GetBundleDeliveryStatus: %v", err)
	}
	if status.ReceiptCount != 3 {
		t.Fatalf("expected 3 receipts, got %d", status.ReceiptCount)
	}
	if !status.Received || !status.Forwarded || !status.Delivered {
		t.Errorf("expected received/forwarded/delivered all true, got %+v", status)
	}
	if status.Expired || status.Deleted {
		t.Error("did not expect expired or deleted to be set")
	}

	for i := 1; i < len(status.Timeline); i++ {
		if status.Timeline[i].Timestamp.Before(status.Timeline[i-1].Timestamp) {
			t.Error("expected timeline sorted by timestamp ascending")
		}
	}
	if status.Timeline[0].EventType != EventReceived {
		t.Errorf("expected earliest event to be received, got %s", status.Timeline[0].EventType)
	}
}

func TestGetBundleDeliveryStatusDedupesSameTypeAndReporter(t *testing.T) {
	now := time.Now()
	inbox := &fakeInbox{bundles: []*bundle.Bundle{
		receiptPayloadBundle("b:sha256:r1", "b:sha256:target", EventDelivered, "node-a", now.Add(time.Minute)),
		receiptPayloadBundle("b:sha256:r2", "b:sha256:target", EventDelivered, "node-a", now),
	}}
	svc := New(inbox, &fakeCreator{}, "node-1")

	status, err := svc.GetBundleDeliveryStatus(context.Background(), "b:sha256:target")
	if err != nil {
		t.Fatalf("GetBundleDeliveryStatus: %v", err)
	}
	if status.ReceiptCount != 1 {
		t.Fatalf("expected duplicate (type, reporter) receipts collapsed to 1, got %d", status.ReceiptCount)
	}
	// Receipt timestamps travel in the canonical microsecond-precision form.
	if !status.Timeline[0].Timestamp.Equal(now.Truncate(time.Microsecond)) {
		t.Errorf("expected the earliest-timestamped receipt to survive, got %v", status.Timeline[0].Timestamp)
	}
}

func TestGetBundleDeliveryStatusEmptyWhenNoReceipts(t *testing.T) {
	svc := New(&fakeInbox{}, &fakeCreator{}, "node-1")
	status, err := svc.GetBundleDeliveryStatus(context.Background(), "b:sha256:nothing")
	if err != nil {
		t.Fatalf("GetBundleDeliveryStatus: %v", err)
	}
	if status.ReceiptCount != 0 {
		t.Errorf("expected 0 receipts, got %d", status.ReceiptCount)
	}
	if status.Received || status.Forwarded || status.Delivered || status.Expired || status.Deleted {
		t.Error("expected all status flags false with no receipts")
	}
}
