package ttlengine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/solarmesh/btc/pkg/bundle"
	"github.com/solarmesh/btc/pkg/config"
	"github.com/solarmesh/btc/pkg/database"
	"github.com/solarmesh/btc/pkg/queue"
)

type fakeReceipts struct {
	expired []*bundle.Bundle
}

func (f *fakeReceipts) HandleExpired(ctx context.Context, b *bundle.Bundle) error {
	f.expired = append(f.expired, b)
	return nil
}

func newTestEngine(t *testing.T, receipts ReceiptEmitter) (*Engine, *queue.Store, *config.Config) {
	t.Helper()
	cfg := &config.Config{
		DatabaseDriver:          "sqlite3",
		DatabasePath:            fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()),
		DatabaseMaxConns:        1,
		DatabaseMinConns:        1,
		DatabaseMaxIdleTime:     300,
		DatabaseMaxLifetime:     3600,
		TTLCheckIntervalSeconds: 60,
		ExpiredRetentionDays:    7,
	}
	client, err := database.NewClient(cfg)
	if err != nil {
		t.Fatalf("database.NewClient: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	if err := client.MigrateUp(context.Background()); err != nil {
		t.Fatalf("MigrateUp: %v", err)
	}
	store := queue.New(client)
	return New(store, cfg, receipts), store, cfg
}

func ttlBundle(id string, createdAt, expiresAt time.Time) *bundle.Bundle {
	return &bundle.Bundle{
		BundleID:        id,
		CreatedAt:       createdAt,
		ExpiresAt:       expiresAt,
		Priority:        bundle.PriorityNormal,
		Audience:        bundle.AudiencePublic,
		Topic:           "coordination",
		PayloadType:     "text/plain",
		Payload:         map[string]interface{}{},
		HopLimit:        20,
		ReceiptPolicy:   bundle.ReceiptPolicyNone,
		AuthorPublicKey: "author",
		Signature:       "sig",
	}
}

func TestEnforceOnceMovesExpiredBundles(t *testing.T) {
	receipts := &fakeReceipts{}
	engine, store, _ := newTestEngine(t, receipts)
	ctx := context.Background()
	now := time.Now()

	expired := ttlBundle("b:sha256:expired", now.Add(-48*time.Hour), now.Add(-time.Hour))
	if _, err := store.Enqueue(ctx, bundle.QueueInbox, expired); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	live := ttlBundle("b:sha256:live", now, now.Add(24*time.Hour))
	if _, err := store.Enqueue(ctx, bundle.QueueInbox, live); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	moved, err := engine.EnforceOnce(ctx)
	if err != nil {
		t.Fatalf("EnforceOnce: %v", err)
	}
	if moved != 1 {
		t.Fatalf("expected 1 bundle moved, got %d", moved)
	}

	_, q, err := store.Get(ctx, expired.BundleID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if q != bundle.QueueExpired {
		t.Errorf("expected expired bundle to move to expired queue, got %v", q)
	}

	_, q, err = store.Get(ctx, live.BundleID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if q != bundle.QueueInbox {
		t.Errorf("expected live bundle to remain in inbox, got %v", q)
	}

	if len(receipts.expired) != 1 || receipts.expired[0].BundleID != expired.BundleID {
		t.Error("expected an expired receipt to be emitted for the expired bundle")
	}
}

func TestEnforceOnceIgnoresAlreadyExpiredOrQuarantined(t *testing.T) {
	engine, store, _ := newTestEngine(t, nil)
	ctx := context.Background()
	now := time.Now()

	alreadyExpired := ttlBundle("b:sha256:already-expired", now.Add(-48*time.Hour), now.Add(-time.Hour))
	if _, err := store.Enqueue(ctx, bundle.QueueExpired, alreadyExpired); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	quarantined := ttlBundle("b:sha256:quarantined", now.Add(-48*time.Hour), now.Add(-time.Hour))
	if _, err := store.Enqueue(ctx, bundle.QueueQuarantine, quarantined); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	moved, err := engine.EnforceOnce(ctx)
	if err != nil {
		t.Fatalf("EnforceOnce: %v", err)
	}
	if moved != 0 {
		t.Errorf("expected no bundles moved, got %d", moved)
	}
}

func TestEnforceRetentionDeletesOldRows(t *testing.T) {
	engine, store, cfg := newTestEngine(t, nil)
	ctx := context.Background()
	now := time.Now()

	old := ttlBundle("b:sha256:old-expired", now.Add(-30*24*time.Hour), now.Add(-20*24*time.Hour))
	if _, err := store.Enqueue(ctx, bundle.QueueExpired, old); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	// Backdate addedToQueueAt past the retention cutoff directly, since
	// Enqueue always stamps it at insertion time (now). A second client
	// against the same shared in-memory database is used since Store
	// exposes no raw-update API.
	backdated := now.Add(-10 * 24 * time.Hour)
	if err := backdateAddedToQueueAt(t, cfg, old.BundleID, backdated); err != nil {
		t.Fatalf("backdating: %v", err)
	}

	recent := ttlBundle("b:sha256:recent-expired", now.Add(-2*time.Hour), now.Add(-time.Hour))
	if _, err := store.Enqueue(ctx, bundle.QueueExpired, recent); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	deleted, err := engine.EnforceRetention(ctx)
	if err != nil {
		t.Fatalf("EnforceRetention: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected 1 row deleted, got %d", deleted)
	}

	exists, err := store.Exists(ctx, old.BundleID)
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if exists {
		t.Error("expected old expired row to be hard-deleted")
	}
	exists, err = store.Exists(ctx, recent.BundleID)
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if !exists {
		t.Error("expected recent expired row to survive retention")
	}
}

func TestStartStopIsIdempotent(t *testing.T) {
	engine, _, _ := newTestEngine(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine.Start(ctx)
	engine.Start(ctx) // should log and no-op, not start a second loop
	engine.Stop()
}

// backdateAddedToQueueAt reaches directly into the database (via a second
// client sharing the same in-memory store) to simulate a bundle that has
// sat in its current queue past the retention cutoff; there is no public
// API for this since Enqueue always stamps "now".
func backdateAddedToQueueAt(t *testing.T, cfg *config.Config, id string, at time.Time) error {
	t.Helper()
	client, err := database.NewClient(cfg)
	if err != nil {
		return err
	}
	defer client.Close()
	_, err = client.ExecContext(context.Background(),
		"UPDATE bundles SET added_to_queue_at = "+client.Placeholder(1)+" WHERE bundle_id = "+client.Placeholder(2),
		bundle.FormatTime(at), id)
	return err
}
