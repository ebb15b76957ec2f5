// Package ttlengine implements the TTL Engine: periodic aging of expired
// bundles out of live queues, and a separate retention sweep that deletes
// old expired/quarantine rows outright (spec.md §4.5).
package ttlengine

import (
	"context"
	"log"
	"time"

	"github.com/solarmesh/btc/pkg/bundle"
	"github.com/solarmesh/btc/pkg/config"
	"github.com/solarmesh/btc/pkg/queue"
)

// ReceiptEmitter is the minimal collaborator the TTL engine needs to raise
// expired-lifecycle receipts; pkg/receipt.Service satisfies it.
type ReceiptEmitter interface {
	HandleExpired(ctx context.Context, b *bundle.Bundle) error
}

// Engine runs the periodic TTL sweep and retention sweep described in
// spec.md §4.5. It re-evaluates "now" fresh on every tick and never caches
// a "next expiry" time, so it tolerates clock jumps without special
// handling.
type Engine struct {
	store    *queue.Store
	cfg      *config.Config
	receipts ReceiptEmitter
	logger   *log.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a TTL Engine. receipts may be nil if expired-receipt
// emission is not wired (e.g. in tests).
func New(store *queue.Store, cfg *config.Config, receipts ReceiptEmitter) *Engine {
	return &Engine{
		store:    store,
		cfg:      cfg,
		receipts: receipts,
		logger:   log.New(log.Writer(), "[ttl] ", log.LstdFlags),
	}
}

// Start begins the periodic sweep loop in a background goroutine. Cancel
// it by calling Stop, or by canceling ctx.
func (e *Engine) Start(ctx context.Context) {
	if e.cancel != nil {
		e.logger.Println("ttl engine already running")
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})

	go e.runLoop(loopCtx)
	e.logger.Printf("ttl engine started (check interval: %ds)", e.cfg.TTLCheckIntervalSeconds)
}

// Stop cancels the sweep loop and waits for it to exit.
func (e *Engine) Stop() {
	if e.cancel == nil {
		return
	}
	e.cancel()
	<-e.done
	e.cancel = nil
	e.logger.Println("ttl engine stopped")
}

func (e *Engine) runLoop(ctx context.Context) {
	defer close(e.done)

	ticker := time.NewTicker(time.Duration(e.cfg.TTLCheckIntervalSeconds) * time.Second)
	defer ticker.Stop()

	retentionTicker := time.NewTicker(24 * time.Hour)
	defer retentionTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.EnforceOnce(ctx); err != nil {
				e.logger.Printf("error enforcing ttl: %v", err)
			}
		case <-retentionTicker.C:
			if _, err := e.EnforceRetention(ctx); err != nil {
				e.logger.Printf("error enforcing retention: %v", err)
			}
		}
	}
}

// EnforceOnce finds every expired bundle outside expired/quarantine and
// moves it to expired, guarded by the bundle's observed current queue
// (satisfying spec.md §5's "move-to-expired is a single transaction").
// Returns the number of bundles moved. Exposed standalone for operational
// and test use, mirroring the reference implementation's enforce_once.
func (e *Engine) EnforceOnce(ctx context.Context) (int, error) {
	now := time.Now()
	results, err := e.store.ExpiredAcrossLiveQueues(ctx, now)
	if err != nil {
		return 0, err
	}
	if len(results) == 0 {
		return 0, nil
	}

	moved := 0
	for _, r := range results {
		ok, err := e.store.Move(ctx, r.Bundle.BundleID, r.FromQueue, bundle.QueueExpired)
		if err != nil {
			return moved, err
		}
		if !ok {
			continue
		}
		moved++
		if e.receipts != nil {
			if err := e.receipts.HandleExpired(ctx, r.Bundle); err != nil {
				e.logger.Printf("error emitting expired receipt for %s: %v", r.Bundle.BundleID, err)
			}
		}
	}

	if moved > 0 {
		e.logger.Printf("moved %d expired bundles to expired queue", moved)
	}
	return moved, nil
}

// EnforceRetention hard-deletes expired and quarantine rows older than
// their configured retention window. Quarantine retention mirrors expired
// retention per DESIGN.md's resolution of spec.md §9's open question.
func (e *Engine) EnforceRetention(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-time.Duration(e.cfg.ExpiredRetentionDays) * 24 * time.Hour)

	deleted := 0
	expiredIDs, err := e.store.ExpiredOlderThan(ctx, cutoff)
	if err != nil {
		return deleted, err
	}
	for _, id := range expiredIDs {
		if err := e.store.Delete(ctx, id); err != nil {
			return deleted, err
		}
		deleted++
	}

	quarantineIDs, err := e.store.QuarantinedOlderThan(ctx, cutoff)
	if err != nil {
		return deleted, err
	}
	for _, id := range quarantineIDs {
		if err := e.store.Delete(ctx, id); err != nil {
			return deleted, err
		}
		deleted++
	}

	if deleted > 0 {
		e.logger.Printf("retention sweep deleted %d rows", deleted)
	}
	return deleted, nil
}
