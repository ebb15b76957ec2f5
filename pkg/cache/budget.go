// Package cache implements the Cache Budget: storage accounting, admission
// control, and tiered eviction (spec.md §4.4).
package cache

import (
	"context"
	"log"
	"sync"

	"github.com/solarmesh/btc/pkg/btcerr"
	"github.com/solarmesh/btc/pkg/bundle"
	"github.com/solarmesh/btc/pkg/config"
	"github.com/solarmesh/btc/pkg/queue"
)

// Accountant tracks total on-disk bundle size against a configured budget
// and enforces it via tiered eviction. can_accept and the eviction pass it
// may trigger run under a single lock to prevent the check-evict-admit
// race described in spec.md §4.4/§5.
type Accountant struct {
	store  *queue.Store
	cfg    *config.Config
	logger *log.Logger

	mu sync.Mutex
}

// New creates a Cache Budget accountant over store, governed by cfg.
func New(store *queue.Store, cfg *config.Config) *Accountant {
	return &Accountant{
		store:  store,
		cfg:    cfg,
		logger: log.New(log.Writer(), "[cache] ", log.LstdFlags),
	}
}

// CurrentSize returns the current total stored size in bytes.
func (a *Accountant) CurrentSize(ctx context.Context) (int64, error) {
	return a.store.TotalStoredSize(ctx)
}

// UsagePercentage returns current usage as a fraction of budget, in [0,1]
// (not capped above 1; over-budget states report >1).
func (a *Accountant) UsagePercentage(ctx context.Context) (float64, error) {
	size, err := a.CurrentSize(ctx)
	if err != nil {
		return 0, err
	}
	return float64(size) / float64(a.cfg.StorageBudgetBytes), nil
}

// IsOverBudget reports whether current size is at or above budget.
func (a *Accountant) IsOverBudget(ctx context.Context) (bool, error) {
	size, err := a.CurrentSize(ctx)
	if err != nil {
		return false, err
	}
	return size >= a.cfg.StorageBudgetBytes, nil
}

// IsNearBudget reports whether current size is at or above the warn
// threshold.
func (a *Accountant) IsNearBudget(ctx context.Context) (bool, error) {
	size, err := a.CurrentSize(ctx)
	if err != nil {
		return false, err
	}
	threshold := float64(a.cfg.StorageBudgetBytes) * a.cfg.WarnThreshold
	return float64(size) >= threshold, nil
}

// CanAccept reports whether a bundle of the given size can be admitted.
// It runs the check and, if necessary, an eviction pass under the same
// lock, then rechecks — preventing two concurrent admissions from both
// observing room that only exists once.
func (a *Accountant) CanAccept(ctx context.Context, sizeBytes int64) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	size, err := a.CurrentSize(ctx)
	if err != nil {
		return false, err
	}
	if size+sizeBytes <= a.cfg.StorageBudgetBytes {
		return true, nil
	}

	if _, err := a.enforceBudgetLocked(ctx); err != nil {
		return false, err
	}

	size, err = a.CurrentSize(ctx)
	if err != nil {
		return false, err
	}
	return size+sizeBytes <= a.cfg.StorageBudgetBytes, nil
}

// EnforceBudget runs a standalone eviction pass (e.g. triggered by the TTL
// engine after a sweep, or on an operational timer) and reports how many
// bundles were evicted.
func (a *Accountant) EnforceBudget(ctx context.Context) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.enforceBudgetLocked(ctx)
}

// enforceBudgetLocked implements the tiered eviction policy from spec.md
// §4.4. Caller must hold a.mu.
func (a *Accountant) enforceBudgetLocked(ctx context.Context) (int, error) {
	near, err := a.IsNearBudget(ctx)
	if err != nil {
		return 0, err
	}
	if !near {
		return 0, nil
	}

	targetSize := int64(float64(a.cfg.StorageBudgetBytes) * a.cfg.EvictTargetRatio)
	evicted := 0

	reachedTarget := func() (bool, error) {
		size, err := a.CurrentSize(ctx)
		if err != nil {
			return false, err
		}
		return size <= targetSize, nil
	}

	// Tier 1: delete everything in expired.
	expiredBundles, err := a.store.List(ctx, bundle.QueueExpired, 100000, 0)
	if err != nil {
		return evicted, err
	}
	for _, b := range expiredBundles {
		if err := a.store.Delete(ctx, b.BundleID); err != nil {
			return evicted, err
		}
		evicted++
		if done, err := reachedTarget(); err != nil {
			return evicted, err
		} else if done {
			a.logger.Printf("budget enforced: evicted %d bundles", evicted)
			return evicted, nil
		}
	}

	// Tier 2: low-priority bundles oldest-first, except those in outbox.
	low, err := a.store.OldestByPriority(ctx, bundle.PriorityLow, 100000)
	if err != nil {
		return evicted, err
	}
	for _, b := range low {
		q, err := a.store.QueueOf(ctx, b.BundleID)
		if err != nil {
			if err == btcerr.ErrNotFound {
				continue
			}
			return evicted, err
		}
		if q == bundle.QueueOutbox {
			continue
		}
		if err := a.store.Delete(ctx, b.BundleID); err != nil {
			return evicted, err
		}
		evicted++
		if done, err := reachedTarget(); err != nil {
			return evicted, err
		} else if done {
			a.logger.Printf("budget enforced: evicted %d bundles", evicted)
			return evicted, nil
		}
	}

	// Tier 3: normal-priority bundles oldest-first, except outbox/pending.
	normal, err := a.store.OldestByPriority(ctx, bundle.PriorityNormal, 100000)
	if err != nil {
		return evicted, err
	}
	for _, b := range normal {
		q, err := a.store.QueueOf(ctx, b.BundleID)
		if err != nil {
			if err == btcerr.ErrNotFound {
				continue
			}
			return evicted, err
		}
		if q == bundle.QueueOutbox || q == bundle.QueuePending {
			continue
		}
		if err := a.store.Delete(ctx, b.BundleID); err != nil {
			return evicted, err
		}
		evicted++
		if done, err := reachedTarget(); err != nil {
			return evicted, err
		} else if done {
			a.logger.Printf("budget enforced: evicted %d bundles", evicted)
			return evicted, nil
		}
	}

	// emergency and perishable are never evicted; if target still isn't
	// reached, admission simply fails (CanAccept returns false) rather than
	// touching them.
	a.logger.Printf("budget enforced: evicted %d bundles (target not fully reached)", evicted)
	return evicted, nil
}

// Stats is a read-only snapshot of cache state, grounded on the original
// reference implementation's get_cache_stats surface.
type Stats struct {
	CurrentSizeBytes int64
	BudgetBytes      int64
	UsagePercentage  float64
	IsOverBudget     bool
	IsNearBudget     bool
	QueueCounts      map[string]int
}

// GetStats returns a snapshot of cache usage and per-queue counts.
func (a *Accountant) GetStats(ctx context.Context) (*Stats, error) {
	size, err := a.CurrentSize(ctx)
	if err != nil {
		return nil, err
	}
	usage, err := a.UsagePercentage(ctx)
	if err != nil {
		return nil, err
	}
	over, err := a.IsOverBudget(ctx)
	if err != nil {
		return nil, err
	}
	near, err := a.IsNearBudget(ctx)
	if err != nil {
		return nil, err
	}

	queues := []bundle.Queue{
		bundle.QueueInbox, bundle.QueueOutbox, bundle.QueuePending,
		bundle.QueueDelivered, bundle.QueueExpired, bundle.QueueQuarantine,
	}
	counts := make(map[string]int, len(queues))
	for _, q := range queues {
		n, err := a.store.Count(ctx, q)
		if err != nil {
			return nil, err
		}
		counts[string(q)] = n
	}

	return &Stats{
		CurrentSizeBytes: size,
		BudgetBytes:      a.cfg.StorageBudgetBytes,
		UsagePercentage:  usage,
		IsOverBudget:     over,
		IsNearBudget:     near,
		QueueCounts:      counts,
	}, nil
}
