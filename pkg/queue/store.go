// Package queue implements the Queue Store: the durable, indexed mapping
// bundleId → (queue, bundle) with conditional-insert admission, atomic
// moves, and priority-ordered scans (spec.md §4.3).
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/solarmesh/btc/pkg/btcerr"
	"github.com/solarmesh/btc/pkg/bundle"
	"github.com/solarmesh/btc/pkg/database"
)

// Store is the Queue Store. Enqueue is serialized by an in-process mutex
// on top of the bundle_id primary key's uniqueness constraint — the two
// layers together satisfy spec.md §4.3's ban on "pure check-then-insert
// without serialization": the mutex makes check-then-insert safe even
// against a driver (sqlite3) that doesn't surface a distinct unique-
// violation error code cleanly through database/sql, and the primary key
// is the last line of defense against any code path that forgets to take
// the lock.
type Store struct {
	db     *database.Client
	mu     sync.Mutex
	logger *log.Logger
}

// New creates a Queue Store over db.
func New(db *database.Client) *Store {
	return &Store{
		db:     db,
		logger: log.New(log.Writer(), "[queue] ", log.LstdFlags),
	}
}

// row is the flat persisted form of a bundle plus its queue attribute.
type row struct {
	BundleID       string
	Queue          string
	CreatedAt      string
	ExpiresAt      string
	Priority       string
	Audience       string
	Topic          string
	Tags           string
	PayloadType    string
	Payload        string
	HopLimit       int
	HopCount       int
	ReceiptPolicy  string
	Signature      string
	AuthorPubKey   string
	SizeBytes      int64
	AddedToQueueAt string
}

func toRow(q bundle.Queue, b *bundle.Bundle) (*row, error) {
	tagsJSON, err := json.Marshal(b.Tags)
	if err != nil {
		return nil, fmt.Errorf("encoding tags: %w", err)
	}
	payloadJSON, err := json.Marshal(b.Payload)
	if err != nil {
		return nil, fmt.Errorf("encoding payload: %w", err)
	}
	size, err := b.SizeBytes()
	if err != nil {
		return nil, err
	}
	return &row{
		BundleID:       b.BundleID,
		Queue:          string(q),
		CreatedAt:      bundle.FormatTime(b.CreatedAt),
		ExpiresAt:      bundle.FormatTime(b.ExpiresAt),
		Priority:       string(b.Priority),
		Audience:       string(b.Audience),
		Topic:          b.Topic,
		Tags:           string(tagsJSON),
		PayloadType:    b.PayloadType,
		Payload:        string(payloadJSON),
		HopLimit:       b.HopLimit,
		HopCount:       b.HopCount,
		ReceiptPolicy:  string(b.ReceiptPolicy),
		Signature:      b.Signature,
		AuthorPubKey:   b.AuthorPublicKey,
		SizeBytes:      size,
		AddedToQueueAt: bundle.FormatTime(time.Now()),
	}, nil
}

func rowToBundle(r *row) (*bundle.Bundle, error) {
	createdAt, err := bundle.ParseTime(r.CreatedAt)
	if err != nil {
		return nil, err
	}
	expiresAt, err := bundle.ParseTime(r.ExpiresAt)
	if err != nil {
		return nil, err
	}
	var tags []string
	if err := json.Unmarshal([]byte(r.Tags), &tags); err != nil {
		return nil, fmt.Errorf("decoding tags: %w", err)
	}
	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(r.Payload), &payload); err != nil {
		return nil, fmt.Errorf("decoding payload: %w", err)
	}
	return &bundle.Bundle{
		BundleID:        r.BundleID,
		CreatedAt:       createdAt,
		ExpiresAt:       expiresAt,
		Priority:        bundle.Priority(r.Priority),
		Audience:        bundle.Audience(r.Audience),
		Topic:           r.Topic,
		Tags:            tags,
		PayloadType:     r.PayloadType,
		Payload:         payload,
		HopLimit:        r.HopLimit,
		HopCount:        r.HopCount,
		ReceiptPolicy:   bundle.ReceiptPolicy(r.ReceiptPolicy),
		Signature:       r.Signature,
		AuthorPublicKey: r.AuthorPubKey,
	}, nil
}

const priorityOrderSQL = `CASE priority
	WHEN 'emergency' THEN 1
	WHEN 'perishable' THEN 2
	WHEN 'normal' THEN 3
	WHEN 'low' THEN 4
	ELSE 99 END`

// Enqueue inserts b into queue q, but only if no row with that bundleId
// already exists anywhere (conditional insert, satisfying I6: admission is
// exact-once keyed by bundleId). Returns false, no error, if a row already
// existed — never overwrites.
func (s *Store) Enqueue(ctx context.Context, q bundle.Queue, b *bundle.Bundle) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var exists int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM bundles WHERE bundle_id = "+s.db.Placeholder(1), b.BundleID).Scan(&exists)
	if err == nil {
		return false, nil
	}
	if err != sql.ErrNoRows {
		return false, fmt.Errorf("%w: checking existing bundle: %v", btcerr.ErrStorageError, err)
	}

	r, err := toRow(q, b)
	if err != nil {
		return false, err
	}

	ph := s.db.Placeholder
	query := fmt.Sprintf(`INSERT INTO bundles (
		bundle_id, queue, created_at, expires_at, priority, audience, topic, tags,
		payload_type, payload, hop_limit, hop_count, receipt_policy, signature,
		author_public_key, size_bytes, added_to_queue_at
	) VALUES (%s,%s,%s,%s,%s,%s,%s,%s,%s,%s,%s,%s,%s,%s,%s,%s,%s)`,
		ph(1), ph(2), ph(3), ph(4), ph(5), ph(6), ph(7), ph(8), ph(9), ph(10),
		ph(11), ph(12), ph(13), ph(14), ph(15), ph(16), ph(17))

	_, err = s.db.ExecContext(ctx, query,
		r.BundleID, r.Queue, r.CreatedAt, r.ExpiresAt, r.Priority, r.Audience, r.Topic, r.Tags,
		r.PayloadType, r.Payload, r.HopLimit, r.HopCount, r.ReceiptPolicy, r.Signature,
		r.AuthorPubKey, r.SizeBytes, r.AddedToQueueAt,
	)
	if err != nil {
		// A unique-constraint violation here means a racing writer slipped
		// past the existence check in an unexpected way; treat it the same
		// as the ordinary duplicate case rather than surfacing a storage
		// error, since the invariant (exactly one row) still holds.
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("%w: inserting bundle: %v", btcerr.ErrStorageError, err)
	}
	return true, nil
}

// Move moves id from queue "from" to queue "to", conditional on its
// current queue actually being "from". Returns false if the bundle is not
// currently in "from" (already moved, or never existed).
func (s *Store) Move(ctx context.Context, id string, from, to bundle.Queue) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := fmt.Sprintf("UPDATE bundles SET queue = %s, added_to_queue_at = %s WHERE bundle_id = %s AND queue = %s",
		s.db.Placeholder(1), s.db.Placeholder(2), s.db.Placeholder(3), s.db.Placeholder(4))
	res, err := s.db.ExecContext(ctx, query, string(to), bundle.FormatTime(time.Now()), id, string(from))
	if err != nil {
		return false, fmt.Errorf("%w: moving bundle: %v", btcerr.ErrStorageError, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: %v", btcerr.ErrStorageError, err)
	}
	return n == 1, nil
}

// Delete removes id's row outright (used by retention sweeps and cache
// eviction).
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := "DELETE FROM bundles WHERE bundle_id = " + s.db.Placeholder(1)
	if _, err := s.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("%w: deleting bundle: %v", btcerr.ErrStorageError, err)
	}
	return nil
}

// Get returns the bundle and its current queue.
func (s *Store) Get(ctx context.Context, id string) (*bundle.Bundle, bundle.Queue, error) {
	query := "SELECT " + rowColumns + " FROM bundles WHERE bundle_id = " + s.db.Placeholder(1)
	r, err := s.scanOne(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, "", btcerr.ErrNotFound
		}
		return nil, "", fmt.Errorf("%w: %v", btcerr.ErrStorageError, err)
	}
	b, err := rowToBundle(r)
	if err != nil {
		return nil, "", err
	}
	return b, bundle.Queue(r.Queue), nil
}

// List returns bundles in queue q ordered by priority rank then createdAt
// ascending, with limit/offset pagination.
func (s *Store) List(ctx context.Context, q bundle.Queue, limit, offset int) ([]*bundle.Bundle, error) {
	query := fmt.Sprintf("SELECT %s FROM bundles WHERE queue = %s ORDER BY %s, created_at ASC LIMIT %s OFFSET %s",
		rowColumns, s.db.Placeholder(1), priorityOrderSQL, s.db.Placeholder(2), s.db.Placeholder(3))
	rows, err := s.db.QueryContext(ctx, query, string(q), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("%w: listing queue: %v", btcerr.ErrStorageError, err)
	}
	defer rows.Close()
	return s.scanBundles(rows)
}

// Count returns the number of bundles in queue q.
func (s *Store) Count(ctx context.Context, q bundle.Queue) (int, error) {
	var n int
	query := "SELECT COUNT(*) FROM bundles WHERE queue = " + s.db.Placeholder(1)
	if err := s.db.QueryRowContext(ctx, query, string(q)).Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: counting queue: %v", btcerr.ErrStorageError, err)
	}
	return n, nil
}

// Exists reports whether id is present in any queue.
func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	var exists int
	query := "SELECT 1 FROM bundles WHERE bundle_id = " + s.db.Placeholder(1)
	err := s.db.QueryRowContext(ctx, query, id).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: %v", btcerr.ErrStorageError, err)
	}
	return true, nil
}

// ExistsIn reports whether id is present in any of the given queues.
func (s *Store) ExistsIn(ctx context.Context, id string, queues []bundle.Queue) (bool, error) {
	if len(queues) == 0 {
		return false, nil
	}
	placeholders := make([]string, len(queues))
	args := make([]interface{}, 0, len(queues)+1)
	args = append(args, id)
	for i, q := range queues {
		placeholders[i] = s.db.Placeholder(i + 2)
		args = append(args, string(q))
	}
	query := fmt.Sprintf("SELECT 1 FROM bundles WHERE bundle_id = %s AND queue IN (%s)",
		s.db.Placeholder(1), joinComma(placeholders))
	var exists int
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: %v", btcerr.ErrStorageError, err)
	}
	return true, nil
}

// ExpiredResult pairs an expired bundle with the queue it was found in,
// so the TTL engine can perform the guarded move.
type ExpiredResult struct {
	Bundle     *bundle.Bundle
	FromQueue  bundle.Queue
}

// ExpiredAcrossLiveQueues returns every bundle whose expiresAt has passed
// and which is not already in expired or quarantine.
func (s *Store) ExpiredAcrossLiveQueues(ctx context.Context, now time.Time) ([]ExpiredResult, error) {
	query := fmt.Sprintf(`SELECT %s FROM bundles WHERE expires_at < %s AND queue NOT IN (%s, %s)`,
		rowColumns, s.db.Placeholder(1), s.db.Placeholder(2), s.db.Placeholder(3))
	rows, err := s.db.QueryContext(ctx, query, bundle.FormatTime(now), string(bundle.QueueExpired), string(bundle.QueueQuarantine))
	if err != nil {
		return nil, fmt.Errorf("%w: scanning expired bundles: %v", btcerr.ErrStorageError, err)
	}
	defer rows.Close()

	var out []ExpiredResult
	for rows.Next() {
		r, err := s.scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", btcerr.ErrStorageError, err)
		}
		b, err := rowToBundle(r)
		if err != nil {
			return nil, err
		}
		out = append(out, ExpiredResult{Bundle: b, FromQueue: bundle.Queue(r.Queue)})
	}
	return out, rows.Err()
}

// QuarantinedOlderThan returns quarantine bundleIds whose addedToQueueAt
// precedes cutoff — used by the retention sweep (DESIGN.md: quarantine
// retention mirrors expired retention).
func (s *Store) QuarantinedOlderThan(ctx context.Context, cutoff time.Time) ([]string, error) {
	return s.idsOlderThanInQueue(ctx, bundle.QueueQuarantine, cutoff)
}

// ExpiredOlderThan returns expired bundleIds whose addedToQueueAt precedes
// cutoff — used by the retention sweep.
func (s *Store) ExpiredOlderThan(ctx context.Context, cutoff time.Time) ([]string, error) {
	return s.idsOlderThanInQueue(ctx, bundle.QueueExpired, cutoff)
}

func (s *Store) idsOlderThanInQueue(ctx context.Context, q bundle.Queue, cutoff time.Time) ([]string, error) {
	query := fmt.Sprintf("SELECT bundle_id FROM bundles WHERE queue = %s AND added_to_queue_at < %s",
		s.db.Placeholder(1), s.db.Placeholder(2))
	rows, err := s.db.QueryContext(ctx, query, string(q), bundle.FormatTime(cutoff))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", btcerr.ErrStorageError, err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("%w: %v", btcerr.ErrStorageError, err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// TotalStoredSize returns the sum of size_bytes across all queues — the
// Cache Budget's accounting basis.
func (s *Store) TotalStoredSize(ctx context.Context) (int64, error) {
	var total sql.NullInt64
	if err := s.db.QueryRowContext(ctx, "SELECT SUM(size_bytes) FROM bundles").Scan(&total); err != nil {
		return 0, fmt.Errorf("%w: %v", btcerr.ErrStorageError, err)
	}
	return total.Int64, nil
}

// OldestByPriority returns bundles of the given priority ordered by
// createdAt ascending, for cache eviction candidate selection.
func (s *Store) OldestByPriority(ctx context.Context, p bundle.Priority, limit int) ([]*bundle.Bundle, error) {
	query := fmt.Sprintf("SELECT %s FROM bundles WHERE priority = %s ORDER BY created_at ASC LIMIT %s",
		rowColumns, s.db.Placeholder(1), s.db.Placeholder(2))
	rows, err := s.db.QueryContext(ctx, query, string(p), limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", btcerr.ErrStorageError, err)
	}
	defer rows.Close()
	return s.scanBundles(rows)
}

// QueueOf returns the queue a bundleId currently resides in.
func (s *Store) QueueOf(ctx context.Context, id string) (bundle.Queue, error) {
	var q string
	query := "SELECT queue FROM bundles WHERE bundle_id = " + s.db.Placeholder(1)
	if err := s.db.QueryRowContext(ctx, query, id).Scan(&q); err != nil {
		if err == sql.ErrNoRows {
			return "", btcerr.ErrNotFound
		}
		return "", fmt.Errorf("%w: %v", btcerr.ErrStorageError, err)
	}
	return bundle.Queue(q), nil
}

const rowColumns = `bundle_id, queue, created_at, expires_at, priority, audience, topic, tags,
	payload_type, payload, hop_limit, hop_count, receipt_policy, signature,
	author_public_key, size_bytes, added_to_queue_at`

func (s *Store) scanOne(r *sql.Row) (*row, error) {
	return scanRowish(r)
}

func (s *Store) scanRow(rows *sql.Rows) (*row, error) {
	return scanRowish(rows)
}

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanRowish(s scannable) (*row, error) {
	var r row
	err := s.Scan(
		&r.BundleID, &r.Queue, &r.CreatedAt, &r.ExpiresAt, &r.Priority, &r.Audience, &r.Topic, &r.Tags,
		&r.PayloadType, &r.Payload, &r.HopLimit, &r.HopCount, &r.ReceiptPolicy, &r.Signature,
		&r.AuthorPubKey, &r.SizeBytes, &r.AddedToQueueAt,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Store) scanBundles(rows *sql.Rows) ([]*bundle.Bundle, error) {
	var out []*bundle.Bundle
	for rows.Next() {
		r, err := s.scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", btcerr.ErrStorageError, err)
		}
		b, err := rowToBundle(r)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func joinComma(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += ", "
		}
		out += p
	}
	return out
}

// isUniqueViolation is a best-effort, driver-agnostic check: both lib/pq
// and mattn/go-sqlite3 surface unique-constraint violations with the
// substring "unique" in their error text.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique")
}
