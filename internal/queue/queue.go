// Package queue implements the Job Queue (§4.1): a durable, ordered store
// of pending/leased/completed jobs backed by modernc.org/sqlite, with
// merge-on-enqueue dedupe, lease-based dequeue, and a background
// expired-lease sweep.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/scanwright/scanorch/internal/model"
)

// ErrLeaseNotFound is returned by Renew/Complete/Fail/DeadLetter when the
// lease has already been reclaimed (expired) or finalised by another path.
var ErrLeaseNotFound = errors.New("queue: lease not found")

// Selector narrows Dequeue to a specific (library, priority) slot, as
// handed out by the scheduler's Reservation.
type Selector struct {
	Library  string
	Priority model.Priority
}

// RetryPolicy governs backoff and the attempt/expiry caps applied to
// retryable failures and lease expiry respectively.
type RetryPolicy struct {
	MaxAttempts      int
	BackoffBase      time.Duration
	BackoffMax       time.Duration
	MaxLeaseExpiries int // beyond this many expiries, dead-letter instead of re-pending
}

// Queue is the durable job store.
type Queue struct {
	db     *sql.DB
	mu     sync.Mutex // serializes writes; SQLite's single-writer model means this avoids SQLITE_BUSY retries under our own control rather than the driver's
	policy RetryPolicy
	clock  func() time.Time
}

// Open opens (creating if needed) a sqlite-backed queue at path, applying
// the schema and WAL pragmas used for safe single-process concurrent
// access.
func Open(path string, policy RetryPolicy) (*Queue, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("queue: open: %w", err)
	}
	db.SetMaxOpenConns(1) // the mutex already serializes writes; one conn avoids cross-connection WAL surprises
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queue: apply schema: %w", err)
	}
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 5
	}
	if policy.MaxLeaseExpiries <= 0 {
		policy.MaxLeaseExpiries = 3
	}
	return &Queue{db: db, policy: policy, clock: time.Now}, nil
}

// Close releases the underlying database handle.
func (q *Queue) Close() error {
	return q.db.Close()
}

func (q *Queue) now() time.Time {
	if q.clock != nil {
		return q.clock()
	}
	return time.Now()
}

// Enqueue resolves dedupe against active (pending/leased) rows for the
// library; on a match it elevates the existing job's priority to the
// higher of the two and returns a Merged handle. Otherwise it inserts a
// new row.
func (q *Queue) Enqueue(ctx context.Context, req model.EnqueueRequest) (model.JobHandle, error) {
	handles, err := q.EnqueueMany(ctx, []model.EnqueueRequest{req})
	if err != nil {
		return model.JobHandle{}, err
	}
	return handles[0], nil
}

// EnqueueMany enqueues every request in a single transaction; the returned
// handles are ordered identically to reqs.
func (q *Queue) EnqueueMany(ctx context.Context, reqs []model.EnqueueRequest) ([]model.JobHandle, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("queue: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	handles := make([]model.JobHandle, len(reqs))
	now := q.now().Unix()

	for i, req := range reqs {
		var existingID string
		var existingPriority model.Priority
		row := tx.QueryRowContext(ctx, `
			SELECT id, priority FROM jobs
			WHERE library = ? AND dedupe_key = ? AND state IN ('pending','leased')
		`, req.LibraryID, req.DedupeKey)
		err := row.Scan(&existingID, &existingPriority)
		switch {
		case err == nil:
			elevated := model.Higher(existingPriority, req.Priority)
			if elevated != existingPriority {
				if _, err := tx.ExecContext(ctx, `UPDATE jobs SET priority = ?, updated_at = ? WHERE id = ?`, elevated, now, existingID); err != nil {
					return nil, fmt.Errorf("queue: elevate merged priority: %w", err)
				}
			}
			handles[i] = model.JobHandle{JobID: existingID, Accepted: false, MergedInto: existingID, Kind: req.Kind, Priority: elevated}
		case errors.Is(err, sql.ErrNoRows):
			id := uuid.NewString()
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO jobs (id, library, kind, priority, payload, dedupe_key, dependency_key, state, attempts, expiry_count, next_attempt_at, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, 0, 0, ?, ?)
			`, id, req.LibraryID, string(req.Kind), int(req.Priority), []byte(req.Payload), req.DedupeKey, req.DependencyKey, string(model.StatePending), now, now); err != nil {
				return nil, fmt.Errorf("queue: insert job: %w", err)
			}
			handles[i] = model.JobHandle{JobID: id, Accepted: true, Kind: req.Kind, Priority: req.Priority}
		default:
			return nil, fmt.Errorf("queue: dedupe lookup: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("queue: commit: %w", err)
	}
	return handles, nil
}

// Dequeue selects the oldest eligible pending job matching selector,
// leases it to workerID for leaseTTL, and returns the lease. Jobs with an
// unmet dependency key (one that has not been released) are skipped.
func (q *Queue) Dequeue(ctx context.Context, kind model.JobKind, workerID string, leaseTTL time.Duration, sel Selector) (model.Lease, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Lease{}, false, fmt.Errorf("queue: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, payload, dedupe_key, dependency_key, attempts, created_at
		FROM jobs
		WHERE library = ? AND kind = ? AND priority = ? AND state = 'pending' AND next_attempt_at <= ?
		ORDER BY created_at ASC
	`, sel.Library, string(kind), int(sel.Priority), q.now().Unix())
	if err != nil {
		return model.Lease{}, false, fmt.Errorf("queue: dequeue scan: %w", err)
	}

	type candidate struct {
		id, dedupeKey, dependencyKey string
		payload                      []byte
		attempts                     int
		createdAt                    int64
	}
	var candidates []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.id, &c.payload, &c.dedupeKey, &c.dependencyKey, &c.attempts, &c.createdAt); err != nil {
			_ = rows.Close()
			return model.Lease{}, false, fmt.Errorf("queue: scan row: %w", err)
		}
		candidates = append(candidates, c)
	}
	_ = rows.Close()

	for _, c := range candidates {
		if c.dependencyKey != "" {
			blocked, err := dependencyBlockedLocked(ctx, tx, sel.Library, c.dependencyKey)
			if err != nil {
				return model.Lease{}, false, err
			}
			if blocked {
				continue
			}
		}

		leaseID := uuid.NewString()
		expiresAt := q.now().Add(leaseTTL)
		if _, err := tx.ExecContext(ctx, `UPDATE jobs SET state = 'leased', updated_at = ? WHERE id = ?`, q.now().Unix(), c.id); err != nil {
			return model.Lease{}, false, fmt.Errorf("queue: mark leased: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO leases (lease_id, job_id, worker_id, expires_at, renewals) VALUES (?, ?, ?, ?, 0)
		`, leaseID, c.id, workerID, expiresAt.Unix()); err != nil {
			return model.Lease{}, false, fmt.Errorf("queue: insert lease: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return model.Lease{}, false, fmt.Errorf("queue: commit: %w", err)
		}

		job := model.Job{
			ID:            c.id,
			Kind:          kind,
			Priority:      sel.Priority,
			LibraryID:     sel.Library,
			Payload:       json.RawMessage(c.payload),
			DedupeKey:     c.dedupeKey,
			DependencyKey: c.dependencyKey,
			Attempt:       c.attempts,
			CreatedAt:     time.Unix(c.createdAt, 0),
		}
		return model.Lease{LeaseID: leaseID, JobID: c.id, WorkerID: workerID, Job: job, ExpiresAt: expiresAt}, true, nil
	}

	return model.Lease{}, false, nil
}

// dependencyBlockedLocked reports whether the series_resolve job that owns
// this dependency key is still outstanding (pending or leased). Resolving
// that job and calling ReleaseDependency is what clears an EpisodeMatch
// job's dependency_key to '', so as long as a non-terminal series_resolve
// row shares the key, the EpisodeMatch job must wait.
func dependencyBlockedLocked(ctx context.Context, tx *sql.Tx, library, key string) (bool, error) {
	var blocked int
	row := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM jobs
		WHERE library = ? AND dedupe_key = ? AND kind = 'series_resolve' AND state IN ('pending', 'leased')
	`, library, key)
	if err := row.Scan(&blocked); err != nil {
		return false, fmt.Errorf("queue: dependency check: %w", err)
	}
	return blocked > 0, nil
}

// Renew extends the lease by extendBy. Fails with ErrLeaseNotFound if the
// lease has already been reclaimed or finalised.
func (q *Queue) Renew(ctx context.Context, leaseID, workerID string, extendBy time.Duration) (model.Lease, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	newExpiry := q.now().Add(extendBy).Unix()
	res, err := q.db.ExecContext(ctx, `
		UPDATE leases SET expires_at = ?, renewals = renewals + 1
		WHERE lease_id = ? AND worker_id = ?
	`, newExpiry, leaseID, workerID)
	if err != nil {
		return model.Lease{}, fmt.Errorf("queue: renew: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return model.Lease{}, ErrLeaseNotFound
	}

	var jobID string
	var renewals int
	row := q.db.QueryRowContext(ctx, `SELECT job_id, renewals FROM leases WHERE lease_id = ?`, leaseID)
	if err := row.Scan(&jobID, &renewals); err != nil {
		return model.Lease{}, fmt.Errorf("queue: renew lookup: %w", err)
	}
	return model.Lease{LeaseID: leaseID, JobID: jobID, WorkerID: workerID, ExpiresAt: time.Unix(newExpiry, 0), Renewals: renewals}, nil
}

// Complete marks the leased job Completed and removes its lease.
func (q *Queue) Complete(ctx context.Context, leaseID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.terminalTransitionLocked(ctx, leaseID, func(tx *sql.Tx, jobID string) error {
		_, err := tx.ExecContext(ctx, `UPDATE jobs SET state = 'completed', updated_at = ? WHERE id = ?`, q.now().Unix(), jobID)
		return err
	})
}

// Fail transitions the leased job back to Pending (retryable=true, with an
// attempt increment and backoff) or to DeadLetter (retryable=false, or the
// attempt cap has been exceeded).
func (q *Queue) Fail(ctx context.Context, leaseID string, retryable bool, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.terminalTransitionLocked(ctx, leaseID, func(tx *sql.Tx, jobID string) error {
		var attempts int
		if err := tx.QueryRowContext(ctx, `SELECT attempts FROM jobs WHERE id = ?`, jobID).Scan(&attempts); err != nil {
			return fmt.Errorf("queue: fail lookup attempts: %w", err)
		}
		attempts++
		if !retryable || attempts > q.policy.MaxAttempts {
			_, err := tx.ExecContext(ctx, `UPDATE jobs SET state = 'dead_lettered', attempts = ?, updated_at = ? WHERE id = ?`, attempts, q.now().Unix(), jobID)
			return err
		}
		backoff := q.backoffFor(attempts)
		// next_attempt_at has whole-second resolution; round up so a
		// sub-second backoff still holds the job back.
		next := q.now().Add(backoff)
		nextAttempt := next.Unix()
		if next.Nanosecond() > 0 {
			nextAttempt++
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE jobs SET state = 'pending', attempts = ?, next_attempt_at = ?, updated_at = ? WHERE id = ?
		`, attempts, nextAttempt, q.now().Unix(), jobID)
		return err
	})
}

// DeadLetter unconditionally moves the leased job to the terminal
// DeadLetter state.
func (q *Queue) DeadLetter(ctx context.Context, leaseID string, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.terminalTransitionLocked(ctx, leaseID, func(tx *sql.Tx, jobID string) error {
		_, err := tx.ExecContext(ctx, `UPDATE jobs SET state = 'dead_lettered', updated_at = ? WHERE id = ?`, q.now().Unix(), jobID)
		return err
	})
}

func (q *Queue) terminalTransitionLocked(ctx context.Context, leaseID string, apply func(tx *sql.Tx, jobID string) error) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("queue: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var jobID string
	err = tx.QueryRowContext(ctx, `SELECT job_id FROM leases WHERE lease_id = ?`, leaseID).Scan(&jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrLeaseNotFound
	}
	if err != nil {
		return fmt.Errorf("queue: lease lookup: %w", err)
	}

	if err := apply(tx, jobID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM leases WHERE lease_id = ?`, leaseID); err != nil {
		return fmt.Errorf("queue: delete lease: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("queue: commit: %w", err)
	}
	return nil
}

func (q *Queue) backoffFor(attempt int) time.Duration {
	d := q.policy.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d > q.policy.BackoffMax {
			d = q.policy.BackoffMax
			break
		}
	}
	if d > q.policy.BackoffMax {
		d = q.policy.BackoffMax
	}
	return d
}

// ReleaseDependency marks every job blocked on (library, key) as runnable
// by clearing its dependency key.
func (q *Queue) ReleaseDependency(ctx context.Context, library, key string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, err := q.db.ExecContext(ctx, `
		UPDATE jobs SET dependency_key = '', updated_at = ?
		WHERE library = ? AND dependency_key = ? AND state = 'pending'
	`, q.now().Unix(), library, key)
	if err != nil {
		return fmt.Errorf("queue: release dependency: %w", err)
	}
	return nil
}

// ExpiredLease is returned by ScanExpiredLeases with enough of the job's
// identity for the housekeeper to publish the matching job-lifecycle event
// (Enqueued on repend, DeadLettered on exhaustion) without a second query.
type ExpiredLease struct {
	JobID        string
	Library      string
	Kind         model.JobKind
	Priority     model.Priority
	DedupeKey    string
	DeadLettered bool
}

// ScanExpiredLeases reclaims every lease whose expires_at has passed: the
// job returns to Pending (attempt unchanged) unless its expiry count has
// exceeded the configured threshold, in which case it dead-letters.
func (q *Queue) ScanExpiredLeases(ctx context.Context) ([]ExpiredLease, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("queue: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `SELECT lease_id, job_id FROM leases WHERE expires_at < ?`, q.now().Unix())
	if err != nil {
		return nil, fmt.Errorf("queue: scan expired: %w", err)
	}
	type expired struct{ leaseID, jobID string }
	var expiredLeases []expired
	for rows.Next() {
		var e expired
		if err := rows.Scan(&e.leaseID, &e.jobID); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("queue: scan row: %w", err)
		}
		expiredLeases = append(expiredLeases, e)
	}
	_ = rows.Close()

	var reclaimed []ExpiredLease
	for _, e := range expiredLeases {
		var expiryCount int
		var rec ExpiredLease
		if err := tx.QueryRowContext(ctx, `SELECT expiry_count, library, kind, priority, dedupe_key FROM jobs WHERE id = ?`, e.jobID).
			Scan(&expiryCount, &rec.Library, &rec.Kind, &rec.Priority, &rec.DedupeKey); err != nil {
			continue
		}
		rec.JobID = e.jobID
		expiryCount++
		if expiryCount > q.policy.MaxLeaseExpiries {
			if _, err := tx.ExecContext(ctx, `UPDATE jobs SET state = 'dead_lettered', expiry_count = ?, updated_at = ? WHERE id = ?`, expiryCount, q.now().Unix(), e.jobID); err != nil {
				return nil, fmt.Errorf("queue: dead-letter expired: %w", err)
			}
			rec.DeadLettered = true
		} else {
			if _, err := tx.ExecContext(ctx, `UPDATE jobs SET state = 'pending', expiry_count = ?, updated_at = ? WHERE id = ?`, expiryCount, q.now().Unix(), e.jobID); err != nil {
				return nil, fmt.Errorf("queue: repend expired: %w", err)
			}
			rec.DeadLettered = false
		}
		reclaimed = append(reclaimed, rec)
		if _, err := tx.ExecContext(ctx, `DELETE FROM leases WHERE lease_id = ?`, e.leaseID); err != nil {
			return nil, fmt.Errorf("queue: delete expired lease: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("queue: commit: %w", err)
	}
	return reclaimed, nil
}
