package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/phrazzld/quill-jobs/internal/domain"
	"github.com/phrazzld/quill-jobs/internal/platform/logger"
	"github.com/phrazzld/quill-jobs/internal/store"
)

// jobColumns is the canonical select list for job rows.
const jobColumns = `id, queue, type, payload, fingerprint, status, attempts,
	max_attempts, available_at, lease_owner, lease_expires_at, last_error,
	created_at, updated_at`

// nonTerminalStatuses matches the partial unique index predicate on
// fingerprint. Keep the two in sync with the migration.
const nonTerminalStatuses = `'pending', 'leased', 'failed_retryable'`

// PostgresJobStore implements the store.JobStore interface using PostgreSQL.
type PostgresJobStore struct {
	db *sql.DB
}

// NewPostgresJobStore creates a new PostgresJobStore.
func NewPostgresJobStore(db *sql.DB) *PostgresJobStore {
	return &PostgresJobStore{db: db}
}

// Insert persists a new pending job and its creation audit entry in a
// single transaction. A fingerprint collision with a non-terminal job
// returns the existing job's ID together with ErrDuplicateFingerprint.
func (s *PostgresJobStore) Insert(ctx context.Context, job *domain.Job) (uuid.UUID, error) {
	log := logger.FromContext(ctx)

	if err := job.Validate(); err != nil {
		return uuid.Nil, fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}

	var (
		insertedID uuid.UUID
		existingID uuid.UUID
		deduped    bool
	)

	err := store.RunInTransaction(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		id, dup, err := s.insertJob(ctx, tx, job)
		if err != nil {
			return err
		}
		if dup {
			existingID = id
			deduped = true
			return nil
		}
		insertedID = id
		return insertAudit(ctx, tx, store.AuditEntry{
			JobID:      job.ID,
			FromStatus: "",
			ToStatus:   domain.JobStatusPending,
			Actor:      store.ActorProducer,
			Detail:     "enqueued",
			CreatedAt:  job.CreatedAt,
		})
	})
	if err != nil {
		log.Error("failed to insert job",
			"job_id", job.ID,
			"queue", job.Queue,
			"job_type", job.Type,
			"error", err)
		return uuid.Nil, err
	}

	if deduped {
		return existingID, store.ErrDuplicateFingerprint
	}
	return insertedID, nil
}

// insertJob runs the insert statement, handling fingerprint dedup. The
// bool result reports whether an existing job's ID was returned instead
// of creating a new row.
func (s *PostgresJobStore) insertJob(
	ctx context.Context,
	tx *sql.Tx,
	job *domain.Job,
) (uuid.UUID, bool, error) {
	lastError, err := marshalFailure(job.LastError)
	if err != nil {
		return uuid.Nil, false, err
	}

	if job.Fingerprint == "" {
		query := `
			INSERT INTO jobs (` + jobColumns + `)
			VALUES ($1, $2, $3, $4, NULL, $5, $6, $7, $8, NULL, NULL, $9, $10, $11)
		`
		_, err := tx.ExecContext(ctx, query,
			job.ID, job.Queue, job.Type, job.Payload, job.Status,
			job.Attempts, job.MaxAttempts, job.AvailableAt,
			lastError, job.CreatedAt, job.UpdatedAt,
		)
		if err != nil {
			return uuid.Nil, false, MapError(err)
		}
		return job.ID, false, nil
	}

	// The ON CONFLICT target names the partial unique index on
	// fingerprint over non-terminal statuses, so a duplicate enqueue
	// while the equivalent job is still in flight inserts nothing.
	insert := `
		INSERT INTO jobs (` + jobColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULL, NULL, $10, $11, $12)
		ON CONFLICT (fingerprint) WHERE status IN (` + nonTerminalStatuses + `)
		DO NOTHING
		RETURNING id
	`
	var id uuid.UUID
	err = tx.QueryRowContext(ctx, insert,
		job.ID, job.Queue, job.Type, job.Payload, job.Fingerprint, job.Status,
		job.Attempts, job.MaxAttempts, job.AvailableAt,
		lastError, job.CreatedAt, job.UpdatedAt,
	).Scan(&id)
	if err == nil {
		return id, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return uuid.Nil, false, MapError(err)
	}

	// Nothing inserted: an equivalent non-terminal job exists. Return its ID.
	var existing uuid.UUID
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM jobs
		WHERE fingerprint = $1 AND status IN (`+nonTerminalStatuses+`)
	`, job.Fingerprint).Scan(&existing)
	if err != nil {
		// The duplicate completed between statements; surface a conflict so
		// the caller retries the enqueue.
		return uuid.Nil, false, MapError(err)
	}
	return existing, true, nil
}

// GetByID retrieves a job by its ID.
func (s *PostgresJobStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE id = $1
	`, id)

	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrJobNotFound
		}
		return nil, MapError(err)
	}
	return job, nil
}

// Transition conditionally moves a job between statuses, applies field
// updates, and appends the audit entry, all in one transaction.
func (s *PostgresJobStore) Transition(
	ctx context.Context,
	id uuid.UUID,
	expected, next domain.JobStatus,
	fields store.TransitionFields,
	actor string,
) (*domain.Job, error) {
	log := logger.FromContext(ctx)

	lastError, err := marshalFailure(fields.LastError)
	if err != nil {
		return nil, err
	}

	var expectOwner sql.NullString
	if fields.ExpectOwner != "" {
		expectOwner = sql.NullString{String: fields.ExpectOwner, Valid: true}
	}

	now := time.Now().UTC()
	var job *domain.Job

	err = store.RunInTransaction(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			UPDATE jobs SET
				status           = $3,
				updated_at       = $4,
				available_at     = COALESCE($5::timestamptz, available_at),
				last_error       = COALESCE($6::jsonb, last_error),
				lease_owner      = CASE WHEN $7 THEN NULL ELSE lease_owner END,
				lease_expires_at = CASE WHEN $7 THEN NULL ELSE lease_expires_at END,
				attempts         = CASE WHEN $8 THEN 0 ELSE attempts END
			WHERE id = $1
			  AND status = $2
			  AND ($9::text IS NULL OR lease_owner = $9)
			RETURNING `+jobColumns,
			id, expected, next, now,
			fields.AvailableAt, lastError,
			fields.ClearLease, fields.ResetAttempts,
			expectOwner,
		)

		updated, scanErr := scanJob(row)
		if scanErr != nil {
			if errors.Is(scanErr, sql.ErrNoRows) {
				return s.classifyTransitionMiss(ctx, tx, id, expectOwner)
			}
			return MapError(scanErr)
		}
		job = updated

		detail := ""
		if fields.LastError != nil {
			detail = fields.LastError.Message
		}
		return insertAudit(ctx, tx, store.AuditEntry{
			JobID:      id,
			FromStatus: expected,
			ToStatus:   next,
			Actor:      actor,
			Detail:     detail,
			CreatedAt:  now,
		})
	})
	if err != nil {
		if !store.IsConflictError(err) && !store.IsNotFoundError(err) {
			log.Error("failed to transition job",
				"job_id", id,
				"expected_status", expected,
				"next_status", next,
				"error", err)
		}
		return nil, err
	}

	return job, nil
}

// classifyTransitionMiss distinguishes the three reasons a conditional
// update matched nothing: the job is gone, another caller won the status
// race, or the lease changed hands.
func (s *PostgresJobStore) classifyTransitionMiss(
	ctx context.Context,
	tx *sql.Tx,
	id uuid.UUID,
	expectOwner sql.NullString,
) error {
	var status domain.JobStatus
	var owner sql.NullString
	err := tx.QueryRowContext(ctx,
		`SELECT status, lease_owner FROM jobs WHERE id = $1`, id,
	).Scan(&status, &owner)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrJobNotFound
		}
		return MapError(err)
	}
	if expectOwner.Valid && owner.String != expectOwner.String {
		return fmt.Errorf("%w: job %s held by %q", store.ErrLeaseNotHeld, id, owner.String)
	}
	return fmt.Errorf("%w: job %s is %q", store.ErrStatusConflict, id, status)
}

// AcquireOldest leases the oldest eligible job in the queue. The
// candidate row is locked with FOR UPDATE SKIP LOCKED so concurrent
// worker processes select disjoint jobs without blocking each other.
func (s *PostgresJobStore) AcquireOldest(
	ctx context.Context,
	queue, workerID string,
	leaseFor time.Duration,
) (*domain.Job, domain.JobStatus, error) {
	now := time.Now().UTC()
	expiresAt := now.Add(leaseFor)

	var job *domain.Job
	var prevStatus domain.JobStatus

	err := store.RunInTransaction(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			WITH candidate AS (
				SELECT id, status
				FROM jobs
				WHERE queue = $1
				  AND status IN ('pending', 'failed_retryable')
				  AND available_at <= $4
				ORDER BY created_at, id
				LIMIT 1
				FOR UPDATE SKIP LOCKED
			)
			UPDATE jobs j SET
				status           = 'leased',
				lease_owner      = $2,
				lease_expires_at = $3,
				attempts         = attempts + 1,
				updated_at       = $4
			FROM candidate
			WHERE j.id = candidate.id
			RETURNING j.id, j.queue, j.type, j.payload, j.fingerprint, j.status,
				j.attempts, j.max_attempts, j.available_at, j.lease_owner,
				j.lease_expires_at, j.last_error, j.created_at, j.updated_at,
				candidate.status
		`, queue, workerID, expiresAt, now)

		acquired, prev, scanErr := scanAcquiredJob(row)
		if scanErr != nil {
			if errors.Is(scanErr, sql.ErrNoRows) {
				return store.ErrNoEligibleJobs
			}
			return MapError(scanErr)
		}
		job = acquired
		prevStatus = prev

		return insertAudit(ctx, tx, store.AuditEntry{
			JobID:      job.ID,
			FromStatus: prevStatus,
			ToStatus:   domain.JobStatusLeased,
			Actor:      workerID,
			Detail:     fmt.Sprintf("lease granted (attempt %d)", job.Attempts),
			CreatedAt:  now,
		})
	})
	if err != nil {
		return nil, "", err
	}
	return job, prevStatus, nil
}

// ExtendLease pushes out the expiry of an active lease. Not a status
// transition, so no audit entry is written.
func (s *PostgresJobStore) ExtendLease(
	ctx context.Context,
	id uuid.UUID,
	workerID string,
	leaseFor time.Duration,
) error {
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET
			lease_expires_at = $3,
			updated_at       = $4
		WHERE id = $1
		  AND status = 'leased'
		  AND lease_owner = $2
		  AND lease_expires_at > $4
	`, id, workerID, now.Add(leaseFor), now)
	if err != nil {
		return MapError(err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: job %s, worker %s", store.ErrLeaseNotHeld, id, workerID)
	}
	return nil
}

// ReclaimExpired resets every expired lease back to pending, appending
// audit entries attributed to the sweeper.
func (s *PostgresJobStore) ReclaimExpired(ctx context.Context) ([]store.ReclaimedJob, error) {
	now := time.Now().UTC()
	var reclaimed []store.ReclaimedJob

	err := store.RunInTransaction(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			WITH expired AS (
				SELECT id, lease_owner
				FROM jobs
				WHERE status = 'leased' AND lease_expires_at < $1
				FOR UPDATE SKIP LOCKED
			)
			UPDATE jobs j SET
				status           = 'pending',
				lease_owner      = NULL,
				lease_expires_at = NULL,
				updated_at       = $1
			FROM expired
			WHERE j.id = expired.id
			RETURNING j.id, j.queue, j.type, j.attempts, expired.lease_owner
		`, now)
		if err != nil {
			return MapError(err)
		}
		defer func() { _ = rows.Close() }()

		for rows.Next() {
			var r store.ReclaimedJob
			var owner sql.NullString
			if err := rows.Scan(&r.ID, &r.Queue, &r.Type, &r.Attempts, &owner); err != nil {
				return MapError(err)
			}
			r.Owner = owner.String
			reclaimed = append(reclaimed, r)
		}
		if err := rows.Err(); err != nil {
			return MapError(err)
		}

		for _, r := range reclaimed {
			err := insertAudit(ctx, tx, store.AuditEntry{
				JobID:      r.ID,
				FromStatus: domain.JobStatusLeased,
				ToStatus:   domain.JobStatusPending,
				Actor:      store.ActorSweeper,
				Detail:     fmt.Sprintf("lease expired; previous owner %q presumed dead", r.Owner),
				CreatedAt:  now,
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return reclaimed, nil
}

// ListAudit returns the job's audit trail in transition order.
func (s *PostgresJobStore) ListAudit(ctx context.Context, id uuid.UUID) ([]store.AuditEntry, error) {
	return listAudit(ctx, s.db, id)
}

// QueueStats returns the number of jobs per status within a queue.
func (s *PostgresJobStore) QueueStats(
	ctx context.Context,
	queue string,
) (map[domain.JobStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*)
		FROM jobs
		WHERE queue = $1
		GROUP BY status
	`, queue)
	if err != nil {
		return nil, MapError(err)
	}
	defer func() { _ = rows.Close() }()

	stats := make(map[domain.JobStatus]int)
	for rows.Next() {
		var status domain.JobStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, MapError(err)
		}
		stats[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, MapError(err)
	}
	return stats, nil
}

// Ping verifies the database is reachable.
func (s *PostgresJobStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("job store unreachable: %w", err)
	}
	return nil
}

// rowScanner abstracts *sql.Row and *sql.Rows for the scan helpers.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanJob reads one job row in jobColumns order.
func scanJob(row rowScanner) (*domain.Job, error) {
	var (
		j           domain.Job
		fingerprint sql.NullString
		leaseOwner  sql.NullString
		leaseExp    sql.NullTime
		lastError   []byte
	)
	err := row.Scan(
		&j.ID, &j.Queue, &j.Type, &j.Payload, &fingerprint, &j.Status,
		&j.Attempts, &j.MaxAttempts, &j.AvailableAt, &leaseOwner, &leaseExp,
		&lastError, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	applyNullables(&j, fingerprint, leaseOwner, leaseExp)
	if err := unmarshalFailure(lastError, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

// scanAcquiredJob reads an acquired job row plus the pre-lease status.
func scanAcquiredJob(row rowScanner) (*domain.Job, domain.JobStatus, error) {
	var (
		j           domain.Job
		fingerprint sql.NullString
		leaseOwner  sql.NullString
		leaseExp    sql.NullTime
		lastError   []byte
		prevStatus  domain.JobStatus
	)
	err := row.Scan(
		&j.ID, &j.Queue, &j.Type, &j.Payload, &fingerprint, &j.Status,
		&j.Attempts, &j.MaxAttempts, &j.AvailableAt, &leaseOwner, &leaseExp,
		&lastError, &j.CreatedAt, &j.UpdatedAt,
		&prevStatus,
	)
	if err != nil {
		return nil, "", err
	}
	applyNullables(&j, fingerprint, leaseOwner, leaseExp)
	if err := unmarshalFailure(lastError, &j); err != nil {
		return nil, "", err
	}
	return &j, prevStatus, nil
}

func applyNullables(j *domain.Job, fingerprint, leaseOwner sql.NullString, leaseExp sql.NullTime) {
	j.Fingerprint = fingerprint.String
	j.LeaseOwner = leaseOwner.String
	if leaseExp.Valid {
		t := leaseExp.Time
		j.LeaseExpiresAt = &t
	}
}

func marshalFailure(f *domain.FailureDetail) ([]byte, error) {
	if f == nil {
		return nil, nil
	}
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal failure detail: %w", err)
	}
	return data, nil
}

func unmarshalFailure(data []byte, j *domain.Job) error {
	if len(data) == 0 {
		return nil
	}
	var f domain.FailureDetail
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("failed to unmarshal failure detail: %w", err)
	}
	j.LastError = &f
	return nil
}

// insertAudit appends one audit entry within the caller's transaction.
func insertAudit(ctx context.Context, db store.DBTX, e store.AuditEntry) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO job_audit (job_id, from_status, to_status, actor, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, e.JobID, e.FromStatus, e.ToStatus, e.Actor, e.Detail, e.CreatedAt)
	if err != nil {
		return MapError(err)
	}
	return nil
}

// listAudit returns a job's audit entries in insertion order.
func listAudit(ctx context.Context, db store.DBTX, id uuid.UUID) ([]store.AuditEntry, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT job_id, from_status, to_status, actor, detail, created_at
		FROM job_audit
		WHERE job_id = $1
		ORDER BY id
	`, id)
	if err != nil {
		return nil, MapError(err)
	}
	defer func() { _ = rows.Close() }()

	var entries []store.AuditEntry
	for rows.Next() {
		var e store.AuditEntry
		if err := rows.Scan(&e.JobID, &e.FromStatus, &e.ToStatus, &e.Actor, &e.Detail, &e.CreatedAt); err != nil {
			return nil, MapError(err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, MapError(err)
	}
	return entries, nil
}
