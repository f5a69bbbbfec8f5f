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

// PostgresDeadLetterStore implements the store.DeadLetterStore interface
// using PostgreSQL. Entries keep a JSON copy of the job's full audit
// trail at the time of death so triage survives later audit purges.
type PostgresDeadLetterStore struct {
	db *sql.DB
}

// NewPostgresDeadLetterStore creates a new PostgresDeadLetterStore.
func NewPostgresDeadLetterStore(db *sql.DB) *PostgresDeadLetterStore {
	return &PostgresDeadLetterStore{db: db}
}

// Add records a dead job with its audit trail. ON CONFLICT DO NOTHING
// makes a retried death transition idempotent.
func (s *PostgresDeadLetterStore) Add(
	ctx context.Context,
	job *domain.Job,
	audit []store.AuditEntry,
) error {
	log := logger.FromContext(ctx)

	auditJSON, err := json.Marshal(audit)
	if err != nil {
		return fmt.Errorf("failed to marshal audit trail: %w", err)
	}
	lastError, err := marshalFailure(job.LastError)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO dead_letters (job_id, queue, type, payload, attempts, last_error, audit, died_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (job_id) DO NOTHING
	`, job.ID, job.Queue, job.Type, job.Payload, job.Attempts, lastError, auditJSON, time.Now().UTC())
	if err != nil {
		log.Error("failed to add dead letter",
			"job_id", job.ID,
			"queue", job.Queue,
			"error", err)
		return MapError(err)
	}
	return nil
}

// List returns dead-letter entries newest first, optionally filtered by
// queue. The audit trail is omitted from list results; Get returns it.
func (s *PostgresDeadLetterStore) List(
	ctx context.Context,
	queue string,
	limit, offset int,
) ([]store.DeadLetter, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, queue, type, attempts, last_error, died_at, requeued_at
		FROM dead_letters
		WHERE ($1 = '' OR queue = $1)
		ORDER BY died_at DESC
		LIMIT $2 OFFSET $3
	`, queue, limit, offset)
	if err != nil {
		return nil, MapError(err)
	}
	defer func() { _ = rows.Close() }()

	var entries []store.DeadLetter
	for rows.Next() {
		var (
			e         store.DeadLetter
			lastError []byte
			requeued  sql.NullTime
		)
		if err := rows.Scan(&e.JobID, &e.Queue, &e.Type, &e.Attempts, &lastError, &e.DiedAt, &requeued); err != nil {
			return nil, MapError(err)
		}
		if len(lastError) > 0 {
			var f domain.FailureDetail
			if err := json.Unmarshal(lastError, &f); err != nil {
				return nil, fmt.Errorf("failed to unmarshal failure detail: %w", err)
			}
			e.LastError = &f
		}
		if requeued.Valid {
			t := requeued.Time
			e.RequeuedAt = &t
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, MapError(err)
	}
	return entries, nil
}

// Get returns a single dead-letter entry including payload and the full
// audit trail captured at death.
func (s *PostgresDeadLetterStore) Get(ctx context.Context, jobID uuid.UUID) (*store.DeadLetter, error) {
	var (
		e         store.DeadLetter
		lastError []byte
		auditJSON []byte
		requeued  sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT job_id, queue, type, payload, attempts, last_error, audit, died_at, requeued_at
		FROM dead_letters
		WHERE job_id = $1
	`, jobID).Scan(
		&e.JobID, &e.Queue, &e.Type, &e.Payload, &e.Attempts,
		&lastError, &auditJSON, &e.DiedAt, &requeued,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrDeadLetterNotFound
		}
		return nil, MapError(err)
	}

	if len(lastError) > 0 {
		var f domain.FailureDetail
		if err := json.Unmarshal(lastError, &f); err != nil {
			return nil, fmt.Errorf("failed to unmarshal failure detail: %w", err)
		}
		e.LastError = &f
	}
	if err := json.Unmarshal(auditJSON, &e.Audit); err != nil {
		return nil, fmt.Errorf("failed to unmarshal audit trail: %w", err)
	}
	if requeued.Valid {
		t := requeued.Time
		e.RequeuedAt = &t
	}
	return &e, nil
}

// Requeue resurrects a dead job: dead -> pending with attempts reset and
// lease fields cleared, and the dead-letter entry stamped requeued. Both
// updates happen in one transaction so the entry can never claim a
// requeue that did not take effect. Returning to pending re-enters the
// fingerprint dedup window: if an equivalent job is already non-terminal
// the partial unique index rejects the update and this returns
// store.ErrDuplicateFingerprint.
func (s *PostgresDeadLetterStore) Requeue(
	ctx context.Context,
	jobID uuid.UUID,
	actor string,
) (*domain.Job, error) {
	log := logger.FromContext(ctx)
	now := time.Now().UTC()
	var job *domain.Job

	err := store.RunInTransaction(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			UPDATE jobs SET
				status           = 'pending',
				attempts         = 0,
				available_at     = $2,
				lease_owner      = NULL,
				lease_expires_at = NULL,
				updated_at       = $2
			WHERE id = $1 AND status = 'dead'
			RETURNING `+jobColumns,
			jobID, now,
		)

		requeued, scanErr := scanJob(row)
		if scanErr != nil {
			if errors.Is(scanErr, sql.ErrNoRows) {
				return fmt.Errorf("%w: job %s is not dead", store.ErrStatusConflict, jobID)
			}
			return MapError(scanErr)
		}
		job = requeued

		if _, err := tx.ExecContext(ctx, `
			UPDATE dead_letters SET requeued_at = $2 WHERE job_id = $1
		`, jobID, now); err != nil {
			return MapError(err)
		}

		return insertAudit(ctx, tx, store.AuditEntry{
			JobID:      jobID,
			FromStatus: domain.JobStatusDead,
			ToStatus:   domain.JobStatusPending,
			Actor:      actor,
			Detail:     "manually requeued from dead letter",
			CreatedAt:  now,
		})
	})
	if err != nil {
		log.Error("failed to requeue dead letter",
			"job_id", jobID,
			"actor", actor,
			"error", err)
		return nil, err
	}
	return job, nil
}
