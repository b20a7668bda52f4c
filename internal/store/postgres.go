package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"audio-orchestrator/internal/models"
)

// Postgres implements Store on pgxpool. Row-level conditional updates
// provide the single-writer-per-record discipline: every owner-gated
// mutation carries `status = 'running' AND worker_instance_id = $n` in
// its WHERE clause, so a superseded worker can never overwrite state.
type Postgres struct {
	pool   *pgxpool.Pool
	policy RetryPolicy
}

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string, policy RetryPolicy) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool, policy: policy}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const jobColumns = `id, type, entity_id, idempotency_key, status, worker_instance_id, current_step,
	checkpoints, metadata, params, started_at, last_heartbeat, completed_at, error_message,
	retry_count, created_at, updated_at`

func (s *Postgres) CreateOrGet(ctx context.Context, p CreateParams) (models.Job, bool, error) {
	// Fast path: an active job already holds the key.
	if existing, found, err := s.findActiveByKey(ctx, p.IdempotencyKey); err != nil {
		return models.Job{}, false, err
	} else if found {
		return existing, false, nil
	}

	checkpoints, metadata, params, err := encodeMaps(map[string]string{}, p.Metadata, p.Params)
	if err != nil {
		return models.Job{}, false, err
	}

	id := uuid.NewString()
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (id, type, entity_id, idempotency_key, status, checkpoints, metadata, params, retry_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
		ON CONFLICT (idempotency_key) WHERE status <> 'failed' DO NOTHING
	`, id, p.Type, p.EntityID, p.IdempotencyKey, models.StatusPending, checkpoints, metadata, params, p.RetryCount, now)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("insert job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Lost the race; the winner's row is the one everyone observes.
		existing, found, err := s.findActiveByKey(ctx, p.IdempotencyKey)
		if err != nil {
			return models.Job{}, false, err
		}
		if !found {
			return models.Job{}, false, errors.New("idempotency conflict but no existing job found")
		}
		return existing, false, nil
	}
	job, err := s.Get(ctx, id)
	return job, true, err
}

func (s *Postgres) findActiveByKey(ctx context.Context, key string) (models.Job, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE idempotency_key = $1 AND status <> 'failed'
	`, key)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, err
	}
	return job, true, nil
}

func (s *Postgres) Get(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrNotFound
	}
	return job, err
}

func (s *Postgres) List(ctx context.Context, f Filter) ([]models.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	args := []any{}
	if f.Status != "" {
		args = append(args, f.Status)
		q += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if f.Type != "" {
		args = append(args, f.Type)
		q += fmt.Sprintf(" AND type = $%d", len(args))
	}
	q += " ORDER BY created_at, id"
	if f.Take > 0 {
		args = append(args, f.Take)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Skip > 0 {
		args = append(args, f.Skip)
		q += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	return s.queryJobs(ctx, q, args...)
}

func (s *Postgres) ListByEntity(ctx context.Context, entityID string) ([]models.Job, error) {
	return s.queryJobs(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE entity_id = $1 ORDER BY created_at, id
	`, entityID)
}

func (s *Postgres) ListByStatus(ctx context.Context, status models.Status, jobType models.JobType) ([]models.Job, error) {
	if jobType == "" {
		return s.queryJobs(ctx, `
			SELECT `+jobColumns+` FROM jobs WHERE status = $1 ORDER BY created_at, id
		`, status)
	}
	return s.queryJobs(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE status = $1 AND type = $2 ORDER BY created_at, id
	`, status, jobType)
}

func (s *Postgres) Claim(ctx context.Context, id, workerInstanceID string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET status = $2, worker_instance_id = $3, started_at = NOW(), last_heartbeat = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = $4
		RETURNING `+jobColumns,
		id, models.StatusRunning, workerInstanceID, models.StatusPending)
	job, err := scanJob(row)
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, err
	}
	return s.classifyClaim(ctx, id, workerInstanceID)
}

func (s *Postgres) classifyClaim(ctx context.Context, id, workerInstanceID string) (models.Job, error) {
	job, err := s.Get(ctx, id)
	if err != nil {
		return models.Job{}, err
	}
	if job.Status == models.StatusRunning && job.Owner() == workerInstanceID {
		return job, nil
	}
	if job.Status == models.StatusRunning {
		return models.Job{}, ErrNotOwner
	}
	return models.Job{}, ErrInvalidTransition
}

func (s *Postgres) Heartbeat(ctx context.Context, id, workerInstanceID, currentStep string, checkpoints map[string]string) (models.Job, error) {
	cp, err := json.Marshal(orEmpty(checkpoints))
	if err != nil {
		return models.Job{}, fmt.Errorf("marshal checkpoints: %w", err)
	}
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET last_heartbeat = NOW(),
		    updated_at = NOW(),
		    current_step = CASE WHEN $4 = '' THEN current_step ELSE $4 END,
		    checkpoints = COALESCE(checkpoints, '{}'::jsonb) || $5::jsonb
		WHERE id = $1 AND status = $2 AND worker_instance_id = $3
		RETURNING `+jobColumns,
		id, models.StatusRunning, workerInstanceID, currentStep, cp)
	job, err := scanJob(row)
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, err
	}
	if _, err := s.Get(ctx, id); err != nil {
		return models.Job{}, err
	}
	return models.Job{}, ErrNotOwner
}

func (s *Postgres) Complete(ctx context.Context, id, workerInstanceID string, result map[string]string) (models.Job, error) {
	md, err := json.Marshal(orEmpty(result))
	if err != nil {
		return models.Job{}, fmt.Errorf("marshal result: %w", err)
	}
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET status = $4, completed_at = NOW(), updated_at = NOW(), worker_instance_id = NULL,
		    metadata = COALESCE(metadata, '{}'::jsonb) || $5::jsonb
		WHERE id = $1 AND status = $2 AND worker_instance_id = $3
		RETURNING `+jobColumns,
		id, models.StatusRunning, workerInstanceID, models.StatusCompleted, md)
	job, err := scanJob(row)
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, err
	}
	return s.classifyTerminalCallback(ctx, id)
}

// classifyTerminalCallback sorts out why an owner-gated update matched
// nothing: repeat calls after completed/failed are idempotent no-ops,
// cancelled jobs reject callbacks, everything else is an ownership miss.
func (s *Postgres) classifyTerminalCallback(ctx context.Context, id string) (models.Job, error) {
	job, err := s.Get(ctx, id)
	if err != nil {
		return models.Job{}, err
	}
	switch job.Status {
	case models.StatusCompleted, models.StatusFailed:
		return job, nil
	case models.StatusCancelled:
		return models.Job{}, ErrInvalidTransition
	default:
		return models.Job{}, ErrNotOwner
	}
}

func (s *Postgres) Fail(ctx context.Context, id, workerInstanceID, errMsg string, retryable bool) (models.Job, *models.Job, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	row := tx.QueryRow(ctx, `
		UPDATE jobs
		SET status = $4, completed_at = NOW(), updated_at = NOW(), worker_instance_id = NULL, error_message = $5
		WHERE id = $1 AND status = $2 AND worker_instance_id = $3
		RETURNING `+jobColumns,
		id, models.StatusRunning, workerInstanceID, models.StatusFailed, errMsg)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		got, cerr := s.classifyTerminalCallback(ctx, id)
		return got, nil, cerr
	}
	if err != nil {
		return models.Job{}, nil, err
	}

	var successor *models.Job
	if retryable && s.policy.Allows(job) {
		succ, err := s.insertSuccessor(ctx, tx, job)
		if err != nil {
			return models.Job{}, nil, err
		}
		successor = succ
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, nil, fmt.Errorf("commit: %w", err)
	}
	return job, successor, nil
}

func (s *Postgres) insertSuccessor(ctx context.Context, tx pgx.Tx, failed models.Job) (*models.Job, error) {
	checkpoints, metadata, params, err := encodeMaps(map[string]string{}, failed.Metadata, failed.Params)
	if err != nil {
		return nil, err
	}
	row := tx.QueryRow(ctx, `
		INSERT INTO jobs (id, type, entity_id, idempotency_key, status, checkpoints, metadata, params, retry_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())
		ON CONFLICT (idempotency_key) WHERE status <> 'failed' DO NOTHING
		RETURNING `+jobColumns,
		uuid.NewString(), failed.Type, failed.EntityID, failed.IdempotencyKey, models.StatusPending,
		checkpoints, metadata, params, failed.RetryCount+1)
	succ, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		// A concurrent submission already reactivated the key.
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("insert retry successor: %w", err)
	}
	return &succ, nil
}

func (s *Postgres) Cancel(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET status = $2, completed_at = NOW(), updated_at = NOW(), worker_instance_id = NULL
		WHERE id = $1 AND status IN ($3, $4)
		RETURNING `+jobColumns,
		id, models.StatusCancelled, models.StatusPending, models.StatusRunning)
	job, err := scanJob(row)
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, err
	}
	got, err := s.Get(ctx, id)
	if err != nil {
		return models.Job{}, err
	}
	if got.Status == models.StatusCancelled {
		return got, nil
	}
	return models.Job{}, ErrInvalidTransition
}

func (s *Postgres) MarkDispatchFailed(ctx context.Context, id, msg string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, completed_at = NOW(), updated_at = NOW(), error_message = $3
		WHERE id = $1 AND status = $4
	`, id, models.StatusFailed, msg, models.StatusPending)
	return err
}

func (s *Postgres) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) CountActive(ctx context.Context, jobType models.JobType) (int64, int64, error) {
	var pending, running int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FILTER (WHERE status = $2),
		       COUNT(*) FILTER (WHERE status = $3)
		FROM jobs WHERE type = $1
	`, jobType, models.StatusPending, models.StatusRunning).Scan(&pending, &running)
	if err != nil {
		return 0, 0, fmt.Errorf("count active jobs: %w", err)
	}
	return pending, running, nil
}

func (s *Postgres) Stats(ctx context.Context) (Stats, error) {
	out := Stats{
		ByStatus: map[models.Status]int64{},
		ByType:   map[models.JobType]int64{},
	}

	rows, err := s.pool.Query(ctx, `SELECT status, type, COUNT(*) FROM jobs GROUP BY status, type`)
	if err != nil {
		return Stats{}, fmt.Errorf("stats counts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status models.Status
		var jobType models.JobType
		var n int64
		if err := rows.Scan(&status, &jobType, &n); err != nil {
			return Stats{}, fmt.Errorf("scan stats row: %w", err)
		}
		out.ByStatus[status] += n
		out.ByType[jobType] += n
	}
	if err := rows.Err(); err != nil {
		return Stats{}, err
	}

	var avg pgtype.Float8
	err = s.pool.QueryRow(ctx, `
		SELECT AVG(EXTRACT(EPOCH FROM (completed_at - started_at)))
		FROM jobs
		WHERE status = $1 AND started_at IS NOT NULL AND completed_at IS NOT NULL
	`, models.StatusCompleted).Scan(&avg)
	if err != nil {
		return Stats{}, fmt.Errorf("stats avg completion: %w", err)
	}
	if avg.Valid {
		out.AvgCompletionSeconds = avg.Float64
	}
	return out, nil
}

func (s *Postgres) queryJobs(ctx context.Context, q string, args ...any) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	out := make([]models.Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var worker, errMsg pgtype.Text
	var started, heartbeat, completed pgtype.Timestamptz
	var checkpoints, metadata, params []byte

	err := row.Scan(&job.ID, &job.Type, &job.EntityID, &job.IdempotencyKey, &job.Status,
		&worker, &job.CurrentStep, &checkpoints, &metadata, &params,
		&started, &heartbeat, &completed, &errMsg, &job.RetryCount, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return models.Job{}, err
	}

	if err := decodeJSON(checkpoints, &job.Checkpoints); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal checkpoints: %w", err)
	}
	if err := decodeJSON(metadata, &job.Metadata); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal metadata: %w", err)
	}
	if err := decodeJSON(params, &job.Params); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal params: %w", err)
	}
	job.WorkerInstanceID = textPtr(worker)
	job.ErrorMessage = textPtr(errMsg)
	job.StartedAt = timePtr(started)
	job.LastHeartbeat = timePtr(heartbeat)
	job.CompletedAt = timePtr(completed)
	return job, nil
}

func encodeMaps(checkpoints map[string]string, metadata map[string]string, params map[string]any) ([]byte, []byte, []byte, error) {
	cp, err := json.Marshal(orEmpty(checkpoints))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("marshal checkpoints: %w", err)
	}
	md, err := json.Marshal(orEmpty(metadata))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("marshal metadata: %w", err)
	}
	if params == nil {
		params = map[string]any{}
	}
	pr, err := json.Marshal(params)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("marshal params: %w", err)
	}
	return cp, md, pr, nil
}

func orEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func decodeJSON[T any](raw []byte, into *T) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, into)
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}

var _ Store = (*Postgres)(nil)
