package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/foresight-labs/foresight-go/internal/domain"
	"github.com/foresight-labs/foresight-go/internal/repo"
)

// JobStore persists job records. Idempotency admission relies on a
// partial unique index over jobs(idempotency_key) restricted to
// non-terminal statuses, so duplicate concurrent submissions lose the
// race inside the database rather than in application code.
type JobStore struct {
	db DB
}

func NewJobStore(db DB) *JobStore {
	if db == nil {
		return nil
	}
	return &JobStore{db: db}
}

const jobColumns = `job_id, project_id, job_type, status, progress_percent,
	stage_name, stage_message, stages_total, retry_count, max_retries,
	idempotency_key, payload, error_message, created_at, updated_at`

func (s *JobStore) CreateJob(ctx context.Context, job domain.Job) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("job store not initialized")
	}
	if err := job.Validate(); err != nil {
		return err
	}
	payloadJSON, err := encodeMetadata(job.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	res, err := s.db.ExecContext(
		ctx,
		`INSERT INTO jobs (`+jobColumns+`)
		 SELECT $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15
		 WHERE NOT EXISTS (
			SELECT 1 FROM jobs
			WHERE idempotency_key = $11
			  AND status IN ('queued','running')
		 )`,
		strings.TrimSpace(job.ID),
		strings.TrimSpace(job.ProjectID),
		string(job.Type),
		string(job.Status),
		job.ProgressPercent,
		nullIfEmpty(job.StageName),
		nullIfEmpty(job.StageMessage),
		job.StagesTotal,
		job.RetryCount,
		job.MaxRetries,
		strings.TrimSpace(job.IdempotencyKey),
		payloadJSON,
		nullIfEmpty(job.ErrorMessage),
		normalizeTime(job.CreatedAt),
		normalizeTime(job.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return repo.ErrDuplicateActiveJob
		}
		return fmt.Errorf("insert job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	if affected == 0 {
		return repo.ErrDuplicateActiveJob
	}
	return nil
}

func (s *JobStore) GetJob(ctx context.Context, id string) (domain.Job, error) {
	if s == nil || s.db == nil {
		return domain.Job{}, fmt.Errorf("job store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Job{}, fmt.Errorf("job id is required")
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_id = $1`, id)
	return scanJob(row)
}

func (s *JobStore) GetActiveJobByKey(ctx context.Context, idempotencyKey string) (domain.Job, error) {
	if s == nil || s.db == nil {
		return domain.Job{}, fmt.Errorf("job store not initialized")
	}
	idempotencyKey = strings.TrimSpace(idempotencyKey)
	if idempotencyKey == "" {
		return domain.Job{}, fmt.Errorf("idempotency key is required")
	}
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE idempotency_key = $1 AND status IN ('queued','running')
		 ORDER BY created_at DESC LIMIT 1`,
		idempotencyKey,
	)
	return scanJob(row)
}

func (s *JobStore) ListJobs(ctx context.Context, filter repo.JobFilter) ([]domain.Job, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("job store not initialized")
	}
	clauses := make([]string, 0, 4)
	args := make([]any, 0, 4)

	if strings.TrimSpace(filter.ProjectID) != "" {
		args = append(args, strings.TrimSpace(filter.ProjectID))
		clauses = append(clauses, fmt.Sprintf("project_id = $%d", len(args)))
	}
	if filter.Type != "" {
		args = append(args, string(filter.Type))
		clauses = append(clauses, fmt.Sprintf("job_type = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.ActiveOnly {
		clauses = append(clauses, "status IN ('queued','running')")
	}

	query := `SELECT ` + jobColumns + ` FROM jobs`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at ASC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]domain.Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

func (s *JobStore) UpdateJobProgress(ctx context.Context, id string, stageName, stageMessage string, progressPercent int) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("job store not initialized")
	}
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE jobs SET
			stage_name = COALESCE(NULLIF($2, ''), stage_name),
			stage_message = COALESCE(NULLIF($3, ''), stage_message),
			progress_percent = GREATEST(progress_percent, $4),
			updated_at = now()
		 WHERE job_id = $1`,
		strings.TrimSpace(id),
		stageName,
		stageMessage,
		progressPercent,
	)
	if err != nil {
		return fmt.Errorf("update job progress: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update job progress: %w", err)
	}
	if affected == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func (s *JobStore) TransitionJobStatus(ctx context.Context, id string, from, to domain.JobStatus, errorMessage string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("job store not initialized")
	}
	id = strings.TrimSpace(id)
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE jobs SET
			status = $3,
			error_message = COALESCE(NULLIF($4, ''), error_message),
			updated_at = now()
		 WHERE job_id = $1 AND status = $2`,
		id,
		string(from),
		string(to),
		errorMessage,
	)
	if err != nil {
		return fmt.Errorf("transition job status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition job status: %w", err)
	}
	if affected == 0 {
		if _, getErr := s.GetJob(ctx, id); getErr != nil {
			return getErr
		}
		return domain.ErrInvalidStateTransition
	}
	return nil
}

func (s *JobStore) ClaimNextJob(ctx context.Context) (domain.Job, error) {
	if s == nil || s.db == nil {
		return domain.Job{}, fmt.Errorf("job store not initialized")
	}
	row := s.db.QueryRowContext(
		ctx,
		`UPDATE jobs SET status = 'running', updated_at = now()
		 WHERE job_id = (
			SELECT job_id FROM jobs
			WHERE status = 'queued'
			ORDER BY created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+jobColumns,
	)
	return scanJob(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (domain.Job, error) {
	var job domain.Job
	var jobType string
	var status string
	var stageName sql.NullString
	var stageMessage sql.NullString
	var errorMessage sql.NullString
	var payloadJSON []byte
	if err := row.Scan(
		&job.ID,
		&job.ProjectID,
		&jobType,
		&status,
		&job.ProgressPercent,
		&stageName,
		&stageMessage,
		&job.StagesTotal,
		&job.RetryCount,
		&job.MaxRetries,
		&job.IdempotencyKey,
		&payloadJSON,
		&errorMessage,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		return domain.Job{}, handleNotFound(err)
	}
	job.Type = domain.JobType(jobType)
	job.Status = domain.JobStatus(status)
	if stageName.Valid {
		job.StageName = stageName.String
	}
	if stageMessage.Valid {
		job.StageMessage = stageMessage.String
	}
	if errorMessage.Valid {
		job.ErrorMessage = errorMessage.String
	}
	payload, err := decodeMetadata(payloadJSON)
	if err != nil {
		return domain.Job{}, fmt.Errorf("decode payload: %w", err)
	}
	job.Payload = payload
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	return job, nil
}
