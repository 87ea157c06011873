// Package jobs owns the job lifecycle: admission behind the idempotency
// guard, forward-only status transitions, monotonic progress reporting,
// and artifact registration on completion.
package jobs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/foresight-labs/foresight-go/internal/domain"
	"github.com/foresight-labs/foresight-go/internal/platform/auditlog"
	"github.com/foresight-labs/foresight-go/internal/platform/objectstore"
	"github.com/foresight-labs/foresight-go/internal/repo"
)

// Identity describes who triggered a lifecycle change, for audit.
type Identity struct {
	Actor     string
	RequestID string
}

func (id Identity) actor() string {
	if strings.TrimSpace(id.Actor) == "" {
		return "system"
	}
	return strings.TrimSpace(id.Actor)
}

type Service struct {
	jobs      repo.JobRepository
	artifacts repo.ArtifactRepository
	payloads  objectstore.PayloadStore
	audit     auditlog.Appender
	log       *slog.Logger
	now       func() time.Time
}

func New(jobRepo repo.JobRepository, artifactRepo repo.ArtifactRepository, payloads objectstore.PayloadStore, audit auditlog.Appender, log *slog.Logger) *Service {
	if jobRepo == nil || artifactRepo == nil || payloads == nil || log == nil {
		return nil
	}
	if audit == nil {
		audit = auditlog.NopAppender{}
	}
	return &Service{
		jobs:      jobRepo,
		artifacts: artifactRepo,
		payloads:  payloads,
		audit:     audit,
		log:       log,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// IdempotencyKey derives the deterministic admission key for a unit of
// work. The same entity, job type, and input version always map to the
// same key, so concurrent duplicate submissions collapse to one job.
func IdempotencyKey(entityID string, jobType domain.JobType, version string) string {
	h := sha256.New()
	h.Write([]byte(strings.TrimSpace(entityID)))
	h.Write([]byte{0})
	h.Write([]byte(jobType))
	h.Write([]byte{0})
	h.Write([]byte(strings.TrimSpace(version)))
	return hex.EncodeToString(h.Sum(nil))
}

type SubmitInput struct {
	ProjectID      string
	Type           domain.JobType
	IdempotencyKey string
	Payload        domain.Metadata
	MaxRetries     int
	StagesTotal    int
}

// Submit admits a new job, or returns the already-active job holding the
// same idempotency key. The boolean reports whether a new job was
// created. Admission is atomic: two racing submissions with the same key
// yield the same job id.
func (s *Service) Submit(ctx context.Context, id Identity, input SubmitInput) (domain.Job, bool, error) {
	now := s.now()
	job := domain.Job{
		ID:             uuid.NewString(),
		ProjectID:      strings.TrimSpace(input.ProjectID),
		Type:           input.Type,
		Status:         domain.JobStatusQueued,
		StagesTotal:    input.StagesTotal,
		MaxRetries:     input.MaxRetries,
		IdempotencyKey: strings.TrimSpace(input.IdempotencyKey),
		Payload:        input.Payload.Clone(),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := job.Validate(); err != nil {
		return domain.Job{}, false, err
	}

	if err := s.jobs.CreateJob(ctx, job); err != nil {
		if errors.Is(err, repo.ErrDuplicateActiveJob) {
			existing, getErr := s.jobs.GetActiveJobByKey(ctx, job.IdempotencyKey)
			if getErr != nil {
				return domain.Job{}, false, fmt.Errorf("resolve duplicate job: %w", getErr)
			}
			return existing, false, nil
		}
		return domain.Job{}, false, err
	}

	s.appendAudit(ctx, id, "job.submitted", job.ID, map[string]any{
		"project_id": job.ProjectID,
		"type":       string(job.Type),
	})
	return job, true, nil
}

func (s *Service) Get(ctx context.Context, jobID string) (domain.Job, error) {
	return s.jobs.GetJob(ctx, jobID)
}

func (s *Service) List(ctx context.Context, filter repo.JobFilter) ([]domain.Job, error) {
	return s.jobs.ListJobs(ctx, filter)
}

// ListActive returns the non-terminal jobs for a project.
func (s *Service) ListActive(ctx context.Context, projectID string) ([]domain.Job, error) {
	return s.jobs.ListJobs(ctx, repo.JobFilter{ProjectID: projectID, ActiveOnly: true})
}

type AdvanceInput struct {
	StageName    string
	StageMessage string
	// StageIndex derives the percent from the job's stages_total when
	// ProgressPercent is negative.
	StageIndex      int
	ProgressPercent int
}

// Advance reports worker progress. Progress is monotonic: the store
// keeps the maximum of the stored and reported percent.
func (s *Service) Advance(ctx context.Context, jobID string, input AdvanceInput) error {
	percent := input.ProgressPercent
	if percent < 0 {
		job, err := s.jobs.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		if job.StagesTotal > 0 {
			percent = input.StageIndex * 100 / job.StagesTotal
		} else {
			percent = 0
		}
	}
	if percent > 100 {
		percent = 100
	}
	return s.jobs.UpdateJobProgress(ctx, jobID, input.StageName, input.StageMessage, percent)
}

type ArtifactInput struct {
	Name           string
	ContentType    string
	Payload        []byte
	AlignmentScore *float64
}

// Complete marks a running job succeeded and registers its artifacts.
// Payload bodies go to object storage; the artifact rows carry the
// object key, digest, and size. Completing an already succeeded job is a
// no-op so a retried completion cannot fail the worker.
func (s *Service) Complete(ctx context.Context, jobID string, outputs []ArtifactInput) (domain.Job, error) {
	job, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return domain.Job{}, err
	}
	if job.Status == domain.JobStatusSucceeded {
		return job, nil
	}

	artifacts := make([]domain.Artifact, 0, len(outputs))
	for _, out := range outputs {
		name := strings.TrimSpace(out.Name)
		if name == "" {
			return domain.Job{}, errors.New("artifact name is required")
		}
		contentType := out.ContentType
		if contentType == "" {
			contentType = "application/json"
		}
		key := fmt.Sprintf("%s/%s/%s", job.ProjectID, job.ID, name)
		info, err := s.payloads.Put(ctx, key, out.Payload, contentType)
		if err != nil {
			return domain.Job{}, fmt.Errorf("store artifact payload: %w", err)
		}
		artifacts = append(artifacts, domain.Artifact{
			ID:             uuid.NewString(),
			JobID:          job.ID,
			ProjectID:      job.ProjectID,
			Name:           name,
			ContentType:    contentType,
			ObjectKey:      info.Key,
			SHA256:         info.SHA256,
			SizeBytes:      info.SizeBytes,
			AlignmentScore: out.AlignmentScore,
			CreatedAt:      s.now(),
		})
	}

	if err := s.jobs.TransitionJobStatus(ctx, job.ID, domain.JobStatusRunning, domain.JobStatusSucceeded, ""); err != nil {
		return domain.Job{}, err
	}
	for _, artifact := range artifacts {
		if err := s.artifacts.CreateArtifact(ctx, artifact); err != nil {
			return domain.Job{}, fmt.Errorf("register artifact %s: %w", artifact.Name, err)
		}
	}

	s.appendAudit(ctx, Identity{Actor: "worker"}, "job.succeeded", job.ID, map[string]any{
		"project_id": job.ProjectID,
		"type":       string(job.Type),
		"artifacts":  len(artifacts),
	})
	return s.jobs.GetJob(ctx, job.ID)
}

// Fail marks a job failed with an operator-readable message. The
// retryable flag is recorded for the audit trail; Resubmit decides
// whether another attempt is admitted.
func (s *Service) Fail(ctx context.Context, jobID, message string, retryable bool) error {
	job, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		if job.Status == domain.JobStatusFailed {
			return nil
		}
		return domain.ErrInvalidStateTransition
	}
	if err := s.jobs.TransitionJobStatus(ctx, job.ID, job.Status, domain.JobStatusFailed, message); err != nil {
		return err
	}
	s.appendAudit(ctx, Identity{Actor: "worker"}, "job.failed", job.ID, map[string]any{
		"project_id": job.ProjectID,
		"type":       string(job.Type),
		"retryable":  retryable,
		"message":    message,
	})
	return nil
}

// Cancel stops a queued or running job. Workers observe the cancelled
// status between stages and abandon the work.
func (s *Service) Cancel(ctx context.Context, id Identity, jobID string) (domain.Job, error) {
	job, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return domain.Job{}, err
	}
	if job.Status.Terminal() {
		return domain.Job{}, domain.ErrInvalidStateTransition
	}
	if err := s.jobs.TransitionJobStatus(ctx, job.ID, job.Status, domain.JobStatusCancelled, ""); err != nil {
		return domain.Job{}, err
	}
	s.appendAudit(ctx, id, "job.cancelled", job.ID, map[string]any{
		"project_id": job.ProjectID,
		"type":       string(job.Type),
	})
	return s.jobs.GetJob(ctx, job.ID)
}

// Resubmit admits a retry attempt for a failed job under the same
// idempotency key, with the retry counter advanced. The original job
// must be terminal or admission would collide with it.
func (s *Service) Resubmit(ctx context.Context, id Identity, jobID string) (domain.Job, error) {
	prev, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return domain.Job{}, err
	}
	if prev.Status != domain.JobStatusFailed {
		return domain.Job{}, domain.ErrInvalidStateTransition
	}
	if prev.MaxRetries > 0 && prev.RetryCount >= prev.MaxRetries {
		return domain.Job{}, fmt.Errorf("retry budget exhausted (%d of %d)", prev.RetryCount, prev.MaxRetries)
	}

	now := s.now()
	retry := domain.Job{
		ID:             uuid.NewString(),
		ProjectID:      prev.ProjectID,
		Type:           prev.Type,
		Status:         domain.JobStatusQueued,
		StagesTotal:    prev.StagesTotal,
		RetryCount:     prev.RetryCount + 1,
		MaxRetries:     prev.MaxRetries,
		IdempotencyKey: prev.IdempotencyKey,
		Payload:        prev.Payload.Clone(),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.jobs.CreateJob(ctx, retry); err != nil {
		if errors.Is(err, repo.ErrDuplicateActiveJob) {
			return s.jobs.GetActiveJobByKey(ctx, prev.IdempotencyKey)
		}
		return domain.Job{}, err
	}
	s.appendAudit(ctx, id, "job.resubmitted", retry.ID, map[string]any{
		"project_id":  retry.ProjectID,
		"type":        string(retry.Type),
		"previous":    prev.ID,
		"retry_count": retry.RetryCount,
	})
	return retry, nil
}

// Claim hands the oldest queued job to a worker.
func (s *Service) Claim(ctx context.Context) (domain.Job, error) {
	return s.jobs.ClaimNextJob(ctx)
}

func (s *Service) GetArtifact(ctx context.Context, artifactID string) (domain.Artifact, error) {
	return s.artifacts.GetArtifact(ctx, artifactID)
}

func (s *Service) ListArtifacts(ctx context.Context, filter repo.ArtifactFilter) ([]domain.Artifact, error) {
	return s.artifacts.ListArtifacts(ctx, filter)
}

// ArtifactPayload fetches the stored payload body for an artifact.
func (s *Service) ArtifactPayload(ctx context.Context, artifactID string) (domain.Artifact, []byte, error) {
	artifact, err := s.artifacts.GetArtifact(ctx, artifactID)
	if err != nil {
		return domain.Artifact{}, nil, err
	}
	data, err := s.payloads.Get(ctx, artifact.ObjectKey)
	if err != nil {
		return domain.Artifact{}, nil, err
	}
	return artifact, data, nil
}

func (s *Service) appendAudit(ctx context.Context, id Identity, action, jobID string, payload map[string]any) {
	event := auditlog.Event{
		OccurredAt:   s.now(),
		Actor:        id.actor(),
		Action:       action,
		ResourceType: "job",
		ResourceID:   jobID,
		RequestID:    id.RequestID,
		Payload:      payload,
	}
	if _, err := s.audit.Append(ctx, event); err != nil {
		s.log.Warn("audit append failed", slog.String("action", action), slog.String("job_id", jobID), slog.String("error", err.Error()))
	}
}
