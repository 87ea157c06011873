package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/foresight-labs/foresight-go/internal/domain"
	"github.com/foresight-labs/foresight-go/internal/repo"
)

// ArtifactStore persists immutable artifact records. Rows are append
// only: retries supersede artifacts with new rows, never updates.
type ArtifactStore struct {
	db DB
}

func NewArtifactStore(db DB) *ArtifactStore {
	if db == nil {
		return nil
	}
	return &ArtifactStore{db: db}
}

const artifactColumns = `artifact_id, job_id, project_id, artifact_name,
	content_type, object_key, sha256, size_bytes, alignment_score, created_at`

func (s *ArtifactStore) CreateArtifact(ctx context.Context, artifact domain.Artifact) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("artifact store not initialized")
	}
	if err := artifact.Validate(); err != nil {
		return err
	}
	var alignment sql.NullFloat64
	if artifact.AlignmentScore != nil {
		alignment = sql.NullFloat64{Float64: *artifact.AlignmentScore, Valid: true}
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO artifacts (`+artifactColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		strings.TrimSpace(artifact.ID),
		strings.TrimSpace(artifact.JobID),
		strings.TrimSpace(artifact.ProjectID),
		strings.TrimSpace(artifact.Name),
		nullIfEmpty(artifact.ContentType),
		strings.TrimSpace(artifact.ObjectKey),
		strings.TrimSpace(artifact.SHA256),
		artifact.SizeBytes,
		alignment,
		normalizeTime(artifact.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert artifact: %w", err)
	}
	return nil
}

func (s *ArtifactStore) GetArtifact(ctx context.Context, id string) (domain.Artifact, error) {
	if s == nil || s.db == nil {
		return domain.Artifact{}, fmt.Errorf("artifact store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Artifact{}, fmt.Errorf("artifact id is required")
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+artifactColumns+` FROM artifacts WHERE artifact_id = $1`, id)
	return scanArtifact(row)
}

func (s *ArtifactStore) ListArtifacts(ctx context.Context, filter repo.ArtifactFilter) ([]domain.Artifact, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("artifact store not initialized")
	}
	clauses := make([]string, 0, 2)
	args := make([]any, 0, 3)
	if strings.TrimSpace(filter.ProjectID) != "" {
		args = append(args, strings.TrimSpace(filter.ProjectID))
		clauses = append(clauses, fmt.Sprintf("project_id = $%d", len(args)))
	}
	if strings.TrimSpace(filter.JobID) != "" {
		args = append(args, strings.TrimSpace(filter.JobID))
		clauses = append(clauses, fmt.Sprintf("job_id = $%d", len(args)))
	}
	query := `SELECT ` + artifactColumns + ` FROM artifacts`
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
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	artifacts := make([]domain.Artifact, 0)
	for rows.Next() {
		artifact, err := scanArtifact(rows)
		if err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		artifacts = append(artifacts, artifact)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	return artifacts, nil
}

func scanArtifact(row rowScanner) (domain.Artifact, error) {
	var artifact domain.Artifact
	var contentType sql.NullString
	var alignment sql.NullFloat64
	if err := row.Scan(
		&artifact.ID,
		&artifact.JobID,
		&artifact.ProjectID,
		&artifact.Name,
		&contentType,
		&artifact.ObjectKey,
		&artifact.SHA256,
		&artifact.SizeBytes,
		&alignment,
		&artifact.CreatedAt,
	); err != nil {
		return domain.Artifact{}, handleNotFound(err)
	}
	if contentType.Valid {
		artifact.ContentType = contentType.String
	}
	if alignment.Valid {
		score := alignment.Float64
		artifact.AlignmentScore = &score
	}
	artifact.CreatedAt = artifact.CreatedAt.UTC()
	return artifact, nil
}
