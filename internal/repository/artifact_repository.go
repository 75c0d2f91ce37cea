// Package repository implements Postgres persistence for artifact metadata
// and API keys.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Artifact is the durable record of a stored capture.
type Artifact struct {
	ID          string
	CaptureID   string
	Identity    string
	Reference   string
	ContentType string
	SizeBytes   int64
	CreatedAt   time.Time
	ExpiresAt   time.Time
	DeletedAt   *time.Time
}

// ArtifactRepository defines persistence operations for artifacts.
type ArtifactRepository interface {
	Create(ctx context.Context, artifact *Artifact) error
	FindByReference(ctx context.Context, ref string) (*Artifact, error)
	ListExpired(ctx context.Context, before time.Time, limit int) ([]Artifact, error)
	MarkDeleted(ctx context.Context, id string, at time.Time) error
}

type artifactRepository struct {
	db  *sql.DB
	log *slog.Logger
}

// NewArtifactRepository creates a new SQL-backed artifact repository.
func NewArtifactRepository(db *sql.DB, log *slog.Logger) ArtifactRepository {
	return &artifactRepository{
		db:  db,
		log: log,
	}
}

// Create inserts the artifact. Re-inserting the same capture is a no-op.
func (r *artifactRepository) Create(ctx context.Context, artifact *Artifact) error {
	const query = `
		INSERT INTO artifacts (id, capture_id, identity, reference, content_type, size_bytes, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (capture_id) DO NOTHING
	`

	if _, err := r.db.ExecContext(
		ctx,
		query,
		artifact.ID,
		artifact.CaptureID,
		artifact.Identity,
		artifact.Reference,
		artifact.ContentType,
		artifact.SizeBytes,
		artifact.CreatedAt,
		artifact.ExpiresAt,
	); err != nil {
		if r.log != nil {
			r.log.Error("failed to create artifact", slog.String("capture_id", artifact.CaptureID), slog.Any("error", err))
		}
		return fmt.Errorf("insert artifact: %w", err)
	}

	return nil
}

// FindByReference returns the live artifact for ref or sql.ErrNoRows.
func (r *artifactRepository) FindByReference(ctx context.Context, ref string) (*Artifact, error) {
	const query = `
		SELECT id, capture_id, identity, reference, content_type, size_bytes, created_at, expires_at, deleted_at
		FROM artifacts
		WHERE reference = $1 AND deleted_at IS NULL
	`

	row := r.db.QueryRowContext(ctx, query, ref)

	artifact, err := scanArtifact(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("select artifact by reference: %w", err)
	}

	return artifact, nil
}

// ListExpired returns up to limit live artifacts whose expiry is before the given time.
func (r *artifactRepository) ListExpired(ctx context.Context, before time.Time, limit int) ([]Artifact, error) {
	const query = `
		SELECT id, capture_id, identity, reference, content_type, size_bytes, created_at, expires_at, deleted_at
		FROM artifacts
		WHERE deleted_at IS NULL AND expires_at < $1
		ORDER BY expires_at
		LIMIT $2
	`

	rows, err := r.db.QueryContext(ctx, query, before, limit)
	if err != nil {
		return nil, fmt.Errorf("select expired artifacts: %w", err)
	}
	defer rows.Close()

	var artifacts []Artifact
	for rows.Next() {
		artifact, err := scanArtifact(rows)
		if err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		artifacts = append(artifacts, *artifact)
	}

	return artifacts, rows.Err()
}

func (r *artifactRepository) MarkDeleted(ctx context.Context, id string, at time.Time) error {
	const query = `UPDATE artifacts SET deleted_at = $2 WHERE id = $1 AND deleted_at IS NULL`

	if _, err := r.db.ExecContext(ctx, query, id, at); err != nil {
		return fmt.Errorf("mark artifact deleted: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanArtifact(row scanner) (*Artifact, error) {
	var (
		artifact  Artifact
		deletedAt sql.NullTime
	)
	if err := row.Scan(
		&artifact.ID,
		&artifact.CaptureID,
		&artifact.Identity,
		&artifact.Reference,
		&artifact.ContentType,
		&artifact.SizeBytes,
		&artifact.CreatedAt,
		&artifact.ExpiresAt,
		&deletedAt,
	); err != nil {
		return nil, err
	}
	if deletedAt.Valid {
		artifact.DeletedAt = &deletedAt.Time
	}
	return &artifact, nil
}
