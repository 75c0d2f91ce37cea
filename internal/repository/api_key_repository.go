package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lib/pq"
)

// APIKeyPlan is an active API key joined with its plan.
type APIKeyPlan struct {
	KeyID           string
	UserID          string
	RateLimit       int
	PlanName        string
	MaxWidth        int
	MaxHeight       int
	PlanRateLimit   int
	Concurrency     int
	AllowedFormats  []string
	WebhooksEnabled bool
}

// APIKeyRepository looks up API keys.
type APIKeyRepository interface {
	FindByHash(ctx context.Context, keyHash string) (*APIKeyPlan, error)
}

type apiKeyRepository struct {
	db  *sql.DB
	log *slog.Logger
}

// NewAPIKeyRepository creates a new SQL-backed API key repository.
func NewAPIKeyRepository(db *sql.DB, log *slog.Logger) APIKeyRepository {
	return &apiKeyRepository{
		db:  db,
		log: log,
	}
}

// FindByHash returns the key matching the sha256 hex digest or sql.ErrNoRows.
func (r *apiKeyRepository) FindByHash(ctx context.Context, keyHash string) (*APIKeyPlan, error) {
	const query = `
		SELECT k.id, COALESCE(k.user_id, ''), k.rate_limit,
		       p.name, p.max_width, p.max_height, p.rate_limit, p.concurrency, p.allowed_formats, p.webhooks_enabled
		FROM api_keys k
		JOIN plans p ON p.name = k.plan
		WHERE k.key_hash = $1 AND k.revoked_at IS NULL
	`

	row := r.db.QueryRowContext(ctx, query, keyHash)

	var key APIKeyPlan
	if err := row.Scan(
		&key.KeyID,
		&key.UserID,
		&key.RateLimit,
		&key.PlanName,
		&key.MaxWidth,
		&key.MaxHeight,
		&key.PlanRateLimit,
		&key.Concurrency,
		pq.Array(&key.AllowedFormats),
		&key.WebhooksEnabled,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}

		if r.log != nil {
			r.log.Error("failed to fetch api key", slog.Any("error", err))
		}
		return nil, fmt.Errorf("select api key: %w", err)
	}

	return &key, nil
}
