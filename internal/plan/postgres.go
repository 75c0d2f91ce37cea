package plan

import (
	"context"
	"database/sql"
	"errors"

	"github.com/Proton-105/pagecapture/internal/repository"
)

// PostgresResolver looks API keys up in the api_keys and plans tables.
type PostgresResolver struct {
	keys repository.APIKeyRepository
}

var _ Resolver = (*PostgresResolver)(nil)

func NewPostgresResolver(keys repository.APIKeyRepository) *PostgresResolver {
	return &PostgresResolver{keys: keys}
}

func (r *PostgresResolver) Resolve(ctx context.Context, apiKey string) (*Principal, error) {
	row, err := r.keys.FindByHash(ctx, HashKey(apiKey))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUnknownKey
		}
		return nil, err
	}

	return &Principal{
		UserID:    row.UserID,
		APIKeyID:  row.KeyID,
		RateLimit: row.RateLimit,
		Plan: Plan{
			Name:            row.PlanName,
			MaxWidth:        row.MaxWidth,
			MaxHeight:       row.MaxHeight,
			RateLimit:       row.PlanRateLimit,
			Concurrency:     row.Concurrency,
			AllowedFormats:  row.AllowedFormats,
			WebhooksEnabled: row.WebhooksEnabled,
		},
	}, nil
}
