package plan

import (
	"context"
	"fmt"

	"github.com/Proton-105/pagecapture/pkg/config"
)

// StaticResolver serves API keys listed in configuration.
type StaticResolver struct {
	byHash map[string]Principal
}

var _ Resolver = (*StaticResolver)(nil)

func NewStaticResolver(plans map[string]Plan, keys []config.APIKeyConfig) (*StaticResolver, error) {
	byHash := make(map[string]Principal, len(keys))
	for _, key := range keys {
		p, ok := plans[key.Plan]
		if !ok {
			return nil, fmt.Errorf("api key %s references unknown plan %q", key.ID, key.Plan)
		}
		byHash[HashKey(key.Key)] = Principal{
			UserID:    key.UserID,
			APIKeyID:  key.ID,
			Plan:      p,
			RateLimit: key.RateLimit,
		}
	}
	return &StaticResolver{byHash: byHash}, nil
}

func (s *StaticResolver) Resolve(_ context.Context, apiKey string) (*Principal, error) {
	p, ok := s.byHash[HashKey(apiKey)]
	if !ok {
		return nil, ErrUnknownKey
	}
	return &p, nil
}
