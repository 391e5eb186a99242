package redis

import (
	"context"
	"errors"
	"fmt"

	"github.com/pscheid92/opwire/internal/identity"
	goredis "github.com/redis/go-redis/v9"
)

const tokenKeyPrefix = "opwire:token:"

func tokenKey(token string) string {
	return tokenKeyPrefix + token
}

// TokenStore resolves bearer tokens to principal ids stored as plain string
// keys. It is meant to sit behind identity.Cached.
type TokenStore struct {
	rdb *goredis.Client
}

var _ identity.Lookup = (*TokenStore)(nil)

func NewTokenStore(rdb *goredis.Client) *TokenStore {
	return &TokenStore{rdb: rdb}
}

// LookupPrincipal returns the principal for token. A missing key or empty
// value is a negative result, not an error.
func (s *TokenStore) LookupPrincipal(ctx context.Context, token string) (string, bool, error) {
	principal, err := s.rdb.Get(ctx, tokenKey(token)).Result()
	if errors.Is(err, goredis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get token: %w", err)
	}
	if principal == "" {
		return "", false, nil
	}
	return principal, true, nil
}
