package identity

import (
	"context"
	"fmt"

	"github.com/pscheid92/opwire/internal/domain"
)

// Chain asks each validator in order and returns the first positive result.
// A failing validator stops the chain.
type Chain []domain.IdentityValidator

func (c Chain) Validate(ctx context.Context, token string) (domain.Principal, bool, error) {
	for i, v := range c {
		p, ok, err := v.Validate(ctx, token)
		if err != nil {
			return domain.Principal{}, false, fmt.Errorf("validator %d: %w", i, err)
		}
		if ok {
			return p, true, nil
		}
	}
	return domain.Principal{}, false, nil
}

// Deny rejects every token. Used when no token source is configured.
type Deny struct{}

func (Deny) Validate(context.Context, string) (domain.Principal, bool, error) {
	return domain.Principal{}, false, nil
}
