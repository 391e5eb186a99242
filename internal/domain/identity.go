package domain

import "context"

// Principal is an authenticated identity resolved from a token.
type Principal struct {
	ID string `json:"id"`
}

// IdentityValidator resolves bearer tokens. An unknown token reports
// ok=false with a nil error; errors mean the validator itself failed.
type IdentityValidator interface {
	Validate(ctx context.Context, token string) (Principal, bool, error)
}
