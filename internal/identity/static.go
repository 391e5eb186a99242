// Package identity resolves bearer tokens into principals.
package identity

import (
	"context"
	"fmt"
	"strings"

	"github.com/pscheid92/opwire/internal/domain"
)

// Static validates tokens against a fixed token → principal table.
type Static struct {
	principals map[string]string
}

// ParseStatic reads "token=principal" pairs separated by commas.
func ParseStatic(spec string) (*Static, error) {
	principals := make(map[string]string)
	for _, pair := range strings.Split(spec, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		token, principal, ok := strings.Cut(pair, "=")
		token, principal = strings.TrimSpace(token), strings.TrimSpace(principal)
		if !ok || token == "" || principal == "" {
			return nil, fmt.Errorf("invalid static token entry %q: want token=principal", pair)
		}
		principals[token] = principal
	}
	return &Static{principals: principals}, nil
}

func NewStatic(principals map[string]string) *Static {
	copied := make(map[string]string, len(principals))
	for token, principal := range principals {
		copied[token] = principal
	}
	return &Static{principals: copied}
}

func (s *Static) Validate(_ context.Context, token string) (domain.Principal, bool, error) {
	id, ok := s.principals[token]
	if !ok {
		return domain.Principal{}, false, nil
	}
	return domain.Principal{ID: id}, true, nil
}

func (s *Static) Len() int { return len(s.principals) }
