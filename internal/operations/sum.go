package operations

import (
	"context"
	"encoding/json"
	"math"

	apperrors "github.com/pscheid92/opwire/internal/platform/errors"
)

type SumRequest struct {
	Values []float64 `json:"values"`
}

type SumResponse struct {
	Sum   float64 `json:"sum"`
	Count int     `json:"count"`
}

// Sum adds up a list of numbers for an authenticated caller.
type Sum struct {
	Base
}

func (s *Sum) Decode(raw json.RawMessage) (any, error) {
	return decodeInto(raw, SumRequest{})
}

func (s *Sum) Validate(_ context.Context, req any) ([]string, error) {
	r := req.(SumRequest)
	if len(r.Values) == 0 {
		return []string{"values must not be empty"}, nil
	}
	return nil, nil
}

func (s *Sum) Execute(_ context.Context, req any) (any, error) {
	r := req.(SumRequest)
	var total float64
	for _, v := range r.Values {
		total += v
	}
	if math.IsInf(total, 0) {
		return nil, apperrors.InvalidRequest("sum is out of range")
	}
	return SumResponse{Sum: total, Count: len(r.Values)}, nil
}
