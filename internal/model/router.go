package model

import (
	"context"

	"github.com/elecnix/ai-effort-regulation/internal/energy"
	apperrors "github.com/elecnix/ai-effort-regulation/internal/errors"
)

// Router picks a model by energy tier: the large model for expensive work,
// the small one otherwise. When the preferred model is unavailable it falls
// back to the other.
type Router struct {
	small Model
	large Model
}

// NewRouter creates a router. Either model may be nil.
func NewRouter(small, large Model) *Router {
	return &Router{small: small, large: large}
}

// For returns the model to use for tier, or nil when none is available.
func (r *Router) For(tier energy.Tier) Model {
	preferred, fallback := r.small, r.large
	if tier == energy.TierExpensive {
		preferred, fallback = r.large, r.small
	}
	if available(preferred) {
		return preferred
	}
	if available(fallback) {
		return fallback
	}
	return nil
}

// Generate routes the request by tier.
func (r *Router) Generate(ctx context.Context, tier energy.Tier, req *Request) (*Response, error) {
	m := r.For(tier)
	if m == nil {
		return nil, apperrors.NewBuilder(apperrors.CodeModelUnavailable, "no model available").
			Temporary().
			WithContext("tier", string(tier)).
			Build()
	}
	return m.Generate(ctx, req)
}

// GetStatus returns the status of both models.
func (r *Router) GetStatus() map[string]Status {
	status := make(map[string]Status)
	if r.small != nil {
		status["small"] = Status{Name: r.small.Name(), Available: r.small.IsAvailable()}
	}
	if r.large != nil {
		status["large"] = Status{Name: r.large.Name(), Available: r.large.IsAvailable()}
	}
	return status
}

func available(m Model) bool {
	return m != nil && m.IsAvailable()
}
