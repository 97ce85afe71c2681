package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/repository"
)

// History resolves the assessment preceding a record in event time. The cache
// holds each customer's latest assessment by event time; the store answers
// everything the cache cannot.
type History struct {
	cache domain.Cache
	store domain.AssessmentStore
	ttl   time.Duration
}

// NewHistory creates a history lookup. Either backend may be nil.
func NewHistory(c domain.Cache, store domain.AssessmentStore, ttl time.Duration) *History {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &History{cache: c, store: store, ttl: ttl}
}

// Previous returns the latest assessment of customerID assessed strictly
// before at, or nil if none exists. The assessment selfID is never its own
// predecessor. Cache failures fall through to the store.
func (h *History) Previous(ctx context.Context, customerID string, at time.Time, selfID string) (*domain.RiskAssessment, error) {
	if cached, ok := h.cached(ctx, customerID); ok && cached.AssessedAt.Before(at) && cached.ID != selfID {
		return cached, nil
	}
	if h.store == nil {
		return nil, nil
	}

	for {
		prev, err := h.store.LatestAssessmentBefore(ctx, customerID, at)
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("load previous assessment: %w", err)
		}
		if prev.ID != selfID {
			return prev, nil
		}
		// A redelivery with a moved event time finds its own earlier row.
		at = prev.AssessedAt
	}
}

// Remember caches a unless a later assessment of the same entity is already
// cached.
func (h *History) Remember(ctx context.Context, a *domain.RiskAssessment) error {
	if h.cache == nil || a == nil {
		return nil
	}
	if cached, ok := h.cached(ctx, a.EntityID); ok && cached.AssessedAt.After(a.AssessedAt) {
		return nil
	}
	return cache.SetJSON(ctx, h.cache, domain.CacheNamespaceAssessment, a.EntityID, a, h.ttl)
}

func (h *History) cached(ctx context.Context, customerID string) (*domain.RiskAssessment, bool) {
	if h.cache == nil {
		return nil, false
	}
	var a domain.RiskAssessment
	ok, err := cache.GetJSON(ctx, h.cache, domain.CacheNamespaceAssessment, customerID, &a)
	if err != nil || !ok {
		return nil, false
	}
	return &a, true
}
