// Package route assigns enriched transactions to a primary processing lane.
package route

import (
	"github.com/opensource-finance/kestrel/internal/domain"
)

// predicate reports whether a transaction belongs to a lane.
type predicate struct {
	lane  domain.Lane
	match func(tx *domain.Transaction) bool
}

// Router evaluates lane predicates in priority order; the first match wins.
type Router struct {
	highValue  float64
	predicates []predicate
}

// New creates a router. Transactions whose effective amount is at or above
// highValueThreshold go to the high-value lane.
func New(cfg domain.RoutingConfig) *Router {
	r := &Router{highValue: cfg.HighValueThreshold}
	if r.highValue <= 0 {
		r.highValue = 50000
	}

	r.predicates = []predicate{
		{domain.LaneHighValue, func(tx *domain.Transaction) bool {
			return tx.EffectiveAmount() >= r.highValue
		}},
		{domain.LaneCrossBorder, func(tx *domain.Transaction) bool {
			return tx.International
		}},
		{domain.LanePeerToPeer, func(tx *domain.Transaction) bool {
			return tx.Type == domain.TxTransfer && tx.CounterpartyDocument() != ""
		}},
	}
	return r
}

// Route returns the primary lane of an enriched transaction.
func (r *Router) Route(tx *domain.Transaction) domain.Lane {
	for _, p := range r.predicates {
		if p.match(tx) {
			return p.lane
		}
	}
	return domain.LaneStandard
}

// Lanes lists every lane in priority order.
func Lanes() []domain.Lane {
	return []domain.Lane{
		domain.LaneHighValue,
		domain.LaneCrossBorder,
		domain.LanePeerToPeer,
		domain.LaneStandard,
	}
}
