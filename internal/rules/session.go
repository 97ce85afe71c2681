package rules

import (
	"context"
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

// session is the working memory of one full evaluation. It is bound to a
// single rule set snapshot and never reused.
type session struct {
	id           int64
	set          *RuleSet
	activation   map[string]any
	fired        []string
	contribution float64
	release      func()
	disposed     bool
}

func (e *Engine) openSession(set *RuleSet) *session {
	id := e.sessionsCreated.Add(1)
	e.activeSessions.Add(1)
	metrics.ActiveSessions.Inc()

	return &session{
		id:    id,
		set:   set,
		fired: []string{},
		release: func() {
			e.activeSessions.Add(-1)
			metrics.ActiveSessions.Dec()
		},
	}
}

// insert loads the facts and factors into the session.
func (s *session) insert(factors []domain.RiskFactor, facts Facts) {
	scores := make(map[string]float64, len(factors))
	values := make(map[string]any, len(factors))
	for _, f := range factors {
		scores[string(f.Type)] += f.Score
		values[string(f.Type)] = f.Value.Any()
	}

	s.activation = map[string]any{
		"amount":        facts.Amount,
		"currency":      facts.Currency,
		"tx_type":       facts.Type,
		"channel":       facts.Channel,
		"country":       facts.Country,
		"international": facts.International,
		"pep":           facts.PEP,
		"sanctioned":    facts.Sanctioned,
		"factor_count":  int64(len(factors)),
		"factors":       scores,
		"values":        values,
	}
}

// fire evaluates every rule in order. A rule contributes weight * value when
// its value is positive.
func (s *session) fire(ctx context.Context) error {
	for _, rule := range s.set.Rules {
		if err := ctx.Err(); err != nil {
			return err
		}

		out, _, err := rule.Program.ContextEval(ctx, s.activation)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return fmt.Errorf("rule %s: %w", rule.Config.ID, err)
		}

		v := toScore(out)
		if v <= 0 {
			continue
		}
		s.fired = append(s.fired, rule.Config.ID)
		s.contribution += rule.Config.Weight * v
	}
	return nil
}

// dispose releases the session. Safe to call more than once.
func (s *session) dispose() {
	if s.disposed {
		return
	}
	s.disposed = true
	s.activation = nil
	s.release()
}
