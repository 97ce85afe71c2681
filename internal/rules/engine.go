// Package rules provides the CEL-Go based risk rule evaluation engine.
package rules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/shopspring/decimal"
)

var (
	// ErrNoFactors is returned when Evaluate is called without factors.
	ErrNoFactors = errors.New("rules: at least one risk factor is required")

	// ErrInvalidFactor is returned for a factor with a missing or unknown type.
	ErrInvalidFactor = errors.New("rules: invalid risk factor")

	// ErrNoRuleSet is returned when full evaluation is needed and nothing is loaded.
	ErrNoRuleSet = errors.New("rules: no rule set loaded")
)

// Confidence reported per scoring path.
const (
	confidenceFull     = 0.9
	confidenceQuick    = 0.7
	confidenceDegraded = 0.5
)

// Fixed weight table used by quick mode and the fallback formula.
const (
	weightPEP         = 0.2
	weightSanctions   = 0.5
	weightLargeAmount = 0.1
)

// Options tunes the engine.
type Options struct {
	QuickAmountThreshold float64
	QuickMaxFactors      int
	LargeAmountThreshold float64
	Timeout              time.Duration
}

// DefaultOptions returns the stock thresholds.
func DefaultOptions() Options {
	return Options{
		QuickAmountThreshold: 5000,
		QuickMaxFactors:      3,
		LargeAmountThreshold: 10000,
		Timeout:              50 * time.Millisecond,
	}
}

// OptionsFromConfig maps engine configuration onto Options.
func OptionsFromConfig(cfg domain.EngineConfig) Options {
	opts := DefaultOptions()
	if cfg.QuickAmountThreshold > 0 {
		opts.QuickAmountThreshold = cfg.QuickAmountThreshold
	}
	if cfg.QuickMaxFactors > 0 {
		opts.QuickMaxFactors = cfg.QuickMaxFactors
	}
	if cfg.LargeAmountThreshold > 0 {
		opts.LargeAmountThreshold = cfg.LargeAmountThreshold
	}
	if cfg.EvaluationTimeout > 0 {
		opts.Timeout = cfg.EvaluationTimeout
	}
	return opts
}

// CompiledRule holds a pre-compiled CEL program.
type CompiledRule struct {
	Config  *domain.RuleConfig
	Program cel.Program
}

// RuleSet is an immutable, versioned collection of compiled rules.
type RuleSet struct {
	Version  string
	Rules    []*CompiledRule
	LoadedAt time.Time
}

// Configs returns copies of the rule configurations in the set.
func (s *RuleSet) Configs() []*domain.RuleConfig {
	out := make([]*domain.RuleConfig, 0, len(s.Rules))
	for _, r := range s.Rules {
		cfg := *r.Config
		out = append(out, &cfg)
	}
	return out
}

// Engine is the CEL-based rule evaluation engine.
// The active rule set is swapped atomically; every evaluation reads one snapshot.
type Engine struct {
	env    *cel.Env
	opts   Options
	active atomic.Pointer[RuleSet]

	sessionsCreated atomic.Int64
	activeSessions  atomic.Int64
}

// Facts are the transaction-level values exposed to rule expressions.
type Facts struct {
	Amount        float64
	Currency      string
	Type          string
	Channel       string
	Country       string
	International bool
	PEP           bool
	Sanctioned    bool

	// ForceFull skips quick-mode eligibility.
	ForceFull bool
}

// FactsFor extracts rule facts from an enriched transaction.
func FactsFor(tx *domain.Transaction) Facts {
	return Facts{
		Amount:        tx.EffectiveAmount(),
		Currency:      tx.Currency,
		Type:          string(tx.Type),
		Channel:       string(tx.ChannelClass),
		Country:       tx.CounterpartyCountry(),
		International: tx.International,
		PEP:           tx.Screening.PEP,
		Sanctioned:    tx.Screening.Sanctioned,
	}
}

// Result is the outcome of one evaluation.
type Result struct {
	Score          float64
	Level          domain.RiskLevel
	Confidence     float64
	FiredRules     []string
	ProcessingTime time.Duration
	Mode           domain.EvaluationMode
	Degraded       string
	RuleSetVersion string
}

// RulesFired returns the number of rules that fired.
func (r Result) RulesFired() int { return len(r.FiredRules) }

// NewEngine creates a new rule evaluation engine with no rule set loaded.
func NewEngine(opts Options) (*Engine, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultOptions().Timeout
	}

	// Create CEL environment with transaction and factor variables
	env, err := cel.NewEnv(
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("currency", cel.StringType),
		cel.Variable("tx_type", cel.StringType),
		cel.Variable("channel", cel.StringType),
		cel.Variable("country", cel.StringType),
		cel.Variable("international", cel.BoolType),
		cel.Variable("pep", cel.BoolType),
		cel.Variable("sanctioned", cel.BoolType),
		cel.Variable("factor_count", cel.IntType),
		// Per factor type: summed contribution score and raw value
		cel.Variable("factors", cel.MapType(cel.StringType, cel.DoubleType)),
		cel.Variable("values", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{env: env, opts: opts}, nil
}

// ValidateRule compiles and validates a rule without touching the active set.
func (e *Engine) ValidateRule(cfg *domain.RuleConfig) error {
	if cfg == nil {
		return fmt.Errorf("rule config is required")
	}
	_, err := e.compileRule(cfg)
	return err
}

// Load compiles every enabled config into a new rule set and activates it.
// Any failure leaves the previously active set in place.
func (e *Engine) Load(version string, configs []*domain.RuleConfig) (*RuleSet, error) {
	if version == "" {
		return nil, fmt.Errorf("rule set version is required")
	}

	seen := make(map[string]struct{}, len(configs))
	compiled := make([]*CompiledRule, 0, len(configs))
	for _, cfg := range configs {
		if cfg == nil || !cfg.Enabled {
			continue
		}
		if _, dup := seen[cfg.ID]; dup {
			return nil, fmt.Errorf("rule set %s: duplicate rule id %s", version, cfg.ID)
		}
		seen[cfg.ID] = struct{}{}

		rule, err := e.compileRule(cfg)
		if err != nil {
			return nil, fmt.Errorf("rule set %s: %w", version, err)
		}
		compiled = append(compiled, rule)
	}
	sort.Slice(compiled, func(i, j int) bool { return compiled[i].Config.ID < compiled[j].Config.ID })

	set := &RuleSet{
		Version:  version,
		Rules:    compiled,
		LoadedAt: time.Now().UTC(),
	}
	e.active.Store(set)
	metrics.SetRuleSet(version, len(compiled))

	return set, nil
}

// Active returns the current rule set snapshot, or nil.
func (e *Engine) Active() *RuleSet {
	return e.active.Load()
}

// SessionsCreated returns how many full-evaluation sessions were ever opened.
func (e *Engine) SessionsCreated() int64 {
	return e.sessionsCreated.Load()
}

// ActiveSessions returns the number of sessions not yet disposed.
func (e *Engine) ActiveSessions() int64 {
	return e.activeSessions.Load()
}

// Evaluate scores an assessment from its factors and writes score, level,
// confidence, fired rules and processing time back onto it.
func (e *Engine) Evaluate(ctx context.Context, a *domain.RiskAssessment, factors []domain.RiskFactor, facts Facts) (Result, error) {
	start := time.Now()

	if a == nil {
		return Result{}, fmt.Errorf("rules: assessment is required")
	}
	if err := checkFactors(factors); err != nil {
		return Result{}, err
	}
	if facts.Amount == 0 {
		facts.Amount = amountFactor(factors)
	}

	set := e.active.Load()

	var res Result
	if e.quickEligible(factors, facts) {
		res = e.quick(factors, "")
	} else {
		if set == nil {
			return Result{}, ErrNoRuleSet
		}
		res = e.full(ctx, set, factors, facts)
	}
	if set != nil {
		res.RuleSetVersion = set.Version
	}
	res.ProcessingTime = time.Since(start)

	a.Score = res.Score
	a.Level = res.Level
	a.Confidence = res.Confidence
	a.FiredRules = res.FiredRules
	a.ProcessingTime = res.ProcessingTime
	a.Mode = res.Mode
	a.Degraded = res.Degraded
	a.RuleSetVersion = res.RuleSetVersion
	a.Factors = factors
	if res.Mode == domain.ModeQuick && res.Degraded == "" {
		a.Type = domain.AssessmentQuick
	}

	metrics.Evaluations.WithLabelValues(string(res.Mode)).Inc()
	metrics.EvaluationDuration.WithLabelValues(string(res.Mode)).Observe(res.ProcessingTime.Seconds())
	if res.Degraded != "" {
		metrics.EvaluationFallbacks.WithLabelValues(res.Degraded).Inc()
	}

	return res, nil
}

func (e *Engine) quickEligible(factors []domain.RiskFactor, facts Facts) bool {
	if facts.ForceFull {
		return false
	}
	return facts.Amount < e.opts.QuickAmountThreshold && len(factors) <= e.opts.QuickMaxFactors
}

// quick applies the fixed weight table. It opens no session.
func (e *Engine) quick(factors []domain.RiskFactor, degraded string) Result {
	score := roundScore(e.weightTable(factors))
	confidence := confidenceQuick
	if degraded != "" {
		confidence = confidenceDegraded
	}
	return Result{
		Score:      score,
		Level:      domain.RiskLevelFromScore(score),
		Confidence: confidence,
		FiredRules: []string{},
		Mode:       domain.ModeQuick,
		Degraded:   degraded,
	}
}

// full runs every rule of one snapshot inside a dedicated session.
func (e *Engine) full(ctx context.Context, set *RuleSet, factors []domain.RiskFactor, facts Facts) (res Result) {
	ctx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()

	s := e.openSession(set)
	defer s.dispose()

	defer func() {
		if r := recover(); r != nil {
			slog.Warn("rule evaluation panicked, using fallback score",
				"rule_set_version", set.Version,
				"panic", fmt.Sprint(r),
			)
			res = e.quick(factors, domain.DegradedError)
		}
	}()

	s.insert(factors, facts)
	if err := s.fire(ctx); err != nil {
		reason := domain.DegradedError
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			reason = domain.DegradedTimeout
		}
		slog.Warn("rule evaluation degraded",
			"rule_set_version", set.Version,
			"reason", reason,
			"error", err,
		)
		return e.quick(factors, reason)
	}

	var factorSum float64
	for _, f := range factors {
		factorSum += f.Score
	}
	score := clamp(factorSum + s.contribution)

	// The fixed table is a floor so quick mode never outranks full mode.
	if base := e.weightTable(factors); base > score {
		score = base
	}
	score = roundScore(score)

	return Result{
		Score:      score,
		Level:      domain.RiskLevelFromScore(score),
		Confidence: confidenceFull,
		FiredRules: s.fired,
		Mode:       domain.ModeFull,
	}
}

// weightTable sums the fixed per-factor weights, clamped to [0,1].
func (e *Engine) weightTable(factors []domain.RiskFactor) float64 {
	var score float64
	for _, f := range factors {
		switch f.Type {
		case domain.FactorPEPStatus:
			if truthy(f.Value) {
				score += weightPEP
			}
		case domain.FactorSanctionsStatus:
			if truthy(f.Value) {
				score += weightSanctions
			}
		case domain.FactorTransactionAmount:
			if f.Value.Number > e.opts.LargeAmountThreshold {
				score += weightLargeAmount
			}
		}
	}
	return clamp(score)
}

// Close drops the active rule set.
func (e *Engine) Close() error {
	e.active.Store(nil)
	return nil
}

func (e *Engine) compileRule(cfg *domain.RuleConfig) (*CompiledRule, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("rule id is required")
	}
	if cfg.Weight < 0 {
		return nil, fmt.Errorf("rule %s: weight must not be negative", cfg.ID)
	}

	ast, issues := e.env.Compile(cfg.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile rule %s: %w", cfg.ID, issues.Err())
	}

	outputType := ast.OutputType()
	if outputType != cel.BoolType && outputType != cel.DoubleType && outputType != cel.IntType {
		return nil, fmt.Errorf("rule %s: expression must return bool, int, or double, got %s", cfg.ID, outputType)
	}

	program, err := e.env.Program(ast, cel.InterruptCheckFrequency(100))
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", cfg.ID, err)
	}

	c := *cfg
	return &CompiledRule{
		Config:  &c,
		Program: program,
	}, nil
}

func checkFactors(factors []domain.RiskFactor) error {
	if len(factors) == 0 {
		return ErrNoFactors
	}
	for i, f := range factors {
		if f.Type == "" || !f.Type.Valid() {
			return fmt.Errorf("%w: factor %d has type %q", ErrInvalidFactor, i, f.Type)
		}
	}
	return nil
}

func amountFactor(factors []domain.RiskFactor) float64 {
	for _, f := range factors {
		if f.Type == domain.FactorTransactionAmount {
			return f.Value.Number
		}
	}
	return 0
}

func truthy(v domain.FactorValue) bool {
	switch v.Kind {
	case domain.KindBoolean:
		return v.Bool
	case domain.KindNumeric:
		return v.Number > 0
	default:
		return v.Text != ""
	}
}

// toScore converts a CEL value to a contribution in [0,1].
func toScore(val ref.Val) float64 {
	switch v := val.(type) {
	case types.Bool:
		if v {
			return 1.0
		}
		return 0.0
	case types.Double:
		return clamp(float64(v))
	case types.Int:
		return clamp(float64(v))
	default:
		return 0.0
	}
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// roundScore fixes scores to 4 decimal places so threshold comparisons are
// not thrown off by float accumulation.
func roundScore(v float64) float64 {
	return decimal.NewFromFloat(v).Round(4).InexactFloat64()
}
