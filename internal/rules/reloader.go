package rules

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

// Reloader keeps the engine in sync with a rule store. It runs out of band;
// evaluations keep using the last loaded set while a reload is in progress.
type Reloader struct {
	engine   *Engine
	store    domain.RuleConfigStore
	interval time.Duration
	trigger  chan struct{}
	logger   *slog.Logger
}

// NewReloader creates a reloader polling store every interval.
func NewReloader(engine *Engine, store domain.RuleConfigStore, interval time.Duration) *Reloader {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Reloader{
		engine:   engine,
		store:    store,
		interval: interval,
		trigger:  make(chan struct{}, 1),
		logger:   slog.Default().With("component", "rule_reloader"),
	}
}

// Digest derives a rule set version from the enabled configs.
func Digest(configs []*domain.RuleConfig) string {
	enabled := make([]*domain.RuleConfig, 0, len(configs))
	for _, c := range configs {
		if c != nil && c.Enabled {
			enabled = append(enabled, c)
		}
	}
	sort.Slice(enabled, func(i, j int) bool { return enabled[i].ID < enabled[j].ID })

	h := sha256.New()
	for _, c := range enabled {
		fmt.Fprintf(h, "%s\x00%s\x00%s\x00", c.ID, c.Expression, strconv.FormatFloat(c.Weight, 'g', -1, 64))
	}
	return "rs-" + hex.EncodeToString(h.Sum(nil))[:12]
}

// LoadInitial loads the stored rules, or the builtin set when the store is
// empty. An error here means no rule set could be activated.
func (r *Reloader) LoadInitial(ctx context.Context) (*RuleSet, error) {
	configs, err := r.store.ListRuleConfigs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list rule configs: %w", err)
	}
	if len(configs) == 0 {
		r.logger.Info("rule store empty, loading builtin rules", "version", BuiltinVersion)
		return r.engine.Load(BuiltinVersion, BuiltinRules())
	}
	return r.engine.Load(Digest(configs), configs)
}

// Reload loads the store's rules when their digest differs from the active
// version. A failed compile keeps the active set.
func (r *Reloader) Reload(ctx context.Context) (bool, error) {
	configs, err := r.store.ListRuleConfigs(ctx)
	if err != nil {
		metrics.RuleReloads.WithLabelValues("error").Inc()
		return false, fmt.Errorf("failed to list rule configs: %w", err)
	}
	if len(configs) == 0 {
		return false, nil
	}

	version := Digest(configs)
	if active := r.engine.Active(); active != nil && active.Version == version {
		metrics.RuleReloads.WithLabelValues("unchanged").Inc()
		return false, nil
	}

	set, err := r.engine.Load(version, configs)
	if err != nil {
		metrics.RuleReloads.WithLabelValues("rejected").Inc()
		return false, err
	}

	metrics.RuleReloads.WithLabelValues("loaded").Inc()
	r.logger.Info("rule set reloaded", "version", set.Version, "rules", len(set.Rules))
	return true, nil
}

// Trigger requests an immediate reload without waiting for it.
func (r *Reloader) Trigger() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

// Run polls until ctx is done.
func (r *Reloader) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-r.trigger:
		}

		if _, err := r.Reload(ctx); err != nil {
			r.logger.Warn("rule reload failed, keeping active set", "error", err)
		}
	}
}
