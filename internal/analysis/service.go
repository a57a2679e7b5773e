// Package analysis loads portfolio snapshots, scores them and serves cached reports.
package analysis

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/opensource-finance/claimscope/internal/bus"
	"github.com/opensource-finance/claimscope/internal/domain"
	"github.com/opensource-finance/claimscope/internal/metrics"
	"github.com/opensource-finance/claimscope/internal/portfolio"
	"github.com/opensource-finance/claimscope/internal/rules"
	"github.com/opensource-finance/claimscope/internal/scoring"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("claimscope-analysis")

// Config holds the report defaults of a Service.
type Config struct {
	Scoring   domain.ScoringConfig
	ReportTTL time.Duration
}

// Evaluation is a scored portfolio revision under one rule set.
type Evaluation struct {
	PortfolioID string
	Revision    string
	RuleSet     string
	Snapshot    *domain.Snapshot
	Result      *scoring.Result
	Portfolio   *portfolio.Portfolio
}

// Service scores stored snapshots and builds reports over them.
// Only the latest evaluation of each portfolio is kept in memory.
type Service struct {
	repo      domain.Repository
	cache     domain.Cache
	bus       domain.EventBus
	engine    *rules.Engine
	processor *scoring.Processor
	metrics   *metrics.Recorder
	cfg       Config

	mu          sync.Mutex
	evaluations map[string]*Evaluation
	cachedKeys  map[string]map[string]struct{}
}

// maxTrackedKeys bounds the cache keys remembered per portfolio for
// eviction. Untracked entries expire by TTL.
const maxTrackedKeys = 1024

// NewService creates an analysis service. cache, eventBus and rec may be nil.
func NewService(repo domain.Repository, cache domain.Cache, eventBus domain.EventBus, engine *rules.Engine, rec *metrics.Recorder, cfg Config) *Service {
	if cfg.ReportTTL <= 0 {
		cfg.ReportTTL = 10 * time.Minute
	}
	if cfg.Scoring.HighRiskMin <= 0 {
		cfg.Scoring.HighRiskMin = domain.DefaultHighRiskMin
	}
	if cfg.Scoring.TopN <= 0 {
		cfg.Scoring.TopN = domain.DefaultTopN
	}
	return &Service{
		repo:        repo,
		cache:       cache,
		bus:         eventBus,
		engine:      engine,
		processor:   scoring.NewProcessor(engine),
		metrics:     rec,
		cfg:         cfg,
		evaluations: make(map[string]*Evaluation),
		cachedKeys:  make(map[string]map[string]struct{}),
	}
}

// Load validates and stores t as the new revision of a portfolio, then
// announces it on the event bus.
func (s *Service) Load(ctx context.Context, portfolioID string, t *domain.Tables) (*domain.PortfolioInfo, error) {
	ctx, span := tracer.Start(ctx, "analysis.Load",
		trace.WithAttributes(attribute.String("portfolio.id", portfolioID)),
	)
	defer span.End()

	revision, err := s.repo.SaveSnapshot(ctx, portfolioID, t)
	s.metrics.Snapshot(err == nil)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	// Reports of the replaced revision can no longer be served.
	s.Forget(ctx, portfolioID)

	info := &domain.PortfolioInfo{
		ID:        portfolioID,
		Revision:  revision,
		Customers: len(t.Customers),
		LoadedAt:  time.Now().UTC(),
	}

	slog.Info("snapshot stored",
		"portfolio_id", portfolioID,
		"revision", revision,
		"customers", info.Customers,
	)

	if s.bus != nil {
		ev := domain.SnapshotEvent{PortfolioID: portfolioID, Revision: revision, Customers: info.Customers}
		if err := bus.PublishEvent(ctx, s.bus, domain.GlobalScope, domain.TopicSnapshotLoaded, ev); err != nil {
			slog.Warn("failed to publish snapshot event",
				"portfolio_id", portfolioID,
				"error", err,
			)
		}
	}

	return info, nil
}

// Evaluate returns the scored latest revision of a portfolio.
func (s *Service) Evaluate(ctx context.Context, portfolioID string) (*Evaluation, error) {
	info, err := s.repo.GetPortfolio(ctx, portfolioID)
	if err != nil {
		return nil, err
	}
	return s.evaluate(ctx, info)
}

func (s *Service) evaluate(ctx context.Context, info *domain.PortfolioInfo) (*Evaluation, error) {
	ruleSet := s.RuleSetID()

	s.mu.Lock()
	ev := s.evaluations[info.ID]
	s.mu.Unlock()
	if ev != nil && ev.Revision == info.Revision && ev.RuleSet == ruleSet {
		return ev, nil
	}

	ctx, span := tracer.Start(ctx, "analysis.Evaluate",
		trace.WithAttributes(
			attribute.String("portfolio.id", info.ID),
			attribute.String("portfolio.revision", info.Revision),
		),
	)
	defer span.End()

	snap, err := s.repo.LoadSnapshot(ctx, info.ID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	start := time.Now()
	res, err := s.processor.Process(ctx, snap)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to score portfolio %s: %w", info.ID, err)
	}
	s.metrics.Derivation(time.Since(start), snap.Len())
	for _, f := range res.Faults {
		s.metrics.MissingJoin(string(f.Entity))
	}
	for _, f := range res.RuleErrors {
		s.metrics.RuleFault(string(f.Flag))
	}

	ev = &Evaluation{
		PortfolioID: snap.PortfolioID,
		Revision:    snap.Revision,
		RuleSet:     ruleSet,
		Snapshot:    snap,
		Result:      res,
		Portfolio:   portfolio.Build(snap, res),
	}

	s.mu.Lock()
	s.evaluations[info.ID] = ev
	s.mu.Unlock()

	slog.Info("portfolio scored",
		"portfolio_id", ev.PortfolioID,
		"revision", ev.Revision,
		"rule_set", ruleSet,
		"customers", snap.Len(),
		"missing_joins", len(res.Faults),
		"rule_faults", len(res.RuleErrors),
		"duration_ms", res.ProcessMs,
	)

	return ev, nil
}

// Segment filters the scored latest revision of a portfolio.
func (s *Service) Segment(ctx context.Context, portfolioID string, f portfolio.SegmentFilter) (*portfolio.SegmentResult, error) {
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	ev, err := s.Evaluate(ctx, portfolioID)
	if err != nil {
		return nil, err
	}
	return ev.Portfolio.Segment(f)
}

// Portfolios lists the stored portfolios.
func (s *Service) Portfolios(ctx context.Context) ([]*domain.PortfolioInfo, error) {
	return s.repo.ListPortfolios(ctx)
}

// Rules returns the loaded flag rules in flag order.
func (s *Service) Rules() []*domain.FlagRule {
	return s.engine.GetLoadedRules()
}

// SaveRule validates, stores and activates a flag rule.
func (s *Service) SaveRule(ctx context.Context, rule *domain.FlagRule) error {
	if err := s.engine.ValidateRule(rule); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	if err := s.repo.SaveFlagRule(ctx, rule); err != nil {
		return err
	}
	if err := s.engine.LoadRule(rule); err != nil {
		return err
	}
	s.forgetAll(ctx)
	return nil
}

// ReloadRules activates the stored flag rules. Flags without a stored rule
// use their default definition.
func (s *Service) ReloadRules(ctx context.Context) (int, error) {
	stored, err := s.repo.ListFlagRules(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list flag rules: %w", err)
	}

	byFlag := make(map[domain.FlagName]*domain.FlagRule, len(domain.AllFlags))
	for _, r := range rules.DefaultFlagRules() {
		byFlag[r.ID] = r
	}
	for _, r := range stored {
		byFlag[r.ID] = r
	}

	set := make([]*domain.FlagRule, 0, len(byFlag))
	for _, name := range domain.AllFlags {
		set = append(set, byFlag[name])
	}
	if err := s.engine.ReloadRules(set); err != nil {
		return 0, err
	}
	s.forgetAll(ctx)

	slog.Info("flag rules reloaded",
		"stored", len(stored),
		"rule_set", s.RuleSetID(),
	)
	return len(stored), nil
}

// RuleSetID fingerprints the loaded rules. Evaluations and cached reports
// are keyed by it, so a rule change never serves stale scores.
func (s *Service) RuleSetID() string {
	loaded := s.engine.GetLoadedRules()
	parts := make([]string, 0, len(loaded))
	for _, r := range loaded {
		requires := make([]string, len(r.Requires))
		for i, e := range r.Requires {
			requires[i] = string(e)
		}
		sort.Strings(requires)
		parts = append(parts, string(r.ID)+"|"+r.Version+"|"+r.Expression+"|"+strings.Join(requires, ","))
	}

	sum := sha256.Sum256([]byte(strings.Join(parts, "\n")))
	return hex.EncodeToString(sum[:6])
}

// Forget drops the in-memory evaluation of a portfolio and evicts the
// reports this service cached for it.
func (s *Service) Forget(ctx context.Context, portfolioID string) {
	s.mu.Lock()
	delete(s.evaluations, portfolioID)
	keys := s.cachedKeys[portfolioID]
	delete(s.cachedKeys, portfolioID)
	s.mu.Unlock()

	if s.cache == nil || len(keys) == 0 {
		return
	}
	for key := range keys {
		if err := s.cache.Delete(ctx, portfolioID, key); err != nil {
			slog.Warn("failed to evict cached report",
				"portfolio_id", portfolioID,
				"key", key,
				"error", err,
			)
		}
	}
	slog.Debug("cached reports evicted",
		"portfolio_id", portfolioID,
		"count", len(keys),
	)
}

func (s *Service) forgetAll(ctx context.Context) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.evaluations)+len(s.cachedKeys))
	for id := range s.evaluations {
		ids = append(ids, id)
	}
	for id := range s.cachedKeys {
		if _, ok := s.evaluations[id]; !ok {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.Forget(ctx, id)
	}
}

// remember records a cache key written for a portfolio.
func (s *Service) remember(portfolioID, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := s.cachedKeys[portfolioID]
	if keys == nil {
		keys = make(map[string]struct{})
		s.cachedKeys[portfolioID] = keys
	}
	if len(keys) < maxTrackedKeys {
		keys[key] = struct{}{}
	}
}
