package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/opensource-finance/claimscope/internal/cache"
	"github.com/opensource-finance/claimscope/internal/domain"
	"github.com/opensource-finance/claimscope/internal/portfolio"
	"github.com/opensource-finance/claimscope/internal/scoring"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrUnknownReport is returned for a report name that is not registered.
	ErrUnknownReport = errors.New("unknown report")

	// ErrInvalidParams is returned when report parameters fail to parse or validate.
	ErrInvalidParams = errors.New("invalid report parameters")
)

// Report names.
const (
	ReportRiskScore      = "risk-score"
	ReportDimension      = "dimension"
	ReportDimensionPair  = "dimension-pair"
	ReportAgeIncome      = "age-income"
	ReportCreditBand     = "credit-band"
	ReportSegments       = "segments"
	ReportRiskTier       = "risk-tier"
	ReportDistribution   = "distribution"
	ReportTop            = "top"
	ReportKPIs           = "kpis"
	ReportHighRisk       = "high-risk"
	ReportClaimLoad      = "claim-load"
	ReportVehicleMileage = "vehicle-mileage"
	ReportFlagCounts     = "flag-counts"
)

// built is the output of one report builder.
type built struct {
	rows     any
	coverage *portfolio.Coverage
}

type reportDef struct {
	// params are the query parameters the report reads. Others are ignored
	// and do not take part in the cache key.
	params []string
	build  func(s *Service, p *portfolio.Portfolio, q url.Values) (built, error)
}

var reports = map[string]reportDef{
	ReportRiskScore: {
		build: func(s *Service, p *portfolio.Portfolio, q url.Values) (built, error) {
			return covered(p.ByRiskScore(), p, portfolio.ScoredOnly, domain.EntityCustomer), nil
		},
	},
	ReportDimension: {
		params: []string{"dimension", "include"},
		build: func(s *Service, p *portfolio.Portfolio, q url.Values) (built, error) {
			dim, err := portfolio.ParseDimension(q.Get("dimension"))
			if err != nil {
				return built{}, invalid(err)
			}
			inc, err := portfolio.ParseInclusion(q.Get("include"))
			if err != nil {
				return built{}, invalid(err)
			}
			policy, entity, err := portfolio.DimensionPolicy(dim)
			if err != nil {
				return built{}, invalid(err)
			}
			rows, err := p.ByDimension(dim, inc)
			if err != nil {
				return built{}, invalid(err)
			}
			if inc == portfolio.Default {
				inc = policy
			}
			return covered(rows, p, inc, entity), nil
		},
	},
	ReportDimensionPair: {
		params: []string{"first", "second", "include"},
		build: func(s *Service, p *portfolio.Portfolio, q url.Values) (built, error) {
			first, err := portfolio.ParseDimension(q.Get("first"))
			if err != nil {
				return built{}, invalid(err)
			}
			second, err := portfolio.ParseDimension(q.Get("second"))
			if err != nil {
				return built{}, invalid(err)
			}
			inc, err := portfolio.ParseInclusion(q.Get("include"))
			if err != nil {
				return built{}, invalid(err)
			}
			rows, err := p.ByDimensionPair(first, second, inc)
			if err != nil {
				return built{}, invalid(err)
			}
			return built{rows: rows}, nil
		},
	},
	ReportAgeIncome: {
		build: func(s *Service, p *portfolio.Portfolio, q url.Values) (built, error) {
			return covered(p.ByAgeIncome(), p, portfolio.AllCustomers, domain.EntityCustomer), nil
		},
	},
	ReportCreditBand: {
		params: []string{"include"},
		build: func(s *Service, p *portfolio.Portfolio, q url.Values) (built, error) {
			inc, err := portfolio.ParseInclusion(q.Get("include"))
			if err != nil {
				return built{}, invalid(err)
			}
			rows := p.ByCreditBand(inc)
			if inc == portfolio.Default {
				inc = portfolio.ScoredOnly
			}
			return covered(rows, p, inc, domain.EntityCustomer), nil
		},
	},
	ReportSegments: {
		params: []string{"high", "low"},
		build: func(s *Service, p *portfolio.Portfolio, q url.Values) (built, error) {
			high, err := intParam(q, "high", s.cfg.Scoring.HighRiskMin)
			if err != nil {
				return built{}, err
			}
			low, err := intParam(q, "low", s.cfg.Scoring.LowRiskLimit())
			if err != nil {
				return built{}, err
			}
			cmp, err := p.CompareSegments(high, low)
			if err != nil {
				return built{}, invalid(err)
			}
			return covered(cmp, p, portfolio.ScoredOnly, domain.EntityCustomer), nil
		},
	},
	ReportRiskTier: {
		build: func(s *Service, p *portfolio.Portfolio, q url.Values) (built, error) {
			return covered(p.ByRiskTier(), p, portfolio.ScoredOnly, domain.EntityCustomer), nil
		},
	},
	ReportDistribution: {
		build: func(s *Service, p *portfolio.Portfolio, q url.Values) (built, error) {
			return built{rows: p.Distribution()}, nil
		},
	},
	ReportTop: {
		params: []string{"n"},
		build: func(s *Service, p *portfolio.Portfolio, q url.Values) (built, error) {
			n, err := intParam(q, "n", s.cfg.Scoring.TopN)
			if err != nil {
				return built{}, err
			}
			if n < 1 {
				return built{}, fmt.Errorf("%w: n must be positive", ErrInvalidParams)
			}
			return covered(p.TopN(n), p, portfolio.ScoredOnly, domain.EntityCustomer), nil
		},
	},
	ReportKPIs: {
		build: func(s *Service, p *portfolio.Portfolio, q url.Values) (built, error) {
			return covered(p.KPIs(), p, portfolio.AllCustomers, domain.EntityClaim), nil
		},
	},
	ReportHighRisk: {
		params: []string{"threshold"},
		build: func(s *Service, p *portfolio.Portfolio, q url.Values) (built, error) {
			threshold, err := intParam(q, "threshold", s.cfg.Scoring.HighRiskMin)
			if err != nil {
				return built{}, err
			}
			if threshold < 0 || threshold > scoring.MaxScore {
				return built{}, fmt.Errorf("%w: threshold %d out of range", ErrInvalidParams, threshold)
			}
			return covered(p.HighRiskSnapshot(threshold), p, portfolio.ScoredOnly, domain.EntityCustomer), nil
		},
	},
	ReportClaimLoad: {
		build: func(s *Service, p *portfolio.Portfolio, q url.Values) (built, error) {
			return covered(p.ClaimLoad(), p, portfolio.ScoredOnly, domain.EntityCustomer), nil
		},
	},
	ReportVehicleMileage: {
		build: func(s *Service, p *portfolio.Portfolio, q url.Values) (built, error) {
			return built{rows: p.MileageByVehicleType()}, nil
		},
	},
	ReportFlagCounts: {
		build: func(s *Service, p *portfolio.Portfolio, q url.Values) (built, error) {
			return built{rows: p.FlagCounts()}, nil
		},
	},
}

func covered(rows any, p *portfolio.Portfolio, inc portfolio.Inclusion, need domain.Entity) built {
	cov := p.Coverage(inc, need)
	return built{rows: rows, coverage: &cov}
}

func invalid(err error) error {
	return fmt.Errorf("%w: %v", ErrInvalidParams, err)
}

func intParam(q url.Values, key string, fallback int) (int, error) {
	v := q.Get(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", ErrInvalidParams, key)
	}
	return n, nil
}

// Reports returns the registered report names in name order.
func Reports() []string {
	names := make([]string, 0, len(reports))
	for name := range reports {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Report returns a report over the latest revision of a portfolio, from the
// cache when possible. The bool result reports a cache hit.
func (s *Service) Report(ctx context.Context, portfolioID, name string, params url.Values) (*domain.CachedReport, bool, error) {
	def, ok := reports[name]
	if !ok {
		return nil, false, fmt.Errorf("%w: %s", ErrUnknownReport, name)
	}

	q := url.Values{}
	for _, k := range def.params {
		if v := params.Get(k); v != "" {
			q.Set(k, v)
		}
	}

	info, err := s.repo.GetPortfolio(ctx, portfolioID)
	if err != nil {
		return nil, false, err
	}

	key := cache.ReportKey(info.Revision+"/"+s.RuleSetID(), name, q)
	if cached := s.cached(ctx, portfolioID, key); cached != nil {
		s.metrics.ReportServed(name, true)
		return cached, true, nil
	}

	ev, err := s.evaluate(ctx, info)
	if err != nil {
		return nil, false, err
	}

	ctx, span := tracer.Start(ctx, "analysis.Report",
		trace.WithAttributes(
			attribute.String("portfolio.id", portfolioID),
			attribute.String("report", name),
		),
	)
	defer span.End()

	out, err := def.build(s, ev.Portfolio, q)
	if err != nil {
		return nil, false, err
	}

	report, err := render(name, ev.Revision, out)
	if err != nil {
		span.RecordError(err)
		return nil, false, err
	}
	s.metrics.ReportServed(name, false)

	if s.cache != nil {
		if err := s.cache.SetReport(ctx, portfolioID, key, report, s.cfg.ReportTTL); err != nil {
			slog.Warn("failed to cache report",
				"portfolio_id", portfolioID,
				"report", name,
				"error", err,
			)
		} else {
			s.remember(portfolioID, key)
		}
	}

	return report, false, nil
}

func (s *Service) cached(ctx context.Context, portfolioID, key string) *domain.CachedReport {
	if s.cache == nil {
		return nil
	}
	report, err := s.cache.GetReport(ctx, portfolioID, key)
	s.metrics.CacheLookup(report != nil, err)
	if err != nil {
		slog.Warn("report cache lookup failed",
			"portfolio_id", portfolioID,
			"key", key,
			"error", err,
		)
		return nil
	}
	return report
}

func render(name, revision string, out built) (*domain.CachedReport, error) {
	rows, err := json.Marshal(out.rows)
	if err != nil {
		return nil, fmt.Errorf("failed to render report %s: %w", name, err)
	}
	report := &domain.CachedReport{
		Report:     name,
		Revision:   revision,
		Rows:       rows,
		ComputedAt: time.Now().UTC(),
	}
	if out.coverage != nil {
		if report.Coverage, err = json.Marshal(out.coverage); err != nil {
			return nil, fmt.Errorf("failed to render report %s: %w", name, err)
		}
	}
	return report, nil
}

// Warm computes every report with its default parameters, plus each
// dimension report, so the first reads after a load hit the cache.
// It returns the warmed report keys.
func (s *Service) Warm(ctx context.Context, portfolioID string) ([]string, error) {
	start := time.Now()
	var warmed []string

	for _, name := range Reports() {
		switch name {
		case ReportDimension:
			for _, dim := range portfolio.Dimensions() {
				q := url.Values{"dimension": {string(dim)}}
				if _, _, err := s.Report(ctx, portfolioID, name, q); err != nil {
					return warmed, err
				}
				warmed = append(warmed, name+"/"+string(dim))
			}
		case ReportDimensionPair:
			// No default pair; age-income covers the common one.
		default:
			if _, _, err := s.Report(ctx, portfolioID, name, nil); err != nil {
				return warmed, err
			}
			warmed = append(warmed, name)
		}
		if err := ctx.Err(); err != nil {
			return warmed, err
		}
	}

	slog.Info("reports warmed",
		"portfolio_id", portfolioID,
		"reports", len(warmed),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return warmed, nil
}
