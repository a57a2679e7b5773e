package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"os"
	"testing"
	"time"

	"github.com/opensource-finance/claimscope/internal/bus"
	"github.com/opensource-finance/claimscope/internal/cache"
	"github.com/opensource-finance/claimscope/internal/domain"
	"github.com/opensource-finance/claimscope/internal/metrics"
	"github.com/opensource-finance/claimscope/internal/portfolio"
	"github.com/opensource-finance/claimscope/internal/repository"
	"github.com/opensource-finance/claimscope/internal/rules"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRepo(t *testing.T) domain.Repository {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "claimscope-analysis-*.db")
	require.NoError(t, err)
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() {
		os.Remove(tmpPath)
		os.Remove(tmpPath + "-wal")
		os.Remove(tmpPath + "-shm")
	})

	repo, err := repository.New(domain.RepositoryConfig{Driver: "sqlite", SQLitePath: tmpPath})
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func newTestService(t *testing.T, eventBus domain.EventBus) *Service {
	t.Helper()

	engine, err := rules.NewDefaultEngine(2)
	require.NoError(t, err)

	cfg := Config{
		Scoring:   domain.ScoringConfig{MaxWorkers: 2, HighRiskMin: 3, TopN: 10},
		ReportTTL: time.Minute,
	}
	return NewService(newTestRepo(t), cache.NewLRUCache(100), eventBus, engine, metrics.New(), cfg)
}

// sampleTables scores 569520 at 0, 750365 at 3 and leaves 199901 unscored
// because it has no vehicle.
func sampleTables() *domain.Tables {
	return &domain.Tables{
		Customers: []domain.Customer{
			{ID: 569520, Age: "65+", Gender: "female", Education: "high school", Income: "upper class", CreditScore: 0.629, Children: 1, PostalCode: "10238"},
			{ID: 750365, Age: "16-25", Gender: "male", Education: "none", Income: "poverty", CreditScore: 0.357, PostalCode: "10238"},
			{ID: 199901, Age: "16-25", Gender: "female", Education: "high school", Income: "working class", CreditScore: 0.493, Married: true, PostalCode: "10238"},
		},
		Vehicles: []domain.Vehicle{
			{ID: 569520, Ownership: true, VehicleYear: "after 2015", VehicleType: "sedan", AnnualMileage: 12000},
			{ID: 750365, VehicleYear: "before 2015", VehicleType: "sedan", AnnualMileage: 16000},
		},
		DrivingHistory: []domain.DrivingHistory{
			{ID: 569520, DrivingExperience: "30y+"},
			{ID: 750365, DrivingExperience: "0-9y"},
			{ID: 199901, DrivingExperience: "0-9y"},
		},
		Claims: []domain.Claim{
			{ID: 569520, Outcome: false},
			{ID: 750365, Outcome: true},
			{ID: 199901, Outcome: false},
		},
	}
}

func TestLoad(t *testing.T) {
	ctx := context.Background()
	eventBus := bus.NewChannelBus(10)
	defer eventBus.Close()

	events := make(chan domain.SnapshotEvent, 1)
	_, err := eventBus.Subscribe(ctx, domain.GlobalScope, domain.TopicSnapshotLoaded, func(ctx context.Context, msg *domain.Message) error {
		ev, err := bus.DecodeSnapshotEvent(msg)
		if err != nil {
			return err
		}
		events <- ev
		return nil
	})
	require.NoError(t, err)

	svc := newTestService(t, eventBus)

	t.Run("StoresAndPublishes", func(t *testing.T) {
		info, err := svc.Load(ctx, "book-a", sampleTables())
		require.NoError(t, err)
		assert.Equal(t, 3, info.Customers)
		assert.NotEmpty(t, info.Revision)

		select {
		case ev := <-events:
			assert.Equal(t, "book-a", ev.PortfolioID)
			assert.Equal(t, info.Revision, ev.Revision)
			assert.Equal(t, 3, ev.Customers)
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for snapshot event")
		}
	})

	t.Run("RejectsSchemaViolation", func(t *testing.T) {
		bad := sampleTables()
		bad.Claims = append(bad.Claims, domain.Claim{ID: 42})

		_, err := svc.Load(ctx, "book-a", bad)
		require.Error(t, err)
		assert.True(t, errors.Is(err, domain.ErrSchemaViolation))
	})
}

func TestEvaluate(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, nil)

	_, err := svc.Load(ctx, "book-a", sampleTables())
	require.NoError(t, err)

	ev, err := svc.Evaluate(ctx, "book-a")
	require.NoError(t, err)

	scored, ok := ev.Result.Get(750365)
	require.True(t, ok)
	assert.Equal(t, domain.ScoreOf(3), scored.RiskScore)

	unscored, ok := ev.Result.Get(199901)
	require.True(t, ok)
	assert.False(t, unscored.RiskScore.Valid)
	require.Len(t, ev.Result.Faults, 1)
	assert.Equal(t, domain.EntityVehicle, ev.Result.Faults[0].Entity)

	t.Run("Memoized", func(t *testing.T) {
		again, err := svc.Evaluate(ctx, "book-a")
		require.NoError(t, err)
		assert.Same(t, ev, again)
	})

	t.Run("NewRevision", func(t *testing.T) {
		_, err := svc.Load(ctx, "book-a", sampleTables())
		require.NoError(t, err)

		next, err := svc.Evaluate(ctx, "book-a")
		require.NoError(t, err)
		assert.NotEqual(t, ev.Revision, next.Revision)
	})

	t.Run("NotFound", func(t *testing.T) {
		_, err := svc.Evaluate(ctx, "missing")
		assert.True(t, errors.Is(err, repository.ErrNotFound))
	})
}

func TestReport(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, nil)

	_, err := svc.Load(ctx, "book-a", sampleTables())
	require.NoError(t, err)

	t.Run("RiskScore", func(t *testing.T) {
		report, cached, err := svc.Report(ctx, "book-a", ReportRiskScore, nil)
		require.NoError(t, err)
		assert.False(t, cached)
		assert.JSONEq(t, `[
			{"risk_score":3,"total_customers":1,"total_claims":1,"claim_rate":1},
			{"risk_score":0,"total_customers":1,"total_claims":0,"claim_rate":0}
		]`, string(report.Rows))

		var cov portfolio.Coverage
		require.NoError(t, json.Unmarshal(report.Coverage, &cov))
		assert.Equal(t, portfolio.Coverage{Customers: 3, Included: 2, Unscored: 1}, cov)
	})

	t.Run("ServedFromCache", func(t *testing.T) {
		first, _, err := svc.Report(ctx, "book-a", ReportRiskScore, nil)
		require.NoError(t, err)

		second, cached, err := svc.Report(ctx, "book-a", ReportRiskScore, url.Values{"ignored": {"x"}})
		require.NoError(t, err)
		assert.True(t, cached)
		assert.Equal(t, string(first.Rows), string(second.Rows))
	})

	t.Run("Dimension", func(t *testing.T) {
		report, _, err := svc.Report(ctx, "book-a", ReportDimension, url.Values{"dimension": {"age"}})
		require.NoError(t, err)
		assert.JSONEq(t, `[
			{"age":"16-25","total_customers":2,"total_claims":1,"claim_rate":0.5},
			{"age":"65+","total_customers":1,"total_claims":0,"claim_rate":0}
		]`, string(report.Rows))
	})

	t.Run("Segments", func(t *testing.T) {
		report, _, err := svc.Report(ctx, "book-a", ReportSegments, nil)
		require.NoError(t, err)

		var cmp portfolio.SegmentComparison
		require.NoError(t, json.Unmarshal(report.Rows, &cmp))
		assert.Equal(t, "High Risk (3+)", cmp.High.RiskGroup)
		assert.Equal(t, "Low Risk (0-1)", cmp.Low.RiskGroup)
		assert.Nil(t, cmp.RateLift)
	})

	t.Run("Top", func(t *testing.T) {
		report, _, err := svc.Report(ctx, "book-a", ReportTop, url.Values{"n": {"1"}})
		require.NoError(t, err)
		assert.JSONEq(t, `[{"id":750365,"risk_score":3,"outcome":1}]`, string(report.Rows))
	})

	t.Run("UnknownReport", func(t *testing.T) {
		_, _, err := svc.Report(ctx, "book-a", "nope", nil)
		assert.True(t, errors.Is(err, ErrUnknownReport))
	})

	t.Run("InvalidParams", func(t *testing.T) {
		cases := []struct {
			name   string
			report string
			params url.Values
		}{
			{"UnknownDimension", ReportDimension, url.Values{"dimension": {"shoe_size"}}},
			{"BadInclusion", ReportCreditBand, url.Values{"include": {"some"}}},
			{"OverlappingSegments", ReportSegments, url.Values{"high": {"2"}, "low": {"2"}}},
			{"NonNumericTop", ReportTop, url.Values{"n": {"ten"}}},
			{"ZeroTop", ReportTop, url.Values{"n": {"0"}}},
			{"ThresholdRange", ReportHighRisk, url.Values{"threshold": {"9"}}},
			{"PairWithItself", ReportDimensionPair, url.Values{"first": {"age"}, "second": {"age"}}},
		}
		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				_, _, err := svc.Report(ctx, "book-a", tc.report, tc.params)
				assert.True(t, errors.Is(err, ErrInvalidParams), "got %v", err)
			})
		}
	})

	t.Run("NewRevisionMissesCache", func(t *testing.T) {
		_, err := svc.Load(ctx, "book-a", sampleTables())
		require.NoError(t, err)

		report, cached, err := svc.Report(ctx, "book-a", ReportRiskScore, nil)
		require.NoError(t, err)
		assert.False(t, cached)

		info, err := svc.repo.GetPortfolio(ctx, "book-a")
		require.NoError(t, err)
		assert.Equal(t, info.Revision, report.Revision)
	})
}

func TestWarm(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, nil)

	_, err := svc.Load(ctx, "book-a", sampleTables())
	require.NoError(t, err)

	warmed, err := svc.Warm(ctx, "book-a")
	require.NoError(t, err)
	assert.Contains(t, warmed, ReportKPIs)
	assert.Contains(t, warmed, "dimension/vehicle_type")
	assert.NotContains(t, warmed, ReportDimensionPair)

	_, cached, err := svc.Report(ctx, "book-a", ReportDistribution, nil)
	require.NoError(t, err)
	assert.True(t, cached)

	_, cached, err = svc.Report(ctx, "book-a", ReportDimension, url.Values{"dimension": {"income"}})
	require.NoError(t, err)
	assert.True(t, cached)
}

func TestRules(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, nil)

	_, err := svc.Load(ctx, "book-a", sampleTables())
	require.NoError(t, err)
	before := svc.RuleSetID()

	t.Run("ReloadWithoutStoredRules", func(t *testing.T) {
		n, err := svc.ReloadRules(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, n)
		assert.Len(t, svc.Rules(), len(domain.AllFlags))
		assert.Equal(t, before, svc.RuleSetID())
	})

	t.Run("SaveRuleRescores", func(t *testing.T) {
		_, _, err := svc.Report(ctx, "book-a", ReportRiskScore, nil)
		require.NoError(t, err)

		rule := &domain.FlagRule{
			ID:         domain.FlagLowCredit,
			Name:       "Low Credit Risk",
			Version:    "2.0.0",
			Expression: "customer.credit_score < 0.7",
			Requires:   []domain.Entity{domain.EntityCustomer},
		}
		require.NoError(t, svc.SaveRule(ctx, rule))
		assert.NotEqual(t, before, svc.RuleSetID())

		report, cached, err := svc.Report(ctx, "book-a", ReportRiskScore, nil)
		require.NoError(t, err)
		assert.False(t, cached)
		assert.JSONEq(t, `[
			{"risk_score":3,"total_customers":1,"total_claims":1,"claim_rate":1},
			{"risk_score":1,"total_customers":1,"total_claims":0,"claim_rate":0}
		]`, string(report.Rows))
	})

	t.Run("ReloadKeepsStoredRule", func(t *testing.T) {
		n, err := svc.ReloadRules(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		for _, r := range svc.Rules() {
			if r.ID == domain.FlagLowCredit {
				assert.Equal(t, "2.0.0", r.Version)
			}
		}
	})

	t.Run("SaveInvalidRule", func(t *testing.T) {
		err := svc.SaveRule(ctx, &domain.FlagRule{
			ID:         domain.FlagDUI,
			Expression: "driving.duis >=",
			Requires:   []domain.Entity{domain.EntityDriving},
		})
		assert.True(t, errors.Is(err, ErrInvalidParams))
	})
}

func TestSegment(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, nil)

	_, err := svc.Load(ctx, "book-a", sampleTables())
	require.NoError(t, err)

	min := 1
	res, err := svc.Segment(ctx, "book-a", portfolio.SegmentFilter{MinScore: &min})
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, int64(750365), res.Rows[0].ID)

	lo, hi := 4, 2
	_, err = svc.Segment(ctx, "book-a", portfolio.SegmentFilter{MinScore: &lo, MaxScore: &hi})
	assert.True(t, errors.Is(err, ErrInvalidParams))
}

func TestForgetEvictsCachedReports(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, nil)

	info, err := svc.Load(ctx, "book-a", sampleTables())
	require.NoError(t, err)

	_, _, err = svc.Report(ctx, "book-a", ReportRiskScore, nil)
	require.NoError(t, err)

	key := cache.ReportKey(info.Revision+"/"+svc.RuleSetID(), ReportRiskScore, url.Values{})
	cached, err := svc.cache.GetReport(ctx, "book-a", key)
	require.NoError(t, err)
	require.NotNil(t, cached)

	t.Run("NewRevision", func(t *testing.T) {
		_, err := svc.Load(ctx, "book-a", sampleTables())
		require.NoError(t, err)

		cached, err := svc.cache.GetReport(ctx, "book-a", key)
		require.NoError(t, err)
		assert.Nil(t, cached)
		assert.Empty(t, svc.cachedKeys["book-a"])
	})

	t.Run("RuleChange", func(t *testing.T) {
		info, err := svc.repo.GetPortfolio(ctx, "book-a")
		require.NoError(t, err)
		_, _, err = svc.Report(ctx, "book-a", ReportKPIs, nil)
		require.NoError(t, err)
		key := cache.ReportKey(info.Revision+"/"+svc.RuleSetID(), ReportKPIs, url.Values{})

		_, err = svc.ReloadRules(ctx)
		require.NoError(t, err)

		cached, err := svc.cache.GetReport(ctx, "book-a", key)
		require.NoError(t, err)
		assert.Nil(t, cached)
	})
}

func TestNewServiceDefaults(t *testing.T) {
	ctx := context.Background()
	engine, err := rules.NewDefaultEngine(1)
	require.NoError(t, err)
	svc := NewService(newTestRepo(t), nil, nil, engine, nil, Config{})

	assert.Equal(t, domain.DefaultTopN, svc.cfg.Scoring.TopN)
	assert.Equal(t, domain.DefaultHighRiskMin, svc.cfg.Scoring.HighRiskMin)

	_, err = svc.Load(ctx, "book-a", sampleTables())
	require.NoError(t, err)

	t.Run("UnsetLowRiskMax", func(t *testing.T) {
		report, _, err := svc.Report(ctx, "book-a", ReportSegments, nil)
		require.NoError(t, err)

		var cmp portfolio.SegmentComparison
		require.NoError(t, json.Unmarshal(report.Rows, &cmp))
		assert.Equal(t, "Low Risk (0-1)", cmp.Low.RiskGroup)
	})

	t.Run("ZeroLowRiskMax", func(t *testing.T) {
		zero := 0
		svc := NewService(svc.repo, nil, nil, engine, nil, Config{Scoring: domain.ScoringConfig{LowRiskMax: &zero}})
		report, _, err := svc.Report(ctx, "book-a", ReportSegments, nil)
		require.NoError(t, err)

		var cmp portfolio.SegmentComparison
		require.NoError(t, json.Unmarshal(report.Rows, &cmp))
		assert.Equal(t, "Low Risk (0)", cmp.Low.RiskGroup)
	})
}
