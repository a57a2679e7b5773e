package portfolio

import (
	"encoding/json"
	"testing"

	"github.com/opensource-finance/claimscope/internal/domain"
	"github.com/opensource-finance/claimscope/internal/rules"
	"github.com/opensource-finance/claimscope/internal/scoring"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fixture builds a portfolio with explicit scores instead of running the rule engine.
type fixture struct {
	tables domain.Tables
	flags  map[int64]domain.RiskFlags
}

func newFixture() *fixture {
	return &fixture{flags: make(map[int64]domain.RiskFlags)}
}

// flagsFor sets the first score flags. A negative score yields a null vehicle flag.
func flagsFor(score int) domain.RiskFlags {
	var f domain.RiskFlags
	for i, name := range domain.AllFlags {
		f = f.With(name, domain.FlagOf(i < score))
	}
	if score < 0 {
		f = f.With(domain.FlagVehicle, domain.NullFlag)
	}
	return f
}

// add appends a customer with every record and the given score and outcome.
func (f *fixture) add(id int64, score int, outcome bool, edit ...func(*domain.Customer, *domain.Vehicle, *domain.DrivingHistory)) *fixture {
	c := domain.Customer{ID: id, Age: "26-39", Gender: "female", Income: "middle class", CreditScore: 0.7, PostalCode: "10238"}
	v := domain.Vehicle{ID: id, VehicleYear: "after 2015", VehicleType: "sedan", AnnualMileage: 12000}
	d := domain.DrivingHistory{ID: id, DrivingExperience: "10-19y"}
	for _, e := range edit {
		e(&c, &v, &d)
	}
	f.tables.Customers = append(f.tables.Customers, c)
	f.tables.Vehicles = append(f.tables.Vehicles, v)
	f.tables.DrivingHistory = append(f.tables.DrivingHistory, d)
	f.tables.Claims = append(f.tables.Claims, domain.Claim{ID: id, Outcome: outcome})
	f.flags[id] = flagsFor(score)
	return f
}

// addWithoutClaim appends a scored customer with no claim record.
func (f *fixture) addWithoutClaim(id int64, score int) *fixture {
	f.add(id, score, false)
	f.tables.Claims = f.tables.Claims[:len(f.tables.Claims)-1]
	return f
}

func (f *fixture) build(t *testing.T) *Portfolio {
	t.Helper()
	snap, err := domain.NewSnapshot("p1", "rev-1", &f.tables)
	require.NoError(t, err)
	return Build(snap, scoring.Score(snap, &rules.Derivation{Flags: f.flags}))
}

func rate(v float64) *float64 { return &v }

func TestByRiskScoreExample(t *testing.T) {
	p := newFixture().
		add(1, 0, false).
		add(2, 0, true).
		add(3, 3, true).
		build(t)

	rows := p.ByRiskScore()
	require.Len(t, rows, 2)

	assert.Equal(t, ScoreRow{RiskScore: 3, GroupStats: GroupStats{TotalCustomers: 1, TotalClaims: 1, ClaimRate: rate(1.00)}}, rows[0])
	assert.Equal(t, ScoreRow{RiskScore: 0, GroupStats: GroupStats{TotalCustomers: 2, TotalClaims: 1, ClaimRate: rate(0.50)}}, rows[1])
}

func TestClaimRateRounding(t *testing.T) {
	tests := []struct {
		claims, customers int
		want              float64
	}{
		{1, 3, 0.33},
		{2, 3, 0.67},
		{1, 8, 0.13},
		{5, 8, 0.63},
		{0, 4, 0.00},
		{7, 7, 1.00},
	}

	for _, tt := range tests {
		f := newFixture()
		for i := 0; i < tt.customers; i++ {
			f.add(int64(i), 2, i < tt.claims)
		}
		rows := f.build(t).ByRiskScore()
		require.Len(t, rows, 1)

		want := decimal.NewFromInt(int64(tt.claims)).DivRound(decimal.NewFromInt(int64(tt.customers)), 2).InexactFloat64()
		require.NotNil(t, rows[0].ClaimRate)
		assert.Equal(t, tt.want, *rows[0].ClaimRate)
		assert.Equal(t, want, *rows[0].ClaimRate)
	}
}

func TestNullScoresAreExcluded(t *testing.T) {
	p := newFixture().
		add(1, 2, true).
		add(2, -1, true).
		addWithoutClaim(3, 2).
		build(t)

	rows := p.ByRiskScore()
	require.Len(t, rows, 1)
	assert.Equal(t, 1, rows[0].TotalCustomers)

	cov := p.Coverage(ScoredOnly, domain.EntityCustomer)
	assert.Equal(t, Coverage{Customers: 3, Included: 1, Unscored: 1, NoClaim: 1}, cov)

	// Customer 2 still counts toward score-free reports
	age, err := p.ByDimension(DimAge, Default)
	require.NoError(t, err)
	require.Len(t, age, 1)
	assert.Equal(t, 2, age[0].TotalCustomers)
	assert.Equal(t, 2, age[0].TotalClaims)
}

func TestCompareSegmentsExample(t *testing.T) {
	p := newFixture().
		add(1, 0, false).
		add(2, 1, true).
		add(3, 3, true).
		add(4, 4, true).
		add(5, 2, true).
		build(t)

	cmp, err := p.CompareSegments(3, 1)
	require.NoError(t, err)

	assert.Equal(t, "High Risk (3+)", cmp.High.RiskGroup)
	assert.Equal(t, 2, cmp.High.TotalCustomers)
	assert.Equal(t, rate(1.00), cmp.High.ClaimRate)

	assert.Equal(t, "Low Risk (0-1)", cmp.Low.RiskGroup)
	assert.Equal(t, 2, cmp.Low.TotalCustomers)
	assert.Equal(t, rate(0.50), cmp.Low.ClaimRate)

	assert.Equal(t, rate(0.50), cmp.RateDifference)
	assert.Equal(t, rate(2.00), cmp.RateLift)
	assert.Len(t, cmp.Segments(), 2)
}

func TestCompareSegmentsEdgeCases(t *testing.T) {
	t.Run("overlapping thresholds", func(t *testing.T) {
		p := newFixture().add(1, 1, true).build(t)
		_, err := p.CompareSegments(2, 2)
		assert.Error(t, err)
	})

	t.Run("empty high segment", func(t *testing.T) {
		p := newFixture().add(1, 0, true).build(t)
		cmp, err := p.CompareSegments(3, 1)
		require.NoError(t, err)
		assert.Equal(t, 0, cmp.High.TotalCustomers)
		assert.Nil(t, cmp.High.ClaimRate)
		assert.Nil(t, cmp.RateDifference)
		assert.Nil(t, cmp.RateLift)
	})

	t.Run("zero low rate", func(t *testing.T) {
		p := newFixture().add(1, 0, false).add(2, 4, true).build(t)
		cmp, err := p.CompareSegments(3, 1)
		require.NoError(t, err)
		assert.Equal(t, rate(1.00), cmp.RateDifference)
		assert.Nil(t, cmp.RateLift)
	})
}

func TestRiskTiers(t *testing.T) {
	assert.Equal(t, TierLow, RiskTier(0))
	assert.Equal(t, TierLow, RiskTier(1))
	assert.Equal(t, TierMedium, RiskTier(2))
	assert.Equal(t, TierHigh, RiskTier(3))
	assert.Equal(t, TierHigh, RiskTier(5))

	p := newFixture().
		add(1, 0, false).
		add(2, 1, true).
		add(3, 5, true).
		build(t)

	rows := p.ByRiskTier()
	require.Len(t, rows, 3)
	assert.Equal(t, TierHigh, rows[0].RiskCategory)
	assert.Equal(t, rate(1.00), rows[0].ClaimRate)
	assert.Equal(t, TierLow, rows[1].RiskCategory)
	assert.Equal(t, rate(0.50), rows[1].ClaimRate)

	// The empty tier is kept with a null rate and sorts last
	assert.Equal(t, TierMedium, rows[2].RiskCategory)
	assert.Equal(t, 0, rows[2].TotalCustomers)
	assert.Nil(t, rows[2].ClaimRate)
}

func TestDistributionRoundsEachRow(t *testing.T) {
	p := newFixture().
		add(1, 0, false).
		add(2, 1, false).
		add(3, 2, false).
		add(4, -1, false).
		build(t)

	rows := p.Distribution()
	require.Len(t, rows, 3)
	for i, want := range []int{2, 1, 0} {
		assert.Equal(t, want, rows[i].RiskScore)
		assert.Equal(t, 1, rows[i].NumCustomers)
		assert.Equal(t, 33.3, rows[i].PctOfPortfolio)
	}
}

func TestDistributionManyGroups(t *testing.T) {
	f := newFixture()
	id := int64(0)
	for score, n := range []int{7, 13, 29, 3, 11, 1} {
		for i := 0; i < n; i++ {
			f.add(id, score, false)
			id++
		}
	}

	rows := f.build(t).Distribution()
	total := decimal.Zero
	for _, r := range rows {
		exact := decimal.NewFromInt(int64(r.NumCustomers) * 100).Div(decimal.NewFromInt(64))
		assert.Equal(t, exact.Round(1).InexactFloat64(), r.PctOfPortfolio)
		total = total.Add(decimal.NewFromFloat(r.PctOfPortfolio))
	}
	sum := total.InexactFloat64()
	assert.InDelta(t, 100.0, sum, 0.1*float64(len(rows)))
}

func TestTopN(t *testing.T) {
	p := newFixture().
		add(5, 3, false).
		add(4, 3, true).
		add(3, 5, false).
		add(2, 3, true).
		add(1, 0, true).
		add(6, -1, true).
		build(t)

	rows := p.TopN(4)
	assert.Equal(t, []TopRow{
		{ID: 3, RiskScore: 5, Outcome: 0},
		{ID: 2, RiskScore: 3, Outcome: 1},
		{ID: 4, RiskScore: 3, Outcome: 1},
		{ID: 5, RiskScore: 3, Outcome: 0},
	}, rows)

	assert.Len(t, p.TopN(100), 5)
	assert.Empty(t, p.TopN(0))
}

func TestByDimension(t *testing.T) {
	postal := func(code string) func(*domain.Customer, *domain.Vehicle, *domain.DrivingHistory) {
		return func(c *domain.Customer, _ *domain.Vehicle, _ *domain.DrivingHistory) { c.PostalCode = code }
	}

	p := newFixture().
		add(1, 0, true, postal("32765")).
		add(2, 0, false, postal("32765")).
		add(3, 0, true, postal("10238")).
		add(4, 0, false, postal("92101")).
		add(5, 0, true, postal("21217")).
		add(6, 0, false, postal("21217")).
		build(t)

	rows, err := p.ByDimension(DimPostalCode, Default)
	require.NoError(t, err)
	require.Len(t, rows, 4)

	// 10238 (1.00), then 21217 and 32765 tie at 0.50 and sort by code, then 92101
	assert.Equal(t, "10238", rows[0].Value)
	assert.Equal(t, "21217", rows[1].Value)
	assert.Equal(t, "32765", rows[2].Value)
	assert.Equal(t, "92101", rows[3].Value)

	data, err := json.Marshal(rows[0])
	require.NoError(t, err)
	assert.JSONEq(t, `{"postal_code":"10238","total_customers":1,"total_claims":1,"claim_rate":1}`, string(data))

	_, err = p.ByDimension("shoe_size", Default)
	assert.Error(t, err)
}

func TestByIncomeOrdersByAvgRiskScore(t *testing.T) {
	income := func(v string) func(*domain.Customer, *domain.Vehicle, *domain.DrivingHistory) {
		return func(c *domain.Customer, _ *domain.Vehicle, _ *domain.DrivingHistory) { c.Income = v }
	}

	p := newFixture().
		add(1, 4, false, income("poverty")).
		add(2, 1, false, income("poverty")).
		add(3, 1, true, income("upper class")).
		add(4, -1, true, income("upper class")).
		build(t)

	rows, err := p.ByDimension(DimIncome, Default)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, "poverty", rows[0].Value)
	assert.Equal(t, rate(2.50), rows[0].AvgRiskScore)
	assert.Equal(t, rate(0.00), rows[0].ClaimRate)

	// The unscored customer is excluded by default
	assert.Equal(t, 1, rows[1].TotalCustomers)

	data, err := json.Marshal(rows[1])
	require.NoError(t, err)
	assert.JSONEq(t, `{"income":"upper class","total_customers":1,"total_claims":1,"claim_rate":1,"avg_risk_score":1}`, string(data))

	// With every customer included, the unscored one counts but does not move the average
	all, err := p.ByDimension(DimIncome, AllCustomers)
	require.NoError(t, err)
	assert.Equal(t, 2, all[1].TotalCustomers)
	assert.Equal(t, rate(1.00), all[1].AvgRiskScore)
}

func TestByVehicleYearMileage(t *testing.T) {
	vehicle := func(year string, miles int) func(*domain.Customer, *domain.Vehicle, *domain.DrivingHistory) {
		return func(_ *domain.Customer, v *domain.Vehicle, _ *domain.DrivingHistory) {
			v.VehicleYear = year
			v.AnnualMileage = miles
		}
	}

	p := newFixture().
		add(1, 0, true, vehicle("before 2015", 10000)).
		add(2, 0, false, vehicle("before 2015", 10001)).
		add(3, 0, false, vehicle("after 2015", 8000)).
		build(t)

	rows, err := p.ByDimension(DimVehicleYear, Default)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "before 2015", rows[0].Value)
	assert.Equal(t, rate(10001), rows[0].AvgAnnualMileage) // 10000.5 rounds away from zero
	assert.Nil(t, rows[0].AvgRiskScore)
}

func TestMissingRecordIsExcludedFromDimension(t *testing.T) {
	f := newFixture().add(1, 1, true).add(2, 1, false)
	f.tables.DrivingHistory = f.tables.DrivingHistory[:1]
	p := f.build(t)

	rows, err := p.ByDimension(DimDrivingExperience, Default)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 1, rows[0].TotalCustomers)

	cov := p.Coverage(AllCustomers, domain.EntityDriving)
	assert.Equal(t, 1, cov.NoRecord)
	assert.Equal(t, 1, cov.Included)
}

func TestByAgeIncome(t *testing.T) {
	edit := func(age, income string) func(*domain.Customer, *domain.Vehicle, *domain.DrivingHistory) {
		return func(c *domain.Customer, _ *domain.Vehicle, _ *domain.DrivingHistory) {
			c.Age = age
			c.Income = income
		}
	}

	p := newFixture().
		add(1, 0, true, edit("40-64", "poverty")).
		add(2, 0, false, edit("16-25", "working class")).
		add(3, 0, true, edit("16-25", "poverty")).
		add(4, 0, true, edit("16-25", "poverty")).
		build(t)

	rows := p.ByAgeIncome()
	require.Len(t, rows, 3)
	assert.Equal(t, "16-25", rows[0].FirstValue)
	assert.Equal(t, "poverty", rows[0].SecondValue)
	assert.Equal(t, 2, rows[0].TotalCustomers)
	assert.Equal(t, "working class", rows[1].SecondValue)
	assert.Equal(t, "40-64", rows[2].FirstValue)

	data, err := json.Marshal(rows[1])
	require.NoError(t, err)
	assert.JSONEq(t, `{"age":"16-25","income":"working class","total_customers":1,"total_claims":0,"claim_rate":0}`, string(data))

	_, err = p.ByDimensionPair(DimAge, DimAge, Default)
	assert.Error(t, err)
}

func TestByCreditBand(t *testing.T) {
	assert.Equal(t, BandVeryLow, CreditBand(0.39))
	assert.Equal(t, BandLow, CreditBand(0.4))
	assert.Equal(t, BandMedium, CreditBand(0.6))
	assert.Equal(t, BandHigh, CreditBand(0.8))

	credit := func(v float64) func(*domain.Customer, *domain.Vehicle, *domain.DrivingHistory) {
		return func(c *domain.Customer, _ *domain.Vehicle, _ *domain.DrivingHistory) { c.CreditScore = v }
	}

	p := newFixture().
		add(1, 3, true, credit(0.1)).
		add(2, 2, true, credit(0.3)).
		add(3, 1, false, credit(0.5)).
		add(4, 0, false, credit(0.9)).
		add(5, 1, true, credit(0.95)).
		build(t)

	rows := p.ByCreditBand(Default)
	require.Len(t, rows, 4)

	assert.Equal(t, BandVeryLow, rows[0].CreditBand)
	assert.Equal(t, rate(1.00), rows[0].ClaimRate)
	assert.Equal(t, rate(2.50), rows[0].AvgRiskScore)
	assert.Equal(t, BandHigh, rows[1].CreditBand)
	assert.Equal(t, rate(0.50), rows[1].ClaimRate)
	assert.Equal(t, BandLow, rows[2].CreditBand)
	assert.Equal(t, BandMedium, rows[3].CreditBand)
	assert.Nil(t, rows[3].ClaimRate)
	assert.Nil(t, rows[3].AvgRiskScore)
}

func TestKPIsAndHighRisk(t *testing.T) {
	p := newFixture().
		add(1, 0, false).
		add(2, 3, true).
		add(3, 4, false).
		add(4, -1, true).
		addWithoutClaim(5, 5).
		build(t)

	assert.Equal(t, KPIs{TotalCustomers: 4, TotalClaims: 2, OverallClaimRate: rate(0.50)}, p.KPIs())

	hr := p.HighRiskSnapshot(3)
	assert.Equal(t, 3, hr.Threshold)
	assert.Equal(t, 2, hr.TotalCustomers)
	assert.Equal(t, 1, hr.TotalClaims)
	assert.Equal(t, rate(0.50), hr.ClaimRate)
}

func TestClaimLoad(t *testing.T) {
	p := newFixture().
		add(1, 0, true).
		add(2, 1, true).
		add(3, 1, true).
		add(4, 2, false).
		build(t)

	rows := p.ClaimLoad()
	require.Len(t, rows, 3)
	assert.Equal(t, 1, rows[0].RiskScore)
	assert.Equal(t, 2, rows[0].TotalClaims)
	assert.Equal(t, 0, rows[2].TotalClaims)
}

func TestMileageByVehicleType(t *testing.T) {
	vt := func(typ string, miles int) func(*domain.Customer, *domain.Vehicle, *domain.DrivingHistory) {
		return func(_ *domain.Customer, v *domain.Vehicle, _ *domain.DrivingHistory) {
			v.VehicleType = typ
			v.AnnualMileage = miles
		}
	}

	f := newFixture().
		add(1, 0, true, vt("sedan", 12000)).
		add(2, 0, true, vt("sedan", 13000)).
		addWithoutClaim(3, 0)
	f.tables.Vehicles[2].VehicleType = "sports car"
	f.tables.Vehicles[2].AnnualMileage = 9000

	rows := f.build(t).MileageByVehicleType()
	require.Len(t, rows, 2)
	assert.Equal(t, MileageRow{VehicleType: "sedan", AvgAnnualMileage: rate(12500), TotalVehicles: 2}, rows[0])
	assert.Equal(t, MileageRow{VehicleType: "sports car", AvgAnnualMileage: rate(9000), TotalVehicles: 1}, rows[1])
}

func TestFlagCounts(t *testing.T) {
	p := newFixture().
		add(1, 1, false).
		add(2, 2, false).
		add(3, 0, false).
		add(4, -1, false).
		build(t)

	rows := p.FlagCounts()
	require.Len(t, rows, 5)
	assert.Equal(t, domain.FlagSpeeding, rows[0].Flag)
	assert.Equal(t, 2, rows[0].Flagged)
	assert.Equal(t, rate(66.7), rows[0].FlaggedPct)
	assert.Equal(t, domain.FlagDUI, rows[1].Flag)
	assert.Equal(t, rate(33.3), rows[1].FlaggedPct)
}

func TestSegment(t *testing.T) {
	edit := func(age string, credit float64, exp string) func(*domain.Customer, *domain.Vehicle, *domain.DrivingHistory) {
		return func(c *domain.Customer, _ *domain.Vehicle, d *domain.DrivingHistory) {
			c.Age = age
			c.CreditScore = credit
			d.DrivingExperience = exp
		}
	}

	p := newFixture().
		add(1, 4, true, edit("16-25", 0.2, "0-9y")).
		add(2, 3, false, edit("16-25", 0.4, "0-9y")).
		add(3, 4, false, edit("16-25", 0.3, "10-19y")).
		add(4, 1, true, edit("40-64", 0.9, "30y+")).
		add(5, -1, true, edit("16-25", 0.1, "0-9y")).
		build(t)

	minScore := 3
	res, err := p.Segment(SegmentFilter{MinScore: &minScore, Ages: []string{"16-25"}})
	require.NoError(t, err)

	require.Len(t, res.Rows, 3)
	assert.Equal(t, int64(1), res.Rows[0].ID)
	assert.Equal(t, int64(3), res.Rows[1].ID)
	assert.Equal(t, int64(2), res.Rows[2].ID)

	assert.Equal(t, 3, res.Summary.Customers)
	assert.Equal(t, rate(3.67), res.Summary.AvgRiskScore)
	assert.Equal(t, rate(0.33), res.Summary.ClaimRate)
	assert.Equal(t, rate(0.30), res.Summary.AvgCreditScore)

	maxCredit := 0.3
	res, err = p.Segment(SegmentFilter{MaxCredit: &maxCredit, Experiences: []string{"10-19y"}})
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, int64(3), res.Rows[0].ID)

	t.Run("empty segment", func(t *testing.T) {
		res, err := p.Segment(SegmentFilter{Incomes: []string{"poverty"}})
		require.NoError(t, err)
		assert.Empty(t, res.Rows)
		assert.Equal(t, 0, res.Summary.Customers)
		assert.Nil(t, res.Summary.AvgRiskScore)
		assert.Nil(t, res.Summary.ClaimRate)
		assert.Nil(t, res.Summary.AvgCreditScore)
	})

	t.Run("inverted bounds", func(t *testing.T) {
		lo, hi := 4, 2
		_, err := p.Segment(SegmentFilter{MinScore: &lo, MaxScore: &hi})
		assert.Error(t, err)
	})
}

func TestParseInclusion(t *testing.T) {
	for in, want := range map[string]Inclusion{"": Default, "scored": ScoredOnly, "ALL": AllCustomers} {
		got, err := ParseInclusion(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseInclusion("some")
	assert.Error(t, err)
}
