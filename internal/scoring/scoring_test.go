package scoring

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/opensource-finance/claimscope/internal/domain"
	"github.com/opensource-finance/claimscope/internal/rules"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func flags(s, d, l, v, y int) domain.RiskFlags {
	return domain.RiskFlags{
		Speeding:    domain.FlagOf(s == 1),
		DUI:         domain.FlagOf(d == 1),
		LowCredit:   domain.FlagOf(l == 1),
		Vehicle:     domain.FlagOf(v == 1),
		YoungDriver: domain.FlagOf(y == 1),
	}
}

func TestAggregate(t *testing.T) {
	t.Run("example 1,0,1,1,1", func(t *testing.T) {
		score := Aggregate(flags(1, 0, 1, 1, 1))
		assert.True(t, score.Valid)
		assert.Equal(t, 4, score.Value)
	})

	t.Run("all clear", func(t *testing.T) {
		assert.Equal(t, domain.ScoreOf(0), Aggregate(flags(0, 0, 0, 0, 0)))
	})

	t.Run("all set", func(t *testing.T) {
		assert.Equal(t, domain.ScoreOf(MaxScore), Aggregate(flags(1, 1, 1, 1, 1)))
	})

	t.Run("null component", func(t *testing.T) {
		f := flags(1, 1, 1, 1, 1).With(domain.FlagVehicle, domain.NullFlag)
		score := Aggregate(f)
		assert.False(t, score.Valid)
	})
}

func TestScoreEqualsFlagCount(t *testing.T) {
	for mask := 0; mask < 32; mask++ {
		f := flags(mask&1, mask>>1&1, mask>>2&1, mask>>3&1, mask>>4&1)
		want := 0
		for _, name := range domain.AllFlags {
			want += f.Get(name).Int()
		}
		score := Aggregate(f)
		require.True(t, score.Valid)
		assert.Equal(t, want, score.Value)
		assert.GreaterOrEqual(t, score.Value, 0)
		assert.LessOrEqual(t, score.Value, MaxScore)
	}
}

func testSnapshot(t *testing.T) *domain.Snapshot {
	t.Helper()
	tables := &domain.Tables{
		Customers: []domain.Customer{
			{ID: 3, Age: "16-25", Gender: "male", Income: "poverty", CreditScore: 0.3, PostalCode: "10238"},
			{ID: 1, Age: "40-64", Gender: "female", Income: "upper class", CreditScore: 0.8, PostalCode: "32765"},
			{ID: 2, Age: "26-39", Gender: "female", Income: "working class", CreditScore: 0.45, PostalCode: "92101"},
		},
		Vehicles: []domain.Vehicle{
			{ID: 3, VehicleYear: "before 2015", VehicleType: "sedan", AnnualMileage: 18000},
			{ID: 1, VehicleYear: "after 2015", VehicleType: "sedan", AnnualMileage: 9000},
		},
		DrivingHistory: []domain.DrivingHistory{
			{ID: 3, DrivingExperience: "0-9y", SpeedingViolations: 7},
			{ID: 1, DrivingExperience: "20-29y"},
			{ID: 2, DrivingExperience: "10-19y", DUIs: 2},
		},
		Claims: []domain.Claim{{ID: 1}, {ID: 2, Outcome: true}, {ID: 3, Outcome: true}},
	}
	snap, err := domain.NewSnapshot("p1", "rev-1", tables)
	require.NoError(t, err)
	return snap
}

func TestProcess(t *testing.T) {
	engine, err := rules.NewDefaultEngine(2)
	require.NoError(t, err)
	defer engine.Close()

	res, err := NewProcessor(engine).Process(context.Background(), testSnapshot(t))
	require.NoError(t, err)

	assert.Equal(t, "p1", res.PortfolioID)
	assert.Equal(t, "rev-1", res.Revision)
	require.Len(t, res.Customers, 3)

	// Ordered by customer ID
	assert.Equal(t, int64(1), res.Customers[0].ID)
	assert.Equal(t, int64(3), res.Customers[2].ID)

	c3, ok := res.Get(3)
	require.True(t, ok)
	assert.Equal(t, domain.ScoreOf(4), c3.RiskScore)

	c1, _ := res.Get(1)
	assert.Equal(t, domain.ScoreOf(0), c1.RiskScore)

	// Customer 2 has no vehicle: vehicle flag and score are null
	c2, _ := res.Get(2)
	assert.False(t, c2.Vehicle.Valid)
	assert.False(t, c2.RiskScore.Valid)
	assert.True(t, c2.DUI.Set)

	require.Len(t, res.Faults, 1)
	assert.Equal(t, domain.MissingJoinFault{CustomerID: 2, Entity: domain.EntityVehicle, Flags: []domain.FlagName{domain.FlagVehicle}}, res.Faults[0])

	assert.Len(t, res.Scored(), 2)
	assert.Equal(t, []int64{2}, res.Unscored())

	_, ok = res.Get(99)
	assert.False(t, ok)
}

func TestScoredCustomerJSON(t *testing.T) {
	row := ScoredCustomer{
		ID:        2,
		RiskFlags: flags(0, 1, 1, 0, 0).With(domain.FlagVehicle, domain.NullFlag),
		RiskScore: domain.Score{},
	}

	data, err := json.Marshal(row)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":2,"speeding_risk":0,"dui_risk":1,"low_credit_risk":1,"vehicle_risk":null,"young_driver_risk":0,"risk_score":null}`, string(data))
}

func TestFlagDistribution(t *testing.T) {
	res := &Result{Customers: []ScoredCustomer{
		{ID: 1, RiskFlags: flags(1, 0, 1, 0, 0), RiskScore: domain.ScoreOf(2)},
		{ID: 2, RiskFlags: flags(0, 0, 1, 0, 0), RiskScore: domain.ScoreOf(1)},
		{ID: 3, RiskFlags: flags(1, 1, 1, 0, 0).With(domain.FlagVehicle, domain.NullFlag), RiskScore: domain.Score{}},
	}}

	counts := FlagDistribution(res)
	require.Len(t, counts, 5)
	assert.Equal(t, FlagCount{Flag: domain.FlagLowCredit, Count: 2}, counts[0])
	assert.Equal(t, FlagCount{Flag: domain.FlagSpeeding, Count: 1}, counts[1])
	assert.Equal(t, FlagCount{Flag: domain.FlagDUI, Count: 0}, counts[2])
}
