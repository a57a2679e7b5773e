package portfolio

import (
	"bytes"
	"encoding/json"

	"github.com/shopspring/decimal"
)

// GroupStats are the claim statistics shared by every grouped report.
// ClaimRate is null when the group is empty.
type GroupStats struct {
	TotalCustomers int      `json:"total_customers"`
	TotalClaims    int      `json:"total_claims"`
	ClaimRate      *float64 `json:"claim_rate"`
}

// accumulator collects the members of one group.
type accumulator struct {
	customers int
	claims    int

	scored   int
	scoreSum int

	vehicles   int
	mileageSum int64

	creditSum decimal.Decimal
}

func (a *accumulator) add(m *Member) {
	a.customers++
	if m.Claim != nil && m.Claim.Outcome {
		a.claims++
	}
	if m.Score.Valid {
		a.scored++
		a.scoreSum += m.Score.Value
	}
	if m.Vehicle != nil {
		a.vehicles++
		a.mileageSum += int64(m.Vehicle.AnnualMileage)
	}
	a.creditSum = a.creditSum.Add(decimal.NewFromFloat(m.Customer.CreditScore))
}

func (a *accumulator) stats() GroupStats {
	return GroupStats{
		TotalCustomers: a.customers,
		TotalClaims:    a.claims,
		ClaimRate:      ratio(int64(a.claims), int64(a.customers), 2),
	}
}

func (a *accumulator) avgScore() *float64 {
	return ratio(int64(a.scoreSum), int64(a.scored), 2)
}

func (a *accumulator) avgMileage() *float64 {
	return ratio(a.mileageSum, int64(a.vehicles), 0)
}

func (a *accumulator) avgCredit() *float64 {
	if a.customers == 0 {
		return nil
	}
	return floatPtr(a.creditSum.DivRound(decimal.NewFromInt(int64(a.customers)), 2))
}

// ratio returns num/den rounded half away from zero to places decimals,
// matching SQL ROUND. A zero denominator yields nil.
func ratio(num, den int64, places int32) *float64 {
	if den == 0 {
		return nil
	}
	return floatPtr(decimal.NewFromInt(num).DivRound(decimal.NewFromInt(den), places))
}

func floatPtr(d decimal.Decimal) *float64 {
	f := d.InexactFloat64()
	return &f
}

// compareRate orders rates descending with null rates last.
func compareRate(a, b *float64) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	case *a > *b:
		return -1
	case *a < *b:
		return 1
	}
	return 0
}

type jsonField struct {
	key   string
	value any
}

// marshalOrdered writes a JSON object with keys in the given order.
func marshalOrdered(fields ...jsonField) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range fields {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(f.key)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(f.value)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func statsFields(s GroupStats) []jsonField {
	return []jsonField{
		{"total_customers", s.TotalCustomers},
		{"total_claims", s.TotalClaims},
		{"claim_rate", s.ClaimRate},
	}
}
