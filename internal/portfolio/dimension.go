package portfolio

import (
	"fmt"
	"sort"
	"strings"

	"github.com/opensource-finance/claimscope/internal/domain"
)

// Dimension is a categorical attribute customers can be grouped by.
type Dimension string

const (
	DimPostalCode        Dimension = "postal_code"
	DimIncome            Dimension = "income"
	DimGender            Dimension = "gender"
	DimAge               Dimension = "age"
	DimEducation         Dimension = "education"
	DimDrivingExperience Dimension = "driving_experience"
	DimVehicleType       Dimension = "vehicle_type"
	DimVehicleYear       Dimension = "vehicle_year"
)

type dimensionDef struct {
	entity    domain.Entity
	value     func(m *Member) string
	inclusion Inclusion

	withScore   bool
	withMileage bool

	// byScore orders groups by avg_risk_score instead of claim_rate.
	byScore bool
}

var dimensions = map[Dimension]dimensionDef{
	DimPostalCode: {
		entity:    domain.EntityCustomer,
		value:     func(m *Member) string { return m.Customer.PostalCode },
		inclusion: AllCustomers,
	},
	DimIncome: {
		entity:    domain.EntityCustomer,
		value:     func(m *Member) string { return m.Customer.Income },
		inclusion: ScoredOnly,
		withScore: true,
		byScore:   true,
	},
	DimGender: {
		entity:    domain.EntityCustomer,
		value:     func(m *Member) string { return m.Customer.Gender },
		inclusion: ScoredOnly,
		withScore: true,
		byScore:   true,
	},
	DimAge: {
		entity:    domain.EntityCustomer,
		value:     func(m *Member) string { return m.Customer.Age },
		inclusion: AllCustomers,
	},
	DimEducation: {
		entity:    domain.EntityCustomer,
		value:     func(m *Member) string { return m.Customer.Education },
		inclusion: AllCustomers,
	},
	DimDrivingExperience: {
		entity:    domain.EntityDriving,
		value:     func(m *Member) string { return m.Driving.DrivingExperience },
		inclusion: AllCustomers,
	},
	DimVehicleType: {
		entity:      domain.EntityVehicle,
		value:       func(m *Member) string { return m.Vehicle.VehicleType },
		inclusion:   AllCustomers,
		withMileage: true,
	},
	DimVehicleYear: {
		entity:      domain.EntityVehicle,
		value:       func(m *Member) string { return m.Vehicle.VehicleYear },
		inclusion:   AllCustomers,
		withMileage: true,
	},
}

// Dimensions returns the supported dimensions in name order.
func Dimensions() []Dimension {
	out := make([]Dimension, 0, len(dimensions))
	for d := range dimensions {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ParseDimension validates a dimension name.
func ParseDimension(s string) (Dimension, error) {
	d := Dimension(strings.ToLower(s))
	if _, ok := dimensions[d]; !ok {
		return "", fmt.Errorf("unknown dimension %q", s)
	}
	return d, nil
}

// DimensionPolicy returns the default inclusion and required record of a dimension report.
func DimensionPolicy(dim Dimension) (Inclusion, domain.Entity, error) {
	def, ok := dimensions[dim]
	if !ok {
		return Default, "", fmt.Errorf("unknown dimension %q", dim)
	}
	return def.inclusion, def.entity, nil
}

// DimensionRow is one group of a single-dimension report. It serializes with
// the dimension name as the key of the group value.
type DimensionRow struct {
	Dimension Dimension
	Value     string
	GroupStats

	// Set only for dimensions that report them; null for a group with no data.
	AvgRiskScore     *float64
	AvgAnnualMileage *float64

	withScore   bool
	withMileage bool
}

// MarshalJSON implements json.Marshaler.
func (r DimensionRow) MarshalJSON() ([]byte, error) {
	fields := []jsonField{{string(r.Dimension), r.Value}}
	fields = append(fields, statsFields(r.GroupStats)...)
	if r.withScore {
		fields = append(fields, jsonField{"avg_risk_score", r.AvgRiskScore})
	}
	if r.withMileage {
		fields = append(fields, jsonField{"avg_annual_mileage", r.AvgAnnualMileage})
	}
	return marshalOrdered(fields...)
}

// ByDimension groups customers by one dimension.
// Income and gender groups carry avg_risk_score and are ordered by it descending;
// vehicle dimensions carry avg_annual_mileage; all others are ordered by
// claim_rate descending. Ties break by group value ascending.
func (p *Portfolio) ByDimension(dim Dimension, inc Inclusion) ([]DimensionRow, error) {
	def, ok := dimensions[dim]
	if !ok {
		return nil, fmt.Errorf("unknown dimension %q", dim)
	}
	inc = inc.or(def.inclusion)

	groups := make(map[string]*accumulator)
	for _, m := range p.eligible(inc, def.entity) {
		key := def.value(m)
		acc, ok := groups[key]
		if !ok {
			acc = &accumulator{}
			groups[key] = acc
		}
		acc.add(m)
	}

	rows := make([]DimensionRow, 0, len(groups))
	for key, acc := range groups {
		row := DimensionRow{
			Dimension:   dim,
			Value:       key,
			GroupStats:  acc.stats(),
			withScore:   def.withScore,
			withMileage: def.withMileage,
		}
		if def.withScore {
			row.AvgRiskScore = acc.avgScore()
		}
		if def.withMileage {
			row.AvgAnnualMileage = acc.avgMileage()
		}
		rows = append(rows, row)
	}

	sort.Slice(rows, func(i, j int) bool {
		var c int
		if def.byScore {
			c = compareRate(rows[i].AvgRiskScore, rows[j].AvgRiskScore)
		} else {
			c = compareRate(rows[i].ClaimRate, rows[j].ClaimRate)
		}
		if c != 0 {
			return c < 0
		}
		return rows[i].Value < rows[j].Value
	})
	return rows, nil
}

// PairRow is one group of a two-dimension report.
type PairRow struct {
	First       Dimension
	FirstValue  string
	Second      Dimension
	SecondValue string
	GroupStats
}

// MarshalJSON implements json.Marshaler.
func (r PairRow) MarshalJSON() ([]byte, error) {
	fields := []jsonField{
		{string(r.First), r.FirstValue},
		{string(r.Second), r.SecondValue},
	}
	return marshalOrdered(append(fields, statsFields(r.GroupStats)...)...)
}

// ByDimensionPair groups customers by two dimensions, ordered by the first
// value then the second. The default inclusion is AllCustomers.
func (p *Portfolio) ByDimensionPair(first, second Dimension, inc Inclusion) ([]PairRow, error) {
	a, ok := dimensions[first]
	if !ok {
		return nil, fmt.Errorf("unknown dimension %q", first)
	}
	b, ok := dimensions[second]
	if !ok {
		return nil, fmt.Errorf("unknown dimension %q", second)
	}
	if first == second {
		return nil, fmt.Errorf("dimension %q paired with itself", first)
	}
	inc = inc.or(AllCustomers)

	type pair struct{ a, b string }
	groups := make(map[pair]*accumulator)
	for _, m := range p.eligible(inc, a.entity) {
		if !m.has(b.entity) {
			continue
		}
		key := pair{a.value(m), b.value(m)}
		acc, ok := groups[key]
		if !ok {
			acc = &accumulator{}
			groups[key] = acc
		}
		acc.add(m)
	}

	rows := make([]PairRow, 0, len(groups))
	for key, acc := range groups {
		rows = append(rows, PairRow{
			First:       first,
			FirstValue:  key.a,
			Second:      second,
			SecondValue: key.b,
			GroupStats:  acc.stats(),
		})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].FirstValue != rows[j].FirstValue {
			return rows[i].FirstValue < rows[j].FirstValue
		}
		return rows[i].SecondValue < rows[j].SecondValue
	})
	return rows, nil
}

// ByAgeIncome groups customers by age bracket and income bracket.
func (p *Portfolio) ByAgeIncome() []PairRow {
	rows, _ := p.ByDimensionPair(DimAge, DimIncome, Default)
	return rows
}
