package portfolio

import (
	"fmt"
	"sort"

	"github.com/opensource-finance/claimscope/internal/domain"
	"github.com/opensource-finance/claimscope/internal/scoring"
)

// SegmentFilter selects scored customers for a segment listing.
// Nil bounds and empty sets match everything. Bounds are inclusive.
type SegmentFilter struct {
	MinScore    *int     `json:"min_score,omitempty"`
	MaxScore    *int     `json:"max_score,omitempty"`
	Ages        []string `json:"ages,omitempty"`
	Incomes     []string `json:"incomes,omitempty"`
	Experiences []string `json:"experiences,omitempty"`
	MinCredit   *float64 `json:"min_credit,omitempty"`
	MaxCredit   *float64 `json:"max_credit,omitempty"`
}

// Validate rejects inverted or out-of-range bounds.
func (f *SegmentFilter) Validate() error {
	if f.MinScore != nil && (*f.MinScore < 0 || *f.MinScore > scoring.MaxScore) {
		return fmt.Errorf("min score %d out of range", *f.MinScore)
	}
	if f.MaxScore != nil && (*f.MaxScore < 0 || *f.MaxScore > scoring.MaxScore) {
		return fmt.Errorf("max score %d out of range", *f.MaxScore)
	}
	if f.MinScore != nil && f.MaxScore != nil && *f.MinScore > *f.MaxScore {
		return fmt.Errorf("min score %d above max score %d", *f.MinScore, *f.MaxScore)
	}
	if f.MinCredit != nil && f.MaxCredit != nil && *f.MinCredit > *f.MaxCredit {
		return fmt.Errorf("min credit %.2f above max credit %.2f", *f.MinCredit, *f.MaxCredit)
	}
	return nil
}

func (f *SegmentFilter) match(m *Member) bool {
	s := m.Score.Value
	if f.MinScore != nil && s < *f.MinScore {
		return false
	}
	if f.MaxScore != nil && s > *f.MaxScore {
		return false
	}
	if f.MinCredit != nil && m.Customer.CreditScore < *f.MinCredit {
		return false
	}
	if f.MaxCredit != nil && m.Customer.CreditScore > *f.MaxCredit {
		return false
	}
	return in(f.Ages, m.Customer.Age) && in(f.Incomes, m.Customer.Income) && in(f.Experiences, m.Driving.DrivingExperience)
}

func in(set []string, v string) bool {
	if len(set) == 0 {
		return true
	}
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// SegmentRow is one customer of a filtered segment.
type SegmentRow struct {
	ID                int64   `json:"id"`
	RiskScore         int     `json:"risk_score"`
	Age               string  `json:"age"`
	Income            string  `json:"income"`
	CreditScore       float64 `json:"credit_score"`
	DrivingExperience string  `json:"driving_experience"`
	Outcome           int     `json:"outcome"`
}

// SegmentSummary aggregates a filtered segment. Averages are null for an empty segment.
type SegmentSummary struct {
	Customers      int      `json:"customers"`
	AvgRiskScore   *float64 `json:"avg_risk_score"`
	ClaimRate      *float64 `json:"claim_rate"`
	AvgCreditScore *float64 `json:"avg_credit_score"`
}

// SegmentResult is a filtered listing with its summary.
type SegmentResult struct {
	Filter  SegmentFilter  `json:"filter"`
	Summary SegmentSummary `json:"summary"`
	Rows    []SegmentRow   `json:"rows"`
}

// Segment lists scored customers with a driving history and a claim record
// that match f, ordered by risk score descending, outcome descending, ID ascending.
func (p *Portfolio) Segment(f SegmentFilter) (*SegmentResult, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}

	var acc accumulator
	rows := []SegmentRow{}
	for _, m := range p.eligible(ScoredOnly, domain.EntityDriving) {
		if !f.match(m) {
			continue
		}
		acc.add(m)
		rows = append(rows, SegmentRow{
			ID:                m.Customer.ID,
			RiskScore:         m.Score.Value,
			Age:               m.Customer.Age,
			Income:            m.Customer.Income,
			CreditScore:       m.Customer.CreditScore,
			DrivingExperience: m.Driving.DrivingExperience,
			Outcome:           m.Outcome(),
		})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].RiskScore != rows[j].RiskScore {
			return rows[i].RiskScore > rows[j].RiskScore
		}
		if rows[i].Outcome != rows[j].Outcome {
			return rows[i].Outcome > rows[j].Outcome
		}
		return rows[i].ID < rows[j].ID
	})

	return &SegmentResult{
		Filter: f,
		Summary: SegmentSummary{
			Customers:      acc.customers,
			AvgRiskScore:   acc.avgScore(),
			ClaimRate:      acc.stats().ClaimRate,
			AvgCreditScore: acc.avgCredit(),
		},
		Rows: rows,
	}, nil
}
