package portfolio

import (
	"fmt"
	"sort"

	"github.com/opensource-finance/claimscope/internal/domain"
	"github.com/opensource-finance/claimscope/internal/scoring"
	"github.com/shopspring/decimal"
)

// ScoreRow is one risk score group.
type ScoreRow struct {
	RiskScore int `json:"risk_score"`
	GroupStats
}

func (p *Portfolio) byScore() []ScoreRow {
	groups := make(map[int]*accumulator)
	for _, m := range p.eligible(ScoredOnly, domain.EntityCustomer) {
		acc, ok := groups[m.Score.Value]
		if !ok {
			acc = &accumulator{}
			groups[m.Score.Value] = acc
		}
		acc.add(m)
	}

	rows := make([]ScoreRow, 0, len(groups))
	for score, acc := range groups {
		rows = append(rows, ScoreRow{RiskScore: score, GroupStats: acc.stats()})
	}
	return rows
}

// ByRiskScore groups scored customers by risk score, highest score first.
func (p *Portfolio) ByRiskScore() []ScoreRow {
	rows := p.byScore()
	sort.Slice(rows, func(i, j int) bool { return rows[i].RiskScore > rows[j].RiskScore })
	return rows
}

// ClaimLoad is ByRiskScore ordered by total claims descending.
func (p *Portfolio) ClaimLoad() []ScoreRow {
	rows := p.byScore()
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].TotalClaims != rows[j].TotalClaims {
			return rows[i].TotalClaims > rows[j].TotalClaims
		}
		return rows[i].RiskScore > rows[j].RiskScore
	})
	return rows
}

// Credit band labels.
const (
	BandVeryLow = "Very Low"
	BandLow     = "Low"
	BandMedium  = "Medium"
	BandHigh    = "High"
)

// CreditBand buckets a credit score.
func CreditBand(score float64) string {
	switch {
	case score < 0.4:
		return BandVeryLow
	case score < 0.6:
		return BandLow
	case score < 0.8:
		return BandMedium
	}
	return BandHigh
}

// CreditBandRow is one credit band group.
type CreditBandRow struct {
	CreditBand string `json:"credit_band"`
	GroupStats
	AvgRiskScore *float64 `json:"avg_risk_score"`
}

// ByCreditBand groups scored customers into the four credit bands, ordered by
// claim_rate descending. Every band is reported; an empty band has null rates.
func (p *Portfolio) ByCreditBand(inc Inclusion) []CreditBandRow {
	bands := []string{BandVeryLow, BandLow, BandMedium, BandHigh}
	groups := make(map[string]*accumulator, len(bands))
	for _, b := range bands {
		groups[b] = &accumulator{}
	}
	for _, m := range p.eligible(inc.or(ScoredOnly), domain.EntityCustomer) {
		groups[CreditBand(m.Customer.CreditScore)].add(m)
	}

	rows := make([]CreditBandRow, 0, len(bands))
	for _, b := range bands {
		acc := groups[b]
		rows = append(rows, CreditBandRow{CreditBand: b, GroupStats: acc.stats(), AvgRiskScore: acc.avgScore()})
	}
	sort.SliceStable(rows, func(i, j int) bool { return compareRate(rows[i].ClaimRate, rows[j].ClaimRate) < 0 })
	return rows
}

// SegmentStats are the statistics of one named risk segment.
type SegmentStats struct {
	RiskGroup string `json:"risk_group"`
	GroupStats
}

// SegmentComparison pairs a high-risk and a low-risk segment.
// RateDifference is high minus low; RateLift is high divided by low.
// Either is null when it cannot be computed.
type SegmentComparison struct {
	High           SegmentStats `json:"high"`
	Low            SegmentStats `json:"low"`
	RateDifference *float64     `json:"rate_difference"`
	RateLift       *float64     `json:"rate_lift"`
}

// Segments returns the comparison as a two-row table, high segment first.
func (c *SegmentComparison) Segments() []SegmentStats {
	return []SegmentStats{c.High, c.Low}
}

// CompareSegments partitions scored customers into a high segment
// (score >= highMin) and a low segment (score <= lowMax).
func (p *Portfolio) CompareSegments(highMin, lowMax int) (*SegmentComparison, error) {
	if lowMax < 0 || highMin > scoring.MaxScore || lowMax >= highMin {
		return nil, fmt.Errorf("invalid segment thresholds: high >= %d, low <= %d", highMin, lowMax)
	}

	var high, low accumulator
	for _, m := range p.eligible(ScoredOnly, domain.EntityCustomer) {
		switch {
		case m.Score.Value >= highMin:
			high.add(m)
		case m.Score.Value <= lowMax:
			low.add(m)
		}
	}

	lowLabel := fmt.Sprintf("Low Risk (0-%d)", lowMax)
	if lowMax == 0 {
		lowLabel = "Low Risk (0)"
	}
	cmp := &SegmentComparison{
		High: SegmentStats{RiskGroup: fmt.Sprintf("High Risk (%d+)", highMin), GroupStats: high.stats()},
		Low:  SegmentStats{RiskGroup: lowLabel, GroupStats: low.stats()},
	}

	if high.customers > 0 && low.customers > 0 {
		hr := decimal.NewFromInt(int64(high.claims)).Div(decimal.NewFromInt(int64(high.customers)))
		lr := decimal.NewFromInt(int64(low.claims)).Div(decimal.NewFromInt(int64(low.customers)))
		cmp.RateDifference = floatPtr(hr.Sub(lr).Round(2))
		if !lr.IsZero() {
			cmp.RateLift = floatPtr(hr.Div(lr).Round(2))
		}
	}
	return cmp, nil
}

// HighRiskRow is the statistics of the customers at or above a score threshold.
type HighRiskRow struct {
	Threshold int `json:"threshold"`
	GroupStats
}

// HighRiskSnapshot summarizes scored customers with score >= threshold.
func (p *Portfolio) HighRiskSnapshot(threshold int) HighRiskRow {
	var acc accumulator
	for _, m := range p.eligible(ScoredOnly, domain.EntityCustomer) {
		if m.Score.Value >= threshold {
			acc.add(m)
		}
	}
	return HighRiskRow{Threshold: threshold, GroupStats: acc.stats()}
}

// Risk tier labels.
const (
	TierHigh   = "High Risk"
	TierMedium = "Medium Risk"
	TierLow    = "Low Risk"
)

// RiskTier classifies a score: High >= 3, Medium == 2, Low otherwise.
func RiskTier(score int) string {
	switch {
	case score >= 3:
		return TierHigh
	case score == 2:
		return TierMedium
	}
	return TierLow
}

// TierRow is one risk tier group.
type TierRow struct {
	RiskCategory string `json:"risk_category"`
	GroupStats
}

// ByRiskTier groups scored customers into the three tiers, ordered by
// claim_rate descending then label. Every tier is reported.
func (p *Portfolio) ByRiskTier() []TierRow {
	tiers := []string{TierHigh, TierMedium, TierLow}
	groups := make(map[string]*accumulator, len(tiers))
	for _, t := range tiers {
		groups[t] = &accumulator{}
	}
	for _, m := range p.eligible(ScoredOnly, domain.EntityCustomer) {
		groups[RiskTier(m.Score.Value)].add(m)
	}

	rows := make([]TierRow, 0, len(tiers))
	for _, t := range tiers {
		rows = append(rows, TierRow{RiskCategory: t, GroupStats: groups[t].stats()})
	}
	sort.Slice(rows, func(i, j int) bool {
		if c := compareRate(rows[i].ClaimRate, rows[j].ClaimRate); c != 0 {
			return c < 0
		}
		return rows[i].RiskCategory < rows[j].RiskCategory
	})
	return rows
}

// DistributionRow is the share of the scored portfolio at one risk score.
type DistributionRow struct {
	RiskScore      int     `json:"risk_score"`
	NumCustomers   int     `json:"num_customers"`
	PctOfPortfolio float64 `json:"pct_of_portfolio"`
}

// Distribution counts scored customers per risk score, highest score first.
// Claim records are not required. Each percentage is the row's own share
// rounded to one decimal, so the column sums to 100.0 within rounding.
func (p *Portfolio) Distribution() []DistributionRow {
	counts := make(map[int]int)
	total := 0
	for i := range p.members {
		if s := p.members[i].Score; s.Valid {
			counts[s.Value]++
			total++
		}
	}

	rows := make([]DistributionRow, 0, len(counts))
	for score, n := range counts {
		pct := ratio(int64(n)*100, int64(total), 1)
		rows = append(rows, DistributionRow{RiskScore: score, NumCustomers: n, PctOfPortfolio: *pct})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].RiskScore > rows[j].RiskScore })
	return rows
}

// TopRow is one entry of the top-N listing.
type TopRow struct {
	ID        int64 `json:"id"`
	RiskScore int   `json:"risk_score"`
	Outcome   int   `json:"outcome"`
}

// TopN lists at most n scored customers ordered by risk score descending,
// then claim outcome descending, then ID ascending.
func (p *Portfolio) TopN(n int) []TopRow {
	if n <= 0 {
		return []TopRow{}
	}

	members := p.eligible(ScoredOnly, domain.EntityCustomer)
	rows := make([]TopRow, 0, len(members))
	for _, m := range members {
		rows = append(rows, TopRow{ID: m.Customer.ID, RiskScore: m.Score.Value, Outcome: m.Outcome()})
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
	if len(rows) > n {
		rows = rows[:n]
	}
	return rows
}

// KPIs are the headline numbers over the Claims table.
type KPIs struct {
	TotalCustomers   int      `json:"total_customers"`
	TotalClaims      int      `json:"total_claims"`
	OverallClaimRate *float64 `json:"overall_claim_rate"`
}

// KPIs counts every customer with a claim record, scored or not.
func (p *Portfolio) KPIs() KPIs {
	var acc accumulator
	for _, m := range p.eligible(AllCustomers, domain.EntityClaim) {
		acc.add(m)
	}
	s := acc.stats()
	return KPIs{TotalCustomers: s.TotalCustomers, TotalClaims: s.TotalClaims, OverallClaimRate: s.ClaimRate}
}

// MileageRow is the average annual mileage of one vehicle type.
type MileageRow struct {
	VehicleType      string   `json:"vehicle_type"`
	AvgAnnualMileage *float64 `json:"avg_annual_mileage"`
	TotalVehicles    int      `json:"total_vehicles"`
}

// MileageByVehicleType averages annual mileage over the Vehicles table,
// ordered by average descending. Claim records are not required.
func (p *Portfolio) MileageByVehicleType() []MileageRow {
	groups := make(map[string]*accumulator)
	for i := range p.members {
		m := &p.members[i]
		if m.Vehicle == nil {
			continue
		}
		acc, ok := groups[m.Vehicle.VehicleType]
		if !ok {
			acc = &accumulator{}
			groups[m.Vehicle.VehicleType] = acc
		}
		acc.add(m)
	}

	rows := make([]MileageRow, 0, len(groups))
	for vt, acc := range groups {
		rows = append(rows, MileageRow{VehicleType: vt, AvgAnnualMileage: acc.avgMileage(), TotalVehicles: acc.vehicles})
	}
	sort.Slice(rows, func(i, j int) bool {
		if c := compareRate(rows[i].AvgAnnualMileage, rows[j].AvgAnnualMileage); c != 0 {
			return c < 0
		}
		return rows[i].VehicleType < rows[j].VehicleType
	})
	return rows
}

// FlagCountRow is the number and share of scored customers with a flag set.
type FlagCountRow struct {
	Flag       domain.FlagName `json:"flag"`
	Flagged    int             `json:"flagged"`
	FlaggedPct *float64        `json:"flagged_pct"`
}

// FlagCounts reports each flag over scored customers, most frequent first.
func (p *Portfolio) FlagCounts() []FlagCountRow {
	res := &scoring.Result{}
	for i := range p.members {
		m := &p.members[i]
		res.Customers = append(res.Customers, scoring.ScoredCustomer{ID: m.Customer.ID, RiskFlags: m.Flags, RiskScore: m.Score})
	}
	scored := len(res.Scored())

	counts := scoring.FlagDistribution(res)
	rows := make([]FlagCountRow, 0, len(counts))
	for _, c := range counts {
		rows = append(rows, FlagCountRow{
			Flag:       c.Flag,
			Flagged:    c.Count,
			FlaggedPct: ratio(int64(c.Count)*100, int64(scored), 1),
		})
	}
	return rows
}
