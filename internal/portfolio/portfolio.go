// Package portfolio computes grouped claim statistics over scored customers.
//
// Every report is a pure function of a Portfolio. A customer contributes to a
// claim-rate report only if it has a Claim record; score-based reports also
// require a non-null risk score. The Inclusion of each report makes that
// policy explicit and Coverage counts who was left out and why.
package portfolio

import (
	"fmt"
	"strings"

	"github.com/opensource-finance/claimscope/internal/domain"
	"github.com/opensource-finance/claimscope/internal/scoring"
)

// Member is one customer joined with its records and risk score.
type Member struct {
	Customer domain.Customer
	Vehicle  *domain.Vehicle
	Driving  *domain.DrivingHistory
	Claim    *domain.Claim
	Flags    domain.RiskFlags
	Score    domain.Score
}

// Outcome returns 1 if the member filed a claim, else 0.
func (m *Member) Outcome() int {
	if m.Claim != nil && m.Claim.Outcome {
		return 1
	}
	return 0
}

func (m *Member) has(e domain.Entity) bool {
	switch e {
	case domain.EntityVehicle:
		return m.Vehicle != nil
	case domain.EntityDriving:
		return m.Driving != nil
	case domain.EntityClaim:
		return m.Claim != nil
	}
	return true
}

// Portfolio is the joined view of one scored snapshot.
type Portfolio struct {
	ID       string
	Revision string
	members  []Member
}

// Build joins every customer of snap with its records and score.
func Build(snap *domain.Snapshot, res *scoring.Result) *Portfolio {
	customers := snap.Customers()
	p := &Portfolio{
		ID:       snap.PortfolioID,
		Revision: snap.Revision,
		members:  make([]Member, 0, len(customers)),
	}

	for _, c := range customers {
		m := Member{Customer: c}
		m.Vehicle, _ = snap.Vehicle(c.ID)
		m.Driving, _ = snap.Driving(c.ID)
		m.Claim, _ = snap.Claim(c.ID)
		if sc, ok := res.Get(c.ID); ok {
			m.Flags = sc.RiskFlags
			m.Score = sc.RiskScore
		}
		p.members = append(p.members, m)
	}
	return p
}

// Len returns the number of customers.
func (p *Portfolio) Len() int {
	return len(p.members)
}

// Inclusion decides which customers a report aggregates.
type Inclusion int

const (
	// Default uses the report's own policy.
	Default Inclusion = iota

	// ScoredOnly includes customers with a non-null risk score and a claim record.
	ScoredOnly

	// AllCustomers includes every customer with the report's dimension record
	// and a claim record, whether or not it has a score.
	AllCustomers
)

func (i Inclusion) String() string {
	switch i {
	case ScoredOnly:
		return "scored"
	case AllCustomers:
		return "all"
	}
	return "default"
}

// ParseInclusion parses "scored", "all" or "" (Default).
func ParseInclusion(s string) (Inclusion, error) {
	switch strings.ToLower(s) {
	case "", "default":
		return Default, nil
	case "scored":
		return ScoredOnly, nil
	case "all":
		return AllCustomers, nil
	}
	return Default, fmt.Errorf("unknown inclusion %q", s)
}

func (i Inclusion) or(fallback Inclusion) Inclusion {
	if i == Default {
		return fallback
	}
	return i
}

// Coverage counts the customers a report aggregated and the ones it left out.
// Each excluded customer is counted under its first failing requirement.
type Coverage struct {
	Customers int `json:"customers"`
	Included  int `json:"included"`
	NoRecord  int `json:"excluded_missing_record"`
	Unscored  int `json:"excluded_unscored"`
	NoClaim   int `json:"excluded_no_claim"`
}

// Coverage reports how inc and the required record partition the portfolio.
func (p *Portfolio) Coverage(inc Inclusion, need domain.Entity) Coverage {
	cov := Coverage{Customers: len(p.members)}
	for i := range p.members {
		switch m := &p.members[i]; {
		case !m.has(need):
			cov.NoRecord++
		case inc == ScoredOnly && !m.Score.Valid:
			cov.Unscored++
		case m.Claim == nil:
			cov.NoClaim++
		default:
			cov.Included++
		}
	}
	return cov
}

// eligible returns the members with the required record, a claim record and,
// for ScoredOnly, a score.
func (p *Portfolio) eligible(inc Inclusion, need domain.Entity) []*Member {
	out := make([]*Member, 0, len(p.members))
	for i := range p.members {
		m := &p.members[i]
		if !m.has(need) || m.Claim == nil {
			continue
		}
		if inc == ScoredOnly && !m.Score.Valid {
			continue
		}
		out = append(out, m)
	}
	return out
}
