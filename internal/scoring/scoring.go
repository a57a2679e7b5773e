// Package scoring aggregates derived risk flags into composite risk scores.
package scoring

import (
	"context"
	"sort"
	"time"

	"github.com/opensource-finance/claimscope/internal/domain"
	"github.com/opensource-finance/claimscope/internal/rules"
)

// MaxScore is the highest possible risk score.
var MaxScore = len(domain.AllFlags)

// ScoredCustomer is one row of the risk score table.
type ScoredCustomer struct {
	ID int64 `json:"id"`
	domain.RiskFlags
	RiskScore domain.Score `json:"risk_score"`
}

// Result holds the scores of every customer of a snapshot.
type Result struct {
	PortfolioID string                    `json:"portfolioId"`
	Revision    string                    `json:"revision"`
	Customers   []ScoredCustomer          `json:"customers"`
	Faults      []domain.MissingJoinFault `json:"faults"`
	RuleErrors  []domain.RuleFault        `json:"ruleErrors"`
	ComputedAt  time.Time                 `json:"computedAt"`
	ProcessMs   int64                     `json:"processMs"`

	index map[int64]int
}

// Processor derives flags with a rules engine and aggregates them into scores.
type Processor struct {
	engine *rules.Engine
}

// NewProcessor creates a processor backed by engine.
func NewProcessor(engine *rules.Engine) *Processor {
	return &Processor{engine: engine}
}

// Process derives and scores every customer of snap.
func (p *Processor) Process(ctx context.Context, snap *domain.Snapshot) (*Result, error) {
	start := time.Now()

	derivation, err := p.engine.Derive(ctx, snap)
	if err != nil {
		return nil, err
	}

	res := Score(snap, derivation)
	res.ProcessMs = time.Since(start).Milliseconds()
	return res, nil
}

// Aggregate sums the five flags. Any null flag makes the score null.
func Aggregate(flags domain.RiskFlags) domain.Score {
	total := 0
	for _, name := range domain.AllFlags {
		f := flags.Get(name)
		if !f.Valid {
			return domain.Score{}
		}
		total += f.Int()
	}
	return domain.ScoreOf(total)
}

// Score builds one ScoredCustomer per customer of snap, in customer order.
func Score(snap *domain.Snapshot, d *rules.Derivation) *Result {
	customers := snap.Customers()
	res := &Result{
		PortfolioID: snap.PortfolioID,
		Revision:    snap.Revision,
		Customers:   make([]ScoredCustomer, 0, len(customers)),
		Faults:      d.Missing,
		RuleErrors:  d.Errors,
		ComputedAt:  time.Now().UTC(),
		index:       make(map[int64]int, len(customers)),
	}

	for _, c := range customers {
		flags := d.Flags[c.ID]
		res.index[c.ID] = len(res.Customers)
		res.Customers = append(res.Customers, ScoredCustomer{
			ID:        c.ID,
			RiskFlags: flags,
			RiskScore: Aggregate(flags),
		})
	}
	return res
}

// Get returns the scored row of a customer.
func (r *Result) Get(id int64) (ScoredCustomer, bool) {
	i, ok := r.index[id]
	if !ok {
		return ScoredCustomer{}, false
	}
	return r.Customers[i], true
}

// Scored returns only the customers with a non-null score.
func (r *Result) Scored() []ScoredCustomer {
	out := make([]ScoredCustomer, 0, len(r.Customers))
	for _, c := range r.Customers {
		if c.RiskScore.Valid {
			out = append(out, c)
		}
	}
	return out
}

// Unscored returns the IDs of customers whose score is null.
func (r *Result) Unscored() []int64 {
	var ids []int64
	for _, c := range r.Customers {
		if !c.RiskScore.Valid {
			ids = append(ids, c.ID)
		}
	}
	return ids
}

// FlagCount is the number of scored customers with a flag set.
type FlagCount struct {
	Flag  domain.FlagName `json:"flag"`
	Count int             `json:"flagged"`
}

// FlagDistribution counts how many scored customers have each flag set,
// ordered by count descending then flag order.
func FlagDistribution(r *Result) []FlagCount {
	counts := make([]FlagCount, len(domain.AllFlags))
	for i, name := range domain.AllFlags {
		counts[i].Flag = name
	}
	for _, c := range r.Customers {
		if !c.RiskScore.Valid {
			continue
		}
		for i, name := range domain.AllFlags {
			counts[i].Count += c.Get(name).Int()
		}
	}
	sort.SliceStable(counts, func(i, j int) bool { return counts[i].Count > counts[j].Count })
	return counts
}
