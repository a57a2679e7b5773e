// Package rules provides the CEL-Go based flag derivation engine.
package rules

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/opensource-finance/claimscope/internal/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// ErrIncompleteRuleSet is returned when a rule set does not define every flag exactly once.
var ErrIncompleteRuleSet = errors.New("rule set must define each risk flag exactly once")

// chunkSize is the number of customers one worker evaluates per task.
const chunkSize = 256

var tracer = otel.Tracer("claimscope-rules")

// Engine derives risk flags with compiled CEL predicates.
type Engine struct {
	mu            sync.RWMutex
	compiledRules map[domain.FlagName]*CompiledRule
	maxWorkers    int
}

// CompiledRule holds a pre-compiled CEL program.
type CompiledRule struct {
	Config  *domain.FlagRule
	Program cel.Program
}

// Derivation is the flag output for one snapshot.
type Derivation struct {
	Flags   map[int64]domain.RiskFlags
	Missing []domain.MissingJoinFault
	Errors  []domain.RuleFault
}

// NewEngine creates a new flag derivation engine with no rules loaded.
func NewEngine(maxWorkers int) *Engine {
	if maxWorkers <= 0 {
		maxWorkers = 4
	}
	return &Engine{
		compiledRules: make(map[domain.FlagName]*CompiledRule),
		maxWorkers:    maxWorkers,
	}
}

// NewDefaultEngine creates an engine loaded with DefaultFlagRules.
func NewDefaultEngine(maxWorkers int) (*Engine, error) {
	e := NewEngine(maxWorkers)
	if err := e.LoadRules(DefaultFlagRules()); err != nil {
		return nil, err
	}
	return e, nil
}

// ValidateRule compiles and validates a rule without mutating loaded engine rules.
func (e *Engine) ValidateRule(cfg *domain.FlagRule) error {
	_, err := compileRule(cfg)
	return err
}

// LoadRule compiles a rule and replaces the loaded rule for the same flag.
func (e *Engine) LoadRule(cfg *domain.FlagRule) error {
	compiled, err := compileRule(cfg)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.compiledRules[cfg.ID] = compiled
	return nil
}

// LoadRules compiles and loads a complete rule set.
func (e *Engine) LoadRules(configs []*domain.FlagRule) error {
	return e.ReloadRules(configs)
}

// ReloadRules compiles a complete rule set and swaps it in atomically.
// On error the loaded rules are left unchanged.
func (e *Engine) ReloadRules(configs []*domain.FlagRule) error {
	newRules := make(map[domain.FlagName]*CompiledRule, len(configs))
	for _, cfg := range configs {
		if cfg == nil {
			return fmt.Errorf("rule config is required")
		}
		if _, dup := newRules[cfg.ID]; dup {
			return fmt.Errorf("%w: duplicate flag %s", ErrIncompleteRuleSet, cfg.ID)
		}
		compiled, err := compileRule(cfg)
		if err != nil {
			return err
		}
		newRules[cfg.ID] = compiled
	}
	for _, name := range domain.AllFlags {
		if _, ok := newRules[name]; !ok {
			return fmt.Errorf("%w: missing flag %s", ErrIncompleteRuleSet, name)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.compiledRules = newRules
	return nil
}

// RulesCount returns the number of loaded rules.
func (e *Engine) RulesCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.compiledRules)
}

// GetLoadedRules returns the loaded rule configurations in flag order.
func (e *Engine) GetLoadedRules() []*domain.FlagRule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	rules := make([]*domain.FlagRule, 0, len(e.compiledRules))
	for _, name := range domain.AllFlags {
		if compiled, ok := e.compiledRules[name]; ok {
			rules = append(rules, compiled.Config)
		}
	}
	return rules
}

// Close cleans up the engine.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.compiledRules = make(map[domain.FlagName]*CompiledRule)
	return nil
}

// ruleSet returns the loaded rules in flag order, or an error if any flag is undefined.
func (e *Engine) ruleSet() ([]*CompiledRule, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	rules := make([]*CompiledRule, 0, len(domain.AllFlags))
	for _, name := range domain.AllFlags {
		compiled, ok := e.compiledRules[name]
		if !ok {
			return nil, fmt.Errorf("%w: missing flag %s", ErrIncompleteRuleSet, name)
		}
		rules = append(rules, compiled)
	}
	return rules, nil
}

// Derive computes the flags of every customer in the snapshot.
// Customers are split into chunks evaluated by at most maxWorkers goroutines;
// results are written by position so the output does not depend on scheduling.
func (e *Engine) Derive(ctx context.Context, snap *domain.Snapshot) (*Derivation, error) {
	ctx, span := tracer.Start(ctx, "rules.Derive")
	defer span.End()
	span.SetAttributes(
		attribute.String("portfolio.id", snap.PortfolioID),
		attribute.Int("customers", snap.Len()),
	)

	rules, err := e.ruleSet()
	if err != nil {
		return nil, err
	}

	customers := snap.Customers()
	outcomes := make([]outcome, len(customers))

	var wg sync.WaitGroup
	sem := make(chan struct{}, e.maxWorkers)

	for start := 0; start < len(customers); start += chunkSize {
		end := min(start+chunkSize, len(customers))

		select {
		case <-ctx.Done():
			wg.Wait()
			return nil, ctx.Err()
		case sem <- struct{}{}: // Acquire
		}

		wg.Add(1)
		go func(lo, hi int) {
			defer wg.Done()
			defer func() { <-sem }() // Release

			for i := lo; i < hi; i++ {
				c := customers[i]
				v, _ := snap.Vehicle(c.ID)
				d, _ := snap.Driving(c.ID)
				outcomes[i] = evaluate(rules, &c, v, d)
			}
		}(start, end)
	}

	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := &Derivation{Flags: make(map[int64]domain.RiskFlags, len(customers))}
	for i, c := range customers {
		out.Flags[c.ID] = outcomes[i].flags
		out.Missing = append(out.Missing, outcomes[i].missing...)
		out.Errors = append(out.Errors, outcomes[i].errors...)
	}
	return out, nil
}

// DeriveOne computes the flags of a single customer. A nil vehicle or
// driving history is treated as a missing join.
func (e *Engine) DeriveOne(c *domain.Customer, v *domain.Vehicle, d *domain.DrivingHistory) (domain.RiskFlags, []domain.MissingJoinFault, []domain.RuleFault, error) {
	rules, err := e.ruleSet()
	if err != nil {
		return domain.RiskFlags{}, nil, nil, err
	}
	o := evaluate(rules, c, v, d)
	return o.flags, o.missing, o.errors, nil
}

type outcome struct {
	flags   domain.RiskFlags
	missing []domain.MissingJoinFault
	errors  []domain.RuleFault
}

// evaluate runs the rule set for one customer.
func evaluate(rules []*CompiledRule, c *domain.Customer, v *domain.Vehicle, d *domain.DrivingHistory) outcome {
	var o outcome

	activation := map[string]any{
		domain.RuleVariable(domain.EntityCustomer): customerVars(c),
	}
	present := map[domain.Entity]bool{domain.EntityCustomer: true}
	if v != nil {
		activation[domain.RuleVariable(domain.EntityVehicle)] = vehicleVars(v)
		present[domain.EntityVehicle] = true
	}
	if d != nil {
		activation[domain.RuleVariable(domain.EntityDriving)] = drivingVars(d)
		present[domain.EntityDriving] = true
	}

	missing := make(map[domain.Entity][]domain.FlagName)
	for _, r := range rules {
		name := r.Config.ID

		absent := false
		for _, entity := range r.Config.Requires {
			if !present[entity] {
				missing[entity] = append(missing[entity], name)
				absent = true
			}
		}
		if absent {
			o.flags = o.flags.With(name, domain.NullFlag)
			continue
		}

		val, _, err := r.Program.Eval(activation)
		if err != nil {
			o.flags = o.flags.With(name, domain.NullFlag)
			o.errors = append(o.errors, domain.RuleFault{CustomerID: c.ID, Flag: name, Reason: err.Error()})
			continue
		}

		b, ok := val.(types.Bool)
		if !ok {
			o.flags = o.flags.With(name, domain.NullFlag)
			o.errors = append(o.errors, domain.RuleFault{
				CustomerID: c.ID,
				Flag:       name,
				Reason:     fmt.Sprintf("expression returned %s, want bool", val.Type().TypeName()),
			})
			continue
		}
		o.flags = o.flags.With(name, domain.FlagOf(bool(b)))
	}

	entities := make([]domain.Entity, 0, len(missing))
	for entity := range missing {
		entities = append(entities, entity)
	}
	sort.Slice(entities, func(i, j int) bool { return entities[i] < entities[j] })
	for _, entity := range entities {
		o.missing = append(o.missing, domain.MissingJoinFault{
			CustomerID: c.ID,
			Entity:     entity,
			Flags:      missing[entity],
		})
	}
	return o
}

func compileRule(cfg *domain.FlagRule) (*CompiledRule, error) {
	if cfg == nil {
		return nil, fmt.Errorf("rule config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// Only the entities the rule requires are declared, so a rule cannot
	// read a record whose absence would not null its flag.
	opts := []cel.EnvOption{cel.CrossTypeNumericComparisons(true)}
	for _, entity := range cfg.Requires {
		opts = append(opts, cel.Variable(domain.RuleVariable(entity), cel.MapType(cel.StringType, cel.DynType)))
	}
	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment for rule %s: %w", cfg.ID, err)
	}

	ast, issues := env.Compile(cfg.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile rule %s: %w", cfg.ID, issues.Err())
	}

	outputType := ast.OutputType()
	if !outputType.IsExactType(cel.BoolType) && !outputType.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("rule %s: expression must return bool, got %s", cfg.ID, outputType)
	}

	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", cfg.ID, err)
	}

	return &CompiledRule{
		Config:  cfg,
		Program: program,
	}, nil
}

func customerVars(c *domain.Customer) map[string]any {
	return map[string]any{
		"id":           c.ID,
		"age":          c.Age,
		"gender":       c.Gender,
		"race":         c.Race,
		"education":    c.Education,
		"income":       c.Income,
		"credit_score": c.CreditScore,
		"married":      c.Married,
		"children":     int64(c.Children),
		"postal_code":  c.PostalCode,
	}
}

func vehicleVars(v *domain.Vehicle) map[string]any {
	return map[string]any{
		"id":                v.ID,
		"vehicle_ownership": v.Ownership,
		"vehicle_year":      v.VehicleYear,
		"vehicle_type":      v.VehicleType,
		"annual_mileage":    int64(v.AnnualMileage),
	}
}

func drivingVars(d *domain.DrivingHistory) map[string]any {
	return map[string]any{
		"id":                  d.ID,
		"driving_experience":  d.DrivingExperience,
		"speeding_violations": int64(d.SpeedingViolations),
		"duis":                int64(d.DUIs),
		"past_accidents":      int64(d.PastAccidents),
	}
}
