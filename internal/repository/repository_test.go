package repository

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/opensource-finance/claimscope/internal/domain"
)

func newTestRepo(t *testing.T) domain.Repository {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "claimscope-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() {
		os.Remove(tmpPath)
		os.Remove(tmpPath + "-wal")
		os.Remove(tmpPath + "-shm")
	})

	repo, err := New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: tmpPath,
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func sampleTables() *domain.Tables {
	return &domain.Tables{
		Customers: []domain.Customer{
			{ID: 569520, Age: "65+", Gender: "female", Race: "majority", Education: "high school", Income: "upper class", CreditScore: 0.629027313918201, Married: false, Children: 1, PostalCode: "10238"},
			{ID: 750365, Age: "16-25", Gender: "male", Race: "majority", Education: "none", Income: "poverty", CreditScore: 0.357757117151347, Married: false, Children: 0, PostalCode: "10238"},
			{ID: 199901, Age: "16-25", Gender: "female", Race: "majority", Education: "high school", Income: "working class", CreditScore: 0.493145663007021, Married: true, Children: 0, PostalCode: "10238"},
		},
		Vehicles: []domain.Vehicle{
			{ID: 569520, Ownership: true, VehicleYear: "after 2015", VehicleType: "sedan", AnnualMileage: 12000},
			{ID: 750365, Ownership: false, VehicleYear: "before 2015", VehicleType: "sedan", AnnualMileage: 16000},
		},
		DrivingHistory: []domain.DrivingHistory{
			{ID: 569520, DrivingExperience: "0-9y", SpeedingViolations: 0, DUIs: 0, PastAccidents: 0},
			{ID: 750365, DrivingExperience: "0-9y", SpeedingViolations: 0, DUIs: 0, PastAccidents: 0},
			{ID: 199901, DrivingExperience: "0-9y", SpeedingViolations: 0, DUIs: 0, PastAccidents: 0},
		},
		Claims: []domain.Claim{
			{ID: 569520, Outcome: false},
			{ID: 750365, Outcome: true},
			{ID: 199901, Outcome: false},
		},
	}
}

func TestSQLiteRepository(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	portfolioID := "portfolio-001"

	t.Run("Ping", func(t *testing.T) {
		if err := repo.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	var firstRevision string

	t.Run("SaveAndLoadSnapshot", func(t *testing.T) {
		rev, err := repo.SaveSnapshot(ctx, portfolioID, sampleTables())
		if err != nil {
			t.Fatalf("SaveSnapshot failed: %v", err)
		}
		if rev == "" {
			t.Fatal("expected a revision")
		}
		firstRevision = rev

		snap, err := repo.LoadSnapshot(ctx, portfolioID)
		if err != nil {
			t.Fatalf("LoadSnapshot failed: %v", err)
		}

		if snap.Revision != rev {
			t.Errorf("expected revision %s, got %s", rev, snap.Revision)
		}
		if snap.Len() != 3 {
			t.Fatalf("expected 3 customers, got %d", snap.Len())
		}

		// Customers come back ordered by ID
		if snap.Customers()[0].ID != 199901 {
			t.Errorf("expected first customer 199901, got %d", snap.Customers()[0].ID)
		}
		c := snap.Customers()[0]
		if !c.Married || c.CreditScore != 0.493145663007021 || c.Education != "high school" {
			t.Errorf("customer fields not preserved: %+v", c)
		}

		v, ok := snap.Vehicle(750365)
		if !ok || v.Ownership || v.AnnualMileage != 16000 {
			t.Errorf("unexpected vehicle: %+v", v)
		}
		if _, ok := snap.Vehicle(199901); ok {
			t.Error("customer 199901 should have no vehicle")
		}

		cl, ok := snap.Claim(750365)
		if !ok || !cl.Outcome {
			t.Errorf("unexpected claim: %+v", cl)
		}
	})

	t.Run("SaveReplacesContent", func(t *testing.T) {
		tables := sampleTables()
		tables.Customers = tables.Customers[:1]
		tables.Vehicles = tables.Vehicles[:1]
		tables.DrivingHistory = tables.DrivingHistory[:1]
		tables.Claims = tables.Claims[:1]

		rev, err := repo.SaveSnapshot(ctx, portfolioID, tables)
		if err != nil {
			t.Fatalf("SaveSnapshot failed: %v", err)
		}
		if rev == firstRevision {
			t.Error("expected a new revision")
		}

		snap, err := repo.LoadSnapshot(ctx, portfolioID)
		if err != nil {
			t.Fatalf("LoadSnapshot failed: %v", err)
		}
		if snap.Len() != 1 {
			t.Errorf("expected 1 customer after replace, got %d", snap.Len())
		}

		info, err := repo.GetPortfolio(ctx, portfolioID)
		if err != nil {
			t.Fatalf("GetPortfolio failed: %v", err)
		}
		if info.Revision != rev || info.Customers != 1 {
			t.Errorf("unexpected portfolio info: %+v", info)
		}
	})

	t.Run("PortfolioIsolation", func(t *testing.T) {
		if _, err := repo.SaveSnapshot(ctx, "portfolio-002", sampleTables()); err != nil {
			t.Fatalf("SaveSnapshot failed: %v", err)
		}

		snap, err := repo.LoadSnapshot(ctx, portfolioID)
		if err != nil {
			t.Fatalf("LoadSnapshot failed: %v", err)
		}
		if snap.Len() != 1 {
			t.Errorf("portfolio-001 changed by another portfolio's save: %d customers", snap.Len())
		}

		list, err := repo.ListPortfolios(ctx)
		if err != nil {
			t.Fatalf("ListPortfolios failed: %v", err)
		}
		if len(list) != 2 || list[0].ID != portfolioID {
			t.Errorf("unexpected portfolio list: %+v", list)
		}
	})

	t.Run("RejectsSchemaViolation", func(t *testing.T) {
		tables := sampleTables()
		tables.Customers[0].CreditScore = 1.5
		tables.Claims = append(tables.Claims, domain.Claim{ID: 42})

		_, err := repo.SaveSnapshot(ctx, "portfolio-bad", tables)
		if !errors.Is(err, domain.ErrSchemaViolation) {
			t.Fatalf("expected ErrSchemaViolation, got %v", err)
		}

		var sv *domain.SchemaViolation
		if !errors.As(err, &sv) || len(sv.Violations) != 2 {
			t.Errorf("expected 2 violations, got %v", err)
		}

		if _, err := repo.GetPortfolio(ctx, "portfolio-bad"); !errors.Is(err, ErrNotFound) {
			t.Errorf("rejected snapshot should not be stored, got %v", err)
		}
	})

	t.Run("RequiresPortfolioID", func(t *testing.T) {
		if _, err := repo.SaveSnapshot(ctx, "", sampleTables()); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
		if _, err := repo.LoadSnapshot(ctx, ""); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		if _, err := repo.LoadSnapshot(ctx, "nonexistent"); err != ErrNotFound {
			t.Errorf("expected ErrNotFound, got: %v", err)
		}
		if _, err := repo.GetPortfolio(ctx, "nonexistent"); err != ErrNotFound {
			t.Errorf("expected ErrNotFound, got: %v", err)
		}
	})
}

func TestFlagRules(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	rule := &domain.FlagRule{
		ID:         domain.FlagSpeeding,
		Name:       "Speeding Risk",
		Version:    "1.0.0",
		Expression: "driving.speeding_violations > 5",
		Requires:   []domain.Entity{domain.EntityDriving},
	}
	if err := repo.SaveFlagRule(ctx, rule); err != nil {
		t.Fatalf("SaveFlagRule failed: %v", err)
	}

	rule.Expression = "driving.speeding_violations > 3"
	rule.Version = "1.1.0"
	if err := repo.SaveFlagRule(ctx, rule); err != nil {
		t.Fatalf("SaveFlagRule update failed: %v", err)
	}

	rules, err := repo.ListFlagRules(ctx)
	if err != nil {
		t.Fatalf("ListFlagRules failed: %v", err)
	}
	if len(rules) != 1 {
		t.Fatalf("expected 1 rule, got %d", len(rules))
	}
	if rules[0].Expression != "driving.speeding_violations > 3" || rules[0].Version != "1.1.0" {
		t.Errorf("rule not updated: %+v", rules[0])
	}
	if len(rules[0].Requires) != 1 || rules[0].Requires[0] != domain.EntityDriving {
		t.Errorf("requires not preserved: %v", rules[0].Requires)
	}

	if err := repo.SaveFlagRule(ctx, &domain.FlagRule{ID: "unknown", Expression: "true", Requires: []domain.Entity{domain.EntityCustomer}}); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for unknown flag, got %v", err)
	}
}

func TestUnsupportedDriver(t *testing.T) {
	cfg := domain.RepositoryConfig{
		Driver: "mysql",
	}

	_, err := New(cfg)
	if err == nil {
		t.Error("expected error for unsupported driver")
	}
}

func TestRebind(t *testing.T) {
	repo := &SQLRepository{driver: "postgres"}

	tests := []struct {
		input    string
		expected string
	}{
		{"SELECT * FROM customers WHERE portfolio_id = ?", "SELECT * FROM customers WHERE portfolio_id = $1"},
		{"INSERT INTO claims (portfolio_id, id, outcome) VALUES (?, ?, ?)", "INSERT INTO claims (portfolio_id, id, outcome) VALUES ($1, $2, $3)"},
		{"SELECT * FROM portfolios", "SELECT * FROM portfolios"},
	}

	for _, tt := range tests {
		result := repo.rebind(tt.input)
		if result != tt.expected {
			t.Errorf("rebind(%q) = %q, want %q", tt.input, result, tt.expected)
		}
	}
}

func TestSnapshotTxOptions(t *testing.T) {
	pg := (&SQLRepository{driver: "postgres"}).snapshotTxOptions()
	if pg == nil || !pg.ReadOnly {
		t.Errorf("postgres snapshot read should be read-only, got %+v", pg)
	}
	if lite := (&SQLRepository{driver: "sqlite"}).snapshotTxOptions(); lite != nil {
		t.Errorf("sqlite snapshot read should use a default transaction, got %+v", lite)
	}
}
