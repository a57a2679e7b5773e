// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/claimscope/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// withTx runs fn in a transaction, committing on success and rolling back on error.
func (r *SQLRepository) withTx(ctx context.Context, opts *sql.TxOptions, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (r *SQLRepository) snapshotTxOptions() *sql.TxOptions {
	if r.driver == "postgres" {
		return postgresSnapshotTx()
	}
	return sqliteSnapshotTx()
}

// SaveSnapshot validates and stores the four tables of a portfolio,
// replacing any previous content, and returns the new revision.
func (r *SQLRepository) SaveSnapshot(ctx context.Context, portfolioID string, t *domain.Tables) (string, error) {
	if portfolioID == "" {
		return "", fmt.Errorf("%w: portfolioID is required", ErrInvalidInput)
	}
	if t == nil {
		return "", fmt.Errorf("%w: tables are required", ErrInvalidInput)
	}
	if err := t.Validate(); err != nil {
		return "", err
	}

	revision := uuid.New().String()
	now := time.Now().UTC()

	err := r.withTx(ctx, nil, func(tx *sql.Tx) error {
		upsert := `
			INSERT INTO portfolios (id, revision, customers, loaded_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				revision = excluded.revision,
				customers = excluded.customers,
				loaded_at = excluded.loaded_at
		`
		if _, err := tx.ExecContext(ctx, r.rebind(upsert), portfolioID, revision, len(t.Customers), now); err != nil {
			return fmt.Errorf("failed to save portfolio: %w", err)
		}

		for _, table := range []string{"claims", "driving_history", "vehicles", "customers"} {
			if _, err := tx.ExecContext(ctx, r.rebind("DELETE FROM "+table+" WHERE portfolio_id = ?"), portfolioID); err != nil {
				return fmt.Errorf("failed to clear %s: %w", table, err)
			}
		}

		if err := r.insertRows(ctx, tx, `
			INSERT INTO customers (
				portfolio_id, id, age, gender, race, education,
				income, credit_score, married, children, postal_code
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, len(t.Customers), func(i int) []any {
			c := t.Customers[i]
			return []any{portfolioID, c.ID, c.Age, c.Gender, c.Race, c.Education,
				c.Income, c.CreditScore, boolInt(c.Married), c.Children, c.PostalCode}
		}); err != nil {
			return fmt.Errorf("failed to insert customers: %w", err)
		}

		if err := r.insertRows(ctx, tx, `
			INSERT INTO vehicles (
				portfolio_id, id, vehicle_ownership, vehicle_year, vehicle_type, annual_mileage
			) VALUES (?, ?, ?, ?, ?, ?)
		`, len(t.Vehicles), func(i int) []any {
			v := t.Vehicles[i]
			return []any{portfolioID, v.ID, boolInt(v.Ownership), v.VehicleYear, v.VehicleType, v.AnnualMileage}
		}); err != nil {
			return fmt.Errorf("failed to insert vehicles: %w", err)
		}

		if err := r.insertRows(ctx, tx, `
			INSERT INTO driving_history (
				portfolio_id, id, driving_experience, speeding_violations, duis, past_accidents
			) VALUES (?, ?, ?, ?, ?, ?)
		`, len(t.DrivingHistory), func(i int) []any {
			d := t.DrivingHistory[i]
			return []any{portfolioID, d.ID, d.DrivingExperience, d.SpeedingViolations, d.DUIs, d.PastAccidents}
		}); err != nil {
			return fmt.Errorf("failed to insert driving history: %w", err)
		}

		if err := r.insertRows(ctx, tx, `
			INSERT INTO claims (portfolio_id, id, outcome) VALUES (?, ?, ?)
		`, len(t.Claims), func(i int) []any {
			c := t.Claims[i]
			return []any{portfolioID, c.ID, boolInt(c.Outcome)}
		}); err != nil {
			return fmt.Errorf("failed to insert claims: %w", err)
		}

		return nil
	})
	if err != nil {
		return "", err
	}
	return revision, nil
}

// insertRows executes one prepared statement per row.
func (r *SQLRepository) insertRows(ctx context.Context, tx *sql.Tx, query string, n int, args func(i int) []any) error {
	if n == 0 {
		return nil
	}

	stmt, err := tx.PrepareContext(ctx, r.rebind(query))
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i := 0; i < n; i++ {
		if _, err := stmt.ExecContext(ctx, args(i)...); err != nil {
			return fmt.Errorf("row %d: %w", i, err)
		}
	}
	return nil
}

// LoadSnapshot reads the four tables of a portfolio inside one transaction.
func (r *SQLRepository) LoadSnapshot(ctx context.Context, portfolioID string) (*domain.Snapshot, error) {
	if portfolioID == "" {
		return nil, fmt.Errorf("%w: portfolioID is required", ErrInvalidInput)
	}

	var info *domain.PortfolioInfo
	tables := &domain.Tables{}

	err := r.withTx(ctx, r.snapshotTxOptions(), func(tx *sql.Tx) error {
		var err error
		if info, err = r.getPortfolio(ctx, tx, portfolioID); err != nil {
			return err
		}
		if tables.Customers, err = r.loadCustomers(ctx, tx, portfolioID); err != nil {
			return fmt.Errorf("failed to load customers: %w", err)
		}
		if tables.Vehicles, err = r.loadVehicles(ctx, tx, portfolioID); err != nil {
			return fmt.Errorf("failed to load vehicles: %w", err)
		}
		if tables.DrivingHistory, err = r.loadDriving(ctx, tx, portfolioID); err != nil {
			return fmt.Errorf("failed to load driving history: %w", err)
		}
		if tables.Claims, err = r.loadClaims(ctx, tx, portfolioID); err != nil {
			return fmt.Errorf("failed to load claims: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	snap, err := domain.NewSnapshot(portfolioID, info.Revision, tables)
	if err != nil {
		return nil, err
	}
	snap.LoadedAt = info.LoadedAt
	return snap, nil
}

func (r *SQLRepository) loadCustomers(ctx context.Context, tx *sql.Tx, portfolioID string) ([]domain.Customer, error) {
	query := `
		SELECT id, age, gender, race, education, income,
			   credit_score, married, children, postal_code
		FROM customers
		WHERE portfolio_id = ?
		ORDER BY id
	`

	rows, err := tx.QueryContext(ctx, r.rebind(query), portfolioID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Customer
	for rows.Next() {
		var c domain.Customer
		var married int64
		if err := rows.Scan(
			&c.ID, &c.Age, &c.Gender, &c.Race, &c.Education, &c.Income,
			&c.CreditScore, &married, &c.Children, &c.PostalCode,
		); err != nil {
			return nil, err
		}
		c.Married = married != 0
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *SQLRepository) loadVehicles(ctx context.Context, tx *sql.Tx, portfolioID string) ([]domain.Vehicle, error) {
	query := `
		SELECT id, vehicle_ownership, vehicle_year, vehicle_type, annual_mileage
		FROM vehicles
		WHERE portfolio_id = ?
		ORDER BY id
	`

	rows, err := tx.QueryContext(ctx, r.rebind(query), portfolioID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Vehicle
	for rows.Next() {
		var v domain.Vehicle
		var owned int64
		if err := rows.Scan(&v.ID, &owned, &v.VehicleYear, &v.VehicleType, &v.AnnualMileage); err != nil {
			return nil, err
		}
		v.Ownership = owned != 0
		out = append(out, v)
	}
	return out, rows.Err()
}

func (r *SQLRepository) loadDriving(ctx context.Context, tx *sql.Tx, portfolioID string) ([]domain.DrivingHistory, error) {
	query := `
		SELECT id, driving_experience, speeding_violations, duis, past_accidents
		FROM driving_history
		WHERE portfolio_id = ?
		ORDER BY id
	`

	rows, err := tx.QueryContext(ctx, r.rebind(query), portfolioID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.DrivingHistory
	for rows.Next() {
		var d domain.DrivingHistory
		if err := rows.Scan(&d.ID, &d.DrivingExperience, &d.SpeedingViolations, &d.DUIs, &d.PastAccidents); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (r *SQLRepository) loadClaims(ctx context.Context, tx *sql.Tx, portfolioID string) ([]domain.Claim, error) {
	query := `
		SELECT id, outcome
		FROM claims
		WHERE portfolio_id = ?
		ORDER BY id
	`

	rows, err := tx.QueryContext(ctx, r.rebind(query), portfolioID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Claim
	for rows.Next() {
		var c domain.Claim
		var outcome int64
		if err := rows.Scan(&c.ID, &outcome); err != nil {
			return nil, err
		}
		c.Outcome = outcome != 0
		out = append(out, c)
	}
	return out, rows.Err()
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r *SQLRepository) getPortfolio(ctx context.Context, q queryer, portfolioID string) (*domain.PortfolioInfo, error) {
	query := `
		SELECT id, revision, customers, loaded_at
		FROM portfolios
		WHERE id = ?
	`

	var info domain.PortfolioInfo
	err := q.QueryRowContext(ctx, r.rebind(query), portfolioID).Scan(
		&info.ID, &info.Revision, &info.Customers, &info.LoadedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &info, nil
}

// GetPortfolio returns the current revision of a portfolio.
func (r *SQLRepository) GetPortfolio(ctx context.Context, portfolioID string) (*domain.PortfolioInfo, error) {
	if portfolioID == "" {
		return nil, fmt.Errorf("%w: portfolioID is required", ErrInvalidInput)
	}
	return r.getPortfolio(ctx, r.db, portfolioID)
}

// ListPortfolios returns every stored portfolio ordered by ID.
func (r *SQLRepository) ListPortfolios(ctx context.Context) ([]*domain.PortfolioInfo, error) {
	query := `
		SELECT id, revision, customers, loaded_at
		FROM portfolios
		ORDER BY id
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.PortfolioInfo
	for rows.Next() {
		var info domain.PortfolioInfo
		if err := rows.Scan(&info.ID, &info.Revision, &info.Customers, &info.LoadedAt); err != nil {
			return nil, err
		}
		out = append(out, &info)
	}
	return out, rows.Err()
}

// SaveFlagRule stores a flag rule, replacing the previous definition of the same flag.
func (r *SQLRepository) SaveFlagRule(ctx context.Context, rule *domain.FlagRule) error {
	if rule == nil {
		return fmt.Errorf("%w: rule is required", ErrInvalidInput)
	}
	if err := rule.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	requires, err := json.Marshal(rule.Requires)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO flag_rules (id, name, description, version, expression, requires, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			version = excluded.version,
			expression = excluded.expression,
			requires = excluded.requires,
			updated_at = excluded.updated_at
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		string(rule.ID), rule.Name, rule.Description, rule.Version,
		rule.Expression, string(requires), time.Now().UTC(),
	)
	return err
}

// ListFlagRules returns the stored flag rules ordered by flag ID.
func (r *SQLRepository) ListFlagRules(ctx context.Context) ([]*domain.FlagRule, error) {
	query := `
		SELECT id, name, description, version, expression, requires
		FROM flag_rules
		ORDER BY id
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*domain.FlagRule
	for rows.Next() {
		var rule domain.FlagRule
		var id, requires string
		var description sql.NullString

		if err := rows.Scan(&id, &rule.Name, &description, &rule.Version, &rule.Expression, &requires); err != nil {
			return nil, err
		}
		rule.ID = domain.FlagName(id)
		rule.Description = description.String
		if err := json.Unmarshal([]byte(requires), &rule.Requires); err != nil {
			return nil, fmt.Errorf("flag rule %s: invalid requires: %w", id, err)
		}
		rules = append(rules, &rule)
	}
	return rules, rows.Err()
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
