// Package ingest reads portfolio snapshots from CSV files.
package ingest

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/opensource-finance/claimscope/internal/domain"
)

// File names read by ReadDir.
const (
	CustomersFile      = "customers.csv"
	VehiclesFile       = "vehicles.csv"
	DrivingHistoryFile = "driving_history.csv"
	ClaimsFile         = "claims.csv"
)

// Files holds one CSV reader per table. Vehicles, DrivingHistory and Claims
// may be nil; the table is then empty.
type Files struct {
	Customers      io.Reader
	Vehicles       io.Reader
	DrivingHistory io.Reader
	Claims         io.Reader
}

// Loader stores a validated snapshot.
type Loader interface {
	Load(ctx context.Context, portfolioID string, t *domain.Tables) (*domain.PortfolioInfo, error)
}

// Read parses the four tables. Malformed values and broken constraints are
// collected into a single *domain.SchemaViolation.
func Read(files Files) (*domain.Tables, error) {
	if files.Customers == nil {
		return nil, errors.New("customers table is required")
	}

	var violations []domain.Violation
	t := &domain.Tables{}

	err := readTable("customers", files.Customers, &violations, func(r *record) {
		t.Customers = append(t.Customers, domain.Customer{
			ID:          r.id(),
			Age:         r.str("age"),
			Gender:      r.str("gender"),
			Race:        r.str("race"),
			Education:   r.str("education"),
			Income:      r.str("income"),
			CreditScore: r.float("credit_score"),
			Married:     r.bool("married"),
			Children:    r.int("children"),
			PostalCode:  r.str("postal_code"),
		})
	})
	if err != nil {
		return nil, err
	}

	err = readTable("vehicles", files.Vehicles, &violations, func(r *record) {
		t.Vehicles = append(t.Vehicles, domain.Vehicle{
			ID:            r.id(),
			Ownership:     r.bool("vehicle_ownership"),
			VehicleYear:   r.str("vehicle_year"),
			VehicleType:   r.str("vehicle_type"),
			AnnualMileage: r.int("annual_mileage"),
		})
	})
	if err != nil {
		return nil, err
	}

	err = readTable("driving_history", files.DrivingHistory, &violations, func(r *record) {
		t.DrivingHistory = append(t.DrivingHistory, domain.DrivingHistory{
			ID:                 r.id(),
			DrivingExperience:  r.str("driving_experience"),
			SpeedingViolations: r.int("speeding_violations"),
			DUIs:               r.int("duis"),
			PastAccidents:      r.int("past_accidents"),
		})
	})
	if err != nil {
		return nil, err
	}

	err = readTable("claims", files.Claims, &violations, func(r *record) {
		t.Claims = append(t.Claims, domain.Claim{
			ID:      r.id(),
			Outcome: r.bool("outcome"),
		})
	})
	if err != nil {
		return nil, err
	}

	if err := t.Validate(); err != nil {
		var sv *domain.SchemaViolation
		if !errors.As(err, &sv) {
			return nil, err
		}
		violations = append(violations, sv.Violations...)
	}
	if len(violations) > 0 {
		return nil, &domain.SchemaViolation{Violations: violations}
	}
	return t, nil
}

// ReadDir reads customers.csv, vehicles.csv, driving_history.csv and
// claims.csv from dir. Only customers.csv must exist.
func ReadDir(dir string) (*domain.Tables, error) {
	var files Files
	var closers []io.Closer
	defer func() {
		for _, c := range closers {
			c.Close()
		}
	}()

	open := func(name string, required bool) (io.Reader, error) {
		f, err := os.Open(filepath.Join(dir, name))
		if errors.Is(err, os.ErrNotExist) && !required {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		closers = append(closers, f)
		return f, nil
	}

	var err error
	if files.Customers, err = open(CustomersFile, true); err != nil {
		return nil, err
	}
	if files.Vehicles, err = open(VehiclesFile, false); err != nil {
		return nil, err
	}
	if files.DrivingHistory, err = open(DrivingHistoryFile, false); err != nil {
		return nil, err
	}
	if files.Claims, err = open(ClaimsFile, false); err != nil {
		return nil, err
	}
	return Read(files)
}

// LoadDir reads a snapshot from dir and stores it with l.
func LoadDir(ctx context.Context, l Loader, portfolioID, dir string) (*domain.PortfolioInfo, error) {
	t, err := ReadDir(dir)
	if err != nil {
		return nil, err
	}
	return l.Load(ctx, portfolioID, t)
}

// idColumns are the accepted names of the customer key column.
var idColumns = []string{"id", "customer_id", "customerid"}

func readTable(table string, src io.Reader, violations *[]domain.Violation, emit func(*record)) error {
	if src == nil {
		return nil
	}

	cr := csv.NewReader(src)
	cr.TrimLeadingSpace = true
	cr.ReuseRecord = true

	header, err := cr.Read()
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%s: failed to read header: %w", table, err)
	}

	cols := make(map[string]int, len(header))
	for i, h := range header {
		h = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		cols[h] = i
	}
	idCol := -1
	for _, name := range idColumns {
		if i, ok := cols[name]; ok {
			idCol = i
			break
		}
	}
	if idCol < 0 {
		return fmt.Errorf("%s: missing id column", table)
	}

	for row := 0; ; row++ {
		fields, err := cr.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%s: %w", table, err)
		}
		emit(&record{table: table, row: row, cols: cols, idCol: idCol, fields: fields, violations: violations})
	}
}

// record decodes one CSV row. A malformed value is recorded as a violation
// and decoded as the zero value.
type record struct {
	table      string
	row        int
	cols       map[string]int
	idCol      int
	fields     []string
	violations *[]domain.Violation
	parsedID   int64
}

func (r *record) fail(field, reason string) {
	*r.violations = append(*r.violations, domain.Violation{
		Table:  r.table,
		Row:    r.row,
		ID:     r.parsedID,
		Field:  field,
		Reason: reason,
	})
}

func (r *record) id() int64 {
	v := strings.TrimSpace(r.fields[r.idCol])
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		r.fail("id", "invalid integer "+strconv.Quote(v))
		return 0
	}
	r.parsedID = id
	return id
}

func (r *record) str(col string) string {
	i, ok := r.cols[col]
	if !ok || i >= len(r.fields) {
		return ""
	}
	return strings.TrimSpace(r.fields[i])
}

func (r *record) int(col string) int {
	v := r.str(col)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		// Exports often write counts as floats ("2.0").
		f, ferr := strconv.ParseFloat(v, 64)
		if ferr != nil || f != float64(int(f)) {
			r.fail(col, "invalid integer "+strconv.Quote(v))
			return 0
		}
		n = int(f)
	}
	return n
}

func (r *record) float(col string) float64 {
	v := r.str(col)
	if v == "" {
		return 0
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		r.fail(col, "invalid number "+strconv.Quote(v))
		return 0
	}
	return f
}

func (r *record) bool(col string) bool {
	switch v := strings.ToLower(r.str(col)); v {
	case "1", "1.0", "true", "t", "yes", "y":
		return true
	case "", "0", "0.0", "false", "f", "no", "n":
		return false
	default:
		r.fail(col, "invalid boolean "+strconv.Quote(v))
		return false
	}
}
