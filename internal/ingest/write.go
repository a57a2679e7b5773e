package ingest

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/opensource-finance/claimscope/internal/domain"
)

// Column layouts written by Write. Read accepts them unchanged.
var (
	customerColumns = []string{"id", "age", "gender", "race", "education", "income", "credit_score", "married", "children", "postal_code"}
	vehicleColumns  = []string{"id", "vehicle_ownership", "vehicle_year", "vehicle_type", "annual_mileage"}
	drivingColumns  = []string{"id", "driving_experience", "speeding_violations", "duis", "past_accidents"}
	claimColumns    = []string{"id", "outcome"}
)

// Write renders the four tables as CSV, one writer per table.
func Write(t *domain.Tables, customers, vehicles, driving, claims io.Writer) error {
	err := writeTable(customers, customerColumns, len(t.Customers), func(i int) []string {
		c := t.Customers[i]
		return []string{
			strconv.FormatInt(c.ID, 10), c.Age, c.Gender, c.Race, c.Education, c.Income,
			strconv.FormatFloat(c.CreditScore, 'f', -1, 64), boolField(c.Married),
			strconv.Itoa(c.Children), c.PostalCode,
		}
	})
	if err != nil {
		return fmt.Errorf("customers: %w", err)
	}

	err = writeTable(vehicles, vehicleColumns, len(t.Vehicles), func(i int) []string {
		v := t.Vehicles[i]
		return []string{
			strconv.FormatInt(v.ID, 10), boolField(v.Ownership), v.VehicleYear, v.VehicleType,
			strconv.Itoa(v.AnnualMileage),
		}
	})
	if err != nil {
		return fmt.Errorf("vehicles: %w", err)
	}

	err = writeTable(driving, drivingColumns, len(t.DrivingHistory), func(i int) []string {
		d := t.DrivingHistory[i]
		return []string{
			strconv.FormatInt(d.ID, 10), d.DrivingExperience, strconv.Itoa(d.SpeedingViolations),
			strconv.Itoa(d.DUIs), strconv.Itoa(d.PastAccidents),
		}
	})
	if err != nil {
		return fmt.Errorf("driving_history: %w", err)
	}

	err = writeTable(claims, claimColumns, len(t.Claims), func(i int) []string {
		c := t.Claims[i]
		return []string{strconv.FormatInt(c.ID, 10), boolField(c.Outcome)}
	})
	if err != nil {
		return fmt.Errorf("claims: %w", err)
	}
	return nil
}

// WriteDir writes the four tables into dir using the file names ReadDir expects.
func WriteDir(dir string, t *domain.Tables) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	names := []string{CustomersFile, VehiclesFile, DrivingHistoryFile, ClaimsFile}
	files := make([]*os.File, 0, len(names))
	defer func() {
		for _, f := range files {
			f.Close()
		}
	}()
	for _, name := range names {
		f, err := os.Create(filepath.Join(dir, name))
		if err != nil {
			return err
		}
		files = append(files, f)
	}

	if err := Write(t, files[0], files[1], files[2], files[3]); err != nil {
		return err
	}
	for _, f := range files {
		if err := f.Sync(); err != nil {
			return err
		}
	}
	return nil
}

func writeTable(w io.Writer, header []string, n int, row func(i int) []string) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		if err := cw.Write(row(i)); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
