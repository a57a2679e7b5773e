package domain

import (
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Tables is the raw content of one portfolio snapshot as produced by a loader.
type Tables struct {
	Customers      []Customer       `json:"customers"`
	Vehicles       []Vehicle        `json:"vehicles"`
	DrivingHistory []DrivingHistory `json:"driving_history"`
	Claims         []Claim          `json:"claims"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks every record against its field constraints and the
// referential rules between tables: customer IDs are unique, and every
// vehicle, driving-history and claim row belongs to exactly one customer.
// A customer without a vehicle or driving history is valid; its flags are null.
func (t *Tables) Validate() error {
	var violations []Violation

	customers := make(map[int64]bool, len(t.Customers))
	for i, c := range t.Customers {
		violations = append(violations, fieldViolations("customers", i, c.ID, c)...)
		if customers[c.ID] {
			violations = append(violations, Violation{Table: "customers", Row: i, ID: c.ID, Reason: "duplicate customer id"})
		}
		customers[c.ID] = true
	}

	check := func(table string, row int, id int64, seen map[int64]bool, record any) {
		violations = append(violations, fieldViolations(table, row, id, record)...)
		if !customers[id] {
			violations = append(violations, Violation{Table: table, Row: row, ID: id, Reason: "no matching customer"})
		}
		if seen[id] {
			violations = append(violations, Violation{Table: table, Row: row, ID: id, Reason: "duplicate id"})
		}
		seen[id] = true
	}

	seen := make(map[int64]bool, len(t.Vehicles))
	for i, v := range t.Vehicles {
		check("vehicles", i, v.ID, seen, v)
	}
	seen = make(map[int64]bool, len(t.DrivingHistory))
	for i, d := range t.DrivingHistory {
		check("driving_history", i, d.ID, seen, d)
	}
	seen = make(map[int64]bool, len(t.Claims))
	for i, c := range t.Claims {
		check("claims", i, c.ID, seen, c)
	}

	if len(violations) > 0 {
		return &SchemaViolation{Violations: violations}
	}
	return nil
}

func fieldViolations(table string, row int, id int64, record any) []Violation {
	err := validate.Struct(record)
	if err == nil {
		return nil
	}

	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return []Violation{{Table: table, Row: row, ID: id, Reason: err.Error()}}
	}

	out := make([]Violation, 0, len(verrs))
	for _, fe := range verrs {
		reason := fe.Tag()
		if fe.Param() != "" {
			reason += "=" + fe.Param()
		}
		out = append(out, Violation{Table: table, Row: row, ID: id, Field: fe.Field(), Reason: reason})
	}
	return out
}

// Snapshot is an immutable, indexed view of one portfolio revision.
type Snapshot struct {
	PortfolioID string
	Revision    string
	LoadedAt    time.Time

	customers []Customer
	vehicles  map[int64]Vehicle
	driving   map[int64]DrivingHistory
	claims    map[int64]Claim
}

// NewSnapshot validates t and indexes it by CustomerId.
func NewSnapshot(portfolioID, revision string, t *Tables) (*Snapshot, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}

	s := &Snapshot{
		PortfolioID: portfolioID,
		Revision:    revision,
		LoadedAt:    time.Now().UTC(),
		customers:   append([]Customer(nil), t.Customers...),
		vehicles:    make(map[int64]Vehicle, len(t.Vehicles)),
		driving:     make(map[int64]DrivingHistory, len(t.DrivingHistory)),
		claims:      make(map[int64]Claim, len(t.Claims)),
	}
	sort.Slice(s.customers, func(i, j int) bool { return s.customers[i].ID < s.customers[j].ID })

	for _, v := range t.Vehicles {
		s.vehicles[v.ID] = v
	}
	for _, d := range t.DrivingHistory {
		s.driving[d.ID] = d
	}
	for _, c := range t.Claims {
		s.claims[c.ID] = c
	}
	return s, nil
}

// Customers returns the customers ordered by ID. The slice must not be modified.
func (s *Snapshot) Customers() []Customer {
	return s.customers
}

// Vehicle returns the vehicle of a customer, if present.
func (s *Snapshot) Vehicle(id int64) (*Vehicle, bool) {
	v, ok := s.vehicles[id]
	if !ok {
		return nil, false
	}
	return &v, true
}

// Driving returns the driving history of a customer, if present.
func (s *Snapshot) Driving(id int64) (*DrivingHistory, bool) {
	d, ok := s.driving[id]
	if !ok {
		return nil, false
	}
	return &d, true
}

// Claim returns the claim record of a customer, if present.
func (s *Snapshot) Claim(id int64) (*Claim, bool) {
	c, ok := s.claims[id]
	if !ok {
		return nil, false
	}
	return &c, true
}

// Len returns the number of customers.
func (s *Snapshot) Len() int {
	return len(s.customers)
}

// Tables returns a copy of the snapshot content.
func (s *Snapshot) Tables() *Tables {
	t := &Tables{Customers: append([]Customer(nil), s.customers...)}
	for _, c := range s.customers {
		if v, ok := s.vehicles[c.ID]; ok {
			t.Vehicles = append(t.Vehicles, v)
		}
		if d, ok := s.driving[c.ID]; ok {
			t.DrivingHistory = append(t.DrivingHistory, d)
		}
		if cl, ok := s.claims[c.ID]; ok {
			t.Claims = append(t.Claims, cl)
		}
	}
	return t
}

// PortfolioInfo describes the stored revision of a portfolio.
type PortfolioInfo struct {
	ID        string    `json:"id"`
	Revision  string    `json:"revision"`
	Customers int       `json:"customers"`
	LoadedAt  time.Time `json:"loadedAt"`
}
