package domain

import "fmt"

// FlagRule defines how one risk flag is derived.
type FlagRule struct {
	ID          FlagName `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Version     string   `json:"version"`

	// CEL expression returning bool. It may only reference the
	// variables of the entities listed in Requires.
	Expression string `json:"expression"`

	// Requires lists the records the flag is computed from.
	// A customer missing any of them gets a null flag.
	Requires []Entity `json:"requires"`
}

// Validate checks the static shape of a rule. Expression checks happen at compile time.
func (r *FlagRule) Validate() error {
	if !IsFlag(r.ID) {
		return fmt.Errorf("unknown flag %q", r.ID)
	}
	if r.Expression == "" {
		return fmt.Errorf("flag %s: expression is required", r.ID)
	}
	if len(r.Requires) == 0 {
		return fmt.Errorf("flag %s: requires at least one entity", r.ID)
	}
	for _, e := range r.Requires {
		switch e {
		case EntityCustomer, EntityVehicle, EntityDriving:
		default:
			return fmt.Errorf("flag %s: entity %q cannot be referenced by a rule", r.ID, e)
		}
	}
	return nil
}

// RuleVariable returns the CEL variable name bound to an entity.
func RuleVariable(e Entity) string {
	switch e {
	case EntityCustomer:
		return "customer"
	case EntityVehicle:
		return "vehicle"
	case EntityDriving:
		return "driving"
	}
	return string(e)
}
