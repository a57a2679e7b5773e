package rules

import "github.com/opensource-finance/claimscope/internal/domain"

// DefaultFlagRules returns the standard definitions of the five risk flags.
func DefaultFlagRules() []*domain.FlagRule {
	return []*domain.FlagRule{
		{
			ID:          domain.FlagSpeeding,
			Name:        "Speeding Risk",
			Description: "More than five speeding violations",
			Version:     "1.0.0",
			Expression:  "driving.speeding_violations > 5",
			Requires:    []domain.Entity{domain.EntityDriving},
		},
		{
			ID:          domain.FlagDUI,
			Name:        "DUI Risk",
			Description: "At least one DUI",
			Version:     "1.0.0",
			Expression:  "driving.duis >= 1",
			Requires:    []domain.Entity{domain.EntityDriving},
		},
		{
			ID:          domain.FlagLowCredit,
			Name:        "Low Credit Risk",
			Description: "Credit score below 0.5",
			Version:     "1.0.0",
			Expression:  "customer.credit_score < 0.5",
			Requires:    []domain.Entity{domain.EntityCustomer},
		},
		{
			ID:          domain.FlagVehicle,
			Name:        "Vehicle Risk",
			Description: "Pre-2015 vehicle driven more than 15000 miles a year",
			Version:     "1.0.0",
			Expression:  `vehicle.vehicle_year == "before 2015" && vehicle.annual_mileage > 15000`,
			Requires:    []domain.Entity{domain.EntityVehicle},
		},
		{
			ID:          domain.FlagYoungDriver,
			Name:        "Young Driver Risk",
			Description: "Aged 16-25 with less than ten years of driving experience",
			Version:     "1.0.0",
			Expression:  `customer.age == "16-25" && driving.driving_experience == "0-9y"`,
			Requires:    []domain.Entity{domain.EntityCustomer, domain.EntityDriving},
		},
	}
}
