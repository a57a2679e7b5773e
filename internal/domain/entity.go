package domain

// Customer is a demographic record keyed by CustomerId.
type Customer struct {
	ID          int64   `json:"id" validate:"gte=0"`
	Age         string  `json:"age" validate:"required"`
	Gender      string  `json:"gender" validate:"required"`
	Race        string  `json:"race"`
	Education   string  `json:"education"`
	Income      string  `json:"income" validate:"required"`
	CreditScore float64 `json:"credit_score" validate:"gte=0,lte=1"`
	Married     bool    `json:"married"`
	Children    int     `json:"children" validate:"gte=0"`
	PostalCode  string  `json:"postal_code" validate:"required"`
}

// Vehicle is the insured vehicle of a customer.
type Vehicle struct {
	ID            int64  `json:"id" validate:"gte=0"`
	Ownership     bool   `json:"vehicle_ownership"`
	VehicleYear   string `json:"vehicle_year" validate:"required"`
	VehicleType   string `json:"vehicle_type" validate:"required"`
	AnnualMileage int    `json:"annual_mileage" validate:"gte=0"`
}

// DrivingHistory holds the violation and accident counts of a customer.
type DrivingHistory struct {
	ID                 int64  `json:"id" validate:"gte=0"`
	DrivingExperience  string `json:"driving_experience" validate:"required"`
	SpeedingViolations int    `json:"speeding_violations" validate:"gte=0"`
	DUIs               int    `json:"duis" validate:"gte=0"`
	PastAccidents      int    `json:"past_accidents" validate:"gte=0"`
}

// Claim records whether a customer filed a claim during the observed period.
type Claim struct {
	ID      int64 `json:"id" validate:"gte=0"`
	Outcome bool  `json:"outcome"`
}

// Entity names a source table.
type Entity string

const (
	EntityCustomer Entity = "customer"
	EntityVehicle  Entity = "vehicle"
	EntityDriving  Entity = "driving_history"
	EntityClaim    Entity = "claim"
)

// Categorical values used by the default rules and reports.
const (
	AgeYoung            = "16-25"
	ExperienceNovice    = "0-9y"
	VehicleYearPre2015  = "before 2015"
	VehicleYearPost2015 = "after 2015"
)
