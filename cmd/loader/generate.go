package main

import (
	"math/rand/v2"

	"github.com/opensource-finance/claimscope/internal/domain"
)

var (
	ages        = []string{"16-25", "26-39", "40-64", "65+"}
	genders     = []string{"female", "male"}
	races       = []string{"majority", "minority"}
	educations  = []string{"none", "high school", "university"}
	incomes     = []string{"poverty", "working class", "middle class", "upper class"}
	experiences = []string{"0-9y", "10-19y", "20-29y", "30y+"}
	postcodes   = []string{"10238", "32765", "92101", "21217"}
)

// generate builds a synthetic portfolio of n customers. The same seed always
// yields the same tables. Roughly one customer in twenty has no vehicle, so
// unscored customers show up in every report.
func generate(n int, seed uint64) *domain.Tables {
	r := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	pick := func(values []string) string { return values[r.IntN(len(values))] }

	t := &domain.Tables{}
	for i := 0; i < n; i++ {
		id := int64(100000 + i*7 + r.IntN(7))

		age := pick(ages)
		experience := pick(experiences)
		if age == "16-25" {
			experience = "0-9y"
		}
		credit := float64(r.IntN(1000)) / 1000

		t.Customers = append(t.Customers, domain.Customer{
			ID:          id,
			Age:         age,
			Gender:      pick(genders),
			Race:        pick(races),
			Education:   pick(educations),
			Income:      pick(incomes),
			CreditScore: credit,
			Married:     r.IntN(2) == 1,
			Children:    r.IntN(3),
			PostalCode:  pick(postcodes),
		})

		speeding := r.IntN(4)
		if r.IntN(5) == 0 {
			speeding += 3 + r.IntN(8)
		}
		duis := 0
		if r.IntN(12) == 0 {
			duis = 1 + r.IntN(2)
		}
		t.DrivingHistory = append(t.DrivingHistory, domain.DrivingHistory{
			ID:                 id,
			DrivingExperience:  experience,
			SpeedingViolations: speeding,
			DUIs:               duis,
			PastAccidents:      r.IntN(3),
		})

		vehicleYear := domain.VehicleYearPost2015
		if r.IntN(2) == 0 {
			vehicleYear = domain.VehicleYearPre2015
		}
		mileage := 1000 * (5 + r.IntN(18))
		if r.IntN(20) != 0 {
			vehicleType := "sedan"
			if r.IntN(10) == 0 {
				vehicleType = "sports car"
			}
			t.Vehicles = append(t.Vehicles, domain.Vehicle{
				ID:            id,
				Ownership:     r.IntN(3) != 0,
				VehicleYear:   vehicleYear,
				VehicleType:   vehicleType,
				AnnualMileage: mileage,
			})
		}

		// Claim probability rises with the same factors the flags use.
		risk := 0.08
		if speeding > 5 {
			risk += 0.12
		}
		if duis > 0 {
			risk += 0.15
		}
		if credit < 0.5 {
			risk += 0.1
		}
		if vehicleYear == domain.VehicleYearPre2015 && mileage > 15000 {
			risk += 0.1
		}
		if age == "16-25" {
			risk += 0.2
		}
		t.Claims = append(t.Claims, domain.Claim{ID: id, Outcome: r.Float64() < risk})
	}
	return t
}
