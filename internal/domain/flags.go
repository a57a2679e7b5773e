package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// FlagName identifies one of the five risk flags.
type FlagName string

const (
	FlagSpeeding    FlagName = "speeding_risk"
	FlagDUI         FlagName = "dui_risk"
	FlagLowCredit   FlagName = "low_credit_risk"
	FlagVehicle     FlagName = "vehicle_risk"
	FlagYoungDriver FlagName = "young_driver_risk"
)

// AllFlags lists the flags in their canonical order.
var AllFlags = []FlagName{
	FlagSpeeding,
	FlagDUI,
	FlagLowCredit,
	FlagVehicle,
	FlagYoungDriver,
}

// IsFlag reports whether name is one of the five risk flags.
func IsFlag(name FlagName) bool {
	for _, f := range AllFlags {
		if f == name {
			return true
		}
	}
	return false
}

// Flag is a nullable 0/1 indicator. The zero value is null.
// It serializes as 1, 0 or null.
type Flag struct {
	Set   bool
	Valid bool
}

// FlagOf returns a non-null flag.
func FlagOf(set bool) Flag {
	return Flag{Set: set, Valid: true}
}

// NullFlag is the flag produced when a required joined record is missing.
var NullFlag = Flag{}

// Int returns 1 for a set flag and 0 otherwise.
func (f Flag) Int() int {
	if f.Valid && f.Set {
		return 1
	}
	return 0
}

func (f Flag) String() string {
	if !f.Valid {
		return "null"
	}
	return strconv.Itoa(f.Int())
}

// MarshalJSON implements json.Marshaler.
func (f Flag) MarshalJSON() ([]byte, error) {
	return []byte(f.String()), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (f *Flag) UnmarshalJSON(data []byte) error {
	switch string(bytes.TrimSpace(data)) {
	case "null":
		*f = NullFlag
	case "1", "true":
		*f = FlagOf(true)
	case "0", "false":
		*f = FlagOf(false)
	default:
		return fmt.Errorf("invalid flag value %s", data)
	}
	return nil
}

// RiskFlags holds the five derived indicators of one customer.
type RiskFlags struct {
	Speeding    Flag `json:"speeding_risk"`
	DUI         Flag `json:"dui_risk"`
	LowCredit   Flag `json:"low_credit_risk"`
	Vehicle     Flag `json:"vehicle_risk"`
	YoungDriver Flag `json:"young_driver_risk"`
}

// Get returns the flag with the given name.
func (r RiskFlags) Get(name FlagName) Flag {
	switch name {
	case FlagSpeeding:
		return r.Speeding
	case FlagDUI:
		return r.DUI
	case FlagLowCredit:
		return r.LowCredit
	case FlagVehicle:
		return r.Vehicle
	case FlagYoungDriver:
		return r.YoungDriver
	}
	return NullFlag
}

// With returns a copy of r with the named flag replaced.
func (r RiskFlags) With(name FlagName, f Flag) RiskFlags {
	switch name {
	case FlagSpeeding:
		r.Speeding = f
	case FlagDUI:
		r.DUI = f
	case FlagLowCredit:
		r.LowCredit = f
	case FlagVehicle:
		r.Vehicle = f
	case FlagYoungDriver:
		r.YoungDriver = f
	}
	return r
}

// Complete reports whether none of the flags is null.
func (r RiskFlags) Complete() bool {
	for _, name := range AllFlags {
		if !r.Get(name).Valid {
			return false
		}
	}
	return true
}

// Score is a nullable risk score in [0,5]. The zero value is null.
type Score struct {
	Value int
	Valid bool
}

// ScoreOf returns a non-null score.
func ScoreOf(v int) Score {
	return Score{Value: v, Valid: true}
}

// MarshalJSON implements json.Marshaler.
func (s Score) MarshalJSON() ([]byte, error) {
	if !s.Valid {
		return []byte("null"), nil
	}
	return []byte(strconv.Itoa(s.Value)), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *Score) UnmarshalJSON(data []byte) error {
	if string(bytes.TrimSpace(data)) == "null" {
		*s = Score{}
		return nil
	}
	var v int
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*s = ScoreOf(v)
	return nil
}
