package domain

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidInput is returned when a trip violates the call contract.
var ErrInvalidInput = errors.New("invalid input")

// Trip is the raw input triple scored by the engine.
// It is a value type and is never mutated after construction.
type Trip struct {
	Days     int     `json:"days"`
	Miles    float64 `json:"miles"`
	Receipts float64 `json:"receipts"`
}

// NewTrip validates the raw inputs and returns a Trip.
// The legacy rule layer assumes at least one day of travel.
func NewTrip(days int, miles, receipts float64) (Trip, error) {
	t := Trip{Days: days, Miles: miles, Receipts: receipts}
	if err := t.Validate(); err != nil {
		return Trip{}, err
	}
	return t, nil
}

// Validate checks the call contract: days > 0, miles >= 0, receipts >= 0, all finite.
func (t Trip) Validate() error {
	if t.Days <= 0 {
		return fmt.Errorf("%w: days must be positive, got %d", ErrInvalidInput, t.Days)
	}
	if math.IsNaN(t.Miles) || math.IsInf(t.Miles, 0) || t.Miles < 0 {
		return fmt.Errorf("%w: miles must be a finite non-negative number, got %v", ErrInvalidInput, t.Miles)
	}
	if math.IsNaN(t.Receipts) || math.IsInf(t.Receipts, 0) || t.Receipts < 0 {
		return fmt.Errorf("%w: receipts must be a finite non-negative number, got %v", ErrInvalidInput, t.Receipts)
	}
	return nil
}
