// Package casedir looks up service cases by case number.
//
// Every lookup returns (nil, nil) when the directory has no data; callers
// treat that as "no data", never as a failure.
package casedir

import (
	"context"
	"strings"
	"time"
)

type Case struct {
	Number      string `json:"number"`
	Status      string `json:"status"`
	ServiceType string `json:"service_type"`
	Customer    string `json:"customer"`
	Vehicle     string `json:"vehicle"`
}

// Concluded reports whether the case is closed, in which case location
// and arrival time are no longer meaningful.
func (c *Case) Concluded() bool {
	s := strings.ToLower(strings.TrimSpace(c.Status))
	return s == "concluded" || s == "concluido" || s == "closed"
}

type Cost struct {
	Total    float64 `json:"total"`
	Currency string  `json:"currency"`
	Concept  string  `json:"concept"`
}

type Unit struct {
	UnitID   string `json:"unit_id"`
	Operator string `json:"operator"`
	Vehicle  string `json:"vehicle"`
	Plate    string `json:"plate"`
}

type Location struct {
	Address    string  `json:"address"`
	DistanceKm float64 `json:"distance_km"`
	ETAMinutes int     `json:"eta_minutes"`
}

type Timings struct {
	RequestedAt time.Time `json:"requested_at"`
	AssignedAt  time.Time `json:"assigned_at"`
	ContactedAt time.Time `json:"contacted_at"`
	FinishedAt  time.Time `json:"finished_at"`
}

// Directory is the case lookup backend.
type Directory interface {
	LookupCase(ctx context.Context, number string) (*Case, error)
	LookupCost(ctx context.Context, number string) (*Cost, error)
	LookupUnit(ctx context.Context, number string) (*Unit, error)
	LookupLocation(ctx context.Context, number string) (*Location, error)
	LookupTimings(ctx context.Context, number string) (*Timings, error)
}
