// Package project models the records the remote project-management backend
// stores for each streaming engagement.
package project

import (
	"encoding/json"
	"time"
)

// Record is a streaming engagement tying a backend project to its on-chain
// stream. The backend owns persistence; the engine caches what it needs to
// key pollers and display state.
type Record struct {
	ID              string
	Name            string
	FreelancerAlias string
	FreelancerAddr  string
	ContractorAddr  string
	TreasuryAddress string
	StreamID        int64
	RatePerSecond   string // fixed-point decimal string
	Status          string // active, paused, completed
	TotalBudget     float64
	EvaluationMode  string
	RepoURL         string
	MeetLink        string
	Specification   json.RawMessage // opaque milestone document
	StartDate       time.Time
	EndDate         time.Time
	TenureDays      int
	CreatedAt       time.Time
}

// Tenure computes whole engagement days between start and end dates.
func Tenure(start, end time.Time) int {
	if start.IsZero() || end.IsZero() || end.Before(start) {
		return 0
	}
	return int(end.Sub(start).Round(24*time.Hour) / (24 * time.Hour))
}
