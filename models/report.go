package models

import "time"

// CycleReport summarises one pass over the configured start URLs.
type CycleReport struct {
	Cycle         int
	StartedAt     time.Time
	Duration      time.Duration
	URLsScanned   int
	URLsFailed    int
	Listings      int
	Duplicates    int
	Deferred      int
	Queued        int
	Viable        int
	ByStatus      map[AttemptStatus]int
	BySite        map[string]int
	AgentListings int
}

// NewCycleReport returns an empty report for the given cycle number.
func NewCycleReport(cycle int) *CycleReport {
	return &CycleReport{
		Cycle:     cycle,
		StartedAt: time.Now(),
		ByStatus:  make(map[AttemptStatus]int),
		BySite:    make(map[string]int),
	}
}
