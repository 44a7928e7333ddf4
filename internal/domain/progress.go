package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// DefaultJobID keys the singleton progress row.
const DefaultJobID = "historical_collection"

type ProgressRecord struct {
	JobID           string    `json:"job_id"`
	TotalItems      int       `json:"total_items"`
	CompletedItems  int       `json:"completed_items"`
	RemainingItems  int       `json:"remaining_items"`
	PoisonedItems   int       `json:"poisoned_items"`
	DailyCallsLimit int       `json:"daily_calls_limit"`
	DailyCallsUsed  int       `json:"daily_calls_used"`
	LastRun         string    `json:"last_run,omitempty"`
	Status          JobStatus `json:"status"`
	StartedAt       time.Time `json:"started_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// RemainingQuota is the number of external calls still allowed today.
func (p ProgressRecord) RemainingQuota() int {
	if p.DailyCallsUsed >= p.DailyCallsLimit {
		return 0
	}
	return p.DailyCallsLimit - p.DailyCallsUsed
}

// Conserved reports whether completed + remaining == total holds.
func (p ProgressRecord) Conserved() bool {
	return p.CompletedItems+p.RemainingItems == p.TotalItems && p.RemainingItems >= 0
}

type Coordinates struct {
	Latitude  decimal.Decimal `json:"lat"`
	Longitude decimal.Decimal `json:"lon"`
}

type GeocodeEntry struct {
	Location
	Coordinates
	Name      string    `json:"name"`
	Country   string    `json:"country"`
	CreatedAt time.Time `json:"created_at"`
}
