package models

import "time"

// Candidate as reported by the ledger. There is no local copy.
type Candidate struct {
	Name  string `json:"name"`
	Votes uint64 `json:"votes"`
}

// PeriodStatus is the raw voting-period tuple returned by VotingStatus().
// The interval is [StartTime, EndTime).
type PeriodStatus struct {
	Label     string    `json:"status"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
}
