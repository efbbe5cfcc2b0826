// Package period derives the voting-period state from what the ledger
// reports. Nothing here advances on its own: each call re-derives the state
// from (label, start, end, now).
package period

import (
	"strings"
	"time"

	"ledger-voting/models"
)

type State int

const (
	NotStarted State = iota
	Active
	Ended
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "NotStarted"
	case Active:
		return "Active"
	case Ended:
		return "Ended"
	default:
		return "Unknown"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Derive maps a ledger status tuple and the wall clock to a State.
// An explicit not-started label wins over the time window.
func Derive(status models.PeriodStatus, now time.Time) State {
	if isNotStartedLabel(status.Label) {
		return NotStarted
	}
	if unset(status.StartTime) && unset(status.EndTime) {
		return NotStarted
	}
	if now.Before(status.StartTime) {
		return NotStarted
	}
	if now.Before(status.EndTime) {
		return Active
	}
	return Ended
}

func CanVote(s State) bool { return s == Active }

func CanRegisterCandidates(s State) bool { return s == NotStarted }

// CanStart reports whether a new period may be opened. Ended periods can be
// restarted ad hoc; an active one cannot be replaced.
func CanStart(s State) bool { return s != Active }

// Snapshot is what status queries return.
type Snapshot struct {
	State     State     `json:"state"`
	Label     string    `json:"status"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
}

func NewSnapshot(status models.PeriodStatus, now time.Time) Snapshot {
	return Snapshot{
		State:     Derive(status, now),
		Label:     status.Label,
		StartTime: status.StartTime,
		EndTime:   status.EndTime,
	}
}

func isNotStartedLabel(label string) bool {
	normalized := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '_', '-':
			return -1
		}
		return r
	}, strings.ToLower(strings.TrimSpace(label)))
	return normalized == "notstarted"
}

func unset(t time.Time) bool {
	return t.IsZero() || t.Unix() == 0
}
