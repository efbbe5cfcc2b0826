package service

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"ledger-voting/models"
)

// MockLedger is a testify mock of Ledger. Contexts are not matched.
type MockLedger struct {
	mock.Mock
}

func (m *MockLedger) TotalVotesFor(_ context.Context, candidate string) (uint64, error) {
	ret := m.Called(candidate)
	return ret.Get(0).(uint64), ret.Error(1)
}

func (m *MockLedger) CandidateExists(_ context.Context, candidate string) (bool, error) {
	ret := m.Called(candidate)
	return ret.Bool(0), ret.Error(1)
}

func (m *MockLedger) VotingStatus(_ context.Context) (models.PeriodStatus, error) {
	ret := m.Called()
	return ret.Get(0).(models.PeriodStatus), ret.Error(1)
}

func (m *MockLedger) AllCandidates(_ context.Context) ([]models.Candidate, error) {
	ret := m.Called()
	candidates, _ := ret.Get(0).([]models.Candidate)
	return candidates, ret.Error(1)
}

func (m *MockLedger) SubmitVote(_ context.Context, identity, candidate string) (string, error) {
	ret := m.Called(identity, candidate)
	return ret.String(0), ret.Error(1)
}

func (m *MockLedger) AddCandidate(_ context.Context, name string) (string, error) {
	ret := m.Called(name)
	return ret.String(0), ret.Error(1)
}

func (m *MockLedger) StartVoting(_ context.Context, start, end time.Time) (string, error) {
	ret := m.Called(start, end)
	return ret.String(0), ret.Error(1)
}

func (m *MockLedger) ResetVoting(_ context.Context) (string, error) {
	ret := m.Called()
	return ret.String(0), ret.Error(1)
}

func (m *MockLedger) WaitMined(_ context.Context, txID string) (models.TxConfirmation, error) {
	ret := m.Called(txID)
	return ret.Get(0).(models.TxConfirmation), ret.Error(1)
}
