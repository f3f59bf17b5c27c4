package state

import (
	"time"

	"github.com/doridoridoriand/echoprobe/internal/config"
	"github.com/doridoridoriand/echoprobe/internal/probe"
)

// Status represents target health.
type Status string

const (
	StatusUnknown Status = "UNKNOWN"
	StatusOK      Status = "OK"
	StatusWarn    Status = "WARN"
	StatusDown    Status = "DOWN"
)

// RTTPoint records a single RTT measurement.
type RTTPoint struct {
	Time time.Time
	RTT  time.Duration
}

// TargetStatus captures the current state and history for a target.
// A reply counts as a success even when it mismatches; timeouts, transport
// errors, decode errors and connect failures count as failures.
type TargetStatus struct {
	Name          string
	Address       string
	Transport     probe.Transport
	Group         string
	Timeout       time.Duration
	LastRTT       time.Duration
	LastOutcome   string
	LastError     string
	LastSuccessAt time.Time
	LastFailureAt time.Time
	ConsecutiveOK int
	ConsecutiveNG int
	TotalSuccess  uint64
	TotalFailure  uint64
	Mismatches    uint64
	Outcomes      map[string]uint64
	Status        Status
	History       []RTTPoint
}

// Trials is the number of results recorded for the target.
func (t TargetStatus) Trials() uint64 {
	return t.TotalSuccess + t.TotalFailure
}

// LossPercent is the share of trials that got no usable reply.
func (t TargetStatus) LossPercent() float64 {
	total := t.Trials()
	if total == 0 {
		return 0
	}
	return float64(t.TotalFailure) * 100 / float64(total)
}

// AverageRTT averages the retained history, or returns LastRTT without one.
func (t TargetStatus) AverageRTT() time.Duration {
	if len(t.History) == 0 {
		return t.LastRTT
	}
	var sum time.Duration
	for _, point := range t.History {
		sum += point.RTT
	}
	return sum / time.Duration(len(t.History))
}

// Store defines operations for tracking target state.
type Store interface {
	UpdateResult(name string, result probe.Result)
	UpdateConnectError(name string, err error)
	GetSnapshot() []TargetStatus
	UpdateTargets(targets []config.TargetConfig)
	GetTargetStatus(name string) (TargetStatus, bool)
}
