package state

import (
	"sync"
	"time"

	"github.com/doridoridoriand/echoprobe/internal/config"
	"github.com/doridoridoriand/echoprobe/internal/probe"
)

const (
	defaultHistorySize      = 100
	defaultDownThreshold    = 3
	thresholdDataPointCount = 10

	outcomeConnectError = "connect_error"
)

// StoreImpl is a thread-safe in-memory state store.
type StoreImpl struct {
	mu             sync.RWMutex
	targets        map[string]*TargetStatus
	order          []string
	historySize    int
	downThreshold  int
	defaultTimeout time.Duration
	now            func() time.Time
}

// NewStore creates a store initialized with the provided targets. timeout is
// used for targets that do not carry their own.
func NewStore(targets []config.TargetConfig, timeout time.Duration) *StoreImpl {
	if timeout <= 0 {
		timeout = probe.DefaultTimeout
	}
	store := &StoreImpl{
		targets:        make(map[string]*TargetStatus),
		historySize:    defaultHistorySize,
		downThreshold:  defaultDownThreshold,
		defaultTimeout: timeout,
		now:            time.Now,
	}
	store.UpdateTargets(targets)
	return store
}

// UpdateResult folds one trial result into the target status.
func (s *StoreImpl) UpdateResult(name string, result probe.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()

	target := s.lookup(name)
	if target == nil {
		return
	}
	now := s.now()
	outcome := result.Outcome()
	target.Outcomes[outcome]++
	target.LastOutcome = outcome
	target.LastError = ""
	if result.Err != nil {
		target.LastError = result.Err.Error()
	}

	if result.Kind != probe.KindSuccess {
		s.recordFailure(target, now)
		return
	}

	target.LastRTT = result.RTT
	target.LastSuccessAt = now
	target.ConsecutiveOK++
	target.ConsecutiveNG = 0
	target.TotalSuccess++
	s.appendHistory(target, result.RTT, now)

	if result.Mismatch {
		target.Mismatches++
		target.Status = StatusWarn
		return
	}

	avgRTT := calculateRecentAvgRTT(target.History, thresholdDataPointCount)
	if avgRTT <= 0 {
		avgRTT = result.RTT
	}
	if avgRTT <= s.timeoutFor(target)/4 {
		target.Status = StatusOK
	} else {
		target.Status = StatusWarn
	}
}

// UpdateConnectError records a session that could not be opened.
func (s *StoreImpl) UpdateConnectError(name string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	target := s.lookup(name)
	if target == nil {
		return
	}
	target.Outcomes[outcomeConnectError]++
	target.LastOutcome = outcomeConnectError
	target.LastError = ""
	if err != nil {
		target.LastError = err.Error()
	}
	s.recordFailure(target, s.now())
}

func (s *StoreImpl) recordFailure(target *TargetStatus, now time.Time) {
	target.LastFailureAt = now
	target.ConsecutiveNG++
	target.ConsecutiveOK = 0
	target.TotalFailure++
	if target.ConsecutiveNG >= s.downThreshold {
		target.Status = StatusDown
	} else {
		target.Status = StatusWarn
	}
}

// lookup returns nil for targets removed by UpdateTargets, so results that
// land after a reload do not bring them back.
func (s *StoreImpl) lookup(name string) *TargetStatus {
	return s.targets[name]
}

func (s *StoreImpl) timeoutFor(target *TargetStatus) time.Duration {
	if target.Timeout > 0 {
		return target.Timeout
	}
	return s.defaultTimeout
}

// GetSnapshot returns copies of all target states in configuration order.
func (s *StoreImpl) GetSnapshot() []TargetStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]TargetStatus, 0, len(s.order))
	for _, name := range s.order {
		result = append(result, copyTargetStatus(s.targets[name]))
	}
	return result
}

// UpdateTargets updates the target list, keeping history for existing targets.
func (s *StoreImpl) UpdateTargets(targets []config.TargetConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()

	updated := make(map[string]*TargetStatus, len(targets))
	order := make([]string, 0, len(targets))
	for _, tgt := range targets {
		if _, dup := updated[tgt.Name]; dup {
			continue
		}
		existing, ok := s.targets[tgt.Name]
		if !ok {
			existing = &TargetStatus{Name: tgt.Name, Status: StatusUnknown, Outcomes: map[string]uint64{}}
		}
		existing.Address = tgt.Endpoint.Address()
		existing.Transport = tgt.Transport
		existing.Group = tgt.Group
		existing.Timeout = tgt.Timeout
		updated[tgt.Name] = existing
		order = append(order, tgt.Name)
	}

	s.targets = updated
	s.order = order
}

// GetTargetStatus returns a copy of a single target status.
func (s *StoreImpl) GetTargetStatus(name string) (TargetStatus, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	target, ok := s.targets[name]
	if !ok {
		return TargetStatus{}, false
	}
	return copyTargetStatus(target), true
}

func (s *StoreImpl) appendHistory(target *TargetStatus, rtt time.Duration, at time.Time) {
	if s.historySize <= 0 {
		return
	}
	point := RTTPoint{Time: at, RTT: rtt}
	if len(target.History) < s.historySize {
		target.History = append(target.History, point)
		return
	}
	copy(target.History, target.History[1:])
	target.History[len(target.History)-1] = point
}

func copyTargetStatus(source *TargetStatus) TargetStatus {
	clone := *source
	if len(source.History) > 0 {
		clone.History = append([]RTTPoint(nil), source.History...)
	}
	clone.Outcomes = make(map[string]uint64, len(source.Outcomes))
	for k, v := range source.Outcomes {
		clone.Outcomes[k] = v
	}
	return clone
}

// calculateRecentAvgRTT averages the last count points. It returns 0 for an
// empty history.
func calculateRecentAvgRTT(history []RTTPoint, count int) time.Duration {
	if len(history) == 0 || count <= 0 {
		return 0
	}
	start := len(history) - count
	if start < 0 {
		start = 0
	}

	var sum time.Duration
	for _, p := range history[start:] {
		sum += p.RTT
	}
	return sum / time.Duration(len(history)-start)
}
