package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/doridoridoriand/echoprobe/internal/config"
	"github.com/doridoridoriand/echoprobe/internal/log"
	"github.com/doridoridoriand/echoprobe/internal/probe"
	"github.com/doridoridoriand/echoprobe/internal/state"
)

const defaultInterval = 10 * time.Second

// Runner runs one batch against a target. probe.Runner satisfies it.
type Runner interface {
	RunBatch(ctx context.Context, target probe.Target, payloads [][]byte, observe func(index int, result probe.Result)) ([]probe.Result, error)
}

// Observer is told about every finished batch, including ones that could
// not connect.
type Observer func(target config.TargetConfig, results []probe.Result, err error)

// Scheduler drives repeated batches in watch mode.
type Scheduler interface {
	Run(ctx context.Context) error
	UpdateConfig(cfg *config.Config)
	Stop()
}

// Impl runs every target in configuration order from a single goroutine, so
// no two trials are ever in flight at once.
type Impl struct {
	mu       sync.RWMutex
	cfg      config.Config
	runner   Runner
	state    state.Store
	logger   *log.Logger
	observer Observer
	cancel   context.CancelFunc
	rounds   uint64
}

// NewScheduler constructs a scheduler instance.
func NewScheduler(cfg *config.Config, runner Runner, store state.Store, logger *log.Logger) *Impl {
	if logger == nil {
		logger = log.Discard()
	}
	s := &Impl{
		runner: runner,
		state:  store,
		logger: logger,
	}
	if cfg != nil {
		s.cfg = cloneConfig(cfg)
	}
	return s
}

// SetObserver registers fn to receive each finished batch.
func (s *Impl) SetObserver(fn Observer) {
	s.mu.Lock()
	s.observer = fn
	s.mu.Unlock()
}

// Run probes all targets, waits the interval and repeats until the context
// is cancelled or Stop is called.
func (s *Impl) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	defer func() {
		cancel()
		s.mu.Lock()
		s.cancel = nil
		s.mu.Unlock()
	}()

	for {
		s.runRound(runCtx)

		timer := time.NewTimer(s.currentInterval())
		select {
		case <-runCtx.Done():
			timer.Stop()
			return runCtx.Err()
		case <-timer.C:
		}
	}
}

// UpdateConfig replaces targets, payloads and interval. The change applies
// from the next round; a round in progress finishes with the old list.
func (s *Impl) UpdateConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}
	next := cloneConfig(cfg)
	s.mu.Lock()
	s.cfg = next
	s.mu.Unlock()
	s.state.UpdateTargets(next.Targets)
}

// Stop cancels the running loop.
func (s *Impl) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Rounds reports how many full passes over the targets have completed.
func (s *Impl) Rounds() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rounds
}

func (s *Impl) runRound(ctx context.Context) {
	s.mu.RLock()
	cfg := s.cfg
	observer := s.observer
	s.mu.RUnlock()

	for _, target := range cfg.Targets {
		if ctx.Err() != nil {
			return
		}
		s.runTarget(ctx, &cfg, target, observer)
	}

	s.mu.Lock()
	s.rounds++
	s.mu.Unlock()
}

func (s *Impl) runTarget(ctx context.Context, cfg *config.Config, target config.TargetConfig, observer Observer) {
	probeTarget := target.ProbeTarget()
	results, err := s.runner.RunBatch(ctx, probeTarget, cfg.PayloadsFor(target.Transport), func(index int, result probe.Result) {
		if ctx.Err() != nil && result.Kind == probe.KindTransportError {
			return
		}
		s.state.UpdateResult(target.Name, result)
		s.logger.LogTrialResult(probeTarget, index+1, result)
	})

	var connectErr *probe.ConnectError
	switch {
	case err == nil:
	case ctx.Err() != nil:
		return
	case errors.As(err, &connectErr):
		s.state.UpdateConnectError(target.Name, err)
		s.logger.LogConnect(probeTarget, err)
	default:
		s.logger.LogError("scheduler", err, map[string]interface{}{"target": target.Name})
	}

	if observer != nil {
		observer(target, results, err)
	}
}

func (s *Impl) currentInterval() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cfg.Global.Interval <= 0 {
		return defaultInterval
	}
	return s.cfg.Global.Interval
}

func cloneConfig(cfg *config.Config) config.Config {
	clone := *cfg
	clone.Targets = append([]config.TargetConfig(nil), cfg.Targets...)
	clone.Payloads = append([]string(nil), cfg.Payloads...)
	return clone
}
