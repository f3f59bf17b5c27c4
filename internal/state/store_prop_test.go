package state

import (
	"sync"
	"testing"
	"time"

	"github.com/doridoridoriand/echoprobe/internal/config"
	"github.com/doridoridoriand/echoprobe/internal/probe"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/prop"
)

func TestPropertyTrialResultStateUpdate(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 100
	props := gopter.NewProperties(params)

	props.Property("matching replies classify by average RTT", prop.ForAll(
		func(rttMs int, timeoutMs int) bool {
			timeout := time.Duration(timeoutMs) * time.Millisecond
			rtt := time.Duration(rttMs) * time.Millisecond
			store := NewStore([]config.TargetConfig{streamTarget("test", 1)}, timeout)

			for i := 0; i < thresholdDataPointCount; i++ {
				store.UpdateResult("test", passed(rtt))
			}

			status, ok := store.GetTargetStatus("test")
			if !ok || status.LastRTT != rtt {
				return false
			}
			if status.ConsecutiveOK != thresholdDataPointCount || status.ConsecutiveNG != 0 {
				return false
			}
			if rtt <= timeout/4 {
				return status.Status == StatusOK
			}
			return status.Status == StatusWarn
		},
		gopter.Gen(func(genParams *gopter.GenParameters) *gopter.GenResult {
			return gopter.NewGenResult(genParams.Rng.Intn(500)+1, gopter.NoShrinker)
		}),
		gopter.Gen(func(genParams *gopter.GenParameters) *gopter.GenResult {
			return gopter.NewGenResult(genParams.Rng.Intn(500)+100, gopter.NoShrinker)
		}),
	))

	props.Property("consecutive failures reach DOWN at the threshold", prop.ForAll(
		func(kinds []probe.Kind) bool {
			store := NewStore([]config.TargetConfig{streamTarget("test", 1)}, time.Second)
			for _, kind := range kinds {
				store.UpdateResult("test", probe.Result{Kind: kind, Err: errSentinel{}})
			}
			status, _ := store.GetTargetStatus("test")
			if status.ConsecutiveNG != len(kinds) || status.TotalFailure != uint64(len(kinds)) {
				return false
			}
			if len(kinds) >= defaultDownThreshold {
				return status.Status == StatusDown
			}
			return status.Status == StatusWarn
		},
		genFailureKinds(),
	))

	props.Property("outcome counters sum to the number of trials", prop.ForAll(
		func(results []probe.Result) bool {
			store := NewStore([]config.TargetConfig{streamTarget("test", 1)}, time.Second)
			for _, r := range results {
				store.UpdateResult("test", r)
			}
			status, _ := store.GetTargetStatus("test")
			var sum uint64
			for _, n := range status.Outcomes {
				sum += n
			}
			return sum == uint64(len(results)) && status.Trials() == uint64(len(results))
		},
		genResults(),
	))

	props.TestingRun(t)
}

func TestPropertyConcurrentReadersSeeConsistentSnapshots(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 20
	props := gopter.NewProperties(params)

	props.Property("snapshots taken during updates are internally consistent", prop.ForAll(
		func(results []probe.Result) bool {
			store := NewStore([]config.TargetConfig{streamTarget("test", 1)}, time.Second)
			var wg sync.WaitGroup
			consistent := true
			var mu sync.Mutex

			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < len(results); i++ {
					for _, s := range store.GetSnapshot() {
						var sum uint64
						for _, n := range s.Outcomes {
							sum += n
						}
						if sum != s.Trials() {
							mu.Lock()
							consistent = false
							mu.Unlock()
						}
					}
				}
			}()
			for _, r := range results {
				store.UpdateResult("test", r)
			}
			wg.Wait()
			return consistent
		},
		genResults(),
	))

	props.TestingRun(t)
}

func genFailureKinds() gopter.Gen {
	kinds := []probe.Kind{probe.KindTimeout, probe.KindTransportError, probe.KindDecodeError}
	return gopter.Gen(func(genParams *gopter.GenParameters) *gopter.GenResult {
		n := genParams.Rng.Intn(10) + 1
		out := make([]probe.Kind, n)
		for i := range out {
			out[i] = kinds[genParams.Rng.Intn(len(kinds))]
		}
		return gopter.NewGenResult(out, gopter.NoShrinker)
	})
}

func genResults() gopter.Gen {
	return gopter.Gen(func(genParams *gopter.GenParameters) *gopter.GenResult {
		n := genParams.Rng.Intn(40)
		out := make([]probe.Result, n)
		for i := range out {
			rtt := time.Duration(genParams.Rng.Intn(50)+1) * time.Millisecond
			switch genParams.Rng.Intn(5) {
			case 0:
				out[i] = passed(rtt)
			case 1:
				out[i] = probe.Result{Kind: probe.KindSuccess, Payload: []byte("a"), Reply: []byte("b"), Mismatch: true, RTT: rtt}
			case 2:
				out[i] = timedOut()
			case 3:
				out[i] = probe.Result{Kind: probe.KindTransportError, Err: errSentinel{}}
			default:
				out[i] = probe.Result{Kind: probe.KindDecodeError, Err: errSentinel{}}
			}
		}
		return gopter.NewGenResult(out, gopter.NoShrinker)
	})
}
