package metrics

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/doridoridoriand/echoprobe/internal/config"
	"github.com/doridoridoriand/echoprobe/internal/probe"
	"github.com/doridoridoriand/echoprobe/internal/state"
)

const shutdownTimeout = 2 * time.Second

// Server exposes Prometheus-style metrics based on current state.
type Server struct {
	mode  config.MetricsMode
	store state.Store
}

// NewServer constructs a metrics server.
func NewServer(mode config.MetricsMode, store state.Store) *Server {
	return &Server{mode: mode, store: store}
}

// Handler returns an http handler that serves metrics.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		bw := bufio.NewWriter(w)
		defer bw.Flush()
		s.writeMetrics(bw)
	})
}

func (s *Server) writeMetrics(w *bufio.Writer) {
	if s.mode == "" {
		return
	}
	snapshot := s.store.GetSnapshot()

	if s.mode == config.MetricsModeAggregated || s.mode == config.MetricsModeBoth {
		writeAggregated(w, snapshot)
	}
	if s.mode == config.MetricsModePerTarget || s.mode == config.MetricsModeBoth {
		writePerTarget(w, snapshot)
	}
}

func writeAggregated(w *bufio.Writer, snapshot []state.TargetStatus) {
	var okCount, warnCount, downCount, unknownCount int
	for _, target := range snapshot {
		switch target.Status {
		case state.StatusOK:
			okCount++
		case state.StatusWarn:
			warnCount++
		case state.StatusDown:
			downCount++
		default:
			unknownCount++
		}
	}
	fmt.Fprintf(w, "echoprobe_targets_total %d\n", len(snapshot))
	fmt.Fprintf(w, "echoprobe_targets_ok %d\n", okCount)
	fmt.Fprintf(w, "echoprobe_targets_warn %d\n", warnCount)
	fmt.Fprintf(w, "echoprobe_targets_down %d\n", downCount)
	fmt.Fprintf(w, "echoprobe_targets_unknown %d\n", unknownCount)
}

func writePerTarget(w *bufio.Writer, snapshot []state.TargetStatus) {
	for _, target := range snapshot {
		labels := fmt.Sprintf(
			`target="%s",address="%s",transport="%s",group="%s"`,
			escapeLabel(target.Name),
			escapeLabel(target.Address),
			escapeLabel(string(target.Transport)),
			escapeLabel(target.Group),
		)
		up := 0
		if target.Status == state.StatusOK {
			up = 1
		}
		fmt.Fprintf(w, "echoprobe_target_up{%s} %d\n", labels, up)
		if target.LastRTT > 0 {
			fmt.Fprintf(w, "echoprobe_target_rtt_ms{%s} %.3f\n", labels, float64(target.LastRTT.Microseconds())/1000)
		}
		for _, outcome := range outcomeNames(target.Outcomes) {
			fmt.Fprintf(w, "echoprobe_target_trials_total{%s,outcome=\"%s\"} %d\n", labels, escapeLabel(outcome), target.Outcomes[outcome])
		}
	}
}

// outcomeNames lists every trial outcome, then any extra recorded ones such
// as connect errors, sorted.
func outcomeNames(counts map[string]uint64) []string {
	names := append([]string(nil), probe.Outcomes...)
	known := make(map[string]bool, len(names))
	for _, n := range names {
		known[n] = true
	}
	var extra []string
	for n := range counts {
		if !known[n] {
			extra = append(extra, n)
		}
	}
	sort.Strings(extra)
	return append(names, extra...)
}

func escapeLabel(value string) string {
	value = strings.ReplaceAll(value, "\\", "\\\\")
	value = strings.ReplaceAll(value, "\"", "\\\"")
	value = strings.ReplaceAll(value, "\n", "\\n")
	return value
}

// Serve starts an HTTP server and blocks until context cancellation.
func Serve(ctx context.Context, addr string, mode config.MetricsMode, store state.Store) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics listen %s: %w", addr, err)
	}
	return serve(ctx, ln, mode, store)
}

func serve(ctx context.Context, ln net.Listener, mode config.MetricsMode, store state.Store) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", NewServer(mode, store).Handler())
	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return context.Canceled
		}
		return err
	}
}
