package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/net/nettest"

	"github.com/doridoridoriand/echoprobe/internal/config"
	"github.com/doridoridoriand/echoprobe/internal/log"
	"github.com/doridoridoriand/echoprobe/internal/probe"
	"github.com/doridoridoriand/echoprobe/internal/scheduler"
	"github.com/doridoridoriand/echoprobe/internal/state"
)

// syncBuffer lets the test read output while run is still writing it.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// startTCPEcho runs an echo server and returns its host and port.
func startTCPEcho(t *testing.T) (string, int) {
	t.Helper()
	ln, err := nettest.NewLocalListener("tcp")
	if err != nil {
		t.Fatalf("listen tcp: %v", err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	var conns []net.Conn
	t.Cleanup(func() {
		ln.Close()
		mu.Lock()
		for _, c := range conns {
			c.Close()
		}
		mu.Unlock()
		wg.Wait()
	})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, conn)
			mu.Unlock()
			wg.Add(1)
			go func(conn net.Conn) {
				defer wg.Done()
				buf := make([]byte, 4096)
				for {
					n, err := conn.Read(buf)
					if err != nil {
						return
					}
					if _, err := conn.Write(buf[:n]); err != nil {
						return
					}
				}
			}(conn)
		}
	}()

	return hostPort(t, ln.Addr())
}

// startUDPEcho runs a datagram echo server and counts what it receives.
func startUDPEcho(t *testing.T) (string, int, func() int) {
	t.Helper()
	pc, err := nettest.NewLocalPacketListener("udp")
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}

	var mu sync.Mutex
	received := 0
	done := make(chan struct{})
	t.Cleanup(func() {
		pc.Close()
		<-done
	})

	go func() {
		defer close(done)
		buf := make([]byte, 65536)
		for {
			n, addr, err := pc.ReadFrom(buf)
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return
				}
				continue
			}
			mu.Lock()
			received++
			mu.Unlock()
			_, _ = pc.WriteTo(buf[:n], addr)
		}
	}()

	host, port := hostPort(t, pc.LocalAddr())
	return host, port, func() int {
		mu.Lock()
		defer mu.Unlock()
		return received
	}
}

func hostPort(t *testing.T, addr net.Addr) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		t.Fatalf("split %q: %v", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("port %q: %v", portStr, err)
	}
	return host, port
}

func waitForCondition(t *testing.T, condition func() bool, timeout time.Duration, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for condition: %s", msg)
}

func TestE2E_BatchStream(t *testing.T) {
	host, port := startTCPEcho(t)
	var stdout, stderr bytes.Buffer

	code := run(context.Background(), []string{
		"-mode", "batch", "-delay", "0s", "-t", "1s",
		"-host", host, "-port", strconv.Itoa(port),
	}, strings.NewReader(""), &stdout, &stderr)
	if code != 0 {
		t.Fatalf("expected exit 0, got %d (stderr %q)", code, stderr.String())
	}

	out := stdout.String()
	if got := strings.Count(out, "PASS - echo matched"); got != 3 {
		t.Fatalf("expected 3 passing trials, got %d in %q", got, out)
	}
	for _, want := range []string{"test 1: Hello Async Server!", "test 2: 비동기 패턴 테스트", "3/3 passed"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output %q", want, out)
		}
	}
}

func TestE2E_BatchDatagram(t *testing.T) {
	host, port, received := startUDPEcho(t)
	var stdout, stderr bytes.Buffer

	code := run(context.Background(), []string{
		"-mode", "batch", "-transport", "udp", "-delay", "0s", "-t", "1s",
		"-host", host, "-port", strconv.Itoa(port),
	}, strings.NewReader(""), &stdout, &stderr)
	if code != 0 {
		t.Fatalf("expected exit 0, got %d (stderr %q)", code, stderr.String())
	}
	if got := received(); got != 5 {
		t.Fatalf("expected 5 datagrams at the peer, got %d", got)
	}
	out := stdout.String()
	if !strings.Contains(out, "5/5 passed") || !strings.Contains(out, "Long message: AAAA") {
		t.Fatalf("unexpected output %q", out)
	}
	if !strings.Contains(out, "...") {
		t.Fatalf("expected the long payload preview to be cut, got %q", out)
	}
}

func TestE2E_MenuSelectsBatch(t *testing.T) {
	host, port := startTCPEcho(t)
	var stdout, stderr bytes.Buffer

	code := run(context.Background(), []string{
		"-delay", "0s", "-t", "1s", "-payload", "menu",
		"-host", host, "-port", strconv.Itoa(port),
	}, strings.NewReader("2\n"), &stdout, &stderr)
	if code != 0 {
		t.Fatalf("expected exit 0, got %d", code)
	}
	out := stdout.String()
	if !strings.Contains(out, "select (1/2)") || !strings.Contains(out, "=== echoprobe batch") {
		t.Fatalf("expected menu then batch banner, got %q", out)
	}
	if !strings.Contains(out, "1/1 passed") {
		t.Fatalf("expected the custom payload to pass, got %q", out)
	}
}

func TestE2E_Interactive(t *testing.T) {
	host, port := startTCPEcho(t)
	var stdout, stderr bytes.Buffer

	code := run(context.Background(), []string{
		"-interactive-timeout", "1s",
		"-host", host, "-port", strconv.Itoa(port),
	}, strings.NewReader("1\nhello\n\nQUIT\nnever sent\n"), &stdout, &stderr)
	if code != 0 {
		t.Fatalf("expected exit 0, got %d (stderr %q)", code, stderr.String())
	}
	out := stdout.String()
	for _, want := range []string{"=== echoprobe interactive", "connected to", "sent: hello", "reply: hello"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output %q", want, out)
		}
	}
	if strings.Contains(out, "never sent") {
		t.Fatalf("expected input after quit to be ignored, got %q", out)
	}
}

func TestE2E_ConnectRefused(t *testing.T) {
	ln, err := nettest.NewLocalListener("tcp")
	if err != nil {
		t.Fatalf("listen tcp: %v", err)
	}
	host, port := hostPort(t, ln.Addr())
	ln.Close()

	for _, mode := range []string{"batch", "interactive"} {
		var stdout, stderr bytes.Buffer
		code := run(context.Background(), []string{
			"-mode", mode, "-connect-timeout", "1s",
			"-host", host, "-port", strconv.Itoa(port),
		}, strings.NewReader("hello\n"), &stdout, &stderr)
		if code != 1 {
			t.Fatalf("%s: expected exit 1, got %d", mode, code)
		}
		out := stdout.String()
		if !strings.Contains(out, "error:") {
			t.Fatalf("%s: expected an error line, got %q", mode, out)
		}
		if strings.Contains(out, "test 1:") || strings.Contains(out, "sent:") {
			t.Fatalf("%s: expected no trials after connect failure, got %q", mode, out)
		}
	}
}

func TestE2E_JSONReport(t *testing.T) {
	host, port, _ := startUDPEcho(t)
	var stdout, stderr bytes.Buffer

	code := run(context.Background(), []string{
		"-mode", "batch", "-transport", "udp", "-delay", "0s", "-t", "1s", "-report", "json",
		"-payload", "alpha", "-payload", "beta",
		"-host", host, "-port", strconv.Itoa(port),
	}, strings.NewReader(""), &stdout, &stderr)
	if code != 0 {
		t.Fatalf("expected exit 0, got %d", code)
	}

	var doc struct {
		Targets []struct {
			Target    string `json:"target"`
			Transport string `json:"transport"`
			Trials    []struct {
				Payload string `json:"payload"`
				Outcome string `json:"outcome"`
				Passed  bool   `json:"passed"`
			} `json:"trials"`
			Summary struct {
				Passed int `json:"passed"`
			} `json:"summary"`
		} `json:"targets"`
	}
	if err := json.Unmarshal(stdout.Bytes(), &doc); err != nil {
		t.Fatalf("stdout is not a JSON report: %v\n%s", err, stdout.String())
	}
	if len(doc.Targets) != 1 || doc.Targets[0].Transport != "udp" || doc.Targets[0].Summary.Passed != 2 {
		t.Fatalf("unexpected report %+v", doc)
	}
	if doc.Targets[0].Trials[1].Payload != "beta" || doc.Targets[0].Trials[1].Outcome != "success" {
		t.Fatalf("unexpected trial %+v", doc.Targets[0].Trials[1])
	}
	if !strings.Contains(stderr.String(), "PASS - echo matched") {
		t.Fatalf("expected progress on stderr, got %q", stderr.String())
	}
}

func TestE2E_WatchWithoutUI(t *testing.T) {
	tcpHost, tcpPort := startTCPEcho(t)
	udpHost, udpPort, _ := startUDPEcho(t)
	path := writeConfig(t, "# echoprobe: interval=50ms timeout=1s delay=0s\n"+
		"> ping\n"+
		"stream "+net.JoinHostPort(tcpHost, strconv.Itoa(tcpPort))+"\n"+
		"dgram "+net.JoinHostPort(udpHost, strconv.Itoa(udpPort))+" transport=udp\n")

	ctx, cancel := context.WithCancel(context.Background())
	stdout := &syncBuffer{}
	stderr := &syncBuffer{}
	done := make(chan int, 1)
	go func() {
		done <- run(ctx, []string{"-watch", "-no-ui", path}, strings.NewReader(""), stdout, stderr)
	}()

	waitForCondition(t, func() bool {
		out := stdout.String()
		return strings.Count(out, "stream (tcp://") >= 2 && strings.Count(out, "dgram (udp://") >= 2
	}, 5*time.Second, "two rounds of summaries")
	cancel()

	select {
	case code := <-done:
		if code != 0 {
			t.Fatalf("expected exit 0, got %d (stderr %q)", code, stderr.String())
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("watch mode did not stop after cancel")
	}
	if !strings.Contains(stdout.String(), "1/1 passed") {
		t.Fatalf("expected passing summaries, got %q", stdout.String())
	}
}

func TestE2E_ConfigToMonitoring(t *testing.T) {
	host, port := startTCPEcho(t)
	path := writeConfig(t, "# echoprobe: interval=50ms timeout=1s delay=0s\n"+
		"> one\n> two\n"+
		"up "+net.JoinHostPort(host, strconv.Itoa(port))+"\n"+
		"down 127.0.0.1:1\n")

	cfg, err := config.EchoprobeParser{}.LoadConfig(path, config.CLIOverrides{})
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	store := state.NewStore(cfg.Targets, cfg.Global.Timeout)
	runner := probe.Runner{Options: cfg.Global.ProbeOptions(false)}
	sched := scheduler.NewScheduler(cfg, runner, store, log.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- sched.Run(ctx) }()

	waitForCondition(t, func() bool {
		up, _ := store.GetTargetStatus("up")
		down, _ := store.GetTargetStatus("down")
		return up.TotalSuccess >= 4 && down.ConsecutiveNG >= 3
	}, 5*time.Second, "results for both targets")

	up, _ := store.GetTargetStatus("up")
	if up.Status != state.StatusOK || up.TotalFailure != 0 {
		t.Fatalf("expected reachable target OK, got %+v", up)
	}
	down, _ := store.GetTargetStatus("down")
	if down.Status != state.StatusDown || down.LastOutcome != "connect_error" {
		t.Fatalf("expected unreachable target DOWN, got %+v", down)
	}

	// Reload drops the unreachable target.
	reloadPath := writeConfig(t, "# echoprobe: interval=50ms timeout=1s delay=0s\n"+
		"up "+net.JoinHostPort(host, strconv.Itoa(port))+"\n")
	reloaded, err := config.EchoprobeParser{}.LoadConfig(reloadPath, config.CLIOverrides{})
	if err != nil {
		t.Fatalf("failed to load reload config: %v", err)
	}
	sched.UpdateConfig(reloaded)

	waitForCondition(t, func() bool {
		snapshot := store.GetSnapshot()
		return len(snapshot) == 1 && snapshot[0].Name == "up"
	}, 2*time.Second, "reloaded target list")

	cancel()
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Fatalf("unexpected scheduler error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("scheduler did not stop")
	}
}
