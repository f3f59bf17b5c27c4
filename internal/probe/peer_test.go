package probe

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"golang.org/x/net/nettest"
)

// startStreamPeer runs a TCP peer that answers every read with reply(data).
// A nil reply keeps the connection open without answering.
func startStreamPeer(t *testing.T, reply func([]byte) []byte) Endpoint {
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
					if out := reply(buf[:n]); out != nil {
						if _, err := conn.Write(out); err != nil {
							return
						}
					}
				}
			}(conn)
		}
	}()

	return endpointOf(t, ln.Addr())
}

// startDatagramPeer runs a UDP peer that answers each datagram with reply(data).
func startDatagramPeer(t *testing.T, reply func([]byte) []byte) Endpoint {
	t.Helper()
	pc, err := nettest.NewLocalPacketListener("udp")
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}

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
			if out := reply(buf[:n]); out != nil {
				_, _ = pc.WriteTo(out, addr)
			}
		}
	}()

	return endpointOf(t, pc.LocalAddr())
}

func echo(data []byte) []byte {
	return append([]byte(nil), data...)
}

func silent([]byte) []byte {
	return nil
}

func endpointOf(t *testing.T, addr net.Addr) Endpoint {
	t.Helper()
	endpoint, err := ParseEndpoint(addr.String())
	if err != nil {
		t.Fatalf("parse listener address %q: %v", addr, err)
	}
	return endpoint
}

// closedPort returns a loopback endpoint with nothing listening on it.
func closedPort(t *testing.T) Endpoint {
	t.Helper()
	ln, err := nettest.NewLocalListener("tcp")
	if err != nil {
		t.Fatalf("listen tcp: %v", err)
	}
	endpoint := endpointOf(t, ln.Addr())
	ln.Close()
	return endpoint
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

type scriptedReply struct {
	data []byte
	err  error
}

// fakeConn replays scripted replies and records what the session did with it.
type fakeConn struct {
	transport Transport
	replies   []scriptedReply
	sent      [][]byte
	closed    int
	session   *Session
	phases    []Phase
}

func (c *fakeConn) Transport() Transport { return c.transport }

func (c *fakeConn) SetDeadline(time.Time) error { return nil }

func (c *fakeConn) Send(payload []byte) error {
	c.recordPhase()
	c.sent = append(c.sent, append([]byte(nil), payload...))
	return nil
}

func (c *fakeConn) Receive(int) ([]byte, error) {
	c.recordPhase()
	if len(c.replies) == 0 {
		return nil, timeoutError{}
	}
	next := c.replies[0]
	c.replies = c.replies[1:]
	return next.data, next.err
}

func (c *fakeConn) Close() error {
	c.closed++
	return nil
}

func (c *fakeConn) recordPhase() {
	if c.session != nil {
		c.phases = append(c.phases, c.session.Phase())
	}
}

// fakeSession wires conn into an idle session without touching the network.
func fakeSession(conn *fakeConn, opts Options) *Session {
	target := Target{Name: "fake", Endpoint: Endpoint{Host: "192.0.2.1", Port: 7}, Transport: conn.transport}
	s := NewSession(target, opts)
	s.dial = func(ctx context.Context, target Target, opts Options) (Conn, error) {
		return conn, nil
	}
	conn.session = s
	return s
}

func fastOptions() Options {
	return Options{Timeout: time.Second, Delay: 0, ConnectTimeout: time.Second}
}
