package probe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

const (
	DefaultConnectTimeout = 5 * time.Second
	DefaultTimeout        = 3 * time.Second
	DefaultDelay          = 500 * time.Millisecond
	DefaultBufferSize     = 1024

	maxDatagramSize = 65_507
	// maxStaleReplies bounds how many unanswered datagram payloads are remembered.
	maxStaleReplies = 16
)

// Options controls how transport handles are opened and how trials are paced.
type Options struct {
	ConnectTimeout time.Duration
	// Timeout bounds the wait for each reply.
	Timeout time.Duration
	// Delay is inserted between consecutive trials of a sequence.
	Delay time.Duration
	// BufferSize is the receive buffer; it grows to fit the payload.
	BufferSize int
	// TTL sets the IP TTL (hop limit on IPv6); zero keeps the OS default.
	TTL int
}

// DefaultOptions returns the pacing used by the batch runs.
func DefaultOptions() Options {
	return Options{
		ConnectTimeout: DefaultConnectTimeout,
		Timeout:        DefaultTimeout,
		Delay:          DefaultDelay,
		BufferSize:     DefaultBufferSize,
	}
}

func (o Options) connectTimeout() time.Duration {
	if o.ConnectTimeout <= 0 {
		return DefaultConnectTimeout
	}
	return o.ConnectTimeout
}

func (o Options) timeoutFor(target Target) time.Duration {
	if target.Timeout > 0 {
		return target.Timeout
	}
	if o.Timeout > 0 {
		return o.Timeout
	}
	return DefaultTimeout
}

// bufferSize leaves room for one byte past the payload so longer replies
// are not truncated into a false match.
func (o Options) bufferSize(want int) int {
	size := o.BufferSize
	if size <= 0 {
		size = DefaultBufferSize
	}
	if want+1 > size {
		size = want + 1
	}
	return size
}

// Conn is the single transport handle owned by a probe run.
type Conn interface {
	Transport() Transport
	SetDeadline(t time.Time) error
	Send(payload []byte) error
	// Receive returns the reply to the payload most recently sent.
	Receive(want int) ([]byte, error)
	Close() error
}

// DialFunc acquires a transport handle for a target.
type DialFunc func(ctx context.Context, target Target, opts Options) (Conn, error)

// Connect opens a handle for the target's transport.
func Connect(ctx context.Context, target Target, opts Options) (Conn, error) {
	switch target.Transport {
	case TransportStream:
		return ConnectStream(ctx, target, opts)
	case TransportDatagram:
		return OpenDatagram(ctx, target, opts)
	default:
		return nil, &ConnectError{Target: target, Err: fmt.Errorf("unsupported transport %q", target.Transport)}
	}
}

// ConnectStream establishes a TCP connection to the target.
func ConnectStream(ctx context.Context, target Target, opts Options) (Conn, error) {
	dialer := net.Dialer{Timeout: opts.connectTimeout()}
	conn, err := dialer.DialContext(ctx, "tcp", target.Endpoint.Address())
	if err != nil {
		return nil, &ConnectError{Target: target, Err: err}
	}
	if opts.TTL > 0 {
		if err := setStreamTTL(conn, opts.TTL); err != nil {
			conn.Close()
			return nil, &ConnectError{Target: target, Err: fmt.Errorf("set ttl: %w", err)}
		}
	}
	return &streamConn{conn: conn, opts: opts}, nil
}

// OpenDatagram binds an ephemeral UDP endpoint in the target's address family.
func OpenDatagram(ctx context.Context, target Target, opts Options) (Conn, error) {
	resolveCtx, cancel := context.WithTimeout(ctx, opts.connectTimeout())
	defer cancel()

	peer, err := resolveUDP(resolveCtx, target.Endpoint)
	if err != nil {
		return nil, &ConnectError{Target: target, Err: err}
	}

	network := "udp6"
	if peer.IP.To4() != nil {
		network = "udp4"
	}
	conn, err := net.ListenUDP(network, nil)
	if err != nil {
		return nil, &ConnectError{Target: target, Err: err}
	}
	if opts.TTL > 0 {
		if err := setDatagramTTL(conn, peer.IP, opts.TTL); err != nil {
			conn.Close()
			return nil, &ConnectError{Target: target, Err: fmt.Errorf("set ttl: %w", err)}
		}
	}
	return &datagramConn{conn: conn, peer: peer, opts: opts}, nil
}

// streamConn tracks how many echoed bytes the peer still owes from earlier
// trials so a late or partial reply is never read as the current one.
type streamConn struct {
	conn net.Conn
	opts Options
	owed int
	skip int
}

func (c *streamConn) Transport() Transport { return TransportStream }

func (c *streamConn) SetDeadline(t time.Time) error {
	return c.conn.SetDeadline(t)
}

func (c *streamConn) Send(payload []byte) error {
	c.skip = c.owed
	c.owed += len(payload)
	for len(payload) > 0 {
		n, err := c.conn.Write(payload)
		if err != nil {
			return err
		}
		payload = payload[n:]
	}
	return nil
}

// Receive discards bytes owed to earlier trials, then reads until want bytes
// arrived. Data received before a timeout or EOF is returned as the reply.
func (c *streamConn) Receive(want int) ([]byte, error) {
	buf := make([]byte, c.opts.bufferSize(want))
	var reply []byte
	for {
		n, err := c.conn.Read(buf)
		data := buf[:n]
		c.owed = max(0, c.owed-n)
		if c.skip > 0 {
			drop := min(c.skip, len(data))
			c.skip -= drop
			data = data[drop:]
		}
		reply = append(reply, data...)
		if err != nil {
			if len(reply) > 0 && (isTimeout(err) || errors.Is(err, io.EOF)) {
				return reply, nil
			}
			if errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("connection closed by peer: %w", err)
			}
			return nil, err
		}
		if len(reply) >= want {
			return reply, nil
		}
	}
}

func (c *streamConn) Close() error {
	return c.conn.Close()
}

// datagramConn remembers payloads whose echo never arrived in time and drops
// those echoes when they show up during a later trial.
type datagramConn struct {
	conn    *net.UDPConn
	peer    *net.UDPAddr
	opts    Options
	current []byte
	stale   [][]byte
}

func (c *datagramConn) Transport() Transport { return TransportDatagram }

func (c *datagramConn) SetDeadline(t time.Time) error {
	return c.conn.SetDeadline(t)
}

func (c *datagramConn) Send(payload []byte) error {
	if len(payload) > maxDatagramSize {
		return fmt.Errorf("datagram too large: %d bytes", len(payload))
	}
	c.current = append(c.current[:0], payload...)
	n, err := c.conn.WriteToUDP(payload, c.peer)
	if err != nil {
		return err
	}
	if n != len(payload) {
		return errors.New("datagram only partially sent")
	}
	return nil
}

// Receive returns the first datagram from the peer that is not a late echo
// of an earlier trial, dropping any other source.
func (c *datagramConn) Receive(want int) ([]byte, error) {
	buf := make([]byte, c.opts.bufferSize(want))
	for {
		n, from, err := c.conn.ReadFromUDP(buf)
		if err != nil {
			c.remember(c.current)
			return nil, err
		}
		if !c.fromPeer(from) {
			continue
		}
		data := buf[:n]
		if !bytes.Equal(data, c.current) && c.forget(data) {
			continue
		}
		return append([]byte(nil), data...), nil
	}
}

// drain discards datagrams that arrived between trials. The caller sets a
// new deadline afterwards.
func (c *datagramConn) drain() {
	if err := c.conn.SetReadDeadline(time.Now()); err != nil {
		return
	}
	buf := make([]byte, maxDatagramSize)
	for {
		n, from, err := c.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		if c.fromPeer(from) {
			c.forget(buf[:n])
		}
	}
}

func (c *datagramConn) fromPeer(from *net.UDPAddr) bool {
	return from != nil && from.IP.Equal(c.peer.IP) && from.Port == c.peer.Port
}

func (c *datagramConn) remember(payload []byte) {
	if len(payload) == 0 {
		return
	}
	if len(c.stale) == maxStaleReplies {
		c.stale = c.stale[1:]
	}
	c.stale = append(c.stale, append([]byte(nil), payload...))
}

// forget removes one remembered payload equal to data.
func (c *datagramConn) forget(data []byte) bool {
	for i, payload := range c.stale {
		if bytes.Equal(payload, data) {
			c.stale = append(c.stale[:i], c.stale[i+1:]...)
			return true
		}
	}
	return false
}

func (c *datagramConn) Close() error {
	return c.conn.Close()
}

// resolveUDP prefers an IPv4 address when the host resolves to several.
func resolveUDP(ctx context.Context, endpoint Endpoint) (*net.UDPAddr, error) {
	if ip := net.ParseIP(endpoint.Host); ip != nil {
		return &net.UDPAddr{IP: ip, Port: endpoint.Port}, nil
	}
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, endpoint.Host)
	if err != nil {
		return nil, err
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("no addresses for host %q", endpoint.Host)
	}
	chosen := addrs[0]
	for _, addr := range addrs {
		if addr.IP.To4() != nil {
			chosen = addr
			break
		}
	}
	return &net.UDPAddr{IP: chosen.IP, Port: endpoint.Port, Zone: chosen.Zone}, nil
}

func setStreamTTL(conn net.Conn, ttl int) error {
	addr, ok := conn.RemoteAddr().(*net.TCPAddr)
	if ok && addr.IP.To4() == nil {
		return ipv6.NewConn(conn).SetHopLimit(ttl)
	}
	return ipv4.NewConn(conn).SetTTL(ttl)
}

func setDatagramTTL(conn net.PacketConn, ip net.IP, ttl int) error {
	if ip.To4() != nil {
		return ipv4.NewPacketConn(conn).SetTTL(ttl)
	}
	return ipv6.NewPacketConn(conn).SetHopLimit(ttl)
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
