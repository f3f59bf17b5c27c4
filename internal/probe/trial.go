package probe

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"
)

// SendAndReceive writes payload to conn and classifies the reply.
func SendAndReceive(ctx context.Context, conn Conn, payload []byte, timeout time.Duration) Result {
	return exchange(ctx, conn, payload, timeout, nil)
}

// drainer is implemented by handles that can discard replies left over from
// earlier trials before the next payload goes out.
type drainer interface {
	drain()
}

// exchange calls sent once the payload is on the wire.
func exchange(ctx context.Context, conn Conn, payload []byte, timeout time.Duration, sent func()) Result {
	result := Result{Payload: payload}
	if len(payload) == 0 {
		return failed(result, KindTransportError, ErrEmptyPayload)
	}
	if err := ctx.Err(); err != nil {
		return failed(result, KindTransportError, err)
	}

	if d, ok := conn.(drainer); ok {
		d.drain()
	}
	deadline := effectiveDeadline(ctx, timeout)
	if err := conn.SetDeadline(deadline); err != nil {
		return failed(result, KindTransportError, fmt.Errorf("set deadline: %w", err))
	}
	// Cancellation unblocks the pending read by moving the deadline forward.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	start := time.Now()
	if err := conn.Send(payload); err != nil {
		return classifyFault(ctx, result, fmt.Errorf("send: %w", err))
	}
	if sent != nil {
		sent()
	}

	reply, err := conn.Receive(len(payload))
	result.RTT = time.Since(start)
	if err != nil {
		return classifyFault(ctx, result, fmt.Errorf("receive: %w", err))
	}

	result.Reply = reply
	if !utf8.Valid(reply) {
		return failed(result, KindDecodeError, newDecodeError(reply))
	}
	result.Kind = KindSuccess
	result.Mismatch = string(reply) != string(payload)
	return result
}

func classifyFault(ctx context.Context, result Result, err error) Result {
	ctxErr := ctx.Err()
	if errors.Is(ctxErr, context.Canceled) {
		return failed(result, KindTransportError, fmt.Errorf("probe cancelled: %w", ctxErr))
	}
	if isTimeout(err) || errors.Is(ctxErr, context.DeadlineExceeded) {
		return failed(result, KindTimeout, ErrTimeout)
	}
	return failed(result, KindTransportError, err)
}

func failed(result Result, kind Kind, err error) Result {
	result.Kind = kind
	result.Err = err
	return result
}

func effectiveDeadline(ctx context.Context, timeout time.Duration) time.Time {
	deadline := time.Now().Add(timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		return ctxDeadline
	}
	return deadline
}
