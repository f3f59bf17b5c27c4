package probe

import "time"

// Kind classifies the outcome of a single trial.
type Kind string

const (
	KindSuccess        Kind = "success"
	KindTimeout        Kind = "timeout"
	KindTransportError Kind = "transport_error"
	KindDecodeError    Kind = "decode_error"
)

// Result captures one send/receive trial.
type Result struct {
	Kind    Kind
	Payload []byte
	Reply   []byte
	// Mismatch is set on a success whose reply differs from the payload.
	Mismatch bool
	RTT      time.Duration
	Err      error
}

// Passed reports whether the peer echoed the payload exactly.
func (r Result) Passed() bool {
	return r.Kind == KindSuccess && !r.Mismatch
}

// Outcome is Kind with mismatching successes split out as "mismatch".
func (r Result) Outcome() string {
	if r.Kind == KindSuccess && r.Mismatch {
		return "mismatch"
	}
	return string(r.Kind)
}

// Outcomes lists every value Outcome can return, in reporting order.
var Outcomes = []string{
	string(KindSuccess),
	"mismatch",
	string(KindTimeout),
	string(KindTransportError),
	string(KindDecodeError),
}
