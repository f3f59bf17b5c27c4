package report

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/doridoridoriand/echoprobe/internal/probe"
)

// PreviewRunes bounds how much of a payload the batch header shows.
const PreviewRunes = 50

// Printer renders operator-facing progress lines.
type Printer struct {
	mu  sync.Mutex
	out io.Writer
}

func NewPrinter(w io.Writer) *Printer {
	return &Printer{out: w}
}

func (p *Printer) printf(format string, args ...interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, format, args...)
}

// Banner announces a run before the session is opened.
func (p *Printer) Banner(target probe.Target, mode string) {
	p.printf("=== echoprobe %s: %s ===\n", mode, target)
}

// Menu asks the operator to pick a mode.
func (p *Printer) Menu() {
	p.printf("1. interactive\n2. batch\nselect (1/2): ")
}

func (p *Printer) Connected(target probe.Target) {
	p.printf("connected to %s\n", target)
}

// InteractiveHelp tells the operator how to leave an interactive session.
func (p *Printer) InteractiveHelp() {
	p.printf("type a message and press Enter (%q to exit)\n", probe.QuitCommand)
}

func (p *Printer) Prompt() {
	p.printf("> ")
}

// InteractiveResult prints the exchange for one typed line.
func (p *Printer) InteractiveResult(_ int, res probe.Result) {
	var b strings.Builder
	fmt.Fprintf(&b, "sent: %s\n", display(res.Payload))
	switch res.Kind {
	case probe.KindSuccess:
		fmt.Fprintf(&b, "reply: %s\n", display(res.Reply))
		if res.Mismatch {
			b.WriteString("warning: reply differs from what was sent\n")
		}
	case probe.KindTimeout:
		b.WriteString("reply timed out!\n")
	default:
		fmt.Fprintf(&b, "receive error: %v\n", res.Err)
	}
	p.printf("%s", b.String())
}

// BatchResult prints the header and verdict for batch trial index (0-based).
func (p *Printer) BatchResult(index int, res probe.Result) {
	var b strings.Builder
	fmt.Fprintf(&b, "test %d: %s\n", index+1, Preview(display(res.Payload)))
	b.WriteString(Verdict(res))
	b.WriteString("\n")
	if res.Kind == probe.KindSuccess && res.Mismatch {
		fmt.Fprintf(&b, "  expected: %s\n", display(res.Payload))
		fmt.Fprintf(&b, "  actual:   %s\n", display(res.Reply))
	}
	p.printf("%s", b.String())
}

// Summary prints the per-target tally after a batch.
func (p *Printer) Summary(r TargetReport) {
	if r.Error != "" && len(r.Trials) == 0 {
		p.printf("%s: not run: %s\n", r.label(), r.Error)
		return
	}
	c := r.Counts()
	p.printf("%s: %d/%d passed (mismatch %d, timeout %d, error %d)\n",
		r.label(), c.Passed, len(r.Trials), c.Mismatch, c.Timeout, c.Errors)
}

func (p *Printer) Error(err error) {
	p.printf("error: %v\n", err)
}

// Verdict is the one-line judgement for a batch trial.
func Verdict(res probe.Result) string {
	switch res.Kind {
	case probe.KindSuccess:
		if res.Mismatch {
			return "FAIL - echo mismatch"
		}
		return "PASS - echo matched"
	case probe.KindTimeout:
		return "FAIL - reply timed out"
	default:
		return fmt.Sprintf("FAIL - error: %v", res.Err)
	}
}

// Preview shortens s to PreviewRunes runes, marking the cut with "...".
func Preview(s string) string {
	if utf8.RuneCountInString(s) <= PreviewRunes {
		return s
	}
	runes := []rune(s)
	return string(runes[:PreviewRunes]) + "..."
}

func display(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	return fmt.Sprintf("%q", b)
}
