package probe

import (
	"bufio"
	"context"
	"io"
	"strings"
	"time"
)

// QuitCommand ends an interactive run.
const QuitCommand = "quit"

// Hooks receive progress notifications from a run. Nil fields are skipped.
type Hooks struct {
	Connected func(target Target)
	Prompt    func()
	Result    func(index int, result Result)
}

// RunSequence sends each payload once, in order, pausing opts.Delay between
// trials. Per-trial failures never stop the sequence; a cancelled context does.
func RunSequence(ctx context.Context, s *Session, payloads [][]byte, observe func(index int, result Result)) []Result {
	results := make([]Result, 0, len(payloads))
	for i, payload := range payloads {
		if i > 0 && !sleep(ctx, s.opts.Delay) {
			break
		}
		if ctx.Err() != nil {
			break
		}
		index := i
		results = append(results, s.Trial(ctx, payload, func(result Result) {
			if observe != nil {
				observe(index, result)
			}
		}))
	}
	return results
}

// Interactive sends one payload per input line until the quit command, end of
// input, context cancellation, or a broken stream. Empty lines are skipped.
//
// input is read on a separate goroutine. When Interactive returns before end
// of input, that goroutine stays blocked in Read until the next line arrives
// or input is closed; callers that keep running should pass a reader they
// can close.
func Interactive(ctx context.Context, s *Session, input io.Reader, prompt func(), observe func(index int, result Result)) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)

	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(input)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-done:
				return
			}
		}
		readErr <- scanner.Err()
	}()

	index := 0
	for {
		if prompt != nil {
			prompt()
		}

		var (
			line string
			ok   bool
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok = <-lines:
		}
		if !ok {
			return <-readErr
		}

		line = strings.TrimRight(line, "\r")
		if IsQuit(line) {
			return nil
		}
		if line == "" {
			continue
		}

		current := index
		s.Trial(ctx, []byte(line), func(result Result) {
			if observe != nil {
				observe(current, result)
			}
		})
		index++
		if err := s.Broken(); err != nil {
			return err
		}
	}
}

// IsQuit reports whether an input line is the quit command.
func IsQuit(line string) bool {
	return strings.EqualFold(strings.TrimSpace(line), QuitCommand)
}

// Batch opens a session for target, runs the payload sequence and closes it.
// A connect failure is returned before anything is sent.
func Batch(ctx context.Context, target Target, payloads [][]byte, opts Options, hooks Hooks) ([]Result, error) {
	return batch(ctx, NewSession(target, opts), payloads, hooks)
}

func batch(ctx context.Context, s *Session, payloads [][]byte, hooks Hooks) ([]Result, error) {
	if err := s.Open(ctx); err != nil {
		return nil, err
	}
	defer s.Close()

	if hooks.Connected != nil {
		hooks.Connected(s.Target())
	}
	results := RunSequence(ctx, s, payloads, hooks.Result)
	return results, ctx.Err()
}

// RunInteractive opens a session for target and drives it from input. See
// Interactive for how input is read.
func RunInteractive(ctx context.Context, target Target, opts Options, input io.Reader, hooks Hooks) error {
	return interactive(ctx, NewSession(target, opts), input, hooks)
}

func interactive(ctx context.Context, s *Session, input io.Reader, hooks Hooks) error {
	if err := s.Open(ctx); err != nil {
		return err
	}
	defer s.Close()

	if hooks.Connected != nil {
		hooks.Connected(s.Target())
	}
	return Interactive(ctx, s, input, hooks.Prompt, hooks.Result)
}

// Runner runs batches with fixed options. It is used by the watch scheduler.
type Runner struct {
	Options Options
}

// RunBatch runs one batch against target, passing each result to observe.
func (r Runner) RunBatch(ctx context.Context, target Target, payloads [][]byte, observe func(index int, result Result)) ([]Result, error) {
	return Batch(ctx, target, payloads, r.Options, Hooks{Result: observe})
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
