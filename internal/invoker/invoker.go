package invoker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/chatgate/chatgate/internal/logger"
	"github.com/chatgate/chatgate/internal/metrics"
)

// State classifies how an invocation ended
type State int

const (
	// StateSucceeded means the process exited 0 and produced output
	StateSucceeded State = iota
	// StateFailed means the process exited non-zero, failed to start, or
	// produced no usable output
	StateFailed
	// StateTimedOut means the process was killed after exceeding the timeout
	StateTimedOut
)

// String returns string representation of an invocation state
func (s State) String() string {
	switch s {
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	case StateTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Outcome is the classified result of one backend invocation
type Outcome struct {
	State    State
	Text     string // backend output, only set on success
	Reason   string // failure description, only set on failure/timeout
	Duration time.Duration
}

// Invoker launches one fresh execution of the external generation backend
// per request. The backend reads the message on stdin and writes its reply
// to stdout. Invocations are independent; the backend holds no state between
// them.
type Invoker struct {
	mu      sync.RWMutex
	command []string
	timeout time.Duration
}

// New creates an Invoker for the given backend argv and per-invocation timeout
func New(command []string, timeout time.Duration) *Invoker {
	return &Invoker{
		command: append([]string(nil), command...),
		timeout: timeout,
	}
}

// SetTimeout updates the per-invocation timeout. Applies to invocations
// started after the call.
func (inv *Invoker) SetTimeout(timeout time.Duration) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.timeout = timeout
}

// Timeout returns the current per-invocation timeout
func (inv *Invoker) Timeout() time.Duration {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	return inv.timeout
}

// Invoke runs the backend once for message. contextPayload, when non-empty,
// is written to the backend's stdin ahead of the message. The process and
// its pipes are always reaped, on every exit path.
func (inv *Invoker) Invoke(ctx context.Context, message, contextPayload string) *Outcome {
	inv.mu.RLock()
	argv := inv.command
	timeout := inv.timeout
	inv.mu.RUnlock()

	started := time.Now()
	outcome := inv.run(ctx, argv, timeout, buildInput(message, contextPayload))
	outcome.Duration = time.Since(started)

	metrics.BackendInvocations.WithLabelValues(outcome.State.String()).Inc()
	metrics.BackendInvocationDuration.Observe(outcome.Duration.Seconds())

	return outcome
}

func (inv *Invoker) run(ctx context.Context, argv []string, timeout time.Duration, input string) *Outcome {
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = os.Environ()
	cmd.Stdin = strings.NewReader(input)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return failedOutcome("failed to create stdout pipe: %v", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return failedOutcome("failed to create stderr pipe: %v", err)
	}

	if err := cmd.Start(); err != nil {
		logger.Error("invoker: failed to start backend %s: %v", argv[0], err)
		return failedOutcome("failed to start backend process: %v", err)
	}

	var outBuf, errBuf bytes.Buffer
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = io.Copy(&outBuf, stdout)
	}()
	go func() {
		defer wg.Done()
		_, _ = io.Copy(&errBuf, stderr)
	}()

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var (
		timerC   <-chan time.Time = timer.C
		timedOut bool
	)

	for {
		select {
		case waitErr := <-done:
			wg.Wait()
			return classify(waitErr, timedOut, outBuf.String(), errBuf.String())

		case <-ctx.Done():
			if cmd.Process != nil {
				logger.Warn("invoker: killing backend (pid=%d): %v", cmd.Process.Pid, ctx.Err())
				_ = cmd.Process.Kill()
			}
			<-done
			wg.Wait()
			return failedOutcome("invocation canceled: %v", ctx.Err())

		case <-timerC:
			timedOut = true
			if cmd.Process != nil {
				logger.Warn("invoker: killing backend (pid=%d) after timeout of %s", cmd.Process.Pid, timeout)
				_ = cmd.Process.Kill()
			}
			timerC = nil
		}
	}
}

// classify maps the process exit and captured output onto an Outcome
func classify(waitErr error, timedOut bool, stdout, stderr string) *Outcome {
	if timedOut {
		return &Outcome{State: StateTimedOut, Reason: "backend did not respond in time"}
	}

	if waitErr != nil {
		reason := "backend process failed: " + waitErr.Error()
		if excerpt := firstLine(stderr); excerpt != "" {
			reason += ": " + excerpt
		}
		return &Outcome{State: StateFailed, Reason: reason}
	}

	text := strings.TrimSpace(stdout)
	if text == "" {
		return &Outcome{State: StateFailed, Reason: "backend produced no output"}
	}

	return &Outcome{State: StateSucceeded, Text: text}
}

// buildInput prepends the serialized context payload to the message
func buildInput(message, contextPayload string) string {
	if contextPayload == "" {
		return message
	}
	return contextPayload + "\n\n" + message
}

// firstLine returns the first non-empty line of s, trimmed
func firstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func failedOutcome(format string, args ...interface{}) *Outcome {
	return &Outcome{State: StateFailed, Reason: fmt.Sprintf(format, args...)}
}
