// Package testutil provides fixtures shared across the core package test
// suites: a scripted stand-in for the LLM-CLI worker binary and a polling
// waiter for asserting eventual conditions without sleeps. Grounded on the
// reference orchestrator's test/framework (Process's scripted-binary launch
// and Waiter's condition-polling loop), generalized from a full Warren node
// binary to a single disposable shell script standing in for `claude`.
package testutil

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// FakeWorkerBehavior controls what a FakeWorkerScript-generated stand-in for
// the LLM CLI does when the supervisor spawns it.
type FakeWorkerBehavior struct {
	// Stdout is written to standard output before exiting.
	Stdout string
	// Stderr is written to standard error before exiting.
	Stderr string
	// ExitCode is the process exit code.
	ExitCode int
	// Sleep, if non-zero, blocks before producing any output or exiting —
	// useful for exercising timeout/cancellation paths.
	Sleep time.Duration
	// IgnoreTerm makes the script trap and discard SIGTERM, forcing a
	// caller's grace period to expire and escalate to SIGKILL.
	IgnoreTerm bool
}

// FakeWorkerScript writes a shell script that mimics an LLM-CLI worker
// invocation and returns its path. Tests pass the returned path as
// SwarmOptions.LLMCLIPath so the supervisor spawns a deterministic,
// instant-or-controlled stand-in instead of a real `claude` binary.
func FakeWorkerScript(t *testing.T, b FakeWorkerBehavior) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "fake-llm-cli.sh")

	script := "#!/bin/sh\n" + trapLine(b.IgnoreTerm)
	if b.Sleep > 0 {
		script += fmt.Sprintf("sleep %g\n", b.Sleep.Seconds())
	}
	if b.Stdout != "" {
		script += fmt.Sprintf("printf '%%s' %s\n", shellQuote(b.Stdout))
	}
	if b.Stderr != "" {
		script += fmt.Sprintf("printf '%%s' %s 1>&2\n", shellQuote(b.Stderr))
	}
	script += fmt.Sprintf("exit %d\n", b.ExitCode)

	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("testutil: write fake worker script: %v", err)
	}
	return path
}

func trapLine(ignoreTerm bool) string {
	if ignoreTerm {
		return "trap '' TERM\n"
	}
	return ""
}

func shellQuote(s string) string {
	return "'" + replaceAll(s, "'", `'\''`) + "'"
}

func replaceAll(s, old, new string) string {
	out := ""
	for {
		i := indexOf(s, old)
		if i < 0 {
			return out + s
		}
		out += s[:i] + new
		s = s[i+len(old):]
	}
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

// Waiter polls a condition until it becomes true or a deadline expires,
// grounded on the reference framework's Waiter (same timeout/interval
// polling shape, minus the cluster-lifecycle descriptions it attached
// each wait to).
type Waiter struct {
	Timeout  time.Duration
	Interval time.Duration
}

// NewWaiter returns a Waiter with the given timeout and polling interval.
func NewWaiter(timeout, interval time.Duration) Waiter {
	return Waiter{Timeout: timeout, Interval: interval}
}

// DefaultWaiter returns a Waiter tuned for fast in-process unit tests.
func DefaultWaiter() Waiter {
	return NewWaiter(5*time.Second, 20*time.Millisecond)
}

// WaitFor blocks until condition returns true, ctx is done, or the
// configured timeout elapses, whichever happens first.
func (w Waiter) WaitFor(ctx context.Context, condition func() bool, description string) error {
	ctx, cancel := context.WithTimeout(ctx, w.Timeout)
	defer cancel()

	if condition() {
		return nil
	}

	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("testutil: timeout waiting for: %s (timeout %s)", description, w.Timeout)
		case <-ticker.C:
			if condition() {
				return nil
			}
		}
	}
}
