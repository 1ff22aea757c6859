package runner

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// fakeProcess lets tests control exit timing and error without spawning a
// real OS process.
type fakeProcess struct {
	waitErr  error
	waitHold chan struct{}
	killed   bool
}

func (f *fakeProcess) Wait() error {
	if f.waitHold != nil {
		<-f.waitHold
	}
	return f.waitErr
}

func (f *fakeProcess) Kill() {
	f.killed = true
	if f.waitHold != nil {
		select {
		case <-f.waitHold:
		default:
			close(f.waitHold)
		}
	}
}

func scriptedStarter(lines []string, waitErr error) processStarter {
	return func(ctx context.Context, cmd string, args []string, cwd string, stdout io.Writer) (process, error) {
		for _, l := range lines {
			stdout.Write([]byte(l + "\n"))
		}
		return &fakeProcess{waitErr: waitErr}, nil
	}
}

func TestRunner_SuccessfulRunCollectsTextOutput(t *testing.T) {
	r := newWithStarter(scriptedStarter([]string{
		`{"type":"thinking","text":"considering"}`,
		`{"type":"text","text":"hello "}`,
		`{"type":"text","text":"world"}`,
		`{"type":"final_result","text":""}`,
	}, nil))

	logPath := filepath.Join(t.TempDir(), "run.log")
	res := r.Run(context.Background(), Options{
		ID: "run-1", LogPath: logPath, MaxRetries: 2, RetryDelayMs: 1,
		Command: "fake", Args: []string{},
	})

	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if res.OutputText != "hello world" {
		t.Errorf("expected concatenated text output, got %q", res.OutputText)
	}
	if res.Attempts != 1 {
		t.Errorf("expected 1 attempt on first-try success, got %d", res.Attempts)
	}

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "invocation run-1") {
		t.Errorf("expected invocation header in log, got %q", data)
	}
}

func TestRunner_TransientFailureRetriesUpToMaxRetries(t *testing.T) {
	r := newWithStarter(scriptedStarter([]string{
		`{"type":"error","text":"fetch failed"}`,
	}, nil))

	logPath := filepath.Join(t.TempDir(), "run.log")
	res := r.Run(context.Background(), Options{
		ID: "run-2", LogPath: logPath, MaxRetries: 2, RetryDelayMs: 1,
		Command: "fake",
	})

	if res.Success {
		t.Fatalf("expected failure after exhausting retries, got %+v", res)
	}
	if res.Attempts != 3 {
		t.Errorf("expected maxRetries+1 = 3 attempts, got %d", res.Attempts)
	}
}

func TestRunner_NonTransientFailureDoesNotRetry(t *testing.T) {
	r := newWithStarter(scriptedStarter([]string{
		`{"type":"error","text":"invalid prompt"}`,
	}, nil))

	logPath := filepath.Join(t.TempDir(), "run.log")
	res := r.Run(context.Background(), Options{
		ID: "run-3", LogPath: logPath, MaxRetries: 2, RetryDelayMs: 1,
		Command: "fake",
	})

	if res.Success {
		t.Fatalf("expected failure, got %+v", res)
	}
	if res.Attempts != 1 {
		t.Errorf("expected no retry for non-transient error, got %d attempts", res.Attempts)
	}
}

func TestRunner_StoppedIntentionallyOverridesFailure(t *testing.T) {
	r := newWithStarter(scriptedStarter([]string{
		`{"type":"error","text":"killed"}`,
	}, nil))

	logPath := filepath.Join(t.TempDir(), "run.log")
	res := r.Run(context.Background(), Options{
		ID: "run-4", LogPath: logPath, MaxRetries: 2, RetryDelayMs: 1,
		Command:              "fake",
		StoppedIntentionally: func() bool { return true },
	})

	if !res.Success || !res.StoppedIntentionally {
		t.Fatalf("expected stoppedIntentionally success override, got %+v", res)
	}
}

func TestRunner_TimeoutKillsProcessAndReturnsTimeoutError(t *testing.T) {
	starter := func(ctx context.Context, cmd string, args []string, cwd string, stdout io.Writer) (process, error) {
		return &fakeProcess{waitHold: make(chan struct{})}, nil
	}
	r := newWithStarter(starter)

	logPath := filepath.Join(t.TempDir(), "run.log")
	res := r.Run(context.Background(), Options{
		ID: "run-5", LogPath: logPath, MaxRetries: 0, Timeout: 20 * time.Millisecond,
		Command: "fake",
	})

	if res.Success || res.Error != "timeout" {
		t.Fatalf("expected timeout failure, got %+v", res)
	}
}

func TestRunner_OnOutputChunkInvokedPerLine(t *testing.T) {
	r := newWithStarter(scriptedStarter([]string{
		`{"type":"tool_call","text":"grep"}`,
		`{"type":"tool_result","text":"3 matches"}`,
	}, nil))

	var got []Category
	logPath := filepath.Join(t.TempDir(), "run.log")
	r.Run(context.Background(), Options{
		ID: "run-6", LogPath: logPath, Command: "fake",
		OnOutputChunk: func(c Chunk) { got = append(got, c.Category) },
	})

	if len(got) != 2 || got[0] != CategoryToolCall || got[1] != CategoryToolResult {
		t.Fatalf("unexpected chunk categories: %+v", got)
	}
}
