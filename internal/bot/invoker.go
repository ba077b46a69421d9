package bot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"troupe/internal/logging"
	"troupe/internal/metrics"
)

// The worker gets a hard deadline per invocation; a hung model call must not
// pin the per-pair lock forever.
const defaultInvokeTimeout = 2 * time.Minute

const maxStderrCapture = 4 * 1024

// InvokeRequest carries one prompt to the external worker. SessionUUID is
// empty for the first turn of a conversation.
type InvokeRequest struct {
	Bot           Bot
	SessionUUID   string
	Prompt        string
	WorkspacePath string
}

// InvokeResult is the worker's reply. SessionUUID is whatever session the
// worker reports, which may differ from the requested one when the worker
// rotated it.
type InvokeResult struct {
	SessionUUID string
	Text        string
	Duration    time.Duration
}

type Invoker interface {
	Invoke(ctx context.Context, req InvokeRequest) (InvokeResult, error)
}

// InvocationFailure wraps a failed worker run with enough detail to log and
// to tell the user something went wrong without touching session state.
type InvocationFailure struct {
	BotID    string
	TimedOut bool
	ExitCode int
	Stderr   string
	Err      error
}

func (e *InvocationFailure) Error() string {
	if e.TimedOut {
		return fmt.Sprintf("worker for bot %q timed out", e.BotID)
	}
	if e.ExitCode != 0 {
		return fmt.Sprintf("worker for bot %q exited with code %d", e.BotID, e.ExitCode)
	}
	return fmt.Sprintf("worker for bot %q failed: %v", e.BotID, e.Err)
}

func (e *InvocationFailure) Unwrap() error { return e.Err }

// WorkerInvoker runs the worker CLI once per message and parses its JSON
// output. Resume semantics ride on the --resume flag; the worker decides
// whether the requested session is still resumable.
type WorkerInvoker struct {
	Command string
	Args    []string
	Timeout time.Duration
	Logger  *logging.Logger
	Metrics *metrics.Registry
}

type workerOutput struct {
	SessionID string `json:"session_id"`
	Result    string `json:"result"`
}

func (w *WorkerInvoker) Invoke(ctx context.Context, req InvokeRequest) (InvokeResult, error) {
	timeout := w.Timeout
	if timeout <= 0 {
		timeout = defaultInvokeTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := append([]string(nil), w.Args...)
	args = append(args, "--output-format", "json")
	if req.Bot.BrainRef != "" {
		args = append(args, "--brain", req.Bot.BrainRef)
	}
	if req.SessionUUID != "" {
		args = append(args, "--resume", req.SessionUUID)
	}
	args = append(args, "-p", req.Prompt)

	cmd := exec.CommandContext(runCtx, w.Command, args...)
	if req.WorkspacePath != "" {
		cmd.Dir = req.WorkspacePath
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	started := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(started)
	w.Metrics.ObserveInvocationSeconds(elapsed.Seconds())

	if runErr != nil {
		failure := &InvocationFailure{
			BotID:  req.Bot.ID,
			Stderr: truncateStderr(stderr.String()),
			Err:    runErr,
		}
		if runCtx.Err() == context.DeadlineExceeded {
			failure.TimedOut = true
		}
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			failure.ExitCode = exitErr.ExitCode()
		}
		w.Metrics.IncInvocation(req.Bot.ID, "error")
		w.logFailure(failure, elapsed)
		return InvokeResult{}, failure
	}

	var out workerOutput
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		failure := &InvocationFailure{
			BotID:  req.Bot.ID,
			Stderr: truncateStderr(stderr.String()),
			Err:    fmt.Errorf("decode worker output: %w", err),
		}
		w.Metrics.IncInvocation(req.Bot.ID, "error")
		w.logFailure(failure, elapsed)
		return InvokeResult{}, failure
	}

	w.Metrics.IncInvocation(req.Bot.ID, "ok")
	return InvokeResult{
		SessionUUID: strings.TrimSpace(out.SessionID),
		Text:        out.Result,
		Duration:    elapsed,
	}, nil
}

func (w *WorkerInvoker) logFailure(failure *InvocationFailure, elapsed time.Duration) {
	if w.Logger == nil {
		return
	}
	w.Logger.Error("worker invocation failed", map[string]string{
		"bot_id":   failure.BotID,
		"duration": elapsed.Round(time.Millisecond).String(),
		"error":    failure.Error(),
	})
}

func truncateStderr(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxStderrCapture {
		return s[:maxStderrCapture]
	}
	return s
}
