package ytdlp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Result captures the output of one tool invocation.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Runner executes yt-dlp with the given arguments.
type Runner interface {
	Run(ctx context.Context, args []string) (Result, error)
}

// ExitError is returned when the tool exits non-zero.
type ExitError struct {
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	tail := StderrTail(e.Stderr, 3)
	if tail == "" {
		return fmt.Sprintf("yt-dlp exited with code %d", e.Code)
	}
	return fmt.Sprintf("yt-dlp exited with code %d: %s", e.Code, tail)
}

// Config controls how the binary is launched.
type Config struct {
	Binary  string
	Timeout time.Duration
	Logger  *zap.Logger
}

// CommandRunner runs the real binary via os/exec.
type CommandRunner struct {
	binary  string
	timeout time.Duration
	logger  *zap.Logger
}

// NewCommandRunner builds a CommandRunner. An empty binary falls back to "yt-dlp" on PATH.
func NewCommandRunner(cfg Config) *CommandRunner {
	binary := strings.TrimSpace(cfg.Binary)
	if binary == "" {
		binary = Binary
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CommandRunner{binary: binary, timeout: cfg.Timeout, logger: logger}
}

// Run executes the binary and waits for it to exit.
func (r *CommandRunner) Run(ctx context.Context, args []string) (Result, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	// #nosec G204 -- binary comes from operator configuration.
	cmd := exec.CommandContext(ctx, r.binary, args...)
	cmd.Env = append(os.Environ(), "PYTHONUTF8=1")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	res := Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	r.logger.Debug("yt-dlp finished",
		zap.Strings("args", args),
		zap.Duration("dur", time.Since(start)),
		zap.Error(err),
	)
	if err == nil {
		return res, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return res, fmt.Errorf("run yt-dlp: %w", ctxErr)
		}
		return res, &ExitError{Code: res.ExitCode, Stderr: stderr.String()}
	}
	return res, fmt.Errorf("run yt-dlp: %w", err)
}

// StderrTail returns the last n non-empty lines of stderr joined by " | ".
func StderrTail(stderr string, n int) string {
	lines := strings.Split(strings.TrimSpace(stderr), "\n")
	kept := make([]string, 0, n)
	for i := len(lines) - 1; i >= 0 && len(kept) < n; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		kept = append([]string{line}, kept...)
	}
	return strings.Join(kept, " | ")
}
