// Package ytdlptest provides a scriptable yt-dlp runner for tests.
package ytdlptest

import (
	"context"
	"slices"
	"sync"

	"github.com/JakeFAU/media-harvester/internal/ytdlp"
)

// HandlerFunc answers one invocation.
type HandlerFunc func(ctx context.Context, args []string) (ytdlp.Result, error)

// Runner records every invocation and delegates to a HandlerFunc.
type Runner struct {
	mu      sync.Mutex
	handler HandlerFunc
	calls   [][]string
}

// New returns a Runner backed by handler.
func New(handler HandlerFunc) *Runner {
	return &Runner{handler: handler}
}

// Run implements ytdlp.Runner.
func (r *Runner) Run(ctx context.Context, args []string) (ytdlp.Result, error) {
	r.mu.Lock()
	r.calls = append(r.calls, append([]string(nil), args...))
	handler := r.handler
	r.mu.Unlock()
	if handler == nil {
		return ytdlp.Result{}, nil
	}
	return handler(ctx, args)
}

// Calls returns a copy of every argument list seen so far.
func (r *Runner) Calls() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]string, len(r.calls))
	for i, c := range r.calls {
		out[i] = append([]string(nil), c...)
	}
	return out
}

// CountWith returns how many invocations included flag.
func (r *Runner) CountWith(flag string) int {
	n := 0
	for _, call := range r.Calls() {
		if slices.Contains(call, flag) {
			n++
		}
	}
	return n
}

// Value returns the argument following flag, or "".
func Value(args []string, flag string) string {
	for i := 0; i < len(args)-1; i++ {
		if args[i] == flag {
			return args[i+1]
		}
	}
	return ""
}

// Target returns the last argument, which is always the locator.
func Target(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[len(args)-1]
}

// Has reports whether args contains flag.
func Has(args []string, flag string) bool {
	return slices.Contains(args, flag)
}
