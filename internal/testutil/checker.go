package testutil

import (
	"context"
	"sync"

	"github.com/daktari77/GLR-GestioneLocaleRadioamatori/internal/glr"
)

// StubChecker wraps another checker and lets a test override the result
// for specific paths or for the nth call.
type StubChecker struct {
	mu       sync.Mutex
	next     glr.IntegrityChecker
	byPath   map[string]glr.CheckResult
	failCall map[int]glr.CheckResult
	calls    int
}

func NewStubChecker(next glr.IntegrityChecker) *StubChecker {
	return &StubChecker{
		next:     next,
		byPath:   make(map[string]glr.CheckResult),
		failCall: make(map[int]glr.CheckResult),
	}
}

// SetResult makes every check of path return r.
func (c *StubChecker) SetResult(path string, r glr.CheckResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byPath[path] = r
}

// FailCall makes the nth check (1-based) return r.
func (c *StubChecker) FailCall(n int, r glr.CheckResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failCall[n] = r
}

// Calls returns the number of checks performed.
func (c *StubChecker) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func (c *StubChecker) Check(ctx context.Context, path string) glr.CheckResult {
	c.mu.Lock()
	c.calls++
	n := c.calls
	r, forced := c.failCall[n]
	if !forced {
		r, forced = c.byPath[path]
	}
	c.mu.Unlock()

	if forced {
		return r
	}
	return c.next.Check(ctx, path)
}

var _ glr.IntegrityChecker = (*StubChecker)(nil)
