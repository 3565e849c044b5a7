// Package fanout refreshes externally owned application state after a job completes.
//
// Refresh routines run through a Runner, which marks their context so the core can refuse
// submissions made from inside a refresh.
package fanout

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var ErrReentrant = errors.New("submission from inside a completion fan-out")

type ctxKey struct{}

// FromFanout reports whether ctx belongs to a running refresh.
func FromFanout(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	v, _ := ctx.Value(ctxKey{}).(bool)
	return v
}

// Trigger is a one-shot flag: armed when a dispatch asks for a refresh, consumed by the next
// completion.
type Trigger struct {
	armed atomic.Bool
}

func (t *Trigger) Arm() { t.armed.Store(true) }

func (t *Trigger) Armed() bool { return t.armed.Load() }

// Consume reports true exactly once per Arm.
func (t *Trigger) Consume() bool { return t.armed.CompareAndSwap(true, false) }

type RunnerOption func(*Runner)

func WithBaseContext(ctx context.Context) RunnerOption {
	return func(r *Runner) { r.base = ctx }
}

func WithTimeout(d time.Duration) RunnerOption {
	return func(r *Runner) { r.timeout = d }
}

// WithAsync runs refreshes on their own goroutine instead of the caller's.
func WithAsync(async bool) RunnerOption {
	return func(r *Runner) { r.async = async }
}

type Runner struct {
	base    context.Context
	timeout time.Duration
	async   bool
	wg      sync.WaitGroup
	runs    atomic.Int64
}

func NewRunner(opts ...RunnerOption) *Runner {
	r := &Runner{base: context.Background(), timeout: 30 * time.Second}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes fn once with a fan-out context. Errors are logged, never returned: the
// refresh is best effort and must not affect the job that triggered it.
func (r *Runner) Run(name string, fn func(ctx context.Context) error) {
	if r == nil || fn == nil {
		return
	}
	r.runs.Add(1)
	if !r.async {
		r.run(name, fn)
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.run(name, fn)
	}()
}

func (r *Runner) run(name string, fn func(ctx context.Context) error) {
	ctx := context.WithValue(r.base, ctxKey{}, true)
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	start := time.Now()
	if err := fn(ctx); err != nil {
		log.Warn().Err(err).Str("component", "fanout").Str("refresh", name).Msg("refresh failed")
		return
	}
	log.Debug().Str("component", "fanout").Str("refresh", name).Dur("took", time.Since(start)).Msg("refresh done")
}

// Runs returns how many refreshes were started.
func (r *Runner) Runs() int64 { return r.runs.Load() }

// Wait blocks until asynchronous refreshes have finished.
func (r *Runner) Wait() { r.wg.Wait() }
