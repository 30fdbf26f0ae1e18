// Package dispatcher runs independent units of work under a concurrency
// ceiling with fail-fast or best-effort error handling.
package dispatcher

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/pukiwiki-dumper/internal/logging"
	"github.com/JakeFAU/pukiwiki-dumper/internal/metrics"
	"github.com/JakeFAU/pukiwiki-dumper/internal/wiki"
)

// Policy controls admission and failure handling.
type Policy struct {
	// Concurrency is the maximum number of units running at once.
	Concurrency int
	// IgnoreErrors logs every failure and keeps going.
	IgnoreErrors bool
	// IgnoreDisabled downgrades disabled-edit and missing-textarea failures
	// to warnings even under fail-fast.
	IgnoreDisabled bool
}

// Unit is one independent piece of work, such as a page or an attachment.
type Unit struct {
	Kind string
	Name string
	Run  func(ctx context.Context) error
}

// Dispatcher fans units out to goroutines.
type Dispatcher struct {
	policy Policy
	logger *zap.Logger
}

// New creates a Dispatcher. Concurrency below one is treated as one.
func New(policy Policy, logger *zap.Logger) *Dispatcher {
	if policy.Concurrency < 1 {
		policy.Concurrency = 1
	}
	logger = logging.OrNop(logger)
	return &Dispatcher{policy: policy, logger: logger}
}

// Dispatch starts units in order and blocks until every started unit has
// returned. Under fail-fast the first non-ignorable error stops further
// starts and is returned once in-flight units finish. Running units are never
// interrupted by a fault; only cancellation of ctx reaches them.
func (d *Dispatcher) Dispatch(ctx context.Context, units []Unit) error {
	sem := semaphore.NewWeighted(int64(d.policy.Concurrency))
	var (
		wg    sync.WaitGroup
		fault atomic.Pointer[error]
		admit error
	)

	for i, u := range units {
		if fault.Load() != nil {
			break
		}
		if err := ctx.Err(); err != nil {
			admit = err
			break
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			admit = err
			break
		}
		// A slot is released only after its unit recorded any fault.
		if fault.Load() != nil {
			sem.Release(1)
			break
		}
		d.logger.Debug("unit start",
			zap.String("kind", u.Kind),
			zap.String("name", u.Name),
			zap.Int("index", i+1),
			zap.Int("total", len(units)),
		)
		wg.Add(1)
		go func(u Unit) {
			defer wg.Done()
			defer sem.Release(1)
			metrics.IncActiveWorkers()
			defer metrics.DecActiveWorkers()

			if err := u.Run(ctx); err != nil {
				d.handle(u, err, &fault)
			}
		}(u)
	}
	wg.Wait()

	if p := fault.Load(); p != nil {
		return *p
	}
	return admit
}

func (d *Dispatcher) handle(u Unit, err error, fault *atomic.Pointer[error]) {
	fields := []zap.Field{zap.String("kind", u.Kind), zap.String("name", u.Name), zap.Error(err)}
	switch {
	case d.policy.IgnoreDisabled && wiki.IsIgnorableDisabled(err):
		d.logger.Warn("unit disabled on site, ignored", fields...)
		metrics.ObserveItem(u.Kind, metrics.StatusIgnored)
	case d.policy.IgnoreErrors && !errors.Is(err, context.Canceled):
		d.logger.Error("unit failed, ignored", fields...)
		metrics.ObserveItem(u.Kind, metrics.StatusFailed)
	default:
		d.logger.Error("unit failed", fields...)
		metrics.ObserveItem(u.Kind, metrics.StatusFailed)
		fault.CompareAndSwap(nil, &err)
	}
}
