// Package retry implements the fixed exponential-backoff policy the repair
// driver applies around every CLI invocation.
package retry

import (
	"context"
	"time"
)

// Config is the retryer's immutable parameter set.
type Config struct {
	MaxTries     int
	InitialSleep time.Duration
	SleepFactor  float64
	// MaxSleep caps each individual sleep. MaxSleep <= 0 disables the cap;
	// the nominal sleep still grows by SleepFactor between attempts
	// regardless of the cap.
	MaxSleep time.Duration
}

// Retryer retries an operation of result type T until Success reports true
// or Config.MaxTries is exhausted.
type Retryer[T any] struct {
	Config  Config
	Success func(T) bool
	// Sleep is injectable so tests can record the sleep sequence instead of
	// waiting in real time.
	Sleep func(time.Duration)
}

// New returns a Retryer with the real time.Sleep as its sleeper.
func New[T any](cfg Config, success func(T) bool) *Retryer[T] {
	return &Retryer[T]{Config: cfg, Success: success, Sleep: time.Sleep}
}

// Run invokes execute up to Config.MaxTries times, sleeping between
// attempts per the configured backoff. It returns the last result
// regardless of whether it succeeded; callers consult Success themselves
// if they need the verdict. ctx is checked only at sleep points, matching
// the suspension-point contract: a successful run never blocks on ctx.
func (r *Retryer[T]) Run(ctx context.Context, execute func(ctx context.Context) T) T {
	nextSleep := r.Config.InitialSleep
	var result T

	for attempt := 0; attempt < r.Config.MaxTries; attempt++ {
		result = execute(ctx)
		if r.Success(result) {
			return result
		}

		if attempt == r.Config.MaxTries-1 {
			break
		}

		sleepFor := nextSleep
		if r.Config.MaxSleep > 0 && sleepFor > r.Config.MaxSleep {
			sleepFor = r.Config.MaxSleep
		}

		select {
		case <-ctx.Done():
			return result
		default:
		}
		r.Sleep(sleepFor)
		nextSleep = time.Duration(float64(nextSleep) * r.Config.SleepFactor)
	}

	return result
}
