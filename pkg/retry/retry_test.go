package retry

import (
	"context"
	"testing"
	"time"
)

func TestRunSucceedsFirstTryNoSleep(t *testing.T) {
	var slept []time.Duration
	r := &Retryer[bool]{
		Config:  Config{MaxTries: 3, InitialSleep: time.Second, SleepFactor: 2},
		Success: func(ok bool) bool { return ok },
		Sleep:   func(d time.Duration) { slept = append(slept, d) },
	}

	calls := 0
	result := r.Run(context.Background(), func(ctx context.Context) bool {
		calls++
		return true
	})

	if !result {
		t.Fatal("expected success")
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
	if len(slept) != 0 {
		t.Fatalf("expected no sleep on first-try success, got %v", slept)
	}
}

func TestRunExhaustsTriesAndGrowsSleep(t *testing.T) {
	var slept []time.Duration
	r := &Retryer[bool]{
		Config:  Config{MaxTries: 4, InitialSleep: time.Second, SleepFactor: 2},
		Success: func(ok bool) bool { return ok },
		Sleep:   func(d time.Duration) { slept = append(slept, d) },
	}

	calls := 0
	result := r.Run(context.Background(), func(ctx context.Context) bool {
		calls++
		return false
	})

	if result {
		t.Fatal("expected failure")
	}
	if calls != 4 {
		t.Fatalf("expected 4 calls (MaxTries), got %d", calls)
	}
	// 3 sleeps between 4 attempts, nominal sleep growing unconditionally
	// even though MaxSleep is unset (disabled).
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	if len(slept) != len(want) {
		t.Fatalf("expected sleeps %v, got %v", want, slept)
	}
	for i := range want {
		if slept[i] != want[i] {
			t.Fatalf("sleep %d: expected %v, got %v", i, want[i], slept[i])
		}
	}
}

func TestRunSleepCapAppliesWhileNominalGrowsUnbounded(t *testing.T) {
	var slept []time.Duration
	r := &Retryer[bool]{
		Config: Config{
			MaxTries:     5,
			InitialSleep: 10 * time.Second,
			SleepFactor:  2,
			MaxSleep:     15 * time.Second,
		},
		Success: func(ok bool) bool { return ok },
		Sleep:   func(d time.Duration) { slept = append(slept, d) },
	}

	r.Run(context.Background(), func(ctx context.Context) bool { return false })

	// nominal: 10, 20, 40, 80 -> capped sleeps: 10, 15, 15, 15
	want := []time.Duration{10 * time.Second, 15 * time.Second, 15 * time.Second, 15 * time.Second}
	if len(slept) != len(want) {
		t.Fatalf("expected %d sleeps, got %d: %v", len(want), len(slept), slept)
	}
	for i := range want {
		if slept[i] != want[i] {
			t.Fatalf("sleep %d: expected %v, got %v", i, want[i], slept[i])
		}
	}
}

func TestRunStopsOnContextCancellationBeforeSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	slept := 0
	r := &Retryer[bool]{
		Config:  Config{MaxTries: 5, InitialSleep: time.Second, SleepFactor: 2},
		Success: func(ok bool) bool { return ok },
		Sleep:   func(d time.Duration) { slept++ },
	}

	calls := 0
	r.Run(ctx, func(ctx context.Context) bool {
		calls++
		if calls == 2 {
			cancel()
		}
		return false
	})

	if calls != 2 {
		t.Fatalf("expected the run to stop right after cancellation, got %d calls", calls)
	}
	// One sleep happens between attempt 1 and 2, before cancel() fires inside
	// attempt 2's execute; the loop then observes ctx.Done() and returns
	// without a third attempt or a further sleep.
	if slept != 1 {
		t.Fatalf("expected exactly one sleep before cancellation was observed, got %d", slept)
	}
}
