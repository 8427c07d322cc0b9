package repair

import (
	"context"
	"math/rand"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/rangerepair/pkg/config"
	"github.com/cuemby/rangerepair/pkg/journal"
	"github.com/cuemby/rangerepair/pkg/nodetool"
)

// scriptedRunner drives the three ring-discovery calls with fixed output and
// records every "repair" invocation it receives, optionally failing the
// first N attempts per slice to exercise the retryer.
type scriptedRunner struct {
	mu          sync.Mutex
	repairCalls []string
	failFirstN  int
	attemptsOf  map[string]int
}

func newScriptedRunner() *scriptedRunner {
	return &scriptedRunner{attemptsOf: map[string]int{}}
}

func (r *scriptedRunner) Run(_ context.Context, argv []string) (nodetool.Result, error) {
	cmd := joinArgv(argv)
	if len(argv) == 0 {
		return nodetool.Result{Success: false}, nil
	}
	switch argv[len(argv)-1] {
	case "gossipinfo":
		return nodetool.Result{Success: true, Stdout: ""}, nil
	case "ring":
		return nodetool.Result{Success: true, Stdout: "\n\n\n\n" +
			"10.0.0.1  rack1       Up     Normal  100 KB     100.0%   0\n"}, nil
	case "-T":
		return nodetool.Result{Success: true, Stdout: "Token            : 0\n"}, nil
	}

	if len(argv) > 5 && argv[5] == "repair" {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.repairCalls = append(r.repairCalls, cmd)
		r.attemptsOf[cmd]++
		if r.attemptsOf[cmd] <= r.failFirstN {
			return nodetool.Result{Success: false, Cmd: cmd, Stderr: "transient"}, nil
		}
		return nodetool.Result{Success: true, Cmd: cmd}, nil
	}

	return nodetool.Result{Success: false, Stderr: "unexpected argv " + cmd}, nil
}

func joinArgv(argv []string) string {
	out := ""
	for i, a := range argv {
		if i > 0 {
			out += " "
		}
		out += a
	}
	return out
}

func baseConfig(t *testing.T) config.Config {
	cfg := config.Default()
	cfg.Host = "10.0.0.1"
	cfg.Steps = 1
	cfg.Workers = 2
	cfg.OutputStatus = filepath.Join(t.TempDir(), "status.json")
	cfg.InitialSleep = time.Millisecond
	cfg.MaxSleep = time.Millisecond
	cfg.MaxSleepBeforeRun = 0
	return cfg
}

func newTestDriver(cfg config.Config, runner nodetool.Runner) *Driver {
	d := NewDriver(cfg, runner)
	d.Sleep = func(time.Duration) {}
	d.Rand = rand.New(rand.NewSource(1))
	return d
}

func TestDriverFreshRunSucceedsOnFirstAttempt(t *testing.T) {
	cfg := baseConfig(t)
	runner := newScriptedRunner()
	d := newTestDriver(cfg, runner)

	require.NoError(t, d.Run(context.Background()))
	assert.Len(t, runner.repairCalls, 1)

	doc, err := journal.Load(cfg.OutputStatus)
	require.NoError(t, err)
	assert.NotNil(t, doc.Finished)
	assert.Equal(t, 1, doc.SuccessfulCount)
	assert.Equal(t, 0, doc.FailedCount)
}

func TestDriverRetriesTransientFailures(t *testing.T) {
	cfg := baseConfig(t)
	cfg.MaxTries = 3
	runner := newScriptedRunner()
	runner.failFirstN = 2
	d := newTestDriver(cfg, runner)

	require.NoError(t, d.Run(context.Background()))

	doc, err := journal.Load(cfg.OutputStatus)
	require.NoError(t, err)
	assert.Equal(t, 1, doc.SuccessfulCount)
	assert.Equal(t, 0, doc.FailedCount)
}

func TestDriverRecordsFailureAfterExhaustingRetries(t *testing.T) {
	cfg := baseConfig(t)
	cfg.MaxTries = 2
	runner := newScriptedRunner()
	runner.failFirstN = 99
	d := newTestDriver(cfg, runner)

	require.NoError(t, d.Run(context.Background()))

	doc, err := journal.Load(cfg.OutputStatus)
	require.NoError(t, err)
	assert.Equal(t, 0, doc.SuccessfulCount)
	assert.Equal(t, 1, doc.FailedCount)
	assert.Len(t, doc.FailedRepairs, 1)
}

func TestDriverDryRunExecutesNothing(t *testing.T) {
	cfg := baseConfig(t)
	cfg.DryRun = true
	runner := newScriptedRunner()
	d := newTestDriver(cfg, runner)

	require.NoError(t, d.Run(context.Background()))
	assert.Empty(t, runner.repairCalls)
}

func TestDriverExcludedSliceIsSkipped(t *testing.T) {
	cfg := baseConfig(t)
	cfg.Exclude = []config.ExcludeRule{{Node: "1", Step: 1}}
	runner := newScriptedRunner()
	d := newTestDriver(cfg, runner)

	require.NoError(t, d.Run(context.Background()))
	assert.Empty(t, runner.repairCalls)

	doc, err := journal.Load(cfg.OutputStatus)
	require.NoError(t, err)
	assert.Equal(t, 0, doc.SuccessfulCount)
	assert.Equal(t, 0, doc.FailedCount)
}

// multiHostRunner is scriptedRunner with a ring of several hosts. The target
// still owns the single token 0, whose range wraps round from 2000; a test
// that sets Steps above 1 splits that range into several slices, so the run
// dispatches them concurrently and exercises the shared jitter source from
// multiple worker goroutines at once.
type multiHostRunner struct {
	scriptedRunner
}

func (r *multiHostRunner) Run(ctx context.Context, argv []string) (nodetool.Result, error) {
	if len(argv) > 0 && argv[len(argv)-1] == "ring" {
		return nodetool.Result{Success: true, Stdout: "\n\n\n\n" +
			"10.0.0.1  rack1       Up     Normal  100 KB     100.0%   0\n" +
			"10.0.0.2  rack1       Up     Normal  100 KB     100.0%   1000\n" +
			"10.0.0.3  rack1       Up     Normal  100 KB     100.0%   2000\n"}, nil
	}
	return r.scriptedRunner.Run(ctx, argv)
}

func TestDriverConcurrentWorkersShareJitterSourceSafely(t *testing.T) {
	cfg := baseConfig(t)
	cfg.Host = "10.0.0.1"
	cfg.Steps = 3
	cfg.Workers = 4
	cfg.MaxSleepBeforeRun = 5 * time.Millisecond
	runner := &multiHostRunner{scriptedRunner: *newScriptedRunner()}
	d := NewDriver(cfg, runner)
	d.Sleep = func(time.Duration) {}

	require.NoError(t, d.Run(context.Background()))
	assert.Len(t, runner.repairCalls, 3)
}

func TestBuildRepairArgvOrder(t *testing.T) {
	cfg := config.Default()
	cfg.Host = "h"
	cfg.Port = 7199
	cfg.Full = true
	cfg.Parallel = true
	cfg.Incremental = true
	cfg.Snapshot = true

	argv := buildRepairArgv(cfg, "+001", "+002", "ks", []string{"cf1", "cf2"})
	want := []string{
		"nodetool", "-h", "h", "-p", "7199", "repair",
		"-full", "ks", "cf1", "cf2", "-pr", "-par", "-inc", "-snapshot",
		"-st", "+001", "-et", "+002",
	}
	assert.Equal(t, want, argv)
}

func TestBuildRepairArgvLocalInsteadOfPR(t *testing.T) {
	cfg := config.Default()
	cfg.Host = "h"
	cfg.Local = true

	argv := buildRepairArgv(cfg, "a", "b", "", nil)
	assert.Contains(t, argv, "-local")
	assert.NotContains(t, argv, "-pr")
}
