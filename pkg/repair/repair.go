// Package repair implements the driver: the top-level orchestrator that
// builds a work list from a TokenRing, primes the journal, dispatches
// slices to a bounded worker pool, and supports resuming an interrupted
// run from an existing journal file.
package repair

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/rangerepair/pkg/config"
	"github.com/cuemby/rangerepair/pkg/exclude"
	"github.com/cuemby/rangerepair/pkg/journal"
	"github.com/cuemby/rangerepair/pkg/log"
	"github.com/cuemby/rangerepair/pkg/nodetool"
	"github.com/cuemby/rangerepair/pkg/retry"
	"github.com/cuemby/rangerepair/pkg/selfmetrics"
	"github.com/cuemby/rangerepair/pkg/token"
)

// ErrWorkerAbort documents the WORKER_ABORT error kind; it is never
// returned directly (cancellation is best-effort and silent per spec), but
// callers can wrap context.Canceled with it for log messages if desired.
var ErrWorkerAbort = errors.New("repair: worker aborted")

// Driver owns one repair run: a TokenRing discovery, a journal, and a
// bounded pool of workers dispatching one goroutine per slice.
type Driver struct {
	Config  config.Config
	Runner  nodetool.Runner
	Journal *journal.Journal

	// Sleep and Rand are injectable so tests can exercise the jitter sleep
	// and retry backoff without real delay. Rand is shared across the
	// worker pool's goroutines, so every access goes through randMu;
	// *rand.Rand is not safe for concurrent use on its own.
	Sleep  func(time.Duration)
	Rand   *rand.Rand
	randMu sync.Mutex
}

// NewDriver returns a Driver ready to Run, with real sleeping/jitter.
func NewDriver(cfg config.Config, runner nodetool.Runner) *Driver {
	return &Driver{
		Config:  cfg,
		Runner:  runner,
		Journal: journal.New(),
		Sleep:   time.Sleep,
		Rand:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Run discovers the ring and executes either a fresh run or a resume,
// depending on Config.Resume. Discovery failure is fatal (RING_DISCOVERY);
// everything past that point is best-effort per slice.
func (d *Driver) Run(ctx context.Context) error {
	runID := uuid.New().String()
	logger := log.WithRun(runID)

	ring, err := token.Discover(ctx, d.Runner, token.DiscoveryConfig{
		NodetoolPath: d.Config.NodetoolPath,
		Host:         d.Config.Host,
		Port:         d.Config.Port,
		Datacenter:   d.Config.Datacenter,
	})
	if err != nil {
		return err
	}

	if d.Config.Resume {
		return d.runResume(ctx, logger)
	}
	return d.runFresh(ctx, ring, logger)
}

func (d *Driver) runFresh(ctx context.Context, ring *token.TokenRing, logger zerolog.Logger) error {
	if err := d.Journal.Start(d.Config.Steps, d.Config.OutputStatus, d.Config.LogStatus); err != nil {
		return err
	}
	d.Journal.OnSnapshot = func(snapshot string) { log.Critical(logger, snapshot) }

	sem := make(chan struct{}, maxInt(d.Config.Workers, 1))
	var wg sync.WaitGroup

	total := len(ring.HostTokens)
	for i, hostToken := range ring.HostTokens {
		if i < d.Config.Offset {
			continue
		}
		rangeStart := ring.GetPrecedingToken(hostToken)
		nodePosition := fmt.Sprintf("%d/%d", i+1, total)
		logger.Info().Str("node_position", nodePosition).Msg("repairing token range")

		for _, sub := range ring.SubRangeGenerator(rangeStart, hostToken, d.Config.Steps) {
			logger.Debug().Str("node_position", nodePosition).Int("step", sub.Step).
				Str("start", sub.Start).Str("end", sub.End).Msg("queueing sub-range")
			rec := journal.RepairRecord{
				Step:           sub.Step,
				Start:          sub.Start,
				End:            sub.End,
				NodePosition:   nodePosition,
				Keyspace:       d.Config.Keyspace,
				ColumnFamilies: columnFamiliesLabel(d.Config.ColumnFamily),
			}
			d.Journal.AddPending(rec)
			d.updateBucketMetrics()

			wg.Add(1)
			sem <- struct{}{}
			go func(rec journal.RepairRecord) {
				defer wg.Done()
				defer func() { <-sem }()
				d.repairSlice(ctx, rec, logger)
			}(rec)
		}
	}

	wg.Wait()
	return d.Journal.Finish()
}

func (d *Driver) runResume(ctx context.Context, logger zerolog.Logger) error {
	pending, err := d.Journal.Resume(d.Config.OutputStatus, d.Config.Steps)
	if err != nil {
		return err
	}
	d.Journal.OnSnapshot = func(snapshot string) { log.Critical(logger, snapshot) }
	d.updateBucketMetrics()

	sem := make(chan struct{}, maxInt(d.Config.Workers, 1))
	var wg sync.WaitGroup

	for _, rec := range pending {
		wg.Add(1)
		sem <- struct{}{}
		go func(rec journal.RepairRecord) {
			defer wg.Done()
			defer func() { <-sem }()
			d.repairSlice(ctx, rec, logger)
		}(rec)
	}

	wg.Wait()
	return d.Journal.Finish()
}

// repairSlice consults the exclusion list before doing anything else, then
// either skips, fans out per-keyspace, or repairs the slice as a single
// invocation.
func (d *Driver) repairSlice(ctx context.Context, rec journal.RepairRecord, logger zerolog.Logger) {
	select {
	case <-ctx.Done():
		return
	default:
	}

	kind, rule := exclude.None, (*exclude.Rule)(nil)
	if len(d.Config.Exclude) > 0 {
		kind, rule = exclude.Check(d.Config.ExcludeRules(), rec.NodePosition, rec.Step, d.Config.Keyspace)
	}

	switch kind {
	case exclude.Slice:
		logger.Debug().Str("slice", journalKeyOf(rec)).Msg("skipping excluded slice")
	case exclude.Keyspace:
		d.repairAcrossKeyspaces(ctx, rec, rule, logger)
	default:
		d.repairOne(ctx, rec, d.Config.Keyspace, d.Config.ColumnFamily, logger)
	}
}

func (d *Driver) repairAcrossKeyspaces(ctx context.Context, rec journal.RepairRecord, rule *exclude.Rule, logger zerolog.Logger) {
	keyspaces, err := exclude.EnumerateKeyspaces(ctx, d.Runner, buildArgv(d.Config, "cfstats"))
	if err != nil {
		logger.Error().Err(err).Msg("enumerating keyspaces for exclusion")
		return
	}

	for ks, tables := range keyspaces {
		if ks == rule.Keyspace {
			if rule.ColumnFamily == "" {
				logger.Debug().Str("keyspace", ks).Msg("skipping excluded keyspace")
				continue
			}
			keep := make([]string, 0, len(tables))
			for _, t := range tables {
				if t != rule.ColumnFamily {
					keep = append(keep, t)
				}
			}
			d.repairOne(ctx, rec, ks, keep, logger)
			continue
		}
		d.repairOne(ctx, rec, ks, d.Config.ColumnFamily, logger)
	}
}

// repairOne runs the retryer around one nodetool repair invocation and
// records the outcome in the journal. It never returns an error: slice
// failures are recorded, logged, and swallowed, matching the propagation
// rule that only discovery and configuration errors abort the run.
func (d *Driver) repairOne(ctx context.Context, rec journal.RepairRecord, keyspace string, columnFamilies []string, logger zerolog.Logger) {
	rec.Keyspace = keyspace
	rec.ColumnFamilies = columnFamiliesLabel(columnFamilies)

	argv := buildRepairArgv(d.Config, rec.Start, rec.End, keyspace, columnFamilies)
	cmdStr := strings.Join(argv, " ")
	rec.Cmd = cmdStr

	sliceLogger := logger.With().Str("slice", journalKeyOf(rec)).Logger()

	if d.Config.DryRun {
		sliceLogger.Info().Str("cmd", cmdStr).Msg("dry run: would execute")
		return
	}

	if err := d.Journal.RepairStart(rec); err != nil {
		sliceLogger.Error().Err(err).Msg("journal write failed")
		return
	}
	d.updateBucketMetrics()

	jitter := d.jitter()
	sliceLogger.Info().Dur("jitter", jitter).Msg("sleeping before run")
	d.Sleep(jitter)

	retryCfg := retry.Config{
		MaxTries:     d.Config.MaxTries,
		InitialSleep: d.Config.InitialSleep,
		SleepFactor:  d.Config.SleepFactor,
		MaxSleep:     d.Config.MaxSleep,
	}
	retryer := retry.New(retryCfg, func(r nodetool.Result) bool { return r.Success })
	retryer.Sleep = d.Sleep

	attempts := 0
	started := time.Now()
	result := retryer.Run(ctx, func(ctx context.Context) nodetool.Result {
		attempts++
		res, err := d.Runner.Run(ctx, argv)
		if err != nil {
			sliceLogger.Warn().Err(err).Msg("execution failed")
			return nodetool.Result{Success: false, Cmd: cmdStr, Stderr: err.Error()}
		}
		if !res.Success && attempts < d.Config.MaxTries {
			sliceLogger.Warn().Int("attempt", attempts).Str("stderr", res.Stderr).Msg("attempt failed; retrying")
		}
		return res
	})
	selfmetrics.RepairDuration.Observe(time.Since(started).Seconds())
	if attempts > 1 {
		selfmetrics.RetriesTotal.Add(float64(attempts - 1))
	}

	if ctx.Err() != nil {
		sliceLogger.Warn().Msg("aborted; leaving slice in current for resume")
		return
	}

	if !result.Success {
		selfmetrics.SlicesFailed.Inc()
		if err := d.Journal.RepairFail(rec); err != nil {
			sliceLogger.Error().Err(err).Msg("journal write failed")
		}
		d.updateBucketMetrics()
		sliceLogger.Error().Str("stderr", result.Stderr).Msg("repair failed")
		return
	}

	selfmetrics.SlicesFinished.Inc()
	if err := d.Journal.RepairSuccess(rec); err != nil {
		sliceLogger.Error().Err(err).Msg("journal write failed")
	}
	d.updateBucketMetrics()
	sliceLogger.Info().Msg("repair complete")
}

// jitter draws one jitter duration from d.Rand, guarded by randMu so
// concurrent slice goroutines never call Float64 on the shared source at
// the same time.
func (d *Driver) jitter() time.Duration {
	d.randMu.Lock()
	f := d.Rand.Float64()
	d.randMu.Unlock()
	return time.Duration(f * float64(d.Config.MaxSleepBeforeRun))
}

// updateBucketMetrics refreshes the pending/current gauges from the
// journal's current state; called after every journal mutation that can
// move a slice between buckets.
func (d *Driver) updateBucketMetrics() {
	pending, current, _, _, _, _ := d.Journal.Snapshot()
	selfmetrics.SetBucketCounts(pending, current)
}

func buildArgv(cfg config.Config, args ...string) []string {
	argv := []string{cfg.NodetoolPath, "-h", cfg.Host, "-p", strconv.Itoa(cfg.Port)}
	return append(argv, args...)
}

func buildRepairArgv(cfg config.Config, start, end, keyspace string, columnFamilies []string) []string {
	argv := []string{cfg.NodetoolPath, "-h", cfg.Host, "-p", strconv.Itoa(cfg.Port), "repair"}
	if cfg.Full {
		argv = append(argv, "-full")
	}
	if keyspace != "" {
		argv = append(argv, keyspace)
	}
	argv = append(argv, columnFamilies...)
	if cfg.Local {
		argv = append(argv, "-local")
	} else {
		argv = append(argv, "-pr")
	}
	if cfg.Parallel {
		argv = append(argv, "-par")
	}
	if cfg.Incremental {
		argv = append(argv, "-inc")
	}
	if cfg.Snapshot {
		argv = append(argv, "-snapshot")
	}
	argv = append(argv, "-st", start, "-et", end)
	return argv
}

func columnFamiliesLabel(cfs []string) string {
	if len(cfs) == 0 {
		return ""
	}
	return strings.Join(cfs, ",")
}

func journalKeyOf(rec journal.RepairRecord) string {
	return journal.SliceKey(rec.Step, rec.Start, rec.End, rec.NodePosition, rec.Keyspace, rec.ColumnFamilies)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
