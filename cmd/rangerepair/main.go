// Command rangerepair drives a sub-range incremental repair of a Cassandra
// node: it discovers the token ring via nodetool, splits each vnode range
// into small slices, and runs "nodetool repair" over each slice with
// bounded concurrency, exponential-backoff retries, and a crash-consistent
// JSON journal that supports resuming an interrupted run.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/cuemby/rangerepair/pkg/config"
	"github.com/cuemby/rangerepair/pkg/journal"
	"github.com/cuemby/rangerepair/pkg/log"
	"github.com/cuemby/rangerepair/pkg/nodetool"
	"github.com/cuemby/rangerepair/pkg/repair"
	"github.com/cuemby/rangerepair/pkg/selfmetrics"
	"github.com/cuemby/rangerepair/pkg/statusreport"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

var cfgFile string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "rangerepair",
	Short:   "Sub-range incremental repair driver for Cassandra",
	Version: Version,
	RunE:    runRepair,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("rangerepair version %s\nCommit: %s\n", Version, Commit))
	cobra.OnInitialize(initLogging)

	flags := rootCmd.Flags()
	flags.StringVar(&cfgFile, "config", "", "YAML config file layered over defaults and under flags")

	flags.String("keyspace", "", "Keyspace to repair (all keyspaces if unset)")
	flags.StringSlice("column-family", nil, "Column families to repair (requires --keyspace)")
	flags.String("host", "", "Target node (defaults to local hostname)")
	flags.Int("port", 7199, "JMX port")
	flags.String("datacenter", "", "Restrict ring discovery to this datacenter")
	flags.String("nodetool", "nodetool", "Path to the nodetool binary")

	flags.Int("steps", 100, "Number of sub-ranges per vnode")
	flags.Int("offset", 0, "Vnode index to start from")
	flags.Int("workers", 1, "Maximum concurrent repair invocations")

	flags.Bool("full", false, "Pass -full to nodetool repair")
	flags.Bool("local", false, "Pass -local instead of -pr to nodetool repair")
	flags.Bool("parallel", false, "Pass -par to nodetool repair")
	flags.Bool("incremental", false, "Pass -inc to nodetool repair (implies --parallel)")
	flags.Bool("snapshot", false, "Pass -snapshot to nodetool repair")

	flags.String("output-status", "", "Path to the JSON status journal")
	flags.Bool("log-status", false, "Log a snapshot of the journal after every write")
	flags.Bool("resume", false, "Resume from an existing --output-status journal")

	flags.Int("max-tries", 1, "Maximum attempts per slice")
	flags.Duration("initial-sleep", time.Second, "Initial retry backoff")
	flags.Float64("sleep-factor", 2, "Backoff growth factor between retries")
	flags.Duration("max-sleep", 1800*time.Second, "Per-attempt backoff cap")
	flags.Duration("max-sleep-before-run", 60*time.Second, "Maximum jitter sleep before each invocation")

	flags.Bool("dry-run", false, "Log the argv for each slice at info level instead of running it")

	flags.String("log-level", "warn", "Log level (debug, info, warn, error)")
	flags.Bool("log-json", false, "Output logs in JSON format")
	flags.String("syslog", "", "Syslog facility to log to instead of stderr")
	flags.String("logfile", "", "File to log to instead of stderr")

	flags.String("metrics-addr", "", "Address to serve Prometheus metrics on (disabled if unset)")

	rootCmd.AddCommand(statusCmd)
}

func initLogging() {
	level, _ := rootCmd.Flags().GetString("log-level")
	jsonOut, _ := rootCmd.Flags().GetBool("log-json")
	syslogFacility, _ := rootCmd.Flags().GetString("syslog")
	logfile, _ := rootCmd.Flags().GetString("logfile")

	if err := log.Init(log.Config{
		Level:      log.Level(level),
		JSONOutput: jsonOut,
		Syslog:     syslogFacility,
		File:       logfile,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "rangerepair: %v\n", err)
		os.Exit(1)
	}
}

func runRepair(cmd *cobra.Command, args []string) error {
	cfg, err := buildConfig(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr)
	}

	driver := repair.NewDriver(cfg, nodetool.ExecRunner{})
	return driver.Run(ctx)
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", selfmetrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Errorf("metrics server: %v", err)
	}
}

func buildConfig(cmd *cobra.Command) (config.Config, error) {
	cfg := config.Default()

	if cfgFile != "" {
		loaded, err := config.LoadYAML(cfg, cfgFile)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}

	flags := cmd.Flags()
	applyString(flags, "keyspace", &cfg.Keyspace)
	applyStringSlice(flags, "column-family", &cfg.ColumnFamily)
	applyString(flags, "host", &cfg.Host)
	applyInt(flags, "port", &cfg.Port)
	applyString(flags, "datacenter", &cfg.Datacenter)
	applyString(flags, "nodetool", &cfg.NodetoolPath)

	applyInt(flags, "steps", &cfg.Steps)
	applyInt(flags, "offset", &cfg.Offset)
	applyInt(flags, "workers", &cfg.Workers)

	applyBool(flags, "full", &cfg.Full)
	applyBool(flags, "local", &cfg.Local)
	applyBool(flags, "parallel", &cfg.Parallel)
	applyBool(flags, "incremental", &cfg.Incremental)
	applyBool(flags, "snapshot", &cfg.Snapshot)

	applyString(flags, "output-status", &cfg.OutputStatus)
	applyBool(flags, "log-status", &cfg.LogStatus)
	applyBool(flags, "resume", &cfg.Resume)

	applyInt(flags, "max-tries", &cfg.MaxTries)
	applyDuration(flags, "initial-sleep", &cfg.InitialSleep)
	applyFloat64(flags, "sleep-factor", &cfg.SleepFactor)
	applyDuration(flags, "max-sleep", &cfg.MaxSleep)
	applyDuration(flags, "max-sleep-before-run", &cfg.MaxSleepBeforeRun)

	applyBool(flags, "dry-run", &cfg.DryRun)

	applyString(flags, "syslog", &cfg.Syslog)
	applyString(flags, "logfile", &cfg.Logfile)
	applyString(flags, "metrics-addr", &cfg.MetricsAddr)

	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// applyString/applyInt/... only overwrite cfg's field when the flag was
// explicitly set on the command line, so a YAML-loaded value survives an
// unset flag sharing its zero value.
func applyString(flags *pflag.FlagSet, name string, dst *string) {
	if flags.Changed(name) {
		v, _ := flags.GetString(name)
		*dst = v
	}
}

func applyStringSlice(flags *pflag.FlagSet, name string, dst *[]string) {
	if flags.Changed(name) {
		v, _ := flags.GetStringSlice(name)
		*dst = v
	}
}

func applyInt(flags *pflag.FlagSet, name string, dst *int) {
	if flags.Changed(name) {
		v, _ := flags.GetInt(name)
		*dst = v
	}
}

func applyBool(flags *pflag.FlagSet, name string, dst *bool) {
	if flags.Changed(name) {
		v, _ := flags.GetBool(name)
		*dst = v
	}
}

func applyFloat64(flags *pflag.FlagSet, name string, dst *float64) {
	if flags.Changed(name) {
		v, _ := flags.GetFloat64(name)
		*dst = v
	}
}

func applyDuration(flags *pflag.FlagSet, name string, dst *time.Duration) {
	if flags.Changed(name) {
		v, _ := flags.GetDuration(name)
		*dst = v
	}
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Summarize a repair journal file",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().String("output-status", "", "Path to the JSON status journal (required)")
	statusCmd.Flags().String("format", "human", "Output format: human or telegraf")
}

func runStatus(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("output-status")
	format, _ := cmd.Flags().GetString("format")
	if path == "" {
		return fmt.Errorf("status: --output-status is required")
	}

	doc, err := journal.Load(path)
	if err != nil {
		return err
	}

	if format == "telegraf" {
		fmt.Println(statusreport.TelegrafLine(doc))
		return nil
	}

	summary, err := statusreport.Summarize(doc, time.Now())
	if err != nil {
		return err
	}
	fmt.Printf("status: %s\n", summary.Status)
	if summary.NodePosition != "" {
		fmt.Printf("node_position: %s\n", summary.NodePosition)
	}
	fmt.Printf("percentage_complete: %d%%\n", summary.PercentageComplete)
	fmt.Printf("failed: %d\n", summary.NumFailed)
	return nil
}
