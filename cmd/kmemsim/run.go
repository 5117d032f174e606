package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/alecthomas/kingpin/v2"
	"github.com/besos/kmem/heap"
	"github.com/besos/kmem/memutils"
	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"golang.org/x/exp/slog"
)

var logLevels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// runCommand replays a workload file against a heap built from a config file
type runCommand struct {
	configFile   *string
	workloadFile *string
	logLevel     *string
	logJSON      *bool
	detailed     *bool
	metrics      *bool
	requireClean *bool
}

type runOptions struct {
	Detailed     bool
	Metrics      bool
	RequireClean bool
}

func (cmd *runCommand) run(_ *kingpin.ParseContext) error {
	cfg, err := loadConfig(*cmd.configFile)
	if err != nil {
		exitWithErr(err)
	}

	data, err := os.ReadFile(*cmd.workloadFile)
	if err != nil {
		exitWithErr(fmt.Errorf("failed to read workload: %w", err))
	}
	wl, err := parseWorkload(data)
	if err != nil {
		exitWithErr(err)
	}

	logger := newLogger(os.Stderr, *cmd.logLevel, *cmd.logJSON)
	err = runWorkload(logger, cfg, wl, os.Stdout, runOptions{
		Detailed:     *cmd.detailed,
		Metrics:      *cmd.metrics,
		RequireClean: *cmd.requireClean,
	})
	if err != nil {
		exitWithErr(err)
	}

	return nil
}

func loadConfig(path string) (heap.Config, error) {
	if path == "" {
		var cfg heap.Config
		cfg.RegisterFlags(flag.NewFlagSet("defaults", flag.ContinueOnError))
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return heap.Config{}, fmt.Errorf("failed to read config: %w", err)
	}

	return heap.ParseConfig(data)
}

func newLogger(w io.Writer, level string, json bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: logLevels[level]}
	if json {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// runWorkload creates a heap over a fresh arena, replays the workload, and writes the heap's
// statistics to out. The heap is destroyed afterward; leaked allocations are logged, and only
// fail the run when RequireClean is set.
func runWorkload(logger *slog.Logger, cfg heap.Config, wl workload, out io.Writer, options runOptions) error {
	createOptions, err := cfg.CreateOptions()
	if err != nil {
		return err
	}

	arena, err := memutils.NewArena(cfg.Region())
	if err != nil {
		return err
	}

	h, err := heap.New(logger, arena, createOptions)
	if err != nil {
		return err
	}

	err = newSimulator(h, out).Run(wl)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintln(out, h.BuildStatsString(options.Detailed))
	if err != nil {
		return err
	}

	if options.Metrics {
		err = writeMetrics(out, h)
		if err != nil {
			return err
		}
	}

	err = h.Destroy()
	if err != nil && options.RequireClean {
		return errors.Wrap(err, "workload leaked memory")
	}

	return nil
}

func writeMetrics(out io.Writer, h *heap.Heap) error {
	registry := prometheus.NewRegistry()
	err := registry.Register(heap.NewCollector(h, prometheus.Labels{"heap": "kmemsim"}))
	if err != nil {
		return err
	}

	families, err := registry.Gather()
	if err != nil {
		return err
	}

	for _, family := range families {
		_, err = expfmt.MetricFamilyToText(out, family)
		if err != nil {
			return err
		}
	}

	return nil
}

func addRunCommand(app *kingpin.Application) {
	cmd := &runCommand{}
	run := app.Command("run", "Replay a workload against a simulated heap and print its statistics.").Action(cmd.run)
	cmd.configFile = run.Flag("config", "Heap config file. Defaults are used when omitted.").Short('c').ExistingFile()
	cmd.logLevel = run.Flag("log.level", "Only log messages with the given severity or above.").Default("info").Enum("debug", "info", "warn", "error")
	cmd.logJSON = run.Flag("log.json", "Log in JSON instead of logfmt.").Bool()
	cmd.detailed = run.Flag("detailed", "Include every page and block in the final statistics.").Bool()
	cmd.metrics = run.Flag("metrics", "Print the heap's prometheus metrics after the statistics.").Bool()
	cmd.requireClean = run.Flag("require-clean", "Fail if the workload leaves allocations or pages behind.").Bool()
	cmd.workloadFile = run.Arg("workload", "Workload file to replay.").Required().ExistingFile()
}
