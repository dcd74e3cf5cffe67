package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/copyleftdev/hypertune/internal/config"
	"github.com/copyleftdev/hypertune/internal/crossval"
	"github.com/copyleftdev/hypertune/internal/job"
	"github.com/copyleftdev/hypertune/internal/logging"
	"github.com/copyleftdev/hypertune/internal/optimization"
	"github.com/copyleftdev/hypertune/internal/search"
)

type runOptions struct {
	jobPath  string
	output   string
	priors   string
	logLevel string
	top      int
}

func newRunCmd() *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run --job job.yaml",
		Short: "Run the search described by a job file",
		Long: `Run loads a YAML job, evaluates configurations with k-fold
cross-validation until a stop rule fires, refits the winner on the full
dataset and writes the ranked tables to the output directory.

Interrupting the command stops the search at the next round boundary and
keeps the partial results.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runSearch(ctx, cmd.OutOrStdout(), cmd.ErrOrStderr(), opts)
		},
	}
	cmd.Flags().StringVarP(&opts.jobPath, "job", "j", "", "path to the YAML job file")
	cmd.Flags().StringVarP(&opts.output, "output", "o", "", "directory for the result tables (overrides the job)")
	cmd.Flags().StringVar(&opts.priors, "priors", "", "configurations.csv of an earlier run to seed the search with")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "", "log level (overrides LOG_LEVEL)")
	cmd.Flags().IntVar(&opts.top, "top", 10, "number of configurations to print")
	_ = cmd.MarkFlagRequired("job")
	return cmd
}

func runSearch(ctx context.Context, stdout, stderr io.Writer, opts runOptions) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	level := cfg.Logging.Level
	if opts.logLevel != "" {
		level = opts.logLevel
	}
	parsed, err := logging.ParseLevel(level)
	if err != nil {
		return err
	}
	logger := logging.New(parsed, stderr).WithField("service", "hypertune")

	spec, err := job.LoadFile(opts.jobPath)
	if err != nil {
		return err
	}
	if opts.output != "" {
		spec.OutputPath = opts.output
	}
	if opts.priors != "" {
		spec.PriorsPath = opts.priors
	}

	settings, err := spec.Settings(job.Defaults{
		MaxIter:           cfg.Search.MaxIter,
		NumThreads:        cfg.Search.NumThreads,
		FoldThreads:       cfg.Search.FoldThreads,
		Folds:             cfg.Search.Folds,
		PathForTempModels: cfg.Search.TempModelPath,
		ModelStore:        cfg.Storage.ModelStore,
	})
	if err != nil {
		return err
	}
	data, err := spec.LoadDataset()
	if err != nil {
		return err
	}

	loop, err := search.NewLoop(settings, spec.NewEstimator(), crossval.NewKFold(settings.Seed), data,
		search.WithLogger(logging.NewZapLogger(logger)),
		search.WithObserver(&progress{w: stderr}),
	)
	if err != nil {
		return err
	}

	res, err := loop.Run(ctx)
	if res != nil {
		printResult(stdout, res, opts.top)
		if settings.OutputPath != "" {
			fmt.Fprintf(stdout, "\nResults written to %s\n", settings.OutputPath)
		}
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("search interrupted after %d evaluations: %w", historyLen(res), err)
	}
	return err
}

func historyLen(res *search.Result) int {
	if res == nil {
		return 0
	}
	return len(res.History)
}

// progress prints one line per round.
type progress struct {
	w io.Writer
}

func (p *progress) OnEvaluation(optimization.EvaluationResult) {}

func (p *progress) OnRound(e search.RoundEvent) {
	best := math.NaN()
	if e.HasBest {
		best = e.Best.Metric
	}
	fmt.Fprintf(p.w, "round %d: evaluated %d (%d failed), %d total, best %.6g\n",
		e.Round, e.Evaluated, e.Failed, e.HistorySize, best)
}

func printResult(w io.Writer, res *search.Result, top int) {
	fmt.Fprintf(w, "Stopped: %s after %d rounds, %d configurations\n", res.StopReason, res.Rounds, len(res.History))
	fmt.Fprintf(w, "Best: configuration %d, metric %.6g\n\n", res.Best.Configuration.Index, res.Best.Metric)
	printTable(w, res.Configurations, top)
	if res.Model != nil {
		fmt.Fprintln(w)
		printCoefficients(w, res.Model.Coefficients())
	}
}
