package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/copyleftdev/hypertune/internal/estimator/linear"
	"github.com/copyleftdev/hypertune/internal/search"
	"github.com/copyleftdev/hypertune/internal/table"
)

type inspectOptions struct {
	dir     string
	top     int
	metrics bool
	weights bool
}

func newInspectCmd() *cobra.Command {
	var opts inspectOptions
	cmd := &cobra.Command{
		Use:   "inspect --dir out/",
		Short: "Print the ranked results persisted by a search",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return inspect(cmd.OutOrStdout(), opts)
		},
	}
	cmd.Flags().StringVarP(&opts.dir, "dir", "d", "", "output directory of a search")
	cmd.Flags().IntVar(&opts.top, "top", 10, "number of configurations to print (0 for all)")
	cmd.Flags().BoolVar(&opts.metrics, "metrics", false, "also print the per-fold metrics of the winner")
	cmd.Flags().BoolVar(&opts.weights, "weights", false, "also print the weights of the winner")
	_ = cmd.MarkFlagRequired("dir")
	return cmd
}

func inspect(w io.Writer, opts inspectOptions) error {
	configs, err := readTable(opts.dir, search.ConfigurationsFile, "configurations")
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%d configurations in %s\n\n", configs.Len(), opts.dir)
	printTable(w, configs, opts.top)

	if opts.metrics {
		if err := printWinnerRows(w, opts.dir, search.MetricsFile, "metrics"); err != nil {
			return err
		}
	}
	if opts.weights {
		if err := printWinnerRows(w, opts.dir, search.WeightsFile, "weights"); err != nil {
			return err
		}
	}

	var model linear.Model
	found, err := readJSON(opts.dir, search.ModelFile, &model)
	if err != nil {
		return err
	}
	if found {
		fmt.Fprintln(w, "\nRefitted model")
		printCoefficients(w, model.Coefficients())
	}

	var folds []linear.Model
	found, err = readJSON(opts.dir, search.FoldModelsFile, &folds)
	if err != nil {
		return err
	}
	if found {
		fmt.Fprintf(w, "\n%d fold models of the best configuration\n", len(folds))
		for i, m := range folds {
			fmt.Fprintf(w, "\nfold %d\n", i)
			printCoefficients(w, m.Coefficients())
		}
	}
	return nil
}

// readJSON decodes dir/file into v. A missing file is not an error.
func readJSON(dir, file string, v any) (bool, error) {
	data, err := os.ReadFile(filepath.Join(dir, file))
	switch {
	case os.IsNotExist(err):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("read %s: %w", file, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", file, err)
	}
	return true, nil
}

func readTable(dir, file, name string) (*table.Table, error) {
	f, err := os.Open(filepath.Join(dir, file))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	t, err := table.ReadCSV(f, name)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", file, err)
	}
	return t, nil
}

// printWinnerRows prints the rows of a block tagged with rank 0.
func printWinnerRows(w io.Writer, dir, file, name string) error {
	t, err := readTable(dir, file, name)
	if err != nil {
		return err
	}
	winner := table.New(name, t.Columns...)
	for i := 0; i < t.Len(); i++ {
		if v, ok := t.Float(i, search.ColConfigurationIndex); ok && v == 0 {
			winner.Rows = append(winner.Rows, t.Rows[i])
		}
	}
	fmt.Fprintf(w, "\n%s of the best configuration\n", name)
	printTable(w, winner, 0)
	return nil
}
