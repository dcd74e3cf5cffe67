package search

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"

	"github.com/xuri/excelize/v2"

	"github.com/copyleftdev/hypertune/internal/crossval"
	"github.com/copyleftdev/hypertune/internal/estimator"
	"github.com/copyleftdev/hypertune/internal/optimization"
	"github.com/copyleftdev/hypertune/internal/table"
)

// Summary column names.
const (
	ColConfigurationIndex = "configurationIndex"
	ColResultingMetric    = "resultingMetric"
	ColError              = "error"
)

// RefitFold tags weight rows of the full-data refit of the winner.
const RefitFold = -1

// Persisted file names.
const (
	ConfigurationsFile = "configurations.csv"
	MetricsFile        = "metrics.csv"
	WeightsFile        = "weights.csv"
	WorkbookFile       = "summary.xlsx"
	ModelFile          = "model.json"
	FoldModelsFile     = "fold_models.json"
)

func isReservedColumn(name string) bool {
	switch name {
	case ColConfigurationIndex, ColResultingMetric, ColError:
		return true
	}
	return false
}

// Summary records every evaluation of a search and renders the ranked
// tables. It does no optimisation and is not safe for concurrent use.
type Summary struct {
	pairs   []optimization.ParamDomainPair // sorted by display name
	history []optimization.EvaluationResult
	refit   estimator.Model
	folds   []byte
}

// NewSummary returns an empty summary over pairs.
func NewSummary(pairs []optimization.ParamDomainPair) *Summary {
	sorted := append([]optimization.ParamDomainPair(nil), pairs...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].DisplayName < sorted[j].DisplayName
	})
	return &Summary{pairs: sorted}
}

// Record appends a round of results in proposal order.
func (s *Summary) Record(results ...optimization.EvaluationResult) {
	s.history = append(s.history, results...)
}

// Len returns the number of recorded evaluations.
func (s *Summary) Len() int { return len(s.history) }

// History returns a copy of the results in recording order.
func (s *Summary) History() []optimization.EvaluationResult {
	return append([]optimization.EvaluationResult(nil), s.history...)
}

// Ranked returns the results best first.
func (s *Summary) Ranked() []optimization.EvaluationResult {
	return optimization.Rank(s.history)
}

// Best returns the top-ranked result.
func (s *Summary) Best() (optimization.EvaluationResult, bool) {
	if len(s.history) == 0 {
		return optimization.EvaluationResult{}, false
	}
	return s.Ranked()[0], true
}

// AttachRefit records the winner refitted on the full dataset.
func (s *Summary) AttachRefit(model estimator.Model) {
	s.refit = model
}

// AttachFoldModels records the encoded cross-validation models of the
// winner. nil clears them.
func (s *Summary) AttachFoldModels(data []byte) {
	s.folds = data
}

// Columns returns the configurations table schema.
func (s *Summary) Columns() []string {
	cols := []string{ColConfigurationIndex, ColResultingMetric, ColError}
	for _, p := range s.pairs {
		cols = append(cols, p.DisplayName)
	}
	return cols
}

// ConfigurationsTable renders one row per evaluation, best first. The
// configurationIndex column is the rank.
func (s *Summary) ConfigurationsTable() *table.Table {
	t := table.New("configurations", s.Columns()...)
	for rank, r := range s.Ranked() {
		row := make([]any, 0, len(t.Columns))
		var errCell any
		if r.Err != "" {
			errCell = r.Err
		}
		row = append(row, rank, r.Metric, errCell)
		for _, p := range s.pairs {
			row = append(row, r.Configuration.Value(p.Name()))
		}
		_ = t.Append(row...)
	}
	return t
}

// MetricsBlock concatenates the per-fold metrics of every evaluation, tagged
// with its rank.
func (s *Summary) MetricsBlock() *table.Table {
	columns := crossval.MetricColumns
	for _, r := range s.history {
		if r.Metrics != nil {
			columns = r.Metrics.Columns
			break
		}
	}
	columns = append([]string{ColConfigurationIndex}, columns...)

	var parts []*table.Table
	for rank, r := range s.Ranked() {
		if r.Metrics == nil {
			continue
		}
		if tagged := r.Metrics.Prepend(ColConfigurationIndex, rank); table.SameColumns(tagged.Columns, columns) {
			parts = append(parts, tagged)
		}
	}
	out, _ := table.Concat("metrics", columns, parts...)
	return out
}

// WeightsBlock concatenates the per-fold weights of every evaluation, tagged
// with its rank, plus the refit rows of the winner under RefitFold.
func (s *Summary) WeightsBlock() *table.Table {
	columns := append([]string{ColConfigurationIndex}, crossval.WeightColumns...)

	var parts []*table.Table
	for rank, r := range s.Ranked() {
		if r.Weights != nil {
			if tagged := r.Weights.Prepend(ColConfigurationIndex, rank); table.SameColumns(tagged.Columns, columns) {
				parts = append(parts, tagged)
			}
		}
		if rank == 0 && s.refit != nil {
			refit := table.New("weights", crossval.WeightColumns...)
			crossval.AppendWeights(refit, RefitFold, s.refit)
			parts = append(parts, refit.Prepend(ColConfigurationIndex, 0))
		}
	}
	out, _ := table.Concat("weights", columns, parts...)
	return out
}

// Persist writes the three tables as CSV, a workbook with one sheet per
// table, the refit model and the winner's fold models when attached.
func (s *Summary) Persist(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("persist summary: %w", err)
	}

	tables := []*table.Table{s.ConfigurationsTable(), s.MetricsBlock(), s.WeightsBlock()}
	files := []string{ConfigurationsFile, MetricsFile, WeightsFile}
	for i, t := range tables {
		if err := writeCSV(filepath.Join(dir, files[i]), t); err != nil {
			return err
		}
	}
	if err := writeWorkbook(filepath.Join(dir, WorkbookFile), tables); err != nil {
		return err
	}

	if s.refit != nil {
		data, err := json.MarshalIndent(s.refit, "", "  ")
		if err != nil {
			return fmt.Errorf("persist summary: encode model: %w", err)
		}
		if err := os.WriteFile(filepath.Join(dir, ModelFile), data, 0o644); err != nil {
			return fmt.Errorf("persist summary: %w", err)
		}
	}
	if s.folds != nil {
		if err := os.WriteFile(filepath.Join(dir, FoldModelsFile), s.folds, 0o644); err != nil {
			return fmt.Errorf("persist summary: %w", err)
		}
	}
	return nil
}

func writeCSV(path string, t *table.Table) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("persist summary: %w", err)
	}
	if err := t.WriteCSV(f); err != nil {
		f.Close()
		return fmt.Errorf("persist summary: write %s: %w", path, err)
	}
	return f.Close()
}

func writeWorkbook(path string, tables []*table.Table) error {
	f := excelize.NewFile()
	defer f.Close()

	for i, t := range tables {
		sheet := t.Name
		if i == 0 {
			if err := f.SetSheetName("Sheet1", sheet); err != nil {
				return fmt.Errorf("persist summary: %w", err)
			}
		} else if _, err := f.NewSheet(sheet); err != nil {
			return fmt.Errorf("persist summary: %w", err)
		}

		for col, name := range t.Columns {
			cell, _ := excelize.CoordinatesToCellName(col+1, 1)
			if err := f.SetCellValue(sheet, cell, name); err != nil {
				return fmt.Errorf("persist summary: %w", err)
			}
		}
		for r, row := range t.Rows {
			for col, v := range row {
				cell, _ := excelize.CoordinatesToCellName(col+1, r+2)
				if err := f.SetCellValue(sheet, cell, workbookValue(v)); err != nil {
					return fmt.Errorf("persist summary: %w", err)
				}
			}
		}
	}
	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("persist summary: %w", err)
	}
	return nil
}

// workbookValue renders NaN as text; spreadsheets have no NaN.
func workbookValue(v any) any {
	if f, ok := v.(float64); ok && (math.IsNaN(f) || math.IsInf(f, 0)) {
		return table.FormatCell(f)
	}
	return v
}

// LoadPriors reads a configurations table persisted by an earlier search.
// Columns are matched by display name, then by parameter name. Rows keep
// their rank order and become indices 0..n-1.
func LoadPriors(path string, pairs []optimization.ParamDomainPair) ([]optimization.EvaluationResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, optimization.WrapErrorf(err, "load priors").
			WithKind(optimization.KindConfiguration).
			WithComponent("search.summary")
	}
	defer f.Close()

	t, err := table.ReadCSV(f, "configurations")
	if err != nil {
		return nil, optimization.WrapErrorf(err, "load priors from %s", path).
			WithKind(optimization.KindConfiguration).
			WithComponent("search.summary")
	}
	return PriorsFromTable(t, pairs)
}

// PriorsFromTable converts a configurations table into prior results.
func PriorsFromTable(t *table.Table, pairs []optimization.ParamDomainPair) ([]optimization.EvaluationResult, error) {
	if t.ColumnIndex(ColResultingMetric) < 0 {
		return nil, optimization.NewConfigurationError("priors table has no %s column", ColResultingMetric).
			WithComponent("search.summary")
	}
	columns := make([]string, len(pairs))
	for i, p := range pairs {
		switch {
		case t.ColumnIndex(p.DisplayName) >= 0:
			columns[i] = p.DisplayName
		case t.ColumnIndex(p.Name()) >= 0:
			columns[i] = p.Name()
		default:
			return nil, optimization.NewConfigurationError("priors table has no column for parameter %q", p.DisplayName).
				WithComponent("search.summary")
		}
	}

	priors := make([]optimization.EvaluationResult, 0, t.Len())
	for i := 0; i < t.Len(); i++ {
		values := make(map[string]float64, len(pairs))
		for j, p := range pairs {
			v, ok := t.Float(i, columns[j])
			if !ok || math.IsNaN(v) {
				return nil, optimization.NewConfigurationError("priors row %d: %s is not a number", i, columns[j]).
					WithComponent("search.summary")
			}
			values[p.Name()] = p.Domain.Clip(v)
		}
		metric, ok := t.Float(i, ColResultingMetric)
		if !ok {
			metric = math.NaN()
		}
		var errMsg string
		if c, ok := t.Cell(i, ColError); ok && c != nil {
			errMsg = table.FormatCell(c)
		}
		priors = append(priors, optimization.EvaluationResult{
			Configuration: optimization.Configuration{Index: i, Values: values},
			Metric:        metric,
			Err:           errMsg,
			Prior:         true,
		})
	}
	return priors, nil
}
