package estimator

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"gonum.org/v1/gonum/mat"
)

// Dataset is a dense regression dataset.
type Dataset struct {
	Features []string
	X        *mat.Dense
	Y        []float64
}

// NewDataset validates shapes and wraps the data.
func NewDataset(features []string, x *mat.Dense, y []float64) (*Dataset, error) {
	if x == nil {
		return nil, errors.New("dataset: nil feature matrix")
	}
	r, c := x.Dims()
	if r != len(y) {
		return nil, fmt.Errorf("dataset: %d rows but %d labels", r, len(y))
	}
	if c != len(features) {
		return nil, fmt.Errorf("dataset: %d columns but %d feature names", c, len(features))
	}
	return &Dataset{Features: features, X: x, Y: y}, nil
}

// Rows returns the number of observations.
func (d *Dataset) Rows() int {
	return len(d.Y)
}

// Subset copies the given rows into a new dataset.
func (d *Dataset) Subset(rows []int) *Dataset {
	_, c := d.X.Dims()
	x := mat.NewDense(len(rows), c, nil)
	y := make([]float64, len(rows))
	for i, r := range rows {
		x.SetRow(i, d.X.RawRowView(r))
		y[i] = d.Y[r]
	}
	return &Dataset{Features: d.Features, X: x, Y: y}
}

// ReadCSV loads a header-first numeric CSV; label names the target column.
func ReadCSV(r io.Reader, label string) (*Dataset, error) {
	records, err := csv.NewReader(r).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("dataset: %w", err)
	}
	if len(records) < 2 {
		return nil, errors.New("dataset: need a header and at least one row")
	}
	header := records[0]
	labelCol := -1
	var features []string
	for i, h := range header {
		if h == label {
			labelCol = i
			continue
		}
		features = append(features, h)
	}
	if labelCol < 0 {
		return nil, fmt.Errorf("dataset: label column %q not found", label)
	}
	if len(features) == 0 {
		return nil, errors.New("dataset: no feature columns")
	}

	rows := records[1:]
	x := mat.NewDense(len(rows), len(features), nil)
	y := make([]float64, len(rows))
	for i, rec := range rows {
		if len(rec) != len(header) {
			return nil, fmt.Errorf("dataset: row %d has %d fields, want %d", i+1, len(rec), len(header))
		}
		j := 0
		for k, s := range rec {
			v, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, fmt.Errorf("dataset: row %d column %s: %w", i+1, header[k], err)
			}
			if k == labelCol {
				y[i] = v
				continue
			}
			x.Set(i, j, v)
			j++
		}
	}
	return NewDataset(features, x, y)
}

// LoadCSV opens path and calls ReadCSV.
func LoadCSV(path, label string) (*Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadCSV(f, label)
}
