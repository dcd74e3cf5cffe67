package main

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/hypertune/internal/search"
)

func writeJob(t *testing.T, dir string, extra string) string {
	t.Helper()
	var b strings.Builder
	b.WriteString("x1,x2,y\n")
	for i := 0; i < 45; i++ {
		x1 := math.Sin(float64(i) * 0.9)
		x2 := math.Cos(float64(i) * 0.4)
		fmt.Fprintf(&b, "%g,%g,%g\n", x1, x2, 3*x1-2*x2+0.02*math.Sin(float64(i)*11))
	}
	dataPath := filepath.Join(dir, "train.csv")
	require.NoError(t, os.WriteFile(dataPath, []byte(b.String()), 0o644))

	job := fmt.Sprintf(`name: cli
dataset:
  path: %s
  label: y
params:
  - {name: regParam, lower: 0, upper: 2, displayName: RegParam}
  - {name: elasticNetParam, lower: 0, upper: 0.5, displayName: ElasticNet}
mode: RANDOM
maxIter: 8
numThreads: 2
folds: 3
seed: 3
%s`, dataPath, extra)
	jobPath := filepath.Join(dir, "job.yaml")
	require.NoError(t, os.WriteFile(jobPath, []byte(job), 0o644))
	return jobPath
}

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	t.Setenv("ENV", "test")
	t.Setenv("LOG_LEVEL", "error")
	var stdout, stderr bytes.Buffer
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	err := root.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func TestRunThenInspect(t *testing.T) {
	dir := t.TempDir()
	jobPath := writeJob(t, dir, "")
	out := filepath.Join(dir, "out")
	t.Setenv("SEARCH_TEMP_MODEL_PATH", filepath.Join(dir, "models"))

	stdout, stderr, err := execute(t, "run", "--job", jobPath, "--output", out, "--top", "3")
	require.NoError(t, err, stderr)

	assert.Contains(t, stdout, "Stopped: max_iter")
	assert.Contains(t, stdout, "configurationIndex")
	assert.Contains(t, stdout, "... 5 more")
	assert.Contains(t, stdout, "Results written to "+out)
	assert.Contains(t, stderr, "round 1: evaluated 2")
	for _, f := range []string{search.ConfigurationsFile, search.MetricsFile, search.WeightsFile, search.WorkbookFile, search.ModelFile, search.FoldModelsFile} {
		assert.FileExists(t, filepath.Join(out, f))
	}

	stdout, _, err = execute(t, "inspect", "--dir", out, "--top", "0", "--metrics", "--weights")
	require.NoError(t, err)
	assert.Contains(t, stdout, "8 configurations in "+out)
	assert.Contains(t, stdout, "RegParam")
	assert.Contains(t, stdout, "metrics of the best configuration")
	assert.Contains(t, stdout, "weights of the best configuration")
	assert.Contains(t, stdout, "Refitted model")
	assert.Contains(t, stdout, "intercept")
	assert.Contains(t, stdout, "3 fold models of the best configuration")
}

func TestRunWithPriors(t *testing.T) {
	dir := t.TempDir()
	jobPath := writeJob(t, dir, "")
	first := filepath.Join(dir, "first")
	_, stderr, err := execute(t, "run", "--job", jobPath, "--output", first)
	require.NoError(t, err, stderr)

	second := filepath.Join(dir, "second")
	stdout, stderr, err := execute(t, "run", "--job", jobPath, "--output", second,
		"--priors", filepath.Join(first, search.ConfigurationsFile))
	require.NoError(t, err, stderr)
	// eight priors already exhaust maxIter, so one round runs
	assert.Contains(t, stdout, "after 1 rounds")
}

func TestRunErrors(t *testing.T) {
	dir := t.TempDir()

	_, _, err := execute(t, "run")
	assert.ErrorContains(t, err, "job")

	_, _, err = execute(t, "run", "--job", filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	bad := writeJob(t, dir, "tol: -1\n")
	_, _, err = execute(t, "run", "--job", bad)
	assert.ErrorContains(t, err, "Tol")

	_, _, err = execute(t, "run", "--job", writeJob(t, dir, ""), "--log-level", "shout")
	assert.ErrorContains(t, err, "log level")
}

func TestInspectMissingDir(t *testing.T) {
	_, _, err := execute(t, "inspect", "--dir", filepath.Join(t.TempDir(), "nothing"))
	assert.Error(t, err)
}
