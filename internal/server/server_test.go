package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/hypertune/internal/config"
	"github.com/copyleftdev/hypertune/internal/job"
	"github.com/copyleftdev/hypertune/internal/logging"
	"github.com/copyleftdev/hypertune/internal/metrics"
	"github.com/copyleftdev/hypertune/internal/search"
	"github.com/copyleftdev/hypertune/internal/storage"
)

// testConfig creates a test configuration rooted in a temp dir.
func testConfig(t *testing.T) *config.Config {
	cfg := &config.Config{Environment: "test"}
	cfg.HTTP.Port = 8080
	cfg.HTTP.MaxBodyBytes = 1 << 20
	cfg.Logging.Level = "debug"
	cfg.Search.NumThreads = 2
	cfg.Search.FoldThreads = 1
	cfg.Search.Folds = 3
	cfg.Search.MaxIter = 6
	cfg.Search.MaxConcurrent = 2
	cfg.Search.OutputRoot = t.TempDir()
	cfg.Storage.ModelStore = storage.KindFile
	return cfg
}

func testLogger(t *testing.T) *logging.Logger {
	return logging.New(logging.WarnLevel, io.Discard)
}

func newTestServer(t *testing.T, cfg *config.Config) (*Server, http.Handler) {
	srv := NewServer(cfg, testLogger(t), metrics.NewCollector(prometheus.NewRegistry()))
	t.Cleanup(func() { _ = srv.Close() })
	r := chi.NewRouter()
	r.Use(Recoverer(testLogger(t)))
	srv.RegisterRoutes(r)
	return srv, r
}

// datasetCSV renders y = 3*x1 - 2*x2 + small deterministic noise.
func datasetCSV(rows int) string {
	var b strings.Builder
	b.WriteString("x1,x2,y\n")
	for i := 0; i < rows; i++ {
		x1 := math.Sin(float64(i)*0.7) * 2
		x2 := math.Cos(float64(i)*1.3) * 3
		y := 3*x1 - 2*x2 + 0.05*math.Sin(float64(i)*17)
		fmt.Fprintf(&b, "%g,%g,%g\n", x1, x2, y)
	}
	return b.String()
}

func testSpec() job.Spec {
	return job.Spec{
		Name:    "linear",
		Dataset: job.DatasetSpec{CSV: datasetCSV(40), Label: "y"},
		Params: []job.ParamSpec{
			{Name: "regParam", Lower: 0, Upper: 2, DisplayName: "RegParam"},
			{Name: "elasticNetParam", Lower: 0, Upper: 0.5, DisplayName: "ElasticNet"},
		},
		Mode: "random",
		Seed: 11,
	}
}

func do(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rd = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, rd)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func waitFor(t *testing.T, srv *Server, id string, want Status) *StatusView {
	t.Helper()
	var view *StatusView
	require.Eventually(t, func() bool {
		v, err := srv.Status(id)
		if err != nil {
			return false
		}
		view = v
		return v.Status == want
	}, 30*time.Second, 10*time.Millisecond, "search %s never reached %s", id, want)
	return view
}

func TestRegisterRoutes(t *testing.T) {
	_, h := newTestServer(t, testConfig(t))

	tests := []struct {
		method      string
		path        string
		shouldExist bool
	}{
		{"POST", "/api/v1/searches", true},
		{"GET", "/api/v1/searches", true},
		{"GET", "/api/v1/searches/123", true},
		{"DELETE", "/api/v1/searches/123", true},
		{"POST", "/rpc", true},
		{"GET", "/healthz", false},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			rec := do(t, h, tt.method, tt.path, nil)
			if tt.shouldExist {
				// unknown ids answer 404 with a JSON body, unknown routes with text
				assert.NotEqual(t, http.StatusMethodNotAllowed, rec.Code)
				if rec.Code == http.StatusNotFound {
					assert.Contains(t, rec.Header().Get("Content-Type"), "application/json")
				}
				return
			}
			assert.Equal(t, http.StatusNotFound, rec.Code)
		})
	}
}

func TestCreateAndPollSearch(t *testing.T) {
	cfg := testConfig(t)
	srv, h := newTestServer(t, cfg)

	rec := do(t, h, http.MethodPost, "/api/v1/searches", testSpec())
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var created map[string]string
	decode(t, rec, &created)
	id := created["search_id"]
	require.NotEmpty(t, id)

	waitFor(t, srv, id, StatusCompleted)

	rec = do(t, h, http.MethodGet, "/api/v1/searches/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var view StatusView
	decode(t, rec, &view)

	assert.Equal(t, "linear", view.Name)
	assert.Equal(t, "random", view.Strategy)
	assert.Equal(t, search.StopMaxIter.String(), view.StopReason)
	assert.Equal(t, 6, view.Evaluated)
	require.NotNil(t, view.Best)
	require.NotNil(t, view.Best.Metric)
	assert.Contains(t, view.Best.Params, "regParam")

	require.NotNil(t, view.Configurations)
	assert.Equal(t, []string{"configurationIndex", "resultingMetric", "error", "ElasticNet", "RegParam"}, view.Configurations.Columns)
	assert.Len(t, view.Configurations.Rows, 6)
	assert.Equal(t, float64(0), view.Configurations.Rows[0][0])

	assert.Equal(t, filepath.Join(cfg.Search.OutputRoot, id), view.OutputPath)
	_, err := os.Stat(filepath.Join(view.OutputPath, search.ConfigurationsFile))
	assert.NoError(t, err)

	rec = do(t, h, http.MethodGet, "/api/v1/searches", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []StatusView
	decode(t, rec, &list)
	require.Len(t, list, 1)
	assert.Nil(t, list[0].Configurations)

	rec = do(t, h, http.MethodDelete, "/api/v1/searches/"+id, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCreateRejectsBadRequests(t *testing.T) {
	_, h := newTestServer(t, testConfig(t))

	unknownParam := testSpec()
	unknownParam.Params = []job.ParamSpec{{Name: "learningRate", Lower: 0, Upper: 1}}
	badLabel := testSpec()
	badLabel.Dataset.Label = "z"
	noParams := testSpec()
	noParams.Params = nil
	absDataset := testSpec()
	absDataset.Dataset = job.DatasetSpec{Path: "/etc/passwd", Label: "y"}
	escapingPriors := testSpec()
	escapingPriors.PriorsPath = "../other/configurations.csv"

	tests := []struct {
		name string
		body interface{}
		want string
	}{
		{"malformed json", "{", "invalid request body"},
		{"unknown field", `{"dataset":{"csv":"a,y\n1,2","label":"y"},"bogus":1}`, "bogus"},
		{"unknown hyperparameter", unknownParam, "learningRate"},
		{"missing label column", badLabel, "label column"},
		{"no params", noParams, "Params"},
		{"absolute dataset path", absDataset, "dataset.path"},
		{"priors outside the working directory", escapingPriors, "priorsPath"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, "/api/v1/searches", tt.body)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			var body map[string]string
			decode(t, rec, &body)
			assert.Contains(t, body["error"], tt.want)
		})
	}
}

func TestSearchesOwnTheirModelDirectories(t *testing.T) {
	cfg := testConfig(t)
	cfg.Search.TempModelPath = t.TempDir()
	srv, _ := newTestServer(t, cfg)

	// Artifacts of some other search in the directory clients ask for
	shared := t.TempDir()
	foreign, err := storage.NewFileStore(shared)
	require.NoError(t, err)
	require.NoError(t, foreign.Save(0, []byte(`"foreign"`)))
	require.NoError(t, foreign.Save(99, []byte(`"foreign"`)))

	spec := testSpec()
	spec.PathForTempModels = shared
	spec.OutputPath = filepath.Join(shared, "out")

	var ids []string
	for i := 0; i < 2; i++ {
		id, err := srv.Start(spec)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	for _, id := range ids {
		view := waitFor(t, srv, id, StatusCompleted)
		assert.Equal(t, filepath.Join(cfg.Search.OutputRoot, id), view.OutputPath)
		_, err := os.Stat(filepath.Join(view.OutputPath, search.FoldModelsFile))
		assert.NoError(t, err, "fold models of the winner are kept with the results")

		tempDir := filepath.Join(cfg.Search.TempModelPath, id)
		assert.Eventually(t, func() bool {
			_, err := os.Stat(tempDir)
			return os.IsNotExist(err)
		}, 5*time.Second, 10*time.Millisecond, "scratch directory %s is removed", tempDir)
	}

	indices, err := foreign.Indices()
	require.NoError(t, err)
	assert.Equal(t, []int{0, 99}, indices)
	data, err := foreign.Load(0)
	require.NoError(t, err)
	assert.Equal(t, `"foreign"`, string(data))
	_, err = os.Stat(spec.OutputPath)
	assert.True(t, os.IsNotExist(err), "client output path is ignored")
}

func TestUnknownSearch(t *testing.T) {
	_, h := newTestServer(t, testConfig(t))

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/api/v1/searches/nope", nil).Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodDelete, "/api/v1/searches/nope", nil).Code)
}

func TestCancelPendingSearch(t *testing.T) {
	cfg := testConfig(t)
	cfg.Search.MaxConcurrent = 1
	srv, h := newTestServer(t, cfg)

	// Hold the only slot so the search stays pending.
	srv.slots <- struct{}{}
	defer func() { <-srv.slots }()

	id, err := srv.Start(testSpec())
	require.NoError(t, err)
	view, err := srv.Status(id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, view.Status)

	rec := do(t, h, http.MethodDelete, "/api/v1/searches/"+id, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	view = waitFor(t, srv, id, StatusCancelled)
	assert.True(t, view.CancelRequested)
	assert.Zero(t, view.Rounds)
	assert.NotNil(t, view.EndTime)
}

func TestCloseCancelsSearches(t *testing.T) {
	cfg := testConfig(t)
	cfg.Search.MaxConcurrent = 1
	srv := NewServer(cfg, testLogger(t), nil)

	srv.slots <- struct{}{}
	id, err := srv.Start(testSpec())
	require.NoError(t, err)

	require.NoError(t, srv.Close())
	view, err := srv.Status(id)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, view.Status)
}

func rpc(t *testing.T, h http.Handler, method string, params interface{}) map[string]interface{} {
	t.Helper()
	body := map[string]interface{}{"jsonrpc": "2.0", "id": 1, "method": method}
	if params != nil {
		body["params"] = params
	}
	rec := do(t, h, http.MethodPost, "/rpc", body)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]interface{}
	decode(t, rec, &resp)
	return resp
}

func rpcErrorCode(t *testing.T, resp map[string]interface{}) float64 {
	t.Helper()
	errObj, ok := resp["error"].(map[string]interface{})
	require.True(t, ok, "response has no error: %v", resp)
	return errObj["code"].(float64)
}

func TestJSONRPCLifecycle(t *testing.T) {
	srv, h := newTestServer(t, testConfig(t))

	resp := rpc(t, h, "search.start", []interface{}{testSpec()})
	require.Nil(t, resp["error"], "%v", resp["error"])
	result := resp["result"].(map[string]interface{})
	id := result["search_id"].(string)
	assert.Equal(t, "pending", result["status"])

	waitFor(t, srv, id, StatusCompleted)

	resp = rpc(t, h, "search.status", map[string]string{"search_id": id})
	require.Nil(t, resp["error"])
	status := resp["result"].(map[string]interface{})
	assert.Equal(t, "completed", status["status"])
	assert.NotNil(t, status["configurations"])

	resp = rpc(t, h, "search.list", nil)
	assert.Len(t, resp["result"], 1)

	resp = rpc(t, h, "search.cancel", map[string]string{"search_id": id})
	assert.Equal(t, float64(codeServerError), rpcErrorCode(t, resp))
}

func TestJSONRPCErrors(t *testing.T) {
	_, h := newTestServer(t, testConfig(t))

	t.Run("parse error", func(t *testing.T) {
		rec := do(t, h, http.MethodPost, "/rpc", "{not json")
		var resp map[string]interface{}
		decode(t, rec, &resp)
		assert.Equal(t, float64(codeParseError), rpcErrorCode(t, resp))
	})
	t.Run("wrong version", func(t *testing.T) {
		rec := do(t, h, http.MethodPost, "/rpc", `{"jsonrpc":"1.0","id":1,"method":"search.list"}`)
		var resp map[string]interface{}
		decode(t, rec, &resp)
		assert.Equal(t, float64(codeInvalidRequest), rpcErrorCode(t, resp))
	})
	t.Run("unknown method", func(t *testing.T) {
		assert.Equal(t, float64(codeMethodNotFound), rpcErrorCode(t, rpc(t, h, "optimization.start", nil)))
	})
	t.Run("missing params", func(t *testing.T) {
		assert.Equal(t, float64(codeInvalidParams), rpcErrorCode(t, rpc(t, h, "search.status", nil)))
	})
	t.Run("two param objects", func(t *testing.T) {
		params := []interface{}{map[string]string{"search_id": "a"}, map[string]string{"search_id": "b"}}
		assert.Equal(t, float64(codeInvalidParams), rpcErrorCode(t, rpc(t, h, "search.status", params)))
	})
	t.Run("unknown search", func(t *testing.T) {
		resp := rpc(t, h, "search.status", map[string]string{"search_id": "nope"})
		assert.Equal(t, float64(codeServerError), rpcErrorCode(t, resp))
		assert.Contains(t, resp["error"].(map[string]interface{})["data"], "search not found")
	})
}

func TestRespondWithError(t *testing.T) {
	srv := NewServer(testConfig(t), testLogger(t), nil)

	tests := []struct {
		name    string
		code    int
		message string
		id      interface{}
	}{
		{"string id", codeInvalidParams, "Invalid params", "123"},
		{"nil id", codeServerError, "Server error", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			srv.respondWithError(rec, tt.code, tt.message, tt.id, nil)

			assert.Equal(t, http.StatusOK, rec.Code)
			var resp map[string]interface{}
			decode(t, rec, &resp)
			errObj := resp["error"].(map[string]interface{})
			assert.Equal(t, float64(tt.code), errObj["code"])
			assert.Equal(t, tt.message, errObj["message"])
			assert.NotContains(t, errObj, "data")
			assert.Equal(t, tt.id, resp["id"])
		})
	}
}

func TestRecoverer(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.New(logging.ErrorLevel, &buf)

	r := chi.NewRouter()
	r.Use(Recoverer(logger))
	r.Get("/boom", func(w http.ResponseWriter, r *http.Request) { panic("kaboom") })

	rec := do(t, r, http.MethodGet, "/boom", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, buf.String(), "kaboom")
	assert.Contains(t, buf.String(), "Recovered from panic")
}
