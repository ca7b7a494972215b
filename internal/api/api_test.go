package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtxerr/ratewatch/internal/api"
	"github.com/xtxerr/ratewatch/internal/storage"
	"github.com/xtxerr/ratewatch/internal/storage/config"
	"github.com/xtxerr/ratewatch/internal/storage/query"
)

const octets = "rtr-01/interfaces/ifHCInOctets/xe-0/0/1"

const testCatalog = `
defaults:
  frequency: 30
  aggregate_periods: [300]
series:
  - match: "*/interfaces/*"
`

func newTestServer(t *testing.T) (*storage.Service, *httptest.Server) {
	t.Helper()
	dir := t.TempDir()

	catalogPath := filepath.Join(dir, "catalog.yaml")
	require.NoError(t, os.WriteFile(catalogPath, []byte(testCatalog), 0644))

	cfg := config.DefaultConfig()
	cfg.DataDir = filepath.Join(dir, "data")
	cfg.Store.Driver = "memory"
	cfg.Catalog.Path = catalogPath
	cfg.Catalog.Watch = false
	cfg.Ingestion.Shards = 2
	cfg.Ingestion.QueueSize = 64
	cfg.Ingestion.DrainTimeout = 5 * time.Second

	svc, err := storage.New(context.Background(), cfg)
	require.NoError(t, err)
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(func() { svc.Stop(context.Background()) })

	srv := api.NewServer(svc, api.Options{MaxRequestBytes: 4096, Gatherer: svc.Registry()})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return svc, ts
}

func postSamples(t *testing.T, url string, samples []api.Sample) *http.Response {
	t.Helper()
	body, err := json.Marshal(samples)
	require.NoError(t, err)
	resp, err := http.Post(url+"/api/v1/samples", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeError(t *testing.T, resp *http.Response) api.Error {
	t.Helper()
	var e api.Error
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&e))
	return e
}

func TestSubmitAndQuery(t *testing.T) {
	svc, ts := newTestServer(t)

	resp := postSamples(t, ts.URL, []api.Sample{
		{Series: octets, TS: 1000, Value: 1000},
		{Series: octets, TS: 1060, Value: 1300},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	var ack api.SubmitResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ack))
	assert.Equal(t, 2, ack.Accepted)

	require.NoError(t, svc.Flush(context.Background()))

	get, err := http.Get(ts.URL + "/api/v1/rates/" + octets + "?begin=900&end=1200&resolution=30")
	require.NoError(t, err)
	defer get.Body.Close()
	require.Equal(t, http.StatusOK, get.StatusCode)
	assert.Equal(t, "application/json", get.Header.Get("Content-Type"))

	var res query.Result
	require.NoError(t, json.NewDecoder(get.Body).Decode(&res))
	assert.Equal(t, octets, res.Series)
	assert.True(t, res.Native)

	got := map[int64]float64{}
	for _, p := range res.Data {
		require.NotNil(t, p.Value, "slot %d", p.Timestamp)
		got[p.Timestamp] = *p.Value
	}
	assert.Equal(t, map[int64]float64{990: 100, 1020: 150, 1050: 50}, got)
}

func TestPercentile(t *testing.T) {
	svc, ts := newTestServer(t)

	resp := postSamples(t, ts.URL, []api.Sample{
		{Series: octets, TS: 1000, Value: 1000},
		{Series: octets, TS: 1060, Value: 1300},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.NoError(t, svc.Flush(context.Background()))

	get, err := http.Get(ts.URL + "/api/v1/percentile/" + octets + "?begin=900&end=1200&q=1")
	require.NoError(t, err)
	defer get.Body.Close()
	require.Equal(t, http.StatusOK, get.StatusCode)

	var res query.PercentileResult
	require.NoError(t, json.NewDecoder(get.Body).Decode(&res))
	assert.Equal(t, 1.0, res.Quantile)
	require.NotNil(t, res.Value)
	// 150 units over a 30s slot is the largest rate.
	assert.InDelta(t, 5.0, *res.Value, 0.1)
}

func TestErrors(t *testing.T) {
	_, ts := newTestServer(t)

	tests := []struct {
		name   string
		path   string
		status int
		code   string
	}{
		{"unknown series", "/api/v1/rates/nope/x?begin=0&end=100", http.StatusNotFound, "UnknownSeries"},
		{"unknown resolution", "/api/v1/rates/" + octets + "?begin=0&end=100&resolution=60", http.StatusNotFound, "UnknownResolution"},
		{"bad begin", "/api/v1/rates/" + octets + "?begin=abc", http.StatusBadRequest, "InvalidRequest"},
		{"bad cf", "/api/v1/rates/" + octets + "?begin=0&end=100&cf=median", http.StatusBadRequest, "InvalidRequest"},
		{"inverted range", "/api/v1/rates/" + octets + "?begin=100&end=0", http.StatusBadRequest, "InvalidRequest"},
		{"bad quantile", "/api/v1/percentile/" + octets + "?begin=0&end=100&q=2", http.StatusBadRequest, "InvalidRequest"},
		{"NaN quantile", "/api/v1/percentile/" + octets + "?begin=0&end=100&q=NaN", http.StatusBadRequest, "InvalidRequest"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Get(ts.URL + tt.path)
			require.NoError(t, err)
			defer resp.Body.Close()

			assert.Equal(t, tt.status, resp.StatusCode)
			e := decodeError(t, resp)
			assert.Equal(t, tt.code, e.Code)
			assert.Equal(t, tt.status, e.Status)
			assert.NotEmpty(t, e.Message)
		})
	}
}

func TestSubmitInvalid(t *testing.T) {
	_, ts := newTestServer(t)

	t.Run("malformed json", func(t *testing.T) {
		resp, err := http.Post(ts.URL+"/api/v1/samples", "application/json", strings.NewReader("{"))
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, "InvalidRequest", decodeError(t, resp).Code)
	})

	t.Run("empty series", func(t *testing.T) {
		resp := postSamples(t, ts.URL, []api.Sample{{Series: "", TS: 1000, Value: 1}})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("body too large", func(t *testing.T) {
		big := make([]api.Sample, 200)
		for i := range big {
			big[i] = api.Sample{Series: octets, TS: int64(1000 + i*30), Value: uint64(i)}
		}
		resp := postSamples(t, ts.URL, big)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("wrong method", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/api/v1/samples")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	})
}

func TestHealthAndMetrics(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "go_goroutines")
}

func TestRequestIDPropagated(t *testing.T) {
	_, ts := newTestServer(t)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/healthz", nil)
	require.NoError(t, err)
	req.Header.Set("X-Request-ID", "abc123")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "abc123", resp.Header.Get("X-Request-ID"))
}
