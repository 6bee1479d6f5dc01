package statushttp

import (
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kalbot/internal/orchestrator"
	"kalbot/internal/paper"
	"kalbot/internal/perf"
)

type fakeStatus struct{ status orchestrator.Status }

func (f *fakeStatus) Status() orchestrator.Status { return f.status }

type fakeMetrics struct{ board []perf.Metrics }

func (f *fakeMetrics) Leaderboard() []perf.Metrics { return f.board }

type fakeEquity struct{ samples map[string][]int64 }

func (f *fakeEquity) LoadEquitySamples(id string) ([]int64, error) {
	return f.samples[id], nil
}

func newTestServer(t *testing.T, cfg ServerConfig) *Server {
	t.Helper()
	srv, err := NewServer(cfg)
	require.NoError(t, err)
	return srv
}

func doGet(srv *Server, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	srv.router.ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t, ServerConfig{Status: &fakeStatus{}})
	w := doGet(srv, "/healthz")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ok")
}

func TestStatusEndpoint(t *testing.T) {
	status := orchestrator.Status{
		Phase:      orchestrator.PhaseIdle,
		CycleCount: 7,
		Weights:    map[string]float64{"mr": 0.6, "mm": 0.4},
		Accounts:   []paper.AccountView{{StrategyID: "mr", Cash: 50000}},
	}
	srv := newTestServer(t, ServerConfig{Status: &fakeStatus{status: status}})

	w := doGet(srv, "/api/status")
	require.Equal(t, http.StatusOK, w.Code)

	var got orchestrator.Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, orchestrator.PhaseIdle, got.Phase)
	assert.Equal(t, int64(7), got.CycleCount)
	assert.InDelta(t, 0.6, got.Weights["mr"], 1e-9)
}

func TestLeaderboardSanitizesInfinity(t *testing.T) {
	wr := 1.0
	board := []perf.Metrics{{
		StrategyID:   "mr",
		ProfitFactor: math.Inf(1),
		Sortino:      math.Inf(1),
		WinRate:      &wr,
		TradeCount:   5,
	}}
	srv := newTestServer(t, ServerConfig{Status: &fakeStatus{}, Metrics: &fakeMetrics{board: board}})

	w := doGet(srv, "/api/leaderboard")
	require.Equal(t, http.StatusOK, w.Code, "+Inf 必须在序列化前被替换")

	var got []perf.Metrics
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, float64(-1), got[0].ProfitFactor)
	assert.Equal(t, float64(-1), got[0].Sortino)
}

func TestEquityPageRenders(t *testing.T) {
	status := orchestrator.Status{Accounts: []paper.AccountView{{StrategyID: "mr"}}}
	srv := newTestServer(t, ServerConfig{
		Status: &fakeStatus{status: status},
		Equity: &fakeEquity{samples: map[string][]int64{"mr": {100000, 100500, 99900}}},
	})

	w := doGet(srv, "/equity")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, w.Body.String(), "echarts")
}

func TestNewServerRequiresStatusSource(t *testing.T) {
	_, err := NewServer(ServerConfig{})
	assert.Error(t, err)
}
