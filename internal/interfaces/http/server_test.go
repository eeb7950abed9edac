package http

import (
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

	"github.com/posdesk/posdesk/internal/catalog"
	"github.com/posdesk/posdesk/internal/domain"
	"github.com/posdesk/posdesk/internal/rules"
	"github.com/posdesk/posdesk/internal/snapshot"
)

const lossRuleText = `
rules:
  - id: day-loss
    name: Portfolio day loss
    severity: CRITICAL
    scope: PORTFOLIO
    expr: day_pnl < -1000
`

func newTestServer(t *testing.T) (*Server, *snapshot.Publisher, *catalog.Store) {
	t.Helper()
	publisher := snapshot.NewPublisher(4)
	backing := catalog.NewFileStore(filepath.Join(t.TempDir(), "rules.yaml"))
	store, err := catalog.Open(context.Background(), backing, publisher, rules.NewEngine("USD"))
	require.NoError(t, err)

	srv := NewServer(DefaultServerConfig(), publisher, store, NewMetricsRegistry())
	return srv, publisher, store
}

func testSnapshot() *domain.Snapshot {
	mark := 185.20
	day := 300.0
	return &domain.Snapshot{
		Timestamp: time.Date(2026, 8, 25, 14, 30, 0, 0, time.UTC),
		Session:   domain.SessionRegular,
		Positions: &domain.PositionsView{
			Stocks: []domain.StockRow{{
				Leg: domain.Leg{
					Instrument: domain.Instrument{Symbol: "AAPL", AssetType: domain.AssetEquity, Currency: "USD"},
					Account:    "U1234567",
					Quantity:   200,
					Multiplier: 1,
				},
				Mark:   domain.Mark{Price: &mark, Source: domain.MarkMid, Tier: "fresh"},
				DayPnl: &day,
			}},
			ByCurrency: map[string]domain.CurrencyTotals{
				"USD": {Currency: "USD", DayPnl: 300},
			},
		},
	}
}

func do(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func TestStocksBeforeFirstTick(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := do(t, srv, "GET", "/positions/stocks", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "no_snapshot", resp["code"])
	assert.NotEmpty(t, resp["request_id"])
}

func TestStocksReturnsCurrentSnapshot(t *testing.T) {
	srv, publisher, _ := newTestServer(t)
	publisher.Publish(testSnapshot())

	rec := do(t, srv, "GET", "/positions/stocks", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp struct {
		Data    []domain.StockRow `json:"data"`
		Session string            `json:"session"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 1)
	assert.Equal(t, "AAPL", resp.Data[0].Leg.Instrument.Symbol)
	assert.Equal(t, "REGULAR", resp.Session)
}

func TestOptionsEndpointShape(t *testing.T) {
	srv, publisher, _ := newTestServer(t)
	publisher.Publish(testSnapshot())

	rec := do(t, srv, "GET", "/positions/options", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Contains(t, resp, "combos")
	assert.Contains(t, resp, "legs")
	assert.Contains(t, resp, "as_of")
}

func TestRulesCatalogStartsEmpty(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := do(t, srv, "GET", "/rules/catalog", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Version int          `json:"version"`
		Rules   []rules.Rule `json:"rules"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 0, resp.Version)
	assert.Empty(t, resp.Rules)
}

func TestValidateReportsErrors(t *testing.T) {
	srv, _, _ := newTestServer(t)

	body := `{"catalog_text": "rules:\n  - id: bad\n    severity: HUGE\n    scope: PORTFOLIO\n    expr: day_pnl <\n"}`
	rec := do(t, srv, "POST", "/rules/validate", body)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp catalog.ValidateResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.OK)
	assert.NotEmpty(t, resp.Errors)
}

func TestPublishLifecycle(t *testing.T) {
	srv, _, store := newTestServer(t)

	body, _ := json.Marshal(map[string]interface{}{
		"catalog_text": lossRuleText,
		"author":       "desk-ops",
		"base_version": 0,
	})
	rec := do(t, srv, "POST", "/rules/publish", string(body))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Version   int    `json:"version"`
		UpdatedBy string `json:"updated_by"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Version)
	assert.Equal(t, "desk-ops", resp.UpdatedBy)
	assert.Equal(t, 1, store.Active().Catalog.Version)

	// A second publish against the stale base conflicts.
	rec = do(t, srv, "POST", "/rules/publish", string(body))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, 1, store.Active().Catalog.Version)
}

func TestPublishWithoutBaseVersionUsesActive(t *testing.T) {
	srv, _, store := newTestServer(t)

	// Editor clients send only the text and the author. Each publish lands on
	// top of whatever version is active at the time.
	body, _ := json.Marshal(map[string]interface{}{
		"catalog_text": lossRuleText,
		"author":       "desk-ops",
	})
	rec := do(t, srv, "POST", "/rules/publish", string(body))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, srv, "POST", "/rules/publish", string(body))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Version int `json:"version"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Version)
	assert.Equal(t, 2, store.Active().Catalog.Version)

	// An explicit base_version still gets optimistic concurrency.
	stale, _ := json.Marshal(map[string]interface{}{
		"catalog_text": lossRuleText,
		"author":       "desk-ops",
		"base_version": 0,
	})
	rec = do(t, srv, "POST", "/rules/publish", string(stale))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, 2, store.Active().Catalog.Version)
}

func TestPublishInvalidCatalogRejected(t *testing.T) {
	srv, _, store := newTestServer(t)

	body, _ := json.Marshal(map[string]interface{}{
		"catalog_text": "rules:\n  - id: broken\n    severity: WARNING\n    scope: LEG\n    expr: \"mark >\"\n",
		"author":       "desk-ops",
		"base_version": 0,
	})
	rec := do(t, srv, "POST", "/rules/publish", string(body))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var resp catalog.ValidateResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.OK)
	assert.NotEmpty(t, resp.Errors)
	assert.Equal(t, 0, store.Active().Catalog.Version)
}

func TestReloadReturnsActiveCatalog(t *testing.T) {
	srv, _, store := newTestServer(t)
	_, _, err := store.Publish(context.Background(), lossRuleText, "desk-ops", 0)
	require.NoError(t, err)

	rec := do(t, srv, "POST", "/rules/reload", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Version int `json:"version"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Version)
}

func TestSnapshotReadsRefuseWhileCatalogUnserviceable(t *testing.T) {
	publisher := snapshot.NewPublisher(4)
	path := filepath.Join(t.TempDir(), "rules.yaml")
	backing := catalog.NewFileStore(path)
	store, err := catalog.Open(context.Background(), backing, publisher, rules.NewEngine("USD"))
	require.NoError(t, err)
	srv := NewServer(DefaultServerConfig(), publisher, store, NewMetricsRegistry())

	_, _, err = store.Publish(context.Background(), lossRuleText, "desk-ops", 0)
	require.NoError(t, err)
	publisher.Publish(testSnapshot())

	// Corrupt the backing file and reload to latch the failure.
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))
	rec := do(t, srv, "POST", "/rules/reload", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	// The last snapshot must not be served as live while the catalog state
	// is suspect.
	for _, endpoint := range []string{"/positions/stocks", "/positions/options", "/rules/summary", "/state"} {
		rec := do(t, srv, "GET", endpoint, "")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code, endpoint)
		var resp map[string]interface{}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "catalog_unserviceable", resp["code"], endpoint)
	}
}

func TestStateReturnsFullSnapshot(t *testing.T) {
	srv, publisher, _ := newTestServer(t)
	publisher.Publish(testSnapshot())

	rec := do(t, srv, "GET", "/state", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var snap domain.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, domain.SessionRegular, snap.Session)
	require.NotNil(t, snap.Positions)
	assert.Len(t, snap.Positions.Stocks, 1)
}

func TestHealthDegradedWithoutSnapshot(t *testing.T) {
	srv, publisher, _ := newTestServer(t)

	rec := do(t, srv, "GET", "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "degraded", resp["status"])

	publisher.Publish(testSnapshot())
	rec = do(t, srv, "GET", "/health", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp["status"])
}

func TestNotFound(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := do(t, srv, "GET", "/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsEndpointExposesTickMetrics(t *testing.T) {
	srv, _, _ := newTestServer(t)
	srv.metrics.TickCompleted(12 * time.Millisecond)
	srv.metrics.TickSkipped("feed_error")
	srv.metrics.SnapshotsDropped(3)

	rec := do(t, srv, "GET", "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "posdesk_ticks_total")
	assert.Contains(t, body, "posdesk_ticks_skipped_total")
	assert.Contains(t, body, "posdesk_stream_dropped_total 3")

	completed, skipped := srv.metrics.TickStats()
	assert.Equal(t, 1.0, completed)
	assert.Equal(t, 1.0, skipped)
}
