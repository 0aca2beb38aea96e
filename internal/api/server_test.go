package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmiller/tradeledger/internal/broker"
	"github.com/dmiller/tradeledger/internal/ledger"
	"github.com/dmiller/tradeledger/internal/matcher"
	"github.com/dmiller/tradeledger/internal/models"
	"github.com/dmiller/tradeledger/internal/orders"
	"github.com/dmiller/tradeledger/internal/recalc"
)

func newTestServer(t *testing.T, authToken string) (*Server, *ledger.MemoryStore, *broker.MockProvider) {
	t.Helper()
	store := ledger.NewMemoryStore()
	history := broker.NewMockProvider()
	log := logrus.New()
	log.SetOutput(io.Discard)

	m := matcher.New(store, history, log)
	p := orders.NewPoller(store, history, m, log, orders.Config{})
	o := recalc.New(store, log)
	s := NewServer(Config{Port: 0, AuthToken: authToken}, store, m, p, o, log)
	return s, store, history
}

func doRequest(s *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		buf, _ := json.Marshal(body)
		reader = bytes.NewReader(buf)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func seedFilledLeg(t *testing.T, store *ledger.MemoryStore, id, symbol, groupID string) *models.Leg {
	t.Helper()
	leg := models.NewLeg(id, symbol, "SPY", groupID, 1)
	leg.OpenSide = models.SideSellToOpen
	leg.CloseSide = models.SideBuyToClose
	leg.EntryPrice = 2.50
	leg.ExitPrice = 1.10
	leg.CloseStatus = models.CloseFilled
	leg.EntryTime = time.Now().Add(-24 * time.Hour)
	leg.ExitTime = time.Now().Add(-time.Hour)
	require.NoError(t, store.InsertLeg(context.Background(), leg))
	return leg
}

func TestHealthEndpoint(t *testing.T) {
	s, _, _ := newTestServer(t, "")
	rec := doRequest(s, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")
}

func TestAuthMiddleware(t *testing.T) {
	s, store, _ := newTestServer(t, "secret")
	seedFilledLeg(t, store, "leg-1", "SPY240315P00500000", "")

	// Health is exempt from auth.
	rec := doRequest(s, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(s, http.MethodGet, "/api/leg/leg-1", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/leg/leg-1", nil)
	req.Header.Set("X-Auth-Token", "secret")
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestGetLeg(t *testing.T) {
	s, store, _ := newTestServer(t, "")
	seedFilledLeg(t, store, "leg-1", "SPY240315P00500000", "")

	rec := doRequest(s, http.MethodGet, "/api/leg/leg-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var view LegView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, "leg-1", view.ID)
	assert.Equal(t, "sell_to_open", view.OpenSide)
	assert.Equal(t, 2.50, view.EntryPrice)

	rec = doRequest(s, http.MethodGet, "/api/leg/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetGroupAggregatesPrimary(t *testing.T) {
	s, store, _ := newTestServer(t, "")
	ctx := context.Background()

	a := seedFilledLeg(t, store, "leg-a", "SPY240315C00520000", "grp-1")
	seedFilledLeg(t, store, "leg-b", "SPY240315P00500000", "grp-1")

	pnl := 140.0
	a.Pnl = &pnl
	a.PnlStatus = models.PnlComputed
	require.NoError(t, store.UpdateLeg(ctx, a, true))
	require.NoError(t, store.SetGroupInfo(ctx, "grp-1", models.StrategyStrangle, nil, nil))

	rec := doRequest(s, http.MethodGet, "/api/group/grp-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var view GroupView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, "grp-1", view.TradeGroupID)
	assert.Equal(t, "strangle", view.Strategy)
	require.NotNil(t, view.Pnl)
	assert.Equal(t, 140.0, *view.Pnl)
	assert.Equal(t, "computed", view.PnlStatus)
	assert.Len(t, view.Legs, 2)

	rec = doRequest(s, http.MethodGet, "/api/group/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetGroupsSurfacesNonFilledStatus(t *testing.T) {
	s, store, _ := newTestServer(t, "")
	seedFilledLeg(t, store, "leg-a", "SPY240315C00520000", "grp-1")
	open := models.NewLeg("leg-b", "SPY240315P00500000", "SPY", "grp-1", 1)
	open.NeedsReconcile = true
	require.NoError(t, store.InsertLeg(context.Background(), open))

	rec := doRequest(s, http.MethodGet, "/api/groups", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var views []GroupView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &views))
	require.Len(t, views, 1)
	assert.Equal(t, "submitted", views[0].CloseStatus)
	assert.True(t, views[0].NeedsReconcile)
}

func TestPostFillAppliesClosingFill(t *testing.T) {
	s, store, _ := newTestServer(t, "")
	leg := models.NewLeg("leg-1", "SPY240315P00500000", "SPY", "", 1)
	leg.CloseOrderID = "ord-9"
	require.NoError(t, store.InsertLeg(context.Background(), leg))

	rec := doRequest(s, http.MethodPost, "/api/fills", map[string]interface{}{
		"symbol":       "SPY240315P00500000",
		"side":         "buy_to_close",
		"avgFillPrice": 1.25,
		"filledQty":    1,
		"orderId":      "ord-9",
		"timestamp":    time.Now().Format(time.RFC3339),
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var view LegView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, "filled", view.CloseStatus)
	assert.Equal(t, 1.25, view.ExitPrice)
	// A buy_to_close fill implies the position was opened short.
	assert.Equal(t, "sell_to_open", view.OpenSide)
}

func TestPostFillValidation(t *testing.T) {
	s, _, _ := newTestServer(t, "")

	rec := doRequest(s, http.MethodPost, "/api/fills", map[string]interface{}{"orderId": ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(s, http.MethodPost, "/api/fills", map[string]interface{}{
		"orderId":      "unknown",
		"avgFillPrice": 1.0,
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRecalculateEndpoint(t *testing.T) {
	s, store, _ := newTestServer(t, "")
	seedFilledLeg(t, store, "leg-1", "SPY240315P00500000", "")

	rec := doRequest(s, http.MethodPost, "/api/recalculate", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var summary recalc.Summary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	assert.Equal(t, 1, summary.Groups)
	assert.Equal(t, 1, summary.Computed)

	leg, err := store.GetLeg(context.Background(), "leg-1")
	require.NoError(t, err)
	require.NotNil(t, leg.Pnl)
	// short: (2.50 - 1.10) x 1 x 100
	assert.InDelta(t, 140.0, *leg.Pnl, 0.01)
}

func TestResolveTimedOutAsOpen(t *testing.T) {
	s, store, _ := newTestServer(t, "")
	leg := models.NewLeg("leg-1", "SPY240315P00500000", "SPY", "", 1)
	leg.CloseStatus = models.CloseTimeoutUnknown
	require.NoError(t, store.InsertLeg(context.Background(), leg))

	rec := doRequest(s, http.MethodPost, "/api/leg/leg-1/resolve", map[string]interface{}{
		"outcome": "open",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var view LegView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, "canceled", view.CloseStatus)
	assert.True(t, view.NeedsReconcile)
}

func TestResolveTimedOutValidation(t *testing.T) {
	s, store, _ := newTestServer(t, "")
	seedFilledLeg(t, store, "leg-1", "SPY240315P00500000", "")

	rec := doRequest(s, http.MethodPost, "/api/leg/leg-1/resolve", map[string]interface{}{
		"outcome": "maybe",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(s, http.MethodPost, "/api/leg/leg-1/resolve", map[string]interface{}{
		"outcome": "filled",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Filled legs are not awaiting resolution.
	rec = doRequest(s, http.MethodPost, "/api/leg/leg-1/resolve", map[string]interface{}{
		"outcome": "open",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doRequest(s, http.MethodPost, "/api/leg/missing/resolve", map[string]interface{}{
		"outcome": "open",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDuplicatesListAndDelete(t *testing.T) {
	s, store, _ := newTestServer(t, "")
	ctx := context.Background()

	a := models.NewLeg("leg-a", "SPY240315P00500000", "SPY", "", 1)
	a.OpenOrderID = "ord-1"
	b := models.NewLeg("leg-b", "SPY240315P00500000", "SPY", "", 1)
	b.OpenOrderID = "ord-1"
	require.NoError(t, store.InsertLeg(ctx, a))
	require.NoError(t, store.InsertLeg(ctx, b))

	rec := doRequest(s, http.MethodGet, "/api/duplicates", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var dupes [][]LegView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dupes))
	require.Len(t, dupes, 1)
	assert.Len(t, dupes[0], 2)

	rec = doRequest(s, http.MethodDelete, "/api/duplicates", map[string]interface{}{
		"ids":     []string{"leg-b"},
		"kept_id": "leg-a",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	_, err := store.GetLeg(ctx, "leg-b")
	assert.ErrorIs(t, err, ledger.ErrLegNotFound)

	events := store.AuditEvents()
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, models.AuditDuplicateRemoved, last.Kind)

	rec = doRequest(s, http.MethodDelete, "/api/duplicates", map[string]interface{}{"ids": []string{}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
