// Package api exposes the query and command surface over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/dmiller/tradeledger/internal/broker"
	"github.com/dmiller/tradeledger/internal/ledger"
	"github.com/dmiller/tradeledger/internal/matcher"
	"github.com/dmiller/tradeledger/internal/models"
	"github.com/dmiller/tradeledger/internal/orders"
	"github.com/dmiller/tradeledger/internal/recalc"
)

// Server wires the ledger, matcher, poller, and orchestrator behind HTTP.
type Server struct {
	router    *chi.Mux
	server    *http.Server
	store     ledger.Interface
	matcher   *matcher.Matcher
	poller    *orders.Poller
	recalc    *recalc.Orchestrator
	logger    *logrus.Logger
	port      int
	authToken string
}

// Config configures the HTTP server.
type Config struct {
	Port      int
	AuthToken string
}

// LegView is the per-leg slice of the query surface.
type LegView struct {
	ID             string   `json:"id"`
	Symbol         string   `json:"symbol"`
	TradeGroupID   string   `json:"trade_group_id,omitempty"`
	Quantity       int      `json:"quantity"`
	OpenSide       string   `json:"open_side,omitempty"`
	CloseSide      string   `json:"close_side,omitempty"`
	EntryPrice     float64  `json:"entry_price"`
	ExitPrice      float64  `json:"exit_price"`
	CloseStatus    string   `json:"close_status"`
	PnlStatus      string   `json:"pnl_status"`
	Pnl            *float64 `json:"pnl"`
	PnlPercent     *float64 `json:"pnl_percent"`
	PnlFormula     string   `json:"pnl_formula,omitempty"`
	NeedsReconcile bool     `json:"needs_reconcile"`
}

// GroupView aggregates a trade group for the query surface. Flagged groups
// are surfaced so no aggregate silently includes an unverified figure.
type GroupView struct {
	TradeGroupID   string    `json:"trade_group_id"`
	Strategy       string    `json:"strategy"`
	Pnl            *float64  `json:"pnl"`
	PnlPercent     *float64  `json:"pnl_percent"`
	PnlStatus      string    `json:"pnl_status"`
	PnlFormula     string    `json:"pnl_formula,omitempty"`
	CloseStatus    string    `json:"close_status"`
	NeedsReconcile bool      `json:"needs_reconcile"`
	Legs           []LegView `json:"legs"`
}

// NewServer creates the API server and registers its routes.
func NewServer(cfg Config, store ledger.Interface, m *matcher.Matcher, p *orders.Poller, o *recalc.Orchestrator, logger *logrus.Logger) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		store:     store,
		matcher:   m,
		poller:    p,
		recalc:    o,
		logger:    logger,
		port:      cfg.Port,
		authToken: cfg.AuthToken,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))

	if s.authToken != "" {
		s.router.Use(s.authMiddleware)
	}

	s.router.Get("/health", s.handleHealth)
	s.router.Get("/api/groups", s.handleGetGroups)
	s.router.Get("/api/group/{id}", s.handleGetGroup)
	s.router.Get("/api/leg/{id}", s.handleGetLeg)
	s.router.Get("/api/duplicates", s.handleGetDuplicates)

	s.router.Post("/api/fills", s.handlePostFill)
	s.router.Post("/api/recalculate", s.handleRecalculate)
	s.router.Post("/api/leg/{id}/resolve", s.handleResolveTimedOut)
	s.router.Delete("/api/duplicates", s.handleDeleteDuplicates)
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		token := r.Header.Get("X-Auth-Token")
		if token != s.authToken {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Start blocks serving HTTP until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Infof("starting API server on port %d", s.port)
	return s.server.ListenAndServe()
}

// Shutdown stops the HTTP server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) handleGetGroups(w http.ResponseWriter, r *http.Request) {
	legs, err := s.store.GetAllLegs(r.Context())
	if err != nil {
		s.serverError(w, err, "load legs")
		return
	}

	byGroup := make(map[string][]*models.Leg)
	var order []string
	for _, leg := range legs {
		key := leg.TradeGroupID
		if key == "" {
			key = leg.ID
		}
		if _, seen := byGroup[key]; !seen {
			order = append(order, key)
		}
		byGroup[key] = append(byGroup[key], leg)
	}

	views := make([]GroupView, 0, len(order))
	for _, key := range order {
		views = append(views, s.buildGroupView(r.Context(), key, byGroup[key]))
	}
	s.writeJSON(w, views)
}

func (s *Server) handleGetGroup(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	legs, err := s.store.GetGroupLegs(r.Context(), id)
	if err != nil {
		s.serverError(w, err, "load group")
		return
	}
	if len(legs) == 0 {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, s.buildGroupView(r.Context(), id, legs))
}

func (s *Server) handleGetLeg(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	leg, err := s.store.GetLeg(r.Context(), id)
	if err != nil {
		if errors.Is(err, ledger.ErrLegNotFound) {
			http.Error(w, "Not Found", http.StatusNotFound)
			return
		}
		s.serverError(w, err, "load leg")
		return
	}
	s.writeJSON(w, legView(leg))
}

func (s *Server) handleGetDuplicates(w http.ResponseWriter, r *http.Request) {
	dupes, err := s.store.DetectDuplicates(r.Context())
	if err != nil {
		s.serverError(w, err, "detect duplicates")
		return
	}
	out := make([][]LegView, 0, len(dupes))
	for _, group := range dupes {
		views := make([]LegView, 0, len(group))
		for _, leg := range group {
			views = append(views, legView(leg))
		}
		out = append(out, views)
	}
	s.writeJSON(w, out)
}

// fillRequest is the inbound fill/order-status event shape.
type fillRequest struct {
	Symbol       string    `json:"symbol"`
	Side         string    `json:"side"`
	AvgFillPrice float64   `json:"avgFillPrice"`
	FilledQty    int       `json:"filledQty"`
	OrderID      string    `json:"orderId"`
	Timestamp    time.Time `json:"timestamp"`
}

func (s *Server) handlePostFill(w http.ResponseWriter, r *http.Request) {
	var req fillRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	if req.OrderID == "" || req.AvgFillPrice <= 0 {
		http.Error(w, "orderId and avgFillPrice are required", http.StatusBadRequest)
		return
	}

	leg, err := s.store.GetLegByOrderID(r.Context(), req.OrderID)
	if err != nil {
		if errors.Is(err, ledger.ErrLegNotFound) {
			http.Error(w, "no leg references this order", http.StatusNotFound)
			return
		}
		s.serverError(w, err, "lookup leg")
		return
	}

	fill := broker.FillEvent{
		OrderID:   req.OrderID,
		Symbol:    req.Symbol,
		Side:      models.OrderSide(req.Side),
		Quantity:  req.FilledQty,
		Price:     req.AvgFillPrice,
		Timestamp: req.Timestamp,
	}
	if err := s.matcher.ApplyFill(r.Context(), leg, fill); err != nil {
		s.serverError(w, err, "apply fill")
		return
	}
	s.writeJSON(w, legView(leg))
}

type recalculateRequest struct {
	Force bool `json:"force"`
}

func (s *Server) handleRecalculate(w http.ResponseWriter, r *http.Request) {
	var req recalculateRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Bad Request", http.StatusBadRequest)
			return
		}
	}

	summary, err := s.recalc.Recalculate(r.Context(), req.Force)
	if err != nil {
		if errors.Is(err, recalc.ErrInFlight) {
			http.Error(w, "recalculation already in flight", http.StatusConflict)
			return
		}
		// Partial failures still return the summary alongside a 500.
		s.logger.WithError(err).Error("recalculation completed with errors")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"summary": summary,
			"error":   err.Error(),
		})
		return
	}
	s.writeJSON(w, summary)
}

// resolveRequest carries an operator decision for a timed-out close order.
type resolveRequest struct {
	Outcome string       `json:"outcome"` // "filled" or "open"
	Fill    *fillRequest `json:"fill,omitempty"`
}

func (s *Server) handleResolveTimedOut(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	var fill *broker.FillEvent
	filled := false
	switch req.Outcome {
	case "filled":
		filled = true
		if req.Fill == nil {
			http.Error(w, "filled outcome requires fill details", http.StatusBadRequest)
			return
		}
		fill = &broker.FillEvent{
			OrderID:   req.Fill.OrderID,
			Symbol:    req.Fill.Symbol,
			Side:      models.OrderSide(req.Fill.Side),
			Quantity:  req.Fill.FilledQty,
			Price:     req.Fill.AvgFillPrice,
			Timestamp: req.Fill.Timestamp,
		}
	case "open":
	default:
		http.Error(w, "outcome must be filled or open", http.StatusBadRequest)
		return
	}

	if err := s.poller.ResolveTimedOut(r.Context(), id, filled, fill); err != nil {
		switch {
		case errors.Is(err, ledger.ErrLegNotFound):
			http.Error(w, "Not Found", http.StatusNotFound)
		case errors.Is(err, orders.ErrNotTimedOut):
			http.Error(w, err.Error(), http.StatusConflict)
		default:
			s.serverError(w, err, "resolve timed-out leg")
		}
		return
	}

	leg, err := s.store.GetLeg(r.Context(), id)
	if err != nil {
		s.serverError(w, err, "reload leg")
		return
	}
	s.writeJSON(w, legView(leg))
}

type deleteDuplicatesRequest struct {
	IDs    []string `json:"ids"`
	KeptID string   `json:"kept_id,omitempty"`
}

func (s *Server) handleDeleteDuplicates(w http.ResponseWriter, r *http.Request) {
	var req deleteDuplicatesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	if len(req.IDs) == 0 {
		http.Error(w, "ids are required", http.StatusBadRequest)
		return
	}

	if err := s.store.DeleteLegs(r.Context(), req.IDs); err != nil {
		if errors.Is(err, ledger.ErrLegNotFound) {
			http.Error(w, "Not Found", http.StatusNotFound)
			return
		}
		s.serverError(w, err, "delete duplicates")
		return
	}

	event := &models.AuditEvent{
		ID:   uuid.NewString(),
		Kind: models.AuditDuplicateRemoved,
		At:   time.Now(),
		Details: models.AuditDetails{
			Duplicate: &models.DuplicateDetail{RemovedIDs: req.IDs, KeptID: req.KeptID},
		},
	}
	if err := s.store.AppendAudit(r.Context(), event); err != nil {
		s.logger.WithError(err).Warn("audit append failed")
	}

	s.writeJSON(w, map[string]interface{}{"deleted": len(req.IDs)})
}

func (s *Server) buildGroupView(ctx context.Context, key string, legs []*models.Leg) GroupView {
	models.SortLegs(legs)
	primary := models.PrimaryLeg(legs)

	view := GroupView{
		TradeGroupID: key,
		PnlStatus:    string(primary.PnlStatus),
		CloseStatus:  string(primary.CloseStatus),
	}

	strategy, err := s.store.GroupStrategy(ctx, key)
	if err == nil {
		view.Strategy = string(strategy)
	}

	view.Pnl = primary.Pnl
	view.PnlPercent = primary.PnlPercent
	view.PnlFormula = primary.PnlFormula

	for _, leg := range legs {
		if leg.NeedsReconcile {
			view.NeedsReconcile = true
		}
		if !leg.IsFilled() {
			view.CloseStatus = string(leg.CloseStatus)
		}
		view.Legs = append(view.Legs, legView(leg))
	}
	return view
}

func legView(leg *models.Leg) LegView {
	return LegView{
		ID:             leg.ID,
		Symbol:         leg.Symbol,
		TradeGroupID:   leg.TradeGroupID,
		Quantity:       leg.Quantity,
		OpenSide:       string(leg.OpenSide),
		CloseSide:      string(leg.CloseSide),
		EntryPrice:     leg.EntryPrice,
		ExitPrice:      leg.ExitPrice,
		CloseStatus:    string(leg.CloseStatus),
		PnlStatus:      string(leg.PnlStatus),
		Pnl:            leg.Pnl,
		PnlPercent:     leg.PnlPercent,
		PnlFormula:     leg.PnlFormula,
		NeedsReconcile: leg.NeedsReconcile,
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("failed to encode response")
	}
}

func (s *Server) serverError(w http.ResponseWriter, err error, op string) {
	s.logger.WithError(err).Errorf("%s failed", op)
	http.Error(w, "Internal Server Error", http.StatusInternalServerError)
}
