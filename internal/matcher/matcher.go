// Package matcher reconciles persisted legs against broker order history,
// backfilling direction and price data the ingestion path missed.
package matcher

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/dmiller/tradeledger/internal/broker"
	"github.com/dmiller/tradeledger/internal/ledger"
	"github.com/dmiller/tradeledger/internal/models"
)

const (
	// DefaultWindow bounds heuristic matches around the recorded timestamp.
	DefaultWindow = 30 * time.Minute
	// quantityTolerance allows off-by-one quantity drift between the ledger
	// row and the broker execution.
	quantityTolerance = 1
)

// Report summarizes one reconciliation pass.
type Report struct {
	Scanned       int
	MatchedExact  int
	MatchedWindow int
	Unmatched     int
}

// Matcher backfills leg direction and prices from broker history.
type Matcher struct {
	store   ledger.Interface
	history broker.HistoryProvider
	log     logrus.FieldLogger
	window  time.Duration
}

// New creates a Matcher with the default matching window.
func New(store ledger.Interface, history broker.HistoryProvider, log logrus.FieldLogger) *Matcher {
	return &Matcher{
		store:   store,
		history: history,
		log:     log,
		window:  DefaultWindow,
	}
}

// NewWithWindow creates a Matcher with a custom matching window.
func NewWithWindow(store ledger.Interface, history broker.HistoryProvider, log logrus.FieldLogger, window time.Duration) *Matcher {
	m := New(store, history, log)
	if window > 0 {
		m.window = window
	}
	return m
}

// Reconcile scans all legs lacking verified direction or exit data and tries
// to match them against broker history. Exact order-id matches are tried
// first; legs without usable order ids fall back to the windowed heuristic.
func (m *Matcher) Reconcile(ctx context.Context) (*Report, error) {
	legs, err := m.store.GetAllLegs(ctx)
	if err != nil {
		return nil, fmt.Errorf("load legs: %w", err)
	}

	report := &Report{}
	var fills []broker.FillEvent
	fillsLoaded := false

	for _, leg := range legs {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		if !needsMatch(leg) {
			continue
		}
		report.Scanned++

		matched, err := m.matchExact(ctx, leg)
		if err != nil {
			m.log.WithError(err).WithField("leg_id", leg.ID).Warn("exact match failed")
		}
		if matched {
			report.MatchedExact++
			continue
		}

		if !fillsLoaded {
			fills, err = m.history.GetFills(ctx, fillsSince(legs))
			if err != nil {
				return report, fmt.Errorf("load fill history: %w", err)
			}
			fillsLoaded = true
		}

		matched, err = m.matchHeuristic(ctx, leg, fills)
		if err != nil {
			m.log.WithError(err).WithField("leg_id", leg.ID).Warn("heuristic match failed")
		}
		if matched {
			report.MatchedWindow++
		} else {
			report.Unmatched++
			m.log.WithFields(logrus.Fields{
				"leg_id": leg.ID,
				"symbol": leg.Symbol,
			}).Info("no broker history match for leg")
		}
	}
	return report, nil
}

// needsMatch reports whether a leg still lacks verified direction or the
// exit data its lifecycle state implies.
func needsMatch(leg *models.Leg) bool {
	if leg.NeedsReconcile {
		return true
	}
	if leg.OpenSide == "" {
		return true
	}
	if leg.CloseStatus == models.CloseFilled && leg.ExitPrice <= 0 {
		return true
	}
	return false
}

func (m *Matcher) matchExact(ctx context.Context, leg *models.Leg) (bool, error) {
	applied := false
	for _, orderID := range []string{leg.CloseOrderID, leg.OpenOrderID} {
		if orderID == "" {
			continue
		}
		order, err := m.history.GetOrderStatus(ctx, orderID)
		if err != nil {
			return applied, err
		}
		if order.Status != broker.StatusFilled || order.AvgFillPrice <= 0 {
			continue
		}
		fill := broker.FillEvent{
			OrderID:   order.ID,
			Symbol:    order.Symbol,
			Side:      order.Side,
			Quantity:  order.FilledQty,
			Price:     order.AvgFillPrice,
			Timestamp: order.UpdatedAt,
		}
		if err := m.ApplyFill(ctx, leg, fill); err != nil {
			return applied, err
		}
		applied = true
		if !needsMatch(leg) {
			return true, nil
		}
	}
	return applied && !needsMatch(leg), nil
}

func (m *Matcher) matchHeuristic(ctx context.Context, leg *models.Leg, fills []broker.FillEvent) (bool, error) {
	for _, fill := range fills {
		if !m.heuristicMatches(leg, fill) {
			continue
		}
		if err := m.ApplyFill(ctx, leg, fill); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// heuristicMatches requires identical option symbol, quantity within the
// tolerance, a side consistent with what the leg is missing, and proximity
// to the recorded entry or exit timestamp.
func (m *Matcher) heuristicMatches(leg *models.Leg, fill broker.FillEvent) bool {
	if fill.Symbol != leg.Symbol {
		return false
	}
	diff := fill.Quantity - leg.Quantity
	if diff < -quantityTolerance || diff > quantityTolerance {
		return false
	}
	if fill.Side.IsClosing() {
		return withinWindow(fill.Timestamp, leg.ExitTime, m.window)
	}
	if fill.Side.IsOpening() {
		return withinWindow(fill.Timestamp, leg.EntryTime, m.window)
	}
	return false
}

func withinWindow(a, b time.Time, window time.Duration) bool {
	if a.IsZero() || b.IsZero() {
		return false
	}
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d <= window
}

// ApplyFill writes one broker execution into the leg. A closing fill is the
// sole source of truth for direction: the open side is always derived from
// the complementary closing side, never from stored metadata.
func (m *Matcher) ApplyFill(ctx context.Context, leg *models.Leg, fill broker.FillEvent) error {
	if fill.Price <= 0 {
		return fmt.Errorf("fill for order %s has no price", fill.OrderID)
	}

	switch {
	case fill.Side.IsClosing():
		openSide, err := models.ComplementaryOpenSide(fill.Side)
		if err != nil {
			return err
		}
		leg.CloseSide = fill.Side
		leg.OpenSide = openSide
		leg.ExitPrice = fill.Price
		if leg.CloseOrderID == "" {
			leg.CloseOrderID = fill.OrderID
		}
		if !fill.Timestamp.IsZero() {
			leg.ExitTime = fill.Timestamp
		}
		if fill.Fees > 0 {
			leg.Fees += fill.Fees
		}
		if leg.CloseStatus != models.CloseFilled {
			condition := models.ConditionBrokerFill
			if leg.CloseStatus == models.CloseTimeoutUnknown {
				condition = models.ConditionManualFilled
			}
			if err := leg.ApplyCloseTransition(models.CloseFilled, condition); err != nil {
				return fmt.Errorf("leg %s: %w", leg.ID, err)
			}
		}

	case fill.Side.IsOpening():
		closeSide, err := models.ComplementaryCloseSide(fill.Side)
		if err != nil {
			return err
		}
		leg.OpenSide = fill.Side
		if leg.CloseSide == "" {
			leg.CloseSide = closeSide
		}
		leg.EntryPrice = fill.Price
		if leg.OpenOrderID == "" {
			leg.OpenOrderID = fill.OrderID
		}
		if !fill.Timestamp.IsZero() {
			leg.EntryTime = fill.Timestamp
		}
		if fill.Fees > 0 {
			leg.Fees += fill.Fees
		}

	default:
		return fmt.Errorf("fill for order %s has unknown side %q", fill.OrderID, fill.Side)
	}

	leg.NeedsReconcile = !legComplete(leg)
	leg.LastChecked = time.Now()

	if err := m.store.UpdateLeg(ctx, leg, false); err != nil {
		return fmt.Errorf("persist leg %s: %w", leg.ID, err)
	}

	event := &models.AuditEvent{
		ID:      uuid.NewString(),
		LegID:   leg.ID,
		GroupID: leg.TradeGroupID,
		Kind:    models.AuditFillApplied,
		At:      time.Now(),
		Details: models.AuditDetails{
			Fill: &models.FillDetail{
				OrderID:      fill.OrderID,
				Side:         fill.Side,
				AvgFillPrice: fill.Price,
				FilledQty:    fill.Quantity,
				Timestamp:    fill.Timestamp,
			},
		},
	}
	if err := m.store.AppendAudit(ctx, event); err != nil {
		m.log.WithError(err).WithField("leg_id", leg.ID).Warn("audit append failed")
	}
	return nil
}

func legComplete(leg *models.Leg) bool {
	if leg.OpenSide == "" || leg.EntryPrice <= 0 {
		return false
	}
	if leg.CloseStatus == models.CloseFilled && (leg.ExitPrice <= 0 || leg.CloseSide == "") {
		return false
	}
	return true
}

// fillsSince picks the earliest timestamp worth fetching history for.
func fillsSince(legs []*models.Leg) time.Time {
	var earliest time.Time
	for _, leg := range legs {
		for _, t := range []time.Time{leg.EntryTime, leg.ExitTime} {
			if t.IsZero() {
				continue
			}
			if earliest.IsZero() || t.Before(earliest) {
				earliest = t
			}
		}
	}
	if earliest.IsZero() {
		return time.Now().AddDate(0, -1, 0)
	}
	return earliest
}
