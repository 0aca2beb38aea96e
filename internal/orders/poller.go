// Package orders polls broker status for in-flight close orders and drives
// the close lifecycle state machine.
package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/dmiller/tradeledger/internal/broker"
	"github.com/dmiller/tradeledger/internal/ledger"
	"github.com/dmiller/tradeledger/internal/matcher"
	"github.com/dmiller/tradeledger/internal/models"
)

const (
	// DefaultInterval is how often in-flight close orders are polled.
	DefaultInterval = 30 * time.Second
	// DefaultConfirmTimeout is how long a submitted close order may sit
	// without broker confirmation before it is parked in timeout_unknown.
	DefaultConfirmTimeout = 15 * time.Minute
	// statusCallTimeout bounds a single broker status call.
	statusCallTimeout = 10 * time.Second
)

// ErrNotTimedOut is returned when operator resolution targets a leg that is
// not in the timeout_unknown state.
var ErrNotTimedOut = errors.New("leg is not awaiting timeout resolution")

// Poller drives close-order lifecycle transitions from broker status.
type Poller struct {
	store          ledger.Interface
	history        broker.HistoryProvider
	matcher        *matcher.Matcher
	log            logrus.FieldLogger
	interval       time.Duration
	confirmTimeout time.Duration
	now            func() time.Time
}

// Config tunes the poller. Zero values fall back to defaults.
type Config struct {
	Interval       time.Duration
	ConfirmTimeout time.Duration
}

// NewPoller creates a Poller. Fills discovered while polling are applied
// through the matcher so direction inference stays in one place.
func NewPoller(store ledger.Interface, history broker.HistoryProvider, m *matcher.Matcher, log logrus.FieldLogger, cfg Config) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = DefaultConfirmTimeout
	}
	return &Poller{
		store:          store,
		history:        history,
		matcher:        m,
		log:            log,
		interval:       cfg.Interval,
		confirmTimeout: cfg.ConfirmTimeout,
		now:            time.Now,
	}
}

// Run polls until the context is canceled.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := p.PollOnce(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				p.log.WithError(err).Warn("close order poll failed")
			}
		}
	}
}

// PollOnce checks every in-flight close order once.
func (p *Poller) PollOnce(ctx context.Context) error {
	legs, err := p.store.GetAllLegs(ctx)
	if err != nil {
		return fmt.Errorf("load legs: %w", err)
	}

	var errs []error
	for _, leg := range legs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if leg.CloseStatus != models.CloseSubmitted || leg.CloseOrderID == "" {
			continue
		}
		if err := p.checkLeg(ctx, leg); err != nil {
			errs = append(errs, fmt.Errorf("leg %s: %w", leg.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (p *Poller) checkLeg(ctx context.Context, leg *models.Leg) error {
	callCtx, cancel := context.WithTimeout(ctx, statusCallTimeout)
	defer cancel()

	order, err := p.history.GetOrderStatus(callCtx, leg.CloseOrderID)
	if err != nil {
		if errors.Is(err, broker.ErrOrderNotFound) {
			p.log.WithFields(logrus.Fields{
				"leg_id":   leg.ID,
				"order_id": leg.CloseOrderID,
			}).Warn("broker has no record of close order")
			return p.maybeTimeout(ctx, leg, time.Time{})
		}
		return err
	}

	switch order.Status {
	case broker.StatusFilled:
		fill := broker.FillEvent{
			OrderID:   order.ID,
			Symbol:    order.Symbol,
			Side:      order.Side,
			Quantity:  order.FilledQty,
			Price:     order.AvgFillPrice,
			Timestamp: order.UpdatedAt,
		}
		if err := p.matcher.ApplyFill(ctx, leg, fill); err != nil {
			return err
		}
		p.log.WithFields(logrus.Fields{
			"leg_id":   leg.ID,
			"order_id": order.ID,
			"price":    order.AvgFillPrice,
		}).Info("close order filled")
		return nil

	case broker.StatusRejected:
		return p.transition(ctx, leg, models.CloseRejected, models.ConditionBrokerReject)
	case broker.StatusCanceled:
		return p.transition(ctx, leg, models.CloseCanceled, models.ConditionBrokerCancel)
	case broker.StatusExpired:
		return p.transition(ctx, leg, models.CloseExpired, models.ConditionOrderExpired)
	default:
		return p.maybeTimeout(ctx, leg, order.CreatedAt)
	}
}

// maybeTimeout parks a still-unconfirmed order in timeout_unknown once the
// confirmation window has lapsed.
func (p *Poller) maybeTimeout(ctx context.Context, leg *models.Leg, submittedAt time.Time) error {
	if submittedAt.IsZero() {
		submittedAt = leg.EntryTime
	}
	if submittedAt.IsZero() || p.now().Sub(submittedAt) < p.confirmTimeout {
		leg.LastChecked = p.now()
		return p.store.UpdateLeg(ctx, leg, false)
	}
	return p.transition(ctx, leg, models.CloseTimeoutUnknown, models.ConditionConfirmationLapsed)
}

func (p *Poller) transition(ctx context.Context, leg *models.Leg, to models.CloseStatus, condition string) error {
	from := leg.CloseStatus
	if err := leg.ApplyCloseTransition(to, condition); err != nil {
		return err
	}
	leg.LastChecked = p.now()
	if err := p.store.UpdateLeg(ctx, leg, false); err != nil {
		return fmt.Errorf("persist transition: %w", err)
	}
	p.auditLifecycle(ctx, leg, from, to, condition)
	p.log.WithFields(logrus.Fields{
		"leg_id":    leg.ID,
		"from":      string(from),
		"to":        string(to),
		"condition": condition,
	}).Info("close order transitioned")

	// A dead close order invalidates any P&L on the whole group, not just
	// this leg.
	if to.Terminal() && to != models.CloseFilled && leg.TradeGroupID != "" {
		if err := p.sanitizeSiblings(ctx, leg); err != nil {
			return err
		}
	}
	return nil
}

func (p *Poller) sanitizeSiblings(ctx context.Context, leg *models.Leg) error {
	siblings, err := p.store.GetGroupLegs(ctx, leg.TradeGroupID)
	if err != nil {
		return fmt.Errorf("load group %s: %w", leg.TradeGroupID, err)
	}
	var errs []error
	for _, sib := range siblings {
		if sib.ID == leg.ID {
			continue
		}
		if sib.Pnl == nil && sib.NeedsReconcile {
			continue
		}
		sib.ClearPnl()
		sib.NeedsReconcile = true
		if err := p.store.UpdateLeg(ctx, sib, true); err != nil {
			errs = append(errs, fmt.Errorf("sanitize leg %s: %w", sib.ID, err))
		}
	}
	return errors.Join(errs...)
}

// ResolveTimedOut applies an operator decision to a leg parked in
// timeout_unknown. Outcome filled requires fill details; outcome open marks
// the order dead and the position still open.
func (p *Poller) ResolveTimedOut(ctx context.Context, legID string, filled bool, fill *broker.FillEvent) error {
	leg, err := p.store.GetLeg(ctx, legID)
	if err != nil {
		return err
	}
	if leg.CloseStatus != models.CloseTimeoutUnknown {
		return fmt.Errorf("leg %s in state %s: %w", legID, leg.CloseStatus, ErrNotTimedOut)
	}

	if filled {
		if fill == nil || fill.Price <= 0 {
			return fmt.Errorf("leg %s: filled resolution requires fill details", legID)
		}
		from := leg.CloseStatus
		if err := p.matcher.ApplyFill(ctx, leg, *fill); err != nil {
			return err
		}
		p.auditLifecycle(ctx, leg, from, models.CloseFilled, models.ConditionManualFilled)
		return nil
	}
	return p.transition(ctx, leg, models.CloseCanceled, models.ConditionManualNotFilled)
}

func (p *Poller) auditLifecycle(ctx context.Context, leg *models.Leg, from, to models.CloseStatus, condition string) {
	event := &models.AuditEvent{
		ID:      uuid.NewString(),
		LegID:   leg.ID,
		GroupID: leg.TradeGroupID,
		Kind:    models.AuditLifecycleChange,
		At:      p.now(),
		Details: models.AuditDetails{
			Lifecycle: &models.LifecycleDetail{From: from, To: to, Condition: condition},
		},
	}
	if err := p.store.AppendAudit(ctx, event); err != nil {
		p.log.WithError(err).WithField("leg_id", leg.ID).Warn("audit append failed")
	}
}
