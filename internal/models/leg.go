// Package models provides data structures and lifecycle management for trade legs.
package models

import (
	"fmt"
	"sort"
	"time"
)

// SharesPerContract is the standard option contract multiplier.
const SharesPerContract = 100.0

// OrderSide identifies how a leg was opened or closed.
type OrderSide string

const (
	// SideSellToOpen opens a short leg.
	SideSellToOpen OrderSide = "sell_to_open"
	// SideBuyToOpen opens a long leg.
	SideBuyToOpen OrderSide = "buy_to_open"
	// SideBuyToClose closes a short leg.
	SideBuyToClose OrderSide = "buy_to_close"
	// SideSellToClose closes a long leg.
	SideSellToClose OrderSide = "sell_to_close"
)

// Valid returns true if the OrderSide is one of the defined constants.
func (s OrderSide) Valid() bool {
	switch s {
	case SideSellToOpen, SideBuyToOpen, SideBuyToClose, SideSellToClose:
		return true
	default:
		return false
	}
}

// IsOpening returns true for sides that establish a position.
func (s OrderSide) IsOpening() bool {
	return s == SideSellToOpen || s == SideBuyToOpen
}

// IsClosing returns true for sides that flatten a position.
func (s OrderSide) IsClosing() bool {
	return s == SideBuyToClose || s == SideSellToClose
}

// IsShort returns true if the side implies a short leg.
func (s OrderSide) IsShort() bool {
	return s == SideSellToOpen || s == SideBuyToClose
}

// ComplementaryOpenSide maps a closing side to the opening side it implies.
// A buy-to-close execution means the leg was opened sell-to-open, and vice versa.
func ComplementaryOpenSide(closeSide OrderSide) (OrderSide, error) {
	switch closeSide {
	case SideBuyToClose:
		return SideSellToOpen, nil
	case SideSellToClose:
		return SideBuyToOpen, nil
	default:
		return "", fmt.Errorf("side %q is not a closing side", closeSide)
	}
}

// ComplementaryCloseSide maps an opening side to the closing side it implies.
func ComplementaryCloseSide(openSide OrderSide) (OrderSide, error) {
	switch openSide {
	case SideSellToOpen:
		return SideBuyToClose, nil
	case SideBuyToOpen:
		return SideSellToClose, nil
	default:
		return "", fmt.Errorf("side %q is not an opening side", openSide)
	}
}

// PnlStatus tracks how far a leg has progressed through P&L computation.
type PnlStatus string

const (
	// PnlPending means the leg has not been through a successful recompute yet.
	PnlPending PnlStatus = "pending"
	// PnlComputed means a verified P&L has been written; immutable to non-forced recomputes.
	PnlComputed PnlStatus = "computed"
	// PnlFinal means the P&L has been confirmed by an operator; immutable to non-forced recomputes.
	PnlFinal PnlStatus = "final"
	// PnlMissingFills is the absorbing failure state: required fill data is absent
	// and no number was written.
	PnlMissingFills PnlStatus = "missing_fills"
)

// Valid returns true if the PnlStatus is one of the defined constants.
func (s PnlStatus) Valid() bool {
	switch s {
	case PnlPending, PnlComputed, PnlFinal, PnlMissingFills:
		return true
	default:
		return false
	}
}

// Immutable reports whether a non-forced recompute may alter this leg's P&L.
func (s PnlStatus) Immutable() bool {
	return s == PnlComputed || s == PnlFinal
}

// StrategyType hints at the leg topology of a trade group.
type StrategyType string

const (
	StrategyIronCondor       StrategyType = "iron_condor"
	StrategyPutCreditSpread  StrategyType = "put_credit_spread"
	StrategyCallCreditSpread StrategyType = "call_credit_spread"
	StrategyButterfly        StrategyType = "butterfly"
	StrategyStrangle         StrategyType = "strangle"
	StrategyStraddle         StrategyType = "straddle"
	StrategyCustom           StrategyType = "custom"
)

// GroupPnlMarker is stored as the formula on every non-primary leg of a group
// so downstream sums never double-count.
const GroupPnlMarker = "Included in group total"

// Leg represents one option contract's position within a trade.
// A leg with an empty TradeGroupID is a single-leg trade.
type Leg struct {
	ID           string    `json:"id"`
	Symbol       string    `json:"symbol"` // OCC option symbol, e.g. SPY240315P00500000
	Underlying   string    `json:"underlying"`
	TradeGroupID string    `json:"trade_group_id,omitempty"`
	Quantity     int       `json:"quantity"`
	Multiplier   float64   `json:"multiplier"` // contract size, default 100
	EntryPrice   float64   `json:"entry_price"` // per share
	ExitPrice    float64   `json:"exit_price"`  // per share, 0 until closed
	OpenOrderID  string    `json:"open_order_id,omitempty"`
	CloseOrderID string    `json:"close_order_id,omitempty"`
	OpenSide     OrderSide `json:"open_side,omitempty"`  // empty until verified
	CloseSide    OrderSide `json:"close_side,omitempty"` // empty until verified
	Fees         float64   `json:"fees"`

	// Legacy cached dollar fields. Historical rows frequently hold per-share
	// values or summed-not-netted leg totals here; the resolvers decide
	// whether they can be trusted.
	EntryCredit float64 `json:"entry_credit,omitempty"`
	ExitDebit   float64 `json:"exit_debit,omitempty"`

	CloseStatus    CloseStatus `json:"close_status"`
	PnlStatus      PnlStatus   `json:"pnl_status"`
	Pnl            *float64    `json:"pnl,omitempty"`
	PnlPercent     *float64    `json:"pnl_percent,omitempty"`
	PnlFormula     string      `json:"pnl_formula,omitempty"`
	NeedsReconcile bool        `json:"needs_reconcile"`

	EntryTime time.Time `json:"entry_time,omitempty"`
	ExitTime  time.Time `json:"exit_time,omitempty"`

	// Seq guards against a slow, stale reader overwriting the result of a
	// more recent write. Incremented on every persisted mutation.
	Seq int64 `json:"seq"`

	LastChecked time.Time `json:"last_checked,omitempty"`
}

// EffectiveMultiplier returns the contract multiplier, defaulting to 100.
func (l *Leg) EffectiveMultiplier() float64 {
	if l.Multiplier <= 0 {
		return SharesPerContract
	}
	return l.Multiplier
}

// IsFilled reports whether the leg's close order reached the filled state.
func (l *Leg) IsFilled() bool {
	return l.CloseStatus == CloseFilled
}

// ClearPnl nulls out any computed P&L and resets the status to pending.
// Used when sanitizing groups that are not fully filled.
func (l *Leg) ClearPnl() {
	l.Pnl = nil
	l.PnlPercent = nil
	l.PnlFormula = ""
	if l.PnlStatus != PnlMissingFills {
		l.PnlStatus = PnlPending
	}
}

// Validate checks leg fields for internal consistency.
func (l *Leg) Validate() error {
	if l.ID == "" {
		return fmt.Errorf("leg: id is required")
	}
	if l.Symbol == "" {
		return fmt.Errorf("leg %s: symbol is required", l.ID)
	}
	if l.Quantity <= 0 {
		return fmt.Errorf("leg %s: quantity must be > 0 (got %d)", l.ID, l.Quantity)
	}
	if l.Multiplier < 0 {
		return fmt.Errorf("leg %s: multiplier must be >= 0 (got %.2f)", l.ID, l.Multiplier)
	}
	if l.OpenSide != "" && !l.OpenSide.IsOpening() {
		return fmt.Errorf("leg %s: open_side %q is not an opening side", l.ID, l.OpenSide)
	}
	if l.CloseSide != "" && !l.CloseSide.IsClosing() {
		return fmt.Errorf("leg %s: close_side %q is not a closing side", l.ID, l.CloseSide)
	}
	if !l.CloseStatus.Valid() {
		return fmt.Errorf("leg %s: invalid close_status %q", l.ID, l.CloseStatus)
	}
	if !l.PnlStatus.Valid() {
		return fmt.Errorf("leg %s: invalid pnl_status %q", l.ID, l.PnlStatus)
	}
	// Lifecycle gating: a leg that terminated without a fill must not carry P&L.
	if l.CloseStatus.Terminal() && l.CloseStatus != CloseFilled && l.Pnl != nil {
		return fmt.Errorf("leg %s: close_status %q forbids a computed pnl", l.ID, l.CloseStatus)
	}
	return nil
}

// NewLeg creates a leg in its initial lifecycle state (submitted, pnl pending).
func NewLeg(id, symbol, underlying, groupID string, quantity int) *Leg {
	return &Leg{
		ID:           id,
		Symbol:       symbol,
		Underlying:   underlying,
		TradeGroupID: groupID,
		Quantity:     quantity,
		Multiplier:   SharesPerContract,
		CloseStatus:  CloseSubmitted,
		PnlStatus:    PnlPending,
	}
}

// PrimaryLeg picks the single leg that carries a group's realized P&L:
// deterministically the alphabetically-first symbol, tie-broken by id.
func PrimaryLeg(legs []*Leg) *Leg {
	if len(legs) == 0 {
		return nil
	}
	primary := legs[0]
	for _, l := range legs[1:] {
		if l.Symbol < primary.Symbol || (l.Symbol == primary.Symbol && l.ID < primary.ID) {
			primary = l
		}
	}
	return primary
}

// SortLegs orders legs by symbol then id, matching primary-leg selection.
func SortLegs(legs []*Leg) {
	sort.Slice(legs, func(i, j int) bool {
		if legs[i].Symbol != legs[j].Symbol {
			return legs[i].Symbol < legs[j].Symbol
		}
		return legs[i].ID < legs[j].ID
	})
}
