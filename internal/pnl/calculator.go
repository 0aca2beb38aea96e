// Package pnl implements the pure computation core of the reconciliation
// engine: leg-side inference, entry/exit dollar resolvers, and the P&L
// calculators. Nothing in this package touches storage or the broker.
package pnl

import (
	"errors"
	"fmt"

	"github.com/dmiller/tradeledger/internal/models"
	"github.com/dmiller/tradeledger/internal/util"
)

// Sentinel errors for the calculator and resolver cascade. Callers must
// treat these as "no number available" rather than substituting a guess.
var (
	// ErrMissingData means a required price, side, or quantity is absent.
	ErrMissingData = errors.New("missing fill data")
	// ErrAmbiguousDirection means leg topology could not be matched to any
	// known strategy shape.
	ErrAmbiguousDirection = errors.New("ambiguous leg direction")
)

// LegPnl is the result of a single-leg P&L computation.
type LegPnl struct {
	Pnl     float64
	Percent float64
	Formula string
}

// CalculateLegPnl computes realized P&L for one leg.
//
// Short leg:  (open − close) × qty × multiplier − fees
// Long leg:   (close − open) × qty × multiplier − fees
//
// Returns ErrMissingData when openSide is absent/unrecognized or either
// price is missing (options premiums are strictly positive, so a zero or
// negative price means the fill never landed). A nil result is deliberate:
// a wrong number is worse than no number.
func CalculateLegPnl(openSide models.OrderSide, openPrice, closePrice float64,
	qty int, multiplier, fees float64) (*LegPnl, error) {
	if !openSide.Valid() || !openSide.IsOpening() {
		return nil, fmt.Errorf("open side %q: %w", openSide, ErrMissingData)
	}
	if openPrice <= 0 || closePrice <= 0 {
		return nil, fmt.Errorf("open=%.4f close=%.4f: %w", openPrice, closePrice, ErrMissingData)
	}
	if qty <= 0 {
		return nil, fmt.Errorf("quantity %d: %w", qty, ErrMissingData)
	}
	if multiplier <= 0 {
		multiplier = models.SharesPerContract
	}

	scale := float64(qty) * multiplier
	var gross float64
	var direction string
	if openSide.IsShort() {
		gross = (openPrice - closePrice) * scale
		direction = "short"
	} else {
		gross = (closePrice - openPrice) * scale
		direction = "long"
	}
	pnl := util.RoundToCents(gross - fees)

	basis := openPrice * scale
	percent := 0.0
	if basis != 0 {
		percent = pnl / basis
	}

	formula := fmt.Sprintf("%s: (%.2f vs %.2f) x %d x %.0f - %.2f fees = %.2f",
		direction, openPrice, closePrice, qty, multiplier, fees, pnl)

	return &LegPnl{Pnl: pnl, Percent: percent, Formula: formula}, nil
}

// GroupPnl is the result of a group-level net P&L computation.
type GroupPnl struct {
	Pnl     float64
	Percent float64
	Formula string
}

// CalculateGroupPnl computes net P&L for a whole trade group.
//
// Both arguments must already be total dollars; this function performs no
// unit conversion; unit correctness is the resolvers' responsibility.
//
//	pnl     = entryCredit − exitDebit − fees
//	percent = (entryCredit − exitDebit) / entryCredit
func CalculateGroupPnl(entryCreditDollars, exitDebitDollars float64,
	contracts int, fees float64) (*GroupPnl, error) {
	if entryCreditDollars <= 0 {
		return nil, fmt.Errorf("entry credit %.2f: %w", entryCreditDollars, ErrMissingData)
	}
	if exitDebitDollars < 0 {
		return nil, fmt.Errorf("exit debit %.2f: %w", exitDebitDollars, ErrMissingData)
	}
	if contracts <= 0 {
		return nil, fmt.Errorf("contracts %d: %w", contracts, ErrMissingData)
	}

	pnl := util.RoundToCents(entryCreditDollars - exitDebitDollars - fees)
	percent := (entryCreditDollars - exitDebitDollars) / entryCreditDollars

	formula := fmt.Sprintf("group: credit %.2f - debit %.2f - fees %.2f = %.2f",
		entryCreditDollars, exitDebitDollars, fees, pnl)

	return &GroupPnl{Pnl: pnl, Percent: percent, Formula: formula}, nil
}
