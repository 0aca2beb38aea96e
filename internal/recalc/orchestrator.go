// Package recalc runs the full-ledger P&L recomputation pass.
package recalc

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/dmiller/tradeledger/internal/ledger"
	"github.com/dmiller/tradeledger/internal/models"
	"github.com/dmiller/tradeledger/internal/pnl"
)

// DefaultDriftThreshold is the aggregate P&L delta between runs that
// triggers a corruption warning, in dollars.
const DefaultDriftThreshold = 500.0

// ErrInFlight is returned when a recalculation is already running.
var ErrInFlight = errors.New("recalculation already in flight")

// Summary reports what one recalculation pass did.
type Summary struct {
	Groups       int
	Computed     int
	Skipped      int
	Sanitized    int
	MissingFills int
	TotalBefore  float64
	TotalAfter   float64
}

// Orchestrator recomputes P&L across all persisted legs, grouped by
// trade_group_id. Safe to run concurrently with live fill ingestion: writes
// go through the store's immutability and sequence gates, and an atomic
// in-flight flag keeps two passes from overlapping.
type Orchestrator struct {
	store          ledger.Interface
	log            logrus.FieldLogger
	inFlight       atomic.Bool
	driftThreshold float64
}

// New creates an Orchestrator with the default drift threshold.
func New(store ledger.Interface, log logrus.FieldLogger) *Orchestrator {
	return &Orchestrator{
		store:          store,
		log:            log,
		driftThreshold: DefaultDriftThreshold,
	}
}

// SetDriftThreshold overrides the aggregate-delta warning threshold.
func (o *Orchestrator) SetDriftThreshold(dollars float64) {
	if dollars > 0 {
		o.driftThreshold = dollars
	}
}

// Recalculate runs one full pass. With force set, computed/final groups are
// recomputed too; otherwise they are skipped untouched. Re-entrant and safe
// to cancel: remaining groups simply stay pending for the next pass.
func (o *Orchestrator) Recalculate(ctx context.Context, force bool) (*Summary, error) {
	if !o.inFlight.CompareAndSwap(false, true) {
		return nil, ErrInFlight
	}
	defer o.inFlight.Store(false)

	legs, err := o.store.GetAllLegs(ctx)
	if err != nil {
		return nil, fmt.Errorf("load legs: %w", err)
	}

	summary := &Summary{TotalBefore: totalPnl(legs)}
	groups := groupLegs(legs)
	summary.Groups = len(groups)

	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var errs []error
	for _, key := range keys {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if err := o.recalcGroup(ctx, key, groups[key], force, summary); err != nil {
			errs = append(errs, fmt.Errorf("group %s: %w", key, err))
		}
	}

	after, err := o.store.GetAllLegs(ctx)
	if err == nil {
		summary.TotalAfter = totalPnl(after)
	}

	delta := math.Abs(summary.TotalAfter - summary.TotalBefore)
	fields := logrus.Fields{
		"groups":        summary.Groups,
		"computed":      summary.Computed,
		"skipped":       summary.Skipped,
		"sanitized":     summary.Sanitized,
		"missing_fills": summary.MissingFills,
		"total_before":  summary.TotalBefore,
		"total_after":   summary.TotalAfter,
	}
	if delta > o.driftThreshold {
		o.log.WithFields(fields).WithField("delta", delta).
			Warn("aggregate pnl drift exceeds threshold; possible data corruption")
	} else {
		o.log.WithFields(fields).Info("recalculation pass complete")
	}

	return summary, errors.Join(errs...)
}

// groupLegs buckets legs by trade group. Ungrouped legs get a synthetic
// single-leg bucket keyed by leg id.
func groupLegs(legs []*models.Leg) map[string][]*models.Leg {
	groups := make(map[string][]*models.Leg)
	for _, leg := range legs {
		key := leg.TradeGroupID
		if key == "" {
			key = "leg:" + leg.ID
		}
		groups[key] = append(groups[key], leg)
	}
	return groups
}

func (o *Orchestrator) recalcGroup(ctx context.Context, key string, legs []*models.Leg, force bool, summary *Summary) error {
	primary := models.PrimaryLeg(legs)
	if primary == nil {
		return nil
	}

	// Immutability guarantee: computed/final groups are untouchable without force.
	if !force && primary.PnlStatus.Immutable() {
		summary.Skipped++
		return nil
	}

	// Not all filled: sanitize any stray pnl and leave the group pending.
	if !allFilled(legs) {
		summary.Sanitized++
		return o.sanitizeGroup(ctx, legs)
	}

	if len(legs) == 1 && legs[0].TradeGroupID == "" {
		return o.recalcSingle(ctx, legs[0], force, summary)
	}
	return o.recalcMultiLeg(ctx, primary.TradeGroupID, legs, primary, force, summary)
}

func allFilled(legs []*models.Leg) bool {
	for _, leg := range legs {
		if !leg.IsFilled() {
			return false
		}
	}
	return true
}

func (o *Orchestrator) sanitizeGroup(ctx context.Context, legs []*models.Leg) error {
	var errs []error
	for _, leg := range legs {
		if leg.Pnl == nil && leg.PnlFormula == "" && !leg.PnlStatus.Immutable() {
			continue
		}
		leg.ClearPnl()
		if err := o.store.UpdateLeg(ctx, leg, true); err != nil {
			errs = append(errs, fmt.Errorf("sanitize leg %s: %w", leg.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (o *Orchestrator) recalcSingle(ctx context.Context, leg *models.Leg, force bool, summary *Summary) error {
	result, err := pnl.CalculateLegPnl(leg.OpenSide, leg.EntryPrice, leg.ExitPrice,
		leg.Quantity, leg.EffectiveMultiplier(), leg.Fees)
	if err != nil {
		summary.MissingFills++
		return o.markMissingFills(ctx, []*models.Leg{leg}, err)
	}

	leg.Pnl = &result.Pnl
	leg.PnlPercent = &result.Percent
	leg.PnlFormula = result.Formula
	leg.PnlStatus = models.PnlComputed
	leg.NeedsReconcile = false
	if err := o.store.UpdateLeg(ctx, leg, force); err != nil {
		return fmt.Errorf("persist leg %s: %w", leg.ID, err)
	}
	summary.Computed++
	return nil
}

func (o *Orchestrator) recalcMultiLeg(ctx context.Context, groupID string, legs []*models.Leg, primary *models.Leg, force bool, summary *Summary) error {
	strategy, err := o.store.GroupStrategy(ctx, groupID)
	if err != nil {
		return fmt.Errorf("lookup strategy: %w", err)
	}

	inference, err := o.inferOrDerive(legs, strategy)
	if err != nil {
		// Unrecognized topology: flag for reconciliation and fail closed.
		for _, leg := range legs {
			leg.NeedsReconcile = true
		}
		summary.MissingFills++
		return o.markMissingFills(ctx, legs, err)
	}

	ledgerEntry, err := o.store.GroupEntryCredit(ctx, groupID)
	if err != nil {
		return fmt.Errorf("lookup entry credit: %w", err)
	}
	ledgerExit, err := o.store.GroupExitDebit(ctx, groupID)
	if err != nil {
		return fmt.Errorf("lookup exit debit: %w", err)
	}

	contracts := groupContracts(legs)
	mult := primary.EffectiveMultiplier()
	glog := o.log.WithField("group_id", groupID)

	entry, err := pnl.ResolveEntryCredit(pnl.EntryInput{
		LedgerValue:   ledgerEntry,
		StoredDollars: storedEntryDollars(legs),
		Inference:     inference,
		Contracts:     contracts,
		Multiplier:    mult,
		LegCount:      len(legs),
	}, glog)
	if err != nil {
		summary.MissingFills++
		return o.markMissingFills(ctx, legs, err)
	}

	storedExit := make([]float64, len(legs))
	exitPrices := make([]float64, len(legs))
	fees := 0.0
	exitComplete := true
	for i, leg := range legs {
		storedExit[i] = leg.ExitDebit
		exitPrices[i] = leg.ExitPrice
		fees += leg.Fees
		if leg.ExitPrice <= 0 {
			exitComplete = false
		}
	}

	// Price-derived fallbacks need every leg's exit price. With any missing,
	// only the ledger or stored dollar figures may produce a number.
	exitInference := inference
	primaryExit := primary.ExitPrice
	if !exitComplete {
		cp := *inference
		cp.NetExitDebit = 0
		exitInference = &cp
		primaryExit = 0
	}

	exit, err := pnl.ResolveExitDebit(pnl.ExitInput{
		LedgerValue:        ledgerExit,
		StoredLegDollars:   storedExit,
		LegExitPrices:      exitPrices,
		EntryCreditDollars: entry.Dollars,
		Inference:          exitInference,
		Contracts:          contracts,
		Multiplier:         mult,
		PrimaryExitPrice:   primaryExit,
	}, glog)
	if err != nil {
		summary.MissingFills++
		return o.markMissingFills(ctx, legs, err)
	}

	group, err := pnl.CalculateGroupPnl(entry.Dollars, exit.Dollars, contracts, fees)
	if err != nil {
		summary.MissingFills++
		return o.markMissingFills(ctx, legs, err)
	}

	formula := fmt.Sprintf("%s; %s; %s", entry.Trace, exit.Trace, group.Formula)
	o.auditCorrections(ctx, groupID, primary.ID, entry.Corrections)
	o.auditCorrections(ctx, groupID, primary.ID, exit.Corrections)

	// Group invariant: exactly one leg carries the number, siblings are
	// zeroed with the marker so sums never double-count.
	var errs []error
	zero := 0.0
	for _, leg := range legs {
		if leg.ID == primary.ID {
			leg.Pnl = &group.Pnl
			leg.PnlPercent = &group.Percent
			leg.PnlFormula = formula
		} else {
			z := zero
			leg.Pnl = &z
			leg.PnlPercent = &z
			leg.PnlFormula = models.GroupPnlMarker
		}
		leg.PnlStatus = models.PnlComputed
		leg.NeedsReconcile = false
		if err := o.store.UpdateLeg(ctx, leg, force); err != nil {
			errs = append(errs, fmt.Errorf("persist leg %s: %w", leg.ID, err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	summary.Computed++
	return nil
}

// inferOrDerive prefers verified stored sides; inference runs only when at
// least one leg lacks a verified open side.
func (o *Orchestrator) inferOrDerive(legs []*models.Leg, strategy models.StrategyType) (*pnl.InferenceResult, error) {
	allVerified := true
	for _, leg := range legs {
		if leg.OpenSide == "" {
			allVerified = false
			break
		}
	}

	if allVerified {
		result := &pnl.InferenceResult{Method: "verified_sides"}
		for _, leg := range legs {
			closeSide := leg.CloseSide
			if closeSide == "" {
				cs, err := models.ComplementaryCloseSide(leg.OpenSide)
				if err != nil {
					return nil, err
				}
				closeSide = cs
			}
			result.Legs = append(result.Legs, pnl.InferredSide{
				Symbol:    leg.Symbol,
				OpenSide:  leg.OpenSide,
				CloseSide: closeSide,
			})
			if leg.OpenSide.IsShort() {
				result.NetEntryCredit += leg.EntryPrice
				result.NetExitDebit += leg.ExitPrice
			} else {
				result.NetEntryCredit -= leg.EntryPrice
				result.NetExitDebit -= leg.ExitPrice
			}
		}
		return result, nil
	}

	quotes := make([]pnl.LegQuote, len(legs))
	for i, leg := range legs {
		quotes[i] = pnl.LegQuote{
			Symbol:     leg.Symbol,
			EntryPrice: leg.EntryPrice,
			ExitPrice:  leg.ExitPrice,
		}
	}
	return pnl.InferSides(quotes, strategy)
}

// markMissingFills applies the fail-closed outcome: null pnl, absorbing
// missing_fills status, nothing guessed.
func (o *Orchestrator) markMissingFills(ctx context.Context, legs []*models.Leg, cause error) error {
	var errs []error
	for _, leg := range legs {
		leg.Pnl = nil
		leg.PnlPercent = nil
		leg.PnlFormula = ""
		leg.PnlStatus = models.PnlMissingFills
		if err := o.store.UpdateLeg(ctx, leg, true); err != nil {
			errs = append(errs, fmt.Errorf("persist leg %s: %w", leg.ID, err))
		}
	}
	o.log.WithError(cause).WithField("legs", len(legs)).
		Warn("group marked missing_fills; no pnl written")
	// The missing-data cause itself is not an error for the pass: fail-closed
	// is the intended outcome. Only persistence failures propagate.
	return errors.Join(errs...)
}

func (o *Orchestrator) auditCorrections(ctx context.Context, groupID, legID string, corrections []models.CorrectionDetail) {
	for i := range corrections {
		event := &models.AuditEvent{
			ID:      uuid.NewString(),
			LegID:   legID,
			GroupID: groupID,
			Kind:    models.AuditCorrectionApplied,
			At:      time.Now(),
			Details: models.AuditDetails{Correction: &corrections[i]},
		}
		if err := o.store.AppendAudit(ctx, event); err != nil {
			o.log.WithError(err).Warn("audit append failed")
		}
	}
}

// groupContracts returns the per-combo contract count: the smallest leg
// quantity, since ratio spreads repeat legs rather than scaling quantity.
func groupContracts(legs []*models.Leg) int {
	contracts := 0
	for _, leg := range legs {
		if leg.Quantity > 0 && (contracts == 0 || leg.Quantity < contracts) {
			contracts = leg.Quantity
		}
	}
	return contracts
}

// storedEntryDollars extracts a usable legacy cached entry figure. Historical
// writers either stamped the group total on one leg or duplicated it across
// every leg; distinct nonzero values get summed.
func storedEntryDollars(legs []*models.Leg) float64 {
	var values []float64
	for _, leg := range legs {
		if leg.EntryCredit > 0 {
			values = append(values, leg.EntryCredit)
		}
	}
	if len(values) == 0 {
		return 0
	}
	first := values[0]
	identical := true
	for _, v := range values[1:] {
		if math.Abs(v-first) > 0.009 {
			identical = false
			break
		}
	}
	if identical {
		return first
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum
}

func totalPnl(legs []*models.Leg) float64 {
	total := 0.0
	for _, leg := range legs {
		if leg.Pnl != nil {
			total += *leg.Pnl
		}
	}
	return total
}
