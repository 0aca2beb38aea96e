package pnl

import (
	"fmt"
	"math"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/dmiller/tradeledger/internal/models"
	"github.com/dmiller/tradeledger/internal/util"
)

// Provenance tags the source a resolved dollar amount came from. The tag is
// recorded in the persisted formula string for auditability.
type Provenance string

const (
	// SourceGroupLedger is the authoritative per-group external ledger value.
	SourceGroupLedger Provenance = "position_group_map"
	// SourceStoredDollars is a cached leg-level value accepted as real dollars.
	SourceStoredDollars Provenance = "stored_dollars"
	// SourceInferredDollars is the per-share inference result scaled to dollars.
	SourceInferredDollars Provenance = "inferred_dollars"
	// SourcePerShareScaled is a stored per-share value caught masquerading as
	// dollars and scaled by contracts x multiplier.
	SourcePerShareScaled Provenance = "per_share_scaled"
	// SourceSummedNetted is a stored summed-not-netted artifact divided back
	// down by leg count.
	SourceSummedNetted Provenance = "summed_legs_netted"
	// SourceComboPrice is an identical per-leg price treated as the
	// already-netted combo price and converted to dollars once.
	SourceComboPrice Provenance = "combo_price"
	// SourcePrimaryRaw is the primary leg's raw exit price, the last resort.
	SourcePrimaryRaw Provenance = "primary_leg_raw"
)

// Detection thresholds for corrupted historical values. The magnitude
// heuristics are the actual business requirement: legacy rows mixed
// per-share and dollar units with no schema distinction.
const (
	// minPlausibleComboDollars: below this, a stored multi-leg combo total
	// cannot be real dollars.
	minPlausibleComboDollars = 50.0
	// minPlausibleSingleDollars: single legs can legitimately be small.
	minPlausibleSingleDollars = 5.0
	// perShareMatchCents: a stored figure within this many cents of the
	// per-share exit price is the per-share value, not dollars.
	perShareMatchCents = 5.0
	// tinyVsEntryRatio: a stored exit smaller than this fraction of the
	// entry credit is implausible for a closed combo.
	tinyVsEntryRatio = 0.05
	// scaleMatchTolerance: relative tolerance when matching scaled copies
	// (summed-not-netted detection).
	scaleMatchTolerance = 0.02
	// comboPriceCents: leg exit prices within a cent of each other are the
	// same duplicated combo net price.
	comboPriceCents = 1.0
)

// Resolved is the outcome of a resolver cascade: the chosen dollar value,
// where it came from, and the corrections applied along the way. Every
// branch decision is explicit and traceable. Nothing is coerced silently.
type Resolved struct {
	Dollars     float64
	Source      Provenance
	Corrections []models.CorrectionDetail
	Trace       string
}

// EntryInput carries everything the entry credit resolver may consult.
type EntryInput struct {
	// LedgerValue is the authoritative per-group entry credit, when present.
	LedgerValue *float64
	// StoredDollars is the cached leg-level entry credit total (possibly
	// mis-scaled legacy data).
	StoredDollars float64
	// Inference supplies the per-share net credit fallback; may be nil.
	Inference  *InferenceResult
	Contracts  int
	Multiplier float64
	LegCount   int
}

// ResolveEntryCredit derives the trustworthy group entry credit in dollars.
//
// Priority: (1) authoritative ledger value; (2) cached leg-level value, but
// only if it plausibly represents dollars; (3) inferred per-share net credit
// scaled by contracts x multiplier.
func ResolveEntryCredit(in EntryInput, log logrus.FieldLogger) (*Resolved, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	mult := in.Multiplier
	if mult <= 0 {
		mult = models.SharesPerContract
	}

	if in.LedgerValue != nil && *in.LedgerValue > 0 {
		return &Resolved{
			Dollars: util.RoundToCents(*in.LedgerValue),
			Source:  SourceGroupLedger,
			Trace:   fmt.Sprintf("entry %.2f [%s]", *in.LedgerValue, SourceGroupLedger),
		}, nil
	}

	minStored := minPlausibleSingleDollars
	if in.LegCount > 1 {
		minStored = minPlausibleComboDollars
	}
	if in.StoredDollars > 0 {
		if in.StoredDollars > minStored {
			return &Resolved{
				Dollars: util.RoundToCents(in.StoredDollars),
				Source:  SourceStoredDollars,
				Trace:   fmt.Sprintf("entry %.2f [%s]", in.StoredDollars, SourceStoredDollars),
			}, nil
		}
		// Too small to be a real dollar total for this structure: treat as
		// corrupted/per-share and fall through to inference.
		log.WithFields(logrus.Fields{
			"stored":    in.StoredDollars,
			"threshold": minStored,
			"legs":      in.LegCount,
		}).Warn("discarding stored entry credit: below dollar plausibility threshold")
	}

	if in.Inference != nil && in.Inference.NetEntryCredit > 0 && in.Contracts > 0 {
		dollars := util.RoundToCents(in.Inference.NetEntryCredit * float64(in.Contracts) * mult)
		return &Resolved{
			Dollars: dollars,
			Source:  SourceInferredDollars,
			Trace: fmt.Sprintf("entry %.2f = %.2f/share x %d x %.0f [%s]",
				dollars, in.Inference.NetEntryCredit, in.Contracts, mult, SourceInferredDollars),
		}, nil
	}

	return nil, fmt.Errorf("entry credit unresolvable: %w", ErrMissingData)
}

// ExitInput carries everything the exit debit resolver may consult.
type ExitInput struct {
	// LedgerValue is the authoritative per-group exit debit, when present.
	LedgerValue *float64
	// StoredLegDollars are the cached per-leg exit debit fields, aligned
	// with LegExitPrices. Zero means absent.
	StoredLegDollars []float64
	// LegExitPrices are the per-share exit prices recorded on each leg.
	LegExitPrices []float64
	// EntryCreditDollars is the already-resolved entry credit, used for
	// plausibility checks.
	EntryCreditDollars float64
	// Inference supplies per-leg netting as a fallback; may be nil.
	Inference  *InferenceResult
	Contracts  int
	Multiplier float64
	// PrimaryExitPrice is the primary leg's raw exit price, the final fallback.
	PrimaryExitPrice float64
}

// ResolveExitDebit derives the trustworthy group exit cost in dollars.
// It detects three classes of corruption in historical data before trusting
// any stored value; if nothing yields a usable figure it returns
// ErrMissingData and the caller must mark the group missing_fills rather
// than write a number.
func ResolveExitDebit(in ExitInput, log logrus.FieldLogger) (*Resolved, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	mult := in.Multiplier
	if mult <= 0 {
		mult = models.SharesPerContract
	}
	legCount := len(in.LegExitPrices)
	scale := float64(in.Contracts) * mult

	if in.LedgerValue != nil && *in.LedgerValue > 0 {
		return &Resolved{
			Dollars: util.RoundToCents(*in.LedgerValue),
			Source:  SourceGroupLedger,
			Trace:   fmt.Sprintf("exit %.2f [%s]", *in.LedgerValue, SourceGroupLedger),
		}, nil
	}

	if in.Contracts > 0 {
		if r := resolveStoredExit(in, mult, scale, legCount, log); r != nil {
			return r, nil
		}
	}

	// Corruption class 3: every leg carries an identical per-share exit price
	// (within a cent). That is the already-netted combo price duplicated
	// across legs; convert to dollars exactly once.
	if legCount > 1 && in.Contracts > 0 {
		if price, ok := identicalPrice(in.LegExitPrices); ok && price > 0 {
			dollars := util.RoundToCents(price * scale)
			return &Resolved{
				Dollars: dollars,
				Source:  SourceComboPrice,
				Trace: fmt.Sprintf("exit %.2f = combo %.2f/share x %d x %.0f [%s]",
					dollars, price, in.Contracts, mult, SourceComboPrice),
			}, nil
		}
	}

	// Fallback: per-leg netting from side inference.
	if in.Inference != nil && in.Inference.NetExitDebit > 0 && in.Contracts > 0 {
		dollars := util.RoundToCents(in.Inference.NetExitDebit * scale)
		return &Resolved{
			Dollars: dollars,
			Source:  SourceInferredDollars,
			Trace: fmt.Sprintf("exit %.2f = net %.2f/share x %d x %.0f [%s]",
				dollars, in.Inference.NetExitDebit, in.Contracts, mult, SourceInferredDollars),
		}, nil
	}

	// Last resort: the primary leg's raw exit price.
	if in.PrimaryExitPrice > 0 && in.Contracts > 0 {
		dollars := util.RoundToCents(in.PrimaryExitPrice * scale)
		log.WithField("dollars", dollars).
			Warn("exit debit resolved from primary leg raw price only")
		return &Resolved{
			Dollars: dollars,
			Source:  SourcePrimaryRaw,
			Trace: fmt.Sprintf("exit %.2f = primary %.2f/share x %d x %.0f [%s]",
				dollars, in.PrimaryExitPrice, in.Contracts, mult, SourcePrimaryRaw),
		}, nil
	}

	// Fail closed: no usable exit value and incomplete fill data.
	return nil, fmt.Errorf("exit debit unresolvable: %w", ErrMissingData)
}

// resolveStoredExit examines the cached per-leg exit figures for the two
// stored-value corruption classes. Returns nil when no stored value is usable.
func resolveStoredExit(in ExitInput, mult, scale float64, legCount int, log logrus.FieldLogger) *Resolved {
	stored := make([]float64, 0, len(in.StoredLegDollars))
	for _, v := range in.StoredLegDollars {
		if v > 0 {
			stored = append(stored, v)
		}
	}
	if len(stored) == 0 {
		return nil
	}

	// Corruption class 2: a single stored group figure on a >=4-leg combo that
	// equals the per-share group exit x multiplier x leg count, meaning each leg's
	// dollars were summed instead of netted. Divide back down.
	if len(stored) == 1 && legCount >= 4 {
		perShareSum := 0.0
		for _, p := range in.LegExitPrices {
			perShareSum += p
		}
		expectedSummed := perShareSum * scale * float64(legCount)
		if perShareSum > 0 && util.NearlyEqual(stored[0], expectedSummed, scaleMatchTolerance) {
			corrected := util.RoundToCents(stored[0] / float64(legCount))
			rationale := fmt.Sprintf("stored %.2f matches per-share %.2f x %.0f x %d legs; summed-not-netted, divided by %d",
				stored[0], perShareSum, mult, legCount, legCount)
			log.WithFields(logrus.Fields{"stored": stored[0], "corrected": corrected}).
				Warn("exit debit summed-not-netted artifact corrected")
			return &Resolved{
				Dollars: corrected,
				Source:  SourceSummedNetted,
				Corrections: []models.CorrectionDetail{{
					Field: "exit_debit", Stored: stored[0], Corrected: corrected, Rationale: rationale,
				}},
				Trace: fmt.Sprintf("exit %.2f = stored %.2f / %d legs [%s]",
					corrected, stored[0], legCount, SourceSummedNetted),
			}
		}
	}

	// Corruption class 1: per-leg stored figures that are really per-share
	// values. Detected when a figure sits within cents of the leg's own
	// per-share exit price, or is implausibly small in absolute terms or
	// relative to the entry credit. Remedy: x contracts x multiplier.
	var total float64
	var corrections []models.CorrectionDetail
	for i, v := range in.StoredLegDollars {
		if v <= 0 {
			continue
		}
		perShare := 0.0
		if i < len(in.LegExitPrices) {
			perShare = in.LegExitPrices[i]
		}
		suspect := (perShare > 0 && util.WithinCents(v, perShare, perShareMatchCents)) ||
			v < minPlausibleSingleDollars ||
			(in.EntryCreditDollars > 0 && v < in.EntryCreditDollars*tinyVsEntryRatio/math.Max(1, float64(legCount)))
		if suspect {
			corrected := util.RoundToCents(v * scale)
			corrections = append(corrections, models.CorrectionDetail{
				Field:     "exit_debit",
				Stored:    v,
				Corrected: corrected,
				Rationale: fmt.Sprintf("stored %.2f is per-share (leg price %.2f); scaled by %d x %.0f", v, perShare, in.Contracts, mult),
			})
			total += corrected
		} else {
			total += v
		}
	}

	minTotal := minPlausibleSingleDollars
	if legCount > 1 {
		minTotal = minPlausibleComboDollars
	}
	if total < minTotal {
		log.WithFields(logrus.Fields{"total": total, "threshold": minTotal}).
			Warn("discarding stored exit debit: below dollar plausibility threshold after corrections")
		return nil
	}

	source := SourceStoredDollars
	if len(corrections) > 0 {
		source = SourcePerShareScaled
	}
	trace := fmt.Sprintf("exit %.2f [%s]", util.RoundToCents(total), source)
	if len(corrections) > 0 {
		parts := make([]string, 0, len(corrections))
		for _, c := range corrections {
			parts = append(parts, fmt.Sprintf("%.2f->%.2f", c.Stored, c.Corrected))
		}
		trace = fmt.Sprintf("exit %.2f [%s: %s]", util.RoundToCents(total), source, strings.Join(parts, ", "))
	}
	return &Resolved{
		Dollars:     util.RoundToCents(total),
		Source:      source,
		Corrections: corrections,
		Trace:       trace,
	}
}

// identicalPrice reports whether all prices agree within a cent, returning
// that shared price.
func identicalPrice(prices []float64) (float64, bool) {
	if len(prices) == 0 {
		return 0, false
	}
	first := prices[0]
	for _, p := range prices[1:] {
		if !util.WithinCents(p, first, comboPriceCents) {
			return 0, false
		}
	}
	return first, true
}
