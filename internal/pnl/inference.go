package pnl

import (
	"fmt"
	"sort"

	"github.com/dmiller/tradeledger/internal/models"
)

// LegQuote is the per-leg input to side inference: prices only, no side
// metadata. ExitPrice of zero means the leg has no recorded exit fill.
type LegQuote struct {
	Symbol     string
	EntryPrice float64
	ExitPrice  float64
}

// InferredSide is the inference output for one leg.
type InferredSide struct {
	Symbol    string
	OpenSide  models.OrderSide
	CloseSide models.OrderSide
}

// InferenceResult carries the per-leg sides plus the aggregate per-share
// net entry credit and net exit debit implied by them.
type InferenceResult struct {
	Legs []InferredSide
	// NetEntryCredit is per share: premium collected on shorts minus premium
	// paid on longs at open. Negative for net-debit structures.
	NetEntryCredit float64
	// NetExitDebit is per share: cost to buy back shorts minus proceeds from
	// selling longs at close. Zero when no leg has an exit price.
	NetExitDebit float64
	// Method records how the sides were assigned, for the formula trace.
	Method string
}

// parsedLeg pairs a quote with its decoded strike and option type.
type parsedLeg struct {
	LegQuote
	strike  float64
	optType models.OptionType
}

// InferSides assigns open/close sides to legs using the strategy-type
// topology when the leg set matches an expected shape, falling back to a
// price-pattern heuristic for custom or unrecognized strategies.
//
// Returns ErrAmbiguousDirection rather than guessing when the legs cannot
// be matched to any known topology. Callers must not silently default to
// a direction.
func InferSides(quotes []LegQuote, strategy models.StrategyType) (*InferenceResult, error) {
	if len(quotes) == 0 {
		return nil, fmt.Errorf("no legs: %w", ErrMissingData)
	}
	for _, q := range quotes {
		if q.EntryPrice <= 0 {
			return nil, fmt.Errorf("leg %s has no entry price: %w", q.Symbol, ErrMissingData)
		}
	}

	parsed, parseOK := parseQuotes(quotes)

	var shorts map[string]bool
	var method string
	var err error

	if parseOK {
		shorts, method, err = assignByTopology(parsed, strategy)
		if err != nil && strategy != models.StrategyCustom {
			// Topology mismatch for a named strategy is still recoverable via
			// the price heuristic; record that the hint was not honored.
			shorts, method, err = assignByPriceHeuristic(parsed)
		}
	} else {
		shorts, method, err = assignByPriceHeuristic(parsed)
	}
	if err != nil {
		return nil, err
	}

	result := &InferenceResult{Method: method}
	for _, p := range parsed {
		open := models.SideBuyToOpen
		if shorts[p.Symbol] {
			open = models.SideSellToOpen
		}
		closeSide, cerr := models.ComplementaryCloseSide(open)
		if cerr != nil {
			return nil, cerr
		}
		result.Legs = append(result.Legs, InferredSide{
			Symbol:    p.Symbol,
			OpenSide:  open,
			CloseSide: closeSide,
		})
		if shorts[p.Symbol] {
			result.NetEntryCredit += p.EntryPrice
			result.NetExitDebit += p.ExitPrice
		} else {
			result.NetEntryCredit -= p.EntryPrice
			result.NetExitDebit -= p.ExitPrice
		}
	}
	return result, nil
}

func parseQuotes(quotes []LegQuote) ([]parsedLeg, bool) {
	parsed := make([]parsedLeg, 0, len(quotes))
	ok := true
	for _, q := range quotes {
		strike, typ, err := models.ParseOptionSymbol(q.Symbol)
		if err != nil {
			ok = false
			parsed = append(parsed, parsedLeg{LegQuote: q})
			continue
		}
		parsed = append(parsed, parsedLeg{LegQuote: q, strike: strike, optType: typ})
	}
	return parsed, ok
}

// assignByTopology maps legs to the canonical roles of the hinted strategy.
// Returns the set of short-leg symbols.
func assignByTopology(legs []parsedLeg, strategy models.StrategyType) (map[string]bool, string, error) {
	puts, calls := splitByType(legs)

	shorts := make(map[string]bool)
	switch strategy {
	case models.StrategyIronCondor:
		// Two puts and two calls: short strikes are the inner ones.
		if len(puts) != 2 || len(calls) != 2 {
			return nil, "", fmt.Errorf("iron condor expects 2 puts and 2 calls, got %d/%d: %w",
				len(puts), len(calls), ErrAmbiguousDirection)
		}
		shorts[higherStrike(puts).Symbol] = true
		shorts[lowerStrike(calls).Symbol] = true
		return shorts, "topology:iron_condor", nil

	case models.StrategyPutCreditSpread:
		if len(puts) != 2 || len(calls) != 0 {
			return nil, "", fmt.Errorf("put credit spread expects exactly 2 puts, got %d puts/%d calls: %w",
				len(puts), len(calls), ErrAmbiguousDirection)
		}
		shorts[higherStrike(puts).Symbol] = true
		return shorts, "topology:put_credit_spread", nil

	case models.StrategyCallCreditSpread:
		if len(calls) != 2 || len(puts) != 0 {
			return nil, "", fmt.Errorf("call credit spread expects exactly 2 calls, got %d calls/%d puts: %w",
				len(calls), len(puts), ErrAmbiguousDirection)
		}
		shorts[lowerStrike(calls).Symbol] = true
		return shorts, "topology:call_credit_spread", nil

	case models.StrategyButterfly:
		// Single-type, three strikes: wings long, body short.
		single := puts
		if len(single) == 0 {
			single = calls
		}
		if len(single) != len(legs) || (len(single) != 3 && len(single) != 4) {
			return nil, "", fmt.Errorf("butterfly expects 3 or 4 same-type legs, got %d puts/%d calls: %w",
				len(puts), len(calls), ErrAmbiguousDirection)
		}
		sortByStrike(single)
		lo, hi := single[0].strike, single[len(single)-1].strike
		for _, l := range single {
			if l.strike != lo && l.strike != hi {
				shorts[l.Symbol] = true
			}
		}
		if len(shorts) == 0 {
			return nil, "", fmt.Errorf("butterfly has no body strike between wings: %w", ErrAmbiguousDirection)
		}
		return shorts, "topology:butterfly", nil

	case models.StrategyStrangle, models.StrategyStraddle:
		// Premium-selling structures: both legs short.
		if len(puts) != 1 || len(calls) != 1 {
			return nil, "", fmt.Errorf("strangle/straddle expects 1 put and 1 call, got %d/%d: %w",
				len(puts), len(calls), ErrAmbiguousDirection)
		}
		shorts[puts[0].Symbol] = true
		shorts[calls[0].Symbol] = true
		return shorts, "topology:" + string(strategy), nil

	default:
		return assignByPriceHeuristic(legs)
	}
}

// assignByPriceHeuristic pairs same-type legs and marks the richer premium
// of each pair as the sold leg. For verticals, the leg bought typically has
// a lower premium than the adjacent sold leg. Unpairable leg sets fail.
func assignByPriceHeuristic(legs []parsedLeg) (map[string]bool, string, error) {
	puts, calls := splitByType(legs)
	if len(puts)+len(calls) != len(legs) {
		return nil, "", fmt.Errorf("unparseable option symbols in leg set: %w", ErrAmbiguousDirection)
	}
	if len(puts)%2 != 0 || len(calls)%2 != 0 {
		return nil, "", fmt.Errorf("cannot pair %d puts and %d calls for price heuristic: %w",
			len(puts), len(calls), ErrAmbiguousDirection)
	}

	shorts := make(map[string]bool)
	for _, group := range [][]parsedLeg{puts, calls} {
		sort.Slice(group, func(i, j int) bool { return group[i].EntryPrice > group[j].EntryPrice })
		// Adjacent pairing by premium: richest vs next, and so on.
		for i := 0; i+1 < len(group); i += 2 {
			if group[i].EntryPrice == group[i+1].EntryPrice {
				return nil, "", fmt.Errorf("legs %s and %s have identical premium, direction undecidable: %w",
					group[i].Symbol, group[i+1].Symbol, ErrAmbiguousDirection)
			}
			shorts[group[i].Symbol] = true
		}
	}
	return shorts, "price_heuristic", nil
}

func splitByType(legs []parsedLeg) (puts, calls []parsedLeg) {
	for _, l := range legs {
		switch l.optType {
		case models.OptionTypePut:
			puts = append(puts, l)
		case models.OptionTypeCall:
			calls = append(calls, l)
		}
	}
	return puts, calls
}

func sortByStrike(legs []parsedLeg) {
	sort.Slice(legs, func(i, j int) bool { return legs[i].strike < legs[j].strike })
}

func higherStrike(legs []parsedLeg) parsedLeg {
	best := legs[0]
	for _, l := range legs[1:] {
		if l.strike > best.strike {
			best = l
		}
	}
	return best
}

func lowerStrike(legs []parsedLeg) parsedLeg {
	best := legs[0]
	for _, l := range legs[1:] {
		if l.strike < best.strike {
			best = l
		}
	}
	return best
}
