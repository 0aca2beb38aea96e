package recalc

import (
	"context"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmiller/tradeledger/internal/ledger"
	"github.com/dmiller/tradeledger/internal/models"
)

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func filledLeg(id, symbol, groupID string, entry, exit float64) *models.Leg {
	leg := models.NewLeg(id, symbol, "SPY", groupID, 1)
	leg.EntryPrice = entry
	leg.ExitPrice = exit
	leg.CloseStatus = models.CloseFilled
	return leg
}

// condorLegs builds a filled 4-leg iron condor with verified sides.
func condorLegs(groupID string, exitPrice float64) []*models.Leg {
	longPut := filledLeg("leg-lp", "SPY240315P00490000", groupID, 1.20, exitPrice)
	longPut.OpenSide = models.SideBuyToOpen
	shortPut := filledLeg("leg-sp", "SPY240315P00500000", groupID, 2.50, exitPrice)
	shortPut.OpenSide = models.SideSellToOpen
	shortCall := filledLeg("leg-sc", "SPY240315C00520000", groupID, 2.40, exitPrice)
	shortCall.OpenSide = models.SideSellToOpen
	longCall := filledLeg("leg-lc", "SPY240315C00530000", groupID, 1.10, exitPrice)
	longCall.OpenSide = models.SideBuyToOpen
	return []*models.Leg{longPut, shortPut, shortCall, longCall}
}

func seedGroup(t *testing.T, store ledger.Interface, legs []*models.Leg) {
	t.Helper()
	for _, leg := range legs {
		require.NoError(t, store.InsertLeg(context.Background(), leg))
	}
}

// Four legs each caching the per-share exit 2.31 as if it were dollars.
// The resolver must scale each by contracts x multiplier: 2.31 x 4 x 100 =
// $924 total, and with an entry credit of $920 the group loses $4.
func TestUnitCorrectionPerShareMasquerade(t *testing.T) {
	store := ledger.NewMemoryStore()
	ctx := context.Background()

	legs := condorLegs("grp-1", 2.31)
	for _, leg := range legs {
		leg.ExitDebit = 2.31
	}
	seedGroup(t, store, legs)
	entry := 920.0
	require.NoError(t, store.SetGroupInfo(ctx, "grp-1", models.StrategyIronCondor, &entry, nil))

	o := New(store, testLogger())
	summary, err := o.Recalculate(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Computed)

	primary, err := store.GetLeg(ctx, "leg-sc") // alphabetically-first symbol
	require.NoError(t, err)
	require.NotNil(t, primary.Pnl)
	assert.InDelta(t, -4.00, *primary.Pnl, 0.001)
	assert.Equal(t, models.PnlComputed, primary.PnlStatus)
	assert.Contains(t, primary.PnlFormula, "per_share_scaled")

	events := store.AuditEvents()
	assert.NotEmpty(t, events)
}

// A single stored exit of $3696 on a 4-leg group where the per-share sum is
// 9.24: 9.24 x 100 x 4 = 3696, the summed-not-netted artifact. Dividing by
// leg count recovers $924 and the same -$4.
func TestUnitCorrectionSummedNotNetted(t *testing.T) {
	store := ledger.NewMemoryStore()
	ctx := context.Background()

	legs := condorLegs("grp-1", 2.31)
	legs[0].ExitDebit = 3696.0
	seedGroup(t, store, legs)
	entry := 920.0
	require.NoError(t, store.SetGroupInfo(ctx, "grp-1", models.StrategyIronCondor, &entry, nil))

	o := New(store, testLogger())
	_, err := o.Recalculate(ctx, false)
	require.NoError(t, err)

	primary, err := store.GetLeg(ctx, "leg-sc")
	require.NoError(t, err)
	require.NotNil(t, primary.Pnl)
	assert.InDelta(t, -4.00, *primary.Pnl, 0.001)
	assert.Contains(t, primary.PnlFormula, "summed_legs_netted")
}

func TestGroupInvariantOneNonZeroLeg(t *testing.T) {
	store := ledger.NewMemoryStore()
	ctx := context.Background()

	legs := condorLegs("grp-1", 2.31)
	for _, leg := range legs {
		leg.ExitDebit = 2.31
	}
	seedGroup(t, store, legs)
	entry := 920.0
	require.NoError(t, store.SetGroupInfo(ctx, "grp-1", models.StrategyIronCondor, &entry, nil))

	o := New(store, testLogger())
	_, err := o.Recalculate(ctx, false)
	require.NoError(t, err)

	all, err := store.GetAllLegs(ctx)
	require.NoError(t, err)
	nonZero := 0
	sum := 0.0
	for _, leg := range all {
		require.NotNil(t, leg.Pnl)
		sum += *leg.Pnl
		if *leg.Pnl != 0 {
			nonZero++
		} else {
			assert.Equal(t, models.GroupPnlMarker, leg.PnlFormula)
		}
	}
	assert.Equal(t, 1, nonZero)
	assert.InDelta(t, -4.00, sum, 0.001)
}

func TestIdempotence(t *testing.T) {
	store := ledger.NewMemoryStore()
	ctx := context.Background()

	legs := condorLegs("grp-1", 2.31)
	for _, leg := range legs {
		leg.ExitDebit = 2.31
	}
	seedGroup(t, store, legs)
	entry := 920.0
	require.NoError(t, store.SetGroupInfo(ctx, "grp-1", models.StrategyIronCondor, &entry, nil))

	o := New(store, testLogger())
	_, err := o.Recalculate(ctx, false)
	require.NoError(t, err)
	first, err := store.GetLeg(ctx, "leg-sc")
	require.NoError(t, err)

	// Second non-forced run must leave everything untouched.
	summary, err := o.Recalculate(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Skipped)

	second, err := store.GetLeg(ctx, "leg-sc")
	require.NoError(t, err)
	assert.Equal(t, *first.Pnl, *second.Pnl)
	assert.Equal(t, first.PnlFormula, second.PnlFormula)
	assert.Equal(t, first.PnlStatus, second.PnlStatus)

	// A forced run recomputes but lands on identical output.
	_, err = o.Recalculate(ctx, true)
	require.NoError(t, err)
	third, err := store.GetLeg(ctx, "leg-sc")
	require.NoError(t, err)
	assert.Equal(t, *first.Pnl, *third.Pnl)
	assert.Equal(t, first.PnlFormula, third.PnlFormula)
}

func TestImmutabilitySkipsComputedGroups(t *testing.T) {
	store := ledger.NewMemoryStore()
	ctx := context.Background()

	legs := condorLegs("grp-1", 2.31)
	for _, leg := range legs {
		leg.ExitDebit = 2.31
	}
	seedGroup(t, store, legs)
	entry := 920.0
	require.NoError(t, store.SetGroupInfo(ctx, "grp-1", models.StrategyIronCondor, &entry, nil))

	o := New(store, testLogger())
	_, err := o.Recalculate(ctx, false)
	require.NoError(t, err)

	// Corrupt the underlying data; a non-forced pass must not pick it up.
	newEntry := 5000.0
	require.NoError(t, store.SetGroupInfo(ctx, "grp-1", "", &newEntry, nil))

	_, err = o.Recalculate(ctx, false)
	require.NoError(t, err)
	primary, err := store.GetLeg(ctx, "leg-sc")
	require.NoError(t, err)
	assert.InDelta(t, -4.00, *primary.Pnl, 0.001)
}

func TestFailClosedOnMissingExit(t *testing.T) {
	store := ledger.NewMemoryStore()
	ctx := context.Background()

	legs := condorLegs("grp-1", 2.31)
	legs[3].ExitPrice = 0 // one fill never recorded a price
	seedGroup(t, store, legs)
	entry := 920.0
	require.NoError(t, store.SetGroupInfo(ctx, "grp-1", models.StrategyIronCondor, &entry, nil))

	o := New(store, testLogger())
	summary, err := o.Recalculate(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.MissingFills)

	all, err := store.GetAllLegs(ctx)
	require.NoError(t, err)
	for _, leg := range all {
		assert.Nil(t, leg.Pnl)
		assert.Equal(t, models.PnlMissingFills, leg.PnlStatus)
	}
}

func TestSanitizeWhenNotAllFilled(t *testing.T) {
	store := ledger.NewMemoryStore()
	ctx := context.Background()

	legs := condorLegs("grp-1", 2.31)
	legs[1].CloseStatus = models.CloseSubmitted
	stray := 123.0
	legs[0].Pnl = &stray // stale number from an earlier buggy writer
	seedGroup(t, store, legs)

	o := New(store, testLogger())
	summary, err := o.Recalculate(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Sanitized)

	got, err := store.GetLeg(ctx, legs[0].ID)
	require.NoError(t, err)
	assert.Nil(t, got.Pnl)
	assert.Equal(t, models.PnlPending, got.PnlStatus)
}

func TestAmbiguousTopologyFailsClosed(t *testing.T) {
	store := ledger.NewMemoryStore()
	ctx := context.Background()

	// Two puts with identical premium and no stored sides: undecidable.
	a := filledLeg("leg-a", "SPY240315P00500000", "grp-1", 2.00, 1.00)
	b := filledLeg("leg-b", "SPY240315P00490000", "grp-1", 2.00, 1.00)
	seedGroup(t, store, []*models.Leg{a, b})

	o := New(store, testLogger())
	summary, err := o.Recalculate(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.MissingFills)

	got, err := store.GetLeg(ctx, "leg-a")
	require.NoError(t, err)
	assert.Nil(t, got.Pnl)
	assert.Equal(t, models.PnlMissingFills, got.PnlStatus)
	assert.True(t, got.NeedsReconcile)
}

func TestSingleLegComputation(t *testing.T) {
	store := ledger.NewMemoryStore()
	ctx := context.Background()

	leg := filledLeg("leg-1", "SPY240315P00500000", "", 2.50, 1.10)
	leg.OpenSide = models.SideSellToOpen
	leg.Fees = 1.30
	require.NoError(t, store.InsertLeg(ctx, leg))

	o := New(store, testLogger())
	summary, err := o.Recalculate(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Computed)

	got, err := store.GetLeg(ctx, "leg-1")
	require.NoError(t, err)
	require.NotNil(t, got.Pnl)
	// (2.50 - 1.10) x 1 x 100 - 1.30 fees
	assert.InDelta(t, 138.70, *got.Pnl, 0.001)
	assert.Equal(t, models.PnlComputed, got.PnlStatus)
}

func TestLifecycleGatingRejectedLeg(t *testing.T) {
	store := ledger.NewMemoryStore()
	ctx := context.Background()

	leg := filledLeg("leg-1", "SPY240315P00500000", "", 2.50, 1.10)
	leg.OpenSide = models.SideSellToOpen
	leg.CloseStatus = models.CloseRejected
	leg.ExitPrice = 1.10 // cached price data must not produce a number
	require.NoError(t, store.InsertLeg(ctx, leg))

	o := New(store, testLogger())
	summary, err := o.Recalculate(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Sanitized)

	got, err := store.GetLeg(ctx, "leg-1")
	require.NoError(t, err)
	assert.Nil(t, got.Pnl)
}

func TestPersistenceFailuresAggregate(t *testing.T) {
	store := ledger.NewMemoryStore()
	ctx := context.Background()

	legs := condorLegs("grp-1", 2.31)
	for _, leg := range legs {
		leg.ExitDebit = 2.31
	}
	seedGroup(t, store, legs)
	entry := 920.0
	require.NoError(t, store.SetGroupInfo(ctx, "grp-1", models.StrategyIronCondor, &entry, nil))

	failure := errors.New("disk full")
	store.SetUpdateError("leg-lp", failure)

	o := New(store, testLogger())
	_, err := o.Recalculate(ctx, false)
	require.Error(t, err)
	assert.ErrorIs(t, err, failure)

	// The failing row must not block its siblings.
	primary, err := store.GetLeg(ctx, "leg-sc")
	require.NoError(t, err)
	require.NotNil(t, primary.Pnl)
	assert.InDelta(t, -4.00, *primary.Pnl, 0.001)
}

func TestSecondConcurrentPassRejected(t *testing.T) {
	store := ledger.NewMemoryStore()
	o := New(store, testLogger())

	o.inFlight.Store(true)
	_, err := o.Recalculate(context.Background(), false)
	assert.ErrorIs(t, err, ErrInFlight)

	o.inFlight.Store(false)
	_, err = o.Recalculate(context.Background(), false)
	assert.NoError(t, err)
}
