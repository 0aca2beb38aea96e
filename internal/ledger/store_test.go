package ledger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmiller/tradeledger/internal/models"
)

// storeFactories lets the same contract suite run against every implementation.
func storeFactories(t *testing.T) map[string]func(t *testing.T) Interface {
	return map[string]func(t *testing.T) Interface{
		"memory": func(t *testing.T) Interface {
			return NewMemoryStore()
		},
		"sqlite": func(t *testing.T) Interface {
			path := filepath.Join(t.TempDir(), "ledger.db")
			store, err := NewSQLiteStore(path)
			require.NoError(t, err)
			t.Cleanup(func() { store.Close() })
			return store
		},
	}
}

func newTestLeg(id, symbol, groupID string) *models.Leg {
	leg := models.NewLeg(id, symbol, "SPY", groupID, 1)
	leg.EntryPrice = 2.50
	leg.OpenOrderID = "open-" + id
	leg.OpenSide = models.SideSellToOpen
	return leg
}

func TestStoreInsertAndGet(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			ctx := context.Background()

			leg := newTestLeg("leg-1", "SPY240315P00500000", "grp-1")
			require.NoError(t, store.InsertLeg(ctx, leg))

			got, err := store.GetLeg(ctx, "leg-1")
			require.NoError(t, err)
			assert.Equal(t, "SPY240315P00500000", got.Symbol)
			assert.Equal(t, models.CloseSubmitted, got.CloseStatus)
			assert.Equal(t, models.PnlPending, got.PnlStatus)
			assert.Nil(t, got.Pnl)

			_, err = store.GetLeg(ctx, "nope")
			assert.ErrorIs(t, err, ErrLegNotFound)

			err = store.InsertLeg(ctx, newTestLeg("leg-1", "SPY240315P00500000", "grp-1"))
			assert.ErrorIs(t, err, ErrDuplicateLeg)
		})
	}
}

func TestStoreGroupLegsSorted(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			ctx := context.Background()

			require.NoError(t, store.InsertLeg(ctx, newTestLeg("b", "SPY240315P00500000", "grp-1")))
			require.NoError(t, store.InsertLeg(ctx, newTestLeg("a", "SPY240315C00520000", "grp-1")))
			require.NoError(t, store.InsertLeg(ctx, newTestLeg("c", "QQQ240315P00400000", "grp-2")))

			legs, err := store.GetGroupLegs(ctx, "grp-1")
			require.NoError(t, err)
			require.Len(t, legs, 2)
			// Sorted by symbol: the call sorts before the put.
			assert.Equal(t, "SPY240315C00520000", legs[0].Symbol)
			assert.Equal(t, "SPY240315P00500000", legs[1].Symbol)
		})
	}
}

func TestStoreGetLegByOrderID(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			ctx := context.Background()

			leg := newTestLeg("leg-1", "SPY240315P00500000", "")
			leg.CloseOrderID = "close-42"
			require.NoError(t, store.InsertLeg(ctx, leg))

			got, err := store.GetLegByOrderID(ctx, "open-leg-1")
			require.NoError(t, err)
			assert.Equal(t, "leg-1", got.ID)

			got, err = store.GetLegByOrderID(ctx, "close-42")
			require.NoError(t, err)
			assert.Equal(t, "leg-1", got.ID)

			_, err = store.GetLegByOrderID(ctx, "")
			assert.ErrorIs(t, err, ErrLegNotFound)
		})
	}
}

func TestStoreUpdateLegSequencing(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			ctx := context.Background()

			leg := newTestLeg("leg-1", "SPY240315P00500000", "")
			require.NoError(t, store.InsertLeg(ctx, leg))

			fresh, err := store.GetLeg(ctx, "leg-1")
			require.NoError(t, err)
			stale, err := store.GetLeg(ctx, "leg-1")
			require.NoError(t, err)

			fresh.ExitPrice = 1.10
			require.NoError(t, store.UpdateLeg(ctx, fresh, false))
			assert.Equal(t, int64(1), fresh.Seq)

			// The stale copy now carries an older sequence; its write must fail.
			stale.Seq = fresh.Seq - 1
			stale.ExitPrice = 9.99
			err = store.UpdateLeg(ctx, stale, false)
			assert.ErrorIs(t, err, ErrStaleWrite)

			got, err := store.GetLeg(ctx, "leg-1")
			require.NoError(t, err)
			assert.Equal(t, 1.10, got.ExitPrice)
		})
	}
}

func TestStoreUpdateLegImmutability(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			ctx := context.Background()

			leg := newTestLeg("leg-1", "SPY240315P00500000", "")
			leg.CloseStatus = models.CloseFilled
			leg.ExitPrice = 1.10
			pnl := 140.0
			leg.Pnl = &pnl
			leg.PnlStatus = models.PnlComputed
			leg.PnlFormula = "(2.50 - 1.10) x 1 x 100"
			require.NoError(t, store.InsertLeg(ctx, leg))

			got, err := store.GetLeg(ctx, "leg-1")
			require.NoError(t, err)

			// Non-forced P&L rewrite of a computed leg is rejected.
			newPnl := 999.0
			got.Pnl = &newPnl
			err = store.UpdateLeg(ctx, got, false)
			assert.ErrorIs(t, err, ErrImmutable)

			// Forced rewrite goes through.
			require.NoError(t, store.UpdateLeg(ctx, got, true))
			after, err := store.GetLeg(ctx, "leg-1")
			require.NoError(t, err)
			require.NotNil(t, after.Pnl)
			assert.Equal(t, 999.0, *after.Pnl)

			// Non-P&L fields stay writable without force.
			after.LastChecked = time.Now()
			assert.NoError(t, store.UpdateLeg(ctx, after, false))
		})
	}
}

func TestStoreDetectDuplicates(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			ctx := context.Background()

			a := newTestLeg("leg-a", "SPY240315P00500000", "grp-1")
			b := newTestLeg("leg-b", "SPY240315P00500000", "grp-1")
			b.OpenOrderID = a.OpenOrderID // same broker event ingested twice
			c := newTestLeg("leg-c", "SPY240315C00520000", "grp-1")
			require.NoError(t, store.InsertLeg(ctx, a))
			require.NoError(t, store.InsertLeg(ctx, b))
			require.NoError(t, store.InsertLeg(ctx, c))

			dupes, err := store.DetectDuplicates(ctx)
			require.NoError(t, err)
			require.Len(t, dupes, 1)
			require.Len(t, dupes[0], 2)
			assert.Equal(t, "leg-a", dupes[0][0].ID)
			assert.Equal(t, "leg-b", dupes[0][1].ID)
		})
	}
}

func TestStoreDeleteLegs(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			ctx := context.Background()

			require.NoError(t, store.InsertLeg(ctx, newTestLeg("leg-1", "SPY240315P00500000", "")))
			require.NoError(t, store.DeleteLegs(ctx, []string{"leg-1"}))
			_, err := store.GetLeg(ctx, "leg-1")
			assert.ErrorIs(t, err, ErrLegNotFound)

			err = store.DeleteLegs(ctx, []string{"leg-1"})
			assert.ErrorIs(t, err, ErrLegNotFound)
		})
	}
}

func TestStoreGroupInfo(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			ctx := context.Background()

			credit, err := store.GroupEntryCredit(ctx, "grp-1")
			require.NoError(t, err)
			assert.Nil(t, credit)

			strategy, err := store.GroupStrategy(ctx, "grp-1")
			require.NoError(t, err)
			assert.Equal(t, models.StrategyCustom, strategy)

			entry := 920.0
			require.NoError(t, store.SetGroupInfo(ctx, "grp-1", models.StrategyIronCondor, &entry, nil))

			credit, err = store.GroupEntryCredit(ctx, "grp-1")
			require.NoError(t, err)
			require.NotNil(t, credit)
			assert.Equal(t, 920.0, *credit)

			debit, err := store.GroupExitDebit(ctx, "grp-1")
			require.NoError(t, err)
			assert.Nil(t, debit)

			strategy, err = store.GroupStrategy(ctx, "grp-1")
			require.NoError(t, err)
			assert.Equal(t, models.StrategyIronCondor, strategy)

			// Partial update keeps the earlier entry credit.
			exit := 924.0
			require.NoError(t, store.SetGroupInfo(ctx, "grp-1", "", nil, &exit))
			credit, err = store.GroupEntryCredit(ctx, "grp-1")
			require.NoError(t, err)
			require.NotNil(t, credit)
			assert.Equal(t, 920.0, *credit)
		})
	}
}

func TestStoreAuditTrail(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			ctx := context.Background()

			event := &models.AuditEvent{
				ID:    "evt-1",
				LegID: "leg-1",
				Kind:  models.AuditCorrectionApplied,
				At:    time.Now(),
				Details: models.AuditDetails{
					Correction: &models.CorrectionDetail{
						Field:     "exit_debit",
						Stored:    2.31,
						Corrected: 231.0,
						Rationale: "per-share value scaled by quantity and multiplier",
					},
				},
			}
			require.NoError(t, store.AppendAudit(ctx, event))

			bad := &models.AuditEvent{ID: "evt-2", Kind: models.AuditFillApplied, At: time.Now()}
			assert.Error(t, store.AppendAudit(ctx, bad))
		})
	}
}
