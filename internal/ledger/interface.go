// Package ledger provides persistence for trade legs, group credits, and
// audit events.
package ledger

import (
	"context"

	"github.com/dmiller/tradeledger/internal/models"
)

// Interface defines the contract for ledger persistence.
//
// Implementations must be safe for concurrent use: a live fill callback and
// a scheduled full recompute may interleave against the same store. Writers
// enforce the immutability and sequence disciplines themselves so that
// callers never need a lock:
//
//   - UpdateLeg rejects non-forced writes that would change the P&L of a leg
//     whose pnl_status is computed/final (ErrImmutable).
//   - UpdateLeg rejects writes carrying a sequence number older than the
//     stored row (ErrStaleWrite), so retries after partial failure cannot
//     double-apply.
type Interface interface {
	// Leg access
	GetLeg(ctx context.Context, id string) (*models.Leg, error)
	GetAllLegs(ctx context.Context) ([]*models.Leg, error)
	GetGroupLegs(ctx context.Context, groupID string) ([]*models.Leg, error)
	GetLegByOrderID(ctx context.Context, orderID string) (*models.Leg, error)

	// Leg mutation
	InsertLeg(ctx context.Context, leg *models.Leg) error
	// UpdateLeg persists the leg with last-writer-wins discipline gated by
	// the immutability flag and the sequence counter. On success the stored
	// sequence is incremented and reflected back into leg.Seq.
	UpdateLeg(ctx context.Context, leg *models.Leg, force bool) error
	// DeleteLegs removes legs by id. Only explicit duplicate-removal or
	// operator resolution goes through here; nothing else deletes rows.
	DeleteLegs(ctx context.Context, ids []string) error

	// Duplicate detection: legs sharing symbol, quantity, and open order id.
	DetectDuplicates(ctx context.Context) ([][]*models.Leg, error)

	// Audit trail
	AppendAudit(ctx context.Context, event *models.AuditEvent) error

	CreditLookup

	// SetGroupInfo records the authoritative per-group ledger entry.
	SetGroupInfo(ctx context.Context, groupID string, strategy models.StrategyType, entryCredit, exitDebit *float64) error

	Close() error
}

// CreditLookup is the authoritative external ledger keyed by trade_group_id.
// It is the preferred source of truth over values cached on leg rows.
type CreditLookup interface {
	// GroupEntryCredit returns the authoritative entry credit in dollars, or
	// nil when the group has no ledger entry.
	GroupEntryCredit(ctx context.Context, groupID string) (*float64, error)
	// GroupExitDebit returns the authoritative exit debit in dollars, or nil.
	GroupExitDebit(ctx context.Context, groupID string) (*float64, error)
	// GroupStrategy returns the strategy-type hint for the group;
	// StrategyCustom when unknown.
	GroupStrategy(ctx context.Context, groupID string) (models.StrategyType, error)
}

// Ensure both implementations satisfy Interface.
var (
	_ Interface = (*SQLiteStore)(nil)
	_ Interface = (*MemoryStore)(nil)
)
