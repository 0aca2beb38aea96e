package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// AuditKind tags the shape of an audit event's detail payload.
type AuditKind string

const (
	AuditFillApplied       AuditKind = "fill_applied"
	AuditCorrectionApplied AuditKind = "correction_applied"
	AuditLifecycleChange   AuditKind = "lifecycle_change"
	AuditDuplicateRemoved  AuditKind = "duplicate_removed"
	AuditGeneric           AuditKind = "generic"
)

// AuditEvent records a mutation applied to the ledger. Details is a tagged
// union: exactly one of the typed payloads is set, matching Kind, with
// Generic as the fallback for anything else.
type AuditEvent struct {
	ID      string       `json:"id"`
	LegID   string       `json:"leg_id,omitempty"`
	GroupID string       `json:"group_id,omitempty"`
	Kind    AuditKind    `json:"kind"`
	At      time.Time    `json:"at"`
	Details AuditDetails `json:"details"`
}

// AuditDetails holds the per-kind payloads. Only the field matching the
// event's Kind is populated.
type AuditDetails struct {
	Fill       *FillDetail       `json:"fill,omitempty"`
	Correction *CorrectionDetail `json:"correction,omitempty"`
	Lifecycle  *LifecycleDetail  `json:"lifecycle,omitempty"`
	Duplicate  *DuplicateDetail  `json:"duplicate,omitempty"`
	Generic    string            `json:"generic,omitempty"`
}

// FillDetail records a broker fill applied to a leg.
type FillDetail struct {
	OrderID      string    `json:"order_id"`
	Side         OrderSide `json:"side"`
	AvgFillPrice float64   `json:"avg_fill_price"`
	FilledQty    int       `json:"filled_qty"`
	Timestamp    time.Time `json:"timestamp"`
}

// CorrectionDetail records a unit/scale correction made by a resolver.
// Stored values are never silently overwritten without one of these.
type CorrectionDetail struct {
	Field     string  `json:"field"`
	Stored    float64 `json:"stored"`
	Corrected float64 `json:"corrected"`
	Rationale string  `json:"rationale"`
}

// LifecycleDetail records a close-status transition.
type LifecycleDetail struct {
	From      CloseStatus `json:"from"`
	To        CloseStatus `json:"to"`
	Condition string      `json:"condition"`
}

// DuplicateDetail records an explicit duplicate-row removal.
type DuplicateDetail struct {
	RemovedIDs []string `json:"removed_ids"`
	KeptID     string   `json:"kept_id"`
}

// Validate ensures the populated detail payload matches the event kind.
func (e *AuditEvent) Validate() error {
	switch e.Kind {
	case AuditFillApplied:
		if e.Details.Fill == nil {
			return fmt.Errorf("audit event %s: kind %s requires fill detail", e.ID, e.Kind)
		}
	case AuditCorrectionApplied:
		if e.Details.Correction == nil {
			return fmt.Errorf("audit event %s: kind %s requires correction detail", e.ID, e.Kind)
		}
	case AuditLifecycleChange:
		if e.Details.Lifecycle == nil {
			return fmt.Errorf("audit event %s: kind %s requires lifecycle detail", e.ID, e.Kind)
		}
	case AuditDuplicateRemoved:
		if e.Details.Duplicate == nil {
			return fmt.Errorf("audit event %s: kind %s requires duplicate detail", e.ID, e.Kind)
		}
	case AuditGeneric:
		if e.Details.Generic == "" {
			return fmt.Errorf("audit event %s: kind %s requires a generic message", e.ID, e.Kind)
		}
	default:
		return fmt.Errorf("audit event %s: unknown kind %q", e.ID, e.Kind)
	}
	return nil
}

// String renders a compact single-line representation for logs.
func (e *AuditEvent) String() string {
	b, err := json.Marshal(e.Details)
	if err != nil {
		return fmt.Sprintf("%s leg=%s %s", e.Kind, e.LegID, err)
	}
	return fmt.Sprintf("%s leg=%s %s", e.Kind, e.LegID, string(b))
}
