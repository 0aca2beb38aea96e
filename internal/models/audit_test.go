package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAuditEventValidate(t *testing.T) {
	tests := []struct {
		name    string
		event   AuditEvent
		wantErr bool
	}{
		{
			name: "fill with detail",
			event: AuditEvent{
				ID: "e1", Kind: AuditFillApplied,
				Details: AuditDetails{Fill: &FillDetail{OrderID: "o1", Side: SideBuyToClose}},
			},
		},
		{
			name:    "fill missing detail",
			event:   AuditEvent{ID: "e2", Kind: AuditFillApplied},
			wantErr: true,
		},
		{
			name: "correction with detail",
			event: AuditEvent{
				ID: "e3", Kind: AuditCorrectionApplied,
				Details: AuditDetails{Correction: &CorrectionDetail{Field: "exit_debit", Stored: 9.24, Corrected: 924}},
			},
		},
		{
			name:    "lifecycle missing detail",
			event:   AuditEvent{ID: "e4", Kind: AuditLifecycleChange},
			wantErr: true,
		},
		{
			name: "duplicate with detail",
			event: AuditEvent{
				ID: "e5", Kind: AuditDuplicateRemoved,
				Details: AuditDetails{Duplicate: &DuplicateDetail{RemovedIDs: []string{"a"}, KeptID: "b"}},
			},
		},
		{
			name:    "generic needs message",
			event:   AuditEvent{ID: "e6", Kind: AuditGeneric},
			wantErr: true,
		},
		{
			name:    "unknown kind",
			event:   AuditEvent{ID: "e7", Kind: "mystery"},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.event.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestAuditEventString(t *testing.T) {
	e := AuditEvent{
		ID: "e1", LegID: "leg-1", Kind: AuditLifecycleChange, At: time.Now(),
		Details: AuditDetails{Lifecycle: &LifecycleDetail{From: CloseSubmitted, To: CloseFilled, Condition: ConditionBrokerFill}},
	}
	s := e.String()
	assert.Contains(t, s, "lifecycle_change")
	assert.Contains(t, s, "leg=leg-1")
	assert.Contains(t, s, "filled")
}
