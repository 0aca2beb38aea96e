package models

import (
	"fmt"
	"time"
)

// CloseStatus represents where a leg's close order sits in its lifecycle.
type CloseStatus string

const (
	// CloseSubmitted is the initial state: order placed, waiting on the broker.
	CloseSubmitted CloseStatus = "submitted"
	// CloseFilled is the only terminal state eligible for P&L computation.
	CloseFilled CloseStatus = "filled"
	// CloseRejected means the broker refused the order.
	CloseRejected CloseStatus = "rejected"
	// CloseCanceled means the order was canceled before filling.
	CloseCanceled CloseStatus = "canceled"
	// CloseExpired means the order expired unfilled; the position remains open.
	CloseExpired CloseStatus = "expired"
	// CloseTimeoutUnknown means the confirmation window elapsed with no broker
	// answer. Requires manual resolution to filled or back to open.
	CloseTimeoutUnknown CloseStatus = "timeout_unknown"
)

// Valid returns true if the CloseStatus is one of the defined constants.
func (s CloseStatus) Valid() bool {
	switch s {
	case CloseSubmitted, CloseFilled, CloseRejected, CloseCanceled, CloseExpired, CloseTimeoutUnknown:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further broker-driven transitions are possible.
// timeout_unknown is not terminal: it awaits operator resolution.
func (s CloseStatus) Terminal() bool {
	switch s {
	case CloseFilled, CloseRejected, CloseCanceled, CloseExpired:
		return true
	default:
		return false
	}
}

// PnlEligible reports whether a leg in this state may have P&L computed.
func (s CloseStatus) PnlEligible() bool {
	return s == CloseFilled
}

// Transition conditions. Triggers are broker callbacks or an operator action;
// no state is ever skipped.
const (
	ConditionBrokerFill         = "broker_fill"
	ConditionBrokerReject       = "broker_reject"
	ConditionBrokerCancel       = "broker_cancel"
	ConditionOrderExpired       = "order_expired"
	ConditionConfirmationLapsed = "confirmation_timeout"
	ConditionManualFilled       = "manual_filled"
	ConditionManualNotFilled    = "manual_not_filled"
)

// CloseTransition defines a valid close-status transition.
type CloseTransition struct {
	From        CloseStatus
	To          CloseStatus
	Condition   string
	Description string
}

// ValidCloseTransitions is the full transition table for the close-order lifecycle.
var ValidCloseTransitions = []CloseTransition{
	{CloseSubmitted, CloseFilled, ConditionBrokerFill, "Broker confirmed the fill"},
	{CloseSubmitted, CloseRejected, ConditionBrokerReject, "Broker rejected the order"},
	{CloseSubmitted, CloseCanceled, ConditionBrokerCancel, "Order canceled before filling"},
	{CloseSubmitted, CloseExpired, ConditionOrderExpired, "Order expired unfilled, position remains open"},
	{CloseSubmitted, CloseTimeoutUnknown, ConditionConfirmationLapsed, "Confirmation window elapsed with no broker answer"},

	// Operator resolution of an unknown timeout. "Not filled" lands on canceled:
	// the close order is dead and the position is still open.
	{CloseTimeoutUnknown, CloseFilled, ConditionManualFilled, "Operator confirmed the order actually filled"},
	{CloseTimeoutUnknown, CloseCanceled, ConditionManualNotFilled, "Operator confirmed the order never filled"},
}

// CloseStateMachine validates and applies close-status transitions for one leg.
type CloseStateMachine struct {
	current        CloseStatus
	previous       CloseStatus
	transitionTime time.Time
}

// NewCloseStateMachine creates a state machine in the initial submitted state.
func NewCloseStateMachine() *CloseStateMachine {
	return NewCloseStateMachineFromState(CloseSubmitted)
}

// NewCloseStateMachineFromState restores a state machine from a persisted status.
func NewCloseStateMachineFromState(state CloseStatus) *CloseStateMachine {
	if !state.Valid() {
		state = CloseSubmitted
	}
	return &CloseStateMachine{
		current:  state,
		previous: state,
	}
}

// Current returns the current close status.
func (sm *CloseStateMachine) Current() CloseStatus {
	return sm.current
}

// Previous returns the close status before the most recent transition.
func (sm *CloseStateMachine) Previous() CloseStatus {
	return sm.previous
}

// CanTransition checks whether the requested transition is defined.
func (sm *CloseStateMachine) CanTransition(to CloseStatus, condition string) error {
	for _, tr := range ValidCloseTransitions {
		if tr.From == sm.current && tr.To == to && tr.Condition == condition {
			return nil
		}
	}
	return fmt.Errorf("invalid close transition from %s to %s with condition %q",
		sm.current, to, condition)
}

// Transition moves to a new close status after validating the transition table.
func (sm *CloseStateMachine) Transition(to CloseStatus, condition string) error {
	if err := sm.CanTransition(to, condition); err != nil {
		return err
	}
	sm.previous = sm.current
	sm.current = to
	sm.transitionTime = time.Now().UTC()
	return nil
}

// Describe returns a human-readable description of the current state.
func (sm *CloseStateMachine) Describe() string {
	switch sm.current {
	case CloseSubmitted:
		return "Close order submitted, waiting for broker confirmation"
	case CloseFilled:
		return "Close order filled, leg eligible for P&L computation"
	case CloseRejected:
		return "Close order rejected by broker, position remains open"
	case CloseCanceled:
		return "Close order canceled, position remains open"
	case CloseExpired:
		return "Close order expired unfilled, position remains open"
	case CloseTimeoutUnknown:
		return "No broker confirmation within the timeout window, manual resolution required"
	default:
		return "Unknown state"
	}
}

// ApplyCloseTransition transitions a leg's close status through the state machine
// and enforces the lifecycle gate: reaching any terminal state other than filled
// forces pnl = null and flags the leg for reconciliation.
func (l *Leg) ApplyCloseTransition(to CloseStatus, condition string) error {
	sm := NewCloseStateMachineFromState(l.CloseStatus)
	if err := sm.Transition(to, condition); err != nil {
		return fmt.Errorf("leg %s: %w", l.ID, err)
	}
	l.CloseStatus = sm.Current()
	l.Seq++

	if to.Terminal() && to != CloseFilled {
		l.Pnl = nil
		l.PnlPercent = nil
		l.PnlFormula = ""
		l.PnlStatus = PnlPending
		l.NeedsReconcile = true
	}
	if to == CloseFilled && l.ExitTime.IsZero() {
		l.ExitTime = time.Now().UTC()
	}
	return nil
}
