package ledger

import "errors"

var (
	// ErrLegNotFound is returned when a leg id does not exist in the store.
	ErrLegNotFound = errors.New("leg not found")
	// ErrImmutable is returned when a non-forced write would alter a leg
	// whose pnl_status is computed or final.
	ErrImmutable = errors.New("leg pnl is immutable")
	// ErrStaleWrite is returned when a writer holds an older sequence number
	// than the stored row, i.e. a slow reader racing a fresher writer.
	ErrStaleWrite = errors.New("stale write rejected")
	// ErrDuplicateLeg is returned when inserting a leg id that already exists.
	ErrDuplicateLeg = errors.New("leg id already exists")
)
