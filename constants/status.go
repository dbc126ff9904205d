package constants

// LedgerStatus is the lifecycle state of an application in the scoring ledger.
type LedgerStatus string

// Stable values (stored verbatim in the ledger table).
const (
	LedgerStatusPending LedgerStatus = "PENDING" // seen in silver, not yet sent
	LedgerStatusSent    LedgerStatus = "SENT"    // payload sent, waiting for decision
	LedgerStatusScored  LedgerStatus = "SCORED"  // decision stored
	LedgerStatusError   LedgerStatus = "ERROR"   // terminal failure, needs a human
)

var allStatuses = []LedgerStatus{
	LedgerStatusPending,
	LedgerStatusSent,
	LedgerStatusScored,
	LedgerStatusError,
}

// ParseLedgerStatus returns the status for s, or false when s is not a known value.
func ParseLedgerStatus(s string) (LedgerStatus, bool) {
	for _, st := range allStatuses {
		if string(st) == s {
			return st, true
		}
	}
	return "", false
}

// Terminal reports whether no further transition is allowed out of s.
func (s LedgerStatus) Terminal() bool {
	return s == LedgerStatusScored || s == LedgerStatusError
}

// CanTransition reports whether moving from s to next is allowed.
// Re-applying the current status is always allowed so transitions stay idempotent.
func (s LedgerStatus) CanTransition(next LedgerStatus) bool {
	if s == next {
		return true
	}
	switch s {
	case LedgerStatusPending:
		return next == LedgerStatusSent || next == LedgerStatusScored || next == LedgerStatusError
	case LedgerStatusSent:
		return next == LedgerStatusScored || next == LedgerStatusError
	default:
		return false
	}
}

// WriteMode selects how a batch lands in the silver table.
type WriteMode string

const (
	WriteModeMerge     WriteMode = "merge"
	WriteModeOverwrite WriteMode = "overwrite"
)

// ParseWriteMode accepts the CLI spelling of a write mode.
func ParseWriteMode(s string) (WriteMode, bool) {
	switch WriteMode(s) {
	case WriteModeMerge, WriteModeOverwrite:
		return WriteMode(s), true
	}
	return "", false
}
