package queue

// statemachine.go — residency transition rules.
//
//	            spill (store.Write ok)
//	RESIDENT ─────────────────────────► SPILLED
//	    ▲                                  │
//	    └──────────────────────────────────┘
//	      reload (store.Read + store.Delete ok)
//
// A failed transition leaves the message in its prior state.

// Residency records where a queued message's payload currently lives.
type Residency uint8

const (
	// Resident: the payload is held in memory.
	Resident Residency = iota
	// Spilled: the payload is held only in the backing store.
	Spilled
)

// String returns the lower-case name used in logs and stats.
func (r Residency) String() string {
	switch r {
	case Resident:
		return "resident"
	case Spilled:
		return "spilled"
	}
	return "unknown"
}

// ValidTransition reports whether from → to is a legal residency change.
func ValidTransition(from, to Residency) bool {
	switch from {
	case Resident:
		return to == Spilled
	case Spilled:
		return to == Resident
	}
	return false
}
