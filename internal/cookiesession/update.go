package cookiesession

import "fmt"

// ConflictKind classifies a rejected session update.
type ConflictKind int

const (
	// ConflictDuplicate: the update was already applied; harmless replay.
	ConflictDuplicate ConflictKind = iota
	// ConflictConcurrent: another call advanced the session from the same
	// base version first; the client should re-fetch and retry.
	ConflictConcurrent
	// ConflictTampering: the update does not fit the salt/version chain
	// at all; a genuine replay attack or corrupted state.
	ConflictTampering
)

func (k ConflictKind) String() string {
	switch k {
	case ConflictDuplicate:
		return "duplicate"
	case ConflictConcurrent:
		return "concurrentModification"
	case ConflictTampering:
		return "tampering"
	}
	return "unknown"
}

// ConflictError is returned when an update is rejected. Each kind carries
// a distinct message so clients and operators can tell an innocent retry
// from a lost race from an attack.
type ConflictError struct {
	Kind    ConflictKind
	Message string
}

func (e *ConflictError) Error() string { return e.Message }

// CheckUpdate decides whether incoming may replace existing. Acceptance
// requires: same id, incoming version == existing version + 1, and
// incoming previousBpSalt == existing bpSalt. An uninitialized existing
// session accepts any first write.
func CheckUpdate(existing, incoming *Session) error {
	if incoming == nil || !incoming.Initialized() {
		return &ConflictError{Kind: ConflictTampering, Message: "session update carries no session"}
	}
	if !existing.Initialized() {
		return nil
	}
	if incoming.ID != existing.ID {
		return &ConflictError{Kind: ConflictTampering, Message: fmt.Sprintf(
			"session update is for a different session (id %q, have %q)", incoming.ID, existing.ID)}
	}
	if incoming.Version <= existing.Version {
		if incoming.BpSalt == existing.BpSalt {
			return &ConflictError{Kind: ConflictDuplicate, Message: fmt.Sprintf(
				"session update to version %d was already applied", incoming.Version)}
		}
		return &ConflictError{Kind: ConflictConcurrent, Message: fmt.Sprintf(
			"session was concurrently modified (update from base version %d, session is at %d); re-fetch and retry", incoming.Version-1, existing.Version)}
	}
	if incoming.Version != existing.Version+1 {
		return &ConflictError{Kind: ConflictTampering, Message: fmt.Sprintf(
			"session update skips from version %d to %d", existing.Version, incoming.Version)}
	}
	if incoming.PreviousBpSalt != existing.BpSalt {
		return &ConflictError{Kind: ConflictTampering, Message: "session update does not continue the salt chain; possible replay"}
	}
	return nil
}
