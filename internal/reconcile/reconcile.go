// Package reconcile implements the ingest and export halves of the
// reconciliation engine: deciding, for each tracked event, whether a parsed
// mail update changes local state, and whether a local or remote change
// should win when the two diverge.
package reconcile

import (
	"errors"

	"github.com/Elmontak/calsync/internal/store"
)

var (
	// ErrConflictActive reports an operation that requires a clean event
	// attempted while sync_conflict is set. No function in this package
	// returns it; conflicted events are filtered out by CandidateEligible.
	ErrConflictActive = errors.New("event is in conflict")
	// ErrNoConflict is returned when resolving a conflict that does not exist.
	ErrNoConflict = errors.New("event has no active conflict")
	// ErrUnroutable is returned when an event cannot be mapped to a calendar.
	ErrUnroutable = errors.New("event cannot be routed to a calendar")
)

// SourceInfo identifies where a batch of parsed events came from.
type SourceInfo struct {
	AccountID string
	Folder    string
	MessageID string
}

// CandidateEligible mirrors store.DB.SyncAllCandidates' selection predicate,
// for callers that need to filter an individually-fetched event without a
// DB round trip (e.g. a manual-sync request naming a specific event id).
func CandidateEligible(e *store.TrackedEvent) bool {
	if e.TrackingDisabled || e.SyncConflict {
		return false
	}
	switch e.Status {
	case store.EventStatusNew, store.EventStatusUpdated:
		return true
	case store.EventStatusCancelled:
		return e.CancelledByOrganizer == nil || *e.CancelledByOrganizer
	default:
		return false
	}
}
