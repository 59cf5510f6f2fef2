package reconcile

import (
	"time"

	"github.com/Elmontak/calsync/internal/caldav"
	"github.com/Elmontak/calsync/internal/store"
)

// Decision is the outcome of comparing a TrackedEvent against the remote
// calendar state, with no I/O performed to reach it.
type Decision int

const (
	DecisionSkip Decision = iota
	DecisionUpload
	DecisionCancel
	DecisionFastForward
	DecisionRecordConflict
)

func (d Decision) String() string {
	switch d {
	case DecisionUpload:
		return "upload"
	case DecisionCancel:
		return "cancel"
	case DecisionFastForward:
		return "fast-forward"
	case DecisionRecordConflict:
		return "conflict"
	default:
		return "skip"
	}
}

// Decide classifies what the export loop
// should do with event given the (possibly absent) remote probe result. It
// performs no network or database access.
func Decide(event *store.TrackedEvent, remote *caldav.RemoteEventState) Decision {
	remoteChanged := remoteDiverged(event, remote)

	if remoteChanged && event.Unsynced() {
		return DecisionRecordConflict
	}
	if remoteChanged && !event.Unsynced() {
		return DecisionFastForward
	}

	if event.Status == store.EventStatusCancelled {
		if event.CancelledByOrganizer != nil && !*event.CancelledByOrganizer {
			return DecisionSkip
		}
		if event.LastModifiedSource == store.ModifiedByRemote && !event.Unsynced() {
			return DecisionSkip
		}
		return DecisionCancel
	}

	return DecisionUpload
}

// remoteDiverged prefers ETag comparison when both
// sides have one, otherwise fall back to a last-modified baseline.
func remoteDiverged(event *store.TrackedEvent, remote *caldav.RemoteEventState) bool {
	if remote == nil {
		return false
	}

	if event.CalDAVETag != "" && remote.ETag != "" {
		return event.CalDAVETag != remote.ETag
	}

	baseline := latestKnownRemoteTime(event)
	if remote.LastModified.IsZero() || baseline.IsZero() {
		return false
	}
	return remote.LastModified.After(baseline)
}

func latestKnownRemoteTime(event *store.TrackedEvent) time.Time {
	var baseline time.Time
	if event.RemoteLastModified != nil {
		baseline = *event.RemoteLastModified
	}
	if event.LastSyncedAt != nil && event.LastSyncedAt.After(baseline) {
		baseline = *event.LastSyncedAt
	}
	return baseline
}
