package reconcile

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/Elmontak/calsync/internal/caldav"
	"github.com/Elmontak/calsync/internal/ics"
	"github.com/Elmontak/calsync/internal/store"
)

// Remote is the subset of internal/caldav.Client the reconciliation engine
// depends on, kept as an interface so the engine can be tested without a
// live CalDAV server.
type Remote interface {
	Upload(ctx context.Context, calendarURL, uid, icalPayload string) (string, error)
	DeleteByUID(ctx context.Context, calendarURL, uid string) (bool, error)
	GetEventState(ctx context.Context, calendarURL, uid string) (*caldav.RemoteEventState, error)
}

// ProgressFunc is invoked once per event, in input order, after its export
// attempt completes.
type ProgressFunc func(event *store.TrackedEvent, success bool)

// ExportOutcome records what happened to a single event during a sync-all or
// manual-sync pass, for job-status `detail` reporting.
type ExportOutcome struct {
	UID      string
	Decision Decision
	Err      error
}

// SyncToCalendar probes each event's remote state,
// classifies it via Decide, and dispatches the matching side effect. Events
// are processed sequentially and in input order.
func SyncToCalendar(ctx context.Context, db *store.DB, client Remote, calendarURL string, events []*store.TrackedEvent, progress ProgressFunc) []ExportOutcome {
	outcomes := make([]ExportOutcome, 0, len(events))
	for _, event := range events {
		outcome := exportOne(ctx, db, client, calendarURL, event)
		outcomes = append(outcomes, outcome)
		if progress != nil {
			progress(event, outcome.Err == nil)
		}
	}
	return outcomes
}

func exportOne(ctx context.Context, db *store.DB, client Remote, calendarURL string, event *store.TrackedEvent) ExportOutcome {
	remote, err := client.GetEventState(ctx, calendarURL, event.UID)
	if err != nil {
		// Step A: a failed probe is treated as "no divergence detected", never
		// as a reason to block the sync.
		remote = nil
	}

	decision := Decide(event, remote)
	now := time.Now().UTC()

	switch decision {
	case DecisionUpload:
		return dispatchUpload(ctx, db, client, calendarURL, event, now)
	case DecisionCancel:
		return dispatchCancel(ctx, db, client, calendarURL, event, now)
	case DecisionFastForward:
		return dispatchFastForward(db, event, remote, now)
	case DecisionRecordConflict:
		return dispatchConflict(db, event, remote, now)
	default:
		return dispatchSkip(db, event, now)
	}
}

func dispatchUpload(ctx context.Context, db *store.DB, client Remote, calendarURL string, event *store.TrackedEvent, now time.Time) ExportOutcome {
	etag, err := client.Upload(ctx, calendarURL, event.UID, event.Payload)
	if err != nil {
		return ExportOutcome{UID: event.UID, Decision: DecisionUpload, Err: err}
	}

	applyUploadedState(event, client.GetEventState, calendarURL, etag, now)

	if err := db.UpdateTrackedEvent(event); err != nil {
		return ExportOutcome{UID: event.UID, Decision: DecisionUpload, Err: err}
	}
	return ExportOutcome{UID: event.UID, Decision: DecisionUpload}
}

// applyUploadedState refreshes ETag/LastModified after a successful upload.
// It always follows up with a state fetch; the ETag returned by the upload
// is used only when that fetch fails.
func applyUploadedState(event *store.TrackedEvent, getState func(ctx context.Context, calendarURL, uid string) (*caldav.RemoteEventState, error), calendarURL, etag string, now time.Time) {
	if state, err := getState(context.Background(), calendarURL, event.UID); err == nil && state != nil {
		event.CalDAVETag = state.ETag
		if !state.LastModified.IsZero() {
			event.RemoteLastModified = &state.LastModified
		}
	} else {
		event.CalDAVETag = etag
	}
	event.Status = store.EventStatusSynced
	event.SyncedVersion = event.LocalVersion
	event.LastSyncedAt = &now
}

func dispatchCancel(ctx context.Context, db *store.DB, client Remote, calendarURL string, event *store.TrackedEvent, now time.Time) ExportOutcome {
	if event.CancelledByOrganizer == nil {
		log.Printf("reconcile: event %s has no cancelled_by_organizer value, treating the cancellation as organizer-initiated", event.UID)
	}
	if event.Payload != "" {
		etag, err := client.Upload(ctx, calendarURL, event.UID, event.Payload)
		if err != nil {
			return ExportOutcome{UID: event.UID, Decision: DecisionCancel, Err: err}
		}
		event.CalDAVETag = etag
		event.SyncedVersion = event.LocalVersion
		event.LastSyncedAt = &now
		appendHistory(event, now, "Kalendereintrag als abgesagt markiert")
		if err := db.UpdateTrackedEvent(event); err != nil {
			return ExportOutcome{UID: event.UID, Decision: DecisionCancel, Err: err}
		}
		return ExportOutcome{UID: event.UID, Decision: DecisionCancel}
	}

	removed, err := client.DeleteByUID(ctx, calendarURL, event.UID)
	if err != nil {
		return ExportOutcome{UID: event.UID, Decision: DecisionCancel, Err: err}
	}

	event.SyncedVersion = event.LocalVersion
	event.LastSyncedAt = &now
	if removed {
		appendHistory(event, now, "Termin im Kalender entfernt")
	} else {
		appendHistory(event, now, "Kein Kalendereintrag zum Entfernen gefunden")
	}
	if err := db.UpdateTrackedEvent(event); err != nil {
		return ExportOutcome{UID: event.UID, Decision: DecisionCancel, Err: err}
	}
	return ExportOutcome{UID: event.UID, Decision: DecisionCancel}
}

// dispatchFastForward adopts the remote copy of an event wholesale.
func dispatchFastForward(db *store.DB, event *store.TrackedEvent, remote *caldav.RemoteEventState, now time.Time) ExportOutcome {
	snapshot, err := ics.ExtractSnapshot([]byte(remote.Payload))
	if err == nil {
		event.Summary = snapshot.Summary
		event.Organizer = snapshot.Organizer
	}

	events, _, err := ics.Decode([]byte(remote.Payload))
	remoteCancelled := false
	var remoteCancelledByOrganizer bool
	if err == nil && len(events) > 0 {
		pe := matchByUID(events, event.UID)
		if pe.Start.IsZero() == false {
			event.Start = timePtr(pe.Start)
		}
		if pe.End.IsZero() == false {
			event.End = timePtr(pe.End)
		}
		remoteCancelled = pe.Status == ics.StatusCancelled
		remoteCancelledByOrganizer = pe.Method == ics.MethodCancel
	}

	event.Payload = remote.Payload
	event.CalDAVETag = remote.ETag
	if !remote.LastModified.IsZero() {
		event.RemoteLastModified = &remote.LastModified
	}
	event.SyncedVersion = event.LocalVersion
	event.LastModifiedSource = store.ModifiedByRemote
	event.LastSyncedAt = &now

	if remoteCancelled {
		event.Status = store.EventStatusCancelled
		event.CancelledByOrganizer = &remoteCancelledByOrganizer
	} else {
		event.Status = store.EventStatusSynced
	}

	event.SyncConflict = false
	event.ConflictReason = ""
	event.ConflictRemoteSnapshot = ""
	appendHistory(event, now, "Änderungen aus CalDAV übernommen")

	if err := db.UpdateTrackedEvent(event); err != nil {
		return ExportOutcome{UID: event.UID, Decision: DecisionFastForward, Err: err}
	}
	return ExportOutcome{UID: event.UID, Decision: DecisionFastForward}
}

func dispatchConflict(db *store.DB, event *store.TrackedEvent, remote *caldav.RemoteEventState, now time.Time) ExportOutcome {
	event.SyncConflict = true
	event.ConflictReason = "Remote-Version abweichend"
	if snapshot, err := ics.ExtractSnapshot([]byte(remote.Payload)); err == nil {
		if encoded, err := json.Marshal(snapshot); err == nil {
			event.ConflictRemoteSnapshot = string(encoded)
		}
	}
	event.History = append(event.History, store.HistoryEntry{
		Timestamp:   now,
		Action:      "conflict",
		Description: "Synchronisationskonflikt erkannt",
	})

	if err := db.UpdateTrackedEvent(event); err != nil {
		return ExportOutcome{UID: event.UID, Decision: DecisionRecordConflict, Err: err}
	}
	return ExportOutcome{UID: event.UID, Decision: DecisionRecordConflict}
}

func dispatchSkip(db *store.DB, event *store.TrackedEvent, now time.Time) ExportOutcome {
	if event.Status == store.EventStatusCancelled && event.CancelledByOrganizer != nil && !*event.CancelledByOrganizer {
		appendHistory(event, now, "Absage ignoriert (nicht vom Ersteller)")
	}
	event.LastSyncedAt = &now
	if err := db.UpdateTrackedEvent(event); err != nil {
		return ExportOutcome{UID: event.UID, Decision: DecisionSkip, Err: err}
	}
	return ExportOutcome{UID: event.UID, Decision: DecisionSkip}
}

func appendHistory(event *store.TrackedEvent, now time.Time, description string) {
	event.History = append(event.History, store.HistoryEntry{
		Timestamp:   now,
		Action:      "sync",
		Description: description,
	})
}

func matchByUID(events []ics.ParsedEvent, uid string) ics.ParsedEvent {
	for _, e := range events {
		if e.UID == uid {
			return e
		}
	}
	return events[0]
}
