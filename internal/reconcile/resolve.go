package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-ical"

	"github.com/Elmontak/calsync/internal/ics"
	"github.com/Elmontak/calsync/internal/store"
)

// ResolutionAction names the resolve-conflict actions accepted by the
// conflict resolution endpoint.
type ResolutionAction string

const (
	ActionOverwriteCalendar ResolutionAction = "overwrite-calendar"
	ActionSkipEmailImport   ResolutionAction = "skip-email-import"
	ActionMergeFields       ResolutionAction = "merge-fields"
)

// mergeableFields are the fields a merge-fields resolution may pick per side.
var mergeableFields = map[string]bool{
	"summary":     true,
	"organizer":   true,
	"location":    true,
	"description": true,
}

// Resolve dispatches a conflict resolution request.
// selections maps field name to "email" or "calendar" and is only consulted
// for ActionMergeFields.
func Resolve(ctx context.Context, db *store.DB, client Remote, calendarURL string, event *store.TrackedEvent, action ResolutionAction, selections map[string]string) error {
	if !event.SyncConflict {
		return ErrNoConflict
	}

	switch action {
	case ActionOverwriteCalendar:
		return forceOverwrite(ctx, db, client, calendarURL, event)
	case ActionSkipEmailImport:
		return adoptRemote(db, event)
	case ActionMergeFields:
		return mergeFields(ctx, db, client, calendarURL, event, selections)
	default:
		return fmt.Errorf("%w: unknown resolution action %q", ErrUnroutable, action)
	}
}

// forceOverwrite uploads the local payload unconditionally, ignoring the
// divergence that produced the conflict.
func forceOverwrite(ctx context.Context, db *store.DB, client Remote, calendarURL string, event *store.TrackedEvent) error {
	now := time.Now().UTC()
	etag, err := client.Upload(ctx, calendarURL, event.UID, event.Payload)
	if err != nil {
		return fmt.Errorf("failed to force-overwrite remote event: %w", err)
	}

	if state, err := client.GetEventState(ctx, calendarURL, event.UID); err == nil && state != nil {
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
	event.SyncConflict = false
	event.ConflictReason = ""
	event.ConflictRemoteSnapshot = ""
	appendHistory(event, now, "Lokale Version in den Kalender übernommen")

	return db.UpdateTrackedEvent(event)
}

// ApplyAutoResponse embeds status into the event's payload as the
// non-standard X-CALSYNC-RESPONSE property, persists the new response
// status, and force-uploads the result so the participation status actually
// reaches the remote calendar rather than staying a local-only annotation.
func ApplyAutoResponse(ctx context.Context, db *store.DB, client Remote, calendarURL string, event *store.TrackedEvent, status store.ResponseStatus) error {
	embedded, err := embedResponseProperty(event.Payload, status)
	if err != nil {
		return fmt.Errorf("failed to embed response property: %w", err)
	}
	event.Payload = embedded
	event.ResponseStatus = status
	return forceOverwrite(ctx, db, client, calendarURL, event)
}

// adoptRemote hides the conflict without exporting anything and without
// touching the calendar. The stored payload is left as it is; the next
// export that sees the remote ETag still differing fast-forwards to the
// calendar's version.
func adoptRemote(db *store.DB, event *store.TrackedEvent) error {
	now := time.Now().UTC()
	event.SyncConflict = false
	event.ConflictReason = ""
	event.ConflictRemoteSnapshot = ""
	event.SyncedVersion = event.LocalVersion
	appendHistory(event, now, "Lokale Änderungen verworfen, Kalenderversion übernommen")
	return db.UpdateTrackedEvent(event)
}

// mergeFields rebuilds the local payload field-by-field from selections
// ({field: "email"|"calendar"}) and force-uploads the result.
func mergeFields(ctx context.Context, db *store.DB, client Remote, calendarURL string, event *store.TrackedEvent, selections map[string]string) error {
	if event.ConflictRemoteSnapshot == "" {
		return errors.New("no remote snapshot available to merge against")
	}

	merged, err := applyFieldSelections(event.Payload, selections, event)
	if err != nil {
		return fmt.Errorf("failed to rebuild merged payload: %w", err)
	}
	event.Payload = merged

	return forceOverwrite(ctx, db, client, calendarURL, event)
}

// applyFieldSelections rewrites the chosen properties directly on the
// stored payload, pulling "calendar"-selected values from the event's
// captured remote snapshot and leaving "email"-selected ones untouched.
func applyFieldSelections(payload string, selections map[string]string, event *store.TrackedEvent) (string, error) {
	dec := ical.NewDecoder(strings.NewReader(payload))
	cal, err := dec.Decode()
	if err != nil {
		return "", err
	}

	var remoteSnapshot ics.Snapshot
	if event.ConflictRemoteSnapshot != "" {
		_ = json.Unmarshal([]byte(event.ConflictRemoteSnapshot), &remoteSnapshot)
	}

	remoteValues := map[string]string{
		"summary":     remoteSnapshot.Summary,
		"organizer":   remoteSnapshot.Organizer,
		"location":    remoteSnapshot.Location,
		"description": remoteSnapshot.Description,
	}

	for field, side := range selections {
		if !mergeableFields[field] || side != "calendar" {
			continue
		}
		value, ok := remoteValues[field]
		if !ok {
			continue
		}
		propName := fieldToProp(field)
		for _, child := range cal.Children {
			if child.Name != ical.CompEvent {
				continue
			}
			child.Props.Set(&ical.Prop{Name: propName, Value: value})
		}
	}

	var buf strings.Builder
	enc := ical.NewEncoder(&buf)
	if err := enc.Encode(cal); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func fieldToProp(field string) string {
	switch field {
	case "summary":
		return ical.PropSummary
	case "organizer":
		return ical.PropOrganizer
	case "location":
		return ical.PropLocation
	case "description":
		return ical.PropDescription
	default:
		return field
	}
}

// DisableTracking implements the "disable tracking" primitive: the
// event disappears from listings and every sync path without being deleted.
func DisableTracking(db *store.DB, event *store.TrackedEvent) error {
	now := time.Now().UTC()
	event.TrackingDisabled = true
	event.SyncConflict = false
	event.ConflictReason = ""
	event.ConflictRemoteSnapshot = ""
	appendHistory(event, now, "Nachverfolgung deaktiviert")
	return db.UpdateTrackedEvent(event)
}
