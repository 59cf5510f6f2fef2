package reconcile

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-ical"

	"github.com/Elmontak/calsync/internal/ics"
	"github.com/Elmontak/calsync/internal/store"
)

// IngestResult tallies what Upsert did across a batch, for scan-job progress
// reporting.
type IngestResult struct {
	Created   int
	Updated   int
	Unchanged int
}

// Upsert applies a batch of parsed mail events against the tracked event
// store. Events are reconciled in order; the first failure stops the batch
// and is returned with the tallies so far, and events before it stay
// applied. The caller (the scan job) logs the error and moves on to the next
// attachment, matching the decoder's own "log and skip" failure policy.
func Upsert(db *store.DB, events []ics.ParsedEvent, source SourceInfo) (*IngestResult, error) {
	result := &IngestResult{}
	for _, pe := range events {
		existing, err := db.GetEventByUID(pe.UID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			if _, err := createEvent(db, pe, source); err != nil {
				return result, fmt.Errorf("failed to create tracked event %s: %w", pe.UID, err)
			}
			result.Created++
		case err != nil:
			return result, fmt.Errorf("failed to look up tracked event %s: %w", pe.UID, err)
		default:
			changed, err := updateEvent(db, existing, pe, source)
			if err != nil {
				return result, fmt.Errorf("failed to update tracked event %s: %w", pe.UID, err)
			}
			if changed {
				result.Updated++
			} else {
				result.Unchanged++
			}
		}
	}
	return result, nil
}

func createEvent(db *store.DB, pe ics.ParsedEvent, source SourceInfo) (*store.TrackedEvent, error) {
	now := time.Now().UTC()
	status := icsStatusToStore(pe.Status)

	responseStatus := store.ResponseStatusNone
	if pe.ResponseStatus != nil {
		responseStatus = icsResponseToStore(*pe.ResponseStatus)
	}

	var cancelledByOrganizer *bool
	if status == store.EventStatusCancelled {
		v := pe.Method == ics.MethodCancel
		cancelledByOrganizer = &v
	}

	payload := pe.Raw
	if responseStatus != store.ResponseStatusNone {
		if embedded, err := embedResponseProperty(payload, responseStatus); err == nil {
			payload = embedded
		}
	}

	e := &store.TrackedEvent{
		UID:                  pe.UID,
		SourceAccountID:      &source.AccountID,
		SourceFolder:         &source.Folder,
		MailboxMessageID:     &source.MessageID,
		Summary:              pe.Summary,
		Organizer:            pe.Organizer,
		Start:                timePtr(pe.Start),
		End:                  timePtr(pe.End),
		Status:               status,
		ResponseStatus:       responseStatus,
		CancelledByOrganizer: cancelledByOrganizer,
		Payload:              payload,
		History: []store.HistoryEntry{{
			Timestamp:   now,
			Action:      string(status),
			Description: fmt.Sprintf("Event processed from message %s", source.MessageID),
		}},
		LocalVersion:       1,
		SyncedVersion:      0,
		LocalLastModified:  &now,
		LastModifiedSource: store.ModifiedByLocal,
	}
	return db.CreateTrackedEvent(e)
}

func updateEvent(db *store.DB, existing *store.TrackedEvent, pe ics.ParsedEvent, source SourceInfo) (bool, error) {
	contentChanged := false
	if existing.Summary != pe.Summary {
		existing.Summary = pe.Summary
		contentChanged = true
	}
	if existing.Organizer != pe.Organizer {
		existing.Organizer = pe.Organizer
		contentChanged = true
	}
	if !timeEqualPtr(existing.Start, pe.Start) {
		existing.Start = timePtr(pe.Start)
		contentChanged = true
	}
	if !timeEqualPtr(existing.End, pe.End) {
		existing.End = timePtr(pe.End)
		contentChanged = true
	}
	if stripCalsyncResponseLines(existing.Payload) != pe.Raw {
		existing.Payload = pe.Raw
		contentChanged = true
	}

	newStatus := icsStatusToStore(pe.Status)
	statusChanged := false
	if newStatus == store.EventStatusCancelled {
		if existing.Status != store.EventStatusCancelled {
			statusChanged = true
			contentChanged = true
		}
		existing.Status = store.EventStatusCancelled
		v := pe.Method == ics.MethodCancel
		existing.CancelledByOrganizer = &v
	} else {
		reopening := existing.Status == store.EventStatusCancelled
		if reopening {
			statusChanged = true
			contentChanged = true
			existing.CancelledByOrganizer = nil
		}
		if contentChanged {
			existing.Status = store.EventStatusUpdated
		}
	}

	responseChanged := false
	if pe.ResponseStatus != nil {
		newResponse := icsResponseToStore(*pe.ResponseStatus)
		if newResponse != existing.ResponseStatus {
			existing.ResponseStatus = newResponse
			responseChanged = true
			if embedded, err := embedResponseProperty(existing.Payload, newResponse); err == nil {
				existing.Payload = embedded
			}
		}
	}

	// Metadata-only fields update silently, whether or not content changed.
	existing.SourceAccountID = &source.AccountID
	existing.SourceFolder = &source.Folder
	existing.MailboxMessageID = &source.MessageID

	changed := contentChanged || statusChanged || responseChanged
	if !changed {
		return false, db.UpdateTrackedEvent(existing)
	}

	now := time.Now().UTC()
	if contentChanged {
		existing.LocalVersion++
		existing.LocalLastModified = &now
		existing.LastModifiedSource = store.ModifiedByLocal
		existing.SyncConflict = false
		existing.ConflictReason = ""
		existing.ConflictRemoteSnapshot = ""
	}
	existing.History = append(existing.History, store.HistoryEntry{
		Timestamp:   now,
		Action:      string(existing.Status),
		Description: fmt.Sprintf("Event processed from message %s", source.MessageID),
	})

	return true, db.UpdateTrackedEvent(existing)
}

func icsStatusToStore(s ics.Status) store.EventStatus {
	switch s {
	case ics.StatusCancelled:
		return store.EventStatusCancelled
	case ics.StatusUpdated:
		return store.EventStatusUpdated
	case ics.StatusSynced:
		return store.EventStatusSynced
	case ics.StatusFailed:
		return store.EventStatusFailed
	default:
		return store.EventStatusNew
	}
}

func icsResponseToStore(r ics.ResponseStatus) store.ResponseStatus {
	switch r {
	case ics.ResponseAccepted:
		return store.ResponseStatusAccepted
	case ics.ResponseTentative:
		return store.ResponseStatusTentative
	case ics.ResponseDeclined:
		return store.ResponseStatusDeclined
	default:
		return store.ResponseStatusNone
	}
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	tt := t.UTC()
	return &tt
}

func timeEqualPtr(a *time.Time, b time.Time) bool {
	if a == nil {
		return b.IsZero()
	}
	return a.UTC().Equal(b.UTC())
}

// embedResponseProperty re-embeds the local participation status into every
// VEVENT component as a non-standard X-CALSYNC-RESPONSE property.
func embedResponseProperty(payload string, status store.ResponseStatus) (string, error) {
	dec := ical.NewDecoder(strings.NewReader(payload))
	cal, err := dec.Decode()
	if err != nil {
		return "", err
	}
	for _, child := range cal.Children {
		if child.Name == ical.CompEvent {
			child.Props.Set(&ical.Prop{Name: "X-CALSYNC-RESPONSE", Value: string(status)})
		}
	}
	var buf strings.Builder
	enc := ical.NewEncoder(&buf)
	if err := enc.Encode(cal); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// stripCalsyncResponseLines removes any previously embedded
// X-CALSYNC-RESPONSE property lines before comparing stored payload against
// freshly parsed mail content, so the engine's own annotation never shows up
// as an incoming content change.
func stripCalsyncResponseLines(raw string) string {
	if raw == "" {
		return raw
	}
	lines := strings.Split(raw, "\r\n")
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		if strings.HasPrefix(l, "X-CALSYNC-RESPONSE") {
			continue
		}
		out = append(out, l)
	}
	return strings.Join(out, "\r\n")
}
