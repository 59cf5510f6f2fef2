package reconcile

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/Elmontak/calsync/internal/ics"
	"github.com/Elmontak/calsync/internal/store"
)

func conflictedEvent(t *testing.T, db *store.DB) *store.TrackedEvent {
	t.Helper()
	snapshot := ics.Snapshot{Summary: "Remote title", Organizer: "mailto:remote@example.com", Location: "Remote room"}
	encoded, err := json.Marshal(snapshot)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return mustCreate(t, db, &store.TrackedEvent{
		UID:                    "u-resolve",
		Status:                 store.EventStatusUpdated,
		Payload:                "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nBEGIN:VEVENT\r\nUID:u-resolve\r\nSUMMARY:Local title\r\nEND:VEVENT\r\nEND:VCALENDAR\r\n",
		LocalVersion:           2,
		SyncedVersion:          1,
		SyncConflict:           true,
		ConflictReason:         "Remote-Version abweichend",
		ConflictRemoteSnapshot: string(encoded),
	})
}

func TestResolve_RejectsWhenNoActiveConflict(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	event := mustCreate(t, db, &store.TrackedEvent{UID: "u-clean", Status: store.EventStatusNew, LocalVersion: 1})
	err := Resolve(context.Background(), db, newFakeRemote(), "/cal", event, ActionOverwriteCalendar, nil)
	if err != ErrNoConflict {
		t.Errorf("err = %v, want ErrNoConflict", err)
	}
}

func TestResolve_OverwriteCalendar(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	remote := newFakeRemote()
	event := conflictedEvent(t, db)

	if err := Resolve(context.Background(), db, remote, "/cal", event, ActionOverwriteCalendar, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, ok := remote.uploaded["u-resolve"]; !ok {
		t.Error("expected local payload to be force-uploaded")
	}
	stored, err := db.GetEventByUID("u-resolve")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stored.SyncConflict {
		t.Error("expected conflict to be cleared")
	}
	if stored.SyncedVersion != stored.LocalVersion {
		t.Errorf("expected synced_version to equal local_version after overwrite, got %+v", stored)
	}
}

func TestResolve_SkipEmailImport(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	remote := newFakeRemote()
	event := conflictedEvent(t, db)

	if err := Resolve(context.Background(), db, remote, "/cal", event, ActionSkipEmailImport, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, ok := remote.uploaded["u-resolve"]; ok {
		t.Error("skip-email-import must not upload anything")
	}
	stored, err := db.GetEventByUID("u-resolve")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stored.SyncConflict {
		t.Error("expected conflict to be cleared")
	}
	if stored.SyncedVersion != stored.LocalVersion {
		t.Errorf("expected synced_version to adopt local_version, got %+v", stored)
	}
}

func TestResolve_MergeFields(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	remote := newFakeRemote()
	event := conflictedEvent(t, db)

	selections := map[string]string{"summary": "calendar", "location": "email"}
	if err := Resolve(context.Background(), db, remote, "/cal", event, ActionMergeFields, selections); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	uploaded, ok := remote.uploaded["u-resolve"]
	if !ok {
		t.Fatal("expected merged payload to be force-uploaded")
	}
	events, _, err := ics.Decode([]byte(uploaded))
	if err != nil {
		t.Fatalf("failed to decode uploaded payload: %v", err)
	}
	if events[0].Summary != "Remote title" {
		t.Errorf("summary = %q, want merged remote value", events[0].Summary)
	}
}

func TestResolve_UnknownAction(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	event := conflictedEvent(t, db)
	err := Resolve(context.Background(), db, newFakeRemote(), "/cal", event, ResolutionAction("bogus"), nil)
	if err == nil {
		t.Fatal("expected an error for an unknown resolution action")
	}
}

func TestDisableTracking(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	event := conflictedEvent(t, db)
	if err := DisableTracking(db, event); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	stored, err := db.GetEventByUID("u-resolve")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !stored.TrackingDisabled {
		t.Error("expected tracking_disabled to be set")
	}
	if stored.SyncConflict {
		t.Error("expected conflict to be cleared when tracking is disabled")
	}
}

func TestApplyAutoResponse_EmbedsPropertyAndUploads(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	remote := newFakeRemote()
	event := mustCreate(t, db, &store.TrackedEvent{
		UID:           "u-response",
		Status:        store.EventStatusSynced,
		Payload:       "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nBEGIN:VEVENT\r\nUID:u-response\r\nSUMMARY:Standup\r\nEND:VEVENT\r\nEND:VCALENDAR\r\n",
		LocalVersion:  1,
		SyncedVersion: 1,
	})

	if err := ApplyAutoResponse(context.Background(), db, remote, "/cal", event, store.ResponseStatusAccepted); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	uploaded, ok := remote.uploaded["u-response"]
	if !ok {
		t.Fatal("expected the accepted response to be uploaded to the remote calendar")
	}
	if !containsProperty(uploaded, "X-CALSYNC-RESPONSE", "accepted") {
		t.Errorf("expected uploaded payload to embed X-CALSYNC-RESPONSE:accepted, got:\n%s", uploaded)
	}

	stored, err := db.GetEventByUID("u-response")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stored.ResponseStatus != store.ResponseStatusAccepted {
		t.Errorf("response_status = %q, want accepted", stored.ResponseStatus)
	}
	if !containsProperty(stored.Payload, "X-CALSYNC-RESPONSE", "accepted") {
		t.Errorf("expected stored payload to embed the response property, got:\n%s", stored.Payload)
	}
}

func containsProperty(payload, name, value string) bool {
	needle := name + ":" + value
	for i := 0; i+len(needle) <= len(payload); i++ {
		if payload[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}
