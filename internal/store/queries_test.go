package store

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func setupTestDB(t *testing.T) (*DB, func()) {
	t.Helper()

	tempDir, err := os.MkdirTemp("", "calsync-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}

	dbPath := filepath.Join(tempDir, "test.db")
	db, err := New(dbPath)
	if err != nil {
		os.RemoveAll(tempDir)
		t.Fatalf("failed to create test database: %v", err)
	}

	cleanup := func() {
		db.Close()
		os.RemoveAll(tempDir)
	}
	return db, cleanup
}

func createTestAccount(t *testing.T, db *DB, kind AccountKind, label string) *Account {
	t.Helper()
	a, err := db.CreateAccount(label, kind, "{}")
	if err != nil {
		t.Fatalf("failed to create test account: %v", err)
	}
	return a
}

func TestCreateAndGetAccount(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	a := createTestAccount(t, db, AccountKindMailbox, "Work mailbox")
	got, err := db.GetAccount(a.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Label != "Work mailbox" || got.Kind != AccountKindMailbox {
		t.Errorf("unexpected account: %+v", got)
	}
}

func TestGetAccount_NotFound(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	_, err := db.GetAccount("missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateAccount_InvalidKind(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	_, err := db.CreateAccount("bad", AccountKind("bogus"), "{}")
	if err == nil {
		t.Fatal("expected error for invalid account kind")
	}
}

func TestListAccounts_FiltersByKind(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	createTestAccount(t, db, AccountKindMailbox, "mailbox-1")
	createTestAccount(t, db, AccountKindCalendar, "calendar-1")

	mailboxes, err := db.ListAccounts(AccountKindMailbox)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(mailboxes) != 1 || mailboxes[0].Kind != AccountKindMailbox {
		t.Errorf("unexpected mailboxes: %+v", mailboxes)
	}
}

func TestDeleteAccount_DetachesTrackedEvents(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	acct := createTestAccount(t, db, AccountKindMailbox, "mailbox-1")
	e := &TrackedEvent{
		UID:             "uid-1",
		SourceAccountID: &acct.ID,
		Status:          EventStatusNew,
		ResponseStatus:  ResponseStatusNone,
		LocalVersion:    1,
	}
	created, err := db.CreateTrackedEvent(e)
	if err != nil {
		t.Fatalf("failed to create tracked event: %v", err)
	}

	if err := db.DeleteAccount(acct.ID); err != nil {
		t.Fatalf("failed to delete account: %v", err)
	}

	got, err := db.GetEventByID(created.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.SourceAccountID != nil {
		t.Errorf("expected source_account_id cleared, got %v", *got.SourceAccountID)
	}
}

func TestReplaceFolderSelections(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	acct := createTestAccount(t, db, AccountKindMailbox, "mailbox-1")
	err := db.ReplaceFolderSelections(acct.ID, []FolderSelection{
		{Name: "INBOX", IncludeSubfolders: true},
		{Name: "Archive", IncludeSubfolders: false},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sels, err := db.ListFolderSelections(acct.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sels) != 2 {
		t.Fatalf("expected 2 selections, got %d", len(sels))
	}

	// Replacing again must fully clear the prior list, not append.
	if err := db.ReplaceFolderSelections(acct.ID, []FolderSelection{{Name: "INBOX", IncludeSubfolders: true}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sels, err = db.ListFolderSelections(acct.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sels) != 1 {
		t.Fatalf("expected replace to clear prior rows, got %d", len(sels))
	}
}

func TestCreateTrackedEvent_RoundTrip(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	e := &TrackedEvent{
		UID:            "uid-roundtrip",
		Summary:        "Kickoff",
		Organizer:      "boss@example.com",
		Status:         EventStatusNew,
		ResponseStatus: ResponseStatusNone,
		Payload:        "BEGIN:VCALENDAR...",
		History: []HistoryEntry{
			{Action: "created", Description: "Event processed from message m1"},
		},
		LocalVersion:  1,
		SyncedVersion: 0,
	}
	created, err := db.CreateTrackedEvent(e)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !created.Unsynced() {
		t.Error("expected newly created event to be unsynced")
	}

	got, err := db.GetEventByUID("uid-roundtrip")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Summary != "Kickoff" || len(got.History) != 1 {
		t.Errorf("unexpected round-tripped event: %+v", got)
	}
}

func TestUpdateTrackedEvent_NotFound(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	err := db.UpdateTrackedEvent(&TrackedEvent{ID: 999, Status: EventStatusNew, ResponseStatus: ResponseStatusNone})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSyncAllCandidates_ExcludesConflictsAndDisabled(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	base := func(uid string, status EventStatus) *TrackedEvent {
		return &TrackedEvent{UID: uid, Status: status, ResponseStatus: ResponseStatusNone, LocalVersion: 1}
	}

	ready, err := db.CreateTrackedEvent(base("ready", EventStatusNew))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	conflicted := base("conflicted", EventStatusUpdated)
	createdConflict, err := db.CreateTrackedEvent(conflicted)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	createdConflict.SyncConflict = true
	if err := db.UpdateTrackedEvent(createdConflict); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	disabled := base("disabled", EventStatusNew)
	createdDisabled, err := db.CreateTrackedEvent(disabled)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	createdDisabled.TrackingDisabled = true
	if err := db.UpdateTrackedEvent(createdDisabled); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	candidates, err := db.SyncAllCandidates()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(candidates) != 1 || candidates[0].UID != ready.UID {
		t.Errorf("unexpected candidates: %+v", candidates)
	}
}

func TestIgnoredMailImports(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	acct := createTestAccount(t, db, AccountKindMailbox, "mailbox-1")
	_, err := db.CreateTrackedEvent(&TrackedEvent{UID: "uid-1", Status: EventStatusCancelled, ResponseStatus: ResponseStatusNone, LocalVersion: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	err = db.CreateIgnoredMailImport(&IgnoredMailImport{
		EventUID:  "uid-1",
		AccountID: acct.ID,
		Folder:    "INBOX",
		MessageID: "m1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	imports, err := db.ListIgnoredMailImports("uid-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(imports) != 1 || imports[0].MessageID != "m1" {
		t.Errorf("unexpected imports: %+v", imports)
	}
}
