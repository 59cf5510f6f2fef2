package jobs

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Elmontak/calsync/internal/crypto"
	"github.com/Elmontak/calsync/internal/mailsource"
	"github.com/Elmontak/calsync/internal/store"
)

type fakeSource struct {
	candidates []mailsource.CalendarCandidate
}

func (f *fakeSource) Fetch(ctx context.Context, settings mailsource.Settings, folders []mailsource.FolderSelection, progress mailsource.ProgressFunc) ([]mailsource.CalendarCandidate, error) {
	if progress != nil {
		progress(0, len(f.candidates))
	}
	return f.candidates, nil
}

const scanTestInvite = `BEGIN:VCALENDAR
VERSION:2.0
METHOD:REQUEST
BEGIN:VEVENT
UID:scan-1
SUMMARY:Weekly Sync
ORGANIZER:mailto:boss@example.com
DTSTART:20240101T090000Z
DTEND:20240101T100000Z
STATUS:CONFIRMED
END:VEVENT
END:VCALENDAR
`

func setupOrchestratorTestDB(t *testing.T) (*store.DB, func()) {
	t.Helper()
	tempDir, err := os.MkdirTemp("", "calsync-jobs-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	db, err := store.New(filepath.Join(tempDir, "test.db"))
	if err != nil {
		os.RemoveAll(tempDir)
		t.Fatalf("failed to create test database: %v", err)
	}
	return db, func() {
		db.Close()
		os.RemoveAll(tempDir)
	}
}

func TestOrchestrator_StartScan_ImportsEvents(t *testing.T) {
	db, cleanup := setupOrchestratorTestDB(t)
	defer cleanup()

	enc, err := crypto.NewEncryptor("test-secret")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	settings := MailboxSettings{Host: "imap.example.com", Username: "user", Password: "hunter2", SSL: true}
	raw, _ := json.Marshal(settings)
	account, err := db.CreateAccount("Work inbox", store.AccountKindMailbox, string(raw))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := db.ReplaceFolderSelections(account.ID, []store.FolderSelection{{Name: "INBOX", IncludeSubfolders: false}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	source := &fakeSource{candidates: []mailsource.CalendarCandidate{
		{
			MessageID: "m1",
			Subject:   "Weekly Sync",
			Folder:    "INBOX",
			Attachments: []mailsource.Attachment{
				{Filename: "invite.ics", ContentType: "text/calendar", Bytes: []byte(scanTestInvite)},
			},
		},
	}}

	orch := NewOrchestrator(db, enc, source, NewRegistry())
	jobID := orch.StartScan(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	var state State
	for time.Now().Before(deadline) {
		s, ok := orch.registry.Get(jobID)
		if ok && (s.Status == StatusCompleted || s.Status == StatusFailed) {
			state = s
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if state.Status != StatusCompleted {
		t.Fatalf("expected scan job to complete, got %+v", state)
	}

	event, err := db.GetEventByUID("scan-1")
	if err != nil {
		t.Fatalf("expected imported event, got error: %v", err)
	}
	if event.Summary != "Weekly Sync" {
		t.Errorf("summary = %q, want Weekly Sync", event.Summary)
	}
}

func TestOrchestrator_StartScan_SkipsAccountsWithNoFolders(t *testing.T) {
	db, cleanup := setupOrchestratorTestDB(t)
	defer cleanup()

	enc, _ := crypto.NewEncryptor("test-secret")
	raw, _ := json.Marshal(MailboxSettings{Host: "imap.example.com"})
	if _, err := db.CreateAccount("No folders", store.AccountKindMailbox, string(raw)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	source := &fakeSource{}
	orch := NewOrchestrator(db, enc, source, NewRegistry())
	jobID := orch.StartScan(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	var state State
	for time.Now().Before(deadline) {
		s, ok := orch.registry.Get(jobID)
		if ok && (s.Status == StatusCompleted || s.Status == StatusFailed) {
			state = s
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if state.Status != StatusCompleted {
		t.Fatalf("expected scan job to complete even with no folders, got %+v", state)
	}
}
