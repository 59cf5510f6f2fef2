package jobs

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/Elmontak/calsync/internal/crypto"
	"github.com/Elmontak/calsync/internal/store"
)

// fakeCalDAVServer answers just enough of PUT/GET on a single calendar
// collection for *caldav.Client.Upload/GetEventState to round-trip against
// it, keyed by request path.
type fakeCalDAVServer struct {
	mu      sync.Mutex
	objects map[string]string
}

func newFakeCalDAVServer() *httptest.Server {
	f := &fakeCalDAVServer{objects: make(map[string]string)}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		switch r.Method {
		case http.MethodPut:
			body := new(strings.Builder)
			if _, err := body.ReadFrom(r.Body); err != nil {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			f.objects[r.URL.Path] = body.String()
			w.Header().Set("ETag", strconv.Quote("etag-"+strconv.Itoa(len(f.objects))))
			w.WriteHeader(http.StatusCreated)
		case http.MethodGet:
			data, ok := f.objects[r.URL.Path]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.Header().Set("Content-Type", "text/calendar")
			w.Header().Set("ETag", strconv.Quote("etag-current"))
			w.Write([]byte(data))
		default:
			w.WriteHeader(http.StatusOK)
		}
	}))
}

// TestOrchestrator_MarkAccepted_UploadsResponseToCalendar proves markAccepted
// doesn't stop at the local DB flag: it routes the event through its sync
// mapping's calendar account and the accepted status actually lands on the
// remote calendar.
func TestOrchestrator_MarkAccepted_UploadsResponseToCalendar(t *testing.T) {
	db, cleanup := setupOrchestratorTestDB(t)
	defer cleanup()

	server := newFakeCalDAVServer()
	defer server.Close()

	enc, err := crypto.NewEncryptor("test-secret")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	encryptedPassword, err := enc.Encrypt("secret")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	calSettings := CalendarSettings{BaseURL: server.URL, Username: "user", Password: encryptedPassword}
	rawCal, _ := json.Marshal(calSettings)
	calAccount, err := db.CreateAccount("Personal calendar", store.AccountKindCalendar, string(rawCal))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	mailSettings := MailboxSettings{Host: "imap.example.com", Username: "user", Password: encryptedPassword}
	rawMail, _ := json.Marshal(mailSettings)
	mailAccount, err := db.CreateAccount("Work inbox", store.AccountKindMailbox, string(rawMail))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := db.CreateSyncMapping(&store.SyncMapping{
		MailboxAccountID:  mailAccount.ID,
		MailboxFolder:     "INBOX",
		CalendarAccountID: calAccount.ID,
		CalendarURL:       "/calendars/user/default",
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	folder := "INBOX"
	event, err := db.CreateTrackedEvent(&store.TrackedEvent{
		UID:             "u-accept",
		Status:          store.EventStatusSynced,
		Payload:         "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nBEGIN:VEVENT\r\nUID:u-accept\r\nSUMMARY:Standup\r\nEND:VEVENT\r\nEND:VCALENDAR\r\n",
		LocalVersion:    1,
		SyncedVersion:   1,
		SourceAccountID: &mailAccount.ID,
		SourceFolder:    &folder,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	orch := NewOrchestrator(db, enc, &fakeSource{}, NewRegistry())
	if err := orch.markAccepted(context.Background(), []string{event.UID}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	stored, err := db.GetEventByUID("u-accept")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stored.ResponseStatus != store.ResponseStatusAccepted {
		t.Errorf("response_status = %q, want accepted", stored.ResponseStatus)
	}
	if !strings.Contains(stored.Payload, "X-CALSYNC-RESPONSE:accepted") {
		t.Errorf("expected stored payload to embed the response property, got:\n%s", stored.Payload)
	}
}
