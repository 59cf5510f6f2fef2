package store

import "time"

// AccountKind distinguishes a mailbox source account from a calendar destination account.
type AccountKind string

const (
	AccountKindMailbox  AccountKind = "mailbox"
	AccountKindCalendar AccountKind = "calendar"
)

func (k AccountKind) IsValid() bool {
	return k == AccountKindMailbox || k == AccountKindCalendar
}

// EventStatus is the TrackedEvent lifecycle state.
type EventStatus string

const (
	EventStatusNew       EventStatus = "new"
	EventStatusUpdated   EventStatus = "updated"
	EventStatusSynced    EventStatus = "synced"
	EventStatusCancelled EventStatus = "cancelled"
	EventStatusFailed    EventStatus = "failed"
)

var ValidEventStatuses = map[EventStatus]bool{
	EventStatusNew:       true,
	EventStatusUpdated:   true,
	EventStatusSynced:    true,
	EventStatusCancelled: true,
	EventStatusFailed:    true,
}

func (s EventStatus) IsValid() bool {
	return ValidEventStatuses[s]
}

// ResponseStatus is the attendee RSVP status carried on a TrackedEvent.
type ResponseStatus string

const (
	ResponseStatusNone      ResponseStatus = "none"
	ResponseStatusAccepted  ResponseStatus = "accepted"
	ResponseStatusTentative ResponseStatus = "tentative"
	ResponseStatusDeclined  ResponseStatus = "declined"
)

// ModificationSource records which side last produced a content mutation.
type ModificationSource string

const (
	ModifiedByLocal  ModificationSource = "local"
	ModifiedByRemote ModificationSource = "remote"
)

// Account is either a mailbox source or a calendar destination. Settings is an
// opaque JSON blob; sensitive fields within it (password, client_secret,
// token, refresh_token) are expected to already be encrypted (prefixed
// "enc:") by the caller before being persisted — see internal/crypto.
type Account struct {
	ID        string
	Label     string
	Kind      AccountKind
	Settings  string // JSON blob
	CreatedAt time.Time
	UpdatedAt time.Time
}

// FolderSelection names a mailbox folder (and whether to include subfolders)
// that should be scanned for calendar invitations.
type FolderSelection struct {
	ID                string
	AccountID         string
	Name              string
	IncludeSubfolders bool
}

// SyncMapping pairs a mailbox folder with a destination calendar.
type SyncMapping struct {
	ID               string
	MailboxAccountID string
	MailboxFolder    string
	CalendarAccountID string
	CalendarURL      string
	CalendarName     string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// HistoryEntry is one append-only audit record on a TrackedEvent.
type HistoryEntry struct {
	Timestamp   time.Time `json:"timestamp"`
	Action      string    `json:"action"`
	Description string    `json:"description"`
}

// TrackedEvent is the per-UID persistent record bridging a mailbox-origin
// payload and its remote calendar state.
type TrackedEvent struct {
	ID                     int64
	UID                    string
	SourceAccountID        *string
	SourceFolder           *string
	MailboxMessageID       *string
	Summary                string
	Organizer              string
	Start                  *time.Time
	End                    *time.Time
	Status                 EventStatus
	ResponseStatus         ResponseStatus
	CancelledByOrganizer   *bool
	Payload                string
	History                []HistoryEntry
	LocalVersion           int64
	SyncedVersion          int64
	CalDAVETag             string
	RemoteLastModified     *time.Time
	LocalLastModified      *time.Time
	LastModifiedSource     ModificationSource
	SyncConflict           bool
	ConflictReason         string
	ConflictRemoteSnapshot string // JSON-encoded ics.Snapshot, empty if none
	TrackingDisabled       bool
	LastSyncedAt           *time.Time
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// Unsynced reports whether the event is pending export, per the invariant
// local_version > synced_version.
func (e *TrackedEvent) Unsynced() bool {
	return e.LocalVersion > e.SyncedVersion
}

// IgnoredMailImport marks a mail import that must not re-mutate an event.
// The ingest path does not currently consult MaxUID; this is modeled and
// migrated per SPEC_FULL.md's "planned filter, not active policy" decision.
type IgnoredMailImport struct {
	ID        string
	EventUID  string
	AccountID string
	Folder    string
	MessageID string
	MaxUID    string
	CreatedAt time.Time
}
