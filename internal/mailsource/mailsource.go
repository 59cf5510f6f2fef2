// Package mailsource defines the collaborator contract the scan job uses to
// pull calendar invitations out of a mailbox. Implementations are expected
// to select the configured folders, walk each message's MIME parts, and
// surface anything that looks like a calendar payload.
package mailsource

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrFolderNotFound reports a configured folder that does not exist on the
// mailbox and has no matching subfolders either. ExpandFolders logs such
// folders and does not return this error.
var ErrFolderNotFound = errors.New("mailbox folder not found")

// Settings carries the connection parameters for a mailbox account. Password
// is expected to already be decrypted by the caller.
type Settings struct {
	Host     string
	Username string
	Password string
	SSL      bool
	Port     int
	Timeout  time.Duration
}

// FolderSelection names a folder to scan, with optional subfolder expansion
// honoring the mailbox's LIST delimiter.
type FolderSelection struct {
	Name              string
	IncludeSubfolders bool
}

// Attachment is a single calendar-bearing MIME part.
type Attachment struct {
	Filename    string
	ContentType string
	Bytes       []byte
}

// CalendarCandidate is one mailbox message that may carry calendar
// invitations, either as attachments or as links discovered in a plain-text
// body.
type CalendarCandidate struct {
	MessageID   string
	Subject     string
	Sender      string
	Folder      string
	Attachments []Attachment
	Links       []string
}

// ProgressFunc reports scan progress as (processed, total) per folder. It may
// be called with total=0 when the caller only wants to report an increment.
type ProgressFunc func(processed, total int)

// Source fetches calendar candidates from a mailbox. Real implementations
// wrap a network IMAP client; the wire protocol itself is out of scope here.
type Source interface {
	Fetch(ctx context.Context, settings Settings, folders []FolderSelection, progress ProgressFunc) ([]CalendarCandidate, error)
}

// calendarMIMETypes are content types that always mark a MIME part as a
// calendar payload, regardless of filename.
var calendarMIMETypes = map[string]bool{
	"text/calendar":    true,
	"text/x-vcalendar": true,
}

var calendarExtensions = []string{".ics", ".vcs"}

// IsCalendarAttachment reports whether a MIME part represents a calendar
// payload, by content type or filename suffix.
func IsCalendarAttachment(contentType, filename string) bool {
	if calendarMIMETypes[contentType] {
		return true
	}
	lowered := strings.ToLower(filename)
	for _, ext := range calendarExtensions {
		if strings.HasSuffix(lowered, ext) {
			return true
		}
	}
	return false
}
