package mailsource

import (
	"context"
	"reflect"
	"testing"
)

func TestIsCalendarAttachment_ByContentType(t *testing.T) {
	if !IsCalendarAttachment("text/calendar", "invite.txt") {
		t.Fatal("expected text/calendar to match regardless of filename")
	}
}

func TestIsCalendarAttachment_ByExtension(t *testing.T) {
	if !IsCalendarAttachment("application/octet-stream", "Invite.ICS") {
		t.Fatal("expected .ics extension to match case-insensitively")
	}
}

func TestIsCalendarAttachment_NoMatch(t *testing.T) {
	if IsCalendarAttachment("image/png", "photo.png") {
		t.Fatal("expected non-calendar part to not match")
	}
}

func TestExpandFolders_IncludesSubfolders(t *testing.T) {
	available := []MailboxFolder{
		{Delimiter: "/", Name: "INBOX"},
		{Delimiter: "/", Name: "INBOX/Invites"},
		{Delimiter: "/", Name: "INBOX/Invites/Archived"},
		{Delimiter: "/", Name: "Other"},
	}
	got := ExpandFolders([]FolderSelection{{Name: "INBOX", IncludeSubfolders: true}}, available)
	want := []string{"INBOX", "INBOX/Invites", "INBOX/Invites/Archived"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestExpandFolders_ExcludesSubfoldersWhenDisabled(t *testing.T) {
	available := []MailboxFolder{
		{Delimiter: "/", Name: "INBOX"},
		{Delimiter: "/", Name: "INBOX/Invites"},
	}
	got := ExpandFolders([]FolderSelection{{Name: "INBOX", IncludeSubfolders: false}}, available)
	want := []string{"INBOX"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestExpandFolders_MissingFolderLogsAndKeepsName(t *testing.T) {
	got := ExpandFolders([]FolderSelection{{Name: "Ghost", IncludeSubfolders: true}}, nil)
	want := []string{"Ghost"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestNullSource_ReturnsEmpty(t *testing.T) {
	var s Source = NullSource{}
	candidates, err := s.Fetch(context.Background(), Settings{}, []FolderSelection{{Name: "INBOX"}}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(candidates) != 0 {
		t.Fatalf("expected no candidates, got %d", len(candidates))
	}
}
