package ics

import (
	"strings"
	"testing"
)

const kickoffRequest = `BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//Test//EN
METHOD:REQUEST
BEGIN:VEVENT
UID:u1
SUMMARY:Kickoff
ORGANIZER:mailto:boss@example.com
DTSTART:20240101T090000Z
DTEND:20240101T100000Z
STATUS:CONFIRMED
END:VEVENT
END:VCALENDAR
`

func TestDecode_FreshRequest(t *testing.T) {
	events, method, err := Decode([]byte(kickoffRequest))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if method != MethodRequest {
		t.Fatalf("expected METHOD REQUEST, got %s", method)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}

	e := events[0]
	if e.UID != "u1" {
		t.Errorf("uid = %q, want u1", e.UID)
	}
	if e.Summary != "Kickoff" {
		t.Errorf("summary = %q, want Kickoff", e.Summary)
	}
	if e.Organizer != "boss@example.com" {
		t.Errorf("organizer = %q, want boss@example.com", e.Organizer)
	}
	if e.Status != StatusNew {
		t.Errorf("status = %q, want new", e.Status)
	}
	if e.Start.Format("20060102T150405Z") != "20240101T090000Z" {
		t.Errorf("start = %v, want 2024-01-01T09:00:00Z", e.Start)
	}
}

func TestDecode_CancelledByOrganizer(t *testing.T) {
	raw := `BEGIN:VCALENDAR
VERSION:2.0
METHOD:CANCEL
BEGIN:VEVENT
UID:u2
SUMMARY:Cancelled meeting
DTSTART:20240101T090000Z
STATUS:CANCELLED
END:VEVENT
END:VCALENDAR
`
	events, method, err := Decode([]byte(raw))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if method != MethodCancel {
		t.Fatalf("method = %q, want CANCEL", method)
	}
	if events[0].Status != StatusCancelled {
		t.Errorf("status = %q, want cancelled", events[0].Status)
	}
}

func TestDecode_ReplyExtractsPartStat(t *testing.T) {
	raw := `BEGIN:VCALENDAR
VERSION:2.0
METHOD:REPLY
BEGIN:VEVENT
UID:u3
SUMMARY:Reply test
DTSTART:20240101T090000Z
ATTENDEE;PARTSTAT=DECLINED;CN=Jane Doe:mailto:jane@example.com
END:VEVENT
END:VCALENDAR
`
	events, _, err := Decode([]byte(raw))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if events[0].ResponseStatus == nil {
		t.Fatalf("expected response status to be set")
	}
	if *events[0].ResponseStatus != ResponseDeclined {
		t.Errorf("response status = %q, want declined", *events[0].ResponseStatus)
	}
	if len(events[0].Attendees) != 1 || events[0].Attendees[0].Address != "jane@example.com" {
		t.Errorf("unexpected attendees: %+v", events[0].Attendees)
	}
}

func TestDecode_AllDayDateNormalizedToMidnight(t *testing.T) {
	raw := `BEGIN:VCALENDAR
VERSION:2.0
BEGIN:VEVENT
UID:u4
SUMMARY:All day
DTSTART;VALUE=DATE:20240101
DTEND;VALUE=DATE:20240102
END:VEVENT
END:VCALENDAR
`
	events, _, err := Decode([]byte(raw))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if events[0].Start.Hour() != 0 || events[0].Start.Minute() != 0 {
		t.Errorf("expected midnight start, got %v", events[0].Start)
	}
}

func TestDecode_MalformedPayload(t *testing.T) {
	_, _, err := Decode([]byte("not a calendar at all"))
	if err == nil {
		t.Fatal("expected error for malformed payload")
	}
	if !strings.Contains(err.Error(), "malformed") {
		t.Errorf("expected malformed error, got %v", err)
	}
}

func TestExtractSnapshot_RoundTripStable(t *testing.T) {
	snap1, err := ExtractSnapshot([]byte(kickoffRequest))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	snap2, err := ExtractSnapshot([]byte(kickoffRequest))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snap1 != snap2 {
		t.Errorf("snapshots differ across identical decodes: %+v vs %+v", snap1, snap2)
	}
}
