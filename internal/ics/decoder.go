// Package ics parses raw calendar bytes into canonical ParsedEvent values.
package ics

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-ical"
)

var (
	// ErrMalformed is returned when the calendar bytes cannot be decoded at all.
	ErrMalformed = errors.New("malformed calendar payload")
	// ErrNoEvents is returned when a calendar decodes cleanly but carries no VEVENT.
	ErrNoEvents = errors.New("calendar contains no events")
)

// Status mirrors the TrackedEvent lifecycle states the engine assigns on ingest.
type Status string

const (
	StatusNew       Status = "new"
	StatusUpdated   Status = "updated"
	StatusCancelled Status = "cancelled"
	StatusSynced    Status = "synced"
	StatusFailed    Status = "failed"
)

// ResponseStatus is the attendee RSVP reply carried by a REPLY method message.
type ResponseStatus string

const (
	ResponseNone      ResponseStatus = "none"
	ResponseAccepted  ResponseStatus = "accepted"
	ResponseTentative ResponseStatus = "tentative"
	ResponseDeclined  ResponseStatus = "declined"
)

// Method is the calendar-level iTIP method (RFC 5546).
type Method string

const (
	MethodPublish       Method = "PUBLISH"
	MethodRequest       Method = "REQUEST"
	MethodReply         Method = "REPLY"
	MethodAdd           Method = "ADD"
	MethodCancel        Method = "CANCEL"
	MethodRefresh       Method = "REFRESH"
	MethodCounter       Method = "COUNTER"
	MethodDeclineCounter Method = "DECLINECOUNTER"
)

// Attendee carries the scheduling metadata attached to a single ATTENDEE property.
type Attendee struct {
	Name     string
	Address  string
	PartStat string
	Role     string
	CUType   string
	RSVP     bool
}

// ParsedEvent is the canonical shape the reconciliation engine ingests.
type ParsedEvent struct {
	UID            string
	Summary        string
	Organizer      string
	Start          time.Time
	End            time.Time
	Status         Status
	Method         Method
	ResponseStatus *ResponseStatus
	Attendees      []Attendee
	Location       string
	Description    string
	Raw            string
}

// Snapshot is the reduced diff-rendering shape exposed for conflict display.
type Snapshot struct {
	UID            string
	Summary        string
	Organizer      string
	Start          string // ISO-8601 UTC
	End            string // ISO-8601 UTC
	Location       string
	Description    string
	ResponseStatus ResponseStatus
}

// Decode parses raw calendar bytes (UTF-8 or 8-bit) into an ordered list of
// ParsedEvent plus the calendar-level METHOD. Malformed payloads return
// ErrMalformed; callers are expected to log and skip rather than abort a scan.
func Decode(raw []byte) ([]ParsedEvent, Method, error) {
	dec := ical.NewDecoder(bytes.NewReader(raw))
	cal, err := dec.Decode()
	if err != nil {
		return nil, "", fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	method := Method(strings.ToUpper(textOrEmpty(cal.Props, ical.PropMethod)))

	events := cal.Events()
	if len(events) == 0 {
		return nil, method, ErrNoEvents
	}

	parsed := make([]ParsedEvent, 0, len(events))
	for _, evt := range events {
		pe, err := parseEvent(&evt, method)
		if err != nil {
			return nil, method, fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		parsed = append(parsed, pe)
	}
	return parsed, method, nil
}

func parseEvent(evt *ical.Event, method Method) (ParsedEvent, error) {
	uid, err := evt.Props.Text(ical.PropUID)
	if err != nil || uid == "" {
		return ParsedEvent{}, fmt.Errorf("event missing UID: %w", err)
	}

	pe := ParsedEvent{
		UID:       uid,
		Summary:   textOrEmpty(evt.Props, ical.PropSummary),
		Organizer: organizerAddress(evt),
		Location:  textOrEmpty(evt.Props, ical.PropLocation),
		Description: textOrEmpty(evt.Props, ical.PropDescription),
		Method:    method,
	}

	if start, ok := propDateTime(evt.Props, ical.PropDateTimeStart); ok {
		pe.Start = start
	}
	if end, ok := propDateTime(evt.Props, ical.PropDateTimeEnd); ok {
		pe.End = end
	}

	status := strings.ToUpper(textOrEmpty(evt.Props, ical.PropStatus))
	pe.Status = mapStatus(status)

	pe.Attendees = parseAttendees(evt)

	if method == MethodReply {
		if rs := firstReplyPartStat(pe.Attendees); rs != nil {
			pe.ResponseStatus = rs
		}
	}

	var buf strings.Builder
	tmp := &ical.Calendar{
		Component: &ical.Component{
			Name: ical.CompCalendar,
			Props: ical.Props{
				ical.PropVersion:   []ical.Prop{{Name: ical.PropVersion, Value: "2.0"}},
				ical.PropProductID: []ical.Prop{{Name: ical.PropProductID, Value: "-//calsync//EN"}},
			},
		},
		Children: []*ical.Component{evt.Component},
	}
	enc := ical.NewEncoder(&buf)
	if err := enc.Encode(tmp); err == nil {
		pe.Raw = buf.String()
	}

	return pe, nil
}

// mapStatus maps iCal STATUS to the engine's lifecycle Status:
// CONFIRMED/TENTATIVE -> NEW; CANCELLED -> CANCELLED; anything else -> NEW.
func mapStatus(icalStatus string) Status {
	switch icalStatus {
	case "CANCELLED":
		return StatusCancelled
	case "CONFIRMED", "TENTATIVE":
		return StatusNew
	default:
		return StatusNew
	}
}

func organizerAddress(evt *ical.Event) string {
	prop := evt.Props.Get(ical.PropOrganizer)
	if prop == nil {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(prop.Value), "mailto:")
}

func parseAttendees(evt *ical.Event) []Attendee {
	props := evt.Props.Values(ical.PropAttendee)
	attendees := make([]Attendee, 0, len(props))
	for _, p := range props {
		a := Attendee{
			Address:  strings.TrimPrefix(strings.ToLower(p.Value), "mailto:"),
			Name:     p.Params.Get("CN"),
			PartStat: strings.ToUpper(p.Params.Get(ical.ParamParticipationStatus)),
			Role:     strings.ToUpper(p.Params.Get("ROLE")),
			CUType:   strings.ToUpper(p.Params.Get("CUTYPE")),
			RSVP:     strings.EqualFold(p.Params.Get("RSVP"), "TRUE"),
		}
		attendees = append(attendees, a)
	}
	return attendees
}

// firstReplyPartStat returns the reply status of the first attendee, in list
// order, whose PARTSTAT is ACCEPTED, TENTATIVE or DECLINED. Attendees with any
// other PARTSTAT are passed over; the three values rank equally.
func firstReplyPartStat(attendees []Attendee) *ResponseStatus {
	for _, a := range attendees {
		var rs ResponseStatus
		switch a.PartStat {
		case "ACCEPTED":
			rs = ResponseAccepted
		case "TENTATIVE":
			rs = ResponseTentative
		case "DECLINED":
			rs = ResponseDeclined
		default:
			continue
		}
		return &rs
	}
	return nil
}

func textOrEmpty(props ical.Props, name string) string {
	v, err := props.Text(name)
	if err != nil {
		return ""
	}
	return v
}

// propDateTime reads a DTSTART/DTEND property, normalizing date-only values
// (VALUE=DATE) to midnight UTC on that day, and timed values to UTC.
func propDateTime(props ical.Props, name string) (time.Time, bool) {
	prop := props.Get(name)
	if prop == nil {
		return time.Time{}, false
	}

	if prop.Params.Get("VALUE") == "DATE" {
		t, err := time.ParseInLocation("20060102", prop.Value, time.UTC)
		if err != nil {
			return time.Time{}, false
		}
		return t, true
	}

	t, err := prop.DateTime(time.UTC)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}

// ExtractSnapshot reduces a payload's first VEVENT to a Snapshot. It is used
// to capture the remote side of a conflict and to read the remote summary and
// organizer during a fast-forward, never to re-serialize the stored payload.
func ExtractSnapshot(raw []byte) (Snapshot, error) {
	events, _, err := Decode(raw)
	if err != nil {
		return Snapshot{}, err
	}
	if len(events) == 0 {
		return Snapshot{}, ErrNoEvents
	}
	pe := events[0]
	snap := Snapshot{
		UID:         pe.UID,
		Summary:     pe.Summary,
		Organizer:   pe.Organizer,
		Location:    pe.Location,
		Description: pe.Description,
	}
	if !pe.Start.IsZero() {
		snap.Start = pe.Start.UTC().Format(time.RFC3339)
	}
	if !pe.End.IsZero() {
		snap.End = pe.End.UTC().Format(time.RFC3339)
	}
	if pe.ResponseStatus != nil {
		snap.ResponseStatus = *pe.ResponseStatus
	} else {
		snap.ResponseStatus = ResponseNone
	}
	return snap, nil
}
