// Package caldav adapts the CalDAV wire protocol to the remote calendar
// state shape the reconciliation engine consumes.
package caldav

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"
)

var (
	ErrConnectionFailed = errors.New("connection failed")
	ErrNotFound          = errors.New("resource not found")
	ErrInvalidResponse   = errors.New("invalid server response")
	ErrMalformedContent  = errors.New("malformed calendar content")
)

const (
	defaultTimeout = 30 * time.Second
	minTLSVersion  = tls.VersionTLS12
)

// RemoteEventState is the reduced shape the reconciliation engine compares
// against a TrackedEvent: the identity (UID), the change markers (ETag,
// LastModified), and the full payload for adopt-remote and conflict capture.
type RemoteEventState struct {
	UID          string
	Path         string
	ETag         string
	LastModified time.Time
	Payload      string
}

// Client provides the CalDAV operations the sync engine needs against a
// single calendar collection.
type Client struct {
	baseURL      string
	username     string
	password     string
	httpClient   *http.Client
	caldavClient *caldav.Client
}

// NewClient creates a new CalDAV client bound to baseURL using HTTP basic auth.
func NewClient(baseURL, username, password string) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("%w: base URL is required", ErrConnectionFailed)
	}

	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			MinVersion: minTLSVersion,
		},
		MaxIdleConns:        10,
		IdleConnTimeout:     30 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	httpClient := &http.Client{
		Timeout:   defaultTimeout,
		Transport: transport,
	}

	caldavClient, err := caldav.NewClient(
		webdav.HTTPClientWithBasicAuth(httpClient, username, password),
		baseURL,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create CalDAV client: %w", ErrConnectionFailed, err)
	}

	return &Client{
		baseURL:      baseURL,
		username:     username,
		password:     password,
		httpClient:   httpClient,
		caldavClient: caldavClient,
	}, nil
}

// TestConnection verifies the server is reachable and credentials are valid.
func (c *Client) TestConnection(ctx context.Context) error {
	_, err := c.caldavClient.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	return nil
}

// FindCalendars discovers all calendar collections for the current user.
func (c *Client) FindCalendars(ctx context.Context) ([]caldav.Calendar, error) {
	principal, err := c.caldavClient.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to find principal: %w", ErrConnectionFailed, err)
	}

	homeSet, err := c.caldavClient.FindCalendarHomeSet(ctx, principal)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to find home set: %w", ErrConnectionFailed, err)
	}

	cals, err := c.caldavClient.FindCalendars(ctx, homeSet)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to find calendars: %w", ErrConnectionFailed, err)
	}
	return cals, nil
}

// Upload writes the given iCalendar payload for uid under calendarPath,
// creating it if absent or overwriting it in place, and returns the ETag the
// server assigned.
func (c *Client) Upload(ctx context.Context, calendarPath, uid, icalPayload string) (string, error) {
	cal, err := parseICalendar(icalPayload)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrMalformedContent, err)
	}

	path := strings.TrimSuffix(calendarPath, "/") + "/" + uid + ".ics"
	obj, err := c.caldavClient.PutCalendarObject(ctx, path, cal)
	if err != nil {
		return "", fmt.Errorf("%w: failed to put event: %w", ErrConnectionFailed, err)
	}
	return obj.ETag, nil
}

// DeleteByUID removes the calendar object for uid under calendarPath.
// Returns whether an object actually existed to be removed; a missing
// object is not an error — deletion is idempotent.
func (c *Client) DeleteByUID(ctx context.Context, calendarPath, uid string) (bool, error) {
	path := strings.TrimSuffix(calendarPath, "/") + "/" + uid + ".ics"
	err := c.caldavClient.RemoveAll(ctx, path)
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("%w: failed to delete event: %w", ErrConnectionFailed, err)
	}
	return true, nil
}

// GetEventState fetches the current remote state of uid under calendarPath.
// Returns ErrNotFound if no such object exists.
func (c *Client) GetEventState(ctx context.Context, calendarPath, uid string) (*RemoteEventState, error) {
	path := strings.TrimSuffix(calendarPath, "/") + "/" + uid + ".ics"
	obj, err := c.caldavClient.GetCalendarObject(ctx, path)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		if looksMalformed(err) {
			return nil, fmt.Errorf("%w: %s", ErrMalformedContent, path)
		}
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	return toRemoteEventState(path, obj), nil
}

// SearchOverlapping lists every event on calendarPath whose interval
// [start,end) overlaps the given window. Filtering happens client-side since the
// CalDAV server version in use here does not guarantee a time-range REPORT.
func (c *Client) SearchOverlapping(ctx context.Context, calendarPath string, start, end time.Time) ([]RemoteEventState, error) {
	all, err := c.listAll(ctx, calendarPath)
	if err != nil {
		return nil, err
	}

	var out []RemoteEventState
	for _, state := range all {
		evtStart, evtEnd, ok := eventWindow(state.Payload)
		if !ok {
			continue
		}
		if evtStart.Before(end) && start.Before(evtEnd) {
			out = append(out, state)
		}
	}
	return out, nil
}

// listAll fetches every calendar object on calendarPath via the
// calendar-query REPORT, falling back to a PROPFIND-then-GET walk when the
// server rejects the REPORT (matching the degraded-server behavior the
// adapter must tolerate).
func (c *Client) listAll(ctx context.Context, calendarPath string) ([]RemoteEventState, error) {
	query := &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name: "VCALENDAR",
			Comps: []caldav.CalendarCompRequest{
				{Name: "VEVENT"},
			},
		},
	}

	objects, err := c.caldavClient.QueryCalendar(ctx, calendarPath, query)
	if err == nil {
		out := make([]RemoteEventState, 0, len(objects))
		for _, obj := range objects {
			out = append(out, *toRemoteEventState(obj.Path, &obj))
		}
		return out, nil
	}

	log.Printf("caldav: calendar-query failed on %s, falling back to PROPFIND: %v", calendarPath, err)
	return c.listViaPropfind(ctx, calendarPath)
}

func (c *Client) listViaPropfind(ctx context.Context, calendarPath string) ([]RemoteEventState, error) {
	fullURL := c.buildURL(calendarPath)

	req, err := http.NewRequestWithContext(ctx, "PROPFIND", fullURL, strings.NewReader(`<?xml version="1.0" encoding="utf-8" ?>
<D:propfind xmlns:D="DAV:">
  <D:prop>
    <D:getetag/>
    <D:getcontenttype/>
  </D:prop>
</D:propfind>`))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.SetBasicAuth(c.username, c.password)
	req.Header.Set("Content-Type", "application/xml; charset=utf-8")
	req.Header.Set("Depth", "1")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusMultiStatus && resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: unexpected status %d", ErrInvalidResponse, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	paths := parseEventPaths(body, calendarPath)
	out := make([]RemoteEventState, 0, len(paths))
	for _, path := range paths {
		obj, err := c.caldavClient.GetCalendarObject(ctx, path)
		if err != nil {
			log.Printf("caldav: failed to fetch %s during fallback listing: %v", path, err)
			continue
		}
		out = append(out, *toRemoteEventState(path, obj))
	}
	return out, nil
}

func toRemoteEventState(path string, obj *caldav.CalendarObject) *RemoteEventState {
	state := &RemoteEventState{
		Path: path,
		ETag: obj.ETag,
	}
	if obj.Data != nil {
		state.Payload = encodeCalendar(obj.Data)
		for _, evt := range obj.Data.Events() {
			if uid, err := evt.Props.Text(ical.PropUID); err == nil {
				state.UID = uid
			}
			if lm := evt.Props.Get(ical.PropLastModified); lm != nil {
				if t, err := lm.DateTime(time.UTC); err == nil {
					state.LastModified = t.UTC()
				}
			}
			break
		}
	}
	return state
}

// eventWindow extracts the start/end of the first VEVENT in payload.
// DTSTART/DTEND go through normalizeStartTime first so a TZID the Go tzdata
// doesn't recognize (the "GMT+HHMM"-style identifiers some servers emit)
// still resolves instead of silently falling back to raw/local time.
func eventWindow(payload string) (time.Time, time.Time, bool) {
	cal, err := parseICalendar(payload)
	if err != nil {
		return time.Time{}, time.Time{}, false
	}
	events := cal.Events()
	if len(events) == 0 {
		return time.Time{}, time.Time{}, false
	}
	evt := events[0]
	startProp := evt.Props.Get(ical.PropDateTimeStart)
	endProp := evt.Props.Get(ical.PropDateTimeEnd)
	if startProp == nil {
		return time.Time{}, time.Time{}, false
	}
	start, ok := normalizedDateTime(startProp)
	if !ok {
		return time.Time{}, time.Time{}, false
	}
	end := start
	if endProp != nil {
		if t, ok := normalizedDateTime(endProp); ok {
			end = t
		}
	}
	return start, end, true
}

// normalizedDateTime parses prop via normalizeStartTime, falling back to the
// library's own DateTime parsing when normalization can't resolve the value.
func normalizedDateTime(prop *ical.Prop) (time.Time, bool) {
	if normalized := normalizeStartTime(prop); normalized != "" {
		if t, err := time.Parse("20060102T150405Z", normalized); err == nil {
			return t.UTC(), true
		}
	}
	if t, err := prop.DateTime(time.UTC); err == nil {
		return t.UTC(), true
	}
	return time.Time{}, false
}

// parseEventPaths extracts .ics file paths from a PROPFIND multistatus response.
func parseEventPaths(body []byte, basePath string) []string {
	type propfindResponse struct {
		XMLName   xml.Name `xml:"DAV: multistatus"`
		Responses []struct {
			Href     string `xml:"href"`
			PropStat struct {
				Prop struct {
					ContentType string `xml:"getcontenttype"`
				} `xml:"prop"`
				Status string `xml:"status"`
			} `xml:"propstat"`
		} `xml:"response"`
	}

	var ms propfindResponse
	if err := xml.Unmarshal(body, &ms); err != nil {
		return nil
	}

	paths := make([]string, 0)
	for _, resp := range ms.Responses {
		if resp.Href == basePath || resp.Href+"/" == basePath || basePath+"/" == resp.Href {
			continue
		}
		if strings.HasSuffix(resp.Href, ".ics") ||
			strings.Contains(resp.PropStat.Prop.ContentType, "calendar") {
			decodedPath, err := url.PathUnescape(resp.Href)
			if err != nil {
				decodedPath = resp.Href
			}
			paths = append(paths, decodedPath)
		}
	}
	return paths
}

// buildURL constructs the full URL for a path relative to, or absolute
// against, the client's base URL.
func (c *Client) buildURL(path string) string {
	if path == "" {
		return c.baseURL
	}
	if strings.HasPrefix(path, "/") {
		if idx := strings.Index(c.baseURL, "://"); idx != -1 {
			rest := c.baseURL[idx+3:]
			if slashIdx := strings.Index(rest, "/"); slashIdx != -1 {
				return c.baseURL[:idx+3] + rest[:slashIdx] + path
			}
		}
		return strings.TrimSuffix(c.baseURL, "/") + path
	}
	return strings.TrimSuffix(c.baseURL, "/") + "/" + path
}

func isNotFound(err error) bool {
	return strings.Contains(err.Error(), "404") || strings.Contains(strings.ToLower(err.Error()), "not found")
}

func looksMalformed(err error) bool {
	errStr := err.Error()
	return strings.Contains(errStr, "malformed") ||
		strings.Contains(errStr, "missing colon") ||
		(strings.Contains(errStr, "invalid") && strings.Contains(errStr, "ical"))
}

// parseICalendar parses iCalendar data string into a calendar object.
func parseICalendar(data string) (*ical.Calendar, error) {
	dec := ical.NewDecoder(strings.NewReader(data))
	return dec.Decode()
}

// encodeCalendar encodes a calendar object to iCalendar string.
func encodeCalendar(cal *ical.Calendar) string {
	var buf bytes.Buffer
	enc := ical.NewEncoder(&buf)
	if err := enc.Encode(cal); err != nil {
		return ""
	}
	return buf.String()
}

// normalizeStartTime converts a DTSTART property to a normalized UTC string
// for comparison, handling both explicit UTC ("...Z") and TZID-qualified
// values, including non-IANA "GMT+HHMM"-style identifiers some servers emit.
func normalizeStartTime(prop *ical.Prop) string {
	if prop == nil {
		return ""
	}

	value := prop.Value

	if strings.HasSuffix(value, "Z") {
		t, err := time.Parse("20060102T150405Z", value)
		if err == nil {
			return t.Format("20060102T150405Z")
		}
		return value
	}

	if tzidParam := prop.Params.Get("TZID"); tzidParam != "" {
		loc, err := time.LoadLocation(tzidParam)
		if err != nil {
			loc = parseGMTOffset(tzidParam)
			if loc == nil {
				t, err := prop.DateTime(time.UTC)
				if err == nil {
					return t.UTC().Format("20060102T150405Z")
				}
				return value
			}
		}

		t, err := time.ParseInLocation("20060102T150405", value, loc)
		if err != nil {
			log.Printf("normalizeStartTime: failed to parse datetime %s: %v", value, err)
			return value
		}
		return t.UTC().Format("20060102T150405Z")
	}

	t, err := prop.DateTime(time.UTC)
	if err == nil {
		return t.UTC().Format("20060102T150405Z")
	}
	return value
}

// parseGMTOffset parses timezone strings like "GMT-0400", "GMT+0530", "UTC+05:30"
// and returns a fixed timezone location.
func parseGMTOffset(tzid string) *time.Location {
	offset := tzid
	for _, prefix := range []string{"GMT", "UTC", "Etc/GMT"} {
		if strings.HasPrefix(offset, prefix) {
			offset = strings.TrimPrefix(offset, prefix)
			break
		}
	}

	if offset == "" {
		return time.UTC
	}

	sign := 1
	if strings.HasPrefix(offset, "-") {
		sign = -1
		offset = offset[1:]
	} else if strings.HasPrefix(offset, "+") {
		offset = offset[1:]
	}

	offset = strings.ReplaceAll(offset, ":", "")

	var hours, minutes int
	switch len(offset) {
	case 1, 2:
		fmt.Sscanf(offset, "%d", &hours)
	case 3:
		fmt.Sscanf(offset, "%1d%2d", &hours, &minutes)
	case 4:
		fmt.Sscanf(offset, "%2d%2d", &hours, &minutes)
	default:
		return nil
	}

	totalSeconds := sign * (hours*3600 + minutes*60)
	return time.FixedZone(tzid, totalSeconds)
}
