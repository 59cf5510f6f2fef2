package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// --- Accounts ---------------------------------------------------------

func (db *DB) CreateAccount(label string, kind AccountKind, settings string) (*Account, error) {
	if !kind.IsValid() {
		return nil, fmt.Errorf("%w: invalid account kind %q", ErrDatabaseInit, kind)
	}
	a := &Account{
		ID:       uuid.New().String(),
		Label:    label,
		Kind:     kind,
		Settings: settings,
	}
	_, err := db.conn.Exec(
		`INSERT INTO accounts (id, label, kind, settings) VALUES (?, ?, ?, ?)`,
		a.ID, a.Label, a.Kind, a.Settings,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create account: %w", err)
	}
	return db.GetAccount(a.ID)
}

func (db *DB) GetAccount(id string) (*Account, error) {
	row := db.conn.QueryRow(
		`SELECT id, label, kind, settings, created_at, updated_at FROM accounts WHERE id = ?`, id,
	)
	return scanAccount(row)
}

func (db *DB) ListAccounts(kind AccountKind) ([]*Account, error) {
	var rows *sql.Rows
	var err error
	if kind == "" {
		rows, err = db.conn.Query(`SELECT id, label, kind, settings, created_at, updated_at FROM accounts ORDER BY created_at`)
	} else {
		rows, err = db.conn.Query(`SELECT id, label, kind, settings, created_at, updated_at FROM accounts WHERE kind = ? ORDER BY created_at`, kind)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*Account
	for rows.Next() {
		a, err := scanAccountFromRows(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

func (db *DB) UpdateAccount(id, label, settings string) error {
	res, err := db.conn.Exec(
		`UPDATE accounts SET label = ?, settings = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		label, settings, id,
	)
	if err != nil {
		return fmt.Errorf("failed to update account: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (db *DB) DeleteAccount(id string) error {
	if _, err := db.conn.Exec(
		`UPDATE tracked_events SET source_account_id = NULL WHERE source_account_id = ?`, id,
	); err != nil {
		return fmt.Errorf("failed to detach tracked events: %w", err)
	}
	res, err := db.conn.Exec(`DELETE FROM accounts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanAccount(row *sql.Row) (*Account, error) {
	a := &Account{}
	err := row.Scan(&a.ID, &a.Label, &a.Kind, &a.Settings, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan account: %w", err)
	}
	return a, nil
}

func scanAccountFromRows(rows *sql.Rows) (*Account, error) {
	a := &Account{}
	if err := rows.Scan(&a.ID, &a.Label, &a.Kind, &a.Settings, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, fmt.Errorf("failed to scan account: %w", err)
	}
	return a, nil
}

// --- Folder selections --------------------------------------------------

// ReplaceFolderSelections rebuilds the folder selection list for an account,
// matching the spec's "rebuilt whenever account is updated" lifecycle.
func (db *DB) ReplaceFolderSelections(accountID string, selections []FolderSelection) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM folder_selections WHERE account_id = ?`, accountID); err != nil {
		return fmt.Errorf("failed to clear folder selections: %w", err)
	}
	for _, sel := range selections {
		id := sel.ID
		if id == "" {
			id = uuid.New().String()
		}
		if _, err := tx.Exec(
			`INSERT INTO folder_selections (id, account_id, name, include_subfolders) VALUES (?, ?, ?, ?)`,
			id, accountID, sel.Name, boolToInt(sel.IncludeSubfolders),
		); err != nil {
			return fmt.Errorf("failed to insert folder selection: %w", err)
		}
	}
	return tx.Commit()
}

func (db *DB) ListFolderSelections(accountID string) ([]FolderSelection, error) {
	rows, err := db.conn.Query(
		`SELECT id, account_id, name, include_subfolders FROM folder_selections WHERE account_id = ? ORDER BY name`,
		accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list folder selections: %w", err)
	}
	defer rows.Close()

	var out []FolderSelection
	for rows.Next() {
		var f FolderSelection
		var include int
		if err := rows.Scan(&f.ID, &f.AccountID, &f.Name, &include); err != nil {
			return nil, fmt.Errorf("failed to scan folder selection: %w", err)
		}
		f.IncludeSubfolders = include != 0
		out = append(out, f)
	}
	return out, rows.Err()
}

// --- Sync mappings -------------------------------------------------------

func (db *DB) CreateSyncMapping(m *SyncMapping) (*SyncMapping, error) {
	m.ID = uuid.New().String()
	_, err := db.conn.Exec(
		`INSERT INTO sync_mappings (id, mailbox_account_id, mailbox_folder, calendar_account_id, calendar_url, calendar_name)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.MailboxAccountID, m.MailboxFolder, m.CalendarAccountID, m.CalendarURL, m.CalendarName,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sync mapping: %w", err)
	}
	return db.GetSyncMapping(m.ID)
}

func (db *DB) GetSyncMapping(id string) (*SyncMapping, error) {
	row := db.conn.QueryRow(
		`SELECT id, mailbox_account_id, mailbox_folder, calendar_account_id, calendar_url, calendar_name, created_at, updated_at
		 FROM sync_mappings WHERE id = ?`, id,
	)
	m := &SyncMapping{}
	err := row.Scan(&m.ID, &m.MailboxAccountID, &m.MailboxFolder, &m.CalendarAccountID, &m.CalendarURL, &m.CalendarName, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan sync mapping: %w", err)
	}
	return m, nil
}

func (db *DB) ListSyncMappings() ([]*SyncMapping, error) {
	rows, err := db.conn.Query(
		`SELECT id, mailbox_account_id, mailbox_folder, calendar_account_id, calendar_url, calendar_name, created_at, updated_at
		 FROM sync_mappings ORDER BY created_at`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync mappings: %w", err)
	}
	defer rows.Close()

	var out []*SyncMapping
	for rows.Next() {
		m := &SyncMapping{}
		if err := rows.Scan(&m.ID, &m.MailboxAccountID, &m.MailboxFolder, &m.CalendarAccountID, &m.CalendarURL, &m.CalendarName, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan sync mapping: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (db *DB) UpdateSyncMapping(m *SyncMapping) error {
	res, err := db.conn.Exec(
		`UPDATE sync_mappings SET mailbox_account_id=?, mailbox_folder=?, calendar_account_id=?, calendar_url=?, calendar_name=?, updated_at=CURRENT_TIMESTAMP
		 WHERE id = ?`,
		m.MailboxAccountID, m.MailboxFolder, m.CalendarAccountID, m.CalendarURL, m.CalendarName, m.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update sync mapping: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (db *DB) DeleteSyncMapping(id string) error {
	res, err := db.conn.Exec(`DELETE FROM sync_mappings WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete sync mapping: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Tracked events --------------------------------------------------------

const trackedEventColumns = `
	id, uid, source_account_id, source_folder, mailbox_message_id, summary, organizer,
	start, end, status, response_status, cancelled_by_organizer, payload, history,
	local_version, synced_version, caldav_etag, remote_last_modified, local_last_modified,
	last_modified_source, sync_conflict, conflict_reason, conflict_remote_snapshot,
	tracking_disabled, last_synced_at, created_at, updated_at`

// GetEventByUID returns ErrNotFound when no TrackedEvent exists for uid.
func (db *DB) GetEventByUID(uid string) (*TrackedEvent, error) {
	row := db.conn.QueryRow(`SELECT `+trackedEventColumns+` FROM tracked_events WHERE uid = ?`, uid)
	return scanTrackedEvent(row)
}

func (db *DB) GetEventByID(id int64) (*TrackedEvent, error) {
	row := db.conn.QueryRow(`SELECT `+trackedEventColumns+` FROM tracked_events WHERE id = ?`, id)
	return scanTrackedEvent(row)
}

// ListEventsFilter selects tracked events by optional account/folder/status set.
// Tracking-disabled events are always excluded, per the invariant.
type ListEventsFilter struct {
	SourceAccountID string
	SourceFolder    string
	Statuses        []EventStatus
}

func (db *DB) ListEvents(filter ListEventsFilter) ([]*TrackedEvent, error) {
	query := `SELECT ` + trackedEventColumns + ` FROM tracked_events WHERE tracking_disabled = 0`
	var args []any
	if filter.SourceAccountID != "" {
		query += ` AND source_account_id = ?`
		args = append(args, filter.SourceAccountID)
	}
	if filter.SourceFolder != "" {
		query += ` AND source_folder = ?`
		args = append(args, filter.SourceFolder)
	}
	if len(filter.Statuses) > 0 {
		query += ` AND status IN (`
		for i, s := range filter.Statuses {
			if i > 0 {
				query += `,`
			}
			query += `?`
			args = append(args, s)
		}
		query += `)`
	}
	query += ` ORDER BY updated_at DESC`

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tracked events: %w", err)
	}
	defer rows.Close()

	var out []*TrackedEvent
	for rows.Next() {
		e, err := scanTrackedEventFromRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// SyncAllCandidates returns the events eligible for a sync-all pass.
// A candidate has status in {NEW, UPDATED} or (CANCELLED and cancelled_by_organizer in
// {null, true}), excluding conflicted and tracking-disabled events.
func (db *DB) SyncAllCandidates() ([]*TrackedEvent, error) {
	rows, err := db.conn.Query(`SELECT ` + trackedEventColumns + ` FROM tracked_events
		WHERE tracking_disabled = 0 AND sync_conflict = 0
		AND (
			status IN ('new', 'updated')
			OR (status = 'cancelled' AND (cancelled_by_organizer IS NULL OR cancelled_by_organizer = 1))
		)
		ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync-all candidates: %w", err)
	}
	defer rows.Close()

	var out []*TrackedEvent
	for rows.Next() {
		e, err := scanTrackedEventFromRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CreateTrackedEvent inserts a brand-new TrackedEvent row.
func (db *DB) CreateTrackedEvent(e *TrackedEvent) (*TrackedEvent, error) {
	historyJSON, err := json.Marshal(e.History)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal history: %w", err)
	}
	res, err := db.conn.Exec(
		`INSERT INTO tracked_events (
			uid, source_account_id, source_folder, mailbox_message_id, summary, organizer,
			start, end, status, response_status, cancelled_by_organizer, payload, history,
			local_version, synced_version, caldav_etag, remote_last_modified, local_last_modified,
			last_modified_source, sync_conflict, conflict_reason, conflict_remote_snapshot, tracking_disabled
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.UID, nullString(e.SourceAccountID), nullString(e.SourceFolder), nullString(e.MailboxMessageID),
		e.Summary, e.Organizer, nullTime(e.Start), nullTime(e.End), e.Status, e.ResponseStatus,
		nullBool(e.CancelledByOrganizer), e.Payload, string(historyJSON),
		e.LocalVersion, e.SyncedVersion, e.CalDAVETag, nullTime(e.RemoteLastModified), nullTime(e.LocalLastModified),
		e.LastModifiedSource, boolToInt(e.SyncConflict), e.ConflictReason, e.ConflictRemoteSnapshot, boolToInt(e.TrackingDisabled),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tracked event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read inserted id: %w", err)
	}
	return db.GetEventByID(id)
}

// UpdateTrackedEvent persists the full row (used by the reconciliation engine
// after computing a diff) inside a single transaction, matching the
// "every write operation executes inside a transaction with rollback on any
// failure" requirement.
func (db *DB) UpdateTrackedEvent(e *TrackedEvent) error {
	historyJSON, err := json.Marshal(e.History)
	if err != nil {
		return fmt.Errorf("failed to marshal history: %w", err)
	}
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		`UPDATE tracked_events SET
			source_account_id=?, source_folder=?, mailbox_message_id=?, summary=?, organizer=?,
			start=?, end=?, status=?, response_status=?, cancelled_by_organizer=?, payload=?, history=?,
			local_version=?, synced_version=?, caldav_etag=?, remote_last_modified=?, local_last_modified=?,
			last_modified_source=?, sync_conflict=?, conflict_reason=?, conflict_remote_snapshot=?,
			tracking_disabled=?, last_synced_at=?, updated_at=CURRENT_TIMESTAMP
		 WHERE id = ?`,
		nullString(e.SourceAccountID), nullString(e.SourceFolder), nullString(e.MailboxMessageID),
		e.Summary, e.Organizer, nullTime(e.Start), nullTime(e.End), e.Status, e.ResponseStatus,
		nullBool(e.CancelledByOrganizer), e.Payload, string(historyJSON),
		e.LocalVersion, e.SyncedVersion, e.CalDAVETag, nullTime(e.RemoteLastModified), nullTime(e.LocalLastModified),
		e.LastModifiedSource, boolToInt(e.SyncConflict), e.ConflictReason, e.ConflictRemoteSnapshot,
		boolToInt(e.TrackingDisabled), nullTime(e.LastSyncedAt), e.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update tracked event: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

// NormalizeHistory coerces a legacy or malformed history blob into the
// canonical ordered-list shape, appending nothing and reordering nothing —
// it only repairs unparseable JSON into an empty list so downstream code can
// rely on History always being a valid (possibly empty) slice.
func NormalizeHistory(raw string) []HistoryEntry {
	var entries []HistoryEntry
	if raw == "" {
		return entries
	}
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return []HistoryEntry{}
	}
	return entries
}

func scanTrackedEvent(row *sql.Row) (*TrackedEvent, error) {
	e := &TrackedEvent{}
	var (
		sourceAccountID, sourceFolder, mailboxMessageID sql.NullString
		start, end, remoteLastModified, localLastModified, lastSyncedAt sql.NullTime
		cancelledByOrganizer                                           sql.NullBool
		historyJSON                                                    string
		syncConflict, trackingDisabled                                 int
	)
	err := row.Scan(
		&e.ID, &e.UID, &sourceAccountID, &sourceFolder, &mailboxMessageID, &e.Summary, &e.Organizer,
		&start, &end, &e.Status, &e.ResponseStatus, &cancelledByOrganizer, &e.Payload, &historyJSON,
		&e.LocalVersion, &e.SyncedVersion, &e.CalDAVETag, &remoteLastModified, &localLastModified,
		&e.LastModifiedSource, &syncConflict, &e.ConflictReason, &e.ConflictRemoteSnapshot,
		&trackingDisabled, &lastSyncedAt, &e.CreatedAt, &e.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan tracked event: %w", err)
	}
	fillTrackedEventNullables(e, sourceAccountID, sourceFolder, mailboxMessageID, start, end,
		remoteLastModified, localLastModified, lastSyncedAt, cancelledByOrganizer, historyJSON, syncConflict, trackingDisabled)
	return e, nil
}

func scanTrackedEventFromRows(rows *sql.Rows) (*TrackedEvent, error) {
	e := &TrackedEvent{}
	var (
		sourceAccountID, sourceFolder, mailboxMessageID sql.NullString
		start, end, remoteLastModified, localLastModified, lastSyncedAt sql.NullTime
		cancelledByOrganizer                                           sql.NullBool
		historyJSON                                                    string
		syncConflict, trackingDisabled                                 int
	)
	err := rows.Scan(
		&e.ID, &e.UID, &sourceAccountID, &sourceFolder, &mailboxMessageID, &e.Summary, &e.Organizer,
		&start, &end, &e.Status, &e.ResponseStatus, &cancelledByOrganizer, &e.Payload, &historyJSON,
		&e.LocalVersion, &e.SyncedVersion, &e.CalDAVETag, &remoteLastModified, &localLastModified,
		&e.LastModifiedSource, &syncConflict, &e.ConflictReason, &e.ConflictRemoteSnapshot,
		&trackingDisabled, &lastSyncedAt, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan tracked event: %w", err)
	}
	fillTrackedEventNullables(e, sourceAccountID, sourceFolder, mailboxMessageID, start, end,
		remoteLastModified, localLastModified, lastSyncedAt, cancelledByOrganizer, historyJSON, syncConflict, trackingDisabled)
	return e, nil
}

func fillTrackedEventNullables(
	e *TrackedEvent,
	sourceAccountID, sourceFolder, mailboxMessageID sql.NullString,
	start, end, remoteLastModified, localLastModified, lastSyncedAt sql.NullTime,
	cancelledByOrganizer sql.NullBool,
	historyJSON string,
	syncConflict, trackingDisabled int,
) {
	if sourceAccountID.Valid {
		v := sourceAccountID.String
		e.SourceAccountID = &v
	}
	if sourceFolder.Valid {
		v := sourceFolder.String
		e.SourceFolder = &v
	}
	if mailboxMessageID.Valid {
		v := mailboxMessageID.String
		e.MailboxMessageID = &v
	}
	if start.Valid {
		v := start.Time
		e.Start = &v
	}
	if end.Valid {
		v := end.Time
		e.End = &v
	}
	if remoteLastModified.Valid {
		v := remoteLastModified.Time
		e.RemoteLastModified = &v
	}
	if localLastModified.Valid {
		v := localLastModified.Time
		e.LocalLastModified = &v
	}
	if lastSyncedAt.Valid {
		v := lastSyncedAt.Time
		e.LastSyncedAt = &v
	}
	if cancelledByOrganizer.Valid {
		v := cancelledByOrganizer.Bool
		e.CancelledByOrganizer = &v
	}
	e.History = NormalizeHistory(historyJSON)
	e.SyncConflict = syncConflict != 0
	e.TrackingDisabled = trackingDisabled != 0
}

// --- Ignored mail imports ---------------------------------------------

func (db *DB) CreateIgnoredMailImport(i *IgnoredMailImport) error {
	i.ID = uuid.New().String()
	_, err := db.conn.Exec(
		`INSERT INTO ignored_mail_imports (id, event_uid, account_id, folder, message_id, max_uid)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		i.ID, i.EventUID, i.AccountID, i.Folder, i.MessageID, i.MaxUID,
	)
	if err != nil {
		return fmt.Errorf("failed to create ignored mail import: %w", err)
	}
	return nil
}

func (db *DB) ListIgnoredMailImports(eventUID string) ([]IgnoredMailImport, error) {
	rows, err := db.conn.Query(
		`SELECT id, event_uid, account_id, folder, message_id, max_uid, created_at
		 FROM ignored_mail_imports WHERE event_uid = ? ORDER BY created_at`, eventUID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list ignored mail imports: %w", err)
	}
	defer rows.Close()

	var out []IgnoredMailImport
	for rows.Next() {
		var i IgnoredMailImport
		if err := rows.Scan(&i.ID, &i.EventUID, &i.AccountID, &i.Folder, &i.MessageID, &i.MaxUID, &i.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan ignored mail import: %w", err)
		}
		out = append(out, i)
	}
	return out, rows.Err()
}

// --- scan helpers ------------------------------------------------------

func nullString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullBool(b *bool) any {
	if b == nil {
		return nil
	}
	return *b
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
