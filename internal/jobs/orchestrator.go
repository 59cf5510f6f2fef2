package jobs

import (
	"context"
	"fmt"
	"log"
	"strconv"

	"github.com/Elmontak/calsync/internal/caldav"
	"github.com/Elmontak/calsync/internal/crypto"
	"github.com/Elmontak/calsync/internal/ics"
	"github.com/Elmontak/calsync/internal/mailsource"
	"github.com/Elmontak/calsync/internal/reconcile"
	"github.com/Elmontak/calsync/internal/store"
)

// MissingEntry describes an event the manual-sync preflight excluded.
type MissingEntry struct {
	EventID   string `json:"event_id"`
	UID       string `json:"uid"`
	AccountID string `json:"account_id,omitempty"`
	Folder    string `json:"folder,omitempty"`
	Reason    string `json:"reason"`
}

// SyncDetail is the job-status detail payload for manual-sync and sync-all.
type SyncDetail struct {
	Uploaded []string       `json:"uploaded"`
	Missing  []MissingEntry `json:"missing,omitempty"`
}

// ScanDetail is the job-status detail payload for scan jobs.
type ScanDetail struct {
	MessagesProcessed int `json:"messages_processed"`
	EventsImported    int `json:"events_imported"`
}

// Orchestrator wires the job registry to the reconciliation engine, the
// mailbox source, and the tracked-event store to drive scan, manual-sync,
// sync-all, and auto-sync jobs.
type Orchestrator struct {
	db        *store.DB
	encryptor *crypto.Encryptor
	source    mailsource.Source
	registry  *Registry

	autoSync          *autoSyncGuard
	applyAutoResponse bool
}

// Registry exposes the job registry for status polling.
func (o *Orchestrator) Registry() *Registry {
	return o.registry
}

// SetAutoResponse controls whether auto-sync flips response_status to
// accepted on every freshly uploaded event.
func (o *Orchestrator) SetAutoResponse(enabled bool) {
	o.applyAutoResponse = enabled
}

// markAccepted sets response_status to accepted on every tracked event whose
// UID appears in uids, re-embeds the updated X-CALSYNC-RESPONSE property into
// its payload, and re-uploads it so the accepted status actually reaches the
// remote calendar instead of staying a local-only annotation.
func (o *Orchestrator) markAccepted(ctx context.Context, uids []string) error {
	for _, uid := range uids {
		event, err := o.db.GetEventByUID(uid)
		if err != nil {
			continue
		}
		mapping, err := o.mappingFor(event)
		if err != nil || mapping == nil {
			log.Printf("auto-response: no sync mapping for event %s, skipping", uid)
			continue
		}
		account, err := o.db.GetAccount(mapping.CalendarAccountID)
		if err != nil {
			log.Printf("auto-response: calendar account %s missing for event %s: %v", mapping.CalendarAccountID, uid, err)
			continue
		}
		client, calendarURL, err := remoteClientFor(o.encryptor, account)
		if err != nil {
			log.Printf("auto-response: %v", err)
			continue
		}
		if mapping.CalendarURL != "" {
			calendarURL = mapping.CalendarURL
		}
		if err := reconcile.ApplyAutoResponse(ctx, o.db, client, calendarURL, event, store.ResponseStatusAccepted); err != nil {
			log.Printf("auto-response: failed to apply accepted status to event %s: %v", uid, err)
		}
	}
	return nil
}

// NewOrchestrator builds an Orchestrator. source is the mailbox collaborator;
// pass mailsource.NullSource{} until a real IMAP client is wired.
func NewOrchestrator(db *store.DB, encryptor *crypto.Encryptor, source mailsource.Source, registry *Registry) *Orchestrator {
	return &Orchestrator{
		db:        db,
		encryptor: encryptor,
		source:    source,
		registry:  registry,
		autoSync:  &autoSyncGuard{},
	}
}

func remoteClientFor(enc *crypto.Encryptor, account *store.Account) (*caldav.Client, string, error) {
	settings, err := decodeCalendarSettings(enc, account)
	if err != nil {
		return nil, "", err
	}
	client, err := caldav.NewClient(settings.BaseURL, settings.Username, settings.Password)
	if err != nil {
		return nil, "", fmt.Errorf("failed to build CalDAV client for account %s: %w", account.ID, err)
	}
	return client, settings.BaseURL, nil
}

// StartScan launches a scan job for every mailbox account and returns its id
// immediately; the scan runs in the background.
func (o *Orchestrator) StartScan(ctx context.Context) string {
	id := NewID("scan")
	o.registry.Create(id, "scan")
	go func() {
		o.registry.Start(id)
		detail, err := o.scanBody(ctx, id)
		if err != nil {
			o.registry.Fail(id, err.Error())
			return
		}
		o.registry.Complete(id, fmt.Sprintf("processed %d messages, imported %d events", detail.MessagesProcessed, detail.EventsImported), detail)
	}()
	return id
}

// scanBody runs a scan job's body synchronously, against the given job id.
// Shared by StartScan (background goroutine) and RunAutoSync (inline, so
// scan completes before sync-all starts).
func (o *Orchestrator) scanBody(ctx context.Context, jobID string) (ScanDetail, error) {
	accounts, err := o.db.ListAccounts(store.AccountKindMailbox)
	if err != nil {
		return ScanDetail{}, fmt.Errorf("failed to list mailbox accounts: %w", err)
	}

	detail := ScanDetail{}
	for _, account := range accounts {
		selections, err := o.db.ListFolderSelections(account.ID)
		if err != nil {
			log.Printf("scan %s: failed to list folder selections for account %s: %v", jobID, account.ID, err)
			continue
		}
		if len(selections) == 0 {
			continue
		}

		settings, err := decodeMailboxSettings(o.encryptor, account)
		if err != nil {
			log.Printf("scan %s: %v", jobID, err)
			continue
		}

		folders := make([]mailsource.FolderSelection, 0, len(selections))
		for _, s := range selections {
			folders = append(folders, mailsource.FolderSelection{Name: s.Name, IncludeSubfolders: s.IncludeSubfolders})
		}

		candidates, err := o.source.Fetch(ctx, settings, folders, func(processed, total int) {
			o.registry.Progress(jobID, detail.MessagesProcessed+processed, total, detail)
		})
		if err != nil {
			log.Printf("scan %s: failed to fetch mailbox %s: %v", jobID, account.ID, err)
			continue
		}

		for _, candidate := range candidates {
			detail.MessagesProcessed++
			imported := o.importCandidate(account.ID, candidate)
			detail.EventsImported += imported
			o.registry.Progress(jobID, detail.MessagesProcessed, 0, detail)
		}
	}

	return detail, nil
}

func (o *Orchestrator) importCandidate(accountID string, candidate mailsource.CalendarCandidate) int {
	imported := 0
	for _, att := range candidate.Attachments {
		if !mailsource.IsCalendarAttachment(att.ContentType, att.Filename) {
			continue
		}
		events, _, err := ics.Decode(att.Bytes)
		if err != nil {
			log.Printf("scan: failed to decode %s from message %s: %v", att.Filename, candidate.MessageID, err)
			continue
		}
		source := reconcile.SourceInfo{AccountID: accountID, Folder: candidate.Folder, MessageID: candidate.MessageID}
		result, err := reconcile.Upsert(o.db, events, source)
		if err != nil {
			log.Printf("scan: failed to ingest events from message %s: %v", candidate.MessageID, err)
			continue
		}
		imported += result.Created + result.Updated
	}
	return imported
}

// StartManualSync launches a manual-sync job for an explicit list of tracked
// event ids and returns its job id immediately.
func (o *Orchestrator) StartManualSync(ctx context.Context, eventIDs []string) string {
	id := NewID("sync")
	o.registry.Create(id, "manual-sync")
	go o.runManualSync(ctx, id, eventIDs)
	return id
}

func (o *Orchestrator) runManualSync(ctx context.Context, jobID string, eventIDs []string) {
	o.registry.Start(jobID)

	events := make([]*store.TrackedEvent, 0, len(eventIDs))
	missing := make([]MissingEntry, 0)

	for _, eventID := range eventIDs {
		id, err := strconv.ParseInt(eventID, 10, 64)
		if err != nil {
			missing = append(missing, MissingEntry{EventID: eventID, Reason: "invalid event id"})
			continue
		}
		event, err := o.db.GetEventByID(id)
		if err != nil {
			missing = append(missing, MissingEntry{EventID: eventID, Reason: "event not found"})
			continue
		}
		if reason, ok := o.routingProblem(event); ok {
			missing = append(missing, MissingEntry{EventID: eventID, UID: event.UID, Reason: reason})
			continue
		}
		events = append(events, event)
	}

	uploaded := o.exportGrouped(ctx, jobID, events)
	detail := SyncDetail{Uploaded: uploaded, Missing: missing}
	o.registry.Complete(jobID, fmt.Sprintf("synced %d events, %d skipped", len(uploaded), len(missing)), detail)
}

// routingProblem reports why an event cannot be routed to a calendar, if at
// all. ok is false when the event is eligible.
func (o *Orchestrator) routingProblem(event *store.TrackedEvent) (string, bool) {
	if event.SyncConflict {
		return "Synchronisationskonflikt muss zuerst gelöst werden", true
	}
	if !reconcile.CandidateEligible(event) {
		return "event is not eligible for sync (tracking disabled or not pending export)", true
	}
	if event.SourceAccountID == nil {
		return "event has no source account", true
	}
	mapping, err := o.mappingFor(event)
	if err != nil || mapping == nil {
		return "no sync mapping configured for this mailbox folder", true
	}
	return "", false
}

func (o *Orchestrator) mappingFor(event *store.TrackedEvent) (*store.SyncMapping, error) {
	mappings, err := o.db.ListSyncMappings()
	if err != nil {
		return nil, err
	}
	folder := ""
	if event.SourceFolder != nil {
		folder = *event.SourceFolder
	}
	accountID := ""
	if event.SourceAccountID != nil {
		accountID = *event.SourceAccountID
	}
	for _, m := range mappings {
		if m.MailboxAccountID == accountID && m.MailboxFolder == folder {
			return m, nil
		}
	}
	return nil, nil
}

// StartSyncAll launches a sync-all job over every eligible tracked event,
// grouped by sync mapping, and returns its job id immediately.
func (o *Orchestrator) StartSyncAll(ctx context.Context) string {
	id := NewID("sync-all")
	o.registry.Create(id, "sync-all")
	go o.runSyncAll(ctx, id)
	return id
}

func (o *Orchestrator) runSyncAll(ctx context.Context, jobID string) {
	o.registry.Start(jobID)
	detail := o.syncAllOnce(ctx, jobID)
	o.registry.Complete(jobID, fmt.Sprintf("synced %d events", len(detail.Uploaded)), detail)
}

func (o *Orchestrator) syncAllOnce(ctx context.Context, jobID string) SyncDetail {
	candidates, err := o.db.SyncAllCandidates()
	if err != nil {
		o.registry.Fail(jobID, fmt.Sprintf("failed to list sync candidates: %v", err))
		return SyncDetail{}
	}
	uploaded := o.exportGrouped(ctx, jobID, candidates)
	return SyncDetail{Uploaded: uploaded}
}

// exportGrouped partitions events by sync mapping (mailbox account + folder)
// and feeds each group through the reconciliation engine's export path
// against its mapped calendar.
func (o *Orchestrator) exportGrouped(ctx context.Context, jobID string, events []*store.TrackedEvent) []string {
	mappings, err := o.db.ListSyncMappings()
	if err != nil {
		log.Printf("%s: failed to list sync mappings: %v", jobID, err)
		return nil
	}

	grouped := make(map[string][]*store.TrackedEvent)
	for _, event := range events {
		mapping := o.matchMapping(event, mappings)
		if mapping == nil {
			continue
		}
		grouped[mapping.ID] = append(grouped[mapping.ID], event)
	}

	uploaded := make([]string, 0, len(events))
	processed := 0
	total := len(events)

	for _, mapping := range mappings {
		group := grouped[mapping.ID]
		if len(group) == 0 {
			continue
		}

		account, err := o.db.GetAccount(mapping.CalendarAccountID)
		if err != nil {
			log.Printf("%s: calendar account %s missing for mapping %s: %v", jobID, mapping.CalendarAccountID, mapping.ID, err)
			continue
		}
		client, calendarURL, err := remoteClientFor(o.encryptor, account)
		if err != nil {
			log.Printf("%s: %v", jobID, err)
			continue
		}
		if mapping.CalendarURL != "" {
			calendarURL = mapping.CalendarURL
		}

		outcomes := reconcile.SyncToCalendar(ctx, o.db, client, calendarURL, group, func(event *store.TrackedEvent, success bool) {
			processed++
			o.registry.Progress(jobID, processed, total, nil)
		})
		for _, outcome := range outcomes {
			if outcome.Err != nil {
				log.Printf("%s: export failed for event %s: %v", jobID, outcome.UID, outcome.Err)
			} else if outcome.Decision == reconcile.DecisionUpload {
				uploaded = append(uploaded, outcome.UID)
			}
		}
	}
	return uploaded
}

func (o *Orchestrator) matchMapping(event *store.TrackedEvent, mappings []*store.SyncMapping) *store.SyncMapping {
	if event.SourceAccountID == nil || event.SourceFolder == nil {
		return nil
	}
	for _, m := range mappings {
		if m.MailboxAccountID == *event.SourceAccountID && m.MailboxFolder == *event.SourceFolder {
			return m
		}
	}
	return nil
}
