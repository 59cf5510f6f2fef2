// Package api exposes the thin JSON HTTP surface over the reconciliation
// engine and job orchestrator: accounts, sync mappings, events, and job
// dispatch/polling.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Elmontak/calsync/internal/caldav"
	"github.com/Elmontak/calsync/internal/crypto"
	"github.com/Elmontak/calsync/internal/health"
	"github.com/Elmontak/calsync/internal/jobs"
	"github.com/Elmontak/calsync/internal/reconcile"
	"github.com/Elmontak/calsync/internal/store"
)

// Handlers bundles the collaborators the HTTP surface dispatches to.
type Handlers struct {
	db           *store.DB
	encryptor    *crypto.Encryptor
	orchestrator *jobs.Orchestrator
	scheduler    *jobs.Scheduler
}

// NewHandlers builds a Handlers bound to the application's collaborators.
func NewHandlers(db *store.DB, encryptor *crypto.Encryptor, orchestrator *jobs.Orchestrator, scheduler *jobs.Scheduler) *Handlers {
	return &Handlers{db: db, encryptor: encryptor, orchestrator: orchestrator, scheduler: scheduler}
}

func (h *Handlers) respondError(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"error": message})
}

// HealthCheck handles GET /health.
func (h *Handlers) HealthCheck(c *gin.Context) {
	status := health.Check(h.db, h.scheduler)
	code := http.StatusOK
	if !status.OK {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}

// accountRequest is the JSON body accepted by account create/update.
type accountRequest struct {
	Label    string          `json:"label"`
	Kind     string          `json:"kind"`
	Settings json.RawMessage `json:"settings"`
}

// ListAccounts handles GET /accounts.
func (h *Handlers) ListAccounts(c *gin.Context) {
	kind := store.AccountKind(c.Query("kind"))
	accounts, err := h.db.ListAccounts(kind)
	if err != nil {
		h.respondError(c, http.StatusInternalServerError, "failed to list accounts")
		return
	}
	c.JSON(http.StatusOK, accounts)
}

// CreateAccount handles POST /accounts.
func (h *Handlers) CreateAccount(c *gin.Context) {
	var req accountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, http.StatusBadRequest, "invalid request body")
		return
	}
	kind := store.AccountKind(req.Kind)
	if !kind.IsValid() {
		h.respondError(c, http.StatusBadRequest, "unsupported account kind")
		return
	}

	settings, err := h.encryptSettings(kind, req.Settings)
	if err != nil {
		h.respondError(c, http.StatusBadRequest, err.Error())
		return
	}

	account, err := h.db.CreateAccount(req.Label, kind, settings)
	if err != nil {
		h.respondError(c, http.StatusInternalServerError, "failed to create account")
		return
	}
	c.JSON(http.StatusCreated, account)
}

// GetAccount handles GET /accounts/:id.
func (h *Handlers) GetAccount(c *gin.Context) {
	account, err := h.db.GetAccount(c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		h.respondError(c, http.StatusNotFound, "account not found")
		return
	}
	if err != nil {
		h.respondError(c, http.StatusInternalServerError, "failed to fetch account")
		return
	}
	c.JSON(http.StatusOK, account)
}

// UpdateAccount handles PUT /accounts/:id.
func (h *Handlers) UpdateAccount(c *gin.Context) {
	id := c.Param("id")
	account, err := h.db.GetAccount(id)
	if errors.Is(err, store.ErrNotFound) {
		h.respondError(c, http.StatusNotFound, "account not found")
		return
	}
	if err != nil {
		h.respondError(c, http.StatusInternalServerError, "failed to fetch account")
		return
	}

	var req accountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, http.StatusBadRequest, "invalid request body")
		return
	}

	settings, err := h.encryptSettings(account.Kind, req.Settings)
	if err != nil {
		h.respondError(c, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.db.UpdateAccount(id, req.Label, settings); err != nil {
		h.respondError(c, http.StatusInternalServerError, "failed to update account")
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id})
}

// DeleteAccount handles DELETE /accounts/:id.
func (h *Handlers) DeleteAccount(c *gin.Context) {
	if err := h.db.DeleteAccount(c.Param("id")); err != nil {
		h.respondError(c, http.StatusInternalServerError, "failed to delete account")
		return
	}
	c.Status(http.StatusNoContent)
}

// TestAccount handles POST /accounts/test: verifies calendar credentials
// without persisting the account.
func (h *Handlers) TestAccount(c *gin.Context) {
	var req struct {
		BaseURL  string `json:"base_url"`
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, http.StatusBadRequest, "invalid request body")
		return
	}
	client, err := caldav.NewClient(req.BaseURL, req.Username, req.Password)
	if err != nil {
		h.respondError(c, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 15*time.Second)
	defer cancel()
	if err := client.TestConnection(ctx); err != nil {
		h.respondError(c, http.StatusBadRequest, "connection failed: "+err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// ListAccountCalendars handles GET /accounts/:id/calendars.
func (h *Handlers) ListAccountCalendars(c *gin.Context) {
	account, err := h.db.GetAccount(c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		h.respondError(c, http.StatusNotFound, "account not found")
		return
	}
	if err != nil {
		h.respondError(c, http.StatusInternalServerError, "failed to fetch account")
		return
	}

	var settings struct {
		BaseURL  string `json:"base_url"`
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.Unmarshal([]byte(account.Settings), &settings); err != nil {
		h.respondError(c, http.StatusInternalServerError, "malformed account settings")
		return
	}
	password, err := h.encryptor.Decrypt(settings.Password)
	if err != nil {
		h.respondError(c, http.StatusInternalServerError, "failed to decrypt account credentials")
		return
	}
	client, err := caldav.NewClient(settings.BaseURL, settings.Username, password)
	if err != nil {
		h.respondError(c, http.StatusInternalServerError, err.Error())
		return
	}
	calendars, err := client.FindCalendars(c.Request.Context())
	if err != nil {
		h.respondError(c, http.StatusBadGateway, "failed to discover calendars: "+err.Error())
		return
	}
	c.JSON(http.StatusOK, calendars)
}

// mappingRequest is the JSON body accepted by sync-mapping create/update.
type mappingRequest struct {
	MailboxAccountID  string `json:"mailbox_account_id"`
	MailboxFolder     string `json:"mailbox_folder"`
	CalendarAccountID string `json:"calendar_account_id"`
	CalendarURL       string `json:"calendar_url"`
	CalendarName      string `json:"calendar_name"`
}

// ListSyncMappings handles GET /sync-mappings.
func (h *Handlers) ListSyncMappings(c *gin.Context) {
	mappings, err := h.db.ListSyncMappings()
	if err != nil {
		h.respondError(c, http.StatusInternalServerError, "failed to list sync mappings")
		return
	}
	c.JSON(http.StatusOK, mappings)
}

// CreateSyncMapping handles POST /sync-mappings.
func (h *Handlers) CreateSyncMapping(c *gin.Context) {
	var req mappingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.MailboxAccountID == "" || req.CalendarAccountID == "" {
		h.respondError(c, http.StatusBadRequest, "mailbox_account_id and calendar_account_id are required")
		return
	}
	mapping := &store.SyncMapping{
		MailboxAccountID:  req.MailboxAccountID,
		MailboxFolder:     req.MailboxFolder,
		CalendarAccountID: req.CalendarAccountID,
		CalendarURL:       req.CalendarURL,
		CalendarName:      req.CalendarName,
	}
	created, err := h.db.CreateSyncMapping(mapping)
	if err != nil {
		h.respondError(c, http.StatusInternalServerError, "failed to create sync mapping")
		return
	}
	c.JSON(http.StatusCreated, created)
}

// GetSyncMapping handles GET /sync-mappings/:id.
func (h *Handlers) GetSyncMapping(c *gin.Context) {
	mapping, err := h.db.GetSyncMapping(c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		h.respondError(c, http.StatusNotFound, "sync mapping not found")
		return
	}
	if err != nil {
		h.respondError(c, http.StatusInternalServerError, "failed to fetch sync mapping")
		return
	}
	c.JSON(http.StatusOK, mapping)
}

// UpdateSyncMapping handles PUT /sync-mappings/:id.
func (h *Handlers) UpdateSyncMapping(c *gin.Context) {
	id := c.Param("id")
	var req mappingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, http.StatusBadRequest, "invalid request body")
		return
	}
	mapping := &store.SyncMapping{
		ID:                id,
		MailboxAccountID:  req.MailboxAccountID,
		MailboxFolder:     req.MailboxFolder,
		CalendarAccountID: req.CalendarAccountID,
		CalendarURL:       req.CalendarURL,
		CalendarName:      req.CalendarName,
	}
	if err := h.db.UpdateSyncMapping(mapping); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.respondError(c, http.StatusNotFound, "sync mapping not found")
			return
		}
		h.respondError(c, http.StatusInternalServerError, "failed to update sync mapping")
		return
	}
	c.JSON(http.StatusOK, mapping)
}

// DeleteSyncMapping handles DELETE /sync-mappings/:id.
func (h *Handlers) DeleteSyncMapping(c *gin.Context) {
	if err := h.db.DeleteSyncMapping(c.Param("id")); err != nil {
		h.respondError(c, http.StatusInternalServerError, "failed to delete sync mapping")
		return
	}
	c.Status(http.StatusNoContent)
}

// ListEvents handles GET /events.
func (h *Handlers) ListEvents(c *gin.Context) {
	filter := store.ListEventsFilter{
		SourceAccountID: c.Query("account_id"),
		SourceFolder:    c.Query("folder"),
	}
	if status := c.Query("status"); status != "" {
		filter.Statuses = []store.EventStatus{store.EventStatus(status)}
	}
	events, err := h.db.ListEvents(filter)
	if err != nil {
		h.respondError(c, http.StatusInternalServerError, "failed to list events")
		return
	}
	c.JSON(http.StatusOK, events)
}

// StartScan handles POST /events/scan.
func (h *Handlers) StartScan(c *gin.Context) {
	jobID := h.orchestrator.StartScan(c.Request.Context())
	c.JSON(http.StatusAccepted, gin.H{"job_id": jobID})
}

// StartManualSync handles POST /events/manual-sync.
func (h *Handlers) StartManualSync(c *gin.Context) {
	var req struct {
		EventIDs []string `json:"event_ids"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, http.StatusBadRequest, "invalid request body")
		return
	}
	jobID := h.orchestrator.StartManualSync(c.Request.Context(), req.EventIDs)
	c.JSON(http.StatusAccepted, gin.H{"job_id": jobID})
}

// StartSyncAll handles POST /events/sync-all.
func (h *Handlers) StartSyncAll(c *gin.Context) {
	jobID := h.orchestrator.StartSyncAll(c.Request.Context())
	c.JSON(http.StatusAccepted, gin.H{"job_id": jobID})
}

// GetJob handles GET /jobs/:id.
func (h *Handlers) GetJob(c *gin.Context) {
	state, ok := h.orchestrator.Registry().Get(c.Param("id"))
	if !ok {
		h.respondError(c, http.StatusNotFound, "job not found")
		return
	}
	c.JSON(http.StatusOK, state)
}

// SetEventResponse handles POST /events/:id/response.
func (h *Handlers) SetEventResponse(c *gin.Context) {
	event, err := h.eventByParam(c)
	if err != nil {
		return
	}
	var req struct {
		ResponseStatus string `json:"response_status"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, http.StatusBadRequest, "invalid request body")
		return
	}
	event.ResponseStatus = store.ResponseStatus(req.ResponseStatus)
	if err := h.db.UpdateTrackedEvent(event); err != nil {
		h.respondError(c, http.StatusInternalServerError, "failed to update event")
		return
	}
	c.JSON(http.StatusOK, event)
}

// DisableEventTracking handles POST /events/:id/disable-tracking.
func (h *Handlers) DisableEventTracking(c *gin.Context) {
	event, err := h.eventByParam(c)
	if err != nil {
		return
	}
	if err := reconcile.DisableTracking(h.db, event); err != nil {
		h.respondError(c, http.StatusInternalServerError, "failed to disable tracking")
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": event.ID, "tracking_disabled": true})
}

// ResolveConflict handles POST /events/:id/resolve-conflict.
func (h *Handlers) ResolveConflict(c *gin.Context) {
	event, err := h.eventByParam(c)
	if err != nil {
		return
	}

	var req struct {
		Action     string            `json:"action"`
		Selections map[string]string `json:"selections"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, http.StatusBadRequest, "invalid request body")
		return
	}

	mapping, mapErr := h.mappingForEvent(event)
	if mapErr != nil {
		h.respondError(c, http.StatusBadRequest, "no sync mapping configured for this event")
		return
	}
	account, err := h.db.GetAccount(mapping.CalendarAccountID)
	if err != nil {
		h.respondError(c, http.StatusBadRequest, "calendar account not found")
		return
	}
	client, calendarURL, err := remoteClientFor(h.encryptor, account)
	if err != nil {
		h.respondError(c, http.StatusBadRequest, err.Error())
		return
	}
	if mapping.CalendarURL != "" {
		calendarURL = mapping.CalendarURL
	}

	err = reconcile.Resolve(c.Request.Context(), h.db, client, calendarURL, event, reconcile.ResolutionAction(req.Action), req.Selections)
	if errors.Is(err, reconcile.ErrNoConflict) {
		h.respondError(c, http.StatusNotFound, "event is not in conflict")
		return
	}
	if err != nil {
		h.respondError(c, http.StatusBadRequest, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": event.ID, "resolved": true})
}

// GetAutoSync handles GET /events/auto-sync.
func (h *Handlers) GetAutoSync(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"running": h.scheduler.Running()})
}

// TriggerAutoSync handles POST /events/auto-sync.
func (h *Handlers) TriggerAutoSync(c *gin.Context) {
	jobID := h.orchestrator.RunAutoSync(c.Request.Context())
	if jobID == "" {
		h.respondError(c, http.StatusConflict, "auto-sync already running")
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job_id": jobID})
}

func (h *Handlers) eventByParam(c *gin.Context) (*store.TrackedEvent, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		h.respondError(c, http.StatusBadRequest, "invalid event id")
		return nil, err
	}
	event, err := h.db.GetEventByID(id)
	if errors.Is(err, store.ErrNotFound) {
		h.respondError(c, http.StatusNotFound, "event not found")
		return nil, err
	}
	if err != nil {
		h.respondError(c, http.StatusInternalServerError, "failed to fetch event")
		return nil, err
	}
	return event, nil
}

func (h *Handlers) mappingForEvent(event *store.TrackedEvent) (*store.SyncMapping, error) {
	mappings, err := h.db.ListSyncMappings()
	if err != nil {
		return nil, err
	}
	if event.SourceAccountID == nil || event.SourceFolder == nil {
		return nil, reconcile.ErrUnroutable
	}
	for _, m := range mappings {
		if m.MailboxAccountID == *event.SourceAccountID && m.MailboxFolder == *event.SourceFolder {
			return m, nil
		}
	}
	return nil, reconcile.ErrUnroutable
}

func remoteClientFor(enc *crypto.Encryptor, account *store.Account) (*caldav.Client, string, error) {
	var settings struct {
		BaseURL  string `json:"base_url"`
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.Unmarshal([]byte(account.Settings), &settings); err != nil {
		return nil, "", err
	}
	password, err := enc.Decrypt(settings.Password)
	if err != nil {
		return nil, "", err
	}
	client, err := caldav.NewClient(settings.BaseURL, settings.Username, password)
	if err != nil {
		return nil, "", err
	}
	return client, settings.BaseURL, nil
}

func (h *Handlers) encryptSettings(kind store.AccountKind, raw json.RawMessage) (string, error) {
	var generic map[string]any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return "", errors.New("invalid settings payload")
	}
	if password, ok := generic["password"].(string); ok && password != "" {
		encrypted, err := h.encryptor.Encrypt(password)
		if err != nil {
			log.Printf("api: failed to encrypt account settings: %v", err)
			return "", errors.New("failed to encrypt credentials")
		}
		generic["password"] = encrypted
	}
	out, err := json.Marshal(generic)
	if err != nil {
		return "", errors.New("failed to serialize settings")
	}
	return string(out), nil
}
