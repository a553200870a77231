package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/LeventeLantos/event-messaging/internal/cache"
	"github.com/LeventeLantos/event-messaging/internal/leadtime"
	"github.com/LeventeLantos/event-messaging/internal/lifecycle"
	"github.com/LeventeLantos/event-messaging/internal/model"
	"github.com/LeventeLantos/event-messaging/internal/scheduler"
	"github.com/LeventeLantos/event-messaging/internal/smsbudget"
)

type Messages interface {
	Create(ctx context.Context, req lifecycle.CreateRequest) (*model.ScheduledMessage, error)
	CreateDraft(ctx context.Context, req lifecycle.CreateRequest) (*model.ScheduledMessage, error)
	Get(ctx context.Context, id string) (*model.ScheduledMessage, error)
	Modify(ctx context.Context, hostID, id string, expectedCount int, upd model.Update) (*model.ScheduledMessage, error)
	Schedule(ctx context.Context, hostID, id string, at time.Time) (*model.ScheduledMessage, error)
	Cancel(ctx context.Context, hostID, id string) (*model.ScheduledMessage, error)
}

type Lister interface {
	ListSent(ctx context.Context, limit, offset int) ([]model.ScheduledMessage, error)
	ListByEvent(ctx context.Context, eventID string, limit, offset int) ([]model.ScheduledMessage, error)
}

type Resolver interface {
	Resolve(ctx context.Context, eventID string, filter model.RecipientFilter) (model.RecipientSet, error)
}

type Deliveries interface {
	RecordDelivered(ctx context.Context, messageID, guestID string, at time.Time) error
	RecordRead(ctx context.Context, messageID, guestID string, at time.Time) error
	RecordFailed(ctx context.Context, messageID, guestID, reason string) error
	Counts(ctx context.Context, messageID string) (model.DeliveryCounts, error)
}

type Scheduler interface {
	Start() bool
	Stop() bool
	IsRunning() bool
	Status() scheduler.Status
}

type Deps struct {
	Messages   Messages
	Lister     Lister
	Resolver   Resolver
	Deliveries Deliveries
	Receipts   cache.ReceiptCache
	Guard      *leadtime.Guard
	Scheduler  Scheduler
}

type Handler struct {
	Deps
	validate *validator.Validate
}

func NewHandler(deps Deps) *Handler {
	if deps.Receipts == nil {
		deps.Receipts = cache.Nop{}
	}
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &Handler{Deps: deps, validate: v}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) LeadTime(w http.ResponseWriter, r *http.Request) {
	now := h.Guard.Now()
	writeJSON(w, http.StatusOK, leadTimeResponse{
		MinLeadSeconds:       h.Guard.MinLeadSeconds(),
		Formatted:            h.Guard.FormatLeadTime(),
		EarliestValidTimeUTC: h.Guard.EarliestValidTimeAt(now),
		QuickSetTimeUTC:      h.Guard.QuickSetTimeAt(now),
	})
}

func (h *Handler) CreateMessage(w http.ResponseWriter, r *http.Request) {
	hostID, err := hostFrom(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req createMessageRequest
	if !h.decode(w, r, &req) {
		return
	}

	cr := lifecycle.CreateRequest{
		EventID:  r.PathValue("eventID"),
		HostID:   hostID,
		Content:  req.Content,
		Type:     model.MessageType(req.MessageType),
		Filter:   req.RecipientFilter.RecipientFilter,
		Channels: model.Channels{SMS: req.SendViaSMS, Push: req.SendViaPush},
	}
	if req.ScheduledAtUTC != nil {
		cr.ScheduledAt = req.ScheduledAtUTC.UTC()
	}

	var m *model.ScheduledMessage
	if req.Draft {
		m, err = h.Messages.CreateDraft(r.Context(), cr)
	} else {
		if req.ScheduledAtUTC == nil {
			writeJSON(w, http.StatusUnprocessableEntity, errorResponse{
				Error:   "validation failed",
				Code:    "VALIDATION_ERROR",
				Details: []string{"scheduledAtUtc is required"},
			})
			return
		}
		m, err = h.Messages.Create(r.Context(), cr)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, messageResponse{Message: m, ContentReport: smsbudget.Analyze(m.Content, false)})
}

func (h *Handler) ListEventMessages(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r)
	items, err := h.Lister.ListByEvent(r.Context(), r.PathValue("eventID"), limit, offset)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": nonNil(items)})
}

func (h *Handler) PreviewRecipients(w http.ResponseWriter, r *http.Request) {
	var req previewRequest
	if !h.decode(w, r, &req) {
		return
	}
	set, err := h.Resolver.Resolve(r.Context(), r.PathValue("eventID"), req.RecipientFilter.RecipientFilter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, set)
}

func (h *Handler) GetMessage(w http.ResponseWriter, r *http.Request) {
	m, err := h.Messages.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: m, ContentReport: smsbudget.Analyze(m.Content, false)})
}

func (h *Handler) ModifyMessage(w http.ResponseWriter, r *http.Request) {
	hostID, err := hostFrom(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req modifyMessageRequest
	if !h.decode(w, r, &req) {
		return
	}

	m, err := h.Messages.Modify(r.Context(), hostID, r.PathValue("id"), *req.ExpectedModificationCount, req.update())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: m, ContentReport: smsbudget.Analyze(m.Content, false)})
}

func (h *Handler) ScheduleMessage(w http.ResponseWriter, r *http.Request) {
	hostID, err := hostFrom(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req scheduleRequest
	if !h.decode(w, r, &req) {
		return
	}

	m, err := h.Messages.Schedule(r.Context(), hostID, r.PathValue("id"), req.ScheduledAtUTC.UTC())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: m, ContentReport: smsbudget.Analyze(m.Content, false)})
}

func (h *Handler) CancelMessage(w http.ResponseWriter, r *http.Request) {
	hostID, err := hostFrom(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	m, err := h.Messages.Cancel(r.Context(), hostID, r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": m})
}

func (h *Handler) DeliveryCounts(w http.ResponseWriter, r *http.Request) {
	counts, err := h.Deliveries.Counts(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func (h *Handler) ListSentMessages(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r)
	items, err := h.Lister.ListSent(r.Context(), limit, offset)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": nonNil(items)})
}

// Receipt records a channel callback. Duplicate receipt ids are dropped
// before they reach the tracker.
func (h *Handler) Receipt(w http.ResponseWriter, r *http.Request) {
	var req receiptRequest
	if !h.decode(w, r, &req) {
		return
	}
	ctx := r.Context()

	first, err := h.Receipts.FirstSeen(ctx, req.ReceiptID)
	if err != nil {
		slog.Warn("receipt de-duplication unavailable", "receipt_id", req.ReceiptID, "error", err)
		first = true
	}
	if !first {
		writeJSON(w, http.StatusOK, map[string]any{"accepted": true, "duplicate": true})
		return
	}

	at := h.Guard.Now()
	if req.Timestamp != nil {
		at = req.Timestamp.UTC()
	}

	switch req.Status {
	case "delivered":
		err = h.Deliveries.RecordDelivered(ctx, req.MessageID, req.GuestID, at)
	case "read":
		err = h.Deliveries.RecordRead(ctx, req.MessageID, req.GuestID, at)
	case "failed":
		err = h.Deliveries.RecordFailed(ctx, req.MessageID, req.GuestID, req.Reason)
	}
	if err != nil {
		// Let the provider retry: a read may arrive before its delivery.
		if ferr := h.Receipts.Forget(ctx, req.ReceiptID); ferr != nil {
			slog.Warn("forgetting receipt failed", "receipt_id", req.ReceiptID, "error", ferr)
		}
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"accepted": true, "duplicate": false})
}

func (h *Handler) SchedulerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Scheduler.Status())
}

func (h *Handler) SchedulerStart(w http.ResponseWriter, r *http.Request) {
	h.Scheduler.Start()
	writeJSON(w, http.StatusOK, map[string]any{"running": h.Scheduler.IsRunning()})
}

func (h *Handler) SchedulerStop(w http.ResponseWriter, r *http.Request) {
	h.Scheduler.Stop()
	writeJSON(w, http.StatusOK, map[string]any{"running": h.Scheduler.IsRunning()})
}

// decode reads a JSON body into v and validates it. It writes the error
// response itself and reports whether the handler may continue.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		if model.IsValidation(err) {
			writeError(w, r, err)
			return false
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body", Code: "BAD_REQUEST"})
		return false
	}
	if err := h.validate.Struct(v); err != nil {
		writeValidation(w, err)
		return false
	}
	return true
}

func hostFrom(r *http.Request) (string, error) {
	host := strings.TrimSpace(r.Header.Get("X-Host-ID"))
	if host == "" {
		return "", errMissingHost
	}
	return host, nil
}

func pageParams(r *http.Request) (int, int) {
	return parseInt(r.URL.Query().Get("limit"), 50), parseInt(r.URL.Query().Get("offset"), 0)
}

func parseInt(raw string, def int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

func nonNil(items []model.ScheduledMessage) []model.ScheduledMessage {
	if items == nil {
		return []model.ScheduledMessage{}
	}
	return items
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
