package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"unicode/utf8"

	"ekklesia/queue-service/internal/access"
	"ekklesia/queue-service/internal/livesync"
	"ekklesia/queue-service/internal/models"
	"ekklesia/queue-service/internal/queue"
	"ekklesia/queue-service/internal/store"

	"github.com/google/uuid"
)

const panelRecentCalls = 5

// Queue is the engine surface the HTTP layer drives.
type Queue interface {
	GenerateTicket(ctx context.Context, serviceID string, ticketType models.TicketType, client *models.ClientData) (models.Ticket, error)
	WaitingTickets(ctx context.Context, serviceID string) ([]models.Ticket, error)
	CallNextTicket(ctx context.Context, serviceID, attendantID string) (models.Ticket, bool, error)
	RecallTicket(ctx context.Context, ticketID string) (models.Ticket, error)
	CompleteTicket(ctx context.Context, input queue.TicketActionInput) (models.Ticket, error)
	CancelTicket(ctx context.Context, input queue.TicketActionInput) (models.Ticket, error)
	ReissueTicket(ctx context.Context, ticketID string) (models.Ticket, error)
	RequeueTicketByNumber(ctx context.Context, number string) (models.Ticket, error)
	ServiceHistory(ctx context.Context, serviceID string) ([]models.Ticket, error)
	CurrentTicket(ctx context.Context) (models.Ticket, bool, error)
	RecentCalls(ctx context.Context, limit int) ([]models.Ticket, error)
}

type Services interface {
	ListServices(ctx context.Context) ([]models.ServiceConfig, error)
	SaveService(ctx context.Context, service models.ServiceConfig) (models.ServiceConfig, error)
	DeleteService(ctx context.Context, serviceID string) error
	SetServicePaused(ctx context.Context, serviceID string, paused bool) (models.ServiceConfig, error)
}

// LiveState is the server-side view kept by the live sync coordinator.
type LiveState interface {
	ApplyLocal(ticket models.Ticket)
	SetDisplayMessage(ctx context.Context, message string) error
	Snapshot() livesync.Snapshot
	ReloadServices(ctx context.Context) error
}

type Handler struct {
	queue    Queue
	services Services
	live     LiveState
	logger   *slog.Logger
}

type Options struct {
	Logger *slog.Logger
}

type createTicketRequest struct {
	ServiceID string             `json:"service_id"`
	Type      models.TicketType  `json:"type"`
	Client    *models.ClientData `json:"client"`
}

type callNextRequest struct {
	ServiceID string `json:"service_id"`
}

type ticketActionRequest struct {
	Notes       string `json:"notes"`
	AttendantID string `json:"attendant_id"`
}

type requeueRequest struct {
	TicketNumber string `json:"ticket_number"`
}

type serviceRequest struct {
	ID         string `json:"service_id"`
	Name       string `json:"name"`
	Prefix     string `json:"prefix"`
	Icon       string `json:"icon"`
	Color      string `json:"color"`
	Paused     bool   `json:"paused"`
	MaxTickets *int   `json:"max_tickets"`
}

type displayMessageRequest struct {
	Message string `json:"message"`
}

type displayMessageResponse struct {
	Message string `json:"message"`
}

type infoResponse struct {
	Message string `json:"message"`
}

type panelResponse struct {
	Current        *models.Ticket  `json:"current_ticket"`
	DisplayMessage string          `json:"display_message"`
	RecentCalls    []models.Ticket `json:"recent_calls"`
}

type errorResponse struct {
	RequestID string        `json:"request_id"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewHandler(q Queue, services Services, live LiveState, options Options) *Handler {
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		queue:    q,
		services: services,
		live:     live,
		logger:   logger,
	}
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.Handle("/metrics", expvar.Handler())
	mux.HandleFunc("/api/tickets", h.handleTickets)
	mux.HandleFunc("/api/tickets/current", h.handleCurrentTicket)
	mux.HandleFunc("/api/tickets/actions/call-next", h.handleCallNext)
	mux.HandleFunc("/api/tickets/actions/requeue", h.handleRequeue)
	mux.HandleFunc("/api/tickets/", h.handleTicketActions)
	mux.HandleFunc("/api/queue", h.handleQueue)
	mux.HandleFunc("/api/panel", h.handlePanel)
	mux.HandleFunc("/api/services", h.handleServices)
	mux.HandleFunc("/api/services/", h.handleServiceActions)
	mux.HandleFunc("/api/display-message", h.handleDisplayMessage)
	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleTickets(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	// Kiosks generate anonymously; a signed-in caller needs the capability.
	if principal, ok := principalFromContext(r.Context()); ok && !access.Can(principal.Role, access.OpGenerate) {
		writeError(w, requestIDFromRequest(r), http.StatusForbidden, "access_denied", "role may not perform this action")
		return
	}

	var req createTicketRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	req.ServiceID = strings.TrimSpace(req.ServiceID)
	if req.ServiceID == "" {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "service_id is required")
		return
	}
	if req.Type == "" {
		req.Type = models.TypeNormal
	}

	ticket, err := h.queue.GenerateTicket(r.Context(), req.ServiceID, req.Type, req.Client)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.live.ApplyLocal(ticket)
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if _, ok := requireCapability(w, r, access.OpView); !ok {
		return
	}

	serviceID := strings.TrimSpace(r.URL.Query().Get("service_id"))
	tickets, err := h.queue.WaitingTickets(r.Context(), serviceID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(tickets))
}

func (h *Handler) handleCurrentTicket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if _, ok := requireCapability(w, r, access.OpView); !ok {
		return
	}

	ticket, ok, err := h.queue.CurrentTicket(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if !ok {
		writeError(w, requestIDFromRequest(r), http.StatusNotFound, "no_current_ticket", "no ticket is being called")
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handlePanel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	resp := panelResponse{DisplayMessage: h.live.Snapshot().DisplayMessage}
	current, ok, err := h.queue.CurrentTicket(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if ok {
		resp.Current = &current
	}
	recent, err := h.queue.RecentCalls(r.Context(), panelRecentCalls)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	resp.RecentCalls = nonNil(recent)
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleCallNext(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	principal, ok := requireCapability(w, r, access.OpCallNext)
	if !ok {
		return
	}

	// An empty body calls across all services.
	var req callNextRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	req.ServiceID = strings.TrimSpace(req.ServiceID)

	ticket, called, err := h.queue.CallNextTicket(r.Context(), req.ServiceID, principal.UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if !called {
		writeJSON(w, http.StatusOK, infoResponse{Message: "no tickets waiting"})
		return
	}
	h.live.ApplyLocal(ticket)
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleRequeue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if _, ok := requireCapability(w, r, access.OpRequeue); !ok {
		return
	}

	var req requeueRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	ticket, err := h.queue.RequeueTicketByNumber(r.Context(), req.TicketNumber)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.live.ApplyLocal(ticket)
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleTicketActions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api/tickets/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 3 || parts[1] != "actions" {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	ticketID := parts[0]
	if !isValidUUID(ticketID) {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "ticket id must be a UUID")
		return
	}

	switch parts[2] {
	case "recall":
		h.handleRecallTicket(w, r, ticketID)
	case "complete":
		h.handleCompleteTicket(w, r, ticketID)
	case "cancel":
		h.handleCancelTicket(w, r, ticketID)
	case "reissue":
		h.handleReissueTicket(w, r, ticketID)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleRecallTicket(w http.ResponseWriter, r *http.Request, ticketID string) {
	if _, ok := requireCapability(w, r, access.OpRecall); !ok {
		return
	}
	ticket, err := h.queue.RecallTicket(r.Context(), ticketID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.live.ApplyLocal(ticket)
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleCompleteTicket(w http.ResponseWriter, r *http.Request, ticketID string) {
	principal, ok := requireCapability(w, r, access.OpComplete)
	if !ok {
		return
	}
	input, ok := decodeAction(w, r, ticketID, principal)
	if !ok {
		return
	}
	ticket, err := h.queue.CompleteTicket(r.Context(), input)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.live.ApplyLocal(ticket)
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleCancelTicket(w http.ResponseWriter, r *http.Request, ticketID string) {
	principal, ok := requireCapability(w, r, access.OpCancel)
	if !ok {
		return
	}
	input, ok := decodeAction(w, r, ticketID, principal)
	if !ok {
		return
	}
	ticket, err := h.queue.CancelTicket(r.Context(), input)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.live.ApplyLocal(ticket)
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleReissueTicket(w http.ResponseWriter, r *http.Request, ticketID string) {
	if _, ok := requireCapability(w, r, access.OpReissue); !ok {
		return
	}
	ticket, err := h.queue.ReissueTicket(r.Context(), ticketID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.live.ApplyLocal(ticket)
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleServices(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		services, err := h.services.ListServices(r.Context())
		if err != nil {
			h.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, nonNil(services))
	case http.MethodPost:
		if _, ok := requireCapability(w, r, access.OpManageServices); !ok {
			return
		}
		var req serviceRequest
		if !decodeRequest(w, r, &req) {
			return
		}
		service, msg := req.normalize()
		if msg != "" {
			writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", msg)
			return
		}
		saved, err := h.services.SaveService(r.Context(), service)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		h.reloadServices(r.Context())
		writeJSON(w, http.StatusOK, saved)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleServiceActions(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/services/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	serviceID := parts[0]
	if serviceID == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	switch {
	case len(parts) == 1:
		if r.Method != http.MethodDelete {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleDeleteService(w, r, serviceID)
	case len(parts) == 2 && parts[1] == "history":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleServiceHistory(w, r, serviceID)
	case len(parts) == 3 && parts[1] == "actions":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		switch parts[2] {
		case "pause":
			h.handleSetPaused(w, r, serviceID, true)
		case "resume":
			h.handleSetPaused(w, r, serviceID, false)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleDeleteService(w http.ResponseWriter, r *http.Request, serviceID string) {
	if _, ok := requireCapability(w, r, access.OpManageServices); !ok {
		return
	}
	if err := h.services.DeleteService(r.Context(), serviceID); err != nil {
		h.fail(w, r, err)
		return
	}
	h.reloadServices(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleSetPaused(w http.ResponseWriter, r *http.Request, serviceID string, paused bool) {
	if _, ok := requireCapability(w, r, access.OpManageServices); !ok {
		return
	}
	service, err := h.services.SetServicePaused(r.Context(), serviceID, paused)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.reloadServices(r.Context())
	writeJSON(w, http.StatusOK, service)
}

func (h *Handler) handleServiceHistory(w http.ResponseWriter, r *http.Request, serviceID string) {
	if _, ok := requireCapability(w, r, access.OpView); !ok {
		return
	}
	tickets, err := h.queue.ServiceHistory(r.Context(), serviceID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(tickets))
}

func (h *Handler) handleDisplayMessage(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		if _, ok := requireCapability(w, r, access.OpView); !ok {
			return
		}
		writeJSON(w, http.StatusOK, displayMessageResponse{Message: h.live.Snapshot().DisplayMessage})
	case http.MethodPost:
		if _, ok := requireCapability(w, r, access.OpDisplayMessage); !ok {
			return
		}
		var req displayMessageRequest
		if !decodeRequest(w, r, &req) {
			return
		}
		message := strings.TrimSpace(req.Message)
		if err := h.live.SetDisplayMessage(r.Context(), message); err != nil {
			h.logger.Error("display message publish failed", "error", err)
			writeError(w, requestIDFromRequest(r), http.StatusBadGateway, "broadcast_failed", "display message not delivered to other screens")
			return
		}
		writeJSON(w, http.StatusOK, displayMessageResponse{Message: message})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// reloadServices refreshes the live view right away; the store notification
// that follows triggers the same reload on every other instance.
func (h *Handler) reloadServices(ctx context.Context) {
	if err := h.live.ReloadServices(ctx); err != nil {
		h.logger.Warn("reload services failed", "error", err)
	}
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, msg := mapError(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeError(w, requestIDFromRequest(r), status, code, msg)
}

func (req serviceRequest) normalize() (models.ServiceConfig, string) {
	service := models.ServiceConfig{
		ID:         strings.TrimSpace(req.ID),
		Name:       strings.TrimSpace(req.Name),
		Prefix:     strings.ToUpper(strings.TrimSpace(req.Prefix)),
		Icon:       strings.TrimSpace(req.Icon),
		Color:      strings.TrimSpace(req.Color),
		Paused:     req.Paused,
		MaxTickets: req.MaxTickets,
	}
	switch {
	case service.ID == "" || service.Name == "":
		return service, "service_id and name are required"
	case utf8.RuneCountInString(service.Prefix) != 2:
		return service, "prefix must be exactly 2 characters"
	case service.MaxTickets != nil && *service.MaxTickets < 0:
		return service, "max_tickets must not be negative"
	}
	return service, ""
}

func decodeAction(w http.ResponseWriter, r *http.Request, ticketID string, principal Principal) (queue.TicketActionInput, bool) {
	var req ticketActionRequest
	if !decodeOptional(w, r, &req) {
		return queue.TicketActionInput{}, false
	}
	input := queue.TicketActionInput{
		TicketID:    ticketID,
		Notes:       strings.TrimSpace(req.Notes),
		AttendantID: strings.TrimSpace(req.AttendantID),
	}
	if input.AttendantID == "" {
		input.AttendantID = principal.UserID
	}
	return input, true
}

func decodeRequest(w http.ResponseWriter, r *http.Request, target interface{}) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return false
	}
	return true
}

// decodeOptional is decodeRequest for endpoints whose body may be omitted.
func decodeOptional(w http.ResponseWriter, r *http.Request, target interface{}) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return false
	}
	return true
}

func isValidUUID(value string) bool {
	_, err := uuid.Parse(value)
	return err == nil
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

func mapError(err error) (int, string, string) {
	switch {
	case errors.Is(err, store.ErrServiceNotFound):
		return http.StatusNotFound, "service_not_found", notFoundMessage(err, "service not found")
	case errors.Is(err, store.ErrTicketNotFound):
		return http.StatusNotFound, "ticket_not_found", notFoundMessage(err, "ticket not found")
	case errors.Is(err, queue.ErrInvalidState):
		return http.StatusConflict, "invalid_state", "ticket state does not allow this action"
	case errors.Is(err, queue.ErrServiceBusy):
		return http.StatusConflict, "service_busy", "service already has a called ticket"
	case errors.Is(err, queue.ErrGenerationPaused):
		return http.StatusConflict, "generation_paused", "ticket generation is paused for this service"
	case errors.Is(err, queue.ErrDailyLimitReached):
		return http.StatusConflict, "daily_limit_reached", "daily ticket limit reached for this service"
	case errors.Is(err, queue.ErrInvalidTicketType):
		return http.StatusBadRequest, "invalid_request", "type must be normal or priority"
	case errors.Is(err, queue.ErrClientNameRequired):
		return http.StatusBadRequest, "invalid_request", "client name is required"
	case errors.Is(err, queue.ErrTicketNumberMissing):
		return http.StatusBadRequest, "invalid_request", "ticket_number is required"
	case queue.KindOf(err) == queue.KindTransient:
		return http.StatusServiceUnavailable, "store_unavailable", "store unavailable, refresh and retry"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

func notFoundMessage(err error, fallback string) string {
	var notFound *store.NotFoundError
	if errors.As(err, &notFound) && notFound.Key != "" {
		return notFound.Error()
	}
	return fallback
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		RequestID: requestID,
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
