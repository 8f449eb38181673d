// Package handler implements the REST surface of the gateway: ticket and
// message reads for clients that poll, plus write endpoints that mirror the
// socket operations for clients whose connection is down.
package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/songforge/support-gateway/internal/middleware"
	"github.com/songforge/support-gateway/internal/model"
	"github.com/songforge/support-gateway/internal/store"
	"github.com/songforge/support-gateway/internal/ws"
	"github.com/songforge/support-gateway/pkg/logger"
)

const (
	defaultMessageLimit = 100
	maxMessageLimit     = 500
)

// TicketHandler serves ticket and message endpoints. Writes go through the
// hub so socket and REST clients observe identical routing and status
// semantics.
type TicketHandler struct {
	store  store.Store
	hub    *ws.Hub
	logger *logger.Logger
}

// NewTicketHandler creates a ticket handler.
func NewTicketHandler(st store.Store, hub *ws.Hub, log *logger.Logger) *TicketHandler {
	return &TicketHandler{
		store:  st,
		hub:    hub,
		logger: log.Component("tickets"),
	}
}

// List handles GET /api/tickets. Customers see their own tickets, agents see
// all of them.
func (h *TicketHandler) List(w http.ResponseWriter, r *http.Request) {
	identity := middleware.GetIdentity(r.Context())
	if identity == nil {
		writeError(w, http.StatusUnauthorized, "not authenticated")
		return
	}

	var (
		tickets []model.Ticket
		err     error
	)
	if identity.IsAdmin {
		tickets, err = h.store.ListTickets(r.Context())
	} else {
		tickets, err = h.store.ListTicketsForUser(r.Context(), identity.UserID)
	}
	if err != nil {
		h.logger.Error("ticket list failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list tickets")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"tickets": tickets})
}

// Get handles GET /api/tickets/{ticketID}.
func (h *TicketHandler) Get(w http.ResponseWriter, r *http.Request) {
	identity := middleware.GetIdentity(r.Context())
	ticketID, err := middleware.ParseID(chi.URLParam(r, "ticketID"))
	if identity == nil || err != nil {
		writeError(w, http.StatusBadRequest, "invalid ticket id")
		return
	}

	ticket, err := h.store.TicketForParticipant(r.Context(), ticketID, identity.UserID, identity.IsAdmin)
	if err != nil {
		if errors.Is(err, store.ErrTicketNotFound) {
			writeError(w, http.StatusNotFound, "ticket not found or access denied")
			return
		}
		h.logger.Error("ticket fetch failed", zap.Int64("ticket_id", ticketID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to fetch ticket")
		return
	}

	writeJSON(w, http.StatusOK, ticket)
}

// Messages handles GET /api/tickets/{ticketID}/messages?after=<id>&limit=<n>.
// This is the catch-up path for clients that were offline: messages with ids
// greater than "after", oldest first.
func (h *TicketHandler) Messages(w http.ResponseWriter, r *http.Request) {
	identity := middleware.GetIdentity(r.Context())
	ticketID, err := middleware.ParseID(chi.URLParam(r, "ticketID"))
	if identity == nil || err != nil {
		writeError(w, http.StatusBadRequest, "invalid ticket id")
		return
	}

	if _, err := h.store.TicketForParticipant(r.Context(), ticketID, identity.UserID, identity.IsAdmin); err != nil {
		if errors.Is(err, store.ErrTicketNotFound) {
			writeError(w, http.StatusNotFound, "ticket not found or access denied")
			return
		}
		h.logger.Error("ticket fetch failed", zap.Int64("ticket_id", ticketID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to fetch messages")
		return
	}

	var afterID int64
	if raw := r.URL.Query().Get("after"); raw != "" {
		afterID, err = strconv.ParseInt(raw, 10, 64)
		if err != nil || afterID < 0 {
			writeError(w, http.StatusBadRequest, "invalid after parameter")
			return
		}
	}

	limit := defaultMessageLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit parameter")
			return
		}
		if limit > maxMessageLimit {
			limit = maxMessageLimit
		}
	}

	messages, err := h.store.MessagesAfter(r.Context(), ticketID, afterID, limit)
	if err != nil {
		h.logger.Error("message list failed", zap.Int64("ticket_id", ticketID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to fetch messages")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

type postMessageRequest struct {
	Message string `json:"message"`
}

// PostMessage handles POST /api/tickets/{ticketID}/messages. It routes
// through the hub, so connected counterparts get realtime delivery even
// though the sender came in over REST.
func (h *TicketHandler) PostMessage(w http.ResponseWriter, r *http.Request) {
	identity := middleware.GetIdentity(r.Context())
	ticketID, err := middleware.ParseID(chi.URLParam(r, "ticketID"))
	if identity == nil || err != nil {
		writeError(w, http.StatusBadRequest, "invalid ticket id")
		return
	}

	var req postMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidateMessageContent(req.Message); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	wire, err := h.hub.PostMessage(r.Context(), identity.UserID, identity.IsAdmin, identity.Name, ticketID, req.Message)
	if err != nil {
		if errors.Is(err, store.ErrTicketNotFound) {
			writeError(w, http.StatusNotFound, "ticket not found or access denied")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to send message")
		return
	}

	writeJSON(w, http.StatusCreated, wire)
}

// MarkRead handles POST /api/tickets/{ticketID}/read.
func (h *TicketHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	identity := middleware.GetIdentity(r.Context())
	ticketID, err := middleware.ParseID(chi.URLParam(r, "ticketID"))
	if identity == nil || err != nil {
		writeError(w, http.StatusBadRequest, "invalid ticket id")
		return
	}

	if err := h.hub.MarkRead(r.Context(), identity.UserID, identity.IsAdmin, ticketID); err != nil {
		if errors.Is(err, store.ErrTicketNotFound) {
			writeError(w, http.StatusNotFound, "ticket not found or access denied")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to mark messages read")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type updateStatusRequest struct {
	Status string `json:"status"`
}

// UpdateStatus handles PUT /api/tickets/{ticketID}/status. Agent only.
func (h *TicketHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	identity := middleware.GetIdentity(r.Context())
	ticketID, err := middleware.ParseID(chi.URLParam(r, "ticketID"))
	if identity == nil || err != nil {
		writeError(w, http.StatusBadRequest, "invalid ticket id")
		return
	}

	var req updateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidateStatusValue(req.Status); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	status := model.TicketStatus(req.Status)
	if !status.Valid() {
		writeError(w, http.StatusBadRequest, "invalid status")
		return
	}

	if err := h.hub.ChangeStatus(r.Context(), identity.UserID, ticketID, status); err != nil {
		if errors.Is(err, store.ErrTicketNotFound) {
			writeError(w, http.StatusNotFound, "ticket not found or access denied")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to update ticket status")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"ticketId": ticketID, "status": status})
}

type assignRequest struct {
	AssignedTo *int64 `json:"assignedTo"`
}

// Assign handles PUT /api/tickets/{ticketID}/assign. Agent only; a null
// assignedTo unassigns.
func (h *TicketHandler) Assign(w http.ResponseWriter, r *http.Request) {
	identity := middleware.GetIdentity(r.Context())
	ticketID, err := middleware.ParseID(chi.URLParam(r, "ticketID"))
	if identity == nil || err != nil {
		writeError(w, http.StatusBadRequest, "invalid ticket id")
		return
	}

	var req assignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ticket, err := h.hub.Assign(r.Context(), identity.UserID, ticketID, req.AssignedTo)
	if err != nil {
		if errors.Is(err, store.ErrTicketNotFound) {
			writeError(w, http.StatusNotFound, "ticket not found or access denied")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to assign ticket")
		return
	}

	writeJSON(w, http.StatusOK, ticket)
}

type presenceResponse struct {
	IsOnline       bool       `json:"isOnline"`
	LastActiveTime *time.Time `json:"lastActiveTime,omitempty"`
}

// Presence handles GET /api/presence, the polling counterpart of the
// admin_status broadcast.
func (h *TicketHandler) Presence(w http.ResponseWriter, r *http.Request) {
	online, lastActive := h.hub.Presence(r.Context())
	writeJSON(w, http.StatusOK, presenceResponse{
		IsOnline:       online,
		LastActiveTime: lastActive,
	})
}
