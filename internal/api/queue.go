package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/lumenprima/echofabric/internal/queue"
)

type QueueHandler struct {
	svc *queue.Service
}

func NewQueueHandler(svc *queue.Service) *QueueHandler {
	return &QueueHandler{svc: svc}
}

func (h *QueueHandler) Routes(r chi.Router) {
	r.Get("/messages/queue/{user_id}/{device_id}", h.Drain)
	r.Post("/messages/queue/{user_id}/{device_id}/ack", h.Ack)
	r.Get("/messages/queue/{user_id}/{device_id}/depth", h.Depth)
}

func (h *QueueHandler) Drain(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")
	deviceID := chi.URLParam(r, "device_id")
	if !requireSelfDevice(w, r, userID, deviceID) {
		return
	}
	ids, err := h.svc.Drain(r.Context(), userID, deviceID)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"message_ids": ids})
}

type ackRequest struct {
	MessageIDs []string `json:"message_ids"`
}

func (h *QueueHandler) Ack(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")
	deviceID := chi.URLParam(r, "device_id")
	if !requireSelfDevice(w, r, userID, deviceID) {
		return
	}
	var req ackRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrInvalidBody, err.Error())
		return
	}
	if err := h.svc.Ack(r.Context(), userID, deviceID, req.MessageIDs); err != nil {
		WriteServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *QueueHandler) Depth(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")
	deviceID := chi.URLParam(r, "device_id")
	if !requireSelfDevice(w, r, userID, deviceID) {
		return
	}
	depth, err := h.svc.Depth(r.Context(), userID, deviceID)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"depth": depth})
}
