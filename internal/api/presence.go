package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/lumenprima/echofabric/internal/presence"
)

type PresenceHandler struct {
	svc *presence.Service
}

func NewPresenceHandler(svc *presence.Service) *PresenceHandler {
	return &PresenceHandler{svc: svc}
}

func (h *PresenceHandler) Routes(r chi.Router) {
	r.Put("/presence/{user_id}/{device_id}/online", h.SetOnline)
	r.Put("/presence/{user_id}/{device_id}/offline", h.SetOffline)
	r.Put("/presence/{user_id}/{device_id}/away", h.SetAway)
	r.Put("/presence/{user_id}/{device_id}/busy", h.SetBusy)
	r.Put("/presence/{user_id}/{device_id}/custom", h.SetCustomStatus)
	r.Post("/presence/{user_id}/{device_id}/heartbeat", h.Heartbeat)
	r.Get("/presence/{user_id}", h.Get)
	r.Post("/presence/bulk", h.GetBulk)
	r.Get("/presence/online/count", h.OnlineCount)

	r.Put("/typing/{conversation_id}/{user_id}", h.SetTyping)
	r.Get("/typing/{conversation_id}", h.GetTypingUsers)
}

func (h *PresenceHandler) SetOnline(w http.ResponseWriter, r *http.Request) {
	userID, deviceID := chi.URLParam(r, "user_id"), chi.URLParam(r, "device_id")
	if !requireSelfDevice(w, r, userID, deviceID) {
		return
	}
	if err := h.svc.SetOnline(r.Context(), userID, deviceID); err != nil {
		WriteServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *PresenceHandler) SetOffline(w http.ResponseWriter, r *http.Request) {
	userID, deviceID := chi.URLParam(r, "user_id"), chi.URLParam(r, "device_id")
	if !requireSelfDevice(w, r, userID, deviceID) {
		return
	}
	if err := h.svc.SetOffline(r.Context(), userID, deviceID); err != nil {
		WriteServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *PresenceHandler) SetAway(w http.ResponseWriter, r *http.Request) {
	userID, deviceID := chi.URLParam(r, "user_id"), chi.URLParam(r, "device_id")
	if !requireSelfDevice(w, r, userID, deviceID) {
		return
	}
	if err := h.svc.SetAway(r.Context(), userID, deviceID); err != nil {
		WriteServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *PresenceHandler) SetBusy(w http.ResponseWriter, r *http.Request) {
	userID, deviceID := chi.URLParam(r, "user_id"), chi.URLParam(r, "device_id")
	if !requireSelfDevice(w, r, userID, deviceID) {
		return
	}
	if err := h.svc.SetBusy(r.Context(), userID, deviceID); err != nil {
		WriteServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type customStatusRequest struct {
	CustomStatus string `json:"custom_status"`
}

func (h *PresenceHandler) SetCustomStatus(w http.ResponseWriter, r *http.Request) {
	userID, deviceID := chi.URLParam(r, "user_id"), chi.URLParam(r, "device_id")
	if !requireSelfDevice(w, r, userID, deviceID) {
		return
	}
	var req customStatusRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrInvalidBody, err.Error())
		return
	}
	if err := h.svc.SetCustomStatus(r.Context(), userID, deviceID, req.CustomStatus); err != nil {
		WriteServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *PresenceHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	userID, deviceID := chi.URLParam(r, "user_id"), chi.URLParam(r, "device_id")
	if !requireSelfDevice(w, r, userID, deviceID) {
		return
	}
	if err := h.svc.Heartbeat(r.Context(), userID, deviceID); err != nil {
		WriteServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *PresenceHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")
	p, err := h.svc.Get(r.Context(), userID)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, p)
}

type bulkPresenceRequest struct {
	UserIDs []string `json:"user_ids"`
}

func (h *PresenceHandler) GetBulk(w http.ResponseWriter, r *http.Request) {
	var req bulkPresenceRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrInvalidBody, err.Error())
		return
	}
	result, err := h.svc.GetBulk(r.Context(), req.UserIDs)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"presence": result})
}

func (h *PresenceHandler) OnlineCount(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.OnlineCount(r.Context())
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]int{"count": n})
}

type typingRequest struct {
	IsTyping bool `json:"is_typing"`
}

func (h *PresenceHandler) SetTyping(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversation_id")
	userID := chi.URLParam(r, "user_id")
	if !requireSelf(w, r, userID) {
		return
	}
	var req typingRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrInvalidBody, err.Error())
		return
	}
	if err := h.svc.SetTyping(r.Context(), conversationID, userID, req.IsTyping); err != nil {
		WriteServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *PresenceHandler) GetTypingUsers(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversation_id")
	users, err := h.svc.GetTypingUsers(r.Context(), conversationID)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"typing_users": users})
}
