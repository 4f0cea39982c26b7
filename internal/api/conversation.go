package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/lumenprima/echofabric/internal/conversation"
)

type ConversationHandler struct {
	svc *conversation.Service
}

func NewConversationHandler(svc *conversation.Service) *ConversationHandler {
	return &ConversationHandler{svc: svc}
}

func (h *ConversationHandler) Routes(r chi.Router) {
	r.Post("/messages/send/{sender_id}", h.Send)
	r.Get("/messages/conversation/{user_id}", h.GetMessages)
	r.Put("/messages/delivered/{user_id}/{message_id}", h.MarkDelivered)
	r.Put("/messages/read/{user_id}/{message_id}", h.MarkRead)
	r.Delete("/messages/delete/{user_id}/{message_id}", h.Delete)
}

func (h *ConversationHandler) Send(w http.ResponseWriter, r *http.Request) {
	senderID := chi.URLParam(r, "sender_id")
	if !requireSelf(w, r, senderID) {
		return
	}
	var req conversation.SendMessageRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrInvalidBody, err.Error())
		return
	}
	resp, err := h.svc.SendOneToOne(r.Context(), senderID, req)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, resp)
}

func (h *ConversationHandler) GetMessages(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")
	if !requireSelf(w, r, userID) {
		return
	}
	convID, ok := QueryString(r, "conversation_id")
	if !ok {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrInvalidBody, "conversation_id is required")
		return
	}
	var beforeSeq *int64
	if v, ok := QueryInt64(r, "before_sequence"); ok {
		beforeSeq = &v
	}
	limit, ok := QueryInt(r, "limit")
	if !ok {
		limit = conversation.MaxMessagePageSize
	}
	msgs, err := h.svc.GetMessages(r.Context(), userID, convID, beforeSeq, limit)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (h *ConversationHandler) MarkDelivered(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")
	if !requireSelf(w, r, userID) {
		return
	}
	messageID := chi.URLParam(r, "message_id")
	if err := h.svc.MarkDelivered(r.Context(), userID, messageID); err != nil {
		WriteServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ConversationHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")
	if !requireSelf(w, r, userID) {
		return
	}
	messageID := chi.URLParam(r, "message_id")
	if err := h.svc.MarkRead(r.Context(), userID, messageID); err != nil {
		WriteServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ConversationHandler) Delete(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")
	if !requireSelf(w, r, userID) {
		return
	}
	messageID := chi.URLParam(r, "message_id")
	if err := h.svc.DeleteForSelf(r.Context(), userID, messageID); err != nil {
		WriteServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
