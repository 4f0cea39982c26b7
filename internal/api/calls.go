package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/lumenprima/echofabric/internal/calls"
)

type CallsHandler struct {
	svc *calls.Service
}

func NewCallsHandler(svc *calls.Service) *CallsHandler {
	return &CallsHandler{svc: svc}
}

func (h *CallsHandler) Routes(r chi.Router) {
	r.Post("/calls/initiate/{caller_id}", h.Initiate)
	r.Get("/calls/{call_id}", h.Get)
	r.Put("/calls/{call_id}/answer/{user_id}", h.Answer)
	r.Put("/calls/{call_id}/decline/{user_id}", h.Decline)
	r.Put("/calls/{call_id}/end/{user_id}", h.End)
	r.Post("/calls/{call_id}/ice/{user_id}", h.AddICECandidate)
}

func (h *CallsHandler) Initiate(w http.ResponseWriter, r *http.Request) {
	callerID := chi.URLParam(r, "caller_id")
	if !requireSelf(w, r, callerID) {
		return
	}
	var req calls.InitiateCallRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrInvalidBody, err.Error())
		return
	}
	c, err := h.svc.Initiate(r.Context(), callerID, req)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, c)
}

func (h *CallsHandler) Get(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "call_id")
	c, err := h.svc.Get(r.Context(), callID)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, c)
}

func (h *CallsHandler) Answer(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "call_id")
	userID := chi.URLParam(r, "user_id")
	if !requireSelf(w, r, userID) {
		return
	}
	var req calls.AnswerCallRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrInvalidBody, err.Error())
		return
	}
	c, err := h.svc.Answer(r.Context(), callID, userID, req)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, c)
}

func (h *CallsHandler) Decline(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "call_id")
	userID := chi.URLParam(r, "user_id")
	if !requireSelf(w, r, userID) {
		return
	}
	if err := h.svc.Decline(r.Context(), callID, userID); err != nil {
		WriteServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *CallsHandler) End(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "call_id")
	userID := chi.URLParam(r, "user_id")
	if !requireSelf(w, r, userID) {
		return
	}
	c, err := h.svc.End(r.Context(), callID, userID)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, c)
}

func (h *CallsHandler) AddICECandidate(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "call_id")
	userID := chi.URLParam(r, "user_id")
	if !requireSelf(w, r, userID) {
		return
	}
	var req calls.ICECandidateRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrInvalidBody, err.Error())
		return
	}
	if err := h.svc.AddICECandidate(r.Context(), callID, userID, req); err != nil {
		WriteServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
