package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/lumenprima/echofabric/internal/groups"
)

type GroupsHandler struct {
	svc *groups.Service
}

func NewGroupsHandler(svc *groups.Service) *GroupsHandler {
	return &GroupsHandler{svc: svc}
}

func (h *GroupsHandler) Routes(r chi.Router) {
	r.Post("/groups/create/{creator_id}", h.Create)
	r.Get("/groups/{group_id}", h.Get)
	r.Get("/groups/{group_id}/members", h.ListMembers)
	r.Post("/groups/{group_id}/members/{actor_id}", h.AddMember)
	r.Delete("/groups/{group_id}/members/{user_id}/{removed_by}", h.RemoveMember)
	r.Put("/groups/{group_id}/members/{user_id}/key", h.UpdateMemberKey)
	r.Post("/groups/{group_id}/messages/{sender_id}/{sender_device_id}", h.SendMessage)
	r.Get("/groups/{group_id}/welcome/{user_id}", h.FetchWelcome)
}

func (h *GroupsHandler) Create(w http.ResponseWriter, r *http.Request) {
	creatorID := chi.URLParam(r, "creator_id")
	if !requireSelf(w, r, creatorID) {
		return
	}
	var req groups.CreateGroupRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrInvalidBody, err.Error())
		return
	}
	g, failed, err := h.svc.CreateGroup(r.Context(), creatorID, req)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, map[string]any{"group": g, "failed_members": failed})
}

func (h *GroupsHandler) Get(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "group_id")
	g, err := h.svc.GetGroup(r.Context(), groupID)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, g)
}

func (h *GroupsHandler) ListMembers(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "group_id")
	members, err := h.svc.ListMembers(r.Context(), groupID)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"members": members})
}

type addMemberRequest struct {
	UserID string `json:"user_id"`
}

func (h *GroupsHandler) AddMember(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "group_id")
	actorID := chi.URLParam(r, "actor_id")
	if !requireSelf(w, r, actorID) {
		return
	}
	var req addMemberRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrInvalidBody, err.Error())
		return
	}
	welcome, err := h.svc.AddMember(r.Context(), groupID, actorID, req.UserID)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, welcome)
}

func (h *GroupsHandler) RemoveMember(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "group_id")
	targetID := chi.URLParam(r, "user_id")
	actorID := chi.URLParam(r, "removed_by")
	if !requireSelf(w, r, actorID) {
		return
	}
	if err := h.svc.RemoveMember(r.Context(), groupID, actorID, targetID); err != nil {
		WriteServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type updateMemberKeyRequest struct {
	IdentityKey []byte `json:"identity_key"`
}

func (h *GroupsHandler) UpdateMemberKey(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "group_id")
	userID := chi.URLParam(r, "user_id")
	if !requireSelf(w, r, userID) {
		return
	}
	var req updateMemberKeyRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrInvalidBody, err.Error())
		return
	}
	if err := h.svc.UpdateMemberKey(r.Context(), groupID, userID, req.IdentityKey); err != nil {
		WriteServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type sendGroupMessageRequest struct {
	Ciphertext   []byte `json:"ciphertext"`
	EphemeralKey []byte `json:"ephemeral_key,omitempty"`
}

func (h *GroupsHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "group_id")
	senderID := chi.URLParam(r, "sender_id")
	senderDeviceID := chi.URLParam(r, "sender_device_id")
	if !requireSelfDevice(w, r, senderID, senderDeviceID) {
		return
	}
	var req sendGroupMessageRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrInvalidBody, err.Error())
		return
	}
	resp, err := h.svc.SendMessage(r.Context(), groupID, senderID, senderDeviceID, req.Ciphertext, req.EphemeralKey)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, resp)
}

func (h *GroupsHandler) FetchWelcome(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "group_id")
	userID := chi.URLParam(r, "user_id")
	if !requireSelf(w, r, userID) {
		return
	}
	welcome, err := h.svc.FetchWelcome(r.Context(), groupID, userID)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, welcome)
}
