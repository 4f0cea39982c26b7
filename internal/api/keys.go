package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/lumenprima/echofabric/internal/keys"
)

type KeysHandler struct {
	svc *keys.Service
}

func NewKeysHandler(svc *keys.Service) *KeysHandler {
	return &KeysHandler{svc: svc}
}

// PublicRoutes mounts registration, the one route a device must be able to
// call before it has a bearer token of its own to authenticate with.
func (h *KeysHandler) PublicRoutes(r chi.Router) {
	r.Post("/keys/register/{user_id}", h.Register)
}

// Routes mounts everything else, meant to sit behind DeviceAuth.
func (h *KeysHandler) Routes(r chi.Router) {
	r.Get("/keys/bundle/{user_id}", h.GetBundle)
	r.Put("/keys/rotate/{user_id}/{device_id}", h.Rotate)
	r.Post("/keys/prekeys/{user_id}/{device_id}", h.UploadPreKeys)
	r.Delete("/keys/deactivate/{user_id}/{device_id}", h.Deactivate)
	r.Get("/keys/devices/{user_id}", h.ListDevices)
	r.Get("/keys/stats/{user_id}/{device_id}", h.Stats)
}

func (h *KeysHandler) Register(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")
	var req keys.RegisterDeviceRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrInvalidBody, err.Error())
		return
	}
	dev, err := h.svc.RegisterDevice(r.Context(), userID, req)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, dev)
}

func (h *KeysHandler) GetBundle(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")
	deviceID, _ := QueryString(r, "device_id")
	bundle, err := h.svc.GetPreKeyBundle(r.Context(), userID, deviceID)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, bundle)
}

func (h *KeysHandler) Rotate(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")
	deviceID := chi.URLParam(r, "device_id")
	if !requireSelfDevice(w, r, userID, deviceID) {
		return
	}
	var req keys.SignedPreKeyUpload
	if err := DecodeJSON(r, &req); err != nil {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrInvalidBody, err.Error())
		return
	}
	if err := h.svc.RotateSignedPreKey(r.Context(), userID, deviceID, req); err != nil {
		WriteServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *KeysHandler) UploadPreKeys(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")
	deviceID := chi.URLParam(r, "device_id")
	if !requireSelfDevice(w, r, userID, deviceID) {
		return
	}
	var batch []keys.OneTimePreKeyUpload
	if err := DecodeJSON(r, &batch); err != nil {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrInvalidBody, err.Error())
		return
	}
	if err := h.svc.UploadOneTimePreKeys(r.Context(), userID, deviceID, batch); err != nil {
		WriteServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *KeysHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")
	deviceID := chi.URLParam(r, "device_id")
	if !requireSelfDevice(w, r, userID, deviceID) {
		return
	}
	if err := h.svc.DeactivateDevice(r.Context(), userID, deviceID); err != nil {
		WriteServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *KeysHandler) ListDevices(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")
	if !requireSelf(w, r, userID) {
		return
	}
	devices, err := h.svc.ListDevices(r.Context(), userID)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"devices": devices})
}

func (h *KeysHandler) Stats(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")
	deviceID := chi.URLParam(r, "device_id")
	if !requireSelfDevice(w, r, userID, deviceID) {
		return
	}
	stats, err := h.svc.DeviceStats(r.Context(), userID, deviceID)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, stats)
}
