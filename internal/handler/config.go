package handler

import (
	"net/http"

	"github.com/daiski/backend/internal/config"
	"github.com/daiski/backend/internal/push"
)

// ConfigHandler serves public client configuration, no auth required.
type ConfigHandler struct {
	cfg      *config.Config
	vapidPub string
}

func NewConfigHandler(cfg *config.Config, vapid *push.VAPIDKeys) *ConfigHandler {
	h := &ConfigHandler{cfg: cfg}
	if vapid != nil {
		h.vapidPub = vapid.PublicKey
	}
	return h
}

// GetPushConfig returns the public VAPID key browsers need to subscribe.
func (h *ConfigHandler) GetPushConfig(w http.ResponseWriter, r *http.Request) {
	if h.vapidPub == "" {
		writeJSON(w, http.StatusOK, map[string]any{"enabled": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"enabled":          true,
		"vapid_public_key": h.vapidPub,
	})
}

// GetUploadConfig tells the widget the image size limit before it uploads.
func (h *ConfigHandler) GetUploadConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"max_upload_size": h.cfg.MaxUploadSize,
	})
}
