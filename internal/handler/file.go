package handler

import (
	"net/http"
	"path/filepath"

	"github.com/go-chi/chi/v5"

	"github.com/daiski/backend/internal/imageserver"
)

type FileHandler struct {
	imageSvc *imageserver.Service
}

func NewFileHandler(imageSvc *imageserver.Service) *FileHandler {
	return &FileHandler{imageSvc: imageSvc}
}

func (h *FileHandler) Upload(w http.ResponseWriter, r *http.Request) {
	h.imageSvc.Upload(w, r)
}

func (h *FileHandler) Serve(w http.ResponseWriter, r *http.Request) {
	h.imageSvc.Serve(w, r, filepath.Base(chi.URLParam(r, "filename")))
}
