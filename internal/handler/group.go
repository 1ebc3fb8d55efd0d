package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/daiski/backend/internal/groupchat"
	"github.com/daiski/backend/internal/logger"
	"github.com/daiski/backend/internal/middleware"
	"github.com/daiski/backend/internal/model"
	"github.com/daiski/backend/internal/repository"
	"github.com/daiski/backend/internal/storage"
)

// ChatAuthorizer decides whether a user may enter a group's chat.
type ChatAuthorizer interface {
	Authorize(ctx context.Context, userID string, groupID int64) groupchat.Decision
}

type GroupHandler struct {
	groups     *repository.GroupRepository
	authorizer ChatAuthorizer
	presence   storage.Store
}

func NewGroupHandler(groups *repository.GroupRepository, authorizer ChatAuthorizer, presence storage.Store) *GroupHandler {
	return &GroupHandler{groups: groups, authorizer: authorizer, presence: presence}
}

type createGroupRequest struct {
	Title       string    `json:"title"`
	Description string    `json:"description"`
	MaxPeople   int       `json:"maxPeople"`
	StartAt     time.Time `json:"startAt"`
}

func (h *GroupHandler) Create(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	var req createGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Title == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}
	if req.MaxPeople <= 0 {
		req.MaxPeople = 10
	}
	g := &model.Group{
		Title:       req.Title,
		Description: req.Description,
		MaxPeople:   req.MaxPeople,
		StartAt:     req.StartAt,
		CreatedBy:   userID,
		CreatedAt:   time.Now().UTC(),
	}
	if err := h.groups.Create(r.Context(), g); err != nil {
		logger.Errorf("group create: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to create group")
		return
	}
	// The organizer joins their own group immediately.
	if err := h.groups.AddMember(r.Context(), &model.GroupMember{
		GroupID:  g.ID,
		UserID:   userID,
		JoinedAt: time.Now().UTC(),
	}); err != nil {
		logger.Errorf("group create add organizer group=%d: %v", g.ID, err)
	}
	writeJSON(w, http.StatusCreated, g)
}

func (h *GroupHandler) List(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 20)
	offset := queryInt(r, "offset", 0)
	list, err := h.groups.List(r.Context(), limit, offset)
	if err != nil {
		logger.Errorf("group list: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to load groups")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"groups": list})
}

func (h *GroupHandler) Get(w http.ResponseWriter, r *http.Request) {
	groupID := urlParamInt64(r, "groupId")
	if groupID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid group id")
		return
	}
	g, err := h.groups.GetByID(r.Context(), groupID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "group not found")
			return
		}
		logger.Errorf("group get %d: %v", groupID, err)
		writeError(w, http.StatusInternalServerError, "failed to load group")
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (h *GroupHandler) Members(w http.ResponseWriter, r *http.Request) {
	groupID := urlParamInt64(r, "groupId")
	if groupID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid group id")
		return
	}
	members, err := h.groups.GetMembers(r.Context(), groupID)
	if err != nil {
		logger.Errorf("group members %d: %v", groupID, err)
		writeError(w, http.StatusInternalServerError, "failed to load members")
		return
	}
	public := make([]model.UserPublic, 0, len(members))
	for i := range members {
		public = append(public, members[i].ToPublic())
	}
	writeJSON(w, http.StatusOK, map[string]any{"members": public})
}

// Signup adds the calling user to the group roster, unpaid.
func (h *GroupHandler) Signup(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	groupID := urlParamInt64(r, "groupId")
	if groupID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid group id")
		return
	}
	if _, err := h.groups.GetByID(r.Context(), groupID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "group not found")
			return
		}
		logger.Errorf("group signup get %d: %v", groupID, err)
		writeError(w, http.StatusInternalServerError, "signup failed")
		return
	}
	err := h.groups.AddMember(r.Context(), &model.GroupMember{
		GroupID:  groupID,
		UserID:   userID,
		JoinedAt: time.Now().UTC(),
	})
	if err != nil {
		logger.Errorf("group signup group=%d user=%s: %v", groupID, userID, err)
		writeError(w, http.StatusInternalServerError, "signup failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Payment records a completed payment for the calling user's membership.
// In production this is driven by the payment provider callback.
func (h *GroupHandler) Payment(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	groupID := urlParamInt64(r, "groupId")
	if groupID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid group id")
		return
	}
	if _, err := h.groups.GetMember(r.Context(), groupID, userID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not signed up for this group")
			return
		}
		logger.Errorf("group payment member group=%d user=%s: %v", groupID, userID, err)
		writeError(w, http.StatusInternalServerError, "payment failed")
		return
	}
	if err := h.groups.MarkPaid(r.Context(), groupID, userID, time.Now().UTC()); err != nil {
		logger.Errorf("group payment mark group=%d user=%s: %v", groupID, userID, err)
		writeError(w, http.StatusInternalServerError, "payment failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Authorize answers whether the calling user may enter the group's chat.
// The chat widget calls this before opening its WebSocket room.
func (h *GroupHandler) Authorize(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	groupID := urlParamInt64(r, "groupId")
	decision := h.authorizer.Authorize(r.Context(), userID, groupID)
	status := http.StatusOK
	if !decision.Authorized {
		status = http.StatusForbidden
	}
	writeJSON(w, status, decision)
}

// Online returns who currently has the group's chat open.
func (h *GroupHandler) Online(w http.ResponseWriter, r *http.Request) {
	groupID := urlParamInt64(r, "groupId")
	if groupID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid group id")
		return
	}
	members, err := h.presence.OnlineMembers(r.Context(), groupID)
	if err != nil {
		logger.Errorf("group online %d: %v", groupID, err)
		writeError(w, http.StatusInternalServerError, "failed to load presence")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"online": members, "count": len(members)})
}
