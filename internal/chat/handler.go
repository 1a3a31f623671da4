package chat

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"chatsync/internal/middleware"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all for now (dev mode)
	},
}

type Handler struct {
	repo     *Repository
	profiles ProfileLookup
	feed     ChangeFeed
	log      *zap.SugaredLogger
}

func NewHandler(repo *Repository, profiles ProfileLookup, feed ChangeFeed, log *zap.SugaredLogger) *Handler {
	return &Handler{
		repo:     repo,
		profiles: profiles,
		feed:     feed,
		log:      log,
	}
}

// ServeWs upgrades the connection and hands it a fresh engine. The client
// drives everything from there: select a chat, send messages, re-render on
// every snapshot frame.
func (h *Handler) ServeWs(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value(middleware.UserKey).(string)
	if !ok || userID == "" {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warnw("websocket upgrade failed", "error", err)
		return
	}

	engine := NewEngine(h.repo, h.profiles, h.feed, h.log)
	session := newSession(conn, engine, userID, h.log)

	go session.writePump()
	go session.readPump()
}

func (h *Handler) ListChats(w http.ResponseWriter, r *http.Request) {
	chats, err := h.repo.ListChats(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(chats)
}

func (h *Handler) ListMembers(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")

	members, err := h.repo.ListMembers(r.Context(), chatID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(members)
}

type createChatRequest struct {
	Title     string   `json:"title"`
	Type      string   `json:"type"`
	MemberIDs []string `json:"member_ids"`
}

func (h *Handler) CreateChat(w http.ResponseWriter, r *http.Request) {
	userID, _ := r.Context().Value(middleware.UserKey).(string)

	var req createChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	// The creator is always a member.
	members := req.MemberIDs
	found := false
	for _, id := range members {
		if id == userID {
			found = true
			break
		}
	}
	if !found && userID != "" {
		members = append(members, userID)
	}

	c, err := h.repo.CreateChat(r.Context(), req.Title, req.Type, members)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(c)
}
