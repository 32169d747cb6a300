package devserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/loquihq/loqui/internal/model/chat"
)

// Server exposes the stub backend over HTTP: the REST contract the client's
// api package consumes, plus the /ws/{chatID} realtime endpoint.
//
// Auth is deliberately a stub: the bearer token is taken as the user id.
// The credential provider is outside this system's scope.
type Server struct {
	store    *Store
	hub      *hub
	log      *zap.Logger
	upgrader websocket.Upgrader
}

// NewServer builds the stub backend.
func NewServer(log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		store: NewStore(),
		hub:   newHub(log),
		log:   log,
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// Router assembles the chi routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Post("/auth/register", s.handleRegister)
	r.Get("/users/me", s.handleCurrentUser)
	r.Get("/users/active", s.handleActiveUsers)

	r.Route("/groups", func(r chi.Router) {
		r.Get("/", s.handleListGroups)
		r.Post("/", s.handleCreateGroup)
		r.Get("/{groupID}", s.handleGetGroup)
		r.Post("/join/{groupID}", s.handleJoinGroup)
		r.Patch("/{groupID}/messages", s.handleSendGroupMessage)
		r.Patch("/{groupID}/messages/{messageID}", s.handleEditMessage(chat.KindGroup))
		r.Delete("/{groupID}/messages/{messageID}", s.handleDeleteMessage(chat.KindGroup))
	})

	r.Route("/private-chats", func(r chi.Router) {
		r.Post("/", s.handlePrivateChat)
		r.Patch("/{chatID}/messages", s.handleSendPrivateMessage)
		r.Patch("/{chatID}/messages/{messageID}", s.handleEditMessage(chat.KindPrivate))
		r.Delete("/{chatID}/messages/{messageID}", s.handleDeleteMessage(chat.KindPrivate))
	})

	r.Get("/ws/{chatID}", s.handleWebSocket)

	return r
}

// wire DTOs carrying the backend field names the client transforms from.

type userDTO struct {
	UID    string `json:"uid"`
	Name   string `json:"name"`
	Email  string `json:"email"`
	Status string `json:"status"`
}

func toUserDTO(u chat.User) userDTO {
	return userDTO{UID: u.ID, Name: u.Username, Email: u.Email, Status: u.Status}
}

type messageDTO struct {
	ID        string    `json:"_id"`
	FromUser  string    `json:"from_user"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Edited    bool      `json:"edited"`
	Deleted   bool      `json:"deleted"`
}

func toMessageDTO(m chat.Message) messageDTO {
	return messageDTO{
		ID:        m.ID,
		FromUser:  m.Author,
		Content:   m.Content,
		Timestamp: m.Timestamp,
		Edited:    m.Edited,
		Deleted:   m.Deleted,
	}
}

func toMessageDTOs(msgs []chat.Message) []messageDTO {
	out := make([]messageDTO, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toMessageDTO(m))
	}
	return out
}

type groupDTO struct {
	ID       string       `json:"_id"`
	Name     string       `json:"name"`
	Creator  string       `json:"creator"`
	Members  []string     `json:"members"`
	Messages []messageDTO `json:"messages"`
}

func toGroupDTO(g chat.Group) groupDTO {
	return groupDTO{
		ID:       g.ID,
		Name:     g.Name,
		Creator:  g.Creator,
		Members:  g.Members,
		Messages: toMessageDTOs(g.Messages),
	}
}

type privateChatDTO struct {
	ID       string       `json:"_id"`
	Members  []string     `json:"members"`
	Messages []messageDTO `json:"messages"`
}

// callerID extracts the stub identity from the Authorization header.
func callerID(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	uid := callerID(r)
	if uid == "" {
		respondDetail(w, http.StatusUnauthorized, "missing bearer token")
		return
	}

	var payload struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.Name == "" {
		respondDetail(w, http.StatusBadRequest, "name is required")
		return
	}

	u := s.store.UpsertUser(chat.User{
		ID:       uid,
		Username: payload.Name,
		Email:    normalizeName(payload.Name) + "@localhost",
		Status:   "online",
	})
	respondJSON(w, http.StatusCreated, toUserDTO(u))
}

func (s *Server) handleCurrentUser(w http.ResponseWriter, r *http.Request) {
	u, err := s.store.User(callerID(r))
	if err != nil {
		respondDetail(w, http.StatusNotFound, "user not registered")
		return
	}
	respondJSON(w, http.StatusOK, toUserDTO(u))
}

func (s *Server) handleActiveUsers(w http.ResponseWriter, r *http.Request) {
	users := s.store.ActiveUsers()
	dtos := make([]userDTO, 0, len(users))
	for _, u := range users {
		dtos = append(dtos, toUserDTO(u))
	}
	respondJSON(w, http.StatusOK, dtos)
}

func (s *Server) handleListGroups(w http.ResponseWriter, r *http.Request) {
	groups := s.store.Groups()
	dtos := make([]groupDTO, 0, len(groups))
	for _, g := range groups {
		dtos = append(dtos, toGroupDTO(g))
	}
	respondJSON(w, http.StatusOK, dtos)
}

func (s *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	uid := callerID(r)
	if uid == "" {
		respondDetail(w, http.StatusUnauthorized, "missing bearer token")
		return
	}

	var payload struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.Name == "" {
		respondDetail(w, http.StatusBadRequest, "name is required")
		return
	}

	g := s.store.CreateGroup(payload.Name, uid)
	respondJSON(w, http.StatusCreated, toGroupDTO(g))
}

func (s *Server) handleGetGroup(w http.ResponseWriter, r *http.Request) {
	g, err := s.store.Group(chi.URLParam(r, "groupID"), callerID(r))
	if err != nil {
		respondStoreErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, toGroupDTO(g))
}

func (s *Server) handleJoinGroup(w http.ResponseWriter, r *http.Request) {
	uid := callerID(r)
	if uid == "" {
		respondDetail(w, http.StatusUnauthorized, "missing bearer token")
		return
	}
	g, err := s.store.JoinGroup(chi.URLParam(r, "groupID"), uid)
	if err != nil {
		respondStoreErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, toGroupDTO(g))
}

func (s *Server) handlePrivateChat(w http.ResponseWriter, r *http.Request) {
	uid := callerID(r)
	if uid == "" {
		respondDetail(w, http.StatusUnauthorized, "missing bearer token")
		return
	}

	var payload struct {
		OtherUID string `json:"other_uid"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.OtherUID == "" {
		respondDetail(w, http.StatusBadRequest, "other_uid is required")
		return
	}

	pc, err := s.store.PrivateChat(uid, payload.OtherUID)
	if err != nil {
		respondStoreErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]privateChatDTO{
		"chat": {ID: pc.ID, Members: pc.Members, Messages: toMessageDTOs(pc.Messages)},
	})
}

func (s *Server) handleSendGroupMessage(w http.ResponseWriter, r *http.Request) {
	s.handleSend(w, r, func(content string) (chat.Message, error) {
		return s.store.AppendGroupMessage(chi.URLParam(r, "groupID"), callerID(r), content)
	})
}

func (s *Server) handleSendPrivateMessage(w http.ResponseWriter, r *http.Request) {
	s.handleSend(w, r, func(content string) (chat.Message, error) {
		return s.store.AppendPrivateMessage(chi.URLParam(r, "chatID"), callerID(r), content)
	})
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request, persist func(string) (chat.Message, error)) {
	if callerID(r) == "" {
		respondDetail(w, http.StatusUnauthorized, "missing bearer token")
		return
	}

	var payload struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.Content == "" {
		respondDetail(w, http.StatusBadRequest, "content is required")
		return
	}

	msg, err := persist(payload.Content)
	if err != nil {
		respondStoreErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, toMessageDTO(msg))
}

func (s *Server) handleEditMessage(kind chat.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Content string `json:"content"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.Content == "" {
			respondDetail(w, http.StatusBadRequest, "content is required")
			return
		}

		msg, err := s.store.EditMessage(kind, chatParam(r, kind), chi.URLParam(r, "messageID"), callerID(r), payload.Content)
		if err != nil {
			respondStoreErr(w, err)
			return
		}
		respondJSON(w, http.StatusOK, toMessageDTO(msg))
	}
}

func (s *Server) handleDeleteMessage(kind chat.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		msg, err := s.store.DeleteMessage(kind, chatParam(r, kind), chi.URLParam(r, "messageID"), callerID(r))
		if err != nil {
			respondStoreErr(w, err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]messageDTO{"data": toMessageDTO(msg)})
	}
}

func chatParam(r *http.Request, kind chat.Kind) string {
	if kind == chat.KindGroup {
		return chi.URLParam(r, "groupID")
	}
	return chi.URLParam(r, "chatID")
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	if r.URL.Query().Get("user_id") == "" {
		respondDetail(w, http.StatusBadRequest, "user_id is required")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	s.log.Info("websocket joined",
		zap.String("chat", chatID),
		zap.String("user", r.URL.Query().Get("user_id")))
	go s.hub.serve(chatID, conn)
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondDetail(w http.ResponseWriter, status int, detail string) {
	respondJSON(w, status, map[string]string{"detail": detail})
}

func respondStoreErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		respondDetail(w, http.StatusNotFound, "not found")
	case errors.Is(err, ErrForbidden):
		respondDetail(w, http.StatusForbidden, "not a member")
	default:
		respondDetail(w, http.StatusInternalServerError, err.Error())
	}
}
