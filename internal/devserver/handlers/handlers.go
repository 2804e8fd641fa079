package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"chatsync/internal/devserver/ratelimit"
	"chatsync/internal/devserver/storage"
	"chatsync/internal/devserver/ws"
	"chatsync/internal/model"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type Server struct {
	logger  *zap.SugaredLogger
	store   *storage.Store
	hub     *ws.Hub
	limiter *ratelimit.RateLimiter

	tokenMu sync.RWMutex
	tokens  map[string]string // token -> user id
}

func New(logger *zap.SugaredLogger, store *storage.Store, hub *ws.Hub, limiter *ratelimit.RateLimiter) *Server {
	return &Server{
		logger:  logger,
		store:   store,
		hub:     hub,
		limiter: limiter,
		tokens:  make(map[string]string),
	}
}

func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /api/register", s.handleRegister)
	mux.HandleFunc("POST /api/login", s.handleLogin)
	mux.HandleFunc("GET /api/chats/users/{userId}", s.handleUserChats)
	mux.HandleFunc("POST /api/chats", s.handleCreateChat)
	mux.HandleFunc("GET /api/chats/{id}", s.handleGetChat)
	mux.HandleFunc("POST /api/chats/{id}/members", s.handleAddMember)
	mux.HandleFunc("DELETE /api/chats/{id}", s.handleDeleteChat)
	mux.HandleFunc("GET /api/messages", s.handleGetMessages)
	mux.HandleFunc("POST /api/messages", s.handleSendMessage)
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

type authRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type credentials struct {
	UserID string `json:"user_id"`
	Token  string `json:"token"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req authRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" || req.Password == "" {
		http.Error(w, "username and password required", http.StatusBadRequest)
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	user, err := s.store.CreateUser(req.Username, string(hash))
	if err != nil {
		if errors.Is(err, storage.ErrUserExists) {
			http.Error(w, "username taken", http.StatusConflict)
			return
		}
		s.logger.Errorw("creating user", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, http.StatusOK, credentials{UserID: user.ID, Token: s.issueToken(user.ID)})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	ip := ratelimit.GetClientIP(r)
	if !s.limiter.CanAuth(ip) {
		http.Error(w, "too many attempts", http.StatusTooManyRequests)
		return
	}

	var req authRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	user, err := s.store.GetUserByUsername(req.Username)
	if err != nil {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)) != nil {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}

	s.writeJSON(w, http.StatusOK, credentials{UserID: user.ID, Token: s.issueToken(user.ID)})
}

func (s *Server) handleUserChats(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	if pathUser, err := url.PathUnescape(r.PathValue("userId")); err != nil || pathUser != userID {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	chats, err := s.store.GetUserChats(userID)
	if err != nil {
		s.logger.Errorw("listing chats", "user_id", userID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, chats)
}

type createChatRequest struct {
	Name      string         `json:"name"`
	Kind      model.ChatKind `json:"kind"`
	MemberIDs []string       `json:"member_ids"`
}

func (s *Server) handleCreateChat(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	var req createChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.MemberIDs) == 0 {
		http.Error(w, "member_ids required", http.StatusBadRequest)
		return
	}
	if !containsString(req.MemberIDs, userID) {
		req.MemberIDs = append(req.MemberIDs, userID)
	}

	chat, err := s.store.CreateChat(req.Name, req.Kind, req.MemberIDs)
	if err != nil {
		s.logger.Errorw("creating chat", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, chat)
}

func (s *Server) handleGetChat(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authenticate(w, r); !ok {
		return
	}

	chat, err := s.store.GetChat(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, storage.ErrChatNotExist) {
			http.Error(w, "chat not found", http.StatusNotFound)
			return
		}
		s.logger.Errorw("fetching chat", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, chat)
}

type addMemberRequest struct {
	UserID string `json:"user_id"`
}

func (s *Server) handleAddMember(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authenticate(w, r); !ok {
		return
	}

	chatID := r.PathValue("id")
	var req addMemberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		http.Error(w, "user_id required", http.StatusBadRequest)
		return
	}

	if err := s.store.AddMember(chatID, req.UserID); err != nil {
		s.logger.Errorw("adding member", "chat_id", chatID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	chat, err := s.store.GetChat(chatID)
	if err != nil {
		http.Error(w, "chat not found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, chat)
}

// handleDeleteChat hides the chat for the requesting user only. A later
// message from another member brings it back.
func (s *Server) handleDeleteChat(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	if q := r.URL.Query().Get("user_id"); q != "" && q != userID {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	if err := s.store.SoftDeleteChat(userID, r.PathValue("id")); err != nil {
		s.logger.Errorw("deleting chat", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authenticate(w, r); !ok {
		return
	}

	chatID := r.URL.Query().Get("chat_id")
	if chatID == "" {
		http.Error(w, "chat_id required", http.StatusBadRequest)
		return
	}

	msgs, err := s.store.GetChatMessages(chatID, 100)
	if err != nil {
		s.logger.Errorw("fetching messages", "chat_id", chatID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, msgs)
}

type sendMessageRequest struct {
	ChatID    string `json:"chat_id"`
	SenderID  string `json:"sender_id"`
	Content   string `json:"content"`
	ReplyToID string `json:"reply_to_id"`
}

// handleSendMessage is the fallback send path for clients whose socket is
// down. The stored message is fanned out through the hub so online members
// still see it in realtime.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ChatID == "" || req.Content == "" {
		http.Error(w, "chat_id and content required", http.StatusBadRequest)
		return
	}

	msg, err := s.store.SaveMessage(req.ChatID, userID, req.Content, req.ReplyToID)
	if err != nil {
		s.logger.Errorw("saving message", "chat_id", req.ChatID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	s.hub.Fanout(msg)
	s.writeJSON(w, http.StatusOK, msg)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ip := ratelimit.GetClientIP(r)
	if !s.limiter.CanConnect(ip) {
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		s.logger.Warnw("rate limited connection", "ip", ip)
		return
	}

	userID, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	if header := r.Header.Get("X-User-ID"); header != "" && header != userID {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("upgrade failed", "ip", ip, "error", err)
		return
	}

	s.limiter.AddConnection(ip)

	client := &ws.Client{
		Hub:    s.hub,
		Conn:   conn,
		Send:   make(chan []byte, 256),
		UserID: userID,
		IP:     ip,
	}
	s.hub.Register <- client

	go func() {
		defer s.limiter.RemoveConnection(ip)
		client.WritePump()
	}()
	go client.ReadPump()
}

func (s *Server) issueToken(userID string) string {
	token := uuid.NewString()
	s.tokenMu.Lock()
	s.tokens[token] = userID
	s.tokenMu.Unlock()
	return token
}

func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	token, found := strings.CutPrefix(header, "Bearer ")
	if !found || token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return "", false
	}

	s.tokenMu.RLock()
	userID, ok := s.tokens[token]
	s.tokenMu.RUnlock()
	if !ok {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return "", false
	}
	return userID, true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warnw("writing response", "error", err)
	}
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
