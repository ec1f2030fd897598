// ABOUTME: HTTP and websocket handlers implementing the chat backend contract in memory
// ABOUTME: Used by integration tests and the local dev server; bearer auth on every route but login/register

package fakebackend

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/aura-chat/internal/model"
	"github.com/2389/aura-chat/internal/realtime"
)

// Options configures a Server.
type Options struct {
	// Secret signs bearer tokens. Required.
	Secret []byte
	// TokenTTL is the lifetime of issued tokens. Defaults to 24h.
	TokenTTL time.Duration
	// EchoToSender also delivers a relayed sendMessage back to the session
	// that emitted it.
	EchoToSender bool
	// Now overrides the clock for timestamps and token validation.
	Now func() time.Time
}

// Server is an in-memory chat backend.
type Server struct {
	opts     Options
	logger   *slog.Logger
	store    *store
	tokens   *tokenIssuer
	router   *router
	upgrader websocket.Upgrader
	mux      *http.ServeMux
}

// New creates a server. Pass nil logger for default.
func New(opts Options, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = 24 * time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	s := &Server{
		opts:   opts,
		logger: logger.With("component", "fakebackend"),
		store:  newStore(opts.Now),
		tokens: &tokenIssuer{secret: opts.Secret, ttl: opts.TokenTTL, now: opts.Now},
		router: newRouter(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		mux: http.NewServeMux(),
	}

	s.mux.HandleFunc("/auth/login", s.handleLogin)
	s.mux.HandleFunc("/auth/register", s.handleRegister)
	s.mux.HandleFunc("/users/me", s.authed(s.handleMe))
	s.mux.HandleFunc("/users/profile", s.authed(s.handleProfile))
	s.mux.HandleFunc("/users", s.authed(s.handleUsers))
	s.mux.HandleFunc("/chat/create", s.authed(s.handleCreate))
	s.mux.HandleFunc("/chat/send", s.authed(s.handleSend))
	s.mux.HandleFunc("/chat/", s.authed(s.handleChatPath))
	s.mux.HandleFunc("/ws", s.handleWebSocket)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Seed registers a user directly and returns it with a fresh token.
func (s *Server) Seed(reg model.Registration) (model.UserSummary, string, error) {
	u, err := s.store.register(reg)
	if err != nil {
		return model.UserSummary{}, "", err
	}
	token, err := s.tokens.issue(u.ID)
	if err != nil {
		return model.UserSummary{}, "", err
	}
	return u, token, nil
}

// DropConnections abruptly closes every websocket session, as a network
// partition or server restart would.
func (s *Server) DropConnections() {
	s.router.closeAll(websocket.CloseGoingAway, "server going away")
}

// Sessions returns the number of live websocket sessions.
func (s *Server) Sessions() int {
	return s.router.count()
}

// Close terminates all websocket sessions.
func (s *Server) Close() {
	s.router.closeAll(websocket.CloseGoingAway, "server shutdown")
}

// sendJSONError writes a JSON error response.
func sendJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"message": message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// bearer extracts the token from an Authorization header.
func bearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
}

func (s *Server) authenticate(r *http.Request) (string, error) {
	token := bearer(r)
	if token == "" {
		return "", errInvalidToken
	}
	userID, err := s.tokens.verify(token)
	if err != nil {
		return "", err
	}
	if _, err := s.store.user(userID); err != nil {
		return "", errInvalidToken
	}
	return userID, nil
}

type authedHandler func(w http.ResponseWriter, r *http.Request, userID string)

func (s *Server) authed(h authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := s.authenticate(r)
		if err != nil {
			sendJSONError(w, http.StatusUnauthorized, err.Error())
			return
		}
		h(w, r, userID)
	}
}

// storeStatus maps store errors onto HTTP statuses.
func storeStatus(err error) int {
	switch {
	case errors.Is(err, errUserNotFound), errors.Is(err, errConvNotFound):
		return http.StatusNotFound
	case errors.Is(err, errNotMember):
		return http.StatusForbidden
	case errors.Is(err, errBadCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, errUsernameTaken), errors.Is(err, errSelfChat):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) issue(w http.ResponseWriter, status int, u model.UserSummary) {
	token, err := s.tokens.issue(u.ID)
	if err != nil {
		sendJSONError(w, http.StatusInternalServerError, "could not issue token")
		return
	}
	writeJSON(w, status, model.AuthResult{Token: token, UserID: u.ID})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	u, err := s.store.authenticate(req.Username, req.Password)
	if err != nil {
		sendJSONError(w, storeStatus(err), err.Error())
		return
	}
	s.logger.Debug("login", "user_id", u.ID, "username", u.Username)
	s.issue(w, http.StatusOK, u)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var reg model.Registration
	if err := json.NewDecoder(r.Body).Decode(&reg); err != nil {
		sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if reg.Username == "" || reg.Password == "" {
		sendJSONError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	u, err := s.store.register(reg)
	if err != nil {
		sendJSONError(w, storeStatus(err), err.Error())
		return
	}
	s.logger.Info("registered", "user_id", u.ID, "username", u.Username)
	s.issue(w, http.StatusCreated, u)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	u, err := s.store.user(userID)
	if err != nil {
		sendJSONError(w, storeStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request, _ string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.store.users())
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodPut {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var upd model.ProfileUpdate
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	u, err := s.store.updateProfile(userID, upd)
	if err != nil {
		sendJSONError(w, storeStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		ReceiverID string `json:"receiverId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ReceiverID == "" {
		sendJSONError(w, http.StatusBadRequest, "receiverId is required")
		return
	}

	conv, err := s.store.getOrCreate(userID, req.ReceiverID)
	if err != nil {
		sendJSONError(w, storeStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		ConversationID string `json:"conversationId"`
		Text           string `json:"text"`
		ImageURL       string `json:"imageUrl"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	draft := model.Draft{Text: req.Text, ImageURL: req.ImageURL}
	if req.ConversationID == "" || draft.Empty() {
		sendJSONError(w, http.StatusBadRequest, "conversationId and text or imageUrl are required")
		return
	}

	msg, err := s.store.addMessage(req.ConversationID, userID, draft)
	if err != nil {
		sendJSONError(w, storeStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

// handleChatPath serves GET /chat/{id}/messages and GET /chat/conversation/{id}.
func (s *Server) handleChatPath(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/chat/")
	switch {
	case strings.HasPrefix(rest, "conversation/"):
		convID := strings.TrimPrefix(rest, "conversation/")
		if convID == "" || strings.Contains(convID, "/") {
			sendJSONError(w, http.StatusBadRequest, "invalid path")
			return
		}
		s.handlePeer(w, convID, userID)

	case strings.HasSuffix(rest, "/messages"):
		convID := strings.TrimSuffix(rest, "/messages")
		if convID == "" || strings.Contains(convID, "/") {
			sendJSONError(w, http.StatusBadRequest, "invalid path")
			return
		}
		msgs, err := s.store.history(convID, userID)
		if err != nil {
			sendJSONError(w, storeStatus(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, msgs)

	default:
		sendJSONError(w, http.StatusNotFound, "not found")
	}
}

func (s *Server) handlePeer(w http.ResponseWriter, convID, userID string) {
	conv, err := s.store.conversation(convID, userID)
	if err != nil {
		sendJSONError(w, storeStatus(err), err.Error())
		return
	}
	peer, err := s.store.user(conv.Peer(userID))
	if err != nil {
		sendJSONError(w, storeStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]model.UserSummary{"receiver": peer})
}

// handleWebSocket authenticates the handshake, then serves the event bus:
// joinConversation moves the session into a room and sendMessage is relayed
// to the room as newMessage.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID, err := s.authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	sess := newSession(userID, ws)
	s.router.attach(sess)
	defer func() {
		s.router.detach(sess)
		sess.close(websocket.CloseNormalClosure, "")
	}()

	logger := s.logger.With("session_id", sess.id, "user_id", userID)
	logger.Debug("session opened")

	for {
		var f realtime.Frame
		if err := ws.ReadJSON(&f); err != nil {
			logger.Debug("session closed", "error", err)
			return
		}

		switch f.Event {
		case realtime.EventJoinConversation:
			s.onJoin(sess, f.Data, logger)
		case realtime.EventSendMessage:
			s.onRelay(sess, f.Data, logger)
		default:
			logger.Debug("ignoring event", "event", f.Event)
		}
	}
}

func (s *Server) onJoin(sess *wsSession, data json.RawMessage, logger *slog.Logger) {
	var convID string
	if err := json.Unmarshal(data, &convID); err != nil || convID == "" {
		logger.Warn("bad join payload")
		return
	}
	if _, err := s.store.conversation(convID, sess.userID); err != nil {
		logger.Warn("join refused", "conversation_id", convID, "error", err)
		return
	}
	s.router.join(convID, sess)
	logger.Debug("joined", "conversation_id", convID)
}

func (s *Server) onRelay(sess *wsSession, data json.RawMessage, logger *slog.Logger) {
	var msg model.Message
	if err := json.Unmarshal(data, &msg); err != nil || msg.ConversationID == "" {
		logger.Warn("bad sendMessage payload")
		return
	}
	if _, err := s.store.conversation(msg.ConversationID, sess.userID); err != nil {
		logger.Warn("relay refused", "conversation_id", msg.ConversationID, "error", err)
		return
	}

	frame, err := realtime.NewFrame(realtime.EventNewMessage, msg)
	if err != nil {
		return
	}
	payload, err := json.Marshal(frame)
	if err != nil {
		return
	}

	exclude := sess.id
	if s.opts.EchoToSender {
		exclude = ""
	}
	n := s.router.broadcast(msg.ConversationID, payload, exclude)
	logger.Debug("relayed", "conversation_id", msg.ConversationID, "message_id", msg.ID, "delivered", n)
}
