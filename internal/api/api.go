// Package api serves the HTTP endpoints that sit next to the WebSocket
// endpoint: the caller's identity, conversation history, the avatar proxy,
// logout and metrics. Every route except logout and metrics authenticates
// with the same Authenticator as the socket upgrade.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/whisper/livechat/internal/chat"
	"github.com/whisper/livechat/internal/identity"
	"github.com/whisper/livechat/internal/metrics"
	"github.com/whisper/livechat/internal/presence"
)

// AvatarTimeout bounds one upstream avatar fetch.
const AvatarTimeout = 10 * time.Second

// Authenticator resolves the identity behind a request.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (presence.Identity, error)
}

// Sessions deletes server-side sessions on logout. Implemented by
// session.Store.
type Sessions interface {
	Delete(ctx context.Context, token string) error
}

// Mux is where routes are registered. Both *http.ServeMux and *ws.Server
// satisfy it.
type Mux interface {
	Handle(pattern string, handler http.Handler)
}

// Handler holds the dependencies of the HTTP API.
type Handler struct {
	auth     Authenticator
	history  *chat.History
	users    chat.UserLookup
	sessions Sessions
	client   *http.Client
	log      *slog.Logger
}

// New creates a Handler. sessions may be nil when tokens are stateless.
func New(auth Authenticator, history *chat.History, users chat.UserLookup, sessions Sessions, log *slog.Logger) *Handler {
	return &Handler{
		auth:     auth,
		history:  history,
		users:    users,
		sessions: sessions,
		client:   &http.Client{Timeout: AvatarTimeout},
		log:      log,
	}
}

// Register mounts every route on mux.
func (h *Handler) Register(mux Mux) {
	mux.Handle("GET /me", h.requireIdentity(h.me))
	mux.Handle("GET /chat-history", h.requireIdentity(h.chatHistory))
	mux.Handle("GET /messages/{userId}", h.requireIdentity(h.messages))
	mux.Handle("GET /proxy/profile-pic/{userId}", h.requireIdentity(h.profilePic))
	mux.Handle("GET /logout", http.HandlerFunc(h.logout))
	mux.Handle("GET /metrics", metrics.Handler())
}

// requireIdentity authenticates the request and stores the identity in its
// context.
func (h *Handler) requireIdentity(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := h.auth.Authenticate(r.Context(), r)
		if err != nil {
			status := http.StatusUnauthorized
			switch {
			case errors.Is(err, identity.ErrBanned):
				status = http.StatusForbidden
			case errors.Is(err, identity.ErrRateLimited):
				status = http.StatusTooManyRequests
			}
			http.Error(w, http.StatusText(status), status)
			return
		}
		next(w, r.WithContext(identity.WithIdentity(r.Context(), id)))
	})
}

func (h *Handler) me(w http.ResponseWriter, r *http.Request) {
	id, _ := identity.FromContext(r.Context())
	writeJSON(w, http.StatusOK, struct {
		UserID   string `json:"userId"`
		Username string `json:"username"`
	}{id.ID, id.DisplayName})
}

func (h *Handler) chatHistory(w http.ResponseWriter, r *http.Request) {
	id, _ := identity.FromContext(r.Context())

	convs, err := h.history.Conversations(r.Context(), id.ID)
	if err != nil {
		h.log.Error("api: chat history failed", "user", id.ID, "err", err)
		writeError(w, http.StatusInternalServerError, "Failed to fetch chat history")
		return
	}
	if convs == nil {
		convs = []chat.ConversationSummary{}
	}
	writeJSON(w, http.StatusOK, convs)
}

func (h *Handler) messages(w http.ResponseWriter, r *http.Request) {
	id, _ := identity.FromContext(r.Context())
	partner := r.PathValue("userId")

	msgs, err := h.history.Conversation(r.Context(), id.ID, partner)
	if err != nil {
		h.log.Error("api: messages failed", "user", id.ID, "partner", partner, "err", err)
		writeError(w, http.StatusInternalServerError, "Failed to fetch messages")
		return
	}
	if msgs == nil {
		msgs = []chat.HistoryMessage{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

// profilePic streams the avatar of another user so clients never contact
// the avatar host directly.
func (h *Handler) profilePic(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userId")

	u, err := h.users.GetUser(r.Context(), userID)
	if errors.Is(err, chat.ErrUserNotFound) || (err == nil && !u.HasAvatar()) {
		http.Error(w, "Profile picture not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.log.Error("api: avatar lookup failed", "user", userID, "err", err)
		http.Error(w, "Error loading profile picture", http.StatusInternalServerError)
		return
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, u.AvatarRef, nil)
	if err != nil {
		http.Error(w, "Profile picture not found", http.StatusNotFound)
		return
	}
	resp, err := h.client.Do(req)
	if err != nil {
		h.log.Warn("api: avatar fetch failed", "user", userID, "err", err)
		http.Error(w, "Profile picture not found", http.StatusNotFound)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		http.Error(w, "Profile picture not found", http.StatusNotFound)
		return
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "image/jpeg"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, resp.Body); err != nil {
		h.log.Debug("api: avatar copy interrupted", "user", userID, "err", err)
	}
}

// logout deletes the server-side session, clears the cookie and sends the
// browser home.
func (h *Handler) logout(w http.ResponseWriter, r *http.Request) {
	creds := identity.CredentialsFromRequest(r)
	if h.sessions != nil && creds.Token != "" {
		if err := h.sessions.Delete(r.Context(), creds.Token); err != nil {
			h.log.Warn("api: session delete failed", "err", err)
		}
	}

	http.SetCookie(w, &http.Cookie{
		Name:     identity.SessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
	http.Redirect(w, r, "/", http.StatusFound)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
