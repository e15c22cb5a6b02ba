package api

import (
	"context"
	"errors"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/nexus-im/supportdesk/internal/apperr"
	"github.com/nexus-im/supportdesk/internal/auth"
	"github.com/nexus-im/supportdesk/store/admin"
	"github.com/nexus-im/supportdesk/store/session"
	"github.com/nexus-im/supportdesk/store/user"
)

const minPasswordLength = 8

type actorHandler func(w http.ResponseWriter, r *http.Request, actor auth.Actor)

// withActor resolves the bearer token into an actor. Requests without a token
// reach the handler as Anonymous and the service decides; a token that does
// not check out is rejected here.
func (s *Server) withActor(next actorHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			next(w, r, auth.Anonymous)
			return
		}
		actor, err := s.resolve(r.Context(), token)
		if err != nil {
			writeError(w, r, err)
			return
		}
		next(w, r.WithContext(auth.WithActor(r.Context(), actor)), actor)
	}
}

func bearerToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	}
	return ""
}

// resolve validates the token and the server-side session behind it. Admin
// sessions are also checked against the idle timeout and kept alive.
func (s *Server) resolve(ctx context.Context, token string) (auth.Actor, error) {
	claims, err := s.authn.ValidateToken(token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) {
			return auth.Anonymous, apperr.Unauthenticated("token has expired")
		}
		return auth.Anonymous, apperr.Unauthenticated("invalid token")
	}
	actor := claims.Actor()

	sess, err := s.sessions.Get(ctx, actor.SessionID)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			return auth.Anonymous, apperr.Unauthenticated("session has ended")
		}
		return auth.Anonymous, apperr.StoreUnavailable(err)
	}
	if role, ok := auth.ParseRole(sess.Role); !ok || role != actor.Role || sess.ActorID != actor.ID {
		return auth.Anonymous, apperr.Unauthenticated("invalid token")
	}

	now := s.now()
	idle := s.idleTimeout(actor)
	if sess.Expired(now, idle) {
		if err := s.sessions.Delete(ctx, sess.ID); err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Str("session", sess.ID).Msg("Failed to delete expired session")
		}
		return auth.Anonymous, apperr.Unauthenticated("session has expired")
	}
	if idle > 0 {
		if err := s.sessions.Touch(ctx, sess.ID, now); err != nil {
			return auth.Anonymous, apperr.StoreUnavailable(err)
		}
	}
	return actor, nil
}

func (s *Server) idleTimeout(actor auth.Actor) time.Duration {
	if actor.IsAdmin() {
		return s.adminIdle
	}
	return 0
}

type credentials struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string     `json:"token"`
	ExpiresIn int        `json:"expires_in"`
	Actor     auth.Actor `json:"actor"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		writeError(w, r, apperr.Validation("name is required", nil))
		return
	}
	if _, err := mail.ParseAddress(req.Email); err != nil {
		writeError(w, r, apperr.Validation("a valid email is required", err))
		return
	}
	if len(req.Password) < minPasswordLength {
		writeError(w, r, apperr.Validation("password is too short", nil))
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		writeError(w, r, apperr.Internal("failed to hash password", err))
		return
	}

	u := &user.User{Name: req.Name, Email: req.Email, PasswordHash: hash}
	if err := s.users.Create(r.Context(), u); err != nil {
		if errors.Is(err, user.ErrDuplicateEmail) {
			writeError(w, r, apperr.AlreadyExists("email already registered"))
			return
		}
		writeError(w, r, apperr.StoreUnavailable(err))
		return
	}

	zerolog.Ctx(r.Context()).Info().Int64("buyer_id", u.ID).Msg("Buyer registered")
	writeJSON(w, http.StatusCreated, u)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	u, err := s.users.GetByEmail(r.Context(), req.Email)
	switch {
	case errors.Is(err, user.ErrUserNotFound):
		writeError(w, r, apperr.Unauthenticated("invalid credentials"))
		return
	case err != nil:
		writeError(w, r, apperr.StoreUnavailable(err))
		return
	}
	if err := auth.CheckPassword(u.PasswordHash, req.Password); err != nil {
		writeError(w, r, apperr.Unauthenticated("invalid credentials"))
		return
	}

	s.issue(w, r, auth.Buyer(u.ID))
}

func (s *Server) handleAdminLogin(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	a, err := s.admins.GetByEmail(r.Context(), req.Email)
	switch {
	case errors.Is(err, admin.ErrAdminNotFound):
		writeError(w, r, apperr.Unauthenticated("invalid credentials"))
		return
	case err != nil:
		writeError(w, r, apperr.StoreUnavailable(err))
		return
	}
	if err := auth.CheckPassword(a.PasswordHash, req.Password); err != nil {
		zerolog.Ctx(r.Context()).Warn().Str("email", a.Email).Msg("Failed admin login")
		writeError(w, r, apperr.Unauthenticated("invalid credentials"))
		return
	}

	s.issue(w, r, auth.Admin(a.ID))
}

// issue opens a server-side session for actor and returns a token bound to it.
func (s *Server) issue(w http.ResponseWriter, r *http.Request, actor auth.Actor) {
	now := s.now()
	sess := &session.Session{
		Role:       string(actor.Role),
		ActorID:    actor.ID,
		CreatedAt:  now,
		LastSeenAt: now,
		ExpiresAt:  now.Add(s.authn.Validity()),
	}
	if err := s.sessions.Create(r.Context(), sess); err != nil {
		writeError(w, r, apperr.StoreUnavailable(err))
		return
	}

	token, err := s.authn.GenerateToken(actor, sess.ID)
	if err != nil {
		writeError(w, r, apperr.Internal("failed to issue token", err))
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{
		Token:     token,
		ExpiresIn: int(s.authn.Validity().Seconds()),
		Actor:     actor,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request, actor auth.Actor) {
	if !actor.Authenticated() {
		writeError(w, r, apperr.Unauthenticated("authentication required"))
		return
	}
	if err := s.sessions.Delete(r.Context(), actor.SessionID); err != nil && !errors.Is(err, session.ErrSessionNotFound) {
		writeError(w, r, apperr.StoreUnavailable(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
