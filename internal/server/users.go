package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/herolabs/hero/internal/auth"
	"github.com/herolabs/hero/pkg/models"
)

type magicLinkRequest struct {
	Email string `json:"email"`
}

// handleMagicLinkRequest issues a single-use login token. The token is
// returned in the response; mail delivery is the operator's concern.
func (s *Server) handleMagicLinkRequest(w http.ResponseWriter, r *http.Request) {
	var req magicLinkRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Email) == "" {
		s.jsonError(w, "email is required", http.StatusBadRequest)
		return
	}

	token, err := s.auth.IssueMagicLink(r.Context(), req.Email)
	if err != nil {
		s.authError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"token":      token,
		"expires_in": int(s.cfg.Load().Auth.MagicLinkTTL.Seconds()),
	})
}

type redeemRequest struct {
	Token string `json:"token"`
}

func (s *Server) handleMagicLinkRedeem(w http.ResponseWriter, r *http.Request) {
	var req redeemRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Token == "" {
		s.jsonError(w, "token is required", http.StatusBadRequest)
		return
	}

	user, err := s.auth.RedeemMagicLink(r.Context(), req.Token)
	if err != nil {
		s.authError(w, err)
		return
	}
	s.issueSession(w, r, user)
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	user, err := s.auth.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		s.authError(w, err)
		return
	}
	s.issueSession(w, r, user)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     auth.SessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	s.jsonResponse(w, http.StatusOK, map[string]any{"status": "ok"})
}

// issueSession signs a browser token for user and sets the session cookie.
// When token auth is disabled the login still succeeds; callers keep using
// their API key.
func (s *Server) issueSession(w http.ResponseWriter, r *http.Request, user *models.User) {
	resp := map[string]any{"user": user}
	token, err := s.auth.IssueSessionToken(user)
	switch {
	case err == nil:
		ttl := s.cfg.Load().Auth.SessionTTL
		http.SetCookie(w, &http.Cookie{
			Name:     auth.SessionCookie,
			Value:    token,
			Path:     "/",
			Expires:  time.Now().Add(ttl),
			HttpOnly: true,
			Secure:   r.TLS != nil,
			SameSite: http.SameSiteLaxMode,
		})
		resp["token"] = token
	case errors.Is(err, auth.ErrAuthDisabled):
	default:
		s.authError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, resp)
}

func (s *Server) handleProfileGet(w http.ResponseWriter, r *http.Request) {
	user, ok := s.currentUser(w, r)
	if !ok {
		return
	}
	s.jsonResponse(w, http.StatusOK, user)
}

type profileUpdateRequest struct {
	DisplayName *string `json:"display_name"`
}

func (s *Server) handleProfileUpdate(w http.ResponseWriter, r *http.Request) {
	user, ok := s.currentUser(w, r)
	if !ok {
		return
	}

	var req profileUpdateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.DisplayName != nil {
		user.DisplayName = strings.TrimSpace(*req.DisplayName)
	}

	if err := s.store.UpdateUser(r.Context(), user); err != nil {
		s.storeError(w, err, "User")
		return
	}
	s.jsonResponse(w, http.StatusOK, user)
}

type passwordRequest struct {
	Password string `json:"password"`
}

func (s *Server) handlePasswordSet(w http.ResponseWriter, r *http.Request) {
	user, ok := s.currentUser(w, r)
	if !ok {
		return
	}

	var req passwordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.auth.SetPassword(r.Context(), user.ID, req.Password); err != nil {
		s.authError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{"status": "ok"})
}

type keyCreateRequest struct {
	Name string `json:"name"`

	// TTL is a Go duration string such as "720h". Empty means no expiry.
	TTL string `json:"ttl"`
}

func (s *Server) handleAPIKeyCreate(w http.ResponseWriter, r *http.Request) {
	user, ok := s.currentUser(w, r)
	if !ok {
		return
	}

	var req keyCreateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	var ttl time.Duration
	if req.TTL != "" {
		d, err := time.ParseDuration(req.TTL)
		if err != nil || d <= 0 {
			s.jsonError(w, "ttl must be a positive duration such as 720h", http.StatusBadRequest)
			return
		}
		ttl = d
	}

	key, plaintext, err := s.auth.MintKey(r.Context(), user.ID, req.Name, ttl)
	if err != nil {
		s.storeError(w, err, "User")
		return
	}
	s.jsonResponse(w, http.StatusCreated, map[string]any{
		"key": key,
		// The plaintext is shown once. Only its digest is stored.
		"plaintext": plaintext,
	})
}

func (s *Server) handleAPIKeyList(w http.ResponseWriter, r *http.Request) {
	user, ok := s.currentUser(w, r)
	if !ok {
		return
	}

	keys, err := s.store.ListAPIKeys(r.Context(), user.ID)
	if err != nil {
		s.storeError(w, err, "User")
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"keys":  keys,
		"count": len(keys),
	})
}

func (s *Server) handleAPIKeyDelete(w http.ResponseWriter, r *http.Request) {
	user, ok := s.currentUser(w, r)
	if !ok {
		return
	}

	if err := s.store.DeleteAPIKey(r.Context(), user.ID, r.PathValue("id")); err != nil {
		s.storeError(w, err, "API key")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// authError maps credential failures onto HTTP statuses without leaking
// which part of the credential was wrong.
func (s *Server) authError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, auth.ErrAuthDisabled):
		s.jsonError(w, "Token auth is not configured", http.StatusServiceUnavailable)
	case errors.Is(err, auth.ErrInvalidCredentials),
		errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrLinkUsed):
		s.jsonError(w, "Invalid credentials", http.StatusUnauthorized)
	case errors.Is(err, auth.ErrWeakPassword):
		s.jsonError(w, "Password must be at least 8 characters", http.StatusBadRequest)
	default:
		s.logger.Error("auth error", "error", err)
		s.jsonError(w, "Internal error", http.StatusInternalServerError)
	}
}
