package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/Mindburn-Labs/ieim/pkg/auth"
	"github.com/Mindburn-Labs/ieim/pkg/authz"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// bearerToken pulls the access token from the Authorization header or,
// failing that, from the session cookie.
func (s *Server) bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && parts[0] == "Bearer" {
			return parts[1]
		}
		return ""
	}
	if s.Sessions == nil {
		return ""
	}
	cookie, err := r.Cookie(s.cookieName())
	if err != nil {
		return ""
	}
	token, err := s.Sessions.Open(cookie.Value)
	if err != nil {
		return ""
	}
	return token
}

// authenticate validates the bearer token (or session cookie) and attaches
// the actor to the request context. Fails closed when no validator is
// configured.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Validator == nil {
			WriteUnauthorized(w, "Authentication not configured")
			return
		}
		token := s.bearerToken(r)
		if token == "" {
			WriteUnauthorized(w, "Missing bearer token or session cookie")
			return
		}
		actor, err := s.Validator.ValidateBearer(r.Context(), token)
		if err != nil {
			WriteUnauthorized(w, "Invalid or expired token")
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithActor(r.Context(), actor)))
	})
}

// permissions unions the RBAC rows of the actor's roles. A nil RBAC config
// grants nothing.
func (s *Server) permissions(actor *auth.Actor) authz.RolePermissions {
	if s.RBAC == nil {
		return authz.RolePermissions{}
	}
	return s.RBAC.PermissionsForRoles(actor.Roles)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	actor, err := auth.ActorFrom(r.Context())
	if err != nil {
		WriteUnauthorized(w, "")
		return
	}
	perms := s.permissions(actor)
	writeJSON(w, http.StatusOK, map[string]any{
		"actor_id":    actor.ID,
		"roles":       actor.Roles,
		"permissions": perms.Map(),
	})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// handleLogin performs the direct password grant and sets the session
// cookie when a codec is configured.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if s.Validator == nil {
		WriteUnauthorized(w, "Authentication not configured")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if req.Username == "" || req.Password == "" {
		WriteBadRequest(w, "username and password are required")
		return
	}

	token, err := s.Validator.DirectGrantPassword(r.Context(), req.Username, req.Password)
	if err != nil {
		s.log().Warn("direct grant failed", "username", req.Username, "error", err)
		WriteUnauthorized(w, "Login failed")
		return
	}
	actor, err := s.Validator.ValidateBearer(r.Context(), token)
	if err != nil {
		WriteUnauthorized(w, "Login failed")
		return
	}

	if s.Sessions != nil {
		sealed, err := s.Sessions.Seal(token)
		if err != nil {
			WriteInternal(w, err)
			return
		}
		maxAge := int(s.SessionTTL.Seconds())
		if maxAge <= 0 {
			maxAge = 8 * 60 * 60
		}
		http.SetCookie(w, &http.Cookie{
			Name:     s.cookieName(),
			Value:    sealed,
			Path:     "/",
			MaxAge:   maxAge,
			HttpOnly: true,
			Secure:   r.TLS != nil,
			SameSite: http.SameSiteLaxMode,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": token,
		"actor_id":     actor.ID,
		"roles":        actor.Roles,
	})
}
