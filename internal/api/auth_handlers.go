package api

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"github.com/technosupport/ts-lms/internal/auth"
	"github.com/technosupport/ts-lms/internal/data"
	"github.com/technosupport/ts-lms/internal/tokens"
)

type AuthHandler struct {
	DB        *sql.DB
	Tokens    *tokens.Manager
	Blacklist auth.TokenBlacklist
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int    `json:"expires_in"` // seconds
}

// Login POST /api/v1/auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}

	users := data.UserModel{DB: h.DB}
	user, err := users.GetByUsername(r.Context(), req.Username)
	if err != nil {
		// Dummy verify for timing safety
		auth.CheckPassword("dummy", "$argon2id$v=19$m=65536,t=1,p=4$c2FsdHNhbHQ$aGFzaGhhc2hoYXNoaGFzaGhhc2hoYXNoaGFzaA")
		h.genericError(w)
		return
	}

	match, err := auth.CheckPassword(req.Password, user.PasswordHash)
	if err != nil || !match {
		h.genericError(w)
		return
	}

	accessToken, err := h.Tokens.GenerateAccessToken(user.ID, user.IsAdmin)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	refreshToken, err := h.Tokens.GenerateRefreshToken(user.ID, user.IsAdmin)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, TokenResponse{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresIn:    int((15 * time.Minute).Seconds()),
	})
}

// Refresh POST /api/v1/auth/refresh
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}

	claims, err := h.Tokens.ValidateToken(req.RefreshToken)
	if err != nil || claims.TokenType != tokens.Refresh {
		h.genericError(w)
		return
	}

	blacklisted, err := h.Blacklist.IsBlacklisted(r.Context(), claims.ID)
	if err != nil || blacklisted {
		h.genericError(w)
		return
	}

	accessToken, err := h.Tokens.GenerateAccessToken(claims.UserID, claims.IsAdmin)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, TokenResponse{
		AccessToken: accessToken,
		ExpiresIn:   int((15 * time.Minute).Seconds()),
	})
}

// Logout POST /api/v1/auth/logout
//
// Revokes the presented token (access or refresh) until its natural expiry.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}

	claims, err := h.Tokens.ValidateToken(req.RefreshToken)
	if err != nil {
		// Already invalid; nothing to revoke.
		w.WriteHeader(http.StatusOK)
		return
	}

	ttl := time.Until(claims.ExpiresAt.Time)
	if ttl > 0 {
		if err := h.Blacklist.AddToBlacklist(r.Context(), claims.ID, ttl); err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
}

func (h *AuthHandler) genericError(w http.ResponseWriter) {
	http.Error(w, "invalid credentials", http.StatusUnauthorized)
}
