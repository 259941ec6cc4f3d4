package api_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/ts-lms/internal/api"
	"github.com/technosupport/ts-lms/internal/auth"
	"github.com/technosupport/ts-lms/internal/tokens"
)

func newAuthHandler(t *testing.T) (*api.AuthHandler, sqlmock.Sqlmock, *tokens.Manager) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	tokenMgr := tokens.NewManager("test-key")
	handler := &api.AuthHandler{
		DB:        db,
		Tokens:    tokenMgr,
		Blacklist: auth.NewRedisBlacklist(rdb),
	}
	return handler, mock, tokenMgr
}

func userRowWithPassword(t *testing.T, password string, isAdmin bool) *sqlmock.Rows {
	t.Helper()
	hash, err := auth.HashPassword(password)
	require.NoError(t, err)
	return sqlmock.NewRows([]string{"id", "username", "email", "password_hash", "balance", "is_admin", "created_at"}).
		AddRow(7, "alice", "alice@example.com", hash, 50.0, isAdmin, testNow)
}

func postJSON(t *testing.T, handler http.HandlerFunc, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(body))
	req := httptest.NewRequest("POST", "/", &buf)
	w := httptest.NewRecorder()
	handler(w, req)
	return w
}

func TestLogin(t *testing.T) {
	handler, mock, tokenMgr := newAuthHandler(t)

	mock.ExpectQuery("SELECT id, username, email").WithArgs("alice").
		WillReturnRows(userRowWithPassword(t, "password123", true))

	w := postJSON(t, handler.Login, map[string]string{"username": "alice", "password": "password123"})
	require.Equal(t, http.StatusOK, w.Code)

	var resp api.TokenResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.NotEmpty(t, resp.AccessToken)
	require.NotEmpty(t, resp.RefreshToken)

	claims, err := tokenMgr.ValidateToken(resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, int64(7), claims.UserID)
	assert.True(t, claims.IsAdmin)
	assert.Equal(t, tokens.Access, claims.TokenType)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoginWrongPassword(t *testing.T) {
	handler, mock, _ := newAuthHandler(t)

	mock.ExpectQuery("SELECT id, username, email").WithArgs("alice").
		WillReturnRows(userRowWithPassword(t, "password123", false))

	w := postJSON(t, handler.Login, map[string]string{"username": "alice", "password": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestLoginUnknownUser(t *testing.T) {
	handler, mock, _ := newAuthHandler(t)

	mock.ExpectQuery("SELECT id, username, email").WithArgs("nobody").
		WillReturnRows(sqlmock.NewRows([]string{"id", "username", "email", "password_hash", "balance", "is_admin", "created_at"}))

	w := postJSON(t, handler.Login, map[string]string{"username": "nobody", "password": "x"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRefresh(t *testing.T) {
	handler, _, tokenMgr := newAuthHandler(t)

	refresh, err := tokenMgr.GenerateRefreshToken(7, false)
	require.NoError(t, err)

	w := postJSON(t, handler.Refresh, map[string]string{"refresh_token": refresh})
	require.Equal(t, http.StatusOK, w.Code)

	var resp api.TokenResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	claims, err := tokenMgr.ValidateToken(resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, tokens.Access, claims.TokenType)
}

func TestRefreshRejectsAccessToken(t *testing.T) {
	handler, _, tokenMgr := newAuthHandler(t)

	access, err := tokenMgr.GenerateAccessToken(7, false)
	require.NoError(t, err)

	w := postJSON(t, handler.Refresh, map[string]string{"refresh_token": access})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestLogoutRevokesToken(t *testing.T) {
	handler, _, tokenMgr := newAuthHandler(t)

	refresh, err := tokenMgr.GenerateRefreshToken(7, false)
	require.NoError(t, err)

	w := postJSON(t, handler.Logout, map[string]string{"refresh_token": refresh})
	require.Equal(t, http.StatusOK, w.Code)

	// Revoked refresh token no longer refreshes.
	w = postJSON(t, handler.Refresh, map[string]string{"refresh_token": refresh})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
