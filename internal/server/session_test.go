package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionCreateValidateDelete(t *testing.T) {
	sm := NewSessionManager()

	token := sm.Create()
	require.NotEmpty(t, token)
	assert.True(t, sm.Validate(token))

	sm.Delete(token)
	assert.False(t, sm.Validate(token))

	assert.False(t, sm.Validate(""))
	assert.False(t, sm.Validate("nonexistent"))
}

func TestSessionExpiry(t *testing.T) {
	sm := NewSessionManager()
	token := sm.Create()
	require.NotEmpty(t, token)

	sm.mu.Lock()
	sm.sessions[token].expiresAt = time.Now().Add(-time.Minute)
	sm.mu.Unlock()

	assert.False(t, sm.Validate(token))

	// Expired sessions are removed on the failed validation
	sm.mu.RLock()
	_, exists := sm.sessions[token]
	sm.mu.RUnlock()
	assert.False(t, exists)
}

func TestLoginWithAPIKey(t *testing.T) {
	sm := NewSessionManager()

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/login", nil)
	require.True(t, sm.Login(w, r, "secret-key", "secret-key"))

	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, sessionCookieName, cookies[0].Name)
	assert.True(t, cookies[0].HttpOnly)
	assert.True(t, sm.Validate(cookies[0].Value))
}

func TestLoginRejectsWrongKey(t *testing.T) {
	sm := NewSessionManager()

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/login", nil)
	assert.False(t, sm.Login(w, r, "wrong", "secret-key"))
	assert.Empty(t, w.Result().Cookies())
}

func TestLoginRejectsEmptyConfiguredKey(t *testing.T) {
	sm := NewSessionManager()

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/login", nil)
	// An unset API key must never authenticate, even on an "" match
	assert.False(t, sm.Login(w, r, "", ""))
}

func TestAuthMiddlewareRedirectsAnonymous(t *testing.T) {
	sm := NewSessionManager()
	handlerCalled := false
	protected := sm.AuthMiddleware()(func(w http.ResponseWriter, r *http.Request) {
		handlerCalled = true
	})

	w := httptest.NewRecorder()
	protected(w, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.False(t, handlerCalled)
	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "/login", w.Header().Get("Location"))
}

func TestAuthMiddlewarePassesValidSession(t *testing.T) {
	sm := NewSessionManager()
	token := sm.Create()

	handlerCalled := false
	protected := sm.AuthMiddleware()(func(w http.ResponseWriter, r *http.Request) {
		handlerCalled = true
	})

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.AddCookie(&http.Cookie{Name: sessionCookieName, Value: token})
	protected(httptest.NewRecorder(), r)

	assert.True(t, handlerCalled)
}

func TestCSRFTokenIsSingleUse(t *testing.T) {
	sm := NewSessionManager()

	token := sm.CreateCSRFToken()
	require.NotEmpty(t, token)

	assert.True(t, sm.ValidateCSRFToken(token))
	assert.False(t, sm.ValidateCSRFToken(token), "token must not validate twice")
	assert.False(t, sm.ValidateCSRFToken(""))
}

func TestLogoutClearsSession(t *testing.T) {
	sm := NewSessionManager()
	token := sm.Create()

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/logout", nil)
	r.AddCookie(&http.Cookie{Name: sessionCookieName, Value: token})
	sm.Logout(w, r)

	assert.False(t, sm.Validate(token))

	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, -1, cookies[0].MaxAge)
}
