package api

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/npezzotti/go-collab/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestErrorHandler_PanicRecovery(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	app := &CollabApp{
		log: zap.New(core),
	}

	// handler that panics
	panicHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(errors.New("test panic"))
	})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	handler := app.errorHandler(panicHandler)
	handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Equal(t, "close", rr.Header().Get("Connection"))
	require.Equal(t, 1, logs.FilterMessage("panic").Len(), "expected the panic to be logged")
	assert.NotContains(t, rr.Body.String(), "test panic", "expected panic details to stay out of the response")
}

func Test_errorHandler_NoPanic(t *testing.T) {
	app := &CollabApp{}

	called := false
	okHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	handler := app.errorHandler(okHandler)
	handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok", rr.Body.String())
	assert.True(t, called, "expected handler to be called")
}

func Test_authMiddleware(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	app := &CollabApp{
		log:        zap.New(core),
		signingKey: []byte(testSigningKey),
	}

	userHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := UserFromContext(r.Context())
		if !ok {
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(user.Id))
	})

	t.Run("valid token", func(t *testing.T) {
		token, err := IssueToken(app.signingKey, types.User{Id: "u1"}, defaultJwtExpiration)
		require.NoError(t, err)

		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.AddCookie(&http.Cookie{Name: tokenCookieKey, Value: token})
		app.authMiddleware(userHandler).ServeHTTP(rr, req)

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "u1", rr.Body.String())
		assert.Equal(t, "no-store, no-cache, must-revalidate, private", rr.Header().Get("Cache-Control"))
	})

	t.Run("missing token", func(t *testing.T) {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		app.authMiddleware(userHandler).ServeHTTP(rr, req)

		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("invalid token", func(t *testing.T) {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer invalid-token")
		app.authMiddleware(userHandler).ServeHTTP(rr, req)

		assert.Equal(t, http.StatusUnauthorized, rr.Code)
		assert.Equal(t, 1, logs.FilterMessage("failed to extract user from token").Len())
	})
}

func Test_internalMiddleware(t *testing.T) {
	okHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	tcases := []struct {
		name       string
		configured string
		header     string
		code       int
	}{
		{"valid token", testInternalToken, "Bearer " + testInternalToken, http.StatusNoContent},
		{"wrong token", testInternalToken, "Bearer nope", http.StatusUnauthorized},
		{"missing header", testInternalToken, "", http.StatusUnauthorized},
		{"not configured", "", "Bearer ", http.StatusUnauthorized},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			app := &CollabApp{log: zap.NewNop(), internalToken: tc.configured}

			rr := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/internal/events", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			app.internalMiddleware(okHandler).ServeHTTP(rr, req)

			assert.Equal(t, tc.code, rr.Code)
		})
	}
}
