package authz

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/npezzotti/go-collab/internal/testutil"
	"github.com/npezzotti/go-collab/pkg/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelfNotifications(t *testing.T) {
	denyAll := AuthorizerFunc(func(context.Context, string, string) (bool, error) { return false, nil })

	tcases := []struct {
		name    string
		next    Authorizer
		userId  string
		key     string
		allowed bool
		err     bool
	}{
		{"own notifications", denyAll, "u1", events.NotificationsGroup("u1").Key(), true, false},
		{"someone else's notifications", nil, "u1", events.NotificationsGroup("u2").Key(), false, false},
		{"workspace defers to next", denyAll, "u1", events.WorkspaceGroup("w1").Key(), false, false},
		{"workspace with default next", nil, "u1", events.WorkspaceGroup("w1").Key(), true, false},
		{"malformed key", nil, "u1", "room:1", false, true},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			allowed, err := SelfNotifications(tc.next).CanJoin(context.Background(), tc.userId, tc.key)
			if tc.err {
				assert.ErrorIs(t, err, events.ErrInvalidGroup)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.allowed, allowed)
		})
	}
}

func TestHTTPAuthorizer(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var req checkRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		switch req.GroupKey {
		case "workspace:member":
			json.NewEncoder(w).Encode(checkResponse{Allowed: true})
		case "workspace:outsider":
			json.NewEncoder(w).Encode(checkResponse{Allowed: false})
		case "workspace:forbidden":
			w.WriteHeader(http.StatusForbidden)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	a := NewHTTPAuthorizer(srv.URL, "secret", srv.Client(), 16, time.Minute, testutil.TestLogger(t))
	ctx := context.Background()

	allowed, err := a.CanJoin(ctx, "u1", "workspace:member")
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, err = a.CanJoin(ctx, "u1", "workspace:member")
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Equal(t, int32(1), calls.Load(), "expected second check to hit the cache")

	allowed, err = a.CanJoin(ctx, "u1", "workspace:outsider")
	require.NoError(t, err)
	assert.False(t, allowed)

	allowed, err = a.CanJoin(ctx, "u1", "workspace:forbidden")
	require.NoError(t, err)
	assert.False(t, allowed)

	before := calls.Load()
	_, err = a.CanJoin(ctx, "u1", "workspace:broken")
	assert.Error(t, err)
	_, err = a.CanJoin(ctx, "u1", "workspace:broken")
	assert.Error(t, err)
	assert.Equal(t, before+2, calls.Load(), "expected failures not to be cached")

	a.Forget("u1")
	_, err = a.CanJoin(ctx, "u1", "workspace:member")
	require.NoError(t, err)
	assert.Equal(t, before+3, calls.Load())
}
