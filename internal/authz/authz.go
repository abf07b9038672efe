// Package authz decides whether a user may subscribe to a broadcast group.
// Membership of workspaces and projects is owned by the CRUD service, so the
// hub asks it over HTTP and caches the answer for a short time.
package authz

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/npezzotti/go-collab/pkg/events"
	"go.uber.org/zap"
)

type Authorizer interface {
	CanJoin(ctx context.Context, userId, groupKey string) (bool, error)
}

// AllowAll admits every join. Used when no authorization endpoint is configured.
type AllowAll struct{}

func (AllowAll) CanJoin(context.Context, string, string) (bool, error) {
	return true, nil
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(ctx context.Context, userId, groupKey string) (bool, error)

func (f AuthorizerFunc) CanJoin(ctx context.Context, userId, groupKey string) (bool, error) {
	return f(ctx, userId, groupKey)
}

type selfNotifications struct {
	next Authorizer
}

// SelfNotifications restricts notification groups to their owner and defers
// every other key to next.
func SelfNotifications(next Authorizer) Authorizer {
	if next == nil {
		next = AllowAll{}
	}
	return &selfNotifications{next: next}
}

func (s *selfNotifications) CanJoin(ctx context.Context, userId, groupKey string) (bool, error) {
	g, err := events.ParseGroup(groupKey)
	if err != nil {
		return false, err
	}
	if g.Kind == events.KindNotifications {
		return g.Id == userId, nil
	}
	return s.next.CanJoin(ctx, userId, groupKey)
}

type checkRequest struct {
	UserId   string `json:"user_id"`
	GroupKey string `json:"group_key"`
}

type checkResponse struct {
	Allowed bool `json:"allowed"`
}

type HTTPAuthorizer struct {
	url    string
	token  string
	client *http.Client
	cache  *expirable.LRU[string, bool]
	log    *zap.Logger
}

// NewHTTPAuthorizer posts {user_id, group_key} to url. A 2xx answer carries
// {"allowed": bool}; 401, 403 and 404 mean denied. Decisions are cached for
// ttl, failures are not.
func NewHTTPAuthorizer(url, token string, client *http.Client, size int, ttl time.Duration, log *zap.Logger) *HTTPAuthorizer {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &HTTPAuthorizer{
		url:    strings.TrimSpace(url),
		token:  token,
		client: client,
		cache:  expirable.NewLRU[string, bool](size, nil, ttl),
		log:    log.Named("authz"),
	}
}

func (a *HTTPAuthorizer) CanJoin(ctx context.Context, userId, groupKey string) (bool, error) {
	key := userId + "|" + groupKey
	if allowed, ok := a.cache.Get(key); ok {
		return allowed, nil
	}

	allowed, err := a.check(ctx, userId, groupKey)
	if err != nil {
		a.log.Warn("authorization check failed",
			zap.String("user_id", userId),
			zap.String("group", groupKey),
			zap.Error(err),
		)
		return false, err
	}

	a.cache.Add(key, allowed)
	return allowed, nil
}

// Forget drops cached decisions for a user, e.g. after membership changed.
func (a *HTTPAuthorizer) Forget(userId string) {
	prefix := userId + "|"
	for _, key := range a.cache.Keys() {
		if strings.HasPrefix(key, prefix) {
			a.cache.Remove(key)
		}
	}
}

func (a *HTTPAuthorizer) check(ctx context.Context, userId, groupKey string) (bool, error) {
	buf, err := json.Marshal(checkRequest{UserId: userId, GroupKey: groupKey})
	if err != nil {
		return false, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(buf))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusForbidden,
		resp.StatusCode == http.StatusNotFound:
		io.Copy(io.Discard, resp.Body)
		return false, nil
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		io.Copy(io.Discard, resp.Body)
		return false, fmt.Errorf("authorization endpoint returned status %d", resp.StatusCode)
	}

	var out checkResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, fmt.Errorf("decode authorization response: %w", err)
	}
	return out.Allowed, nil
}
