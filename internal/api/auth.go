package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/npezzotti/go-collab/internal/types"
)

const (
	userIdClaim   = "user-id"
	usernameClaim = "username"
	expClaim      = "exp"

	tokenCookieKey   = "token"
	accessTokenParam = "access_token"
)

var defaultJwtExpiration = time.Hour * 24

var errNoToken = errors.New("no token in request")

type contextKey string

const userKey contextKey = "user"

func WithUser(ctx context.Context, user types.User) context.Context {
	return context.WithValue(ctx, userKey, user)
}

func UserFromContext(ctx context.Context) (types.User, bool) {
	user, ok := ctx.Value(userKey).(types.User)

	return user, ok
}

// tokenFromRequest looks for the session token in the cookie, then the
// Authorization header, then the access_token query parameter. Browsers
// cannot set headers on a websocket handshake.
func tokenFromRequest(r *http.Request) (string, error) {
	if cookie, err := r.Cookie(tokenCookieKey); err == nil && cookie.Value != "" {
		return cookie.Value, nil
	}

	if auth := r.Header.Get("Authorization"); auth != "" {
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || token == "" {
			return "", fmt.Errorf("malformed authorization header")
		}
		return token, nil
	}

	if token := r.URL.Query().Get(accessTokenParam); token != "" {
		return token, nil
	}

	return "", errNoToken
}

// IssueToken signs a session token for user.
func IssueToken(signingKey []byte, user types.User, exp time.Duration) (string, error) {
	claims := jwt.MapClaims{
		userIdClaim: user.Id,
		expClaim:    time.Now().Add(exp).Unix(),
	}
	if user.Username != "" {
		claims[usernameClaim] = user.Username
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(signingKey)
}

func (s *CollabApp) verifyToken(tokenString string) (*jwt.Token, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.signingKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	return token, nil
}

func (s *CollabApp) userFromToken(tokenString string) (types.User, error) {
	token, err := s.verifyToken(tokenString)
	if err != nil {
		return types.User{}, err
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return types.User{}, fmt.Errorf("invalid token claims")
	}

	var user types.User
	switch id := claims[userIdClaim].(type) {
	case string:
		user.Id = id
	case float64:
		user.Id = strconv.FormatInt(int64(id), 10)
	}
	if user.Id == "" {
		return types.User{}, fmt.Errorf("invalid user id claim")
	}

	user.Username, _ = claims[usernameClaim].(string)
	return user, nil
}
