// Package api exposes the hub over HTTP: the websocket endpoint, REST reads
// clients use to reconcile after a reconnect, and the internal endpoints the
// CRUD service calls to publish events and notifications.
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/npezzotti/go-collab/internal/config"
	"github.com/npezzotti/go-collab/internal/database"
	"github.com/npezzotti/go-collab/internal/server"
	"go.uber.org/zap"
)

type CollabApp struct {
	log               *zap.Logger
	db                database.NotificationRepository
	srv               *http.Server
	hub               *server.Hub
	signingKey        []byte
	internalToken     string
	allowedOrigins    []string
	notificationLimit int
}

func NewCollabApp(mux *http.ServeMux, logger *zap.Logger, hub *server.Hub, db database.NotificationRepository, cfg *config.Config) *CollabApp {
	s := &CollabApp{
		log:               logger.Named("api"),
		db:                db,
		hub:               hub,
		signingKey:        cfg.SigningKey,
		internalToken:     cfg.InternalToken,
		allowedOrigins:    cfg.AllowedOrigins,
		notificationLimit: cfg.Hub.NotificationLimit,
	}
	if s.notificationLimit <= 0 {
		s.notificationLimit = config.DefaultHubSettings().NotificationLimit
	}

	mux.HandleFunc("GET /healthz", s.healthCheck)
	mux.Handle("GET /ws", s.authMiddleware(s.serveWs))

	mux.Handle("GET /api/notifications", s.authMiddleware(s.listNotifications))
	mux.Handle("GET /api/notifications/unread-count", s.authMiddleware(s.unreadCount))
	mux.Handle("POST /api/notifications/read-all", s.authMiddleware(s.markAllRead))
	mux.Handle("POST /api/notifications/{id}/read", s.authMiddleware(s.markRead))
	mux.Handle("GET /api/notification-preferences", s.authMiddleware(s.getPreferences))
	mux.Handle("PUT /api/notification-preferences", s.authMiddleware(s.updatePreferences))
	mux.Handle("GET /api/workspaces/{id}/presence", s.authMiddleware(s.workspacePresence))

	mux.Handle("POST /internal/events", s.internalMiddleware(s.publishEvent))
	mux.Handle("POST /internal/notifications", s.internalMiddleware(s.createNotification))
	mux.Handle("DELETE /internal/connections/{id}", s.internalMiddleware(s.closeConnection))

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept", "Authorization"}),
		handlers.AllowCredentials(),
	)(mux)

	h = s.errorHandler(h)

	s.srv = &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}

	return s
}

func (s *CollabApp) Handler() http.Handler {
	return s.srv.Handler
}

func (s *CollabApp) Start() error {
	s.log.Info("starting server", zap.String("addr", s.srv.Addr))
	return s.srv.ListenAndServe()
}

func (s *CollabApp) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down HTTP server")
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
