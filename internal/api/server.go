// Package api provides the HTTP server and handlers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/cloudpic/cloudpic/internal/auth"
	"github.com/cloudpic/cloudpic/internal/connections"
	"github.com/cloudpic/cloudpic/internal/logging"
	"github.com/cloudpic/cloudpic/internal/metrics"
	"github.com/cloudpic/cloudpic/internal/storage"
)

// ConnectionStore is the persistence surface the handlers need.
type ConnectionStore interface {
	Exists(ctx context.Context, typ, name string) (bool, error)
	Create(ctx context.Context, name, typ string, creds storage.Credentials, settings storage.Settings, authInfo json.RawMessage) (*connections.Connection, error)
	List(ctx context.Context) ([]connections.Connection, error)
	Get(ctx context.Context, id string) (*connections.Connection, error)
	Update(ctx context.Context, id, name string, settings storage.Settings) error
	UpdateAuthInfo(ctx context.Context, id string, raw json.RawMessage) error
	Delete(ctx context.Context, id string) error
	DeleteByName(ctx context.Context, typ, name string) error
}

// Server is the HTTP server.
type Server struct {
	store        ConnectionStore
	auth         *auth.Auth
	maxListFiles int
}

// NewServer creates a new server.
func NewServer(store ConnectionStore, authHandler *auth.Auth, maxListFiles int) *Server {
	if maxListFiles <= 0 {
		maxListFiles = storage.DefaultMaxFiles
	}
	return &Server{
		store:        store,
		auth:         authHandler,
		maxListFiles: maxListFiles,
	}
}

// Handler assembles the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Public endpoints (no auth required)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /api/auth", s.auth.HandleLogin)
	mux.HandleFunc("GET /api/auth/verify", s.auth.HandleVerify)
	mux.HandleFunc("POST /api/auth/logout", s.auth.HandleLogout)

	// Protected endpoints
	protected := http.NewServeMux()

	// Connection management
	protected.HandleFunc("GET /api/storage/connections", s.handleListConnections)
	protected.HandleFunc("POST /api/storage/connections", s.handleCreateConnection)
	protected.HandleFunc("POST /api/storage/connections/test", s.handleTestConnection)
	protected.HandleFunc("PUT /api/storage/connections/{id}", s.handleUpdateConnection)
	protected.HandleFunc("DELETE /api/storage/connections/{id}", s.handleDeleteConnection)
	protected.HandleFunc("DELETE /api/storage/connections", s.handleDeleteConnectionByName)

	// File operations
	protected.HandleFunc("GET /api/storage/files", s.handleListFiles)
	protected.HandleFunc("DELETE /api/storage/files", s.handleDeleteFile)
	protected.HandleFunc("POST /api/storage/files/move", s.handleMoveFile)
	protected.HandleFunc("POST /api/storage/files/copy", s.handleCopyFile)
	protected.HandleFunc("GET /api/storage/file-url", s.handleFileURL)

	mux.Handle("/api/storage/", s.auth.Middleware(protected))

	return metrics.Middleware(logging.Middleware(mux))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok", "version": "1.0"})
}

// response is the envelope every API payload is wrapped in. Message is a
// translation key resolved by the client.
type response struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data"`
}

func (s *Server) sendSuccess(w http.ResponseWriter, message string, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response{Code: http.StatusOK, Message: message, Data: data})
}

func (s *Server) sendError(w http.ResponseWriter, r *http.Request, err error) {
	status, message := classifyError(err)
	if status >= http.StatusInternalServerError {
		logging.WithContext(r.Context()).Error("request failed",
			zap.String("path", r.URL.Path), zap.Error(err))
	} else {
		logging.WithContext(r.Context()).Warn("request rejected",
			zap.String("path", r.URL.Path), zap.Error(err))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(response{Code: status, Message: message, Data: nil})
}

func (s *Server) sendBadRequest(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(w).Encode(response{Code: http.StatusBadRequest, Message: message, Data: nil})
}

// classifyError maps the storage error taxonomy onto HTTP statuses and
// translation keys.
func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, storage.ErrAuthentication), errors.Is(err, storage.ErrNotAuthenticated):
		return http.StatusUnauthorized, "response.error.storageAuth"
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound, "response.error.notFound"
	case errors.Is(err, storage.ErrDuplicate):
		return http.StatusBadRequest, "response.error.duplicateConnection"
	case errors.Is(err, storage.ErrConfiguration):
		return http.StatusBadRequest, "response.error.storageConfig"
	case errors.Is(err, storage.ErrNotImplemented):
		return http.StatusBadRequest, "response.error.notImplemented"
	case errors.Is(err, storage.ErrUnknownProvider):
		return http.StatusBadRequest, "response.error.unknownProvider"
	default:
		return http.StatusInternalServerError, "response.error.internal"
	}
}
