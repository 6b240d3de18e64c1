package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/cloudpic/cloudpic/internal/connections"
	"github.com/cloudpic/cloudpic/internal/logging"
	"github.com/cloudpic/cloudpic/internal/storage"
)

// openService resolves a connection id into a live provider session. A
// persisted auth snapshot is rehydrated when present so the common path
// costs no authorization round trip; the provider re-authorizes on its
// own if the snapshot has gone stale.
func (s *Server) openService(ctx context.Context, connectionID string) (storage.Service, *connections.Connection, error) {
	conn, err := s.store.Get(ctx, connectionID)
	if err != nil {
		return nil, nil, err
	}

	svc, err := storage.New(conn.Type, conn.Credentials)
	if err != nil {
		return nil, nil, err
	}

	if conn.AuthInfo != nil {
		if err := svc.SetAuthInfo(conn.AuthInfo); err != nil {
			return nil, nil, err
		}
	} else {
		if _, err := svc.Connect(ctx); err != nil {
			return nil, nil, err
		}
	}
	return svc, conn, nil
}

// persistAuthInfo writes the session's auth snapshot back when it changed
// during the request, e.g. after a token refresh. Failures are logged and
// swallowed: the user's operation already succeeded.
func (s *Server) persistAuthInfo(ctx context.Context, conn *connections.Connection, svc storage.Service) {
	raw, err := svc.AuthInfo()
	if err != nil {
		return
	}
	if bytes.Equal(raw, conn.AuthInfo) {
		return
	}
	if err := s.store.UpdateAuthInfo(ctx, conn.ID, raw); err != nil {
		logging.WithContext(ctx).Warn("failed to persist auth snapshot",
			zap.String("connection", conn.ID), zap.Error(err))
	}
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	connectionID := r.URL.Query().Get("connectionId")
	if connectionID == "" {
		s.sendBadRequest(w, "response.error.connectionRequired")
		return
	}

	maxFiles := s.maxListFiles
	if v := r.URL.Query().Get("maxFiles"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			s.sendBadRequest(w, "response.error.invalidRequest")
			return
		}
		if n < maxFiles {
			maxFiles = n
		}
	}

	svc, conn, err := s.openService(r.Context(), connectionID)
	if err != nil {
		s.sendError(w, r, err)
		return
	}

	files, err := svc.ListFiles(r.Context(), r.URL.Query().Get("prefix"), maxFiles)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	s.persistAuthInfo(r.Context(), conn, svc)
	s.sendSuccess(w, "response.success.filesListed", files)
}

func (s *Server) handleFileURL(w http.ResponseWriter, r *http.Request) {
	connectionID := r.URL.Query().Get("connectionId")
	path := r.URL.Query().Get("path")
	if connectionID == "" || path == "" {
		s.sendBadRequest(w, "response.error.invalidRequest")
		return
	}

	var expiresIn time.Duration
	if v := r.URL.Query().Get("expiresIn"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil {
			s.sendBadRequest(w, "response.error.invalidRequest")
			return
		}
		expiresIn = time.Duration(secs) * time.Second
	}

	svc, conn, err := s.openService(r.Context(), connectionID)
	if err != nil {
		s.sendError(w, r, err)
		return
	}

	url, err := svc.FileURL(r.Context(), path, expiresIn)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	s.persistAuthInfo(r.Context(), conn, svc)
	s.sendSuccess(w, "response.success.fileURL", map[string]string{"url": url})
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ConnectionID string `json:"connectionId"`
		Path         string `json:"path"`
		IsDirectory  bool   `json:"isDirectory"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ConnectionID == "" || req.Path == "" {
		s.sendBadRequest(w, "response.error.invalidRequest")
		return
	}

	svc, conn, err := s.openService(r.Context(), req.ConnectionID)
	if err != nil {
		s.sendError(w, r, err)
		return
	}

	if req.IsDirectory {
		err = svc.DeleteFolder(r.Context(), req.Path)
	} else {
		err = svc.DeleteFile(r.Context(), req.Path)
	}
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	s.persistAuthInfo(r.Context(), conn, svc)
	s.sendSuccess(w, "response.success.fileDeleted", nil)
}

type transferRequest struct {
	ConnectionID string `json:"connectionId"`
	From         string `json:"from"`
	To           string `json:"to"`
}

func (s *Server) handleMoveFile(w http.ResponseWriter, r *http.Request) {
	s.handleTransfer(w, r, "response.success.fileMoved", storage.Service.Move)
}

func (s *Server) handleCopyFile(w http.ResponseWriter, r *http.Request) {
	s.handleTransfer(w, r, "response.success.fileCopied", storage.Service.Copy)
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request, okMessage string,
	op func(storage.Service, context.Context, string, string) error) {
	var req transferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil ||
		req.ConnectionID == "" || req.From == "" || req.To == "" {
		s.sendBadRequest(w, "response.error.invalidRequest")
		return
	}

	svc, conn, err := s.openService(r.Context(), req.ConnectionID)
	if err != nil {
		s.sendError(w, r, err)
		return
	}

	if err := op(svc, r.Context(), req.From, req.To); err != nil {
		s.sendError(w, r, err)
		return
	}
	s.persistAuthInfo(r.Context(), conn, svc)
	s.sendSuccess(w, okMessage, nil)
}
