package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/cloudpic/cloudpic/internal/storage"
)

type connectionRequest struct {
	Type        string              `json:"type"`
	Credentials storage.Credentials `json:"credentials"`
	Settings    storage.Settings    `json:"settings"`
}

func (req *connectionRequest) validate() string {
	switch {
	case req.Type == "":
		return "response.error.typeRequired"
	case req.Credentials.AccessKey == "" || req.Credentials.SecretKey == "":
		return "response.error.credentialsRequired"
	}
	return ""
}

func (s *Server) handleListConnections(w http.ResponseWriter, r *http.Request) {
	conns, err := s.store.List(r.Context())
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	s.sendSuccess(w, "response.success.connectionsListed", conns)
}

// handleCreateConnection verifies the credentials with a live connect
// before anything is stored. The connection is named after its bucket,
// and the row carries the auth snapshot the connect produced.
func (s *Server) handleCreateConnection(w http.ResponseWriter, r *http.Request) {
	var req connectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendBadRequest(w, "response.error.invalidRequest")
		return
	}
	if msg := req.validate(); msg != "" {
		s.sendBadRequest(w, msg)
		return
	}

	svc, err := storage.New(req.Type, req.Credentials)
	if err != nil {
		s.sendError(w, r, err)
		return
	}

	name := req.Credentials.Bucket
	exists, err := s.store.Exists(r.Context(), req.Type, name)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	if exists {
		s.sendError(w, r, fmt.Errorf("%w: connection %q (%s)", storage.ErrDuplicate, name, req.Type))
		return
	}

	if _, err := svc.Connect(r.Context()); err != nil {
		s.sendError(w, r, err)
		return
	}
	authInfo, err := svc.AuthInfo()
	if err != nil {
		s.sendError(w, r, err)
		return
	}

	conn, err := s.store.Create(r.Context(), name, req.Type, req.Credentials, req.Settings, authInfo)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	s.sendSuccess(w, "response.success.connectionCreated", conn)
}

// handleTestConnection opens a live provider session with the submitted
// credentials without persisting anything.
func (s *Server) handleTestConnection(w http.ResponseWriter, r *http.Request) {
	var req connectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendBadRequest(w, "response.error.invalidRequest")
		return
	}
	if req.Credentials.AccessKey == "" || req.Credentials.SecretKey == "" {
		s.sendBadRequest(w, "response.error.credentialsRequired")
		return
	}

	svc, err := storage.New(req.Type, req.Credentials)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	if _, err := svc.Connect(r.Context()); err != nil {
		s.sendError(w, r, err)
		return
	}
	s.sendSuccess(w, "response.success.connectionTested", nil)
}

func (s *Server) handleUpdateConnection(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name     string           `json:"name"`
		Settings storage.Settings `json:"settings"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendBadRequest(w, "response.error.invalidRequest")
		return
	}
	if req.Name == "" {
		s.sendBadRequest(w, "response.error.nameRequired")
		return
	}

	if err := s.store.Update(r.Context(), r.PathValue("id"), req.Name, req.Settings); err != nil {
		s.sendError(w, r, err)
		return
	}
	s.sendSuccess(w, "response.success.connectionUpdated", nil)
}

func (s *Server) handleDeleteConnection(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Delete(r.Context(), r.PathValue("id")); err != nil {
		s.sendError(w, r, err)
		return
	}
	s.sendSuccess(w, "response.success.connectionDeleted", nil)
}

func (s *Server) handleDeleteConnectionByName(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
		Type string `json:"type"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" || req.Type == "" {
		s.sendBadRequest(w, "response.error.invalidRequest")
		return
	}

	if err := s.store.DeleteByName(r.Context(), req.Type, req.Name); err != nil {
		s.sendError(w, r, err)
		return
	}
	s.sendSuccess(w, "response.success.connectionDeleted", nil)
}
