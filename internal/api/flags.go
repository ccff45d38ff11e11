package api

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/TimurManjosov/flaggate/internal/auth"
	"github.com/TimurManjosov/flaggate/internal/flagdoc"
	"github.com/TimurManjosov/flaggate/internal/repo"
	"github.com/TimurManjosov/flaggate/internal/validation"
)

// UpdateResponse is returned by successful writes.
type UpdateResponse struct {
	Status        string `json:"status"` // "committed" or "patched"
	CommitMessage string `json:"commit_message,omitempty"`
	Attempts      int    `json:"attempts"`
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.PrincipalFromContext(r.Context())
	projects, err := s.repo.ListProjects(r.Context(), p)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, projects)
}

func (s *Server) handleListEnvs(w http.ResponseWriter, r *http.Request) {
	params, ok := pathParams(w, r, "project")
	if !ok {
		return
	}
	p, _ := auth.PrincipalFromContext(r.Context())
	envs, err := s.repo.ListEnvs(r.Context(), p, params[0])
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envs)
}

func (s *Server) handleGetFlags(w http.ResponseWriter, r *http.Request) {
	params, ok := pathParams(w, r, "project", "env")
	if !ok {
		return
	}
	project, env := params[0], params[1]

	p, _ := auth.PrincipalFromContext(r.Context())
	flags, err := s.repo.ReadFlags(r.Context(), p, project, env)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	if len(flags) == 0 {
		NotFoundError(w, r, "No flags found for "+project+"/"+env)
		return
	}

	body, err := json.Marshal(flags)
	if err != nil {
		s.logger.Error("encode flags", zap.Error(err))
		InternalError(w, r, "Failed to encode flags")
		return
	}
	etag := weakETag(body)
	if inm := r.Header.Get("If-None-Match"); inm != "" && inm == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("ETag", etag)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
	_, _ = w.Write([]byte("\n"))
}

func (s *Server) handleUpdateFlags(w http.ResponseWriter, r *http.Request) {
	params, ok := pathParams(w, r, "project", "env")
	if !ok {
		return
	}
	updates, ok := s.decodeUpdates(w, r)
	if !ok {
		return
	}

	p, _ := auth.PrincipalFromContext(r.Context())
	res, err := s.repo.SafeUpdateFlags(r.Context(), p, params[0], params[1], updates)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updateResponse(res))
}

func (s *Server) handleAddFlags(w http.ResponseWriter, r *http.Request) {
	params, ok := pathParams(w, r, "project")
	if !ok {
		return
	}
	updates, ok := s.decodeUpdates(w, r)
	if !ok {
		return
	}

	p, _ := auth.PrincipalFromContext(r.Context())
	res, err := s.repo.SafeAddFlags(r.Context(), p, params[0], updates)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updateResponse(res))
}

func (s *Server) decodeUpdates(w http.ResponseWriter, r *http.Request) (map[string]flagdoc.Definition, bool) {
	body, ok := readBody(w, r)
	if !ok {
		return nil, false
	}
	updates, result := validation.ValidateUpdateBody(body)
	if !result.Valid {
		ValidationError(w, r, "Invalid flag update", result.Errors)
		return nil, false
	}
	return updates, true
}

func updateResponse(res repo.Result) UpdateResponse {
	status := "committed"
	if res.Backend == repo.BackendCluster {
		status = "patched"
	}
	return UpdateResponse{Status: status, CommitMessage: res.CommitMessage, Attempts: res.Attempts}
}
