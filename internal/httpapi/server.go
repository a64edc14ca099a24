package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/agentworkforce/crmsync/internal/crmsync"
)

type ServerConfig struct {
	APIToken     string
	MaxBodyBytes int64
}

// Server is the thin HTTP surface over the engine. All behavior lives in
// the engine; handlers only decode, dispatch and map errors.
type Server struct {
	engine *crmsync.Engine
	cfg    ServerConfig
}

func NewServer(engine *crmsync.Engine) *Server {
	return NewServerWithConfig(engine, ServerConfig{})
}

func NewServerWithConfig(engine *crmsync.Engine, cfg ServerConfig) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	return &Server{engine: engine, cfg: cfg}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	correlationID := getCorrelationID(r)
	if authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.APIToken); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) < 5 || parts[0] != "v1" || parts[1] != "scopes" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}
	scope := crmsync.Scope{OwnerID: parts[2], ConnectionKey: parts[3]}
	rest := parts[4:]

	switch {
	case len(rest) == 1 && rest[0] == "sync" && r.Method == http.MethodPost:
		s.handleStartSync(w, r, scope, correlationID)
	case len(rest) == 2 && rest[0] == "sync" && r.Method == http.MethodGet:
		s.handleJobStatus(w, r, scope, rest[1], correlationID)
	case len(rest) == 3 && rest[0] == "sync" && rest[2] == "retry" && r.Method == http.MethodPost:
		s.handleRetryJob(w, r, scope, rest[1], correlationID)
	case len(rest) == 1 && rest[0] == "groups" && r.Method == http.MethodGet:
		s.handleListGroups(w, r, scope, correlationID)
	case len(rest) == 3 && rest[0] == "groups" && rest[2] == "resolve" && r.Method == http.MethodPost:
		s.handleResolveGroup(w, r, scope, rest[1], correlationID)
	case len(rest) == 3 && rest[0] == "groups" && rest[2] == "merge" && r.Method == http.MethodPost:
		s.handleMergeGroup(w, r, scope, rest[1], correlationID)
	case len(rest) == 3 && rest[0] == "groups" && rest[2] == "reset" && r.Method == http.MethodPost:
		s.handleResetGroup(w, r, scope, rest[1], correlationID)
	case len(rest) == 3 && rest[0] == "merges" && rest[2] == "reset" && r.Method == http.MethodPost:
		s.handleResetMerge(w, r, scope, rest[1], correlationID)
	case len(rest) == 1 && rest[0] == "detect" && r.Method == http.MethodPost:
		s.handleDetect(w, r, scope, correlationID)
	case len(rest) == 1 && rest[0] == "merge-all" && r.Method == http.MethodPost:
		s.handleMergeAll(w, r, scope, correlationID)
	case len(rest) == 1 && rest[0] == "progress" && r.Method == http.MethodGet:
		s.handleProgress(w, r, scope, correlationID)
	case len(rest) == 1 && rest[0] == "finish" && r.Method == http.MethodPost:
		s.handleFinish(w, r, scope, correlationID)
	case len(rest) == 1 && rest[0] == "export" && r.Method == http.MethodGet:
		s.handleExport(w, r, scope, correlationID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

func (s *Server) handleStartSync(w http.ResponseWriter, r *http.Request, scope crmsync.Scope, correlationID string) {
	var req struct {
		Name string `json:"name"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	job, err := s.engine.StartSync(r.Context(), scope, req.Name)
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request, scope crmsync.Scope, jobID, correlationID string) {
	job, err := s.engine.GetJob(scope, jobID)
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request, scope crmsync.Scope, jobID, correlationID string) {
	if err := s.engine.RetryJob(scope, jobID); err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	job, err := s.engine.GetJob(scope, jobID)
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleListGroups(w http.ResponseWriter, r *http.Request, scope crmsync.Scope, correlationID string) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid limit", correlationID)
			return
		}
		limit = parsed
	}
	page, err := s.engine.ListGroups(scope, r.URL.Query().Get("cursor"), limit)
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleResolveGroup(w http.ResponseWriter, r *http.Request, scope crmsync.Scope, groupID, correlationID string) {
	var req struct {
		SurvivorID  string            `json:"survivorId"`
		FieldValues map[string]string `json:"fieldValues"`
		RemovedIDs  []string          `json:"removedIds"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	if err := s.engine.ResolveGroup(scope, groupID, req.SurvivorID, req.FieldValues, req.RemovedIDs); err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}

func (s *Server) handleMergeGroup(w http.ResponseWriter, r *http.Request, scope crmsync.Scope, groupID, correlationID string) {
	var req struct {
		PrimaryExternalID    string   `json:"primaryExternalId"`
		SecondaryExternalID  string   `json:"secondaryExternalId"`
		SecondaryExternalIDs []string `json:"secondaryExternalIds"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	if len(req.SecondaryExternalIDs) > 0 {
		results, err := s.engine.BatchMerge(r.Context(), scope, groupID, req.PrimaryExternalID, req.SecondaryExternalIDs)
		if err != nil {
			s.writeEngineError(w, err, correlationID)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": results})
		return
	}
	result, err := s.engine.MergePair(r.Context(), scope, groupID, req.PrimaryExternalID, req.SecondaryExternalID)
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleResetGroup(w http.ResponseWriter, r *http.Request, scope crmsync.Scope, groupID, correlationID string) {
	if err := s.engine.ResetGroup(scope, groupID); err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (s *Server) handleResetMerge(w http.ResponseWriter, r *http.Request, scope crmsync.Scope, mergeID, correlationID string) {
	if err := s.engine.ResetMergeRecord(scope, mergeID); err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (s *Server) handleDetect(w http.ResponseWriter, r *http.Request, scope crmsync.Scope, correlationID string) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	var conditions []crmsync.FieldCondition
	if strings.TrimSpace(string(body)) != "" {
		parsed, err := crmsync.ParseConditionsJSON(body)
		if err != nil {
			s.writeEngineError(w, err, correlationID)
			return
		}
		conditions = parsed
	}
	if err := s.engine.DetectDuplicates(r.Context(), scope, conditions); err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "detected"})
}

func (s *Server) handleMergeAll(w http.ResponseWriter, r *http.Request, scope crmsync.Scope, correlationID string) {
	results, err := s.engine.BatchMergeAll(r.Context(), scope)
	if err != nil && !errors.Is(err, context.Canceled) {
		s.writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"groups": results})
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request, scope crmsync.Scope, correlationID string) {
	entry, ok := s.engine.Progress().Get(scope)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "no progress for scope", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleFinish(w http.ResponseWriter, r *http.Request, scope crmsync.Scope, correlationID string) {
	if err := s.engine.Finish(r.Context(), scope); err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "finishing"})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request, scope crmsync.Scope, correlationID string) {
	artifact, err := s.engine.GetExport(scope)
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="records.csv"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(artifact.Content)
}

func (s *Server) writeEngineError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, crmsync.ErrValidation), errors.Is(err, crmsync.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, crmsync.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, crmsync.ErrConflict):
		writeError(w, http.StatusConflict, "conflict", err.Error(), correlationID)
	case errors.Is(err, crmsync.ErrUpstream):
		writeError(w, http.StatusBadGateway, "upstream_failure", err.Error(), correlationID)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if strings.TrimSpace(string(body)) == "" {
		return true
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}
