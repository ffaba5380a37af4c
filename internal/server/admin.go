package server

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	porter "github.com/akarpov/porter/internal"
	"github.com/akarpov/porter/internal/app"
	"github.com/akarpov/porter/internal/storage"
)

// maxAdminBody is the maximum allowed admin request body size (1 MB).
const maxAdminBody = 1 << 20

// adminAuth guards the admin group with a bearer token. An empty configured
// token leaves the group open.
func (s *server) adminAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.deps.AdminToken != "" {
			got := r.Header.Get("Authorization")
			want := "Bearer " + s.deps.AdminToken
			if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
				writeJSON(w, http.StatusUnauthorized, errorResponse("invalid admin token", "authentication_error"))
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// decodeJSON limits body size, decodes JSON into v, and writes a 400 on error.
// Returns true if decoding succeeded.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxAdminBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid request body", "invalid_request_error"))
		return false
	}
	return true
}

// writeAdminError logs the full error server-side and returns a sanitized
// message to the client to avoid leaking internal details (e.g. SQLite errors).
func writeAdminError(w http.ResponseWriter, r *http.Request, err error) {
	status := errorStatus(err)
	switch {
	case errors.Is(err, porter.ErrNotFound):
		writeJSON(w, status, errorResponse("not found", "not_found_error"))
	case errors.Is(err, porter.ErrValidation):
		writeJSON(w, status, errorResponse(err.Error(), "invalid_request_error"))
	default:
		slog.LogAttrs(r.Context(), slog.LevelError, "admin error",
			slog.String("error", err.Error()),
		)
		writeJSON(w, status, errorResponse("internal error", "api_error"))
	}
}

func parseID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid id", "invalid_request_error"))
		return 0, false
	}
	return id, true
}

// --- Pagination helpers ---

type pagination struct {
	Offset int `json:"offset"`
	Limit  int `json:"limit"`
	Total  int `json:"total"`
}

type listResponse struct {
	Data       any        `json:"data"`
	Pagination pagination `json:"pagination"`
}

func parsePagination(r *http.Request) (offset, limit int) {
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return
}

// parseSinceUntil validates optional since/until RFC3339 query params.
// Writes 400 and returns false on invalid format.
func parseSinceUntil(w http.ResponseWriter, r *http.Request) (since, until string, ok bool) {
	q := r.URL.Query()
	since, until = q.Get("since"), q.Get("until")
	// Validate RFC3339 upfront: SQLite datetime() silently returns NULL on
	// malformed strings, producing empty results instead of a clear error.
	if since != "" {
		if _, err := time.Parse(time.RFC3339, since); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse("invalid since format, use RFC3339", "invalid_request_error"))
			return "", "", false
		}
	}
	if until != "" {
		if _, err := time.Parse(time.RFC3339, until); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse("invalid until format, use RFC3339", "invalid_request_error"))
			return "", "", false
		}
	}
	return since, until, true
}

// --- Keys ---

// keyCreateRequest is the payload for registering a provider key. The secret
// appears here once and is stored encrypted.
type keyCreateRequest struct {
	Provider   string `json:"provider"`
	Key        string `json:"key"`
	Priority   int    `json:"priority,omitempty"`
	Disabled   bool   `json:"disabled,omitempty"`
	AuthHeader string `json:"auth_header,omitempty"`
	AuthFormat string `json:"auth_format,omitempty"`
}

func (s *server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	keys := s.deps.Keys.ListKeys(r.Context())
	if keys == nil {
		keys = []porter.ProviderKey{}
	}
	writeJSON(w, http.StatusOK, listResponse{
		Data:       keys,
		Pagination: pagination{Offset: 0, Limit: len(keys), Total: len(keys)},
	})
}

func (s *server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	var req keyCreateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	key, err := s.deps.Keys.CreateKey(r.Context(), app.CreateKeyOpts{
		Provider:   req.Provider,
		Secret:     req.Key,
		Priority:   req.Priority,
		Disabled:   req.Disabled,
		AuthHeader: req.AuthHeader,
		AuthFormat: req.AuthFormat,
	})
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	w.Header().Set("Location", "/admin/keys/"+strconv.FormatInt(key.ID, 10))
	writeJSON(w, http.StatusCreated, key)
}

// keyRotateRequest supplies the replacement secret for a rotation.
type keyRotateRequest struct {
	Key string `json:"key"`
}

func (s *server) handleRotateKey(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	var req keyRotateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	key, err := s.deps.Keys.Rotate(r.Context(), id, req.Key)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, key)
}

func (s *server) handleRotationCandidates(w http.ResponseWriter, r *http.Request) {
	flagged := s.deps.Keys.FlaggedKeys(r.Context())
	if flagged == nil {
		flagged = []porter.ProviderKey{}
	}
	writeJSON(w, http.StatusOK, listResponse{
		Data:       flagged,
		Pagination: pagination{Offset: 0, Limit: len(flagged), Total: len(flagged)},
	})
}

// --- Model configs ---

func (s *server) handleListModelConfigs(w http.ResponseWriter, r *http.Request) {
	configs, err := s.deps.Store.ListModelConfigs(r.Context())
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	if configs == nil {
		configs = []porter.ModelConfig{}
	}
	writeJSON(w, http.StatusOK, listResponse{
		Data:       configs,
		Pagination: pagination{Offset: 0, Limit: len(configs), Total: len(configs)},
	})
}

func (s *server) handleCreateModelConfig(w http.ResponseWriter, r *http.Request) {
	var mc porter.ModelConfig
	if !decodeJSON(w, r, &mc) {
		return
	}
	if mc.RouteKey == "" || mc.Provider == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("route_key and provider are required", "invalid_request_error"))
		return
	}
	if err := s.deps.Store.CreateModelConfig(r.Context(), &mc); err != nil {
		writeAdminError(w, r, err)
		return
	}
	s.deps.Router.InvalidateCache()
	w.Header().Set("Location", "/admin/models/"+strconv.FormatInt(mc.ID, 10))
	writeJSON(w, http.StatusCreated, mc)
}

func (s *server) handleUpdateModelConfig(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	var mc porter.ModelConfig
	if !decodeJSON(w, r, &mc) {
		return
	}
	mc.ID = id
	if err := s.deps.Store.UpdateModelConfig(r.Context(), &mc); err != nil {
		writeAdminError(w, r, err)
		return
	}
	s.deps.Router.InvalidateCache()
	writeJSON(w, http.StatusOK, mc)
}

func (s *server) handleDeleteModelConfig(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	if err := s.deps.Store.DeleteModelConfig(r.Context(), id); err != nil {
		writeAdminError(w, r, err)
		return
	}
	s.deps.Router.InvalidateCache()
	w.WriteHeader(http.StatusNoContent)
}

// --- Request logs ---

func (s *server) handleQueryLogs(w http.ResponseWriter, r *http.Request) {
	since, until, ok := parseSinceUntil(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	offset, limit := parsePagination(r)
	filter := storage.RequestLogFilter{
		Provider: q.Get("provider"),
		Model:    q.Get("model"),
		Since:    since,
		Until:    until,
		Offset:   offset,
		Limit:    limit,
	}
	logs, err := s.deps.Store.QueryRequestLogs(r.Context(), filter)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	total, _ := s.deps.Store.CountRequestLogs(r.Context(), filter)
	if logs == nil {
		logs = []porter.RequestLog{}
	}
	writeJSON(w, http.StatusOK, listResponse{
		Data:       logs,
		Pagination: pagination{Offset: offset, Limit: limit, Total: total},
	})
}
