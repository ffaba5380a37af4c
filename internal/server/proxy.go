package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	porter "github.com/akarpov/porter/internal"
	"github.com/akarpov/porter/internal/app"
	"github.com/akarpov/porter/internal/provider"
)

// maxRequestBody bounds inbound completion bodies (10 MB covers multimodal
// payloads with inline images).
const maxRequestBody = 10 << 20

func (s *server) handleChatCompletion(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeChatRequest(w, r)
	if !ok {
		return
	}
	meta := app.CallMeta{SourceAPI: "/v1/chat/completions"}

	if req.Stream {
		s.streamCompletion(w, r, req, meta)
		return
	}

	resp, _, err := s.deps.Completion.ChatCompletion(r.Context(), req, meta)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleProviderCompletion pins the request to one provider, bypassing the
// cross-provider resolution ladder.
func (s *server) handleProviderCompletion(w http.ResponseWriter, r *http.Request) {
	providerName := chi.URLParam(r, "provider")
	req, ok := decodeChatRequest(w, r)
	if !ok {
		return
	}
	meta := app.CallMeta{
		SourceAPI: "/v1/provider/" + providerName + "/completions",
		Provider:  providerName,
	}

	if req.Stream {
		s.streamCompletion(w, r, req, meta)
		return
	}

	resp, _, err := s.deps.Completion.ChatCompletion(r.Context(), req, meta)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// streamCompletion relays canonical chunks as an SSE stream.
func (s *server) streamCompletion(w http.ResponseWriter, r *http.Request, req *porter.ChatRequest, meta app.CallMeta) {
	ch, _, err := s.deps.Completion.ChatCompletionStream(r.Context(), req, meta)
	if err != nil {
		writeError(w, err)
		return
	}

	flusher := startSSE(w)
	if flusher == nil {
		return
	}

	keepAlive := time.NewTicker(15 * time.Second)
	defer keepAlive.Stop()

	for {
		select {
		case chunk, ok := <-ch:
			if !ok {
				writeSSEDone(w)
				flusher.Flush()
				return
			}
			if chunk.Err != nil {
				slog.LogAttrs(r.Context(), slog.LevelError, "stream error",
					slog.String("error", chunk.Err.Error()),
				)
				writeSSEData(w, errorFrame(chunk.Err))
				writeSSEDone(w)
				flusher.Flush()
				return
			}
			if chunk.Done {
				writeSSEDone(w)
				flusher.Flush()
				return
			}
			writeSSEData(w, chunk.Data)
			flusher.Flush()

		case <-keepAlive.C:
			writeSSEKeepAlive(w)
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}

func decodeChatRequest(w http.ResponseWriter, r *http.Request) (*porter.ChatRequest, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	var req porter.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid request body: "+err.Error(), "invalid_request_error"))
		return nil, false
	}
	if req.Model == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("model is required", "invalid_request_error"))
		return nil, false
	}
	return &req, true
}

type apiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func errorResponse(msg, typ string) apiError {
	var e apiError
	e.Error.Message = msg
	e.Error.Type = typ
	return e
}

// errorFrame renders an error as a terminal SSE payload.
func errorFrame(err error) []byte {
	b, _ := json.Marshal(errorResponse(err.Error(), errorType(errorStatus(err))))
	return b
}

// writeError maps a pipeline error to the client-facing envelope, including
// Retry-After for rate limits.
func writeError(w http.ResponseWriter, err error) {
	status := errorStatus(err)
	var retry *porter.RetryAfterError
	if errors.As(err, &retry) {
		w.Header().Set("Retry-After", strconv.Itoa(retry.Seconds))
	}
	writeJSON(w, status, errorResponse(err.Error(), errorType(status)))
}

func errorStatus(err error) int {
	var api *provider.APIError
	switch {
	case errors.As(err, &api):
		return api.StatusCode
	case errors.Is(err, porter.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, porter.ErrModelNotFound), errors.Is(err, porter.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, porter.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, porter.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, porter.ErrNoAvailableKey), errors.Is(err, porter.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func errorType(status int) string {
	switch {
	case status == http.StatusUnauthorized:
		return "authentication_error"
	case status == http.StatusNotFound:
		return "not_found_error"
	case status == http.StatusTooManyRequests:
		return "rate_limit_error"
	case status >= 500:
		return "api_error"
	default:
		return "invalid_request_error"
	}
}

// jsonCT is a pre-allocated header value slice. Direct map assignment
// (w.Header()["Content-Type"] = jsonCT) avoids the []string{v} alloc
// that Header.Set creates on every call. Saves 1 alloc/req.
var jsonCT = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
