package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	porter "github.com/akarpov/porter/internal"
	"github.com/akarpov/porter/internal/app"
)

// anthropicMessagesRequest is the inbound /v1/messages shape.
type anthropicMessagesRequest struct {
	Model         string           `json:"model"`
	MaxTokens     *int             `json:"max_tokens"`
	Messages      []porter.Message `json:"messages"`
	System        json.RawMessage  `json:"system,omitempty"`
	Temperature   *float64         `json:"temperature,omitempty"`
	TopP          *float64         `json:"top_p,omitempty"`
	StopSequences []string         `json:"stop_sequences,omitempty"`
	Stream        bool             `json:"stream,omitempty"`
}

// handleMessages serves the Anthropic Messages dialect. Requests are folded
// into the canonical shape for routing; when the resolved provider is
// anthropic the upstream body passes through untranslated.
func (s *server) handleMessages(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	var in anthropicMessagesRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid request body: "+err.Error(), "invalid_request_error"))
		return
	}
	if in.Model == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("model is required", "invalid_request_error"))
		return
	}

	req := canonicalFromMessages(&in)
	meta := app.CallMeta{SourceAPI: "/v1/messages", PreferNative: true}

	if in.Stream {
		s.streamMessages(w, r, req, meta)
		return
	}

	resp, call, err := s.deps.Completion.ChatCompletion(r.Context(), req, meta)
	if err != nil {
		writeError(w, err)
		return
	}
	if call.Native != nil {
		w.Header()["Content-Type"] = jsonCT
		w.WriteHeader(http.StatusOK)
		w.Write(call.Native)
		return
	}
	writeJSON(w, http.StatusOK, messagesFromCanonical(resp))
}

// canonicalFromMessages folds an Anthropic request into the canonical chat
// shape. The system prompt becomes a leading system message.
func canonicalFromMessages(in *anthropicMessagesRequest) *porter.ChatRequest {
	req := &porter.ChatRequest{
		Model:       in.Model,
		Temperature: in.Temperature,
		TopP:        in.TopP,
		MaxTokens:   in.MaxTokens,
		Stream:      in.Stream,
	}
	if len(in.StopSequences) > 0 {
		req.Stop, _ = json.Marshal(in.StopSequences)
	}
	if sys := anthropicSystemText(in.System); sys != "" {
		content, _ := json.Marshal(sys)
		req.Messages = append(req.Messages, porter.Message{Role: "system", Content: content})
	}
	req.Messages = append(req.Messages, in.Messages...)
	return req
}

// anthropicSystemText flattens the system field, which may be a plain string
// or a block array.
func anthropicSystemText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if json.Unmarshal(raw, &blocks) == nil {
		out := ""
		for _, b := range blocks {
			if b.Type == "text" {
				out += b.Text
			}
		}
		return out
	}
	return ""
}

// anthropicMessagesResponse is the outbound /v1/messages shape.
type anthropicMessagesResponse struct {
	ID         string           `json:"id"`
	Type       string           `json:"type"`
	Role       string           `json:"role"`
	Model      string           `json:"model"`
	Content    []anthropicBlock `json:"content"`
	StopReason string           `json:"stop_reason,omitempty"`
	Usage      *anthropicUsage  `json:"usage,omitempty"`
}

type anthropicBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// messagesFromCanonical converts a canonical response into the Anthropic
// Messages shape.
func messagesFromCanonical(resp *porter.ChatResponse) *anthropicMessagesResponse {
	out := &anthropicMessagesResponse{
		ID:    resp.ID,
		Type:  "message",
		Role:  "assistant",
		Model: resp.Model,
	}
	if len(resp.Choices) > 0 {
		c := resp.Choices[0]
		var text string
		if json.Unmarshal(c.Message.Content, &text) != nil {
			text = string(c.Message.Content)
		}
		out.Content = []anthropicBlock{{Type: "text", Text: text}}
		out.StopReason = anthropicStopReason(c.FinishReason)
	}
	if resp.Usage != nil {
		out.Usage = &anthropicUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		}
	}
	return out
}

func anthropicStopReason(finish string) string {
	switch finish {
	case "length":
		return "max_tokens"
	case "tool_calls":
		return "tool_use"
	default:
		return "end_turn"
	}
}

// streamMessages relays a stream in the Anthropic event dialect. Native
// anthropic payloads are forwarded with their event names restored; other
// providers' canonical chunks are re-rendered as Messages events.
func (s *server) streamMessages(w http.ResponseWriter, r *http.Request, req *porter.ChatRequest, meta app.CallMeta) {
	ch, call, err := s.deps.Completion.ChatCompletionStream(r.Context(), req, meta)
	if err != nil {
		writeError(w, err)
		return
	}

	flusher := startSSE(w)
	if flusher == nil {
		return
	}

	native := call.Provider == "anthropic"
	ev := &messagesEventWriter{w: w, model: req.Model}

	keepAlive := time.NewTicker(15 * time.Second)
	defer keepAlive.Stop()

	for {
		select {
		case chunk, ok := <-ch:
			if !ok {
				if !native {
					ev.finish("end_turn")
				}
				flusher.Flush()
				return
			}
			if chunk.Err != nil {
				slog.LogAttrs(r.Context(), slog.LevelError, "stream error",
					slog.String("error", chunk.Err.Error()),
				)
				writeSSEEvent(w, "error", errorFrame(chunk.Err))
				flusher.Flush()
				return
			}
			if chunk.Done {
				if !native {
					ev.finish("end_turn")
				}
				flusher.Flush()
				return
			}
			if native {
				// Payload type doubles as the SSE event name.
				writeSSEEvent(w, gjson.GetBytes(chunk.Data, "type").String(), chunk.Data)
			} else {
				ev.write(chunk)
			}
			flusher.Flush()

		case <-keepAlive.C:
			writeSSEKeepAlive(w)
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}

// messagesEventWriter renders canonical chat.completion.chunk frames as
// Anthropic Messages stream events.
type messagesEventWriter struct {
	w        http.ResponseWriter
	model    string
	started  bool
	finished bool
	output   int
}

func (ev *messagesEventWriter) write(chunk porter.StreamChunk) {
	if chunk.Usage != nil {
		ev.output = chunk.Usage.CompletionTokens
	}

	data := chunk.Data
	if !ev.started {
		ev.started = true
		id := gjson.GetBytes(data, "id").String()
		start := fmt.Sprintf(
			`{"type":"message_start","message":{"id":%q,"type":"message","role":"assistant","model":%q,"content":[],"usage":{"input_tokens":0,"output_tokens":0}}}`,
			id, ev.model)
		writeSSEEvent(ev.w, "message_start", []byte(start))
		writeSSEEvent(ev.w, "content_block_start",
			[]byte(`{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`))
	}

	if text := gjson.GetBytes(data, "choices.0.delta.content"); text.Exists() && text.String() != "" {
		payload, _ := json.Marshal(map[string]any{
			"type":  "content_block_delta",
			"index": 0,
			"delta": map[string]string{"type": "text_delta", "text": text.String()},
		})
		writeSSEEvent(ev.w, "content_block_delta", payload)
	}

	if finish := gjson.GetBytes(data, "choices.0.finish_reason"); finish.Exists() && finish.String() != "" {
		ev.finish(anthropicStopReason(finish.String()))
	}
}

func (ev *messagesEventWriter) finish(stopReason string) {
	if ev.finished {
		return
	}
	ev.finished = true
	if !ev.started {
		return
	}
	writeSSEEvent(ev.w, "content_block_stop",
		[]byte(`{"type":"content_block_stop","index":0}`))
	delta := fmt.Sprintf(
		`{"type":"message_delta","delta":{"stop_reason":%q},"usage":{"output_tokens":%d}}`,
		stopReason, ev.output)
	writeSSEEvent(ev.w, "message_delta", []byte(delta))
	writeSSEEvent(ev.w, "message_stop", []byte(`{"type":"message_stop"}`))
}
