package adapter

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	porter "github.com/akarpov/porter/internal"
	"github.com/akarpov/porter/internal/provider/sseutil"
)

// defaultAnthropicMaxTokens is applied when the caller omits max_tokens;
// the Messages API requires the field.
const defaultAnthropicMaxTokens = 4096

// Anthropic adapts the canonical shape to the Anthropic Messages API.
type Anthropic struct{}

func (Anthropic) Name() string { return "anthropic" }

func (Anthropic) SupportsMultimodal() bool { return true }

// anthropicRequest is the Anthropic Messages API request body.
type anthropicRequest struct {
	Model       string          `json:"model"`
	MaxTokens   int             `json:"max_tokens"`
	Messages    []anthropicMsg  `json:"messages"`
	System      json.RawMessage `json:"system,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
	Tools       json.RawMessage `json:"tools,omitempty"`
	StopSeqs    []string        `json:"stop_sequences,omitempty"`
}

type anthropicMsg struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

func (Anthropic) AdaptRequest(req *porter.ChatRequest, targetModel string) ([]byte, error) {
	out := &anthropicRequest{
		Model:       targetModel,
		MaxTokens:   defaultAnthropicMaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stream:      req.Stream,
		Tools:       req.Tools,
		StopSeqs:    normalizeStop(req.Stop),
	}
	if req.MaxTokens != nil {
		out.MaxTokens = *req.MaxTokens
	}

	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			// System prompts live in the top-level system field, never in
			// the messages list.
			out.System = json.RawMessage(fmt.Sprintf("%q", extractText(m.Content)))
		case "user", "assistant":
			out.Messages = append(out.Messages, anthropicMsg{
				Role:    m.Role,
				Content: anthropicContent(m.Content),
			})
		case "tool":
			toolResult := fmt.Sprintf(`[{"type":"tool_result","tool_use_id":%q,"content":%s}]`,
				m.ToolCallID, string(m.Content))
			out.Messages = append(out.Messages, anthropicMsg{
				Role:    "user",
				Content: json.RawMessage(toolResult),
			})
		}
	}

	b, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("anthropic: marshal request: %w", porter.ErrAdapter)
	}
	return b, nil
}

// anthropicContent converts canonical message content into Anthropic content
// blocks. Plain strings pass through; multimodal arrays become text and
// image blocks. Remote references become url image sources; anything else
// that cannot be parsed as a data URL degrades to a text placeholder.
func anthropicContent(raw json.RawMessage) json.RawMessage {
	parts, ok := contentParts(raw)
	if !ok {
		return raw
	}

	blocks := make([]map[string]any, 0, len(parts))
	for _, p := range parts {
		switch p.Type {
		case "text":
			blocks = append(blocks, map[string]any{"type": "text", "text": p.Text})
		case "image_url":
			if p.ImageURL == nil {
				continue
			}
			u := p.ImageURL.URL
			if strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") {
				blocks = append(blocks, map[string]any{
					"type":   "image",
					"source": map[string]any{"type": "url", "url": u},
				})
				continue
			}
			mediaType, data, parsed := parseDataURL(u)
			if !parsed {
				blocks = append(blocks, map[string]any{
					"type": "text",
					"text": imagePlaceholder(u),
				})
				continue
			}
			blocks = append(blocks, map[string]any{
				"type": "image",
				"source": map[string]any{
					"type":       "base64",
					"media_type": mediaType,
					"data":       data,
				},
			})
		}
	}
	b, _ := json.Marshal(blocks)
	return b
}

// AdaptResponse converts an Anthropic Messages API response to the canonical
// shape.
func (Anthropic) AdaptResponse(data []byte, _ string) (*porter.ChatResponse, error) {
	result := gjson.ParseBytes(data)
	if !result.Get("content").Exists() {
		return nil, fmt.Errorf("anthropic: response missing content: %w", porter.ErrAdapter)
	}

	id := result.Get("id").String()
	model := result.Get("model").String()
	stopReason := mapAnthropicStopReason(result.Get("stop_reason").String())

	var contentText strings.Builder
	var toolCalls []json.RawMessage
	result.Get("content").ForEach(func(_, block gjson.Result) bool {
		switch block.Get("type").String() {
		case "text":
			contentText.WriteString(block.Get("text").String())
		case "tool_use":
			tc, _ := json.Marshal(map[string]any{
				"id":   block.Get("id").String(),
				"type": "function",
				"function": map[string]any{
					"name":      block.Get("name").String(),
					"arguments": block.Get("input").Raw,
				},
			})
			toolCalls = append(toolCalls, tc)
		}
		return true
	})

	msg := porter.Message{Role: "assistant"}
	ct, _ := json.Marshal(contentText.String())
	msg.Content = ct
	if len(toolCalls) > 0 {
		tc, _ := json.Marshal(toolCalls)
		msg.ToolCalls = tc
		if stopReason == "stop" {
			stopReason = "tool_calls"
		}
	}

	var usage *porter.Usage
	if u := result.Get("usage"); u.Exists() {
		usage = &porter.Usage{
			PromptTokens:     int(u.Get("input_tokens").Int()),
			CompletionTokens: int(u.Get("output_tokens").Int()),
			TotalTokens:      int(u.Get("input_tokens").Int()) + int(u.Get("output_tokens").Int()),
		}
	}

	return &porter.ChatResponse{
		ID:      id,
		Object:  "chat.completion",
		Model:   model,
		Choices: []porter.Choice{{Index: 0, Message: msg, FinishReason: stopReason}},
		Usage:   usage,
	}, nil
}

// mapAnthropicStopReason converts Anthropic stop reasons to OpenAI finish reasons.
func mapAnthropicStopReason(reason string) string {
	switch reason {
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	case "end_turn", "stop_sequence", "":
		return "stop"
	default:
		return "stop"
	}
}

func (Anthropic) NewStreamTranslator(string) StreamTranslator { return &anthropicStream{} }

// anthropicStream tracks the Anthropic SSE event state machine. Event types
// are read from the payload "type" field.
type anthropicStream struct {
	id           string
	model        string
	inputTokens  int
	outputTokens int
	stopReason   string
	finished     bool
}

func (s *anthropicStream) Next(data []byte) ([]porter.StreamChunk, error) {
	r := gjson.ParseBytes(data)
	switch r.Get("type").String() {
	case "message_start":
		s.id = r.Get("message.id").String()
		s.model = r.Get("message.model").String()
		s.inputTokens = int(r.Get("message.usage.input_tokens").Int())
		chunk := sseutil.BuildDeltaChunk(s.id, s.model, map[string]any{"role": "assistant"}, "")
		return []porter.StreamChunk{{Data: chunk}}, nil

	case "content_block_delta":
		if r.Get("delta.type").String() != "text_delta" {
			return nil, nil
		}
		text := r.Get("delta.text").String()
		chunk := sseutil.BuildDeltaChunk(s.id, s.model, map[string]any{"content": text}, "")
		return []porter.StreamChunk{{Data: chunk}}, nil

	case "message_delta":
		s.outputTokens = int(r.Get("usage.output_tokens").Int())
		s.stopReason = r.Get("delta.stop_reason").String()
		return nil, nil

	case "message_stop":
		s.finished = true
		return s.finish(), nil

	case "error":
		return nil, fmt.Errorf("anthropic: stream error: %s: %w",
			r.Get("error.message").String(), porter.ErrProviderError)
	}
	return nil, nil
}

func (s *anthropicStream) Flush() []porter.StreamChunk {
	if s.finished {
		return nil
	}
	return s.finish()
}

func (s *anthropicStream) finish() []porter.StreamChunk {
	usage := &porter.Usage{
		PromptTokens:     s.inputTokens,
		CompletionTokens: s.outputTokens,
		TotalTokens:      s.inputTokens + s.outputTokens,
	}
	return []porter.StreamChunk{
		{Data: sseutil.BuildFinishChunk(s.id, s.model, mapAnthropicStopReason(s.stopReason))},
		{Data: sseutil.BuildUsageChunk(s.id, s.model, usage), Usage: usage},
	}
}
