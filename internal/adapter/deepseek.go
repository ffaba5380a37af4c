package adapter

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	porter "github.com/akarpov/porter/internal"
	"github.com/akarpov/porter/internal/provider/sseutil"
)

// deepseekModel is the only model relayed upstream. Requests are pinned to
// the reasoner regardless of the configured target model.
const deepseekModel = "deepseek-reasoner"

// DeepSeek adapts the canonical shape to the DeepSeek API. Requests go out in
// an Anthropic-flavored body; responses come back in either an Anthropic or
// an OpenAI shape, the latter with reasoning output in a separate
// reasoning_content field.
type DeepSeek struct{}

func (DeepSeek) Name() string { return "deepseek" }

// SupportsMultimodal is false: message content is flattened to text before
// the upstream call.
func (DeepSeek) SupportsMultimodal() bool { return false }

// deepseekRequest mirrors the Messages-style body the upstream accepts.
type deepseekRequest struct {
	Model       string        `json:"model"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	Messages    []deepseekMsg `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	TopP        *float64      `json:"top_p,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
	StopSeqs    []string      `json:"stop_sequences,omitempty"`
}

type deepseekMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (DeepSeek) AdaptRequest(req *porter.ChatRequest, _ string) ([]byte, error) {
	out := &deepseekRequest{
		Model:       deepseekModel,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stream:      req.Stream,
		StopSeqs:    normalizeStop(req.Stop),
	}

	var system string
	for _, m := range req.Messages {
		text := extractText(m.Content)
		switch m.Role {
		case "system":
			system = text
		case "user", "assistant":
			out.Messages = append(out.Messages, deepseekMsg{Role: m.Role, Content: text})
		}
	}
	// The upstream rejects a system role, so the system prompt is folded
	// into the first user turn.
	if system != "" {
		for i := range out.Messages {
			if out.Messages[i].Role == "user" {
				out.Messages[i].Content = system + "\n\n" + out.Messages[i].Content
				break
			}
		}
	}

	b, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("deepseek: marshal request: %w", porter.ErrAdapter)
	}
	return b, nil
}

// AdaptResponse handles both response shapes the upstream emits.
func (DeepSeek) AdaptResponse(data []byte, _ string) (*porter.ChatResponse, error) {
	r := gjson.ParseBytes(data)

	// Anthropic-shaped body: content block array at the top level.
	if r.Get("content").IsArray() {
		resp, err := Anthropic{}.AdaptResponse(data, "")
		if err != nil {
			return nil, fmt.Errorf("deepseek: %w", porter.ErrAdapter)
		}
		resp.Model = deepseekModel
		return resp, nil
	}

	if !r.Get("choices").Exists() {
		return nil, fmt.Errorf("deepseek: response missing choices: %w", porter.ErrAdapter)
	}
	var resp porter.ChatResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("deepseek: decode response: %w", porter.ErrAdapter)
	}

	// The reasoner returns its answer in reasoning_content with an empty
	// content field; promote it so canonical clients see the text.
	for i := range resp.Choices {
		if extractText(resp.Choices[i].Message.Content) != "" {
			continue
		}
		reasoning := r.Get(fmt.Sprintf("choices.%d.message.reasoning_content", i))
		if reasoning.Type == gjson.String && reasoning.Str != "" {
			ct, _ := json.Marshal(reasoning.Str)
			resp.Choices[i].Message.Content = ct
		}
	}
	return &resp, nil
}

func (DeepSeek) NewStreamTranslator(string) StreamTranslator { return &deepseekStream{} }

// deepseekStream forwards OpenAI-shaped chunks, promoting delta
// reasoning_content into delta content when content is absent.
type deepseekStream struct{}

func (*deepseekStream) Next(data []byte) ([]porter.StreamChunk, error) {
	r := gjson.ParseBytes(data)
	chunk := porter.StreamChunk{Data: data}

	delta := r.Get("choices.0.delta")
	if delta.Exists() {
		content := delta.Get("content")
		reasoning := delta.Get("reasoning_content")
		empty := !content.Exists() || content.Type == gjson.Null || content.Str == ""
		if empty && reasoning.Type == gjson.String && reasoning.Str != "" {
			d := map[string]any{"content": reasoning.Str}
			if role := delta.Get("role"); role.Type == gjson.String {
				d["role"] = role.Str
			}
			chunk.Data = sseutil.BuildDeltaChunk(
				r.Get("id").String(), r.Get("model").String(), d,
				r.Get("choices.0.finish_reason").String())
		}
	}

	if u := r.Get("usage"); u.Exists() && u.Type == gjson.JSON {
		var usage porter.Usage
		if json.Unmarshal([]byte(u.Raw), &usage) == nil && usage.TotalTokens > 0 {
			chunk.Usage = &usage
		}
	}
	return []porter.StreamChunk{chunk}, nil
}

func (*deepseekStream) Flush() []porter.StreamChunk { return nil }
