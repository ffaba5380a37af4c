package adapter

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	porter "github.com/akarpov/porter/internal"
	"github.com/akarpov/porter/internal/provider/sseutil"
)

// geminiModelName is the model reported on adapted responses. The upstream
// response body carries no model field, so the adapter pins the public name.
const geminiModelName = "gemini-pro"

// Gemini adapts the canonical shape to the Gemini generateContent API.
type Gemini struct{}

func (Gemini) Name() string { return "gemini" }

func (Gemini) SupportsMultimodal() bool { return true }

// geminiRequest is the Gemini generateContent request body.
type geminiRequest struct {
	Contents         []geminiContent         `json:"contents"`
	GenerationConfig *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inlineData,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiGenerationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

func (Gemini) AdaptRequest(req *porter.ChatRequest, _ string) ([]byte, error) {
	out := &geminiRequest{}

	if req.Temperature != nil || req.TopP != nil || req.MaxTokens != nil || len(req.Stop) > 0 {
		out.GenerationConfig = &geminiGenerationConfig{
			Temperature:     req.Temperature,
			TopP:            req.TopP,
			MaxOutputTokens: req.MaxTokens,
			StopSequences:   normalizeStop(req.Stop),
		}
	}

	for _, m := range req.Messages {
		switch m.Role {
		case "user":
			out.Contents = append(out.Contents, geminiContent{
				Role:  "user",
				Parts: geminiParts(m.Content),
			})
		case "assistant":
			out.Contents = append(out.Contents, geminiContent{
				Role:  "model",
				Parts: geminiParts(m.Content),
			})
		}
		// System and tool messages have no Gemini equivalent here and
		// are dropped.
	}

	b, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("gemini: marshal request: %w", porter.ErrAdapter)
	}
	return b, nil
}

// geminiParts converts canonical message content into Gemini parts. Data URLs
// become inlineData blobs; any other image reference degrades to a text
// placeholder because generateContent only accepts inline payloads.
func geminiParts(raw json.RawMessage) []geminiPart {
	parts, ok := contentParts(raw)
	if !ok {
		return []geminiPart{{Text: extractText(raw)}}
	}

	out := make([]geminiPart, 0, len(parts))
	for _, p := range parts {
		switch p.Type {
		case "text":
			out = append(out, geminiPart{Text: p.Text})
		case "image_url":
			if p.ImageURL == nil {
				continue
			}
			mediaType, data, parsed := parseDataURL(p.ImageURL.URL)
			if !parsed {
				out = append(out, geminiPart{Text: imagePlaceholder(p.ImageURL.URL)})
				continue
			}
			out = append(out, geminiPart{InlineData: &geminiInlineData{
				MimeType: mediaType,
				Data:     data,
			}})
		}
	}
	return out
}

// AdaptResponse converts a Gemini generateContent response to the canonical
// shape. A fresh completion ID is minted since Gemini provides none.
func (Gemini) AdaptResponse(data []byte, _ string) (*porter.ChatResponse, error) {
	r := gjson.ParseBytes(data)
	if !r.Get("candidates").Exists() {
		return nil, fmt.Errorf("gemini: response missing candidates: %w", porter.ErrAdapter)
	}

	var text string
	r.Get("candidates.0.content.parts").ForEach(func(_, part gjson.Result) bool {
		text += part.Get("text").String()
		return true
	})

	ct, _ := json.Marshal(text)
	msg := porter.Message{Role: "assistant", Content: ct}

	var usage *porter.Usage
	if u := r.Get("usageMetadata"); u.Exists() {
		usage = &porter.Usage{
			PromptTokens:     int(u.Get("promptTokenCount").Int()),
			CompletionTokens: int(u.Get("candidatesTokenCount").Int()),
			TotalTokens:      int(u.Get("totalTokenCount").Int()),
		}
	}

	return &porter.ChatResponse{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   geminiModelName,
		Choices: []porter.Choice{{
			Index:        0,
			Message:      msg,
			FinishReason: mapGeminiFinishReason(r.Get("candidates.0.finishReason").String()),
		}},
		Usage: usage,
	}, nil
}

// mapGeminiFinishReason converts Gemini finish reasons to OpenAI finish reasons.
func mapGeminiFinishReason(reason string) string {
	switch reason {
	case "MAX_TOKENS":
		return "length"
	case "SAFETY", "RECITATION":
		return "content_filter"
	case "STOP", "OTHER", "":
		return "stop"
	default:
		return "stop"
	}
}

func (Gemini) NewStreamTranslator(string) StreamTranslator {
	return &geminiStream{id: "chatcmpl-" + uuid.NewString()}
}

// geminiStream translates streamGenerateContent payloads, which are partial
// generateContent responses, into canonical chunks.
type geminiStream struct {
	id       string
	sentRole bool
	usage    *porter.Usage
	finished bool
}

func (s *geminiStream) Next(data []byte) ([]porter.StreamChunk, error) {
	r := gjson.ParseBytes(data)

	var chunks []porter.StreamChunk
	if !s.sentRole {
		s.sentRole = true
		chunks = append(chunks, porter.StreamChunk{
			Data: sseutil.BuildDeltaChunk(s.id, geminiModelName, map[string]any{"role": "assistant"}, ""),
		})
	}

	var text string
	r.Get("candidates.0.content.parts").ForEach(func(_, part gjson.Result) bool {
		text += part.Get("text").String()
		return true
	})
	if text != "" {
		chunks = append(chunks, porter.StreamChunk{
			Data: sseutil.BuildDeltaChunk(s.id, geminiModelName, map[string]any{"content": text}, ""),
		})
	}

	if u := r.Get("usageMetadata"); u.Exists() {
		s.usage = &porter.Usage{
			PromptTokens:     int(u.Get("promptTokenCount").Int()),
			CompletionTokens: int(u.Get("candidatesTokenCount").Int()),
			TotalTokens:      int(u.Get("totalTokenCount").Int()),
		}
	}

	if reason := r.Get("candidates.0.finishReason").String(); reason != "" {
		s.finished = true
		chunks = append(chunks, porter.StreamChunk{
			Data: sseutil.BuildFinishChunk(s.id, geminiModelName, mapGeminiFinishReason(reason)),
		})
		if s.usage != nil {
			chunks = append(chunks, porter.StreamChunk{
				Data:  sseutil.BuildUsageChunk(s.id, geminiModelName, s.usage),
				Usage: s.usage,
			})
		}
	}
	return chunks, nil
}

func (s *geminiStream) Flush() []porter.StreamChunk {
	if s.finished {
		return nil
	}
	return []porter.StreamChunk{
		{Data: sseutil.BuildFinishChunk(s.id, geminiModelName, "stop")},
	}
}
