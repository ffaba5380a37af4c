package adapter

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	porter "github.com/akarpov/porter/internal"
)

// OpenAI is the passthrough adapter: the canonical shape is the OpenAI shape,
// so only the model name changes.
type OpenAI struct{}

func (OpenAI) Name() string { return "openai" }

func (OpenAI) SupportsMultimodal() bool { return true }

func (OpenAI) AdaptRequest(req *porter.ChatRequest, targetModel string) ([]byte, error) {
	out := *req
	out.Model = targetModel
	if out.Stream {
		// Ask for the usage block on the final chunk so cost accounting
		// works for streamed requests.
		out.StreamOptions = &porter.StreamOptions{IncludeUsage: true}
	}
	b, err := json.Marshal(&out)
	if err != nil {
		return nil, fmt.Errorf("openai: marshal request: %w", porter.ErrAdapter)
	}
	return b, nil
}

func (OpenAI) AdaptResponse(data []byte, _ string) (*porter.ChatResponse, error) {
	var resp porter.ChatResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("openai: decode response: %w", porter.ErrAdapter)
	}
	return &resp, nil
}

func (OpenAI) NewStreamTranslator(string) StreamTranslator { return &openaiStream{} }

// openaiStream forwards chunks as-is, extracting usage from the final chunk.
type openaiStream struct{}

func (*openaiStream) Next(data []byte) ([]porter.StreamChunk, error) {
	chunk := porter.StreamChunk{Data: data}
	if u := gjson.GetBytes(data, "usage"); u.Exists() && u.Type == gjson.JSON {
		var usage porter.Usage
		if json.Unmarshal([]byte(u.Raw), &usage) == nil && usage.TotalTokens > 0 {
			chunk.Usage = &usage
		}
	}
	return []porter.StreamChunk{chunk}, nil
}

func (*openaiStream) Flush() []porter.StreamChunk { return nil }
