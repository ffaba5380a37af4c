// Package tokencount provides token estimation for cost accounting when an
// upstream response carries no usage block. Uses a character-based heuristic
// (~4 chars per token for English), which is sufficient for approximate cost.
package tokencount

import (
	porter "github.com/akarpov/porter/internal"
)

// EstimateRequest estimates the prompt token count for a chat request.
// Accounts for message overhead (role, formatting).
func EstimateRequest(messages []porter.Message) int {
	total := 0
	for _, m := range messages {
		total += 4 // per-message framing overhead
		total += estimateTokens(m.Role)
		total += estimateTokens(string(m.Content))
		if m.Name != "" {
			total += estimateTokens(m.Name) + 1
		}
	}
	total += 3 // every reply is primed with an assistant header
	return max(total, 1)
}

// EstimateText estimates tokens for a plain text string.
func EstimateText(text string) int {
	return max(estimateTokens(text), 1)
}

// EstimateUsage builds a usage block from a request and completion text when
// the provider reported none.
func EstimateUsage(messages []porter.Message, completion string) *porter.Usage {
	prompt := EstimateRequest(messages)
	out := EstimateText(completion)
	return &porter.Usage{
		PromptTokens:     prompt,
		CompletionTokens: out,
		TotalTokens:      prompt + out,
	}
}

// estimateTokens uses the ~4 characters per token heuristic.
func estimateTokens(s string) int {
	if len(s) == 0 {
		return 0
	}
	return (len(s) + 3) / 4
}
