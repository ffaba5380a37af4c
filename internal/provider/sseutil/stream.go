package sseutil

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
)

// Raw is one SSE data payload read from an upstream stream.
type Raw struct {
	Data []byte
	Err  error
}

// ReadStream reads SSE lines from body and sends each data payload on ch.
// Payloads that are not valid JSON are skipped, and the stream terminates on
// the standard "[DONE]" sentinel. The channel is closed when done.
func ReadStream(ctx context.Context, providerName string, body io.ReadCloser, ch chan<- Raw) {
	defer close(ch)
	defer body.Close()

	scanner := NewScanner(body)
	for scanner.Scan() {
		_, data, ok := ParseSSELine(scanner.Text())
		if !ok || data == "" {
			continue
		}
		if data == "[DONE]" {
			return
		}
		if !json.Valid([]byte(data)) {
			continue
		}

		select {
		case ch <- Raw{Data: []byte(data)}:
		case <-ctx.Done():
			// Non-blocking: the consumer may already have stopped reading.
			select {
			case ch <- Raw{Err: ctx.Err()}:
			default:
			}
			return
		}
	}
	if err := scanner.Err(); err != nil {
		select {
		case ch <- Raw{Err: fmt.Errorf("%s: read stream: %w", providerName, err)}:
		case <-ctx.Done():
		}
	}
}
