// Package sseutil reads server-sent event streams coming back from upstream
// model providers.
package sseutil

import (
	"bufio"
	"io"
	"strings"
)

// maxLineSize bounds a single SSE line. Chunk payloads are small, but a
// provider may pack a whole completion into one data line.
const maxLineSize = 64 * 1024

// NewScanner returns a bufio.Scanner sized for upstream SSE lines. Each Scan
// yields one line without its trailing newline.
func NewScanner(r io.Reader) *bufio.Scanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 4096), maxLineSize)
	return s
}

// ParseSSELine splits one SSE line into its field name and value. Empty
// lines, comment lines (leading ':'), and fields other than event/data
// report ok=false and are skipped by callers.
func ParseSSELine(line string) (event, data string, ok bool) {
	if line == "" || line[0] == ':' {
		return "", "", false
	}

	key, value, found := strings.Cut(line, ":")
	if !found {
		return "", "", false
	}
	// A single space after the colon is separator, not payload.
	value = strings.TrimPrefix(value, " ")

	switch key {
	case "event":
		return value, "", true
	case "data":
		return "", value, true
	default:
		return "", "", false
	}
}
