// Package multimodal normalizes image references in chat messages into
// base64 data URLs before adapters see them.
package multimodal

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	porter "github.com/akarpov/porter/internal"
	"github.com/akarpov/porter/internal/cache"
)

const (
	fetchTimeout  = 30 * time.Second
	fetchCacheTTL = 5 * time.Minute
	maxImageBytes = 20 << 20
)

// supportedFormats maps file extensions to image MIME subtypes.
var supportedFormats = map[string]string{
	".jpg":  "jpeg",
	".jpeg": "jpeg",
	".png":  "png",
	".gif":  "gif",
	".webp": "webp",
	".bmp":  "bmp",
	".tif":  "tiff",
	".tiff": "tiff",
	".svg":  "svg+xml",
}

// supportedSubtypes is the set of acceptable image/* subtypes for remote fetches.
var supportedSubtypes = map[string]bool{
	"jpeg": true, "png": true, "gif": true, "webp": true,
	"bmp": true, "tiff": true, "svg+xml": true,
}

// Processor rewrites message content parts in place. Remote fetches go
// through a short-lived cache so client retries do not re-download.
type Processor struct {
	http  *http.Client
	cache *cache.Memory
}

// NewProcessor creates a Processor. A nil cache disables fetch caching.
func NewProcessor(fetchCache *cache.Memory) *Processor {
	return &Processor{
		http:  &http.Client{Timeout: fetchTimeout},
		cache: fetchCache,
	}
}

type part struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL *struct {
		URL string `json:"url"`
	} `json:"image_url,omitempty"`
}

// Preprocess validates multimodal content in all messages and inlines local
// file images. Remote http(s) references stay as-is for the deferred
// FetchRemote pass. Plain string content passes through untouched.
func (p *Processor) Preprocess(_ context.Context, req *porter.ChatRequest) error {
	return p.walk(req, func(pt *part) (bool, error) {
		u := pt.ImageURL.URL
		switch {
		case strings.HasPrefix(u, "data:"),
			strings.HasPrefix(u, "http://"), strings.HasPrefix(u, "https://"):
			return false, nil
		default:
			dataURL, err := encodeLocalFile(u)
			if err != nil {
				return false, err
			}
			pt.ImageURL.URL = dataURL
			return true, nil
		}
	})
}

// FetchRemote is the second pass: it downloads remote image URLs and inlines
// them as data URLs. Fetch failures downgrade to the original URL, so this
// pass never rejects a request. Callers skip it for providers that accept
// external references (or none at all).
func (p *Processor) FetchRemote(ctx context.Context, req *porter.ChatRequest) {
	p.walk(req, func(pt *part) (bool, error) {
		u := pt.ImageURL.URL
		if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			return false, nil
		}
		dataURL, ok := p.fetch(ctx, u)
		if !ok {
			return false, nil
		}
		pt.ImageURL.URL = dataURL
		return true, nil
	})
}

// walk applies fn to every image part, rewriting message content in place
// when fn reports a change. Empty image URLs fail validation before fn runs.
func (p *Processor) walk(req *porter.ChatRequest, fn func(*part) (bool, error)) error {
	for i := range req.Messages {
		raw := req.Messages[i].Content
		if len(raw) == 0 || raw[0] != '[' {
			continue
		}
		var parts []part
		if err := json.Unmarshal(raw, &parts); err != nil {
			return fmt.Errorf("message %d: malformed content parts: %w", i, porter.ErrValidation)
		}

		changed := false
		for j := range parts {
			pt := &parts[j]
			if pt.Type != "image_url" {
				continue
			}
			if pt.ImageURL == nil || pt.ImageURL.URL == "" {
				return fmt.Errorf("message %d: image part has empty url: %w", i, porter.ErrValidation)
			}
			rewritten, err := fn(pt)
			if err != nil {
				return fmt.Errorf("message %d: %w", i, err)
			}
			changed = changed || rewritten
		}
		if changed {
			b, _ := json.Marshal(parts)
			req.Messages[i].Content = b
		}
	}
	return nil
}

// encodeLocalFile reads a local image and returns it as a base64 data URL.
func encodeLocalFile(path string) (string, error) {
	subtype, ok := supportedFormats[strings.ToLower(filepath.Ext(path))]
	if !ok {
		return "", fmt.Errorf("unsupported image format %q: %w", filepath.Ext(path), porter.ErrValidation)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read image %s: %w", path, porter.ErrValidation)
	}
	return "data:image/" + subtype + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}

// fetch downloads a remote image and returns it as a base64 data URL.
// Any failure downgrades to the original URL, so fetch never errors.
func (p *Processor) fetch(ctx context.Context, u string) (string, bool) {
	if p.cache != nil {
		if cached, ok := p.cache.Get(ctx, u); ok {
			return string(cached), true
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", false
	}
	resp, err := p.http.Do(req)
	if err != nil {
		slog.Debug("image fetch failed", "url", u, "error", err)
		return "", false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", false
	}
	mediaType := resp.Header.Get("Content-Type")
	if i := strings.IndexByte(mediaType, ';'); i >= 0 {
		mediaType = strings.TrimSpace(mediaType[:i])
	}
	subtype, found := strings.CutPrefix(mediaType, "image/")
	if !found || !supportedSubtypes[subtype] {
		return "", false
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
	if err != nil {
		return "", false
	}

	dataURL := "data:" + mediaType + ";base64," + base64.StdEncoding.EncodeToString(data)
	if p.cache != nil {
		p.cache.Set(ctx, u, []byte(dataURL), fetchCacheTTL)
	}
	return dataURL, true
}
