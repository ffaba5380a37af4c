package provider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/dnscache"

	porter "github.com/akarpov/porter/internal"
	"github.com/akarpov/porter/internal/provider/sseutil"
)

// defaultTimeout bounds non-streaming upstream calls.
const defaultTimeout = 30 * time.Second

// NewTransport returns a tuned *http.Transport with connection pooling and
// optional DNS caching.
func NewTransport(resolver *dnscache.Resolver) *http.Transport {
	t := &http.Transport{
		MaxIdleConnsPerHost: 100,
		MaxConnsPerHost:     200,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	if resolver != nil {
		t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := resolver.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}
			var d net.Dialer
			return d.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
		}
	}
	return t
}

// Credential is the per-call secret plus optional auth-shape overrides.
// Overrides come from key or route configuration and win over the endpoint
// defaults.
type Credential struct {
	Key        string
	AuthHeader string
	AuthFormat string
}

// Client sends adapted request bodies to one upstream endpoint. It knows
// nothing about body shapes; callers hand it native JSON and get native JSON
// (or a native SSE payload stream) back.
type Client struct {
	endpoint *Endpoint
	http     *http.Client
}

// NewClient creates a client for the given endpoint. If httpClient is nil a
// default client with a 30s timeout is used.
func NewClient(ep *Endpoint, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{endpoint: ep, http: httpClient}
}

// Endpoint returns the endpoint descriptor this client targets.
func (c *Client) Endpoint() *Endpoint { return c.endpoint }

// Complete sends a non-streaming request and returns the raw response body.
// apiBase overrides the endpoint default when non-empty.
func (c *Client) Complete(ctx context.Context, apiBase, model string, cred Credential, body []byte) ([]byte, error) {
	resp, err := c.do(ctx, apiBase, c.endpoint.ChatPath, model, cred, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, MapStatusError(c.endpoint.Name, resp)
	}

	out, err := readAll(resp)
	if err != nil {
		return nil, fmt.Errorf("%s: read response: %w", c.endpoint.Name, porter.ErrUnavailable)
	}
	return out, nil
}

// Stream sends a streaming request and returns a channel of raw SSE data
// payloads. The channel is closed when the upstream stream ends.
func (c *Client) Stream(ctx context.Context, apiBase, model string, cred Credential, body []byte) (<-chan sseutil.Raw, error) {
	path := c.endpoint.StreamPath
	if path == "" {
		path = c.endpoint.ChatPath
	}
	resp, err := c.do(ctx, apiBase, path, model, cred, body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, MapStatusError(c.endpoint.Name, resp)
	}

	ch := make(chan sseutil.Raw, 16)
	go sseutil.ReadStream(ctx, c.endpoint.Name, resp.Body, ch)
	return ch, nil
}

func (c *Client) do(ctx context.Context, apiBase, path, model string, cred Credential, body []byte) (*http.Response, error) {
	u, err := c.buildURL(apiBase, path, model, cred.Key)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %v", c.endpoint.Name, porter.ErrConfiguration, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", c.endpoint.Name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.setAuth(req, cred)

	resp, err := c.http.Do(req)
	if err != nil {
		// A cancelled caller must surface as cancellation, not as an
		// upstream outage.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%s: %v: %w", c.endpoint.Name, err, porter.ErrUnavailable)
	}
	return resp, nil
}

// buildURL joins the base URL with the path, substituting the {model}
// placeholder. The base may come from a per-route api_base override.
func (c *Client) buildURL(apiBase, path, model, key string) (string, error) {
	base := apiBase
	if base == "" {
		base = c.endpoint.DefaultBase
	}
	base = strings.TrimSuffix(base, "/")
	path = strings.ReplaceAll(path, "{model}", url.PathEscape(model))
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	u := base + path

	if c.endpoint.KeyInQuery {
		sep := "?"
		if strings.Contains(u, "?") {
			sep = "&"
		}
		u += sep + "key=" + url.QueryEscape(key)
	}
	return u, nil
}

func (c *Client) setAuth(req *http.Request, cred Credential) {
	header := cred.AuthHeader
	if header == "" {
		header = c.endpoint.AuthHeader
	}
	format := cred.AuthFormat
	if format == "" {
		format = c.endpoint.AuthFormat
	}
	if header != "" {
		req.Header.Set(header, formatAuth(format, cred.Key))
	}
	for k, v := range c.endpoint.Headers {
		req.Header.Set(k, v)
	}
}

// formatAuth renders the key into the auth header value. Formats use either a
// {key} placeholder or a fmt %s verb; an empty format sends the bare key.
func formatAuth(format, key string) string {
	switch {
	case format == "":
		return key
	case strings.Contains(format, "{key}"):
		return strings.ReplaceAll(format, "{key}", key)
	default:
		return fmt.Sprintf(format, key)
	}
}

func readAll(resp *http.Response) ([]byte, error) {
	// Cap at 32 MB to prevent a misconfigured upstream from causing
	// unbounded allocation.
	const maxResponseBody = 32 << 20
	var buf bytes.Buffer
	_, err := buf.ReadFrom(http.MaxBytesReader(nil, resp.Body, maxResponseBody))
	if err != nil && !errors.Is(err, context.Canceled) {
		return nil, err
	}
	return buf.Bytes(), nil
}
