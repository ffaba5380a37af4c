// Package app implements application-level services for the Porter relay.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	porter "github.com/akarpov/porter/internal"
	"github.com/akarpov/porter/internal/adapter"
	"github.com/akarpov/porter/internal/circuitbreaker"
	"github.com/akarpov/porter/internal/keypool"
	"github.com/akarpov/porter/internal/multimodal"
	"github.com/akarpov/porter/internal/provider"
	"github.com/akarpov/porter/internal/provider/sseutil"
	"github.com/akarpov/porter/internal/secret"
	"github.com/akarpov/porter/internal/telemetry"
	"github.com/akarpov/porter/internal/tokencount"
	"github.com/akarpov/porter/internal/worker"
)

// upstreamTimeout bounds non-streaming upstream calls.
const upstreamTimeout = 30 * time.Second

// streamBody marks streamed requests in the request log.
var streamBody = json.RawMessage(`{"stream":true}`)

// CallMeta carries per-call routing directives from the HTTP layer.
type CallMeta struct {
	SourceAPI string
	// Provider forces resolution to one provider (provider-scoped endpoint).
	Provider string
	// PreferNative requests the upstream's native body when the resolved
	// provider matches the inbound dialect (the /v1/messages fast path).
	PreferNative bool
}

// ResolvedCall reports where a completed call actually went.
type ResolvedCall struct {
	Provider    string
	TargetModel string
	// Native holds the upstream response body verbatim when PreferNative
	// matched; nil otherwise.
	Native []byte

	apiBase    string
	authHeader string
	authFormat string
}

// credential bundles the decrypted key with the auth-shape overrides the
// route or key carries. Route config wins over the key's own override.
func (c ResolvedCall) credential(key porter.ProviderKey) provider.Credential {
	return provider.Credential{
		Key:        key.Secret,
		AuthHeader: c.authHeader,
		AuthFormat: c.authFormat,
	}
}

// CompletionService runs the full relay pipeline: multimodal preprocessing,
// model resolution, key selection, adaptation, the upstream call, stat
// observation, and request logging.
type CompletionService struct {
	router   *RouterService
	pool     *keypool.Pool
	adapters *adapter.Registry
	clients  map[string]*provider.Client
	breakers *circuitbreaker.Registry
	preproc  *multimodal.Processor
	cipher   *secret.Cipher
	recorder *worker.RequestLogger
	metrics  *telemetry.Metrics
}

// NewCompletionService wires the pipeline. recorder and metrics may be nil.
func NewCompletionService(
	router *RouterService,
	pool *keypool.Pool,
	adapters *adapter.Registry,
	clients map[string]*provider.Client,
	breakers *circuitbreaker.Registry,
	preproc *multimodal.Processor,
	cipher *secret.Cipher,
	recorder *worker.RequestLogger,
	metrics *telemetry.Metrics,
) *CompletionService {
	return &CompletionService{
		router:   router,
		pool:     pool,
		adapters: adapters,
		clients:  clients,
		breakers: breakers,
		preproc:  preproc,
		cipher:   cipher,
		recorder: recorder,
		metrics:  metrics,
	}
}

// ChatCompletion relays a non-streaming request.
func (s *CompletionService) ChatCompletion(ctx context.Context, req *porter.ChatRequest, meta CallMeta) (*porter.ChatResponse, ResolvedCall, error) {
	start := time.Now()

	call, key, client, adp, err := s.prepare(ctx, req, meta)
	if err != nil {
		s.observeFailure(req, meta, call, start, err)
		return nil, call, err
	}

	body, err := adp.AdaptRequest(req, call.TargetModel)
	if err != nil {
		s.observeFailure(req, meta, call, start, err)
		return nil, call, err
	}

	callCtx, cancel := context.WithTimeout(ctx, upstreamTimeout)
	defer cancel()
	native, err := client.Complete(callCtx, call.apiBase, call.TargetModel, call.credential(key), body)
	if err != nil {
		s.recordOutcome(call.Provider, key.ID, keypool.Outcome{
			Success:    false,
			StatusCode: upstreamStatus(err),
			Model:      call.TargetModel,
			Err:        err.Error(),
		}, err)
		s.observeFailure(req, meta, call, start, err)
		return nil, call, err
	}

	resp, err := adp.AdaptResponse(native, call.TargetModel)
	if err != nil {
		// The upstream answered; the failure is ours, so the key still
		// counts a success for selection purposes.
		s.recordOutcome(call.Provider, key.ID, keypool.Outcome{
			Success: true, StatusCode: 200, Model: call.TargetModel, Latency: time.Since(start),
		}, nil)
		s.observeFailure(req, meta, call, start, err)
		return nil, call, err
	}

	usage := resp.Usage
	if usage == nil {
		usage = tokencount.EstimateUsage(req.Messages, completionText(resp))
	}
	s.recordOutcome(call.Provider, key.ID, keypool.Outcome{
		Success:    true,
		StatusCode: 200,
		Usage:      usage,
		Model:      call.TargetModel,
		Latency:    time.Since(start),
	}, nil)

	if meta.PreferNative && call.Provider == "anthropic" {
		call.Native = native
	}
	s.log(req, meta, call, start, 200, "", mustJSON(resp))
	return resp, call, nil
}

// ChatCompletionStream relays a streaming request. The returned channel
// yields canonical chunks and is closed when the stream ends.
func (s *CompletionService) ChatCompletionStream(ctx context.Context, req *porter.ChatRequest, meta CallMeta) (<-chan porter.StreamChunk, ResolvedCall, error) {
	start := time.Now()

	call, key, client, adp, err := s.prepare(ctx, req, meta)
	if err != nil {
		s.observeFailure(req, meta, call, start, err)
		return nil, call, err
	}

	streamReq := *req
	streamReq.Stream = true
	body, err := adp.AdaptRequest(&streamReq, call.TargetModel)
	if err != nil {
		s.observeFailure(req, meta, call, start, err)
		return nil, call, err
	}

	raw, err := client.Stream(ctx, call.apiBase, call.TargetModel, call.credential(key), body)
	if err != nil {
		s.recordOutcome(call.Provider, key.ID, keypool.Outcome{
			Success:    false,
			StatusCode: upstreamStatus(err),
			Model:      call.TargetModel,
			Err:        err.Error(),
		}, err)
		s.observeFailure(req, meta, call, start, err)
		return nil, call, err
	}

	// The /v1/messages fast path: when the stream already speaks the
	// caller's dialect, forward payloads untranslated.
	native := meta.PreferNative && call.Provider == "anthropic"
	out := make(chan porter.StreamChunk, 16)
	go s.pump(ctx, req, meta, call, key.ID, adp, raw, out, native, start)
	return out, call, nil
}

// pump drains the native stream through the translator, tracks usage, and
// records the outcome once the stream terminates.
func (s *CompletionService) pump(ctx context.Context, req *porter.ChatRequest, meta CallMeta, call ResolvedCall, keyID int64,
	adp adapter.Adapter, raw <-chan sseutil.Raw, out chan<- porter.StreamChunk, native bool, start time.Time) {

	defer close(out)

	tr := adp.NewStreamTranslator(call.TargetModel)
	var usage *porter.Usage

	forward := func(chunks []porter.StreamChunk) bool {
		for _, c := range chunks {
			if c.Usage != nil {
				usage = c.Usage
			}
			select {
			case out <- c:
			case <-ctx.Done():
				return false
			}
		}
		return true
	}

	for r := range raw {
		if r.Err != nil {
			status := upstreamStatus(r.Err)
			errMsg := r.Err.Error()
			if errors.Is(r.Err, context.Canceled) {
				status = 499
				errMsg = "client disconnected"
			}
			s.recordOutcome(call.Provider, keyID, keypool.Outcome{
				Success:    false,
				StatusCode: status,
				Model:      call.TargetModel,
				Err:        errMsg,
			}, r.Err)
			s.log(req, meta, call, start, status, errMsg, streamBody)
			select {
			case out <- porter.StreamChunk{Err: r.Err}:
			case <-ctx.Done():
			}
			return
		}

		if native {
			if !forward([]porter.StreamChunk{{Data: r.Data}}) {
				s.abandon(req, meta, call, keyID, start)
				return
			}
			continue
		}

		chunks, err := tr.Next(r.Data)
		if err != nil {
			s.recordOutcome(call.Provider, keyID, keypool.Outcome{
				Success:    false,
				StatusCode: upstreamStatus(err),
				Model:      call.TargetModel,
				Err:        err.Error(),
			}, err)
			s.log(req, meta, call, start, upstreamStatus(err), err.Error(), streamBody)
			select {
			case out <- porter.StreamChunk{Err: err}:
			case <-ctx.Done():
			}
			return
		}
		if !forward(chunks) {
			s.abandon(req, meta, call, keyID, start)
			return
		}
	}

	if !native {
		if !forward(tr.Flush()) {
			s.abandon(req, meta, call, keyID, start)
			return
		}
	}

	if usage == nil {
		usage = tokencount.EstimateUsage(req.Messages, "")
	}
	s.recordOutcome(call.Provider, keyID, keypool.Outcome{
		Success:    true,
		StatusCode: 200,
		Usage:      usage,
		Model:      call.TargetModel,
		Latency:    time.Since(start),
	}, nil)
	s.log(req, meta, call, start, 200, "", streamBody)
	select {
	case out <- porter.StreamChunk{Done: true}:
	case <-ctx.Done():
	}
}

// abandon records a client disconnect mid-stream.
func (s *CompletionService) abandon(req *porter.ChatRequest, meta CallMeta, call ResolvedCall, keyID int64, start time.Time) {
	s.recordOutcome(call.Provider, keyID, keypool.Outcome{
		Success:    false,
		StatusCode: 499,
		Model:      call.TargetModel,
		Err:        "client disconnected",
	}, nil)
	s.log(req, meta, call, start, 499, "client disconnected", streamBody)
}

// prepare runs the shared front half of the pipeline.
func (s *CompletionService) prepare(ctx context.Context, req *porter.ChatRequest, meta CallMeta) (ResolvedCall, porter.ProviderKey, *provider.Client, adapter.Adapter, error) {
	var call ResolvedCall

	if len(req.Messages) == 0 {
		return call, porter.ProviderKey{}, nil, nil, fmt.Errorf("messages must not be empty: %w", porter.ErrValidation)
	}
	// Validate content parts and inline local files before any routing work;
	// a bad image reference rejects the request no matter where it would go.
	if err := s.preproc.Preprocess(ctx, req); err != nil {
		return call, porter.ProviderKey{}, nil, nil, err
	}

	var res Resolution
	var err error
	if meta.Provider != "" {
		res, err = s.router.ResolveProvider(ctx, meta.Provider, req.Model)
	} else {
		res, err = s.router.Resolve(ctx, req.Model)
	}
	if err != nil {
		return call, porter.ProviderKey{}, nil, nil, err
	}
	call.Provider = res.Config.Provider
	call.TargetModel = res.Config.TargetModel
	call.apiBase = res.Config.APIBase
	call.authHeader = res.Config.AuthHeader
	call.authFormat = res.Config.AuthFormat

	breaker := s.breakers.GetOrCreate(call.Provider)
	if !breaker.Allow() {
		return call, porter.ProviderKey{}, nil, nil,
			fmt.Errorf("provider %s circuit open: %w", call.Provider, porter.ErrUnavailable)
	}

	rc := porter.RequestContext{
		Provider:    call.Provider,
		TargetModel: call.TargetModel,
		RequestType: "chat",
		Priority:    res.Config.Priority,
		UserID:      req.User,
		RequestSize: contentBytes(req),
	}
	if req.Stream {
		rc.RequestType = "stream"
	}
	key, err := s.pool.Select(rc)
	if err != nil {
		return call, porter.ProviderKey{}, nil, nil, err
	}
	if call.authHeader == "" {
		call.authHeader = key.AuthHeader
	}
	if call.authFormat == "" {
		call.authFormat = key.AuthFormat
	}
	// The pool holds secrets encrypted at rest; decrypt for this call only.
	key.Secret, err = s.cipher.Decrypt(key.Secret)
	if err != nil {
		return call, porter.ProviderKey{}, nil, nil,
			fmt.Errorf("decrypt key %d: %w", key.ID, porter.ErrConfiguration)
	}

	client, ok := s.clients[call.Provider]
	if !ok {
		return call, porter.ProviderKey{}, nil, nil,
			fmt.Errorf("no client for provider %s: %w", call.Provider, porter.ErrConfiguration)
	}
	adp, err := s.adapters.Get(call.Provider)
	if err != nil {
		return call, porter.ProviderKey{}, nil, nil, err
	}
	// Text-only providers flatten content themselves; downloading remote
	// images for them would be wasted work.
	if adp.SupportsMultimodal() {
		s.preproc.FetchRemote(ctx, req)
	}
	return call, key, client, adp, nil
}

// contentBytes totals message content sizes for selection hints.
func contentBytes(req *porter.ChatRequest) int {
	n := 0
	for _, m := range req.Messages {
		n += len(m.Content)
	}
	return n
}

// recordOutcome updates key stats, the circuit breaker, and metrics.
func (s *CompletionService) recordOutcome(providerName string, keyID int64, o keypool.Outcome, err error) {
	s.pool.Observe(keyID, o)

	breaker := s.breakers.GetOrCreate(providerName)
	if o.Success {
		breaker.RecordSuccess()
	} else if circuitbreaker.Trips(err) {
		breaker.RecordFailure()
	}

	if s.metrics != nil {
		s.metrics.ObserveUpstream(providerName, o.Model, o.StatusCode, o.Latency)
		if o.Usage != nil {
			s.metrics.ObserveTokens(o.Model, o.Usage.PromptTokens, o.Usage.CompletionTokens)
		}
		s.metrics.SetBreakerState(providerName, breaker.State().String())
	}
}

// observeFailure logs and counts a request that failed before or during the
// upstream exchange.
func (s *CompletionService) observeFailure(req *porter.ChatRequest, meta CallMeta, call ResolvedCall, start time.Time, err error) {
	s.log(req, meta, call, start, upstreamStatus(err), err.Error(), nil)
}

// log enqueues a request log entry; it never blocks.
func (s *CompletionService) log(req *porter.ChatRequest, meta CallMeta, call ResolvedCall, start time.Time, status int, errMsg string, respBody json.RawMessage) {
	if s.recorder == nil {
		return
	}
	targetAPI := ""
	if call.Provider != "" {
		targetAPI = "/" + call.Provider + "/chat/completions"
	}
	s.recorder.Record(porter.RequestLog{
		CreatedAt:      time.Now().UTC(),
		SourceAPI:      meta.SourceAPI,
		TargetAPI:      targetAPI,
		SourceModel:    req.Model,
		TargetModel:    call.TargetModel,
		Provider:       call.Provider,
		RequestBody:    mustJSON(req),
		ResponseBody:   respBody,
		StatusCode:     status,
		ErrorMessage:   errMsg,
		ProcessingTime: time.Since(start).Seconds(),
	})
}

func flattenContent(raw json.RawMessage) string {
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if json.Unmarshal(raw, &parts) == nil {
		var b strings.Builder
		for _, p := range parts {
			if p.Type == "text" {
				b.WriteString(p.Text)
			}
		}
		return b.String()
	}
	return ""
}

func completionText(resp *porter.ChatResponse) string {
	if len(resp.Choices) == 0 {
		return ""
	}
	return flattenContent(resp.Choices[0].Message.Content)
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

// upstreamStatus maps a pipeline error to the HTTP status recorded in stats
// and logs.
func upstreamStatus(err error) int {
	var api *provider.APIError
	var retry *porter.RetryAfterError
	switch {
	case err == nil:
		return 200
	case errors.As(err, &api):
		return api.StatusCode
	case errors.Is(err, context.Canceled):
		return 499
	case errors.Is(err, porter.ErrValidation):
		return 400
	case errors.Is(err, porter.ErrModelNotFound), errors.Is(err, porter.ErrNotFound):
		return 404
	case errors.Is(err, porter.ErrUnauthorized):
		return 401
	case errors.As(err, &retry), errors.Is(err, porter.ErrRateLimited):
		return 429
	case errors.Is(err, porter.ErrNoAvailableKey):
		return 503
	case errors.Is(err, porter.ErrUnavailable):
		return 503
	default:
		return 500
	}
}
