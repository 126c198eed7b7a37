package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/trace"

	"quill-ai/internal/domain"
	"quill-ai/internal/infra/config"
	"quill-ai/internal/infra/tracer"
)

const (
	chatgptBackendBaseURL = "https://chatgpt.com/backend-api"

	defaultConnectTimeout = 10 * time.Second
	defaultOverallTimeout = 300 * time.Second
	defaultChunkTimeout   = 60 * time.Second
)

// StreamHandlerOptions tunes the orchestrator. Zero values take the
// production defaults; tests shrink ChunkTimeout to exercise the timeout
// path quickly.
type StreamHandlerOptions struct {
	ConnectTimeout time.Duration
	OverallTimeout time.Duration
	ChunkTimeout   time.Duration

	// Client overrides the HTTP client (tests inject httptest clients).
	Client *http.Client

	// Trace persists spans for this handler's requests; nil disables.
	Trace TraceSink
}

// StreamHandler orchestrates one streaming completion end to end:
// resolve, authenticate, build, POST, decode, emit. It is safe for
// concurrent use; per-request state lives on the stack of each call.
type StreamHandler struct {
	registry *ProviderRegistry
	resolver *Resolver
	creds    CredentialSource
	cfg      *config.Config
	sink     EventSink
	trace    TraceSink
	logger   *slog.Logger

	client       *http.Client
	chunkTimeout time.Duration

	counter atomic.Uint64
}

// NewStreamHandler creates the orchestrator.
func NewStreamHandler(
	registry *ProviderRegistry,
	resolver *Resolver,
	creds CredentialSource,
	cfg *config.Config,
	sink EventSink,
	logger *slog.Logger,
	opts StreamHandlerOptions,
) *StreamHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	if opts.OverallTimeout == 0 {
		opts.OverallTimeout = defaultOverallTimeout
	}
	if opts.ChunkTimeout == 0 {
		opts.ChunkTimeout = defaultChunkTimeout
	}
	client := opts.Client
	if client == nil {
		client = NewHTTPClient(opts.ConnectTimeout, opts.OverallTimeout, config.PoolConfig{})
	}
	h := &StreamHandler{
		registry:     registry,
		resolver:     resolver,
		creds:        creds,
		cfg:          cfg,
		sink:         sink,
		trace:        opts.Trace,
		logger:       logger,
		client:       client,
		chunkTimeout: opts.ChunkTimeout,
	}
	// Request ids start at 1000 so they never collide with ids the shell
	// assigned before the engine started.
	h.counter.Store(999)
	return h
}

// resolveBaseURL picks the effective base URL for a provider: an explicit
// per-provider setting wins, then the coding-plan and international
// endpoints when their settings opt in, then the provider default.
func (h *StreamHandler) resolveBaseURL(provider config.ProviderConfig) string {
	if override := h.cfg.Setting("base_url_" + provider.ID); override != "" {
		return override
	}
	if provider.SupportsCodingPlan && provider.CodingPlanBaseURL != "" {
		if h.cfg.Setting("use_coding_plan_"+provider.ID) == "true" {
			return provider.CodingPlanBaseURL
		}
	}
	if provider.SupportsInternational && provider.InternationalBaseURL != "" {
		if h.cfg.Setting("use_international_"+provider.ID) == "true" {
			return provider.InternationalBaseURL
		}
	}
	return provider.BaseURL
}

// emit sends a canonical event to the sink.
func (h *StreamHandler) emit(requestID uint64, event domain.StreamEvent) {
	h.sink.Emit(requestID, event)
}

// failStream emits exactly one Error event and returns the wrapped error.
// No Done follows an Error.
func (h *StreamHandler) failStream(requestID uint64, spanID, message string, err error) error {
	if spanID != "" && h.trace != nil {
		h.trace.AddEvent(spanID, "error", map[string]any{"message": message})
		h.trace.EndSpan(spanID, time.Now().UnixMilli())
	}
	h.emit(requestID, domain.ErrorEvent(message))
	return err
}

// StreamCompletion runs one streaming completion. requestID of 0 asks
// the handler to assign one from its counter; the assigned id is
// returned either way so the caller can correlate sink events.
func (h *StreamHandler) StreamCompletion(ctx context.Context, req domain.StreamRequest, requestID uint64) (uint64, error) {
	if requestID == 0 {
		requestID = h.counter.Add(1)
	}
	log := h.logger.With("request_id", requestID)
	log.Info("starting stream completion", "model", req.Model)

	modelKey, providerID, err := h.resolver.ResolveModelAndProvider(ctx, req.Model)
	if err != nil {
		return requestID, h.failStream(requestID, "", err.Error(), err)
	}
	log.Info("resolved model", "model_key", modelKey, "provider", providerID)

	provider, ok := h.registry.Provider(providerID)
	if !ok {
		if custom, isCustom := h.cfg.CustomProviders[providerID]; isCustom {
			provider = config.ProviderConfig{
				ID:       custom.ID,
				Name:     custom.Name,
				Protocol: config.ProtocolOpenAICompatible,
				BaseURL:  custom.BaseURL,
				AuthType: config.AuthBearer,
			}
		} else {
			err := domain.NewDomainError("stream completion", domain.ErrProviderNotFound, providerID)
			return requestID, h.failStream(requestID, "", err.Error(), err)
		}
	}

	useOAuth := false
	if providerID == "openai" && provider.SupportsOAuth {
		useOAuth, err = h.creds.HasOAuthToken(ctx, providerID)
		if err != nil {
			return requestID, h.failStream(requestID, "", err.Error(), err)
		}
	}

	protocol, err := h.registry.ProtocolFor(provider, useOAuth)
	if err != nil {
		return requestID, h.failStream(requestID, "", err.Error(), err)
	}

	baseURL := h.resolveBaseURL(provider)
	if useOAuth {
		baseURL = chatgptBackendBaseURL
		log.Info("using chatgpt backend for oauth session")
	}

	providerModelName := h.resolver.ResolveProviderModelName(modelKey, providerID)

	spanID := h.startTraceSpan(req, providerID, providerModelName)

	credential, err := h.creds.Credential(ctx, provider)
	if err != nil {
		return requestID, h.failStream(requestID, spanID, err.Error(), err)
	}

	headers := protocol.BuildHeaders(credential, credential, provider.Headers)
	if useOAuth {
		headers["OpenAI-Beta"] = "responses=experimental"
		headers["originator"] = "codex_cli_rs"
		if accountID, err := h.creds.AccountID(ctx, providerID); err == nil && accountID != "" {
			headers["chatgpt-account-id"] = accountID
		}
	}

	body, err := protocol.BuildRequest(providerModelName, req, provider.ExtraBody)
	if err != nil {
		wrapped := domain.WrapOp("build request", err)
		return requestID, h.failStream(requestID, spanID, wrapped.Error(), wrapped)
	}
	if spanID != "" && h.trace != nil {
		h.trace.AddEvent(spanID, "http.request.body", body)
	}

	testCfg := TestConfigFromEnv()
	if testCfg.Mode != TestOff && testCfg.BaseURLOverride != "" {
		baseURL = testCfg.BaseURLOverride
	}
	url := strings.TrimRight(baseURL, "/") + "/" + protocol.EndpointPath()
	log.Info("request url", "url", url)

	recorder := NewRecorder(testCfg, RecordingContext{
		ProviderID:     provider.ID,
		Protocol:       protocol.Name(),
		Model:          providerModelName,
		EndpointPath:   protocol.EndpointPath(),
		URL:            url,
		RequestHeaders: headers,
		RequestBody:    body,
	})

	payload, err := json.Marshal(body)
	if err != nil {
		wrapped := domain.WrapOp("encode request body", err)
		return requestID, h.failStream(requestID, spanID, wrapped.Error(), wrapped)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		wrapped := domain.WrapOp("build http request", err)
		return requestID, h.failStream(requestID, spanID, wrapped.Error(), wrapped)
	}
	for key, value := range headers {
		httpReq.Header.Set(key, value)
	}
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(httpReq)
	if err != nil {
		wrapped := domain.NewDomainError("send request", domain.ErrTransport, err.Error())
		return requestID, h.failStream(requestID, spanID, fmt.Sprintf("Request failed: %v", err), wrapped)
	}
	defer resp.Body.Close()
	log.Info("response received", "status", resp.StatusCode)

	if resp.StatusCode >= 400 {
		text, _ := io.ReadAll(resp.Body)
		if err := recorder.FinishError(resp.StatusCode, resp.Header, string(text)); err != nil {
			log.Warn("write error fixture failed", "error", err)
		}
		message := fmt.Sprintf("HTTP %d: %s", resp.StatusCode, text)
		wrapped := domain.NewDomainError("stream completion", domain.ErrHTTPStatus, message)
		return requestID, h.failStream(requestID, spanID, message, wrapped)
	}

	err = h.readStream(ctx, log, requestID, spanID, protocol, resp, recorder)
	return requestID, err
}

// startTraceSpan opens a persistent trace span when the request carries a
// trace context and the handler has a TraceSink. Returns "" otherwise.
func (h *StreamHandler) startTraceSpan(req domain.StreamRequest, providerID, model string) string {
	if h.trace == nil || req.Trace == nil {
		return ""
	}
	traceID := req.Trace.TraceID
	if traceID == "" {
		traceID = h.trace.StartTrace()
	}
	name := req.Trace.SpanName
	if name == "" {
		name = "llm.stream_completion"
	}
	attrs := map[string]any{
		tracer.AttrGenAIRequestModel: model,
		tracer.AttrGenAISystem:       providerID,
	}
	if req.Temperature != nil {
		attrs[tracer.AttrGenAITemperature] = *req.Temperature
	}
	if req.TopP != nil {
		attrs[tracer.AttrGenAITopP] = *req.TopP
	}
	if req.TopK != nil {
		attrs[tracer.AttrGenAITopK] = *req.TopK
	}
	if req.MaxTokens != nil {
		attrs[tracer.AttrGenAIMaxTokens] = *req.MaxTokens
	}
	return h.trace.StartSpan(traceID, req.Trace.ParentSpanID, name, attrs)
}

type chunkResult struct {
	data []byte
	err  error
}

// readChunks pumps response body reads onto a channel so the decode loop
// can enforce the inter-chunk timeout with a select. The goroutine exits
// when the body errors, ends, or the stop channel closes (the deferred
// body close unblocks any in-flight Read).
func readChunks(body io.Reader, stop <-chan struct{}) <-chan chunkResult {
	out := make(chan chunkResult)
	go func() {
		defer close(out)
		buf := make([]byte, 32*1024)
		for {
			n, err := body.Read(buf)
			if n > 0 {
				data := make([]byte, n)
				copy(data, buf[:n])
				select {
				case out <- chunkResult{data: data}:
				case <-stop:
					return
				}
			}
			if err != nil {
				if err != io.EOF {
					select {
					case out <- chunkResult{err: err}:
					case <-stop:
					}
				}
				return
			}
		}
	}()
	return out
}

// readStream runs the decode loop: frame extraction, protocol decode,
// event emission, and the exactly-one-terminal-event guarantee. Every
// error path emits one Error and returns without Done; every success
// path ends with exactly one Done.
func (h *StreamHandler) readStream(
	ctx context.Context,
	log *slog.Logger,
	requestID uint64,
	spanID string,
	protocol Protocol,
	resp *http.Response,
	recorder *Recorder,
) error {
	_, span := tracer.StartSpan(ctx, "llm.stream.read",
		trace.WithAttributes(tracer.StringAttr(tracer.AttrGenAISystem, protocol.Name())))
	defer span.End()

	stop := make(chan struct{})
	defer close(stop)
	chunks := readChunks(resp.Body, stop)

	var buffer sseBuffer
	state := NewStreamState()
	chunkCount := 0
	var transcript strings.Builder
	var traceUsage *domain.Usage

	deliver := func(event domain.StreamEvent) {
		if event.Type == domain.StreamUsage && event.Usage != nil {
			u := *event.Usage
			traceUsage = &u
		}
		if event.Type == domain.StreamTextDelta {
			transcript.WriteString(event.Text)
		}
		recorder.RecordExpectedEvent(event)
		h.emit(requestID, event)
	}

	timer := time.NewTimer(h.chunkTimeout)
	defer timer.Stop()

	done := false
readLoop:
	for !done {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(h.chunkTimeout)

		var chunk chunkResult
		var open bool
		select {
		case chunk, open = <-chunks:
		case <-timer.C:
			message := fmt.Sprintf("Stream timeout - no data received for %d seconds", int(h.chunkTimeout.Seconds()))
			log.Error("stream timeout", "chunks", chunkCount)
			tracer.RecordError(span, domain.ErrStreamTimeout)
			wrapped := domain.NewDomainError("read stream", domain.ErrStreamTimeout, message)
			return h.failStream(requestID, spanID, message, wrapped)
		case <-ctx.Done():
			message := fmt.Sprintf("Stream error: %v", ctx.Err())
			tracer.RecordError(span, ctx.Err())
			wrapped := domain.NewDomainError("read stream", domain.ErrTransport, ctx.Err().Error())
			return h.failStream(requestID, spanID, message, wrapped)
		}
		if !open {
			log.Info("stream ended", "chunks", chunkCount)
			break
		}
		if chunk.err != nil {
			message := fmt.Sprintf("Stream error: %v", chunk.err)
			log.Error("stream read error", "chunk", chunkCount, "error", chunk.err)
			tracer.RecordError(span, chunk.err)
			wrapped := domain.NewDomainError("read stream", domain.ErrTransport, chunk.err.Error())
			return h.failStream(requestID, spanID, message, wrapped)
		}
		if len(chunk.data) == 0 {
			continue
		}

		chunkCount++
		buffer.append(chunk.data)

		for {
			frame, ok := buffer.next()
			if !ok {
				break
			}
			if !utf8.Valid(frame) {
				message := "Invalid UTF-8 in SSE event"
				tracer.RecordError(span, domain.ErrDecode)
				wrapped := domain.NewDomainError("decode frame", domain.ErrDecode, message)
				return h.failStream(requestID, spanID, message, wrapped)
			}

			parsed, ok := parseSSEEvent(string(frame))
			if !ok {
				log.Debug("frame yielded no event", "frame", string(frame))
				continue
			}
			recorder.RecordSSEEvent(parsed.event, parsed.data)

			event, err := protocol.ParseStreamEvent(parsed.event, parsed.data, state)
			if err != nil {
				message := err.Error()
				log.Error("decode error", "error", err)
				tracer.RecordError(span, err)
				wrapped := domain.NewDomainError("decode frame", domain.ErrDecode, message)
				return h.failStream(requestID, spanID, message, wrapped)
			}
			if event == nil {
				continue
			}

			// The decoder's Done ends the loop but is never delivered:
			// the handler owns the single terminal event so its finish
			// reason and ordering are consistent across all exit paths.
			// A decoder Error is terminal too; no Done follows it.
			for ev := event; ev != nil; ev = state.popPending() {
				switch ev.Type {
				case domain.StreamDone:
					if ev.FinishReason != nil && state.FinishReason == "" {
						state.FinishReason = *ev.FinishReason
					}
					log.Info("done event received, ending stream loop")
					done = true
					break readLoop
				case domain.StreamError:
					log.Error("upstream reported failure", "message", ev.Message)
					tracer.RecordError(span, domain.ErrDecode)
					wrapped := domain.NewDomainError("read stream", domain.ErrDecode, ev.Message)
					return h.failStream(requestID, spanID, ev.Message, wrapped)
				}
				deliver(*ev)
			}
		}
	}

	if err := recorder.FinishStream(resp.StatusCode, resp.Header); err != nil {
		log.Warn("write fixture failed", "error", err)
	}

	if traceUsage == nil && transcript.Len() > 0 {
		estimate := EstimateTokens(transcript.String())
		log.Info("no usage reported, estimated output tokens", "estimate", estimate)
		span.SetAttributes(tracer.IntAttr(tracer.AttrGenAIUsageOutputTokens, estimate))
	}
	if traceUsage != nil {
		span.SetAttributes(
			tracer.IntAttr(tracer.AttrGenAIUsageInputTokens, traceUsage.InputTokens),
			tracer.IntAttr(tracer.AttrGenAIUsageOutputTokens, traceUsage.OutputTokens),
		)
	}
	tracer.SetOK(span)

	var finishReason *string
	if state.FinishReason != "" {
		reason := state.FinishReason
		finishReason = &reason
	}
	h.finishTraceSpan(spanID, traceUsage, finishReason)

	// Exactly one terminal event per request: the handler emits the
	// single final Done on every successful loop exit, whether the
	// upstream signalled completion or just closed the connection.
	h.emit(requestID, domain.DoneEvent(finishReason))
	log.Info("stream completion finished")
	return nil
}

// finishTraceSpan records usage and finish-reason events on the
// persistent span and closes it.
func (h *StreamHandler) finishTraceSpan(spanID string, usage *domain.Usage, finishReason *string) {
	if h.trace == nil || spanID == "" {
		return
	}
	if usage != nil {
		h.trace.AddEvent(spanID, "gen_ai.usage", usage)
	}
	if finishReason != nil {
		h.trace.AddEvent(spanID, "gen_ai.finish_reason", map[string]any{"finish_reason": *finishReason})
	}
	h.trace.EndSpan(spanID, time.Now().UnixMilli())
}
