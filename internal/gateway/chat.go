package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/felipepmaragno/rag-gateway/internal/circuitbreaker"
	"github.com/felipepmaragno/rag-gateway/internal/domain"
	"github.com/felipepmaragno/rag-gateway/internal/metrics"
	"github.com/felipepmaragno/rag-gateway/internal/provider"
	"github.com/felipepmaragno/rag-gateway/internal/stream"
	"github.com/felipepmaragno/rag-gateway/internal/telemetry"
	"github.com/felipepmaragno/rag-gateway/internal/tokenizer"
	"github.com/felipepmaragno/rag-gateway/internal/usage"
)

type ChatRequest struct {
	MessagesHistory  []domain.ChatMessage   `json:"messagesHistory"`
	Model            domain.ModelParameters `json:"model"`
	PromptProtection *bool                  `json:"promptProtection,omitempty"`
	Stream           bool                   `json:"stream"`
	Debug            bool                   `json:"debug"`
}

func (r ChatRequest) protectionEnabled() bool {
	return r.PromptProtection == nil || *r.PromptProtection
}

type ChatResponse struct {
	MessagesHistory []domain.ChatMessage
	Tokens          domain.TokensStats
	// Debug holds post_<model> and response_<model> when requested.
	Debug map[string]json.RawMessage
	// Streamed is set when the answer was already delivered as frames.
	Streamed bool
}

// MarshalJSON places debug entries next to the regular members.
func (r *ChatResponse) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Debug)+2)
	for k, v := range r.Debug {
		out[k] = v
	}
	out["messagesHistory"] = r.MessagesHistory
	out["tokens"] = r.Tokens
	return json.Marshal(out)
}

// Chat runs one conversation turn. When the model supports event streams
// and req.Stream is set, frames go to sink and the response only carries
// statistics; otherwise the call is synchronous.
func (g *Gateway) Chat(ctx context.Context, caller Caller, req ChatRequest, sink StreamSink) (*ChatResponse, error) {
	if len(req.MessagesHistory) == 0 {
		return nil, domain.ErrEmptyConversation
	}
	if req.Model.Name == "" {
		return nil, fmt.Errorf("%w: model.name is required", domain.ErrValidation)
	}

	allowed, snap, err := g.quota.Allowed(ctx, caller.User)
	if err != nil {
		return nil, err
	}
	if g.quota.Enabled() && !caller.Admin && !allowed {
		metrics.RecordQuotaRejection()
		slog.Info("quota exceeded", "user", caller.User, "token_count", snap.TokenCount, "request_id", RequestID(ctx))
		return nil, &domain.QuotaExceededError{Count: snap.TokenCount, NextReset: snap.NextReset}
	}

	backend, err := g.registry.New(req.Model.Name, req.Model, caller.User)
	if errors.Is(err, domain.ErrModelNotFound) {
		return nil, unsupportedModel(req.Model.Name)
	}
	if err != nil {
		return nil, err
	}
	if err := backend.LoadCredentials(ctx, g.secrets); err != nil {
		return nil, err
	}
	if err := backend.Validate(); err != nil {
		return nil, err
	}

	msgs := req.MessagesHistory
	if req.protectionEnabled() {
		if text := backend.PromptProtection(); text != "" {
			msgs = domain.InsertBeforeLast(msgs, domain.ChatMessage{Role: domain.RoleUser, Content: text})
		}
	}

	desc := backend.Descriptor()
	streaming := desc.SupportsEventStream && req.Stream && sink != nil

	if cb := g.breaker(desc.Name); cb != nil {
		if err := cb.Allow(ctx); err != nil {
			metrics.RecordUpstreamError(string(desc.Provider), domain.ErrorType(err))
			return nil, err
		}
	}

	ctx, span := telemetry.StartSpan(ctx, "gateway.chat")
	defer span.End()
	telemetry.AddModelAttributes(span, caller.User, string(desc.Provider), desc.Name, streaming)

	var resp *ChatResponse
	if streaming {
		resp, err = g.chatStream(ctx, caller, backend, msgs, sink)
	} else {
		resp, err = g.chatSync(ctx, caller, backend, msgs, req.Debug)
	}
	if err != nil {
		telemetry.AddErrorAttribute(span, err)
		metrics.RecordUpstreamError(string(desc.Provider), domain.ErrorType(err))
		return nil, err
	}
	telemetry.AddTokenAttributes(span, provider.CountMessages(backend, msgs), resp.Tokens.Used)
	return resp, nil
}

func (g *Gateway) chatSync(ctx context.Context, caller Caller, backend provider.Backend, msgs []domain.ChatMessage, debug bool) (*ChatResponse, error) {
	desc := backend.Descriptor()
	start := g.now()

	resp, err := backend.Invoke(ctx, msgs)
	latency := g.now().Sub(start)
	circuitbreaker.Record(ctx, g.breaker(desc.Name), err)
	metrics.RecordUpstream(string(desc.Provider), desc.Name, false, latency.Seconds())
	if err != nil {
		slog.Error("backend invocation failed",
			"user", caller.User,
			"model", desc.Name,
			"request_id", RequestID(ctx),
			"error", err,
		)
		return nil, err
	}

	answer := resp.Message
	answer.Role = domain.RoleAssistant
	answer.Display = true
	n := backend.CountTokens(answer.Content)
	answer.Tokens = &n

	if resp.TotalTokens == 0 {
		resp.TotalTokens = provider.CountMessages(backend, msgs) + n
	}

	history := make([]domain.ChatMessage, 0, len(msgs)+1)
	history = append(history, msgs...)
	history = append(history, answer)

	snap, charged, err := g.charge(ctx, caller, desc.Name, resp.TotalTokens)
	if err != nil {
		return nil, err
	}

	out := &ChatResponse{
		MessagesHistory: history,
		Tokens:          tokensStats(desc, backend, resp.TotalTokens, snap),
	}
	if debug && g.debugAllowed {
		post, response := debugKeys(desc.Name)
		out.Debug = map[string]json.RawMessage{
			post:     rawOrNull(backend.LastPayload()),
			response: rawOrNull(resp.Raw),
		}
	}

	g.record(ctx, usage.Record{
		User:         caller.User,
		Action:       "Chat",
		Model:        desc.Name,
		Provider:     string(desc.Provider),
		PromptTokens: provider.CountMessages(backend, msgs),
		TotalTokens:  resp.TotalTokens,
		Charged:      charged,
		LatencyMs:    latency.Milliseconds(),
		Status:       "completed",
	})

	slog.Info("chat completed",
		"user", caller.User,
		"model", desc.Name,
		"tokens", resp.TotalTokens,
		"duration_ms", latency.Milliseconds(),
		"request_id", RequestID(ctx),
	)

	return out, nil
}

func (g *Gateway) chatStream(ctx context.Context, caller Caller, backend provider.Backend, msgs []domain.ChatMessage, sink StreamSink) (*ChatResponse, error) {
	desc := backend.Descriptor()
	seed := provider.CountMessages(backend, msgs)
	start := g.now()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	src, err := backend.InvokeStreaming(ctx, msgs)
	if err != nil {
		circuitbreaker.Record(ctx, g.breaker(desc.Name), err)
		status := 500
		var up *domain.UpstreamError
		if errors.As(err, &up) {
			status = up.Status
		}
		return nil, &StreamOpenError{Status: status, Err: err}
	}

	sink.Begin(src.Status)
	metrics.ActiveStreams.Inc()
	defer metrics.ActiveStreams.Dec()

	mux := stream.NewMultiplexer(tokenizer.For(desc.TokenizerFamily), g.streamInterval)
	mux.Now = g.now
	res, runErr := mux.Run(ctx, src, seed, &countingWriter{FrameWriter: sink, model: desc.Name})
	latency := g.now().Sub(start)
	metrics.RecordUpstream(string(desc.Provider), desc.Name, true, latency.Seconds())
	if !errors.Is(runErr, stream.ErrDownstreamClosed) {
		circuitbreaker.Record(context.WithoutCancel(ctx), g.breaker(desc.Name), runErr)
	}

	status := "completed"
	if !res.Completed {
		status = "cancelled"
		cancel()
		slog.Warn("stream ended early",
			"user", caller.User,
			"model", desc.Name,
			"tokens", res.Tokens,
			"request_id", RequestID(ctx),
			"error", runErr,
		)
	}

	// partial streams are charged best-effort once the client is gone
	snap, charged, err := g.charge(context.WithoutCancel(ctx), caller, desc.Name, res.Tokens)
	if err != nil && res.Completed {
		return nil, err
	}
	if err != nil {
		slog.Warn("failed to charge partial stream", "user", caller.User, "error", err)
	}

	g.record(ctx, usage.Record{
		User:         caller.User,
		Action:       "Chat",
		Model:        desc.Name,
		Provider:     string(desc.Provider),
		PromptTokens: seed,
		TotalTokens:  res.Tokens,
		Stream:       true,
		Charged:      charged,
		LatencyMs:    latency.Milliseconds(),
		Status:       status,
	})

	if runErr != nil && !errors.Is(runErr, context.Canceled) && !errors.Is(runErr, stream.ErrDownstreamClosed) {
		return nil, runErr
	}

	return &ChatResponse{
		MessagesHistory: msgs,
		Tokens:          tokensStats(desc, backend, res.Tokens, snap),
		Streamed:        true,
	}, nil
}

// charge updates the quota for non-admin callers. It returns the snapshot to
// report and whether tokens were charged.
func (g *Gateway) charge(ctx context.Context, caller Caller, model string, tokens int) (domain.QuotaSnapshot, bool, error) {
	metrics.RecordTokens(model, tokens)
	if !g.quota.Enabled() || caller.Admin {
		_, snap, err := g.quota.Allowed(ctx, caller.User)
		return snap, false, err
	}
	snap, err := g.quota.Update(ctx, caller.User, tokens)
	if err != nil {
		return snap, false, err
	}
	return snap, true, nil
}

func tokensStats(desc domain.ModelDescriptor, backend provider.Backend, used int, snap domain.QuotaSnapshot) domain.TokensStats {
	generation := 0
	if b, ok := backend.(interface{ Parameters() domain.ModelParameters }); ok {
		generation = b.Parameters().GenerateTokens
	}
	return domain.TokensStats{
		LeftForPrompt: desc.ContextSize - used - generation,
		Model:         desc.ContextSize,
		Generation:    generation,
		Used:          used,
		Quota:         snap,
	}
}

type countingWriter struct {
	stream.FrameWriter
	model string
}

func (w *countingWriter) WriteFrame(f stream.Frame) error {
	if err := w.FrameWriter.WriteFrame(f); err != nil {
		return err
	}
	metrics.RecordStreamFrame(w.model)
	return nil
}
