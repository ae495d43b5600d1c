// Package gateway orchestrates one request: quota, model resolution,
// parameter checks, prompt protection, invocation and response shaping.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/felipepmaragno/rag-gateway/internal/circuitbreaker"
	"github.com/felipepmaragno/rag-gateway/internal/domain"
	"github.com/felipepmaragno/rag-gateway/internal/provider"
	"github.com/felipepmaragno/rag-gateway/internal/quota"
	"github.com/felipepmaragno/rag-gateway/internal/rag"
	"github.com/felipepmaragno/rag-gateway/internal/search"
	"github.com/felipepmaragno/rag-gateway/internal/secrets"
	"github.com/felipepmaragno/rag-gateway/internal/stream"
	"github.com/felipepmaragno/rag-gateway/internal/tokenizer"
	"github.com/felipepmaragno/rag-gateway/internal/usage"
)

type Config struct {
	Registry       *provider.Registry
	Secrets        secrets.Resolver
	Quota          *quota.Engine
	Search         search.Executor
	Assembler      *rag.Assembler
	Usage          usage.Tracker
	Breakers       *circuitbreaker.Set
	StreamInterval time.Duration
	DebugAllowed   bool
	Now            func() time.Time
}

type Gateway struct {
	registry       *provider.Registry
	secrets        secrets.Resolver
	quota          *quota.Engine
	search         search.Executor
	assembler      *rag.Assembler
	usage          usage.Tracker
	breakers       *circuitbreaker.Set
	streamInterval time.Duration
	debugAllowed   bool
	now            func() time.Time
}

func New(cfg Config) *Gateway {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	interval := cfg.StreamInterval
	if interval <= 0 {
		interval = stream.DefaultInterval
	}
	return &Gateway{
		registry:       cfg.Registry,
		secrets:        cfg.Secrets,
		quota:          cfg.Quota,
		search:         cfg.Search,
		assembler:      cfg.Assembler,
		usage:          cfg.Usage,
		breakers:       cfg.Breakers,
		streamInterval: interval,
		debugAllowed:   cfg.DebugAllowed,
		now:            now,
	}
}

// StreamSink receives an event stream: Begin carries the upstream status
// before any frame is written.
type StreamSink interface {
	Begin(status int)
	stream.FrameWriter
}

// StreamOpenError reports a failure to open an event stream. Status is the
// upstream status to answer with.
type StreamOpenError struct {
	Status int
	Err    error
}

func (e *StreamOpenError) Error() string { return e.Err.Error() }
func (e *StreamOpenError) Unwrap() error { return e.Err }

// ListModels returns the descriptors whose credentials currently resolve.
func (g *Gateway) ListModels(ctx context.Context) []domain.ModelDescriptor {
	return g.registry.Available(ctx, g.secrets)
}

// TokenCount counts each text with the model's tokenizer. No credentials
// are resolved and no backend is called.
func (g *Gateway) TokenCount(_ context.Context, model string, texts []string) ([]int, error) {
	desc, ok := g.registry.Descriptor(model)
	if !ok {
		return nil, unsupportedModel(model)
	}

	tok := tokenizer.For(desc.TokenizerFamily)
	counts := make([]int, len(texts))
	for i, text := range texts {
		counts[i] = tok.Count(text)
	}
	return counts, nil
}

// Quota returns the caller's snapshot after the reset check.
func (g *Gateway) Quota(ctx context.Context, caller Caller) (domain.QuotaSnapshot, error) {
	_, snap, err := g.quota.Allowed(ctx, caller.User)
	return snap, err
}

// UserQuota and ResetQuota serve the administration surface.
func (g *Gateway) UserQuota(ctx context.Context, user string) (domain.QuotaSnapshot, error) {
	return g.Quota(ctx, Caller{User: user})
}

func (g *Gateway) ResetQuota(ctx context.Context, user string) (domain.QuotaSnapshot, error) {
	snap, err := g.quota.ForceReset(ctx, user)
	if err != nil {
		return snap, err
	}
	slog.Info("quota reset", "user", user, "request_id", RequestID(ctx))
	return snap, nil
}

func (g *Gateway) UserUsage(ctx context.Context, user string, since time.Time) ([]usage.Record, error) {
	if g.usage == nil {
		return nil, fmt.Errorf("%w: usage tracking disabled", domain.ErrConfiguration)
	}
	return g.usage.GetUserUsage(ctx, user, since)
}

// UserChargedTokens sums the tokens charged to the user's quota since the
// given time.
func (g *Gateway) UserChargedTokens(ctx context.Context, user string, since time.Time) (int, error) {
	if g.usage == nil {
		return 0, fmt.Errorf("%w: usage tracking disabled", domain.ErrConfiguration)
	}
	return g.usage.GetUserTotalTokens(ctx, user, since)
}

// BreakerStates reports the circuit state of every model called so far.
func (g *Gateway) BreakerStates(ctx context.Context) map[string]string {
	if g.breakers == nil {
		return map[string]string{}
	}
	return g.breakers.States(ctx)
}

// breaker returns nil when circuit breaking is off.
func (g *Gateway) breaker(model string) circuitbreaker.Breaker {
	if g.breakers == nil {
		return nil
	}
	return g.breakers.Get(model)
}

func (g *Gateway) record(ctx context.Context, r usage.Record) {
	if g.usage == nil {
		return
	}
	r.RequestID = RequestID(ctx)
	if r.Timestamp.IsZero() {
		r.Timestamp = g.now()
	}
	if err := g.usage.Record(context.WithoutCancel(ctx), r); err != nil {
		slog.Warn("failed to record usage", "user", r.User, "error", err)
	}
}

func unsupportedModel(name string) error {
	return &domain.UnsupportedError{What: fmt.Sprintf("model %q is not supported", name)}
}

func debugKeys(model string) (post, response string) {
	return "post_" + model, "response_" + model
}

func rawOrNull(b []byte) json.RawMessage {
	if len(b) == 0 || !json.Valid(b) {
		return json.RawMessage("null")
	}
	return b
}
