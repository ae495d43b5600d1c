package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/felipepmaragno/rag-gateway/internal/domain"
	"github.com/felipepmaragno/rag-gateway/internal/metrics"
	"github.com/felipepmaragno/rag-gateway/internal/rag"
	"github.com/felipepmaragno/rag-gateway/internal/search"
	"github.com/felipepmaragno/rag-gateway/internal/telemetry"
)

type ContextRequest struct {
	App            string                `json:"app"`
	Query          json.RawMessage       `json:"query"`
	ContextOptions domain.ContextOptions `json:"contextOptions"`
	Debug          bool                  `json:"debug"`
}

type ContextResponse struct {
	Context     string                  `json:"context"`
	Documents   []domain.SearchDocument `json:"documents,omitempty"`
	QueryTimeMs int64                   `json:"queryTimeMs"`
}

type AnswerRequest struct {
	App              string                 `json:"app"`
	Query            json.RawMessage        `json:"query"`
	Model            domain.ModelParameters `json:"model"`
	Prompt           domain.PromptTemplate  `json:"prompt"`
	ContextOptions   domain.ContextOptions  `json:"contextOptions"`
	PromptProtection *bool                  `json:"promptProtection,omitempty"`
	Debug            bool                   `json:"debug"`
}

type AnswerResponse struct {
	Answer           string             `json:"answer"`
	QueryTimeMs      int64              `json:"queryTimeMs"`
	GenerationTimeMs int64              `json:"generationTimeMs"`
	Tokens           domain.TokensStats `json:"tokens"`
	Context          string             `json:"context,omitempty"`
}

// Context runs the query and renders the document context for it.
func (g *Gateway) Context(ctx context.Context, req ContextRequest) (*ContextResponse, error) {
	c, res, err := g.buildContext(ctx, req.App, req.Query, req.ContextOptions)
	if err != nil {
		return nil, err
	}

	text, err := g.renderContext(ctx, c, func(ctx context.Context) (string, error) {
		return c.DocumentsContext(ctx)
	})
	if err != nil {
		return nil, err
	}

	out := &ContextResponse{
		Context:     text,
		QueryTimeMs: res.Elapsed.Milliseconds(),
	}
	if req.Debug && g.debugAllowed {
		out.Documents = c.Documents
	}
	return out, nil
}

// Answer grounds a single completion on the query's documents. The system
// prompt and the rendered context form a fresh two-message conversation.
func (g *Gateway) Answer(ctx context.Context, caller Caller, req AnswerRequest) (*AnswerResponse, error) {
	c, res, err := g.buildContext(ctx, req.App, req.Query, req.ContextOptions)
	if err != nil {
		return nil, err
	}

	prompt, err := g.renderContext(ctx, c, func(ctx context.Context) (string, error) {
		return c.PromptContext(ctx, req.Prompt)
	})
	if err != nil {
		return nil, err
	}

	msgs := []domain.ChatMessage{
		{Role: domain.RoleSystem, Content: req.Prompt.SystemPrompt},
		{Role: domain.RoleUser, Content: prompt},
	}

	start := g.now()
	chat, err := g.Chat(ctx, caller, ChatRequest{
		MessagesHistory:  msgs,
		Model:            req.Model,
		PromptProtection: req.PromptProtection,
	}, nil)
	if err != nil {
		return nil, err
	}

	out := &AnswerResponse{
		QueryTimeMs:      res.Elapsed.Milliseconds(),
		GenerationTimeMs: g.now().Sub(start).Milliseconds(),
		Tokens:           chat.Tokens,
	}
	if n := len(chat.MessagesHistory); n > 0 {
		out.Answer = chat.MessagesHistory[n-1].Content
	}
	if req.Debug && g.debugAllowed {
		out.Context = prompt
	}
	return out, nil
}

func (g *Gateway) buildContext(ctx context.Context, app string, query json.RawMessage, opts domain.ContextOptions) (*rag.Context, *search.Result, error) {
	if g.search == nil || g.assembler == nil {
		return nil, nil, fmt.Errorf("%w: search engine not configured", domain.ErrConfiguration)
	}
	if app == "" || len(query) == 0 {
		return nil, nil, fmt.Errorf("%w: app and query are required", domain.ErrValidation)
	}

	ctx, span := telemetry.StartSpan(ctx, "search.query")
	defer span.End()

	res, err := g.search.Execute(ctx, app, query)
	if err != nil {
		telemetry.AddErrorAttribute(span, err)
		slog.Error("search query failed", "app", app, "request_id", RequestID(ctx), "error", err)
		return nil, nil, err
	}
	metrics.SearchDuration.Observe(res.Elapsed.Seconds())

	queryName := search.QueryName(query)
	telemetry.AddSearchAttributes(span, app, queryName, len(res.Passages))

	return g.assembler.Build(app, queryName, res, opts), res, nil
}

func (g *Gateway) renderContext(ctx context.Context, c *rag.Context, render func(context.Context) (string, error)) (string, error) {
	ctx, span := telemetry.StartSpan(ctx, "rag.context")
	defer span.End()

	start := g.now()
	text, err := render(ctx)
	metrics.ContextBuildDuration.Observe(g.now().Sub(start).Seconds())
	if err != nil {
		telemetry.AddErrorAttribute(span, err)
		return "", err
	}

	slog.Debug("context built",
		"app", c.App,
		"documents", len(c.Documents),
		"request_id", RequestID(ctx),
	)
	return text, nil
}
