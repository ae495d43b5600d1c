// Package catalog assembles the built-in model registry.
package catalog

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/felipepmaragno/rag-gateway/internal/config"
	"github.com/felipepmaragno/rag-gateway/internal/domain"
	"github.com/felipepmaragno/rag-gateway/internal/httputil"
	"github.com/felipepmaragno/rag-gateway/internal/provider"
	"github.com/felipepmaragno/rag-gateway/internal/provider/azureopenai"
	"github.com/felipepmaragno/rag-gateway/internal/provider/bedrock"
	"github.com/felipepmaragno/rag-gateway/internal/provider/cohere"
	"github.com/felipepmaragno/rag-gateway/internal/provider/vertexai"
)

type Options struct {
	Client       *http.Client
	StreamClient *http.Client
	TokenSource  vertexai.TokenSourceFunc
	Bedrock      provider.Factory
}

// Default registers every built-in model. Nil options use production
// clients.
func Default(opts Options) *provider.Registry {
	if opts.Client == nil {
		opts.Client = httputil.DefaultClient()
	}
	if opts.StreamClient == nil {
		opts.StreamClient = httputil.NewClient(httputil.StreamingConfig())
	}
	if opts.TokenSource == nil {
		opts.TokenSource = vertexai.ServiceAccountTokenSource
	}
	if opts.Bedrock == nil {
		opts.Bedrock = bedrock.New()
	}

	reg := provider.NewRegistry()
	register := func(descs []domain.ModelDescriptor, f provider.Factory) {
		for _, d := range descs {
			reg.Register(d, f)
		}
	}

	register(azureopenai.Descriptors(), azureopenai.New(opts.Client, opts.StreamClient))
	register(vertexai.Descriptors(), vertexai.New(opts.Client, opts.TokenSource))
	register(cohere.Descriptors(), cohere.New(opts.Client))
	register(bedrock.Descriptors(), opts.Bedrock)

	return reg
}

// Apply merges catalog overrides into reg. Disabled models are removed.
func Apply(reg *provider.Registry, c *config.Catalog) error {
	if c == nil {
		return nil
	}
	for _, m := range c.Models {
		if m.Disabled {
			reg.Remove(m.Name)
			slog.Info("model disabled by catalog", "model", m.Name)
			continue
		}
		if err := reg.Update(m.Name, m.Apply); err != nil {
			return fmt.Errorf("apply catalog: %w", err)
		}
	}
	return nil
}
