package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/felipepmaragno/rag-gateway/internal/domain"
	"github.com/felipepmaragno/rag-gateway/internal/provider"
	"github.com/felipepmaragno/rag-gateway/internal/tokenizer"
)

const (
	CredRegion  = "BEDROCK_REGION"
	CredModelID = "BEDROCK_MODEL_ID"

	anthropicVersion = "bedrock-2023-05-31"
)

func Descriptors() []domain.ModelDescriptor {
	name := "Bedrock-Claude3-Haiku"
	return []domain.ModelDescriptor{{
		Provider:            domain.ProviderBedrock,
		Name:                name,
		DisplayName:         "AWS Bedrock - Claude 3 Haiku - 200K Tokens",
		ContextSize:         200000,
		SupportsEventStream: true,
		TokenizerFamily:     tokenizer.FamilyApprox,
		Bounds: domain.ParameterBounds{
			Temperature:    domain.Range{Min: 0, Max: 1},
			GenerateTokens: domain.Range{Min: 1, Max: 4096},
			TopP:           &domain.Range{Min: 0, Max: 1},
			TopK:           &domain.Range{Min: 0, Max: 500},
		},
		Credentials: []domain.Credential{
			{Name: CredRegion},
			{Name: CredModelID},
			{Name: provider.ProtectionCredential(name), Optional: true},
		},
	}}
}

// Runtime is the subset of the bedrockruntime client used here.
type Runtime interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
	InvokeModelWithResponseStream(ctx context.Context, params *bedrockruntime.InvokeModelWithResponseStreamInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelWithResponseStreamOutput, error)
}

// EventReader is satisfied by the SDK's response event stream.
type EventReader interface {
	Events() <-chan types.ResponseStream
	Close() error
	Err() error
}

type clients struct {
	mu        sync.Mutex
	byRegion  map[string]Runtime
	newClient func(ctx context.Context, region string) (Runtime, error)
	open      func(ctx context.Context, rt Runtime, in *bedrockruntime.InvokeModelWithResponseStreamInput) (EventReader, error)
}

func (c *clients) get(ctx context.Context, region string) (Runtime, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if rt, ok := c.byRegion[region]; ok {
		return rt, nil
	}
	rt, err := c.newClient(ctx, region)
	if err != nil {
		return nil, err
	}
	c.byRegion[region] = rt
	return rt, nil
}

func defaultClient(ctx context.Context, region string) (Runtime, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return bedrockruntime.NewFromConfig(cfg), nil
}

func defaultOpen(ctx context.Context, rt Runtime, in *bedrockruntime.InvokeModelWithResponseStreamInput) (EventReader, error) {
	out, err := rt.InvokeModelWithResponseStream(ctx, in)
	if err != nil {
		return nil, err
	}
	return out.GetStream(), nil
}

type Backend struct {
	provider.Base
	clients *clients
}

func New() provider.Factory {
	return newFactory(&clients{byRegion: make(map[string]Runtime), newClient: defaultClient, open: defaultOpen})
}

// NewWithRuntime binds every backend to rt regardless of region.
func NewWithRuntime(rt Runtime) provider.Factory {
	return newFactory(&clients{
		byRegion:  make(map[string]Runtime),
		newClient: func(context.Context, string) (Runtime, error) { return rt, nil },
		open:      defaultOpen,
	})
}

func newFactory(c *clients) provider.Factory {
	return func(desc domain.ModelDescriptor, params domain.ModelParameters, user string) provider.Backend {
		return &Backend{Base: provider.NewBase(desc, params, user, nil), clients: c}
	}
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type invokeRequest struct {
	AnthropicVersion string    `json:"anthropic_version"`
	MaxTokens        int       `json:"max_tokens"`
	Temperature      float64   `json:"temperature"`
	TopP             float64   `json:"top_p"`
	TopK             int       `json:"top_k"`
	Messages         []message `json:"messages"`
}

type invokeResponse struct {
	ID      string `json:"id"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type streamEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
	Delta *struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta,omitempty"`
}

// buildPayload role-merges the conversation: the messages API needs strictly
// alternating user and assistant turns.
func (b *Backend) buildPayload(msgs []domain.ChatMessage) ([]byte, error) {
	merged := domain.MergeRoles(msgs)
	req := invokeRequest{
		AnthropicVersion: anthropicVersion,
		MaxTokens:        b.Params.GenerateTokens,
		Temperature:      b.Params.Temperature,
		TopP:             b.Params.TopP,
		TopK:             b.Params.TopK,
		Messages:         make([]message, len(merged)),
	}
	for i, m := range merged {
		req.Messages[i] = message{Role: string(m.Role), Content: m.Content}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	return body, nil
}

func (b *Backend) runtime(ctx context.Context) (Runtime, error) {
	rt, err := b.clients.get(ctx, b.Credential(CredRegion))
	if err != nil {
		return nil, fmt.Errorf("%w: bedrock client: %v", domain.ErrConfiguration, err)
	}
	return rt, nil
}

func (b *Backend) Invoke(ctx context.Context, msgs []domain.ChatMessage) (*domain.Response, error) {
	body, err := b.buildPayload(msgs)
	if err != nil {
		return nil, err
	}
	b.SetPayload(body)

	rt, err := b.runtime(ctx)
	if err != nil {
		return nil, err
	}

	out, err := rt.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(b.Credential(CredModelID)),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, b.upstreamError(err)
	}

	return b.NormalizeResponse(out.Body)
}

func (b *Backend) NormalizeResponse(raw []byte) (*domain.Response, error) {
	var resp invokeResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	var content string
	for _, block := range resp.Content {
		if block.Type == "text" {
			content += block.Text
		}
	}

	return &domain.Response{
		Message: domain.ChatMessage{
			Role:    domain.RoleAssistant,
			Content: content,
			Display: true,
		},
		Choices:     []string{content},
		TotalTokens: resp.Usage.InputTokens + resp.Usage.OutputTokens,
		Raw:         raw,
	}, nil
}

func (b *Backend) InvokeStreaming(ctx context.Context, msgs []domain.ChatMessage) (*provider.Stream, error) {
	body, err := b.buildPayload(msgs)
	if err != nil {
		return nil, err
	}
	b.SetPayload(body)

	rt, err := b.runtime(ctx)
	if err != nil {
		return nil, err
	}

	events, err := b.clients.open(ctx, rt, &bedrockruntime.InvokeModelWithResponseStreamInput{
		ModelId:     aws.String(b.Credential(CredModelID)),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, b.upstreamError(err)
	}

	fragments := make(chan provider.Fragment)
	errs := make(chan error, 1)

	go func() {
		defer close(fragments)
		defer close(errs)
		defer events.Close()

		send := func(f provider.Fragment) bool {
			select {
			case fragments <- f:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for {
			var event types.ResponseStream
			var ok bool
			select {
			case event, ok = <-events.Events():
			case <-ctx.Done():
				return
			}
			if !ok {
				break
			}

			chunk, isChunk := event.(*types.ResponseStreamMemberChunk)
			if !isChunk {
				continue
			}

			var ev streamEvent
			if err := json.Unmarshal(chunk.Value.Bytes, &ev); err != nil {
				continue
			}

			switch ev.Type {
			case "content_block_delta":
				if ev.Delta != nil && ev.Delta.Text != "" {
					if !send(provider.Fragment{Text: ev.Delta.Text}) {
						return
					}
				}
			case "message_stop":
				send(provider.Fragment{Done: true})
				return
			}
		}

		if err := events.Err(); err != nil {
			errs <- b.upstreamError(err)
		}
	}()

	return &provider.Stream{Status: http.StatusOK, Fragments: fragments, Errs: errs}, nil
}

// upstreamError keeps the HTTP status reported by the AWS transport.
func (b *Backend) upstreamError(err error) error {
	status := http.StatusBadGateway
	var re *awshttp.ResponseError
	if errors.As(err, &re) {
		status = re.HTTPStatusCode()
	}
	return &domain.UpstreamError{Provider: string(b.Desc.Provider), Status: status, Body: err.Error()}
}
