package azureopenai

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/felipepmaragno/rag-gateway/internal/domain"
	"github.com/felipepmaragno/rag-gateway/internal/httputil"
	"github.com/felipepmaragno/rag-gateway/internal/provider"
	"github.com/felipepmaragno/rag-gateway/internal/tokenizer"
)

const (
	CredAPIURL = "AZURE_OPENAI_API_URL"
	CredAPIKey = "AZURE_OPENAI_API_KEY"

	apiVersion = "2023-05-15"
)

func DeploymentCredential(model string) string {
	return "AZURE_OPENAI_DEPLOYMENT_" + model
}

func descriptor(name, display string, size int) domain.ModelDescriptor {
	return domain.ModelDescriptor{
		Provider:            domain.ProviderAzureOpenAI,
		Name:                name,
		DisplayName:         display,
		ContextSize:         size,
		SupportsEventStream: true,
		TokenizerFamily:     tokenizer.FamilyCL100K,
		Bounds: domain.ParameterBounds{
			Temperature:      domain.Range{Min: 0, Max: 2},
			GenerateTokens:   domain.Range{Min: 1, Max: 2000},
			TopP:             &domain.Range{Min: 0, Max: 1},
			FrequencyPenalty: &domain.Range{Min: 0, Max: 1},
			PresencePenalty:  &domain.Range{Min: 0, Max: 1},
			BestOf:           &domain.Range{Min: 1, Max: 10},
		},
		Credentials: []domain.Credential{
			{Name: CredAPIURL},
			{Name: CredAPIKey},
			{Name: DeploymentCredential(name)},
			{Name: provider.ProtectionCredential(name), Optional: true},
		},
	}
}

func Descriptors() []domain.ModelDescriptor {
	return []domain.ModelDescriptor{
		descriptor("GPT35Turbo", "Azure OpenAI - GPT3.5 Turbo", 4097),
		descriptor("GPT4-8K", "Azure OpenAI - GPT4 - 8K Tokens", 8192),
		descriptor("GPT4-32K", "Azure OpenAI - GPT4 - 32K Tokens", 32768),
	}
}

type Backend struct {
	provider.Base
	streamClient *http.Client
}

// New returns a factory sharing client for synchronous calls and
// streamClient for event streams.
func New(client, streamClient *http.Client) provider.Factory {
	return func(desc domain.ModelDescriptor, params domain.ModelParameters, user string) provider.Backend {
		return &Backend{
			Base:         provider.NewBase(desc, params, user, client),
			streamClient: streamClient,
		}
	}
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Messages         []message `json:"messages"`
	Temperature      float64   `json:"temperature"`
	MaxTokens        int       `json:"max_tokens"`
	TopP             float64   `json:"top_p"`
	FrequencyPenalty float64   `json:"frequency_penalty"`
	PresencePenalty  float64   `json:"presence_penalty"`
	N                int       `json:"n"`
	User             string    `json:"user,omitempty"`
	Stream           bool      `json:"stream,omitempty"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Index        int     `json:"index"`
		Message      message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

type streamChunk struct {
	Choices []struct {
		Index int `json:"index"`
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

func (b *Backend) endpoint() string {
	base := strings.TrimRight(b.Credential(CredAPIURL), "/")
	return fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s",
		base, b.Credential(DeploymentCredential(b.Desc.Name)), apiVersion)
}

func (b *Backend) header() http.Header {
	h := http.Header{}
	h.Set("api-key", b.Credential(CredAPIKey))
	return h
}

func (b *Backend) buildPayload(msgs []domain.ChatMessage, stream bool) ([]byte, error) {
	req := chatRequest{
		Messages:         make([]message, len(msgs)),
		Temperature:      b.Params.Temperature,
		MaxTokens:        b.Params.GenerateTokens,
		TopP:             b.Params.TopP,
		FrequencyPenalty: b.Params.FrequencyPenalty,
		PresencePenalty:  b.Params.PresencePenalty,
		N:                b.Params.BestOf,
		User:             b.User,
		Stream:           stream,
	}
	for i, m := range msgs {
		req.Messages[i] = message{Role: string(m.Role), Content: m.Content}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	return body, nil
}

func (b *Backend) Invoke(ctx context.Context, msgs []domain.ChatMessage) (*domain.Response, error) {
	body, err := b.buildPayload(msgs, false)
	if err != nil {
		return nil, err
	}
	b.SetPayload(body)

	status, raw, err := httputil.PostJSON(ctx, b.Client, b.endpoint(), b.header(), body)
	if err != nil {
		return nil, fmt.Errorf("azure openai: %w", err)
	}
	if !httputil.IsSuccess(status) {
		return nil, &domain.UpstreamError{Provider: string(b.Desc.Provider), Status: status, Body: string(raw)}
	}

	return b.NormalizeResponse(raw)
}

func (b *Backend) NormalizeResponse(raw []byte) (*domain.Response, error) {
	var resp chatResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("decode response: no choices")
	}

	choices := make([]string, len(resp.Choices))
	for i, c := range resp.Choices {
		choices[i] = c.Message.Content
	}

	return &domain.Response{
		Message: domain.ChatMessage{
			Role:    domain.RoleAssistant,
			Content: choices[0],
			Display: true,
		},
		Choices:     choices,
		TotalTokens: resp.Usage.TotalTokens,
		Raw:         raw,
	}, nil
}

func (b *Backend) InvokeStreaming(ctx context.Context, msgs []domain.ChatMessage) (*provider.Stream, error) {
	body, err := b.buildPayload(msgs, true)
	if err != nil {
		return nil, err
	}
	b.SetPayload(body)

	req, err := httputil.NewJSONRequest(ctx, b.endpoint(), b.header(), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := b.streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("azure openai: do request: %w", err)
	}
	if !httputil.IsSuccess(resp.StatusCode) {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(resp.Body)
		return nil, &domain.UpstreamError{Provider: string(b.Desc.Provider), Status: resp.StatusCode, Body: string(raw)}
	}

	fragments := make(chan provider.Fragment)
	errs := make(chan error, 1)

	go func() {
		defer close(fragments)
		defer close(errs)
		defer resp.Body.Close()

		send := func(f provider.Fragment) bool {
			select {
			case fragments <- f:
				return true
			case <-ctx.Done():
				return false
			}
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data:") {
				continue
			}

			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				return
			}

			var chunk streamChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				continue
			}

			for _, c := range chunk.Choices {
				if c.Delta.Content != "" {
					if !send(provider.Fragment{Choice: c.Index, Text: c.Delta.Content}) {
						return
					}
				}
				if c.FinishReason != nil && *c.FinishReason != "" {
					if !send(provider.Fragment{Choice: c.Index, Done: true}) {
						return
					}
				}
			}
		}

		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			errs <- fmt.Errorf("scan stream: %w", err)
		}
	}()

	return &provider.Stream{Status: resp.StatusCode, Fragments: fragments, Errs: errs}, nil
}
