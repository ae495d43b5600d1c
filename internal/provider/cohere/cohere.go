package cohere

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/felipepmaragno/rag-gateway/internal/domain"
	"github.com/felipepmaragno/rag-gateway/internal/httputil"
	"github.com/felipepmaragno/rag-gateway/internal/provider"
	"github.com/felipepmaragno/rag-gateway/internal/tokenizer"
)

const (
	CredAPIURL = "COHERE_API_URL"
	CredAPIKey = "COHERE_API_KEY"
)

var vendorModels = map[string]string{
	"Cohere-CommandXL-Beta": "command-xlarge-beta",
}

func Descriptors() []domain.ModelDescriptor {
	name := "Cohere-CommandXL-Beta"
	return []domain.ModelDescriptor{{
		Provider:            domain.ProviderCohere,
		Name:                name,
		DisplayName:         "Cohere - Command XL Beta - 4K Tokens",
		ContextSize:         4000,
		SupportsEventStream: false,
		TokenizerFamily:     tokenizer.FamilyApprox,
		Bounds: domain.ParameterBounds{
			Temperature:    domain.Range{Min: 0, Max: 2},
			GenerateTokens: domain.Range{Min: 1, Max: 4095},
			TopK:           &domain.Range{Min: 0, Max: 500},
		},
		Credentials: []domain.Credential{
			{Name: CredAPIURL},
			{Name: CredAPIKey},
			{Name: provider.ProtectionCredential(name), Optional: true},
		},
	}}
}

type Backend struct {
	provider.Base
}

func New(client *http.Client) provider.Factory {
	return func(desc domain.ModelDescriptor, params domain.ModelParameters, user string) provider.Backend {
		return &Backend{Base: provider.NewBase(desc, params, user, client)}
	}
}

type generateRequest struct {
	Model             string   `json:"model"`
	Prompt            string   `json:"prompt"`
	MaxTokens         int      `json:"max_tokens"`
	Temperature       float64  `json:"temperature"`
	K                 int      `json:"k"`
	StopSequences     []string `json:"stop_sequences"`
	ReturnLikelihoods string   `json:"return_likelihoods"`
}

type generateResponse struct {
	ID          string `json:"id"`
	Generations []struct {
		ID   string `json:"id"`
		Text string `json:"text"`
	} `json:"generations"`
	Prompt string `json:"prompt"`
	Meta   struct {
		BilledUnits struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"billed_units"`
	} `json:"meta"`
}

func vendorModel(name string) string {
	if m, ok := vendorModels[name]; ok {
		return m
	}
	return strings.ToLower(name)
}

// buildPayload flattens the conversation into a single prompt: the generate
// endpoint has no notion of roles.
func (b *Backend) buildPayload(msgs []domain.ChatMessage) ([]byte, error) {
	body, err := json.Marshal(generateRequest{
		Model:             vendorModel(b.Desc.Name),
		Prompt:            domain.JoinContents(msgs),
		MaxTokens:         b.Params.GenerateTokens,
		Temperature:       b.Params.Temperature,
		K:                 b.Params.TopK,
		StopSequences:     []string{},
		ReturnLikelihoods: "NONE",
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	return body, nil
}

func (b *Backend) Invoke(ctx context.Context, msgs []domain.ChatMessage) (*domain.Response, error) {
	body, err := b.buildPayload(msgs)
	if err != nil {
		return nil, err
	}
	b.SetPayload(body)

	header := http.Header{}
	header.Set("Authorization", "Bearer "+b.Credential(CredAPIKey))

	status, raw, err := httputil.PostJSON(ctx, b.Client, b.Credential(CredAPIURL), header, body)
	if err != nil {
		return nil, fmt.Errorf("cohere: %w", err)
	}
	if !httputil.IsSuccess(status) {
		return nil, &domain.UpstreamError{Provider: string(b.Desc.Provider), Status: status, Body: string(raw)}
	}

	resp, err := b.NormalizeResponse(raw)
	if err != nil {
		return nil, err
	}
	if resp.TotalTokens == 0 {
		resp.TotalTokens = provider.CountMessages(b, msgs) + b.CountTokens(resp.Message.Content)
	}
	return resp, nil
}

func (b *Backend) NormalizeResponse(raw []byte) (*domain.Response, error) {
	var resp generateResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(resp.Generations) == 0 {
		return nil, fmt.Errorf("decode response: no generations")
	}

	choices := make([]string, len(resp.Generations))
	for i, g := range resp.Generations {
		choices[i] = g.Text
	}

	units := resp.Meta.BilledUnits
	return &domain.Response{
		Message: domain.ChatMessage{
			Role:    domain.RoleAssistant,
			Content: choices[0],
			Display: true,
		},
		Choices:     choices,
		TotalTokens: units.InputTokens + units.OutputTokens,
		Raw:         raw,
	}, nil
}
