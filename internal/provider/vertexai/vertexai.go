package vertexai

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/felipepmaragno/rag-gateway/internal/domain"
	"github.com/felipepmaragno/rag-gateway/internal/httputil"
	"github.com/felipepmaragno/rag-gateway/internal/provider"
	"github.com/felipepmaragno/rag-gateway/internal/tokenizer"
)

const (
	CredEndpoint       = "VERTEX_ENDPOINT"
	CredProjectID      = "VERTEX_PROJECT_ID"
	CredModelID        = "VERTEX_MODEL_ID"
	CredServiceAccount = "VERTEX_SERVICE_ACCOUNT"

	location   = "us-central1"
	oauthScope = "https://www.googleapis.com/auth/cloud-platform"

	authorUser = "User"
	authorBot  = "Bot"
)

func Descriptors() []domain.ModelDescriptor {
	name := "Vertex-ChatBison-001"
	return []domain.ModelDescriptor{{
		Provider:            domain.ProviderGoogleVertex,
		Name:                name,
		DisplayName:         "Google - PaLM - 4K Tokens",
		ContextSize:         4096,
		SupportsEventStream: false,
		TokenizerFamily:     tokenizer.FamilyCL100K,
		Bounds: domain.ParameterBounds{
			Temperature:    domain.Range{Min: 0, Max: 1},
			GenerateTokens: domain.Range{Min: 1, Max: 1024},
			TopP:           &domain.Range{Min: 0, Max: 1},
			TopK:           &domain.Range{Min: 1, Max: 40},
		},
		Credentials: []domain.Credential{
			{Name: CredEndpoint},
			{Name: CredProjectID},
			{Name: CredModelID},
			{Name: CredServiceAccount},
			{Name: provider.ProtectionCredential(name), Optional: true},
		},
	}}
}

// TokenSourceFunc turns a service account key into an OAuth2 token source.
type TokenSourceFunc func(ctx context.Context, serviceAccountJSON string) (oauth2.TokenSource, error)

func ServiceAccountTokenSource(ctx context.Context, serviceAccountJSON string) (oauth2.TokenSource, error) {
	creds, err := google.CredentialsFromJSON(ctx, []byte(serviceAccountJSON), oauthScope)
	if err != nil {
		return nil, fmt.Errorf("parse service account: %w", err)
	}
	return creds.TokenSource, nil
}

// tokenSources caches one token source per service account so access tokens
// are reused across requests until they expire.
type tokenSources struct {
	mu      sync.Mutex
	sources map[[32]byte]oauth2.TokenSource
	newTS   TokenSourceFunc
}

func (c *tokenSources) get(serviceAccountJSON string) (oauth2.TokenSource, error) {
	key := sha256.Sum256([]byte(serviceAccountJSON))

	c.mu.Lock()
	defer c.mu.Unlock()

	if ts, ok := c.sources[key]; ok {
		return ts, nil
	}
	ts, err := c.newTS(context.Background(), serviceAccountJSON)
	if err != nil {
		return nil, err
	}
	ts = oauth2.ReuseTokenSource(nil, ts)
	c.sources[key] = ts
	return ts, nil
}

type Backend struct {
	provider.Base
	tokens *tokenSources
}

func New(client *http.Client, newTS TokenSourceFunc) provider.Factory {
	if newTS == nil {
		newTS = ServiceAccountTokenSource
	}
	cache := &tokenSources{sources: make(map[[32]byte]oauth2.TokenSource), newTS: newTS}

	return func(desc domain.ModelDescriptor, params domain.ModelParameters, user string) provider.Backend {
		return &Backend{
			Base:   provider.NewBase(desc, params, user, client),
			tokens: cache,
		}
	}
}

type message struct {
	Author  string `json:"author"`
	Content string `json:"content"`
}

type exampleText struct {
	Content string `json:"content"`
}

type example struct {
	Input  exampleText `json:"input"`
	Output exampleText `json:"output"`
}

type instance struct {
	Context  string    `json:"context"`
	Examples []example `json:"examples"`
	Messages []message `json:"messages"`
}

type parameters struct {
	Temperature     float64 `json:"temperature"`
	MaxOutputTokens int     `json:"maxOutputTokens"`
	TopP            float64 `json:"topP"`
	TopK            int     `json:"topK"`
}

type predictRequest struct {
	Instances  []instance `json:"instances"`
	Parameters parameters `json:"parameters"`
}

type predictResponse struct {
	Predictions []struct {
		Candidates []message `json:"candidates"`
	} `json:"predictions"`
	Metadata struct {
		TokenMetadata struct {
			InputTokenCount struct {
				TotalTokens int `json:"totalTokens"`
			} `json:"inputTokenCount"`
			OutputTokenCount struct {
				TotalTokens int `json:"totalTokens"`
			} `json:"outputTokenCount"`
		} `json:"tokenMetadata"`
	} `json:"metadata"`
}

func (b *Backend) endpoint() string {
	host := strings.TrimRight(b.Credential(CredEndpoint), "/")
	if !strings.Contains(host, "://") {
		host = "https://" + host
	}
	return fmt.Sprintf("%s/v1/projects/%s/locations/%s/publishers/google/models/%s:predict",
		host, b.Credential(CredProjectID), location, b.Credential(CredModelID))
}

func (b *Backend) buildPayload(msgs []domain.ChatMessage) ([]byte, error) {
	merged := domain.MergeRoles(msgs)

	inst := instance{
		Context:  b.Params.Context,
		Examples: make([]example, 0, len(b.Params.Examples)),
		Messages: make([]message, len(merged)),
	}
	for _, ex := range b.Params.Examples {
		inst.Examples = append(inst.Examples, example{
			Input:  exampleText{Content: ex.Input},
			Output: exampleText{Content: ex.Output},
		})
	}
	for i, m := range merged {
		author := authorUser
		if m.Role == domain.RoleAssistant {
			author = authorBot
		}
		inst.Messages[i] = message{Author: author, Content: m.Content}
	}

	body, err := json.Marshal(predictRequest{
		Instances: []instance{inst},
		Parameters: parameters{
			Temperature:     b.Params.Temperature,
			MaxOutputTokens: b.Params.GenerateTokens,
			TopP:            b.Params.TopP,
			TopK:            b.Params.TopK,
		},
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

	ts, err := b.tokens.get(b.Credential(CredServiceAccount))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrConfiguration, CredServiceAccount, err)
	}
	token, err := ts.Token()
	if err != nil {
		return nil, fmt.Errorf("vertex token: %w", err)
	}

	header := http.Header{}
	header.Set("Authorization", token.Type()+" "+token.AccessToken)

	status, raw, err := httputil.PostJSON(ctx, b.Client, b.endpoint(), header, body)
	if err != nil {
		return nil, fmt.Errorf("vertex: %w", err)
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

// NormalizeResponse reads the first candidate of every prediction. Token
// usage comes from the response metadata when the endpoint reports it.
func (b *Backend) NormalizeResponse(raw []byte) (*domain.Response, error) {
	var resp predictResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	var choices []string
	for _, p := range resp.Predictions {
		for _, c := range p.Candidates {
			choices = append(choices, c.Content)
		}
	}
	if len(choices) == 0 {
		return nil, fmt.Errorf("decode response: no candidates")
	}

	tm := resp.Metadata.TokenMetadata
	return &domain.Response{
		Message: domain.ChatMessage{
			Role:    domain.RoleAssistant,
			Content: choices[0],
			Display: true,
		},
		Choices:     choices,
		TotalTokens: tm.InputTokenCount.TotalTokens + tm.OutputTokenCount.TotalTokens,
		Raw:         raw,
	}, nil
}
