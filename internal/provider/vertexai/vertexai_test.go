package vertexai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"golang.org/x/oauth2"

	"github.com/felipepmaragno/rag-gateway/internal/domain"
	"github.com/felipepmaragno/rag-gateway/internal/provider"
	"github.com/felipepmaragno/rag-gateway/internal/secrets"
)

func staticTokens(calls *int) TokenSourceFunc {
	return func(_ context.Context, sa string) (oauth2.TokenSource, error) {
		*calls++
		if sa != `{"type":"service_account"}` {
			return nil, errors.New("bad key")
		}
		return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "ya29.test", TokenType: "Bearer"}), nil
	}
}

func newTestBackend(t *testing.T, factory provider.Factory, serverURL string, params domain.ModelParameters) provider.Backend {
	t.Helper()

	store := secrets.NewInMemorySecretStore()
	store.SetSecret(CredEndpoint, serverURL)
	store.SetSecret(CredProjectID, "proj")
	store.SetSecret(CredModelID, "chat-bison@001")
	store.SetSecret(CredServiceAccount, `{"type":"service_account"}`)

	b := factory(Descriptors()[0], params, "user-1")
	if err := b.LoadCredentials(context.Background(), store); err != nil {
		t.Fatalf("LoadCredentials() error = %v", err)
	}
	return b
}

func TestInvoke_MergesRolesAndAuthenticates(t *testing.T) {
	var got predictRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/projects/proj/locations/us-central1/publishers/google/models/chat-bison@001:predict" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer ya29.test" {
			t.Errorf("Authorization = %s", r.Header.Get("Authorization"))
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"predictions":[{"candidates":[{"author":"Bot","content":"Bonjour"}],"safetyAttributes":[{"blocked":false}]}]}`))
	}))
	defer server.Close()

	calls := 0
	params := domain.DefaultModelParameters()
	params.Context = "you translate"
	params.Examples = []domain.ModelExample{{Input: "hi", Output: "salut"}}

	b := newTestBackend(t, New(server.Client(), staticTokens(&calls)), server.URL, params)
	msgs := []domain.ChatMessage{
		{Role: domain.RoleSystem, Content: "a"},
		{Role: domain.RoleUser, Content: "b"},
		{Role: domain.RoleUser, Content: "c"},
		{Role: domain.RoleAssistant, Content: "d"},
		{Role: domain.RoleUser, Content: "hello"},
	}

	resp, err := b.Invoke(context.Background(), msgs)
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}

	if resp.Message.Content != "Bonjour" {
		t.Errorf("content = %q", resp.Message.Content)
	}
	if resp.TotalTokens <= 0 {
		t.Errorf("TotalTokens = %d, want counted tokens", resp.TotalTokens)
	}

	inst := got.Instances[0]
	if len(inst.Messages) != 3 {
		t.Fatalf("messages = %+v", inst.Messages)
	}
	if inst.Messages[0].Author != "User" || inst.Messages[0].Content != "a\nb\nc" {
		t.Errorf("first message = %+v", inst.Messages[0])
	}
	if inst.Messages[1].Author != "Bot" || inst.Messages[2].Author != "User" {
		t.Errorf("authors = %+v", inst.Messages)
	}
	if inst.Context != "you translate" || len(inst.Examples) != 1 || inst.Examples[0].Output.Content != "salut" {
		t.Errorf("instance = %+v", inst)
	}
	if got.Parameters.MaxOutputTokens != 800 || got.Parameters.TopK != 40 {
		t.Errorf("parameters = %+v", got.Parameters)
	}
}

func TestInvoke_TokenSourceCached(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"predictions":[{"candidates":[{"content":"ok"}]}]}`))
	}))
	defer server.Close()

	calls := 0
	factory := New(server.Client(), staticTokens(&calls))
	for i := 0; i < 3; i++ {
		b := newTestBackend(t, factory, server.URL, domain.DefaultModelParameters())
		if _, err := b.Invoke(context.Background(), []domain.ChatMessage{{Role: domain.RoleUser, Content: "x"}}); err != nil {
			t.Fatalf("Invoke() error = %v", err)
		}
	}
	if calls != 1 {
		t.Errorf("token source built %d times, want 1", calls)
	}
}

func TestInvoke_UpstreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"error":{"status":"PERMISSION_DENIED"}}`))
	}))
	defer server.Close()

	calls := 0
	b := newTestBackend(t, New(server.Client(), staticTokens(&calls)), server.URL, domain.DefaultModelParameters())
	_, err := b.Invoke(context.Background(), []domain.ChatMessage{{Role: domain.RoleUser, Content: "x"}})

	var up *domain.UpstreamError
	if !errors.As(err, &up) || up.Status != http.StatusForbidden {
		t.Fatalf("error = %v", err)
	}
}

func TestNormalizeResponse_UsesMetadata(t *testing.T) {
	calls := 0
	b := New(http.DefaultClient, staticTokens(&calls))(Descriptors()[0], domain.DefaultModelParameters(), "u")

	resp, err := b.NormalizeResponse([]byte(`{"predictions":[{"candidates":[{"content":"x"}]}],"metadata":{"tokenMetadata":{"inputTokenCount":{"totalTokens":7},"outputTokenCount":{"totalTokens":3}}}}`))
	if err != nil {
		t.Fatalf("NormalizeResponse() error = %v", err)
	}
	if resp.TotalTokens != 10 {
		t.Errorf("TotalTokens = %d, want 10", resp.TotalTokens)
	}

	if _, err := b.NormalizeResponse([]byte(`{"predictions":[]}`)); err == nil {
		t.Error("empty predictions should fail")
	}
}

func TestInvokeStreaming_Unsupported(t *testing.T) {
	calls := 0
	b := New(http.DefaultClient, staticTokens(&calls))(Descriptors()[0], domain.DefaultModelParameters(), "u")

	_, err := b.InvokeStreaming(context.Background(), nil)
	if !errors.Is(err, domain.ErrUnsupported) {
		t.Errorf("error = %v, want ErrUnsupported", err)
	}
}

func TestValidate_Bounds(t *testing.T) {
	calls := 0
	params := domain.DefaultModelParameters()
	params.Temperature = 1.5

	b := New(http.DefaultClient, staticTokens(&calls))(Descriptors()[0], params, "u")
	var fe *domain.FieldOutOfRangeError
	if err := b.Validate(); !errors.As(err, &fe) || fe.Field != "temperature" {
		t.Errorf("Validate() = %v", err)
	}
}
