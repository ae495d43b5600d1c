package azureopenai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/felipepmaragno/rag-gateway/internal/domain"
	"github.com/felipepmaragno/rag-gateway/internal/provider"
	"github.com/felipepmaragno/rag-gateway/internal/secrets"
)

func newTestBackend(t *testing.T, serverURL string, client *http.Client) provider.Backend {
	t.Helper()

	store := secrets.NewInMemorySecretStore()
	store.SetSecret(CredAPIURL, serverURL)
	store.SetSecret(CredAPIKey, "test-key")
	store.SetSecret(DeploymentCredential("GPT4-8K"), "gpt4-deploy")

	params := domain.DefaultModelParameters()
	params.Name = "GPT4-8K"

	b := New(client, client)(Descriptors()[1], params, "user-1")
	if err := b.LoadCredentials(context.Background(), store); err != nil {
		t.Fatalf("LoadCredentials() error = %v", err)
	}
	return b
}

func TestDescriptors(t *testing.T) {
	descs := Descriptors()
	if len(descs) != 3 {
		t.Fatalf("len = %d, want 3", len(descs))
	}

	sizes := map[string]int{"GPT35Turbo": 4097, "GPT4-8K": 8192, "GPT4-32K": 32768}
	for _, d := range descs {
		if d.ContextSize != sizes[d.Name] {
			t.Errorf("%s size = %d, want %d", d.Name, d.ContextSize, sizes[d.Name])
		}
		if !d.SupportsEventStream {
			t.Errorf("%s should support event streams", d.Name)
		}
		if d.Bounds.TopK != nil {
			t.Errorf("%s should not bound topK", d.Name)
		}
	}
}

func TestLoadCredentials_Missing(t *testing.T) {
	store := secrets.NewInMemorySecretStore()
	store.SetSecret(CredAPIURL, "http://localhost")

	b := New(http.DefaultClient, http.DefaultClient)(Descriptors()[0], domain.DefaultModelParameters(), "u")
	err := b.LoadCredentials(context.Background(), store)

	var missing *domain.MissingCredentialError
	if !errors.As(err, &missing) {
		t.Fatalf("error = %v, want MissingCredentialError", err)
	}
	if missing.Name != CredAPIKey {
		t.Errorf("missing = %s, want %s", missing.Name, CredAPIKey)
	}
}

func TestInvoke(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/openai/deployments/gpt4-deploy/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.URL.Query().Get("api-version") != apiVersion {
			t.Errorf("api-version = %s", r.URL.Query().Get("api-version"))
		}
		if r.Header.Get("api-key") != "test-key" {
			t.Errorf("api-key = %s", r.Header.Get("api-key"))
		}

		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
			return
		}
		if req.MaxTokens != 800 || req.N != 1 || req.User != "user-1" || req.Stream {
			t.Errorf("unexpected payload: %+v", req)
		}
		if len(req.Messages) != 2 || req.Messages[0].Role != "system" {
			t.Errorf("messages = %+v", req.Messages)
		}

		w.Write([]byte(`{"id":"x","choices":[{"index":0,"message":{"role":"assistant","content":"Paris"},"finish_reason":"stop"}],"usage":{"prompt_tokens":20,"completion_tokens":2,"total_tokens":22}}`))
	}))
	defer server.Close()

	b := newTestBackend(t, server.URL, server.Client())
	resp, err := b.Invoke(context.Background(), []domain.ChatMessage{
		{Role: domain.RoleSystem, Content: "be brief"},
		{Role: domain.RoleUser, Content: "capital of France?"},
	})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}

	if resp.Message.Content != "Paris" || resp.Message.Role != domain.RoleAssistant {
		t.Errorf("message = %+v", resp.Message)
	}
	if resp.TotalTokens != 22 {
		t.Errorf("TotalTokens = %d, want 22", resp.TotalTokens)
	}
	if len(b.LastPayload()) == 0 {
		t.Error("payload should be recorded")
	}
}

func TestInvoke_UpstreamErrorVerbatim(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"code":"401","message":"Access denied"}}`))
	}))
	defer server.Close()

	b := newTestBackend(t, server.URL, server.Client())
	_, err := b.Invoke(context.Background(), []domain.ChatMessage{{Role: domain.RoleUser, Content: "hi"}})

	var up *domain.UpstreamError
	if !errors.As(err, &up) {
		t.Fatalf("error = %v, want UpstreamError", err)
	}
	if up.Status != http.StatusUnauthorized {
		t.Errorf("status = %d", up.Status)
	}
	if up.Body != `{"error":{"code":"401","message":"Access denied"}}` {
		t.Errorf("body = %s", up.Body)
	}
}

func TestNormalizeResponse_MultipleChoices(t *testing.T) {
	b := New(http.DefaultClient, http.DefaultClient)(Descriptors()[0], domain.DefaultModelParameters(), "u")

	resp, err := b.NormalizeResponse([]byte(`{"choices":[{"index":0,"message":{"content":"a"}},{"index":1,"message":{"content":"b"}}],"usage":{"total_tokens":5}}`))
	if err != nil {
		t.Fatalf("NormalizeResponse() error = %v", err)
	}
	if len(resp.Choices) != 2 || resp.Message.Content != "a" {
		t.Errorf("resp = %+v", resp)
	}

	if _, err := b.NormalizeResponse([]byte(`{"choices":[]}`)); err == nil {
		t.Error("empty choices should fail")
	}
}

func TestInvokeStreaming(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		json.NewDecoder(r.Body).Decode(&req)
		if !req.Stream {
			t.Error("stream flag not set")
		}

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[]}\n\n")
		for _, tok := range []string{"Hel", "lo"} {
			fmt.Fprintf(w, "data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":%q},\"finish_reason\":null}]}\n\n", tok)
		}
		fmt.Fprint(w, "data: {\"choices\":[{\"index\":0,\"delta\":{},\"finish_reason\":\"stop\"}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	b := newTestBackend(t, server.URL, server.Client())
	stream, err := b.InvokeStreaming(context.Background(), []domain.ChatMessage{{Role: domain.RoleUser, Content: "hi"}})
	if err != nil {
		t.Fatalf("InvokeStreaming() error = %v", err)
	}
	if stream.Status != http.StatusOK {
		t.Errorf("status = %d", stream.Status)
	}

	var text strings.Builder
	done := false
	for f := range stream.Fragments {
		text.WriteString(f.Text)
		if f.Done {
			done = true
		}
	}
	if err := <-stream.Errs; err != nil {
		t.Errorf("stream error = %v", err)
	}
	if text.String() != "Hello" {
		t.Errorf("text = %q, want Hello", text.String())
	}
	if !done {
		t.Error("expected a Done fragment")
	}
}

func TestInvokeStreaming_OpenFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte("slow down"))
	}))
	defer server.Close()

	b := newTestBackend(t, server.URL, server.Client())
	stream, err := b.InvokeStreaming(context.Background(), []domain.ChatMessage{{Role: domain.RoleUser, Content: "hi"}})
	if stream != nil {
		t.Error("no stream expected on open failure")
	}

	var up *domain.UpstreamError
	if !errors.As(err, &up) || up.Status != http.StatusTooManyRequests || up.Body != "slow down" {
		t.Errorf("error = %v", err)
	}
}
