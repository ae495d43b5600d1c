package secrets

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	smtypes "github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"

	"github.com/felipepmaragno/rag-gateway/internal/domain"
)

type MockSecretsManager struct {
	GetSecretValueFunc func(ctx context.Context, params *secretsmanager.GetSecretValueInput) (*secretsmanager.GetSecretValueOutput, error)
	calls              int
}

func (m *MockSecretsManager) GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	m.calls++
	return m.GetSecretValueFunc(ctx, params)
}

func TestInMemorySecretStore_SetAndResolve(t *testing.T) {
	store := NewInMemorySecretStore()
	ctx := context.Background()

	store.SetSecret("AZURE_OPENAI_API_KEY", "sk-test-123")

	value, err := store.Resolve(ctx, "AZURE_OPENAI_API_KEY")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if value != "sk-test-123" {
		t.Errorf("Resolve() = %v, want sk-test-123", value)
	}
}

func TestInMemorySecretStore_NotFound(t *testing.T) {
	store := NewInMemorySecretStore()
	store.SetSecret("gone", "x")
	store.DeleteSecret("gone")

	_, err := store.Resolve(context.Background(), "gone")
	if !errors.Is(err, domain.ErrSecretNotFound) {
		t.Errorf("Resolve() error = %v, want ErrSecretNotFound", err)
	}
}

func TestEnvResolver(t *testing.T) {
	t.Setenv("PROMPT_PROTECTION_GPT4_8K", "stay on topic")

	v, err := EnvResolver{}.Resolve(context.Background(), "PROMPT_PROTECTION_GPT4-8K")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if v != "stay on topic" {
		t.Errorf("Resolve() = %q", v)
	}

	_, err = EnvResolver{}.Resolve(context.Background(), "SURELY_UNSET_CREDENTIAL")
	if !errors.Is(err, domain.ErrSecretNotFound) {
		t.Errorf("Resolve() error = %v, want ErrSecretNotFound", err)
	}
}

func TestEnvKey(t *testing.T) {
	tests := map[string]string{
		"AZURE_OPENAI_API_URL":            "AZURE_OPENAI_API_URL",
		"AZURE_OPENAI_DEPLOYMENT_GPT4-8K": "AZURE_OPENAI_DEPLOYMENT_GPT4_8K",
		"vertex.endpoint":                 "VERTEX_ENDPOINT",
	}
	for in, want := range tests {
		if got := EnvKey(in); got != want {
			t.Errorf("EnvKey(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestChain(t *testing.T) {
	first := NewInMemorySecretStore()
	second := NewInMemorySecretStore()
	second.SetSecret("K", "from-second")

	v, err := Chain{first, second}.Resolve(context.Background(), "K")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if v != "from-second" {
		t.Errorf("Resolve() = %q, want from-second", v)
	}

	_, err = Chain{first, second}.Resolve(context.Background(), "missing")
	if !errors.Is(err, domain.ErrSecretNotFound) {
		t.Errorf("Resolve() error = %v, want ErrSecretNotFound", err)
	}
}

func TestLookup(t *testing.T) {
	store := NewInMemorySecretStore()
	store.SetSecret("URL", "https://example")

	values, err := Lookup(context.Background(), store, []domain.Credential{
		{Name: "URL"},
		{Name: "PROTECTION", Optional: true},
	})
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if values["URL"] != "https://example" || values["PROTECTION"] != "" {
		t.Errorf("values = %v", values)
	}

	_, err = Lookup(context.Background(), store, []domain.Credential{{Name: "URL"}, {Name: "KEY"}})
	var missing *domain.MissingCredentialError
	if !errors.As(err, &missing) {
		t.Fatalf("Lookup() error = %v, want MissingCredentialError", err)
	}
	if missing.Name != "KEY" {
		t.Errorf("missing = %s, want KEY", missing.Name)
	}
	if !errors.Is(err, domain.ErrConfiguration) {
		t.Error("missing credential should classify as configuration error")
	}
}

func TestAWSSecretsManager_CachesValues(t *testing.T) {
	mock := &MockSecretsManager{
		GetSecretValueFunc: func(_ context.Context, params *secretsmanager.GetSecretValueInput) (*secretsmanager.GetSecretValueOutput, error) {
			if *params.SecretId != "ragw/KEY" {
				t.Errorf("SecretId = %s, want ragw/KEY", *params.SecretId)
			}
			return &secretsmanager.GetSecretValueOutput{SecretString: aws.String("v1")}, nil
		},
	}
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := newAWSSecretsManager(mock, "ragw/")
	s.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if v, err := s.Resolve(context.Background(), "KEY"); err != nil || v != "v1" {
			t.Fatalf("Resolve() = %q, %v", v, err)
		}
	}
	if mock.calls != 1 {
		t.Errorf("calls = %d, want 1", mock.calls)
	}

	now = now.Add(6 * time.Minute)
	if _, err := s.Resolve(context.Background(), "KEY"); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if mock.calls != 2 {
		t.Errorf("calls after ttl = %d, want 2", mock.calls)
	}
}

func TestAWSSecretsManager_NotFound(t *testing.T) {
	mock := &MockSecretsManager{
		GetSecretValueFunc: func(context.Context, *secretsmanager.GetSecretValueInput) (*secretsmanager.GetSecretValueOutput, error) {
			return nil, &smtypes.ResourceNotFoundException{Message: aws.String("nope")}
		},
	}
	s := newAWSSecretsManager(mock, "")

	_, err := s.Resolve(context.Background(), "KEY")
	if !errors.Is(err, domain.ErrSecretNotFound) {
		t.Errorf("Resolve() error = %v, want ErrSecretNotFound", err)
	}
}
