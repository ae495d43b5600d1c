package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	smtypes "github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"

	"github.com/felipepmaragno/rag-gateway/internal/domain"
)

// Resolver looks up a credential by name. Absent values are reported as
// domain.ErrSecretNotFound so callers can name the missing item.
type Resolver interface {
	Resolve(ctx context.Context, name string) (string, error)
}

type secretsManagerAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// AWSSecretsManager resolves credentials from AWS Secrets Manager. Values are
// cached for ttl; this cache is shared by every request.
type AWSSecretsManager struct {
	client secretsManagerAPI
	prefix string
	cache  map[string]*cachedSecret
	mu     sync.RWMutex
	ttl    time.Duration
	now    func() time.Time
}

type cachedSecret struct {
	value     string
	expiresAt time.Time
}

func NewAWSSecretsManager(ctx context.Context, region, prefix string) (*AWSSecretsManager, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewAWSSecretsManagerWithConfig(cfg, prefix), nil
}

func NewAWSSecretsManagerWithConfig(cfg aws.Config, prefix string) *AWSSecretsManager {
	return newAWSSecretsManager(secretsmanager.NewFromConfig(cfg), prefix)
}

func newAWSSecretsManager(client secretsManagerAPI, prefix string) *AWSSecretsManager {
	return &AWSSecretsManager{
		client: client,
		prefix: prefix,
		cache:  make(map[string]*cachedSecret),
		ttl:    5 * time.Minute,
		now:    time.Now,
	}
}

func (s *AWSSecretsManager) Resolve(ctx context.Context, name string) (string, error) {
	s.mu.RLock()
	if cached, ok := s.cache[name]; ok && s.now().Before(cached.expiresAt) {
		s.mu.RUnlock()
		return cached.value, nil
	}
	s.mu.RUnlock()

	input := &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(s.prefix + name),
	}

	result, err := s.client.GetSecretValue(ctx, input)
	if err != nil {
		var notFound *smtypes.ResourceNotFoundException
		if errors.As(err, &notFound) {
			return "", fmt.Errorf("secret %s: %w", name, domain.ErrSecretNotFound)
		}
		return "", fmt.Errorf("get secret %s: %w", name, err)
	}

	value := ""
	if result.SecretString != nil {
		value = *result.SecretString
	}
	if value == "" {
		return "", fmt.Errorf("secret %s: %w", name, domain.ErrSecretNotFound)
	}

	s.mu.Lock()
	s.cache[name] = &cachedSecret{
		value:     value,
		expiresAt: s.now().Add(s.ttl),
	}
	s.mu.Unlock()

	return value, nil
}

func (s *AWSSecretsManager) SetCacheTTL(ttl time.Duration) {
	s.ttl = ttl
}

func (s *AWSSecretsManager) ClearCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = make(map[string]*cachedSecret)
}

// EnvResolver reads credentials from process environment variables.
type EnvResolver struct {
	Prefix string
}

func (r EnvResolver) Resolve(_ context.Context, name string) (string, error) {
	key := r.Prefix + EnvKey(name)
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v, nil
	}
	return "", fmt.Errorf("env %s: %w", key, domain.ErrSecretNotFound)
}

// EnvKey normalizes a credential name into an environment variable name,
// e.g. "PROMPT_PROTECTION_GPT4-8K" becomes "PROMPT_PROTECTION_GPT4_8K".
func EnvKey(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
}

type InMemorySecretStore struct {
	mu      sync.RWMutex
	secrets map[string]string
}

func NewInMemorySecretStore() *InMemorySecretStore {
	return &InMemorySecretStore{
		secrets: make(map[string]string),
	}
}

func (s *InMemorySecretStore) Resolve(_ context.Context, name string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.secrets[name]
	if !ok || value == "" {
		return "", fmt.Errorf("secret %s: %w", name, domain.ErrSecretNotFound)
	}
	return value, nil
}

func (s *InMemorySecretStore) SetSecret(name, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets[name] = value
}

func (s *InMemorySecretStore) DeleteSecret(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.secrets, name)
}

// Chain tries each resolver in order and returns the first value found. Any
// error other than a missing secret stops the walk.
type Chain []Resolver

func (c Chain) Resolve(ctx context.Context, name string) (string, error) {
	for _, r := range c {
		v, err := r.Resolve(ctx, name)
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, domain.ErrSecretNotFound) {
			return "", err
		}
	}
	return "", fmt.Errorf("secret %s: %w", name, domain.ErrSecretNotFound)
}

// Lookup resolves every credential in creds. Optional ones that are absent
// map to "". The first required credential missing yields a
// MissingCredentialError.
func Lookup(ctx context.Context, r Resolver, creds []domain.Credential) (map[string]string, error) {
	values := make(map[string]string, len(creds))
	for _, c := range creds {
		v, err := r.Resolve(ctx, c.Name)
		switch {
		case err == nil:
			values[c.Name] = v
		case errors.Is(err, domain.ErrSecretNotFound) && c.Optional:
			values[c.Name] = ""
		case errors.Is(err, domain.ErrSecretNotFound):
			return nil, &domain.MissingCredentialError{Name: c.Name}
		default:
			return nil, fmt.Errorf("resolve %s: %w", c.Name, err)
		}
	}
	return values, nil
}
