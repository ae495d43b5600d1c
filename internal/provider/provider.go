// Package provider defines the contract every LLM backend implements and the
// registry that resolves model names to backends.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/felipepmaragno/rag-gateway/internal/domain"
	"github.com/felipepmaragno/rag-gateway/internal/secrets"
	"github.com/felipepmaragno/rag-gateway/internal/tokenizer"
)

// Fragment is one piece of generated text for a choice. Done marks the end
// of that choice.
type Fragment struct {
	Choice int
	Text   string
	Done   bool
}

// Stream is an open event stream. Fragments is closed when the upstream is
// exhausted; at most one error is delivered on Errs.
type Stream struct {
	Status    int
	Fragments <-chan Fragment
	Errs      <-chan error
}

// Backend is one provider+size variant bound to a request's parameters and
// caller.
type Backend interface {
	Descriptor() domain.ModelDescriptor
	LoadCredentials(ctx context.Context, r secrets.Resolver) error
	Validate() error
	Invoke(ctx context.Context, msgs []domain.ChatMessage) (*domain.Response, error)
	InvokeStreaming(ctx context.Context, msgs []domain.ChatMessage) (*Stream, error)
	NormalizeResponse(raw []byte) (*domain.Response, error)
	CountTokens(text string) int
	PromptProtection() string
	LastPayload() json.RawMessage
}

type Factory func(desc domain.ModelDescriptor, params domain.ModelParameters, user string) Backend

// ProtectionCredential is the optional credential holding the prompt
// protection text of a model.
func ProtectionCredential(model string) string {
	return "PROMPT_PROTECTION_" + model
}

// Base carries the state shared by every backend implementation.
type Base struct {
	Desc   domain.ModelDescriptor
	Params domain.ModelParameters
	User   string
	Client *http.Client
	Tok    tokenizer.Tokenizer

	creds   map[string]string
	payload json.RawMessage
}

func NewBase(desc domain.ModelDescriptor, params domain.ModelParameters, user string, client *http.Client) Base {
	return Base{
		Desc:   desc,
		Params: params,
		User:   user,
		Client: client,
		Tok:    tokenizer.For(desc.TokenizerFamily),
	}
}

func (b *Base) Descriptor() domain.ModelDescriptor {
	return b.Desc
}

func (b *Base) Parameters() domain.ModelParameters {
	return b.Params
}

func (b *Base) LoadCredentials(ctx context.Context, r secrets.Resolver) error {
	creds, err := secrets.Lookup(ctx, r, b.Desc.Credentials)
	if err != nil {
		return err
	}
	b.creds = creds
	return nil
}

// Credential returns a resolved credential value, "" if unknown.
func (b *Base) Credential(name string) string {
	return b.creds[name]
}

func (b *Base) Validate() error {
	return b.Desc.Validate(b.Params)
}

func (b *Base) CountTokens(text string) int {
	if text == "" {
		return 0
	}
	return b.Tok.Count(text)
}

func (b *Base) PromptProtection() string {
	return b.creds[ProtectionCredential(b.Desc.Name)]
}

// SetPayload records the last outbound payload for debug responses.
func (b *Base) SetPayload(p []byte) {
	b.payload = p
}

func (b *Base) LastPayload() json.RawMessage {
	return b.payload
}

// InvokeStreaming is the default for backends without event stream support.
func (b *Base) InvokeStreaming(context.Context, []domain.ChatMessage) (*Stream, error) {
	return nil, &domain.UnsupportedError{What: fmt.Sprintf("model %s does not support event streams", b.Desc.Name)}
}

// CountMessages sums the token counts of every message content.
func CountMessages(b Backend, msgs []domain.ChatMessage) int {
	total := 0
	for _, m := range msgs {
		total += b.CountTokens(m.Content)
	}
	return total
}
