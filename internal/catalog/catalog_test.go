package catalog

import (
	"errors"
	"testing"

	"github.com/felipepmaragno/rag-gateway/internal/config"
	"github.com/felipepmaragno/rag-gateway/internal/domain"
	"github.com/felipepmaragno/rag-gateway/internal/provider/bedrock"
)

func testRegistryOptions() Options {
	return Options{Bedrock: bedrock.NewWithRuntime(nil)}
}

func TestDefault_RegistersEveryProvider(t *testing.T) {
	reg := Default(testRegistryOptions())

	seen := make(map[domain.Provider]int)
	for _, d := range reg.Descriptors() {
		seen[d.Provider]++
	}
	for _, p := range []domain.Provider{
		domain.ProviderAzureOpenAI,
		domain.ProviderGoogleVertex,
		domain.ProviderCohere,
		domain.ProviderBedrock,
	} {
		if seen[p] == 0 {
			t.Errorf("no model registered for %s", p)
		}
	}

	if _, ok := reg.Descriptor("GPT4-8K"); !ok {
		t.Error("GPT4-8K missing")
	}
}

func TestApply(t *testing.T) {
	reg := Default(testRegistryOptions())
	off := false

	err := Apply(reg, &config.Catalog{Models: []config.ModelOverride{
		{Name: "GPT4-8K", ContextSize: 8000, EventStream: &off},
		{Name: "Cohere-CommandXL-Beta", Disabled: true},
	}})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	d, _ := reg.Descriptor("GPT4-8K")
	if d.ContextSize != 8000 || d.SupportsEventStream {
		t.Errorf("override not applied: %+v", d)
	}
	if _, ok := reg.Descriptor("Cohere-CommandXL-Beta"); ok {
		t.Error("disabled model still registered")
	}
	for _, d := range reg.Descriptors() {
		if d.Name == "Cohere-CommandXL-Beta" {
			t.Error("disabled model still listed")
		}
	}
}

func TestApply_UnknownModel(t *testing.T) {
	reg := Default(testRegistryOptions())
	err := Apply(reg, &config.Catalog{Models: []config.ModelOverride{{Name: "Nope", ContextSize: 1}}})
	if !errors.Is(err, domain.ErrModelNotFound) {
		t.Errorf("error = %v, want ErrModelNotFound", err)
	}
}
