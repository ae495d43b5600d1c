package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/felipepmaragno/rag-gateway/internal/domain"
)

// ModelOverride adjusts one built-in model. Zero values leave the built-in
// setting untouched.
type ModelOverride struct {
	Name        string                  `yaml:"name"`
	Disabled    bool                    `yaml:"disabled"`
	DisplayName string                  `yaml:"displayName"`
	ContextSize int                     `yaml:"size"`
	EventStream *bool                   `yaml:"eventStream"`
	Bounds      *domain.ParameterBounds `yaml:"parameters"`
}

type Catalog struct {
	Models []ModelOverride `yaml:"models"`
}

// LoadCatalog reads the YAML catalog at path. An empty path yields an empty
// catalog.
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return &Catalog{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model catalog: %w", err)
	}
	return ParseCatalog(data)
}

func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse model catalog: %w", err)
	}
	for i, m := range c.Models {
		if m.Name == "" {
			return nil, fmt.Errorf("parse model catalog: entry %d has no name", i)
		}
		if m.ContextSize < 0 {
			return nil, fmt.Errorf("parse model catalog: %s: negative size", m.Name)
		}
	}
	return &c, nil
}

// Apply merges the override into desc.
func (m ModelOverride) Apply(desc *domain.ModelDescriptor) {
	if m.DisplayName != "" {
		desc.DisplayName = m.DisplayName
	}
	if m.ContextSize > 0 {
		desc.ContextSize = m.ContextSize
	}
	if m.EventStream != nil {
		desc.SupportsEventStream = *m.EventStream
	}
	if m.Bounds != nil {
		desc.Bounds = *m.Bounds
	}
}
