package llm

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// modelsFile is the on-disk model table:
//
//	models:
//	  - id: gpt-4o
//	    display_name: GPT-4o
//	    max_tokens: 128000
//	    supports_streaming: true
//	    family: openai
type modelsFile struct {
	Models []ProviderDescriptor `yaml:"models"`
}

// LoadModels reads a YAML model table and validates it.
func LoadModels(path string) ([]ProviderDescriptor, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve models file: %w", err)
	}
	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("read models file %q: %w", absPath, err)
	}
	return ParseModels(data)
}

// ParseModels decodes a YAML model table. Unknown keys are rejected.
func ParseModels(data []byte) ([]ProviderDescriptor, error) {
	var f modelsFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("parse models file: %w", err)
	}
	if len(f.Models) == 0 {
		return nil, errors.New("models file: at least one model must be configured")
	}

	seen := make(map[string]bool, len(f.Models))
	for i, m := range f.Models {
		id := strings.ToLower(strings.TrimSpace(m.ModelID))
		if id == "" {
			return nil, fmt.Errorf("models file: entry %d has no id", i)
		}
		if seen[id] {
			return nil, fmt.Errorf("models file: duplicate id %q", m.ModelID)
		}
		seen[id] = true

		switch m.Family {
		case FamilyMock, FamilyDirect, FamilyWorkflow:
		default:
			return nil, fmt.Errorf("models file: %s: unknown family %q", m.ModelID, m.Family)
		}
		if m.DisplayName == "" {
			f.Models[i].DisplayName = m.ModelID
		}
	}
	return f.Models, nil
}
