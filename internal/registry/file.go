package registry

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// File is the on-disk registry configuration.
//
//	trusted:
//	  - https://workflows.example.com/
//	aliases:
//	  greet: https://workflows.example.com/greet
//	schemas:
//	  greet:
//	    type: object
//	    required: [name]
type File struct {
	// Trusted lists URL prefixes remote workflows may be loaded from.
	Trusted []string `yaml:"trusted"`
	// Aliases maps a short workflow name to another reference.
	Aliases map[string]string `yaml:"aliases"`
	// Schemas maps a workflow reference to a JSON schema for its input.
	Schemas map[string]any `yaml:"schemas"`
}

// LoadFile reads and validates a registry file.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read registry file: %w", err)
	}
	return ParseFile(data)
}

// ParseFile decodes a registry document.
func ParseFile(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse registry file: %w", err)
	}
	for _, prefix := range f.Trusted {
		if !isRemote(prefix) {
			return nil, fmt.Errorf("trusted prefix %q is not an http(s) URL", prefix)
		}
	}
	for name, target := range f.Aliases {
		if strings.TrimSpace(name) == "" || strings.TrimSpace(target) == "" {
			return nil, fmt.Errorf("alias %q has an empty side", name)
		}
	}
	return &f, nil
}
