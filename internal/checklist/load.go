package checklist

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultStructure []byte

// Parse decodes a YAML call structure and validates it. Unknown fields are
// rejected.
func Parse(data []byte) (*Structure, error) {
	var doc document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return New(nil)
		}
		return nil, fmt.Errorf("%w: %v", ErrConfigurationInvalid, err)
	}
	return New(doc.Stages)
}

// Load reads and parses the call structure at path.
func Load(path string) (*Structure, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read call structure: %w", err)
	}
	s, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// Default returns the built-in trial-class call structure.
func Default() *Structure {
	s, err := Parse(defaultStructure)
	if err != nil {
		panic(fmt.Sprintf("checklist: built-in structure invalid: %v", err))
	}
	return s
}
