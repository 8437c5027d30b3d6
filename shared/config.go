package shared

import (
	"fmt"
	"os"

	"github.com/goccy/go-yaml"
)

// LoadYAML decodes the YAML file at path into out. Fields missing from the
// file keep whatever out already holds, so callers pass pre-filled defaults.
func LoadYAML(path string, out any) error {
	if out == nil {
		return ErrNoConfig
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding config file %s: %w", path, err)
	}
	return nil
}

func DumpYAML(v any) (string, error) {
	b, err := yaml.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encoding yaml: %w", err)
	}
	return string(b), nil
}
