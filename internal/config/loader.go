package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads, schema-validates, unmarshals, defaults, and semantically
// validates a run configuration file. Any error here is fatal to the run:
// no worker starts on a configuration that failed to load.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse builds a Config from a raw YAML (or JSON) document. The document is
// checked against the embedded JSON Schema before unmarshaling so structural
// mistakes surface with field locations instead of type errors.
func Parse(data []byte) (*Config, error) {
	if err := validateDocument(data); err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
