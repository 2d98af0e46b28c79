package config

import "fmt"

// ProcessConfigPipeline applies defaults and validates cfg after strict
// structural validation and unmarshal have already succeeded. The
// teacher's equivalent pipeline also expands inline provider configs and
// fans defaults out across per-agent maps; this schema has no nested
// provider references to expand, so the pipeline reduces to default
// population followed by validation.
func ProcessConfigPipeline(cfg *Config) (*Config, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}
