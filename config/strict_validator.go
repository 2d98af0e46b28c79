package config

import (
	"fmt"
	"strings"

	"github.com/knadh/koanf/v2"
	"github.com/mitchellh/mapstructure"
)

// ValidationSeverity indicates whether an issue is an error or warning.
type ValidationSeverity string

const (
	SeverityError   ValidationSeverity = "error"
	SeverityWarning ValidationSeverity = "warning"
)

// FieldError represents a validation error for a specific field.
type FieldError struct {
	Field    string
	Message  string
	Severity ValidationSeverity
}

// StrictValidationResult contains validation errors from strict unmarshaling.
type StrictValidationResult struct {
	UnknownFields []FieldError
	TypeErrors    []FieldError
}

// Valid returns true if there are no validation errors.
func (r *StrictValidationResult) Valid() bool {
	return len(r.UnknownFields) == 0 && len(r.TypeErrors) == 0
}

// FormatErrors returns a human-readable error message.
func (r *StrictValidationResult) FormatErrors() string {
	if r.Valid() {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("configuration validation errors:\n")
	for _, f := range r.UnknownFields {
		sb.WriteString(fmt.Sprintf("  unknown field: %s: %s\n", f.Field, f.Message))
	}
	for _, f := range r.TypeErrors {
		sb.WriteString(fmt.Sprintf("  type error: %s: %s\n", f.Field, f.Message))
	}
	return sb.String()
}

// ValidateConfigStructure decodes the koanf tree into Config with
// ErrorUnused set, catching typos and misnested keys before the real
// unmarshal runs. Unlike a plain koanf.UnmarshalWithConf pass, a decode
// error here is classified into unknown-field vs type-mismatch buckets so
// the caller can report both kinds instead of failing on the first one.
func ValidateConfigStructure(k *koanf.Koanf) (*StrictValidationResult, error) {
	result := &StrictValidationResult{}

	cfg := &Config{}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:      cfg,
		ErrorUnused: true,
		TagName:     "yaml",
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}

	if err := decoder.Decode(k.Raw()); err != nil {
		collectValidationErrors(err, result)
	}

	return result, nil
}

func collectValidationErrors(err error, result *StrictValidationResult) {
	errStr := err.Error()
	switch {
	case strings.Contains(errStr, "has invalid keys:"), strings.Contains(errStr, "invalid keys:"):
		result.UnknownFields = append(result.UnknownFields, FieldError{
			Field: "config", Message: errStr, Severity: SeverityError,
		})
	default:
		result.TypeErrors = append(result.TypeErrors, FieldError{
			Field: "config", Message: errStr, Severity: SeverityError,
		})
	}
}
