package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Validates struct tags, then cross-field rules
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())

	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	if c.Analytics.Archive && c.Postgres.DSN == "" {
		return errors.New("analytics.archive requires postgres.dsn")
	}

	// Catches duplicate tiers, an unknown default tier and endpoint
	// policies that end up without a window
	if _, err := c.RateLimit.Registry(); err != nil {
		return fmt.Errorf("rate_limit: %w", err)
	}

	seen := make(map[string]struct{}, len(c.Gate.EndpointPrefixes))
	for _, p := range c.Gate.EndpointPrefixes {
		if strings.TrimSpace(p.Endpoint) == "" {
			return fmt.Errorf("gate.endpoint_prefixes: %q maps to an empty endpoint name", p.Prefix)
		}
		if _, dup := seen[p.Prefix]; dup {
			return fmt.Errorf("gate.endpoint_prefixes: duplicate prefix %q", p.Prefix)
		}
		seen[p.Prefix] = struct{}{}
	}

	return nil
}

// Converts validator errors into one actionable message
func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return err
	}

	msgs := make([]string, 0, len(validationErrors))
	for _, e := range validationErrors {
		msgs = append(msgs, formatSingleValidationError(e))
	}
	return errors.New(strings.Join(msgs, "; "))
}

func formatSingleValidationError(e validator.FieldError) string {
	// Config.RateLimit.Tiers[0].WindowMs -> RateLimit.Tiers[0].WindowMs
	field := strings.TrimPrefix(e.Namespace(), "Config.")

	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s], got %q", field, e.Param(), e.Value())
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", field, e.Param())
	case "gte", "min":
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "lte":
		return fmt.Sprintf("%s must be at most %s", field, e.Param())
	case "startswith":
		return fmt.Sprintf("%s must start with '%s'", field, e.Param())
	case "numeric":
		return fmt.Sprintf("%s must be numeric", field)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, e.Tag())
	}
}
