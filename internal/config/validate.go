package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// global validator instance
var validate = validator.New()

// Validate checks the loaded configuration. It is called once at process start so that a bad
// limit or URL fails fast instead of surfacing on the first dispatch.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return err
	}

	messages := make([]string, 0, len(validationErrors))
	for _, e := range validationErrors {
		messages = append(messages, fmt.Sprintf("%s: failed on rule '%s' (value: '%v')", fieldPath(e.Namespace()), e.Tag(), e.Value()))
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(messages, "; "))
}

// fieldPath drops the root struct name from a validator namespace, "Config.RateLimit.OnError"
// becomes "RateLimit.OnError"
func fieldPath(namespace string) string {
	if _, rest, found := strings.Cut(namespace, "."); found {
		return rest
	}
	return namespace
}
