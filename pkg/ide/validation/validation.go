// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package validation

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/noldarim/conductor/pkg/ide/models"
)

// validNameRegex matches valid Docker container names
var validNameRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)

// validLabelKeyRegex matches valid Docker label keys
// Docker label keys should follow DNS subdomain format
var validLabelKeyRegex = regexp.MustCompile(`^[a-z0-9]([a-z0-9\-\.]*[a-z0-9])?(\.[a-z0-9]([a-z0-9\-\.]*[a-z0-9])?)*$`)

// validEnvVarNameRegex matches valid environment variable names
var validEnvVarNameRegex = regexp.MustCompile(`^[A-Z_][A-Z0-9_]*$`)

// ValidationError represents a validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for %s: %s", e.Field, e.Message)
}

// ValidationErrors represents multiple validation errors
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	var messages []string
	for _, err := range e {
		messages = append(messages, err.Error())
	}
	return fmt.Sprintf("multiple validation errors: %s", strings.Join(messages, "; "))
}

// ValidateInstanceConfig checks an instance configuration before it is
// handed to Docker. It aggregates every violation instead of stopping at
// the first one.
func ValidateInstanceConfig(config models.InstanceConfig) error {
	var errors ValidationErrors

	if config.Name == "" {
		errors = append(errors, ValidationError{
			Field:   "name",
			Message: "is required",
		})
	} else if !validNameRegex.MatchString(config.Name) {
		errors = append(errors, ValidationError{
			Field:   fmt.Sprintf("name '%s'", config.Name),
			Message: "must start with a letter or digit and contain only letters, digits, underscores, dots, and hyphens",
		})
	}

	if config.Image == "" {
		errors = append(errors, ValidationError{
			Field:   "image",
			Message: "is required",
		})
	}

	if config.Kind != "" && !models.KnownKind(config.Kind) {
		errors = append(errors, ValidationError{
			Field:   fmt.Sprintf("kind '%s'", config.Kind),
			Message: "is not a supported IDE kind",
		})
	}

	// Privileged ports need root on the host; the debug port is always
	// user-range.
	if config.DebugPort < 1024 || config.DebugPort > 65535 {
		errors = append(errors, ValidationError{
			Field:   fmt.Sprintf("debug port %d", config.DebugPort),
			Message: "must be between 1024 and 65535",
		})
	}

	if config.WorkspacePath == "" {
		errors = append(errors, ValidationError{
			Field:   "workspace path",
			Message: "is required",
		})
	} else if !filepath.IsAbs(config.WorkspacePath) {
		errors = append(errors, ValidationError{
			Field:   fmt.Sprintf("workspace path '%s'", config.WorkspacePath),
			Message: "must be an absolute path",
		})
	}

	errors = appendErrors(errors, ValidateLabels(config.Labels))
	errors = appendErrors(errors, ValidateEnvironmentVariables(config.Environment))

	if len(errors) > 0 {
		return errors
	}
	return nil
}

// ValidateLabels validates a map of container labels
func ValidateLabels(labels map[string]string) error {
	var errors ValidationErrors

	for key, value := range labels {
		if !validLabelKeyRegex.MatchString(key) {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("label key '%s'", key),
				Message: "must be a valid DNS subdomain (lowercase letters, numbers, dots, and hyphens only)",
			})
			continue
		}

		// Docker limits each key segment to 63 characters
		segments := strings.Split(key, ".")
		for _, segment := range segments {
			if len(segment) > 63 {
				errors = append(errors, ValidationError{
					Field:   fmt.Sprintf("label key '%s'", key),
					Message: "segment exceeds 63 character limit",
				})
				break
			}
		}

		if err := validateStringValue(value, fmt.Sprintf("label value for key '%s'", key)); err != nil {
			errors = append(errors, *err)
		}
	}

	if len(errors) > 0 {
		return errors
	}
	return nil
}

// ValidateEnvironmentVariables validates a map of environment variables
func ValidateEnvironmentVariables(env map[string]string) error {
	var errors ValidationErrors

	for name, value := range env {
		if !validEnvVarNameRegex.MatchString(name) {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("environment variable '%s'", name),
				Message: "must start with a letter or underscore and contain only uppercase letters, numbers, and underscores",
			})
			continue
		}

		if isReservedEnvVar(name) {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("environment variable '%s'", name),
				Message: "is a reserved environment variable name",
			})
			continue
		}

		if err := validateStringValue(value, fmt.Sprintf("environment variable value for '%s'", name)); err != nil {
			errors = append(errors, *err)
		}
	}

	if len(errors) > 0 {
		return errors
	}
	return nil
}

func appendErrors(errors ValidationErrors, err error) ValidationErrors {
	if err == nil {
		return errors
	}
	if verrs, ok := err.(ValidationErrors); ok {
		return append(errors, verrs...)
	}
	if verr, ok := err.(ValidationError); ok {
		return append(errors, verr)
	}
	return append(errors, ValidationError{Field: "config", Message: err.Error()})
}

// validateStringValue performs common string validation
func validateStringValue(value, fieldName string) *ValidationError {
	// Null bytes end strings early in C-based tooling
	if strings.Contains(value, "\x00") {
		return &ValidationError{
			Field:   fieldName,
			Message: "contains null bytes",
		}
	}

	// Control characters other than tab, LF, and CR
	for _, r := range value {
		if r < 32 && r != 9 && r != 10 && r != 13 {
			return &ValidationError{
				Field:   fieldName,
				Message: "contains control characters",
			}
		}
	}

	if len(value) > 4096 {
		return &ValidationError{
			Field:   fieldName,
			Message: "exceeds maximum length of 4096 characters",
		}
	}

	return nil
}

// isReservedEnvVar checks if an environment variable name is reserved
func isReservedEnvVar(name string) bool {
	reserved := map[string]bool{
		"PATH":     true,
		"HOME":     true,
		"USER":     true,
		"SHELL":    true,
		"PWD":      true,
		"OLDPWD":   true,
		"HOSTNAME": true,
		"IFS":      true,
		"PS1":      true,
		"PS2":      true,
		"TERM":     true,
		"LANG":     true,
		"LC_ALL":   true,
		"TZ":       true,
	}
	return reserved[name]
}
