// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package validation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/noldarim/conductor/pkg/ide/models"
)

func validConfig() models.InstanceConfig {
	return models.InstanceConfig{
		Name:          "cursor-main",
		Kind:          models.KindCursor,
		Image:         "noldarim/cursor-ide:latest",
		DebugPort:     9222,
		WorkspacePath: "/home/dev/projects/api",
	}
}

func TestValidateInstanceConfig(t *testing.T) {
	tests := []struct {
		name          string
		mutate        func(*models.InstanceConfig)
		expectError   bool
		errorContains string
	}{
		{
			name:        "valid config",
			mutate:      func(c *models.InstanceConfig) {},
			expectError: false,
		},
		{
			name: "valid config with labels and environment",
			mutate: func(c *models.InstanceConfig) {
				c.Labels = map[string]string{"conductor.project.id": "proj-1"}
				c.Environment = map[string]string{"IDE_THEME": "dark"}
			},
			expectError: false,
		},
		{
			name:          "missing name",
			mutate:        func(c *models.InstanceConfig) { c.Name = "" },
			expectError:   true,
			errorContains: "name: is required",
		},
		{
			name:          "name with leading dash",
			mutate:        func(c *models.InstanceConfig) { c.Name = "-cursor" },
			expectError:   true,
			errorContains: "must start with a letter or digit",
		},
		{
			name:          "name with spaces",
			mutate:        func(c *models.InstanceConfig) { c.Name = "cursor main" },
			expectError:   true,
			errorContains: "must start with a letter or digit",
		},
		{
			name:          "missing image",
			mutate:        func(c *models.InstanceConfig) { c.Image = "" },
			expectError:   true,
			errorContains: "image: is required",
		},
		{
			name:          "unknown kind",
			mutate:        func(c *models.InstanceConfig) { c.Kind = "emacs" },
			expectError:   true,
			errorContains: "not a supported IDE kind",
		},
		{
			name:        "empty kind is allowed",
			mutate:      func(c *models.InstanceConfig) { c.Kind = "" },
			expectError: false,
		},
		{
			name:          "privileged debug port",
			mutate:        func(c *models.InstanceConfig) { c.DebugPort = 80 },
			expectError:   true,
			errorContains: "must be between 1024 and 65535",
		},
		{
			name:          "debug port above range",
			mutate:        func(c *models.InstanceConfig) { c.DebugPort = 70000 },
			expectError:   true,
			errorContains: "must be between 1024 and 65535",
		},
		{
			name:          "missing workspace path",
			mutate:        func(c *models.InstanceConfig) { c.WorkspacePath = "" },
			expectError:   true,
			errorContains: "workspace path: is required",
		},
		{
			name:          "relative workspace path",
			mutate:        func(c *models.InstanceConfig) { c.WorkspacePath = "projects/api" },
			expectError:   true,
			errorContains: "must be an absolute path",
		},
		{
			name: "invalid label key",
			mutate: func(c *models.InstanceConfig) {
				c.Labels = map[string]string{"INVALID.KEY": "value"}
			},
			expectError:   true,
			errorContains: "must be a valid DNS subdomain",
		},
		{
			name: "reserved environment variable",
			mutate: func(c *models.InstanceConfig) {
				c.Environment = map[string]string{"PATH": "/evil"}
			},
			expectError:   true,
			errorContains: "reserved environment variable",
		},
		{
			name: "multiple violations aggregate",
			mutate: func(c *models.InstanceConfig) {
				c.Name = ""
				c.Image = ""
			},
			expectError:   true,
			errorContains: "multiple validation errors",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := validConfig()
			tt.mutate(&config)

			err := ValidateInstanceConfig(config)
			if tt.expectError {
				assert.Error(t, err)
				if tt.errorContains != "" {
					assert.Contains(t, err.Error(), tt.errorContains)
				}
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateLabels(t *testing.T) {
	tests := []struct {
		name          string
		labels        map[string]string
		expectError   bool
		errorContains string
	}{
		{
			name: "valid labels",
			labels: map[string]string{
				"conductor.ide":           "true",
				"conductor.ide.kind":      "cursor",
				"conductor.ide.workspace": "/home/dev/api",
			},
			expectError: false,
		},
		{
			name: "invalid label key with uppercase",
			labels: map[string]string{
				"INVALID.KEY": "value",
			},
			expectError:   true,
			errorContains: "must be a valid DNS subdomain",
		},
		{
			name: "label value with null byte",
			labels: map[string]string{
				"valid.key": "value\x00with\x00nulls",
			},
			expectError:   true,
			errorContains: "contains null bytes",
		},
		{
			name: "label value with control characters",
			labels: map[string]string{
				"valid.key": "value\x01with\x02control",
			},
			expectError:   true,
			errorContains: "contains control characters",
		},
		{
			name: "label value too long",
			labels: map[string]string{
				"valid.key": strings.Repeat("a", 4097),
			},
			expectError:   true,
			errorContains: "exceeds maximum length",
		},
		{
			name: "label key segment too long",
			labels: map[string]string{
				strings.Repeat("a", 64) + ".key": "value",
			},
			expectError:   true,
			errorContains: "segment exceeds 63 character limit",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateLabels(tt.labels)
			if tt.expectError {
				assert.Error(t, err)
				if tt.errorContains != "" {
					assert.Contains(t, err.Error(), tt.errorContains)
				}
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateEnvironmentVariables(t *testing.T) {
	tests := []struct {
		name          string
		env           map[string]string
		expectError   bool
		errorContains string
	}{
		{
			name: "valid environment",
			env: map[string]string{
				"IDE_THEME":   "dark",
				"_DEBUG_MODE": "1",
			},
			expectError: false,
		},
		{
			name: "lowercase name",
			env: map[string]string{
				"ide_theme": "dark",
			},
			expectError:   true,
			errorContains: "must start with a letter or underscore",
		},
		{
			name: "name starting with digit",
			env: map[string]string{
				"1THEME": "dark",
			},
			expectError:   true,
			errorContains: "must start with a letter or underscore",
		},
		{
			name: "reserved name",
			env: map[string]string{
				"HOME": "/tmp",
			},
			expectError:   true,
			errorContains: "is a reserved environment variable name",
		},
		{
			name: "value with null byte",
			env: map[string]string{
				"IDE_THEME": "dark\x00",
			},
			expectError:   true,
			errorContains: "contains null bytes",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateEnvironmentVariables(tt.env)
			if tt.expectError {
				assert.Error(t, err)
				if tt.errorContains != "" {
					assert.Contains(t, err.Error(), tt.errorContains)
				}
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidationErrors(t *testing.T) {
	t.Run("empty errors", func(t *testing.T) {
		var errs ValidationErrors
		assert.Equal(t, "no validation errors", errs.Error())
	})

	t.Run("single error", func(t *testing.T) {
		errs := ValidationErrors{
			{Field: "name", Message: "is required"},
		}
		assert.Equal(t, "validation error for name: is required", errs.Error())
	})

	t.Run("multiple errors", func(t *testing.T) {
		errs := ValidationErrors{
			{Field: "name", Message: "is required"},
			{Field: "image", Message: "is required"},
		}
		msg := errs.Error()
		assert.Contains(t, msg, "multiple validation errors")
		assert.Contains(t, msg, "validation error for name: is required")
		assert.Contains(t, msg, "validation error for image: is required")
	})
}
