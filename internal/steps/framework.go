// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package steps

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ManifestFileName is the single normalized manifest form for framework
// plug-in directories.
const ManifestFileName = "framework.yaml"

// ErrUnknownCapability rejects a framework step whose type names no
// registered capability.
var ErrUnknownCapability = errors.New("unknown capability type")

var frameworkNameRegex = regexp.MustCompile(`^[a-z0-9_-]+$`)

// FrameworkManifest is the on-disk plug-in declaration.
type FrameworkManifest struct {
	Name    string         `yaml:"name"`
	Version string         `yaml:"version"`
	Steps   []ManifestStep `yaml:"steps"`
}

// ManifestStep declares one framework step bound to a capability.
type ManifestStep struct {
	Name         string         `yaml:"name"`
	Type         string         `yaml:"type"`
	Category     string         `yaml:"category,omitempty"`
	Prompt       string         `yaml:"prompt,omitempty"`
	Timeout      string         `yaml:"timeout,omitempty"`
	Dependencies []string       `yaml:"dependencies,omitempty"`
	Options      map[string]any `yaml:"options,omitempty"`
}

// frameworkExecutor wraps a capability executor with the manifest's
// option defaults; runtime options override them.
type frameworkExecutor struct {
	delegate Executor
	defaults map[string]any
}

func (f *frameworkExecutor) Execute(ctx context.Context, sc *Context, opts Options) (any, error) {
	opts.Values = mergeValues(f.defaults, opts.Values)
	return f.delegate.Execute(ctx, sc, opts)
}

// LoadFrameworks scans root for plug-in directories holding a
// framework.yaml and registers each valid framework's steps. A broken
// framework is rejected whole and reported; the others still load.
// Returns the names of the frameworks that registered.
func (r *Registry) LoadFrameworks(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read frameworks directory %s: %w", root, err)
	}

	var loaded []string
	var errs []error
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		manifest := filepath.Join(root, entry.Name(), ManifestFileName)
		if _, statErr := os.Stat(manifest); statErr != nil {
			continue
		}
		name, loadErr := r.LoadFramework(manifest)
		if loadErr != nil {
			getLog().Warn().Err(loadErr).Str("dir", entry.Name()).Msg("Framework rejected")
			errs = append(errs, fmt.Errorf("framework %s: %w", entry.Name(), loadErr))
			continue
		}
		loaded = append(loaded, name)
	}
	return loaded, errors.Join(errs...)
}

// LoadFramework reads one manifest, validates every declared step, then
// registers them under `<framework>.<name>`. Validation failures reject
// the whole framework; nothing is registered partially.
func (r *Registry) LoadFramework(manifestPath string) (string, error) {
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return "", fmt.Errorf("failed to read manifest: %w", err)
	}

	var manifest FrameworkManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return "", fmt.Errorf("failed to parse manifest: %w", err)
	}

	prepared, err := r.prepareFramework(&manifest)
	if err != nil {
		return "", err
	}

	registered := make([]string, 0, len(prepared))
	for _, p := range prepared {
		if err := r.Register(p.def, p.exec); err != nil {
			for _, key := range registered {
				r.unregister(key)
			}
			return "", err
		}
		registered = append(registered, p.def.Key)
	}

	getLog().Info().
		Str("framework", manifest.Name).
		Str("version", manifest.Version).
		Int("steps", len(registered)).
		Msg("Framework loaded")

	return manifest.Name, nil
}

type preparedStep struct {
	def  StepDefinition
	exec Executor
}

// prepareFramework validates the manifest shape and resolves every
// step's capability before anything registers.
func (r *Registry) prepareFramework(manifest *FrameworkManifest) ([]preparedStep, error) {
	if !frameworkNameRegex.MatchString(manifest.Name) {
		return nil, fmt.Errorf("invalid framework name %q", manifest.Name)
	}
	if len(manifest.Steps) == 0 {
		return nil, errors.New("manifest declares no steps")
	}

	prepared := make([]preparedStep, 0, len(manifest.Steps))
	for _, step := range manifest.Steps {
		if !frameworkNameRegex.MatchString(step.Name) {
			return nil, fmt.Errorf("invalid step name %q", step.Name)
		}

		capability, ok := r.executor(step.Type)
		if !ok {
			return nil, fmt.Errorf("%w: step %q declares type %q", ErrUnknownCapability, step.Name, step.Type)
		}

		var timeout time.Duration
		if step.Timeout != "" {
			var err error
			timeout, err = time.ParseDuration(step.Timeout)
			if err != nil {
				return nil, fmt.Errorf("step %q: invalid timeout %q: %w", step.Name, step.Timeout, err)
			}
		}

		category := step.Category
		if category == "" {
			category = manifest.Name
		}

		defaults := make(map[string]any, len(step.Options)+1)
		for k, v := range step.Options {
			defaults[k] = v
		}
		if step.Prompt != "" {
			defaults["prompt"] = step.Prompt
		}

		deps := make([]string, 0, len(step.Dependencies))
		for _, dep := range step.Dependencies {
			if !strings.Contains(dep, ".") {
				dep = manifest.Name + "." + dep
			}
			deps = append(deps, dep)
		}

		prepared = append(prepared, preparedStep{
			def: StepDefinition{
				Key:          manifest.Name + "." + step.Name,
				Category:     category,
				Timeout:      timeout,
				Dependencies: deps,
			},
			exec: &frameworkExecutor{delegate: capability, defaults: defaults},
		})
	}
	return prepared, nil
}

// executor returns the registered executor for key.
func (r *Registry) executor(key string) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.steps[key]
	if !ok {
		return nil, false
	}
	return reg.exec, true
}

// unregister removes a key; only used to roll back a partially
// registered framework.
func (r *Registry) unregister(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.steps, key)
}
