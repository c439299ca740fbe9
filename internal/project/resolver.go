// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package project resolves the workspace root for a working directory
// and derives the stable project identity used across the queue,
// analysis and persistence layers.
//
// Resolution precedence: explicit override, persisted cache by
// workspace path, live auto-detect with cache write-back.
package project

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/noldarim/conductor/internal/logger"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetProjectLogger()
		log = &l
	})
	return log
}

// Type classifies how the workspace root was recognised.
type Type string

const (
	TypeMonorepo   Type = "monorepo"
	TypeSingleRepo Type = "single_repo"
	TypeUnknown    Type = "unknown"
)

// Info is a resolved project root.
type Info struct {
	ProjectID     string `json:"projectId"`
	ProjectPath   string `json:"projectPath"`
	WorkspacePath string `json:"workspacePath"`
	Type          Type   `json:"type"`
}

// Cache persists resolved roots keyed by workspace path. Lookup
// returns nil, nil when the path has no cached entry.
type Cache interface {
	Lookup(ctx context.Context, workspacePath string) (*Info, error)
	Store(ctx context.Context, info *Info) error
}

// Subdirectory names that mark a directory as one half of a monorepo.
var monorepoSubdirs = map[string]bool{
	"backend":  true,
	"frontend": true,
	"client":   true,
	"server":   true,
	"api":      true,
	"app":      true,
	"web":      true,
	"mobile":   true,
}

// Markers that qualify a parent directory as a monorepo root.
var monorepoIndicators = []string{
	"package.json",
	".git",
	"lerna.json",
	"nx.json",
	"pnpm-workspace.yaml",
	"turbo.json",
}

// Markers that qualify a directory as a single-project root.
var singleRepoIndicators = []string{
	"package.json",
	"pyproject.toml",
	"Cargo.toml",
	"go.mod",
	"pom.xml",
	"build.gradle",
	"composer.json",
	"Gemfile",
}

var nonAlphanumeric = regexp.MustCompile(`[^a-z0-9]+`)

// DeriveID turns a project path into its canonical id: the lowercase
// basename with runs of non-alphanumerics collapsed to underscores.
func DeriveID(projectPath string) string {
	base := strings.ToLower(filepath.Base(projectPath))
	id := nonAlphanumeric.ReplaceAllString(base, "_")
	return strings.Trim(id, "_")
}

// Resolver answers Resolve calls. Safe for concurrent use.
type Resolver struct {
	mu       sync.RWMutex
	override *Info
	memo     map[string]*Info

	cache Cache
}

// NewResolver builds a resolver. cache may be nil; detection then
// memoizes in-process only.
func NewResolver(cache Cache) *Resolver {
	return &Resolver{
		cache: cache,
		memo:  make(map[string]*Info),
	}
}

// SetOverride pins resolution to a fixed root; every subsequent
// Resolve returns it regardless of the working directory. A nil info
// clears the override.
func (r *Resolver) SetOverride(info *Info) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.override = info
}

// Resolve determines the project root for cwd. The second call for the
// same cwd is served from cache without re-scanning the filesystem.
func (r *Resolver) Resolve(ctx context.Context, cwd string) (*Info, error) {
	r.mu.RLock()
	if r.override != nil {
		info := *r.override
		r.mu.RUnlock()
		return &info, nil
	}
	if cached, ok := r.memo[cwd]; ok {
		info := *cached
		r.mu.RUnlock()
		return &info, nil
	}
	r.mu.RUnlock()

	if r.cache != nil {
		cached, err := r.cache.Lookup(ctx, cwd)
		if err != nil {
			getLog().Warn().Err(err).Str("cwd", cwd).Msg("Project cache lookup failed")
		} else if cached != nil {
			r.remember(cwd, cached)
			info := *cached
			return &info, nil
		}
	}

	info := detect(cwd)
	r.remember(cwd, info)

	if r.cache != nil {
		if err := r.cache.Store(ctx, info); err != nil {
			getLog().Warn().Err(err).Str("project_id", info.ProjectID).Msg("Project cache write-back failed")
		}
	}

	getLog().Debug().
		Str("cwd", cwd).
		Str("project_path", info.ProjectPath).
		Str("project_id", info.ProjectID).
		Str("type", string(info.Type)).
		Msg("Project root resolved")

	out := *info
	return &out, nil
}

func (r *Resolver) remember(cwd string, info *Info) {
	r.mu.Lock()
	r.memo[cwd] = info
	r.mu.Unlock()
}

// detect walks the detection ladder: monorepo subdirectory, single-repo
// indicator in cwd, single-repo indicator one level up, then cwd itself.
func detect(cwd string) *Info {
	cwd = filepath.Clean(cwd)

	if root, ok := detectMonorepo(cwd); ok {
		return &Info{
			ProjectID:     DeriveID(root),
			ProjectPath:   root,
			WorkspacePath: cwd,
			Type:          TypeMonorepo,
		}
	}

	if hasAnyIndicator(cwd, singleRepoIndicators) {
		return &Info{
			ProjectID:     DeriveID(cwd),
			ProjectPath:   cwd,
			WorkspacePath: cwd,
			Type:          TypeSingleRepo,
		}
	}

	parent := filepath.Dir(cwd)
	if parent != cwd && hasAnyIndicator(parent, singleRepoIndicators) {
		return &Info{
			ProjectID:     DeriveID(parent),
			ProjectPath:   parent,
			WorkspacePath: cwd,
			Type:          TypeSingleRepo,
		}
	}

	return &Info{
		ProjectID:     DeriveID(cwd),
		ProjectPath:   cwd,
		WorkspacePath: cwd,
		Type:          TypeUnknown,
	}
}

// detectMonorepo recognises cwd as a well-known monorepo subdirectory
// whose parent holds at least two such subdirectories and at least one
// workspace indicator.
func detectMonorepo(cwd string) (string, bool) {
	base := filepath.Base(cwd)
	if !monorepoSubdirs[base] {
		return "", false
	}

	parent := filepath.Dir(cwd)
	if parent == cwd {
		return "", false
	}

	entries, err := os.ReadDir(parent)
	if err != nil {
		return "", false
	}

	subdirs := 0
	for _, entry := range entries {
		if entry.IsDir() && monorepoSubdirs[entry.Name()] {
			subdirs++
		}
	}
	if subdirs < 2 {
		return "", false
	}
	if !hasAnyIndicator(parent, monorepoIndicators) {
		return "", false
	}
	return parent, true
}

func hasAnyIndicator(dir string, indicators []string) bool {
	for _, name := range indicators {
		if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
			return true
		}
	}
	return false
}
