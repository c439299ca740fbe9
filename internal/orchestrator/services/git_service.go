// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package services hosts the collaborators the orchestrator wires
// behind the workflow capabilities: the git runner, the task service
// and the chat relay.
package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/noldarim/conductor/internal/config"
	"github.com/noldarim/conductor/internal/logger"
	"github.com/noldarim/conductor/internal/protocol"
	"github.com/noldarim/conductor/internal/steps"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetGitLogger().With().Str("component", "service").Logger()
		log = &l
	})
	return log
}

// Security constants for validation
const (
	maxPathLength       = 4096
	maxBranchNameLength = 250
)

// Safe branch name pattern: alphanumeric, hyphens, underscores, forward slashes
var branchNameRegex = regexp.MustCompile(`^[a-zA-Z0-9/_-]+$`)

// Allowed git operations for security
var allowedGitOperations = map[string]bool{
	"status":    true,
	"branch":    true,
	"checkout":  true,
	"pull":      true,
	"merge":     true,
	"diff":      true,
	"rev-parse": true,
}

// GitService shells out to git for project repositories. Every
// operation validates its arguments against an allow-list before the
// command is built, and every completed mutating operation publishes
// the matching git:<op>:completed event.
type GitService struct {
	cfg config.GitConfig
	bus Publisher
}

var _ steps.GitAdapter = (*GitService)(nil)

// NewGitService creates a git service. bus may be nil; events are then
// dropped.
func NewGitService(cfg config.GitConfig, bus Publisher) *GitService {
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 30 * time.Second
	}
	return &GitService{cfg: cfg, bus: bus}
}

// Security validation functions

// validateRepoPath validates and canonicalizes repository paths
func (gs *GitService) validateRepoPath(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("repository path cannot be empty")
	}

	if len(path) > maxPathLength {
		return "", fmt.Errorf("repository path too long: %d characters (max: %d)", len(path), maxPathLength)
	}

	// Get absolute path
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to get absolute path: %w", err)
	}

	// Check for directory traversal before cleaning
	if strings.Contains(path, "..") {
		return "", fmt.Errorf("path contains invalid directory traversal")
	}

	return filepath.Clean(absPath), nil
}

// validateBranchName validates branch names for security
func validateBranchName(name string) error {
	if name == "" {
		return fmt.Errorf("branch name cannot be empty")
	}

	if len(name) > maxBranchNameLength {
		return fmt.Errorf("branch name too long: %d characters (max: %d)", len(name), maxBranchNameLength)
	}

	// Reject names that start with special characters (check first for better error messages)
	if strings.HasPrefix(name, "-") || strings.HasPrefix(name, ".") {
		return fmt.Errorf("branch name cannot start with '-' or '.'")
	}

	// Check for dangerous characters
	if !branchNameRegex.MatchString(name) {
		return fmt.Errorf("branch name contains invalid characters: %s", name)
	}

	return nil
}

// getSafeEnvironment returns a minimal, safe environment for git commands
func (gs *GitService) getSafeEnvironment() []string {
	return []string{
		"HOME=" + os.Getenv("HOME"),
		"USER=" + os.Getenv("USER"),
		"PATH=" + os.Getenv("PATH"),
		"LANG=" + os.Getenv("LANG"),
		"LC_ALL=" + os.Getenv("LC_ALL"),
		// Git-specific environment variables
		"GIT_TERMINAL_PROMPT=0", // Disable interactive prompts
		"GIT_ASKPASS=",          // Disable password prompts
	}
}

// buildSafeGitCommand builds a git command with security validations
func (gs *GitService) buildSafeGitCommand(ctx context.Context, workDir string, args ...string) (*exec.Cmd, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("no git command specified")
	}

	// Validate the git operation
	operation := args[0]
	if !allowedGitOperations[operation] {
		return nil, fmt.Errorf("git operation not allowed: %s", operation)
	}

	// Validate working directory
	validatedWorkDir, err := gs.validateRepoPath(workDir)
	if err != nil {
		return nil, fmt.Errorf("invalid working directory: %w", err)
	}

	// Log the operation for security monitoring
	getLog().Debug().Str("operation", operation).Strs("args", args).Str("work_dir", validatedWorkDir).Msg("Git operation")

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = validatedWorkDir
	cmd.Env = gs.getSafeEnvironment()

	return cmd, nil
}

// runSafeGitCommand executes a git command with security validations and timeout
func (gs *GitService) runSafeGitCommand(ctx context.Context, workDir string, args ...string) error {
	ctx, cancel := context.WithTimeout(ctx, gs.cfg.CommandTimeout)
	defer cancel()

	cmd, err := gs.buildSafeGitCommand(ctx, workDir, args...)
	if err != nil {
		return err
	}

	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("git command failed: %s, output: %s", err, string(output))
	}

	return nil
}

// runGitOutput executes a git command and returns its stdout
func (gs *GitService) runGitOutput(ctx context.Context, workDir string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, gs.cfg.CommandTimeout)
	defer cancel()

	cmd, err := gs.buildSafeGitCommand(ctx, workDir, args...)
	if err != nil {
		return "", err
	}

	output, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && len(exitErr.Stderr) > 0 {
			return "", fmt.Errorf("git %s failed: %s", args[0], strings.TrimSpace(string(exitErr.Stderr)))
		}
		return "", fmt.Errorf("git %s failed: %w", args[0], err)
	}

	return string(output), nil
}

// Operations

// Status reports a condensed porcelain snapshot of the repository and
// publishes git:status:completed.
func (gs *GitService) Status(ctx context.Context, repoPath string) (*protocol.GitStatus, error) {
	status, err := gs.readStatus(ctx, repoPath)
	if err != nil {
		return nil, err
	}

	gs.publish(ctx, protocol.TopicGitStatusCompleted, protocol.GitPayload{
		ProjectPath: repoPath,
		Branch:      status.Branch,
		Status:      status,
	})
	return status, nil
}

// Branches lists local branch names.
func (gs *GitService) Branches(ctx context.Context, repoPath string) ([]string, error) {
	output, err := gs.runGitOutput(ctx, repoPath, "branch", "--format=%(refname:short)")
	if err != nil {
		return nil, err
	}

	var branches []string
	for _, line := range strings.Split(output, "\n") {
		if name := strings.TrimSpace(line); name != "" {
			branches = append(branches, name)
		}
	}
	return branches, nil
}

// Checkout switches the repository to the named branch and publishes
// git:checkout:completed.
func (gs *GitService) Checkout(ctx context.Context, repoPath, branch string) error {
	if err := validateBranchName(branch); err != nil {
		return err
	}

	if err := gs.runSafeGitCommand(ctx, repoPath, "checkout", branch); err != nil {
		return err
	}

	getLog().Info().Str("repo_path", repoPath).Str("branch", branch).Msg("Checked out branch")
	gs.publish(ctx, protocol.TopicGitCheckoutCompleted, protocol.GitPayload{
		ProjectPath: repoPath,
		Branch:      branch,
	})
	return nil
}

// Pull fast-forwards the current branch from its upstream and publishes
// git:pull:completed with a refreshed status.
func (gs *GitService) Pull(ctx context.Context, repoPath string) error {
	if err := gs.runSafeGitCommand(ctx, repoPath, "pull", "--ff-only"); err != nil {
		return err
	}

	getLog().Info().Str("repo_path", repoPath).Msg("Pulled from upstream")
	gs.publishWithStatus(ctx, protocol.TopicGitPullCompleted, repoPath, "")
	return nil
}

// Merge merges the named branch into the current branch and publishes
// git:merge:completed with a refreshed status.
func (gs *GitService) Merge(ctx context.Context, repoPath, branch string) error {
	if err := validateBranchName(branch); err != nil {
		return err
	}

	if err := gs.runSafeGitCommand(ctx, repoPath, "merge", "--no-edit", branch); err != nil {
		return err
	}

	getLog().Info().Str("repo_path", repoPath).Str("branch", branch).Msg("Merged branch")
	gs.publishWithStatus(ctx, protocol.TopicGitMergeCompleted, repoPath, branch)
	return nil
}

// CreateBranch creates a branch named name. When from is non-empty the
// branch starts there instead of at HEAD. Publishes git:branch:created
// with a refreshed status.
func (gs *GitService) CreateBranch(ctx context.Context, repoPath, name, from string) error {
	if err := validateBranchName(name); err != nil {
		return err
	}

	args := []string{"branch", name}
	if from != "" {
		if err := validateBranchName(from); err != nil {
			return fmt.Errorf("invalid start point: %w", err)
		}
		args = append(args, from)
	}

	if err := gs.runSafeGitCommand(ctx, repoPath, args...); err != nil {
		return err
	}

	getLog().Info().Str("repo_path", repoPath).Str("branch", name).Msg("Created branch")
	gs.publishWithStatus(ctx, protocol.TopicGitBranchCreated, repoPath, name)
	return nil
}

// Compare returns the three-dot diff between base and head: the changes
// head introduces since it diverged from base.
func (gs *GitService) Compare(ctx context.Context, repoPath, base, head string) (string, error) {
	if err := validateBranchName(base); err != nil {
		return "", fmt.Errorf("invalid base: %w", err)
	}
	if err := validateBranchName(head); err != nil {
		return "", fmt.Errorf("invalid head: %w", err)
	}

	return gs.runGitOutput(ctx, repoPath, "diff", base+"..."+head)
}

// CurrentBranch returns the branch the repository currently has checked
// out.
func (gs *GitService) CurrentBranch(ctx context.Context, repoPath string) (string, error) {
	output, err := gs.runGitOutput(ctx, repoPath, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(output), nil
}

// Helpers

func (gs *GitService) readStatus(ctx context.Context, repoPath string) (*protocol.GitStatus, error) {
	output, err := gs.runGitOutput(ctx, repoPath, "status", "--porcelain=v2", "--branch")
	if err != nil {
		return nil, err
	}
	return parsePorcelainStatus(output), nil
}

// parsePorcelainStatus parses `git status --porcelain=v2 --branch`
// output. Entry types: "1" ordinary changes, "2" renames/copies,
// "u" unmerged, "?" untracked.
func parsePorcelainStatus(output string) *protocol.GitStatus {
	status := &protocol.GitStatus{}

	for _, line := range strings.Split(output, "\n") {
		switch {
		case strings.HasPrefix(line, "# branch.head "):
			status.Branch = strings.TrimPrefix(line, "# branch.head ")
		case strings.HasPrefix(line, "# branch.ab "):
			fmt.Sscanf(line, "# branch.ab +%d -%d", &status.Ahead, &status.Behind)
		case strings.HasPrefix(line, "1 "):
			parts := strings.SplitN(line, " ", 9)
			if len(parts) == 9 {
				recordChange(status, parts[1], parts[8])
			}
		case strings.HasPrefix(line, "2 "):
			parts := strings.SplitN(line, " ", 10)
			if len(parts) == 10 {
				// Rename entries carry "<path>\t<origPath>"
				path, _, _ := strings.Cut(parts[9], "\t")
				recordChange(status, parts[1], path)
			}
		case strings.HasPrefix(line, "u "):
			parts := strings.SplitN(line, " ", 11)
			if len(parts) == 11 {
				status.Modified = append(status.Modified, parts[10])
			}
		case strings.HasPrefix(line, "? "):
			status.Untracked = append(status.Untracked, strings.TrimPrefix(line, "? "))
		}
	}

	status.Clean = len(status.Staged) == 0 && len(status.Modified) == 0 && len(status.Untracked) == 0
	return status
}

// recordChange files a porcelain XY pair under staged and/or modified.
func recordChange(status *protocol.GitStatus, xy, path string) {
	if len(xy) != 2 {
		return
	}
	if xy[0] != '.' {
		status.Staged = append(status.Staged, path)
	}
	if xy[1] != '.' {
		status.Modified = append(status.Modified, path)
	}
}

func (gs *GitService) publish(ctx context.Context, topic string, p protocol.GitPayload) {
	if gs.bus == nil {
		return
	}
	gs.bus.Publish(ctx, protocol.NewGitOperationCompletedEvent(topic, p))
}

// publishWithStatus attaches a refreshed status snapshot to the event.
// A failed refresh downgrades to a payload without status rather than
// failing the completed operation.
func (gs *GitService) publishWithStatus(ctx context.Context, topic, repoPath, branch string) {
	p := protocol.GitPayload{ProjectPath: repoPath, Branch: branch}
	if status, err := gs.readStatus(ctx, repoPath); err != nil {
		getLog().Warn().Err(err).Str("repo_path", repoPath).Msg("Failed to refresh status after git operation")
	} else {
		p.Status = status
		if p.Branch == "" {
			p.Branch = status.Branch
		}
	}
	gs.publish(ctx, topic, p)
}
