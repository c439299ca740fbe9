// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package services

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noldarim/conductor/internal/config"
	"github.com/noldarim/conductor/internal/protocol"
)

// capturingBus records published events for assertions.
type capturingBus struct {
	mu     sync.Mutex
	events []protocol.Event
}

func (c *capturingBus) Publish(_ context.Context, evt protocol.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
}

func (c *capturingBus) byTopic(topic string) []protocol.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []protocol.Event
	for _, evt := range c.events {
		if evt.Topic == topic {
			out = append(out, evt)
		}
	}
	return out
}

func newTestGitService() (*GitService, *capturingBus) {
	bus := &capturingBus{}
	cfg := config.GitConfig{DefaultBranch: "main", CommandTimeout: 30 * time.Second}
	return NewGitService(cfg, bus), bus
}

// runGit executes git directly for test fixtures, bypassing the
// service's allow-list.
func runGit(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	output, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v failed: %s", args, output)
	return string(output)
}

func writeRepoFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
}

// initRepo creates a git repository on branch main with one commit.
func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	runGit(t, dir, "init")
	runGit(t, dir, "checkout", "-b", "main")
	runGit(t, dir, "config", "user.email", "dev@example.com")
	runGit(t, dir, "config", "user.name", "Dev")
	runGit(t, dir, "config", "commit.gpgsign", "false")
	writeRepoFile(t, dir, "README.md", "hello\n")
	runGit(t, dir, "add", ".")
	runGit(t, dir, "commit", "-m", "initial commit")
	return dir
}

func commitFile(t *testing.T, dir, name, content, message string) {
	t.Helper()
	writeRepoFile(t, dir, name, content)
	runGit(t, dir, "add", name)
	runGit(t, dir, "commit", "-m", message)
}

func TestGitService_StatusCleanRepo(t *testing.T) {
	repo := initRepo(t)
	svc, bus := newTestGitService()
	ctx := context.Background()

	status, err := svc.Status(ctx, repo)
	require.NoError(t, err)
	assert.Equal(t, "main", status.Branch)
	assert.True(t, status.Clean)
	assert.Empty(t, status.Modified)
	assert.Empty(t, status.Staged)
	assert.Empty(t, status.Untracked)

	events := bus.byTopic(protocol.TopicGitStatusCompleted)
	require.Len(t, events, 1)
	payload, ok := events[0].Payload.(protocol.GitPayload)
	require.True(t, ok)
	assert.Equal(t, repo, payload.ProjectPath)
	require.NotNil(t, payload.Status)
	assert.True(t, payload.Status.Clean)
}

func TestGitService_StatusDirtyRepo(t *testing.T) {
	repo := initRepo(t)
	svc, _ := newTestGitService()
	ctx := context.Background()

	// Unstaged edit to a tracked file, a staged new file and an
	// untracked file.
	writeRepoFile(t, repo, "README.md", "changed\n")
	writeRepoFile(t, repo, "staged.txt", "staged\n")
	runGit(t, repo, "add", "staged.txt")
	writeRepoFile(t, repo, "untracked.txt", "untracked\n")

	status, err := svc.Status(ctx, repo)
	require.NoError(t, err)
	assert.False(t, status.Clean)
	assert.Contains(t, status.Modified, "README.md")
	assert.Contains(t, status.Staged, "staged.txt")
	assert.Contains(t, status.Untracked, "untracked.txt")
}

func TestGitService_CreateBranchAndList(t *testing.T) {
	repo := initRepo(t)
	svc, bus := newTestGitService()
	ctx := context.Background()

	require.NoError(t, svc.CreateBranch(ctx, repo, "feature/login", ""))
	require.NoError(t, svc.CreateBranch(ctx, repo, "hotfix", "main"))

	branches, err := svc.Branches(ctx, repo)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"main", "feature/login", "hotfix"}, branches)

	events := bus.byTopic(protocol.TopicGitBranchCreated)
	require.Len(t, events, 2)
	payload, ok := events[0].Payload.(protocol.GitPayload)
	require.True(t, ok)
	assert.Equal(t, "feature/login", payload.Branch)
	require.NotNil(t, payload.Status)
}

func TestGitService_CheckoutPublishesCompletion(t *testing.T) {
	repo := initRepo(t)
	svc, bus := newTestGitService()
	ctx := context.Background()

	require.NoError(t, svc.CreateBranch(ctx, repo, "feature/login", ""))
	require.NoError(t, svc.Checkout(ctx, repo, "feature/login"))

	current, err := svc.CurrentBranch(ctx, repo)
	require.NoError(t, err)
	assert.Equal(t, "feature/login", current)

	events := bus.byTopic(protocol.TopicGitCheckoutCompleted)
	require.Len(t, events, 1)
	payload, ok := events[0].Payload.(protocol.GitPayload)
	require.True(t, ok)
	assert.Equal(t, repo, payload.ProjectPath)
	assert.Equal(t, "feature/login", payload.Branch)
}

func TestGitService_MergeBringsInBranchCommits(t *testing.T) {
	repo := initRepo(t)
	svc, bus := newTestGitService()
	ctx := context.Background()

	require.NoError(t, svc.CreateBranch(ctx, repo, "feature", ""))
	require.NoError(t, svc.Checkout(ctx, repo, "feature"))
	commitFile(t, repo, "feature.txt", "feature work\n", "add feature file")
	require.NoError(t, svc.Checkout(ctx, repo, "main"))

	require.NoError(t, svc.Merge(ctx, repo, "feature"))

	_, err := os.Stat(filepath.Join(repo, "feature.txt"))
	assert.NoError(t, err)

	events := bus.byTopic(protocol.TopicGitMergeCompleted)
	require.Len(t, events, 1)
	payload, ok := events[0].Payload.(protocol.GitPayload)
	require.True(t, ok)
	assert.Equal(t, "feature", payload.Branch)
	require.NotNil(t, payload.Status)
	assert.True(t, payload.Status.Clean)
}

func TestGitService_PullFastForwardsClone(t *testing.T) {
	origin := initRepo(t)
	parent := t.TempDir()
	clone := filepath.Join(parent, "clone")
	runGit(t, parent, "clone", origin, clone)
	runGit(t, clone, "config", "user.email", "dev@example.com")
	runGit(t, clone, "config", "user.name", "Dev")

	commitFile(t, origin, "upstream.txt", "new upstream work\n", "upstream commit")

	svc, bus := newTestGitService()
	require.NoError(t, svc.Pull(context.Background(), clone))

	_, err := os.Stat(filepath.Join(clone, "upstream.txt"))
	assert.NoError(t, err)

	events := bus.byTopic(protocol.TopicGitPullCompleted)
	require.Len(t, events, 1)
	payload, ok := events[0].Payload.(protocol.GitPayload)
	require.True(t, ok)
	assert.Equal(t, "main", payload.Branch)
	require.NotNil(t, payload.Status)
}

func TestGitService_StatusReportsAheadOfUpstream(t *testing.T) {
	origin := initRepo(t)
	parent := t.TempDir()
	clone := filepath.Join(parent, "clone")
	runGit(t, parent, "clone", origin, clone)
	runGit(t, clone, "config", "user.email", "dev@example.com")
	runGit(t, clone, "config", "user.name", "Dev")
	runGit(t, clone, "config", "commit.gpgsign", "false")

	commitFile(t, clone, "local.txt", "local work\n", "local commit")

	svc, _ := newTestGitService()
	status, err := svc.Status(context.Background(), clone)
	require.NoError(t, err)
	assert.Equal(t, 1, status.Ahead)
	assert.Equal(t, 0, status.Behind)
}

func TestGitService_CompareShowsDivergence(t *testing.T) {
	repo := initRepo(t)
	svc, _ := newTestGitService()
	ctx := context.Background()

	require.NoError(t, svc.CreateBranch(ctx, repo, "feature", ""))
	require.NoError(t, svc.Checkout(ctx, repo, "feature"))
	commitFile(t, repo, "feature.txt", "feature work\n", "add feature file")

	diff, err := svc.Compare(ctx, repo, "main", "feature")
	require.NoError(t, err)
	assert.Contains(t, diff, "feature.txt")
	assert.Contains(t, diff, "+feature work")

	same, err := svc.Compare(ctx, repo, "main", "main")
	require.NoError(t, err)
	assert.Empty(t, strings.TrimSpace(same))
}

func TestGitService_CheckoutRejectsInvalidBranch(t *testing.T) {
	repo := initRepo(t)
	svc := NewGitService(config.GitConfig{}, nil)
	ctx := context.Background()

	tests := []struct {
		name    string
		branch  string
		wantErr string
	}{
		{"empty", "", "cannot be empty"},
		{"leading dash", "-feature", "cannot start with"},
		{"leading dot", ".feature", "cannot start with"},
		{"shell metacharacters", "feature;rm -rf /", "invalid characters"},
		{"too long", strings.Repeat("a", 300), "too long"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := svc.Checkout(ctx, repo, tt.branch)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestGitService_CreateBranchRejectsInvalidStartPoint(t *testing.T) {
	repo := initRepo(t)
	svc := NewGitService(config.GitConfig{}, nil)

	err := svc.CreateBranch(context.Background(), repo, "feature", "-bad")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid start point")
}

func TestGitService_DisallowedOperation(t *testing.T) {
	repo := initRepo(t)
	svc := NewGitService(config.GitConfig{}, nil)

	err := svc.runSafeGitCommand(context.Background(), repo, "push")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not allowed")
}

func TestGitService_ValidateRepoPath(t *testing.T) {
	svc := NewGitService(config.GitConfig{}, nil)

	_, err := svc.validateRepoPath("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot be empty")

	_, err = svc.validateRepoPath("/" + strings.Repeat("a", 5000))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too long")

	_, err = svc.validateRepoPath("../../../etc/passwd")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "directory traversal")

	path, err := svc.validateRepoPath(t.TempDir())
	require.NoError(t, err)
	assert.NotEmpty(t, path)
}

func TestGitService_StatusOutsideRepositoryFails(t *testing.T) {
	svc := NewGitService(config.GitConfig{}, nil)

	_, err := svc.Status(context.Background(), t.TempDir())
	require.Error(t, err)
}

func TestParsePorcelainStatus(t *testing.T) {
	output := strings.Join([]string{
		"# branch.oid 1234567890abcdef1234567890abcdef12345678",
		"# branch.head main",
		"# branch.upstream origin/main",
		"# branch.ab +2 -1",
		"1 .M N... 100644 100644 100644 aaaa bbbb README.md",
		"1 A. N... 000000 100644 100644 0000 cccc staged.txt",
		"2 R. N... 100644 100644 100644 dddd eeee R100 renamed.txt\told.txt",
		"? untracked.txt",
		"",
	}, "\n")

	status := parsePorcelainStatus(output)
	assert.Equal(t, "main", status.Branch)
	assert.Equal(t, 2, status.Ahead)
	assert.Equal(t, 1, status.Behind)
	assert.Equal(t, []string{"README.md"}, status.Modified)
	assert.ElementsMatch(t, []string{"staged.txt", "renamed.txt"}, status.Staged)
	assert.Equal(t, []string{"untracked.txt"}, status.Untracked)
	assert.False(t, status.Clean)
}

func TestParsePorcelainStatus_CleanDetachedHead(t *testing.T) {
	output := "# branch.oid 1234567890abcdef1234567890abcdef12345678\n# branch.head (detached)\n"

	status := parsePorcelainStatus(output)
	assert.Equal(t, "(detached)", status.Branch)
	assert.True(t, status.Clean)
}
