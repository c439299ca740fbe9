// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package docker

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	"github.com/noldarim/conductor/pkg/ide/models"
)

// ClientInterface defines what we need from Docker
type ClientInterface interface {
	CreateInstance(ctx context.Context, config models.InstanceConfig) (*models.Instance, error)
	StartInstance(ctx context.Context, instanceID string) error
	StopInstance(ctx context.Context, instanceID string, timeout *time.Duration) error
	RemoveInstance(ctx context.Context, instanceID string, force bool) error
	InspectInstance(ctx context.Context, instanceID string) (*models.Instance, error)
	ListInstances(ctx context.Context) ([]*models.Instance, error)
	ListInstancesByLabels(ctx context.Context, labels map[string]string) ([]*models.Instance, error)
	Close() error
}

// Client implements ClientInterface using real Docker
type Client struct {
	docker *client.Client
}

// Compile-time check that Client implements ClientInterface
var _ ClientInterface = (*Client)(nil)

// NewClient creates a new Docker client using default environment settings
func NewClient() (*Client, error) {
	return NewClientWithHost("")
}

// NewClientWithHost creates a new Docker client with a specific host.
// If dockerHost is empty, uses environment variables (FromEnv).
func NewClientWithHost(dockerHost string) (*Client, error) {
	var opts []client.Opt

	if dockerHost != "" {
		opts = append(opts, client.WithHost(dockerHost))
	} else {
		opts = append(opts, client.FromEnv)
	}

	opts = append(opts, client.WithAPIVersionNegotiation())

	dockerClient, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	return &Client{
		docker: dockerClient,
	}, nil
}

// CreateInstance creates an IDE container from the given configuration.
// The container exposes the in-container DevTools port on the configured
// host debug port and mounts the workspace read-write.
func (c *Client) CreateInstance(ctx context.Context, config models.InstanceConfig) (*models.Instance, error) {
	cdpPort := nat.Port(fmt.Sprintf("%d/tcp", models.CDPPort))
	portBindings := nat.PortMap{
		cdpPort: []nat.PortBinding{{HostPort: strconv.Itoa(config.DebugPort)}},
	}
	exposedPorts := nat.PortSet{
		cdpPort: struct{}{},
	}

	binds := []string{
		fmt.Sprintf("%s:%s", config.WorkspacePath, models.WorkspaceMount),
	}

	containerConfig := &container.Config{
		Image:        config.Image,
		Env:          envMapToSlice(config.Environment),
		ExposedPorts: exposedPorts,
		WorkingDir:   models.WorkspaceMount,
		Labels:       instanceLabels(config),
	}

	hostConfig := &container.HostConfig{
		PortBindings: portBindings,
		Binds:        binds,
		NetworkMode:  container.NetworkMode(config.NetworkMode),
		Resources: container.Resources{
			Memory:    config.MemoryMB * 1024 * 1024, // Memory is in bytes
			CPUShares: config.CPUShares,
		},
	}

	networkingConfig := &network.NetworkingConfig{}

	resp, err := c.docker.ContainerCreate(ctx, containerConfig, hostConfig, networkingConfig, nil, config.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to create instance container: %w", err)
	}

	now := time.Now()
	return &models.Instance{
		ID:            resp.ID,
		Name:          config.Name,
		Kind:          config.Kind,
		Image:         config.Image,
		Status:        models.StatusCreated,
		DebugPort:     config.DebugPort,
		WorkspacePath: config.WorkspacePath,
		UserID:        config.UserID,
		Environment:   config.Environment,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// StartInstance starts an existing instance container
func (c *Client) StartInstance(ctx context.Context, instanceID string) error {
	return c.docker.ContainerStart(ctx, instanceID, container.StartOptions{})
}

// StopInstance stops a running instance container
func (c *Client) StopInstance(ctx context.Context, instanceID string, timeout *time.Duration) error {
	var timeoutSeconds *int
	if timeout != nil {
		seconds := int(timeout.Seconds())
		timeoutSeconds = &seconds
	}
	return c.docker.ContainerStop(ctx, instanceID, container.StopOptions{Timeout: timeoutSeconds})
}

// RemoveInstance removes an instance container
func (c *Client) RemoveInstance(ctx context.Context, instanceID string, force bool) error {
	err := c.docker.ContainerRemove(ctx, instanceID, container.RemoveOptions{
		Force: force,
	})
	if err != nil {
		// Already-gone containers are fine for idempotency
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to remove instance container: %w", err)
	}
	return nil
}

// InspectInstance gets detailed information about an instance
func (c *Client) InspectInstance(ctx context.Context, instanceID string) (*models.Instance, error) {
	resp, err := c.docker.ContainerInspect(ctx, instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect instance container: %w", err)
	}

	status := statusFromState(resp.State.Running, resp.State.Dead, resp.State.OOMKilled, resp.State.ExitCode)

	debugPort := hostDebugPort(resp.NetworkSettings.Ports)

	labels := resp.Config.Labels
	workspacePath := labels[models.LabelWorkspace]
	if workspacePath == "" {
		// Pre-label containers carry the workspace only as a mount
		for _, mount := range resp.Mounts {
			if mount.Destination == models.WorkspaceMount {
				workspacePath = mount.Source
				break
			}
		}
	}

	createdTime, _ := time.Parse(time.RFC3339Nano, resp.Created)

	return &models.Instance{
		ID:            resp.ID,
		Name:          strings.TrimPrefix(resp.Name, "/"),
		Kind:          models.Kind(labels[models.LabelKind]),
		Image:         resp.Config.Image,
		Status:        status,
		DebugPort:     debugPort,
		WorkspacePath: workspacePath,
		UserID:        labels[models.LabelUser],
		Environment:   envSliceToMap(resp.Config.Env),
		CreatedAt:     createdTime,
		UpdatedAt:     time.Now(),
	}, nil
}

// ListInstances lists all IDE instances managed by this package,
// running and stopped.
func (c *Client) ListInstances(ctx context.Context) ([]*models.Instance, error) {
	return c.ListInstancesByLabels(ctx, nil)
}

// ListInstancesByLabels lists managed instances matching additional labels
func (c *Client) ListInstancesByLabels(ctx context.Context, labels map[string]string) ([]*models.Instance, error) {
	filterArgs := filters.NewArgs()
	filterArgs.Add("label", fmt.Sprintf("%s=%s", models.LabelManaged, models.ManagedLabelValue))
	for key, value := range labels {
		filterArgs.Add("label", fmt.Sprintf("%s=%s", key, value))
	}

	containers, err := c.docker.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filterArgs,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list instance containers: %w", err)
	}

	result := make([]*models.Instance, 0, len(containers))
	for _, summary := range containers {
		inspected, err := c.InspectInstance(ctx, summary.ID)
		if err != nil {
			// Skip containers that vanished between list and inspect
			continue
		}
		result = append(result, inspected)
	}

	return result, nil
}

// Close closes the Docker client connection
func (c *Client) Close() error {
	return c.docker.Close()
}

// instanceLabels builds the label set for a new instance container. The
// managed labels win over user-supplied ones so discovery stays reliable.
func instanceLabels(config models.InstanceConfig) map[string]string {
	labels := make(map[string]string, len(config.Labels)+4)
	for key, value := range config.Labels {
		labels[key] = value
	}
	labels[models.LabelManaged] = models.ManagedLabelValue
	labels[models.LabelKind] = string(config.Kind)
	labels[models.LabelWorkspace] = config.WorkspacePath
	if config.UserID != "" {
		labels[models.LabelUser] = config.UserID
	}
	return labels
}

// statusFromState derives an instance status from container state flags
func statusFromState(running, dead, oomKilled bool, exitCode int) models.InstanceStatus {
	switch {
	case running:
		return models.StatusRunning
	case dead || oomKilled:
		return models.StatusFailed
	case exitCode == 0:
		return models.StatusStopped
	default:
		return models.StatusFailed
	}
}

// hostDebugPort extracts the host port bound to the in-container
// DevTools port, or 0 when none is bound.
func hostDebugPort(ports nat.PortMap) int {
	cdpPort := nat.Port(fmt.Sprintf("%d/tcp", models.CDPPort))
	bindings, ok := ports[cdpPort]
	if !ok || len(bindings) == 0 {
		return 0
	}
	hostPort, err := strconv.Atoi(bindings[0].HostPort)
	if err != nil {
		return 0
	}
	return hostPort
}

// Helper functions
func envMapToSlice(envMap map[string]string) []string {
	env := make([]string, 0, len(envMap))
	for key, value := range envMap {
		env = append(env, fmt.Sprintf("%s=%s", key, value))
	}
	return env
}

func envSliceToMap(envSlice []string) map[string]string {
	envMap := make(map[string]string, len(envSlice))
	for _, entry := range envSlice {
		key, value, found := strings.Cut(entry, "=")
		if !found || key == "" {
			continue
		}
		envMap[key] = value
	}
	return envMap
}
