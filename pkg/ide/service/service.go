// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/noldarim/conductor/pkg/ide/docker"
	"github.com/noldarim/conductor/pkg/ide/events"
	"github.com/noldarim/conductor/pkg/ide/models"
	"github.com/noldarim/conductor/pkg/ide/validation"
)

// Service manages IDE instance lifecycle and publishes events
type Service struct {
	client    docker.ClientInterface
	publisher events.Publisher
	instances map[string]*models.Instance
	mutex     sync.RWMutex
}

// NewService creates a new instance service using default Docker settings
func NewService(publisher events.Publisher) (*Service, error) {
	return NewServiceWithDockerHost(publisher, "")
}

// NewServiceWithDockerHost creates a new instance service with a specific Docker host
func NewServiceWithDockerHost(publisher events.Publisher, dockerHost string) (*Service, error) {
	client, err := docker.NewClientWithHost(dockerHost)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	return &Service{
		client:    client,
		publisher: publisher,
		instances: make(map[string]*models.Instance),
	}, nil
}

// NewServiceWithClient creates a new instance service with a provided client
func NewServiceWithClient(client docker.ClientInterface, publisher events.Publisher) *Service {
	return &Service{
		client:    client,
		publisher: publisher,
		instances: make(map[string]*models.Instance),
	}
}

// Launch validates the configuration, creates the instance container, and
// starts it. On a start failure the created instance stays cached so the
// caller can retry with Start or clean up with Remove.
func (s *Service) Launch(ctx context.Context, config models.InstanceConfig) (*models.Instance, error) {
	if config.Kind == "" {
		config.Kind = models.KindCursor
	}

	if err := validation.ValidateInstanceConfig(config); err != nil {
		return nil, fmt.Errorf("invalid instance config: %w", err)
	}

	instance, err := s.client.CreateInstance(ctx, config)
	if err != nil {
		s.publishFailedEvent("", config.Name, "create", err)
		return nil, err
	}

	s.mutex.Lock()
	s.instances[instance.ID] = instance
	s.mutex.Unlock()

	s.publishEvent(events.InstanceLaunched, events.InstanceLaunchedEvent{
		InstanceID:    instance.ID,
		Name:          instance.Name,
		Kind:          instance.Kind,
		Image:         instance.Image,
		DebugPort:     instance.DebugPort,
		WorkspacePath: instance.WorkspacePath,
		UserID:        instance.UserID,
		Timestamp:     time.Now(),
	})

	if err := s.Start(ctx, instance.ID); err != nil {
		return nil, err
	}

	return s.getInstance(instance.ID), nil
}

// Start starts an existing instance and publishes start events
func (s *Service) Start(ctx context.Context, instanceID string) error {
	instance := s.getInstance(instanceID)
	if instance == nil {
		return fmt.Errorf("instance not found: %s", instanceID)
	}

	if err := s.client.StartInstance(ctx, instanceID); err != nil {
		s.publishFailedEvent(instanceID, instance.Name, "start", err)
		return err
	}

	s.mutex.Lock()
	oldStatus := instance.Status
	instance.Status = models.StatusRunning
	instance.UpdatedAt = time.Now()
	s.mutex.Unlock()

	s.publishEvent(events.InstanceStarted, events.InstanceStartedEvent{
		InstanceID: instanceID,
		Name:       instance.Name,
		DebugPort:  instance.DebugPort,
		UserID:     instance.UserID,
		Timestamp:  time.Now(),
	})

	s.publishStatusChanged(instance, oldStatus, models.StatusRunning)

	return nil
}

// Stop stops a running instance and publishes stop events
func (s *Service) Stop(ctx context.Context, instanceID string, timeout *time.Duration) error {
	instance := s.getInstance(instanceID)
	if instance == nil {
		return fmt.Errorf("instance not found: %s", instanceID)
	}

	if err := s.client.StopInstance(ctx, instanceID, timeout); err != nil {
		s.publishFailedEvent(instanceID, instance.Name, "stop", err)
		return err
	}

	s.mutex.Lock()
	oldStatus := instance.Status
	instance.Status = models.StatusStopped
	instance.UpdatedAt = time.Now()
	s.mutex.Unlock()

	s.publishEvent(events.InstanceStopped, events.InstanceStoppedEvent{
		InstanceID: instanceID,
		Name:       instance.Name,
		DebugPort:  instance.DebugPort,
		UserID:     instance.UserID,
		Timestamp:  time.Now(),
	})

	s.publishStatusChanged(instance, oldStatus, models.StatusStopped)

	return nil
}

// Remove removes an instance container and publishes a removal event
func (s *Service) Remove(ctx context.Context, instanceID string, force bool) error {
	instance := s.getInstance(instanceID)
	if instance == nil {
		return fmt.Errorf("instance not found: %s", instanceID)
	}

	if err := s.client.RemoveInstance(ctx, instanceID, force); err != nil {
		s.publishFailedEvent(instanceID, instance.Name, "remove", err)
		return err
	}

	s.mutex.Lock()
	delete(s.instances, instanceID)
	s.mutex.Unlock()

	s.publishEvent(events.InstanceRemoved, events.InstanceRemovedEvent{
		InstanceID: instanceID,
		Name:       instance.Name,
		UserID:     instance.UserID,
		Timestamp:  time.Now(),
	})

	return nil
}

// Get retrieves instance information, falling back to Docker when the
// instance is not cached
func (s *Service) Get(ctx context.Context, instanceID string) (*models.Instance, error) {
	if instance := s.getInstance(instanceID); instance != nil {
		return instance, nil
	}

	instance, err := s.client.InspectInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	s.mutex.Lock()
	s.instances[instanceID] = instance
	s.mutex.Unlock()

	return instance, nil
}

// List lists all managed instances and refreshes the cache
func (s *Service) List(ctx context.Context) ([]*models.Instance, error) {
	instances, err := s.client.ListInstances(ctx)
	if err != nil {
		return nil, err
	}

	s.mutex.Lock()
	for _, instance := range instances {
		s.instances[instance.ID] = instance
	}
	s.mutex.Unlock()

	return instances, nil
}

// Discover reconciles the cache against the instances Docker actually
// knows about. Status changes observed during reconciliation are
// published, and cached instances whose containers are gone are evicted.
// It returns the fresh instance list.
func (s *Service) Discover(ctx context.Context) ([]*models.Instance, error) {
	instances, err := s.client.ListInstances(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to discover instances: %w", err)
	}

	type statusChange struct {
		instance  *models.Instance
		oldStatus models.InstanceStatus
	}
	var changes []statusChange

	s.mutex.Lock()
	fresh := make(map[string]*models.Instance, len(instances))
	for _, instance := range instances {
		fresh[instance.ID] = instance
		if cached, ok := s.instances[instance.ID]; ok && cached.Status != instance.Status {
			changes = append(changes, statusChange{instance: instance, oldStatus: cached.Status})
		}
	}
	s.instances = fresh
	s.mutex.Unlock()

	for _, change := range changes {
		s.publishStatusChanged(change.instance, change.oldStatus, change.instance.Status)
	}

	return instances, nil
}

// Refresh updates a single instance from Docker and publishes a status
// change event if its status moved
func (s *Service) Refresh(ctx context.Context, instanceID string) (*models.Instance, error) {
	instance, err := s.client.InspectInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	s.mutex.Lock()
	cached := s.instances[instanceID]
	s.instances[instanceID] = instance
	s.mutex.Unlock()

	if cached != nil && cached.Status != instance.Status {
		s.publishStatusChanged(instance, cached.Status, instance.Status)
	}

	return instance, nil
}

// Close closes the service and releases resources
func (s *Service) Close() error {
	return s.client.Close()
}

// Helper methods

func (s *Service) getInstance(instanceID string) *models.Instance {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.instances[instanceID]
}

func (s *Service) publishEvent(eventType events.EventType, payload any) {
	if s.publisher == nil {
		return
	}

	event := events.Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now(),
		Payload:   payload,
	}

	s.publisher.Publish(event)
}

func (s *Service) publishStatusChanged(instance *models.Instance, oldStatus, newStatus models.InstanceStatus) {
	s.publishEvent(events.InstanceStatusChanged, events.InstanceStatusChangedEvent{
		InstanceID: instance.ID,
		Name:       instance.Name,
		OldStatus:  oldStatus,
		NewStatus:  newStatus,
		DebugPort:  instance.DebugPort,
		UserID:     instance.UserID,
		Timestamp:  time.Now(),
	})
}

func (s *Service) publishFailedEvent(instanceID, instanceName, operation string, err error) {
	s.publishEvent(events.InstanceFailed, events.InstanceFailedEvent{
		InstanceID: instanceID,
		Name:       instanceName,
		Operation:  operation,
		Error:      err.Error(),
		Timestamp:  time.Now(),
	})
}
