// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package docker

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/noldarim/conductor/pkg/ide/models"
)

// MockClient is a mock implementation of ClientInterface
type MockClient struct {
	mock.Mock
}

func (m *MockClient) CreateInstance(ctx context.Context, config models.InstanceConfig) (*models.Instance, error) {
	args := m.Called(ctx, config)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Instance), args.Error(1)
}

func (m *MockClient) StartInstance(ctx context.Context, instanceID string) error {
	args := m.Called(ctx, instanceID)
	return args.Error(0)
}

func (m *MockClient) StopInstance(ctx context.Context, instanceID string, timeout *time.Duration) error {
	args := m.Called(ctx, instanceID, timeout)
	return args.Error(0)
}

func (m *MockClient) RemoveInstance(ctx context.Context, instanceID string, force bool) error {
	args := m.Called(ctx, instanceID, force)
	return args.Error(0)
}

func (m *MockClient) InspectInstance(ctx context.Context, instanceID string) (*models.Instance, error) {
	args := m.Called(ctx, instanceID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Instance), args.Error(1)
}

func (m *MockClient) ListInstances(ctx context.Context) ([]*models.Instance, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.Instance), args.Error(1)
}

func (m *MockClient) ListInstancesByLabels(ctx context.Context, labels map[string]string) ([]*models.Instance, error) {
	args := m.Called(ctx, labels)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.Instance), args.Error(1)
}

func (m *MockClient) Close() error {
	args := m.Called()
	return args.Error(0)
}
