// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package services

import (
	"context"

	"github.com/noldarim/conductor/internal/protocol"
)

// Publisher pushes service events onto the bus. Owned by the services
// package so both the event bus and test doubles satisfy it.
type Publisher interface {
	Publish(ctx context.Context, evt protocol.Event)
}
