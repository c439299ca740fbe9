// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package container

import (
	"fmt"
	"strings"
)

// DependencyNotFoundError reports a dependency on a name that was never
// registered. Chain is the resolution path that reached the missing name,
// outermost first.
type DependencyNotFoundError struct {
	Name  string
	Chain []string
}

func (e *DependencyNotFoundError) Error() string {
	if len(e.Chain) == 0 {
		return fmt.Sprintf("service %q is not registered", e.Name)
	}
	return fmt.Sprintf("service %q is not registered (required via %s)",
		e.Name, strings.Join(e.Chain, " -> "))
}

// DependencyCycleError reports a cycle in the dependency graph. Chain
// holds the names along the cycle, the first name repeated at the end.
type DependencyCycleError struct {
	Chain []string
}

func (e *DependencyCycleError) Error() string {
	return fmt.Sprintf("dependency cycle: %s", strings.Join(e.Chain, " -> "))
}

// ConstructionError reports a factory failure. Unwrap exposes the cause
// so errors.Is and errors.As see through it.
type ConstructionError struct {
	Name  string
	Cause error
}

func (e *ConstructionError) Error() string {
	return fmt.Sprintf("constructing service %q: %v", e.Name, e.Cause)
}

func (e *ConstructionError) Unwrap() error { return e.Cause }

// HookError reports one failed lifecycle hook. StartAll and StopAll
// collect these instead of aborting.
type HookError struct {
	Service string
	Hook    string // "start" or "stop"
	Err     error
}

func (e *HookError) Error() string {
	return fmt.Sprintf("service %q %s hook: %v", e.Service, e.Hook, e.Err)
}

func (e *HookError) Unwrap() error { return e.Err }
