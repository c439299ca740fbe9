// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package container is the service registry. Services register factories
// under flat names with declared dependencies; resolution is lazy and
// depth-first, singletons construct at most once, and lifecycle hooks run
// in dependency order.
package container

import (
	"context"
	"fmt"
	"sort"
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
		l := logger.GetLogger("container")
		log = &l
	})
	return log
}

// Factory constructs a service instance. deps holds the already-resolved
// dependencies keyed by their registered names.
type Factory func(deps map[string]any) (any, error)

// Hook runs against a constructed service during StartAll or StopAll.
type Hook func(ctx context.Context, svc any) error

// Registration declares one service.
type Registration struct {
	Name         string
	Singleton    bool
	Dependencies []string
	Factory      Factory
	OnStart      Hook
	OnStop       Hook
}

// Container holds registrations and constructed singletons. Lifecycle
// hooks apply to singletons only; transient instances are handed to the
// caller and forgotten.
type Container struct {
	mu         sync.RWMutex
	regs       map[string]*Registration
	singletons map[string]any
	guards     map[string]*sync.Mutex
	started    []string

	project projectContextStore
}

// New creates an empty container.
func New() *Container {
	return &Container{
		regs:       make(map[string]*Registration),
		singletons: make(map[string]any),
		guards:     make(map[string]*sync.Mutex),
	}
}

// Register adds a service. It rejects duplicate names, missing factories
// and any registration whose declared dependencies close a cycle among
// the names registered so far. Dependencies on names registered later
// are allowed; ValidateDependencies checks the complete graph.
func (c *Container) Register(reg Registration) error {
	if reg.Name == "" {
		return fmt.Errorf("service name must not be empty")
	}
	if reg.Factory == nil {
		return fmt.Errorf("service %q: factory must not be nil", reg.Name)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.regs[reg.Name]; exists {
		return fmt.Errorf("service %q is already registered", reg.Name)
	}

	c.regs[reg.Name] = &reg
	if cycle := c.findCycleLocked(reg.Name); cycle != nil {
		delete(c.regs, reg.Name)
		return &DependencyCycleError{Chain: cycle}
	}

	getLog().Debug().
		Str("service", reg.Name).
		Bool("singleton", reg.Singleton).
		Strs("dependencies", reg.Dependencies).
		Msg("Service registered")

	return nil
}

// Resolve returns the named service, constructing it (and its transitive
// dependencies, depth-first) on first use. Singletons are cached; a
// per-name guard prevents concurrent double-construction.
func (c *Container) Resolve(name string) (any, error) {
	return c.resolve(name, nil)
}

// ResolveAs resolves a service and type-asserts it.
func ResolveAs[T any](c *Container, name string) (T, error) {
	var zero T
	svc, err := c.Resolve(name)
	if err != nil {
		return zero, err
	}
	typed, ok := svc.(T)
	if !ok {
		return zero, fmt.Errorf("service %q is %T, not %T", name, svc, zero)
	}
	return typed, nil
}

func (c *Container) resolve(name string, chain []string) (any, error) {
	for _, n := range chain {
		if n == name {
			return nil, &DependencyCycleError{Chain: append(append([]string(nil), chain...), name)}
		}
	}

	c.mu.RLock()
	reg, ok := c.regs[name]
	c.mu.RUnlock()
	if !ok {
		return nil, &DependencyNotFoundError{Name: name, Chain: chain}
	}

	if !reg.Singleton {
		return c.construct(reg, append(chain, name))
	}

	c.mu.RLock()
	svc, cached := c.singletons[name]
	c.mu.RUnlock()
	if cached {
		return svc, nil
	}

	guard := c.guardFor(name)
	guard.Lock()
	defer guard.Unlock()

	c.mu.RLock()
	svc, cached = c.singletons[name]
	c.mu.RUnlock()
	if cached {
		return svc, nil
	}

	svc, err := c.construct(reg, append(chain, name))
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.singletons[name] = svc
	c.mu.Unlock()

	return svc, nil
}

func (c *Container) construct(reg *Registration, chain []string) (any, error) {
	deps := make(map[string]any, len(reg.Dependencies))
	for _, dep := range reg.Dependencies {
		svc, err := c.resolve(dep, chain)
		if err != nil {
			return nil, err
		}
		deps[dep] = svc
	}

	svc, err := reg.Factory(deps)
	if err != nil {
		return nil, &ConstructionError{Name: reg.Name, Cause: err}
	}

	getLog().Debug().Str("service", reg.Name).Msg("Service constructed")
	return svc, nil
}

func (c *Container) guardFor(name string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.guards[name]
	if !ok {
		g = &sync.Mutex{}
		c.guards[name] = g
	}
	return g
}

// ValidateDependencies dry-walks the declared graph without constructing
// anything: every declared dependency must be registered and the graph
// must be acyclic. All problems are reported, not just the first.
func (c *Container) ValidateDependencies() []error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var problems []error

	names := make([]string, 0, len(c.regs))
	for name := range c.regs {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		for _, dep := range c.regs[name].Dependencies {
			if _, ok := c.regs[dep]; !ok {
				problems = append(problems, &DependencyNotFoundError{Name: dep, Chain: []string{name}})
			}
		}
	}

	visited := make(map[string]bool)
	inStack := make(map[string]bool)
	for _, name := range names {
		if visited[name] {
			continue
		}
		if cycle := c.walkCycleLocked(name, visited, inStack, nil); cycle != nil {
			problems = append(problems, &DependencyCycleError{Chain: cycle})
		}
	}

	return problems
}

// findCycleLocked checks whether start participates in a cycle among the
// currently registered names. Edges to unregistered names are ignored.
func (c *Container) findCycleLocked(start string) []string {
	visited := make(map[string]bool)
	inStack := make(map[string]bool)
	return c.walkCycleLocked(start, visited, inStack, nil)
}

func (c *Container) walkCycleLocked(name string, visited, inStack map[string]bool, path []string) []string {
	visited[name] = true
	inStack[name] = true
	path = append(path, name)

	reg, ok := c.regs[name]
	if ok {
		for _, dep := range reg.Dependencies {
			if _, registered := c.regs[dep]; !registered {
				continue
			}
			if inStack[dep] {
				return append(path, dep)
			}
			if !visited[dep] {
				if cycle := c.walkCycleLocked(dep, visited, inStack, path); cycle != nil {
					return cycle
				}
			}
		}
	}

	inStack[name] = false
	return nil
}

// StartAll constructs every singleton and runs OnStart hooks in
// dependency order (dependencies before dependents). Failures are
// collected per service and never abort the sweep; the caller decides
// whether any of them is fatal. Services whose hook ran (or that have
// none) are recorded for StopAll.
func (c *Container) StartAll(ctx context.Context) []*HookError {
	order := c.startOrder()

	var failed []*HookError
	for _, name := range order {
		c.mu.RLock()
		reg := c.regs[name]
		c.mu.RUnlock()

		if !reg.Singleton {
			continue
		}

		svc, err := c.Resolve(name)
		if err != nil {
			failed = append(failed, &HookError{Service: name, Hook: "start", Err: err})
			continue
		}

		if reg.OnStart != nil {
			if err := reg.OnStart(ctx, svc); err != nil {
				failed = append(failed, &HookError{Service: name, Hook: "start", Err: err})
				getLog().Error().Err(err).Str("service", name).Msg("Service start hook failed")
				continue
			}
		}

		c.mu.Lock()
		c.started = append(c.started, name)
		c.mu.Unlock()

		getLog().Debug().Str("service", name).Msg("Service started")
	}

	return failed
}

// StopAll runs OnStop hooks in reverse start order. Failures are
// collected, never propagated as panics. The started list is cleared so
// a container can be started again.
func (c *Container) StopAll(ctx context.Context) []*HookError {
	c.mu.Lock()
	started := c.started
	c.started = nil
	c.mu.Unlock()

	var failed []*HookError
	for i := len(started) - 1; i >= 0; i-- {
		name := started[i]

		c.mu.RLock()
		reg := c.regs[name]
		svc := c.singletons[name]
		c.mu.RUnlock()

		if reg == nil || reg.OnStop == nil {
			continue
		}

		if err := reg.OnStop(ctx, svc); err != nil {
			failed = append(failed, &HookError{Service: name, Hook: "stop", Err: err})
			getLog().Error().Err(err).Str("service", name).Msg("Service stop hook failed")
			continue
		}

		getLog().Debug().Str("service", name).Msg("Service stopped")
	}

	return failed
}

// startOrder topologically sorts registrations so dependencies start
// before their dependents. Names are visited alphabetically for a
// deterministic order; unresolvable edges are skipped (StartAll surfaces
// them through Resolve).
func (c *Container) startOrder() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.regs))
	for name := range c.regs {
		names = append(names, name)
	}
	sort.Strings(names)

	var order []string
	visited := make(map[string]bool)

	var visit func(name string)
	visit = func(name string) {
		if visited[name] {
			return
		}
		visited[name] = true
		reg, ok := c.regs[name]
		if !ok {
			return
		}
		for _, dep := range reg.Dependencies {
			visit(dep)
		}
		order = append(order, name)
	}

	for _, name := range names {
		visit(name)
	}

	return order
}

// Registered reports whether a name is known to the container.
func (c *Container) Registered(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.regs[name]
	return ok
}
