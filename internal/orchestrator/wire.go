// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/noldarim/conductor/internal/ai"
	"github.com/noldarim/conductor/internal/analysis"
	"github.com/noldarim/conductor/internal/bus"
	"github.com/noldarim/conductor/internal/config"
	"github.com/noldarim/conductor/internal/container"
	"github.com/noldarim/conductor/internal/fsys"
	"github.com/noldarim/conductor/internal/ide"
	"github.com/noldarim/conductor/internal/observability"
	"github.com/noldarim/conductor/internal/orchestrator/database"
	"github.com/noldarim/conductor/internal/orchestrator/services"
	"github.com/noldarim/conductor/internal/project"
	"github.com/noldarim/conductor/internal/protocol"
	"github.com/noldarim/conductor/internal/queue"
	"github.com/noldarim/conductor/internal/steps"
	"github.com/noldarim/conductor/internal/workflow"
	ideevents "github.com/noldarim/conductor/pkg/ide/events"
	idemodels "github.com/noldarim/conductor/pkg/ide/models"
	idesvc "github.com/noldarim/conductor/pkg/ide/service"
)

// Wire registers every service of the orchestration runtime on the
// container. StartAll must receive the process run context: the task
// processor drains the queue until that context ends.
func Wire(c *container.Container, cfg *config.AppConfig, b *bus.Bus, metrics *observability.Metrics) error {
	// One provider serves both the chat relay and the ai.chat step.
	// Left nil when unconfigured so the collaborator nil checks fire
	// instead of a dressed-up nil interface.
	var assistant *ai.Anthropic
	if cfg.AI.APIKey != "" {
		provider, err := ai.NewAnthropic(cfg.AI)
		if err != nil {
			return fmt.Errorf("ai provider: %w", err)
		}
		assistant = provider
	}

	regs := []container.Registration{
		{
			Name:      "database",
			Singleton: true,
			Factory: func(map[string]any) (any, error) {
				return database.NewGormDB(&cfg.Database)
			},
			OnStart: func(ctx context.Context, svc any) error {
				db := svc.(*database.GormDB)
				if err := db.ValidateSchema(); err != nil {
					return err
				}
				cleared, err := database.NewAnalysisRepository(db).ClearStaleRunning(ctx)
				if err != nil {
					getLog().Warn().Err(err).Msg("Stale analysis cleanup failed")
				} else if cleared > 0 {
					getLog().Info().Int64("cleared", cleared).Msg("Marked stale running analyses as failed")
				}
				return nil
			},
			OnStop: func(_ context.Context, svc any) error {
				return svc.(*database.GormDB).Close()
			},
		},
		{
			Name:      "filesystem",
			Singleton: true,
			Factory: func(map[string]any) (any, error) {
				return fsys.NewService(cfg.Analysis.Scan.ChunkSize), nil
			},
		},
		{
			Name:      "workflows",
			Singleton: true,
			Factory: func(map[string]any) (any, error) {
				return workflow.NewLoader(cfg.Workflow.DefinitionsPath), nil
			},
			OnStart: func(_ context.Context, svc any) error {
				return svc.(*workflow.Loader).Load()
			},
		},
		{
			Name:      "git",
			Singleton: true,
			Factory: func(map[string]any) (any, error) {
				return services.NewGitService(cfg.Git, b), nil
			},
		},
		{
			Name:         "tasks",
			Singleton:    true,
			Dependencies: []string{"database"},
			Factory: func(deps map[string]any) (any, error) {
				db := deps["database"].(*database.GormDB)
				return services.NewTaskService(database.NewTaskRepository(db)), nil
			},
		},
		{
			Name:         "chat",
			Singleton:    true,
			Dependencies: []string{"database"},
			Factory: func(deps map[string]any) (any, error) {
				db := deps["database"].(*database.GormDB)
				var relay services.Assistant
				if assistant != nil {
					relay = assistant
				}
				return services.NewChatService(relay, database.NewChatRepository(db), b), nil
			},
		},
		{
			Name:         "projects",
			Singleton:    true,
			Dependencies: []string{"database"},
			Factory: func(deps map[string]any) (any, error) {
				db := deps["database"].(*database.GormDB)
				return database.NewProjectRepository(db), nil
			},
		},
		{
			Name:         "resolver",
			Singleton:    true,
			Dependencies: []string{"projects"},
			Factory: func(deps map[string]any) (any, error) {
				projects := deps["projects"].(*database.ProjectRepository)
				return project.NewResolver(database.NewProjectCache(projects)), nil
			},
		},
		{
			Name:         "steps",
			Singleton:    true,
			Dependencies: []string{"git", "ide", "tasks", "filesystem"},
			Factory: func(deps map[string]any) (any, error) {
				registry := steps.NewRegistry(b, metrics, cfg.Workflow.StepTimeout)
				collab := steps.Collaborators{
					IDE:   deps["ide"].(*ide.Service),
					Git:   deps["git"].(*services.GitService),
					Files: deps["filesystem"].(*fsys.Service),
					Tasks: deps["tasks"].(*services.TaskService),
				}
				if assistant != nil {
					collab.AI = assistant
				}
				if err := steps.RegisterBuiltins(registry, collab); err != nil {
					return nil, err
				}
				return registry, nil
			},
			OnStart: func(_ context.Context, svc any) error {
				if cfg.Workflow.FrameworksDir == "" {
					return nil
				}
				names, err := svc.(*steps.Registry).LoadFrameworks(cfg.Workflow.FrameworksDir)
				if err != nil {
					return err
				}
				if len(names) > 0 {
					getLog().Info().Strs("frameworks", names).Msg("Step frameworks loaded")
				}
				return nil
			},
		},
		{
			Name:         "queue",
			Singleton:    true,
			Dependencies: []string{"database"},
			Factory: func(deps map[string]any) (any, error) {
				db := deps["database"].(*database.GormDB)
				gate := database.NewTaskGate(database.NewTaskRepository(db))
				history := database.NewHistoryWriter(database.NewQueueHistoryRepository(db))
				return queue.New(cfg.Queue, b, gate, history, metrics), nil
			},
		},
		{
			Name:         "analysis",
			Singleton:    true,
			Dependencies: []string{"database", "filesystem"},
			Factory: func(deps map[string]any) (any, error) {
				db := deps["database"].(*database.GormDB)
				fsvc := deps["filesystem"].(*fsys.Service)
				recorder := database.NewAnalysisWriter(database.NewAnalysisRepository(db))
				analyzers := analysis.DefaultAnalyzers(analysis.NewScanner(fsvc, cfg.Analysis.Scan))
				return analysis.New(cfg.Analysis, b, recorder, metrics, analyzers), nil
			},
			OnStop: func(_ context.Context, svc any) error {
				svc.(*analysis.Queue).Stop(cfg.Queue.ShutdownGrace)
				return nil
			},
		},
		{
			Name:         "processor",
			Singleton:    true,
			Dependencies: []string{"queue", "workflows", "steps"},
			Factory: func(deps map[string]any) (any, error) {
				return queue.NewProcessor(
					deps["queue"].(*queue.Queue),
					deps["workflows"].(*workflow.Loader),
					deps["steps"].(*steps.Registry),
				), nil
			},
			OnStart: func(ctx context.Context, svc any) error {
				go svc.(*queue.Processor).Run(ctx)
				return nil
			},
			OnStop: func(_ context.Context, svc any) error {
				svc.(*queue.Processor).Stop(cfg.Queue.ShutdownGrace)
				return nil
			},
		},
		{
			Name:         "orchestrator",
			Singleton:    true,
			Dependencies: []string{"queue", "analysis", "workflows", "resolver", "projects", "tasks"},
			Factory: func(deps map[string]any) (any, error) {
				return NewService(Deps{
					Queue:     deps["queue"].(*queue.Queue),
					Analysis:  deps["analysis"].(*analysis.Queue),
					Workflows: deps["workflows"].(*workflow.Loader),
					Resolver:  deps["resolver"].(*project.Resolver),
					Projects:  deps["projects"].(*database.ProjectRepository),
					Tasks:     deps["tasks"].(*services.TaskService),
				})
			},
		},
	}

	ideReg := container.Registration{
		Name:      "ide",
		Singleton: true,
		Factory: func(deps map[string]any) (any, error) {
			var opts []ide.Option
			if containers, ok := deps["containers"].(*idesvc.Service); ok {
				opts = append(opts, ide.WithDiscovery(&dockerDiscovery{containers: containers}))
			}
			return ide.New(cfg.IDE, b, opts...), nil
		},
		OnStop: func(_ context.Context, svc any) error {
			return svc.(*ide.Service).Close()
		},
	}
	if cfg.IDE.DockerDiscovery {
		regs = append(regs, container.Registration{
			Name:      "containers",
			Singleton: true,
			Factory: func(map[string]any) (any, error) {
				return idesvc.NewServiceWithDockerHost(&ideEventForwarder{bus: b}, cfg.IDE.DockerHost)
			},
			OnStop: func(_ context.Context, svc any) error {
				return svc.(*idesvc.Service).Close()
			},
		})
		ideReg.Dependencies = []string{"containers"}
	}
	regs = append(regs, ideReg)

	for _, reg := range regs {
		if err := c.Register(reg); err != nil {
			return err
		}
	}
	if errs := c.ValidateDependencies(); len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// dockerDiscovery feeds running IDE containers into the port-scan
// adapter's instance list.
type dockerDiscovery struct {
	containers *idesvc.Service
}

func (d *dockerDiscovery) Instances(ctx context.Context) ([]protocol.IDEInstance, error) {
	list, err := d.containers.Discover(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]protocol.IDEInstance, 0, len(list))
	for _, inst := range list {
		if inst.Status != idemodels.StatusRunning || inst.DebugPort <= 0 {
			continue
		}
		out = append(out, protocol.IDEInstance{
			Port:          inst.DebugPort,
			Type:          string(inst.Kind),
			WorkspacePath: inst.WorkspacePath,
		})
	}
	return out, nil
}

// ideEventForwarder republishes container lifecycle events on the
// process bus, so Docker-managed IDEs surface next to port-scanned
// ones.
type ideEventForwarder struct {
	bus *bus.Bus
}

func (f *ideEventForwarder) Publish(event ideevents.Event) error {
	switch p := event.Payload.(type) {
	case *ideevents.InstanceStartedEvent:
		f.bus.Publish(context.Background(), protocol.NewIDEStartedEvent(p.UserID, protocol.IDEPayload{
			Port:   p.DebugPort,
			Status: string(idemodels.StatusRunning),
		}))
	case *ideevents.InstanceStoppedEvent:
		f.bus.Publish(context.Background(), protocol.NewIDEStoppedEvent(p.UserID, protocol.IDEPayload{
			Port:   p.DebugPort,
			Status: string(idemodels.StatusStopped),
		}))
	}
	return nil
}
