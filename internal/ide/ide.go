// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ide drives AI coding IDEs (Cursor, VSCode, Windsurf) over the
// Chrome DevTools Protocol exposed on their debug ports. It is the
// default implementation of the IDE collaborator consumed by workflow
// capability steps: chat prompts, new-chat clicks, terminal commands
// and workspace file access all travel as JavaScript evaluated in the
// IDE's workbench page.
package ide

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/noldarim/conductor/internal/config"
	"github.com/noldarim/conductor/internal/logger"
	"github.com/noldarim/conductor/internal/protocol"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetIDELogger()
		log = &l
	})
	return log
}

var (
	// ErrNotConnected means the DevTools session died or was never
	// established.
	ErrNotConnected = errors.New("ide not connected")

	// ErrNoActiveIDE means no port was given and no IDE is active.
	ErrNoActiveIDE = errors.New("no active ide")

	// ErrNoWorkspace means a file operation needs a workspace path that
	// was never set for the port.
	ErrNoWorkspace = errors.New("workspace path not set")
)

// debugHost is where IDE debug ports live. Instances launched in
// containers publish their DevTools port on the loopback interface.
const debugHost = "127.0.0.1"

// Publisher is the bus slice the adapter emits on.
type Publisher interface {
	Publish(ctx context.Context, evt protocol.Event)
}

// Discovery supplies IDE instances found outside the port scan, such
// as Docker containers carrying the managed label.
type Discovery interface {
	Instances(ctx context.Context) ([]protocol.IDEInstance, error)
}

// FileNode is one entry of a workspace file tree.
type FileNode struct {
	Name     string     `json:"name"`
	Path     string     `json:"path"`
	Dir      bool       `json:"dir"`
	Children []FileNode `json:"children,omitempty"`
}

// connection is one live DevTools session plus what we learned about
// the target when connecting.
type connection struct {
	session *cdpSession
	kind    string
}

// Service implements the IDE adapter over CDP with lazy per-port
// sessions, a scanned instance list, and active-port tracking.
type Service struct {
	cfg        config.IDEConfig
	bus        Publisher
	httpClient *http.Client
	discovery  Discovery

	mu          sync.RWMutex
	connections map[int]*connection
	workspaces  map[int]string
	activePort  int
	lastList    []protocol.IDEInstance
}

// Option configures optional Service collaborators.
type Option func(*Service)

// WithDiscovery merges externally discovered instances (e.g. Docker
// containers) into ListIDEs results.
func WithDiscovery(d Discovery) Option {
	return func(s *Service) { s.discovery = d }
}

// New creates the IDE adapter. The publisher receives ide:active:changed
// and ide:list:updated events; pass workflow collaborators the same
// instance.
func New(cfg config.IDEConfig, bus Publisher, opts ...Option) *Service {
	if cfg.PortRangeStart <= 0 {
		cfg.PortRangeStart = 9222
	}
	if cfg.PortRangeEnd < cfg.PortRangeStart {
		cfg.PortRangeEnd = cfg.PortRangeStart + 10
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}

	s := &Service{
		cfg:         cfg,
		bus:         bus,
		httpClient:  &http.Client{Timeout: cfg.ConnectTimeout},
		connections: make(map[int]*connection),
		workspaces:  make(map[int]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connect establishes (or replaces) the DevTools session for a port.
// The first connected port becomes the active IDE.
func (s *Service) Connect(ctx context.Context, port int) error {
	targets, err := fetchTargets(ctx, s.httpClient, debugHost, port)
	if err != nil {
		return err
	}
	target, err := pickTarget(targets)
	if err != nil {
		return fmt.Errorf("port %d: %w", port, err)
	}

	session, err := dialSession(ctx, target.WebSocketDebuggerURL, s.cfg.ConnectTimeout)
	if err != nil {
		return fmt.Errorf("port %d: %w", port, err)
	}

	kind := kindFromTarget(target)

	s.mu.Lock()
	if old, ok := s.connections[port]; ok {
		old.session.Close()
	}
	s.connections[port] = &connection{session: session, kind: kind}
	becameActive := s.activePort == 0
	if becameActive {
		s.activePort = port
	}
	workspace := s.workspaces[port]
	s.mu.Unlock()

	getLog().Info().
		Int("port", port).
		Str("kind", kind).
		Str("title", target.Title).
		Msg("Connected to IDE debug target")

	if becameActive {
		s.publish(ctx, protocol.NewIDEActiveChangedEvent(protocol.IDEPayload{
			Port:          port,
			Type:          kind,
			WorkspacePath: workspace,
		}))
	}

	return nil
}

// Disconnect closes the session for a port, if any.
func (s *Service) Disconnect(port int) {
	s.mu.Lock()
	conn, ok := s.connections[port]
	if ok {
		delete(s.connections, port)
	}
	s.mu.Unlock()

	if ok {
		conn.session.Close()
		getLog().Info().Int("port", port).Msg("Disconnected from IDE debug target")
	}
}

// SendMessage types a prompt into the IDE chat panel and submits it.
func (s *Service) SendMessage(ctx context.Context, port int, text string) error {
	conn, port, err := s.session(ctx, port)
	if err != nil {
		return err
	}

	if _, err := conn.session.Evaluate(ctx, sendChatScript(conn.kind, text)); err != nil {
		return fmt.Errorf("send message to port %d: %w", port, err)
	}

	getLog().Debug().Int("port", port).Int("chars", len(text)).Msg("Prompt sent to IDE chat")
	return nil
}

// ClickNewChat opens a fresh chat session in the IDE.
func (s *Service) ClickNewChat(ctx context.Context, port int) error {
	conn, port, err := s.session(ctx, port)
	if err != nil {
		return err
	}

	if _, err := conn.session.Evaluate(ctx, newChatScript(conn.kind)); err != nil {
		return fmt.Errorf("new chat on port %d: %w", port, err)
	}

	getLog().Debug().Int("port", port).Msg("New IDE chat opened")
	return nil
}

// ExecuteTerminal runs a shell command through the IDE's node runtime
// and returns its output. The recorded workspace, when set, is the
// working directory.
func (s *Service) ExecuteTerminal(ctx context.Context, port int, cmd string) (string, error) {
	conn, port, err := s.session(ctx, port)
	if err != nil {
		return "", err
	}

	output, err := conn.session.Evaluate(ctx, terminalScript(cmd, s.workspaceFor(port)))
	if err != nil {
		return "", fmt.Errorf("terminal on port %d: %w", port, err)
	}

	getLog().Debug().Int("port", port).Int("bytes", len(output)).Msg("Terminal command completed")
	return output, nil
}

// FileTree returns the workspace directory tree as seen by the IDE.
func (s *Service) FileTree(ctx context.Context, port int) ([]FileNode, error) {
	conn, port, err := s.session(ctx, port)
	if err != nil {
		return nil, err
	}

	root := s.workspaceFor(port)
	if root == "" {
		return nil, fmt.Errorf("port %d: %w", port, ErrNoWorkspace)
	}

	raw, err := conn.session.Evaluate(ctx, fileTreeScript(root))
	if err != nil {
		return nil, fmt.Errorf("file tree on port %d: %w", port, err)
	}

	var tree []FileNode
	if err := json.Unmarshal([]byte(raw), &tree); err != nil {
		return nil, fmt.Errorf("file tree on port %d: decode: %w", port, err)
	}
	return tree, nil
}

// FileContent reads one file from the workspace as seen by the IDE.
// Paths resolve against the workspace root and may not escape it.
func (s *Service) FileContent(ctx context.Context, port int, path string) (string, error) {
	conn, port, err := s.session(ctx, port)
	if err != nil {
		return "", err
	}

	root := s.workspaceFor(port)
	if root == "" {
		return "", fmt.Errorf("port %d: %w", port, ErrNoWorkspace)
	}

	content, err := conn.session.Evaluate(ctx, fileContentScript(root, path))
	if err != nil {
		return "", fmt.Errorf("file content on port %d: %w", port, err)
	}
	return content, nil
}

// SetWorkspace records the workspace root used for file and terminal
// operations on a port. For containerized instances this is the
// container-side mount, not the host path.
func (s *Service) SetWorkspace(ctx context.Context, port int, path string) error {
	if port <= 0 {
		return fmt.Errorf("invalid port %d", port)
	}
	if path == "" {
		return errors.New("workspace path is required")
	}

	s.mu.Lock()
	s.workspaces[port] = path
	s.mu.Unlock()

	getLog().Debug().Int("port", port).Str("workspace", path).Msg("Workspace recorded for IDE port")
	return nil
}

// ActivePort returns the port workflow steps target when no explicit
// port option is given, or 0 when no IDE is active.
func (s *Service) ActivePort() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activePort
}

// SetActivePort switches the active IDE and announces the change.
func (s *Service) SetActivePort(ctx context.Context, port int) error {
	if port <= 0 {
		return fmt.Errorf("invalid port %d", port)
	}

	s.mu.Lock()
	if s.activePort == port {
		s.mu.Unlock()
		return nil
	}
	s.activePort = port
	kind := ""
	if conn, ok := s.connections[port]; ok {
		kind = conn.kind
	}
	workspace := s.workspaces[port]
	s.mu.Unlock()

	getLog().Info().Int("port", port).Msg("Active IDE changed")

	s.publish(ctx, protocol.NewIDEActiveChangedEvent(protocol.IDEPayload{
		Port:          port,
		Type:          kind,
		WorkspacePath: workspace,
	}))
	return nil
}

// ListIDEs scans the configured debug port range, merges in externally
// discovered instances, and publishes ide:list:updated when the result
// differs from the previous scan.
func (s *Service) ListIDEs(ctx context.Context) ([]protocol.IDEInstance, error) {
	s.mu.RLock()
	active := s.activePort
	s.mu.RUnlock()

	var (
		scanMu    sync.Mutex
		instances []protocol.IDEInstance
		wg        sync.WaitGroup
	)

	for port := s.cfg.PortRangeStart; port <= s.cfg.PortRangeEnd; port++ {
		wg.Add(1)
		go func(port int) {
			defer wg.Done()

			probeCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
			defer cancel()

			targets, err := fetchTargets(probeCtx, s.httpClient, debugHost, port)
			if err != nil {
				return
			}
			target, err := pickTarget(targets)
			if err != nil {
				return
			}

			scanMu.Lock()
			instances = append(instances, protocol.IDEInstance{
				Port:          port,
				Type:          kindFromTarget(target),
				WorkspacePath: s.workspaceFor(port),
				Active:        port == active,
			})
			scanMu.Unlock()
		}(port)
	}
	wg.Wait()

	if s.discovery != nil {
		discovered, err := s.discovery.Instances(ctx)
		if err != nil {
			getLog().Warn().Err(err).Msg("Instance discovery failed, using port scan only")
		} else {
			seen := make(map[int]struct{}, len(instances))
			for _, inst := range instances {
				seen[inst.Port] = struct{}{}
			}
			for _, inst := range discovered {
				if _, ok := seen[inst.Port]; ok {
					continue
				}
				inst.Active = inst.Port == active
				instances = append(instances, inst)
			}
		}
	}

	slices.SortFunc(instances, func(a, b protocol.IDEInstance) int {
		return a.Port - b.Port
	})

	s.mu.Lock()
	changed := !slices.Equal(s.lastList, instances)
	if changed {
		s.lastList = slices.Clone(instances)
	}
	s.mu.Unlock()

	if changed {
		s.publish(ctx, protocol.NewIDEListUpdatedEvent(protocol.IDEPayload{Instances: instances}))
		getLog().Info().Int("count", len(instances)).Msg("IDE instance list updated")
	}

	return instances, nil
}

// Close tears down every DevTools session.
func (s *Service) Close() error {
	s.mu.Lock()
	conns := make([]*connection, 0, len(s.connections))
	for _, conn := range s.connections {
		conns = append(conns, conn)
	}
	s.connections = make(map[int]*connection)
	s.mu.Unlock()

	for _, conn := range conns {
		conn.session.Close()
	}
	return nil
}

// session resolves the connection for a port, dialing lazily. Port 0
// targets the active IDE.
func (s *Service) session(ctx context.Context, port int) (*connection, int, error) {
	if port == 0 {
		port = s.ActivePort()
		if port == 0 {
			return nil, 0, ErrNoActiveIDE
		}
	}

	s.mu.RLock()
	conn, ok := s.connections[port]
	s.mu.RUnlock()

	if ok {
		select {
		case <-conn.session.Done():
			// Session died underneath us; redial below.
			s.Disconnect(port)
		default:
			return conn, port, nil
		}
	}

	if err := s.Connect(ctx, port); err != nil {
		return nil, port, err
	}

	s.mu.RLock()
	conn, ok = s.connections[port]
	s.mu.RUnlock()
	if !ok {
		return nil, port, ErrNotConnected
	}
	return conn, port, nil
}

func (s *Service) workspaceFor(port int) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.workspaces[port]
}

func (s *Service) publish(ctx context.Context, evt protocol.Event) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(ctx, evt)
}

// kindFromTarget guesses the IDE product from the target metadata.
func kindFromTarget(target cdpTarget) string {
	hint := strings.ToLower(target.Title + " " + target.URL)
	switch {
	case strings.Contains(hint, kindCursor):
		return kindCursor
	case strings.Contains(hint, kindWindsurf):
		return kindWindsurf
	default:
		return kindVSCode
	}
}
