// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package ide

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// cdpTarget is one debuggable target listed by the DevTools HTTP
// endpoint.
type cdpTarget struct {
	ID                   string `json:"id"`
	Type                 string `json:"type"`
	Title                string `json:"title"`
	URL                  string `json:"url"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// fetchTargets asks the DevTools endpoint on the given port for its
// target list.
func fetchTargets(ctx context.Context, httpClient *http.Client, host string, port int) ([]cdpTarget, error) {
	url := fmt.Sprintf("http://%s:%d/json/list", host, port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build target list request: %w", err)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach debug port %d: %w", port, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("debug port %d returned status %d", port, resp.StatusCode)
	}

	var targets []cdpTarget
	if err := json.NewDecoder(resp.Body).Decode(&targets); err != nil {
		return nil, fmt.Errorf("failed to decode target list from port %d: %w", port, err)
	}
	return targets, nil
}

// pickTarget selects the workbench page among the listed targets.
// Electron IDEs expose helper pages (shared process, extension hosts);
// the page whose title or URL names the workbench is the one that owns
// the editor DOM.
func pickTarget(targets []cdpTarget) (cdpTarget, error) {
	var firstPage *cdpTarget
	for i := range targets {
		t := &targets[i]
		if t.Type != "page" || t.WebSocketDebuggerURL == "" {
			continue
		}
		if strings.Contains(strings.ToLower(t.URL), "workbench") {
			return *t, nil
		}
		if firstPage == nil {
			firstPage = t
		}
	}
	if firstPage != nil {
		return *firstPage, nil
	}
	return cdpTarget{}, fmt.Errorf("no debuggable page target")
}

// cdpRequest is a DevTools protocol command.
type cdpRequest struct {
	ID     int64  `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

// cdpMessage is anything the DevTools socket sends back: command
// replies carry an ID, protocol events carry a method.
type cdpMessage struct {
	ID     int64           `json:"id"`
	Method string          `json:"method"`
	Result json.RawMessage `json:"result"`
	Error  *cdpError       `json:"error"`
}

type cdpError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *cdpError) Error() string {
	return fmt.Sprintf("cdp error %d: %s", e.Code, e.Message)
}

// cdpSession is one WebSocket connection to a DevTools target. Replies
// are routed to callers by command ID; unsolicited protocol events are
// dropped.
type cdpSession struct {
	conn   *websocket.Conn
	nextID atomic.Int64

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[int64]chan *cdpMessage

	closed    chan struct{}
	closeOnce sync.Once
}

// dialSession connects to a DevTools WebSocket URL and starts the
// reply reader.
func dialSession(ctx context.Context, wsURL string, handshakeTimeout time.Duration) (*cdpSession, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial devtools socket: %w", err)
	}

	s := &cdpSession{
		conn:    conn,
		pending: make(map[int64]chan *cdpMessage),
		closed:  make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

func (s *cdpSession) readLoop() {
	defer s.Close()
	for {
		var msg cdpMessage
		if err := s.conn.ReadJSON(&msg); err != nil {
			return
		}
		if msg.ID == 0 {
			// Protocol event, not a command reply
			continue
		}

		s.mu.Lock()
		ch, ok := s.pending[msg.ID]
		if ok {
			delete(s.pending, msg.ID)
		}
		s.mu.Unlock()

		if ok {
			ch <- &msg
		}
	}
}

// Call sends one DevTools command and waits for its reply.
func (s *cdpSession) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := s.nextID.Add(1)
	ch := make(chan *cdpMessage, 1)

	s.mu.Lock()
	s.pending[id] = ch
	s.mu.Unlock()

	s.writeMu.Lock()
	err := s.conn.WriteJSON(cdpRequest{ID: id, Method: method, Params: params})
	s.writeMu.Unlock()
	if err != nil {
		s.forget(id)
		return nil, fmt.Errorf("failed to send %s: %w", method, err)
	}

	select {
	case msg := <-ch:
		if msg.Error != nil {
			return nil, fmt.Errorf("%s failed: %w", method, msg.Error)
		}
		return msg.Result, nil
	case <-s.closed:
		s.forget(id)
		return nil, fmt.Errorf("%s failed: %w", method, ErrNotConnected)
	case <-ctx.Done():
		s.forget(id)
		return nil, ctx.Err()
	}
}

// evalReply is the Runtime.evaluate result shape.
type evalReply struct {
	Result struct {
		Type  string          `json:"type"`
		Value json.RawMessage `json:"value"`
	} `json:"result"`
	ExceptionDetails *struct {
		Text      string `json:"text"`
		Exception *struct {
			Description string `json:"description"`
		} `json:"exception"`
	} `json:"exceptionDetails"`
}

// Evaluate runs a JavaScript expression in the target page and returns
// its result as a string. Promises are awaited; thrown exceptions come
// back as errors.
func (s *cdpSession) Evaluate(ctx context.Context, expression string) (string, error) {
	params := map[string]any{
		"expression":    expression,
		"returnByValue": true,
		"awaitPromise":  true,
	}
	raw, err := s.Call(ctx, "Runtime.evaluate", params)
	if err != nil {
		return "", err
	}

	var reply evalReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return "", fmt.Errorf("failed to decode evaluate reply: %w", err)
	}

	if reply.ExceptionDetails != nil {
		desc := reply.ExceptionDetails.Text
		if reply.ExceptionDetails.Exception != nil && reply.ExceptionDetails.Exception.Description != "" {
			desc = reply.ExceptionDetails.Exception.Description
		}
		return "", fmt.Errorf("script threw: %s", desc)
	}

	if len(reply.Result.Value) == 0 {
		return "", nil
	}
	if reply.Result.Type == "string" {
		var value string
		if err := json.Unmarshal(reply.Result.Value, &value); err != nil {
			return "", fmt.Errorf("failed to decode string result: %w", err)
		}
		return value, nil
	}
	return string(reply.Result.Value), nil
}

// Done reports session termination.
func (s *cdpSession) Done() <-chan struct{} {
	return s.closed
}

// Close tears the session down and fails all waiting calls.
func (s *cdpSession) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.conn.Close()
	})
}

func (s *cdpSession) forget(id int64) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}
