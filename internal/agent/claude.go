package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/chroxy-sh/chroxy/pkg/protocol"
)

const (
	modelChangeTimeout = 10 * time.Second
	destroyGrace       = 5 * time.Second
	maxLineBytes       = 1024 * 1024
)

// Config holds spawn parameters for a Claude backend.
type Config struct {
	Command        string // default "claude"
	Cwd            string
	Model          string // full or short id; empty means DefaultModel
	PermissionMode string // default "approve"
	Env            map[string]string
}

// ClaudeBackend drives one long-lived `claude` process in stream-json mode.
// User turns are written as NDJSON to stdin; events are parsed from NDJSON
// on stdout. The process is restarted on model change.
type ClaudeBackend struct {
	cfg    Config
	logger *slog.Logger
	events chan Event

	mu         sync.Mutex
	cmd        *exec.Cmd
	stdin      io.WriteCloser
	wMu        sync.Mutex // serialises stdin writes
	ready      bool
	readyCh    chan struct{} // closed when the current process signals ready
	procDone   chan struct{} // closed when the current process fully exited
	destroyed  bool
	restarting bool // deliberate restart in progress, suppress crash events
	turnActive bool
	curMsgID   string // message id of the in-flight response
	model      string
	mode       string
	lastErr    string // last stderr line, for crash diagnostics

	closeOnce sync.Once
}

// NewClaude creates a backend for the given config. Call Start to spawn it.
func NewClaude(cfg Config, logger *slog.Logger) *ClaudeBackend {
	if cfg.Command == "" {
		cfg.Command = "claude"
	}
	model := ResolveModelID(cfg.Model)
	if cfg.Model == "" {
		model = DefaultModel
	}
	mode := cfg.PermissionMode
	if mode == "" {
		mode = protocol.ModeApprove
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ClaudeBackend{
		cfg:    cfg,
		logger: logger.With("component", "agent"),
		events: make(chan Event, 64),
		model:  model,
		mode:   mode,
	}
}

// Start spawns the agent process. The ready event follows asynchronously.
// After an unexpected exit, Start may be called again to respawn.
func (b *ClaudeBackend) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.destroyed {
		return ErrDestroyed
	}
	if b.cmd != nil {
		select {
		case <-b.procDone:
			// previous process fully exited, respawn is fine
		default:
			return fmt.Errorf("agent already started")
		}
	}
	return b.spawnLocked(ctx)
}

// spawnLocked starts a new agent process. Caller holds b.mu.
func (b *ClaudeBackend) spawnLocked(ctx context.Context) error {
	args := []string{
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--include-partial-messages",
		"--verbose",
	}
	if b.model != "" {
		args = append(args, "--model", b.model)
	}
	switch b.mode {
	case protocol.ModeAuto:
		args = append(args, "--dangerously-skip-permissions")
	case protocol.ModePlan:
		args = append(args, "--permission-mode", "plan")
	}

	cmd := exec.Command(b.cfg.Command, args...)
	if b.cfg.Cwd != "" {
		cmd.Dir = b.cfg.Cwd
	}
	// Filter out CLAUDECODE to prevent nested-session detection.
	for _, e := range os.Environ() {
		if !strings.HasPrefix(e, "CLAUDECODE=") {
			cmd.Env = append(cmd.Env, e)
		}
	}
	for k, v := range b.cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start agent process: %w", err)
	}

	b.cmd = cmd
	b.stdin = stdin
	b.ready = false
	b.readyCh = make(chan struct{})
	b.procDone = make(chan struct{})
	procDone := b.procDone

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		b.readStdout(stdout)
	}()
	go func() {
		defer wg.Done()
		b.readStderr(stderr)
	}()

	go func() {
		wg.Wait()
		err := cmd.Wait()
		code := 0
		if cmd.ProcessState != nil {
			code = cmd.ProcessState.ExitCode()
		} else if err != nil {
			code = 1
		}

		b.mu.Lock()
		deliberate := b.destroyed || b.restarting
		crashed := b.turnActive && !deliberate
		lastErr := b.lastErr
		b.ready = false
		b.turnActive = false
		b.mu.Unlock()

		if !deliberate {
			if crashed {
				msg := "agent process crashed mid-turn"
				if lastErr != "" {
					msg += ": " + lastErr
				}
				b.emit(Event{Kind: EventError, ErrKind: ErrKindCrashed, ErrMessage: msg, Recoverable: true})
			}
			b.emit(Event{Kind: EventExit, ExitCode: code})
		}
		close(procDone)
	}()

	b.logger.Info("agent process started", "pid", cmd.Process.Pid, "model", b.model, "mode", b.mode)
	return nil
}

// emit delivers an event to the consumer. Blocking: the session event loop
// always drains until the channel closes.
func (b *ClaudeBackend) emit(e Event) {
	b.events <- e
}

func (b *ClaudeBackend) readStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		b.mu.Lock()
		b.lastErr = line
		b.mu.Unlock()
		b.logger.Debug("agent stderr", "line", line)
	}
}

func (b *ClaudeBackend) readStdout(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		events, err := parseStreamLine(line)
		if err != nil {
			b.logger.Error("agent stdout framing error", "error", err)
			b.emit(Event{Kind: EventError, ErrKind: ErrKindProtocol, ErrMessage: err.Error(), Recoverable: false})
			go func() { _ = b.Destroy() }()
			return
		}
		for _, e := range events {
			b.applyEvent(e)
		}
	}
}

// applyEvent updates backend state, stamps the in-flight message id on
// partial events that lack one, and forwards the event.
func (b *ClaudeBackend) applyEvent(e Event) {
	switch e.Kind {
	case EventReady:
		b.mu.Lock()
		if !b.ready {
			b.ready = true
			close(b.readyCh)
		}
		if e.Model != "" {
			b.model = e.Model
		}
		b.mu.Unlock()
	case EventStreamStart:
		b.mu.Lock()
		b.turnActive = true
		b.curMsgID = e.MessageID
		b.mu.Unlock()
	case EventStreamDelta, EventStreamEnd, EventToolStart:
		b.mu.Lock()
		if e.MessageID == "" {
			e.MessageID = b.curMsgID
		}
		b.mu.Unlock()
	case EventResult:
		b.mu.Lock()
		b.turnActive = false
		b.curMsgID = ""
		b.mu.Unlock()
	}
	b.emit(e)
}

// parseStreamLine converts one NDJSON line of claude stream-json output into
// zero or more backend events. A line that is not valid JSON is a framing
// error.
func parseStreamLine(line []byte) ([]Event, error) {
	var head struct {
		Type         string          `json:"type"`
		Subtype      string          `json:"subtype"`
		Model        string          `json:"model"`
		Event        json.RawMessage `json:"event"`
		Message      json.RawMessage `json:"message"`
		RequestID    string          `json:"request_id"`
		Request      json.RawMessage `json:"request"`
		TotalCostUSD float64         `json:"total_cost_usd"`
		DurationMS   int64           `json:"duration_ms"`
		Usage        json.RawMessage `json:"usage"`
	}
	if err := json.Unmarshal(line, &head); err != nil {
		return nil, fmt.Errorf("invalid stream frame: %w", err)
	}

	switch head.Type {
	case "system":
		if head.Subtype == "init" {
			return []Event{{Kind: EventReady, Model: head.Model}}, nil
		}
		return nil, nil

	case "stream_event":
		return parsePartialEvent(head.Event)

	case "assistant":
		return parseAssistantMessage(head.Message)

	case "result":
		return []Event{{
			Kind:       EventResult,
			CostUSD:    head.TotalCostUSD,
			DurationMS: head.DurationMS,
			Usage:      head.Usage,
		}}, nil

	case "control_request":
		return parseControlRequest(head.RequestID, head.Request)

	default:
		// user echoes, control responses and other frames are not surfaced.
		return nil, nil
	}
}

// parseControlRequest surfaces agent-initiated can_use_tool requests as
// permission events. Other control subtypes stay internal.
func parseControlRequest(requestID string, raw json.RawMessage) ([]Event, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var req struct {
		Subtype  string          `json:"subtype"`
		ToolName string          `json:"tool_name"`
		Input    json.RawMessage `json:"input"`
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("invalid control request: %w", err)
	}
	if req.Subtype != "can_use_tool" {
		return nil, nil
	}
	return []Event{{
		Kind:      EventPermissionRequest,
		RequestID: requestID,
		Tool:      req.ToolName,
		Input:     req.Input,
	}}, nil
}

// parsePartialEvent handles the anthropic streaming events relayed under
// stream_event frames: message_start, content_block_delta, message_stop.
func parsePartialEvent(raw json.RawMessage) ([]Event, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var ev struct {
		Type    string `json:"type"`
		Message struct {
			ID string `json:"id"`
		} `json:"message"`
		Delta struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"delta"`
	}
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("invalid stream event: %w", err)
	}

	switch ev.Type {
	case "message_start":
		id := ev.Message.ID
		if id == "" {
			id = uuid.NewString()
		}
		return []Event{{Kind: EventStreamStart, MessageID: id}}, nil
	case "content_block_delta":
		if ev.Delta.Type == "text_delta" && ev.Delta.Text != "" {
			return []Event{{Kind: EventStreamDelta, Delta: ev.Delta.Text}}, nil
		}
		return nil, nil
	case "message_stop":
		return []Event{{Kind: EventStreamEnd}}, nil
	default:
		return nil, nil
	}
}

// parseAssistantMessage extracts tool_use blocks from a complete assistant
// message. Text blocks are skipped: their content already arrived as deltas.
// The AskUserQuestion tool surfaces as a user_question event.
func parseAssistantMessage(raw json.RawMessage) ([]Event, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var msg struct {
		ID      string `json:"id"`
		Content []struct {
			Type  string          `json:"type"`
			ID    string          `json:"id"`
			Name  string          `json:"name"`
			Input json.RawMessage `json:"input"`
		} `json:"content"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("invalid assistant message: %w", err)
	}

	var out []Event
	for _, c := range msg.Content {
		if c.Type != "tool_use" {
			continue
		}
		if c.Name == "AskUserQuestion" {
			out = append(out, Event{
				Kind:      EventUserQuestion,
				ToolUseID: c.ID,
				Questions: c.Input,
			})
			continue
		}
		out = append(out, Event{
			Kind:      EventToolStart,
			MessageID: msg.ID,
			Tool:      c.Name,
			Input:     RedactInput(c.Input),
		})
	}
	return out, nil
}

// writeFrame serialises one NDJSON frame to the agent's stdin.
func (b *ClaudeBackend) writeFrame(v any) error {
	b.mu.Lock()
	stdin := b.stdin
	b.mu.Unlock()
	if stdin == nil {
		return ErrNotReady
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	data = append(data, '\n')

	b.wMu.Lock()
	defer b.wMu.Unlock()
	if _, err := stdin.Write(data); err != nil {
		return fmt.Errorf("write to agent: %w", err)
	}
	return nil
}

// Send delivers a user turn to the agent.
func (b *ClaudeBackend) Send(ctx context.Context, text string) error {
	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return ErrDestroyed
	}
	if !b.ready {
		b.mu.Unlock()
		return ErrNotReady
	}
	b.mu.Unlock()

	return b.writeFrame(map[string]any{
		"type": "user",
		"message": map[string]any{
			"role": "user",
			"content": []map[string]any{
				{"type": "text", "text": text},
			},
		},
	})
}

// Interrupt cancels the current turn. No-op when idle or not started.
func (b *ClaudeBackend) Interrupt() error {
	b.mu.Lock()
	idle := !b.turnActive || !b.ready
	b.mu.Unlock()
	if idle {
		return nil
	}
	return b.writeFrame(map[string]any{
		"type":       "control_request",
		"request_id": uuid.NewString(),
		"request":    map[string]any{"subtype": "interrupt"},
	})
}

// AnswerQuestion delivers a tool_result for a pending AskUserQuestion.
func (b *ClaudeBackend) AnswerQuestion(toolUseID, answer string) error {
	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return ErrDestroyed
	}
	if !b.ready {
		b.mu.Unlock()
		return ErrNotReady
	}
	b.mu.Unlock()

	return b.writeFrame(map[string]any{
		"type": "user",
		"message": map[string]any{
			"role": "user",
			"content": []map[string]any{
				{"type": "tool_result", "tool_use_id": toolUseID, "content": answer},
			},
		},
	})
}

// RespondPermission answers a pending can_use_tool control request. Decisions
// other than "allow" map to a deny.
func (b *ClaudeBackend) RespondPermission(requestID, decision string) error {
	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return ErrDestroyed
	}
	b.mu.Unlock()

	behavior := "deny"
	if decision == protocol.DecisionAllow || decision == protocol.DecisionAllowAlways {
		behavior = "allow"
	}
	return b.writeFrame(map[string]any{
		"type": "control_response",
		"response": map[string]any{
			"subtype":    "success",
			"request_id": requestID,
			"response":   map[string]any{"behavior": behavior},
		},
	})
}

// Model returns the active model id.
func (b *ClaudeBackend) Model() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.model
}

// PermissionMode returns the active permission mode.
func (b *ClaudeBackend) PermissionMode() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mode
}

// SetModel switches models by restarting the process. Blocks until the new
// process signals ready, bounded by modelChangeTimeout.
func (b *ClaudeBackend) SetModel(ctx context.Context, id string) error {
	if !KnownModel(id) {
		return ErrUnknownModel
	}
	resolved := ResolveModelID(id)

	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return ErrDestroyed
	}
	if b.model == resolved {
		b.mu.Unlock()
		return nil
	}
	if b.restarting {
		b.mu.Unlock()
		return fmt.Errorf("model change already in progress")
	}
	b.restarting = true
	b.model = resolved
	oldCmd := b.cmd
	oldDone := b.procDone
	b.mu.Unlock()

	// Terminate the old process and wait for it to drain.
	if oldCmd != nil && oldCmd.Process != nil {
		_ = oldCmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-oldDone:
		case <-time.After(destroyGrace):
			_ = oldCmd.Process.Kill()
			<-oldDone
		}
	}

	b.mu.Lock()
	if b.destroyed {
		b.restarting = false
		b.mu.Unlock()
		return ErrDestroyed
	}
	err := b.spawnLocked(ctx)
	readyCh := b.readyCh
	newDone := b.procDone
	b.mu.Unlock()
	if err != nil {
		b.mu.Lock()
		b.restarting = false
		b.mu.Unlock()
		return fmt.Errorf("restart agent: %w", err)
	}

	select {
	case <-readyCh:
		b.mu.Lock()
		b.restarting = false
		b.mu.Unlock()
		return nil
	case <-time.After(modelChangeTimeout):
	case <-ctx.Done():
	}

	// New process never became ready: kill it and report the timeout.
	b.mu.Lock()
	cmd := b.cmd
	b.mu.Unlock()
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	<-newDone
	b.mu.Lock()
	b.restarting = false
	b.mu.Unlock()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return ErrModelChangeTimeout
}

// SetPermissionMode switches modes via a control request. Applied at spawn
// time when the process is not up yet.
func (b *ClaudeBackend) SetPermissionMode(mode string) error {
	if !protocol.ValidPermissionMode(mode) {
		return ErrInvalidMode
	}

	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return ErrDestroyed
	}
	b.mode = mode
	up := b.ready
	b.mu.Unlock()
	if !up {
		return nil
	}

	native := map[string]string{
		protocol.ModeApprove: "default",
		protocol.ModePlan:    "plan",
		protocol.ModeAuto:    "bypassPermissions",
	}[mode]
	return b.writeFrame(map[string]any{
		"type":       "control_request",
		"request_id": uuid.NewString(),
		"request":    map[string]any{"subtype": "set_permission_mode", "mode": native},
	})
}

// Events returns the backend's event stream.
func (b *ClaudeBackend) Events() <-chan Event {
	return b.events
}

// Destroy terminates the process and closes the event stream. Idempotent.
func (b *ClaudeBackend) Destroy() error {
	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return nil
	}
	b.destroyed = true
	cmd := b.cmd
	done := b.procDone
	b.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-done:
		case <-time.After(destroyGrace):
			_ = cmd.Process.Kill()
			<-done
		}
	}

	b.closeOnce.Do(func() { close(b.events) })
	b.logger.Info("agent destroyed")
	return nil
}
