//go:build !windows

package agent

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// fakeAgentScript emits an init frame, then answers every stdin line with a
// fixed three-delta stream and a result.
const fakeAgentScript = `#!/bin/sh
echo '{"type":"system","subtype":"init","model":"claude-sonnet-4-5"}'
while read -r line; do
  echo '{"type":"stream_event","event":{"type":"message_start","message":{"id":"m1"}}}'
  echo '{"type":"stream_event","event":{"type":"content_block_delta","delta":{"type":"text_delta","text":"Hello "}}}'
  echo '{"type":"stream_event","event":{"type":"content_block_delta","delta":{"type":"text_delta","text":"from "}}}'
  echo '{"type":"stream_event","event":{"type":"content_block_delta","delta":{"type":"text_delta","text":"Claude!"}}}'
  echo '{"type":"stream_event","event":{"type":"message_stop"}}'
  echo '{"type":"result","subtype":"success","total_cost_usd":0.01,"duration_ms":5}'
done
`

func writeFakeAgent(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-agent")
	if err := os.WriteFile(path, []byte(fakeAgentScript), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func waitEvent(t *testing.T, ch <-chan Event, kind string) Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				t.Fatalf("event channel closed while waiting for %q", kind)
			}
			if e.Kind == kind {
				return e
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q", kind)
		}
	}
}

func TestClaudeBackendTurn(t *testing.T) {
	b := NewClaude(Config{Command: writeFakeAgent(t)}, nil)

	if err := b.Send(context.Background(), "too early"); err != ErrNotReady {
		t.Errorf("Send before start = %v, want ErrNotReady", err)
	}

	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() { _ = b.Destroy() }()

	ready := waitEvent(t, b.Events(), EventReady)
	if ready.Model != "claude-sonnet-4-5" {
		t.Errorf("ready model = %q", ready.Model)
	}

	if err := b.Send(context.Background(), "hi"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	start := waitEvent(t, b.Events(), EventStreamStart)
	if start.MessageID != "m1" {
		t.Errorf("messageId = %q", start.MessageID)
	}

	var text string
	deadline := time.After(5 * time.Second)
loop:
	for {
		select {
		case e := <-b.Events():
			switch e.Kind {
			case EventStreamDelta:
				if e.MessageID != "m1" {
					t.Errorf("delta messageId = %q", e.MessageID)
				}
				text += e.Delta
			case EventStreamEnd:
				break loop
			}
		case <-deadline:
			t.Fatal("timed out waiting for stream_end")
		}
	}
	if text != "Hello from Claude!" {
		t.Errorf("concatenated deltas = %q", text)
	}

	res := waitEvent(t, b.Events(), EventResult)
	if res.CostUSD != 0.01 {
		t.Errorf("cost = %v", res.CostUSD)
	}
}

func TestClaudeBackendDestroyClosesEvents(t *testing.T) {
	b := NewClaude(Config{Command: writeFakeAgent(t)}, nil)
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitEvent(t, b.Events(), EventReady)

	if err := b.Destroy(); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if err := b.Destroy(); err != nil {
		t.Errorf("second Destroy: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-b.Events():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("event channel not closed after Destroy")
		}
	}
}

func TestClaudeBackendSetModelRejectsUnknown(t *testing.T) {
	b := NewClaude(Config{Command: writeFakeAgent(t)}, nil)
	if err := b.SetModel(context.Background(), "gpt-5"); err != ErrUnknownModel {
		t.Errorf("SetModel(gpt-5) = %v, want ErrUnknownModel", err)
	}
}

func TestClaudeBackendCrashEmitsErrorAndExit(t *testing.T) {
	// An agent that dies right after starting a turn.
	path := filepath.Join(t.TempDir(), "crashy-agent")
	script := `#!/bin/sh
echo '{"type":"system","subtype":"init","model":"claude-sonnet-4-5"}'
read -r line
echo '{"type":"stream_event","event":{"type":"message_start","message":{"id":"m1"}}}'
exit 7
`
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}

	b := NewClaude(Config{Command: path}, nil)
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() { _ = b.Destroy() }()

	waitEvent(t, b.Events(), EventReady)
	if err := b.Send(context.Background(), "go"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	waitEvent(t, b.Events(), EventStreamStart)

	errEv := waitEvent(t, b.Events(), EventError)
	if errEv.ErrKind != ErrKindCrashed || !errEv.Recoverable {
		t.Errorf("error event = %+v, want recoverable crash", errEv)
	}
	exitEv := waitEvent(t, b.Events(), EventExit)
	if exitEv.ExitCode != 7 {
		t.Errorf("exit code = %d, want 7", exitEv.ExitCode)
	}
}
