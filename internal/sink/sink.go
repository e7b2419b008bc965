// Package sink hands delivered element payloads to the terminal side.
//
// The relay forwards payloads verbatim; a sink only decides where the text
// goes. A JSON string payload is used as-is, anything else as compact JSON.
package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
)

// Sink consumes one element payload.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, payload json.RawMessage) error
}

// Text renders payload as the text a terminal should receive.
func Text(payload json.RawMessage) string {
	var s string
	if err := json.Unmarshal(payload, &s); err == nil {
		return s
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, payload); err != nil {
		return string(payload)
	}
	return buf.String()
}

// Writer writes each payload as one line.
type Writer struct {
	mu sync.Mutex
	W  io.Writer
}

// NewWriter returns a line sink on w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{W: w}
}

func (w *Writer) Name() string { return "stdout" }

func (w *Writer) Deliver(_ context.Context, payload json.RawMessage) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := fmt.Fprintln(w.W, Text(payload)); err != nil {
		return fmt.Errorf("write element: %w", err)
	}
	return nil
}

// SendKeysFunc runs tmux send-keys against a pane.
type SendKeysFunc func(ctx context.Context, paneID, flag, keys string) error

// TmuxPaste types the payload into a tmux pane in literal mode. It never
// presses Enter, so the user reviews the text before submitting it.
type TmuxPaste struct {
	PaneID   string
	SendKeys SendKeysFunc
}

// NewTmuxPaste returns a sink that pastes into paneID.
func NewTmuxPaste(paneID string) *TmuxPaste {
	return &TmuxPaste{PaneID: paneID, SendKeys: tmuxSendKeys}
}

func (t *TmuxPaste) Name() string { return "tmux" }

func (t *TmuxPaste) Deliver(ctx context.Context, payload json.RawMessage) error {
	text := Text(payload)
	if text == "" {
		return nil
	}
	send := t.SendKeys
	if send == nil {
		send = tmuxSendKeys
	}
	if err := send(ctx, t.PaneID, "-l", text); err != nil {
		return fmt.Errorf("paste into %s: %w", t.PaneID, err)
	}
	return nil
}

// tmuxSendKeys runs tmux send-keys with optional flags.
func tmuxSendKeys(ctx context.Context, paneID, flag, keys string) error {
	args := []string{"send-keys", "-t", paneID}
	if flag != "" {
		args = append(args, flag)
	}
	args = append(args, keys)

	cmd := exec.CommandContext(ctx, "tmux", args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("tmux send-keys failed: %w (output: %s)", err, string(out))
	}
	return nil
}

// FromName builds the sink called name. paneID is required for "tmux".
func FromName(name, paneID string, out io.Writer) (Sink, error) {
	switch name {
	case "", "stdout":
		return NewWriter(out), nil
	case "tmux":
		if paneID == "" {
			return nil, fmt.Errorf("tmux sink needs a pane (set TMUX_PANE or run inside tmux)")
		}
		return NewTmuxPaste(paneID), nil
	default:
		return nil, fmt.Errorf("unknown sink %q (want stdout or tmux)", name)
	}
}
