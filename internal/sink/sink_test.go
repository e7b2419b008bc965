package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

type sendKeysCall struct {
	paneID string
	flag   string
	keys   string
}

func TestText(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    string
	}{
		{"string payload is unquoted", `"button#submit in form.login"`, "button#submit in form.login"},
		{"object is compacted", `{ "tag": "div",  "id": "x" }`, `{"tag":"div","id":"x"}`},
		{"number", `42`, "42"},
		{"invalid json passes through", `{oops`, "{oops"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Text(json.RawMessage(tt.payload)); got != tt.want {
				t.Errorf("Text(%s) = %q, want %q", tt.payload, got, tt.want)
			}
		})
	}
}

func TestWriter_OneLinePerPayload(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	ctx := context.Background()

	if err := w.Deliver(ctx, json.RawMessage(`"first"`)); err != nil {
		t.Fatal(err)
	}
	if err := w.Deliver(ctx, json.RawMessage(`{"a": 1}`)); err != nil {
		t.Fatal(err)
	}
	if got, want := buf.String(), "first\n{\"a\":1}\n"; got != want {
		t.Errorf("output: got %q, want %q", got, want)
	}
}

func TestTmuxPaste_LiteralWithoutEnter(t *testing.T) {
	var calls []sendKeysCall
	p := &TmuxPaste{
		PaneID: "%7",
		SendKeys: func(_ context.Context, paneID, flag, keys string) error {
			calls = append(calls, sendKeysCall{paneID, flag, keys})
			return nil
		},
	}

	if err := p.Deliver(context.Background(), json.RawMessage(`"<div class=\"card\">"`)); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if len(calls) != 1 {
		t.Fatalf("expected exactly one send-keys call, got %d", len(calls))
	}
	if calls[0].paneID != "%7" || calls[0].flag != "-l" || calls[0].keys != `<div class="card">` {
		t.Errorf("call: got %+v", calls[0])
	}
}

func TestTmuxPaste_EmptyTextIsSkipped(t *testing.T) {
	p := &TmuxPaste{
		PaneID: "%1",
		SendKeys: func(context.Context, string, string, string) error {
			t.Fatal("send-keys should not run for empty text")
			return nil
		},
	}
	if err := p.Deliver(context.Background(), json.RawMessage(`""`)); err != nil {
		t.Fatal(err)
	}
}

func TestTmuxPaste_WrapsError(t *testing.T) {
	p := &TmuxPaste{
		PaneID: "%1",
		SendKeys: func(context.Context, string, string, string) error {
			return errors.New("no server running")
		},
	}
	err := p.Deliver(context.Background(), json.RawMessage(`"x"`))
	if err == nil || !strings.Contains(err.Error(), "%1") {
		t.Errorf("expected error naming the pane, got %v", err)
	}
}

func TestFromName(t *testing.T) {
	var buf bytes.Buffer
	tests := []struct {
		name    string
		pane    string
		want    string
		wantErr bool
	}{
		{"", "", "stdout", false},
		{"stdout", "%1", "stdout", false},
		{"tmux", "%1", "tmux", false},
		{"tmux", "", "", true},
		{"clipboard", "", "", true},
	}
	for _, tt := range tests {
		s, err := FromName(tt.name, tt.pane, &buf)
		if (err != nil) != tt.wantErr {
			t.Errorf("FromName(%q, %q): error = %v, wantErr %v", tt.name, tt.pane, err, tt.wantErr)
			continue
		}
		if err == nil && s.Name() != tt.want {
			t.Errorf("FromName(%q): got sink %q, want %q", tt.name, s.Name(), tt.want)
		}
	}
}
