// Package statusview renders the relay's /status snapshot, once or live.
package statusview

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/timvw/pane-relay/internal/protocol"
)

// Fetch GETs the status document from the relay's listener address.
func Fetch(ctx context.Context, client *http.Client, addr string) (protocol.Status, error) {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/status", nil)
	if err != nil {
		return protocol.Status{}, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return protocol.Status{}, fmt.Errorf("fetch status: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return protocol.Status{}, fmt.Errorf("fetch status: %s", resp.Status)
	}
	var st protocol.Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return protocol.Status{}, fmt.Errorf("decode status: %w", err)
	}
	return st, nil
}

type column struct {
	title string
	width int
}

var columns = []column{
	{"#", 3},
	{"CLIENT", 10},
	{"LABEL", 20},
	{"HINT", 14},
	{"PID", 8},
	{"HEARTBEAT", 10},
	{"STATE", 6},
}

// Render formats st as a table.
func Render(st protocol.Status, theme Theme) string {
	return render(st, newStyles(theme))
}

func render(st protocol.Status, s styles) string {
	var b strings.Builder

	b.WriteString(s.title.Render("pane-relay"))
	b.WriteString("  ")
	b.WriteString(s.dim.Render("producer "))
	b.WriteString(s.addr.Render(orDash(st.ProducerAddr)))
	b.WriteString(s.dim.Render("  listener "))
	b.WriteString(s.addr.Render(orDash(st.ListenerAddr)))
	b.WriteString("\n")

	if len(st.Listeners) == 0 {
		b.WriteString(s.dim.Render("  No listeners registered."))
		b.WriteString("\n")
		return b.String()
	}

	var hdr []string
	for _, c := range columns {
		hdr = append(hdr, padRight(c.title, c.width))
	}
	b.WriteString("  ")
	b.WriteString(s.header.Render(strings.Join(hdr, " ")))
	b.WriteString("\n")

	fresh := 0
	for i, l := range st.Listeners {
		state := s.stale.Render("stale")
		if l.Fresh {
			state = s.fresh.Render("fresh")
			fresh++
		}
		cells := []string{
			s.dim.Render(fmt.Sprintf("%d", i+1)),
			s.text.Render(truncate(l.ClientID, columns[1].width)),
			s.text.Render(truncate(orDash(l.EndpointLabel), columns[2].width)),
			s.dim.Render(truncate(orDash(l.ProcessHint), columns[3].width)),
			s.dim.Render(pidText(l.ProcessID)),
			s.text.Render(formatAge(l.HeartbeatAgeMs)),
			state,
		}
		b.WriteString(" ")
		for j, cell := range cells {
			b.WriteString(" ")
			b.WriteString(padRight(cell, columns[j].width))
		}
		b.WriteString("\n")
	}

	b.WriteString(s.dim.Render(fmt.Sprintf("  %d listener(s), %d fresh", len(st.Listeners), fresh)))
	b.WriteString("\n")
	return b.String()
}

// formatAge formats a heartbeat age for display (e.g. "1.2s", "3m").
func formatAge(ms int64) string {
	d := time.Duration(ms) * time.Millisecond
	switch {
	case d < time.Second:
		return fmt.Sprintf("%dms", ms)
	case d < 10*time.Second:
		return fmt.Sprintf("%.1fs", d.Seconds())
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	default:
		return fmt.Sprintf("%dh", int(d.Hours()))
	}
}

func pidText(pid int) string {
	if pid <= 0 {
		return "-"
	}
	return fmt.Sprintf("%d", pid)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// truncate cuts a string to at most maxLen characters.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}

// padRight pads a string with spaces to reach the desired visible width.
func padRight(s string, width int) string {
	visible := visibleLen(s)
	if visible >= width {
		return s
	}
	return s + strings.Repeat(" ", width-visible)
}

// visibleLen returns the visible length of a string, ignoring ANSI escape sequences.
func visibleLen(s string) int {
	n := 0
	inEscape := false
	for _, r := range s {
		if r == '\x1b' {
			inEscape = true
			continue
		}
		if inEscape {
			if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
				inEscape = false
			}
			continue
		}
		n++
	}
	return n
}
