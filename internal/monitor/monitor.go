// Package monitor renders the event stream as per-table console lines.
package monitor

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"github.com/lox/tablerunner/internal/events"
)

var (
	activeStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	learningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	pausedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	stuckStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	roundStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
	errorStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	labelStyle    = lipgloss.NewStyle().Bold(true)
)

func statusStyle(status string) lipgloss.Style {
	switch status {
	case "active":
		return activeStyle
	case "learning":
		return learningStyle
	case "stuck":
		return stuckStyle
	default:
		return pausedStyle
	}
}

// Console writes round completions, errors and status transitions to a
// writer. Per-tick status events only print when something changed, so
// the output stays readable at a 100ms tick.
type Console struct {
	w   io.Writer
	bus *events.Bus

	mu   sync.Mutex
	last map[int]string
}

// NewConsole creates a console monitor over the bus.
func NewConsole(w io.Writer, bus *events.Bus) *Console {
	return &Console{w: w, bus: bus, last: make(map[int]string)}
}

// Run consumes the bus until ctx is cancelled.
func (m *Console) Run(ctx context.Context) {
	envelopes, unsubscribe := m.bus.Subscribe(256)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-envelopes:
			if !ok {
				return
			}
			m.render(env)
		}
	}
}

func (m *Console) render(env events.Envelope) {
	switch env.Type {
	case events.TypeStatus:
		m.renderStatus(env.Status)
	case events.TypeRound:
		m.renderRound(env.Round)
	case events.TypeError:
		m.renderError(env.Error)
	}
}

func (m *Console) renderStatus(ev *events.StatusEvent) {
	if ev == nil {
		return
	}

	line := fmt.Sprintf("status=%s history=%s decision=%s", ev.Status, orDash(ev.RoundHistory), orDash(ev.Decision))
	m.mu.Lock()
	changed := m.last[ev.TableID] != line
	m.last[ev.TableID] = line
	m.mu.Unlock()
	if !changed {
		return
	}

	fmt.Fprintf(m.w, "%s %s %s %s\n",
		labelStyle.Render(fmt.Sprintf("[table %d]", ev.TableID)),
		statusStyle(ev.Status).Render(ev.Status),
		fmt.Sprintf("history=%s", orDash(ev.RoundHistory)),
		fmt.Sprintf("decision=%s", orDash(ev.Decision)),
	)
}

func (m *Console) renderRound(ev *events.RoundEvent) {
	if ev == nil {
		return
	}
	fmt.Fprintf(m.w, "%s %s\n",
		labelStyle.Render(fmt.Sprintf("[table %d]", ev.TableID)),
		roundStyle.Render(fmt.Sprintf("round %d winner=%s decision=%s result=%s",
			ev.RoundNumber, ev.Winner, orDash(ev.Decision), ev.Result)),
	)
}

func (m *Console) renderError(ev *events.ErrorEvent) {
	if ev == nil {
		return
	}
	fmt.Fprintf(m.w, "%s %s\n",
		labelStyle.Render(fmt.Sprintf("[table %d]", ev.TableID)),
		errorStyle.Render(fmt.Sprintf("%s: %s", ev.Category, ev.Message)),
	)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
