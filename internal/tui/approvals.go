// Package tui implements the interactive approvals console for the daemon.
package tui

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// ApprovalRow mirrors the wire shape of a pending approval as the gateway
// reports it. The console renders these rather than daemon-side types so it
// stays a pure client.
type ApprovalRow struct {
	ApprovalID string     `json:"approval_id"`
	TaskID     string     `json:"task_id"`
	AgentID    string     `json:"agent_id"`
	Tool       string     `json:"tool"`
	Risk       string     `json:"risk"`
	Status     string     `json:"status"`
	ExpiresAt  *time.Time `json:"expires_at"`
	CreatedAt  time.Time  `json:"created_at"`
}

type rowsMsg []ApprovalRow

type decidedMsg struct {
	approvalID string
	approved   bool
	err        error
}

type noteMsg Notification

type consoleErrMsg struct{ err error }

type tickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func refreshCmd(client *Client) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		var res struct {
			Approvals []ApprovalRow `json:"approvals"`
		}
		if err := client.Call(ctx, "approval.list", nil, &res); err != nil {
			return consoleErrMsg{err: err}
		}
		return rowsMsg(res.Approvals)
	}
}

func decideCmd(client *Client, approvalID string, approve bool) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		method := "tool.reject"
		if approve {
			method = "tool.approve"
		}
		err := client.Call(ctx, method, map[string]any{
			"approval_id": approvalID,
			"decided_by":  "operator",
		}, nil)
		return decidedMsg{approvalID: approvalID, approved: approve, err: err}
	}
}

type approvalsModel struct {
	client *Client
	rows   []ApprovalRow
	cursor int
	status string
	now    time.Time
}

func newApprovalsModel(client *Client) approvalsModel {
	return approvalsModel{client: client, now: time.Now()}
}

func (m approvalsModel) Init() tea.Cmd {
	return tea.Batch(refreshCmd(m.client), tickCmd())
}

func (m approvalsModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "up", "k":
			if m.cursor > 0 {
				m.cursor--
			}
		case "down", "j":
			if m.cursor < len(m.rows)-1 {
				m.cursor++
			}
		case "r":
			return m, refreshCmd(m.client)
		case "a":
			if m.cursor < len(m.rows) {
				return m, decideCmd(m.client, m.rows[m.cursor].ApprovalID, true)
			}
		case "d":
			if m.cursor < len(m.rows) {
				return m, decideCmd(m.client, m.rows[m.cursor].ApprovalID, false)
			}
		}

	case rowsMsg:
		m.rows = msg
		if m.cursor >= len(m.rows) {
			m.cursor = len(m.rows) - 1
		}
		if m.cursor < 0 {
			m.cursor = 0
		}
		return m, nil

	case decidedMsg:
		if msg.err != nil {
			m.status = "decision failed: " + humanError(msg.err)
			return m, refreshCmd(m.client)
		}
		verb := "denied"
		if msg.approved {
			verb = "approved"
		}
		m.status = fmt.Sprintf("%s %s", verb, msg.approvalID)
		return m, refreshCmd(m.client)

	case noteMsg:
		switch msg.Method {
		case "approval.required":
			var p struct {
				Tool string `json:"tool"`
				Risk string `json:"risk"`
			}
			_ = json.Unmarshal(msg.Params, &p)
			m.status = fmt.Sprintf("new request: %s (%s)", p.Tool, p.Risk)
			return m, refreshCmd(m.client)
		case "approval.updated":
			return m, refreshCmd(m.client)
		}
		return m, nil

	case tickMsg:
		m.now = time.Time(msg)
		return m, tea.Batch(refreshCmd(m.client), tickCmd())

	case consoleErrMsg:
		m.status = humanError(msg.err)
		return m, nil
	}
	return m, nil
}

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	headerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	cursorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("86"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
)

func riskStyle(risk string) lipgloss.Style {
	switch risk {
	case "critical":
		return lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
	case "high":
		return lipgloss.NewStyle().Foreground(lipgloss.Color("208"))
	case "medium":
		return lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	default:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("120"))
	}
}

func (m approvalsModel) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("crewd approvals") + "\n\n")

	if len(m.rows) == 0 {
		b.WriteString(dimStyle.Render("No pending approvals.") + "\n")
	} else {
		b.WriteString(headerStyle.Render(fmt.Sprintf("  %-14s %-14s %-18s %-8s %-8s %s",
			"APPROVAL", "TASK", "TOOL", "RISK", "AGE", "EXPIRES")) + "\n")
		for i, row := range m.rows {
			mark := "  "
			if i == m.cursor {
				mark = cursorStyle.Render("▸ ")
			}
			age := m.now.Sub(row.CreatedAt).Truncate(time.Second)
			if age < 0 {
				age = 0
			}
			expires := "-"
			if row.ExpiresAt != nil {
				left := row.ExpiresAt.Sub(m.now).Truncate(time.Second)
				if left < 0 {
					expires = "expired"
				} else {
					expires = "in " + left.String()
				}
			}
			line := fmt.Sprintf("%-14s %-14s %-18s %s %-8s %s",
				trim(row.ApprovalID, 14),
				trim(row.TaskID, 14),
				trim(row.Tool, 18),
				riskStyle(row.Risk).Render(fmt.Sprintf("%-8s", row.Risk)),
				age,
				expires,
			)
			b.WriteString(mark + line + "\n")
		}
	}

	b.WriteString("\n" + dimStyle.Render("a approve · d deny · r refresh · q quit") + "\n")
	if m.status != "" {
		b.WriteString(statusStyle.Render(m.status) + "\n")
	}
	return b.String()
}

func trim(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= 1 {
		return s[:max]
	}
	return s[:max-1] + "…"
}

// RunApprovals drives the console until the operator quits or ctx ends.
// Live broadcasts from the daemon are fed into the program so new requests
// appear without waiting for the poll cycle.
func RunApprovals(ctx context.Context, client *Client) error {
	defer bestEffortResetTTY()

	m := newApprovalsModel(client)
	p := tea.NewProgram(m)

	go func() {
		for note := range client.Notifications() {
			p.Send(noteMsg(note))
		}
	}()

	done := make(chan error, 1)
	go func() {
		_, err := p.Run()
		done <- err
	}()

	select {
	case <-ctx.Done():
		p.Quit()
		return ctx.Err()
	case err := <-done:
		return err
	}
}

// PrintApprovals writes the pending list once, for piped or scripted use.
func PrintApprovals(ctx context.Context, client *Client, w func(format string, a ...any)) error {
	var res struct {
		Approvals []ApprovalRow `json:"approvals"`
	}
	if err := client.Call(ctx, "approval.list", nil, &res); err != nil {
		return err
	}
	if len(res.Approvals) == 0 {
		w("no pending approvals\n")
		return nil
	}
	w("%-14s %-14s %-18s %-8s %s\n", "APPROVAL", "TASK", "TOOL", "RISK", "CREATED")
	for _, row := range res.Approvals {
		w("%-14s %-14s %-18s %-8s %s\n",
			row.ApprovalID, row.TaskID, row.Tool, row.Risk,
			row.CreatedAt.Format(time.RFC3339))
	}
	return nil
}
