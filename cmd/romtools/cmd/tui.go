package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	romtools "github.com/dogeorg/romtools/pkg"
)

const barWidth = 40

// Operator is the part of the manager the progress view drives.
type Operator interface {
	Subscribe() (<-chan romtools.Change, func())
	ProcessRomOperation(ctx context.Context, req romtools.RomOperationRequest) romtools.OperationResponse
}

type changeMsg romtools.Change

type doneMsg struct {
	resp romtools.OperationResponse
}

type changesClosedMsg struct{}

type progressModel struct {
	ctx     context.Context
	cancel  context.CancelFunc
	op      Operator
	req     romtools.RomOperationRequest
	changes <-chan romtools.Change

	title         string
	progress      float64
	indeterminate bool
	step          string
	status        string
	failed        bool
	lines         []string

	canceling bool
	done      bool
	resp      romtools.OperationResponse

	spinner  spinner.Model
	viewport viewport.Model
	width    int
}

func newProgressModel(ctx context.Context, op Operator, req romtools.RomOperationRequest, changes <-chan romtools.Change) progressModel {
	ctx, cancel := context.WithCancel(ctx)
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = progressStyle
	return progressModel{
		ctx:           ctx,
		cancel:        cancel,
		op:            op,
		req:           req,
		changes:       changes,
		title:         romtools.DisplayName(req.Operation),
		indeterminate: true,
		status:        "Starting",
		spinner:       s,
		viewport:      viewport.New(barWidth+20, 8),
	}
}

func waitForChange(changes <-chan romtools.Change) tea.Cmd {
	return func() tea.Msg {
		c, ok := <-changes
		if !ok {
			return changesClosedMsg{}
		}
		return changeMsg(c)
	}
}

func (m progressModel) start() tea.Cmd {
	return func() tea.Msg {
		return doneMsg{resp: m.op.ProcessRomOperation(m.ctx, m.req)}
	}
}

func (m progressModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, waitForChange(m.changes), m.start())
}

func (m progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			if m.done {
				return m, tea.Quit
			}
			// the operation stops at its next step boundary
			m.canceling = true
			m.cancel()
			return m, nil
		}
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.viewport.Width = max(20, msg.Width-4)
		m.viewport.Height = max(3, msg.Height-10)
		return m, nil

	case changeMsg:
		if msg.Type == "progress" {
			if p, ok := msg.Update.(romtools.OperationProgress); ok {
				m = m.applyProgress(p)
			}
		}
		return m, waitForChange(m.changes)

	case changesClosedMsg:
		return m, nil

	case doneMsg:
		m.done = true
		m.resp = msg.resp
		m.cancel()
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m progressModel) applyProgress(p romtools.OperationProgress) progressModel {
	m.indeterminate = p.Indeterminate
	if !p.Indeterminate {
		m.progress = p.Progress
	}
	m.step = p.Step
	m.status = p.Status
	m.failed = p.Error

	marker := successStyle.Render("✔")
	if p.Error {
		marker = errorStyle.Render("✘")
	}
	line := fmt.Sprintf("%s %s %s", marker, subtitleStyle.Render("["+p.Step+"]"), p.Status)
	if p.Step == "" {
		line = fmt.Sprintf("%s %s", marker, p.Status)
	}
	m.lines = append(m.lines, line)
	m.viewport.SetContent(strings.Join(m.lines, "\n"))
	m.viewport.GotoBottom()
	return m
}

func renderBar(progress float64, width int) string {
	progress = min(max(progress, 0), 100)
	filled := int(progress / 100 * float64(width))
	return progressStyle.Render(strings.Repeat("█", filled)) +
		barEmptyStyle.Render(strings.Repeat("░", width-filled))
}

func (m progressModel) View() string {
	title := titleStyle.Render(m.title)

	var bar string
	if m.indeterminate {
		bar = m.spinner.View() + " " + subtitleStyle.Render("working...")
	} else {
		bar = renderBar(m.progress, barWidth) + normalStyle.Render(fmt.Sprintf(" %3.0f%%", m.progress))
	}

	status := normalStyle.Render(m.status)
	if m.failed {
		status = errorStyle.Render(m.status)
	}

	help := "q: cancel"
	if m.canceling {
		help = "Cancelling, waiting for the current step to finish..."
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		title,
		bar,
		status,
		"",
		m.viewport.View(),
		helpStyle.Render(help),
	)
	return " " + strings.ReplaceAll(content, "\n", "\n ")
}

// runTUI runs req behind the progress view and returns its response.
func runTUI(ctx context.Context, op Operator, req romtools.RomOperationRequest) (romtools.OperationResponse, error) {
	changes, unsubscribe := op.Subscribe()
	defer unsubscribe()

	p := tea.NewProgram(newProgressModel(ctx, op, req, changes))
	final, err := p.Run()
	if err != nil {
		return romtools.OperationResponse{}, fmt.Errorf("failed to run progress view: %w", err)
	}
	m := final.(progressModel)
	if !m.done {
		return romtools.OperationResponse{}, fmt.Errorf("progress view exited before the operation finished")
	}
	return m.resp, nil
}
