// Package tui renders a live view of a card update while it runs.
package tui

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/vitaminmoo/turnstile-tool/internal/device"
	"github.com/vitaminmoo/turnstile-tool/internal/model"
)

const maxFailuresShown = 5

// Work is the job observed by the view. It must report through the given
// callbacks and return when ctx is cancelled.
type Work func(ctx context.Context, onStage func(string), onRecord device.RecordFunc) error

// Model is the bubbletea model of the sync view.
type Model struct {
	title  string
	styles Styles
	keys   KeyMap
	help   help.Model
	bar    ProgressState
	cancel context.CancelFunc

	stage       string
	ok          int
	failed      int
	skipped     int
	failures    []string
	interrupted bool
	done        bool
	err         error
}

// NewModel creates the view. cancel is called when the user interrupts.
func NewModel(title string, cancel context.CancelFunc) Model {
	return Model{
		title:  title,
		styles: DefaultStyles(),
		keys:   DefaultKeyMap(),
		help:   help.New(),
		bar:    NewProgressState(),
		cancel: cancel,
	}
}

func (m Model) Init() tea.Cmd {
	return nil
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.help.Width = msg.Width

	case tea.KeyMsg:
		if key.Matches(msg, m.keys.Interrupt) && !m.interrupted && !m.done {
			m.interrupted = true
			if m.cancel != nil {
				m.cancel()
			}
		}

	case stageMsg:
		m.stage = string(msg)

	case recordMsg:
		switch msg.outcome.Status {
		case model.RecordOK:
			m.ok++
		case model.RecordFailed:
			m.failed++
			m.failures = append(m.failures, fmt.Sprintf("%s (%s): %s",
				msg.outcome.Card.ID, msg.outcome.Card.Code, msg.outcome.Reason))
		case model.RecordSkipped:
			m.skipped++
		}
		if msg.total > 0 {
			m.bar.Update(float64(msg.index+1)/float64(msg.total),
				fmt.Sprintf("card %d of %d", msg.index+1, msg.total))
		}

	case doneMsg:
		m.done = true
		m.err = msg.err
		if m.bar.IsActive() {
			m.bar.Complete()
		}
		return m, tea.Quit
	}
	return m, nil
}

func (m Model) View() string {
	s := m.styles
	var b strings.Builder

	b.WriteString(s.Title.Render(m.title))
	b.WriteString("\n\n")

	stage := m.stage
	if stage == "" {
		stage = "starting"
	}
	if m.interrupted && !m.done {
		stage += s.Warning.Render("  (stopping after current card)")
	}
	b.WriteString(s.Field("Stage", stage) + "\n")

	if bar := m.bar.View(); bar != "" {
		b.WriteString("\n" + bar + "\n")
	}

	counts := s.Success.Render(fmt.Sprintf("%d ok", m.ok)) + "  " +
		s.Error.Render(fmt.Sprintf("%d failed", m.failed)) + "  " +
		s.Muted.Render(fmt.Sprintf("%d skipped", m.skipped))
	b.WriteString("\n" + s.Field("Cards", counts) + "\n")

	shown := m.failures
	if len(shown) > maxFailuresShown {
		shown = shown[len(shown)-maxFailuresShown:]
	}
	for _, f := range shown {
		b.WriteString(s.Error.Render("  ✗ "+f) + "\n")
	}

	if !m.done {
		b.WriteString(s.Help.Render(m.help.View(m.keys)))
	}
	return s.App.Render(b.String()) + "\n"
}

// Run shows the view on out while work runs on its own goroutine, and
// returns work's error once both have finished.
func Run(ctx context.Context, out io.Writer, title string, work Work) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := tea.NewProgram(NewModel(title, cancel), tea.WithOutput(out))

	workDone := make(chan error, 1)
	go func() {
		err := work(ctx,
			func(stage string) { p.Send(stageMsg(stage)) },
			func(index, total int, o model.RecordOutcome) {
				p.Send(recordMsg{index: index, total: total, outcome: o})
			},
		)
		workDone <- err
		p.Send(doneMsg{err: err})
	}()

	if _, err := p.Run(); err != nil {
		cancel()
		<-workDone
		return fmt.Errorf("sync view: %w", err)
	}
	return <-workDone
}
