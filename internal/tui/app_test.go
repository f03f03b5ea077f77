package tui

import (
	"errors"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitaminmoo/turnstile-tool/internal/model"
)

func update(t *testing.T, m Model, msg tea.Msg) (Model, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	out, ok := next.(Model)
	require.True(t, ok)
	return out, cmd
}

func TestModel_CountsRecords(t *testing.T) {
	m := NewModel("sync", nil)
	m, _ = update(t, m, stageMsg("updating cards"))

	outcomes := []model.RecordOutcome{
		{Card: model.CardRecord{ID: "1", Code: "100"}, Status: model.RecordOK},
		{Card: model.CardRecord{ID: "2", Code: "200"}, Status: model.RecordFailed, Reason: "device rejected"},
		{Card: model.CardRecord{ID: "3", Code: "300"}, Status: model.RecordSkipped, Reason: model.ReasonInactive},
		{Card: model.CardRecord{ID: "4", Code: "400"}, Status: model.RecordOK},
	}
	for i, o := range outcomes {
		m, _ = update(t, m, recordMsg{index: i, total: len(outcomes), outcome: o})
	}

	assert.Equal(t, 2, m.ok)
	assert.Equal(t, 1, m.failed)
	assert.Equal(t, 1, m.skipped)
	assert.Equal(t, []string{"2 (200): device rejected"}, m.failures)
	assert.InDelta(t, 1.0, m.bar.Percent(), 0.001)

	view := m.View()
	assert.Contains(t, view, "updating cards")
	assert.Contains(t, view, "card 4 of 4")
	assert.Contains(t, view, "2 ok")
}

func TestModel_InterruptCancelsOnce(t *testing.T) {
	calls := 0
	m := NewModel("sync", func() { calls++ })

	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyCtrlC})
	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyCtrlC})
	assert.Equal(t, 1, calls)
	assert.True(t, m.interrupted)
	assert.Contains(t, m.View(), "stopping after current card")
}

func TestModel_DoneQuits(t *testing.T) {
	m := NewModel("sync", nil)
	m, _ = update(t, m, recordMsg{index: 0, total: 2, outcome: model.RecordOutcome{Status: model.RecordOK}})

	boom := errors.New("boom")
	m, cmd := update(t, m, doneMsg{err: boom})
	require.NotNil(t, cmd)
	assert.Equal(t, tea.QuitMsg{}, cmd())
	assert.True(t, m.done)
	assert.ErrorIs(t, m.err, boom)
	assert.False(t, m.bar.IsActive())
}
