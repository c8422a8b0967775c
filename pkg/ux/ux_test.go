// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMode(t *testing.T) {
	tests := []struct {
		in   string
		want Mode
	}{
		{"plain", ModePlain},
		{"MACHINE", ModePlain},
		{" q ", ModePlain},
		{"rich", ModeRich},
		{"", ModeRich},
		{"fancy", ModeRich},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseMode(tt.in), tt.in)
	}
}

func TestPrinter_PlainMode(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, ModePlain)
	p.Title("Heading")
	p.Success("done")
	p.Warning("careful")
	p.Box("Refused", "not crypto", Styles.WarningBox)
	p.KeyValues([][2]string{{"entries", "3"}, {"hit_rate", "0.50"}})

	assert.Equal(t, "done\ncareful\nRefused\nnot crypto\nentries:  3\nhit_rate: 0.50\n", buf.String())
}

func TestPrinter_RichModeDecorates(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, "")
	assert.True(t, p.Rich())
	p.Success("done")
	assert.Contains(t, buf.String(), string(IconSuccess))
	assert.Contains(t, buf.String(), "done")
}

func TestProgressBar(t *testing.T) {
	assert.Equal(t, "[█████░░░░░]", ProgressBar(5, 10, 10))
	assert.Equal(t, "[██████████]", ProgressBar(15, 10, 10))
	assert.Equal(t, "[░░░░]", ProgressBar(-1, 10, 4))
	assert.Equal(t, "", ProgressBar(1, 0, 10))
}

func TestLineReader(t *testing.T) {
	r := NewLineReader(strings.NewReader("  what is btc?\n\nlast"))
	line, err := r.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "what is btc?", line)

	line, err = r.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "", line)

	line, err = r.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "last", line)

	_, err = r.ReadLine()
	assert.ErrorIs(t, err, io.EOF)
}

func key(t tea.KeyType) tea.KeyMsg { return tea.KeyMsg{Type: t} }

func update(t *testing.T, m inputModel, msg tea.Msg) inputModel {
	t.Helper()
	next, _ := m.Update(msg)
	out, ok := next.(inputModel)
	require.True(t, ok)
	return out
}

func TestInputModel_HistoryNavigation(t *testing.T) {
	ti := textinput.New()
	ti.Focus()
	m := newInputModel(ti, []string{"first", "second"})
	m.input.SetValue("draft")

	m = update(t, m, key(tea.KeyUp))
	assert.Equal(t, "second", m.input.Value())
	m = update(t, m, key(tea.KeyUp))
	assert.Equal(t, "first", m.input.Value())
	m = update(t, m, key(tea.KeyUp))
	assert.Equal(t, "first", m.input.Value())

	m = update(t, m, key(tea.KeyDown))
	assert.Equal(t, "second", m.input.Value())
	m = update(t, m, key(tea.KeyDown))
	assert.Equal(t, "draft", m.input.Value())
	assert.Equal(t, -1, m.pos)
}

func TestInputModel_ControlKeys(t *testing.T) {
	ti := textinput.New()
	ti.Focus()

	m := newInputModel(ti, nil)
	m.input.SetValue("half typed")
	m = update(t, m, key(tea.KeyCtrlD))
	assert.False(t, m.done, "ctrl+d with text is ignored")

	m = update(t, m, key(tea.KeyCtrlC))
	assert.True(t, m.done)
	assert.Equal(t, "", m.input.Value())
	assert.False(t, m.eof)

	m = newInputModel(ti, nil)
	m = update(t, m, key(tea.KeyCtrlD))
	assert.True(t, m.eof)
	assert.Equal(t, "", m.View())
}

func TestInteractiveReader_Remember(t *testing.T) {
	r := &InteractiveReader{maxHistory: 2}
	r.remember("a")
	r.remember("a")
	r.remember("")
	r.remember("b")
	r.remember("c")
	assert.Equal(t, []string{"b", "c"}, r.history)
}
