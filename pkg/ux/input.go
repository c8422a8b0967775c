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
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
)

// InputReader reads one line of user input at a time. io.EOF ends input.
type InputReader interface {
	ReadLine() (string, error)
}

// LineReader reads newline-terminated input from any reader.
type LineReader struct {
	r *bufio.Reader
}

// NewLineReader wraps r.
func NewLineReader(r io.Reader) *LineReader {
	return &LineReader{r: bufio.NewReader(r)}
}

// ReadLine returns the next trimmed line. A final line without a newline is
// returned before io.EOF.
func (l *LineReader) ReadLine() (string, error) {
	line, err := l.r.ReadString('\n')
	if err != nil {
		if err == io.EOF && line != "" {
			return strings.TrimSpace(line), nil
		}
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// InteractiveReader reads lines through a bubbletea text input with
// up/down history navigation.
//
// # Description
//
// Ctrl+C clears the current line and returns an empty string. Ctrl+D on an
// empty line returns io.EOF. Submitted non-empty lines join the history,
// skipping immediate repeats.
//
// # Thread Safety
//
// Not thread-safe. One reader per terminal.
type InteractiveReader struct {
	history    []string
	maxHistory int
	prompt     string
	out        io.Writer
}

// NewInputReader returns an InteractiveReader when stdin is a terminal and a
// LineReader over stdin otherwise.
func NewInputReader(prompt string, maxHistory int) InputReader {
	if !IsTerminal(os.Stdin) {
		return NewLineReader(os.Stdin)
	}
	return &InteractiveReader{
		history:    make([]string, 0, maxHistory),
		maxHistory: maxHistory,
		prompt:     prompt,
		out:        os.Stderr,
	}
}

// ReadLine runs one bubbletea program to collect a line.
func (r *InteractiveReader) ReadLine() (string, error) {
	ti := textinput.New()
	ti.Prompt = r.prompt
	ti.CharLimit = 4096
	ti.Width = 80
	ti.Focus()

	final, err := tea.NewProgram(newInputModel(ti, r.history), tea.WithOutput(r.out)).Run()
	if err != nil {
		return "", err
	}
	m, ok := final.(inputModel)
	if !ok {
		return "", fmt.Errorf("unexpected model type from bubbletea: %T", final)
	}
	if m.eof {
		return "", io.EOF
	}
	line := strings.TrimSpace(m.input.Value())
	r.remember(line)
	return line, nil
}

func (r *InteractiveReader) remember(line string) {
	if line == "" {
		return
	}
	if n := len(r.history); n > 0 && r.history[n-1] == line {
		return
	}
	r.history = append(r.history, line)
	if r.maxHistory > 0 && len(r.history) > r.maxHistory {
		r.history = r.history[1:]
	}
}

// inputModel is the bubbletea model behind InteractiveReader.
type inputModel struct {
	input   textinput.Model
	history []string
	// pos is the history index being shown; -1 means the live draft.
	pos   int
	draft string
	done  bool
	eof   bool
}

func newInputModel(ti textinput.Model, history []string) inputModel {
	return inputModel{input: ti, history: history, pos: -1}
}

func (m inputModel) Init() tea.Cmd {
	return textinput.Blink
}

func (m inputModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	key, ok := msg.(tea.KeyMsg)
	if !ok {
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd
	}
	switch key.Type {
	case tea.KeyEnter:
		m.done = true
		return m, tea.Quit
	case tea.KeyCtrlC:
		m.input.SetValue("")
		m.done = true
		return m, tea.Quit
	case tea.KeyCtrlD:
		if m.input.Value() == "" {
			m.eof = true
			m.done = true
			return m, tea.Quit
		}
		return m, nil
	case tea.KeyUp:
		if len(m.history) == 0 {
			return m, nil
		}
		if m.pos == -1 {
			m.draft = m.input.Value()
			m.pos = len(m.history) - 1
		} else if m.pos > 0 {
			m.pos--
		}
		m.input.SetValue(m.history[m.pos])
		m.input.CursorEnd()
		return m, nil
	case tea.KeyDown:
		if m.pos == -1 {
			return m, nil
		}
		if m.pos < len(m.history)-1 {
			m.pos++
			m.input.SetValue(m.history[m.pos])
		} else {
			m.pos = -1
			m.input.SetValue(m.draft)
		}
		m.input.CursorEnd()
		return m, nil
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m inputModel) View() string {
	if m.done {
		return ""
	}
	return m.input.View()
}
