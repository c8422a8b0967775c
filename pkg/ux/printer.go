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
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

// Mode selects how much decoration a Printer applies.
type Mode string

const (
	// ModeRich uses colors, icons and boxes.
	ModeRich Mode = "rich"
	// ModePlain writes undecorated text for pipes and scripts.
	ModePlain Mode = "plain"
)

// ParseMode maps a flag value to a Mode. Unknown values yield ModeRich.
func ParseMode(s string) Mode {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "plain", "machine", "quiet", "q":
		return ModePlain
	default:
		return ModeRich
	}
}

// IsTerminal reports whether f is attached to a terminal.
func IsTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// DetectMode returns ModeRich for terminals and ModePlain otherwise.
func DetectMode(f *os.File) Mode {
	if IsTerminal(f) {
		return ModeRich
	}
	return ModePlain
}

// Printer writes styled output to a single writer.
//
// # Thread Safety
//
// Not safe for concurrent use; callers serialise output.
type Printer struct {
	w    io.Writer
	mode Mode
}

// NewPrinter creates a Printer.
func NewPrinter(w io.Writer, mode Mode) *Printer {
	if mode == "" {
		mode = ModeRich
	}
	return &Printer{w: w, mode: mode}
}

// Mode returns the printer's mode.
func (p *Printer) Mode() Mode { return p.mode }

// Writer returns the underlying writer.
func (p *Printer) Writer() io.Writer { return p.w }

// Rich reports whether decoration is enabled.
func (p *Printer) Rich() bool { return p.mode == ModeRich }

func (p *Printer) render(s lipgloss.Style, text string) string {
	if !p.Rich() {
		return text
	}
	return s.Render(text)
}

// Printf writes formatted text without decoration.
func (p *Printer) Printf(format string, args ...any) {
	fmt.Fprintf(p.w, format, args...)
}

// Title writes a heading. Plain mode omits it.
func (p *Printer) Title(text string) {
	if !p.Rich() {
		return
	}
	fmt.Fprintln(p.w, Styles.Title.Render(text))
}

// Status writes one line prefixed with icon.
func (p *Printer) Status(icon Icon, text string) {
	if !p.Rich() {
		fmt.Fprintln(p.w, text)
		return
	}
	fmt.Fprintf(p.w, "%s %s\n", icon.style().Render(string(icon)), text)
}

func (p *Printer) Success(text string) { p.Status(IconSuccess, text) }
func (p *Printer) Warning(text string) { p.Status(IconWarning, text) }
func (p *Printer) Error(text string) { p.Status(IconError, text) }

// Muted writes de-emphasised text.
func (p *Printer) Muted(text string) {
	fmt.Fprintln(p.w, p.render(Styles.Muted, text))
}

// Box writes content inside a bordered box. Plain mode writes the title as a
// line followed by the content.
func (p *Printer) Box(title, content string, style lipgloss.Style) {
	if !p.Rich() {
		if title != "" {
			fmt.Fprintln(p.w, title)
		}
		fmt.Fprintln(p.w, content)
		return
	}
	body := content
	if title != "" {
		body = Styles.Bold.Render(title) + "\n" + content
	}
	fmt.Fprintln(p.w, style.Render(body))
}

// KeyValues writes aligned "key: value" lines in the given order.
func (p *Printer) KeyValues(pairs [][2]string) {
	width := 0
	for _, kv := range pairs {
		if len(kv[0]) > width {
			width = len(kv[0])
		}
	}
	for _, kv := range pairs {
		key := fmt.Sprintf("%-*s", width+1, kv[0]+":")
		fmt.Fprintf(p.w, "%s %s\n", p.render(Styles.Subtitle, key), kv[1])
	}
}

// ProgressBar renders a fixed-width bar for current/total.
func ProgressBar(current, total, width int) string {
	if total <= 0 || width <= 0 {
		return ""
	}
	if current < 0 {
		current = 0
	}
	if current > total {
		current = total
	}
	filled := current * width / total
	return "[" + strings.Repeat("█", filled) + strings.Repeat("░", width-filled) + "]"
}
