package cli

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
)

// Theme defines the color scheme for terminal output.
type Theme struct {
	Primary lipgloss.Color
	Warn    lipgloss.Color
	Error   lipgloss.Color
	Dim     lipgloss.Color
}

// DefaultTheme is the default bright green theme.
var DefaultTheme = Theme{
	Primary: lipgloss.Color("#00ff9f"),
	Warn:    lipgloss.Color("#ffb86c"),
	Error:   lipgloss.Color("#ff5555"),
	Dim:     lipgloss.Color("#6e7681"),
}

// Styles holds all styles derived from a theme.
type Styles struct {
	Header lipgloss.Style
	OK     lipgloss.Style
	Warn   lipgloss.Style
	Error  lipgloss.Style
	Dim    lipgloss.Style
}

// DefaultStyles is NewStyles(DefaultTheme).
var DefaultStyles = NewStyles(DefaultTheme)

// NewStyles creates styles from a theme.
func NewStyles(t Theme) Styles {
	return Styles{
		Header: lipgloss.NewStyle().Bold(true).Foreground(t.Primary),
		OK:     lipgloss.NewStyle().Foreground(t.Primary),
		Warn:   lipgloss.NewStyle().Foreground(t.Warn),
		Error:  lipgloss.NewStyle().Bold(true).Foreground(t.Error),
		Dim:    lipgloss.NewStyle().Foreground(t.Dim),
	}
}

// YesNo renders a boolean cell.
func (s Styles) YesNo(v bool) string {
	if v {
		return s.OK.Render("yes")
	}
	return s.Dim.Render("no")
}

// Successf prints a success line with a checkmark.
func (s Styles) Successf(w io.Writer, format string, args ...any) {
	fmt.Fprintln(w, s.OK.Render("✓")+" "+fmt.Sprintf(format, args...))
}

// Warnf prints a warning line.
func (s Styles) Warnf(w io.Writer, format string, args ...any) {
	fmt.Fprintln(w, s.Warn.Render("⚠")+" "+fmt.Sprintf(format, args...))
}

// Errorf prints a failure line.
func (s Styles) Errorf(w io.Writer, format string, args ...any) {
	fmt.Fprintln(w, s.Error.Render("✗")+" "+fmt.Sprintf(format, args...))
}
