package cli

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

var (
	colorOK     = lipgloss.Color("#2CD7C7")
	colorWarn   = lipgloss.Color("#F4D03F")
	colorError  = lipgloss.Color("#E74C3C")
	colorBorder = lipgloss.Color("#16858E")
	colorMuted  = lipgloss.Color("#2C4A54")
)

var styles = struct {
	Title  lipgloss.Style
	Header lipgloss.Style
	Cell   lipgloss.Style
	Muted  lipgloss.Style
	OK     lipgloss.Style
	Warn   lipgloss.Style
	Error  lipgloss.Style
}{
	Title:  lipgloss.NewStyle().Bold(true).Foreground(colorOK),
	Header: lipgloss.NewStyle().Bold(true).Padding(0, 1),
	Cell:   lipgloss.NewStyle().Padding(0, 1),
	Muted:  lipgloss.NewStyle().Foreground(colorMuted),
	OK:     lipgloss.NewStyle().Foreground(colorOK),
	Warn:   lipgloss.NewStyle().Foreground(colorWarn),
	Error:  lipgloss.NewStyle().Foreground(colorError),
}

// renderTable draws rows under headers with a rounded border.
func renderTable(headers []string, rows [][]string) string {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(colorBorder)).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return styles.Header
			}
			return styles.Cell
		}).
		String()
}

// stateStyle colours a rendered synchronizer state.
func stateStyle(state string) lipgloss.Style {
	switch {
	case state == "LOCKED":
		return styles.OK
	case state == "UNSYNCHRONIZED":
		return styles.Error
	case state == "":
		return styles.Muted
	default:
		return styles.Warn
	}
}
