package cmd

import (
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
)

var (
	summaryTitleStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(lipgloss.Color("#00cc6a"))

	summaryLabelStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#8a8a8a")).
				Width(18)

	summaryBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#00995a")).
			Padding(0, 2)
)

// summaryRow is one label/value line in the run summary.
type summaryRow struct {
	label string
	value string
}

// printSummary renders the end-of-run summary box to stderr, next to
// the log output.
func printSummary(title string, rows []summaryRow) {
	body := summaryTitleStyle.Render(title)
	for _, row := range rows {
		body += "\n" + summaryLabelStyle.Render(row.label) + row.value
	}
	fmt.Fprintln(os.Stderr, summaryBoxStyle.Render(body))
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func countOf(n int) string {
	return fmt.Sprintf("%d", n)
}
