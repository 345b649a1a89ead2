package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/kiarashjv/SaaS-LeadSystem/health"
	"github.com/kiarashjv/SaaS-LeadSystem/messaging"
)

var (
	secondaryColor = lipgloss.Color("#10B981")
	warningColor   = lipgloss.Color("#F59E0B")
	errorColor     = lipgloss.Color("#EF4444")
	mutedColor     = lipgloss.Color("#6B7280")

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FFFFFF")).
			Background(lipgloss.Color("#7C3AED")).
			Padding(0, 1)

	cellStyle = lipgloss.NewStyle().Padding(0, 1)

	statusHealthyStyle = lipgloss.NewStyle().Foreground(secondaryColor).Bold(true)
	statusWarningStyle = lipgloss.NewStyle().Foreground(warningColor).Bold(true)
	statusErrorStyle   = lipgloss.NewStyle().Foreground(errorColor).Bold(true)
	mutedStyle         = lipgloss.NewStyle().Foreground(mutedColor)

	cardStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(mutedColor).
			Padding(0, 1)
)

const queueColumnWidth = 42

// renderQueues renders queue stats as a table. Dead letter queues holding
// messages are highlighted.
func renderQueues(stats []messaging.QueueStats) string {
	if len(stats) == 0 {
		return mutedStyle.Render("No queues found")
	}

	row := func(style lipgloss.Style, name, messages, consumers string) string {
		return lipgloss.JoinHorizontal(lipgloss.Top,
			style.Width(queueColumnWidth).Render(name),
			style.Width(12).Align(lipgloss.Right).Render(messages),
			style.Width(12).Align(lipgloss.Right).Render(consumers),
		)
	}

	rows := []string{row(headerStyle, "Queue", "Messages", "Consumers")}
	for _, st := range stats {
		style := cellStyle
		if messaging.IsDeadLetterQueue(st.Name) && st.Messages > 0 {
			style = style.Foreground(errorColor)
		}
		rows = append(rows, row(style, truncate(st.Name, queueColumnWidth-2),
			fmt.Sprint(st.Messages), fmt.Sprint(st.Consumers)))
	}
	return lipgloss.JoinVertical(lipgloss.Left, rows...)
}

func statusStyle(status health.Status) lipgloss.Style {
	switch status {
	case health.StatusHealthy:
		return statusHealthyStyle
	case health.StatusDegraded:
		return statusWarningStyle
	case health.StatusUnhealthy:
		return statusErrorStyle
	default:
		return lipgloss.NewStyle()
	}
}

// renderHealth renders a health report as one card per check
func renderHealth(report health.Report) string {
	title := "Overall Status"
	if report.Role != "" {
		title = fmt.Sprintf("%s Status", strings.ToUpper(report.Role[:1])+report.Role[1:])
	}
	parts := []string{
		cardStyle.Render(fmt.Sprintf("%s: %s", title,
			statusStyle(report.Status).Render(strings.ToUpper(string(report.Status))))),
	}

	names := make([]string, 0, len(report.Checks))
	for name := range report.Checks {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		check := report.Checks[name]
		content := fmt.Sprintf("%s: %s", name, statusStyle(check.Status).Render(strings.ToUpper(string(check.Status))))
		if check.Message != "" {
			content += "\n" + check.Message
		}
		if check.Error != "" {
			content += "\n" + statusErrorStyle.Render(check.Error)
		}
		parts = append(parts, cardStyle.Render(content))
	}
	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

// fetchHealth reads a health report. Unhealthy services answer 503 with the
// same body, so the status code is not checked.
func fetchHealth(ctx context.Context, url string) (health.Report, error) {
	var report health.Report

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return report, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return report, fmt.Errorf("failed to reach %s: %w", url, err)
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return report, fmt.Errorf("failed to decode health report (status %d): %w", resp.StatusCode, err)
	}
	return report, nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
