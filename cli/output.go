package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/grovetools/daas/internal/session"
	"github.com/grovetools/daas/internal/tools"
	"github.com/mattn/go-isatty"
	"github.com/muesli/termenv"
)

// Styles are the lipgloss styles used for human-readable output. They are
// plain when the writer is not a terminal or NO_COLOR is set.
type Styles struct {
	Header  lipgloss.Style
	Muted   lipgloss.Style
	Error   lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Active  lipgloss.Style
}

// NewStyles picks styles for w.
func NewStyles(w io.Writer) Styles {
	if !isTerminal(w) || termenv.EnvNoColor() {
		plain := lipgloss.NewStyle()
		return Styles{Header: plain, Muted: plain, Error: plain, Success: plain, Warning: plain, Active: plain}
	}
	return Styles{
		Header:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12")),
		Muted:   lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
		Error:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9")),
		Success: lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
		Warning: lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
		Active:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("14")),
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// PrintJSON writes v as indented JSON.
func PrintJSON(w io.Writer, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}
	fmt.Fprintln(w, string(data))
	return nil
}

func (s Styles) status(st session.Status) string {
	switch st {
	case session.StatusComplete:
		return s.Success.Render(string(st))
	case session.StatusTimedOut:
		return s.Warning.Render(string(st))
	case session.StatusActive, session.StatusStarted, session.StatusAnalyzing:
		return s.Active.Render(string(st))
	}
	return string(st)
}

// padRight pads rendered text to width visible cells.
func padRight(text string, width int) string {
	if gap := width - lipgloss.Width(text); gap > 0 {
		return text + strings.Repeat(" ", gap)
	}
	return text
}

// PrintSessionTable writes one line per session.
func PrintSessionTable(w io.Writer, sessions []*session.Session, now time.Time) {
	styles := NewStyles(w)
	if len(sessions) == 0 {
		fmt.Fprintln(w, styles.Muted.Render("No sessions"))
		return
	}

	headers := []string{"SESSION", "TOOL", "MODE", "STATUS", "INSTANCES", "STARTED", "DURATION"}
	rows := make([][]string, 0, len(sessions))
	for _, s := range sessions {
		finished := 0
		for _, ai := range s.ActiveInstances {
			if ai.Status.IsTerminal() {
				finished++
			}
		}
		rows = append(rows, []string{
			s.SessionID,
			s.Tool,
			string(s.Mode),
			styles.status(s.Status),
			fmt.Sprintf("%d/%d", finished, len(s.Instances)),
			s.StartTime.Local().Format("2006-01-02 15:04:05"),
			s.Duration(now).Round(time.Second).String(),
		})
	}
	printTable(w, styles, headers, rows)
}

// PrintSession writes a detailed view of one session.
func PrintSession(w io.Writer, s *session.Session, now time.Time) {
	styles := NewStyles(w)
	field := func(key, value string) {
		if value == "" {
			return
		}
		fmt.Fprintf(w, "%s %s\n", styles.Muted.Render(padRight(key+":", 13)), value)
	}

	field("Session", styles.Header.Render(s.SessionID))
	field("Tool", s.Tool)
	field("Parameters", s.ToolParams)
	field("Mode", string(s.Mode))
	field("Description", s.Description)
	field("Status", styles.status(s.Status))
	field("Instances", strings.Join(s.Instances, ", "))
	field("Started", s.StartTime.Local().Format(time.RFC3339))
	if s.EndTime != nil {
		field("Ended", s.EndTime.Local().Format(time.RFC3339))
	}
	field("Duration", s.Duration(now).Round(time.Second).String())

	for _, ai := range s.ActiveInstances {
		fmt.Fprintf(w, "\n%s %s\n", styles.Header.Render(ai.Name), styles.status(ai.Status))
		for _, log := range ai.Logs {
			location := log.PartialPath
			if log.RelativePath != "" {
				location = log.RelativePath
			}
			fmt.Fprintf(w, "  %s %s %s\n", log.Name, styles.Muted.Render(fmt.Sprintf("(%d bytes)", log.Size)), location)
			for _, r := range log.Reports {
				location := r.PartialPath
				if r.RelativePath != "" {
					location = r.RelativePath
				}
				fmt.Fprintf(w, "    report %s %s\n", r.Name, location)
			}
		}
		for _, msg := range ai.CollectorStatusMessages {
			fmt.Fprintf(w, "  %s\n", styles.Muted.Render(msg))
		}
		for _, msg := range ai.AnalyzerStatusMessages {
			fmt.Fprintf(w, "  %s\n", styles.Muted.Render(msg))
		}
		for _, e := range ai.CollectorErrors {
			fmt.Fprintf(w, "  %s %s\n", styles.Error.Render("collector:"), e)
		}
		for _, e := range ai.AnalyzerErrors {
			fmt.Fprintf(w, "  %s %s\n", styles.Error.Render("analyzer:"), e)
		}
	}
	if orphans := s.OrphanedInstances(); len(orphans) > 0 && !s.Status.IsTerminal() {
		fmt.Fprintf(w, "\n%s %s\n", styles.Warning.Render("Waiting for:"), strings.Join(orphans, ", "))
	}
}

// PrintToolTable lists diagnostic tools.
func PrintToolTable(w io.Writer, infos []tools.Info) {
	styles := NewStyles(w)
	if len(infos) == 0 {
		fmt.Fprintln(w, styles.Muted.Render("No diagnostic tools configured"))
		return
	}
	rows := make([][]string, 0, len(infos))
	for _, info := range infos {
		rows = append(rows, []string{
			info.Name,
			yesNo(info.CanAnalyze),
			yesNo(info.RequiresStorage),
			info.Description,
		})
	}
	printTable(w, styles, []string{"TOOL", "ANALYZE", "STORAGE", "DESCRIPTION"}, rows)
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func printTable(w io.Writer, styles Styles, headers []string, rows [][]string) {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if cw := lipgloss.Width(cell); cw > widths[i] {
				widths[i] = cw
			}
		}
	}

	cells := make([]string, len(headers))
	for i, h := range headers {
		cells[i] = styles.Header.Render(padRight(h, widths[i]))
	}
	fmt.Fprintln(w, strings.TrimRight(strings.Join(cells, "  "), " "))
	for _, row := range rows {
		for i, cell := range row {
			cells[i] = padRight(cell, widths[i])
		}
		fmt.Fprintln(w, strings.TrimRight(strings.Join(cells, "  "), " "))
	}
}
