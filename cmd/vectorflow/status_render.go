package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/mattn/go-isatty"

	"vectorflow/internal/job"
)

type statusKind int

const (
	statusInfo statusKind = iota
	statusOK
	statusWarn
	statusError
)

type statusStyle struct {
	label  string
	colors text.Colors
}

var statusPalette = map[statusKind]statusStyle{
	statusInfo:  {label: "INFO", colors: text.Colors{text.FgBlue}},
	statusOK:    {label: "OK", colors: text.Colors{text.FgGreen}},
	statusWarn:  {label: "WARN", colors: text.Colors{text.FgYellow}},
	statusError: {label: "ERROR", colors: text.Colors{text.FgRed}},
}

var headerColors = text.Colors{text.FgBlue, text.Bold}

// statusLabelWidth fits "Compute fallbacks:" and the stage names with room to spare.
const statusLabelWidth = 22

// renderStatusLine formats "  Label:    [KIND] message".
func renderStatusLine(label string, kind statusKind, message string, colorize bool) string {
	style := statusPalette[kind]
	badge := "[" + style.label + "]"
	if message != "" {
		badge += " " + message
	}
	line := fmt.Sprintf("  %-*s %s", statusLabelWidth, label+":", badge)
	if colorize {
		return style.colors.Sprint(line)
	}
	return line
}

func renderSectionHeader(title string, colorize bool) []string {
	heading := "== " + strings.TrimSpace(title) + " =="
	rule := strings.Repeat("-", text.RuneWidthWithoutEscSequences(heading))
	if colorize {
		return []string{headerColors.Sprint(heading), headerColors.Sprint(rule)}
	}
	return []string{heading, rule}
}

// stateKind maps a job state onto the status palette.
func stateKind(state job.State) statusKind {
	switch state {
	case job.StateSucceeded:
		return statusOK
	case job.StateFailed:
		return statusError
	case job.StateCancelled, job.StateRetrying:
		return statusWarn
	default:
		return statusInfo
	}
}

func colorizeState(state job.State, colorize bool) string {
	if !colorize {
		return string(state)
	}
	return statusPalette[stateKind(state)].colors.Sprint(string(state))
}

func shouldColorize(writer io.Writer) bool {
	file, ok := writer.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
