package main

import (
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"loom/internal/queue"
	"loom/internal/workflow"
)

const (
	ansiReset  = "\x1b[0m"
	ansiRed    = "\x1b[31m"
	ansiGreen  = "\x1b[32m"
	ansiYellow = "\x1b[33m"
)

var titleCaser = cases.Title(language.Und)

// statusLabel renders a status as a human heading, e.g. "awaiting_render"
// becomes "Awaiting Render".
func statusLabel(status string) string {
	return titleCaser.String(strings.ReplaceAll(status, "_", " "))
}

func colorizeRunStatus(status workflow.Status, colorize bool) string {
	label := statusLabel(string(status))
	if !colorize {
		return label
	}
	switch status {
	case workflow.StatusCompleted:
		return ansiGreen + label + ansiReset
	case workflow.StatusFailed, workflow.StatusRejected:
		return ansiRed + label + ansiReset
	default:
		if workflow.AwaitedGate(status) != "" {
			return ansiYellow + label + ansiReset
		}
		return label
	}
}

func colorizeJobStatus(status queue.Status, colorize bool) string {
	label := statusLabel(string(status))
	if !colorize {
		return label
	}
	switch status {
	case queue.StatusSucceeded:
		return ansiGreen + label + ansiReset
	case queue.StatusFailed:
		return ansiYellow + label + ansiReset
	case queue.StatusDead:
		return ansiRed + label + ansiReset
	default:
		return label
	}
}

func shouldColorize(writer io.Writer) bool {
	file, ok := writer.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
