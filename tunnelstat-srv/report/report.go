// Package report renders per-host connection counts for the --stats command.
package report

import (
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/codefionn/tunnelstat/tunnelstat-srv/config"
	"github.com/codefionn/tunnelstat/tunnelstat-srv/stats"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

const (
	hostHeader  = "Target Host"
	countHeader = "Requests"
	totalLabel  = "TOTAL"
	emptyReport = "No data yet."
)

// Report is one window of statistics ready to render.
type Report struct {
	Hours  int
	Counts []stats.HostCount
}

// Title returns the heading shown above the report.
func (r Report) Title() string {
	return fmt.Sprintf("Proxy Statistics (Last %d hours)", r.Hours)
}

// Total sums the counts of all hosts.
func (r Report) Total() int64 {
	var total int64
	for _, c := range r.Counts {
		total += c.Count
	}
	return total
}

// Formatter writes a report in one output format.
type Formatter interface {
	Render(w io.Writer, r Report) error
}

// NewFormatter returns the formatter registered for format.
func NewFormatter(format string) (Formatter, error) {
	switch format {
	case config.FormatTable:
		return &tableFormatter{}, nil
	case config.FormatPlain:
		return &plainFormatter{}, nil
	case config.FormatJSON:
		return &jsonFormatter{}, nil
	default:
		return nil, fmt.Errorf("unknown report format %q (expected %s, %s or %s)",
			format, config.FormatTable, config.FormatPlain, config.FormatJSON)
	}
}

var numberPrinter = message.NewPrinter(language.English)

// formatCount renders n with thousands separators.
func formatCount(n int64) string {
	return numberPrinter.Sprintf("%d", n)
}

func width(s string) int {
	return utf8.RuneCountInString(s)
}

func padRight(s string, w int) string {
	if n := width(s); n < w {
		return s + strings.Repeat(" ", w-n)
	}
	return s
}

func padLeft(s string, w int) string {
	if n := width(s); n < w {
		return strings.Repeat(" ", w-n) + s
	}
	return s
}
