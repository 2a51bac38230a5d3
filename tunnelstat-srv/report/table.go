package report

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
)

var (
	headerStyle = color.New(color.Bold, color.FgCyan)
	hostStyle   = color.New(color.FgGreen)
	countStyle  = color.New(color.FgYellow)
	totalStyle  = color.New(color.Bold)
)

// tableFormatter draws a bordered table. Colors follow color.NoColor, which
// is off when stdout is not a terminal.
type tableFormatter struct{}

func (f *tableFormatter) Render(w io.Writer, r Report) error {
	bw := bufio.NewWriter(w)
	if len(r.Counts) == 0 {
		fmt.Fprintln(bw, emptyReport)
		return bw.Flush()
	}

	counts := make([]string, len(r.Counts))
	total := formatCount(r.Total())

	hostW := max(width(hostHeader), width(totalLabel))
	countW := max(width(countHeader), width(total))
	for i, c := range r.Counts {
		counts[i] = formatCount(c.Count)
		hostW = max(hostW, width(c.Host))
		countW = max(countW, width(counts[i]))
	}

	border := "+" + strings.Repeat("-", hostW+2) + "+" + strings.Repeat("-", countW+2) + "+"
	row := func(host, count string, hs, cs *color.Color) {
		fmt.Fprintf(bw, "| %s | %s |\n",
			hs.Sprint(padRight(host, hostW)),
			cs.Sprint(padLeft(count, countW)))
	}

	title := r.Title()
	if pad := (width(border) - width(title)) / 2; pad > 0 {
		title = strings.Repeat(" ", pad) + title
	}
	fmt.Fprintln(bw, title)
	fmt.Fprintln(bw, border)
	row(hostHeader, countHeader, headerStyle, headerStyle)
	fmt.Fprintln(bw, border)
	for i, c := range r.Counts {
		row(c.Host, counts[i], hostStyle, countStyle)
	}
	fmt.Fprintln(bw, border)
	row(totalLabel, total, totalStyle, totalStyle)
	fmt.Fprintln(bw, border)

	return bw.Flush()
}
