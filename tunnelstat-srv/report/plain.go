package report

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

const (
	plainHostWidth  = 50
	plainCountWidth = 12
	plainRuleWidth  = 65
)

// plainFormatter prints fixed-width columns between "=" rules.
type plainFormatter struct{}

func (f *plainFormatter) Render(w io.Writer, r Report) error {
	bw := bufio.NewWriter(w)
	if len(r.Counts) == 0 {
		fmt.Fprintln(bw, emptyReport)
		return bw.Flush()
	}

	rule := strings.Repeat("=", plainRuleWidth)
	row := func(host, count string) {
		fmt.Fprintf(bw, "%s %s\n", padRight(host, plainHostWidth), padLeft(count, plainCountWidth))
	}

	fmt.Fprintln(bw, r.Title())
	fmt.Fprintln(bw, rule)
	row(hostHeader, countHeader)
	fmt.Fprintln(bw, rule)
	for _, c := range r.Counts {
		row(c.Host, formatCount(c.Count))
	}
	fmt.Fprintln(bw, rule)
	row(totalLabel, formatCount(r.Total()))
	fmt.Fprintln(bw, rule)

	return bw.Flush()
}
