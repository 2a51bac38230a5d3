package report

import (
	"encoding/json"
	"io"

	"github.com/codefionn/tunnelstat/tunnelstat-srv/stats"
)

type jsonReport struct {
	Title string            `json:"title"`
	Hours int               `json:"hours"`
	Hosts []stats.HostCount `json:"hosts"`
	Total int64             `json:"total"`
}

// jsonFormatter emits the report as a single indented JSON document. An
// empty window yields an empty hosts array.
type jsonFormatter struct{}

func (f *jsonFormatter) Render(w io.Writer, r Report) error {
	hosts := r.Counts
	if hosts == nil {
		hosts = []stats.HostCount{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(jsonReport{
		Title: r.Title(),
		Hours: r.Hours,
		Hosts: hosts,
		Total: r.Total(),
	})
}
