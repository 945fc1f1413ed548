package main

import (
	"io"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/mattn/go-isatty"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/onnwee/stream-herald/announce"
	"github.com/onnwee/stream-herald/state"
	"github.com/onnwee/stream-herald/stream"
)

// renderKeyValues renders two-column rows. Terminals get rounded borders,
// pipes and files plain ASCII.
func renderKeyValues(w io.Writer, rows [][2]string) string {
	tw := table.NewWriter()
	if isTerminal(w) {
		tw.SetStyle(table.StyleRounded)
	} else {
		tw.SetStyle(table.StyleDefault)
	}
	tw.AppendHeader(table.Row{"Field", "Value"})
	for _, r := range rows {
		tw.AppendRow(table.Row{r[0], r[1]})
	}
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Align: text.AlignLeft},
		{Number: 2, Align: text.AlignLeft, WidthMax: 80},
	})
	return tw.Render()
}

func isTerminal(w io.Writer) bool {
	file, ok := w.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

func stateRows(st state.State) [][2]string {
	live := "no"
	if st.IsLive {
		live = "yes"
	}
	rows := [][2]string{
		{"Live", live},
		{"Stream ID", orDash(st.LastStreamID)},
		{"Title", orDash(st.StreamTitle)},
		{"Category", orDash(st.StreamCategory)},
		{"Started", timeOrDash(st.StreamStartedAt)},
		{"Last checked", timeOrDash(st.LastCheckedAt)},
	}
	if st.IsLive && st.StreamStartedAt != nil {
		rows = append(rows, [2]string{"Duration", announce.FormatDuration(announce.Minutes(time.Since(*st.StreamStartedAt)))})
	}
	return rows
}

func snapshotRows(login string, snap stream.Snapshot) [][2]string {
	if !snap.IsLive {
		return [][2]string{{"Channel", login}, {"Live", "no"}}
	}
	return [][2]string{
		{"Channel", login},
		{"Live", "yes"},
		{"Title", snap.Title},
		{"Category", snap.Category},
		{"Viewers", message.NewPrinter(language.English).Sprintf("%d", snap.ViewerCount)},
		{"Started", snap.StartedAt.Local().Format(time.DateTime)},
	}
}

func orDash(p *string) string {
	if p == nil || *p == "" {
		return "-"
	}
	return *p
}

func timeOrDash(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}
