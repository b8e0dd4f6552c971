package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"mbe-recipe-host/pkg/recipe"
	"mbe-recipe-host/pkg/timing"
)

// writeTable prints one line per step: start time, action indented by loop
// depth, and the PLC-visible values. res may be nil for a recipe whose loop
// structure is broken.
func writeTable(w io.Writer, r recipe.Recipe, res *timing.Result) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tSTART\tACTION\tVALUES\tLOOP")
	for i, st := range r.Steps() {
		start, depth, loop := "-", 0, ""
		if res != nil {
			if d, ok := res.StartOf(i); ok {
				start = formatDuration(d)
			}
			depth = len(res.Enclosing(i))
			if l, ok := res.LoopAt(i); ok {
				loop = fmt.Sprintf("x%d, %s per iteration, %s total",
					l.IterationCount, formatDuration(l.IterationDuration), formatDuration(l.TotalDuration()))
			}
		}
		fmt.Fprintf(tw, "%d\t%s\t%s%s\t%s\t%s\n",
			i, start, strings.Repeat("  ", depth), st.Action().Name, values(st), loop)
	}
	if res != nil {
		fmt.Fprintf(tw, "\ttotal %s\t\t\t\n", formatDuration(res.Total))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if res != nil {
		for _, warn := range res.Warnings {
			fmt.Fprintf(w, "warning: %s\n", warn)
		}
	}
	return nil
}

func values(st recipe.Step) string {
	var parts []string
	for _, key := range st.Action().Columns {
		p, ok := st.Get(key)
		if !ok {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s=%s", key, p))
	}
	return strings.Join(parts, " ")
}

func formatDuration(d time.Duration) string {
	return d.Round(time.Millisecond).String()
}
