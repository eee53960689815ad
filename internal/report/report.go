// Package report renders the end-of-experiment console summary.
package report

import (
	"fmt"
	"io"
	"time"

	"github.com/formatlab/robodic/internal/handshake"
	"github.com/formatlab/robodic/internal/scheduler"
)

// Experiment is everything the summary needs about a finished experiment.
type Experiment struct {
	Name        string
	OutputDir   string
	Summary     *scheduler.Summary
	VisitCounts []int
}

// WriteSummary writes the run table and per-sample visit counts.
func WriteSummary(w io.Writer, exp Experiment) {
	s := exp.Summary
	fmt.Fprintf(w, "Experiment '%s' finished\n\n", exp.Name)
	fmt.Fprintf(w, "  Output:    %s\n", exp.OutputDir)
	fmt.Fprintf(w, "  Duration:  %s\n", s.EndedAt.Sub(s.StartedAt).Round(time.Second))
	fmt.Fprintf(w, "  Runs:      %d completed, %d aborted\n", s.CompletedRuns(), s.AbortedRuns())
	if s.Cancelled {
		fmt.Fprintf(w, "  Stopped:   cancelled by operator\n")
	}

	if len(s.Runs) > 0 {
		fmt.Fprintf(w, "\n%-6s %-10s %-9s %-9s %s\n", "RUN", "STATUS", "SAMPLES", "DURATION", "DETAIL")
		fmt.Fprintf(w, "%-6s %-10s %-9s %-9s %s\n", "------", "----------", "---------", "---------", "--------------------------")
		for _, r := range s.Runs {
			fmt.Fprintf(w, "%-6d %-10s %-9s %-9s %s\n",
				r.RunIndex,
				formatStatus(r),
				formatSamples(r),
				r.EndedAt.Sub(r.StartedAt).Round(time.Second).String(),
				formatDetail(r),
			)
		}
	}

	if len(exp.VisitCounts) > 0 {
		fmt.Fprintf(w, "\n%-10s %s\n", "SAMPLE", "VISITS")
		fmt.Fprintf(w, "%-10s %s\n", "----------", "------")
		for i, visits := range exp.VisitCounts {
			fmt.Fprintf(w, "%-10d %d\n", i, visits)
		}
	}
}

func formatStatus(r *handshake.RunResult) string {
	if r.Completed {
		return "completed"
	}
	return "aborted"
}

func formatSamples(r *handshake.RunResult) string {
	good := 0
	for _, s := range r.Samples {
		if !s.AllFailed() {
			good++
		}
	}
	return fmt.Sprintf("%d/%d", good, len(r.Samples))
}

func formatDetail(r *handshake.RunResult) string {
	if r.Completed {
		return ""
	}
	return string(r.AbortReason)
}
