package queue

import (
	"fmt"
	"io"
	"strings"
)

// LiveCounts is the engine's own queue depth, when it could be read.
type LiveCounts struct {
	Running int
	Pending int
}

// FormatDuration renders seconds as "HHh:MMm:SSs".
func FormatDuration(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	total := int(seconds)
	return fmt.Sprintf("%02dh:%02dm:%02ds", total/3600, (total%3600)/60, total%60)
}

// WriteReport prints the human status report. live may be nil when the
// engine is not reachable.
func WriteReport(w io.Writer, sum Summary, est *Estimator, live *LiveCounts) error {
	if est == nil {
		est = DefaultEstimator()
	}
	var b strings.Builder

	b.WriteString("BATCH QUEUE STATUS\n")
	b.WriteString(strings.Repeat("=", 40) + "\n")
	fmt.Fprintf(&b, "Total batches: %d\n", sum.Total)
	fmt.Fprintf(&b, "Pending:       %d\n", sum.Pending)
	fmt.Fprintf(&b, "Processing:    %d\n", sum.Processing)
	fmt.Fprintf(&b, "Completed:     %d\n", sum.Completed)
	fmt.Fprintf(&b, "Failed:        %d\n", sum.Failed)
	if sum.Pending > 0 {
		fmt.Fprintf(&b, "Estimated completion time: %s\n", FormatDuration(sum.TotalEstimatedSeconds))
	}
	fmt.Fprintf(&b, "Queue file: %s\n", sum.QueueFile)

	if sum.Pending > 0 || sum.Processing > 0 {
		b.WriteString("\nACTIVE BATCHES:\n")
		for _, batch := range sum.Batches {
			if batch.Status.IsTerminal() {
				continue
			}
			fmt.Fprintf(&b, "  [%s] %s\n", batch.Status, batch.ID)
			fmt.Fprintf(&b, "      command: %s  project: %s\n", batch.Command, batch.Project)
			fmt.Fprintf(&b, "      estimated: %s  images: ~%d\n",
				FormatDuration(batch.EstimatedDuration), est.ImageCount(batch.Command, batch.Parameters))
			if batch.Status == StatusProcessingImages && live != nil {
				fmt.Fprintf(&b, "      engine: %d running, %d pending\n", live.Running, live.Pending)
			}
		}
	}

	if sum.Failed > 0 {
		b.WriteString("\nFAILED BATCHES:\n")
		for _, batch := range sum.Batches {
			if batch.Status != StatusFailed {
				continue
			}
			fmt.Fprintf(&b, "  %s: %s\n", batch.ID, batch.ErrorMessage)
		}
	}

	_, err := io.WriteString(w, b.String())
	return err
}
