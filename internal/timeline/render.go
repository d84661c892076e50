package timeline

import (
	"bufio"
	"fmt"
	"io"
)

const (
	separatorLayout = "Monday, 02 Jan 2006"
	clockLayout     = "15:04"
)

// Render writes the timeline as plain text, one row per line.
func (r *Reconciler) Render(w io.Writer) error {
	bw := bufio.NewWriter(w)
	for _, item := range r.Items() {
		if item.Separator {
			fmt.Fprintf(bw, "── %s ──\n", item.Day.Format(separatorLayout))
			continue
		}
		msg := item.Entry.Message
		fmt.Fprintf(bw, "[%s] %s: %s", msg.SentAt.In(r.location).Format(clockLayout), msg.Sender, msg.Content)
		switch item.Entry.Status {
		case StatusPending:
			bw.WriteString(" (sending)")
		case StatusFailed:
			bw.WriteString(" (not sent)")
		}
		bw.WriteString("\n")
	}
	return bw.Flush()
}
