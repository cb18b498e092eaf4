package query

import (
	"fmt"
	"io"
	"strconv"
	"strings"
)

// maxTextTypes bounds the message types listed in the text overview.
const maxTextTypes = 8

// WriteText renders an overview as a plain-text briefing, suitable for
// pasting into a chat or an incident note.
func WriteText(w io.Writer, o *Overview) error {
	var b strings.Builder
	fmt.Fprintf(&b, "Flight log %s\n", o.LogID)

	if len(o.Statistics) > 0 {
		b.WriteString("\nKey flight statistics\n")
		for _, s := range o.Statistics {
			unit := ""
			if s.Unit != "" {
				unit = " " + s.Unit
			}
			fmt.Fprintf(&b, "  %s: %.2f%s\n", titleCase(s.StatisticType), s.Value, unit)
		}
	}

	if len(o.Summaries) > 0 {
		t := o.Totals
		b.WriteString("\nMessage analysis\n")
		fmt.Fprintf(&b, "  Total messages: %s (stored %s, efficiency %.1f%%)\n",
			groupDigits(t.TotalMessages), groupDigits(t.StoredMessages), t.Efficiency*100)
		b.WriteString("  Top message types:\n")
		for i, s := range o.Summaries {
			if i == maxTextTypes {
				fmt.Fprintf(&b, "    ... and %d more types\n", len(o.Summaries)-maxTextTypes)
				break
			}
			fmt.Fprintf(&b, "    %s: %s messages", s.MessageType, groupDigits(s.TotalCount))
			if s.StoredCount != s.TotalCount {
				fmt.Fprintf(&b, " (%d/%d stored)", s.StoredCount, s.TotalCount)
			}
			b.WriteByte('\n')
		}
	}

	if len(o.Phases) > 0 {
		b.WriteString("\nFlight phases\n")
		for _, p := range o.Phases {
			fmt.Fprintf(&b, "  %s [%s]: %.1fs from t=%.1f", p.Name, p.Track, p.Duration(), p.StartTime)
			if n := len(p.KeyEvents); n > 0 {
				fmt.Fprintf(&b, ", %d key events", n)
			}
			b.WriteByte('\n')
		}
	}

	_, err := io.WriteString(w, b.String())
	return err
}

// titleCase turns "max_altitude" into "Max Altitude".
func titleCase(s string) string {
	words := strings.Split(s, "_")
	for i, w := range words {
		if w != "" {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, " ")
}

// groupDigits formats n with comma thousands separators.
func groupDigits(n int) string {
	s := strconv.Itoa(n)
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	for i := len(s) - 3; i > 0; i -= 3 {
		s = s[:i] + "," + s[i:]
	}
	if neg {
		s = "-" + s
	}
	return s
}
