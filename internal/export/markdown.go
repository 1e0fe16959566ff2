package export

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/Jay-Karia/wherewasi-sub000/internal/types"
)

// Markdown formats sessions as a markdown document.
func Markdown(sessions []types.Session, now time.Time) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Sessions\n")
	fmt.Fprintf(&b, "> Exported %s\n", now.Format("2006-01-02 15:04"))

	for _, s := range sessions {
		b.WriteString("\n")
		writeSession(&b, s, now)
	}

	return b.String()
}

// SessionMarkdown formats one session.
func SessionMarkdown(s types.Session, now time.Time) string {
	var b strings.Builder
	writeSession(&b, s, now)
	return b.String()
}

func writeSession(b *strings.Builder, s types.Session, now time.Time) {
	n := len(s.Tabs)
	noun := "tabs"
	if n == 1 {
		noun = "tab"
	}
	title := s.Title
	if title == "" {
		title = s.ID
	}
	fmt.Fprintf(b, "## %s (%d %s)\n\n", title, n, noun)
	fmt.Fprintf(b, "_updated %s_\n\n", humanize.RelTime(s.UpdatedAt, now, "ago", "from now"))
	if s.Summary != "" {
		fmt.Fprintf(b, "> %s\n\n", s.Summary)
	}

	for _, tab := range s.Tabs {
		t := tab.Title
		if t == "" {
			t = tab.URL
		}
		fmt.Fprintf(b, "- [%s](%s) · closed %s\n", t, tab.URL, humanize.RelTime(tab.ClosedAt, now, "ago", "from now"))
	}
}
