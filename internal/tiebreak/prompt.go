package tiebreak

import (
	"fmt"
	"strings"

	"github.com/Jay-Karia/wherewasi-sub000/internal/llm"
	"github.com/Jay-Karia/wherewasi-sub000/internal/types"
)

const promptTemplate = `A browser tab was just closed. Decide which existing browsing session it belongs to.

Closed tab:
Title: %s
URL: %s
Summary: %s

Candidate sessions:
%s
Respond with ONLY the id of the best matching session, exactly as written above.
If none of them fit, respond with null.`

const (
	maxTabsPerCandidate    = 5
	maxTitleLen            = 200
	maxCompactTitleLen     = 60
	maxURLLen              = 500
	maxCandidateSummaryLen = 400
	maxTabSummaryLen       = 2000
)

// BuildPrompt constructs the disambiguation prompt for tab and candidates.
// The candidate ids and the answer instruction always fit within
// llm.MaxPromptLen; the closed tab's summary gets whatever room is left.
func BuildPrompt(tab types.ClosedTabRecord, candidates []types.Session) string {
	title := orNone(clipText(tab.Title, maxTitleLen))
	url := orNone(clipText(tab.URL, maxURLLen))

	block := candidateBlock(candidates, false)
	fixed := len(promptTemplate) + len(title) + len(url)
	if fixed+len(block) > llm.MaxPromptLen {
		block = candidateBlock(candidates, true)
	}

	budget := llm.MaxPromptLen - fixed - len(block)
	if budget > maxTabSummaryLen {
		budget = maxTabSummaryLen
	}
	summary := orNone(clipText(tab.Summary(), budget))
	return fmt.Sprintf(promptTemplate, title, url, summary, block)
}

// candidateBlock lists the candidates in rank order. The compact form keeps
// only ids and short titles.
func candidateBlock(candidates []types.Session, compact bool) string {
	var b strings.Builder
	for _, c := range candidates {
		if compact {
			fmt.Fprintf(&b, "- id: %s\n  title: %s\n", c.ID, orNone(clipText(c.Title, maxCompactTitleLen)))
			continue
		}
		fmt.Fprintf(&b, "- id: %s\n  title: %s\n", c.ID, orNone(clipText(c.Title, maxTitleLen)))
		if summary := clipText(c.Summary, maxCandidateSummaryLen); summary != "" {
			fmt.Fprintf(&b, "  summary: %s\n", summary)
		}
		n := len(c.Tabs)
		if n > maxTabsPerCandidate {
			n = maxTabsPerCandidate
		}
		// Most recent tabs last, as they were appended.
		for _, t := range c.Tabs[len(c.Tabs)-n:] {
			fmt.Fprintf(&b, "  tab: %s\n", orNone(clipText(t.Title, maxTitleLen)))
		}
	}
	return b.String()
}

// clipText collapses whitespace and shortens s to at most n bytes.
func clipText(s string, n int) string {
	return llm.Clip(strings.Join(strings.Fields(s), " "), n)
}

func orNone(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "(none)"
	}
	return s
}

// ParseChoice maps a completion answer back to a candidate id. It reports
// false for an empty answer, "null", or any id not in candidates.
func ParseChoice(response string, candidates []types.Session) (string, bool) {
	s := strings.TrimSpace(response)
	if i := strings.IndexAny(s, "\r\n"); i >= 0 {
		s = strings.TrimSpace(s[:i])
	}
	s = strings.Trim(s, "\"'`")
	s = strings.TrimSuffix(s, ".")
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "null") {
		return "", false
	}
	for _, c := range candidates {
		if c.ID == s {
			return c.ID, true
		}
	}
	return "", false
}
