package summarize

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/Jay-Karia/wherewasi-sub000/internal/types"
)

const (
	maxTitleWords = 8
	maxSummaryLen = 400
	maxPromptTabs = 12
	maxTabTextLen = 600
)

const titlePromptTemplate = `These browser tabs were closed together during one browsing session:

%s
Write a short title (at most 8 words) naming what this session was about.
Respond with ONLY the title.`

const summaryPromptTemplate = `These browser tabs were closed together during one browsing session:

%s
Summarize in one or two sentences what the user was working on or reading about.
Respond with ONLY the summary.`

func describeTabs(s types.Session, extra map[int]string) string {
	tabs := s.Tabs
	if len(tabs) > maxPromptTabs {
		tabs = tabs[len(tabs)-maxPromptTabs:]
	}
	var b strings.Builder
	for i, t := range tabs {
		title := strings.TrimSpace(t.Title)
		if title == "" {
			title = t.URL
		}
		fmt.Fprintf(&b, "- %s (%s)\n", title, t.Hostname())
		text := t.Summary()
		if text == "" {
			text = extra[i]
		}
		if text = truncate(strings.Join(strings.Fields(text), " "), maxTabTextLen); text != "" {
			fmt.Fprintf(&b, "  %s\n", text)
		}
	}
	return b.String()
}

// TitlePrompt asks for a short session title.
func TitlePrompt(s types.Session, extra map[int]string) string {
	return fmt.Sprintf(titlePromptTemplate, describeTabs(s, extra))
}

// SummaryPrompt asks for a one or two sentence session summary.
func SummaryPrompt(s types.Session, extra map[int]string) string {
	return fmt.Sprintf(summaryPromptTemplate, describeTabs(s, extra))
}

var titleNoise = regexp.MustCompile(`^(title:\s*|#+\s*)`)

// ParseTitle cleans a model answer into a title: first line, quotes and
// heading markers stripped, at most eight words. It reports false when
// nothing usable is left.
func ParseTitle(response string) (string, bool) {
	s := strings.TrimSpace(response)
	if i := strings.IndexAny(s, "\r\n"); i >= 0 {
		s = s[:i]
	}
	s = titleNoise.ReplaceAllString(strings.TrimSpace(s), "")
	s = strings.Trim(s, "\"'`*“”")
	words := strings.Fields(s)
	if len(words) == 0 {
		return "", false
	}
	if len(words) > maxTitleWords {
		words = words[:maxTitleWords]
	}
	return strings.Join(words, " "), true
}

// ParseSummary collapses whitespace and bounds the length.
func ParseSummary(response string) (string, bool) {
	s := strings.Join(strings.Fields(response), " ")
	s = strings.Trim(s, "\"")
	if s == "" {
		return "", false
	}
	return truncate(s, maxSummaryLen), true
}

// HeuristicTitle names a session after its most common hostname.
func HeuristicTitle(s types.Session) string {
	counts := make(map[string]int)
	for _, t := range s.Tabs {
		if h := strings.TrimPrefix(t.Hostname(), "www."); h != "" {
			counts[h]++
		}
	}
	hosts := make([]string, 0, len(counts))
	for h := range counts {
		hosts = append(hosts, h)
	}
	sort.Slice(hosts, func(i, j int) bool {
		if counts[hosts[i]] != counts[hosts[j]] {
			return counts[hosts[i]] > counts[hosts[j]]
		}
		return hosts[i] < hosts[j]
	})

	n := len(s.Tabs)
	noun := "tabs"
	if n == 1 {
		noun = "tab"
	}
	if len(hosts) == 0 {
		return fmt.Sprintf("Session (%d %s)", n, noun)
	}
	return fmt.Sprintf("%s (%d %s)", hosts[0], n, noun)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return strings.TrimSpace(string(r[:n])) + "…"
}
