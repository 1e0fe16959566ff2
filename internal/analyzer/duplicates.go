// Package analyzer finds repeated pages among closed tabs.
package analyzer

import (
	"net/url"
	"sort"
	"strings"

	"github.com/Jay-Karia/wherewasi-sub000/internal/types"
)

// NormalizeURL drops the fragment, sorts query values and trims a trailing
// slash, so variants of one page compare equal.
func NormalizeURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	u.Fragment = ""
	params := u.Query()
	for k := range params {
		sort.Strings(params[k])
	}
	u.RawQuery = params.Encode()
	result := u.String()
	if strings.HasSuffix(result, "/") && result != u.Scheme+"://"+u.Host+"/" {
		result = strings.TrimRight(result, "/")
	}
	return result
}

// DuplicateGroups returns the positions of tabs that share a normalized URL,
// one group per page, each ascending. Groups are ordered by first position.
func DuplicateGroups(tabs []types.ClosedTabRecord) [][]int {
	byURL := make(map[string][]int)
	var order []string
	for i, tab := range tabs {
		key := NormalizeURL(tab.URL)
		if _, ok := byURL[key]; !ok {
			order = append(order, key)
		}
		byURL[key] = append(byURL[key], i)
	}
	var groups [][]int
	for _, key := range order {
		if idx := byURL[key]; len(idx) > 1 {
			groups = append(groups, idx)
		}
	}
	return groups
}

// RedundantTabs returns the positions to remove so that each page keeps only
// its most recently closed copy.
func RedundantTabs(tabs []types.ClosedTabRecord) []int {
	var drop []int
	for _, group := range DuplicateGroups(tabs) {
		keep := group[0]
		for _, i := range group[1:] {
			if !tabs[i].ClosedAt.Before(tabs[keep].ClosedAt) {
				keep = i
			}
		}
		for _, i := range group {
			if i != keep {
				drop = append(drop, i)
			}
		}
	}
	sort.Ints(drop)
	return drop
}
