// Package scoring decides which existing session a closed tab belongs to.
package scoring

import (
	"math"
	"time"

	"gonum.org/v1/gonum/floats"

	"github.com/Jay-Karia/wherewasi-sub000/internal/keywords"
	"github.com/Jay-Karia/wherewasi-sub000/internal/types"
)

// Params are the heuristic weights and selection thresholds.
type Params struct {
	TimeWeight    float64
	DomainWeight  float64
	KeywordWeight float64
	// MinScore is the floor below which the best session is treated as no match.
	MinScore float64
	// NearTieRatio selects every session scoring at least this fraction of the top.
	NearTieRatio float64
}

// DefaultParams returns the calibrated defaults.
func DefaultParams() Params {
	return Params{
		TimeWeight:    0.2,
		DomainWeight:  0.5,
		KeywordWeight: 0.3,
		MinScore:      0.2,
		NearTieRatio:  0.9,
	}
}

func (p Params) weights() []float64 {
	return []float64{p.TimeWeight, p.DomainWeight, p.KeywordWeight}
}

// Score holds the per-feature breakdown for one session.
type Score struct {
	Session types.Session
	Time    float64
	Domain  float64
	Keyword float64
	Total   float64
}

// TimeScore is 1 / (1 + ln(1 + minutes since updatedAt)). It is 1 at age
// zero and decays toward, but never reaches, 0. Future timestamps count as
// age zero.
func TimeScore(updatedAt, now time.Time) float64 {
	minutes := now.Sub(updatedAt).Minutes()
	if minutes < 0 {
		minutes = 0
	}
	return 1 / (1 + math.Log1p(minutes))
}

// DomainScore is 1 when the tab's hostname equals the hostname of any tab
// already in the session. Unparseable or empty hostnames never match.
func DomainScore(tab types.ClosedTabRecord, s types.Session) float64 {
	host := tab.Hostname()
	if host == "" {
		return 0
	}
	for _, t := range s.Tabs {
		if t.Hostname() == host {
			return 1
		}
	}
	return 0
}

// KeywordScore is the Jaccard similarity between the tab's keywords and the
// union of the session's tab keywords.
func KeywordScore(tabKeys keywords.Set, s types.Session) float64 {
	return keywords.Jaccard(tabKeys, keywords.FromSession(s))
}

func (p Params) score(tab types.ClosedTabRecord, tabKeys keywords.Set, s types.Session, now time.Time) Score {
	sc := Score{
		Session: s,
		Time:    TimeScore(s.UpdatedAt, now),
		Domain:  DomainScore(tab, s),
		Keyword: KeywordScore(tabKeys, s),
	}
	sc.Total = floats.Dot(p.weights(), []float64{sc.Time, sc.Domain, sc.Keyword})
	return sc
}
