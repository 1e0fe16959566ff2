// Package sessionstore owns the persisted sessions list and the closed-tab
// overflow queue. Every mutation runs under one mutex, and so does every read
// a mutation depends on. Each write is a read-modify-write transaction in the
// KV, so processes sharing one database do not overwrite each other.
package sessionstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Jay-Karia/wherewasi-sub000/internal/applog"
	"github.com/Jay-Karia/wherewasi-sub000/internal/metrics"
	"github.com/Jay-Karia/wherewasi-sub000/internal/storage"
	"github.com/Jay-Karia/wherewasi-sub000/internal/types"
)

// KV keys.
const (
	KeySessions   = "sessions"
	KeyClosedTabs = "closedTabs"
)

// PlaceholderTitle names a session until its title is generated.
const PlaceholderTitle = "New session"

// Chooser picks the session a closed tab joins, or nil for a new session.
// scoring.Engine.SelectSession satisfies it.
type Chooser func(ctx context.Context, rec types.ClosedTabRecord, sessions []types.Session) *types.Session

// Options configures a Store.
type Options struct {
	MaxSessions     int
	ClosedTabsLimit int
	Metrics         *metrics.Metrics
}

// Store is the single writer of the sessions and closedTabs keys.
type Store struct {
	mu sync.Mutex

	kv          storage.KV
	maxSessions int
	closedLimit int
	metrics     *metrics.Metrics

	now   func() time.Time
	newID func() string
}

// New creates a Store over kv.
func New(kv storage.KV, opts Options) *Store {
	if opts.MaxSessions < 1 {
		opts.MaxSessions = 50
	}
	if opts.ClosedTabsLimit < 1 {
		opts.ClosedTabsLimit = 100
	}
	return &Store{
		kv:          kv,
		maxSessions: opts.MaxSessions,
		closedLimit: opts.ClosedTabsLimit,
		metrics:     opts.Metrics,
		now:         time.Now,
		newID:       uuid.NewString,
	}
}

// SetClock replaces the time source. Intended for tests.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Result reports the outcome of an append.
type Result struct {
	Session types.Session
	Created bool
}

// GetAll returns every session, most recently updated first.
func (s *Store) GetAll(ctx context.Context) ([]types.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(ctx)
}

// Get returns one session.
func (s *Store) Get(ctx context.Context, id string) (types.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sessions, err := s.load(ctx)
	if err != nil {
		return types.Session{}, err
	}
	i := indexOf(sessions, id)
	if i < 0 {
		return types.Session{}, &types.NotFoundError{Kind: "session", ID: id}
	}
	return sessions[i], nil
}

// Append adds rec to the session existingID, or creates a session for it
// when existingID is empty.
func (s *Store) Append(ctx context.Context, rec types.ClosedTabRecord, existingID string) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res Result
	err := s.update(ctx, func(sessions []types.Session) ([]types.Session, error) {
		var err error
		sessions, res, err = s.appendTo(sessions, rec, existingID)
		return sessions, err
	})
	return res, err
}

// Assign runs choose against the current sessions and appends rec to its
// pick. The store lock is held from the read to the append, so no write from
// this process interleaves. The append itself is applied to the stored list
// as it is at write time, so edits made meanwhile by another process sharing
// the database survive; if the picked session was deleted meanwhile, rec
// starts a new session.
func (s *Store) Assign(ctx context.Context, rec types.ClosedTabRecord, choose Chooser) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot, err := s.load(ctx)
	if err != nil {
		return Result{}, err
	}

	var id string
	if picked := choose(ctx, rec, snapshot); picked != nil {
		id = picked.ID
	}

	var res Result
	err = s.update(ctx, func(sessions []types.Session) ([]types.Session, error) {
		target := id
		if target != "" && indexOf(sessions, target) < 0 {
			applog.Warn("store.assign.target_gone", "session", target, "tab", rec.ID)
			target = ""
		}
		var err error
		sessions, res, err = s.appendTo(sessions, rec, target)
		return sessions, err
	})
	return res, err
}

func (s *Store) appendTo(sessions []types.Session, rec types.ClosedTabRecord, existingID string) ([]types.Session, Result, error) {
	now := s.now()

	if existingID != "" {
		i := indexOf(sessions, existingID)
		if i < 0 {
			return nil, Result{}, &types.NotFoundError{Kind: "session", ID: existingID}
		}
		sess := &sessions[i]
		sess.Tabs = append(sess.Tabs, rec)
		sess.TabsCount++
		touch(sess, now)
		return sessions, Result{Session: sess.Clone()}, nil
	}

	sess := types.Session{
		ID:        s.newID(),
		Title:     PlaceholderTitle,
		Tabs:      []types.ClosedTabRecord{rec},
		TabsCount: 1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	sessions = append([]types.Session{sess}, sessions...)
	return sessions, Result{Session: sess.Clone(), Created: true}, nil
}

// UpdateTitle sets a session's title and refreshes updatedAt.
func (s *Store) UpdateTitle(ctx context.Context, id, title string) error {
	return s.mutate(ctx, id, func(sess *types.Session) error {
		sess.Title = title
		return nil
	})
}

// UpdateSummary sets a session's summary and refreshes updatedAt.
func (s *Store) UpdateSummary(ctx context.Context, id, summary string) error {
	return s.mutate(ctx, id, func(sess *types.Session) error {
		sess.Summary = summary
		return nil
	})
}

// RemoveTabs removes the tabs at indices. Out-of-range and duplicate indices
// are ignored.
func (s *Store) RemoveTabs(ctx context.Context, id string, indices []int) error {
	_, err := s.RemoveTabsFunc(ctx, id, func([]types.ClosedTabRecord) []int { return indices })
	return err
}

// RemoveTabsFunc removes the tabs pick selects from the session's current
// tabs, deciding and removing in one write. It returns how many tabs were
// removed.
func (s *Store) RemoveTabsFunc(ctx context.Context, id string, pick func([]types.ClosedTabRecord) []int) (int, error) {
	removed := 0
	err := s.mutate(ctx, id, func(sess *types.Session) error {
		drop := make(map[int]bool)
		for _, i := range pick(sess.Tabs) {
			if i >= 0 && i < len(sess.Tabs) {
				drop[i] = true
			}
		}
		if len(drop) == 0 {
			return errUnchanged
		}
		kept := make([]types.ClosedTabRecord, 0, len(sess.Tabs)-len(drop))
		for i, t := range sess.Tabs {
			if !drop[i] {
				kept = append(kept, t)
			}
		}
		sess.Tabs = kept
		sess.TabsCount = len(kept)
		removed = len(drop)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// MoveTab moves the tab at index from session src to the end of session
// dst. Moving within one session is a no-op.
func (s *Store) MoveTab(ctx context.Context, src, dst string, index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.update(ctx, func(sessions []types.Session) ([]types.Session, error) {
		si := indexOf(sessions, src)
		if si < 0 {
			return nil, &types.NotFoundError{Kind: "session", ID: src}
		}
		di := indexOf(sessions, dst)
		if di < 0 {
			return nil, &types.NotFoundError{Kind: "session", ID: dst}
		}
		if index < 0 || index >= len(sessions[si].Tabs) {
			return nil, &types.NotFoundError{Kind: "tab", ID: fmt.Sprintf("%s[%d]", src, index)}
		}
		if si == di {
			return nil, errUnchanged
		}

		now := s.now()
		from, to := &sessions[si], &sessions[di]
		tab := from.Tabs[index]
		from.Tabs = append(from.Tabs[:index:index], from.Tabs[index+1:]...)
		from.TabsCount = len(from.Tabs)
		to.Tabs = append(to.Tabs, tab)
		to.TabsCount = len(to.Tabs)
		touch(from, now)
		touch(to, now)
		return sessions, nil
	})
}

// Delete removes a session.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.update(ctx, func(sessions []types.Session) ([]types.Session, error) {
		i := indexOf(sessions, id)
		if i < 0 {
			return nil, &types.NotFoundError{Kind: "session", ID: id}
		}
		return append(sessions[:i], sessions[i+1:]...), nil
	})
}

// ImportStats summarizes an ImportMerge.
type ImportStats struct {
	Added   int
	Updated int
	Skipped int // invalid, or older than the stored copy
}

// ImportMerge merges incoming into the store by id. A record replaces the
// stored copy only when its updatedAt is newer. Records without an id are
// skipped; if none remain the whole import is rejected with ErrEmptyImport.
func (s *Store) ImportMerge(ctx context.Context, incoming []types.Session) (ImportStats, error) {
	var invalid int
	valid := make([]types.Session, 0, len(incoming))
	for _, in := range incoming {
		if in.ID == "" {
			invalid++
			continue
		}
		in = in.Clone()
		in.Repair()
		valid = append(valid, in)
	}
	if len(valid) == 0 {
		return ImportStats{Skipped: invalid}, types.ErrEmptyImport
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var stats ImportStats
	err := s.update(ctx, func(sessions []types.Session) ([]types.Session, error) {
		stats = ImportStats{Skipped: invalid}
		for _, in := range valid {
			i := indexOf(sessions, in.ID)
			switch {
			case i < 0:
				sessions = append(sessions, in)
				stats.Added++
			case in.UpdatedAt.After(sessions[i].UpdatedAt):
				sessions[i] = in
				stats.Updated++
			default:
				stats.Skipped++
			}
		}
		return sessions, nil
	})
	if err != nil {
		return ImportStats{}, err
	}
	applog.Info("store.import", "added", stats.Added, "updated", stats.Updated, "skipped", stats.Skipped)
	return stats, nil
}

// PushOverflow records a closed tab that could not be assigned.
func (s *Store) PushOverflow(ctx context.Context, rec types.ClosedTabRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	err := s.kv.Update(ctx, []string{KeyClosedTabs}, func(cur map[string][]byte) (map[string][]byte, error) {
		closed, err := decodeOverflow(cur[KeyClosedTabs])
		if err != nil {
			return nil, err
		}
		closed = append([]types.ClosedTabRecord{rec}, closed...)
		sortOverflow(closed)
		if len(closed) > s.closedLimit {
			closed = closed[:s.closedLimit]
		}
		data, err := json.Marshal(closed)
		if err != nil {
			return nil, fmt.Errorf("encode closed tabs: %w", err)
		}
		n = len(closed)
		return map[string][]byte{KeyClosedTabs: data}, nil
	})
	if err != nil {
		return err
	}
	s.metrics.SetOverflow(n)
	return nil
}

// Overflow returns the overflow queue, most recently closed first.
func (s *Store) Overflow(ctx context.Context) ([]types.ClosedTabRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadOverflow(ctx)
}

var errUnchanged = errors.New("unchanged")

// mutate applies fn to one session and saves. fn may return errUnchanged to
// skip the write.
func (s *Store) mutate(ctx context.Context, id string, fn func(*types.Session) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.update(ctx, func(sessions []types.Session) ([]types.Session, error) {
		i := indexOf(sessions, id)
		if i < 0 {
			return nil, &types.NotFoundError{Kind: "session", ID: id}
		}
		if err := fn(&sessions[i]); err != nil {
			return nil, err
		}
		touch(&sessions[i], s.now())
		return sessions, nil
	})
}

// update is the read-modify-write of the sessions key. fn receives the
// stored list and returns the list to save, or errUnchanged to write
// nothing. The KV runs the read and the write as one transaction.
func (s *Store) update(ctx context.Context, fn func([]types.Session) ([]types.Session, error)) error {
	var n int
	err := s.kv.Update(ctx, []string{KeySessions}, func(cur map[string][]byte) (map[string][]byte, error) {
		sessions, err := decodeSessions(cur[KeySessions])
		if err != nil {
			return nil, err
		}
		sessions, err = fn(sessions)
		if err != nil {
			return nil, err
		}
		data, kept, err := s.encode(sessions)
		if err != nil {
			return nil, err
		}
		n = kept
		return map[string][]byte{KeySessions: data}, nil
	})
	if errors.Is(err, errUnchanged) {
		return nil
	}
	if err != nil {
		return err
	}
	s.metrics.SetSessions(n)
	return nil
}

func (s *Store) load(ctx context.Context) ([]types.Session, error) {
	vals, err := s.kv.Get(ctx, KeySessions)
	if err != nil {
		return nil, err
	}
	return decodeSessions(vals[KeySessions])
}

// decodeSessions parses the stored list, repairing anything written by an
// older or foreign writer. Of duplicate ids the most recently updated copy
// wins.
func decodeSessions(raw []byte) ([]types.Session, error) {
	if len(raw) == 0 {
		return []types.Session{}, nil
	}
	var sessions []types.Session
	if err := json.Unmarshal(raw, &sessions); err != nil {
		return nil, fmt.Errorf("decode sessions: %w", err)
	}

	for i := range sessions {
		sessions[i].Repair()
	}
	sortSessions(sessions)
	seen := make(map[string]bool, len(sessions))
	kept := sessions[:0]
	for _, sess := range sessions {
		if sess.ID == "" || seen[sess.ID] {
			applog.Warn("store.load.dropped", "session", sess.ID)
			continue
		}
		seen[sess.ID] = true
		kept = append(kept, sess)
	}
	return kept, nil
}

// encode sorts and bounds sessions, checks every invariant and marshals. A
// violation aborts the write.
func (s *Store) encode(sessions []types.Session) ([]byte, int, error) {
	sortSessions(sessions)
	if len(sessions) > s.maxSessions {
		for _, ev := range sessions[s.maxSessions:] {
			applog.Info("store.evict", "session", ev.ID, "tabs", ev.TabsCount)
		}
		sessions = sessions[:s.maxSessions]
	}

	seen := make(map[string]bool, len(sessions))
	for _, sess := range sessions {
		if err := sess.Check(); err != nil {
			applog.Error("store.integrity", err)
			return nil, 0, err
		}
		if seen[sess.ID] {
			err := &types.IntegrityViolation{SessionID: sess.ID, Invariant: "unique id"}
			applog.Error("store.integrity", err)
			return nil, 0, err
		}
		seen[sess.ID] = true
	}

	data, err := json.Marshal(sessions)
	if err != nil {
		return nil, 0, fmt.Errorf("encode sessions: %w", err)
	}
	return data, len(sessions), nil
}

func (s *Store) loadOverflow(ctx context.Context) ([]types.ClosedTabRecord, error) {
	vals, err := s.kv.Get(ctx, KeyClosedTabs)
	if err != nil {
		return nil, err
	}
	return decodeOverflow(vals[KeyClosedTabs])
}

func decodeOverflow(raw []byte) ([]types.ClosedTabRecord, error) {
	if len(raw) == 0 {
		return []types.ClosedTabRecord{}, nil
	}
	var closed []types.ClosedTabRecord
	if err := json.Unmarshal(raw, &closed); err != nil {
		return nil, fmt.Errorf("decode closed tabs: %w", err)
	}
	return closed, nil
}

func sortSessions(sessions []types.Session) {
	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].UpdatedAt.After(sessions[j].UpdatedAt)
	})
}

func sortOverflow(closed []types.ClosedTabRecord) {
	sort.SliceStable(closed, func(i, j int) bool {
		return closed[i].ClosedAt.After(closed[j].ClosedAt)
	})
}

// touch refreshes updatedAt without letting it fall behind createdAt.
func touch(sess *types.Session, now time.Time) {
	if now.Before(sess.CreatedAt) {
		now = sess.CreatedAt
	}
	sess.UpdatedAt = now
}

func indexOf(sessions []types.Session, id string) int {
	if id == "" {
		return -1
	}
	for i := range sessions {
		if sessions[i].ID == id {
			return i
		}
	}
	return -1
}
