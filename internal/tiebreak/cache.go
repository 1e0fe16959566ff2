package tiebreak

import (
	"container/list"
	"sort"
	"strings"
	"sync"

	"github.com/Jay-Karia/wherewasi-sub000/internal/analyzer"
	"github.com/Jay-Karia/wherewasi-sub000/internal/types"
)

// answerCache is a bounded LRU of accepted tie-break answers.
type answerCache struct {
	mu    sync.Mutex
	size  int
	order *list.List
	items map[string]*list.Element
}

type cacheEntry struct {
	key string
	id  string
}

func newAnswerCache(size int) *answerCache {
	return &answerCache{
		size:  size,
		order: list.New(),
		items: make(map[string]*list.Element),
	}
}

// cacheKey identifies a question by the normalized tab URL and the
// candidate set, independent of candidate order.
func cacheKey(tab types.ClosedTabRecord, candidates []types.Session) string {
	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = c.ID
	}
	sort.Strings(ids)
	return analyzer.NormalizeURL(tab.URL) + "\x00" + strings.Join(ids, ",")
}

func (c *answerCache) get(key string) (string, bool) {
	if c == nil || c.size <= 0 {
		return "", false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return "", false
	}
	c.order.MoveToFront(el)
	return el.Value.(*cacheEntry).id, true
}

func (c *answerCache) put(key, id string) {
	if c == nil || c.size <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		el.Value.(*cacheEntry).id = id
		c.order.MoveToFront(el)
		return
	}
	c.items[key] = c.order.PushFront(&cacheEntry{key: key, id: id})
	for c.order.Len() > c.size {
		last := c.order.Back()
		c.order.Remove(last)
		delete(c.items, last.Value.(*cacheEntry).key)
	}
}

func (c *answerCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
