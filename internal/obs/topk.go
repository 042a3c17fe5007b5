package obs

import (
	"sort"
	"sync"
	"time"
)

const (
	defaultHostTopK          = 100
	defaultRecomputeInterval = 10 * time.Second
	otherLabel               = "other"
	noneLabel                = "none"
)

// TopK keeps metric label cardinality bounded: only the k most requested
// hosts get their own label value, everything else is reported as "other".
type TopK struct {
	mu            sync.Mutex
	counts        map[string]int64
	top           map[string]struct{}
	k             int
	interval      time.Duration
	lastRecompute time.Time
}

func NewTopK(k int, interval time.Duration) *TopK {
	if k <= 0 {
		k = defaultHostTopK
	}
	if interval <= 0 {
		interval = defaultRecomputeInterval
	}
	return &TopK{
		counts:   make(map[string]int64),
		top:      make(map[string]struct{}),
		k:        k,
		interval: interval,
	}
}

func (t *TopK) Observe(host string) {
	if t == nil || host == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counts[host]++
	if len(t.top) < t.k {
		t.top[host] = struct{}{}
	}
	if time.Since(t.lastRecompute) >= t.interval {
		t.top = buildTop(t.counts, t.k)
		t.lastRecompute = time.Now()
	}
}

func (t *TopK) Canon(host string) string {
	if host == "" {
		return noneLabel
	}
	if t == nil {
		return otherLabel
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.top[host]; ok {
		return host
	}
	return otherLabel
}

func buildTop(counts map[string]int64, limit int) map[string]struct{} {
	type pair struct {
		key   string
		count int64
	}
	items := make([]pair, 0, len(counts))
	for key, count := range counts {
		items = append(items, pair{key: key, count: count})
	}

	sort.Slice(items, func(i, j int) bool {
		if items[i].count == items[j].count {
			return items[i].key < items[j].key
		}
		return items[i].count > items[j].count
	})

	if limit > len(items) {
		limit = len(items)
	}
	result := make(map[string]struct{}, limit)
	for i := 0; i < limit; i++ {
		result[items[i].key] = struct{}{}
	}
	return result
}
