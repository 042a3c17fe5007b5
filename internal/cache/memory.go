package cache

import (
	"bytes"
	"errors"
	"sync"
	"time"

	"k8s.io/utils/clock"
)

const DefaultMaxObjectBytes int64 = 50 * 1024 * 1024

// MemoryStore keeps entries until they are overwritten, read after expiry, or
// removed by Sweep. Without a sweeper expired entries simply stay put.
type MemoryStore struct {
	mu             sync.RWMutex
	entries        map[string]Entry
	maxObjectBytes int64
	clock          clock.PassiveClock

	sweepMu sync.Mutex
	stopCh  chan struct{}
}

func NewMemoryStore(clk clock.PassiveClock, maxObjectBytes int64) *MemoryStore {
	if maxObjectBytes <= 0 {
		maxObjectBytes = DefaultMaxObjectBytes
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &MemoryStore{
		entries:        make(map[string]Entry),
		maxObjectBytes: maxObjectBytes,
		clock:          clk,
	}
}

func (m *MemoryStore) Get(key string) (Entry, bool) {
	if m == nil {
		return Entry{}, false
	}

	now := m.clock.Now()
	m.mu.RLock()
	entry, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok {
		return Entry{}, false
	}
	if !entry.Valid(now) {
		m.deleteIfExpired(key, now)
		return Entry{}, false
	}
	return entry, true
}

func (m *MemoryStore) Set(key string, entry Entry) error {
	if m == nil {
		return errors.New("cache store not initialized")
	}
	if m.maxObjectBytes > 0 && int64(len(entry.Body)) > m.maxObjectBytes {
		return ErrEntryTooLarge
	}
	entry.Body = bytes.Clone(entry.Body)
	m.mu.Lock()
	m.entries[key] = entry
	m.mu.Unlock()
	return nil
}

// Put stores body under key until now+ttl. A ttl that has already elapsed is
// accepted; the entry is simply never served.
func (m *MemoryStore) Put(key string, body []byte, ttl time.Duration) error {
	if m == nil {
		return errors.New("cache store not initialized")
	}
	now := m.clock.Now()
	return m.Set(key, Entry{Body: body, StoredAt: now, ExpiresAt: now.Add(ttl)})
}

func (m *MemoryStore) Delete(key string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
}

func (m *MemoryStore) Len() int {
	if m == nil {
		return 0
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Sweep removes every expired entry and returns how many were dropped.
func (m *MemoryStore) Sweep() int {
	if m == nil {
		return 0
	}
	now := m.clock.Now()
	removed := 0
	m.mu.Lock()
	for key, entry := range m.entries {
		if entry.Valid(now) {
			continue
		}
		delete(m.entries, key)
		removed++
	}
	m.mu.Unlock()
	return removed
}

// StartSweeper runs Sweep every interval on clk until Stop is called. Calling
// it again while a sweeper is running is a no-op.
func (m *MemoryStore) StartSweeper(clk clock.WithTicker, interval time.Duration) {
	if m == nil || clk == nil || interval <= 0 {
		return
	}
	m.sweepMu.Lock()
	defer m.sweepMu.Unlock()
	if m.stopCh != nil {
		return
	}
	stopCh := make(chan struct{})
	m.stopCh = stopCh
	ticker := clk.NewTicker(interval)
	go m.sweepLoop(ticker, stopCh)
}

func (m *MemoryStore) Stop() {
	if m == nil {
		return
	}
	m.sweepMu.Lock()
	defer m.sweepMu.Unlock()
	if m.stopCh == nil {
		return
	}
	close(m.stopCh)
	m.stopCh = nil
}

func (m *MemoryStore) sweepLoop(ticker clock.Ticker, stopCh chan struct{}) {
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C():
			m.Sweep()
		case <-stopCh:
			return
		}
	}
}

// deleteIfExpired re-checks under the write lock so a concurrent fresh Set is
// not lost.
func (m *MemoryStore) deleteIfExpired(key string, now time.Time) {
	m.mu.Lock()
	if entry, ok := m.entries[key]; ok && !entry.Valid(now) {
		delete(m.entries, key)
	}
	m.mu.Unlock()
}
