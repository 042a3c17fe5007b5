package cache

import (
	"errors"
	"time"
)

var ErrEntryTooLarge = errors.New("cache entry exceeds max object bytes")

type Entry struct {
	Body      []byte
	StoredAt  time.Time
	ExpiresAt time.Time
}

// Valid reports whether e may be served at now. The expiry instant itself is
// still valid.
func (e Entry) Valid(now time.Time) bool {
	return !now.After(e.ExpiresAt)
}

type Store interface {
	Get(key string) (Entry, bool)
	Set(key string, entry Entry) error
	Delete(key string)
}
