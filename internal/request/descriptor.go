package request

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"hash"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Method string

const (
	MethodGet    Method = "GET"
	MethodPut    Method = "PUT"
	MethodPost   Method = "POST"
	MethodDelete Method = "DELETE"
)

var (
	ErrUnsupportedMethod = errors.New("unsupported method")
	ErrInvalidURL        = errors.New("invalid url")
)

func ParseMethod(value string) (Method, error) {
	switch Method(strings.ToUpper(strings.TrimSpace(value))) {
	case MethodGet:
		return MethodGet, nil
	case MethodPut:
		return MethodPut, nil
	case MethodPost:
		return MethodPost, nil
	case MethodDelete:
		return MethodDelete, nil
	default:
		return "", ErrUnsupportedMethod
	}
}

// Descriptor is an immutable, fully resolved outgoing request. Two descriptors
// with different IDs may still describe the same logical request; see Equal.
type Descriptor struct {
	id          string
	method      Method
	url         string
	headers     map[string]string
	body        []byte
	cacheTTL    time.Duration
	ignoreCache bool
	key         string
}

func newDescriptor(method Method, resolvedURL string, headers map[string]string, body []byte, cacheTTL time.Duration, ignoreCache bool) *Descriptor {
	d := &Descriptor{
		id:          uuid.NewString(),
		method:      method,
		url:         resolvedURL,
		headers:     cloneHeaders(headers),
		cacheTTL:    cacheTTL,
		ignoreCache: ignoreCache,
	}
	if len(body) > 0 {
		d.body = bytes.Clone(body)
	}
	d.key = canonicalKey(d)
	return d
}

func (d *Descriptor) ID() string {
	return d.id
}

func (d *Descriptor) Method() Method {
	return d.method
}

// ResolvedURL returns the assembled URL. It is fixed at build time, so repeated
// calls always return the same string.
func (d *Descriptor) ResolvedURL() string {
	return d.url
}

// Headers returns a copy of the header set.
func (d *Descriptor) Headers() map[string]string {
	return cloneHeaders(d.headers)
}

func (d *Descriptor) Header(name string) (string, bool) {
	value, ok := d.headers[name]
	return value, ok
}

// Body returns a copy of the body, or nil when the descriptor has none.
func (d *Descriptor) Body() []byte {
	if d.body == nil {
		return nil
	}
	return bytes.Clone(d.body)
}

func (d *Descriptor) CacheTTL() time.Duration {
	return d.cacheTTL
}

func (d *Descriptor) IgnoreCache() bool {
	return d.ignoreCache
}

// Cacheable reports whether a successful response for d may be stored.
func (d *Descriptor) Cacheable() bool {
	return d.method == MethodGet && !d.ignoreCache && d.cacheTTL > 0
}

// Key is a canonical digest of the structural identity of d. Structurally
// equal descriptors always share a key.
func (d *Descriptor) Key() string {
	return d.key
}

// WithIgnoreCache returns a copy of d with a fresh ID and the given flag.
func (d *Descriptor) WithIgnoreCache(ignore bool) *Descriptor {
	return newDescriptor(d.method, d.url, d.headers, d.body, d.cacheTTL, ignore)
}

// WithCacheTTL returns a copy of d with a fresh ID and the given TTL.
func (d *Descriptor) WithCacheTTL(ttl time.Duration) *Descriptor {
	return newDescriptor(d.method, d.url, d.headers, d.body, ttl, d.ignoreCache)
}

// Equal reports whether a and b describe the same logical request: the same
// instance, or the same method, URL, body bytes and header set.
func Equal(a, b *Descriptor) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.id == b.id {
		return true
	}
	if a.method != b.method {
		return false
	}
	if a.url != b.url {
		return false
	}
	if !bytes.Equal(a.body, b.body) {
		return false
	}
	if len(a.headers) != len(b.headers) {
		return false
	}
	for name, value := range a.headers {
		other, ok := b.headers[name]
		if !ok || other != value {
			return false
		}
	}
	return true
}

func canonicalKey(d *Descriptor) string {
	h := sha256.New()
	writeField(h, string(d.method))
	writeField(h, d.url)
	bodySum := sha256.Sum256(d.body)
	writeField(h, string(bodySum[:]))

	names := make([]string, 0, len(d.headers))
	for name := range d.headers {
		names = append(names, name)
	}
	sort.Strings(names)
	writeCount(h, len(names))
	for _, name := range names {
		writeField(h, name)
		writeField(h, d.headers[name])
	}
	return hex.EncodeToString(h.Sum(nil))
}

func writeField(h hash.Hash, value string) {
	writeCount(h, len(value))
	_, _ = h.Write([]byte(value))
}

func writeCount(h hash.Hash, n int) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(n))
	_, _ = h.Write(buf[:])
}

func cloneHeaders(headers map[string]string) map[string]string {
	out := make(map[string]string, len(headers))
	for name, value := range headers {
		out[name] = value
	}
	return out
}
