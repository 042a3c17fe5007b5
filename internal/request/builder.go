package request

import (
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"
)

const (
	DefaultAPIKeyHeader = "x-api-key"
	DefaultContentType  = "application/json"
	DefaultTokenPrefix  = "Bearer"
)

// Builder assembles a Descriptor. Params become sorted "/name/value" path
// segments, query pairs are sorted by key, and every value is rendered to a
// string when Build runs.
type Builder struct {
	baseURL     string
	method      Method
	path        []string
	params      map[string]any
	query       map[string]any
	headers     map[string]string
	body        []byte
	cacheTTL    time.Duration
	ignoreCache bool
	err         error
}

func NewBuilder(baseURL string, method Method, path ...string) *Builder {
	return &Builder{
		baseURL: baseURL,
		method:  method,
		path:    append([]string(nil), path...),
	}
}

func (b *Builder) AddParam(name string, value any) *Builder {
	if b.params == nil {
		b.params = make(map[string]any)
	}
	b.params[name] = value
	return b
}

func (b *Builder) SetParams(params map[string]any) *Builder {
	b.params = make(map[string]any, len(params))
	for name, value := range params {
		b.params[name] = value
	}
	return b
}

func (b *Builder) AddQuery(key string, value any) *Builder {
	if b.query == nil {
		b.query = make(map[string]any)
	}
	b.query[key] = value
	return b
}

func (b *Builder) SetQuery(query map[string]any) *Builder {
	b.query = make(map[string]any, len(query))
	for key, value := range query {
		b.query[key] = value
	}
	return b
}

// SetQueryStruct replaces the query with the top-level fields of v's JSON
// object encoding.
func (b *Builder) SetQueryStruct(v any) *Builder {
	data, err := json.Marshal(v)
	if err != nil {
		b.err = fmt.Errorf("encode query: %w", err)
		return b
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		b.err = fmt.Errorf("encode query: %w", err)
		return b
	}
	return b.SetQuery(fields)
}

func (b *Builder) SetHeaders(headers map[string]string) *Builder {
	b.headers = cloneHeaders(headers)
	return b
}

func (b *Builder) AddHeader(name, value string) *Builder {
	if b.headers == nil {
		b.headers = make(map[string]string)
	}
	b.headers[name] = value
	return b
}

// SetAPIKey sets the key under name, or under x-api-key when name is empty.
func (b *Builder) SetAPIKey(key string, name string) *Builder {
	if name == "" {
		name = DefaultAPIKeyHeader
	}
	return b.AddHeader(name, key)
}

func (b *Builder) SetContentType(contentType string) *Builder {
	if contentType == "" {
		contentType = DefaultContentType
	}
	return b.AddHeader("Content-Type", contentType)
}

func (b *Builder) SetAuthToken(token string, prefix string) *Builder {
	if prefix == "" {
		prefix = DefaultTokenPrefix
	}
	return b.AddHeader("Authorization", prefix+" "+token)
}

func (b *Builder) SetBody(body []byte) *Builder {
	b.body = append([]byte(nil), body...)
	return b
}

func (b *Builder) SetJSONBody(v any) *Builder {
	data, err := json.Marshal(v)
	if err != nil {
		b.err = fmt.Errorf("encode body: %w", err)
		return b
	}
	b.body = data
	return b
}

func (b *Builder) SetCacheTTL(ttl time.Duration) *Builder {
	b.cacheTTL = ttl
	return b
}

func (b *Builder) SetIgnoreCache(ignore bool) *Builder {
	b.ignoreCache = ignore
	return b
}

func (b *Builder) Build() (*Descriptor, error) {
	if b.err != nil {
		return nil, b.err
	}
	method, err := ParseMethod(string(b.method))
	if err != nil {
		return nil, fmt.Errorf("%w: %q", err, b.method)
	}
	resolved := b.resolveURL()
	if _, err := url.Parse(resolved); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if resolved == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidURL)
	}
	return newDescriptor(method, resolved, b.headers, b.body, b.cacheTTL, b.ignoreCache), nil
}

func (b *Builder) resolveURL() string {
	var suffix strings.Builder
	for _, segment := range b.path {
		segment = strings.Trim(segment, "/")
		if segment == "" {
			continue
		}
		suffix.WriteString("/")
		suffix.WriteString(escapePath(segment))
	}
	for _, name := range sortedKeys(b.params) {
		suffix.WriteString("/")
		suffix.WriteString(url.PathEscape(name))
		suffix.WriteString("/")
		suffix.WriteString(url.PathEscape(fmt.Sprint(b.params[name])))
	}

	// The base keeps its trailing slash unless segments follow it.
	var builder strings.Builder
	if suffix.Len() > 0 {
		builder.WriteString(strings.TrimRight(b.baseURL, "/"))
		builder.WriteString(suffix.String())
	} else {
		builder.WriteString(b.baseURL)
	}

	if len(b.query) > 0 {
		pairs := make([]string, 0, len(b.query))
		for _, key := range sortedKeys(b.query) {
			pairs = append(pairs, url.QueryEscape(key)+"="+url.QueryEscape(fmt.Sprint(b.query[key])))
		}
		builder.WriteString("?")
		builder.WriteString(strings.Join(pairs, "&"))
	}
	return builder.String()
}

// escapePath escapes each segment of a slash-separated path.
func escapePath(path string) string {
	parts := strings.Split(path, "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}

func sortedKeys(values map[string]any) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
