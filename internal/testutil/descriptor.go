package testutil

import (
	"testing"
	"time"

	"httpcoord/internal/request"
)

func MustDescriptor(t testing.TB, method string, url string, headers map[string]string, body []byte) *request.Descriptor {
	t.Helper()
	desc, err := request.NewBuilder(url, request.Method(method)).SetHeaders(headers).SetBody(body).Build()
	if err != nil {
		t.Fatalf("build descriptor: %v", err)
	}
	return desc
}

// MustGet builds a GET descriptor cached for ttl.
func MustGet(t testing.TB, url string, ttl time.Duration) *request.Descriptor {
	t.Helper()
	desc, err := request.NewBuilder(url, request.MethodGet).SetCacheTTL(ttl).Build()
	if err != nil {
		t.Fatalf("build descriptor: %v", err)
	}
	return desc
}
