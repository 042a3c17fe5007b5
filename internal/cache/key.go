package cache

import "httpcoord/internal/request"

// StoreKey returns the cache key for desc. Only GET descriptors have one, so
// other methods sharing the same URL never touch a GET entry.
func StoreKey(desc *request.Descriptor) (string, bool) {
	if desc == nil || desc.Method() != request.MethodGet {
		return "", false
	}
	return desc.ResolvedURL(), true
}
