package cache

// Cache bundles the payload store with the registry of in-flight calls.
type Cache struct {
	Store    Store
	Registry *Registry
}

func NewCache(store Store, registry *Registry) *Cache {
	return &Cache{Store: store, Registry: registry}
}
