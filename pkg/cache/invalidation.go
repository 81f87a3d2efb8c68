package cache

import (
	"net/http"
)

// CacheManager holds the view cache and the template listing cache, each
// with its own TTL.
type CacheManager struct {
	views     *LRUCache
	templates *LRUCache
}

// NewCacheManager creates a CacheManager from the given configuration.
// If cfg is nil or disabled, it returns nil; every method is safe on a nil
// manager.
func NewCacheManager(cfg *CacheConfig) *CacheManager {
	if cfg == nil || !cfg.Enabled {
		return nil
	}
	return &CacheManager{
		views:     NewLRUCache(cfg.MaxSize, cfg.ViewTTL),
		templates: NewLRUCache(cfg.MaxSize, cfg.TemplatesTTL),
	}
}

// Views returns the document view cache, or nil when caching is disabled.
func (cm *CacheManager) Views() *LRUCache {
	if cm == nil {
		return nil
	}
	return cm.views
}

// InvalidateDocument drops every cached view of documentID.
func (cm *CacheManager) InvalidateDocument(documentID string) {
	if cm == nil {
		return
	}
	cm.views.InvalidatePrefix("view:" + documentID + ":")
}

// InvalidateTemplates clears the template listing cache.
func (cm *CacheManager) InvalidateTemplates() {
	if cm == nil {
		return
	}
	cm.templates.InvalidateAll()
}

// InvalidateAll clears both caches.
func (cm *CacheManager) InvalidateAll() {
	if cm == nil {
		return
	}
	cm.views.InvalidateAll()
	cm.templates.InvalidateAll()
}

// TemplatesMiddleware caches GET responses of the template endpoints. It is
// a pass-through on a nil manager.
func (cm *CacheManager) TemplatesMiddleware() func(http.Handler) http.Handler {
	if cm == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return CacheMiddleware(cm.templates)
}
