// Package saved keeps a bounded, insertion-ordered record of submitted
// resources. The UI uses it to show "already saved" without a network call.
package saved

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Dicklesworthstone/clipagent/internal/resource"
	"github.com/Dicklesworthstone/clipagent/internal/store"
)

// MaxItems bounds the cache. The oldest record is evicted first.
const MaxItems = 500

// Item is one saved resource.
type Item struct {
	URL        string    `json:"url"`
	ResourceID string    `json:"resourceId"`
	Title      string    `json:"title,omitempty"`
	SavedAt    time.Time `json:"savedAt"`
}

// Cache is the saved-item cache over a store.Store.
type Cache struct {
	mu    sync.Mutex
	kv    store.Store
	limit int
	now   func() time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithLimit overrides MaxItems. Values below 1 are ignored.
func WithLimit(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.limit = n
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New returns a cache over kv.
func New(kv store.Store, opts ...Option) *Cache {
	c := &Cache{kv: kv, limit: MaxItems, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// MigrateIfLegacy upgrades a stored Document written by an older version to
// the current format and persists it. It reports whether anything was
// written. Running it on already-current data is a no-op.
func (c *Cache) MigrateIfLegacy(ctx context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, migrated, err := c.load(ctx)
	return migrated, err
}

// Add records url unless it is already present. It reports whether a record
// was appended.
func (c *Cache) Add(ctx context.Context, url, title string) (bool, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return false, fmt.Errorf("empty url")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	doc, _, err := c.load(ctx)
	if err != nil {
		return false, err
	}
	for _, item := range doc.Items {
		if item.URL == url {
			return false, nil
		}
	}

	doc.Items = append(doc.Items, Item{
		URL:        url,
		ResourceID: resource.ID(url),
		Title:      strings.TrimSpace(title),
		SavedAt:    c.now().UTC(),
	})
	if over := len(doc.Items) - c.limit; over > 0 {
		doc.Items = append([]Item(nil), doc.Items[over:]...)
	}

	if err := c.kv.Set(ctx, store.KeySavedItems, doc); err != nil {
		return false, fmt.Errorf("save items: %w", err)
	}
	return true, nil
}

// Has reports whether url was saved.
func (c *Cache) Has(ctx context.Context, url string) (bool, error) {
	url = strings.TrimSpace(url)

	c.mu.Lock()
	defer c.mu.Unlock()

	doc, _, err := c.load(ctx)
	if err != nil {
		return false, err
	}
	for _, item := range doc.Items {
		if item.URL == url {
			return true, nil
		}
	}
	return false, nil
}

// List returns up to limit records, newest first. limit <= 0 means all.
func (c *Cache) List(ctx context.Context, limit int) ([]Item, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	doc, _, err := c.load(ctx)
	if err != nil {
		return nil, err
	}

	n := len(doc.Items)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Item, 0, n)
	for i := len(doc.Items) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, doc.Items[i])
	}
	return out, nil
}

// load reads the current Document, migrating and persisting it first when
// it was written in an older format. Callers hold c.mu.
func (c *Cache) load(ctx context.Context) (Document, bool, error) {
	raw, found, err := c.kv.GetRaw(ctx, store.KeySavedItems)
	if err != nil {
		return Document{}, false, fmt.Errorf("read saved items: %w", err)
	}
	if !found {
		return Document{Version: CurrentVersion}, false, nil
	}

	doc, from, err := Upgrade(raw, c.now().UTC())
	if err != nil {
		return Document{}, false, err
	}
	if from == CurrentVersion {
		return doc, false, nil
	}

	if over := len(doc.Items) - c.limit; over > 0 {
		doc.Items = doc.Items[over:]
	}
	if err := c.kv.Set(ctx, store.KeySavedItems, doc); err != nil {
		return Document{}, false, fmt.Errorf("persist migrated items: %w", err)
	}
	return doc, true, nil
}
