package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/source"
)

// Fetcher is the part of source.Client the cache needs.
type Fetcher interface {
	QueryMessages(ctx context.Context, req source.QueryRequest) (*source.QueryResult, error)
	GetMessages(ctx context.Context, ids []string, properties []string) ([]model.EmailSummary, error)
	CancelAllRequests()
}

// Options holds the paging and lifetime tunables.
type Options struct {
	PageSize      int
	PrefetchPages int
	Debounce      time.Duration
	StaleAfter    time.Duration
	GCAfter       time.Duration
}

// DefaultOptions returns the standard tunables: 100-item pages, three
// prefetched pages, a 50ms switch debounce, 30s freshness and 5 minute
// retention for unreferenced entries.
func DefaultOptions() Options {
	return Options{
		PageSize:      100,
		PrefetchPages: 3,
		Debounce:      50 * time.Millisecond,
		StaleAfter:    30 * time.Second,
		GCAfter:       5 * time.Minute,
	}
}

// OptionsFromConfig converts the sync section of the app config.
func OptionsFromConfig(c model.SyncConfig) Options {
	return Options{
		PageSize:      c.PageSize,
		PrefetchPages: c.PrefetchPages,
		Debounce:      c.SwitchDebounce(),
		StaleAfter:    c.StaleAfter(),
		GCAfter:       c.GCAfter(),
	}
}

// Cache is the paginated, per-folder cache of message summaries. Each
// folder partition is an immutable Entry swapped under a mutex; network
// calls never run with the mutex held.
type Cache struct {
	client  Fetcher
	opts    Options
	logger  zerolog.Logger
	now     func() time.Time
	flights singleflight.Group

	mu          sync.Mutex
	entries     map[model.FolderKey]*Entry
	lastAccess  map[model.FolderKey]time.Time
	active      model.FolderKey
	switchGen   uint64
	epoch       uint64
	cancelFetch context.CancelFunc
	fetchGen    uint64
}

// New creates an empty cache.
func New(client Fetcher, opts Options, logger zerolog.Logger) *Cache {
	if opts.PageSize < 1 {
		opts.PageSize = DefaultOptions().PageSize
	}
	return &Cache{
		client:     client,
		opts:       opts,
		logger:     logger.With().Str("component", "cache").Logger(),
		now:        time.Now,
		entries:    make(map[model.FolderKey]*Entry),
		lastAccess: make(map[model.FolderKey]time.Time),
	}
}

// PageSize returns the configured page size.
func (c *Cache) PageSize() int {
	return c.opts.PageSize
}

// Active returns the folder currently shown.
func (c *Cache) Active() (model.FolderKey, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active, !c.active.IsZero()
}

// Entry returns the current snapshot for key, or nil.
func (c *Cache) Entry(key model.FolderKey) *Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.entries[key]
	if e != nil {
		c.lastAccess[key] = c.now()
	}
	return e
}

// IsStale reports whether key has no fresh entry.
func (c *Cache) IsStale(key model.FolderKey) bool {
	return c.Entry(key).IsStale(c.now(), c.opts.StaleAfter)
}

// Total returns the number of messages in key: the server total of the
// first page, else fallback when it is not negative, else the number
// cached.
func (c *Cache) Total(key model.FolderKey, fallback int) int {
	e := c.Entry(key)
	if total, ok := e.Total(); ok {
		return total
	}
	if fallback >= 0 {
		return fallback
	}
	return e.Len()
}

// SwitchFolder makes key the active partition. A non-empty cached entry
// is reused without any network call. Otherwise the in-flight fetch for
// the previous folder is cancelled, a short debounce absorbs rapid
// switching, then the first page and up to PrefetchPages more are
// loaded. A switch superseded by a newer one returns nil.
func (c *Cache) SwitchFolder(ctx context.Context, key model.FolderKey) error {
	c.mu.Lock()
	c.active = key
	c.switchGen++
	gen := c.switchGen
	c.lastAccess[key] = c.now()

	if e := c.entries[key]; e.Len() > 0 && !e.Invalidated {
		c.mu.Unlock()
		c.logger.Debug().Str("folder", key.String()).Msg("reusing cached entry")
		return nil
	}

	hadInflight := c.cancelFetch != nil
	if hadInflight {
		c.cancelFetch()
	}
	fetchCtx, cancel := context.WithCancel(ctx)
	c.cancelFetch = cancel
	c.fetchGen = gen
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if c.fetchGen == gen {
			c.cancelFetch = nil
		}
		c.mu.Unlock()
		cancel()
	}()

	if hadInflight {
		c.client.CancelAllRequests()
	}

	if c.opts.Debounce > 0 {
		timer := time.NewTimer(c.opts.Debounce)
		select {
		case <-timer.C:
		case <-fetchCtx.Done():
			timer.Stop()
			return c.supersededOr(gen, fetchCtx.Err())
		}
	}
	if !c.isCurrent(key, gen) {
		return nil
	}

	if err := c.loadFirst(fetchCtx, key); err != nil {
		return c.supersededOr(gen, err)
	}

	for i := 0; i < c.opts.PrefetchPages; i++ {
		more, err := c.FetchNextPage(fetchCtx, key)
		if err != nil {
			c.logger.Debug().Err(err).Str("folder", key.String()).Msg("prefetch stopped")
			break
		}
		if !more || !c.isCurrent(key, gen) {
			break
		}
	}
	return nil
}

// supersededOr hides errors caused by a newer switch cancelling this one.
func (c *Cache) supersededOr(gen uint64, err error) error {
	c.mu.Lock()
	superseded := c.switchGen != gen
	c.mu.Unlock()
	if superseded {
		return nil
	}
	return err
}

func (c *Cache) isCurrent(key model.FolderKey, gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active == key && c.switchGen == gen
}

// FetchPage requests one page of ids starting at position and resolves
// them to summaries in query order.
func (c *Cache) FetchPage(ctx context.Context, key model.FolderKey, position int) (Page, error) {
	res, err := c.client.QueryMessages(ctx, source.QueryRequest{
		MailboxID: key.MailboxID,
		Position:  position,
		Limit:     c.opts.PageSize,
		Sort:      key.Sort,
	})
	if err != nil {
		return Page{}, fmt.Errorf("querying %s at %d: %w", key, position, err)
	}

	page := Page{Query: *res}
	page.Query.IDs = append([]string(nil), res.IDs...)
	if len(res.IDs) == 0 {
		return page, nil
	}

	got, err := c.client.GetMessages(ctx, res.IDs, model.SummaryProperties)
	if err != nil {
		return Page{}, fmt.Errorf("getting %d summaries for %s: %w", len(res.IDs), key, err)
	}

	byID := make(map[string]model.EmailSummary, len(got))
	for _, m := range got {
		byID[m.ID] = m
	}
	page.Messages = make([]model.EmailSummary, 0, len(res.IDs))
	for _, id := range res.IDs {
		if m, ok := byID[id]; ok {
			page.Messages = append(page.Messages, m)
		}
	}
	return page, nil
}

// loadFirst fetches page 0 and installs it as a brand-new entry if key
// is still active.
func (c *Cache) loadFirst(ctx context.Context, key model.FolderKey) error {
	page, err := c.FetchPage(ctx, key, 0)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active != key {
		c.logger.Debug().Str("folder", key.String()).Msg("discarding first page for inactive folder")
		return nil
	}
	c.epoch++
	c.entries[key] = &Entry{
		Key:       key,
		Pages:     []Page{page},
		Epoch:     c.epoch,
		FetchedAt: c.now(),
	}
	c.lastAccess[key] = c.now()
	return nil
}

// FetchNextPage loads the page after the cached tail and reports whether
// more pages remain. Concurrent calls for one key share a single fetch.
// A page that arrives after the entry was replaced, or after the folder
// was switched away, is dropped.
func (c *Cache) FetchNextPage(ctx context.Context, key model.FolderKey) (bool, error) {
	v, err, _ := c.flights.Do("next|"+key.String(), func() (interface{}, error) {
		return c.fetchNext(ctx, key)
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

func (c *Cache) fetchNext(ctx context.Context, key model.FolderKey) (bool, error) {
	c.mu.Lock()
	base := c.entries[key]
	c.mu.Unlock()

	if base == nil {
		if err := c.loadFirst(ctx, key); err != nil {
			return false, err
		}
		_, more := c.Entry(key).NextPosition(c.opts.PageSize)
		return more, nil
	}

	pos, more := base.NextPosition(c.opts.PageSize)
	if !more {
		return false, nil
	}

	page, err := c.FetchPage(ctx, key, pos)
	if err != nil {
		return false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	cur := c.entries[key]
	if c.active != key || cur == nil || cur.Epoch != base.Epoch || len(cur.Pages) != len(base.Pages) {
		c.logger.Debug().Str("folder", key.String()).Int("position", pos).Msg("discarding stale page")
		return false, nil
	}
	next := cur.withPage(page, base.Shift)
	c.entries[key] = next
	_, more = next.NextPosition(c.opts.PageSize)
	return more, nil
}

// OnVisibleRangeChanged prefetches the next page when the consumer's
// visible range comes within half a page of the loaded tail.
func (c *Cache) OnVisibleRangeChanged(ctx context.Context, endIndex int) error {
	key, ok := c.Active()
	if !ok {
		return nil
	}
	e := c.Entry(key)
	if e == nil {
		return nil
	}
	if endIndex <= e.Len()-c.opts.PageSize/2 {
		return nil
	}
	if _, more := e.NextPosition(c.opts.PageSize); !more {
		return nil
	}
	_, err := c.FetchNextPage(ctx, key)
	return err
}

// Update atomically replaces the entry for key with fn's result. fn
// receives the current snapshot and must not modify it; returning the
// same pointer or nil leaves the entry unchanged. Update reports whether
// a new entry was installed.
func (c *Cache) Update(key model.FolderKey, fn func(*Entry) *Entry) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur := c.entries[key]
	if cur == nil {
		return false
	}
	next := fn(cur)
	if next == nil || next == cur {
		return false
	}
	c.entries[key] = next
	return true
}

// Refetch rebuilds the entry for key from scratch, reloading as many
// pages as were cached, and swaps it in wholesale. On failure the old
// entry stays visible but is marked invalidated.
func (c *Cache) Refetch(ctx context.Context, key model.FolderKey) error {
	old := c.Entry(key)
	want := 1
	if old != nil && len(old.Pages) > 1 {
		want = len(old.Pages)
	}

	first, err := c.FetchPage(ctx, key, 0)
	if err != nil {
		c.markInvalidated(key)
		return fmt.Errorf("refetching %s: %w", key, err)
	}

	fresh := &Entry{Key: key, Pages: []Page{first}}
	for len(fresh.Pages) < want {
		pos, more := fresh.NextPosition(c.opts.PageSize)
		if !more {
			break
		}
		page, err := c.FetchPage(ctx, key, pos)
		if err != nil {
			c.logger.Debug().Err(err).Str("folder", key.String()).Msg("refetch stopped early")
			break
		}
		fresh = fresh.withPage(page, fresh.Shift)
	}

	c.mu.Lock()
	c.epoch++
	fresh.Epoch = c.epoch
	fresh.FetchedAt = c.now()
	c.entries[key] = fresh
	c.lastAccess[key] = c.now()
	c.mu.Unlock()

	c.logger.Debug().Str("folder", key.String()).Int("pages", len(fresh.Pages)).Msg("entry refetched")
	return nil
}

func (c *Cache) markInvalidated(key model.FolderKey) {
	c.Update(key, func(e *Entry) *Entry {
		if e.Invalidated {
			return e
		}
		next := e.clone()
		next.Invalidated = true
		return next
	})
}

// Invalidate forces key to resynchronize: the active folder is refetched
// immediately, any other folder's entry is dropped so its next switch
// loads from scratch.
func (c *Cache) Invalidate(ctx context.Context, key model.FolderKey) error {
	c.mu.Lock()
	active := c.active == key
	if !active {
		delete(c.entries, key)
		delete(c.lastAccess, key)
	}
	c.mu.Unlock()

	if !active {
		return nil
	}
	return c.Refetch(ctx, key)
}

// Sweep drops entries that are not active and have not been read for
// longer than the GC window. It returns the number of entries removed.
func (c *Cache) Sweep() int {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key := range c.entries {
		if key == c.active {
			continue
		}
		if now.Sub(c.lastAccess[key]) > c.opts.GCAfter {
			delete(c.entries, key)
			delete(c.lastAccess, key)
			removed++
		}
	}
	return removed
}

// ViewMode selects which cached messages are listed.
type ViewMode string

const (
	ViewAll    ViewMode = "all"
	ViewUnread ViewMode = "unread"
)

// ErrUnknownView is returned for view modes other than all/unread.
var ErrUnknownView = errors.New("unknown view mode")

// ParseViewMode validates a view mode name.
func ParseViewMode(s string) (ViewMode, error) {
	switch ViewMode(s) {
	case ViewAll, ViewUnread:
		return ViewMode(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownView, s)
}

// Filter narrows msgs by view mode and a case-insensitive text match
// against the sender or subject.
func Filter(msgs []model.EmailSummary, mode ViewMode, text string) []model.EmailSummary {
	needle := strings.ToLower(text)
	out := make([]model.EmailSummary, 0, len(msgs))
	for _, m := range msgs {
		if mode == ViewUnread && m.Seen() {
			continue
		}
		if needle != "" &&
			!strings.Contains(strings.ToLower(m.FromText()), needle) &&
			!strings.Contains(strings.ToLower(m.Subject), needle) {
			continue
		}
		out = append(out, m)
	}
	return out
}
