package sync

import (
	"context"
	"fmt"
	"sort"
	gosync "sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/nhle/mailsync/internal/cache"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/source"
)

// SyncState represents what the engine is doing for a folder.
type SyncState int

const (
	SyncIdle SyncState = iota
	SyncPolling
)

func (s SyncState) String() string {
	if s == SyncPolling {
		return "polling"
	}
	return "idle"
}

// Outcome is the result of the last refresh of a folder.
type Outcome int

const (
	OutcomeNone Outcome = iota
	OutcomeApplied
	OutcomeRefetched
	OutcomeFailed
	// OutcomeDropped means the delta was discarded because the entry
	// was replaced while it was in flight.
	OutcomeDropped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeRefetched:
		return "refetched"
	case OutcomeFailed:
		return "failed"
	case OutcomeDropped:
		return "dropped"
	}
	return "none"
}

// SyncStatus holds the sync state for a single folder.
type SyncStatus struct {
	Key      model.FolderKey
	State    SyncState
	Outcome  Outcome
	LastSync time.Time
	Error    error
}

// Result describes one reconciliation.
type Result struct {
	Added   int
	Removed int

	// Applied is false when the entry was replaced while the delta was
	// in flight and the delta was dropped.
	Applied bool
}

// ChangeSource is the part of source.Client the engine needs.
type ChangeSource interface {
	QueryMessageChanges(ctx context.Context, req source.ChangesRequest) (*source.ChangesResult, error)
	GetMessages(ctx context.Context, ids []string, properties []string) ([]model.EmailSummary, error)
}

// Recorder receives journal events.
type Recorder interface {
	RecordEvent(ctx context.Context, ev model.SyncEvent) error
}

// fetchTimeout is the maximum time allowed for one background refresh.
const fetchTimeout = 30 * time.Second

// Options configures an Engine.
type Options struct {
	PollInterval time.Duration

	// Journal is optional.
	Journal Recorder

	// Connected gates background refreshes; nil means always connected.
	Connected func() bool
}

// Engine keeps cached folders current by requesting deltas since each
// entry's query state, falling back to a full refetch when the server
// cannot compute them.
type Engine struct {
	cache   *cache.Cache
	client  ChangeSource
	opts    Options
	logger  zerolog.Logger
	now     func() time.Time
	flights singleflight.Group

	triggerCh chan struct{}
	stopCh    chan struct{}
	doneCh    chan struct{}

	mu       gosync.Mutex
	statuses map[model.FolderKey]*SyncStatus
	running  bool
}

// New creates an Engine over c.
func New(c *cache.Cache, client ChangeSource, opts Options, logger zerolog.Logger) *Engine {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 30 * time.Second
	}
	return &Engine{
		cache:     c,
		client:    client,
		opts:      opts,
		logger:    logger.With().Str("component", "sync").Logger(),
		now:       time.Now,
		triggerCh: make(chan struct{}, 1),
		statuses:  make(map[model.FolderKey]*SyncStatus),
	}
}

// Reconcile applies the server's changes since the cached first page's
// query state. Concurrent calls for one key share a single exchange.
// It fails with a StaleCursorError when there is no cursor or the
// server cannot compute changes, and leaves the entry untouched on any
// error.
func (e *Engine) Reconcile(ctx context.Context, key model.FolderKey) (Result, error) {
	v, err, _ := e.flights.Do("reconcile|"+key.String(), func() (interface{}, error) {
		return e.reconcile(ctx, key)
	})
	if err != nil {
		return Result{}, err
	}
	return v.(Result), nil
}

func (e *Engine) reconcile(ctx context.Context, key model.FolderKey) (Result, error) {
	base := e.cache.Entry(key)
	since := base.QueryState()
	if since == "" {
		return Result{}, &source.StaleCursorError{Reason: "no cached query state"}
	}

	changes, err := e.client.QueryMessageChanges(ctx, source.ChangesRequest{
		MailboxID:       key.MailboxID,
		SinceQueryState: since,
		Sort:            key.Sort,
	})
	if err != nil {
		return Result{}, fmt.Errorf("querying changes for %s: %w", key, err)
	}
	if changes.Error != "" {
		return Result{}, &source.StaleCursorError{Reason: changes.Error}
	}
	if changes.NewQueryState == "" {
		return Result{}, &source.StaleCursorError{Reason: "missing new query state"}
	}

	delta := cache.Delta{
		Added:         changes.Added,
		Removed:       changes.Removed,
		NewQueryState: changes.NewQueryState,
		Total:         changes.Total,
		Summaries:     make(map[string]model.EmailSummary, len(changes.Added)),
	}
	if len(changes.Added) > 0 {
		ids := make([]string, len(changes.Added))
		for i, a := range changes.Added {
			ids[i] = a.ID
		}
		got, err := e.client.GetMessages(ctx, ids, model.SummaryProperties)
		if err != nil {
			return Result{}, fmt.Errorf("getting %d added summaries for %s: %w", len(ids), key, err)
		}
		for _, m := range got {
			delta.Summaries[m.ID] = m
		}
	}

	now := e.now()
	applied := e.cache.Update(key, func(cur *cache.Entry) *cache.Entry {
		if cur.Epoch != base.Epoch || cur.QueryState() != since {
			return cur
		}
		next := cur.ApplyDelta(delta)
		if next == cur {
			return cur
		}
		next.FetchedAt = now
		return next
	})
	if !applied {
		e.logger.Debug().Str("folder", key.String()).Msg("entry replaced during reconcile, delta dropped")
	}

	return Result{
		Added:   len(delta.Summaries),
		Removed: len(changes.Removed),
		Applied: applied,
	}, nil
}

// Refresh reconciles key and, on any failure, replaces the entry with a
// full refetch. A key with no cached entry is left alone.
func (e *Engine) Refresh(ctx context.Context, key model.FolderKey) error {
	if e.cache.Entry(key) == nil {
		return nil
	}
	_, err, _ := e.flights.Do("refresh|"+key.String(), func() (interface{}, error) {
		return nil, e.refresh(ctx, key)
	})
	return err
}

func (e *Engine) refresh(ctx context.Context, key model.FolderKey) error {
	e.setStatus(key, SyncPolling, OutcomeNone, nil)

	res, err := e.Reconcile(ctx, key)
	if err == nil {
		if !res.Applied {
			e.setStatus(key, SyncIdle, OutcomeDropped, nil)
			return nil
		}
		e.setStatus(key, SyncIdle, OutcomeApplied, nil)
		if res.Added > 0 || res.Removed > 0 {
			e.record(ctx, key, model.EventDeltaApplied,
				fmt.Sprintf("%d added, %d removed", res.Added, res.Removed))
		}
		return nil
	}

	if source.IsAuthError(err) {
		e.record(ctx, key, model.EventAuthFailed, err.Error())
	}
	e.logger.Debug().Err(err).Str("folder", key.String()).Msg("reconcile failed, refetching")

	if rerr := e.cache.Refetch(ctx, key); rerr != nil {
		e.setStatus(key, SyncIdle, OutcomeFailed, rerr)
		e.logger.Warn().Err(rerr).Str("folder", key.String()).Msg("refetch failed")
		return rerr
	}

	e.setStatus(key, SyncIdle, OutcomeRefetched, nil)
	e.record(ctx, key, model.EventRefetch, err.Error())
	return nil
}

func (e *Engine) record(ctx context.Context, key model.FolderKey, kind, msg string) {
	if e.opts.Journal == nil {
		return
	}
	err := e.opts.Journal.RecordEvent(ctx, model.SyncEvent{
		FolderKey: key.String(),
		Kind:      kind,
		Message:   msg,
	})
	if err != nil {
		e.logger.Warn().Err(err).Str("kind", kind).Msg("recording journal event")
	}
}

// Start runs the background loop until ctx is done or Stop is called.
// Each tick or focus trigger refreshes the active folder while
// connected and sweeps idle cache entries.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.stopCh = make(chan struct{})
	e.doneCh = make(chan struct{})
	stopCh, doneCh := e.stopCh, e.doneCh
	e.mu.Unlock()

	go e.loop(ctx, stopCh, doneCh)
}

// Stop halts the background loop and waits for it to exit.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	close(e.stopCh)
	doneCh := e.doneCh
	e.mu.Unlock()

	<-doneCh
}

// Focus requests an immediate refresh, as when the window regains focus.
func (e *Engine) Focus() {
	select {
	case e.triggerCh <- struct{}{}:
	default:
		// A refresh is already pending.
	}
}

func (e *Engine) loop(ctx context.Context, stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(e.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			e.tick(ctx)
		case <-e.triggerCh:
			e.tick(ctx)
		}
	}
}

func (e *Engine) tick(ctx context.Context) {
	if e.opts.Connected != nil && !e.opts.Connected() {
		return
	}

	if key, ok := e.cache.Active(); ok {
		fctx, cancel := context.WithTimeout(ctx, fetchTimeout)
		if err := e.Refresh(fctx, key); err != nil {
			e.logger.Debug().Err(err).Str("folder", key.String()).Msg("background refresh failed")
		}
		cancel()
	}

	if n := e.cache.Sweep(); n > 0 {
		e.logger.Debug().Int("removed", n).Msg("swept idle cache entries")
	}
}

// Status returns the sync status for key.
func (e *Engine) Status(key model.FolderKey) (SyncStatus, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.statuses[key]
	if !ok {
		return SyncStatus{Key: key}, false
	}
	return *s, true
}

// Statuses returns the status of every folder seen so far, ordered by key.
func (e *Engine) Statuses() []SyncStatus {
	e.mu.Lock()
	defer e.mu.Unlock()

	statuses := make([]SyncStatus, 0, len(e.statuses))
	for _, s := range e.statuses {
		statuses = append(statuses, *s)
	}
	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].Key.String() < statuses[j].Key.String()
	})
	return statuses
}

// setStatus updates the sync status for a folder.
func (e *Engine) setStatus(key model.FolderKey, state SyncState, outcome Outcome, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	status, ok := e.statuses[key]
	if !ok {
		status = &SyncStatus{Key: key}
		e.statuses[key] = status
	}

	status.State = state
	if state == SyncIdle {
		status.Outcome = outcome
		status.Error = err
		if err == nil && outcome != OutcomeDropped {
			status.LastSync = e.now()
		}
	}
}
