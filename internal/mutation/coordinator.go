// Package mutation applies user actions to the cache before the server
// confirms them. A failed remote write is not rolled back; the folder is
// invalidated instead so the next load reconciles with the server.
package mutation

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/nhle/mailsync/internal/cache"
	"github.com/nhle/mailsync/internal/model"
)

// ErrInFlight is returned when a delete for the same message is already
// running.
var ErrInFlight = errors.New("mutation already in flight")

// MutationError is a failed remote write. Its message is suitable for a
// status line.
type MutationError struct {
	Op  string
	ID  string
	Err error
}

func (e *MutationError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *MutationError) Unwrap() error { return e.Err }

// Writer is the part of source.Client that performs remote writes.
type Writer interface {
	SetSeenFlag(ctx context.Context, id string, seen bool) error
	MoveOrDestroyMessage(ctx context.Context, id, sourceMailboxID string) error
}

// CountAdjuster updates mailbox counters.
type CountAdjuster interface {
	AdjustCounts(id string, unreadDelta, totalDelta int)
}

// SelectionClearer drops the open detail view when it shows id.
type SelectionClearer interface {
	ClearIf(id string) bool
}

// Recorder receives journal events.
type Recorder interface {
	RecordEvent(ctx context.Context, ev model.SyncEvent) error
}

// Coordinator performs optimistic mark-seen and delete.
type Coordinator struct {
	cache     *cache.Cache
	writer    Writer
	counts    CountAdjuster
	selection SelectionClearer
	journal   Recorder
	logger    zerolog.Logger

	mu       sync.Mutex
	inflight map[string]bool
}

// New creates a Coordinator. selection and journal may be nil.
func New(
	c *cache.Cache,
	writer Writer,
	counts CountAdjuster,
	selection SelectionClearer,
	journal Recorder,
	logger zerolog.Logger,
) *Coordinator {
	return &Coordinator{
		cache:     c,
		writer:    writer,
		counts:    counts,
		selection: selection,
		journal:   journal,
		logger:    logger.With().Str("component", "mutation").Logger(),
		inflight:  make(map[string]bool),
	}
}

// MarkSeen sets the seen flag on id in the cached list, decrements the
// mailbox's unread count and writes the flag to the server. Messages
// that are already seen or not cached are left alone.
func (m *Coordinator) MarkSeen(ctx context.Context, id string, key model.FolderKey) error {
	var wasUnread bool
	m.cache.Update(key, func(e *cache.Entry) *cache.Entry {
		next, _, unread := e.WithSeen(id)
		wasUnread = unread
		return next
	})
	if !wasUnread {
		return nil
	}

	m.counts.AdjustCounts(key.MailboxID, -1, 0)

	if err := m.writer.SetSeenFlag(ctx, id, true); err != nil {
		return m.fail(ctx, "Mark read", id, key, err)
	}
	return nil
}

// Delete removes id from the cached list, adjusts mailbox counters,
// clears the selection if it shows id, then moves the message to trash
// (or destroys it when already there). Only one delete per id runs at a
// time.
func (m *Coordinator) Delete(ctx context.Context, id string, key model.FolderKey) error {
	m.mu.Lock()
	if m.inflight[id] {
		m.mu.Unlock()
		return ErrInFlight
	}
	m.inflight[id] = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.inflight, id)
		m.mu.Unlock()
	}()

	var (
		removed model.EmailSummary
		found   bool
	)
	m.cache.Update(key, func(e *cache.Entry) *cache.Entry {
		next, r, ok := e.Without(id)
		removed, found = r, ok
		return next
	})

	if found {
		unread := 0
		if !removed.Seen() {
			unread = -1
		}
		m.counts.AdjustCounts(key.MailboxID, unread, -1)
	}
	if m.selection != nil {
		m.selection.ClearIf(id)
	}

	if err := m.writer.MoveOrDestroyMessage(ctx, id, key.MailboxID); err != nil {
		return m.fail(ctx, "Delete", id, key, err)
	}

	m.logger.Debug().Str("id", id).Str("folder", key.String()).Msg("message deleted")
	return nil
}

// fail invalidates the folder and records the failed write.
func (m *Coordinator) fail(ctx context.Context, op, id string, key model.FolderKey, err error) error {
	merr := &MutationError{Op: op, ID: id, Err: err}
	m.logger.Warn().Err(err).Str("op", op).Str("id", id).Msg("remote write failed")

	if ierr := m.cache.Invalidate(ctx, key); ierr != nil {
		m.logger.Debug().Err(ierr).Str("folder", key.String()).Msg("invalidation refetch failed")
	}

	if m.journal != nil {
		rerr := m.journal.RecordEvent(ctx, model.SyncEvent{
			FolderKey: key.String(),
			Kind:      model.EventMutationFailed,
			Message:   merr.Error(),
		})
		if rerr != nil {
			m.logger.Warn().Err(rerr).Msg("recording journal event")
		}
	}
	return merr
}
