package app

import (
	"context"
	"fmt"

	"github.com/nhle/mailsync/internal/cache"
	"github.com/nhle/mailsync/internal/model"
)

// currentKey returns the cache key of the current mailbox.
func (a *App) currentKey() (model.FolderKey, bool) {
	a.mu.RLock()
	id := a.current
	a.mu.RUnlock()
	if id == "" {
		return model.FolderKey{}, false
	}
	return a.directory.FolderKeyFor(id)
}

// CurrentMailbox returns the mailbox being listed.
func (a *App) CurrentMailbox() (model.Mailbox, bool) {
	a.mu.RLock()
	id := a.current
	a.mu.RUnlock()
	return a.directory.ByID(id)
}

// SwitchFolder makes mailboxID the current folder. The selection is
// cleared and the folder's list is served from cache or loaded.
func (a *App) SwitchFolder(ctx context.Context, mailboxID string) error {
	if !a.Connected() {
		return nil
	}
	key, ok := a.directory.FolderKeyFor(mailboxID)
	if !ok {
		return fmt.Errorf("unknown mailbox %q", mailboxID)
	}

	a.mu.Lock()
	a.current = mailboxID
	a.selected = ""
	a.currentView = ViewList
	a.mu.Unlock()
	a.detail.Clear()

	if err := a.cache.SwitchFolder(ctx, key); err != nil {
		a.logger.Debug().Err(err).Str("folder", key.String()).Msg("folder load failed")
		return fmt.Errorf("loading %s: %w", mailboxID, err)
	}
	return nil
}

// SwitchFolderByName switches to the mailbox whose display key is name,
// as used in deep links. It reports whether such a mailbox exists.
func (a *App) SwitchFolderByName(ctx context.Context, name string) (bool, error) {
	if !a.Connected() {
		return false, nil
	}
	mb, ok := a.directory.ResolveByDisplayKey(name)
	if !ok {
		return false, nil
	}
	return true, a.SwitchFolder(ctx, mb.ID)
}

// Refresh reconciles the current folder with the server.
func (a *App) Refresh(ctx context.Context) error {
	if !a.Connected() {
		return nil
	}
	key, ok := a.currentKey()
	if !ok {
		return nil
	}
	return a.engine.Refresh(ctx, key)
}

// OnVisibleRangeChanged loads the next page when the viewport nears
// the end of the loaded list.
func (a *App) OnVisibleRangeChanged(ctx context.Context, endIndex int) error {
	if !a.Connected() {
		return nil
	}
	return a.cache.OnVisibleRangeChanged(ctx, endIndex)
}

// Focus asks the sync engine for an immediate refresh.
func (a *App) Focus() {
	if !a.Connected() {
		return
	}
	a.engine.Focus()
}

// SetView switches between all and unread messages. Unknown modes are
// rejected and leave the view unchanged.
func (a *App) SetView(mode string) error {
	m, err := cache.ParseViewMode(mode)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.view = m
	a.mu.Unlock()
	return nil
}

// SetFilter sets the sender/subject text filter.
func (a *App) SetFilter(text string) {
	a.mu.Lock()
	a.filter = text
	a.mu.Unlock()
}

// Messages returns every cached message of the current folder.
func (a *App) Messages() []model.EmailSummary {
	key, ok := a.currentKey()
	if !ok {
		return nil
	}
	return a.cache.Entry(key).Messages()
}

// Visible returns the cached messages of the current folder after the
// view mode and text filter are applied.
func (a *App) Visible() []model.EmailSummary {
	a.mu.RLock()
	mode, text := a.view, a.filter
	a.mu.RUnlock()
	return cache.Filter(a.Messages(), mode, text)
}

// Total returns the number of messages in the current folder: the
// server-reported total, else the mailbox count, else the number loaded.
func (a *App) Total() int {
	key, ok := a.currentKey()
	if !ok {
		return 0
	}
	fallback := -1
	if mb, ok := a.CurrentMailbox(); ok {
		fallback = mb.TotalCount
	}
	return a.cache.Total(key, fallback)
}
