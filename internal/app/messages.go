package app

import (
	"context"

	"github.com/nhle/mailsync/internal/compose"
	"github.com/nhle/mailsync/internal/detail"
	"github.com/nhle/mailsync/internal/model"
)

// selectedMessage returns the cached summary of the selected message.
func (a *App) selectedMessage() (model.EmailSummary, model.FolderKey, bool) {
	a.mu.RLock()
	id := a.selected
	a.mu.RUnlock()
	if id == "" {
		return model.EmailSummary{}, model.FolderKey{}, false
	}
	key, ok := a.currentKey()
	if !ok {
		return model.EmailSummary{}, model.FolderKey{}, false
	}
	msg, ok := a.cache.Entry(key).Find(id)
	return msg, key, ok
}

// SelectMessage opens id from the current folder: its body is loaded
// and, when unread, it is marked seen optimistically. An id that is not
// in the cached list clears the detail. The returned detail is nil when
// a newer selection superseded this one.
func (a *App) SelectMessage(ctx context.Context, id string) (*model.MessageDetail, error) {
	if !a.Connected() {
		return nil, nil
	}
	key, ok := a.currentKey()
	if !ok {
		return nil, nil
	}

	a.mu.Lock()
	a.selected = id
	a.mu.Unlock()

	msg, ok := a.cache.Entry(key).Find(id)
	if !ok {
		a.detail.Clear()
		return nil, nil
	}

	a.mu.Lock()
	a.currentView = ViewDetail
	a.mu.Unlock()

	d := a.detail.Load(ctx, msg)

	if !msg.Seen() {
		if err := a.mutations.MarkSeen(ctx, id, key); err != nil {
			a.setStatus(err.Error())
			return d, err
		}
	}
	return d, nil
}

// Detail returns the loaded detail of the selected message.
func (a *App) Detail() *model.MessageDetail {
	return a.detail.Current()
}

// Header returns the display header of the selected message.
func (a *App) Header() (detail.Header, bool) {
	msg, key, ok := a.selectedMessage()
	if !ok {
		return detail.Header{}, false
	}
	return detail.FormatHeader(msg, key.Sort), true
}

// BackToList closes the detail view.
func (a *App) BackToList() {
	a.mu.Lock()
	a.selected = ""
	a.currentView = ViewList
	a.mu.Unlock()
	a.detail.Clear()
}

// DeleteCurrent moves the selected message to the trash, or destroys
// it when the current folder is the trash. The list and counters are
// updated before the server call; a failure is shown in the status line
// and the folder is reloaded.
func (a *App) DeleteCurrent(ctx context.Context) error {
	if !a.Connected() {
		return nil
	}
	msg, key, ok := a.selectedMessage()
	if !ok {
		return nil
	}

	if err := a.mutations.Delete(ctx, msg.ID, key); err != nil {
		a.setStatus(err.Error())
		return err
	}
	return nil
}

// ReplyToCurrent prepares a reply draft for the selected message,
// quoting the loaded body, fetching it when it is not loaded, and
// falling back to the preview when the body is unavailable.
func (a *App) ReplyToCurrent(ctx context.Context) (*compose.Draft, error) {
	if !a.Connected() {
		return nil, nil
	}
	msg, _, ok := a.selectedMessage()
	if !ok {
		return nil, nil
	}

	var body compose.Body
	if d := a.detail.Current(); d != nil && d.ID == msg.ID && (d.HTML != "" || d.Text != "") {
		body = compose.Body{HTML: d.HTML, Text: d.Text}
	} else {
		res, err := a.client.GetMessageDetail(ctx, msg.ID)
		if err != nil {
			a.logger.Debug().Err(err).Str("id", msg.ID).Msg("reply body unavailable, quoting preview")
		} else {
			body = compose.Body{HTML: res.HTML, Text: res.Text}
		}
	}

	draft := compose.PrepareReply(msg, body)
	return &draft, nil
}
