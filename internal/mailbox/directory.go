package mailbox

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/source"
)

// Lister is the part of source.Client the directory needs.
type Lister interface {
	ListMailboxes(ctx context.Context) ([]model.Mailbox, error)
}

// Directory holds the session's mailbox set and maps protocol roles and
// names to stable display categories used for navigation.
type Directory struct {
	client Lister
	logger zerolog.Logger

	mu        sync.RWMutex
	mailboxes []model.Mailbox
}

// NewDirectory creates an empty directory backed by client.
func NewDirectory(client Lister, logger zerolog.Logger) *Directory {
	return &Directory{
		client: client,
		logger: logger.With().Str("component", "mailbox").Logger(),
	}
}

// Load fetches the mailbox list and replaces the current set.
func (d *Directory) Load(ctx context.Context) error {
	list, err := d.client.ListMailboxes(ctx)
	if err != nil {
		return fmt.Errorf("listing mailboxes: %w", err)
	}

	d.mu.Lock()
	d.mailboxes = list
	d.mu.Unlock()

	d.logger.Debug().Int("count", len(list)).Msg("mailboxes loaded")
	return nil
}

// Mailboxes returns a copy of the current set.
func (d *Directory) Mailboxes() []model.Mailbox {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]model.Mailbox(nil), d.mailboxes...)
}

// ByID returns a copy of the mailbox with the given id.
func (d *Directory) ByID(id string) (model.Mailbox, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, m := range d.mailboxes {
		if m.ID == id {
			return m, true
		}
	}
	return model.Mailbox{}, false
}

// ByRole returns the first mailbox whose display category matches the
// category of role (so name-only trash folders are found too).
func (d *Directory) ByRole(role string) (model.Mailbox, bool) {
	want := DisplayName(model.Mailbox{Role: role})

	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, m := range d.mailboxes {
		if DisplayName(m) == want {
			return m, true
		}
	}
	return model.Mailbox{}, false
}

// FolderKeyFor returns the cache key of the mailbox with the given id.
func (d *Directory) FolderKeyFor(id string) (model.FolderKey, bool) {
	m, ok := d.ByID(id)
	if !ok {
		return model.FolderKey{}, false
	}
	return m.FolderKey(), true
}

// ResolveByDisplayKey maps a URL slug back to a mailbox. The first
// match wins when several mailboxes share a display category.
func (d *Directory) ResolveByDisplayKey(key string) (model.Mailbox, bool) {
	if key == "" {
		return model.Mailbox{}, false
	}
	target := strings.ToLower(key)

	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, m := range d.mailboxes {
		if URLName(m) == target {
			return m, true
		}
	}
	return model.Mailbox{}, false
}

// AdjustCounts applies deltas to a mailbox's counters in place. Counters
// never drop below zero and unread is only decremented while positive.
func (d *Directory) AdjustCounts(id string, unreadDelta, totalDelta int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i := range d.mailboxes {
		m := &d.mailboxes[i]
		if m.ID != id {
			continue
		}
		m.UnreadCount = clampAdd(m.UnreadCount, unreadDelta)
		m.TotalCount = clampAdd(m.TotalCount, totalDelta)
		return
	}
}

func clampAdd(v, delta int) int {
	if delta < 0 && v <= 0 {
		return v
	}
	v += delta
	if v < 0 {
		return 0
	}
	return v
}

// DisplayName derives the canonical display category of a mailbox from
// its role, falling back to a name heuristic. Unrecognized mailboxes
// keep their raw name.
func DisplayName(m model.Mailbox) string {
	role := strings.ToLower(m.Role)
	name := strings.ToLower(m.Name)

	switch {
	case role == model.RoleTrash || name == "deleted items" || name == "trash":
		return "Trash"
	case role == model.RoleJunk || name == "spam" || name == "junk":
		return "Spam"
	case role == model.RoleSent || name == "sent" || name == "sent items":
		return "Sent"
	case role == model.RoleDrafts || name == "drafts":
		return "Drafts"
	case role == model.RoleArchive || name == "archive" || name == "archives":
		return "Archives"
	case role == model.RoleInbox || name == "inbox":
		return "Inbox"
	}

	if m.Name == "" {
		return "Mailbox"
	}
	return m.Name
}

var whitespaceRun = regexp.MustCompile(`\s+`)

// URLName returns the URL-safe slug of a mailbox's display category.
func URLName(m model.Mailbox) string {
	return whitespaceRun.ReplaceAllString(strings.ToLower(DisplayName(m)), "-")
}

var _ Lister = (source.Client)(nil)
