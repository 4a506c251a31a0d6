package mailbox

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/source/sourcetest"
)

func newLoadedDirectory(t *testing.T, boxes ...model.Mailbox) *Directory {
	t.Helper()

	fake := sourcetest.New()
	fake.Mailboxes = boxes
	d := NewDirectory(fake, zerolog.Nop())
	if err := d.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return d
}

func TestDisplayName(t *testing.T) {
	tests := []struct {
		mb   model.Mailbox
		want string
	}{
		{model.Mailbox{Role: "trash", Name: "Bin"}, "Trash"},
		{model.Mailbox{Name: "Deleted Items"}, "Trash"},
		{model.Mailbox{Name: "SPAM"}, "Spam"},
		{model.Mailbox{Role: "junk"}, "Spam"},
		{model.Mailbox{Name: "Sent Items"}, "Sent"},
		{model.Mailbox{Name: "drafts"}, "Drafts"},
		{model.Mailbox{Name: "Archives"}, "Archives"},
		{model.Mailbox{Role: "inbox", Name: "INBOX"}, "Inbox"},
		{model.Mailbox{Name: "Project X"}, "Project X"},
		{model.Mailbox{}, "Mailbox"},
	}

	for _, tt := range tests {
		if got := DisplayName(tt.mb); got != tt.want {
			t.Errorf("DisplayName(%+v) = %q, want %q", tt.mb, got, tt.want)
		}
	}
}

func TestURLName(t *testing.T) {
	got := URLName(model.Mailbox{Name: "Project  X\tNotes"})
	if got != "project-x-notes" {
		t.Errorf("URLName = %q, want project-x-notes", got)
	}
}

func TestResolveByDisplayKey(t *testing.T) {
	d := newLoadedDirectory(t,
		model.Mailbox{ID: "a", Name: "INBOX", Role: "inbox"},
		model.Mailbox{ID: "b", Name: "Deleted Items"},
		model.Mailbox{ID: "c", Name: "Trash"},
		model.Mailbox{ID: "d", Name: "Project X"},
	)

	tests := []struct {
		key    string
		wantID string
	}{
		{"inbox", "a"},
		{"Trash", "b"}, // first match wins
		{"project-x", "d"},
	}
	for _, tt := range tests {
		m, ok := d.ResolveByDisplayKey(tt.key)
		if !ok || m.ID != tt.wantID {
			t.Errorf("ResolveByDisplayKey(%q) = %q, %v; want %q", tt.key, m.ID, ok, tt.wantID)
		}
	}

	if _, ok := d.ResolveByDisplayKey("nowhere"); ok {
		t.Error("unknown key should not resolve")
	}
	if _, ok := d.ResolveByDisplayKey(""); ok {
		t.Error("empty key should not resolve")
	}
}

func TestAdjustCountsNeverNegative(t *testing.T) {
	d := newLoadedDirectory(t,
		model.Mailbox{ID: "a", Name: "Inbox", UnreadCount: 1, TotalCount: 2},
	)

	d.AdjustCounts("a", -1, -1)
	d.AdjustCounts("a", -1, -1)
	d.AdjustCounts("a", -1, -1)

	m, _ := d.ByID("a")
	if m.UnreadCount != 0 || m.TotalCount != 0 {
		t.Errorf("counts = %d/%d, want 0/0", m.UnreadCount, m.TotalCount)
	}
}

func TestByRoleFindsNameOnlyTrash(t *testing.T) {
	d := newLoadedDirectory(t,
		model.Mailbox{ID: "a", Name: "Inbox"},
		model.Mailbox{ID: "t", Name: "Deleted Items"},
	)

	m, ok := d.ByRole(model.RoleTrash)
	if !ok || m.ID != "t" {
		t.Errorf("ByRole(trash) = %q, %v", m.ID, ok)
	}
}

func TestLoadPropagatesError(t *testing.T) {
	fake := sourcetest.New()
	fake.ListErr = errors.New("boom")
	d := NewDirectory(fake, zerolog.Nop())

	if err := d.Load(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func TestFolderKeyForSentUsesSentAt(t *testing.T) {
	d := newLoadedDirectory(t, model.Mailbox{ID: "s", Role: "sent", Name: "Sent"})

	key, ok := d.FolderKeyFor("s")
	if !ok {
		t.Fatal("mailbox not found")
	}
	if key.Sort != model.SortSentAt {
		t.Errorf("Sort = %q, want sentAt", key.Sort)
	}
}
