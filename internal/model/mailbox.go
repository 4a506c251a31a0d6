package model

import "strings"

// Well-known mailbox roles as reported by the server.
const (
	RoleInbox   = "inbox"
	RoleSent    = "sent"
	RoleDrafts  = "drafts"
	RoleTrash   = "trash"
	RoleJunk    = "junk"
	RoleArchive = "archive"
)

// Mailbox is a server-side folder together with its message counters.
type Mailbox struct {
	// ID is the server-assigned mailbox identifier.
	ID string `json:"id"`

	// Name is the raw mailbox name.
	Name string `json:"name"`

	// Role is the protocol-level role ("inbox", "sent", ...), empty when
	// the server does not assign one.
	Role string `json:"role,omitempty"`

	// UnreadCount is the number of messages without the $seen keyword.
	UnreadCount int `json:"unreadEmails"`

	// TotalCount is the number of messages in the mailbox.
	TotalCount int `json:"totalEmails"`
}

// SortProperty returns the property the mailbox's message list is
// ordered by: sentAt for the sent folder, receivedAt otherwise.
func (m Mailbox) SortProperty() SortProperty {
	role := strings.ToLower(m.Role)
	name := strings.ToLower(m.Name)
	if role == RoleSent || name == "sent" || name == "sent items" {
		return SortSentAt
	}
	return SortReceivedAt
}

// FolderKey returns the cache partition key for the mailbox.
func (m Mailbox) FolderKey() FolderKey {
	return FolderKey{MailboxID: m.ID, Sort: m.SortProperty()}
}
