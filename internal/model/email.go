package model

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// SortProperty names the message property a folder listing is sorted by.
type SortProperty string

const (
	SortReceivedAt SortProperty = "receivedAt"
	SortSentAt     SortProperty = "sentAt"
)

// KeywordSeen is the keyword marking a message as read.
const KeywordSeen = "$seen"

// FolderKey identifies one cache partition: a mailbox listed in one order.
type FolderKey struct {
	MailboxID string
	Sort      SortProperty
}

// String returns a stable textual form usable as a map or flight key.
func (k FolderKey) String() string {
	return k.MailboxID + "|" + string(k.Sort)
}

// IsZero reports whether the key is unset.
func (k FolderKey) IsZero() bool {
	return k.MailboxID == ""
}

// SummaryProperties is the property list requested for list views.
var SummaryProperties = []string{
	"id", "threadId", "mailboxIds", "subject", "from", "to", "cc",
	"bcc", "replyTo", "sender", "receivedAt", "sentAt", "preview",
	"keywords", "hasAttachment", "size",
}

// Address is a single mailbox address with an optional display name.
type Address struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email"`
}

// String formats the address as "Name <email>" or just "email".
func (a Address) String() string {
	name := strings.TrimSpace(a.Name)
	email := strings.TrimSpace(a.Email)
	if email == "" {
		return ""
	}
	if name == "" {
		return email
	}
	return fmt.Sprintf("%s <%s>", name, email)
}

// JoinAddresses renders an address list, skipping entries without an
// email address.
func JoinAddresses(list []Address) string {
	parts := make([]string, 0, len(list))
	for _, a := range list {
		if s := a.String(); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, ", ")
}

// EmailSummary is the list-view snapshot of a message. Snapshots are
// treated as immutable; local patches produce copies.
type EmailSummary struct {
	ID            string          `json:"id"`
	ThreadID      string          `json:"threadId,omitempty"`
	MailboxIDs    map[string]bool `json:"mailboxIds,omitempty"`
	Subject       string          `json:"subject"`
	From          []Address       `json:"from,omitempty"`
	To            []Address       `json:"to,omitempty"`
	Cc            []Address       `json:"cc,omitempty"`
	Bcc           []Address       `json:"bcc,omitempty"`
	ReplyTo       []Address       `json:"replyTo,omitempty"`
	Sender        []Address       `json:"sender,omitempty"`
	ReceivedAt    time.Time       `json:"receivedAt"`
	SentAt        time.Time       `json:"sentAt"`
	Preview       string          `json:"preview,omitempty"`
	Keywords      map[string]bool `json:"keywords,omitempty"`
	HasAttachment bool            `json:"hasAttachment"`
	Size          int64           `json:"size"`
}

// Seen reports whether the message carries the $seen keyword.
func (e EmailSummary) Seen() bool {
	return e.Keywords[KeywordSeen]
}

// WithSeen returns a copy of e with the $seen keyword set. The keyword
// map is copied so the original snapshot is left untouched.
func (e EmailSummary) WithSeen() EmailSummary {
	kw := make(map[string]bool, len(e.Keywords)+1)
	for k, v := range e.Keywords {
		kw[k] = v
	}
	kw[KeywordSeen] = true
	e.Keywords = kw
	return e
}

// FromText renders the From header for display.
func (e EmailSummary) FromText() string {
	return JoinAddresses(e.From)
}

// Date returns the timestamp matching the folder's sort property.
func (e EmailSummary) Date(sort SortProperty) time.Time {
	if sort == SortSentAt {
		return e.SentAt
	}
	return e.ReceivedAt
}

// Flags lists the keywords that are set, in a stable order.
func (e EmailSummary) Flags() []string {
	var flags []string
	for k, v := range e.Keywords {
		if v {
			flags = append(flags, k)
		}
	}
	sort.Strings(flags)
	return flags
}
