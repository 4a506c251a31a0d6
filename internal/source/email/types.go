package email

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/emersion/go-imap/v2"

	"github.com/nhle/mailsync/internal/model"
)

// MessageID builds the message id for uid in mailbox.
func MessageID(mailbox string, uid imap.UID) string {
	return fmt.Sprintf("%s#%d", mailbox, uid)
}

// ParseMessageID splits a message id into its mailbox name and UID.
// Mailbox names may contain '#', so the last separator wins.
func ParseMessageID(id string) (string, imap.UID, error) {
	i := strings.LastIndexByte(id, '#')
	if i <= 0 || i == len(id)-1 {
		return "", 0, fmt.Errorf("malformed message id %q", id)
	}
	uid, err := strconv.ParseUint(id[i+1:], 10, 32)
	if err != nil || uid == 0 {
		return "", 0, fmt.Errorf("malformed message id %q", id)
	}
	return id[:i], imap.UID(uid), nil
}

// BlobID builds the blob id of the part at index within message id.
func BlobID(messageID string, index int) string {
	return fmt.Sprintf("%s@%d", messageID, index)
}

// ParseBlobID splits a blob id into its message id and part index.
func ParseBlobID(blobID string) (string, int, error) {
	i := strings.LastIndexByte(blobID, '@')
	if i <= 0 || i == len(blobID)-1 {
		return "", 0, fmt.Errorf("malformed blob id %q", blobID)
	}
	index, err := strconv.Atoi(blobID[i+1:])
	if err != nil || index < 0 {
		return "", 0, fmt.Errorf("malformed blob id %q", blobID)
	}
	return blobID[:i], index, nil
}

// queryState is the cursor of a mailbox listing: the UID validity, the
// next UID to be assigned, and the number of messages.
type queryState struct {
	Validity uint32
	UIDNext  imap.UID
	Exists   int
}

func (s queryState) String() string {
	return fmt.Sprintf("%d:%d:%d", s.Validity, s.UIDNext, s.Exists)
}

func parseQueryState(s string) (queryState, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return queryState{}, fmt.Errorf("malformed query state %q", s)
	}
	validity, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return queryState{}, fmt.Errorf("malformed query state %q", s)
	}
	next, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return queryState{}, fmt.Errorf("malformed query state %q", s)
	}
	exists, err := strconv.Atoi(parts[2])
	if err != nil || exists < 0 {
		return queryState{}, fmt.Errorf("malformed query state %q", s)
	}
	return queryState{Validity: uint32(validity), UIDNext: imap.UID(next), Exists: exists}, nil
}

// newestFirst returns uids sorted in descending order.
func newestFirst(uids []imap.UID) []imap.UID {
	out := append([]imap.UID(nil), uids...)
	sort.Slice(out, func(i, j int) bool { return out[i] > out[j] })
	return out
}

// appendedSince computes the arrivals between two states of the same
// mailbox. ok is false when the listing cannot be expressed as
// arrivals only: the UID validity changed or messages were removed.
func appendedSince(old, cur queryState, uids []imap.UID) ([]imap.UID, bool) {
	if old.Validity != cur.Validity || cur.UIDNext < old.UIDNext {
		return nil, false
	}
	var added []imap.UID
	for _, uid := range uids {
		if uid >= old.UIDNext {
			added = append(added, uid)
		}
	}
	if old.Exists+len(added) != cur.Exists {
		return nil, false
	}
	return newestFirst(added), true
}

var flagKeywords = map[imap.Flag]string{
	imap.FlagSeen:     model.KeywordSeen,
	imap.FlagAnswered: "$answered",
	imap.FlagFlagged:  "$flagged",
	imap.FlagDraft:    "$draft",
}

// keywordsFromFlags maps IMAP system flags to keywords. Other flags are
// kept lowercased; \Deleted and \Recent are dropped.
func keywordsFromFlags(flags []imap.Flag) map[string]bool {
	kw := make(map[string]bool, len(flags))
	for _, f := range flags {
		if k, ok := flagKeywords[f]; ok {
			kw[k] = true
			continue
		}
		if strings.HasPrefix(string(f), `\`) {
			continue
		}
		kw[strings.ToLower(string(f))] = true
	}
	return kw
}

var roleAttrs = map[imap.MailboxAttr]string{
	imap.MailboxAttrSent:    model.RoleSent,
	imap.MailboxAttrDrafts:  model.RoleDrafts,
	imap.MailboxAttrTrash:   model.RoleTrash,
	imap.MailboxAttrJunk:    model.RoleJunk,
	imap.MailboxAttrArchive: model.RoleArchive,
}

var roleNames = map[string]string{
	"sent":          model.RoleSent,
	"sent items":    model.RoleSent,
	"sent messages": model.RoleSent,
	"drafts":        model.RoleDrafts,
	"trash":         model.RoleTrash,
	"deleted items": model.RoleTrash,
	"junk":          model.RoleJunk,
	"spam":          model.RoleJunk,
	"archive":       model.RoleArchive,
}

// roleFor derives a mailbox role from its special-use attributes, then
// from well-known names.
func roleFor(name string, attrs []imap.MailboxAttr) string {
	if strings.EqualFold(name, "INBOX") {
		return model.RoleInbox
	}
	for _, a := range attrs {
		if r, ok := roleAttrs[a]; ok {
			return r
		}
	}
	return roleNames[strings.ToLower(name)]
}

func selectable(attrs []imap.MailboxAttr) bool {
	for _, a := range attrs {
		if a == imap.MailboxAttrNoSelect {
			return false
		}
	}
	return true
}

func convertAddresses(list []imap.Address) []model.Address {
	if len(list) == 0 {
		return nil
	}
	out := make([]model.Address, 0, len(list))
	for _, a := range list {
		if a.Mailbox == "" || a.Host == "" {
			continue
		}
		out = append(out, model.Address{Name: a.Name, Email: a.Addr()})
	}
	return out
}

// hasAttachment reports whether any part of bs is an attachment.
func hasAttachment(bs imap.BodyStructure) bool {
	if bs == nil {
		return false
	}
	found := false
	bs.Walk(func(_ []int, part imap.BodyStructure) bool {
		if d := part.Disposition(); d != nil && strings.EqualFold(d.Value, "attachment") {
			found = true
		}
		return !found
	})
	return found
}
