package email

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/rs/zerolog"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/source"
)

func TestParseMessageID(t *testing.T) {
	mailbox, uid, err := ParseMessageID(MessageID("Projects#2024", 42))
	if err != nil {
		t.Fatalf("ParseMessageID() error: %v", err)
	}
	if mailbox != "Projects#2024" || uid != 42 {
		t.Errorf("got (%q, %d), want (Projects#2024, 42)", mailbox, uid)
	}

	for _, bad := range []string{"", "INBOX", "INBOX#", "#5", "INBOX#x", "INBOX#0"} {
		if _, _, err := ParseMessageID(bad); err == nil {
			t.Errorf("ParseMessageID(%q) expected error", bad)
		}
	}
}

func TestParseBlobID(t *testing.T) {
	id, index, err := ParseBlobID(BlobID("a@b#3", 2))
	if err != nil {
		t.Fatalf("ParseBlobID() error: %v", err)
	}
	if id != "a@b#3" || index != 2 {
		t.Errorf("got (%q, %d), want (a@b#3, 2)", id, index)
	}

	for _, bad := range []string{"INBOX#3", "INBOX#3@", "INBOX#3@-1", "@1"} {
		if _, _, err := ParseBlobID(bad); err == nil {
			t.Errorf("ParseBlobID(%q) expected error", bad)
		}
	}
}

func TestQueryStateRoundTrip(t *testing.T) {
	st := queryState{Validity: 7, UIDNext: 120, Exists: 99}
	got, err := parseQueryState(st.String())
	if err != nil {
		t.Fatalf("parseQueryState() error: %v", err)
	}
	if got != st {
		t.Errorf("got %+v, want %+v", got, st)
	}

	for _, bad := range []string{"", "Q0", "1:2", "a:2:3", "1:2:-1"} {
		if _, err := parseQueryState(bad); err == nil {
			t.Errorf("parseQueryState(%q) expected error", bad)
		}
	}
}

func TestAppendedSince(t *testing.T) {
	old := queryState{Validity: 1, UIDNext: 10, Exists: 3}

	tests := []struct {
		name   string
		cur    queryState
		uids   []imap.UID
		want   []imap.UID
		wantOK bool
	}{
		{
			name:   "arrivals only",
			cur:    queryState{Validity: 1, UIDNext: 13, Exists: 5},
			uids:   []imap.UID{12, 10, 9, 5, 2},
			want:   []imap.UID{12, 10},
			wantOK: true,
		},
		{
			name:   "arrival and removal",
			cur:    queryState{Validity: 1, UIDNext: 11, Exists: 3},
			uids:   []imap.UID{10, 9, 5},
			wantOK: false,
		},
		{
			name:   "removal only",
			cur:    queryState{Validity: 1, UIDNext: 10, Exists: 2},
			uids:   []imap.UID{9, 5},
			wantOK: false,
		},
		{
			name:   "validity changed",
			cur:    queryState{Validity: 2, UIDNext: 13, Exists: 5},
			uids:   []imap.UID{12, 10, 9, 5, 2},
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := appendedSince(old, tt.cur, tt.uids)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && !reflect.DeepEqual(got, tt.want) {
				t.Errorf("added = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestKeywordsFromFlags(t *testing.T) {
	got := keywordsFromFlags([]imap.Flag{
		imap.FlagSeen, imap.FlagFlagged, imap.FlagDeleted, "Work",
	})
	want := map[string]bool{"$seen": true, "$flagged": true, "work": true}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("keywordsFromFlags() = %v, want %v", got, want)
	}
}

func TestRoleFor(t *testing.T) {
	tests := []struct {
		name  string
		attrs []imap.MailboxAttr
		want  string
	}{
		{"INBOX", nil, model.RoleInbox},
		{"Papierkorb", []imap.MailboxAttr{imap.MailboxAttrTrash}, model.RoleTrash},
		{"Sent Items", nil, model.RoleSent},
		{"[Gmail]/Spam", []imap.MailboxAttr{imap.MailboxAttrJunk}, model.RoleJunk},
		{"Projects", nil, ""},
	}
	for _, tt := range tests {
		if got := roleFor(tt.name, tt.attrs); got != tt.want {
			t.Errorf("roleFor(%q) = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestSummaryFromBuffer(t *testing.T) {
	received := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	sent := received.Add(-time.Minute)

	buf := &imapclient.FetchMessageBuffer{
		UID:          7,
		Flags:        []imap.Flag{imap.FlagSeen},
		InternalDate: received,
		RFC822Size:   2048,
		Envelope: &imap.Envelope{
			Date:    sent,
			Subject: "Quarterly report",
			From:    []imap.Address{{Name: "Ann", Mailbox: "ann", Host: "example.com"}},
			To: []imap.Address{
				{Mailbox: "bob", Host: "example.com"},
				{Name: "undisclosed-recipients"},
			},
			MessageID: "<m1@example.com>",
		},
	}

	s := summaryFromBuffer("INBOX", buf)
	if s.ID != "INBOX#7" {
		t.Errorf("ID = %q, want INBOX#7", s.ID)
	}
	if !s.MailboxIDs["INBOX"] {
		t.Errorf("MailboxIDs = %v, want INBOX", s.MailboxIDs)
	}
	if !s.Seen() {
		t.Error("expected message to be seen")
	}
	if s.Subject != "Quarterly report" || s.Size != 2048 {
		t.Errorf("got subject %q size %d", s.Subject, s.Size)
	}
	if !s.ReceivedAt.Equal(received) || !s.SentAt.Equal(sent) {
		t.Errorf("dates = %v / %v", s.ReceivedAt, s.SentAt)
	}
	if s.FromText() != "Ann <ann@example.com>" {
		t.Errorf("FromText() = %q", s.FromText())
	}
	if len(s.To) != 1 || s.To[0].Email != "bob@example.com" {
		t.Errorf("To = %+v, want only bob@example.com", s.To)
	}
	if s.HasAttachment {
		t.Error("HasAttachment = true without a body structure")
	}
}

type failingCreds struct{}

func (failingCreds) Credentials(context.Context) (source.Credentials, error) {
	return source.Credentials{}, errors.New("no secret stored")
}

func TestAdapterNotConnected(t *testing.T) {
	a := NewAdapter("imap.invalid", "993", true, failingCreds{}, zerolog.Nop())

	_, err := a.QueryMessages(context.Background(), source.QueryRequest{MailboxID: "INBOX", Limit: 10})
	if !errors.Is(err, source.ErrNotConnected) {
		t.Fatalf("QueryMessages() error = %v, want ErrNotConnected", err)
	}
	if err := a.SetSeenFlag(context.Background(), "INBOX#1", true); !errors.Is(err, source.ErrNotConnected) {
		t.Errorf("SetSeenFlag() error = %v, want ErrNotConnected", err)
	}
}

func TestFetchSessionMissingCredentials(t *testing.T) {
	a := NewAdapter("imap.invalid", "993", true, failingCreds{}, zerolog.Nop())

	err := a.FetchSession(context.Background())
	if !source.IsAuthError(err) {
		t.Fatalf("FetchSession() error = %v, want AuthError", err)
	}
	if a.client.Live() != 0 {
		t.Errorf("Live() = %d, want 0", a.client.Live())
	}
}

func TestChangesWithForeignCursor(t *testing.T) {
	a := NewAdapter("imap.invalid", "993", true, failingCreds{}, zerolog.Nop())

	res, err := a.QueryMessageChanges(context.Background(), source.ChangesRequest{
		MailboxID:       "INBOX",
		SinceQueryState: "not-a-cursor",
	})
	if err != nil {
		t.Fatalf("QueryMessageChanges() error: %v", err)
	}
	if res.Error != "cannotCalculateChanges" {
		t.Errorf("Error = %q, want cannotCalculateChanges", res.Error)
	}
}

func TestMakeDownloadURL(t *testing.T) {
	a := NewAdapter("imap.example.com", "993", true, failingCreds{}, zerolog.Nop())
	got := a.MakeDownloadURL("INBOX#7@2", "report.pdf")
	want := "imap://imap.example.com:993/INBOX%237@2/report.pdf"
	if got != want {
		t.Errorf("MakeDownloadURL() = %q, want %q", got, want)
	}
}
