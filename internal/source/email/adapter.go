// Package email implements source.Client over IMAP. Message ids have the
// form "<mailbox>#<uid>"; blob ids append "@<part index>".
package email

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/rs/zerolog"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/source"
)

// Adapter implements source.Client for IMAP.
type Adapter struct {
	client *IMAPClient
	logger zerolog.Logger

	mu        sync.RWMutex
	connected bool
	trash     string
}

// NewAdapter creates a new IMAP source adapter.
func NewAdapter(
	host, port string, useTLS bool,
	creds source.CredentialsProvider, logger zerolog.Logger,
) *Adapter {
	logger = logger.With().Str("component", "imap").Logger()
	return &Adapter{
		client: NewIMAPClient(host, port, useTLS, creds, logger),
		logger: logger,
	}
}

// session connects, runs fn on the authenticated client, and logs out.
func (a *Adapter) session(
	ctx context.Context, fn func(*imapclient.Client) error,
) error {
	a.mu.RLock()
	connected := a.connected
	a.mu.RUnlock()
	if !connected {
		return source.ErrNotConnected
	}

	client, release, err := a.client.Connect(ctx)
	if err != nil {
		return err
	}
	defer release()

	return fn(client)
}

// FetchSession verifies the credentials by logging in once.
func (a *Adapter) FetchSession(ctx context.Context) error {
	client, release, err := a.client.Connect(ctx)
	if err != nil {
		return err
	}
	defer release()

	if _, err := client.Capability().Wait(); err != nil {
		return wrapErr(ctx, "capability", err)
	}

	a.mu.Lock()
	a.connected = true
	a.mu.Unlock()

	a.logger.Info().Str("addr", a.client.Addr()).Msg("imap session established")
	return nil
}

// ListMailboxes lists every selectable mailbox with its STATUS counters.
func (a *Adapter) ListMailboxes(ctx context.Context) ([]model.Mailbox, error) {
	var out []model.Mailbox
	err := a.session(ctx, func(client *imapclient.Client) error {
		list, err := client.List("", "*", nil).Collect()
		if err != nil {
			return wrapErr(ctx, "list", err)
		}

		for _, data := range list {
			if !selectable(data.Attrs) {
				continue
			}
			status, err := client.Status(data.Mailbox, &imap.StatusOptions{
				NumMessages: true,
				NumUnseen:   true,
			}).Wait()
			if err != nil {
				return wrapErr(ctx, "status "+data.Mailbox, err)
			}

			mb := model.Mailbox{
				ID:   data.Mailbox,
				Name: data.Mailbox,
				Role: roleFor(data.Mailbox, data.Attrs),
			}
			if status.NumMessages != nil {
				mb.TotalCount = int(*status.NumMessages)
			}
			if status.NumUnseen != nil {
				mb.UnreadCount = int(*status.NumUnseen)
			}
			out = append(out, mb)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	a.trash = ""
	for _, mb := range out {
		if mb.Role == model.RoleTrash {
			a.trash = mb.ID
			break
		}
	}
	a.mu.Unlock()

	return out, nil
}

// listing selects mailbox read-only and returns its state and all UIDs,
// newest first.
func listing(
	ctx context.Context, client *imapclient.Client, mailbox string,
) (queryState, []imap.UID, error) {
	sel, err := client.Select(mailbox, &imap.SelectOptions{ReadOnly: true}).Wait()
	if err != nil {
		return queryState{}, nil, wrapErr(ctx, "select "+mailbox, err)
	}

	search, err := client.UIDSearch(&imap.SearchCriteria{}, nil).Wait()
	if err != nil {
		return queryState{}, nil, wrapErr(ctx, "search "+mailbox, err)
	}
	uids := newestFirst(search.AllUIDs())

	state := queryState{
		Validity: sel.UIDValidity,
		UIDNext:  sel.UIDNext,
		Exists:   len(uids),
	}
	return state, uids, nil
}

// QueryMessages returns one window of the mailbox, newest UID first.
// IMAP has no server-side order for sentAt without SORT, so both sort
// properties use arrival order.
func (a *Adapter) QueryMessages(
	ctx context.Context, req source.QueryRequest,
) (*source.QueryResult, error) {
	var res *source.QueryResult
	err := a.session(ctx, func(client *imapclient.Client) error {
		state, uids, err := listing(ctx, client, req.MailboxID)
		if err != nil {
			return err
		}

		start := min(max(req.Position, 0), len(uids))
		end := min(start+req.Limit, len(uids))

		ids := make([]string, 0, end-start)
		for _, uid := range uids[start:end] {
			ids = append(ids, MessageID(req.MailboxID, uid))
		}
		total := len(uids)
		res = &source.QueryResult{
			IDs:        ids,
			Position:   start,
			Total:      &total,
			QueryState: state.String(),
		}
		return nil
	})
	return res, err
}

// GetMessages fetches envelopes and flags grouped by mailbox. The result
// follows the order of ids; unknown ids are skipped.
func (a *Adapter) GetMessages(
	ctx context.Context, ids []string, _ []string,
) ([]model.EmailSummary, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	byMailbox := make(map[string][]imap.UID)
	var order []string
	for _, id := range ids {
		mailbox, uid, err := ParseMessageID(id)
		if err != nil {
			continue
		}
		if _, ok := byMailbox[mailbox]; !ok {
			order = append(order, mailbox)
		}
		byMailbox[mailbox] = append(byMailbox[mailbox], uid)
	}
	if len(order) == 0 {
		return nil, nil
	}

	found := make(map[string]model.EmailSummary, len(ids))
	err := a.session(ctx, func(client *imapclient.Client) error {
		for _, mailbox := range order {
			if _, err := client.Select(mailbox, &imap.SelectOptions{ReadOnly: true}).Wait(); err != nil {
				return wrapErr(ctx, "select "+mailbox, err)
			}

			msgs, err := client.Fetch(imap.UIDSetNum(byMailbox[mailbox]...), &imap.FetchOptions{
				Envelope:      true,
				Flags:         true,
				UID:           true,
				InternalDate:  true,
				RFC822Size:    true,
				BodyStructure: &imap.FetchItemBodyStructure{},
			}).Collect()
			if err != nil {
				return wrapErr(ctx, "fetch "+mailbox, err)
			}
			for _, buf := range msgs {
				s := summaryFromBuffer(mailbox, buf)
				found[s.ID] = s
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]model.EmailSummary, 0, len(found))
	for _, id := range ids {
		if s, ok := found[id]; ok {
			out = append(out, s)
		}
	}
	return out, nil
}

// summaryFromBuffer converts a fetched message into a summary.
func summaryFromBuffer(mailbox string, buf *imapclient.FetchMessageBuffer) model.EmailSummary {
	s := model.EmailSummary{
		ID:            MessageID(mailbox, buf.UID),
		MailboxIDs:    map[string]bool{mailbox: true},
		ReceivedAt:    buf.InternalDate,
		Keywords:      keywordsFromFlags(buf.Flags),
		HasAttachment: hasAttachment(buf.BodyStructure),
		Size:          buf.RFC822Size,
	}

	if env := buf.Envelope; env != nil {
		s.Subject = env.Subject
		s.SentAt = env.Date
		s.From = convertAddresses(env.From)
		s.To = convertAddresses(env.To)
		s.Cc = convertAddresses(env.Cc)
		s.Bcc = convertAddresses(env.Bcc)
		s.ReplyTo = convertAddresses(env.ReplyTo)
		s.Sender = convertAddresses(env.Sender)
		if env.MessageID != "" {
			s.ThreadID = env.MessageID
		}
		if len(env.InReplyTo) > 0 {
			s.ThreadID = env.InReplyTo[0]
		}
	}
	return s
}

// QueryMessageChanges compares the mailbox state with the cursor. An
// unchanged mailbox yields an empty delta; pure arrivals are reported as
// additions at the top; anything else cannot be computed.
func (a *Adapter) QueryMessageChanges(
	ctx context.Context, req source.ChangesRequest,
) (*source.ChangesResult, error) {
	since, err := parseQueryState(req.SinceQueryState)
	if err != nil {
		return &source.ChangesResult{Error: "cannotCalculateChanges"}, nil
	}

	var res *source.ChangesResult
	err = a.session(ctx, func(client *imapclient.Client) error {
		cur, uids, err := listing(ctx, client, req.MailboxID)
		if err != nil {
			return err
		}
		total := len(uids)

		if cur == since {
			res = &source.ChangesResult{NewQueryState: cur.String(), Total: &total}
			return nil
		}

		added, ok := appendedSince(since, cur, uids)
		if !ok {
			res = &source.ChangesResult{Error: "cannotCalculateChanges"}
			return nil
		}

		res = &source.ChangesResult{NewQueryState: cur.String(), Total: &total}
		for i, uid := range added {
			res.Added = append(res.Added, source.AddedItem{
				ID:    MessageID(req.MailboxID, uid),
				Index: i,
			})
		}
		return nil
	})
	return res, err
}

// fetchRaw loads the full RFC 5322 source of a message without setting
// \Seen.
func fetchRaw(
	ctx context.Context, client *imapclient.Client, mailbox string, uid imap.UID,
) ([]byte, error) {
	if _, err := client.Select(mailbox, &imap.SelectOptions{ReadOnly: true}).Wait(); err != nil {
		return nil, wrapErr(ctx, "select "+mailbox, err)
	}

	section := &imap.FetchItemBodySection{Peek: true}
	msgs, err := client.Fetch(imap.UIDSetNum(uid), &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{section},
	}).Collect()
	if err != nil {
		return nil, wrapErr(ctx, "fetch body", err)
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("message UID %d not found in %s", uid, mailbox)
	}

	raw := msgs[0].FindBodySection(section)
	if raw == nil {
		return nil, fmt.Errorf("message UID %d in %s has no body", uid, mailbox)
	}
	return raw, nil
}

// GetMessageDetail fetches and parses the full message.
func (a *Adapter) GetMessageDetail(
	ctx context.Context, id string,
) (*source.DetailResult, error) {
	mailbox, uid, err := ParseMessageID(id)
	if err != nil {
		return nil, err
	}

	var res *source.DetailResult
	err = a.session(ctx, func(client *imapclient.Client) error {
		raw, err := fetchRaw(ctx, client, mailbox, uid)
		if err != nil {
			return err
		}
		res = parseMIMEBody(id, raw)
		return nil
	})
	return res, err
}

// SetSeenFlag adds or removes \Seen.
func (a *Adapter) SetSeenFlag(ctx context.Context, id string, seen bool) error {
	mailbox, uid, err := ParseMessageID(id)
	if err != nil {
		return err
	}

	op := imap.StoreFlagsAdd
	if !seen {
		op = imap.StoreFlagsDel
	}

	return a.session(ctx, func(client *imapclient.Client) error {
		if _, err := client.Select(mailbox, nil).Wait(); err != nil {
			return wrapErr(ctx, "select "+mailbox, err)
		}
		err := client.Store(imap.UIDSetNum(uid), &imap.StoreFlags{
			Op:     op,
			Silent: true,
			Flags:  []imap.Flag{imap.FlagSeen},
		}, nil).Close()
		return wrapErr(ctx, "store", err)
	})
}

// MoveOrDestroyMessage moves the message to the trash mailbox, or marks
// it \Deleted and expunges when it already is in the trash or there is
// no trash mailbox.
func (a *Adapter) MoveOrDestroyMessage(
	ctx context.Context, id, sourceMailboxID string,
) error {
	mailbox, uid, err := ParseMessageID(id)
	if err != nil {
		return err
	}
	if sourceMailboxID == "" {
		sourceMailboxID = mailbox
	}

	a.mu.RLock()
	trash := a.trash
	a.mu.RUnlock()

	return a.session(ctx, func(client *imapclient.Client) error {
		if _, err := client.Select(mailbox, nil).Wait(); err != nil {
			return wrapErr(ctx, "select "+mailbox, err)
		}
		uids := imap.UIDSetNum(uid)

		if trash != "" && trash != sourceMailboxID {
			if _, err := client.Move(uids, trash).Wait(); err != nil {
				return wrapErr(ctx, "move", err)
			}
			a.logger.Debug().Str("id", id).Str("trash", trash).Msg("moved message to trash")
			return nil
		}

		err := client.Store(uids, &imap.StoreFlags{
			Op:     imap.StoreFlagsAdd,
			Silent: true,
			Flags:  []imap.Flag{imap.FlagDeleted},
		}, nil).Close()
		if err != nil {
			return wrapErr(ctx, "store", err)
		}
		if err := client.Expunge().Close(); err != nil {
			return wrapErr(ctx, "expunge", err)
		}
		a.logger.Debug().Str("id", id).Msg("destroyed message")
		return nil
	})
}

// FetchBlob re-fetches the owning message and extracts the part.
func (a *Adapter) FetchBlob(
	ctx context.Context, blobID, _ string,
) ([]byte, string, error) {
	messageID, index, err := ParseBlobID(blobID)
	if err != nil {
		return nil, "", err
	}
	mailbox, uid, err := ParseMessageID(messageID)
	if err != nil {
		return nil, "", err
	}

	var (
		data        []byte
		contentType string
	)
	err = a.session(ctx, func(client *imapclient.Client) error {
		raw, err := fetchRaw(ctx, client, mailbox, uid)
		if err != nil {
			return err
		}
		data, contentType, err = extractPart(raw, index)
		return err
	})
	return data, contentType, err
}

// MakeDownloadURL returns an imap:// URL naming the blob.
func (a *Adapter) MakeDownloadURL(blobID, name string) string {
	u := url.URL{
		Scheme: "imap",
		Host:   a.client.Addr(),
		Path:   "/" + blobID + "/" + name,
	}
	return u.String()
}

// CancelAllRequests closes every open connection.
func (a *Adapter) CancelAllRequests() {
	a.client.CloseAll()
}

var _ source.Client = (*Adapter)(nil)
