package jmap

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/source"
)

// detailBodyProperties are the part properties requested for detail.
var detailBodyProperties = []string{
	"partId", "blobId", "type", "name", "size", "cid", "disposition",
}

// changesErrors are method errors meaning the delta cannot be computed.
var changesErrors = map[string]bool{
	"cannotCalculateChanges": true,
	"tooManyChanges":         true,
	"unsupportedSort":        true,
}

// Adapter implements source.Client over JMAP.
type Adapter struct {
	client *Client
	logger zerolog.Logger

	mu      sync.RWMutex
	session *Session
	trashID string
}

// NewAdapter creates a JMAP source for the session resource at sessionURL.
func NewAdapter(sessionURL string, creds source.CredentialsProvider, logger zerolog.Logger) *Adapter {
	return &Adapter{
		client: NewClient(sessionURL, creds, logger),
		logger: logger.With().Str("component", "jmap").Logger(),
	}
}

// endpoint returns the API URL and mail account id once connected.
func (a *Adapter) endpoint() (string, string, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.session == nil {
		return "", "", source.ErrNotConnected
	}
	return a.session.APIURL, a.session.MailAccountID(), nil
}

func (a *Adapter) call(ctx context.Context, calls ...Invocation) (*Response, error) {
	apiURL, accountID, err := a.endpoint()
	if err != nil {
		return nil, err
	}
	for i := range calls {
		setAccount(calls[i].Args, accountID)
	}
	return a.client.Call(ctx, apiURL, calls...)
}

func setAccount(args interface{}, accountID string) {
	switch v := args.(type) {
	case *QueryArgs:
		v.AccountID = accountID
	case *QueryChangesArgs:
		v.AccountID = accountID
	case *GetArgs:
		v.AccountID = accountID
	case *SetArgs:
		v.AccountID = accountID
	}
}

// FetchSession loads the session resource and selects the primary mail
// account.
func (a *Adapter) FetchSession(ctx context.Context) error {
	s, err := a.client.GetSession(ctx)
	if err != nil {
		return fmt.Errorf("fetching session: %w", err)
	}
	if s.APIURL == "" {
		return fmt.Errorf("session has no apiUrl")
	}
	if s.MailAccountID() == "" {
		return fmt.Errorf("session has no primary mail account")
	}

	a.mu.Lock()
	a.session = s
	a.mu.Unlock()

	a.logger.Debug().Str("account", s.MailAccountID()).Msg("session established")
	return nil
}

// ListMailboxes returns every mailbox with its counters.
func (a *Adapter) ListMailboxes(ctx context.Context) ([]model.Mailbox, error) {
	resp, err := a.call(ctx, Invocation{
		Name: "Mailbox/get",
		Args: &GetArgs{
			Properties: []string{"id", "name", "role", "totalEmails", "unreadEmails"},
		},
		CallID: "0",
	})
	if err != nil {
		return nil, err
	}

	var out MailboxGetResponse
	if err := resp.Get("0", "Mailbox/get", &out); err != nil {
		return nil, err
	}

	a.mu.Lock()
	a.trashID = ""
	for _, m := range out.List {
		if m.Role == model.RoleTrash {
			a.trashID = m.ID
			break
		}
	}
	a.mu.Unlock()

	return out.List, nil
}

func sortFor(p model.SortProperty) []Comparator {
	if p == "" {
		p = model.SortReceivedAt
	}
	return []Comparator{{Property: string(p), IsAscending: false}}
}

// QueryMessages runs Email/query for one page of a mailbox.
func (a *Adapter) QueryMessages(ctx context.Context, req source.QueryRequest) (*source.QueryResult, error) {
	resp, err := a.call(ctx, Invocation{
		Name: "Email/query",
		Args: &QueryArgs{
			Filter:         Filter{InMailbox: req.MailboxID},
			Sort:           sortFor(req.Sort),
			Position:       req.Position,
			Limit:          req.Limit,
			CalculateTotal: true,
		},
		CallID: "0",
	})
	if err != nil {
		return nil, err
	}

	var out QueryResponse
	if err := resp.Get("0", "Email/query", &out); err != nil {
		return nil, err
	}
	return &source.QueryResult{
		IDs:        out.IDs,
		Position:   out.Position,
		Total:      out.Total,
		QueryState: out.QueryState,
	}, nil
}

// GetMessages runs Email/get and returns the summaries found.
func (a *Adapter) GetMessages(ctx context.Context, ids []string, properties []string) ([]model.EmailSummary, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	resp, err := a.call(ctx, Invocation{
		Name:   "Email/get",
		Args:   &GetArgs{IDs: ids, Properties: properties},
		CallID: "0",
	})
	if err != nil {
		return nil, err
	}

	var out EmailGetResponse
	if err := resp.Get("0", "Email/get", &out); err != nil {
		return nil, err
	}
	return out.List, nil
}

// QueryMessageChanges runs Email/queryChanges. A server that cannot
// compute the delta is reported through ChangesResult.Error.
func (a *Adapter) QueryMessageChanges(ctx context.Context, req source.ChangesRequest) (*source.ChangesResult, error) {
	resp, err := a.call(ctx, Invocation{
		Name: "Email/queryChanges",
		Args: &QueryChangesArgs{
			Filter:          Filter{InMailbox: req.MailboxID},
			Sort:            sortFor(req.Sort),
			SinceQueryState: req.SinceQueryState,
			CalculateTotal:  true,
		},
		CallID: "0",
	})
	if err != nil {
		return nil, err
	}

	var out QueryChangesResponse
	if err := resp.Get("0", "Email/queryChanges", &out); err != nil {
		var pe *source.ProtocolMethodError
		if errors.As(err, &pe) && changesErrors[pe.Type] {
			return &source.ChangesResult{Error: pe.Type}, nil
		}
		return nil, err
	}

	added := make([]source.AddedItem, len(out.Added))
	for i, it := range out.Added {
		added[i] = source.AddedItem{ID: it.ID, Index: it.Index}
	}
	return &source.ChangesResult{
		Added:         added,
		Removed:       out.Removed,
		NewQueryState: out.NewQueryState,
		Total:         out.Total,
	}, nil
}

// GetMessageDetail loads the HTML and text bodies, attachments and the
// inline content-id map of one message.
func (a *Adapter) GetMessageDetail(ctx context.Context, id string) (*source.DetailResult, error) {
	resp, err := a.call(ctx, Invocation{
		Name: "Email/get",
		Args: &GetArgs{
			IDs:                 []string{id},
			Properties:          []string{"id", "htmlBody", "textBody", "attachments", "bodyValues"},
			BodyProperties:      detailBodyProperties,
			FetchHTMLBodyValues: true,
			FetchTextBodyValues: true,
		},
		CallID: "0",
	})
	if err != nil {
		return nil, err
	}

	var out EmailBodyGetResponse
	if err := resp.Get("0", "Email/get", &out); err != nil {
		return nil, err
	}
	if len(out.List) == 0 {
		return nil, fmt.Errorf("message %s not found", id)
	}
	return bodyToDetail(out.List[0]), nil
}

func bodyToDetail(b EmailBody) *source.DetailResult {
	d := &source.DetailResult{CIDMap: make(map[string]string)}
	d.HTML = joinValues(b.HTMLBody, b.BodyValues, "text/html")
	d.Text = joinValues(b.TextBody, b.BodyValues, "text/plain")

	for _, p := range b.Attachments {
		if p.CID != "" {
			d.CIDMap[strings.Trim(p.CID, "<>")] = p.BlobID
		}
		if p.CID != "" && strings.EqualFold(p.Disposition, "inline") {
			continue
		}
		d.Attachments = append(d.Attachments, model.Attachment{
			BlobID:      p.BlobID,
			Name:        p.Name,
			Type:        p.Type,
			Size:        p.Size,
			CID:         p.CID,
			Disposition: p.Disposition,
		})
	}
	for _, p := range b.HTMLBody {
		if p.CID != "" && p.BlobID != "" {
			d.CIDMap[strings.Trim(p.CID, "<>")] = p.BlobID
		}
	}
	return d
}

func joinValues(parts []BodyPart, values map[string]BodyValue, mime string) string {
	var b strings.Builder
	for _, p := range parts {
		if !strings.EqualFold(p.Type, mime) {
			continue
		}
		if v, ok := values[p.PartID]; ok {
			b.WriteString(v.Value)
		}
	}
	return b.String()
}

// SetSeenFlag sets or clears the $seen keyword.
func (a *Adapter) SetSeenFlag(ctx context.Context, id string, seen bool) error {
	var v interface{}
	if seen {
		v = true
	}
	return a.set(ctx, &SetArgs{
		Update: map[string]map[string]interface{}{
			id: {"keywords/" + model.KeywordSeen: v},
		},
	})
}

// MoveOrDestroyMessage moves id to the trash, or destroys it when it is
// already there or no trash mailbox exists.
func (a *Adapter) MoveOrDestroyMessage(ctx context.Context, id, sourceMailboxID string) error {
	a.mu.RLock()
	trash := a.trashID
	a.mu.RUnlock()

	if trash == "" {
		if _, err := a.ListMailboxes(ctx); err != nil {
			return fmt.Errorf("locating trash: %w", err)
		}
		a.mu.RLock()
		trash = a.trashID
		a.mu.RUnlock()
	}

	if trash == "" || trash == sourceMailboxID {
		return a.set(ctx, &SetArgs{Destroy: []string{id}})
	}
	return a.set(ctx, &SetArgs{
		Update: map[string]map[string]interface{}{
			id: {"mailboxIds": map[string]bool{trash: true}},
		},
	})
}

func (a *Adapter) set(ctx context.Context, args *SetArgs) error {
	resp, err := a.call(ctx, Invocation{Name: "Email/set", Args: args, CallID: "0"})
	if err != nil {
		return err
	}
	var out SetResponse
	if err := resp.Get("0", "Email/set", &out); err != nil {
		return err
	}
	return out.Err("Email/set")
}

// MakeDownloadURL expands the session's download template.
func (a *Adapter) MakeDownloadURL(blobID, name string) string {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.session == nil {
		return ""
	}
	r := strings.NewReplacer(
		"{accountId}", url.PathEscape(a.session.MailAccountID()),
		"{blobId}", url.PathEscape(blobID),
		"{name}", url.PathEscape(name),
		"{type}", url.QueryEscape("application/octet-stream"),
	)
	return r.Replace(a.session.DownloadURL)
}

// FetchBlob downloads a blob through the download URL.
func (a *Adapter) FetchBlob(ctx context.Context, blobID, name string) ([]byte, string, error) {
	u := a.MakeDownloadURL(blobID, name)
	if u == "" {
		return nil, "", source.ErrNotConnected
	}
	data, mime, err := a.client.Download(ctx, u)
	if err != nil {
		return nil, "", fmt.Errorf("downloading blob %s: %w", blobID, err)
	}
	return data, mime, nil
}

// CancelAllRequests aborts every request in flight.
func (a *Adapter) CancelAllRequests() {
	a.client.CancelAll()
}

var _ source.Client = (*Adapter)(nil)
