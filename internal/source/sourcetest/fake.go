// Package sourcetest provides an in-memory source.Client for tests.
package sourcetest

import (
	"context"
	"fmt"
	"sync"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/source"
)

// SeenCall records one SetSeenFlag invocation.
type SeenCall struct {
	ID   string
	Seen bool
}

// MoveCall records one MoveOrDestroyMessage invocation.
type MoveCall struct {
	ID              string
	SourceMailboxID string
}

// Fake is a programmable source.Client. Exported fields may be set
// before use; call counters are safe to read via Count.
type Fake struct {
	mu sync.Mutex

	Mailboxes []model.Mailbox

	// Lists maps a mailbox id to its ordered message ids.
	Lists map[string][]string

	// Messages holds the summaries returned by GetMessages.
	Messages map[string]model.EmailSummary

	// QueryStates maps a mailbox id to its current query state.
	QueryStates map[string]string

	// Changes maps a since-state to the delta returned for it.
	Changes map[string]*source.ChangesResult

	Details map[string]*source.DetailResult
	Blobs   map[string][]byte

	// OmitTotal makes QueryMessages leave Total unset.
	OmitTotal bool

	// QueryGate, when non-nil, blocks QueryMessages until it receives a
	// value or the context is done.
	QueryGate chan struct{}

	SessionErr error
	ListErr    error
	QueryErr   error
	GetErr     error
	ChangesErr error
	DetailErr  error
	SeenErr    error
	MoveErr    error
	BlobErr    error

	calls     map[string]int
	seenCalls []SeenCall
	moveCalls []MoveCall
	blobCalls []string
}

// New returns an empty Fake.
func New() *Fake {
	return &Fake{
		Lists:       make(map[string][]string),
		Messages:    make(map[string]model.EmailSummary),
		QueryStates: make(map[string]string),
		Changes:     make(map[string]*source.ChangesResult),
		Details:     make(map[string]*source.DetailResult),
		Blobs:       make(map[string][]byte),
		calls:       make(map[string]int),
	}
}

// AddMessages appends summaries to a mailbox list in order.
func (f *Fake) AddMessages(mailboxID string, msgs ...model.EmailSummary) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, m := range msgs {
		if m.MailboxIDs == nil {
			m.MailboxIDs = map[string]bool{mailboxID: true}
		}
		f.Messages[m.ID] = m
		f.Lists[mailboxID] = append(f.Lists[mailboxID], m.ID)
	}
}

// Generate fills a mailbox with n messages with ids prefix0..prefix(n-1).
func (f *Fake) Generate(mailboxID, prefix string, n int) []string {
	ids := make([]string, n)
	msgs := make([]model.EmailSummary, n)
	for i := 0; i < n; i++ {
		ids[i] = fmt.Sprintf("%s%d", prefix, i)
		msgs[i] = model.EmailSummary{ID: ids[i], Subject: "Message " + ids[i]}
	}
	f.AddMessages(mailboxID, msgs...)
	return ids
}

// Count returns how many times method was called.
func (f *Fake) Count(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

// TotalCalls returns the number of network-like calls made so far.
func (f *Fake) TotalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for m, c := range f.calls {
		if m != "CancelAllRequests" && m != "MakeDownloadURL" {
			n += c
		}
	}
	return n
}

// SeenCalls returns the recorded SetSeenFlag calls.
func (f *Fake) SeenCalls() []SeenCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]SeenCall(nil), f.seenCalls...)
}

// MoveCalls returns the recorded MoveOrDestroyMessage calls.
func (f *Fake) MoveCalls() []MoveCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]MoveCall(nil), f.moveCalls...)
}

// BlobCalls returns the blob ids requested via FetchBlob.
func (f *Fake) BlobCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.blobCalls...)
}

func (f *Fake) record(method string) {
	f.mu.Lock()
	f.calls[method]++
	f.mu.Unlock()
}

func (f *Fake) FetchSession(_ context.Context) error {
	f.record("FetchSession")
	return f.SessionErr
}

func (f *Fake) ListMailboxes(_ context.Context) ([]model.Mailbox, error) {
	f.record("ListMailboxes")
	if f.ListErr != nil {
		return nil, f.ListErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.Mailbox(nil), f.Mailboxes...), nil
}

func (f *Fake) QueryMessages(
	ctx context.Context, req source.QueryRequest,
) (*source.QueryResult, error) {
	f.record("QueryMessages")

	if f.QueryGate != nil {
		select {
		case <-f.QueryGate:
		case <-ctx.Done():
			return nil, &source.TransportError{Op: "query", Err: ctx.Err()}
		}
	}
	if f.QueryErr != nil {
		return nil, f.QueryErr
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	list := f.Lists[req.MailboxID]
	start := req.Position
	if start > len(list) {
		start = len(list)
	}
	end := start + req.Limit
	if end > len(list) {
		end = len(list)
	}

	state := f.QueryStates[req.MailboxID]
	if state == "" {
		state = "Q0"
	}

	res := &source.QueryResult{
		IDs:        append([]string(nil), list[start:end]...),
		Position:   start,
		QueryState: state,
	}
	if !f.OmitTotal {
		total := len(list)
		res.Total = &total
	}
	return res, nil
}

func (f *Fake) GetMessages(
	_ context.Context, ids []string, _ []string,
) ([]model.EmailSummary, error) {
	f.record("GetMessages")
	if f.GetErr != nil {
		return nil, f.GetErr
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]model.EmailSummary, 0, len(ids))
	for _, id := range ids {
		if m, ok := f.Messages[id]; ok {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *Fake) QueryMessageChanges(
	_ context.Context, req source.ChangesRequest,
) (*source.ChangesResult, error) {
	f.record("QueryMessageChanges")
	if f.ChangesErr != nil {
		return nil, f.ChangesErr
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if ch, ok := f.Changes[req.SinceQueryState]; ok {
		return ch, nil
	}
	return &source.ChangesResult{Error: "cannotCalculateChanges"}, nil
}

func (f *Fake) GetMessageDetail(
	_ context.Context, id string,
) (*source.DetailResult, error) {
	f.record("GetMessageDetail")
	if f.DetailErr != nil {
		return nil, f.DetailErr
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	d, ok := f.Details[id]
	if !ok {
		return nil, fmt.Errorf("message %s not found", id)
	}
	return d, nil
}

func (f *Fake) SetSeenFlag(_ context.Context, id string, seen bool) error {
	f.record("SetSeenFlag")
	f.mu.Lock()
	f.seenCalls = append(f.seenCalls, SeenCall{ID: id, Seen: seen})
	f.mu.Unlock()
	return f.SeenErr
}

func (f *Fake) MoveOrDestroyMessage(
	_ context.Context, id, sourceMailboxID string,
) error {
	f.record("MoveOrDestroyMessage")
	f.mu.Lock()
	f.moveCalls = append(f.moveCalls, MoveCall{ID: id, SourceMailboxID: sourceMailboxID})
	f.mu.Unlock()
	return f.MoveErr
}

func (f *Fake) FetchBlob(
	_ context.Context, blobID, _ string,
) ([]byte, string, error) {
	f.record("FetchBlob")
	f.mu.Lock()
	f.blobCalls = append(f.blobCalls, blobID)
	data, ok := f.Blobs[blobID]
	f.mu.Unlock()

	if f.BlobErr != nil {
		return nil, "", f.BlobErr
	}
	if !ok {
		return nil, "", fmt.Errorf("blob %s not found", blobID)
	}
	return data, "image/png", nil
}

func (f *Fake) MakeDownloadURL(blobID, name string) string {
	f.record("MakeDownloadURL")
	return "https://fake.invalid/download/" + blobID + "/" + name
}

func (f *Fake) CancelAllRequests() {
	f.record("CancelAllRequests")
}

var _ source.Client = (*Fake)(nil)
