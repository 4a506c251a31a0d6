package source

import (
	"context"

	"github.com/nhle/mailsync/internal/model"
)

// QueryRequest asks for one window of a folder's ordered id list.
type QueryRequest struct {
	MailboxID string
	Position  int
	Limit     int
	Sort      model.SortProperty
}

// QueryResult is one window of ids plus the server's cursor for the
// whole result set. Total is nil when the server did not report it.
type QueryResult struct {
	IDs        []string
	Position   int
	Total      *int
	QueryState string
}

// AddedItem is an id inserted into a query result at Index.
type AddedItem struct {
	ID    string `json:"id"`
	Index int    `json:"index"`
}

// ChangesRequest asks for the changes to a folder query since a cursor.
type ChangesRequest struct {
	MailboxID       string
	SinceQueryState string
	Sort            model.SortProperty
}

// ChangesResult is a delta against a previous query state. Error is set
// when the server refused to compute the delta (e.g. the cursor is too
// old); NewQueryState is empty in that case.
type ChangesResult struct {
	Added         []AddedItem
	Removed       []string
	NewQueryState string
	Total         *int
	Error         string
}

// DetailResult is the full body of one message.
type DetailResult struct {
	HTML        string
	Text        string
	Attachments []model.Attachment
	CIDMap      map[string]string
}

// Credentials are the secrets a client authenticates with.
type Credentials struct {
	Username string

	// Secret is a password, or an access token when Bearer is set.
	Secret string
	Bearer bool
}

// CredentialsProvider supplies credentials on demand so clients never
// hold on to a global auth state.
type CredentialsProvider interface {
	Credentials(ctx context.Context) (Credentials, error)
}

// Client is the mail protocol collaborator the sync engine is built on.
// Implementations own request building and session negotiation; the
// engine only relies on the semantics below.
type Client interface {
	// FetchSession establishes capability and endpoint information.
	// Returns an *AuthError for rejected credentials.
	FetchSession(ctx context.Context) error

	// ListMailboxes returns every mailbox with its counters.
	ListMailboxes(ctx context.Context) ([]model.Mailbox, error)

	// QueryMessages returns one window of a folder's ordered id list.
	QueryMessages(ctx context.Context, req QueryRequest) (*QueryResult, error)

	// GetMessages resolves ids to summaries. Unknown ids are skipped.
	GetMessages(ctx context.Context, ids []string, properties []string) ([]model.EmailSummary, error)

	// QueryMessageChanges returns the delta since req.SinceQueryState.
	QueryMessageChanges(ctx context.Context, req ChangesRequest) (*ChangesResult, error)

	// GetMessageDetail loads the body and attachments of one message.
	GetMessageDetail(ctx context.Context, id string) (*DetailResult, error)

	// SetSeenFlag sets or clears the $seen keyword.
	SetSeenFlag(ctx context.Context, id string, seen bool) error

	// MoveOrDestroyMessage moves a message to the trash, or destroys it
	// when sourceMailboxID already is the trash.
	MoveOrDestroyMessage(ctx context.Context, id, sourceMailboxID string) error

	// FetchBlob downloads a binary object and returns its bytes and
	// content type.
	FetchBlob(ctx context.Context, blobID, name string) ([]byte, string, error)

	// MakeDownloadURL returns the URL a blob can be downloaded from.
	MakeDownloadURL(blobID, name string) string

	// CancelAllRequests aborts in-flight requests on a best-effort basis.
	CancelAllRequests()
}
