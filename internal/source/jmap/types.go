package jmap

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/source"
)

// Capability URNs sent in the "using" list.
const (
	CapabilityCore = "urn:ietf:params:jmap:core"
	CapabilityMail = "urn:ietf:params:jmap:mail"
)

// Session is the JMAP session resource.
type Session struct {
	APIURL          string            `json:"apiUrl"`
	DownloadURL     string            `json:"downloadUrl"`
	UploadURL       string            `json:"uploadUrl"`
	Username        string            `json:"username"`
	State           string            `json:"state"`
	PrimaryAccounts map[string]string `json:"primaryAccounts"`
}

// MailAccountID returns the primary account for mail.
func (s *Session) MailAccountID() string {
	return s.PrimaryAccounts[CapabilityMail]
}

// Invocation is one method call; it marshals to [name, args, callId].
type Invocation struct {
	Name   string
	Args   interface{}
	CallID string
}

func (i Invocation) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{i.Name, i.Args, i.CallID})
}

// Request is the body of an API POST.
type Request struct {
	Using       []string     `json:"using"`
	MethodCalls []Invocation `json:"methodCalls"`
}

// ResponseInvocation is one method response.
type ResponseInvocation struct {
	Name   string
	Args   json.RawMessage
	CallID string
}

func (r *ResponseInvocation) UnmarshalJSON(data []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return err
	}
	if len(parts) != 3 {
		return fmt.Errorf("method response has %d elements, want 3", len(parts))
	}
	if err := json.Unmarshal(parts[0], &r.Name); err != nil {
		return err
	}
	r.Args = parts[1]
	return json.Unmarshal(parts[2], &r.CallID)
}

// Response is the body returned for an API POST.
type Response struct {
	MethodResponses []ResponseInvocation `json:"methodResponses"`
	SessionState    string               `json:"sessionState"`
}

// MethodError is the argument object of an "error" response.
type MethodError struct {
	Type        string `json:"type"`
	Description string `json:"description"`
}

// SetError describes why one item of a /set call was rejected.
type SetError struct {
	Type        string `json:"type"`
	Description string `json:"description"`
}

// SetResponse holds the per-item failures of a /set call.
type SetResponse struct {
	NotCreated   map[string]SetError `json:"notCreated"`
	NotUpdated   map[string]SetError `json:"notUpdated"`
	NotDestroyed map[string]SetError `json:"notDestroyed"`
	NotSubmitted map[string]SetError `json:"notSubmitted"`
}

// Err returns the first rejected item as a ProtocolMethodError, or nil.
func (r SetResponse) Err(method string) error {
	groups := []struct {
		kind  string
		items map[string]SetError
	}{
		{"notCreated", r.NotCreated},
		{"notUpdated", r.NotUpdated},
		{"notDestroyed", r.NotDestroyed},
		{"notSubmitted", r.NotSubmitted},
	}
	for _, g := range groups {
		if len(g.items) == 0 {
			continue
		}
		ids := make([]string, 0, len(g.items))
		for id := range g.items {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		e := g.items[ids[0]]
		return &source.ProtocolMethodError{
			Method:      method,
			Kind:        g.kind,
			ID:          ids[0],
			Type:        e.Type,
			Description: e.Description,
		}
	}
	return nil
}

// Filter selects the messages of one mailbox.
type Filter struct {
	InMailbox string `json:"inMailbox"`
}

// Comparator is one sort criterion.
type Comparator struct {
	Property    string `json:"property"`
	IsAscending bool   `json:"isAscending"`
}

// QueryArgs are the arguments of Email/query.
type QueryArgs struct {
	AccountID      string       `json:"accountId"`
	Filter         Filter       `json:"filter"`
	Sort           []Comparator `json:"sort"`
	Position       int          `json:"position"`
	Limit          int          `json:"limit"`
	CalculateTotal bool         `json:"calculateTotal"`
}

// QueryResponse is the result of Email/query.
type QueryResponse struct {
	QueryState string   `json:"queryState"`
	IDs        []string `json:"ids"`
	Position   int      `json:"position"`
	Total      *int     `json:"total"`
}

// QueryChangesArgs are the arguments of Email/queryChanges.
type QueryChangesArgs struct {
	AccountID       string       `json:"accountId"`
	Filter          Filter       `json:"filter"`
	Sort            []Comparator `json:"sort"`
	SinceQueryState string       `json:"sinceQueryState"`
	CalculateTotal  bool         `json:"calculateTotal"`
}

// AddedItem is an insertion reported by Email/queryChanges.
type AddedItem struct {
	ID    string `json:"id"`
	Index int    `json:"index"`
}

// QueryChangesResponse is the result of Email/queryChanges.
type QueryChangesResponse struct {
	OldQueryState string      `json:"oldQueryState"`
	NewQueryState string      `json:"newQueryState"`
	Total         *int        `json:"total"`
	Removed       []string    `json:"removed"`
	Added         []AddedItem `json:"added"`
}

// GetArgs are the arguments of Foo/get calls.
type GetArgs struct {
	AccountID           string   `json:"accountId"`
	IDs                 []string `json:"ids"`
	Properties          []string `json:"properties,omitempty"`
	BodyProperties      []string `json:"bodyProperties,omitempty"`
	FetchHTMLBodyValues bool     `json:"fetchHTMLBodyValues,omitempty"`
	FetchTextBodyValues bool     `json:"fetchTextBodyValues,omitempty"`
}

// MailboxGetResponse is the result of Mailbox/get.
type MailboxGetResponse struct {
	State string          `json:"state"`
	List  []model.Mailbox `json:"list"`
}

// EmailGetResponse is the result of Email/get for summary properties.
type EmailGetResponse struct {
	State    string               `json:"state"`
	List     []model.EmailSummary `json:"list"`
	NotFound []string             `json:"notFound"`
}

// BodyPart is one MIME part as described by Email/get.
type BodyPart struct {
	PartID      string `json:"partId"`
	BlobID      string `json:"blobId"`
	Type        string `json:"type"`
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	CID         string `json:"cid"`
	Disposition string `json:"disposition"`
}

// BodyValue is the decoded content of a text part.
type BodyValue struct {
	Value string `json:"value"`
}

// EmailBody is one Email/get result with body properties.
type EmailBody struct {
	ID          string               `json:"id"`
	HTMLBody    []BodyPart           `json:"htmlBody"`
	TextBody    []BodyPart           `json:"textBody"`
	Attachments []BodyPart           `json:"attachments"`
	BodyValues  map[string]BodyValue `json:"bodyValues"`
}

// EmailBodyGetResponse is the result of Email/get for body properties.
type EmailBodyGetResponse struct {
	List     []EmailBody `json:"list"`
	NotFound []string    `json:"notFound"`
}

// SetArgs are the arguments of Email/set.
type SetArgs struct {
	AccountID string                            `json:"accountId"`
	Update    map[string]map[string]interface{} `json:"update,omitempty"`
	Destroy   []string                          `json:"destroy,omitempty"`
}
