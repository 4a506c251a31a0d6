package jmap

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/source"
)

type handlerFunc func(args json.RawMessage) (string, interface{})

// testServer is a minimal JMAP server dispatching on method name.
type testServer struct {
	t   *testing.T
	srv *httptest.Server

	mu       sync.Mutex
	handlers map[string]handlerFunc
	args     map[string][]json.RawMessage
	limited  int
	block    chan struct{}
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	ts := &testServer{
		t:        t,
		handlers: make(map[string]handlerFunc),
		args:     make(map[string][]json.RawMessage),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/session", ts.session)
	mux.HandleFunc("/api", ts.api)
	mux.HandleFunc("/download/", ts.download)
	ts.srv = httptest.NewServer(mux)
	t.Cleanup(ts.srv.Close)
	return ts
}

func (ts *testServer) authorized(w http.ResponseWriter, r *http.Request) bool {
	user, pass, ok := r.BasicAuth()
	if !ok || user != "ann" || pass != "secret" {
		w.WriteHeader(http.StatusUnauthorized)
		return false
	}
	return true
}

func (ts *testServer) session(w http.ResponseWriter, r *http.Request) {
	if !ts.authorized(w, r) {
		return
	}
	json.NewEncoder(w).Encode(map[string]interface{}{
		"apiUrl":          ts.srv.URL + "/api",
		"downloadUrl":     ts.srv.URL + "/download/{accountId}/{blobId}/{name}?type={type}",
		"primaryAccounts": map[string]string{CapabilityMail: "A1"},
		"state":           "s1",
	})
}

func (ts *testServer) api(w http.ResponseWriter, r *http.Request) {
	if !ts.authorized(w, r) {
		return
	}

	ts.mu.Lock()
	if ts.limited > 0 {
		ts.limited--
		ts.mu.Unlock()
		w.Header().Set("Retry-After", "0")
		w.WriteHeader(http.StatusTooManyRequests)
		return
	}
	block := ts.block
	ts.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-r.Context().Done():
			return
		}
	}

	var req struct {
		MethodCalls [][3]json.RawMessage `json:"methodCalls"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ts.t.Errorf("decoding request: %v", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	var responses [][3]interface{}
	for _, call := range req.MethodCalls {
		var name, id string
		json.Unmarshal(call[0], &name)
		json.Unmarshal(call[2], &id)

		ts.mu.Lock()
		ts.args[name] = append(ts.args[name], call[1])
		h, ok := ts.handlers[name]
		ts.mu.Unlock()

		if !ok {
			responses = append(responses, [3]interface{}{"error", map[string]string{"type": "unknownMethod"}, id})
			continue
		}
		respName, resp := h(call[1])
		responses = append(responses, [3]interface{}{respName, resp, id})
	}
	json.NewEncoder(w).Encode(map[string]interface{}{"methodResponses": responses, "sessionState": "s1"})
}

func (ts *testServer) download(w http.ResponseWriter, r *http.Request) {
	if !ts.authorized(w, r) {
		return
	}
	if r.URL.Path != "/download/A1/B1/logo.bin" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Write([]byte("PNGDATA"))
}

func (ts *testServer) handle(method string, h handlerFunc) {
	ts.mu.Lock()
	ts.handlers[method] = h
	ts.mu.Unlock()
}

func (ts *testServer) lastArgs(method string, out interface{}) {
	ts.t.Helper()
	ts.mu.Lock()
	defer ts.mu.Unlock()

	list := ts.args[method]
	if len(list) == 0 {
		ts.t.Fatalf("no %s call recorded", method)
	}
	if err := json.Unmarshal(list[len(list)-1], out); err != nil {
		ts.t.Fatalf("decoding %s args: %v", method, err)
	}
}

func reply(name string, v interface{}) handlerFunc {
	return func(json.RawMessage) (string, interface{}) { return name, v }
}

func connect(t *testing.T, ts *testServer) *Adapter {
	t.Helper()

	creds := staticCreds{source.Credentials{Username: "ann", Secret: "secret"}}
	a := NewAdapter(ts.srv.URL+"/session", creds, zerolog.Nop())
	if err := a.FetchSession(context.Background()); err != nil {
		t.Fatalf("FetchSession: %v", err)
	}
	return a
}

type staticCreds struct{ c source.Credentials }

func (s staticCreds) Credentials(context.Context) (source.Credentials, error) { return s.c, nil }

var mailboxes = map[string]interface{}{
	"list": []map[string]interface{}{
		{"id": "mb1", "name": "Inbox", "role": "inbox", "totalEmails": 10, "unreadEmails": 2},
		{"id": "mb9", "name": "Trash", "role": "trash", "totalEmails": 1, "unreadEmails": 0},
	},
}

func TestNotConnected(t *testing.T) {
	a := NewAdapter("http://127.0.0.1:0/session", staticCreds{}, zerolog.Nop())
	if _, err := a.ListMailboxes(context.Background()); !errors.Is(err, source.ErrNotConnected) {
		t.Errorf("err = %v, want ErrNotConnected", err)
	}
	if u := a.MakeDownloadURL("b", "n"); u != "" {
		t.Errorf("MakeDownloadURL = %q before session", u)
	}
}

func TestFetchSessionRejectsBadCredentials(t *testing.T) {
	ts := newTestServer(t)
	a := NewAdapter(ts.srv.URL+"/session", staticCreds{source.Credentials{Username: "ann", Secret: "wrong"}}, zerolog.Nop())

	err := a.FetchSession(context.Background())
	if !source.IsAuthError(err) {
		t.Fatalf("err = %v, want auth error", err)
	}
}

func TestListMailboxes(t *testing.T) {
	ts := newTestServer(t)
	ts.handle("Mailbox/get", reply("Mailbox/get", mailboxes))
	a := connect(t, ts)

	list, err := a.ListMailboxes(context.Background())
	if err != nil {
		t.Fatalf("ListMailboxes: %v", err)
	}
	want := []model.Mailbox{
		{ID: "mb1", Name: "Inbox", Role: "inbox", TotalCount: 10, UnreadCount: 2},
		{ID: "mb9", Name: "Trash", Role: "trash", TotalCount: 1},
	}
	if !reflect.DeepEqual(list, want) {
		t.Errorf("list = %+v", list)
	}

	var args GetArgs
	ts.lastArgs("Mailbox/get", &args)
	if args.AccountID != "A1" {
		t.Errorf("accountId = %q, want A1", args.AccountID)
	}
}

func TestQueryMessages(t *testing.T) {
	ts := newTestServer(t)
	ts.handle("Email/query", reply("Email/query", map[string]interface{}{
		"queryState": "Q1", "ids": []string{"m1", "m2"}, "position": 100, "total": 250,
	}))
	a := connect(t, ts)

	res, err := a.QueryMessages(context.Background(), source.QueryRequest{
		MailboxID: "mb1", Position: 100, Limit: 100, Sort: model.SortSentAt,
	})
	if err != nil {
		t.Fatalf("QueryMessages: %v", err)
	}
	if res.QueryState != "Q1" || res.Position != 100 || res.Total == nil || *res.Total != 250 ||
		!reflect.DeepEqual(res.IDs, []string{"m1", "m2"}) {
		t.Errorf("res = %+v", res)
	}

	var args QueryArgs
	ts.lastArgs("Email/query", &args)
	if args.Filter.InMailbox != "mb1" || args.Position != 100 || args.Limit != 100 || !args.CalculateTotal {
		t.Errorf("args = %+v", args)
	}
	if len(args.Sort) != 1 || args.Sort[0].Property != "sentAt" || args.Sort[0].IsAscending {
		t.Errorf("sort = %+v", args.Sort)
	}
}

func TestGetMessages(t *testing.T) {
	ts := newTestServer(t)
	ts.handle("Email/get", reply("Email/get", map[string]interface{}{
		"list": []map[string]interface{}{{
			"id":         "m1",
			"subject":    "Hello",
			"from":       []map[string]string{{"name": "Ann", "email": "ann@example.com"}},
			"receivedAt": "2026-01-02T03:04:05Z",
			"keywords":   map[string]bool{"$seen": true},
			"size":       1234,
		}},
	}))
	a := connect(t, ts)

	got, err := a.GetMessages(context.Background(), []string{"m1"}, model.SummaryProperties)
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d messages", len(got))
	}
	m := got[0]
	if m.Subject != "Hello" || !m.Seen() || m.FromText() != "Ann <ann@example.com>" || m.Size != 1234 {
		t.Errorf("message = %+v", m)
	}
	if !m.ReceivedAt.Equal(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)) {
		t.Errorf("ReceivedAt = %v", m.ReceivedAt)
	}

	if out, err := a.GetMessages(context.Background(), nil, nil); err != nil || out != nil {
		t.Errorf("empty GetMessages = %v, %v", out, err)
	}
}

func TestQueryMessageChanges(t *testing.T) {
	ts := newTestServer(t)
	ts.handle("Email/queryChanges", func(raw json.RawMessage) (string, interface{}) {
		var args QueryChangesArgs
		json.Unmarshal(raw, &args)
		if args.SinceQueryState != "Q1" {
			return "error", map[string]string{"type": "cannotCalculateChanges"}
		}
		return "Email/queryChanges", map[string]interface{}{
			"oldQueryState": "Q1",
			"newQueryState": "Q2",
			"total":         5,
			"removed":       []string{"m3"},
			"added":         []map[string]interface{}{{"id": "m9", "index": 0}},
		}
	})
	a := connect(t, ts)
	ctx := context.Background()

	res, err := a.QueryMessageChanges(ctx, source.ChangesRequest{MailboxID: "mb1", SinceQueryState: "Q1"})
	if err != nil {
		t.Fatalf("QueryMessageChanges: %v", err)
	}
	if res.NewQueryState != "Q2" || *res.Total != 5 || res.Removed[0] != "m3" ||
		res.Added[0] != (source.AddedItem{ID: "m9", Index: 0}) {
		t.Errorf("res = %+v", res)
	}

	res, err = a.QueryMessageChanges(ctx, source.ChangesRequest{MailboxID: "mb1", SinceQueryState: "Q0"})
	if err != nil {
		t.Fatalf("QueryMessageChanges(Q0): %v", err)
	}
	if res.Error != "cannotCalculateChanges" {
		t.Errorf("Error = %q", res.Error)
	}
}

func TestMethodErrorSurfaces(t *testing.T) {
	ts := newTestServer(t)
	ts.handle("Email/query", reply("error", map[string]string{"type": "invalidArguments", "description": "bad filter"}))
	a := connect(t, ts)

	_, err := a.QueryMessages(context.Background(), source.QueryRequest{MailboxID: "x", Limit: 1})
	var pe *source.ProtocolMethodError
	if !errors.As(err, &pe) || pe.Type != "invalidArguments" {
		t.Fatalf("err = %v, want invalidArguments method error", err)
	}
}

func TestGetMessageDetail(t *testing.T) {
	ts := newTestServer(t)
	ts.handle("Email/get", reply("Email/get", map[string]interface{}{
		"list": []map[string]interface{}{{
			"id":       "m1",
			"htmlBody": []map[string]interface{}{{"partId": "1", "type": "text/html"}},
			"textBody": []map[string]interface{}{{"partId": "2", "type": "text/plain"}},
			"attachments": []map[string]interface{}{
				{"partId": "3", "blobId": "B1", "type": "image/png", "cid": "<logo@x>", "disposition": "inline"},
				{"partId": "4", "blobId": "B2", "type": "application/pdf", "name": "doc.pdf", "size": 10, "disposition": "attachment"},
			},
			"bodyValues": map[string]interface{}{
				"1": map[string]string{"value": `<img src="cid:logo@x">`},
				"2": map[string]string{"value": "plain"},
			},
		}},
	}))
	a := connect(t, ts)

	d, err := a.GetMessageDetail(context.Background(), "m1")
	if err != nil {
		t.Fatalf("GetMessageDetail: %v", err)
	}
	if d.HTML != `<img src="cid:logo@x">` || d.Text != "plain" {
		t.Errorf("bodies = %q / %q", d.HTML, d.Text)
	}
	if d.CIDMap["logo@x"] != "B1" {
		t.Errorf("CIDMap = %v", d.CIDMap)
	}
	if len(d.Attachments) != 1 || d.Attachments[0].Name != "doc.pdf" {
		t.Errorf("attachments = %+v", d.Attachments)
	}

	var args GetArgs
	ts.lastArgs("Email/get", &args)
	if !args.FetchHTMLBodyValues || !args.FetchTextBodyValues || len(args.BodyProperties) == 0 {
		t.Errorf("args = %+v", args)
	}
}

func TestSetSeenFlag(t *testing.T) {
	ts := newTestServer(t)
	ts.handle("Email/set", reply("Email/set", map[string]interface{}{"updated": map[string]interface{}{"m1": nil}}))
	a := connect(t, ts)

	if err := a.SetSeenFlag(context.Background(), "m1", true); err != nil {
		t.Fatalf("SetSeenFlag: %v", err)
	}
	var args struct {
		Update map[string]map[string]interface{} `json:"update"`
	}
	ts.lastArgs("Email/set", &args)
	if args.Update["m1"]["keywords/$seen"] != true {
		t.Errorf("update = %v", args.Update)
	}

	ts.handle("Email/set", reply("Email/set", map[string]interface{}{
		"notUpdated": map[string]interface{}{"m1": map[string]string{"type": "forbidden", "description": "nope"}},
	}))
	err := a.SetSeenFlag(context.Background(), "m1", true)
	if err == nil || err.Error() != "Email/set/notUpdated/m1: forbidden - nope" {
		t.Errorf("err = %v", err)
	}
}

func TestMoveOrDestroyMessage(t *testing.T) {
	ts := newTestServer(t)
	ts.handle("Mailbox/get", reply("Mailbox/get", mailboxes))
	ts.handle("Email/set", reply("Email/set", map[string]interface{}{}))
	a := connect(t, ts)
	ctx := context.Background()

	if err := a.MoveOrDestroyMessage(ctx, "m1", "mb1"); err != nil {
		t.Fatalf("move: %v", err)
	}
	var args SetArgs
	ts.lastArgs("Email/set", &args)
	mb, _ := args.Update["m1"]["mailboxIds"].(map[string]interface{})
	if mb["mb9"] != true || len(args.Destroy) != 0 {
		t.Errorf("move args = %+v", args)
	}

	if err := a.MoveOrDestroyMessage(ctx, "m2", "mb9"); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	args = SetArgs{}
	ts.lastArgs("Email/set", &args)
	if !reflect.DeepEqual(args.Destroy, []string{"m2"}) || len(args.Update) != 0 {
		t.Errorf("destroy args = %+v", args)
	}

	ts.handle("Email/set", reply("Email/set", map[string]interface{}{
		"notDestroyed": map[string]interface{}{"m3": map[string]string{"type": "notFound"}},
	}))
	err := a.MoveOrDestroyMessage(ctx, "m3", "mb9")
	if !source.IsProtocolMethodError(err) || !strings.Contains(err.Error(), "notDestroyed/m3") {
		t.Errorf("err = %v", err)
	}
}

func TestFetchBlob(t *testing.T) {
	ts := newTestServer(t)
	a := connect(t, ts)

	u := a.MakeDownloadURL("B1", "logo.bin")
	if u != ts.srv.URL+"/download/A1/B1/logo.bin?type=application%2Foctet-stream" {
		t.Errorf("MakeDownloadURL = %q", u)
	}

	data, mime, err := a.FetchBlob(context.Background(), "B1", "logo.bin")
	if err != nil {
		t.Fatalf("FetchBlob: %v", err)
	}
	if string(data) != "PNGDATA" || mime != "image/png" {
		t.Errorf("FetchBlob = %q, %q", data, mime)
	}
}

func TestRetryOnRateLimit(t *testing.T) {
	ts := newTestServer(t)
	ts.handle("Mailbox/get", reply("Mailbox/get", mailboxes))
	a := connect(t, ts)

	ts.mu.Lock()
	ts.limited = 2
	ts.mu.Unlock()

	if _, err := a.ListMailboxes(context.Background()); err != nil {
		t.Fatalf("ListMailboxes after 429s: %v", err)
	}
}

func TestCancelAllRequests(t *testing.T) {
	ts := newTestServer(t)
	a := connect(t, ts)

	ts.mu.Lock()
	ts.block = make(chan struct{})
	ts.mu.Unlock()
	t.Cleanup(func() { close(ts.block) })

	errCh := make(chan error, 1)
	go func() {
		_, err := a.QueryMessages(context.Background(), source.QueryRequest{MailboxID: "mb1", Limit: 10})
		errCh <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for a.client.InFlight() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("request never started")
		}
		time.Sleep(time.Millisecond)
	}
	a.CancelAllRequests()

	select {
	case err := <-errCh:
		if !source.IsTransportError(err) || !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want cancelled transport error", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("request not cancelled")
	}
	if n := a.client.InFlight(); n != 0 {
		t.Errorf("InFlight = %d after cancel", n)
	}
}
