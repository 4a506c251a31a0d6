// Package compose prepares reply drafts from a selected message. Sending
// is handled elsewhere.
package compose

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/emersion/go-message/mail"
	"golang.org/x/net/html"

	"github.com/nhle/mailsync/internal/model"
)

const quoteDateLayout = "Mon, 02 Jan 2006 15:04"

// Draft is a reply ready for an editor.
type Draft struct {
	To      string
	Subject string
	HTML    string
	Text    string
}

// Body is the message content being quoted.
type Body struct {
	HTML string
	Text string
}

var rePrefix = regexp.MustCompile(`(?i)^re:`)

// ReplySubject prefixes subject with "Re: " unless it already has it.
func ReplySubject(subject string) string {
	s := strings.TrimSpace(subject)
	if s == "" {
		s = "(no subject)"
	}
	if rePrefix.MatchString(s) {
		return s
	}
	return "Re: " + s
}

// PrepareReply builds a reply to msg quoting body. The reply goes to
// the Reply-To addresses when present, otherwise to the sender. An
// empty body falls back to the message preview.
func PrepareReply(msg model.EmailSummary, body Body) Draft {
	to := msg.ReplyTo
	if len(to) == 0 {
		to = msg.From
	}

	who := msg.FromText()
	if who == "" {
		who = "the sender"
	}
	when := msg.ReceivedAt
	if when.IsZero() {
		when = msg.SentAt
	}
	intro := fmt.Sprintf("On %s, %s wrote:", when.Local().Format(quoteDateLayout), who)

	quotedHTML := body.HTML
	if quotedHTML == "" {
		quotedHTML = html.EscapeString(firstNonEmpty(body.Text, msg.Preview))
	}
	quotedText := firstNonEmpty(body.Text, msg.Preview)

	return Draft{
		To:      model.JoinAddresses(to),
		Subject: ReplySubject(msg.Subject),
		HTML: `<br><br><div style="color: #666;">` + html.EscapeString(intro) + `</div>` +
			`<blockquote style="margin: 10px 0 0 10px; padding: 0 0 0 10px; border-left: 2px solid #ccc; color: #666;">` +
			quotedHTML + `</blockquote>`,
		Text: "\n\n" + intro + "\n> " + strings.ReplaceAll(quotedText, "\n", "\n> "),
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// ParseAddressList parses a comma-separated recipient list such as the
// To field of a Draft.
func ParseAddressList(s string) ([]model.Address, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	list, err := mail.ParseAddressList(s)
	if err != nil {
		return nil, fmt.Errorf("parsing address list: %w", err)
	}
	out := make([]model.Address, len(list))
	for i, a := range list {
		out[i] = model.Address{Name: a.Name, Email: a.Address}
	}
	return out, nil
}
