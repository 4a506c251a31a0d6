package detail

import (
	"fmt"
	"strings"

	"github.com/nhle/mailsync/internal/model"
)

// dateLayout is how header dates are rendered.
const dateLayout = "Mon, 02 Jan 2006 15:04"

// Header is the display form of a message's envelope.
type Header struct {
	Subject string
	From    string
	To      string
	Cc      string
	Date    string
	Flags   string
	Size    string
}

// FormatHeader renders msg for display. The date shown is the one the
// folder is sorted by.
func FormatHeader(msg model.EmailSummary, sort model.SortProperty) Header {
	h := Header{
		Subject: strings.TrimSpace(msg.Subject),
		From:    msg.FromText(),
		To:      model.JoinAddresses(msg.To),
		Cc:      model.JoinAddresses(msg.Cc),
		Flags:   strings.Join(msg.Flags(), ", "),
	}
	if h.Subject == "" {
		h.Subject = "(no subject)"
	}
	if d := msg.Date(sort); !d.IsZero() {
		h.Date = d.Local().Format(dateLayout)
	}
	if msg.Size > 0 {
		h.Size = fmt.Sprintf("%d bytes", msg.Size)
	}
	return h
}
