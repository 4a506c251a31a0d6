package email

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/source"
)

// parseMIMEBody parses a raw RFC 5322 message using go-message and
// builds the detail for message id. Every non-body part gets a blob id
// derived from its position in the part walk, so FetchBlob can find it
// again by re-parsing the same message.
func parseMIMEBody(id string, raw []byte) *source.DetailResult {
	res := &source.DetailResult{CIDMap: make(map[string]string)}

	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		// If parsing fails, treat the whole thing as plain text.
		res.Text = string(raw)
		return res
	}
	defer mr.Close()

	var text, htmlParts []string
	for index := 0; ; index++ {
		part, err := mr.NextPart()
		if err != nil {
			break
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ := h.ContentType()
			body, readErr := io.ReadAll(part.Body)
			if readErr != nil {
				continue
			}
			cid := contentID(h.Get("Content-Id"))

			switch {
			case contentType == "text/plain" && cid == "":
				text = append(text, string(body))
			case contentType == "text/html" && cid == "":
				htmlParts = append(htmlParts, string(body))
			default:
				blobID := BlobID(id, index)
				if cid != "" {
					res.CIDMap[cid] = blobID
				}
				res.Attachments = append(res.Attachments, model.Attachment{
					BlobID:      blobID,
					Name:        inlineName(h),
					Type:        contentType,
					Size:        int64(len(body)),
					CID:         cid,
					Disposition: "inline",
				})
			}

		case *mail.AttachmentHeader:
			filename, _ := h.Filename()
			contentType, _, _ := h.ContentType()

			body, readErr := io.ReadAll(part.Body)
			if readErr != nil {
				continue
			}
			cid := contentID(h.Get("Content-Id"))
			blobID := BlobID(id, index)
			if cid != "" {
				res.CIDMap[cid] = blobID
			}
			res.Attachments = append(res.Attachments, model.Attachment{
				BlobID:      blobID,
				Name:        filename,
				Type:        contentType,
				Size:        int64(len(body)),
				CID:         cid,
				Disposition: "attachment",
			})
		}
	}

	res.Text = strings.Join(text, "\n")
	res.HTML = strings.Join(htmlParts, "\n")
	return res
}

// extractPart returns the bytes and content type of the part at index.
func extractPart(raw []byte, index int) ([]byte, string, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return nil, "", fmt.Errorf("parsing message: %w", err)
	}
	defer mr.Close()

	for i := 0; ; i++ {
		part, err := mr.NextPart()
		if err == io.EOF {
			return nil, "", fmt.Errorf("part %d not found", index)
		}
		if err != nil {
			return nil, "", fmt.Errorf("reading part %d: %w", i, err)
		}
		if i != index {
			continue
		}

		var contentType string
		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ = h.ContentType()
		case *mail.AttachmentHeader:
			contentType, _, _ = h.ContentType()
		}
		body, err := io.ReadAll(part.Body)
		if err != nil {
			return nil, "", fmt.Errorf("reading part %d: %w", i, err)
		}
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		return body, contentType, nil
	}
}

// contentID strips the angle brackets around a Content-ID value.
func contentID(v string) string {
	v = strings.TrimSpace(v)
	v = strings.TrimPrefix(v, "<")
	v = strings.TrimSuffix(v, ">")
	return strings.TrimSpace(v)
}

func inlineName(h *mail.InlineHeader) string {
	_, params, _ := h.ContentType()
	return params["name"]
}
