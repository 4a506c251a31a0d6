package model

// Attachment describes a downloadable body part of a message.
type Attachment struct {
	BlobID      string `json:"blobId"`
	Name        string `json:"name,omitempty"`
	Type        string `json:"type"`
	Size        int64  `json:"size"`
	CID         string `json:"cid,omitempty"`
	Disposition string `json:"disposition,omitempty"`
}

// MessageDetail holds the full body of a single selected message.
type MessageDetail struct {
	// ID is the message identifier the detail was loaded for.
	ID string

	// HTML is the HTML body with inline image references rewritten to
	// local handles where they could be resolved.
	HTML string

	// Text is the plain-text body, or the cached preview when the body
	// could not be loaded.
	Text string

	// Attachments lists the non-inline parts.
	Attachments []Attachment

	// CIDMap maps inline content ids to blob ids.
	CIDMap map[string]string
}
