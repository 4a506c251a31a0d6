package model

import "time"

// Sync event kinds recorded in the journal.
const (
	EventDeltaApplied   = "delta_applied"
	EventRefetch        = "refetch"
	EventMutationFailed = "mutation_failed"
	EventAuthFailed     = "auth_failed"
	EventDownloadFailed = "download_failed"
)

// SyncEvent is a journal entry describing sync or mutation activity
// for a folder.
type SyncEvent struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// FolderKey is the textual cache key the event relates to, empty for
	// session-wide events.
	FolderKey string `json:"folder_key"`

	// Kind is one of the Event* constants.
	Kind string `json:"kind"`

	// Message is the human-readable description.
	Message string `json:"message"`

	// CreatedAt is when the event was recorded.
	CreatedAt time.Time `json:"created_at"`
}
