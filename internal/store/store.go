package store

import (
	"context"
	"time"

	"github.com/nhle/mailsync/internal/model"
)

// EventFilter narrows journal queries.
type EventFilter struct {
	FolderKey *string
	Kind      *string
	Limit     int
}

// Journal records sync and mutation activity. It is an activity log
// only; message data is never persisted.
type Journal interface {
	RecordEvent(ctx context.Context, ev model.SyncEvent) error
	GetEvents(ctx context.Context, filter EventFilter) ([]model.SyncEvent, error)
	RecentEvents(ctx context.Context, limit int) ([]model.SyncEvent, error)
	PruneBefore(ctx context.Context, t time.Time) (int64, error)
}
