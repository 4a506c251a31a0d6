package detail

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/source"
)

// Source is the part of source.Client the loader needs.
type Source interface {
	GetMessageDetail(ctx context.Context, id string) (*source.DetailResult, error)
	BlobFetcher
}

// Loader holds the detail of the one selected message. Loading a new
// message, or clearing, releases every inline-image handle of the
// previous one before anything else happens.
type Loader struct {
	client   Source
	registry *HandleRegistry
	resolver *Resolver
	logger   zerolog.Logger

	mu      sync.Mutex
	seq     uint64
	loading string
	current *model.MessageDetail
	set     *HandleSet
}

// NewLoader creates a Loader that issues handles from registry.
func NewLoader(client Source, registry *HandleRegistry, logger zerolog.Logger) *Loader {
	return &Loader{
		client:   client,
		registry: registry,
		resolver: NewResolver(logger),
		logger:   logger.With().Str("component", "detail").Logger(),
	}
}

// Load fetches the body of msg and resolves its inline images. When the
// fetch fails, or returns neither HTML nor text, the cached preview is
// used as the text body. Load returns nil if another Load or Clear
// superseded it while it ran; its handles are released in that case.
func (l *Loader) Load(ctx context.Context, msg model.EmailSummary) *model.MessageDetail {
	l.mu.Lock()
	l.seq++
	seq := l.seq
	l.releaseLocked()
	l.loading = msg.ID
	l.mu.Unlock()

	d := &model.MessageDetail{ID: msg.ID}
	set := NewHandleSet(l.registry, l.client)

	res, err := l.client.GetMessageDetail(ctx, msg.ID)
	if err != nil {
		l.logger.Debug().Err(err).Str("id", msg.ID).Msg("detail fetch failed, showing preview")
		d.Text = msg.Preview
	} else {
		d.Text = res.Text
		d.Attachments = res.Attachments
		d.CIDMap = res.CIDMap
		if res.HTML != "" {
			d.HTML = l.resolver.Resolve(ctx, res.HTML, res.CIDMap, set)
		}
		if d.HTML == "" && d.Text == "" {
			d.Text = msg.Preview
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.seq != seq {
		set.Release()
		return nil
	}
	l.loading = ""
	l.current = d
	l.set = set
	return d
}

// Current returns the loaded detail, or nil.
func (l *Loader) Current() *model.MessageDetail {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// Clear drops the current detail and releases its handles. A Load in
// progress is abandoned.
func (l *Loader) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	l.loading = ""
	l.releaseLocked()
}

// ClearIf clears the detail if it shows, or is loading, message id.
func (l *Loader) ClearIf(id string) bool {
	if id == "" {
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if (l.current == nil || l.current.ID != id) && l.loading != id {
		return false
	}
	l.seq++
	l.loading = ""
	l.releaseLocked()
	return true
}

func (l *Loader) releaseLocked() {
	if l.set != nil {
		n := l.set.Release()
		l.logger.Debug().Int("handles", n).Msg("detail released")
	}
	l.set = nil
	l.current = nil
}
