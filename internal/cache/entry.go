package cache

import (
	"time"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/source"
)

// Page is one fetched window: the query result exactly as the server
// returned it, plus the summaries resolved for its ids. Local patches
// change Messages, QueryState and Total but never the raw ids or
// position, which drive continuation.
type Page struct {
	Query    source.QueryResult
	Messages []model.EmailSummary
}

// Entry is an immutable snapshot of one folder partition. Every change
// produces a new Entry that replaces the old one in a single swap, so
// readers never observe a half-patched list.
type Entry struct {
	Key   model.FolderKey
	Pages []Page

	// Epoch changes only when the entry is replaced wholesale. Work
	// started against an older epoch is discarded.
	Epoch uint64

	// Shift counts local inserts minus local removals. Server positions
	// past the loaded range move by the same amount.
	Shift int

	FetchedAt time.Time

	// Invalidated marks an entry whose refetch failed; it is shown until
	// the next successful load but never treated as a cache hit.
	Invalidated bool
}

// Len returns the number of cached summaries.
func (e *Entry) Len() int {
	if e == nil {
		return 0
	}
	n := 0
	for _, p := range e.Pages {
		n += len(p.Messages)
	}
	return n
}

// Messages returns the concatenation of all pages in visible order.
func (e *Entry) Messages() []model.EmailSummary {
	if e == nil {
		return nil
	}
	out := make([]model.EmailSummary, 0, e.Len())
	for _, p := range e.Pages {
		out = append(out, p.Messages...)
	}
	return out
}

// IDs returns the visible id sequence.
func (e *Entry) IDs() []string {
	msgs := e.Messages()
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	return ids
}

// Find returns the cached summary for id.
func (e *Entry) Find(id string) (model.EmailSummary, bool) {
	if e == nil {
		return model.EmailSummary{}, false
	}
	for _, p := range e.Pages {
		for _, m := range p.Messages {
			if m.ID == id {
				return m, true
			}
		}
	}
	return model.EmailSummary{}, false
}

// QueryState returns the cursor of the first page.
func (e *Entry) QueryState() string {
	if e == nil || len(e.Pages) == 0 {
		return ""
	}
	return e.Pages[0].Query.QueryState
}

// Total returns the server-reported total from the first page.
func (e *Entry) Total() (int, bool) {
	if e == nil || len(e.Pages) == 0 || e.Pages[0].Query.Total == nil {
		return 0, false
	}
	return *e.Pages[0].Query.Total, true
}

// NextPosition returns where the next page starts and whether more
// pages exist. With a known total, more pages exist while the next
// position is below it; without one, a full last page implies more.
func (e *Entry) NextPosition(pageSize int) (int, bool) {
	if e == nil || len(e.Pages) == 0 {
		return 0, true
	}
	last := e.Pages[len(e.Pages)-1].Query
	count := len(last.IDs)
	next := last.Position + count + e.Shift
	if count == 0 {
		return next, false
	}
	if total, ok := e.Total(); ok {
		return next, next < total
	}
	return next, count == pageSize
}

// IsStale reports whether the entry is older than after.
func (e *Entry) IsStale(now time.Time, after time.Duration) bool {
	return e == nil || e.Invalidated || now.Sub(e.FetchedAt) > after
}

// clone copies the page slice; message slices stay shared until a
// helper replaces them.
func (e *Entry) clone() *Entry {
	cp := *e
	cp.Pages = append([]Page(nil), e.Pages...)
	return &cp
}

// withPage appends a page fetched at a position computed with shiftUsed,
// skipping summaries already cached. Only the shift accumulated while
// the page was in flight carries over.
func (e *Entry) withPage(p Page, shiftUsed int) *Entry {
	seen := make(map[string]bool, e.Len())
	for _, m := range e.Messages() {
		seen[m.ID] = true
	}
	msgs := make([]model.EmailSummary, 0, len(p.Messages))
	for _, m := range p.Messages {
		if !seen[m.ID] {
			msgs = append(msgs, m)
		}
	}
	p.Messages = msgs

	next := e.clone()
	next.Pages = append(next.Pages, p)
	next.Shift = e.Shift - shiftUsed
	return next
}

// WithSeen returns a copy with the $seen keyword set on id. found is
// false when id is not cached; wasUnread reports the prior state.
func (e *Entry) WithSeen(id string) (next *Entry, found, wasUnread bool) {
	for pi, p := range e.Pages {
		for mi, m := range p.Messages {
			if m.ID != id {
				continue
			}
			if m.Seen() {
				return e, true, false
			}
			next = e.clone()
			msgs := append([]model.EmailSummary(nil), p.Messages...)
			msgs[mi] = m.WithSeen()
			next.Pages[pi].Messages = msgs
			return next, true, true
		}
	}
	return e, false, false
}

// Without returns a copy with id removed and every page total reduced
// by one (never below zero).
func (e *Entry) Without(id string) (next *Entry, removed model.EmailSummary, found bool) {
	for pi, p := range e.Pages {
		for mi, m := range p.Messages {
			if m.ID != id {
				continue
			}
			next = e.clone()
			msgs := make([]model.EmailSummary, 0, len(p.Messages)-1)
			msgs = append(msgs, p.Messages[:mi]...)
			msgs = append(msgs, p.Messages[mi+1:]...)
			next.Pages[pi].Messages = msgs
			for i := range next.Pages {
				next.Pages[i].Query.Total = decrement(next.Pages[i].Query.Total)
			}
			next.Shift--
			return next, m, true
		}
	}
	return e, model.EmailSummary{}, false
}

func decrement(total *int) *int {
	if total == nil {
		return nil
	}
	v := *total - 1
	if v < 0 {
		v = 0
	}
	return &v
}

// Delta is a set of changes to apply to the head of a folder list.
type Delta struct {
	Added         []source.AddedItem
	Removed       []string
	NewQueryState string
	Total         *int

	// Summaries holds the resolved records for Added ids. Added items
	// without a summary are skipped.
	Summaries map[string]model.EmailSummary
}

// ApplyDelta patches the first page: removed ids are dropped, each added
// id is spliced in at its server-assigned index (clamped to the page),
// and the cursor and total are replaced. Copies of added ids cached in
// deeper pages are dropped so the sequence never holds duplicates.
// Deeper pages are otherwise left alone; a removed id found there stays
// visible but still counts against Shift, since the server positions
// behind it have moved up.
func (e *Entry) ApplyDelta(d Delta) *Entry {
	if len(e.Pages) == 0 {
		return e
	}
	next := e.clone()

	drop := make(map[string]bool, len(d.Removed)+len(d.Added))
	for _, id := range d.Removed {
		drop[id] = true
	}
	dedupe := make(map[string]bool, len(d.Added))
	for _, a := range d.Added {
		if _, ok := d.Summaries[a.ID]; ok && a.Index >= 0 {
			dedupe[a.ID] = true
		}
	}

	removed := 0
	first := make([]model.EmailSummary, 0, len(e.Pages[0].Messages)+len(d.Added))
	for _, m := range e.Pages[0].Messages {
		if drop[m.ID] || dedupe[m.ID] {
			removed++
			continue
		}
		first = append(first, m)
	}

	for i := 1; i < len(next.Pages); i++ {
		p := next.Pages[i]
		var kept []model.EmailSummary
		changed := false
		for _, m := range p.Messages {
			if dedupe[m.ID] {
				removed++
				changed = true
				continue
			}
			if drop[m.ID] {
				removed++
			}
			kept = append(kept, m)
		}
		if changed {
			next.Pages[i].Messages = kept
		}
	}

	inserted := 0
	for _, a := range d.Added {
		m, ok := d.Summaries[a.ID]
		if !ok || a.Index < 0 {
			continue
		}
		idx := a.Index
		if idx > len(first) {
			idx = len(first)
		}
		first = append(first, model.EmailSummary{})
		copy(first[idx+1:], first[idx:])
		first[idx] = m
		inserted++
	}

	next.Pages[0].Messages = first
	next.Pages[0].Query.QueryState = d.NewQueryState
	if d.Total != nil {
		total := *d.Total
		next.Pages[0].Query.Total = &total
	}
	next.Shift += inserted - removed
	return next
}
