package detail

import (
	"context"
	"net/url"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/net/html"
	"golang.org/x/sync/errgroup"
)

// defaultFetchLimit bounds concurrent inline-image downloads per body.
const defaultFetchLimit = 4

// Resolver rewrites src="cid:..." references in message HTML to local
// handles. The markup is walked token by token; tags without a
// resolvable reference are copied through byte for byte.
type Resolver struct {
	limit  int
	logger zerolog.Logger
}

// NewResolver creates a Resolver.
func NewResolver(logger zerolog.Logger) *Resolver {
	return &Resolver{
		limit:  defaultFetchLimit,
		logger: logger.With().Str("component", "inline").Logger(),
	}
}

type segment struct {
	raw  string
	tok  *html.Token
	attr int
	cid  string
}

// Resolve returns body with every reference to a mapped content id
// replaced by its handle from set. Each distinct content id is fetched
// once; ids that are unmapped or fail to download are left as they are.
func (r *Resolver) Resolve(ctx context.Context, body string, cidMap map[string]string, set *HandleSet) string {
	if body == "" || len(cidMap) == 0 {
		return body
	}

	blobs := make(map[string]string, len(cidMap))
	for cid, blobID := range cidMap {
		blobs[normalizeCID(cid)] = blobID
	}

	var (
		segs  []segment
		order []string
		seen  = make(map[string]bool)
	)
	z := html.NewTokenizer(strings.NewReader(body))
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			break
		}
		raw := string(z.Raw())
		if tt != html.StartTagToken && tt != html.SelfClosingTagToken {
			segs = append(segs, segment{raw: raw})
			continue
		}

		tok := z.Token()
		idx, cid := cidAttr(tok)
		if _, mapped := blobs[cid]; idx < 0 || !mapped {
			segs = append(segs, segment{raw: raw})
			continue
		}
		segs = append(segs, segment{raw: raw, tok: &tok, attr: idx, cid: cid})
		if !seen[cid] {
			seen[cid] = true
			order = append(order, cid)
		}
	}
	if len(order) == 0 {
		return body
	}

	var (
		mu       sync.Mutex
		resolved = make(map[string]string, len(order))
		g        errgroup.Group
	)
	g.SetLimit(r.limit)
	for _, cid := range order {
		cid := cid
		g.Go(func() error {
			h, ok := set.Handle(ctx, cid, blobs[cid])
			if !ok {
				r.logger.Debug().Str("cid", cid).Msg("inline image unresolved")
				return nil
			}
			mu.Lock()
			resolved[cid] = h
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	var b strings.Builder
	b.Grow(len(body))
	for _, s := range segs {
		h, ok := resolved[s.cid]
		if s.tok == nil || !ok {
			b.WriteString(s.raw)
			continue
		}
		tok := *s.tok
		tok.Attr = append([]html.Attribute(nil), s.tok.Attr...)
		tok.Attr[s.attr].Val = h
		b.WriteString(tok.String())
	}
	return b.String()
}

// cidAttr finds a src attribute holding a cid: URL and returns its index
// and the normalized content id, or -1.
func cidAttr(tok html.Token) (int, string) {
	for i, a := range tok.Attr {
		if a.Namespace != "" || a.Key != "src" {
			continue
		}
		v := strings.TrimSpace(a.Val)
		if len(v) <= len("cid:") || !strings.EqualFold(v[:4], "cid:") {
			continue
		}
		cid := v[4:]
		if u, err := url.PathUnescape(cid); err == nil {
			cid = u
		}
		return i, normalizeCID(cid)
	}
	return -1, ""
}
