package pagination

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

var (
	// ErrMalformedPage indicates a page body without the expected fields.
	ErrMalformedPage = errors.New("malformed page")

	// ErrMalformedNext indicates a next link that cannot be parsed as a URL.
	ErrMalformedNext = errors.New("malformed next link")
)

// Query parameter names of the upstream list endpoint.
const (
	ParamPlaylist = "playlist"
	ParamSeason   = "season"
	ParamMinRank  = "min-rank"
	ParamMaxRank  = "max-rank"
	ParamCount    = "count"
)

// Page is one stored response of the upstream list endpoint.
type Page struct {
	// Count is the total number of items the upstream reports for the query.
	Count int

	// List holds the item references of this page in upstream order.
	List []json.RawMessage

	// Next is the upstream link to the following page, empty on the last page.
	Next string

	// Raw is the response body exactly as received and stored.
	Raw []byte
}

type pageJSON struct {
	Count *int              `json:"count"`
	List  []json.RawMessage `json:"list"`
	Next  *string           `json:"next"`
}

// ParsePage decodes a raw list response. A count is required; a missing list
// is treated as empty.
func ParsePage(raw []byte) (*Page, error) {
	var p pageJSON
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPage, err)
	}
	if p.Count == nil {
		return nil, fmt.Errorf("%w: missing count", ErrMalformedPage)
	}
	if *p.Count < 0 {
		return nil, fmt.Errorf("%w: negative count %d", ErrMalformedPage, *p.Count)
	}

	page := &Page{Count: *p.Count, List: p.List, Raw: raw}
	if p.Next != nil {
		page.Next = strings.TrimSpace(*p.Next)
	}
	return page, nil
}

// Item returns the reference at offset, or false when the page has no such slot.
func (p *Page) Item(offset int) (json.RawMessage, bool) {
	if offset < 0 || offset >= len(p.List) {
		return nil, false
	}
	return p.List[offset], true
}

// Position maps a progress counter to a page index and an offset within it.
func Position(counter, pageSize int) (index, offset int) {
	return counter / pageSize, counter % pageSize
}

// InitialURL builds the first-page query for a category. The category is
// used as both the minimum and the maximum rank.
func InitialURL(base, playlist, season, category string, pageSize int) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	q := u.Query()
	q.Set(ParamPlaylist, playlist)
	q.Set(ParamSeason, season)
	q.Set(ParamMinRank, category)
	q.Set(ParamMaxRank, category)
	q.Set(ParamCount, strconv.Itoa(pageSize))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// RewriteNext pins the max-rank filter of an upstream next link to category.
// Other parameters keep their order and encoding. A link without a max-rank
// parameter gets one appended.
func RewriteNext(next, category string) (string, error) {
	u, err := url.Parse(next)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedNext, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("%w: %q is not absolute", ErrMalformedNext, next)
	}

	pinned := ParamMaxRank + "=" + url.QueryEscape(category)
	parts := []string{}
	if u.RawQuery != "" {
		parts = strings.Split(u.RawQuery, "&")
	}

	found := false
	out := parts[:0]
	for _, part := range parts {
		key := part
		if i := strings.IndexByte(part, '='); i >= 0 {
			key = part[:i]
		}
		if name, err := url.QueryUnescape(key); err == nil && name == ParamMaxRank {
			if found {
				continue
			}
			found = true
			out = append(out, pinned)
			continue
		}
		out = append(out, part)
	}
	if !found {
		out = append(out, pinned)
	}

	u.RawQuery = strings.Join(out, "&")
	return u.String(), nil
}
