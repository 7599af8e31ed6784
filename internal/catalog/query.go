package catalog

import (
	"net/url"

	"github.com/xkilldash9x/catalog-relay/internal/config"
)

// Query is the fixed part of a catalog search. Only the cursor and the taxon
// change between calls.
type Query struct {
	MediaType string
	Sort      string
	View      string
}

// NewQuery builds the query template from configuration.
func NewQuery(cfg config.SearchConfig) Query {
	return Query{MediaType: cfg.MediaType, Sort: cfg.Sort, View: cfg.View}
}

// Values renders the query string for one page. Empty values are left out
// entirely rather than sent as "key=".
func (q Query) Values(cursor, taxonCode string) url.Values {
	v := url.Values{}
	set := func(key, value string) {
		if value != "" {
			v.Set(key, value)
		}
	}
	set("initialCursorMark", cursor)
	set("mediaType", q.MediaType)
	set("sort", q.Sort)
	set("taxonCode", taxonCode)
	set("view", q.View)
	return v
}
