// Package source defines where raw admissions records come from.
//
// A Source is restartable: Fetch can be called with any marker it returned
// before and yields the same records after that point. Markers are positive,
// strictly increasing positions in the source sequence.
package source

import (
	"context"
	"encoding/json"
)

// RawRecord is one unparsed entry and its position in the source.
type RawRecord struct {
	Marker int64
	Key    string
	Data   json.RawMessage
}

// Page is one bounded slice of the source sequence.
type Page struct {
	Records []RawRecord
	// Next is the marker to resume after this page. It equals the marker
	// passed to Fetch when the page is empty.
	Next int64
	// Done is set when the source has no records beyond this page. It is
	// never reported as an error.
	Done bool
}

// Source yields records strictly after a marker. A returned error is
// transient; end of data is reported through Page.Done.
type Source interface {
	Fetch(ctx context.Context, after int64, limit int) (Page, error)
}
