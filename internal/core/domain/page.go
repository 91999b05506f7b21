package domain

import (
	"encoding/json"
	"fmt"
	"net/url"
)

// CCByLicense is the open license every proxied feed must declare.
const CCByLicense = "https://creativecommons.org/licenses/by/4.0/"

// ItemStateDeleted marks an item tombstone in the wire format.
const ItemStateDeleted = "deleted"

// Page is one page of an RPDE feed as served by an origin.
// Next and Items are pointers so validation can distinguish absent from empty.
type Page struct {
	Next    *string    `json:"next"`
	Items   []PageItem `json:"items"`
	License string     `json:"license"`
}

// HasItems reports whether the items list was present at all (an empty list
// is still present).
func (p *Page) HasItems() bool {
	return p != nil && p.Items != nil
}

// PageItem is a single item in a feed page. Origin ids may be numeric or
// string; ItemID resolves that once at the ingestion boundary.
type PageItem struct {
	ID       ItemID          `json:"id"`
	Modified int64           `json:"modified"`
	Kind     string          `json:"kind"`
	State    string          `json:"state"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// ItemID is a tagged union over the two id shapes RPDE permits.
type ItemID struct {
	Numeric   int64
	Text      string
	IsNumeric bool
}

func (id *ItemID) UnmarshalJSON(b []byte) error {
	var n int64
	if err := json.Unmarshal(b, &n); err == nil {
		id.Numeric = n
		id.IsNumeric = true
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("item id must be an integer or a string: %w", err)
	}
	id.Text = s
	id.IsNumeric = false
	return nil
}

func (id ItemID) MarshalJSON() ([]byte, error) {
	if id.IsNumeric {
		return json.Marshal(id.Numeric)
	}
	return json.Marshal(id.Text)
}

// Canonical returns the fixed-width string key used as the cached item id.
// Numeric ids are zero-padded so lexical order matches numeric order;
// non-numeric ids are percent-encoded.
func (id ItemID) Canonical() string {
	if id.IsNumeric {
		return fmt.Sprintf("%020d", id.Numeric)
	}
	return url.QueryEscape(id.Text)
}
