// Package store defines the document-store capability the engine consumes:
// live queries with equality and membership filters, one-shot reads and writes.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Op is a filter operator. Only equality and membership are supported so that no
// query needs a composite index on the remote side.
type Op string

const (
	OpEq Op = "eq"
	OpIn Op = "in"
)

// Filter restricts a query on one field.
type Filter struct {
	Field  string
	Op     Op
	Values []any
}

// Eq matches documents whose field equals v.
func Eq(field string, v any) Filter {
	return Filter{Field: field, Op: OpEq, Values: []any{v}}
}

// In matches documents whose field equals any of vs.
func In(field string, vs ...any) Filter {
	return Filter{Field: field, Op: OpIn, Values: vs}
}

// Match reports whether the document satisfies the filter.
func (f Filter) Match(doc Document) bool {
	got := doc.Get(f.Field)
	if !got.Exists() {
		return false
	}
	for _, v := range f.Values {
		if got.String() == fmt.Sprint(v) {
			return true
		}
	}
	return false
}

func (f Filter) String() string {
	vals := make([]string, len(f.Values))
	for i, v := range f.Values {
		vals[i] = fmt.Sprint(v)
	}
	if f.Op == OpIn {
		return fmt.Sprintf("%s=in.(%s)", f.Field, strings.Join(vals, ","))
	}
	return fmt.Sprintf("%s=eq.%s", f.Field, strings.Join(vals, ","))
}

// Query selects at most Limit documents of one collection. The limit is enforced by the
// store, never by truncating client side. No ordering is implied.
type Query struct {
	Collection string
	Filters    []Filter
	Limit      int
}

// Match reports whether the document satisfies every filter.
func (q Query) Match(doc Document) bool {
	for _, f := range q.Filters {
		if !f.Match(doc) {
			return false
		}
	}
	return true
}

func (q Query) String() string {
	parts := make([]string, 0, len(q.Filters)+1)
	for _, f := range q.Filters {
		parts = append(parts, f.String())
	}
	if q.Limit > 0 {
		parts = append(parts, fmt.Sprintf("limit=%d", q.Limit))
	}
	return q.Collection + "?" + strings.Join(parts, "&")
}

// Document is one stored record in its raw JSON form.
type Document struct {
	ID  string
	Raw json.RawMessage
}

// NewDocument marshals v and reads its id field.
func NewDocument(v any) (Document, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return Document{}, fmt.Errorf("marshal document: %w", err)
	}
	return Document{ID: gjson.GetBytes(raw, "id").String(), Raw: raw}, nil
}

// Decode unmarshals the document into v.
func (d Document) Decode(v any) error {
	return json.Unmarshal(d.Raw, v)
}

// Get reads a field by gjson path.
func (d Document) Get(path string) gjson.Result {
	return gjson.GetBytes(d.Raw, path)
}

// CreatedAt reads the created_at field. Unparseable or missing values yield the zero time.
func (d Document) CreatedAt() time.Time {
	ts, err := time.Parse(time.RFC3339Nano, d.Get("created_at").String())
	if err != nil {
		return time.Time{}
	}
	return ts
}

// SnapshotFunc receives the full current result set of a subscription.
type SnapshotFunc func(docs []Document)

// ErrorFunc receives the terminal error of a subscription.
type ErrorFunc func(err error)

// Subscription is an open live query. Close is the only way to stop it.
type Subscription interface {
	Close() error
}

// Store is the remote document store. Every call may fail with an error for which
// IsQuotaExhausted reports true.
type Store interface {
	// Subscribe opens a live query. onSnapshot is called with the current result set
	// and again after every remote change, in arrival order. onError is called at most
	// once, after which no more snapshots arrive.
	Subscribe(ctx context.Context, q Query, onSnapshot SnapshotFunc, onError ErrorFunc) (Subscription, error)
	GetOnce(ctx context.Context, q Query) ([]Document, error)
	Insert(ctx context.Context, collection string, doc any) (string, error)
	Update(ctx context.Context, collection, id string, patch map[string]any) error
	Delete(ctx context.Context, collection, id string) error
	BatchDelete(ctx context.Context, collection string, ids []string) error
}
