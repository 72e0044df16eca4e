package livesync

import (
	"bytes"
	"sort"

	"github.com/R3E-Network/transferdesk/internal/store"
)

// ChangeKind classifies a document against the detector's previous observation.
type ChangeKind int

const (
	Added ChangeKind = iota
	Modified
	Removed
)

func (k ChangeKind) String() string {
	switch k {
	case Added:
		return "added"
	case Modified:
		return "modified"
	case Removed:
		return "removed"
	default:
		return "unknown"
	}
}

// Change is one per-document record of an update batch. Unchanged documents produce none.
type Change struct {
	Kind     ChangeKind
	Doc      store.Document
	Previous store.Document
}

// Transition is a status change of a document that was already observed.
type Transition struct {
	ID   string
	From string
	To   string
	Doc  store.Document
}

// SortNewestFirst orders documents by created_at descending, ties broken by id.
// Stores return results in no particular order; every snapshot goes through here.
func SortNewestFirst(docs []store.Document) {
	sort.SliceStable(docs, func(i, j int) bool {
		return newer(docs[i], docs[j])
	})
}

func newer(a, b store.Document) bool {
	ta, tb := a.CreatedAt(), b.CreatedAt()
	if !ta.Equal(tb) {
		return ta.After(tb)
	}
	return a.ID < b.ID
}

// dedupe keeps the last occurrence of every id.
func dedupe(docs []store.Document) []store.Document {
	index := make(map[string]int, len(docs))
	out := make([]store.Document, 0, len(docs))
	for _, d := range docs {
		if i, ok := index[d.ID]; ok {
			out[i] = d
			continue
		}
		index[d.ID] = len(out)
		out = append(out, d)
	}
	return out
}

// diff classifies next against prev. Added and Modified follow next's order, Removed
// records come last.
func diff(prev map[string]store.Document, next []store.Document) []Change {
	var changes []Change
	seen := make(map[string]struct{}, len(next))
	for _, d := range next {
		seen[d.ID] = struct{}{}
		old, ok := prev[d.ID]
		switch {
		case !ok:
			changes = append(changes, Change{Kind: Added, Doc: d})
		case !bytes.Equal(old.Raw, d.Raw):
			changes = append(changes, Change{Kind: Modified, Doc: d, Previous: old})
		}
	}

	var removed []Change
	for id, old := range prev {
		if _, ok := seen[id]; !ok {
			removed = append(removed, Change{Kind: Removed, Doc: old, Previous: old})
		}
	}
	sort.Slice(removed, func(i, j int) bool {
		return newer(removed[i].Doc, removed[j].Doc)
	})
	return append(changes, removed...)
}
