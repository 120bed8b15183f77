package view

import (
	"bytes"
	"encoding/json"
	"sort"
	"strings"
)

// QueryRow is the indexer's query output (spec.md §3): (key, value,
// sourceDocId, sequence, optional prefetched body). Equality is structural
// on (key, sourceDocId, value) and is used by callers (not this package) to
// suppress spurious change notifications.
type QueryRow struct {
	Key         json.RawMessage
	Value       json.RawMessage
	SourceDocID string
	Sequence    uint64
}

// Equal implements the structural equality spec.md §3 defines for QueryRow.
func (r QueryRow) Equal(other QueryRow) bool {
	return r.SourceDocID == other.SourceDocID &&
		bytes.Equal(r.Key, other.Key) &&
		bytes.Equal(r.Value, other.Value)
}

// QueryOptions controls a range scan over a view's rows (spec.md §4.8
// "Query").
type QueryOptions struct {
	Keys        []json.RawMessage // exact-match key set; takes precedence over Start/End
	StartKey    json.RawMessage
	EndKey      json.RawMessage
	InclusiveEnd bool
	Descending  bool
	Limit       int
	Skip        int

	Reduce     bool
	GroupLevel int // 0 = group all rows into one (if Reduce); >0 = group by key prefix
}

// Query runs a range scan (and, if requested, a grouped reduce) over the
// view's currently indexed rows.
func (ix *Indexer) Query(v *View, opts QueryOptions) ([]QueryRow, error) {
	rows := ix.Rows(v)

	sort.Slice(rows, func(i, j int) bool { return compareKeys(rows[i].Key, rows[j].Key, v.Collation) < 0 })

	filtered := make([]Row, 0, len(rows))
	if len(opts.Keys) > 0 {
		wanted := make(map[string]struct{}, len(opts.Keys))
		for _, k := range opts.Keys {
			wanted[string(k)] = struct{}{}
		}
		for _, r := range rows {
			if _, ok := wanted[string(r.Key)]; ok {
				filtered = append(filtered, r)
			}
		}
	} else {
		for _, r := range rows {
			if opts.StartKey != nil && compareKeys(r.Key, opts.StartKey, v.Collation) < 0 {
				continue
			}
			if opts.EndKey != nil {
				c := compareKeys(r.Key, opts.EndKey, v.Collation)
				if opts.InclusiveEnd && c > 0 {
					continue
				}
				if !opts.InclusiveEnd && c >= 0 {
					continue
				}
			}
			filtered = append(filtered, r)
		}
	}

	if opts.Descending {
		for i, j := 0, len(filtered)-1; i < j; i, j = i+1, j-1 {
			filtered[i], filtered[j] = filtered[j], filtered[i]
		}
	}

	if opts.Reduce {
		return ix.reduceRows(v, filtered, opts.GroupLevel)
	}

	if opts.Skip > 0 {
		if opts.Skip >= len(filtered) {
			filtered = nil
		} else {
			filtered = filtered[opts.Skip:]
		}
	}
	if opts.Limit > 0 && len(filtered) > opts.Limit {
		filtered = filtered[:opts.Limit]
	}

	out := make([]QueryRow, len(filtered))
	for i, r := range filtered {
		out[i] = QueryRow{Key: r.Key, Value: r.Value, SourceDocID: r.SourceDocID, Sequence: r.Sequence}
	}
	return out, nil
}

func (ix *Indexer) reduceRows(v *View, rows []Row, groupLevel int) ([]QueryRow, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	var out []QueryRow
	groupStart := 0
	for i := 1; i <= len(rows); i++ {
		if i < len(rows) && (groupLevel == 0 || groupTogether(rows[groupStart].Key, rows[i].Key, groupLevel)) {
			continue
		}
		group := rows[groupStart:i]
		keys := make([]json.RawMessage, len(group))
		values := make([]json.RawMessage, len(group))
		for j, r := range group {
			keys[j] = r.Key
			values[j] = r.Value
		}
		reduced, err := v.runReduce(keys, values, false)
		if err != nil {
			return nil, err
		}
		groupKey := json.RawMessage("null")
		if groupLevel != 0 {
			groupKey = groupPrefix(group[0].Key, groupLevel)
		}
		out = append(out, QueryRow{Key: groupKey, Value: reduced, SourceDocID: ""})
		groupStart = i
	}
	return out, nil
}

// groupTogether reports whether two keys belong in the same reduce group at
// the given groupLevel (spec.md §4.8). For n==0 or a non-array key it
// reports k1==k2 (byte-for-byte equal JSON); reduceRows does not call it at
// level 0, where every row forms a single group. Otherwise the
// first min(n, len(k1), len(k2)) array elements must compare structurally
// equal. groupTogether(k, k, n) == true for all k, n (spec.md P6).
func groupTogether(k1, k2 json.RawMessage, n int) bool {
	if bytes.Equal(k1, k2) {
		return true
	}
	var a1, a2 []json.RawMessage
	if n == 0 || json.Unmarshal(k1, &a1) != nil || json.Unmarshal(k2, &a2) != nil {
		return false
	}
	limit := n
	if len(a1) < limit {
		limit = len(a1)
	}
	if len(a2) < limit {
		limit = len(a2)
	}
	for i := 0; i < limit; i++ {
		if !bytes.Equal(normalizeJSON(a1[i]), normalizeJSON(a2[i])) {
			return false
		}
	}
	return true
}

func groupPrefix(key json.RawMessage, n int) json.RawMessage {
	var arr []json.RawMessage
	if json.Unmarshal(key, &arr) != nil {
		return key
	}
	if n > len(arr) {
		n = len(arr)
	}
	out, _ := json.Marshal(arr[:n])
	return out
}

// normalizeJSON re-marshals a value so structurally-equal-but-differently-
// formatted JSON (e.g. "1" vs "1.0", or differing key order in objects)
// compares equal.
func normalizeJSON(raw json.RawMessage) []byte {
	var v interface{}
	if json.Unmarshal(raw, &v) != nil {
		return raw
	}
	out, _ := json.Marshal(v)
	return out
}

// compareKeys orders two JSON-encoded keys per the view's configured
// Collation (spec.md §4.8: Collation is one of {Unicode, Raw, ASCII}).
// CollationRaw compares the undecoded JSON text byte-for-byte, matching
// CouchDB's raw collation where type and formatting both participate in
// ordering; CollationUnicode and CollationASCII both decode the key first
// but differ in how string scalars compare (see compareValues).
func compareKeys(a, b json.RawMessage, collation Collation) int {
	if collation == CollationRaw {
		return bytes.Compare(bytes.TrimSpace(a), bytes.TrimSpace(b))
	}
	var av, bv interface{}
	_ = json.Unmarshal(a, &av)
	_ = json.Unmarshal(b, &bv)
	return compareValues(av, bv, collation)
}

// compareValues compares two decoded JSON scalars/arrays. ASCII collation
// orders strings by raw byte value (matching Go's native string ordering,
// itself ASCII/UTF-8 byte order); Unicode collation folds case first so
// that, e.g., "Banana" sorts next to "banana" instead of before every
// other capitalized word — an approximation of locale-aware collation
// without pulling in a full ICU binding (see DESIGN.md).
func compareValues(a, b interface{}, collation Collation) int {
	switch av := a.(type) {
	case float64:
		if bv, ok := b.(float64); ok {
			switch {
			case av < bv:
				return -1
			case av > bv:
				return 1
			default:
				return 0
			}
		}
	case string:
		if bv, ok := b.(string); ok {
			sa, sb := av, bv
			if collation == CollationUnicode {
				sa, sb = strings.ToLower(sa), strings.ToLower(sb)
			}
			switch {
			case sa < sb:
				return -1
			case sa > sb:
				return 1
			default:
				return 0
			}
		}
	case []interface{}:
		if bv, ok := b.([]interface{}); ok {
			for i := 0; i < len(av) && i < len(bv); i++ {
				if c := compareValues(av[i], bv[i], collation); c != 0 {
					return c
				}
			}
			return len(av) - len(bv)
		}
	}
	return 0
}
