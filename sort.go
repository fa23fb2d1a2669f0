package viewsync

import "encoding/json"

// sortKind partitions sort values into comparable classes. Kinds order
// absent < bool < number < string < other, regardless of direction.
type sortKind int

const (
	kindAbsent sortKind = iota
	kindBool
	kindNumber
	kindString
	kindOther
)

// sortKey is the precomputed ordering key for one entry. Direction is baked
// in at construction: descending inverts booleans and negates numbers, while
// strings and stringified values always compare ascending. The entry key is
// the final tie-break, ascending in either direction.
type sortKey struct {
	kind    sortKind
	boolVal bool
	numVal  float64
	strVal  string
	key     string
}

// makeSortKey derives the ordering key for an entry from the sort value
// extracted out of its record.
func makeSortKey(value interface{}, key string, order SortOrder) sortKey {
	sk := sortKey{key: key}
	desc := order == SortDesc
	switch v := value.(type) {
	case nil:
		sk.kind = kindAbsent
	case bool:
		sk.kind = kindBool
		sk.boolVal = v
		if desc {
			sk.boolVal = !v
		}
	case float64:
		sk.kind = kindNumber
		sk.numVal = v
		if desc {
			sk.numVal = -v
		}
	case string:
		sk.kind = kindString
		sk.strVal = v
	default:
		sk.kind = kindOther
		sk.strVal = stringify(v)
	}
	return sk
}

// less reports whether a orders before b.
func (a sortKey) less(b sortKey) bool {
	if a.kind != b.kind {
		return a.kind < b.kind
	}
	switch a.kind {
	case kindBool:
		if a.boolVal != b.boolVal {
			return !a.boolVal
		}
	case kindNumber:
		if a.numVal != b.numVal {
			return a.numVal < b.numVal
		}
	case kindString, kindOther:
		if a.strVal != b.strVal {
			return a.strVal < b.strVal
		}
	}
	return a.key < b.key
}

// stringify renders a structured sort value through its JSON encoding so
// that equal values compare equal.
func stringify(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

// extractSortValue walks a field path through nested JSON objects. A missing
// segment or a non-object intermediate yields nil, which orders as absent.
func extractSortValue(record map[string]interface{}, path []string) interface{} {
	var cur interface{} = record
	for _, seg := range path {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil
		}
		cur, ok = m[seg]
		if !ok {
			return nil
		}
	}
	return cur
}
