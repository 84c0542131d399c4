package feed

import (
	"cmp"
	"encoding/json"
	"slices"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

// Entry is one child of a collection.
type Entry struct {
	Key   string
	Value json.RawMessage
}

// type ranks, lowest first: missing/null, bool, number, string, container
func typeRank(a jsoniter.Any) int {
	switch a.ValueType() {
	case jsoniter.BoolValue:
		return 1
	case jsoniter.NumberValue:
		return 2
	case jsoniter.StringValue:
		return 3
	case jsoniter.ArrayValue, jsoniter.ObjectValue:
		return 4
	default:
		return 0
	}
}

func orderField(raw json.RawMessage, field string) jsoniter.Any {
	if len(raw) == 0 {
		return JSON.Get([]byte("null"))
	}
	parts := strings.Split(field, "/")
	path := make([]any, len(parts))
	for i, p := range parts {
		path[i] = p
	}
	return JSON.Get(raw, path...)
}

// CompareEntries orders two entries by the child field and then by key.
// An empty field orders by key alone.
func CompareEntries(a, b Entry, field string) int {
	if field != "" {
		if c := compareAny(orderField(a.Value, field), orderField(b.Value, field)); c != 0 {
			return c
		}
	}
	return strings.Compare(a.Key, b.Key)
}

func compareAny(a, b jsoniter.Any) int {
	ra, rb := typeRank(a), typeRank(b)
	if ra != rb {
		return cmp.Compare(ra, rb)
	}
	switch ra {
	case 1:
		return cmp.Compare(boolRank(a.ToBool()), boolRank(b.ToBool()))
	case 2:
		return cmp.Compare(a.ToFloat64(), b.ToFloat64())
	case 3:
		return strings.Compare(a.ToString(), b.ToString())
	}
	return 0
}

func boolRank(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Window sorts entries in place and returns the first limit of them.
func Window(entries []Entry, field string, limit int) []Entry {
	slices.SortFunc(entries, func(a, b Entry) int { return CompareEntries(a, b, field) })
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries
}
