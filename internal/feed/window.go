package feed

import (
	"bytes"
	"slices"
)

// Diff emits to sink the remove, insert, update and move events that turn
// the ordered window prev into next. Applying the events in the order they
// are emitted, using "insert after prevKey" placement, reproduces next
// exactly. Removes are emitted first, then next is walked head to tail.
func Diff(prev, next []Entry, sink RangeSink) {
	keep := make(map[string]struct{}, len(next))
	for _, e := range next {
		keep[e.Key] = struct{}{}
	}

	cur := make([]Entry, 0, len(prev))
	for _, e := range prev {
		if _, ok := keep[e.Key]; !ok {
			sink.Remove(e.Key)
			continue
		}
		cur = append(cur, e)
	}

	for i, e := range next {
		prevKey := ""
		if i > 0 {
			prevKey = next[i-1].Key
		}

		// cur[:i] already equals next[:i]
		if i < len(cur) && cur[i].Key == e.Key {
			if !bytes.Equal(cur[i].Value, e.Value) {
				sink.Update(e.Key, e.Value)
				cur[i] = e
			}
			continue
		}

		j := slices.IndexFunc(cur[i:], func(c Entry) bool { return c.Key == e.Key })
		if j < 0 {
			sink.Insert(e.Key, e.Value, prevKey)
			cur = slices.Insert(cur, i, e)
			continue
		}

		old := cur[i+j]
		cur = slices.Delete(cur, i+j, i+j+1)
		cur = slices.Insert(cur, i, e)
		if !bytes.Equal(old.Value, e.Value) {
			sink.Update(e.Key, e.Value)
		}
		sink.Move(e.Key, prevKey)
	}
}

// Load delivers a starting window as head-to-tail inserts followed by Loaded.
func Load(window []Entry, sink RangeSink) {
	Diff(nil, window, sink)
	sink.Loaded()
}
