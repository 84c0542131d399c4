package feed

import (
	"fmt"
	"strings"

	"github.com/oklog/ulid/v2"
)

// CleanPath normalises a slash separated path to "/a/b" form.
func CleanPath(p string) (string, error) {
	parts := strings.Split(strings.Trim(p, "/"), "/")
	for _, s := range parts {
		if s == "" {
			return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
		}
		if strings.ContainsAny(s, ".#$[]") {
			return "", fmt.Errorf("%w: %q has reserved characters", ErrInvalidPath, p)
		}
	}
	return "/" + strings.Join(parts, "/"), nil
}

// SplitPath splits a document path into its collection and key.
//
//	"/games/01J9" -> ("/games", "01J9")
//	"/games"      -> ("/", "games")
func SplitPath(p string) (collection, key string, err error) {
	clean, err := CleanPath(p)
	if err != nil {
		return "", "", err
	}
	i := strings.LastIndexByte(clean, '/')
	collection, key = clean[:i], clean[i+1:]
	if collection == "" {
		collection = "/"
	}
	return collection, key, nil
}

// JoinPath appends key segments to a collection path.
func JoinPath(collection string, keys ...string) string {
	out := strings.TrimRight(collection, "/")
	for _, k := range keys {
		out += "/" + strings.Trim(k, "/")
	}
	if out == "" {
		return "/"
	}
	return out
}

// NewKey returns a fresh, time-ordered push key. Keys generated later sort
// after keys generated earlier, so ordering by key approximates insertion
// order.
func NewKey() string {
	return strings.ToLower(ulid.Make().String())
}
