package feed

import (
	"encoding/json"
	"errors"

	jsoniter "github.com/json-iterator/go"
)

var ErrInvalidJSON = errors.New("invalid JSON value")

// JSON is the codec used for every value crossing the store boundary.
var JSON = jsoniter.ConfigCompatibleWithStandardLibrary

// Encode marshals v unless it is already raw JSON. A nil v encodes to nil,
// which stores interpret as a delete.
func Encode(v any) (json.RawMessage, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if len(t) == 0 || string(t) == "null" {
			return nil, nil
		}
		if !JSON.Valid(t) {
			return nil, ErrInvalidJSON
		}
		return t, nil
	case []byte:
		return Encode(json.RawMessage(t))
	}
	b, err := JSON.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(b) == "null" {
		return nil, nil
	}
	return b, nil
}

// Decode unmarshals raw into a fresh T.
func Decode[T any](raw json.RawMessage) (T, error) {
	var out T
	if len(raw) == 0 {
		return out, nil
	}
	err := JSON.Unmarshal(raw, &out)
	return out, err
}
