package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/google/go-cmp/cmp"

	"github.com/zoravur/live-mirror/internal/feed"
)

// Type names a websocket frame.
type Type string

// client -> server
const (
	TypeSubscribeValue Type = "subscribe_value"
	TypeSubscribeRange Type = "subscribe_range"
	TypeUnsubscribe    Type = "unsubscribe"
	TypeWrite          Type = "write"
	TypeGet            Type = "get"
	TypeCAS            Type = "cas"
	TypePing           Type = "ping"
)

// server -> client
const (
	TypeValue  Type = "value"
	TypeInsert Type = "insert"
	TypeRemove Type = "remove"
	TypeUpdate Type = "update"
	TypeMove   Type = "move"
	TypeLoaded Type = "loaded"
	TypeError  Type = "error"
	TypeAck    Type = "ack"
	TypePong   Type = "pong"
)

// Error codes carried by TypeError frames.
const (
	CodeBadRequest   = "bad_request"
	CodeConflict     = "conflict"
	CodeSubscription = "subscription_failed"
	CodeInternal     = "internal"
)

// Message is the single frame shape used in both directions. ID is the
// client-chosen subscription or request id; replies and events echo it.
//
// A missing Value means "nothing stored". On a cas request a missing Expect
// means the path is expected to be empty.
type Message struct {
	Type    Type            `json:"type"`
	ID      string          `json:"id,omitempty"`
	Path    string          `json:"path,omitempty"`
	OrderBy string          `json:"orderBy,omitempty"`
	Limit   int             `json:"limit,omitempty"`
	Key     string          `json:"key,omitempty"`
	PrevKey string          `json:"prevKey,omitempty"`
	Value   json.RawMessage `json:"value,omitempty"`
	Expect  json.RawMessage `json:"expect,omitempty"`
	Code    string          `json:"code,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Query returns the range query carried by a subscribe_range frame.
func (m Message) Query() feed.RangeQuery {
	return feed.RangeQuery{Path: m.Path, OrderBy: m.OrderBy, Limit: m.Limit}
}

func DecodeMessage(data []byte) (Message, error) {
	var msg Message
	if err := feed.JSON.Unmarshal(data, &msg); err != nil {
		return msg, fmt.Errorf("decode message: %w", err)
	}
	if msg.Type == "" {
		return msg, fmt.Errorf("decode message: missing type")
	}
	return msg, nil
}

func EncodeMessage(msg Message) ([]byte, error) {
	return feed.JSON.Marshal(msg)
}

// Errorf builds an error frame for request id.
func Errorf(id, code, format string, args ...any) Message {
	return Message{Type: TypeError, ID: id, Code: code, Error: fmt.Sprintf(format, args...)}
}

// SameJSON reports whether two raw values decode to equal JSON. Nil and
// "null" both mean absent.
func SameJSON(a, b json.RawMessage) bool {
	a, b = normalize(a), normalize(b)
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	var va, vb any
	if feed.JSON.Unmarshal(a, &va) != nil || feed.JSON.Unmarshal(b, &vb) != nil {
		return false
	}
	return cmp.Equal(va, vb)
}

func normalize(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return raw
}
