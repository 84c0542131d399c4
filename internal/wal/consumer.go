package wal

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/zoravur/live-mirror/internal/feed"
)

// Change is one row change in a wal2json (format 1) message.
type Change struct {
	Schema       string   `json:"schema"`
	Table        string   `json:"table"`
	Kind         string   `json:"kind"`
	ColumnNames  []string `json:"columnnames"`
	ColumnValues []any    `json:"columnvalues"`
	OldKeys      Keys     `json:"oldkeys"`
}

type Keys struct {
	KeyNames  []string `json:"keynames"`
	KeyValues []any    `json:"keyvalues"`
}

type Envelope struct {
	Change []Change `json:"change"`
}

// column returns the named value, looking at the new row first and the old
// key for deletes.
func (c Change) column(name string) (any, bool) {
	for i, n := range c.ColumnNames {
		if n == name && i < len(c.ColumnValues) {
			return c.ColumnValues[i], true
		}
	}
	for i, n := range c.OldKeys.KeyNames {
		if n == name && i < len(c.OldKeys.KeyValues) {
			return c.OldKeys.KeyValues[i], true
		}
	}
	return nil, false
}

// Consumer turns wal2json messages into changed collection names.
type Consumer struct {
	Table  string
	Notify func(collection string)
	Log    *zap.Logger
}

// Collections returns the distinct collections touched by one message, in
// the order they first appear.
func (c *Consumer) Collections(line []byte) ([]string, error) {
	var env Envelope
	if err := feed.JSON.Unmarshal(line, &env); err != nil {
		return nil, fmt.Errorf("decode wal2json message: %w", err)
	}

	var out []string
	seen := make(map[string]struct{})
	for _, ch := range env.Change {
		if ch.Table != c.Table {
			continue
		}
		v, ok := ch.column("collection")
		if !ok {
			continue
		}
		name, ok := v.(string)
		if !ok {
			continue
		}
		// an update can move a row between collections
		names := []string{name}
		if ch.Kind == "update" {
			for i, n := range ch.OldKeys.KeyNames {
				if n == "collection" && i < len(ch.OldKeys.KeyValues) {
					if old, ok := ch.OldKeys.KeyValues[i].(string); ok {
						names = append(names, old)
					}
				}
			}
		}
		for _, n := range names {
			if _, dup := seen[n]; !dup {
				seen[n] = struct{}{}
				out = append(out, n)
			}
		}
	}
	return out, nil
}

func (c *Consumer) OnMessage(line []byte) {
	collections, err := c.Collections(line)
	if err != nil {
		c.logger().Warn("WAL decode error", zap.Error(err))
		return
	}
	for _, name := range collections {
		c.Notify(name)
	}
}

func (c *Consumer) logger() *zap.Logger {
	if c.Log != nil {
		return c.Log
	}
	return zap.L().Named("wal")
}

// Notifier follows the walstream sidecar over TCP and reports changed
// collections of Table. It reconnects until ctx is done and asks for a full
// refresh after every reconnect.
type Notifier struct {
	Addr           string
	Table          string
	ReconnectDelay time.Duration
	Log            *zap.Logger
}

func (n *Notifier) Listen(ctx context.Context, fn func(collection string)) error {
	log := n.Log
	if log == nil {
		log = zap.L().Named("wal")
	}
	delay := n.ReconnectDelay
	if delay <= 0 {
		delay = 5 * time.Second
	}
	consumer := &Consumer{Table: n.Table, Notify: fn, Log: log}

	first := true
	for {
		err := n.follow(ctx, consumer, func() {
			if !first {
				fn("")
			}
			first = false
		})
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warn("WAL stream lost, reconnecting", zap.String("addr", n.Addr), zap.Error(err), zap.Duration("delay", delay))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (n *Notifier) follow(ctx context.Context, consumer *Consumer, connected func()) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", n.Addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	connected()

	dec := json.NewDecoder(bufio.NewReader(conn))
	for {
		var msg json.RawMessage
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return io.ErrUnexpectedEOF
			}
			return err
		}
		consumer.OnMessage(msg)
	}
}
