// Package wsstore is a feed.Store that talks to a live-mirror server over a
// websocket. Subscriptions and requests are multiplexed on one connection by
// id; TransactionalUpdate is built from get and compare-and-set requests.
package wsstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zoravur/live-mirror/internal/feed"
	"github.com/zoravur/live-mirror/internal/protocol"
)

var (
	// ErrConflict is returned when a transactional update loses every retry.
	ErrConflict = errors.New("transactional update conflict")
	// ErrRemote wraps error frames returned by the server.
	ErrRemote = errors.New("server error")
)

const (
	defaultMaxAttempts = 25
	writeWait          = 10 * time.Second
)

const (
	logMsgConnected     = "connected"
	logMsgReadFailed    = "read failed, closing client"
	logMsgBadFrame      = "undecodable frame from server"
	logMsgUnroutable    = "frame for unknown id dropped"
	logAttrURL          = "url"
	logAttrID           = "id"
	logAttrType         = "type"
	logAttrRetryAttempt = "attempt"
)

type config struct {
	dialer      *websocket.Dialer
	maxAttempts int
	log         *zap.Logger
}

// Option configures a Client.
type Option func(*config)

// WithDialer sets the websocket dialer.
func WithDialer(d *websocket.Dialer) Option { return func(c *config) { c.dialer = d } }

// WithMaxAttempts bounds the optimistic retries of TransactionalUpdate.
func WithMaxAttempts(n int) Option { return func(c *config) { c.maxAttempts = n } }

// WithLogger sets the client logger.
func WithLogger(l *zap.Logger) Option { return func(c *config) { c.log = l } }

// Client is safe for concurrent use. Sink methods are called from the
// client's read goroutine, in the order the server sent them.
type Client struct {
	conn        *websocket.Conn
	maxAttempts int
	log         *zap.Logger

	writeMu sync.Mutex
	nextID  atomic.Uint64

	mu      sync.Mutex
	values  map[string]feed.ValueSink
	ranges  map[string]feed.RangeSink
	pending map[string]chan protocol.Message
	err     error

	done chan struct{}
}

// Dial connects to the websocket endpoint at url.
func Dial(ctx context.Context, url string, options ...Option) (*Client, error) {
	cfg := config{dialer: websocket.DefaultDialer, maxAttempts: defaultMaxAttempts}
	for _, option := range options {
		option(&cfg)
	}
	if cfg.log == nil {
		cfg.log = zap.L().Named("wsstore")
	}

	conn, _, err := cfg.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	c := &Client{
		conn:        conn,
		maxAttempts: cfg.maxAttempts,
		log:         cfg.log,
		values:      make(map[string]feed.ValueSink),
		ranges:      make(map[string]feed.RangeSink),
		pending:     make(map[string]chan protocol.Message),
		done:        make(chan struct{}),
	}
	c.log.Debug(logMsgConnected, zap.String(logAttrURL, url))
	go c.readLoop()
	return c, nil
}

// Done is closed once the connection has gone away.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns why the connection went away, or nil while it is up.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close shuts the connection down. Open subscriptions receive Fail with
// feed.ErrClosed.
func (c *Client) Close() error {
	c.writeMu.Lock()
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	c.writeMu.Unlock()

	err := c.conn.Close()
	<-c.done
	return err
}

func (c *Client) newID(prefix string) string {
	return prefix + strconv.FormatUint(c.nextID.Add(1), 10)
}

func (c *Client) SubscribeValue(path string, sink feed.ValueSink) (feed.Subscription, error) {
	id := c.newID("v")
	if err := c.register(id, func() { c.values[id] = sink }); err != nil {
		return nil, err
	}
	if err := c.send(protocol.Message{Type: protocol.TypeSubscribeValue, ID: id, Path: path}); err != nil {
		c.drop(id)
		return nil, err
	}
	return c.subscription(id), nil
}

func (c *Client) SubscribeRange(q feed.RangeQuery, sink feed.RangeSink) (feed.Subscription, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	id := c.newID("r")
	if err := c.register(id, func() { c.ranges[id] = sink }); err != nil {
		return nil, err
	}
	msg := protocol.Message{Type: protocol.TypeSubscribeRange, ID: id, Path: q.Path, OrderBy: q.OrderBy, Limit: q.Limit}
	if err := c.send(msg); err != nil {
		c.drop(id)
		return nil, err
	}
	return c.subscription(id), nil
}

func (c *Client) register(id string, add func()) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	add()
	return nil
}

func (c *Client) drop(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, v := c.values[id]
	_, r := c.ranges[id]
	delete(c.values, id)
	delete(c.ranges, id)
	return v || r
}

func (c *Client) subscription(id string) feed.Subscription {
	return feed.SubscriptionFunc(func() {
		if !c.drop(id) {
			return
		}
		// the server acks with the same id; nothing waits for it
		c.send(protocol.Message{Type: protocol.TypeUnsubscribe, ID: id})
	})
}

func (c *Client) Write(ctx context.Context, path string, value any) error {
	raw, err := feed.Encode(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	_, err = c.request(ctx, protocol.Message{Type: protocol.TypeWrite, Path: path, Value: raw})
	return err
}

// Get reads the value at path without subscribing.
func (c *Client) Get(ctx context.Context, path string) (json.RawMessage, error) {
	reply, err := c.request(ctx, protocol.Message{Type: protocol.TypeGet, Path: path})
	if err != nil {
		return nil, err
	}
	return reply.Value, nil
}

// TransactionalUpdate reads the current value, applies fn and asks the
// server to store the result only if the value is unchanged, retrying on
// conflict.
func (c *Client) TransactionalUpdate(ctx context.Context, path string, fn feed.UpdateFunc) error {
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		current, err := c.Get(ctx, path)
		if err != nil {
			return err
		}
		next, err := fn(current)
		if err != nil {
			return err
		}
		raw, err := feed.Encode(next)
		if err != nil {
			return fmt.Errorf("encode %s: %w", path, err)
		}

		_, err = c.request(ctx, protocol.Message{Type: protocol.TypeCAS, Path: path, Expect: current, Value: raw})
		var re *RemoteError
		if errors.As(err, &re) && re.Code == protocol.CodeConflict {
			c.log.Debug("cas conflict, retrying", zap.String("path", path), zap.Int(logAttrRetryAttempt, attempt))
			continue
		}
		return err
	}
	return fmt.Errorf("%w: %s", ErrConflict, path)
}

// Ping round-trips a ping frame.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.request(ctx, protocol.Message{Type: protocol.TypePing})
	return err
}

// RemoteError is an error frame returned for a request.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string { return e.Code + ": " + e.Message }

func (e *RemoteError) Unwrap() error { return ErrRemote }

func (c *Client) request(ctx context.Context, msg protocol.Message) (protocol.Message, error) {
	msg.ID = c.newID("q")
	ch := make(chan protocol.Message, 1)
	if err := c.register(msg.ID, func() { c.pending[msg.ID] = ch }); err != nil {
		return protocol.Message{}, err
	}
	defer func() {
		c.mu.Lock()
		delete(c.pending, msg.ID)
		c.mu.Unlock()
	}()

	if err := c.send(msg); err != nil {
		return protocol.Message{}, err
	}

	select {
	case reply := <-ch:
		if reply.Type == protocol.TypeError {
			return reply, &RemoteError{Code: reply.Code, Message: reply.Error}
		}
		return reply, nil
	case <-ctx.Done():
		return protocol.Message{}, ctx.Err()
	case <-c.done:
		return protocol.Message{}, c.Err()
	}
}

func (c *Client) send(msg protocol.Message) error {
	b, err := protocol.EncodeMessage(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
		return fmt.Errorf("%w: %w", feed.ErrClosed, err)
	}
	return nil
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.shutdown(err)
			return
		}
		msg, err := protocol.DecodeMessage(raw)
		if err != nil {
			c.log.Warn(logMsgBadFrame, zap.Error(err))
			continue
		}
		c.route(msg)
	}
}

func (c *Client) route(msg protocol.Message) {
	c.mu.Lock()
	ch, isRequest := c.pending[msg.ID]
	vs := c.values[msg.ID]
	rs := c.ranges[msg.ID]
	c.mu.Unlock()

	switch {
	case isRequest:
		ch <- msg
		return
	case msg.Type == protocol.TypeAck:
		// unsubscribe acks
		return
	case vs == nil && rs == nil:
		c.log.Debug(logMsgUnroutable, zap.String(logAttrID, msg.ID), zap.String(logAttrType, string(msg.Type)))
		return
	}

	if msg.Type == protocol.TypeError {
		err := &RemoteError{Code: msg.Code, Message: msg.Error}
		c.drop(msg.ID)
		if vs != nil {
			vs.Fail(err)
		} else {
			rs.Fail(err)
		}
		return
	}

	if vs != nil {
		if msg.Type == protocol.TypeValue {
			vs.Value(msg.Value)
		}
		return
	}

	switch msg.Type {
	case protocol.TypeInsert:
		rs.Insert(msg.Key, msg.Value, msg.PrevKey)
	case protocol.TypeRemove:
		rs.Remove(msg.Key)
	case protocol.TypeUpdate:
		rs.Update(msg.Key, msg.Value)
	case protocol.TypeMove:
		rs.Move(msg.Key, msg.PrevKey)
	case protocol.TypeLoaded:
		rs.Loaded()
	}
}

// shutdown fails every open subscription once the connection is gone.
func (c *Client) shutdown(cause error) {
	if !websocket.IsCloseError(cause, websocket.CloseNormalClosure) && !errors.Is(cause, websocket.ErrCloseSent) {
		c.log.Debug(logMsgReadFailed, zap.Error(cause))
	}
	err := fmt.Errorf("%w: %w", feed.ErrClosed, cause)

	c.mu.Lock()
	c.err = err
	values, ranges := c.values, c.ranges
	c.values = make(map[string]feed.ValueSink)
	c.ranges = make(map[string]feed.RangeSink)
	c.mu.Unlock()

	for _, s := range values {
		s.Fail(err)
	}
	for _, s := range ranges {
		s.Fail(err)
	}
}
