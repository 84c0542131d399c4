package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zoravur/live-mirror/internal/feed"
)

const (
	logMsgDecodeFailed  = "bad frame from client"
	logMsgSendFailed    = "send to client failed"
	logMsgSubscribed    = "client subscribed"
	logMsgUnsubscribed  = "client unsubscribed"
	logMsgSubFailed     = "client subscription failed"
	logMsgSessionClosed = "session closed"
	logAttrSession      = "session"
	logAttrID           = "id"
	logAttrType         = "type"
	logAttrPath         = "path"
	logAttrReleased     = "released"
)

var errExpectMismatch = errors.New("current value does not match expected value")

// SendFunc delivers one frame to the client. It may be called from any
// goroutine and must serialise writes itself.
type SendFunc func(Message) error

// Session serves the protocol for one client connection against a store.
// Handle may be called concurrently with store events; Close releases every
// subscription the client still holds.
type Session struct {
	id    string
	store feed.Store
	reg   *Registry
	send  SendFunc
	now   func() time.Time
	log   *zap.Logger

	mu     sync.Mutex
	subs   map[string]string // client id -> registry id
	closed bool
}

func NewSession(store feed.Store, reg *Registry, send SendFunc, log *zap.Logger) *Session {
	id := uuid.NewString()
	if log == nil {
		log = zap.L()
	}
	return &Session{
		id:    id,
		store: store,
		reg:   reg,
		send:  send,
		now:   time.Now,
		log:   log.With(zap.String(logAttrSession, id)),
		subs:  make(map[string]string),
	}
}

func (s *Session) ID() string { return s.id }

// Handle decodes and serves one client frame.
func (s *Session) Handle(ctx context.Context, raw []byte) {
	msg, err := DecodeMessage(raw)
	if err != nil {
		s.log.Warn(logMsgDecodeFailed, zap.Error(err))
		s.reply(Errorf("", CodeBadRequest, "%v", err))
		return
	}
	s.Dispatch(ctx, msg)
}

// Dispatch serves one decoded client frame.
func (s *Session) Dispatch(ctx context.Context, msg Message) {
	switch msg.Type {
	case TypePing:
		s.reply(Message{Type: TypePong, ID: msg.ID})

	case TypeSubscribeValue, TypeSubscribeRange:
		s.subscribe(msg)

	case TypeUnsubscribe:
		s.unsubscribe(msg.ID)
		s.reply(Message{Type: TypeAck, ID: msg.ID})

	case TypeWrite:
		if err := s.store.Write(ctx, msg.Path, msg.Value); err != nil {
			s.reply(Errorf(msg.ID, codeFor(err), "write %s: %v", msg.Path, err))
			return
		}
		s.reply(Message{Type: TypeAck, ID: msg.ID})

	case TypeGet:
		raw, err := feed.Get(ctx, s.store, msg.Path)
		if err != nil {
			s.reply(Errorf(msg.ID, codeFor(err), "get %s: %v", msg.Path, err))
			return
		}
		s.reply(Message{Type: TypeAck, ID: msg.ID, Value: raw})

	case TypeCAS:
		err := s.store.TransactionalUpdate(ctx, msg.Path, func(current json.RawMessage) (any, error) {
			if !SameJSON(current, msg.Expect) {
				return nil, errExpectMismatch
			}
			return msg.Value, nil
		})
		if err != nil {
			s.reply(Errorf(msg.ID, codeFor(err), "cas %s: %v", msg.Path, err))
			return
		}
		s.reply(Message{Type: TypeAck, ID: msg.ID})

	default:
		s.reply(Errorf(msg.ID, CodeBadRequest, "unknown message type %q", msg.Type))
	}
}

func (s *Session) subscribe(msg Message) {
	if msg.ID == "" {
		s.reply(Errorf("", CodeBadRequest, "%s requires an id", msg.Type))
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if _, dup := s.subs[msg.ID]; dup {
		s.mu.Unlock()
		s.reply(Errorf(msg.ID, CodeBadRequest, "subscription id %q already in use", msg.ID))
		return
	}
	sub := &Subscription{
		ID:       uuid.NewString(),
		Session:  s.id,
		ClientID: msg.ID,
		Kind:     msg.Type,
		Path:     msg.Path,
		OrderBy:  msg.OrderBy,
		Limit:    msg.Limit,
		Since:    s.now(),
	}
	s.subs[msg.ID] = sub.ID
	s.reg.Add(sub)
	s.mu.Unlock()

	var (
		handle feed.Subscription
		err    error
	)
	if msg.Type == TypeSubscribeValue {
		handle, err = s.store.SubscribeValue(msg.Path, &valueSink{s: s, id: msg.ID})
	} else {
		handle, err = s.store.SubscribeRange(msg.Query(), &rangeSink{s: s, id: msg.ID})
	}
	if err != nil {
		s.forget(msg.ID)
		s.reply(Errorf(msg.ID, codeFor(err), "subscribe %s: %v", msg.Path, err))
		return
	}

	if !s.reg.Attach(sub.ID, handle) {
		// failed or unsubscribed while opening
		handle.Cancel()
		return
	}

	s.log.Debug(logMsgSubscribed,
		zap.String(logAttrID, msg.ID),
		zap.String(logAttrType, string(msg.Type)),
		zap.String(logAttrPath, msg.Path))
}

func (s *Session) unsubscribe(clientID string) {
	if s.forget(clientID) {
		s.log.Debug(logMsgUnsubscribed, zap.String(logAttrID, clientID))
	}
}

// forget removes the client subscription and cancels its store handle.
func (s *Session) forget(clientID string) bool {
	s.mu.Lock()
	regID, ok := s.subs[clientID]
	delete(s.subs, clientID)
	s.mu.Unlock()
	if !ok {
		return false
	}
	s.reg.Remove(regID)
	return true
}

func (s *Session) failed(clientID string, err error) {
	s.log.Warn(logMsgSubFailed, zap.String(logAttrID, clientID), zap.Error(err))
	s.forget(clientID)
	s.reply(Errorf(clientID, CodeSubscription, "%v", err))
}

// Close cancels every subscription the session holds. Events still in
// flight are dropped.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	clear(s.subs)
	s.mu.Unlock()

	n := s.reg.RemoveSession(s.id)
	s.log.Debug(logMsgSessionClosed, zap.Int(logAttrReleased, n))
}

// event forwards a store event unless the subscription has gone away.
func (s *Session) event(msg Message) {
	s.mu.Lock()
	_, ok := s.subs[msg.ID]
	s.mu.Unlock()
	if !ok {
		return
	}
	s.reply(msg)
}

func (s *Session) reply(msg Message) {
	if err := s.send(msg); err != nil {
		s.log.Debug(logMsgSendFailed, zap.String(logAttrType, string(msg.Type)), zap.Error(err))
	}
}

func codeFor(err error) string {
	switch {
	case errors.Is(err, errExpectMismatch):
		return CodeConflict
	case errors.Is(err, feed.ErrInvalidPath), errors.Is(err, feed.ErrInvalidLimit):
		return CodeBadRequest
	default:
		return CodeInternal
	}
}

type valueSink struct {
	s  *Session
	id string
}

func (v *valueSink) Value(raw json.RawMessage) {
	v.s.event(Message{Type: TypeValue, ID: v.id, Value: raw})
}

func (v *valueSink) Fail(err error) { v.s.failed(v.id, err) }

type rangeSink struct {
	s  *Session
	id string
}

func (r *rangeSink) Insert(key string, raw json.RawMessage, prevKey string) {
	r.s.event(Message{Type: TypeInsert, ID: r.id, Key: key, Value: raw, PrevKey: prevKey})
}

func (r *rangeSink) Remove(key string) {
	r.s.event(Message{Type: TypeRemove, ID: r.id, Key: key})
}

func (r *rangeSink) Update(key string, raw json.RawMessage) {
	r.s.event(Message{Type: TypeUpdate, ID: r.id, Key: key, Value: raw})
}

func (r *rangeSink) Move(key string, prevKey string) {
	r.s.event(Message{Type: TypeMove, ID: r.id, Key: key, PrevKey: prevKey})
}

func (r *rangeSink) Loaded() {
	r.s.event(Message{Type: TypeLoaded, ID: r.id})
}

func (r *rangeSink) Fail(err error) { r.s.failed(r.id, err) }
