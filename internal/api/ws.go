package api

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zoravur/live-mirror/internal/feed"
	"github.com/zoravur/live-mirror/internal/protocol"
)

const (
	defaultOutboxSize = 256
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	pingPeriod        = pongWait * 9 / 10
)

var errSlowClient = errors.New("client outbox full")

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WSHandler holds shared resources injected from app.Server.
type WSHandler struct {
	Store      feed.Store
	Registry   *protocol.Registry
	OutboxSize int
}

// HandleWS upgrades the connection and serves the protocol until the client
// goes away.
func (h *WSHandler) HandleWS(w http.ResponseWriter, r *http.Request) {
	log := L(r.Context())

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	size := h.OutboxSize
	if size <= 0 {
		size = defaultOutboxSize
	}
	out := newOutbox(size)

	sess := protocol.NewSession(h.Store, h.Registry, out.push, log)
	log = log.With(zap.String("session", sess.ID()))
	log.Info("websocket session opened")

	done := make(chan struct{})
	go func() {
		defer close(done)
		writePump(conn, out, log)
	}()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("websocket read failed", zap.Error(err))
			}
			break
		}
		sess.Handle(r.Context(), msg)
	}

	// cleanup on disconnect
	sess.Close()
	out.close()
	<-done
	log.Info("websocket session closed")
}

// outbox queues frames for the write pump. A client that falls a full
// outbox behind is disconnected: dropping events would corrupt its mirrors.
type outbox struct {
	mu     sync.Mutex
	ch     chan protocol.Message
	closed bool
	kicked chan struct{}
}

func newOutbox(size int) *outbox {
	return &outbox{ch: make(chan protocol.Message, size), kicked: make(chan struct{})}
}

func (o *outbox) push(m protocol.Message) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return websocket.ErrCloseSent
	}
	select {
	case o.ch <- m:
		return nil
	default:
		o.closed = true
		close(o.kicked)
		close(o.ch)
		return errSlowClient
	}
}

func (o *outbox) close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.closed {
		o.closed = true
		close(o.ch)
	}
}

func writePump(conn *websocket.Conn, out *outbox, log *zap.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-out.kicked:
			log.Warn("disconnecting slow client")
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, errSlowClient.Error()),
				time.Now().Add(writeWait))
			conn.Close()
			return

		case msg, ok := <-out.ch:
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(writeWait))
				conn.Close()
				return
			}
			b, err := protocol.EncodeMessage(msg)
			if err != nil {
				log.Error("encode frame failed", zap.Error(err))
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
				log.Debug("websocket write failed", zap.Error(err))
				conn.Close()
				return
			}

		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				conn.Close()
				return
			}
		}
	}
}
