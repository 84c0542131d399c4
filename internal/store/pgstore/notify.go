package pgstore

import (
	"context"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

const (
	minReconnectInterval = 100 * time.Millisecond
	maxReconnectInterval = 10 * time.Second
	listenerPingInterval = 90 * time.Second
)

// PQNotifier listens on the documents trigger channel with a lib/pq
// listener, which reconnects on its own. After a reconnect it asks for a
// full refresh, since notifications sent while disconnected are lost.
type PQNotifier struct {
	DSN     string
	Channel string
	Log     *zap.Logger
}

// NewPQNotifier returns a notifier on the default channel.
func NewPQNotifier(dsn string) *PQNotifier {
	return &PQNotifier{DSN: dsn, Channel: Channel}
}

func (n *PQNotifier) Listen(ctx context.Context, fn func(collection string)) error {
	log := n.Log
	if log == nil {
		log = zap.L().Named("pq-listener")
	}
	channel := n.Channel
	if channel == "" {
		channel = Channel
	}

	l := pq.NewListener(n.DSN, minReconnectInterval, maxReconnectInterval, func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventConnectionAttemptFailed, pq.ListenerEventDisconnected:
			log.Warn("listener connection lost", zap.Error(err))
		case pq.ListenerEventReconnected:
			log.Info("listener reconnected")
		}
	})
	defer l.Close()

	if err := l.Listen(channel); err != nil {
		return err
	}
	log.Info("listening for document changes", zap.String("channel", channel))

	ping := time.NewTicker(listenerPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case note := <-l.Notify:
			if note == nil {
				// reconnected; anything sent in between is gone
				fn("")
				continue
			}
			fn(note.Extra)

		case <-ping.C:
			if err := l.Ping(); err != nil {
				log.Warn("listener ping failed", zap.Error(err))
			}
		}
	}
}
