package wal

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"go.uber.org/zap"
)

const (
	standbyMessageTimeout = 10 * time.Second
	listenerBuffer        = 100
	duplicateObject       = "42710"
)

// Broadcaster manages a set of listeners and broadcasts messages to them.
type Broadcaster struct {
	mu        sync.Mutex
	listeners map[chan []byte]struct{}
	log       *zap.Logger
}

func NewBroadcaster(log *zap.Logger) *Broadcaster {
	if log == nil {
		log = zap.L().Named("walstream")
	}
	return &Broadcaster{
		listeners: make(map[chan []byte]struct{}),
		log:       log,
	}
}

// AddListener registers a new channel to receive broadcasts.
func (b *Broadcaster) AddListener(listener chan []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners[listener] = struct{}{}
	b.log.Info("listener added", zap.Int("listeners", len(b.listeners)))
}

// RemoveListener unregisters a channel and closes it.
func (b *Broadcaster) RemoveListener(listener chan []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.listeners[listener]; !ok {
		return
	}
	delete(b.listeners, listener)
	close(listener)
	b.log.Info("listener removed", zap.Int("listeners", len(b.listeners)))
}

// Broadcast sends a message to all registered listeners. A listener whose
// buffer is full is dropped: it has missed a change and must reconnect,
// which makes its side re-read everything.
func (b *Broadcaster) Broadcast(msg []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for listener := range b.listeners {
		select {
		case listener <- msg:
		default:
			delete(b.listeners, listener)
			close(listener)
			b.log.Warn("listener too slow, dropped", zap.Int("listeners", len(b.listeners)))
		}
	}
}

// ReaderConfig describes the replication connection and slot.
type ReaderConfig struct {
	ConnString string // must carry replication=database
	Slot       string
	Tables     []string // wal2json add-tables filter, e.g. "*.documents"
}

// ReadReplication streams wal2json messages from the slot into b,
// reconnecting after errors until ctx is done.
func ReadReplication(ctx context.Context, cfg ReaderConfig, b *Broadcaster, retry time.Duration) error {
	for {
		err := readReplication(ctx, cfg, b)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b.log.Warn("replication connection error, reconnecting", zap.Error(err), zap.Duration("delay", retry))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retry):
		}
	}
}

func readReplication(ctx context.Context, cfg ReaderConfig, b *Broadcaster) error {
	log := b.log

	conn, err := pgconn.Connect(ctx, cfg.ConnString)
	if err != nil {
		return err
	}
	defer conn.Close(context.Background())

	sys, err := pglogrepl.IdentifySystem(ctx, conn)
	if err != nil {
		return err
	}
	log.Info("identified system",
		zap.String("system_id", sys.SystemID),
		zap.Int32("timeline", sys.Timeline),
		zap.Stringer("xlogpos", sys.XLogPos),
		zap.String("dbname", sys.DBName))

	_, err = pglogrepl.CreateReplicationSlot(ctx, conn, cfg.Slot, "wal2json", pglogrepl.CreateReplicationSlotOptions{})
	var pgErr *pgconn.PgError
	if err != nil && !(errors.As(err, &pgErr) && pgErr.Code == duplicateObject) {
		return fmt.Errorf("create slot %s: %w", cfg.Slot, err)
	}

	args := []string{`"format-version" '1'`}
	if len(cfg.Tables) > 0 {
		args = append(args, fmt.Sprintf(`"add-tables" '%s'`, strings.Join(cfg.Tables, ",")))
	}
	err = pglogrepl.StartReplication(ctx, conn, cfg.Slot, sys.XLogPos,
		pglogrepl.StartReplicationOptions{PluginArgs: args})
	if err != nil {
		return err
	}
	log.Info("logical replication started", zap.String("slot", cfg.Slot))

	var lastLSN pglogrepl.LSN
	nextStandbyMessageDeadline := time.Now().Add(standbyMessageTimeout)

	for {
		if time.Now().After(nextStandbyMessageDeadline) && lastLSN != 0 {
			err = pglogrepl.SendStandbyStatusUpdate(ctx, conn, pglogrepl.StandbyStatusUpdate{WALWritePosition: lastLSN})
			if err != nil {
				return fmt.Errorf("standby status update: %w", err)
			}
			log.Debug("sent standby status", zap.Stringer("lsn", lastLSN))
			nextStandbyMessageDeadline = time.Now().Add(standbyMessageTimeout)
		}

		recvCtx, cancel := context.WithDeadline(ctx, nextStandbyMessageDeadline)
		rawMsg, err := conn.ReceiveMessage(recvCtx)
		cancel()
		if err != nil {
			if ctx.Err() == nil && (errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err)) {
				continue
			}
			return err
		}

		if errMsg, ok := rawMsg.(*pgproto3.ErrorResponse); ok {
			return fmt.Errorf("replication error: %s", errMsg.Message)
		}

		msg, ok := rawMsg.(*pgproto3.CopyData)
		if !ok || len(msg.Data) == 0 {
			log.Debug("unexpected message", zap.String("type", fmt.Sprintf("%T", rawMsg)))
			continue
		}

		switch msg.Data[0] {
		case pglogrepl.PrimaryKeepaliveMessageByteID:
			pkm, err := pglogrepl.ParsePrimaryKeepaliveMessage(msg.Data[1:])
			if err != nil {
				log.Warn("bad keepalive", zap.Error(err))
				continue
			}
			if pkm.ServerWALEnd > lastLSN {
				lastLSN = pkm.ServerWALEnd
			}
			if pkm.ReplyRequested {
				nextStandbyMessageDeadline = time.Time{}
			}

		case pglogrepl.XLogDataByteID:
			xld, err := pglogrepl.ParseXLogData(msg.Data[1:])
			if err != nil {
				log.Warn("bad xlog data", zap.Error(err))
				continue
			}
			lastLSN = xld.WALStart + pglogrepl.LSN(len(xld.WALData))
			b.Broadcast(xld.WALData)
		}
	}
}

// Serve accepts TCP clients on l and streams every broadcast message to
// each of them, one JSON document per line, until ctx is done.
func Serve(ctx context.Context, l net.Listener, b *Broadcaster) error {
	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()

	b.log.Info("listening for client connections", zap.Stringer("addr", l.Addr()))
	for {
		client, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			b.log.Warn("accept failed", zap.Error(err))
			continue
		}
		go handleClient(ctx, client, b)
	}
}

// handleClient manages a single client's lifecycle.
func handleClient(ctx context.Context, c net.Conn, b *Broadcaster) {
	defer c.Close()
	log := b.log.With(zap.Stringer("client", c.RemoteAddr()))
	log.Info("client connected")

	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	messages := make(chan []byte, listenerBuffer)
	b.AddListener(messages)
	defer b.RemoveListener(messages)

	for msg := range messages {
		if _, err := c.Write(append(msg, '\n')); err != nil {
			log.Info("client write failed, disconnecting", zap.Error(err))
			return
		}
	}
}
