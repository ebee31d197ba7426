package pgpub

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
)

// listenCmd is a LISTEN/UNLISTEN command executed by the receive loop, which
// is the sole goroutine touching the pgx connection.
type listenCmd struct {
	sql    string
	result chan error
}

// notifyListener owns the dedicated LISTEN connection. Notifications are
// handed to dispatch; LISTEN/UNLISTEN are serialized through a command
// channel to avoid the "conn busy" race between WaitForNotification and Exec.
type notifyListener struct {
	connString string
	dispatch   func(channel, payload string)
	logger     *slog.Logger

	connMu sync.Mutex
	conn   *pgx.Conn

	channelsMu sync.RWMutex
	channels   map[string]bool

	cmdCh   chan listenCmd
	running atomic.Bool

	startMu    sync.Mutex
	cancelLoop context.CancelFunc
	loopDone   chan struct{}
}

func newNotifyListener(connString string, dispatch func(channel, payload string), logger *slog.Logger) *notifyListener {
	return &notifyListener{
		connString: connString,
		dispatch:   dispatch,
		logger:     logger,
		channels:   make(map[string]bool),
		cmdCh:      make(chan listenCmd, 16),
	}
}

// start establishes the LISTEN connection and receive loop once; later calls
// are no-ops.
func (l *notifyListener) start(ctx context.Context) error {
	l.startMu.Lock()
	defer l.startMu.Unlock()
	if l.running.Load() {
		return nil
	}

	conn, err := pgx.Connect(ctx, l.connString)
	if err != nil {
		return fmt.Errorf("pgpub: connect for listen: %w", err)
	}

	l.connMu.Lock()
	l.conn = conn
	l.connMu.Unlock()
	l.running.Store(true)

	// The loop outlives the attach that triggered it; it stops on stop().
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	l.cancelLoop = cancel
	l.loopDone = make(chan struct{})
	go func() {
		defer close(l.loopDone)
		l.receiveLoop(loopCtx)
	}()
	return nil
}

// subscribe issues LISTEN for the channel on the dedicated connection.
func (l *notifyListener) subscribe(ctx context.Context, channel string) error {
	l.channelsMu.Lock()
	if l.channels[channel] {
		l.channelsMu.Unlock()
		return nil
	}
	l.channelsMu.Unlock()

	if !l.running.Load() {
		return fmt.Errorf("listen connection not established")
	}

	if err := l.exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		return err
	}
	l.channelsMu.Lock()
	l.channels[channel] = true
	l.channelsMu.Unlock()
	return nil
}

// unsubscribe issues UNLISTEN for the channel.
func (l *notifyListener) unsubscribe(ctx context.Context, channel string) error {
	l.channelsMu.Lock()
	if !l.channels[channel] {
		l.channelsMu.Unlock()
		return nil
	}
	l.channelsMu.Unlock()

	if !l.running.Load() {
		return nil
	}

	if err := l.exec(ctx, "UNLISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		return err
	}
	l.channelsMu.Lock()
	delete(l.channels, channel)
	l.channelsMu.Unlock()
	return nil
}

// exec routes one command through the receive loop and awaits its result.
func (l *notifyListener) exec(ctx context.Context, sql string) error {
	cmd := listenCmd{sql: sql, result: make(chan error, 1)}
	select {
	case l.cmdCh <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.result:
		if err != nil {
			return fmt.Errorf("%s failed: %w", sql, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// receiveLoop waits for notifications and processes pending commands. It is
// the sole goroutine that touches the pgx connection.
func (l *notifyListener) receiveLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		l.processPendingCmds(ctx)

		l.connMu.Lock()
		conn := l.conn
		l.connMu.Unlock()
		if conn == nil {
			l.reconnect(ctx)
			continue
		}

		// Short wait timeout so pending LISTEN/UNLISTEN commands are
		// picked up promptly.
		waitCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		notification, err := conn.WaitForNotification(waitCtx)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if waitCtx.Err() != nil {
				continue
			}
			l.logger.Error("notify receive error", "error", err)
			l.reconnect(ctx)
			continue
		}

		l.dispatch(notification.Channel, notification.Payload)
	}
}

// processPendingCmds drains the command channel onto the connection.
func (l *notifyListener) processPendingCmds(ctx context.Context) {
	for {
		select {
		case cmd := <-l.cmdCh:
			l.connMu.Lock()
			conn := l.conn
			l.connMu.Unlock()
			if conn == nil {
				cmd.result <- fmt.Errorf("listen connection not established")
				continue
			}
			_, err := conn.Exec(ctx, cmd.sql)
			cmd.result <- err
		default:
			return
		}
	}
}

// reconnect re-establishes the connection with exponential backoff and
// re-issues every active LISTEN.
func (l *notifyListener) reconnect(ctx context.Context) {
	l.connMu.Lock()
	defer l.connMu.Unlock()

	if l.conn != nil {
		_ = l.conn.Close(ctx)
		l.conn = nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Second
	policy.MaxInterval = 30 * time.Second
	policy.MaxElapsedTime = 0

	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(policy.NextBackOff()):
		}

		conn, err := pgx.Connect(ctx, l.connString)
		if err != nil {
			l.logger.Error("listen reconnect failed", "error", err)
			continue
		}
		l.conn = conn

		l.channelsMu.RLock()
		for ch := range l.channels {
			if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{ch}.Sanitize()); err != nil {
				l.logger.Error("re-listen failed", "channel", ch, "error", err)
			}
		}
		l.channelsMu.RUnlock()

		l.logger.Info("listen connection reestablished")
		return
	}
}

// stop exits the receive loop, waits for it, then closes the connection.
func (l *notifyListener) stop(ctx context.Context) {
	l.startMu.Lock()
	defer l.startMu.Unlock()
	if !l.running.Load() {
		return
	}
	l.running.Store(false)

	if l.cancelLoop != nil {
		l.cancelLoop()
	}
	if l.loopDone != nil {
		<-l.loopDone
	}

	l.connMu.Lock()
	defer l.connMu.Unlock()
	if l.conn != nil {
		_ = l.conn.Close(ctx)
		l.conn = nil
	}
}
