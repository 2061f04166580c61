// Package push maintains the persistent websocket channel the backend
// uses to notify the client of file changes, and translates inbound
// frames into state-store mutations.
package push

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/mfinley/docsync/internal/auth"
	apperrors "github.com/mfinley/docsync/internal/errors"
)

const (
	// maxReconnectAttempts is how many automatic reconnects are tried
	// before giving up and surfacing NotificationRealtimeLost.
	maxReconnectAttempts = 5

	// backoffBase is the unit of the exponential reconnect delay:
	// min(2^attempt * backoffBase, cap).
	backoffBase = time.Second

	defaultReconnectCap = 30 * time.Second

	// readLimit bounds inbound frame size.
	readLimit = 1 * 1024 * 1024

	// messageBuffer is the capacity of the inbound frame channel
	// consumed by the dispatcher.
	messageBuffer = 64
)

// wsConn abstracts the websocket connection so Manager can be tested
// without a real server. *websocket.Conn satisfies this interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// DialFunc opens a websocket connection to url.
type DialFunc func(ctx context.Context, url string) (wsConn, error)

func defaultDial(ctx context.Context, url string) (wsConn, error) {
	conn, _, err := websocket.Dial(ctx, url, nil) //nolint:bodyclose // websocket.Dial closes the response body internally
	if err != nil {
		return nil, err
	}

	conn.SetReadLimit(readLimit)

	return conn, nil
}

// ManagerConfig holds the parameters for a push channel.
type ManagerConfig struct {
	Host         string
	Secure       bool
	Session      *auth.Session
	ReconnectCap time.Duration
	Notifier     *Notifier

	// OnStatus, if set, is invoked on every status transition. It runs
	// on the manager's goroutines and must not call back into Manager.
	OnStatus func(Status)

	// Dial overrides the websocket dialer. Nil uses the real one.
	Dial DialFunc
}

// Manager owns the single logical push connection: open, authenticate,
// reconnect with backoff, deliberate close. The socket handle, the
// attempt counter, and the retry timer are owned exclusively by the
// Manager; all lifecycle changes go through Connect and Disconnect.
type Manager struct {
	host         string
	secure       bool
	reconnectCap time.Duration
	notifier     *Notifier
	onStatus     func(Status)
	dial         DialFunc
	logger       *slog.Logger

	// messages carries raw inbound frames to the dispatcher.
	messages chan []byte

	mu       sync.Mutex
	session  *auth.Session
	status   Status
	lastErr  error
	attempts int

	// gen identifies the legitimate socket. Every connect attempt and
	// every Disconnect bumps it; callbacks carrying a stale gen are
	// no-ops, so a close handler firing after a deliberate teardown
	// cannot revive a dead connection.
	gen int

	conn       wsConn
	connCancel context.CancelFunc
	retryTimer *time.Timer

	// baseCtx is the context of the most recent explicit Connect; the
	// retry timer dials with it.
	baseCtx context.Context

	// exhaustedNotified guards the one-shot realtime-lost notification
	// per exhaustion.
	exhaustedNotified bool
}

// NewManager creates a Manager. It starts disconnected.
func NewManager(cfg ManagerConfig, logger *slog.Logger) *Manager {
	if cfg.ReconnectCap <= 0 {
		cfg.ReconnectCap = defaultReconnectCap
	}

	if cfg.Dial == nil {
		cfg.Dial = defaultDial
	}

	return &Manager{
		host:         cfg.Host,
		secure:       cfg.Secure,
		reconnectCap: cfg.ReconnectCap,
		notifier:     cfg.Notifier,
		onStatus:     cfg.OnStatus,
		dial:         cfg.Dial,
		logger:       logger,
		messages:     make(chan []byte, messageBuffer),
		session:      cfg.Session,
		status:       StatusDisconnected,
		baseCtx:      context.Background(),
	}
}

// Messages is the inbound frame channel the dispatcher consumes.
func (m *Manager) Messages() <-chan []byte {
	return m.messages
}

// Status returns the current connection state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.status
}

// LastError returns the most recent connection error, if any.
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.lastErr
}

// SetSession installs the active session. nil disconnects and gates
// future Connect calls off.
func (m *Manager) SetSession(s *auth.Session) {
	if s == nil {
		m.Disconnect()
	}

	m.mu.Lock()
	m.session = s
	m.mu.Unlock()
}

// Connect opens the push channel. It is idempotent while a socket is
// connecting or open, and a no-op without a session. An explicit
// Connect starts a fresh attempt budget.
func (m *Manager) Connect(ctx context.Context) {
	m.mu.Lock()

	if m.session == nil {
		m.mu.Unlock()
		m.logger.Debug("connect ignored: no session")

		return
	}

	if m.status == StatusConnecting || m.status == StatusConnected {
		m.mu.Unlock()
		return
	}

	m.stopRetryTimerLocked()
	m.attempts = 0
	m.exhaustedNotified = false
	m.baseCtx = ctx
	m.gen++
	myGen := m.gen
	sess := m.session
	m.setStatusLocked(StatusConnecting)
	m.mu.Unlock()

	m.establish(ctx, myGen, sess)
}

// Disconnect deliberately tears the channel down: cancels any pending
// reconnect, forces the attempt counter to its maximum so no automatic
// reconnect survives, closes the socket, and goes disconnected.
func (m *Manager) Disconnect() {
	m.mu.Lock()

	m.gen++ // invalidate in-flight dials and stale socket callbacks
	m.attempts = maxReconnectAttempts
	m.stopRetryTimerLocked()

	if m.connCancel != nil {
		m.connCancel()
		m.connCancel = nil
	}

	conn := m.conn
	m.conn = nil
	m.setStatusLocked(StatusDisconnected)
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}
}

// url builds the push endpoint for the session principal. The scheme
// mirrors the API scheme: wss when the backend is served over TLS.
func (m *Manager) url(principalID string) string {
	scheme := "ws"
	if m.secure {
		scheme = "wss"
	}

	return fmt.Sprintf("%s://%s/ws/%s", scheme, m.host, principalID)
}

// reconnect is the retry-timer path. It keeps the reconnecting status
// instead of re-entering connecting, and gives up silently if a
// Disconnect or explicit Connect happened since it was scheduled.
func (m *Manager) reconnect() {
	m.mu.Lock()

	if m.status != StatusReconnecting || m.session == nil {
		m.mu.Unlock()
		return
	}

	m.gen++
	myGen := m.gen
	sess := m.session
	ctx := m.baseCtx
	m.mu.Unlock()

	m.establish(ctx, myGen, sess)
}

// establish performs one dial + handshake attempt for generation
// myGen. Any outcome for a superseded generation is discarded.
func (m *Manager) establish(ctx context.Context, myGen int, sess *auth.Session) {
	token, err := sess.Tokens.Token(ctx)
	if err != nil {
		m.connectFailed(myGen, fmt.Errorf("obtaining token: %w", err))
		return
	}

	url := m.url(sess.PrincipalID)
	m.logger.Debug("dialing push channel", slog.String("url", url))

	conn, err := m.dial(ctx, url)
	if err != nil {
		m.connectFailed(myGen, fmt.Errorf("dialing websocket: %w", err))
		return
	}

	frame, err := json.Marshal(authFrame{Type: "auth", Token: token})
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "auth marshal failed")
		m.connectFailed(myGen, fmt.Errorf("marshalling auth frame: %w", err))

		return
	}

	if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "auth send failed")
		m.connectFailed(myGen, fmt.Errorf("sending auth frame: %w", err))

		return
	}

	m.mu.Lock()

	if m.gen != myGen {
		// Disconnect or a newer attempt superseded this socket while
		// the dial was in flight.
		m.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "superseded")

		return
	}

	m.conn = conn
	m.attempts = 0
	m.exhaustedNotified = false
	m.lastErr = nil
	m.setStatusLocked(StatusConnected)

	connCtx, cancel := context.WithCancel(ctx)
	m.connCancel = cancel
	m.mu.Unlock()

	m.logger.Info("push channel connected")

	go m.readLoop(connCtx, conn, myGen)
}

// readLoop feeds inbound frames to the dispatcher channel until the
// socket fails or the connection context is cancelled.
func (m *Manager) readLoop(ctx context.Context, conn wsConn, gen int) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			m.socketClosed(gen, err)
			return
		}

		select {
		case m.messages <- data:
		case <-ctx.Done():
			return
		}
	}
}

// socketClosed handles an unexpected close from the reader. Stale
// generations are ignored.
func (m *Manager) socketClosed(gen int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.gen {
		return // deliberate teardown or superseded socket
	}

	m.conn = nil

	if m.connCancel != nil {
		m.connCancel()
		m.connCancel = nil
	}

	m.logger.Warn("push channel closed", slog.String("error", err.Error()))
	m.scheduleReconnectLocked(err)
}

// connectFailed handles a failed dial or handshake attempt.
func (m *Manager) connectFailed(gen int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.gen {
		return
	}

	m.logger.Warn("push connect failed", slog.String("error", err.Error()))
	m.scheduleReconnectLocked(err)
}

// scheduleReconnectLocked either schedules the next attempt with
// exponential backoff or, when attempts are exhausted, goes
// disconnected and raises the one-shot realtime-lost notification.
// Caller holds m.mu.
func (m *Manager) scheduleReconnectLocked(cause error) {
	m.lastErr = cause

	if m.attempts >= maxReconnectAttempts {
		m.lastErr = fmt.Errorf("%w: %w", apperrors.ErrConnectionExhausted, cause)
		m.setStatusLocked(StatusDisconnected)

		if !m.exhaustedNotified {
			m.exhaustedNotified = true

			m.logger.Error("push channel gave up, real-time updates unavailable",
				slog.Int("attempts", maxReconnectAttempts),
			)

			if m.notifier != nil {
				m.notifier.Publish(Notification{Kind: NotificationRealtimeLost, Err: m.lastErr})
			}
		}

		return
	}

	m.attempts++
	delay := backoffDelay(m.attempts, m.reconnectCap)
	m.setStatusLocked(StatusReconnecting)

	m.logger.Info("scheduling reconnect",
		slog.Int("attempt", m.attempts),
		slog.Duration("delay", delay),
	)

	m.retryTimer = time.AfterFunc(delay, m.reconnect)
}

func (m *Manager) stopRetryTimerLocked() {
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
}

// setStatusLocked updates the status and fires the observer callback.
// Caller holds m.mu.
func (m *Manager) setStatusLocked(s Status) {
	if m.status == s {
		return
	}

	m.status = s

	if m.onStatus != nil {
		m.onStatus(s)
	}
}

// backoffDelay is min(2^attempt * backoffBase, limit) for attempt >= 1.
func backoffDelay(attempt int, limit time.Duration) time.Duration {
	d := backoffBase << attempt
	if d > limit {
		return limit
	}

	return d
}
