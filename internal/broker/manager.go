package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	amqp091 "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/smile-health/interop/internal/config"
	"github.com/smile-health/interop/internal/logging"
)

// State is the connection lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateError        State = "error"
	StateClosing      State = "closing"
	StateClosed       State = "closed"
)

// ErrNotConnected is returned by channel operations while the manager is
// not in the connected state.
var ErrNotConnected = errors.New("broker: not connected")

// Health is a point-in-time view of the connection.
type Health struct {
	State             State         `json:"state"`
	Uptime            time.Duration `json:"uptime"`
	ReconnectAttempts int           `json:"reconnectAttempts"`
	LastError         string        `json:"lastError,omitempty"`
	ActiveChannels    int           `json:"activeChannels"`
}

// Manager owns the single AMQP connection and an indexed set of channels.
// At most one connection attempt is in flight at a time; unexpected failures
// trigger a bounded exponential-backoff reconnect schedule with at most one
// pending timer.
type Manager struct {
	url string
	cfg config.ReconnectConfig

	mu            sync.Mutex
	state         State
	conn          *amqp091.Connection
	channels      map[int]*amqp091.Channel
	nextChannelID int
	connectedAt   time.Time
	attempts      int
	lastErr       error
	timer         *time.Timer

	emitter *Emitter

	dial func(url string) (*amqp091.Connection, error)
}

// NewManager creates a connection manager. Connect must be called before
// channels can be obtained.
func NewManager(cfg config.BrokerConfig) *Manager {
	rc := cfg.Reconnect
	rc.ApplyDefaults()
	return &Manager{
		url:      cfg.URL,
		cfg:      rc,
		state:    StateDisconnected,
		channels: make(map[int]*amqp091.Channel),
		emitter:  NewEmitter(),
		dial:     amqp091.Dial,
	}
}

// On registers a lifecycle event handler and returns its registration id.
func (m *Manager) On(event EventType, handler Handler) int {
	return m.emitter.On(event, handler)
}

// Off removes a previously registered handler.
func (m *Manager) Off(event EventType, id int) {
	m.emitter.Off(event, id)
}

// Connect establishes the connection. It is idempotent while already
// connected or connecting.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case StateConnected, StateConnecting, StateReconnecting:
		m.mu.Unlock()
		return nil
	case StateClosing, StateClosed:
		m.mu.Unlock()
		return fmt.Errorf("broker: manager is closed")
	}
	m.state = StateConnecting
	m.mu.Unlock()

	if err := m.attemptConnect(); err != nil {
		m.mu.Lock()
		m.state = StateReconnecting
		m.lastErr = err
		m.mu.Unlock()
		m.scheduleReconnect()
		return err
	}
	return nil
}

// attemptConnect dials once and, on success, installs the connection.
func (m *Manager) attemptConnect() error {
	conn, err := m.dial(m.url)
	if err != nil {
		logging.Warn("broker connect failed",
			zap.String("url", logging.SanitizeURL(m.url)),
			zap.Error(err),
		)
		m.emitter.Emit(Event{Type: EventError, Err: err})
		return fmt.Errorf("broker: connect failed: %w", err)
	}

	m.mu.Lock()
	m.conn = conn
	m.state = StateConnected
	m.connectedAt = time.Now()
	m.attempts = 0
	m.lastErr = nil
	m.mu.Unlock()

	go m.watchConnection(conn)

	logging.Info("broker connected", zap.String("url", logging.SanitizeURL(m.url)))
	m.emitter.Emit(Event{Type: EventConnected})
	return nil
}

// watchConnection blocks until the connection closes, then reacts.
func (m *Manager) watchConnection(conn *amqp091.Connection) {
	closeErr := <-conn.NotifyClose(make(chan *amqp091.Error, 1))

	m.mu.Lock()
	if m.conn != conn {
		m.mu.Unlock()
		return
	}
	graceful := closeErr == nil || m.state == StateClosing || m.state == StateClosed
	if graceful {
		m.mu.Unlock()
		m.emitter.Emit(Event{Type: EventDisconnected, Graceful: true})
		return
	}

	m.lastErr = closeErr
	m.state = StateReconnecting
	m.closeChannelsLocked()
	m.conn = nil
	m.mu.Unlock()

	logging.Warn("broker connection lost", zap.Error(closeErr))
	m.emitter.Emit(Event{Type: EventDisconnected, Graceful: false, Err: closeErr})
	m.scheduleReconnect()
}

// scheduleReconnect arms the single reconnect timer using the backoff
// schedule. Exceeding max attempts moves the manager to the error state.
func (m *Manager) scheduleReconnect() {
	m.mu.Lock()
	if m.state != StateReconnecting || m.timer != nil {
		m.mu.Unlock()
		return
	}

	m.attempts++
	attempt := m.attempts
	if limit := m.cfg.AttemptLimit(); limit > 0 && attempt > limit {
		m.state = StateError
		lastErr := m.lastErr
		m.mu.Unlock()
		logging.Error("broker reconnect attempts exhausted",
			zap.Int("attempts", attempt-1),
			zap.Error(lastErr),
		)
		m.emitter.Emit(Event{Type: EventReconnectFailed, Attempt: attempt - 1, Err: lastErr})
		return
	}

	delay := m.nextDelay(attempt)
	m.timer = time.AfterFunc(delay, m.reconnect)
	m.mu.Unlock()

	logging.Info("broker reconnect scheduled",
		zap.Int("attempt", attempt),
		zap.Duration("delay", delay),
	)
	m.emitter.Emit(Event{Type: EventReconnecting, Attempt: attempt, Delay: delay})
}

// nextDelay computes min(initial × multiplier^(n−1), max) with uniform
// jitter, using the backoff schedule primed to the current attempt.
func (m *Manager) nextDelay(attempt int) time.Duration {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.cfg.InitialDelay
	bo.MaxInterval = m.cfg.MaxDelay
	bo.Multiplier = m.cfg.Multiplier
	bo.RandomizationFactor = m.cfg.JitterFactor
	bo.MaxElapsedTime = 0
	bo.Reset()

	var delay time.Duration
	for i := 0; i < attempt; i++ {
		delay = bo.NextBackOff()
	}
	return delay
}

// reconnect is the timer callback: one attempt, then either success or the
// next schedule.
func (m *Manager) reconnect() {
	m.mu.Lock()
	m.timer = nil
	if m.state != StateReconnecting {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	if err := m.attemptConnect(); err != nil {
		m.mu.Lock()
		m.lastErr = err
		m.mu.Unlock()
		m.scheduleReconnect()
	}
}

// Channel opens a new channel and registers it under a fresh id.
func (m *Manager) Channel() (int, *amqp091.Channel, error) {
	return m.newChannel(false)
}

// ConfirmChannel opens a channel in publisher-confirm mode.
func (m *Manager) ConfirmChannel() (int, *amqp091.Channel, error) {
	return m.newChannel(true)
}

func (m *Manager) newChannel(confirm bool) (int, *amqp091.Channel, error) {
	m.mu.Lock()
	if m.state != StateConnected || m.conn == nil {
		m.mu.Unlock()
		return 0, nil, ErrNotConnected
	}
	conn := m.conn
	m.mu.Unlock()

	ch, err := conn.Channel()
	if err != nil {
		return 0, nil, fmt.Errorf("broker: channel open failed: %w", err)
	}
	if confirm {
		if err := ch.Confirm(false); err != nil {
			ch.Close()
			return 0, nil, fmt.Errorf("broker: confirm mode failed: %w", err)
		}
	}

	m.mu.Lock()
	m.nextChannelID++
	id := m.nextChannelID
	m.channels[id] = ch
	m.mu.Unlock()

	go m.watchChannel(id, ch)

	m.emitter.Emit(Event{Type: EventChannelCreated, ChannelID: id, Confirm: confirm})
	return id, ch, nil
}

// watchChannel evicts a channel from the registry when it closes. A channel
// error never touches the connection.
func (m *Manager) watchChannel(id int, ch *amqp091.Channel) {
	closeErr := <-ch.NotifyClose(make(chan *amqp091.Error, 1))

	m.mu.Lock()
	_, present := m.channels[id]
	delete(m.channels, id)
	m.mu.Unlock()

	if !present {
		return
	}
	if closeErr != nil {
		logging.Warn("broker channel closed with error",
			zap.Int("channel", id),
			zap.Error(closeErr),
		)
	}
	m.emitter.Emit(Event{Type: EventChannelClosed, ChannelID: id})
}

// ReleaseChannel closes a channel and removes it from the registry.
func (m *Manager) ReleaseChannel(id int) {
	m.mu.Lock()
	ch, ok := m.channels[id]
	delete(m.channels, id)
	m.mu.Unlock()

	if !ok {
		return
	}
	ch.Close()
	m.emitter.Emit(Event{Type: EventChannelClosed, ChannelID: id})
}

// Publish sends a message over a dedicated short-lived channel. Used by
// queue-destination republishing.
func (m *Manager) Publish(ctx context.Context, exchange, routingKey string, body []byte, msg amqp091.Publishing) error {
	m.mu.Lock()
	if m.state != StateConnected || m.conn == nil {
		m.mu.Unlock()
		return ErrNotConnected
	}
	conn := m.conn
	m.mu.Unlock()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("broker: publish channel failed: %w", err)
	}
	defer ch.Close()

	msg.Body = body
	if msg.ContentType == "" {
		msg.ContentType = "application/json"
	}
	if msg.MessageId == "" {
		msg.MessageId = uuid.NewString()
	}
	if err := ch.PublishWithContext(ctx, exchange, routingKey, false, false, msg); err != nil {
		return fmt.Errorf("broker: publish failed: %w", err)
	}
	return nil
}

// Disconnect closes all channels and the connection gracefully.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	if m.state == StateClosed || m.state == StateClosing {
		m.mu.Unlock()
		return nil
	}
	m.state = StateClosing
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.closeChannelsLocked()
	conn := m.conn
	m.conn = nil
	m.state = StateClosed
	m.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	m.emitter.Emit(Event{Type: EventDisconnected, Graceful: true})
	logging.Info("broker disconnected")
	return err
}

// closeChannelsLocked closes and clears all registered channels.
// Caller holds m.mu.
func (m *Manager) closeChannelsLocked() {
	for id, ch := range m.channels {
		ch.Close()
		delete(m.channels, id)
	}
}

// Health returns a snapshot of the connection state.
func (m *Manager) Health() Health {
	m.mu.Lock()
	defer m.mu.Unlock()

	h := Health{
		State:             m.state,
		ReconnectAttempts: m.attempts,
		ActiveChannels:    len(m.channels),
	}
	if m.state == StateConnected {
		h.Uptime = time.Since(m.connectedAt)
	}
	if m.lastErr != nil {
		h.LastError = m.lastErr.Error()
	}
	return h
}

// IsHealthy reports whether the connection is up.
func (m *Manager) IsHealthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateConnected
}
