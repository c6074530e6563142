// Package ami implements a minimal Asterisk Manager Interface client: enough
// to log in, dispatch recording-lifecycle events to registered handlers, and
// keep the connection alive across restarts. Adapted from the ARA stack's
// AMI manager, trimmed to the subset this agent's Recording Tracker needs.
package ami

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hamzaKhattat/asterisk-call-agent/pkg/errors"
	"github.com/hamzaKhattat/asterisk-call-agent/pkg/logger"
)

// Manager handles one Asterisk Manager Interface connection.
type Manager struct {
	config Config
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer

	mu        sync.RWMutex
	connected bool
	loggedIn  bool

	eventChan     chan Event
	handlersMu    sync.RWMutex
	eventHandlers map[string][]EventHandler

	actionID       uint64
	pendingActions map[string]chan Event
	actionMutex    sync.Mutex

	shutdown      chan struct{}
	reconnectChan chan struct{}
	wg            sync.WaitGroup

	totalEvents   uint64
	totalActions  uint64
	failedActions uint64
}

// Config holds AMI connection configuration.
type Config struct {
	Host              string
	Port              int
	Username          string
	Password          string
	ReconnectInterval time.Duration
	PingInterval      time.Duration
	ActionTimeout     time.Duration
	BufferSize        int
}

// Event represents an AMI event or action response as a flat key/value map.
type Event map[string]string

// EventHandler handles one dispatched AMI event.
type EventHandler func(event Event)

// Action represents an AMI action request.
type Action struct {
	Action   string
	ActionID string
	Fields   map[string]string
}

// NewManager creates an AMI manager with defaults filled in.
func NewManager(config Config) *Manager {
	if config.Port == 0 {
		config.Port = 5038
	}
	if config.ReconnectInterval == 0 {
		config.ReconnectInterval = 5 * time.Second
	}
	if config.PingInterval == 0 {
		config.PingInterval = 30 * time.Second
	}
	if config.ActionTimeout == 0 {
		config.ActionTimeout = 10 * time.Second
	}
	if config.BufferSize == 0 {
		config.BufferSize = 1000
	}

	return &Manager{
		config:         config,
		eventChan:      make(chan Event, config.BufferSize),
		eventHandlers:  make(map[string][]EventHandler),
		pendingActions: make(map[string]chan Event),
		shutdown:       make(chan struct{}),
		reconnectChan:  make(chan struct{}, 1),
	}
}

// Connect dials the AMI port, logs in, and starts the background event
// reader, ping loop, and reconnect handler.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.connected {
		return nil
	}

	addr := fmt.Sprintf("%s:%d", m.config.Host, m.config.Port)
	logger.WithField("addr", addr).Info("connecting to Asterisk AMI")

	dialer := net.Dialer{Timeout: 10 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return errors.Wrap(err, errors.ErrAMIConnection, "failed to connect to AMI")
	}

	m.conn = conn
	m.reader = bufio.NewReader(conn)
	m.writer = bufio.NewWriter(conn)

	banner, err := m.reader.ReadString('\n')
	if err != nil {
		conn.Close()
		return errors.Wrap(err, errors.ErrAMIConnection, "failed to read AMI banner")
	}
	if !strings.Contains(banner, "Asterisk Call Manager") {
		conn.Close()
		return errors.New(errors.ErrAMIConnection, fmt.Sprintf("invalid AMI banner: %s", banner))
	}

	m.connected = true

	if err := m.login(); err != nil {
		m.closeLocked()
		return err
	}

	m.wg.Add(3)
	go m.eventReader()
	go m.eventDispatcher()
	go m.pingLoop()
	m.wg.Add(1)
	go m.reconnectHandler()

	logger.Info("connected to Asterisk AMI")
	return nil
}

// Close tears down the connection and waits (bounded) for goroutines to
// drain.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closeLocked()
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("AMI manager closed gracefully")
	case <-time.After(5 * time.Second):
		logger.Warn("AMI manager close timeout")
	}
}

func (m *Manager) closeLocked() {
	if !m.connected {
		return
	}
	select {
	case <-m.shutdown:
	default:
		close(m.shutdown)
	}
	if m.conn != nil {
		m.conn.Close()
	}
	m.connected = false
	m.loggedIn = false
}

func (m *Manager) login() error {
	action := Action{
		Action: "Login",
		Fields: map[string]string{
			"Username": m.config.Username,
			"Secret":   m.config.Password,
		},
	}

	response, err := m.sendActionLocked(action)
	if err != nil {
		return errors.Wrap(err, errors.ErrAMIConnection, "AMI login failed")
	}
	if response["Response"] != "Success" {
		return errors.New(errors.ErrAMIConnection, "AMI login rejected")
	}

	m.loggedIn = true
	return nil
}

// SendAction sends an AMI action and waits for its matching response.
func (m *Manager) SendAction(action Action) (Event, error) {
	m.mu.RLock()
	connected, loggedIn := m.connected, m.loggedIn
	m.mu.RUnlock()
	if !connected || !loggedIn {
		return nil, errors.New(errors.ErrAMIConnection, "not connected to AMI")
	}
	return m.sendActionLocked(action)
}

// sendActionLocked writes the action frame; unlike SendAction it may be
// called during login, before m.loggedIn is set.
func (m *Manager) sendActionLocked(action Action) (Event, error) {
	actionID := fmt.Sprintf("%d", atomic.AddUint64(&m.actionID, 1))
	action.ActionID = actionID

	responseChan := make(chan Event, 1)
	m.actionMutex.Lock()
	m.pendingActions[actionID] = responseChan
	m.actionMutex.Unlock()

	defer func() {
		m.actionMutex.Lock()
		delete(m.pendingActions, actionID)
		m.actionMutex.Unlock()
	}()

	var lines []string
	lines = append(lines, fmt.Sprintf("Action: %s", action.Action))
	lines = append(lines, fmt.Sprintf("ActionID: %s", actionID))
	for key, value := range action.Fields {
		lines = append(lines, fmt.Sprintf("%s: %s", key, value))
	}
	lines = append(lines, "", "")

	actionStr := strings.Join(lines, "\r\n")
	if _, err := m.writer.WriteString(actionStr); err != nil {
		return nil, errors.Wrap(err, errors.ErrAMIConnection, "failed to write AMI action")
	}
	if err := m.writer.Flush(); err != nil {
		return nil, errors.Wrap(err, errors.ErrAMIConnection, "failed to flush AMI action")
	}

	atomic.AddUint64(&m.totalActions, 1)

	select {
	case response := <-responseChan:
		return response, nil
	case <-time.After(m.config.ActionTimeout):
		atomic.AddUint64(&m.failedActions, 1)
		return nil, errors.New(errors.ErrAMITimeout, "AMI action timeout")
	}
}

func (m *Manager) eventReader() {
	defer m.wg.Done()

	for {
		select {
		case <-m.shutdown:
			return
		default:
		}

		event, err := m.readEvent()
		if err != nil {
			if !strings.Contains(err.Error(), "use of closed network connection") {
				logger.WithError(err).Error("failed to read AMI event")
			}
			select {
			case m.reconnectChan <- struct{}{}:
			default:
			}
			return
		}

		if event == nil {
			continue
		}
		atomic.AddUint64(&m.totalEvents, 1)

		if actionID, ok := event["ActionID"]; ok {
			m.actionMutex.Lock()
			if ch, exists := m.pendingActions[actionID]; exists {
				select {
				case ch <- event:
				default:
				}
			}
			m.actionMutex.Unlock()
		}

		select {
		case m.eventChan <- event:
		case <-time.After(time.Second):
			logger.Warn("AMI event channel full, dropping event")
		}
	}
}

// eventDispatcher fans queued events out to handlers registered for their
// "Event" field, and to wildcard ("*") handlers for everything.
func (m *Manager) eventDispatcher() {
	defer m.wg.Done()
	for {
		select {
		case <-m.shutdown:
			return
		case event := <-m.eventChan:
			eventType := event["Event"]
			m.handlersMu.RLock()
			handlers := append([]EventHandler{}, m.eventHandlers[eventType]...)
			handlers = append(handlers, m.eventHandlers["*"]...)
			m.handlersMu.RUnlock()
			for _, h := range handlers {
				h(event)
			}
		}
	}
}

func (m *Manager) readEvent() (Event, error) {
	event := make(Event)

	for {
		line, err := m.reader.ReadString('\n')
		if err != nil {
			return nil, err
		}

		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if len(event) > 0 {
				return event, nil
			}
			continue
		}

		parts := strings.SplitN(line, ":", 2)
		if len(parts) == 2 {
			key := strings.TrimSpace(parts[0])
			value := strings.TrimSpace(parts[1])
			event[key] = value
		}
	}
}

func (m *Manager) pingLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.shutdown:
			return
		case <-ticker.C:
			if _, err := m.SendAction(Action{Action: "Ping"}); err != nil {
				logger.WithError(err).Warn("AMI ping failed")
			}
		}
	}
}

func (m *Manager) reconnectHandler() {
	defer m.wg.Done()

	for {
		select {
		case <-m.shutdown:
			return
		case <-m.reconnectChan:
			logger.Info("AMI reconnection triggered")

			m.mu.Lock()
			m.connected = false
			m.loggedIn = false
			if m.conn != nil {
				m.conn.Close()
			}
			m.mu.Unlock()

			time.Sleep(m.config.ReconnectInterval)

			if err := m.Connect(context.Background()); err != nil {
				logger.WithError(err).Error("AMI reconnection failed")
				select {
				case m.reconnectChan <- struct{}{}:
				default:
				}
			}
		}
	}
}

// RegisterEventHandler registers a handler for a specific AMI event name
// (e.g. "MixMonitorStart"), or "*" for every event.
func (m *Manager) RegisterEventHandler(eventType string, handler EventHandler) {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	m.eventHandlers[eventType] = append(m.eventHandlers[eventType], handler)
}

// GetStats returns connection and traffic counters, surfaced via agentctl
// and the health checker.
func (m *Manager) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"total_events":   atomic.LoadUint64(&m.totalEvents),
		"total_actions":  atomic.LoadUint64(&m.totalActions),
		"failed_actions": atomic.LoadUint64(&m.failedActions),
		"connected":      m.IsConnected(),
		"logged_in":      m.IsLoggedIn(),
	}
}

func (m *Manager) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

func (m *Manager) IsLoggedIn() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loggedIn
}
