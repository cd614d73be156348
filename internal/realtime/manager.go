// Package realtime owns the single push connection to the chat backend. It
// exposes room-scoped reference-counted subscriptions and a typed inbound
// event stream, and re-establishes the connection with backoff when it drops.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/nexlance/chatsync/internal/models"
	"github.com/nexlance/chatsync/internal/observability"
)

// Frame types exchanged with the push channel.
const (
	TypeNewMessage = "new_message"
	TypeJoinRoom   = "join_room"
	TypeLeaveRoom  = "leave_room"
)

const (
	eventBufferSize    = 64
	initialBackoff     = 500 * time.Millisecond
	handshakeTimeout   = 10 * time.Second
	defaultMaxBackoff  = 30 * time.Second
	reconnectQueueSize = 1
)

// ErrNotConnected is returned when a room operation is attempted before
// Connect has succeeded.
var ErrNotConnected = errors.New("realtime: not connected")

// Inbound new_message frames must satisfy this shape before they are
// forwarded; anything else is dropped as a data-quality signal.
const newMessageSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["type", "room_id", "message"],
  "properties": {
    "type": {"const": "new_message"},
    "room_id": {"type": "string", "minLength": 1},
    "message": {
      "type": "object",
      "required": ["id", "created_at"],
      "properties": {
        "id": {"type": "string", "minLength": 1},
        "created_at": {"type": "string", "minLength": 1}
      }
    }
  }
}`

var newMessageFrame = jsonschema.MustCompileString("new_message.schema.json", newMessageSchema)

// Event is one inbound push delivery.
type Event struct {
	RoomID  string
	Message models.Message
}

type envelope struct {
	Type    string          `json:"type"`
	RoomID  string          `json:"room_id"`
	Message json.RawMessage `json:"message"`
}

type controlFrame struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
}

// Manager owns one logical realtime connection per client session.
type Manager struct {
	url        string
	token      string
	maxBackoff time.Duration
	logger     zerolog.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	subs      map[string]int

	writeMu sync.Mutex

	events     chan Event
	reconnects chan struct{}
	closed     chan struct{}
	closeOnce  sync.Once
}

// NewManager creates a manager for the given websocket endpoint.
func NewManager(url, token string, maxBackoff time.Duration, logger zerolog.Logger) *Manager {
	if maxBackoff <= 0 {
		maxBackoff = defaultMaxBackoff
	}

	return &Manager{
		url:        url,
		token:      token,
		maxBackoff: maxBackoff,
		logger:     logger.With().Str("component", "realtime").Logger(),
		subs:       make(map[string]int),
		events:     make(chan Event, eventBufferSize),
		reconnects: make(chan struct{}, reconnectQueueSize),
		closed:     make(chan struct{}),
	}
}

// Connect establishes the connection. Idempotent: repeated calls while
// connected are no-ops.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.connected {
		return nil
	}

	conn, err := m.dial(ctx)
	if err != nil {
		return err
	}

	m.conn = conn
	m.connected = true
	go m.readLoop(conn)

	m.logger.Info().Str("url", m.url).Msg("realtime connection established")
	return nil
}

// JoinRoom adds a subscription for the room. The join control frame is sent
// only when the first subscriber appears.
func (m *Manager) JoinRoom(roomID string) error {
	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return ErrNotConnected
	}

	m.subs[roomID]++
	first := m.subs[roomID] == 1
	conn := m.conn
	m.mu.Unlock()

	if !first {
		return nil
	}

	observability.RoomSubscriptions().Inc()
	return m.writeControl(conn, controlFrame{Type: TypeJoinRoom, RoomID: roomID})
}

// LeaveRoom drops a subscription. The leave control frame is sent when the
// last subscriber for the room is gone.
func (m *Manager) LeaveRoom(roomID string) {
	m.mu.Lock()
	count, ok := m.subs[roomID]
	if !ok {
		m.mu.Unlock()
		return
	}

	count--
	last := count <= 0
	if last {
		delete(m.subs, roomID)
	} else {
		m.subs[roomID] = count
	}
	conn := m.conn
	connected := m.connected
	m.mu.Unlock()

	if !last {
		return
	}

	observability.RoomSubscriptions().Dec()
	if connected {
		if err := m.writeControl(conn, controlFrame{Type: TypeLeaveRoom, RoomID: roomID}); err != nil {
			m.logger.Warn().Err(err).Str("room_id", roomID).Msg("failed to send leave frame")
		}
	}
}

// Events returns the typed inbound event stream.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// Reconnects signals each hard re-establishment. Subscriptions are not
// replayed across a hard reconnect; the consumer must re-issue JoinRoom for
// the rooms it still cares about.
func (m *Manager) Reconnects() <-chan struct{} {
	return m.reconnects
}

// Close tears the connection down permanently.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.closed)

		m.mu.Lock()
		if m.conn != nil {
			_ = m.conn.Close()
		}
		m.connected = false
		m.mu.Unlock()
	})
}

func (m *Manager) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}

	header := http.Header{}
	if m.token != "" {
		header.Set("Authorization", "Bearer "+m.token)
	}

	conn, _, err := dialer.DialContext(ctx, m.url, header)
	return conn, err
}

func (m *Manager) writeControl(conn *websocket.Conn, frame controlFrame) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	return conn.WriteJSON(frame)
}

func (m *Manager) readLoop(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-m.closed:
				return
			default:
			}

			m.logger.Warn().Err(err).Msg("realtime connection lost")
			m.mu.Lock()
			m.connected = false
			m.conn = nil
			m.mu.Unlock()

			go m.reconnectLoop()
			return
		}

		m.dispatch(raw)
	}
}

func (m *Manager) dispatch(raw []byte) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		m.logger.Warn().Err(err).Msg("undecodable realtime frame")
		observability.RealtimeFramesDropped().Inc()
		return
	}

	if env.Type != TypeNewMessage {
		m.logger.Debug().Str("type", env.Type).Msg("ignoring realtime frame")
		return
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		observability.RealtimeFramesDropped().Inc()
		return
	}
	if err := newMessageFrame.Validate(doc); err != nil {
		m.logger.Warn().Err(err).Str("room_id", env.RoomID).Msg("realtime frame failed schema validation")
		observability.RealtimeFramesDropped().Inc()
		return
	}

	var message models.Message
	if err := json.Unmarshal(env.Message, &message); err != nil {
		m.logger.Warn().Err(err).Str("room_id", env.RoomID).Msg("undecodable realtime message")
		observability.RealtimeFramesDropped().Inc()
		return
	}

	m.mu.Lock()
	subscribed := m.subs[env.RoomID] > 0
	m.mu.Unlock()
	if !subscribed {
		m.logger.Debug().Str("room_id", env.RoomID).Msg("dropping event for unsubscribed room")
		return
	}

	select {
	case m.events <- Event{RoomID: env.RoomID, Message: message}:
	default:
		m.logger.Warn().Str("room_id", env.RoomID).Msg("dropping realtime event for slow consumer")
	}
}

func (m *Manager) reconnectLoop() {
	backoff := initialBackoff

	for {
		select {
		case <-m.closed:
			return
		case <-time.After(backoff):
		}

		ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
		conn, err := m.dial(ctx)
		cancel()
		if err != nil {
			m.logger.Warn().Err(err).Dur("backoff", backoff).Msg("realtime reconnect failed")
			backoff *= 2
			if backoff > m.maxBackoff {
				backoff = m.maxBackoff
			}
			continue
		}

		m.mu.Lock()
		// Hard reconnect: the subscription table is intentionally not
		// replayed. Consumers re-join via the Reconnects signal.
		dropped := len(m.subs)
		m.subs = make(map[string]int)
		m.conn = conn
		m.connected = true
		m.mu.Unlock()

		observability.RoomSubscriptions().Sub(float64(dropped))
		observability.RealtimeReconnects().Inc()
		m.logger.Info().Int("dropped_subscriptions", dropped).Msg("realtime connection re-established")

		select {
		case m.reconnects <- struct{}{}:
		default:
		}

		go m.readLoop(conn)
		return
	}
}
