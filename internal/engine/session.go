// Package engine binds the sync components into the room session state
// machine: one active room at a time, loads and subscriptions follow it, and
// late results from a previous room are discarded rather than cancelled.
package engine

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/nexlance/chatsync/internal/models"
	"github.com/nexlance/chatsync/internal/realtime"
	"github.com/nexlance/chatsync/internal/store"
)

// RealtimeConnection is the push-channel surface the coordinator drives.
type RealtimeConnection interface {
	Connect(ctx context.Context) error
	JoinRoom(roomID string) error
	LeaveRoom(roomID string)
	Events() <-chan realtime.Event
	Reconnects() <-chan struct{}
}

// HistorySeeder supplies cached messages to warm a room before page 1 lands.
type HistorySeeder interface {
	Recent(roomID string) ([]models.Message, error)
}

type sessionState int

const (
	stateNoActiveRoom sessionState = iota
	stateActivating
	stateActive
)

// Coordinator is the top-level session state machine. All room switches go
// through Activate; everything else follows from it.
type Coordinator struct {
	conn   RealtimeConnection
	pager  *Paginator
	store  *store.Store
	unread *UnreadTracker
	seeder HistorySeeder
	logger zerolog.Logger

	mu         sync.Mutex
	state      sessionState
	activeRoom string
	epoch      uint64

	done      chan struct{}
	closeOnce sync.Once
}

// NewCoordinator wires the coordinator over its collaborators. seeder may be
// nil when no local cache is configured.
func NewCoordinator(conn RealtimeConnection, pager *Paginator, messageStore *store.Store, unread *UnreadTracker, seeder HistorySeeder, logger zerolog.Logger) *Coordinator {
	c := &Coordinator{
		conn:   conn,
		pager:  pager,
		store:  messageStore,
		unread: unread,
		seeder: seeder,
		logger: logger.With().Str("component", "session_coordinator").Logger(),
		done:   make(chan struct{}),
	}

	pager.SetLiveness(c.isLive)
	return c
}

// Start connects the push channel and begins consuming its streams.
func (c *Coordinator) Start(ctx context.Context) error {
	if err := c.conn.Connect(ctx); err != nil {
		return err
	}

	go c.eventPump()
	go c.reconnectPump()

	return nil
}

// Activate makes roomID the active room. Re-activating the current room is a
// no-op, which is the guard against refetch storms on redundant UI calls.
// Switching rooms abandons logical interest in the previous room's in-flight
// work; its log is retained for fast re-activation.
func (c *Coordinator) Activate(ctx context.Context, roomID string) error {
	c.mu.Lock()
	if c.activeRoom == roomID && c.state != stateNoActiveRoom {
		c.mu.Unlock()
		return nil
	}
	prev := c.activeRoom
	c.activeRoom = roomID
	c.state = stateActivating
	c.epoch++
	epoch := c.epoch
	c.mu.Unlock()

	if prev != "" {
		c.conn.LeaveRoom(prev)
		c.pager.Reset(prev)
	}

	c.pager.Reset(roomID)
	c.store.Reset(roomID)
	c.seed(roomID)

	loadErr := c.pager.LoadInitial(ctx, roomID)

	c.mu.Lock()
	if c.epoch != epoch {
		// Superseded by a newer activation; its flow owns the session now.
		c.mu.Unlock()
		return nil
	}
	c.state = stateActive
	c.mu.Unlock()

	if err := c.conn.JoinRoom(roomID); err != nil {
		c.logger.Warn().Err(err).Str("room_id", roomID).Msg("could not join room on push channel")
	}

	if c.unread != nil {
		c.unread.RoomActivated(roomID)
	}

	return loadErr
}

// ActiveRoom returns the currently active room, if any.
func (c *Coordinator) ActiveRoom() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.activeRoom, c.state == stateActive || c.state == stateActivating
}

// Close leaves the active room and stops the pumps.
func (c *Coordinator) Close() {
	c.closeOnce.Do(func() {
		close(c.done)

		c.mu.Lock()
		active := c.activeRoom
		c.activeRoom = ""
		c.state = stateNoActiveRoom
		c.mu.Unlock()

		if active != "" {
			c.conn.LeaveRoom(active)
		}
	})
}

func (c *Coordinator) isLive(roomID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.activeRoom == roomID
}

func (c *Coordinator) seed(roomID string) {
	if c.seeder == nil {
		return
	}

	cached, err := c.seeder.Recent(roomID)
	if err != nil {
		c.logger.Debug().Err(err).Str("room_id", roomID).Msg("cache seed unavailable")
		return
	}
	if len(cached) == 0 {
		return
	}

	c.store.Merge(roomID, cached, store.Replace)
}

// eventPump merges every inbound push event, active room or not. Inactive
// rooms keep accumulating so re-activation starts warm; the store's
// id-idempotent merge makes replays and echo races harmless.
func (c *Coordinator) eventPump() {
	for {
		select {
		case <-c.done:
			return
		case event := <-c.conn.Events():
			c.store.Merge(event.RoomID, []models.Message{event.Message}, store.Append)
		}
	}
}

// reconnectPump re-joins the active room after a hard reconnect, since the
// connection manager deliberately forgets subscriptions across one.
func (c *Coordinator) reconnectPump() {
	for {
		select {
		case <-c.done:
			return
		case <-c.conn.Reconnects():
			c.mu.Lock()
			active := c.activeRoom
			c.mu.Unlock()

			if active == "" {
				continue
			}

			if err := c.conn.JoinRoom(active); err != nil {
				c.logger.Warn().Err(err).Str("room_id", active).Msg("re-join after reconnect failed")
			}
		}
	}
}
