package webchat

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const DefaultRoomIdleTimeout = 60 * time.Second

// RoomManager owns the per-conversation rooms: one connection pool plus one
// forwarder each. Rooms are created on first join and evicted after sitting
// empty for the idle timeout.
type RoomManager struct {
	baseCtx     context.Context
	transport   *Transport
	idleTimeout time.Duration

	mu    sync.Mutex
	rooms map[int64]*room
}

type room struct {
	pool      *ConnectionPool
	forwarder *Forwarder
}

func NewRoomManager(ctx context.Context, transport *Transport, idleTimeout time.Duration) *RoomManager {
	if idleTimeout <= 0 {
		idleTimeout = DefaultRoomIdleTimeout
	}
	return &RoomManager{
		baseCtx:     ctx,
		transport:   transport,
		idleTimeout: idleTimeout,
		rooms:       map[int64]*room{},
	}
}

// Join attaches a connection to the conversation's room, creating the room
// and starting its forwarder when it is the first observer.
func (m *RoomManager) Join(convID int64, conn ClientConn) error {
	if m == nil {
		return errors.New("webchat: room manager is not initialized")
	}
	m.mu.Lock()
	r, ok := m.rooms[convID]
	if !ok {
		pool := NewConnectionPool(convID, m.idleTimeout, func() { m.evict(convID) })
		sub, owned, err := m.transport.BuildSubscriber(m.baseCtx, convID)
		if err != nil {
			m.mu.Unlock()
			return errors.Wrap(err, "webchat: build room subscriber")
		}
		r = &room{pool: pool, forwarder: NewForwarder(convID, sub, owned, pool)}
		if err := r.forwarder.Start(m.baseCtx); err != nil {
			m.mu.Unlock()
			return errors.Wrap(err, "webchat: start room forwarder")
		}
		m.rooms[convID] = r
		log.Debug().Str("component", "webchat").Int64("conv_id", convID).Msg("room created")
	}
	m.mu.Unlock()

	r.pool.Add(conn)
	return nil
}

// Leave detaches a connection; the room stays alive until the idle timer
// fires so quick reconnects reuse the forwarder.
func (m *RoomManager) Leave(convID int64, conn ClientConn) {
	if m == nil {
		return
	}
	m.mu.Lock()
	r, ok := m.rooms[convID]
	m.mu.Unlock()
	if ok {
		r.pool.Remove(conn)
	}
}

func (m *RoomManager) RoomCount() int {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rooms)
}

func (m *RoomManager) evict(convID int64) {
	m.mu.Lock()
	r, ok := m.rooms[convID]
	if ok && r.pool.IsEmpty() {
		delete(m.rooms, convID)
	} else {
		ok = false
	}
	m.mu.Unlock()
	if ok {
		r.forwarder.Stop()
		log.Debug().Str("component", "webchat").Int64("conv_id", convID).Msg("idle room evicted")
	}
}

// Shutdown tears down every room.
func (m *RoomManager) Shutdown() {
	if m == nil {
		return
	}
	m.mu.Lock()
	rooms := m.rooms
	m.rooms = map[int64]*room{}
	m.mu.Unlock()
	for convID, r := range rooms {
		r.forwarder.Stop()
		r.pool.CloseAll()
		log.Debug().Str("component", "webchat").Int64("conv_id", convID).Msg("room closed")
	}
}
