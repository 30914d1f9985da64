// Package gateway implements the WebSocket Gateway: client connection
// lifecycle, room-based subscriptions, and the broadcast surface the
// Fan-out Bridge drives.
package gateway

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/marketcore/fanout/internal/metrics"
)

// RoomPrefix namespaces per-symbol rooms.
const RoomPrefix = "symbol:"

// SymbolRoom returns the room name for a ticker.
func SymbolRoom(ticker string) string { return RoomPrefix + ticker }

// maxSendStrikes is the number of consecutive full-buffer sends tolerated
// before a connection is dropped.
const maxSendStrikes = 3

// Connection is one accepted WebSocket client.
type Connection struct {
	id            int64
	conn          *websocket.Conn
	send          chan []byte
	closeOnce     sync.Once
	connectedAt   time.Time
	sendStrikes   int32
	strikeWarned  int32

	subsMu sync.RWMutex
	subs   map[string]struct{}
}

func newConnection(id int64, conn *websocket.Conn, sendBuffer int) *Connection {
	return &Connection{
		id:          id,
		conn:        conn,
		send:        make(chan []byte, sendBuffer),
		connectedAt: time.Now(),
		subs:        make(map[string]struct{}),
	}
}

// ID returns the connection's server-assigned identifier.
func (c *Connection) ID() int64 { return c.id }

func (c *Connection) addSub(room string) {
	c.subsMu.Lock()
	c.subs[room] = struct{}{}
	c.subsMu.Unlock()
}

func (c *Connection) removeSub(room string) {
	c.subsMu.Lock()
	delete(c.subs, room)
	c.subsMu.Unlock()
}

func (c *Connection) hasSub(room string) bool {
	c.subsMu.RLock()
	defer c.subsMu.RUnlock()
	_, ok := c.subs[room]
	return ok
}

func (c *Connection) roomSnapshot() []string {
	c.subsMu.RLock()
	defer c.subsMu.RUnlock()
	rooms := make([]string, 0, len(c.subs))
	for r := range c.subs {
		rooms = append(rooms, r)
	}
	return rooms
}

func (c *Connection) close() {
	c.closeOnce.Do(func() {
		close(c.send)
		_ = c.conn.Close()
	})
}

// roomIndex is a copy-on-write reverse index from room name to subscribed
// connections: Get is lock-free on the broadcast hot path.
type roomIndex struct {
	mu      sync.RWMutex
	rooms   map[string]*atomic.Value // room -> []*Connection snapshot
}

func newRoomIndex() *roomIndex {
	return &roomIndex{rooms: make(map[string]*atomic.Value)}
}

func (idx *roomIndex) add(room string, c *Connection) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	val := idx.rooms[room]
	if val == nil {
		val = &atomic.Value{}
		idx.rooms[room] = val
	}

	var current []*Connection
	if v := val.Load(); v != nil {
		current = v.([]*Connection)
	}
	for _, existing := range current {
		if existing == c {
			return
		}
	}

	next := make([]*Connection, len(current)+1)
	copy(next, current)
	next[len(current)] = c
	val.Store(next)
}

func (idx *roomIndex) remove(room string, c *Connection) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	val, ok := idx.rooms[room]
	if !ok {
		return
	}
	v := val.Load()
	if v == nil {
		return
	}
	current := v.([]*Connection)

	for i, existing := range current {
		if existing == c {
			next := make([]*Connection, len(current)-1)
			copy(next, current[:i])
			copy(next[i:], current[i+1:])
			if len(next) == 0 {
				delete(idx.rooms, room)
			} else {
				val.Store(next)
			}
			return
		}
	}
}

func (idx *roomIndex) get(room string) []*Connection {
	idx.mu.RLock()
	val, ok := idx.rooms[room]
	idx.mu.RUnlock()
	if !ok {
		return nil
	}
	v := val.Load()
	if v == nil {
		return nil
	}
	return v.([]*Connection)
}

func (idx *roomIndex) count(room string) int {
	return len(idx.get(room))
}

// Registry tracks all connected clients and the rooms they've joined. It
// implements fanout.Broadcaster.
type Registry struct {
	logger     zerolog.Logger
	sendBuffer int
	metrics    *metrics.Gateway

	mu      sync.RWMutex
	conns   map[int64]*Connection
	nextID  int64

	rooms  *roomIndex
	global *roomIndex // single well-known room "*" for global broadcast
}

const globalRoom = "*"

// NewRegistry constructs an empty connection registry.
func NewRegistry(sendBuffer int, logger zerolog.Logger) *Registry {
	return &Registry{
		logger:     logger,
		sendBuffer: sendBuffer,
		conns:      make(map[int64]*Connection),
		rooms:      newRoomIndex(),
		global:     newRoomIndex(),
	}
}

// WithMetrics attaches a metrics sink; the registry runs metrics-free if
// this is never called.
func (r *Registry) WithMetrics(m *metrics.Gateway) *Registry {
	r.metrics = m
	return r
}

// Accept registers a new connection and returns it. The caller is
// responsible for running its read/write pumps.
func (r *Registry) Accept(conn *websocket.Conn) *Connection {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	c := newConnection(id, conn, r.sendBuffer)
	r.conns[id] = c
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.ConnectionsTotal.Inc()
		r.metrics.ConnectionsActive.Inc()
	}

	r.global.add(globalRoom, c)
	return c
}

// Remove releases a connection's room memberships and forgets it.
func (r *Registry) Remove(c *Connection) {
	r.mu.Lock()
	_, present := r.conns[c.id]
	delete(r.conns, c.id)
	r.mu.Unlock()

	if present && r.metrics != nil {
		r.metrics.ConnectionsActive.Dec()
	}

	for _, room := range c.roomSnapshot() {
		r.rooms.remove(room, c)
	}
	r.global.remove(globalRoom, c)
	c.close()
}

// Subscribe joins a connection to a ticker's room. Re-subscribing to an
// already-joined room is a no-op.
func (r *Registry) Subscribe(c *Connection, ticker string) {
	room := SymbolRoom(ticker)
	if c.hasSub(room) {
		return
	}
	c.addSub(room)
	r.rooms.add(room, c)
}

// Unsubscribe leaves a connection's room. Unsubscribing from a room never
// joined is a no-op.
func (r *Registry) Unsubscribe(c *Connection, ticker string) {
	room := SymbolRoom(ticker)
	if !c.hasSub(room) {
		return
	}
	c.removeSub(room)
	r.rooms.remove(room, c)
}

// Count returns the number of currently registered connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// RoomSize returns the number of subscribers for a ticker's room.
func (r *Registry) RoomSize(ticker string) int {
	return r.rooms.count(SymbolRoom(ticker))
}

// envelope is the wire shape delivered to subscribed clients.
type envelope struct {
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

// BroadcastToSymbol sends payload to every connection subscribed to the
// ticker's room. Implements fanout.Broadcaster.
func (r *Registry) BroadcastToSymbol(ticker, event string, payload []byte) {
	r.dispatch(r.rooms.get(SymbolRoom(ticker)), event, payload)
}

// Broadcast sends payload to every connected client, gated by
// BROADCAST_GLOBAL at the fan-out bridge layer. Implements
// fanout.Broadcaster.
func (r *Registry) Broadcast(event string, payload []byte) {
	r.dispatch(r.global.get(globalRoom), event, payload)
}

func (r *Registry) dispatch(conns []*Connection, event string, payload []byte) {
	if len(conns) == 0 {
		return
	}

	frame, err := buildFrame(event, payload)
	if err != nil {
		r.logger.Error().Err(err).Str("event", event).Msg("failed to build broadcast frame")
		return
	}

	for _, c := range conns {
		r.sendOrStrike(c, frame)
	}
}

func buildFrame(event string, rawData []byte) ([]byte, error) {
	return json.Marshal(envelope{Event: event, Data: json.RawMessage(rawData), Timestamp: time.Now().UnixMilli()})
}

// sendOrStrike implements a non-blocking send / drop-then-disconnect
// policy: a full send buffer never blocks the broadcast loop; after
// maxSendStrikes consecutive failures the connection is dropped.
func (r *Registry) sendOrStrike(c *Connection, data []byte) {
	select {
	case c.send <- data:
		atomic.StoreInt32(&c.sendStrikes, 0)
		if r.metrics != nil {
			r.metrics.MessagesSent.Inc()
		}
	default:
		strikes := atomic.AddInt32(&c.sendStrikes, 1)
		if strikes == 1 && atomic.CompareAndSwapInt32(&c.strikeWarned, 0, 1) {
			r.logger.Warn().Int64("connection_id", c.id).Msg("connection send buffer full")
		}
		if strikes >= maxSendStrikes {
			r.logger.Warn().Int64("connection_id", c.id).Int32("strikes", strikes).
				Msg("disconnecting slow connection")
			if r.metrics != nil {
				r.metrics.SlowDisconnects.Inc()
			}
			go r.Remove(c) // pumps will observe the closed channel/conn and exit
		}
	}
}
