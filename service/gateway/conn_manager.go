package gateway

import (
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"notifyhub/tools/errs"
)

type ManagerConf struct {
	TTL         time.Duration    // liveness TTL, refreshed by pong
	SweepEvery  time.Duration    // sweep period for dead connections
	MaxPerUser  int              // per-user connection cap (<=0 no limit)
	EvictOldest bool             // evict oldest on overflow instead of rejecting
	SendQueue   int              // per-connection send queue depth
	Clock       func() time.Time // injectable clock for tests; nil => time.Now
}

func (c *ManagerConf) norm() {
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.TTL <= 0 {
		c.TTL = 75 * time.Second
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = 10 * time.Second
	}
	if c.SendQueue <= 0 {
		c.SendQueue = 256
	}
}

var ErrSendQueueFull = errors.New("send queue full")

// Conn is one live websocket connection owned by this instance. All
// socket writes go through sendCh and a single writer pump, so wire
// order per connection is the enqueue order.
type Conn struct {
	ID          string
	UserID      string
	WS          *websocket.Conn
	Remote      net.Addr
	ConnectedAt time.Time
	Limiter     *rate.Limiter

	mu         sync.Mutex
	subs       map[string]struct{}
	lastCursor string
	expireAt   time.Time
	heartbeat  time.Time
	ttl        time.Duration

	sendCh    chan *Frame
	done      chan struct{}
	closeOnce sync.Once
}

// Enqueue hands a frame to the writer pump. Never blocks: a slow client
// gets ErrSendQueueFull and the caller decides (dispatch treats it as
// not-delivered, the pending entry stays put).
func (c *Conn) Enqueue(f *Frame) error {
	select {
	case <-c.done:
		return errors.New("connection closed")
	default:
	}
	select {
	case c.sendCh <- f:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// Close is idempotent; the writer pump exits on done.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.WS != nil {
			_ = c.WS.Close()
		}
	})
}

func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) Subscribe(channels []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range channels {
		c.subs[ch] = struct{}{}
	}
}

func (c *Conn) Unsubscribe(channels []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range channels {
		delete(c.subs, ch)
	}
}

func (c *Conn) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subs))
	for ch := range c.subs {
		out = append(out, ch)
	}
	return out
}

func (c *Conn) LastCursor() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastCursor
}

// AdvanceCursor moves the in-memory cursor forward, never backward, so a
// live delivery racing a replay page cannot rewind resume state.
func (c *Conn) AdvanceCursor(cursor string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cursor > c.lastCursor {
		c.lastCursor = cursor
	}
}

func (c *Conn) touch(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.heartbeat = now
	c.expireAt = now.Add(c.ttl)
}

func (c *Conn) expired(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return now.After(c.expireAt)
}

// ConnEvent is emitted on the manager's bounded event queue whenever a
// connection leaves the table for any reason other than an explicit
// Remove by the owner. One observer consumes it and does the registry
// cleanup; failures there can't vanish inside a callback.
type ConnEvent struct {
	Conn   *Conn
	Reason string // "expired" | "evicted"
}

type ConnManager struct {
	mu     sync.RWMutex
	byID   map[string]*Conn
	byUser map[string]map[string]*Conn

	conf     ManagerConf
	events   chan ConnEvent
	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewConnManager(conf ManagerConf) *ConnManager {
	conf.norm()
	m := &ConnManager{
		byID:   make(map[string]*Conn),
		byUser: make(map[string]map[string]*Conn),
		conf:   conf,
		events: make(chan ConnEvent, 1024),
		stopCh: make(chan struct{}),
	}
	go m.sweeper()
	return m
}

func (m *ConnManager) Events() <-chan ConnEvent { return m.events }

// NewConn allocates the connection record; it is not in the table until
// Add succeeds.
func (m *ConnManager) NewConn(id, userID string, ws *websocket.Conn, lastCursor string, limiter *rate.Limiter) *Conn {
	now := m.conf.Clock()
	c := &Conn{
		ID:          id,
		UserID:      userID,
		WS:          ws,
		ConnectedAt: now,
		Limiter:     limiter,
		subs:        make(map[string]struct{}),
		lastCursor:  lastCursor,
		ttl:         m.conf.TTL,
		expireAt:    now.Add(m.conf.TTL),
		heartbeat:   now,
		sendCh:      make(chan *Frame, m.conf.SendQueue),
		done:        make(chan struct{}),
	}
	if ws != nil {
		c.Remote = ws.RemoteAddr()
	}
	return c
}

// Add registers the connection, enforcing the local per-user cap. On
// overflow it either evicts the oldest connection (returned so the owner
// can say goodbye on the wire) or rejects with CAPACITY_EXCEEDED.
func (m *ConnManager) Add(c *Conn) (evicted *Conn, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byID[c.ID]; exists {
		return nil, errors.New("connection id already registered")
	}
	if m.conf.MaxPerUser > 0 {
		if mm := m.byUser[c.UserID]; len(mm) >= m.conf.MaxPerUser {
			if !m.conf.EvictOldest {
				return nil, errs.ErrCapacityExceeded
			}
			evicted = m.evictOldestLocked(c.UserID)
		}
	}

	m.byID[c.ID] = c
	if m.byUser[c.UserID] == nil {
		m.byUser[c.UserID] = make(map[string]*Conn)
	}
	m.byUser[c.UserID][c.ID] = c
	return evicted, nil
}

// caller holds m.mu
func (m *ConnManager) evictOldestLocked(userID string) *Conn {
	var oldest *Conn
	for _, w := range m.byUser[userID] {
		if oldest == nil || w.ConnectedAt.Before(oldest.ConnectedAt) {
			oldest = w
		}
	}
	if oldest == nil {
		return nil
	}
	m.dropLocked(oldest)
	select {
	case m.events <- ConnEvent{Conn: oldest, Reason: "evicted"}:
	default:
	}
	return oldest
}

// caller holds m.mu
func (m *ConnManager) dropLocked(c *Conn) {
	delete(m.byID, c.ID)
	if mm := m.byUser[c.UserID]; mm != nil {
		delete(mm, c.ID)
		if len(mm) == 0 {
			delete(m.byUser, c.UserID)
		}
	}
}

// Remove detaches and closes; used by the read loop on disconnect.
func (m *ConnManager) Remove(id string) *Conn {
	m.mu.Lock()
	c, ok := m.byID[id]
	if ok {
		m.dropLocked(c)
	}
	m.mu.Unlock()
	if ok {
		c.Close()
		return c
	}
	return nil
}

func (m *ConnManager) Get(id string) (*Conn, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.byID[id]
	return c, ok
}

// LocalConns returns this instance's live connections for a user.
func (m *ConnManager) LocalConns(userID string) []*Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Conn, 0, len(m.byUser[userID]))
	for _, c := range m.byUser[userID] {
		out = append(out, c)
	}
	return out
}

// All snapshots every live connection (drain/broadcast use).
func (m *ConnManager) All() []*Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Conn, 0, len(m.byID))
	for _, c := range m.byID {
		out = append(out, c)
	}
	return out
}

func (m *ConnManager) CountUser(userID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byUser[userID])
}

func (m *ConnManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}

// Heartbeat refreshes liveness; wired to the websocket pong handler.
func (m *ConnManager) Heartbeat(id string) {
	m.mu.RLock()
	c, ok := m.byID[id]
	m.mu.RUnlock()
	if ok {
		c.touch(m.conf.Clock())
	}
}

func (m *ConnManager) Close() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.mu.Lock()
	conns := make([]*Conn, 0, len(m.byID))
	for _, c := range m.byID {
		conns = append(conns, c)
	}
	m.byID = make(map[string]*Conn)
	m.byUser = make(map[string]map[string]*Conn)
	m.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

func (m *ConnManager) sweeper() {
	t := time.NewTicker(m.conf.SweepEvery)
	defer t.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case now := <-t.C:
			m.sweepOnce(now)
		}
	}
}

func (m *ConnManager) sweepOnce(now time.Time) {
	var dead []*Conn
	m.mu.Lock()
	for _, c := range m.byID {
		if c.expired(now) {
			dead = append(dead, c)
			m.dropLocked(c)
		}
	}
	m.mu.Unlock()

	// close outside the lock
	for _, c := range dead {
		c.Close()
		select {
		case m.events <- ConnEvent{Conn: c, Reason: "expired"}:
		default:
		}
	}
}
