package gateway

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"notifyhub/config"
	"notifyhub/logger"
	"notifyhub/module/notify/filter"
	"notifyhub/module/notify/model"
	"notifyhub/module/notify/store"
	"notifyhub/service/storage"
	"notifyhub/tools/errs"
	"notifyhub/tools/safe"
)

const (
	writeWait     = 10 * time.Second
	maxFrameBytes = 64 << 10
)

// Server owns this instance's websocket endpoint: handshake, the local
// connection table, replay on connect, the inbound frame loop, and local
// fan-out on behalf of the dispatcher.
type Server struct {
	cfg      *config.Config
	store    store.Store
	registry storage.Registry
	auth     Authenticator
	cm       *ConnManager

	frameHandlers map[string]handlerFunc
	upgrader      websocket.Upgrader
	draining      atomic.Bool
	stopOnce      sync.Once
	stopCh        chan struct{}
}

func NewServer(cfg *config.Config, st store.Store, reg storage.Registry, auth Authenticator) *Server {
	s := &Server{
		cfg:      cfg,
		store:    st,
		registry: reg,
		auth:     auth,
		cm: NewConnManager(ManagerConf{
			TTL:         cfg.PongTimeout,
			MaxPerUser:  cfg.MaxConnsPerUser,
			EvictOldest: cfg.EvictOldest,
			SendQueue:   cfg.SendQueueSize,
		}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		stopCh: make(chan struct{}),
	}
	s.frameHandlers = s.handlers()
	safe.Go("gateway-conn-observer", s.observeConnEvents)
	return s
}

// Manager exposes the local connection table (drain checks, tests).
func (s *Server) Manager() *ConnManager { return s.cm }

// observeConnEvents is the single consumer of manager lifecycle events:
// evicted connections get a goodbye frame, both kinds get their registry
// rows cleaned up.
func (s *Server) observeConnEvents() {
	for {
		select {
		case <-s.stopCh:
			return
		case ev := <-s.cm.Events():
			c := ev.Conn
			if ev.Reason == "evicted" {
				_ = c.Enqueue(buildForceDisconnect("capacity"))
				time.AfterFunc(200*time.Millisecond, c.Close)
			}
			s.unregister(c)
			logger.Infof("[gateway] conn %s user=%s dropped: %s", c.ID, c.UserID, ev.Reason)
		}
	}
}

func (s *Server) unregister(c *Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.registry.Unregister(ctx, c.UserID, c.ID); err != nil {
		logger.Warnf("[gateway] unregister conn=%s user=%s: %v", c.ID, c.UserID, err)
	}
}

// HandleWS is the gin handler for GET /ws. Auth comes from the token
// query param or, when absent, from a first auth frame sent within the
// handshake window.
func (s *Server) HandleWS(c *gin.Context) {
	if s.draining.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"code": errs.CodeInternal, "msg": "draining"})
		return
	}
	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warnf("[gateway] upgrade failed from %s: %v", c.ClientIP(), err)
		return
	}
	ws.SetReadLimit(maxFrameBytes)

	user, err := s.handshake(c.Request.Context(), ws, c.Query("token"))
	if err != nil {
		s.rejectAndClose(ws, err)
		return
	}

	if err := s.admit(c.Request.Context(), user.ID); err != nil {
		s.rejectAndClose(ws, err)
		return
	}

	connID := uuid.NewString()
	limiter := rate.NewLimiter(rate.Limit(s.cfg.RatePerSecond), s.cfg.RateBurst)
	conn := s.cm.NewConn(connID, user.ID, ws, c.Query("cursor"), limiter)

	if _, err := s.cm.Add(conn); err != nil {
		s.rejectAndClose(ws, err)
		return
	}
	s.register(conn)

	safe.Go("gateway-write-pump-"+connID, func() { s.writePump(conn) })
	_ = conn.Enqueue(buildConnected(connID, conn.LastCursor()))

	ctx := context.Background()
	if err := s.replayPage(ctx, conn, conn.LastCursor(), s.cfg.ReplayPageSize); err != nil {
		logger.Warnf("[gateway] initial replay conn=%s user=%s: %v", connID, user.ID, err)
		_ = conn.Enqueue(buildErrorFrom(err))
	}

	logger.Infof("[gateway] conn %s user=%s connected from %s", connID, user.ID, c.ClientIP())
	s.readLoop(ctx, conn)
}

// handshake resolves the principal. An empty query token opens a short
// window for an auth frame; anything else on the wire first is a reject.
func (s *Server) handshake(ctx context.Context, ws *websocket.Conn, token string) (*User, error) {
	if token == "" {
		_ = ws.SetReadDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return nil, errs.ErrAuthFailed.WithDetail("no credentials before handshake deadline")
		}
		f, err := ParseFrame(raw)
		if err != nil || f.Type != FrameAuth {
			return nil, errs.ErrAuthFailed.WithDetail("expected auth frame")
		}
		p, err := decodePayload[authPayload](f)
		if err != nil || p.Token == "" {
			return nil, errs.ErrAuthFailed.WithDetail("auth frame missing token")
		}
		token = p.Token
	}
	return s.auth.Authenticate(ctx, token)
}

// admit applies the global per-user cap using the shared registry. A
// registry outage falls back to the configured degraded policy; local
// caps still hold either way.
func (s *Server) admit(ctx context.Context, userID string) error {
	count, err := s.registry.Count(ctx, userID)
	if err != nil {
		if s.cfg.DegradedPolicy == "reject" {
			return errs.ErrCapacityExceeded.WithDetail("registry unavailable")
		}
		logger.Warnf("[gateway] registry count failed, admitting user=%s degraded: %v", userID, err)
		return nil
	}
	if count >= s.cfg.MaxConnsPerUser && !s.cfg.EvictOldest {
		return errs.ErrCapacityExceeded
	}
	return nil
}

func (s *Server) register(c *Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	err := s.registry.Register(ctx, c.UserID, storage.Entry{
		ConnectionID: c.ID,
		ServerID:     s.cfg.ServerID,
		LastCursor:   c.LastCursor(),
		ConnectedAt:  c.ConnectedAt.UnixMilli(),
	})
	if err != nil {
		// degraded: connection still serves locally, broker replay covers the rest
		logger.Warnf("[gateway] register conn=%s user=%s: %v", c.ID, c.UserID, err)
	}
}

func (s *Server) rejectAndClose(ws *websocket.Conn, err error) {
	f := buildErrorFrom(err)
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	_ = ws.WriteJSON(f)
	_ = ws.Close()
}

// readLoop is the per-connection inbound side. Malformed frames and
// handler errors are reported on the wire; only transport errors or
// rate-limit deadline breaches end the connection.
func (s *Server) readLoop(ctx context.Context, c *Conn) {
	defer func() {
		s.cm.Remove(c.ID)
		s.unregister(c)
		logger.Infof("[gateway] conn %s user=%s disconnected", c.ID, c.UserID)
	}()

	_ = c.WS.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	c.WS.SetPongHandler(func(string) error {
		s.cm.Heartbeat(c.ID)
		return c.WS.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	})

	for {
		_, raw, err := c.WS.ReadMessage()
		if err != nil {
			return
		}
		_ = c.WS.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))

		if !c.Limiter.Allow() {
			_ = c.Enqueue(buildError(errs.CodeRateLimitExceeded, "rate limit exceeded", time.Second))
			continue
		}
		f, err := ParseFrame(raw)
		if err != nil {
			_ = c.Enqueue(buildErrorFrom(errs.ErrMalformedMessage.WithDetail(err.Error())))
			continue
		}
		s.dispatchFrame(ctx, c, f)
	}
}

// writePump is the only goroutine that touches the socket's write side.
func (s *Server) writePump(c *Conn) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer func() {
		ticker.Stop()
		c.Close()
	}()
	for {
		select {
		case <-c.Done():
			return
		case f := <-c.sendCh:
			_ = c.WS.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.WS.WriteJSON(f); err != nil {
				logger.Debugf("[gateway] write conn=%s: %v", c.ID, err)
				return
			}
		case <-ticker.C:
			_ = c.WS.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.WS.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// replayPage sends one page of still-pending notifications past the
// cursor, oldest first, tagged missed, then a completion marker telling
// the client whether to ask again.
func (s *Server) replayPage(ctx context.Context, c *Conn, fromCursor string, limit int) error {
	notifs, err := s.store.GetPending(ctx, c.UserID, fromCursor, limit)
	if err != nil {
		return errs.ErrStoreUnavailable.WithDetail(err.Error())
	}
	prefs := s.loadPrefs(ctx, c.UserID)
	subs := c.Subscriptions()
	now := time.Now()

	sent := 0
	last := fromCursor
	for _, n := range notifs {
		if filter.ShouldDeliver(subs, prefs, n, now) {
			if err := c.Enqueue(buildNotification(n, true)); err != nil {
				// queue full: stop the page before this cursor so a later
				// request_missed picks it back up
				break
			}
			sent++
		}
		if n.Cursor > last {
			last = n.Cursor
		}
	}
	c.AdvanceCursor(last)
	s.mirrorCursor(c)

	hasMore := len(notifs) == limit
	return c.Enqueue(buildMissedComplete(sent, hasMore, c.LastCursor()))
}

// DeliverLocal fans one notification out to this instance's connections
// for the target user and returns how many sockets accepted it. Zero
// means nothing was delivered here; the pending entry stays either way.
func (s *Server) DeliverLocal(ctx context.Context, n *model.Notification) int {
	conns := s.cm.LocalConns(n.UserID)
	if len(conns) == 0 {
		return 0
	}
	prefs := s.loadPrefs(ctx, n.UserID)
	now := time.Now()

	count := 0
	for _, c := range conns {
		if !filter.ShouldDeliver(c.Subscriptions(), prefs, n, now) {
			continue
		}
		if err := c.Enqueue(buildNotification(n, false)); err != nil {
			logger.Warnf("[gateway] deliver %s to conn=%s: %v", n.ID, c.ID, err)
			continue
		}
		c.AdvanceCursor(n.Cursor)
		s.mirrorCursor(c)
		count++
	}
	return count
}

func (s *Server) loadPrefs(ctx context.Context, userID string) *model.UserPreferences {
	prefs, err := s.store.GetPreferences(ctx, userID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			logger.Warnf("[gateway] load preferences user=%s: %v", userID, err)
		}
		return nil
	}
	return prefs
}

// mirrorCursor pushes the connection cursor to the shared registry,
// best effort; the client's own cursor is the source of truth on resume.
func (s *Server) mirrorCursor(c *Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.registry.SetLastCursor(ctx, c.UserID, c.ID, c.LastCursor()); err != nil {
		logger.Debugf("[gateway] mirror cursor conn=%s: %v", c.ID, err)
	}
}

// Shutdown drains: stop accepting, announce shutdown to every client,
// wait for voluntary disconnects until the drain deadline, then force.
func (s *Server) Shutdown(ctx context.Context) {
	s.draining.Store(true)
	for _, c := range s.cm.All() {
		_ = c.Enqueue(buildServerShutdown())
	}

	deadline := time.NewTimer(s.cfg.DrainTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(200 * time.Millisecond)
	defer tick.Stop()

drain:
	for s.cm.Len() > 0 {
		select {
		case <-ctx.Done():
			break drain
		case <-deadline.C:
			break drain
		case <-tick.C:
		}
	}

	for _, c := range s.cm.All() {
		s.unregister(c)
	}
	s.cm.Close()
	s.stopOnce.Do(func() { close(s.stopCh) })
	logger.Info("[gateway] drained")
}
