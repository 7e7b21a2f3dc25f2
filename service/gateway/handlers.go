package gateway

import (
	"context"
	"strings"
	"time"

	"notifyhub/logger"
	"notifyhub/tools/errs"
)

// handlerFunc processes one inbound frame on a live connection. Errors
// become error frames on the same connection; the socket stays open.
type handlerFunc func(ctx context.Context, c *Conn, f *Frame) error

func (s *Server) handlers() map[string]handlerFunc {
	return map[string]handlerFunc{
		FrameAck:           s.handleAck,
		FrameAckBatch:      s.handleAckBatch,
		FrameSubscribe:     s.handleSubscribe,
		FrameUnsubscribe:   s.handleUnsubscribe,
		FrameRequestMissed: s.handleRequestMissed,
		FramePing:          s.handlePing,
	}
}

// dispatchFrame routes one parsed frame. Unknown types are a client bug,
// not a connection fault: report and keep the socket.
func (s *Server) dispatchFrame(ctx context.Context, c *Conn, f *Frame) {
	h, ok := s.frameHandlers[f.Type]
	if !ok {
		_ = c.Enqueue(buildErrorFrom(errs.ErrUnknownMessageType.WithDetail(f.Type)))
		return
	}
	if err := h(ctx, c, f); err != nil {
		logger.Warnf("[gateway] frame %s failed conn=%s user=%s: %v", f.Type, c.ID, c.UserID, err)
		_ = c.Enqueue(buildErrorFrom(err))
	}
}

func (s *Server) handleAck(ctx context.Context, c *Conn, f *Frame) error {
	p, err := decodePayload[ackPayload](f)
	if err != nil || p.NotificationID == "" {
		return errs.ErrMalformedMessage.WithDetail("ack needs notificationId")
	}
	if err := s.store.Acknowledge(ctx, p.NotificationID, c.UserID, time.Now().UnixMilli()); err != nil {
		return errs.ErrStoreUnavailable.WithDetail(err.Error())
	}
	return nil
}

func (s *Server) handleAckBatch(ctx context.Context, c *Conn, f *Frame) error {
	p, err := decodePayload[ackBatchPayload](f)
	if err != nil || len(p.NotificationIDs) == 0 {
		return errs.ErrMalformedMessage.WithDetail("ack_batch needs notificationIds")
	}
	n, err := s.store.AcknowledgeBatch(ctx, p.NotificationIDs, c.UserID, time.Now().UnixMilli())
	if err != nil {
		return errs.ErrStoreUnavailable.WithDetail(err.Error())
	}
	logger.Debugf("[gateway] ack_batch user=%s asked=%d resolved=%d", c.UserID, len(p.NotificationIDs), n)
	return nil
}

func (s *Server) handleSubscribe(_ context.Context, c *Conn, f *Frame) error {
	p, err := decodePayload[channelsPayload](f)
	if err != nil {
		return errs.ErrMalformedMessage.WithDetail("subscribe payload")
	}
	if err := validateChannels(p.Channels); err != nil {
		return err
	}
	c.Subscribe(p.Channels)
	return c.Enqueue(buildSubscribed(p.Channels))
}

func (s *Server) handleUnsubscribe(_ context.Context, c *Conn, f *Frame) error {
	p, err := decodePayload[channelsPayload](f)
	if err != nil {
		return errs.ErrMalformedMessage.WithDetail("unsubscribe payload")
	}
	if err := validateChannels(p.Channels); err != nil {
		return err
	}
	c.Unsubscribe(p.Channels)
	return c.Enqueue(buildUnsubscribed(p.Channels))
}

// handleRequestMissed replays one page on client demand, from the client's
// cursor if given, otherwise from the connection's current one.
func (s *Server) handleRequestMissed(ctx context.Context, c *Conn, f *Frame) error {
	p, err := decodePayload[requestMissedPayload](f)
	if err != nil {
		return errs.ErrMalformedMessage.WithDetail("request_missed payload")
	}
	from := p.FromCursor
	if from == "" {
		from = c.LastCursor()
	}
	limit := p.Limit
	if limit <= 0 || limit > s.cfg.ReplayPageSize {
		limit = s.cfg.ReplayPageSize
	}
	return s.replayPage(ctx, c, from, limit)
}

func (s *Server) handlePing(_ context.Context, c *Conn, _ *Frame) error {
	s.cm.Heartbeat(c.ID)
	return c.Enqueue(buildPong())
}

const maxChannelLen = 128

func validateChannels(channels []string) error {
	if len(channels) == 0 {
		return errs.ErrInvalidChannels.WithDetail("empty channel list")
	}
	for _, ch := range channels {
		if ch == "" || len(ch) > maxChannelLen {
			return errs.ErrInvalidChannels.WithDetail("bad channel name")
		}
		if strings.ContainsAny(ch, " \t\r\n") {
			return errs.ErrInvalidChannels.WithDetail("whitespace in channel name")
		}
	}
	return nil
}
