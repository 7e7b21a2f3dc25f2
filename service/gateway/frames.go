package gateway

import (
	"encoding/json"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"

	"notifyhub/module/notify/model"
	"notifyhub/tools/errs"
)

// Frame is the JSON envelope for every client ⇄ server message.
type Frame struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data,omitempty"`
}

// Frame types, client → server.
const (
	FrameAuth          = "auth"
	FrameAck           = "ack"
	FrameAckBatch      = "ack_batch"
	FrameRequestMissed = "request_missed"
	FrameSubscribe     = "subscribe"
	FrameUnsubscribe   = "unsubscribe"
	FramePing          = "ping"
)

// Frame types, server → client.
const (
	FrameConnected       = "connected"
	FrameNotification    = "notification"
	FrameMissedComplete  = "missed_notifications_complete"
	FrameSubscribed      = "subscribed"
	FrameUnsubscribed    = "unsubscribed"
	FramePong            = "pong"
	FrameServerShutdown  = "server_shutdown"
	FrameForceDisconnect = "force_disconnect"
	FrameError           = "error"
)

func ParseFrame(raw []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, errors.WithMessage(err, "unmarshal frame")
	}
	if f.Type == "" {
		return nil, errors.New("frame missing type")
	}
	return &f, nil
}

// decodePayload maps the loose Data bag onto a typed payload. Weakly
// typed so numeric cursors/limits sent as strings still land.
func decodePayload[T any](f *Frame) (*T, error) {
	var out T
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &out,
		TagName:          "json",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(f.Data); err != nil {
		return nil, errors.WithMessage(err, "decode payload")
	}
	return &out, nil
}

type authPayload struct {
	Token string `json:"token"`
}

type ackPayload struct {
	NotificationID string `json:"notificationId"`
}

type ackBatchPayload struct {
	NotificationIDs []string `json:"notificationIds"`
}

type requestMissedPayload struct {
	FromCursor string `json:"fromCursor"`
	Limit      int    `json:"limit"`
}

type channelsPayload struct {
	Channels []string `json:"channels"`
}

// ---- server → client frame builders ----

func buildConnected(connectionID, lastCursor string) *Frame {
	return &Frame{Type: FrameConnected, Data: map[string]any{
		"connectionId": connectionID,
		"lastCursor":   lastCursor,
		"ts":           time.Now().UnixMilli(),
	}}
}

func buildNotification(n *model.Notification, missed bool) *Frame {
	data := map[string]any{
		"id":       n.ID,
		"userId":   n.UserID,
		"type":     n.Type,
		"payload":  n.Payload,
		"priority": string(n.Priority),
		"cursor":   n.Cursor,
	}
	if missed {
		data["missed"] = true
	}
	return &Frame{Type: FrameNotification, Data: data}
}

func buildMissedComplete(count int, hasMore bool, lastCursor string) *Frame {
	return &Frame{Type: FrameMissedComplete, Data: map[string]any{
		"count":      count,
		"hasMore":    hasMore,
		"lastCursor": lastCursor,
	}}
}

func buildSubscribed(channels []string) *Frame {
	return &Frame{Type: FrameSubscribed, Data: map[string]any{"channels": channels}}
}

func buildUnsubscribed(channels []string) *Frame {
	return &Frame{Type: FrameUnsubscribed, Data: map[string]any{"channels": channels}}
}

func buildPong() *Frame {
	return &Frame{Type: FramePong, Data: map[string]any{"ts": time.Now().UnixMilli()}}
}

func buildServerShutdown() *Frame {
	return &Frame{Type: FrameServerShutdown, Data: map[string]any{"ts": time.Now().UnixMilli()}}
}

func buildForceDisconnect(reason string) *Frame {
	return &Frame{Type: FrameForceDisconnect, Data: map[string]any{"reason": reason}}
}

func buildError(code, message string, retryAfter time.Duration) *Frame {
	data := map[string]any{"code": code, "message": message}
	if retryAfter > 0 {
		data["retryAfter"] = retryAfter.Milliseconds()
	}
	return &Frame{Type: FrameError, Data: data}
}

// buildErrorFrom maps any error onto a structured error frame.
func buildErrorFrom(err error) *Frame {
	var ce *errs.CodeError
	if errors.As(err, &ce) {
		return buildError(ce.Code, ce.Msg, 0)
	}
	return buildError(errs.CodeInternal, "internal error", 0)
}
