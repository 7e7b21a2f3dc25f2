package publish

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"notifyhub/logger"
	"notifyhub/module/notify/model"
	"notifyhub/module/notify/store"
	"notifyhub/service/broker"
	"notifyhub/tools/errs"
	"notifyhub/tools/ids"
	"notifyhub/tools/safe"
)

// Input is one publish request from an upstream producer. Broadcast is
// the producer's problem: one Input targets exactly one user.
type Input struct {
	UserID     string         `json:"userId"`
	Type       string         `json:"type"`
	Payload    map[string]any `json:"payload"`
	Priority   model.Priority `json:"priority"`
	Channels   []string       `json:"channels"`
	TTLSeconds int64          `json:"ttlSeconds"` // 0 = never expires
}

// Publisher accepts notifications, makes them durable, then fans them
// out. The durable write is the success criterion: a broker outage after
// it is a latency event, not a loss, because replay serves from the
// store.
type Publisher struct {
	store  store.Store
	broker broker.Broker

	retryCh  chan *model.Notification
	stopCh   chan struct{}
	stopOnce sync.Once
}

func New(st store.Store, b broker.Broker) *Publisher {
	p := &Publisher{
		store:   st,
		broker:  b,
		retryCh: make(chan *model.Notification, 1024),
		stopCh:  make(chan struct{}),
	}
	safe.Go("publish-retry-worker", p.retryLoop)
	return p
}

func (p *Publisher) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
}

// Publish validates, assigns the ID/cursor, writes the notification row
// plus its pending entry, then hands the envelope to the broker.
func (p *Publisher) Publish(ctx context.Context, in Input) (*model.Notification, error) {
	if err := validate(in); err != nil {
		return nil, err
	}
	if in.Priority == "" {
		in.Priority = model.PriorityNormal
	}

	id, cursor := ids.NextCursor()
	now := time.Now()
	n := &model.Notification{
		ID:        id,
		UserID:    in.UserID,
		Type:      in.Type,
		Payload:   in.Payload,
		Priority:  in.Priority,
		Channels:  in.Channels,
		Cursor:    cursor,
		CreatedAt: now.UnixMilli(),
		Status:    model.StatusPending,
	}
	if in.TTLSeconds > 0 {
		n.ExpiresAt = now.Add(time.Duration(in.TTLSeconds) * time.Second).UnixMilli()
	}

	if err := p.store.CreateNotification(ctx, n); err != nil {
		return nil, errs.ErrStoreUnavailable.WithDetail(err.Error())
	}

	if err := p.broker.Publish(ctx, n); err != nil {
		logger.Warnf("[publish] broker publish %s failed, queueing retry: %v", n.ID, err)
		select {
		case p.retryCh <- n:
		default:
			// queue full; connect-time replay still covers delivery
			logger.Errorf("[publish] retry queue full, dropping fan-out for %s", n.ID)
		}
	}
	return n, nil
}

func validate(in Input) error {
	if in.UserID == "" {
		return errs.ErrMalformedMessage.WithDetail("userId required")
	}
	if in.Type == "" {
		return errs.ErrMalformedMessage.WithDetail("type required")
	}
	if in.Priority != "" && !in.Priority.Valid() {
		return errs.ErrMalformedMessage.WithDetail("bad priority " + string(in.Priority))
	}
	for _, ch := range in.Channels {
		if ch == "" {
			return errs.ErrInvalidChannels.WithDetail("empty channel name")
		}
	}
	return nil
}

const (
	retryAttempts = 5
	retryBackoff  = time.Second
)

func (p *Publisher) retryLoop() {
	for {
		select {
		case <-p.stopCh:
			return
		case n := <-p.retryCh:
			p.retryPublish(n)
		}
	}
}

func (p *Publisher) retryPublish(n *model.Notification) {
	for i := 1; i <= retryAttempts; i++ {
		select {
		case <-p.stopCh:
			return
		case <-time.After(time.Duration(i) * retryBackoff):
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := p.broker.Publish(ctx, n)
		cancel()
		if err == nil {
			logger.Infof("[publish] fan-out for %s recovered on attempt %d", n.ID, i)
			return
		}
		logger.Warnf("[publish] fan-out retry %d for %s: %v", i, n.ID, err)
	}
	logger.Errorf("[publish] giving up fan-out for %s; replay will serve it", n.ID)
}

// Handler is the gin handler for POST /publish.
func (p *Publisher) Handler(c *gin.Context) {
	var in Input
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code": errs.CodeMalformedMessage, "message": err.Error(),
		})
		return
	}
	n, err := p.Publish(c.Request.Context(), in)
	if err != nil {
		c.JSON(httpStatus(err), gin.H{
			"code": errs.Code(err), "message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": n.ID, "cursor": n.Cursor})
}

func httpStatus(err error) int {
	switch errs.Code(err) {
	case errs.CodeMalformedMessage, errs.CodeInvalidChannels:
		return http.StatusBadRequest
	case errs.CodeStoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
