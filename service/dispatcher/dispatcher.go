package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"notifyhub/logger"
	"notifyhub/module/notify/model"
	"notifyhub/module/notify/store"
	"notifyhub/service/broker"
	"notifyhub/service/storage"
	"notifyhub/tools/safe"
)

// LocalDeliverer pushes a notification onto this instance's live sockets
// and reports how many accepted it. The gateway server implements it.
type LocalDeliverer interface {
	DeliverLocal(ctx context.Context, n *model.Notification) int
}

type Config struct {
	ServerID   string
	SweepEvery time.Duration // expiry sweep period
	SweepBatch int           // max rows expired per sweep
}

func (c *Config) norm() {
	if c.SweepEvery <= 0 {
		c.SweepEvery = 30 * time.Second
	}
	if c.SweepBatch <= 0 {
		c.SweepBatch = 500
	}
}

// Dispatcher consumes the broker fan-out stream. Every instance sees
// every notification; each one delivers only to sockets it owns, guided
// by the shared registry. Delivery never removes the pending entry, so
// a socket write that the client never processed is still replayed.
type Dispatcher struct {
	cfg      Config
	store    store.Store
	registry storage.Registry
	broker   broker.Broker
	local    LocalDeliverer

	stopCh   chan struct{}
	stopOnce sync.Once
}

func New(cfg Config, st store.Store, reg storage.Registry, b broker.Broker, local LocalDeliverer) *Dispatcher {
	cfg.norm()
	return &Dispatcher{
		cfg:      cfg,
		store:    st,
		registry: reg,
		broker:   b,
		local:    local,
		stopCh:   make(chan struct{}),
	}
}

// Start subscribes to the fan-out stream and launches the expiry sweeper.
func (d *Dispatcher) Start() error {
	if err := d.broker.Subscribe(d.handle); err != nil {
		return err
	}
	safe.Go("dispatcher-expiry-sweeper", d.sweepLoop)
	return nil
}

func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
}

// handle is the broker callback. A panic anywhere below must not take the
// consumer down; the poisoned notification goes to the dead-letter queue.
func (d *Dispatcher) handle(ctx context.Context, n *model.Notification) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("[dispatcher] panic on %s user=%s: %v", n.ID, n.UserID, r)
			if err := d.store.MoveToDeadLetter(context.Background(), n.ID, fmt.Sprintf("dispatch panic: %v", r)); err != nil {
				logger.Errorf("[dispatcher] dead-letter %s: %v", n.ID, err)
			}
		}
	}()
	d.dispatch(ctx, n)
}

func (d *Dispatcher) dispatch(ctx context.Context, n *model.Notification) {
	nowMS := time.Now().UnixMilli()
	if n.ExpiredAt(nowMS) {
		// arrived too late; expire instead of delivering stale
		if _, err := d.store.Expire(ctx, n.ID); err != nil {
			logger.Warnf("[dispatcher] expire %s: %v", n.ID, err)
		}
		return
	}

	if !d.ownsUser(ctx, n.UserID) {
		return
	}

	count := d.local.DeliverLocal(ctx, n)
	if count == 0 {
		return
	}
	if err := d.store.MarkDelivered(ctx, n.ID, d.cfg.ServerID, count, nowMS); err != nil {
		logger.Warnf("[dispatcher] mark delivered %s: %v", n.ID, err)
	}
}

// ownsUser consults the registry for connections homed on this instance.
// On registry outage it assumes ownership and lets the local connection
// table decide: worst case is a cheap no-op fan-out attempt.
func (d *Dispatcher) ownsUser(ctx context.Context, userID string) bool {
	entries, err := d.registry.Lookup(ctx, userID)
	if err != nil {
		logger.Warnf("[dispatcher] registry lookup user=%s, assuming local: %v", userID, err)
		return true
	}
	for _, e := range entries {
		if e.ServerID == d.cfg.ServerID {
			return true
		}
	}
	return false
}

func (d *Dispatcher) sweepLoop() {
	t := time.NewTicker(d.cfg.SweepEvery)
	defer t.Stop()
	for {
		select {
		case <-d.stopCh:
			return
		case <-t.C:
			d.sweepOnce()
		}
	}
}

func (d *Dispatcher) sweepOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	n, err := d.store.SweepExpired(ctx, time.Now().UnixMilli(), d.cfg.SweepBatch)
	if err != nil {
		logger.Warnf("[dispatcher] expiry sweep: %v", err)
		return
	}
	if n > 0 {
		logger.Infof("[dispatcher] expired %d overdue notifications", n)
	}
}
