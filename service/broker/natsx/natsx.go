package natsx

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"

	"notifyhub/logger"
	"notifyhub/module/notify/model"
	"notifyhub/service/broker"
)

type Config struct {
	URL     string
	Subject string
}

func (c *Config) norm() {
	if c.URL == "" {
		c.URL = nats.DefaultURL
	}
	if c.Subject == "" {
		c.Subject = "notifyhub.fanout"
	}
}

type natsBroker struct {
	cfg  Config
	nc   *nats.Conn
	subs []*nats.Subscription
}

// New dials with reconnect enabled; subscriptions ride through broker
// restarts, which is what keeps a broker outage a latency event only.
func New(cfg Config) (broker.Broker, error) {
	cfg.norm()
	nc, err := nats.Connect(cfg.URL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warnf("[nats] disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Infof("[nats] reconnected to %s", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, errors.WithMessage(err, "nats connect")
	}
	return &natsBroker{cfg: cfg, nc: nc}, nil
}

func (b *natsBroker) Publish(_ context.Context, n *model.Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return errors.WithMessage(err, "marshal envelope")
	}
	return errors.WithMessage(b.nc.Publish(b.cfg.Subject, data), "nats publish")
}

// Subscribe uses a plain (non-queue) subscription: every instance is a
// broadcast receiver.
func (b *natsBroker) Subscribe(h broker.Handler) error {
	sub, err := b.nc.Subscribe(b.cfg.Subject, func(msg *nats.Msg) {
		var n model.Notification
		if err := json.Unmarshal(msg.Data, &n); err != nil {
			logger.Errorf("[nats] bad envelope subject=%s: %v", msg.Subject, err)
			return
		}
		h(context.Background(), &n)
	})
	if err != nil {
		return errors.WithMessage(err, "nats subscribe")
	}
	b.subs = append(b.subs, sub)
	return nil
}

func (b *natsBroker) Close() error {
	for _, s := range b.subs {
		_ = s.Unsubscribe()
	}
	if err := b.nc.Drain(); err != nil {
		b.nc.Close()
		return err
	}
	return nil
}
