package broker

import (
	"context"

	"notifyhub/module/notify/model"
)

// Handler consumes one fanned-out notification. Implementations must not
// panic across this boundary; the dispatcher recovers anyway.
type Handler func(ctx context.Context, n *model.Notification)

// Broker is the fan-out channel between gateway instances. Every
// instance subscribes broadcast-style: each sees every published
// notification and independently decides whether it owns a recipient
// connection. The broker carries the payload; it is not a durability
// layer (the store is written before Publish is called).
type Broker interface {
	Publish(ctx context.Context, n *model.Notification) error
	Subscribe(h Handler) error
	Close() error
}
