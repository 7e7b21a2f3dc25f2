package store

import (
	"context"
	"errors"

	"notifyhub/module/notify/model"
)

var ErrNotFound = errors.New("not found")

// Store is the durable side of the delivery tracker: notification rows,
// append-only delivery records, per-(notification,user) pending entries,
// user preferences and dead letters.
//
// Transition semantics (enforced by every implementation):
//   - CreateNotification writes the notification row and its PendingEntry
//     before returning; publish must not report success without both.
//   - MarkDelivered appends a DeliveryRecord and promotes the status
//     pending -> delivered; it never touches the PendingEntry, because a
//     successful socket write does not prove the client processed it.
//   - Acknowledge removes the PendingEntry and finalizes the status.
//     Acknowledging something already resolved is a no-op success;
//     clients re-send acks after reconnect races.
//   - Expire only fires on still-pending rows past their deadline. An ack
//     racing an expiry sweep: first writer wins, the loser no-ops.
//   - MoveToDeadLetter is terminal; the core never retries dead letters.
type Store interface {
	CreateNotification(ctx context.Context, n *model.Notification) error
	GetNotification(ctx context.Context, id string) (*model.Notification, error)

	MarkDelivered(ctx context.Context, notificationID, serverID string, recipientCount int, atMS int64) error
	Acknowledge(ctx context.Context, notificationID, userID string, atMS int64) error
	AcknowledgeBatch(ctx context.Context, notificationIDs []string, userID string, atMS int64) (int, error)
	Expire(ctx context.Context, notificationID string) (bool, error)
	MoveToDeadLetter(ctx context.Context, notificationID, errorMessage string) error

	// GetPending returns still-pending notifications for the user with
	// cursor strictly greater than fromCursor (all of them when fromCursor
	// is empty), ascending by cursor, capped at limit, excluding rows whose
	// deadline already passed.
	GetPending(ctx context.Context, userID, fromCursor string, limit int) ([]*model.Notification, error)

	// SweepExpired expires up to limit past-deadline pending notifications
	// and returns how many transitioned.
	SweepExpired(ctx context.Context, nowMS int64, limit int) (int, error)

	// GetPreferences returns (nil, nil) when the user has no stored
	// preferences; callers treat nil as "deliver everything".
	GetPreferences(ctx context.Context, userID string) (*model.UserPreferences, error)
	PutPreferences(ctx context.Context, prefs *model.UserPreferences) error

	ListDeliveries(ctx context.Context, notificationID string) ([]*model.DeliveryRecord, error)
	ListDeadLetters(ctx context.Context, limit int) ([]*model.DeadLetterEntry, error)

	Close(ctx context.Context) error
}
