package model

// DeliveryRecord is append-only, one per delivering server instance per
// attempt. Several records per notification are expected (multiple
// connections, multiple instances) under at-least-once delivery.
type DeliveryRecord struct {
	NotificationID string `bson:"notification_id" json:"notificationId"`
	ServerID       string `bson:"server_id" json:"serverId"`
	DeliveredAt    int64  `bson:"delivered_at" json:"deliveredAt"` // Unix ms
	AcknowledgedAt int64  `bson:"acknowledged_at,omitempty" json:"acknowledgedAt,omitempty"`
	RecipientCount int    `bson:"recipient_count" json:"recipientCount"`
}

func (DeliveryRecord) Collection() string { return "delivery_records" }

// PendingEntry exists while a notification is unresolved for its user.
// Removed only on acknowledgment or expiry, never on delivery alone.
// Unique on (notification_id, user_id). Cursor and expiry are denormalized
// from the notification row so resume queries stay single-collection.
type PendingEntry struct {
	NotificationID string `bson:"notification_id" json:"notificationId"`
	UserID         string `bson:"user_id" json:"userId"`
	Cursor         string `bson:"cursor" json:"cursor"`
	ExpiresAt      int64  `bson:"expires_at,omitempty" json:"expiresAt"` // Unix ms, 0 = never
	CreatedAt      int64  `bson:"created_at" json:"createdAt"`
}

func (PendingEntry) Collection() string { return "pending_entries" }

// DeadLetterEntry is a terminal failure record for operator inspection.
// The core never retries these; a resolution job may flip Resolved.
type DeadLetterEntry struct {
	NotificationID string `bson:"notification_id" json:"notificationId"`
	ErrorMessage   string `bson:"error_message" json:"errorMessage"`
	FailedAt       int64  `bson:"failed_at" json:"failedAt"` // Unix ms
	Resolved       bool   `bson:"resolved" json:"resolved"`
}

func (DeadLetterEntry) Collection() string { return "dead_letters" }
