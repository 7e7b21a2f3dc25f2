package model

// Priority of a notification; gates delivery under do-not-disturb.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// rank is used for allowed-priority gating; higher wins.
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 0
	case PriorityNormal:
		return 1
	case PriorityHigh:
		return 2
	case PriorityUrgent:
		return 3
	}
	return -1
}

// Status is the notification lifecycle state. Transitions are monotonic:
// pending -> delivered -> acknowledged, pending -> expired,
// pending/delivered -> dead_lettered. Terminal states never move again.
type Status string

const (
	StatusPending      Status = "pending"
	StatusDelivered    Status = "delivered"
	StatusAcknowledged Status = "acknowledged"
	StatusExpired      Status = "expired"
	StatusDeadLettered Status = "dead_lettered"
)

func (s Status) Terminal() bool {
	return s == StatusAcknowledged || s == StatusExpired || s == StatusDeadLettered
}

// Notification is the durable row created at publish time. Cursor is
// assigned at creation and immutable; it is the fixed-width rendering of
// the snowflake ID, so creation order == cursor order.
type Notification struct {
	ID        string         `bson:"_id" json:"id"`
	UserID    string         `bson:"user_id" json:"userId"` // single target user; broadcast is N publishes upstream
	Type      string         `bson:"type" json:"type"`
	Payload   map[string]any `bson:"payload" json:"payload"`
	Priority  Priority       `bson:"priority" json:"priority"`
	Channels  []string       `bson:"channels,omitempty" json:"channels,omitempty"`
	Cursor    string         `bson:"cursor" json:"cursor"`
	CreatedAt int64          `bson:"created_at" json:"createdAt"`            // Unix ms
	ExpiresAt int64          `bson:"expires_at,omitempty" json:"expiresAt"`  // Unix ms, 0 = never
	Status    Status         `bson:"status" json:"status"`
}

func (Notification) Collection() string { return "notifications" }

// ExpiredAt reports whether the notification is past its deadline.
func (n *Notification) ExpiredAt(nowMS int64) bool {
	return n.ExpiresAt > 0 && n.ExpiresAt <= nowMS
}
