package model

// UserPreferences is read-mostly, mutated outside the core, consumed by
// the delivery filter.
type UserPreferences struct {
	UserID            string     `bson:"_id" json:"userId"`
	DoNotDisturb      bool       `bson:"do_not_disturb" json:"doNotDisturb"`
	QuietHoursStart   string     `bson:"quiet_hours_start,omitempty" json:"quietHoursStart,omitempty"` // "HH:MM"
	QuietHoursEnd     string     `bson:"quiet_hours_end,omitempty" json:"quietHoursEnd,omitempty"`
	AllowedPriorities []Priority `bson:"allowed_priorities,omitempty" json:"allowedPriorities,omitempty"`
}

func (UserPreferences) Collection() string { return "user_preferences" }
