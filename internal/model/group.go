package model

import "time"

// Group is a bookable group trip. Chat only reads it; the booking flow owns it.
type Group struct {
	ID          int64     `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	MaxPeople   int       `json:"max_people"`
	StartAt     time.Time `json:"start_at"`
	CreatedBy   string    `json:"created_by"`
	CreatedAt   time.Time `json:"created_at"`
}

// GroupMember records one user's membership in a group. PaidAt is nil until
// the membership's payment has been completed.
type GroupMember struct {
	GroupID  int64      `json:"group_id"`
	UserID   string     `json:"user_id"`
	PaidAt   *time.Time `json:"paid_at,omitempty"`
	JoinedAt time.Time  `json:"joined_at"`
}

// Paid reports whether the membership's payment has been completed.
func (m *GroupMember) Paid() bool { return m.PaidAt != nil }
