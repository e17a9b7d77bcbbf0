package domain

import "time"

// UserState is the position of a user in the onboarding/quiz dialogue.
// Values are stored in the database; do not reorder.
type UserState int

const (
	StateUncontacted UserState = iota
	StateAwaitingDay
	StateAwaitingHour
	StateSubscribed
	StateAwaitingQuestionConfirmation
	StateAwaitingQuestionResponse
)

// String returns the canonical name of the state.
func (s UserState) String() string {
	switch s {
	case StateUncontacted:
		return "UNCONTACTED"
	case StateAwaitingDay:
		return "AWAITING_DAY"
	case StateAwaitingHour:
		return "AWAITING_HOUR"
	case StateSubscribed:
		return "SUBSCRIBED"
	case StateAwaitingQuestionConfirmation:
		return "AWAITING_QUESTION_CONFIRMATION"
	case StateAwaitingQuestionResponse:
		return "AWAITING_QUESTION_RESPONSE"
	default:
		return "UNKNOWN"
	}
}

// Valid reports whether the stored value is a known state.
func (s UserState) Valid() bool {
	return s >= StateUncontacted && s <= StateAwaitingQuestionResponse
}

// User represents one end user keyed by their WhatsApp phone number.
// Scheduled* fields are -1 until the user picks them during onboarding.
type User struct {
	ID          int64
	PhoneNumber string
	WhatsAppID  string
	Username    string
	State       UserState

	ScheduledDayOfWeek int // 0=Monday .. 6=Sunday, -1 unset
	ScheduledHour      int // 0..23, -1 unset
	ScheduledMinute    int // 0..59, -1 unset

	LastInteractionAt *time.Time // UTC, nullable
	NextQuestionAt    *time.Time // UTC, nullable; informational, the job row is authoritative
	CreatedAt         time.Time  // UTC
}

// HasSchedule reports whether the user picked a full weekly slot.
func (u *User) HasSchedule() bool {
	return u.ScheduledDayOfWeek >= 0 && u.ScheduledHour >= 0 && u.ScheduledMinute >= 0
}

// ScheduledJob is one durable scheduler entry; at most one per user.
type ScheduledJob struct {
	UserID        int64
	FireAt        time.Time // UTC
	MisfireGraceS int
}
