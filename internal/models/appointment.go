package models

import "time"

type Appointment struct {
	ID                 int64      `json:"id"`
	PatientID          *int64     `json:"patient_id"`
	PsychologistID     *int64     `json:"psychologist_id"`
	ScheduledStart     time.Time  `json:"scheduled_start"`
	ScheduledEnd       time.Time  `json:"scheduled_end"`
	Status             string     `json:"status"`
	Price              string     `json:"price,omitempty"`
	Currency           string     `json:"currency,omitempty"`
	CanceledBy         *string    `json:"canceled_by,omitempty"`
	CanceledByUserID   *int64     `json:"canceled_by_user_id,omitempty"`
	CancellationReason *string    `json:"cancellation_reason,omitempty"`
	CanceledAt         *time.Time `json:"canceled_at,omitempty"`
	NoShowBy           *string    `json:"no_show_by,omitempty"`
	NoShowUserID       *int64     `json:"no_show_user_id,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
}

const (
	StatusPending   = "pending"
	StatusConfirmed = "confirmed"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
	StatusNoShow    = "no_show"
)

// IsTerminal reports whether an appointment status admits no further
// transition.
func IsTerminal(status string) bool {
	switch status {
	case StatusCompleted, StatusCancelled, StatusNoShow:
		return true
	default:
		return false
	}
}
