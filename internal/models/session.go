package models

import "time"

type AppointmentSession struct {
	ID                   int64      `json:"id"`
	AppointmentID        int64      `json:"appointment_id"`
	RoomID               string     `json:"room_id"`
	Status               string     `json:"status"`
	StartedAt            *time.Time `json:"started_at"`
	EndedAt              *time.Time `json:"ended_at"`
	DurationMinutes      *int       `json:"duration_minutes"`
	PatientJoinedAt      *time.Time `json:"patient_joined_at"`
	PsychologistJoinedAt *time.Time `json:"psychologist_joined_at"`
	PatientLeftAt        *time.Time `json:"patient_left_at"`
	PsychologistLeftAt   *time.Time `json:"psychologist_left_at"`
	PatientInRoom        bool       `json:"patient_in_room"`
	PsychologistInRoom   bool       `json:"psychologist_in_room"`
	Rating               *int       `json:"rating,omitempty"`
	RatingComment        *string    `json:"rating_comment,omitempty"`
	RatedAt              *time.Time `json:"rated_at,omitempty"`
}

const (
	SessionStatusActive      = "active"
	SessionStatusCompleted   = "completed"
	SessionStatusInterrupted = "interrupted"
)
