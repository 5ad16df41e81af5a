package store

import (
	"context"
	"time"

	"telecare/session-service/internal/models"
)

// Actor identifies the authenticated user performing an action.
type Actor struct {
	UserID int64
	Role   string
}

type ActionInput struct {
	AppointmentID int64
	Actor         Actor
	OccurredAt    time.Time
}

type JoinInput struct {
	AppointmentID int64
	Actor         Actor
	RoomID        string
	OccurredAt    time.Time
}

type CancelInput struct {
	AppointmentID int64
	Actor         Actor
	Reason        string
	OccurredAt    time.Time
}

type RatingInput struct {
	AppointmentID int64
	Actor         Actor
	Rating        int
	Comment       string
	OccurredAt    time.Time
}

// UserSession is an authenticated API token resolved by the auth middleware.
type UserSession struct {
	Token     string
	UserID    int64
	Role      string
	ExpiresAt time.Time
}

type SessionStore interface {
	GetAppointment(ctx context.Context, appointmentID int64, actor Actor) (models.Appointment, error)
	ConfirmAppointment(ctx context.Context, input ActionInput) (models.Appointment, error)
	CancelAppointment(ctx context.Context, input CancelInput) (models.Appointment, error)

	GetSession(ctx context.Context, appointmentID int64, actor Actor) (*models.AppointmentSession, error)
	JoinSession(ctx context.Context, input JoinInput) (*models.AppointmentSession, error)
	LeaveSession(ctx context.Context, input ActionInput) (*models.AppointmentSession, error)
	EndSession(ctx context.Context, input ActionInput) (*models.AppointmentSession, error)
	RateSession(ctx context.Context, input RatingInput) (*models.AppointmentSession, error)

	// SweepNoShows finalizes confirmed appointments whose grace window has
	// elapsed without the session ever starting. Returns the number of
	// appointments marked no_show.
	SweepNoShows(ctx context.Context, now time.Time, grace time.Duration, batchSize int) (int, error)
	// SweepStaleSessions completes active sessions that both parties left
	// more than the cutoff ago. Returns the number of sessions completed.
	SweepStaleSessions(ctx context.Context, now time.Time, cutoff time.Duration, batchSize int) (int, error)

	GetUserSession(ctx context.Context, token string) (UserSession, error)
}
