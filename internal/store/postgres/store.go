package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"telecare/session-service/internal/activity"
	"telecare/session-service/internal/models"
	"telecare/session-service/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const appointmentColumns = `appointment_id, patient_id, psychologist_id, scheduled_start, scheduled_end, status,
	price::text, currency, canceled_by, canceled_by_user_id, cancellation_reason, canceled_at,
	no_show_by, no_show_user_id, created_at`

const sessionColumns = `session_id, appointment_id, room_id, status, started_at, ended_at, duration_minutes,
	patient_joined_at, psychologist_joined_at, patient_left_at, psychologist_left_at,
	patient_in_room, psychologist_in_room, rating, rating_comment, rated_at`

type Store struct {
	pool     *pgxpool.Pool
	activity activity.Log
}

func NewStore(pool *pgxpool.Pool, activityLog activity.Log) *Store {
	if activityLog == nil {
		activityLog = activity.Noop{}
	}
	return &Store{pool: pool, activity: activityLog}
}

func (s *Store) GetAppointment(ctx context.Context, appointmentID int64, actor store.Actor) (models.Appointment, error) {
	appt, err := fetchAppointment(ctx, s.pool, appointmentID, false)
	if err != nil {
		return models.Appointment{}, err
	}
	if _, err := participantRole(appt, actor); err != nil {
		return models.Appointment{}, err
	}
	return appt, nil
}

func (s *Store) ConfirmAppointment(ctx context.Context, input store.ActionInput) (models.Appointment, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Appointment{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	appt, err := fetchAppointment(ctx, tx, input.AppointmentID, true)
	if err != nil {
		return models.Appointment{}, err
	}
	if !isPsychologistOwner(appt, input.Actor) && input.Actor.Role != models.RoleAdmin {
		err = store.ErrForbidden
		return models.Appointment{}, err
	}
	if !store.ValidTransition(appt.Status, models.StatusConfirmed) {
		err = store.ErrInvalidTransition
		return models.Appointment{}, err
	}

	_, err = tx.Exec(ctx, `
		UPDATE appointments SET status = $1 WHERE appointment_id = $2
	`, models.StatusConfirmed, appt.ID)
	if err != nil {
		return models.Appointment{}, err
	}
	appt.Status = models.StatusConfirmed

	if err = tx.Commit(ctx); err != nil {
		return models.Appointment{}, err
	}

	s.record(ctx, activity.Entry{
		ActorID:     activity.Int64Ptr(input.Actor.UserID),
		ActorRole:   activity.StringPtr(input.Actor.Role),
		Action:      "appointment.confirmed",
		TargetType:  activity.StringPtr("appointment"),
		TargetID:    activity.Int64Ptr(appt.ID),
		Description: activity.StringPtr("appointment confirmed"),
		OccurredAt:  input.OccurredAt,
	})
	return appt, nil
}

func (s *Store) CancelAppointment(ctx context.Context, input store.CancelInput) (models.Appointment, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Appointment{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	appt, err := fetchAppointment(ctx, tx, input.AppointmentID, true)
	if err != nil {
		return models.Appointment{}, err
	}
	role, err := participantRole(appt, input.Actor)
	if err != nil {
		return models.Appointment{}, err
	}
	if !store.ValidTransition(appt.Status, models.StatusCancelled) {
		err = store.ErrInvalidTransition
		return models.Appointment{}, err
	}

	canceledBy := role
	if canceledBy == "" {
		canceledBy = models.RoleAdmin
	}
	canceledAt := input.OccurredAt

	_, err = tx.Exec(ctx, `
		UPDATE appointments
		SET status = $1,
			canceled_by = $2,
			canceled_by_user_id = $3,
			cancellation_reason = $4,
			canceled_at = $5
		WHERE appointment_id = $6
	`, models.StatusCancelled, canceledBy, input.Actor.UserID, nullIfEmpty(input.Reason), canceledAt, appt.ID)
	if err != nil {
		return models.Appointment{}, err
	}

	appt.Status = models.StatusCancelled
	appt.CanceledBy = &canceledBy
	appt.CanceledByUserID = &input.Actor.UserID
	appt.CanceledAt = &canceledAt
	if input.Reason != "" {
		appt.CancellationReason = &input.Reason
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Appointment{}, err
	}

	s.record(ctx, activity.Entry{
		ActorID:     activity.Int64Ptr(input.Actor.UserID),
		ActorRole:   activity.StringPtr(input.Actor.Role),
		Action:      "appointment.cancelled",
		TargetType:  activity.StringPtr("appointment"),
		TargetID:    activity.Int64Ptr(appt.ID),
		Description: activity.StringPtr(fmt.Sprintf("appointment cancelled by %s", canceledBy)),
		OccurredAt:  input.OccurredAt,
	})
	return appt, nil
}

func (s *Store) GetSession(ctx context.Context, appointmentID int64, actor store.Actor) (*models.AppointmentSession, error) {
	appt, err := fetchAppointment(ctx, s.pool, appointmentID, false)
	if err != nil {
		return nil, err
	}
	if _, err := participantRole(appt, actor); err != nil {
		return nil, err
	}

	row := s.pool.QueryRow(ctx, `
		SELECT `+sessionColumns+`
		FROM appointment_sessions
		WHERE appointment_id = $1
	`, appointmentID)
	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &sess, nil
}

// JoinSession records a participant entering the room. The session row is
// created lazily and locked so concurrent joins from both sides serialize;
// started_at is set by whichever join first observes both first-join
// timestamps.
func (s *Store) JoinSession(ctx context.Context, input store.JoinInput) (*models.AppointmentSession, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	appt, err := fetchAppointment(ctx, tx, input.AppointmentID, false)
	if err != nil {
		return nil, err
	}
	role, err := participantRole(appt, input.Actor)
	if err != nil {
		return nil, err
	}
	if appt.Status != models.StatusConfirmed {
		err = store.ErrInvalidState
		return nil, err
	}

	sess, err := lockOrCreateSession(ctx, tx, appt.ID, input.RoomID)
	if err != nil {
		return nil, err
	}
	if sess.EndedAt != nil {
		err = store.ErrConflict
		return nil, err
	}

	// An admin who is not a participant only observes; nothing to record.
	if role == "" {
		if err = tx.Commit(ctx); err != nil {
			return nil, err
		}
		return &sess, nil
	}

	if sess.RoomID == "" && input.RoomID != "" {
		sess.RoomID = input.RoomID
	}

	now := input.OccurredAt
	switch role {
	case models.RolePatient:
		if sess.PatientJoinedAt == nil {
			joined := now
			sess.PatientJoinedAt = &joined
		}
		sess.PatientInRoom = true
		sess.PatientLeftAt = nil
	case models.RolePsychologist:
		if sess.PsychologistJoinedAt == nil {
			joined := now
			sess.PsychologistJoinedAt = &joined
		}
		sess.PsychologistInRoom = true
		sess.PsychologistLeftAt = nil
	}

	started := false
	if sess.StartedAt == nil && sess.PatientJoinedAt != nil && sess.PsychologistJoinedAt != nil {
		startedAt := now
		sess.StartedAt = &startedAt
		started = true
	}

	_, err = tx.Exec(ctx, `
		UPDATE appointment_sessions
		SET room_id = $1,
			started_at = $2,
			patient_joined_at = $3,
			psychologist_joined_at = $4,
			patient_left_at = $5,
			psychologist_left_at = $6,
			patient_in_room = $7,
			psychologist_in_room = $8
		WHERE session_id = $9
	`, sess.RoomID, sess.StartedAt, sess.PatientJoinedAt, sess.PsychologistJoinedAt,
		sess.PatientLeftAt, sess.PsychologistLeftAt, sess.PatientInRoom, sess.PsychologistInRoom, sess.ID)
	if err != nil {
		return nil, err
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, err
	}

	if started {
		s.record(ctx, activity.Entry{
			ActorID:     activity.Int64Ptr(input.Actor.UserID),
			ActorRole:   activity.StringPtr(input.Actor.Role),
			Action:      "session.started",
			TargetType:  activity.StringPtr("appointment_session"),
			TargetID:    activity.Int64Ptr(sess.ID),
			Description: activity.StringPtr("both participants joined, session started"),
			OccurredAt:  input.OccurredAt,
		})
	}
	return &sess, nil
}

func (s *Store) LeaveSession(ctx context.Context, input store.ActionInput) (*models.AppointmentSession, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	appt, err := fetchAppointment(ctx, tx, input.AppointmentID, false)
	if err != nil {
		return nil, err
	}
	role, err := participantRole(appt, input.Actor)
	if err != nil {
		return nil, err
	}

	row := tx.QueryRow(ctx, `
		SELECT `+sessionColumns+`
		FROM appointment_sessions
		WHERE appointment_id = $1
		FOR UPDATE
	`, appt.ID)
	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Leaving without ever joining is a no-op.
			err = tx.Commit(ctx)
			if err != nil {
				return nil, err
			}
			return nil, nil
		}
		return nil, err
	}

	// Ended sessions are immutable; report the snapshot unchanged.
	if sess.EndedAt != nil || role == "" {
		if err = tx.Commit(ctx); err != nil {
			return nil, err
		}
		return &sess, nil
	}

	left := input.OccurredAt
	switch role {
	case models.RolePatient:
		sess.PatientInRoom = false
		sess.PatientLeftAt = &left
	case models.RolePsychologist:
		sess.PsychologistInRoom = false
		sess.PsychologistLeftAt = &left
	}

	_, err = tx.Exec(ctx, `
		UPDATE appointment_sessions
		SET patient_left_at = $1,
			psychologist_left_at = $2,
			patient_in_room = $3,
			psychologist_in_room = $4
		WHERE session_id = $5
	`, sess.PatientLeftAt, sess.PsychologistLeftAt, sess.PatientInRoom, sess.PsychologistInRoom, sess.ID)
	if err != nil {
		return nil, err
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &sess, nil
}

// EndSession finalizes the call. The appointment row is locked before the
// session row; the no-show sweep acquires its locks in the same order.
func (s *Store) EndSession(ctx context.Context, input store.ActionInput) (*models.AppointmentSession, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	appt, err := fetchAppointment(ctx, tx, input.AppointmentID, true)
	if err != nil {
		return nil, err
	}
	if !isPsychologistOwner(appt, input.Actor) && input.Actor.Role != models.RoleAdmin {
		err = store.ErrForbidden
		return nil, err
	}

	sess, err := lockOrCreateSession(ctx, tx, appt.ID, uuid.NewString())
	if err != nil {
		return nil, err
	}
	if sess.EndedAt != nil {
		err = store.ErrConflict
		return nil, err
	}

	now := input.OccurredAt
	if sess.StartedAt == nil {
		// End before anyone joined yields a zero-length session.
		startedAt := now
		sess.StartedAt = &startedAt
	}
	duration := minutesBetween(*sess.StartedAt, now)
	sess.EndedAt = &now
	sess.DurationMinutes = &duration
	sess.Status = models.SessionStatusCompleted
	sess.PatientInRoom = false
	sess.PsychologistInRoom = false

	_, err = tx.Exec(ctx, `
		UPDATE appointment_sessions
		SET started_at = $1,
			ended_at = $2,
			duration_minutes = $3,
			status = $4,
			patient_in_room = FALSE,
			psychologist_in_room = FALSE
		WHERE session_id = $5
	`, sess.StartedAt, sess.EndedAt, duration, sess.Status, sess.ID)
	if err != nil {
		return nil, err
	}

	if appt.Status == models.StatusConfirmed && store.ValidTransition(appt.Status, models.StatusCompleted) {
		_, err = tx.Exec(ctx, `
			UPDATE appointments SET status = $1 WHERE appointment_id = $2
		`, models.StatusCompleted, appt.ID)
		if err != nil {
			return nil, err
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, err
	}

	s.record(ctx, activity.Entry{
		ActorID:     activity.Int64Ptr(input.Actor.UserID),
		ActorRole:   activity.StringPtr(input.Actor.Role),
		Action:      "session.ended",
		TargetType:  activity.StringPtr("appointment_session"),
		TargetID:    activity.Int64Ptr(sess.ID),
		Description: activity.StringPtr(fmt.Sprintf("session ended after %d minutes", duration)),
		OccurredAt:  input.OccurredAt,
	})
	return &sess, nil
}

func (s *Store) RateSession(ctx context.Context, input store.RatingInput) (*models.AppointmentSession, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	appt, err := fetchAppointment(ctx, tx, input.AppointmentID, false)
	if err != nil {
		return nil, err
	}
	if appt.PatientID == nil || *appt.PatientID != input.Actor.UserID {
		err = store.ErrForbidden
		return nil, err
	}

	row := tx.QueryRow(ctx, `
		SELECT `+sessionColumns+`
		FROM appointment_sessions
		WHERE appointment_id = $1
		FOR UPDATE
	`, appt.ID)
	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = store.ErrSessionNotFound
		}
		return nil, err
	}
	if sess.EndedAt == nil {
		err = store.ErrInvalidState
		return nil, err
	}
	if sess.Rating != nil {
		err = store.ErrConflict
		return nil, err
	}

	ratedAt := input.OccurredAt
	_, err = tx.Exec(ctx, `
		UPDATE appointment_sessions
		SET rating = $1, rating_comment = $2, rated_at = $3
		WHERE session_id = $4
	`, input.Rating, nullIfEmpty(input.Comment), ratedAt, sess.ID)
	if err != nil {
		return nil, err
	}

	sess.Rating = &input.Rating
	if input.Comment != "" {
		sess.RatingComment = &input.Comment
	}
	sess.RatedAt = &ratedAt

	if err = tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &sess, nil
}

// SweepNoShows picks confirmed appointments past the grace window and
// finalizes each in its own transaction; rows that changed under us are
// skipped silently.
func (s *Store) SweepNoShows(ctx context.Context, now time.Time, grace time.Duration, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 500
	}
	cutoff := now.Add(-grace)

	rows, err := s.pool.Query(ctx, `
		SELECT appointment_id
		FROM appointments
		WHERE status = $1 AND scheduled_start <= $2
		ORDER BY scheduled_start ASC
		LIMIT $3
	`, models.StatusConfirmed, cutoff, batchSize)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return 0, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	processed := 0
	for _, id := range ids {
		done, err := s.finalizeNoShow(ctx, id, now)
		if err != nil {
			log.Printf("no-show sweep appointment=%d error: %v", id, err)
			continue
		}
		if done {
			processed++
		}
	}
	return processed, nil
}

func (s *Store) finalizeNoShow(ctx context.Context, appointmentID int64, now time.Time) (bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	appt, err := fetchAppointment(ctx, tx, appointmentID, true)
	if err != nil {
		if errors.Is(err, store.ErrAppointmentNotFound) {
			err = tx.Commit(ctx)
			return false, err
		}
		return false, err
	}
	if appt.Status != models.StatusConfirmed {
		// Another actor finalized it first; not an error.
		err = tx.Commit(ctx)
		return false, err
	}

	sess, err := lockOrCreateSession(ctx, tx, appt.ID, uuid.NewString())
	if err != nil {
		return false, err
	}
	if sess.EndedAt != nil || sess.Status == models.SessionStatusCompleted || sess.StartedAt != nil {
		err = tx.Commit(ctx)
		return false, err
	}

	patientJoined := sess.PatientJoinedAt != nil
	psychologistJoined := sess.PsychologistJoinedAt != nil
	if patientJoined && psychologistJoined {
		// Both joined but started_at never got set; leave it for a human.
		err = tx.Commit(ctx)
		return false, err
	}

	var noShowBy *string
	var noShowUserID *int64
	description := "no-show: neither participant joined"
	switch {
	case patientJoined && !psychologistJoined:
		noShowBy = activity.StringPtr(models.RolePsychologist)
		noShowUserID = appt.PsychologistID
		description = "no-show: psychologist did not join"
	case psychologistJoined && !patientJoined:
		noShowBy = activity.StringPtr(models.RolePatient)
		noShowUserID = appt.PatientID
		description = "no-show: patient did not join"
	}

	_, err = tx.Exec(ctx, `
		UPDATE appointments
		SET status = $1, no_show_by = $2, no_show_user_id = $3
		WHERE appointment_id = $4
	`, models.StatusNoShow, noShowBy, noShowUserID, appt.ID)
	if err != nil {
		return false, err
	}

	roomID := sess.RoomID
	if roomID == "" {
		roomID = uuid.NewString()
	}
	_, err = tx.Exec(ctx, `
		UPDATE appointment_sessions
		SET room_id = $1,
			status = $2,
			ended_at = $3,
			duration_minutes = 0,
			patient_in_room = FALSE,
			psychologist_in_room = FALSE
		WHERE session_id = $4
	`, roomID, models.SessionStatusCompleted, now, sess.ID)
	if err != nil {
		return false, err
	}

	if err = tx.Commit(ctx); err != nil {
		return false, err
	}

	s.record(ctx, activity.Entry{
		ActorRole:   activity.StringPtr("system"),
		Action:      "appointment.no_show",
		TargetType:  activity.StringPtr("appointment"),
		TargetID:    activity.Int64Ptr(appt.ID),
		Description: activity.StringPtr(description),
		OccurredAt:  now,
	})
	return true, nil
}

// SweepStaleSessions completes sessions that started but were never ended
// after both parties left. A rejoin that lands before the sweep locks the row
// aborts that row.
func (s *Store) SweepStaleSessions(ctx context.Context, now time.Time, cutoff time.Duration, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 500
	}
	staleBefore := now.Add(-cutoff)

	rows, err := s.pool.Query(ctx, `
		SELECT session_id, appointment_id
		FROM appointment_sessions
		WHERE status = $1
			AND started_at IS NOT NULL
			AND ended_at IS NULL
			AND started_at <= $2
			AND patient_in_room = FALSE
			AND psychologist_in_room = FALSE
		ORDER BY started_at ASC
		LIMIT $3
	`, models.SessionStatusActive, staleBefore, batchSize)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	type candidate struct {
		sessionID     int64
		appointmentID int64
	}
	var candidates []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.sessionID, &c.appointmentID); err != nil {
			return 0, err
		}
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	processed := 0
	for _, c := range candidates {
		done, err := s.finalizeStaleSession(ctx, c.sessionID, c.appointmentID, now, staleBefore)
		if err != nil {
			log.Printf("stale-session sweep session=%d error: %v", c.sessionID, err)
			continue
		}
		if done {
			processed++
		}
	}
	return processed, nil
}

func (s *Store) finalizeStaleSession(ctx context.Context, sessionID, appointmentID int64, now, staleBefore time.Time) (bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	// Appointment first, then session: same order as EndSession.
	appt, err := fetchAppointment(ctx, tx, appointmentID, true)
	if err != nil {
		if errors.Is(err, store.ErrAppointmentNotFound) {
			err = tx.Commit(ctx)
			return false, err
		}
		return false, err
	}

	row := tx.QueryRow(ctx, `
		SELECT `+sessionColumns+`
		FROM appointment_sessions
		WHERE session_id = $1
		FOR UPDATE
	`, sessionID)
	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = tx.Commit(ctx)
			return false, err
		}
		return false, err
	}

	if sess.Status != models.SessionStatusActive ||
		sess.EndedAt != nil ||
		sess.StartedAt == nil ||
		sess.StartedAt.After(staleBefore) ||
		sess.PatientInRoom || sess.PsychologistInRoom {
		err = tx.Commit(ctx)
		return false, err
	}

	duration := minutesBetween(*sess.StartedAt, now)
	_, err = tx.Exec(ctx, `
		UPDATE appointment_sessions
		SET status = $1, ended_at = $2, duration_minutes = $3
		WHERE session_id = $4
	`, models.SessionStatusCompleted, now, duration, sess.ID)
	if err != nil {
		return false, err
	}

	completedAppointment := false
	if appt.Status == models.StatusConfirmed && store.ValidTransition(appt.Status, models.StatusCompleted) {
		_, err = tx.Exec(ctx, `
			UPDATE appointments SET status = $1 WHERE appointment_id = $2
		`, models.StatusCompleted, appt.ID)
		if err != nil {
			return false, err
		}
		completedAppointment = true
	}

	if err = tx.Commit(ctx); err != nil {
		return false, err
	}

	if completedAppointment {
		s.record(ctx, activity.Entry{
			ActorRole:   activity.StringPtr("system"),
			Action:      "appointment.auto_completed",
			TargetType:  activity.StringPtr("appointment"),
			TargetID:    activity.Int64Ptr(appt.ID),
			Description: activity.StringPtr(fmt.Sprintf("system auto-completed abandoned session after %d minutes", duration)),
			OccurredAt:  now,
		})
	}
	return true, nil
}

func (s *Store) GetUserSession(ctx context.Context, token string) (store.UserSession, error) {
	var us store.UserSession
	row := s.pool.QueryRow(ctx, `
		SELECT us.token, us.user_id, u.role, us.expires_at
		FROM user_sessions us
		JOIN users u ON u.user_id = us.user_id
		WHERE us.token = $1
	`, token)
	if err := row.Scan(&us.Token, &us.UserID, &us.Role, &us.ExpiresAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.UserSession{}, store.ErrTokenNotFound
		}
		return store.UserSession{}, err
	}
	if us.ExpiresAt.Before(time.Now().UTC()) {
		return store.UserSession{}, store.ErrTokenNotFound
	}
	return us, nil
}

func (s *Store) record(ctx context.Context, entry activity.Entry) {
	if err := s.activity.Record(ctx, entry); err != nil {
		log.Printf("activity log error: %v", err)
	}
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func fetchAppointment(ctx context.Context, q querier, appointmentID int64, forUpdate bool) (models.Appointment, error) {
	query := `SELECT ` + appointmentColumns + ` FROM appointments WHERE appointment_id = $1`
	if forUpdate {
		query += " FOR UPDATE"
	}
	row := q.QueryRow(ctx, query, appointmentID)
	appt, err := scanAppointment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Appointment{}, store.ErrAppointmentNotFound
		}
		return models.Appointment{}, err
	}
	return appt, nil
}

// lockOrCreateSession get-or-creates the appointment's session row and locks
// it. An existing row's non-empty room_id is never overwritten.
func lockOrCreateSession(ctx context.Context, tx pgx.Tx, appointmentID int64, roomID string) (models.AppointmentSession, error) {
	_, err := tx.Exec(ctx, `
		INSERT INTO appointment_sessions (appointment_id, room_id, status)
		VALUES ($1, $2, $3)
		ON CONFLICT (appointment_id) DO NOTHING
	`, appointmentID, roomID, models.SessionStatusActive)
	if err != nil {
		return models.AppointmentSession{}, err
	}

	row := tx.QueryRow(ctx, `
		SELECT `+sessionColumns+`
		FROM appointment_sessions
		WHERE appointment_id = $1
		FOR UPDATE
	`, appointmentID)
	return scanSession(row)
}

// participantRole maps the actor to their side of the appointment. Admins who
// are not participants get an empty role; everyone else must match one of the
// two participant slots.
func participantRole(appt models.Appointment, actor store.Actor) (string, error) {
	if appt.PatientID != nil && *appt.PatientID == actor.UserID {
		return models.RolePatient, nil
	}
	if appt.PsychologistID != nil && *appt.PsychologistID == actor.UserID {
		return models.RolePsychologist, nil
	}
	if actor.Role == models.RoleAdmin {
		return "", nil
	}
	return "", store.ErrForbidden
}

func isPsychologistOwner(appt models.Appointment, actor store.Actor) bool {
	return appt.PsychologistID != nil && *appt.PsychologistID == actor.UserID
}

func minutesBetween(start, end time.Time) int {
	minutes := int(end.Sub(start).Minutes())
	if minutes < 0 {
		return 0
	}
	return minutes
}

func scanAppointment(row pgx.Row) (models.Appointment, error) {
	var appt models.Appointment
	var patientID, psychologistID, canceledByUserID, noShowUserID sql.NullInt64
	var price, currency, canceledBy, cancellationReason, noShowBy sql.NullString
	var canceledAt sql.NullTime
	err := row.Scan(&appt.ID, &patientID, &psychologistID, &appt.ScheduledStart, &appt.ScheduledEnd, &appt.Status,
		&price, &currency, &canceledBy, &canceledByUserID, &cancellationReason, &canceledAt,
		&noShowBy, &noShowUserID, &appt.CreatedAt)
	if err != nil {
		return models.Appointment{}, err
	}
	appt.PatientID = nullInt64Ptr(patientID)
	appt.PsychologistID = nullInt64Ptr(psychologistID)
	if price.Valid {
		appt.Price = price.String
	}
	if currency.Valid {
		appt.Currency = currency.String
	}
	appt.CanceledBy = nullStringPtr(canceledBy)
	appt.CanceledByUserID = nullInt64Ptr(canceledByUserID)
	appt.CancellationReason = nullStringPtr(cancellationReason)
	appt.CanceledAt = nullTimePtr(canceledAt)
	appt.NoShowBy = nullStringPtr(noShowBy)
	appt.NoShowUserID = nullInt64Ptr(noShowUserID)
	return appt, nil
}

func scanSession(row pgx.Row) (models.AppointmentSession, error) {
	var sess models.AppointmentSession
	var startedAt, endedAt, patientJoinedAt, psychologistJoinedAt, patientLeftAt, psychologistLeftAt, ratedAt sql.NullTime
	var durationMinutes, rating sql.NullInt64
	var ratingComment sql.NullString
	err := row.Scan(&sess.ID, &sess.AppointmentID, &sess.RoomID, &sess.Status, &startedAt, &endedAt, &durationMinutes,
		&patientJoinedAt, &psychologistJoinedAt, &patientLeftAt, &psychologistLeftAt,
		&sess.PatientInRoom, &sess.PsychologistInRoom, &rating, &ratingComment, &ratedAt)
	if err != nil {
		return models.AppointmentSession{}, err
	}
	sess.StartedAt = nullTimePtr(startedAt)
	sess.EndedAt = nullTimePtr(endedAt)
	if durationMinutes.Valid {
		minutes := int(durationMinutes.Int64)
		sess.DurationMinutes = &minutes
	}
	sess.PatientJoinedAt = nullTimePtr(patientJoinedAt)
	sess.PsychologistJoinedAt = nullTimePtr(psychologistJoinedAt)
	sess.PatientLeftAt = nullTimePtr(patientLeftAt)
	sess.PsychologistLeftAt = nullTimePtr(psychologistLeftAt)
	if rating.Valid {
		value := int(rating.Int64)
		sess.Rating = &value
	}
	sess.RatingComment = nullStringPtr(ratingComment)
	sess.RatedAt = nullTimePtr(ratedAt)
	return sess, nil
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time
	return &t
}

func nullInt64Ptr(value sql.NullInt64) *int64 {
	if !value.Valid {
		return nil
	}
	v := value.Int64
	return &v
}

func nullStringPtr(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	v := value.String
	return &v
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}
