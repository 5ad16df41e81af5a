package postgres

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"telecare/session-service/internal/activity"
	"telecare/session-service/internal/models"
	"telecare/session-service/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

func setupTestStore(t *testing.T, ctx context.Context) (*Store, *pgxpool.Pool, func()) {
	t.Helper()
	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		dsn = os.Getenv("DB_DSN")
	}
	if dsn == "" {
		t.Skip("TEST_DB_DSN or DB_DSN is required for integration tests")
	}

	schema := "test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if err := createSchema(ctx, dsn, schema); err != nil {
		t.Fatalf("create schema: %v", err)
	}

	pool, err := newPoolWithSchema(ctx, dsn, schema)
	if err != nil {
		t.Fatalf("open pool: %v", err)
	}

	if err := applyMigrations(ctx, pool); err != nil {
		pool.Close()
		t.Fatalf("apply migrations: %v", err)
	}

	st := NewStore(pool, activity.NewPostgresLog(pool))
	cleanup := func() {
		pool.Close()
		_ = dropSchema(context.Background(), dsn, schema)
	}
	return st, pool, cleanup
}

func createSchema(ctx context.Context, dsn, schema string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, "CREATE SCHEMA "+schema)
	return err
}

func dropSchema(ctx context.Context, dsn, schema string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, "DROP SCHEMA "+schema+" CASCADE")
	return err
}

func newPoolWithSchema(ctx context.Context, dsn, schema string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	config.ConnConfig.RuntimeParams["search_path"] = schema
	return pgxpool.NewWithConfig(ctx, config)
}

func applyMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	dir := filepath.Join("..", "..", "..", "migrations")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	var names []string
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".sql") {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		content, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return err
		}
		if _, err := pool.Exec(ctx, string(content)); err != nil {
			return err
		}
	}
	return nil
}

func seedUser(t *testing.T, ctx context.Context, pool *pgxpool.Pool, role string) int64 {
	t.Helper()
	var id int64
	err := pool.QueryRow(ctx, `
		INSERT INTO users (name, email, role) VALUES ($1, $2, $3)
		RETURNING user_id
	`, role+" user", uuid.NewString()+"@example.com", role).Scan(&id)
	if err != nil {
		t.Fatalf("seed user: %v", err)
	}
	return id
}

func seedAppointment(t *testing.T, ctx context.Context, pool *pgxpool.Pool, patientID, psychologistID int64, start time.Time, status string) int64 {
	t.Helper()
	var id int64
	err := pool.QueryRow(ctx, `
		INSERT INTO appointments (patient_id, psychologist_id, scheduled_start, scheduled_end, status, price, currency)
		VALUES ($1, $2, $3, $4, $5, 75.00, 'EUR')
		RETURNING appointment_id
	`, patientID, psychologistID, start, start.Add(50*time.Minute), status).Scan(&id)
	if err != nil {
		t.Fatalf("seed appointment: %v", err)
	}
	return id
}

func fetchAppointmentRow(t *testing.T, ctx context.Context, pool *pgxpool.Pool, id int64) models.Appointment {
	t.Helper()
	appt, err := fetchAppointment(ctx, pool, id, false)
	if err != nil {
		t.Fatalf("fetch appointment: %v", err)
	}
	return appt
}

func fetchSessionRow(t *testing.T, ctx context.Context, pool *pgxpool.Pool, appointmentID int64) *models.AppointmentSession {
	t.Helper()
	row := pool.QueryRow(ctx, `
		SELECT `+sessionColumns+`
		FROM appointment_sessions
		WHERE appointment_id = $1
	`, appointmentID)
	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		t.Fatalf("fetch session: %v", err)
	}
	return &sess
}

func join(t *testing.T, ctx context.Context, st *Store, appointmentID, userID int64, role, roomID string, at time.Time) *models.AppointmentSession {
	t.Helper()
	sess, err := st.JoinSession(ctx, store.JoinInput{
		AppointmentID: appointmentID,
		Actor:         store.Actor{UserID: userID, Role: role},
		RoomID:        roomID,
		OccurredAt:    at,
	})
	if err != nil {
		t.Fatalf("join as %s: %v", role, err)
	}
	return sess
}

func leave(t *testing.T, ctx context.Context, st *Store, appointmentID, userID int64, role string, at time.Time) {
	t.Helper()
	if _, err := st.LeaveSession(ctx, store.ActionInput{
		AppointmentID: appointmentID,
		Actor:         store.Actor{UserID: userID, Role: role},
		OccurredAt:    at,
	}); err != nil {
		t.Fatalf("leave as %s: %v", role, err)
	}
}

func TestNoShowSweepNeitherJoined(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	patientID := seedUser(t, ctx, pool, models.RolePatient)
	psychologistID := seedUser(t, ctx, pool, models.RolePsychologist)
	now := time.Now().UTC()
	apptID := seedAppointment(t, ctx, pool, patientID, psychologistID, now.Add(-25*time.Minute), models.StatusConfirmed)

	processed, err := st.SweepNoShows(ctx, now, 20*time.Minute, 500)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if processed != 1 {
		t.Fatalf("processed = %d, want 1", processed)
	}

	appt := fetchAppointmentRow(t, ctx, pool, apptID)
	if appt.Status != models.StatusNoShow {
		t.Fatalf("status = %q", appt.Status)
	}
	if appt.NoShowBy != nil || appt.NoShowUserID != nil {
		t.Fatalf("expected ambiguous no-show, got by=%v user=%v", appt.NoShowBy, appt.NoShowUserID)
	}

	sess := fetchSessionRow(t, ctx, pool, apptID)
	if sess == nil {
		t.Fatalf("session should be created by the sweep")
	}
	if sess.Status != models.SessionStatusCompleted || sess.EndedAt == nil {
		t.Fatalf("session = %+v", sess)
	}
	if sess.DurationMinutes == nil || *sess.DurationMinutes != 0 {
		t.Fatalf("duration = %v, want 0", sess.DurationMinutes)
	}
	if sess.RoomID == "" {
		t.Fatalf("sweep must assign a room id")
	}

	var logged int
	if err := pool.QueryRow(ctx, `
		SELECT count(*) FROM activity_logs WHERE action = 'appointment.no_show' AND target_id = $1
	`, apptID).Scan(&logged); err != nil {
		t.Fatalf("count activity: %v", err)
	}
	if logged != 1 {
		t.Fatalf("activity entries = %d, want 1", logged)
	}
}

func TestNoShowSweepPsychologistMissed(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	patientID := seedUser(t, ctx, pool, models.RolePatient)
	psychologistID := seedUser(t, ctx, pool, models.RolePsychologist)
	now := time.Now().UTC()
	start := now.Add(-25 * time.Minute)
	apptID := seedAppointment(t, ctx, pool, patientID, psychologistID, start, models.StatusConfirmed)

	join(t, ctx, st, apptID, patientID, models.RolePatient, uuid.NewString(), start)

	processed, err := st.SweepNoShows(ctx, now, 20*time.Minute, 500)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if processed != 1 {
		t.Fatalf("processed = %d, want 1", processed)
	}

	appt := fetchAppointmentRow(t, ctx, pool, apptID)
	if appt.Status != models.StatusNoShow {
		t.Fatalf("status = %q", appt.Status)
	}
	if appt.NoShowBy == nil || *appt.NoShowBy != models.RolePsychologist {
		t.Fatalf("no_show_by = %v", appt.NoShowBy)
	}
	if appt.NoShowUserID == nil || *appt.NoShowUserID != psychologistID {
		t.Fatalf("no_show_user_id = %v", appt.NoShowUserID)
	}
}

func TestNoShowSweepSkipsStartedSession(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	patientID := seedUser(t, ctx, pool, models.RolePatient)
	psychologistID := seedUser(t, ctx, pool, models.RolePsychologist)
	now := time.Now().UTC()
	start := now.Add(-30 * time.Minute)
	apptID := seedAppointment(t, ctx, pool, patientID, psychologistID, start, models.StatusConfirmed)

	roomID := uuid.NewString()
	join(t, ctx, st, apptID, patientID, models.RolePatient, roomID, start)
	sess := join(t, ctx, st, apptID, psychologistID, models.RolePsychologist, roomID, start.Add(time.Minute))
	if sess.StartedAt == nil {
		t.Fatalf("session should have started")
	}

	processed, err := st.SweepNoShows(ctx, now, 20*time.Minute, 500)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if processed != 0 {
		t.Fatalf("processed = %d, want 0", processed)
	}

	appt := fetchAppointmentRow(t, ctx, pool, apptID)
	if appt.Status != models.StatusConfirmed {
		t.Fatalf("status = %q, want confirmed", appt.Status)
	}
}

func TestNoShowSweepBatchLimit(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	patientID := seedUser(t, ctx, pool, models.RolePatient)
	psychologistID := seedUser(t, ctx, pool, models.RolePsychologist)
	now := time.Now().UTC()
	for i := 0; i < 3; i++ {
		seedAppointment(t, ctx, pool, patientID, psychologistID, now.Add(-time.Duration(30+i)*time.Minute), models.StatusConfirmed)
	}

	processed, err := st.SweepNoShows(ctx, now, 20*time.Minute, 2)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if processed != 2 {
		t.Fatalf("processed = %d, want 2", processed)
	}
}

func TestEndSessionCompletesAppointment(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	patientID := seedUser(t, ctx, pool, models.RolePatient)
	psychologistID := seedUser(t, ctx, pool, models.RolePsychologist)
	start := time.Now().UTC().Add(-40 * time.Minute)
	apptID := seedAppointment(t, ctx, pool, patientID, psychologistID, start, models.StatusConfirmed)

	roomID := uuid.NewString()
	join(t, ctx, st, apptID, patientID, models.RolePatient, roomID, start)
	join(t, ctx, st, apptID, psychologistID, models.RolePsychologist, roomID, start)

	sess, err := st.EndSession(ctx, store.ActionInput{
		AppointmentID: apptID,
		Actor:         store.Actor{UserID: psychologistID, Role: models.RolePsychologist},
		OccurredAt:    start.Add(30 * time.Minute),
	})
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	if sess.Status != models.SessionStatusCompleted || sess.EndedAt == nil {
		t.Fatalf("session = %+v", sess)
	}
	if sess.DurationMinutes == nil || *sess.DurationMinutes != 30 {
		t.Fatalf("duration = %v, want 30", sess.DurationMinutes)
	}
	if sess.PatientInRoom || sess.PsychologistInRoom {
		t.Fatalf("in-room flags must be cleared")
	}

	appt := fetchAppointmentRow(t, ctx, pool, apptID)
	if appt.Status != models.StatusCompleted {
		t.Fatalf("status = %q, want completed", appt.Status)
	}

	// A second end collides with the finalized session.
	_, err = st.EndSession(ctx, store.ActionInput{
		AppointmentID: apptID,
		Actor:         store.Actor{UserID: psychologistID, Role: models.RolePsychologist},
		OccurredAt:    start.Add(31 * time.Minute),
	})
	if err != store.ErrConflict {
		t.Fatalf("second end error = %v, want ErrConflict", err)
	}
}

func TestEndBeforeAnyJoin(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	patientID := seedUser(t, ctx, pool, models.RolePatient)
	psychologistID := seedUser(t, ctx, pool, models.RolePsychologist)
	now := time.Now().UTC()
	apptID := seedAppointment(t, ctx, pool, patientID, psychologistID, now.Add(-5*time.Minute), models.StatusConfirmed)

	sess, err := st.EndSession(ctx, store.ActionInput{
		AppointmentID: apptID,
		Actor:         store.Actor{UserID: psychologistID, Role: models.RolePsychologist},
		OccurredAt:    now,
	})
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	if sess.StartedAt == nil || !sess.StartedAt.Equal(*sess.EndedAt) {
		t.Fatalf("expected zero-length session, got started=%v ended=%v", sess.StartedAt, sess.EndedAt)
	}
	if sess.DurationMinutes == nil || *sess.DurationMinutes != 0 {
		t.Fatalf("duration = %v, want 0", sess.DurationMinutes)
	}
}

func TestEndForbiddenForPatient(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	patientID := seedUser(t, ctx, pool, models.RolePatient)
	psychologistID := seedUser(t, ctx, pool, models.RolePsychologist)
	now := time.Now().UTC()
	apptID := seedAppointment(t, ctx, pool, patientID, psychologistID, now, models.StatusConfirmed)

	_, err := st.EndSession(ctx, store.ActionInput{
		AppointmentID: apptID,
		Actor:         store.Actor{UserID: patientID, Role: models.RolePatient},
		OccurredAt:    now,
	})
	if err != store.ErrForbidden {
		t.Fatalf("error = %v, want ErrForbidden", err)
	}
}

func TestStaleSweepCompletesAbandonedSession(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	patientID := seedUser(t, ctx, pool, models.RolePatient)
	psychologistID := seedUser(t, ctx, pool, models.RolePsychologist)
	start := time.Now().UTC().Add(-70 * time.Minute)
	apptID := seedAppointment(t, ctx, pool, patientID, psychologistID, start, models.StatusConfirmed)

	roomID := uuid.NewString()
	join(t, ctx, st, apptID, patientID, models.RolePatient, roomID, start)
	join(t, ctx, st, apptID, psychologistID, models.RolePsychologist, roomID, start)
	leave(t, ctx, st, apptID, patientID, models.RolePatient, start.Add(10*time.Minute))
	leave(t, ctx, st, apptID, psychologistID, models.RolePsychologist, start.Add(10*time.Minute))

	now := start.Add(60 * time.Minute)
	processed, err := st.SweepStaleSessions(ctx, now, 60*time.Minute, 500)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if processed != 1 {
		t.Fatalf("processed = %d, want 1", processed)
	}

	sess := fetchSessionRow(t, ctx, pool, apptID)
	if sess.Status != models.SessionStatusCompleted || sess.EndedAt == nil {
		t.Fatalf("session = %+v", sess)
	}
	if sess.DurationMinutes == nil || *sess.DurationMinutes != 60 {
		t.Fatalf("duration = %v, want 60", sess.DurationMinutes)
	}

	appt := fetchAppointmentRow(t, ctx, pool, apptID)
	if appt.Status != models.StatusCompleted {
		t.Fatalf("status = %q, want completed", appt.Status)
	}

	var logged int
	if err := pool.QueryRow(ctx, `
		SELECT count(*) FROM activity_logs WHERE action = 'appointment.auto_completed' AND target_id = $1
	`, apptID).Scan(&logged); err != nil {
		t.Fatalf("count activity: %v", err)
	}
	if logged != 1 {
		t.Fatalf("activity entries = %d, want 1", logged)
	}
}

func TestStaleSweepSkipsRejoinedParticipant(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	patientID := seedUser(t, ctx, pool, models.RolePatient)
	psychologistID := seedUser(t, ctx, pool, models.RolePsychologist)
	start := time.Now().UTC().Add(-80 * time.Minute)
	apptID := seedAppointment(t, ctx, pool, patientID, psychologistID, start, models.StatusConfirmed)

	roomID := uuid.NewString()
	join(t, ctx, st, apptID, patientID, models.RolePatient, roomID, start)
	join(t, ctx, st, apptID, psychologistID, models.RolePsychologist, roomID, start)
	leave(t, ctx, st, apptID, patientID, models.RolePatient, start.Add(10*time.Minute))
	leave(t, ctx, st, apptID, psychologistID, models.RolePsychologist, start.Add(10*time.Minute))
	join(t, ctx, st, apptID, patientID, models.RolePatient, roomID, start.Add(50*time.Minute))

	processed, err := st.SweepStaleSessions(ctx, start.Add(65*time.Minute), 60*time.Minute, 500)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if processed != 0 {
		t.Fatalf("processed = %d, want 0", processed)
	}

	sess := fetchSessionRow(t, ctx, pool, apptID)
	if sess.Status != models.SessionStatusActive || sess.EndedAt != nil {
		t.Fatalf("session must remain active, got %+v", sess)
	}
}

func TestJoinMonotonicFirstJoin(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	patientID := seedUser(t, ctx, pool, models.RolePatient)
	psychologistID := seedUser(t, ctx, pool, models.RolePsychologist)
	// Postgres stores microseconds; align the base time so round-tripped
	// timestamps compare equal.
	start := time.Now().UTC().Truncate(time.Microsecond).Add(-10 * time.Minute)
	apptID := seedAppointment(t, ctx, pool, patientID, psychologistID, start, models.StatusConfirmed)

	roomID := uuid.NewString()
	first := join(t, ctx, st, apptID, patientID, models.RolePatient, roomID, start)
	second := join(t, ctx, st, apptID, patientID, models.RolePatient, roomID, start.Add(5*time.Minute))

	if first.PatientJoinedAt == nil || second.PatientJoinedAt == nil {
		t.Fatalf("patient_joined_at missing")
	}
	if !second.PatientJoinedAt.Equal(*first.PatientJoinedAt) {
		t.Fatalf("first-join timestamp moved: %v -> %v", first.PatientJoinedAt, second.PatientJoinedAt)
	}
}

func TestConcurrentJoinsStartSessionOnce(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	patientID := seedUser(t, ctx, pool, models.RolePatient)
	psychologistID := seedUser(t, ctx, pool, models.RolePsychologist)
	start := time.Now().UTC()
	apptID := seedAppointment(t, ctx, pool, patientID, psychologistID, start, models.StatusConfirmed)

	roomID := uuid.NewString()
	actors := []store.Actor{
		{UserID: patientID, Role: models.RolePatient},
		{UserID: psychologistID, Role: models.RolePsychologist},
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(actors))
	for _, actor := range actors {
		wg.Add(1)
		go func(a store.Actor) {
			defer wg.Done()
			_, err := st.JoinSession(ctx, store.JoinInput{
				AppointmentID: apptID,
				Actor:         a,
				RoomID:        roomID,
				OccurredAt:    time.Now().UTC(),
			})
			errs <- err
		}(actor)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("join error: %v", err)
		}
	}

	sess := fetchSessionRow(t, ctx, pool, apptID)
	if sess.StartedAt == nil {
		t.Fatalf("started_at must be set once both joined")
	}
	if sess.PatientJoinedAt == nil || sess.PsychologistJoinedAt == nil {
		t.Fatalf("both first-join timestamps must be set")
	}
	if !sess.PatientInRoom || !sess.PsychologistInRoom {
		t.Fatalf("both in-room flags must be true")
	}
}

func TestJoinRequiresConfirmedAppointment(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	patientID := seedUser(t, ctx, pool, models.RolePatient)
	psychologistID := seedUser(t, ctx, pool, models.RolePsychologist)
	now := time.Now().UTC()
	apptID := seedAppointment(t, ctx, pool, patientID, psychologistID, now, models.StatusPending)

	_, err := st.JoinSession(ctx, store.JoinInput{
		AppointmentID: apptID,
		Actor:         store.Actor{UserID: patientID, Role: models.RolePatient},
		RoomID:        uuid.NewString(),
		OccurredAt:    now,
	})
	if err != store.ErrInvalidState {
		t.Fatalf("error = %v, want ErrInvalidState", err)
	}
}

func TestJoinForbiddenForStranger(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	patientID := seedUser(t, ctx, pool, models.RolePatient)
	psychologistID := seedUser(t, ctx, pool, models.RolePsychologist)
	strangerID := seedUser(t, ctx, pool, models.RolePatient)
	now := time.Now().UTC()
	apptID := seedAppointment(t, ctx, pool, patientID, psychologistID, now, models.StatusConfirmed)

	_, err := st.JoinSession(ctx, store.JoinInput{
		AppointmentID: apptID,
		Actor:         store.Actor{UserID: strangerID, Role: models.RolePatient},
		RoomID:        uuid.NewString(),
		OccurredAt:    now,
	})
	if err != store.ErrForbidden {
		t.Fatalf("error = %v, want ErrForbidden", err)
	}
}

func TestRoomIDIsStable(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	patientID := seedUser(t, ctx, pool, models.RolePatient)
	psychologistID := seedUser(t, ctx, pool, models.RolePsychologist)
	now := time.Now().UTC()
	apptID := seedAppointment(t, ctx, pool, patientID, psychologistID, now, models.StatusConfirmed)

	roomA := uuid.NewString()
	roomB := uuid.NewString()
	join(t, ctx, st, apptID, patientID, models.RolePatient, roomA, now)
	sess := join(t, ctx, st, apptID, psychologistID, models.RolePsychologist, roomB, now)

	if sess.RoomID != roomA {
		t.Fatalf("room_id = %q, want the first room %q", sess.RoomID, roomA)
	}
}

func TestLeaveWithoutSessionIsNoOp(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	patientID := seedUser(t, ctx, pool, models.RolePatient)
	psychologistID := seedUser(t, ctx, pool, models.RolePsychologist)
	now := time.Now().UTC()
	apptID := seedAppointment(t, ctx, pool, patientID, psychologistID, now, models.StatusConfirmed)

	sess, err := st.LeaveSession(ctx, store.ActionInput{
		AppointmentID: apptID,
		Actor:         store.Actor{UserID: patientID, Role: models.RolePatient},
		OccurredAt:    now,
	})
	if err != nil {
		t.Fatalf("leave: %v", err)
	}
	if sess != nil {
		t.Fatalf("session = %+v, want nil", sess)
	}
	if row := fetchSessionRow(t, ctx, pool, apptID); row != nil {
		t.Fatalf("leave must not create a session")
	}
}

func TestCancelRecordsMetadata(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	patientID := seedUser(t, ctx, pool, models.RolePatient)
	psychologistID := seedUser(t, ctx, pool, models.RolePsychologist)
	now := time.Now().UTC()
	apptID := seedAppointment(t, ctx, pool, patientID, psychologistID, now.Add(2*time.Hour), models.StatusConfirmed)

	appt, err := st.CancelAppointment(ctx, store.CancelInput{
		AppointmentID: apptID,
		Actor:         store.Actor{UserID: patientID, Role: models.RolePatient},
		Reason:        "schedule conflict",
		OccurredAt:    now,
	})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if appt.Status != models.StatusCancelled {
		t.Fatalf("status = %q", appt.Status)
	}
	if appt.CanceledBy == nil || *appt.CanceledBy != models.RolePatient {
		t.Fatalf("canceled_by = %v", appt.CanceledBy)
	}
	if appt.CanceledByUserID == nil || *appt.CanceledByUserID != patientID {
		t.Fatalf("canceled_by_user_id = %v", appt.CanceledByUserID)
	}
	if appt.CancellationReason == nil || *appt.CancellationReason != "schedule conflict" {
		t.Fatalf("cancellation_reason = %v", appt.CancellationReason)
	}
	if appt.CanceledAt == nil {
		t.Fatalf("canceled_at missing")
	}

	// Terminal state rejects any further transition.
	_, err = st.ConfirmAppointment(ctx, store.ActionInput{
		AppointmentID: apptID,
		Actor:         store.Actor{UserID: psychologistID, Role: models.RolePsychologist},
		OccurredAt:    now,
	})
	if err != store.ErrInvalidTransition {
		t.Fatalf("confirm after cancel error = %v, want ErrInvalidTransition", err)
	}
}

func TestTerminalAppointmentIgnoredBySweep(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	patientID := seedUser(t, ctx, pool, models.RolePatient)
	psychologistID := seedUser(t, ctx, pool, models.RolePsychologist)
	now := time.Now().UTC()
	apptID := seedAppointment(t, ctx, pool, patientID, psychologistID, now.Add(-90*time.Minute), models.StatusCancelled)

	processed, err := st.SweepNoShows(ctx, now, 20*time.Minute, 500)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if processed != 0 {
		t.Fatalf("processed = %d, want 0", processed)
	}

	appt := fetchAppointmentRow(t, ctx, pool, apptID)
	if appt.Status != models.StatusCancelled {
		t.Fatalf("status = %q, want cancelled", appt.Status)
	}
}

func TestRateSessionFlow(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	patientID := seedUser(t, ctx, pool, models.RolePatient)
	psychologistID := seedUser(t, ctx, pool, models.RolePsychologist)
	start := time.Now().UTC().Add(-50 * time.Minute)
	apptID := seedAppointment(t, ctx, pool, patientID, psychologistID, start, models.StatusConfirmed)

	roomID := uuid.NewString()
	join(t, ctx, st, apptID, patientID, models.RolePatient, roomID, start)
	join(t, ctx, st, apptID, psychologistID, models.RolePsychologist, roomID, start)

	// Session still running: rating is premature.
	_, err := st.RateSession(ctx, store.RatingInput{
		AppointmentID: apptID,
		Actor:         store.Actor{UserID: patientID, Role: models.RolePatient},
		Rating:        5,
		OccurredAt:    start.Add(10 * time.Minute),
	})
	if err != store.ErrInvalidState {
		t.Fatalf("rate active session error = %v, want ErrInvalidState", err)
	}

	if _, err := st.EndSession(ctx, store.ActionInput{
		AppointmentID: apptID,
		Actor:         store.Actor{UserID: psychologistID, Role: models.RolePsychologist},
		OccurredAt:    start.Add(45 * time.Minute),
	}); err != nil {
		t.Fatalf("end: %v", err)
	}

	sess, err := st.RateSession(ctx, store.RatingInput{
		AppointmentID: apptID,
		Actor:         store.Actor{UserID: patientID, Role: models.RolePatient},
		Rating:        4,
		Comment:       "helpful session",
		OccurredAt:    start.Add(46 * time.Minute),
	})
	if err != nil {
		t.Fatalf("rate: %v", err)
	}
	if sess.Rating == nil || *sess.Rating != 4 {
		t.Fatalf("rating = %v", sess.Rating)
	}

	_, err = st.RateSession(ctx, store.RatingInput{
		AppointmentID: apptID,
		Actor:         store.Actor{UserID: patientID, Role: models.RolePatient},
		Rating:        2,
		OccurredAt:    start.Add(47 * time.Minute),
	})
	if err != store.ErrConflict {
		t.Fatalf("second rate error = %v, want ErrConflict", err)
	}
}

func TestGetUserSessionExpired(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	userID := seedUser(t, ctx, pool, models.RolePatient)
	token := uuid.NewString()
	if _, err := pool.Exec(ctx, `
		INSERT INTO user_sessions (token, user_id, expires_at) VALUES ($1, $2, $3)
	`, token, userID, time.Now().UTC().Add(-time.Hour)); err != nil {
		t.Fatalf("seed token: %v", err)
	}

	_, err := st.GetUserSession(ctx, token)
	if err != store.ErrTokenNotFound {
		t.Fatalf("error = %v, want ErrTokenNotFound", err)
	}
}
