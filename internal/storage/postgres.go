package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/your-org/proctor/internal/config"
	"github.com/your-org/proctor/internal/models"
)

// ErrDuplicateAssignment is returned when an (invigilator, session) pair
// already has an assignment.
var ErrDuplicateAssignment = errors.New("assignment already exists for this invigilator and session")

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(cfg config.DatabaseConfig) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.MaxConns)

	pool, err := pgxpool.NewWithConfig(context.Background(), poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Students ---

func (s *PostgresStore) CreateStudent(ctx context.Context, st *models.Student) error {
	st.ID = uuid.New()
	vec := pgvector.NewVector(st.ReferenceEmbedding)
	err := s.pool.QueryRow(ctx,
		`INSERT INTO students (id, student_id, first_name, last_name, program, study_year, reference_embedding, photo_key, is_verified)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING created_at`,
		st.ID, st.StudentID, st.FirstName, st.LastName, st.Program, st.StudyYear, vec, st.PhotoKey, st.IsVerified,
	).Scan(&st.CreatedAt)
	if err != nil {
		return fmt.Errorf("create student: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetStudent(ctx context.Context, studentID string) (*models.Student, error) {
	st := &models.Student{}
	var vec pgvector.Vector
	err := s.pool.QueryRow(ctx,
		`SELECT id, student_id, first_name, last_name, program, study_year, reference_embedding, photo_key, is_verified, created_at
		 FROM students WHERE student_id = $1`, studentID,
	).Scan(&st.ID, &st.StudentID, &st.FirstName, &st.LastName, &st.Program, &st.StudyYear,
		&vec, &st.PhotoKey, &st.IsVerified, &st.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get student: %w", err)
	}
	st.ReferenceEmbedding = vec.Slice()
	return st, nil
}

func (s *PostgresStore) ListStudents(ctx context.Context) ([]models.Student, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, student_id, first_name, last_name, program, study_year, photo_key, is_verified, created_at
		 FROM students ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list students: %w", err)
	}
	defer rows.Close()

	var students []models.Student
	for rows.Next() {
		var st models.Student
		if err := rows.Scan(&st.ID, &st.StudentID, &st.FirstName, &st.LastName, &st.Program,
			&st.StudyYear, &st.PhotoKey, &st.IsVerified, &st.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan student: %w", err)
		}
		students = append(students, st)
	}
	return students, nil
}

// --- Courses & registrations ---

func (s *PostgresStore) CreateCourse(ctx context.Context, code, title string) (*models.Course, error) {
	c := &models.Course{
		ID:    uuid.New(),
		Code:  code,
		Title: title,
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO courses (id, code, title) VALUES ($1, $2, $3) RETURNING created_at`,
		c.ID, c.Code, c.Title,
	).Scan(&c.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create course: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) RegisterStudent(ctx context.Context, courseID uuid.UUID, studentID string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO course_registrations (course_id, student_id) VALUES ($1, $2)
		 ON CONFLICT (course_id, student_id) DO NOTHING`,
		courseID, studentID)
	if err != nil {
		return fmt.Errorf("register student: %w", err)
	}
	return nil
}

// --- Exam sessions ---

func (s *PostgresStore) CreateSession(ctx context.Context, es *models.ExamSession) error {
	es.ID = uuid.New()
	if es.Status == "" {
		es.Status = models.SessionStatusPending
	}
	return s.pool.QueryRow(ctx,
		`INSERT INTO exam_sessions (id, room_id, exam_date, start_time, end_time, status)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING created_at, updated_at`,
		es.ID, es.RoomID, es.ExamDate, es.StartTime, es.EndTime, es.Status,
	).Scan(&es.CreatedAt, &es.UpdatedAt)
}

func (s *PostgresStore) GetSession(ctx context.Context, id uuid.UUID) (*models.ExamSession, error) {
	es := &models.ExamSession{}
	err := s.pool.QueryRow(ctx,
		`SELECT id, room_id, exam_date, start_time, end_time, status, created_at, updated_at
		 FROM exam_sessions WHERE id = $1`, id,
	).Scan(&es.ID, &es.RoomID, &es.ExamDate, &es.StartTime, &es.EndTime, &es.Status,
		&es.CreatedAt, &es.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return es, nil
}

func (s *PostgresStore) ListSessions(ctx context.Context) ([]models.ExamSession, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, room_id, exam_date, start_time, end_time, status, created_at, updated_at
		 FROM exam_sessions ORDER BY exam_date DESC, start_time DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []models.ExamSession
	for rows.Next() {
		var es models.ExamSession
		if err := rows.Scan(&es.ID, &es.RoomID, &es.ExamDate, &es.StartTime, &es.EndTime,
			&es.Status, &es.CreatedAt, &es.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, es)
	}
	return sessions, nil
}

func (s *PostgresStore) UpdateSessionStatus(ctx context.Context, id uuid.UUID, status models.SessionStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE exam_sessions SET status = $1, updated_at = now() WHERE id = $2`, status, id)
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("session not found")
	}
	return nil
}

func (s *PostgresStore) LinkCourse(ctx context.Context, sessionID, courseID uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO session_courses (session_id, course_id) VALUES ($1, $2)
		 ON CONFLICT (session_id, course_id) DO NOTHING`,
		sessionID, courseID)
	if err != nil {
		return fmt.Errorf("link course: %w", err)
	}
	return nil
}

func (s *PostgresStore) SessionCourseCount(ctx context.Context, sessionID uuid.UUID) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM session_courses WHERE session_id = $1`, sessionID,
	).Scan(&count)
	return count, err
}

// EligibleStudents returns every student registered for a course linked to the
// session, reference embeddings included.
func (s *PostgresStore) EligibleStudents(ctx context.Context, sessionID uuid.UUID) ([]models.Student, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT st.id, st.student_id, st.first_name, st.last_name, st.program, st.study_year,
		        st.reference_embedding, st.photo_key, st.is_verified, st.created_at
		 FROM students st
		 JOIN course_registrations cr ON cr.student_id = st.student_id
		 JOIN session_courses sc ON sc.course_id = cr.course_id
		 WHERE sc.session_id = $1
		 ORDER BY st.student_id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("eligible students: %w", err)
	}
	defer rows.Close()

	var students []models.Student
	for rows.Next() {
		var st models.Student
		var vec pgvector.Vector
		if err := rows.Scan(&st.ID, &st.StudentID, &st.FirstName, &st.LastName, &st.Program,
			&st.StudyYear, &vec, &st.PhotoKey, &st.IsVerified, &st.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan eligible student: %w", err)
		}
		st.ReferenceEmbedding = vec.Slice()
		students = append(students, st)
	}
	return students, nil
}

// --- Invigilator assignments ---

// CreateAssignment enforces the at-most-one-active-assignment invariant:
// a duplicate (invigilator, session) pair is rejected before insert.
func (s *PostgresStore) CreateAssignment(ctx context.Context, a *models.InvigilatorAssignment) error {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM invigilator_assignments WHERE invigilator_id = $1 AND session_id = $2)`,
		a.InvigilatorID, a.SessionID,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check assignment: %w", err)
	}
	if exists {
		return ErrDuplicateAssignment
	}

	a.ID = uuid.New()
	err = s.pool.QueryRow(ctx,
		`INSERT INTO invigilator_assignments (id, invigilator_id, session_id)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (invigilator_id, session_id) DO NOTHING
		 RETURNING created_at`,
		a.ID, a.InvigilatorID, a.SessionID,
	).Scan(&a.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return ErrDuplicateAssignment
		}
		return fmt.Errorf("create assignment: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSessionAssignment(ctx context.Context, sessionID uuid.UUID) (*models.InvigilatorAssignment, error) {
	a := &models.InvigilatorAssignment{}
	err := s.pool.QueryRow(ctx,
		`SELECT id, invigilator_id, session_id, created_at
		 FROM invigilator_assignments WHERE session_id = $1`, sessionID,
	).Scan(&a.ID, &a.InvigilatorID, &a.SessionID, &a.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get session assignment: %w", err)
	}
	return a, nil
}

// --- Verification attempts ---

// InsertAttempt persists one attempt. The attempt ID is client-generated, so a
// redelivered record is a no-op; the bool reports whether a row was written.
func (s *PostgresStore) InsertAttempt(ctx context.Context, a *models.VerificationAttempt) (bool, error) {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	var vec *pgvector.Vector
	if len(a.CapturedEmbedding) > 0 {
		v := pgvector.NewVector(a.CapturedEmbedding)
		vec = &v
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO verification_attempts
		   (id, session_id, invigilator_id, student_id_candidate, matched_student_id, result, reason, score, captured_embedding, snapshot_key, occurred_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (id) DO NOTHING`,
		a.ID, a.SessionID, a.InvigilatorID, a.StudentIDCandidate, a.MatchedStudentID,
		a.Result, a.Reason, a.Score, vec, a.SnapshotKey, a.OccurredAt, a.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("insert attempt: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) GetAttempt(ctx context.Context, id uuid.UUID) (*models.VerificationAttempt, error) {
	a := &models.VerificationAttempt{}
	err := s.pool.QueryRow(ctx,
		`SELECT id, session_id, invigilator_id, student_id_candidate, matched_student_id, result, reason, score, snapshot_key, occurred_at, created_at
		 FROM verification_attempts WHERE id = $1`, id,
	).Scan(&a.ID, &a.SessionID, &a.InvigilatorID, &a.StudentIDCandidate, &a.MatchedStudentID,
		&a.Result, &a.Reason, &a.Score, &a.SnapshotKey, &a.OccurredAt, &a.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get attempt: %w", err)
	}
	return a, nil
}

func (s *PostgresStore) QueryAttempts(ctx context.Context, sessionID uuid.UUID, limit, offset int) ([]models.VerificationAttempt, int, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}

	var total int
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM verification_attempts WHERE session_id = $1`, sessionID,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count attempts: %w", err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, invigilator_id, student_id_candidate, matched_student_id, result, reason, score, snapshot_key, occurred_at, created_at
		 FROM verification_attempts
		 WHERE session_id = $1 ORDER BY occurred_at DESC LIMIT $2 OFFSET $3`,
		sessionID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("query attempts: %w", err)
	}
	defer rows.Close()

	var attempts []models.VerificationAttempt
	for rows.Next() {
		var a models.VerificationAttempt
		if err := rows.Scan(&a.ID, &a.SessionID, &a.InvigilatorID, &a.StudentIDCandidate,
			&a.MatchedStudentID, &a.Result, &a.Reason, &a.Score, &a.SnapshotKey,
			&a.OccurredAt, &a.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan attempt: %w", err)
		}
		attempts = append(attempts, a)
	}
	return attempts, total, nil
}

// VerifiedStudentIDs returns the students already recorded success in the
// session. The synced store, not device memory, is the cross-device source of
// truth for the already-verified check.
func (s *PostgresStore) VerifiedStudentIDs(ctx context.Context, sessionID uuid.UUID) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT matched_student_id FROM verification_attempts
		 WHERE session_id = $1 AND result = 'success' AND matched_student_id IS NOT NULL`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("verified students: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan verified student: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// --- Operators ---

func (s *PostgresStore) GetOperatorRole(ctx context.Context, operatorID string) (string, error) {
	var role string
	err := s.pool.QueryRow(ctx,
		`SELECT role FROM operators WHERE id = $1`, operatorID,
	).Scan(&role)
	if err != nil {
		if err == pgx.ErrNoRows {
			return "", nil
		}
		return "", fmt.Errorf("get operator role: %w", err)
	}
	return role, nil
}
