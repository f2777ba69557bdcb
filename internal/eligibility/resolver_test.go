package eligibility

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/your-org/proctor/internal/models"
)

type fakeStore struct {
	session     *models.ExamSession
	assignment  *models.InvigilatorAssignment
	courseCount int
	students    []models.Student
	err         error
}

func (f *fakeStore) GetSession(ctx context.Context, id uuid.UUID) (*models.ExamSession, error) {
	return f.session, f.err
}

func (f *fakeStore) GetSessionAssignment(ctx context.Context, id uuid.UUID) (*models.InvigilatorAssignment, error) {
	return f.assignment, nil
}

func (f *fakeStore) SessionCourseCount(ctx context.Context, id uuid.UUID) (int, error) {
	return f.courseCount, nil
}

func (f *fakeStore) EligibleStudents(ctx context.Context, id uuid.UUID) ([]models.Student, error) {
	return f.students, nil
}

func testSession() *models.ExamSession {
	return &models.ExamSession{ID: uuid.New(), RoomID: "A-101", Status: models.SessionStatusActive}
}

func TestResolveSessionNotFound(t *testing.T) {
	r := NewResolver(&fakeStore{})

	if _, err := r.Resolve(context.Background(), uuid.New()); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("got %v, want ErrSessionNotFound", err)
	}
}

func TestResolveNoInvigilator(t *testing.T) {
	r := NewResolver(&fakeStore{session: testSession()})

	if _, err := r.Resolve(context.Background(), uuid.New()); !errors.Is(err, ErrNoInvigilator) {
		t.Errorf("got %v, want ErrNoInvigilator", err)
	}
}

// A session with no linked courses is valid but empty: warning, not error.
func TestResolveZeroCoursesWarnsNotErrors(t *testing.T) {
	session := testSession()
	store := &fakeStore{
		session:    session,
		assignment: &models.InvigilatorAssignment{InvigilatorID: "inv-1", SessionID: session.ID},
	}
	r := NewResolver(store)

	roster, err := r.Resolve(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if roster.Warning == "" {
		t.Error("expected a warning for zero linked courses")
	}
	if len(roster.Students) != 0 {
		t.Errorf("students = %d, want 0", len(roster.Students))
	}
	if roster.Contains("s1") {
		t.Error("empty roster must not contain anyone")
	}
}

func TestResolveBuildsIndexedRoster(t *testing.T) {
	session := testSession()
	store := &fakeStore{
		session:     session,
		assignment:  &models.InvigilatorAssignment{InvigilatorID: "inv-1", SessionID: session.ID},
		courseCount: 2,
		students: []models.Student{
			{StudentID: "s1", ReferenceEmbedding: []float32{1, 0}},
			{StudentID: "s2", ReferenceEmbedding: []float32{0, 1}},
		},
	}
	r := NewResolver(store)

	roster, err := r.Resolve(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if roster.InvigilatorID != "inv-1" {
		t.Errorf("invigilator = %s, want inv-1", roster.InvigilatorID)
	}
	if !roster.Contains("s1") || !roster.Contains("s2") {
		t.Error("roster must index all eligible students")
	}
	if roster.Contains("s3") {
		t.Error("roster must not contain unregistered students")
	}

	cand, ok := roster.Candidate("s2")
	if !ok {
		t.Fatal("candidate s2 not found")
	}
	if cand.Embedding[1] != 1 {
		t.Errorf("candidate embedding = %v", cand.Embedding)
	}
}

func TestRosterCandidatesExcludes(t *testing.T) {
	roster := &Roster{
		Students: []models.Student{
			{StudentID: "s1", ReferenceEmbedding: []float32{1, 0}},
			{StudentID: "s2", ReferenceEmbedding: []float32{0, 1}},
			{StudentID: "s3", ReferenceEmbedding: []float32{1, 1}},
		},
		byID: map[string]*models.Student{},
	}
	for i := range roster.Students {
		roster.byID[roster.Students[i].StudentID] = &roster.Students[i]
	}

	cands := roster.Candidates(map[string]bool{"s2": true})
	if len(cands) != 2 {
		t.Fatalf("candidates = %d, want 2", len(cands))
	}
	for _, c := range cands {
		if c.StudentID == "s2" {
			t.Error("excluded student present in candidate set")
		}
	}
}
