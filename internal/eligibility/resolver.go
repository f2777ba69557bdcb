package eligibility

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/your-org/proctor/internal/match"
	"github.com/your-org/proctor/internal/models"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrNoInvigilator   = errors.New("no invigilator assigned to session")
)

// Store is the subset of the remote store the resolver reads.
type Store interface {
	GetSession(ctx context.Context, id uuid.UUID) (*models.ExamSession, error)
	GetSessionAssignment(ctx context.Context, id uuid.UUID) (*models.InvigilatorAssignment, error)
	SessionCourseCount(ctx context.Context, id uuid.UUID) (int, error)
	EligibleStudents(ctx context.Context, id uuid.UUID) ([]models.Student, error)
}

// Roster is the resolved verification context for one session, held in memory
// on the device so matching never waits on the network.
type Roster struct {
	SessionID     uuid.UUID
	RoomID        string
	InvigilatorID string
	Students      []models.Student
	// Warning is set for valid-but-odd configurations, e.g. a session with no
	// linked courses: surfaced to the operator, does not block scanning.
	Warning string

	byID map[string]*models.Student
}

// Contains reports whether studentID is eligible in this session.
func (r *Roster) Contains(studentID string) bool {
	_, ok := r.byID[studentID]
	return ok
}

// Candidate returns the match candidate for one eligible student.
func (r *Roster) Candidate(studentID string) (match.Candidate, bool) {
	st, ok := r.byID[studentID]
	if !ok {
		return match.Candidate{}, false
	}
	return match.Candidate{StudentID: st.StudentID, Embedding: st.ReferenceEmbedding}, true
}

// Candidates returns match candidates for every eligible student not in the
// exclude set.
func (r *Roster) Candidates(exclude map[string]bool) []match.Candidate {
	out := make([]match.Candidate, 0, len(r.Students))
	for i := range r.Students {
		st := &r.Students[i]
		if exclude[st.StudentID] {
			continue
		}
		out = append(out, match.Candidate{StudentID: st.StudentID, Embedding: st.ReferenceEmbedding})
	}
	return out
}

// Resolver joins session, assignment, linked courses, and course
// registrations into a Roster.
type Resolver struct {
	store Store
}

func NewResolver(store Store) *Resolver {
	return &Resolver{store: store}
}

// Resolve loads the verification context for a session. A session with zero
// linked courses resolves to an empty eligible set with a warning, since
// admins may fix course linking after the session starts.
func (r *Resolver) Resolve(ctx context.Context, sessionID uuid.UUID) (*Roster, error) {
	session, err := r.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if session == nil {
		return nil, ErrSessionNotFound
	}

	assignment, err := r.store.GetSessionAssignment(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load assignment: %w", err)
	}
	if assignment == nil {
		return nil, ErrNoInvigilator
	}

	roster := &Roster{
		SessionID:     session.ID,
		RoomID:        session.RoomID,
		InvigilatorID: assignment.InvigilatorID,
		byID:          make(map[string]*models.Student),
	}

	courseCount, err := r.store.SessionCourseCount(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("count session courses: %w", err)
	}
	if courseCount == 0 {
		roster.Warning = "no courses linked to session; eligible set is empty"
		slog.Warn("session has no linked courses", "session_id", sessionID)
		return roster, nil
	}

	students, err := r.store.EligibleStudents(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load eligible students: %w", err)
	}

	roster.Students = students
	for i := range roster.Students {
		roster.byID[roster.Students[i].StudentID] = &roster.Students[i]
	}

	return roster, nil
}
