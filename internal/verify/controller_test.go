package verify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/your-org/proctor/internal/eligibility"
	"github.com/your-org/proctor/internal/match"
	"github.com/your-org/proctor/internal/models"
	"github.com/your-org/proctor/internal/vision"
)

type fakeCamera struct {
	acquires   int
	frames     int
	releases   int
	acquireErr error
}

func (f *fakeCamera) Acquire(ctx context.Context) error {
	if f.acquireErr != nil {
		return f.acquireErr
	}
	f.acquires++
	return nil
}

func (f *fakeCamera) Frame(ctx context.Context) ([]byte, error) {
	f.frames++
	return []byte("frame"), nil
}

func (f *fakeCamera) Release() {
	f.releases++
}

type fakeExtractor struct {
	emb vision.Embedding
	err error
}

func (f *fakeExtractor) Extract(frame []byte) (vision.Embedding, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.emb, nil
}

func (f *fakeExtractor) Dim() int { return len(f.emb) }

type fakeRosterStore struct {
	session    *models.ExamSession
	assignment *models.InvigilatorAssignment
	students   []models.Student
}

func (f *fakeRosterStore) GetSession(ctx context.Context, id uuid.UUID) (*models.ExamSession, error) {
	return f.session, nil
}

func (f *fakeRosterStore) GetSessionAssignment(ctx context.Context, id uuid.UUID) (*models.InvigilatorAssignment, error) {
	return f.assignment, nil
}

func (f *fakeRosterStore) SessionCourseCount(ctx context.Context, id uuid.UUID) (int, error) {
	return 1, nil
}

func (f *fakeRosterStore) EligibleStudents(ctx context.Context, id uuid.UUID) ([]models.Student, error) {
	return f.students, nil
}

type fakeVerified struct {
	ids []string
}

func (f *fakeVerified) VerifiedStudentIDs(ctx context.Context, sessionID uuid.UUID) ([]string, error) {
	return f.ids, nil
}

type fakeRecorder struct {
	attempts []models.VerificationAttempt
	err      error
}

func (f *fakeRecorder) Record(attempt *models.VerificationAttempt) error {
	if f.err != nil {
		return f.err
	}
	f.attempts = append(f.attempts, *attempt)
	return nil
}

var (
	embS1       = vision.Embedding{1, 0, 0}
	embS2       = vision.Embedding{0, 1, 0}
	embLiveS1   = vision.Embedding{1, 0.01, 0}
	embStranger = vision.Embedding{0.577, 0.577, 0.577}
)

type fixture struct {
	camera    *fakeCamera
	extractor *fakeExtractor
	recorder  *fakeRecorder
	ctrl      *Controller
	sessionID uuid.UUID
}

func newFixture(t *testing.T, verified []string) *fixture {
	t.Helper()

	sessionID := uuid.New()
	store := &fakeRosterStore{
		session:    &models.ExamSession{ID: sessionID, RoomID: "A-101", Status: models.SessionStatusActive},
		assignment: &models.InvigilatorAssignment{InvigilatorID: "inv-1", SessionID: sessionID},
		students: []models.Student{
			{StudentID: "s1", ReferenceEmbedding: embS1},
			{StudentID: "s2", ReferenceEmbedding: embS2},
		},
	}

	f := &fixture{
		camera:    &fakeCamera{},
		extractor: &fakeExtractor{emb: embLiveS1},
		recorder:  &fakeRecorder{},
		sessionID: sessionID,
	}
	f.ctrl = NewController(
		f.camera,
		f.extractor,
		match.New(0.02),
		eligibility.NewResolver(store),
		&fakeVerified{ids: verified},
		f.recorder,
		Config{Threshold: 0.82, NarrowedThreshold: 0.88},
	)
	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	err := f.ctrl.Start(context.Background(), Identity{OperatorID: "inv-1", Role: RoleInvigilator}, f.sessionID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
}

// An operator without the invigilator role must never reach the camera.
func TestStartRejectsWrongRole(t *testing.T) {
	f := newFixture(t, nil)

	err := f.ctrl.Start(context.Background(), Identity{OperatorID: "inv-1", Role: "student"}, f.sessionID)
	if !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("got %v, want ErrNotAuthorized", err)
	}
	if f.ctrl.State() != StateUnauthorized {
		t.Errorf("state = %s, want unauthorized", f.ctrl.State())
	}
	if f.camera.acquires != 0 {
		t.Error("camera must not be touched before authorization")
	}

	if _, err := f.ctrl.Scan(context.Background()); !errors.Is(err, ErrWrongState) {
		t.Errorf("scan while unauthorized: got %v, want ErrWrongState", err)
	}
}

func TestStartRejectsUnassignedInvigilator(t *testing.T) {
	f := newFixture(t, nil)

	err := f.ctrl.Start(context.Background(), Identity{OperatorID: "inv-2", Role: RoleInvigilator}, f.sessionID)
	if !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("got %v, want ErrNotAuthorized", err)
	}
}

// Extraction failures are retryable and leave no audit record.
func TestScanNoFaceRecordsNothing(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)

	f.extractor.err = vision.ErrNoFaceDetected
	outcome, err := f.ctrl.Scan(context.Background())
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if outcome.Outcome != OutcomeCaptureError {
		t.Errorf("outcome = %s, want capture_error", outcome.Outcome)
	}
	if f.ctrl.State() != StateReady {
		t.Errorf("state = %s, want ready", f.ctrl.State())
	}
	if len(f.recorder.attempts) != 0 {
		t.Errorf("attempts = %d, want 0", len(f.recorder.attempts))
	}
	if f.camera.releases == 0 {
		t.Error("camera must be released after a failed cycle")
	}
}

func TestScanOpenMatchSuccess(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)

	outcome, err := f.ctrl.Scan(context.Background())
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if outcome.Outcome != OutcomeMatched {
		t.Fatalf("outcome = %s, want matched", outcome.Outcome)
	}
	if outcome.MatchedStudentID != "s1" {
		t.Errorf("matched %s, want s1", outcome.MatchedStudentID)
	}
	if outcome.AttemptID == "" {
		t.Error("attempt id must be set")
	}

	if len(f.recorder.attempts) != 1 {
		t.Fatalf("attempts = %d, want 1", len(f.recorder.attempts))
	}
	a := f.recorder.attempts[0]
	if a.Result != models.AttemptSuccess {
		t.Errorf("result = %s, want success", a.Result)
	}
	if a.MatchedStudentID == nil || *a.MatchedStudentID != "s1" {
		t.Error("attempt must name the matched student")
	}
	if a.InvigilatorID != "inv-1" {
		t.Errorf("invigilator = %s, want inv-1", a.InvigilatorID)
	}
	if len(a.CapturedEmbedding) == 0 {
		t.Error("attempt must carry the captured embedding")
	}
}

// Re-scanning a student already verified in this session is a distinct
// failure outcome, not a second success.
func TestScanAlreadyVerified(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)

	if _, err := f.ctrl.Scan(context.Background()); err != nil {
		t.Fatalf("first scan: %v", err)
	}

	outcome, err := f.ctrl.Scan(context.Background())
	if err != nil {
		t.Fatalf("second scan: %v", err)
	}
	if outcome.Outcome != OutcomeAlreadyVerified {
		t.Fatalf("outcome = %s, want already_verified", outcome.Outcome)
	}
	if outcome.MatchedStudentID != "s1" {
		t.Errorf("matched %s, want s1", outcome.MatchedStudentID)
	}

	if len(f.recorder.attempts) != 2 {
		t.Fatalf("attempts = %d, want 2", len(f.recorder.attempts))
	}
	a := f.recorder.attempts[1]
	if a.Result != models.AttemptFailure || a.Reason != models.ReasonAlreadyVerified {
		t.Errorf("attempt = %s/%s, want failure/already-verified", a.Result, a.Reason)
	}
}

// The verified set seeded at start covers successes recorded by other devices.
func TestScanSeededVerifiedSet(t *testing.T) {
	f := newFixture(t, []string{"s1"})
	f.start(t)

	outcome, err := f.ctrl.Scan(context.Background())
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if outcome.Outcome != OutcomeAlreadyVerified {
		t.Errorf("outcome = %s, want already_verified", outcome.Outcome)
	}
}

func TestScanStrangerNoMatch(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)

	f.extractor.emb = embStranger
	outcome, err := f.ctrl.Scan(context.Background())
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if outcome.Outcome != OutcomeNoMatch {
		t.Fatalf("outcome = %s, want no_match", outcome.Outcome)
	}
	if f.ctrl.State() != StateShowOpenResult {
		t.Errorf("state = %s, want show_open_result", f.ctrl.State())
	}

	a := f.recorder.attempts[0]
	if a.Result != models.AttemptFailure || a.Reason != models.ReasonNoMatch {
		t.Errorf("attempt = %s/%s, want failure/no-match", a.Result, a.Reason)
	}
}

// Narrowing to an ineligible student is rejected before any comparison and
// still leaves an audit record naming the claimed ID.
func TestNarrowNotEligible(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)

	f.extractor.emb = embStranger
	if _, err := f.ctrl.Scan(context.Background()); err != nil {
		t.Fatalf("scan: %v", err)
	}

	outcome, err := f.ctrl.Narrow(context.Background(), "s9")
	if err != nil {
		t.Fatalf("narrow: %v", err)
	}
	if outcome.Outcome != OutcomeNotEligible {
		t.Fatalf("outcome = %s, want not_eligible", outcome.Outcome)
	}

	a := f.recorder.attempts[len(f.recorder.attempts)-1]
	if a.Reason != models.ReasonNotEligible {
		t.Errorf("reason = %s, want not-eligible", a.Reason)
	}
	if a.StudentIDCandidate == nil || *a.StudentIDCandidate != "s9" {
		t.Error("attempt must carry the claimed student id")
	}
}

// A narrowed query for an already-verified student short-circuits without
// matching.
func TestNarrowAlreadyVerifiedShortCircuits(t *testing.T) {
	f := newFixture(t, []string{"s2"})
	f.start(t)

	f.extractor.emb = embStranger
	if _, err := f.ctrl.Scan(context.Background()); err != nil {
		t.Fatalf("scan: %v", err)
	}

	outcome, err := f.ctrl.Narrow(context.Background(), "s2")
	if err != nil {
		t.Fatalf("narrow: %v", err)
	}
	if outcome.Outcome != OutcomeAlreadyVerified {
		t.Fatalf("outcome = %s, want already_verified", outcome.Outcome)
	}
	if outcome.Score != 0 {
		t.Errorf("score = %v, want 0 (no comparison performed)", outcome.Score)
	}
}

// A narrowed re-query reuses the embedding captured by the open scan; the
// camera is not touched again.
func TestNarrowReusesCapturedEmbedding(t *testing.T) {
	f := newFixture(t, []string{"s1"})
	f.start(t)

	f.extractor.emb = embStranger
	if _, err := f.ctrl.Scan(context.Background()); err != nil {
		t.Fatalf("scan: %v", err)
	}
	framesAfterScan := f.camera.frames

	outcome, err := f.ctrl.Narrow(context.Background(), "s2")
	if err != nil {
		t.Fatalf("narrow: %v", err)
	}
	if f.camera.frames != framesAfterScan {
		t.Error("narrow must not capture a new frame")
	}
	// Stranger vs s2 under the stricter threshold: low confidence.
	if outcome.Outcome != OutcomeLowConfidence {
		t.Fatalf("outcome = %s, want low_confidence", outcome.Outcome)
	}

	a := f.recorder.attempts[len(f.recorder.attempts)-1]
	if a.Reason != models.ReasonLowConfidence {
		t.Errorf("reason = %s, want low-confidence", a.Reason)
	}
}

func TestNarrowSuccess(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)

	// Borderline face: similarity to s2 is about 0.785, below the open
	// threshold, so the open scan fails and narrowing becomes available.
	f.extractor.emb = vision.Embedding{0.62, 0.785, 0}
	if _, err := f.ctrl.Scan(context.Background()); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if f.ctrl.State() != StateShowOpenResult {
		t.Fatalf("state = %s, want show_open_result", f.ctrl.State())
	}

	// Narrowed threshold is stricter, so this face still fails narrowed s2.
	outcome, err := f.ctrl.Narrow(context.Background(), "s2")
	if err != nil {
		t.Fatalf("narrow: %v", err)
	}
	if outcome.Outcome != OutcomeLowConfidence {
		t.Fatalf("outcome = %s, want low_confidence", outcome.Outcome)
	}

	// A clean match under the narrowed threshold records success.
	f.extractor.emb = vision.Embedding{0, 1, 0.01}
	out2, err := f.ctrl.Scan(context.Background())
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if out2.Outcome != OutcomeMatched || out2.MatchedStudentID != "s2" {
		t.Fatalf("outcome = %s/%s, want matched/s2", out2.Outcome, out2.MatchedStudentID)
	}
}

type blockingSnapshotStore struct {
	puts chan string
}

func (s *blockingSnapshotStore) PutObject(ctx context.Context, key string, data []byte, contentType string) error {
	// Simulates an unreachable object store: hangs until the upload deadline.
	<-ctx.Done()
	select {
	case s.puts <- key:
	default:
	}
	return ctx.Err()
}

// The scan outcome must come back immediately even when the object store is
// unreachable; the snapshot upload happens in the background and the key is
// stamped on the attempt up front.
func TestScanDoesNotWaitForSnapshotUpload(t *testing.T) {
	f := newFixture(t, nil)
	store := &blockingSnapshotStore{puts: make(chan string, 1)}
	f.ctrl.Snapshots = store
	f.start(t)

	started := time.Now()
	outcome, err := f.ctrl.Scan(context.Background())
	elapsed := time.Since(started)

	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if outcome.Outcome != OutcomeMatched {
		t.Fatalf("outcome = %s, want matched", outcome.Outcome)
	}
	if elapsed > 500*time.Millisecond {
		t.Fatalf("scan took %v with an unreachable object store, want an immediate outcome", elapsed)
	}

	if len(f.recorder.attempts) != 1 {
		t.Fatalf("attempts = %d, want 1", len(f.recorder.attempts))
	}
	if f.recorder.attempts[0].SnapshotKey == "" {
		t.Error("snapshot key must be stamped on the attempt before the upload finishes")
	}

	// The background upload does run; it gives up at its own deadline.
	select {
	case key := <-store.puts:
		if key != f.recorder.attempts[0].SnapshotKey {
			t.Errorf("uploaded key %q, want %q", key, f.recorder.attempts[0].SnapshotKey)
		}
	case <-time.After(5 * time.Second):
		t.Error("background upload never attempted")
	}
}

func TestCloseReleasesCamera(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)

	f.ctrl.Close()
	if f.camera.releases == 0 {
		t.Error("close must release the camera")
	}
	if f.ctrl.State() != StateUnauthorized {
		t.Errorf("state = %s, want unauthorized", f.ctrl.State())
	}
}

func TestMarkVerifiedExcludesFromOpenSearch(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)

	f.ctrl.MarkVerified("s1")

	outcome, err := f.ctrl.Scan(context.Background())
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if outcome.Outcome != OutcomeAlreadyVerified {
		t.Errorf("outcome = %s, want already_verified", outcome.Outcome)
	}
}
