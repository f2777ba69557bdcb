package verify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/your-org/proctor/internal/eligibility"
	"github.com/your-org/proctor/internal/match"
	"github.com/your-org/proctor/internal/models"
	"github.com/your-org/proctor/internal/observability"
	"github.com/your-org/proctor/internal/vision"
)

type State string

const (
	StateUnauthorized        State = "unauthorized"
	StateAwaitingEligibility State = "awaiting_eligibility"
	StateReady               State = "ready"
	StateCapturing           State = "capturing"
	StateEvaluating          State = "evaluating"
	StateShowOpenResult      State = "show_open_result"
	StateNarrowedInput       State = "narrowed_input"
	StateNarrowedResult      State = "narrowed_result"
)

// RoleInvigilator is the only role allowed to drive a scanning session.
const RoleInvigilator = "invigilator"

var (
	ErrNotAuthorized = errors.New("operator not authorized for this session")
	ErrWrongState    = errors.New("operation not valid in current state")
)

// Identity is the operator identity consumed from the auth service: an
// operator ID and a role claim, nothing more.
type Identity struct {
	OperatorID string
	Role       string
}

// Extractor produces embeddings from frames.
type Extractor interface {
	Extract(frame []byte) (vision.Embedding, error)
	Dim() int
}

// RosterLoader resolves the session's verification context.
type RosterLoader interface {
	Resolve(ctx context.Context, sessionID uuid.UUID) (*eligibility.Roster, error)
}

// VerifiedSource reads which students already have a success recorded for the
// session. The remote store is the cross-device source of truth here.
type VerifiedSource interface {
	VerifiedStudentIDs(ctx context.Context, sessionID uuid.UUID) ([]string, error)
}

// Recorder durably stages a verification attempt for remote delivery.
type Recorder interface {
	Record(attempt *models.VerificationAttempt) error
}

// SnapshotStore persists captured frames for audit review.
type SnapshotStore interface {
	PutObject(ctx context.Context, key string, data []byte, contentType string) error
}

// Outcome labels for scan results surfaced to the operator.
const (
	OutcomeMatched         = "matched"
	OutcomeNoMatch         = "no_match"
	OutcomeAmbiguous       = "ambiguous"
	OutcomeAlreadyVerified = "already_verified"
	OutcomeNotEligible     = "not_eligible"
	OutcomeLowConfidence   = "low_confidence"
	OutcomeCaptureError    = "capture_error"
)

// ScanOutcome is the operator-visible result of one scan or narrow operation.
type ScanOutcome struct {
	State            State          `json:"state"`
	Outcome          string         `json:"outcome"`
	MatchedStudentID string         `json:"matched_student_id,omitempty"`
	Score            float32        `json:"score,omitempty"`
	TopCandidates    []match.Scored `json:"top_candidates,omitempty"`
	Diagnostic       string         `json:"diagnostic,omitempty"`
	AttemptID        string         `json:"attempt_id,omitempty"`
	Warning          string         `json:"warning,omitempty"`
}

type Config struct {
	Threshold         float64
	NarrowedThreshold float64
}

// Controller is the per-device verification state machine. All operations are
// mutex-serialized: only one capture/extract cycle is in flight at a time.
type Controller struct {
	mu sync.Mutex

	camera    Camera
	extractor Extractor
	matcher   *match.Matcher
	loader    RosterLoader
	verified  VerifiedSource
	recorder  Recorder
	cfg       Config

	// Snapshots, when set, receives the captured frame of every recorded
	// attempt. Upload is best effort: an unreachable store never blocks or
	// fails a scan.
	Snapshots SnapshotStore

	state       State
	identity    Identity
	roster      *eligibility.Roster
	verifiedSet map[string]bool
	// lastEmbedding is the capture a narrowed re-query reuses; no re-capture
	// happens between an open failure and the narrowed attempt.
	lastEmbedding vision.Embedding
	lastFrame     []byte
}

func NewController(camera Camera, extractor Extractor, matcher *match.Matcher,
	loader RosterLoader, verified VerifiedSource, recorder Recorder, cfg Config) *Controller {
	return &Controller{
		camera:    camera,
		extractor: extractor,
		matcher:   matcher,
		loader:    loader,
		verified:  verified,
		recorder:  recorder,
		cfg:       cfg,
		state:     StateUnauthorized,
	}
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) Roster() *eligibility.Roster {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roster
}

// Start authorizes the operator and loads the session context. It fails
// closed: any doubt (role mismatch, assignment missing, lookup error) leaves
// the controller in Unauthorized with the camera untouched. A resolver
// failure is fatal to entering Ready and is surfaced, never bypassed.
func (c *Controller) Start(ctx context.Context, identity Identity, sessionID uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.state = StateUnauthorized

	if identity.Role != RoleInvigilator {
		return fmt.Errorf("%w: role %q", ErrNotAuthorized, identity.Role)
	}

	c.state = StateAwaitingEligibility
	roster, err := c.loader.Resolve(ctx, sessionID)
	if err != nil {
		c.state = StateUnauthorized
		return fmt.Errorf("resolve eligibility: %w", err)
	}

	if roster.InvigilatorID != identity.OperatorID {
		c.state = StateUnauthorized
		return fmt.Errorf("%w: not assigned to session %s", ErrNotAuthorized, sessionID)
	}

	verifiedIDs, err := c.verified.VerifiedStudentIDs(ctx, sessionID)
	if err != nil {
		c.state = StateUnauthorized
		return fmt.Errorf("load verified students: %w", err)
	}

	c.identity = identity
	c.roster = roster
	c.verifiedSet = make(map[string]bool, len(verifiedIDs))
	for _, id := range verifiedIDs {
		c.verifiedSet[id] = true
	}
	c.lastEmbedding = nil
	c.lastFrame = nil
	c.state = StateReady

	return nil
}

// Scan runs one open-search verification cycle: capture, extract, match
// against every eligible candidate not yet verified in this session. The
// outcome is computed entirely locally; only the audit record's durability is
// deferred to the staging queue.
func (c *Controller) Scan(ctx context.Context) (*ScanOutcome, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateReady && c.state != StateShowOpenResult {
		return nil, fmt.Errorf("%w: %s", ErrWrongState, c.state)
	}

	if err := c.camera.Acquire(ctx); err != nil {
		return &ScanOutcome{State: c.state, Outcome: OutcomeCaptureError,
			Diagnostic: "camera unavailable: " + err.Error()}, nil
	}
	defer c.camera.Release()

	c.state = StateCapturing
	frame, err := c.camera.Frame(ctx)
	if err != nil {
		c.state = StateReady
		return &ScanOutcome{State: c.state, Outcome: OutcomeCaptureError,
			Diagnostic: "capture failed: " + err.Error()}, nil
	}

	c.state = StateEvaluating
	start := time.Now()
	emb, err := c.extractor.Extract(frame)
	observability.ExtractionDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		// Extraction failures are operator-retried and never recorded.
		c.state = StateReady
		return &ScanOutcome{State: c.state, Outcome: OutcomeCaptureError,
			Diagnostic: err.Error()}, nil
	}

	c.lastEmbedding = emb
	c.lastFrame = frame

	start = time.Now()
	result, err := c.matcher.Match(emb, c.roster.Candidates(c.verifiedSet), c.cfg.Threshold)
	observability.MatchDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		c.state = StateReady
		return nil, fmt.Errorf("open match: %w", err)
	}

	switch result.Kind {
	case match.KindMatched:
		c.verifiedSet[result.StudentID] = true
		c.state = StateReady
		outcome := &ScanOutcome{
			State:            c.state,
			Outcome:          OutcomeMatched,
			MatchedStudentID: result.StudentID,
			Score:            result.Score,
		}
		return outcome, c.record(outcome, nil, &result.StudentID, models.AttemptSuccess, "", result.Score, emb)

	case match.KindAmbiguous:
		c.state = StateShowOpenResult
		outcome := &ScanOutcome{
			State:         c.state,
			Outcome:       OutcomeAmbiguous,
			Score:         result.BestScore,
			TopCandidates: result.TopCandidates,
		}
		return outcome, c.record(outcome, nil, nil, models.AttemptFailure, models.ReasonAmbiguous, result.BestScore, emb)

	default: // no match among unverified candidates
		// A second pass over already-verified references distinguishes "this
		// face belongs to someone already admitted" from a genuine stranger.
		if id, score, ok := c.matchVerified(emb); ok {
			c.state = StateReady
			outcome := &ScanOutcome{
				State:            c.state,
				Outcome:          OutcomeAlreadyVerified,
				MatchedStudentID: id,
				Score:            score,
			}
			return outcome, c.record(outcome, nil, &id, models.AttemptFailure, models.ReasonAlreadyVerified, score, emb)
		}

		c.state = StateShowOpenResult
		outcome := &ScanOutcome{
			State:   c.state,
			Outcome: OutcomeNoMatch,
			Score:   result.BestScore,
		}
		return outcome, c.record(outcome, nil, nil, models.AttemptFailure, models.ReasonNoMatch, result.BestScore, emb)
	}
}

// Narrow re-runs the last captured embedding against one operator-keyed
// candidate under the stricter narrowed threshold. Only reachable after an
// open-search failure.
func (c *Controller) Narrow(ctx context.Context, studentID string) (*ScanOutcome, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateShowOpenResult {
		return nil, fmt.Errorf("%w: %s", ErrWrongState, c.state)
	}
	if c.lastEmbedding == nil {
		return nil, fmt.Errorf("%w: no captured embedding", ErrWrongState)
	}

	c.state = StateNarrowedInput

	// Candidate IDs outside the eligible set are rejected before any
	// comparison happens.
	if !c.roster.Contains(studentID) {
		c.state = StateReady
		outcome := &ScanOutcome{
			State:      c.state,
			Outcome:    OutcomeNotEligible,
			Diagnostic: fmt.Sprintf("student %s is not eligible in this session", studentID),
		}
		return outcome, c.record(outcome, &studentID, nil, models.AttemptFailure, models.ReasonNotEligible, 0, c.lastEmbedding)
	}

	// Already verified in this session: short-circuit without invoking the
	// matcher at all.
	if c.verifiedSet[studentID] {
		c.state = StateReady
		outcome := &ScanOutcome{
			State:            c.state,
			Outcome:          OutcomeAlreadyVerified,
			MatchedStudentID: studentID,
		}
		return outcome, c.record(outcome, &studentID, &studentID, models.AttemptFailure, models.ReasonAlreadyVerified, 0, c.lastEmbedding)
	}

	candidate, _ := c.roster.Candidate(studentID)

	c.state = StateNarrowedResult
	start := time.Now()
	result, err := c.matcher.Match(c.lastEmbedding, []match.Candidate{candidate}, c.cfg.NarrowedThreshold)
	observability.MatchDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		c.state = StateReady
		return nil, fmt.Errorf("narrowed match: %w", err)
	}

	if result.Kind == match.KindMatched {
		c.verifiedSet[studentID] = true
		c.state = StateReady
		outcome := &ScanOutcome{
			State:            c.state,
			Outcome:          OutcomeMatched,
			MatchedStudentID: studentID,
			Score:            result.Score,
		}
		return outcome, c.record(outcome, &studentID, &studentID, models.AttemptSuccess, "", result.Score, c.lastEmbedding)
	}

	c.state = StateReady
	outcome := &ScanOutcome{
		State:   c.state,
		Outcome: OutcomeLowConfidence,
		Score:   result.BestScore,
		Diagnostic: fmt.Sprintf("similarity %.4f below narrowed threshold %.4f",
			result.BestScore, c.cfg.NarrowedThreshold),
	}
	return outcome, c.record(outcome, &studentID, nil, models.AttemptFailure, models.ReasonLowConfidence, result.BestScore, c.lastEmbedding)
}

// Dismiss returns from ShowOpenResult to Ready without narrowing.
func (c *Controller) Dismiss() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateShowOpenResult {
		c.state = StateReady
	}
}

// MarkVerified records an externally observed success (another device in the
// same session) so this device stops matching that student.
func (c *Controller) MarkVerified(studentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.verifiedSet != nil {
		c.verifiedSet[studentID] = true
	}
}

// VerifiedCount returns how many eligible students have been verified so far.
func (c *Controller) VerifiedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for id := range c.verifiedSet {
		if c.roster != nil && c.roster.Contains(id) {
			n++
		}
	}
	return n
}

// Close aborts any in-progress capture and releases the camera. The session
// ends without a terminal state; navigating away is the exit.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.camera.Release()
	c.state = StateUnauthorized
	c.roster = nil
	c.lastEmbedding = nil
	c.lastFrame = nil
}

// matchVerified scans the already-verified references for a hit above the
// open threshold.
func (c *Controller) matchVerified(emb vision.Embedding) (string, float32, bool) {
	var candidates []match.Candidate
	for id := range c.verifiedSet {
		if cand, ok := c.roster.Candidate(id); ok {
			candidates = append(candidates, cand)
		}
	}
	if len(candidates) == 0 {
		return "", 0, false
	}
	result, err := c.matcher.Match(emb, candidates, c.cfg.Threshold)
	if err != nil || result.Kind == match.KindNoMatch {
		return "", 0, false
	}
	if result.Kind == match.KindAmbiguous {
		return result.TopCandidates[0].StudentID, result.TopCandidates[0].Score, true
	}
	return result.StudentID, result.Score, true
}

// record stages exactly one VerificationAttempt for the outcome and stamps
// the attempt ID into it.
func (c *Controller) record(outcome *ScanOutcome, candidate, matched *string,
	result models.AttemptResult, reason string, score float32, emb vision.Embedding) error {

	attempt := &models.VerificationAttempt{
		ID:                 uuid.New(),
		SessionID:          c.roster.SessionID,
		InvigilatorID:      c.identity.OperatorID,
		StudentIDCandidate: candidate,
		MatchedStudentID:   matched,
		Result:             result,
		Reason:             reason,
		Score:              score,
		CapturedEmbedding:  emb,
		OccurredAt:         time.Now(),
	}

	// The snapshot key is stamped before the upload starts and the upload runs
	// in the background: the scan outcome never waits on the object store. A
	// failed upload leaves a dangling key; the snapshot endpoint reports not
	// found for it.
	if c.Snapshots != nil && len(c.lastFrame) > 0 {
		key := "attempts/" + attempt.ID.String() + ".jpg"
		attempt.SnapshotKey = key
		frame := c.lastFrame
		store := c.Snapshots
		go func() {
			upCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := store.PutObject(upCtx, key, frame, "image/jpeg"); err != nil {
				slog.Warn("snapshot upload failed", "attempt_id", attempt.ID, "error", err)
			}
		}()
	}

	observability.ScansTotal.WithLabelValues(c.roster.SessionID.String(), outcome.Outcome).Inc()

	if err := c.recorder.Record(attempt); err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	outcome.AttemptID = attempt.ID.String()
	return nil
}
