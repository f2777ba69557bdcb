package api

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/your-org/proctor/internal/models"
	"github.com/your-org/proctor/pkg/dto"
)

type fakeAttemptStore struct {
	seen    map[uuid.UUID]bool
	inserts int
	err     error
}

func (s *fakeAttemptStore) InsertAttempt(ctx context.Context, a *models.VerificationAttempt) (bool, error) {
	if s.err != nil {
		return false, s.err
	}
	s.inserts++
	if s.seen == nil {
		s.seen = make(map[uuid.UUID]bool)
	}
	if s.seen[a.ID] {
		return false, nil
	}
	s.seen[a.ID] = true
	return true, nil
}

type fakeBroadcaster struct {
	events []*dto.WSEvent
}

func (b *fakeBroadcaster) BroadcastEvent(event *dto.WSEvent) {
	b.events = append(b.events, event)
}

func attemptPayload(t *testing.T, a *models.VerificationAttempt) []byte {
	t.Helper()
	data, err := json.Marshal(a)
	if err != nil {
		t.Fatalf("marshal attempt: %v", err)
	}
	return data
}

func TestHandleAttemptMessageBroadcastsSuccess(t *testing.T) {
	matched := "s1"
	attempt := &models.VerificationAttempt{
		ID:               uuid.New(),
		SessionID:        uuid.New(),
		InvigilatorID:    "inv-1",
		MatchedStudentID: &matched,
		Result:           models.AttemptSuccess,
		Score:            0.91,
		OccurredAt:       time.Now(),
	}

	store := &fakeAttemptStore{}
	hub := &fakeBroadcaster{}

	if err := HandleAttemptMessage(context.Background(), store, hub, attemptPayload(t, attempt)); err != nil {
		t.Fatalf("HandleAttemptMessage: %v", err)
	}

	if len(hub.events) != 1 {
		t.Fatalf("broadcast %d events, want 1", len(hub.events))
	}
	evt := hub.events[0]
	if evt.Type != "student_verified" {
		t.Errorf("event type = %q, want student_verified", evt.Type)
	}
	if evt.SessionID != attempt.SessionID {
		t.Errorf("event session = %s, want %s", evt.SessionID, attempt.SessionID)
	}
	if evt.Data.MatchedStudentID == nil || *evt.Data.MatchedStudentID != "s1" {
		t.Errorf("event matched student = %v, want s1", evt.Data.MatchedStudentID)
	}
}

func TestHandleAttemptMessageRedeliveryNotRebroadcast(t *testing.T) {
	matched := "s1"
	attempt := &models.VerificationAttempt{
		ID:               uuid.New(),
		SessionID:        uuid.New(),
		InvigilatorID:    "inv-1",
		MatchedStudentID: &matched,
		Result:           models.AttemptSuccess,
		OccurredAt:       time.Now(),
	}
	data := attemptPayload(t, attempt)

	store := &fakeAttemptStore{}
	hub := &fakeBroadcaster{}

	// Same message delivered twice, as after a missed ack.
	if err := HandleAttemptMessage(context.Background(), store, hub, data); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if err := HandleAttemptMessage(context.Background(), store, hub, data); err != nil {
		t.Fatalf("redelivery: %v", err)
	}

	if len(store.seen) != 1 {
		t.Errorf("store holds %d attempts, want 1", len(store.seen))
	}
	if len(hub.events) != 1 {
		t.Errorf("broadcast %d events, want 1", len(hub.events))
	}
}

func TestHandleAttemptMessageFailureEventType(t *testing.T) {
	attempt := &models.VerificationAttempt{
		ID:            uuid.New(),
		SessionID:     uuid.New(),
		InvigilatorID: "inv-1",
		Result:        models.AttemptFailure,
		Reason:        models.ReasonNoMatch,
		OccurredAt:    time.Now(),
	}

	store := &fakeAttemptStore{}
	hub := &fakeBroadcaster{}

	if err := HandleAttemptMessage(context.Background(), store, hub, attemptPayload(t, attempt)); err != nil {
		t.Fatalf("HandleAttemptMessage: %v", err)
	}
	if len(hub.events) != 1 || hub.events[0].Type != "attempt_recorded" {
		t.Fatalf("events = %+v, want one attempt_recorded", hub.events)
	}
}

func TestHandleAttemptMessageStoreErrorRetried(t *testing.T) {
	attempt := &models.VerificationAttempt{ID: uuid.New(), SessionID: uuid.New(), OccurredAt: time.Now()}
	store := &fakeAttemptStore{err: errors.New("connection refused")}
	hub := &fakeBroadcaster{}

	err := HandleAttemptMessage(context.Background(), store, hub, attemptPayload(t, attempt))
	if err == nil {
		t.Fatal("expected error when the store is down")
	}
	if len(hub.events) != 0 {
		t.Errorf("broadcast %d events on store failure, want 0", len(hub.events))
	}
}

func TestHandleAttemptMessageMalformedDropped(t *testing.T) {
	store := &fakeAttemptStore{}
	hub := &fakeBroadcaster{}

	if err := HandleAttemptMessage(context.Background(), store, hub, []byte("{not json")); err != nil {
		t.Fatalf("malformed payload should be dropped, got error: %v", err)
	}
	if store.inserts != 0 {
		t.Errorf("store called %d times for malformed payload, want 0", store.inserts)
	}
	if len(hub.events) != 0 {
		t.Errorf("broadcast %d events for malformed payload, want 0", len(hub.events))
	}
}
