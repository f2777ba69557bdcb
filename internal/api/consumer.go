package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/your-org/proctor/internal/api/handlers"
	"github.com/your-org/proctor/internal/models"
	"github.com/your-org/proctor/internal/observability"
	"github.com/your-org/proctor/pkg/dto"
)

// AttemptStore persists delivered verification attempts. Inserting an attempt
// whose ID already exists reports inserted=false without error.
type AttemptStore interface {
	InsertAttempt(ctx context.Context, a *models.VerificationAttempt) (bool, error)
}

// Broadcaster fans an event out to connected subscribers.
type Broadcaster interface {
	BroadcastEvent(event *dto.WSEvent)
}

// HandleAttemptMessage persists one attempt delivered from the stream and
// broadcasts it to session subscribers. Attempt IDs are generated on the
// scanning device, so a redelivered message finds its row already present:
// it is counted as a duplicate and not broadcast a second time. Malformed
// payloads are dropped rather than retried.
func HandleAttemptMessage(ctx context.Context, db AttemptStore, hub Broadcaster, data []byte) error {
	var attempt models.VerificationAttempt
	if err := json.Unmarshal(data, &attempt); err != nil {
		slog.Error("unmarshal attempt", "error", err)
		return nil
	}

	inserted, err := db.InsertAttempt(ctx, &attempt)
	if err != nil {
		return fmt.Errorf("persist attempt %s: %w", attempt.ID, err)
	}
	if !inserted {
		observability.AttemptsRecorded.WithLabelValues("duplicate").Inc()
		return nil
	}
	observability.AttemptsRecorded.WithLabelValues("recorded").Inc()

	evtType := "attempt_recorded"
	if attempt.Result == models.AttemptSuccess {
		evtType = "student_verified"
	}
	hub.BroadcastEvent(&dto.WSEvent{
		Type:      evtType,
		SessionID: attempt.SessionID,
		Data:      handlers.AttemptResponse(&attempt),
	})

	return nil
}
