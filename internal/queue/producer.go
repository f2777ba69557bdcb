package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/your-org/proctor/internal/models"
	"github.com/your-org/proctor/internal/staging"
)

const (
	AttemptsStreamName  = "ATTEMPTS"
	AttemptsSubjectBase = "attempts"
	RegistrationSubject = "attempts.registrations"
)

type Producer struct {
	nc *nats.Conn
	js jetstream.JetStream
}

// NewProducer connects to NATS. onReconnect, when non-nil, fires every time
// the connection comes back; the scanner uses it to trigger a staging flush.
func NewProducer(natsURL string, onReconnect func()) (*Producer, error) {
	opts := []nats.Option{
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
	}
	if onReconnect != nil {
		opts = append(opts, nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("nats reconnected", "url", nc.ConnectedUrl())
			onReconnect()
		}))
	}

	nc, err := nats.Connect(natsURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	return &Producer{nc: nc, js: js}, nil
}

// EnsureStreams creates the ATTEMPTS JetStream stream if it doesn't exist.
// Retries up to 30 times (1s apart) to handle NATS startup delay.
// The Duplicates window plus per-message IDs makes redelivery of the same
// attempt a no-op on the broker side.
func (p *Producer) EnsureStreams(ctx context.Context) error {
	cfg := jetstream.StreamConfig{
		Name:        AttemptsStreamName,
		Subjects:    []string{AttemptsSubjectBase + ".>"},
		Retention:   jetstream.InterestPolicy,
		MaxAge:      7 * 24 * time.Hour,
		MaxMsgs:     1000000,
		Storage:     jetstream.FileStorage,
		Duplicates:  10 * time.Minute,
		Description: "Verification attempts and registrations from scanner devices",
	}

	const maxAttempts = 30
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		opCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		_, err := p.js.CreateOrUpdateStream(opCtx, cfg)
		cancel()
		if err == nil {
			slog.Info("ensured NATS stream", "name", cfg.Name)
			return nil
		}
		if attempt == maxAttempts {
			return fmt.Errorf("create stream %s: %w (after %d attempts)", cfg.Name, err, maxAttempts)
		}
		slog.Warn("ensure NATS stream (retrying...)", "name", cfg.Name, "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(1 * time.Second):
		}
	}
	return nil
}

// Commit implements staging.Committer: it publishes the staged payload with
// the record's RemoteID as the JetStream message ID, so a retried publish of
// the same record deduplicates on the broker.
func (p *Producer) Commit(ctx context.Context, rec models.StagedRecord) error {
	subject := RegistrationSubject
	if rec.Kind == staging.KindVerificationAttempt {
		var attempt models.VerificationAttempt
		if err := json.Unmarshal(rec.Payload, &attempt); err != nil {
			return fmt.Errorf("unmarshal staged attempt: %w", err)
		}
		subject = fmt.Sprintf("%s.session.%s", AttemptsSubjectBase, attempt.SessionID)
	}

	_, err := p.js.Publish(ctx, subject, rec.Payload,
		jetstream.WithMsgID(rec.RemoteID.String()))
	if err != nil {
		return fmt.Errorf("publish %s: %w", rec.Kind, err)
	}
	return nil
}

func (p *Producer) Ping() error {
	if !p.nc.IsConnected() {
		return fmt.Errorf("nats not connected")
	}
	return nil
}

func (p *Producer) Close() {
	p.nc.Close()
}
