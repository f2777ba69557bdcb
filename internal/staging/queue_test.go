package staging

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/your-org/proctor/internal/config"
	"github.com/your-org/proctor/internal/models"
)

type fakeCommitter struct {
	failing   bool
	committed []uuid.UUID
}

func (f *fakeCommitter) Commit(ctx context.Context, rec models.StagedRecord) error {
	if f.failing {
		return errors.New("broker unreachable")
	}
	f.committed = append(f.committed, rec.RemoteID)
	return nil
}

func testConfig() config.StagingConfig {
	return config.StagingConfig{
		FlushInterval: 10 * time.Millisecond,
		CommitTimeout: time.Second,
		MaxRetries:    3,
		MaxBackoff:    50 * time.Millisecond,
	}
}

func openTestQueue(t *testing.T, committer Committer) *Queue {
	t.Helper()
	q, err := Open(filepath.Join(t.TempDir(), "staging.db"), committer, testConfig())
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	t.Cleanup(func() { q.Close() })
	return q
}

func TestEnqueueDurable(t *testing.T) {
	q := openTestQueue(t, &fakeCommitter{})

	id := uuid.New()
	localID, err := q.Enqueue(KindVerificationAttempt, id, map[string]string{"k": "v"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if localID == 0 {
		t.Error("local id must be assigned")
	}

	pending, err := q.Records(models.SyncPending)
	if err != nil {
		t.Fatalf("records: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want 1", len(pending))
	}
	if pending[0].RemoteID != id {
		t.Errorf("remote id = %s, want %s", pending[0].RemoteID, id)
	}
}

// Records staged while the committer fails must all deliver, in enqueue
// order, once it recovers.
func TestOfflineThenRecoverFlushesInOrder(t *testing.T) {
	committer := &fakeCommitter{failing: true}
	q := openTestQueue(t, committer)

	var ids []uuid.UUID
	for i := 0; i < 5; i++ {
		id := uuid.New()
		ids = append(ids, id)
		if _, err := q.Enqueue(KindVerificationAttempt, id, i); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	// Offline: flush fails, everything stays pending.
	remaining, hadFailure := q.flushOnce(context.Background())
	if !hadFailure {
		t.Fatal("expected failure while offline")
	}
	if remaining != 5 {
		t.Fatalf("remaining = %d, want 5", remaining)
	}

	// Recovered: one cycle drains the backlog.
	committer.failing = false
	remaining, hadFailure = q.flushOnce(context.Background())
	if hadFailure {
		t.Fatal("unexpected failure after recovery")
	}
	if remaining != 0 {
		t.Fatalf("remaining = %d, want 0", remaining)
	}

	if len(committer.committed) != 5 {
		t.Fatalf("committed = %d, want 5", len(committer.committed))
	}
	for i, id := range committer.committed {
		if id != ids[i] {
			t.Errorf("commit order: position %d got %s, want %s", i, id, ids[i])
		}
	}

	_, synced, _, err := q.Stats()
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if synced != 5 {
		t.Errorf("synced = %d, want 5", synced)
	}
}

// A record that exhausts its retries is marked failed, never dropped.
func TestExhaustedRetriesMarkedFailed(t *testing.T) {
	committer := &fakeCommitter{failing: true}
	q := openTestQueue(t, committer)

	id := uuid.New()
	if _, err := q.Enqueue(KindVerificationAttempt, id, "payload"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	for i := 0; i < 3; i++ {
		q.flushOnce(context.Background())
	}

	pending, _, failed, err := q.Stats()
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if pending != 0 {
		t.Errorf("pending = %d, want 0", pending)
	}
	if failed != 1 {
		t.Errorf("failed = %d, want 1", failed)
	}

	recs, err := q.Records(models.SyncFailed)
	if err != nil {
		t.Fatalf("records: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("failed records = %d, want 1", len(recs))
	}
	if recs[0].RemoteID != id {
		t.Errorf("failed record id = %s, want %s", recs[0].RemoteID, id)
	}
	if recs[0].LastError == "" {
		t.Error("failed record must carry its last error")
	}
}

func TestQueueSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "staging.db")

	q, err := Open(path, &fakeCommitter{failing: true}, testConfig())
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}

	id := uuid.New()
	if _, err := q.Enqueue(KindVerificationAttempt, id, "payload"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Reopen simulates a device restart while offline.
	committer := &fakeCommitter{}
	q2, err := Open(path, committer, testConfig())
	if err != nil {
		t.Fatalf("reopen queue: %v", err)
	}
	defer q2.Close()

	remaining, hadFailure := q2.flushOnce(context.Background())
	if hadFailure || remaining != 0 {
		t.Fatalf("flush after reopen: remaining=%d failure=%v", remaining, hadFailure)
	}
	if len(committer.committed) != 1 || committer.committed[0] != id {
		t.Errorf("committed %v, want [%s]", committer.committed, id)
	}
}

// The scanner wires the queue up before the broker connection exists, so a
// flush cycle without a committer must leave records pending without failing.
func TestCommitterInstalledAfterOpen(t *testing.T) {
	q := openTestQueue(t, nil)

	id := uuid.New()
	if _, err := q.Enqueue(KindVerificationAttempt, id, "payload"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	remaining, hadFailure := q.flushOnce(context.Background())
	if hadFailure {
		t.Fatal("flush without committer must not count as failure")
	}
	if remaining != 1 {
		t.Fatalf("remaining = %d, want 1", remaining)
	}

	committer := &fakeCommitter{}
	q.SetCommitter(committer)

	remaining, hadFailure = q.flushOnce(context.Background())
	if hadFailure || remaining != 0 {
		t.Fatalf("flush after SetCommitter: remaining=%d failure=%v", remaining, hadFailure)
	}
	if len(committer.committed) != 1 || committer.committed[0] != id {
		t.Errorf("committed %v, want [%s]", committer.committed, id)
	}
}

func TestRunWakesOnTrigger(t *testing.T) {
	committer := &fakeCommitter{}
	cfg := testConfig()
	cfg.FlushInterval = time.Hour // only TriggerFlush can wake the loop

	q, err := Open(filepath.Join(t.TempDir(), "staging.db"), committer, cfg)
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	defer q.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	if _, err := q.Enqueue(KindVerificationAttempt, uuid.New(), "payload"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	q.TriggerFlush()

	deadline := time.After(2 * time.Second)
	for {
		pending, _, _, err := q.Stats()
		if err != nil {
			t.Fatalf("stats: %v", err)
		}
		if pending == 0 {
			return
		}
		select {
		case <-deadline:
			t.Fatal("flush loop did not drain after TriggerFlush")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
