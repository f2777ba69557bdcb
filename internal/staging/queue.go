package staging

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/your-org/proctor/internal/config"
	"github.com/your-org/proctor/internal/models"
	"github.com/your-org/proctor/internal/observability"
)

// Committer delivers one staged record to the remote store. Commit must be
// idempotent with respect to the record's RemoteID: re-sending a record that
// already landed is a no-op.
type Committer interface {
	Commit(ctx context.Context, rec models.StagedRecord) error
}

// Record kinds held in the queue.
const (
	KindVerificationAttempt = "verification_attempt"
	KindRegistration        = "registration"
)

var recordsBucket = []byte("records")

// Queue is the device-local durable staging queue. Enqueue is a synchronous
// durable write; delivery happens in the background flush loop and never
// blocks the capture path.
type Queue struct {
	db     *bolt.DB
	cfg    config.StagingConfig
	notify chan struct{}

	mu        sync.Mutex
	committer Committer
}

// Open opens (or creates) the staging database at path. committer may be nil
// when the remote transport is constructed after the queue (its connection
// callbacks typically reference the queue); set it with SetCommitter before
// flushing is expected to make progress.
func Open(path string, committer Committer, cfg config.StagingConfig) (*Queue, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open staging db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(recordsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create staging bucket: %w", err)
	}

	q := &Queue{
		db:        db,
		committer: committer,
		cfg:       cfg,
		notify:    make(chan struct{}, 1),
	}
	q.updateGauges()
	return q, nil
}

func (q *Queue) Close() error {
	return q.db.Close()
}

// SetCommitter installs the remote delivery transport.
func (q *Queue) SetCommitter(c Committer) {
	q.mu.Lock()
	q.committer = c
	q.mu.Unlock()
}

func (q *Queue) getCommitter() Committer {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.committer
}

// Enqueue durably stages a payload for remote delivery and returns the local
// sequence ID. remoteID is the client-generated idempotency key.
func (q *Queue) Enqueue(kind string, remoteID uuid.UUID, payload any) (uint64, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal staged payload: %w", err)
	}

	rec := models.StagedRecord{
		RemoteID:   remoteID,
		Kind:       kind,
		Payload:    data,
		SyncStatus: models.SyncPending,
		CreatedAt:  time.Now(),
	}

	err = q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(recordsBucket)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		rec.LocalID = seq
		buf, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put(seqKey(seq), buf)
	})
	if err != nil {
		return 0, fmt.Errorf("stage record: %w", err)
	}

	q.updateGauges()
	return rec.LocalID, nil
}

// Records returns all staged records with the given status, in enqueue order.
func (q *Queue) Records(status models.SyncStatus) ([]models.StagedRecord, error) {
	var recs []models.StagedRecord
	err := q.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(recordsBucket).ForEach(func(k, v []byte) error {
			var rec models.StagedRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.SyncStatus == status {
				recs = append(recs, rec)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("read staged records: %w", err)
	}
	return recs, nil
}

// Stats reports record counts by sync status.
func (q *Queue) Stats() (pending, synced, failed int, err error) {
	err = q.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(recordsBucket).ForEach(func(k, v []byte) error {
			var rec models.StagedRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			switch rec.SyncStatus {
			case models.SyncPending:
				pending++
			case models.SyncSynced:
				synced++
			case models.SyncFailed:
				failed++
			}
			return nil
		})
	})
	return pending, synced, failed, err
}

// TriggerFlush wakes the flush loop early, e.g. on detected reconnection.
func (q *Queue) TriggerFlush() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Run drives the background flush loop until ctx is cancelled. Failing cycles
// back off exponentially up to MaxBackoff; a successful cycle resets the wait.
func (q *Queue) Run(ctx context.Context) {
	wait := q.cfg.FlushInterval

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.notify:
		case <-time.After(wait):
		}

		remaining, hadFailure := q.flushOnce(ctx)
		if hadFailure {
			wait *= 2
			if wait > q.cfg.MaxBackoff {
				wait = q.cfg.MaxBackoff
			}
			slog.Warn("staging flush incomplete", "pending", remaining, "next_attempt_in", wait.String())
		} else {
			wait = q.cfg.FlushInterval
		}
	}
}

// flushOnce attempts remote commit of every pending record, oldest first.
func (q *Queue) flushOnce(ctx context.Context) (remaining int, hadFailure bool) {
	pending, err := q.Records(models.SyncPending)
	if err != nil {
		slog.Error("read pending records", "error", err)
		return 0, true
	}

	committer := q.getCommitter()
	if committer == nil {
		// No transport installed yet; records stay pending.
		return len(pending), false
	}

	for _, rec := range pending {
		// Bounded timeout: a flush in progress when connectivity drops must
		// fail fast and leave the record pending, not hang.
		commitCtx, cancel := context.WithTimeout(ctx, q.cfg.CommitTimeout)
		err := committer.Commit(commitCtx, rec)
		cancel()

		if err != nil {
			observability.FlushAttempts.WithLabelValues("failure").Inc()
			hadFailure = true
			rec.Retries++
			rec.LastError = err.Error()
			if rec.Retries >= q.cfg.MaxRetries {
				// Never silently dropped: surfaced via Stats and the failed gauge.
				rec.SyncStatus = models.SyncFailed
				slog.Error("staged record exhausted retries", "local_id", rec.LocalID, "remote_id", rec.RemoteID, "error", err)
			}
			if uerr := q.put(rec); uerr != nil {
				slog.Error("update staged record", "local_id", rec.LocalID, "error", uerr)
			}
			continue
		}

		observability.FlushAttempts.WithLabelValues("success").Inc()
		now := time.Now()
		rec.SyncStatus = models.SyncSynced
		rec.SyncedAt = &now
		rec.LastError = ""
		if uerr := q.put(rec); uerr != nil {
			slog.Error("update staged record", "local_id", rec.LocalID, "error", uerr)
		}

		if ctx.Err() != nil {
			break
		}
	}

	q.updateGauges()
	p, _, _, _ := q.Stats()
	return p, hadFailure
}

func (q *Queue) put(rec models.StagedRecord) error {
	buf, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return q.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(recordsBucket).Put(seqKey(rec.LocalID), buf)
	})
}

func (q *Queue) updateGauges() {
	pending, _, failed, err := q.Stats()
	if err != nil {
		return
	}
	observability.StagedPending.Set(float64(pending))
	observability.StagedFailed.Set(float64(failed))
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}
