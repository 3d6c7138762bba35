// Package eventstore is the append-only per-job event log with monotonic
// seq and live tailing (C2, spec §4.2). Grounded on the teacher's
// persistence.go time-ordered index bucket pattern, adapted from "index by
// execution start time" to "index by (job_id, seq)".
package eventstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel/metric"

	"github.com/elonfeng/dinq-analyze-sub001/internal/model"
)

var (
	bucketEvents  = []byte("events")
	bucketLastSeq = []byte("last_seq")
)

// JobSeqUpdater lets the event store advance a job's cached last_seq in the
// same logical step as an event append, without the event store importing
// the job store package (it depends on jobstore, not the reverse).
type JobSeqUpdater interface {
	UpdateJobLastSeq(jobID string, seq int64) error
}

// dbProvider is satisfied by jobstore.Store. When the seqUpdate passed to
// Open implements it, Open reuses that bbolt handle instead of opening a
// second database file, so job/card state and the event log live in one
// bbolt db and a caller can batch both into a single Update transaction
// (spec §9 batch-completion atomicity; see cachehit.CompleteJobFromCachedFinalResult).
type dbProvider interface {
	DB() *bbolt.DB
}

// Store is the bbolt-backed Event Store.
type Store struct {
	db      *bbolt.DB
	ownsDB  bool

	mu        sync.Mutex
	jobLocks  map[string]*sync.Mutex
	seqUpdate JobSeqUpdater

	// broadcast fans out newly appended events to in-process stream readers,
	// per job id. This is the "process-wide mutable dictionary" the design
	// notes call out — bounded by being cleared once a job goes terminal.
	subMu sync.Mutex
	subs  map[string][]chan model.Event

	listenerMu sync.Mutex
	listeners  []func(model.Event)

	appendLatency metric.Float64Histogram
}

// AddListener registers fn to be called, in its own goroutine, for every
// event appended to any job. Used by the event bus to fan events out to
// external subscribers without the store knowing anything about NATS.
func (s *Store) AddListener(fn func(model.Event)) {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Open creates/opens the event store database at dbPath/events.db. If
// seqUpdate also implements dbProvider (jobstore.Store does), its bbolt
// handle is reused instead of opening a second file, so job/card writes and
// event appends can share one transaction.
func Open(dbPath string, meter metric.Meter, seqUpdate JobSeqUpdater) (*Store, error) {
	var db *bbolt.DB
	ownsDB := true
	if provider, ok := seqUpdate.(dbProvider); ok && provider.DB() != nil {
		db = provider.DB()
		ownsDB = false
	} else {
		var err error
		db, err = bbolt.Open(dbPath+"/events.db", 0o600, &bbolt.Options{Timeout: 1 * time.Second})
		if err != nil {
			return nil, fmt.Errorf("open eventstore db: %w", err)
		}
	}

	err := db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketEvents, bucketLastSeq} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if ownsDB {
			db.Close()
		}
		return nil, fmt.Errorf("create eventstore buckets: %w", err)
	}

	var appendLatency metric.Float64Histogram
	if meter != nil {
		appendLatency, _ = meter.Float64Histogram("analyzecore_eventstore_append_ms")
	}

	return &Store{
		db:            db,
		ownsDB:        ownsDB,
		jobLocks:      make(map[string]*sync.Mutex),
		seqUpdate:     seqUpdate,
		subs:          make(map[string][]chan model.Event),
		appendLatency: appendLatency,
	}, nil
}

// Close releases the underlying database file, unless it is shared with a
// jobstore.Store that owns it (that Store's own Close releases it once).
func (s *Store) Close() error {
	if !s.ownsDB {
		return nil
	}
	return s.db.Close()
}

// DB exposes the shared bbolt handle for batch writers (see cachehit).
func (s *Store) DB() *bbolt.DB { return s.db }

func (s *Store) lockJob(jobID string) func() {
	s.mu.Lock()
	m, ok := s.jobLocks[jobID]
	if !ok {
		m = &sync.Mutex{}
		s.jobLocks[jobID] = m
	}
	s.mu.Unlock()
	m.Lock()
	return m.Unlock
}

func eventKey(jobID string, seq int64) []byte {
	buf := make([]byte, len(jobID)+1+8)
	copy(buf, jobID)
	buf[len(jobID)] = 0
	binary.BigEndian.PutUint64(buf[len(jobID)+1:], uint64(seq))
	return buf
}

// AppendEvent allocates the next seq for jobID under a per-job lock, writes
// the event row, advances the cached job.last_seq, and fans the event out to
// any live stream subscribers.
func (s *Store) AppendEvent(ctx context.Context, jobID, cardID, eventType string, payload map[string]any) (int64, error) {
	start := time.Now()
	defer func() {
		if s.appendLatency != nil {
			s.appendLatency.Record(ctx, float64(time.Since(start).Milliseconds()))
		}
	}()

	unlock := s.lockJob(jobID)
	defer unlock()

	var seq int64
	var event model.Event
	err := s.db.Update(func(tx *bbolt.Tx) error {
		var txErr error
		seq, event, txErr = AppendEventTx(tx, jobID, cardID, eventType, payload)
		return txErr
	})
	if err != nil {
		return 0, err
	}

	if s.seqUpdate != nil {
		if err := s.seqUpdate.UpdateJobLastSeq(jobID, seq); err != nil {
			return 0, fmt.Errorf("advance job last_seq: %w", err)
		}
	}

	s.publish(jobID, event)
	return seq, nil
}

// AppendEventTx is the transaction-scoped body of AppendEvent: it allocates
// the next seq and writes the event row, but does not advance the job's
// cached last_seq or fan the event out to subscribers — a batch writer that
// also touches jobstore buckets in the same tx (cachehit's finalizer) does
// that itself once the whole batch commits, via jobstore.TryFinalizeJobTx
// and Store.Publish.
func AppendEventTx(tx *bbolt.Tx, jobID, cardID, eventType string, payload map[string]any) (int64, model.Event, error) {
	lastSeq := tx.Bucket(bucketLastSeq)
	events := tx.Bucket(bucketEvents)

	seq := lastSeqFor(lastSeq, jobID) + 1
	event := model.Event{
		JobID:     jobID,
		Seq:       seq,
		CardID:    cardID,
		EventType: eventType,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
	encoded, err := json.Marshal(event)
	if err != nil {
		return 0, model.Event{}, fmt.Errorf("encode event: %w", err)
	}
	if err := events.Put(eventKey(jobID, seq), encoded); err != nil {
		return 0, model.Event{}, err
	}

	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(seq))
	if err := lastSeq.Put([]byte(jobID), buf); err != nil {
		return 0, model.Event{}, err
	}
	return seq, event, nil
}

// Publish fans ev out to live stream subscribers and listeners. Exported for
// batch writers that append events via AppendEventTx outside of AppendEvent
// and must publish once their transaction has committed.
func (s *Store) Publish(ev model.Event) { s.publish(ev.JobID, ev) }

func lastSeqFor(b *bbolt.Bucket, jobID string) int64 {
	raw := b.Get([]byte(jobID))
	if raw == nil || len(raw) < 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(raw))
}

// GetLastSeq is the authoritative last sequence number for a job.
func (s *Store) GetLastSeq(jobID string) (int64, error) {
	var seq int64
	err := s.db.View(func(tx *bbolt.Tx) error {
		seq = lastSeqFor(tx.Bucket(bucketLastSeq), jobID)
		return nil
	})
	return seq, err
}

// EventsAfter returns every event for jobID with seq > afterSeq, in seq order.
func (s *Store) EventsAfter(jobID string, afterSeq int64) ([]model.Event, error) {
	var out []model.Event
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketEvents).Cursor()
		prefix := append([]byte(jobID), 0)
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var ev model.Event
			if err := json.Unmarshal(v, &ev); err != nil {
				return err
			}
			if ev.Seq > afterSeq {
				out = append(out, ev)
			}
		}
		return nil
	})
	return out, err
}

func hasPrefix(k, prefix []byte) bool {
	if len(k) < len(prefix) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}

func isJobTerminalEvent(eventType string) bool {
	return eventType == "job.completed" || eventType == "job.failed"
}

// subscribe registers a channel that receives every event appended for
// jobID from now on. The caller must call the returned cancel function when
// done; Stream below wraps this with the replay-then-tail contract.
func (s *Store) subscribe(jobID string) (chan model.Event, func()) {
	ch := make(chan model.Event, 64)
	s.subMu.Lock()
	s.subs[jobID] = append(s.subs[jobID], ch)
	s.subMu.Unlock()

	cancel := func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		list := s.subs[jobID]
		for i, c := range list {
			if c == ch {
				s.subs[jobID] = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(s.subs[jobID]) == 0 {
			delete(s.subs, jobID)
		}
		close(ch)
	}
	return ch, cancel
}

func (s *Store) publish(jobID string, ev model.Event) {
	s.subMu.Lock()
	for _, ch := range s.subs[jobID] {
		select {
		case ch <- ev:
		default:
			// Slow subscriber: drop rather than block the writer. The
			// subscriber's bounded-poll fallback in Stream catches up from
			// durable storage on the next tick.
		}
	}
	s.subMu.Unlock()

	s.listenerMu.Lock()
	listeners := s.listeners
	s.listenerMu.Unlock()
	for _, fn := range listeners {
		go fn(ev)
	}
}

// JobStatusReader lets Stream decide when a non-terminal-but-quiet job has
// actually finished (e.g. after a process restart with no live publisher).
type JobStatusReader interface {
	GetJob(jobID string) (*model.Job, error)
}

// Stream yields events for jobID with seq > afterSeq, in seq order, first by
// draining anything already durable, then tailing live appends together
// with a 200ms poll of durable storage until a job-terminal event is
// observed or (only when jobStore is non-nil) the job's row is already
// terminal with nothing left to deliver (spec §4.2).
func (s *Store) Stream(ctx context.Context, jobID string, afterSeq int64, jobStore JobStatusReader) <-chan model.Event {
	out := make(chan model.Event, 64)

	go func() {
		defer close(out)

		cursor := afterSeq
		backlog, err := s.EventsAfter(jobID, cursor)
		if err == nil {
			for _, ev := range backlog {
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
				cursor = ev.Seq
				if isJobTerminalEvent(ev.EventType) {
					return
				}
			}
		}

		ch, cancel := s.subscribe(jobID)
		defer cancel()

		ticker := time.NewTicker(200 * time.Millisecond)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-ch:
				if ev.Seq <= cursor {
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
				cursor = ev.Seq
				if isJobTerminalEvent(ev.EventType) {
					return
				}
			case <-ticker.C:
				more, err := s.EventsAfter(jobID, cursor)
				if err != nil {
					continue
				}
				for _, ev := range more {
					select {
					case out <- ev:
					case <-ctx.Done():
						return
					}
					cursor = ev.Seq
					if isJobTerminalEvent(ev.EventType) {
						return
					}
				}
				if jobStore != nil {
					if job, err := jobStore.GetJob(jobID); err == nil && job.Status.Terminal() && len(more) == 0 {
						return
					}
				}
			}
		}
	}()

	return out
}
