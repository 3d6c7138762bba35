// Package jobstore is the persistent record of jobs, cards, plan, status
// and last-seq (C1, spec §4.1). Grounded on the teacher's WorkflowStore
// (services/orchestrator/persistence.go): one bbolt database, one bucket per
// entity kind, all mutations inside a single bbolt.Update transaction so a
// batch of card/job writes commits atomically.
package jobstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel/metric"

	"github.com/elonfeng/dinq-analyze-sub001/internal/apperr"
	"github.com/elonfeng/dinq-analyze-sub001/internal/model"
)

var (
	bucketJobs         = []byte("jobs")
	bucketCards        = []byte("cards")
	bucketCardsByJob   = []byte("cards_by_job")
	bucketIdempotency  = []byte("idempotency")
)

// Store is the bbolt-backed Job Store.
type Store struct {
	db *bbolt.DB

	// per-job mutex avoids two goroutines racing release_ready_cards /
	// try_finalize_job for the same job; bbolt already serializes writers
	// across the whole db, but this keeps read-modify-write sequences for a
	// single job from interleaving with each other under concurrent callers.
	mu     sync.Mutex
	jobMus map[string]*sync.Mutex

	createLatency metric.Float64Histogram
	cardLatency   metric.Float64Histogram
}

// Open creates/opens the job store database at dbPath/jobs.db.
func Open(dbPath string, meter metric.Meter) (*Store, error) {
	db, err := bbolt.Open(dbPath+"/jobs.db", 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open jobstore db: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketJobs, bucketCards, bucketCardsByJob, bucketIdempotency} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create jobstore buckets: %w", err)
	}

	var createLatency, cardLatency metric.Float64Histogram
	if meter != nil {
		createLatency, _ = meter.Float64Histogram("analyzecore_jobstore_create_ms")
		cardLatency, _ = meter.Float64Histogram("analyzecore_jobstore_card_update_ms")
	}

	return &Store{
		db:            db,
		jobMus:        make(map[string]*sync.Mutex),
		createLatency: createLatency,
		cardLatency:   cardLatency,
	}, nil
}

// Close releases the underlying database file.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying bbolt handle so a caller that also holds an
// eventstore.Store opened against this same Store (eventstore.Open detects
// this DB method through its dbProvider interface and shares the handle instead of opening its own
// file) can batch job/card/event writes into one bbolt.Update transaction.
// See cachehit.CompleteJobFromCachedFinalResult for the batch writer.
func (s *Store) DB() *bbolt.DB { return s.db }

func (s *Store) lockJob(jobID string) func() {
	s.mu.Lock()
	m, ok := s.jobMus[jobID]
	if !ok {
		m = &sync.Mutex{}
		s.jobMus[jobID] = m
	}
	s.mu.Unlock()
	m.Lock()
	return m.Unlock
}

func idempotencyIndexKey(userID, key string) []byte {
	return []byte(userID + "\x00" + key)
}

func cardsByJobKey(jobID, cardID string) []byte {
	return []byte(jobID + "\x00" + cardID)
}

// CreateJobBundle atomically creates a job and all of its cards. If
// idempotencyKey is set and a job already exists for (userID, idempotencyKey),
// it is returned with created=false when requestHash matches, or an
// apperr.Conflict error otherwise (spec §4.1, §3 invariant 6).
func (s *Store) CreateJobBundle(
	ctx context.Context,
	userID, source string,
	input, options map[string]any,
	plan []model.Card,
	subjectKey, idempotencyKey, requestHash string,
) (jobID string, created bool, err error) {
	start := time.Now()
	defer func() {
		if s.createLatency != nil {
			s.createLatency.Record(ctx, float64(time.Since(start).Milliseconds()))
		}
	}()

	err = s.db.Update(func(tx *bbolt.Tx) error {
		jobs := tx.Bucket(bucketJobs)
		idem := tx.Bucket(bucketIdempotency)
		cards := tx.Bucket(bucketCards)
		byJob := tx.Bucket(bucketCardsByJob)

		if idempotencyKey != "" {
			idxKey := idempotencyIndexKey(userID, idempotencyKey)
			if existingID := idem.Get(idxKey); existingID != nil {
				raw := jobs.Get(existingID)
				if raw == nil {
					return apperr.NotFound("jobstore.create_job_bundle", fmt.Errorf("idempotency index points at missing job %s", existingID))
				}
				var existing model.Job
				if err := json.Unmarshal(raw, &existing); err != nil {
					return fmt.Errorf("decode existing job: %w", err)
				}
				if existing.RequestHash == requestHash {
					jobID = existing.ID
					created = false
					return nil
				}
				return apperr.Conflict("jobstore.create_job_bundle", fmt.Errorf("idempotency_key_conflict"))
			}
		}

		now := time.Now().UTC()
		jobID = uuid.NewString()
		job := model.Job{
			ID:             jobID,
			UserID:         userID,
			Source:         source,
			SubjectKey:     subjectKey,
			Input:          input,
			Options:        options,
			Status:         model.JobQueued,
			LastSeq:        0,
			CreatedAt:      now,
			UpdatedAt:      now,
			IdempotencyKey: idempotencyKey,
			RequestHash:    requestHash,
		}
		jobRaw, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("encode job: %w", err)
		}
		if err := jobs.Put([]byte(jobID), jobRaw); err != nil {
			return err
		}

		for _, c := range plan {
			c.ID = uuid.NewString()
			c.JobID = jobID
			c.CreatedAt = now
			c.UpdatedAt = now
			cardRaw, err := json.Marshal(c)
			if err != nil {
				return fmt.Errorf("encode card %s: %w", c.CardType, err)
			}
			if err := cards.Put([]byte(c.ID), cardRaw); err != nil {
				return err
			}
			if err := byJob.Put(cardsByJobKey(jobID, c.ID), []byte(c.ID)); err != nil {
				return err
			}
		}

		if idempotencyKey != "" {
			if err := idem.Put(idempotencyIndexKey(userID, idempotencyKey), []byte(jobID)); err != nil {
				return err
			}
		}
		created = true
		return nil
	})
	if err != nil {
		return "", false, err
	}
	return jobID, created, nil
}

// GetJob returns the job row, or apperr NotFound.
func (s *Store) GetJob(jobID string) (*model.Job, error) {
	var job model.Job
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketJobs).Get([]byte(jobID))
		if raw == nil {
			return apperr.NotFound("jobstore.get_job", fmt.Errorf("job %s not found", jobID))
		}
		return json.Unmarshal(raw, &job)
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// ListCardsForJob returns every card of a job, ordered by CreatedAt only;
// priority ordering is left to callers. Cards created by one
// CreateJobBundle share a CreatedAt and come back in card-id order, so the
// plan's insertion order is not preserved among them.
func (s *Store) ListCardsForJob(jobID string) ([]model.Card, error) {
	var out []model.Card
	err := s.db.View(func(tx *bbolt.Tx) error {
		cards := tx.Bucket(bucketCards)
		c := tx.Bucket(bucketCardsByJob).Cursor()
		prefix := []byte(jobID + "\x00")
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			raw := cards.Get(v)
			if raw == nil {
				continue
			}
			var card model.Card
			if err := json.Unmarshal(raw, &card); err != nil {
				return err
			}
			out = append(out, card)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// GetJobWithCards returns a job and its cards together.
func (s *Store) GetJobWithCards(jobID string) (*model.Job, []model.Card, error) {
	job, err := s.GetJob(jobID)
	if err != nil {
		return nil, nil, err
	}
	cards, err := s.ListCardsForJob(jobID)
	if err != nil {
		return nil, nil, err
	}
	return job, cards, nil
}

// FindJobByIdempotencyKey looks up a job by (userID, idempotencyKey).
func (s *Store) FindJobByIdempotencyKey(userID, key string) (*model.Job, bool, error) {
	var job model.Job
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		id := tx.Bucket(bucketIdempotency).Get(idempotencyIndexKey(userID, key))
		if id == nil {
			return nil
		}
		raw := tx.Bucket(bucketJobs).Get(id)
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &job)
	})
	if err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, nil
	}
	return &job, true, nil
}

// UpdateCardStatus transitions a card's status and merges output into its
// {data, stream} envelope, returning the merged envelope.
func (s *Store) UpdateCardStatus(ctx context.Context, cardID string, status model.CardStatus, output *model.Output, retryCount *int) (model.Output, error) {
	start := time.Now()
	defer func() {
		if s.cardLatency != nil {
			s.cardLatency.Record(ctx, float64(time.Since(start).Milliseconds()))
		}
	}()

	var merged model.Output
	err := s.db.Update(func(tx *bbolt.Tx) error {
		var txErr error
		merged, txErr = UpdateCardStatusTx(tx, cardID, status, output, retryCount)
		return txErr
	})
	return merged, err
}

// UpdateCardStatusTx is the transaction-scoped body of UpdateCardStatus, for
// callers (cachehit's batch finalizer) that need it to commit alongside
// other job/card/event writes in a single bbolt.Update.
func UpdateCardStatusTx(tx *bbolt.Tx, cardID string, status model.CardStatus, output *model.Output, retryCount *int) (model.Output, error) {
	cards := tx.Bucket(bucketCards)
	raw := cards.Get([]byte(cardID))
	if raw == nil {
		return model.Output{}, apperr.NotFound("jobstore.update_card_status", fmt.Errorf("card %s not found", cardID))
	}
	var card model.Card
	if err := json.Unmarshal(raw, &card); err != nil {
		return model.Output{}, err
	}
	card.Status = status
	if output != nil {
		if output.Data != nil {
			card.Output.Data = output.Data
		}
		if output.Stream != nil {
			if card.Output.Stream == nil {
				card.Output.Stream = map[string]any{}
			}
			for k, v := range output.Stream {
				card.Output.Stream[k] = v
			}
		}
	}
	if retryCount != nil {
		card.RetryCount = *retryCount
	}
	card.UpdatedAt = time.Now().UTC()
	merged := card.Output

	encoded, err := json.Marshal(card)
	if err != nil {
		return model.Output{}, err
	}
	if err := cards.Put([]byte(cardID), encoded); err != nil {
		return model.Output{}, err
	}
	return merged, nil
}

// GetJobTx reads a job within a caller-supplied transaction so a batch
// writer can check job.Status.Terminal() before committing card/event
// writes without dropping out to a separate, non-atomic View/Update pair.
func GetJobTx(tx *bbolt.Tx, jobID string) (*model.Job, error) {
	raw := tx.Bucket(bucketJobs).Get([]byte(jobID))
	if raw == nil {
		return nil, apperr.NotFound("jobstore.get_job", fmt.Errorf("job %s not found", jobID))
	}
	var job model.Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// ReleaseReadyCards promotes every pending card whose dependencies are all
// in {completed, skipped} to ready. Idempotent (spec §4.1, §8 round-trip law).
func (s *Store) ReleaseReadyCards(jobID string) error {
	unlock := s.lockJob(jobID)
	defer unlock()

	return s.db.Update(func(tx *bbolt.Tx) error {
		cards := tx.Bucket(bucketCards)
		byJob := tx.Bucket(bucketCardsByJob)
		byType := map[string]model.Card{}
		ids := map[string][]byte{}

		c := byJob.Cursor()
		prefix := []byte(jobID + "\x00")
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			raw := cards.Get(v)
			if raw == nil {
				continue
			}
			var card model.Card
			if err := json.Unmarshal(raw, &card); err != nil {
				return err
			}
			byType[card.CardType] = card
			ids[card.CardType] = v
		}

		for ct, card := range byType {
			if card.Status != model.CardPending {
				continue
			}
			allSatisfied := true
			for _, dep := range card.DependsOn {
				depCard, ok := byType[dep]
				if !ok || !depCard.Status.SatisfiesDependency() {
					allSatisfied = false
					break
				}
			}
			if !allSatisfied {
				continue
			}
			card.Status = model.CardReady
			card.UpdatedAt = time.Now().UTC()
			encoded, err := json.Marshal(card)
			if err != nil {
				return err
			}
			if err := cards.Put(ids[ct], encoded); err != nil {
				return err
			}
		}
		return nil
	})
}

// MarkDependentCardsSkipped walks the transitive closure of depends_on from
// failedCardType and marks every transitive dependent as skipped.
func (s *Store) MarkDependentCardsSkipped(jobID, failedCardType string) error {
	unlock := s.lockJob(jobID)
	defer unlock()

	return s.db.Update(func(tx *bbolt.Tx) error {
		cards := tx.Bucket(bucketCards)
		byJob := tx.Bucket(bucketCardsByJob)

		type entry struct {
			card model.Card
			key  []byte
		}
		byType := map[string]entry{}

		c := byJob.Cursor()
		prefix := []byte(jobID + "\x00")
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			raw := cards.Get(v)
			if raw == nil {
				continue
			}
			var card model.Card
			if err := json.Unmarshal(raw, &card); err != nil {
				return err
			}
			byType[card.CardType] = entry{card: card, key: v}
		}

		dependents := map[string][]string{}
		for ct, e := range byType {
			for _, dep := range e.card.DependsOn {
				dependents[dep] = append(dependents[dep], ct)
			}
		}

		toSkip := map[string]bool{}
		var walk func(ct string)
		walk = func(ct string) {
			for _, child := range dependents[ct] {
				if toSkip[child] {
					continue
				}
				toSkip[child] = true
				walk(child)
			}
		}
		walk(failedCardType)

		for ct := range toSkip {
			e := byType[ct]
			if e.card.Status.Terminal() {
				continue
			}
			e.card.Status = model.CardSkipped
			e.card.UpdatedAt = time.Now().UTC()
			encoded, err := json.Marshal(e.card)
			if err != nil {
				return err
			}
			if err := cards.Put(e.key, encoded); err != nil {
				return err
			}
		}
		return nil
	})
}

// CountCardsByStatus returns counts keyed by CardStatus for a job's cards.
func (s *Store) CountCardsByStatus(jobID string) (map[model.CardStatus]int, error) {
	cards, err := s.ListCardsForJob(jobID)
	if err != nil {
		return nil, err
	}
	counts := map[model.CardStatus]int{}
	for _, c := range cards {
		counts[c.Status]++
	}
	return counts, nil
}

// TryFinalizeJob transitions a non-terminal job to status atomically (CAS).
// Returns false without error if the job was already terminal.
func (s *Store) TryFinalizeJob(jobID string, status model.JobStatus, lastSeq int64) (bool, error) {
	unlock := s.lockJob(jobID)
	defer unlock()

	var won bool
	err := s.db.Update(func(tx *bbolt.Tx) error {
		var txErr error
		won, txErr = TryFinalizeJobTx(tx, jobID, status, lastSeq)
		return txErr
	})
	return won, err
}

// TryFinalizeJobTx is the transaction-scoped body of TryFinalizeJob.
func TryFinalizeJobTx(tx *bbolt.Tx, jobID string, status model.JobStatus, lastSeq int64) (bool, error) {
	jobs := tx.Bucket(bucketJobs)
	raw := jobs.Get([]byte(jobID))
	if raw == nil {
		return false, apperr.NotFound("jobstore.try_finalize_job", fmt.Errorf("job %s not found", jobID))
	}
	var job model.Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return false, err
	}
	if job.Status.Terminal() {
		return false, nil
	}
	job.Status = status
	if lastSeq > job.LastSeq {
		job.LastSeq = lastSeq
	}
	job.UpdatedAt = time.Now().UTC()
	encoded, err := json.Marshal(job)
	if err != nil {
		return false, err
	}
	if err := jobs.Put([]byte(jobID), encoded); err != nil {
		return false, err
	}
	return true, nil
}

// UpdateJobLastSeq advances job.last_seq if seq is greater than the current value.
func (s *Store) UpdateJobLastSeq(jobID string, seq int64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		jobs := tx.Bucket(bucketJobs)
		raw := jobs.Get([]byte(jobID))
		if raw == nil {
			return apperr.NotFound("jobstore.update_job_last_seq", fmt.Errorf("job %s not found", jobID))
		}
		var job model.Job
		if err := json.Unmarshal(raw, &job); err != nil {
			return err
		}
		if seq <= job.LastSeq {
			return nil
		}
		job.LastSeq = seq
		job.UpdatedAt = time.Now().UTC()
		encoded, err := json.Marshal(job)
		if err != nil {
			return err
		}
		return jobs.Put([]byte(jobID), encoded)
	})
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
