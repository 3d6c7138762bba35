// Package analysiscache is the durable, subject/pipeline/option-hashed cache
// of final bundles plus refresh-run locks (C4, spec §4.4). Grounded on the
// teacher's persistence.go bbolt bucket-per-entity layout.
package analysiscache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"github.com/elonfeng/dinq-analyze-sub001/internal/apperr"
	"github.com/elonfeng/dinq-analyze-sub001/internal/model"
)

var (
	bucketSubjects    = []byte("subjects")
	bucketArtifacts   = []byte("cache_artifacts")
	bucketRefreshRuns = []byte("refresh_runs")
)

// BuildArtifactKey computes the stable cache key: a fixed-length hex SHA-256
// over the canonical concatenation of (source, subject_key, pipeline_version,
// options_hash, kind) — spec §6 "File formats / persisted state".
func BuildArtifactKey(source, subjectKey, pipelineVersion, optionsHash, kind string) string {
	raw := strings.Join([]string{
		strings.ToLower(strings.TrimSpace(source)),
		strings.TrimSpace(subjectKey),
		strings.TrimSpace(pipelineVersion),
		strings.TrimSpace(optionsHash),
		kind,
	}, "\x1f")
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Store is the bbolt-backed Analysis Cache.
type Store struct {
	db *bbolt.DB
	mu sync.Mutex
}

// Open creates/opens the analysis cache database at dbPath/analysis_cache.db.
func Open(dbPath string) (*Store, error) {
	db, err := bbolt.Open(dbPath+"/analysis_cache.db", 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open analysiscache db: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketSubjects, bucketArtifacts, bucketRefreshRuns} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create analysiscache buckets: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database file.
func (s *Store) Close() error { return s.db.Close() }

func subjectKeyID(source, subjectKey string) []byte {
	return []byte(strings.ToLower(source) + "\x00" + subjectKey)
}

// GetOrCreateSubject returns the stable CacheSubject row for (source, subjectKey),
// creating it on first use.
func (s *Store) GetOrCreateSubject(source, subjectKey string, canonicalInput map[string]any) (*model.CacheSubject, error) {
	var subject model.CacheSubject
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketSubjects)
		key := subjectKeyID(source, subjectKey)
		if raw := b.Get(key); raw != nil {
			return json.Unmarshal(raw, &subject)
		}
		subject = model.CacheSubject{
			ID:             hex.EncodeToString(key),
			Source:         source,
			SubjectKey:     subjectKey,
			CanonicalInput: canonicalInput,
		}
		encoded, err := json.Marshal(subject)
		if err != nil {
			return err
		}
		return b.Put(key, encoded)
	})
	if err != nil {
		return nil, err
	}
	return &subject, nil
}

func artifactStoreKey(subjectID, pipelineVersion, optionsHash string, kind model.CacheArtifactKind) []byte {
	return []byte(subjectID + "\x00" + pipelineVersion + "\x00" + optionsHash + "\x00" + string(kind))
}

// CachedFinalResult is the shape returned by GetCachedFinalResult.
type CachedFinalResult struct {
	Payload   map[string]any
	CreatedAt time.Time
	Stale     bool
}

// GetCachedFinalResult returns the cached final_result for
// (source, subjectKey, pipelineVersion, optionsHash), or nil if absent or
// beyond max-stale (spec §4.4).
func (s *Store) GetCachedFinalResult(source, subjectKey, pipelineVersion, optionsHash string) (*CachedFinalResult, error) {
	subject, err := s.GetOrCreateSubject(source, subjectKey, nil)
	if err != nil {
		return nil, err
	}
	var art model.CacheArtifact
	found := false
	err = s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketArtifacts).Get(artifactStoreKey(subject.ID, pipelineVersion, optionsHash, model.FinalResultKind))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &art)
	})
	if err != nil || !found {
		return nil, err
	}
	now := time.Now().UTC()
	if art.Expired(now) {
		return nil, nil
	}
	return &CachedFinalResult{Payload: art.Payload, CreatedAt: art.CreatedAt, Stale: art.Stale(now)}, nil
}

// SaveFullReport upserts the final_result row for a subject, setting
// expires_at = now + ttl. Replacing a row with a newer expiry only updates
// payload/expiry/meta, never the subject identity (spec §8 round-trip law).
func (s *Store) SaveFullReport(subject *model.CacheSubject, pipelineVersion, optionsHash string, fingerprint *string, payload map[string]any, ttl time.Duration, maxStale time.Duration, meta map[string]any) error {
	return s.saveArtifact(subject, pipelineVersion, optionsHash, model.FinalResultKind, fingerprint, payload, ttl, maxStale, meta)
}

// SaveCachedArtifact upserts a reusable intermediate cache row of the given kind.
func (s *Store) SaveCachedArtifact(subject *model.CacheSubject, pipelineVersion, optionsHash string, kind model.CacheArtifactKind, fingerprint *string, payload map[string]any, ttl, maxStale time.Duration, meta map[string]any) error {
	return s.saveArtifact(subject, pipelineVersion, optionsHash, kind, fingerprint, payload, ttl, maxStale, meta)
}

func (s *Store) saveArtifact(subject *model.CacheSubject, pipelineVersion, optionsHash string, kind model.CacheArtifactKind, fingerprint *string, payload map[string]any, ttl, maxStale time.Duration, meta map[string]any) error {
	now := time.Now().UTC()
	art := model.CacheArtifact{
		SubjectID:       subject.ID,
		PipelineVersion: pipelineVersion,
		OptionsHash:     optionsHash,
		Kind:            kind,
		Payload:         payload,
		CreatedAt:       now,
		ExpiresAt:       now.Add(ttl),
		MaxStale:        maxStale,
		Fingerprint:     fingerprint,
		Meta:            meta,
	}
	encoded, err := json.Marshal(art)
	if err != nil {
		return fmt.Errorf("encode cache artifact: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketArtifacts).Put(artifactStoreKey(subject.ID, pipelineVersion, optionsHash, kind), encoded)
	})
}

func refreshRunKey(subjectID, pipelineVersion, optionsHash string) []byte {
	return []byte(subjectID + "\x00" + pipelineVersion + "\x00" + optionsHash)
}

// TryBeginRefreshRun CAS-claims the (subject, pipeline, options) refresh
// lock. Only one caller wins; a previous run in state "running" blocks new
// claims, but a "failed" or "done" run may be re-claimed.
func (s *Store) TryBeginRefreshRun(subjectID, pipelineVersion, optionsHash string, fingerprint *string, meta map[string]any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	won := false
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketRefreshRuns)
		key := refreshRunKey(subjectID, pipelineVersion, optionsHash)
		if raw := b.Get(key); raw != nil {
			var existing model.RefreshRun
			if err := json.Unmarshal(raw, &existing); err != nil {
				return err
			}
			if existing.State == model.RefreshRunning {
				return nil
			}
		}
		run := model.RefreshRun{
			SubjectID:       subjectID,
			PipelineVersion: pipelineVersion,
			OptionsHash:     optionsHash,
			State:           model.RefreshRunning,
			StartedAt:       time.Now().UTC(),
			Fingerprint:     fingerprint,
		}
		encoded, err := json.Marshal(run)
		if err != nil {
			return err
		}
		won = true
		return b.Put(key, encoded)
	})
	return won, err
}

// FailRefreshRun releases a claimed refresh lock, recording the failure.
func (s *Store) FailRefreshRun(subjectID, pipelineVersion, optionsHash, reason string, meta map[string]any) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketRefreshRuns)
		key := refreshRunKey(subjectID, pipelineVersion, optionsHash)
		raw := b.Get(key)
		if raw == nil {
			return apperr.NotFound("analysiscache.fail_refresh_run", fmt.Errorf("no refresh run for key"))
		}
		var run model.RefreshRun
		if err := json.Unmarshal(raw, &run); err != nil {
			return err
		}
		run.State = model.RefreshFailed
		encoded, err := json.Marshal(run)
		if err != nil {
			return err
		}
		return b.Put(key, encoded)
	})
}

// CompleteRefreshRun marks a claimed refresh lock done.
func (s *Store) CompleteRefreshRun(subjectID, pipelineVersion, optionsHash string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketRefreshRuns)
		key := refreshRunKey(subjectID, pipelineVersion, optionsHash)
		raw := b.Get(key)
		if raw == nil {
			return apperr.NotFound("analysiscache.complete_refresh_run", fmt.Errorf("no refresh run for key"))
		}
		var run model.RefreshRun
		if err := json.Unmarshal(raw, &run); err != nil {
			return err
		}
		run.State = model.RefreshDone
		encoded, err := json.Marshal(run)
		if err != nil {
			return err
		}
		return b.Put(key, encoded)
	})
}

// ReclaimStaleRefreshRuns resets any refresh run still "running" past
// leaseTimeout back to "failed" so a future hit can retry it. Used by the
// housekeeper's cron sweep (spec §9 design notes on stuck locks).
func (s *Store) ReclaimStaleRefreshRuns(leaseTimeout time.Duration) (int, error) {
	reclaimed := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketRefreshRuns)
		c := b.Cursor()
		cutoff := time.Now().UTC().Add(-leaseTimeout)
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var run model.RefreshRun
			if err := json.Unmarshal(v, &run); err != nil {
				continue
			}
			if run.State == model.RefreshRunning && run.StartedAt.Before(cutoff) {
				run.State = model.RefreshFailed
				encoded, err := json.Marshal(run)
				if err != nil {
					return err
				}
				if err := b.Put(k, encoded); err != nil {
					return err
				}
				reclaimed++
			}
		}
		return nil
	})
	return reclaimed, err
}

// SweepExpiredArtifacts deletes cache_artifacts rows past their max-stale
// bound so a subject that stopped being requested doesn't pin a bbolt page
// forever. Used by the housekeeper's cron sweep alongside ReclaimStaleRefreshRuns.
func (s *Store) SweepExpiredArtifacts() (int, error) {
	evicted := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketArtifacts)
		c := b.Cursor()
		now := time.Now().UTC()
		var stale [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var art model.CacheArtifact
			if err := json.Unmarshal(v, &art); err != nil {
				continue
			}
			if art.Expired(now) {
				stale = append(stale, append([]byte(nil), k...))
			}
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
			evicted++
		}
		return nil
	})
	return evicted, err
}
