// Package artifactstore holds per-job intermediate payloads keyed by a
// stable string (C3, spec §4.3), e.g. "resource.github.data". It exists so
// internal cards' raw payloads aren't duplicated into Card.output.
package artifactstore

import (
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/elonfeng/dinq-analyze-sub001/internal/model"
)

var bucketArtifacts = []byte("artifacts")

// Store is the bbolt-backed Artifact Store.
type Store struct {
	db *bbolt.DB
}

// Open creates/opens the artifact store database at dbPath/artifacts.db.
func Open(dbPath string) (*Store, error) {
	db, err := bbolt.Open(dbPath+"/artifacts.db", 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open artifactstore db: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketArtifacts)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create artifactstore bucket: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database file.
func (s *Store) Close() error { return s.db.Close() }

func artifactKey(jobID, key string) []byte {
	return []byte(jobID + "\x00" + key)
}

// PutArtifact writes payload for (jobID, key), overwriting any prior value.
func (s *Store) PutArtifact(jobID, key string, payload map[string]any) error {
	art := model.Artifact{JobID: jobID, Key: key, Payload: payload, CreatedAt: time.Now().UTC()}
	encoded, err := json.Marshal(art)
	if err != nil {
		return fmt.Errorf("encode artifact: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketArtifacts).Put(artifactKey(jobID, key), encoded)
	})
}

// GetArtifact returns the payload for (jobID, key), or (nil, false) if absent.
func (s *Store) GetArtifact(jobID, key string) (*model.Artifact, bool, error) {
	var art model.Artifact
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketArtifacts).Get(artifactKey(jobID, key))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &art)
	})
	if err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, nil
	}
	return &art, true, nil
}
