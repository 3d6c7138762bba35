// Package localcache is the bounded in-process TTL cache of compressed JSON
// blobs (C5, spec §4.4). Backed by bbolt so it is safe across processes on
// a single machine via bbolt's own file lock, exactly as the teacher relies
// on bbolt being "pure Go, no C dependencies" for the analogous durability
// concern in persistence.go — the expansion reuses that property to satisfy
// the cross-process-safety requirement without hand-rolling a flock.
// Values are zstd-compressed (klauspost/compress), matching the contract's
// "compressed JSON values".
package localcache

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"
	"go.etcd.io/bbolt"
)

var bucketEntries = []byte("entries")

// Store is the bbolt-backed Local KV Cache.
type Store struct {
	db       *bbolt.DB
	encoder  *zstd.Encoder
	decoder  *zstd.Decoder
	maxBytes int64
}

// Row is one cached value with its expiry metadata.
type Row struct {
	Value     map[string]any `json:"value"`
	CreatedAt int64          `json:"created_at_s"`
	ExpiresAt *int64         `json:"expires_at_s,omitempty"`
}

// Open creates/opens the local cache database at dbPath/local_cache.db,
// bounded to maxBytes of stored (zstd-compressed) entries.
func Open(dbPath string, maxBytes int64) (*Store, error) {
	db, err := bbolt.Open(dbPath+"/local_cache.db", 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open localcache db: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEntries)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create localcache bucket: %w", err)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}

	return &Store{db: db, encoder: enc, decoder: dec, maxBytes: maxBytes}, nil
}

// Close releases the underlying database file and compressor state.
func (s *Store) Close() error {
	s.decoder.Close()
	return s.db.Close()
}

// SetJSON stores value under key, compressed, with an optional absolute
// expiry (unix seconds).
func (s *Store) SetJSON(key string, value map[string]any, expiresAtS *int64) error {
	raw, err := json.Marshal(Row{Value: value, CreatedAt: time.Now().Unix(), ExpiresAt: expiresAtS})
	if err != nil {
		return fmt.Errorf("encode row: %w", err)
	}
	compressed := s.encoder.EncodeAll(raw, nil)
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEntries).Put([]byte(key), compressed)
	})
}

// GetJSON returns the row for key, or (nil, false) if absent or expired.
// An expired row is lazily deleted.
func (s *Store) GetJSON(key string) (*Row, bool, error) {
	var compressed []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketEntries).Get([]byte(key))
		if raw != nil {
			compressed = append([]byte(nil), raw...)
		}
		return nil
	})
	if err != nil || compressed == nil {
		return nil, false, err
	}

	decompressed, err := s.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, false, fmt.Errorf("decompress row: %w", err)
	}
	var row Row
	if err := json.Unmarshal(decompressed, &row); err != nil {
		return nil, false, fmt.Errorf("decode row: %w", err)
	}

	if row.ExpiresAt != nil && *row.ExpiresAt <= time.Now().Unix() {
		_ = s.db.Update(func(tx *bbolt.Tx) error {
			return tx.Bucket(bucketEntries).Delete([]byte(key))
		})
		return nil, false, nil
	}
	return &row, true, nil
}

// SweepExpired deletes every row whose expiry has passed, and — if the
// bucket still exceeds maxBytes afterwards — evicts the oldest remaining
// rows until it fits. Invoked by the housekeeper's cron schedule rather
// than an ad hoc ticker (spec §4.4 "must bound total size via background
// eviction").
func (s *Store) SweepExpired() (evicted int, err error) {
	now := time.Now().Unix()
	err = s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		c := b.Cursor()

		type candidate struct {
			key       []byte
			createdAt int64
			size      int
		}
		var alive []candidate
		var total int64

		for k, v := c.First(); k != nil; k, v = c.Next() {
			decompressed, derr := s.decoder.DecodeAll(v, nil)
			if derr != nil {
				continue
			}
			var row Row
			if derr := json.Unmarshal(decompressed, &row); derr != nil {
				continue
			}
			if row.ExpiresAt != nil && *row.ExpiresAt <= now {
				if err := b.Delete(k); err != nil {
					return err
				}
				evicted++
				continue
			}
			alive = append(alive, candidate{key: append([]byte(nil), k...), createdAt: row.CreatedAt, size: len(v)})
			total += int64(len(v))
		}

		if s.maxBytes <= 0 || total <= s.maxBytes {
			return nil
		}
		for i := 1; i < len(alive); i++ {
			for j := i; j > 0 && alive[j].createdAt < alive[j-1].createdAt; j-- {
				alive[j], alive[j-1] = alive[j-1], alive[j]
			}
		}
		for _, cand := range alive {
			if total <= s.maxBytes {
				break
			}
			if err := b.Delete(cand.key); err != nil {
				return err
			}
			total -= int64(cand.size)
			evicted++
		}
		return nil
	})
	return evicted, err
}
