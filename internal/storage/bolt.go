package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.etcd.io/bbolt"

	"github.com/bdougie/framesearch/internal/models"
)

// BoltFileName is the database file created inside the store directory.
const BoltFileName = "frames.db"

// BoltStore keeps frame records in a local bbolt file, one bucket per
// collection. Queries scan the bucket and rank by exact cosine distance.
type BoltStore struct {
	db     *bbolt.DB
	bucket []byte
}

// OpenBolt opens or creates <dir>/frames.db.
func OpenBolt(dir, collection string) (*BoltStore, error) {
	if collection == "" {
		return nil, fmt.Errorf("collection name is required")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory '%s': %w", dir, err)
	}

	db, err := bbolt.Open(filepath.Join(dir, BoltFileName), 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", dir, err)
	}
	return &BoltStore{db: db, bucket: []byte(collection)}, nil
}

// Init creates the collection bucket.
func (s *BoltStore) Init(_ context.Context) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(s.bucket)
		return err
	})
}

// Upsert stores records as JSON keyed by id.
func (s *BoltStore) Upsert(_ context.Context, records []models.FrameRecord) error {
	if len(records) == 0 {
		return nil
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(s.bucket)
		if err != nil {
			return err
		}
		for _, rec := range records {
			if rec.ID == "" {
				return fmt.Errorf("record without id")
			}
			data, err := json.Marshal(rec)
			if err != nil {
				return fmt.Errorf("marshal %s: %w", rec.ID, err)
			}
			if err := b.Put([]byte(rec.ID), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// Query ranks every matching record by cosine distance to vec.
func (s *BoltStore) Query(_ context.Context, vec []float32, n int, filter models.Filter) ([]models.Match, error) {
	if n <= 0 {
		return nil, nil
	}

	var matches []models.Match
	err := s.scan(func(rec models.FrameRecord) error {
		if !filter.Matches(rec) || len(rec.Embedding) == 0 {
			return nil
		}
		dist, err := CosineDistance(vec, rec.Embedding)
		if err != nil {
			return fmt.Errorf("record %s: %w", rec.ID, err)
		}
		matches = append(matches, models.NewMatch(rec, dist))
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Distance != matches[j].Distance {
			return matches[i].Distance < matches[j].Distance
		}
		return matches[i].Record.ID < matches[j].Record.ID
	})
	if len(matches) > n {
		matches = matches[:n]
	}
	return matches, nil
}

// Get returns the records with the given ids. Unknown ids are skipped.
func (s *BoltStore) Get(_ context.Context, ids []string) ([]models.FrameRecord, error) {
	var out []models.FrameRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(s.bucket)
		if b == nil {
			return nil
		}
		for _, id := range ids {
			data := b.Get([]byte(id))
			if data == nil {
				continue
			}
			var rec models.FrameRecord
			if err := json.Unmarshal(data, &rec); err != nil {
				return fmt.Errorf("decode %s: %w", id, err)
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

// List returns the records matching filter in video, scene, frame order.
func (s *BoltStore) List(_ context.Context, filter models.Filter) ([]models.FrameRecord, error) {
	var out []models.FrameRecord
	err := s.scan(func(rec models.FrameRecord) error {
		if filter.Matches(rec) {
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	SortRecords(out)
	return out, nil
}

// Delete removes the given ids.
func (s *BoltStore) Delete(_ context.Context, ids []string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(s.bucket)
		if b == nil {
			return nil
		}
		for _, id := range ids {
			if err := b.Delete([]byte(id)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Clear drops and recreates the collection bucket.
func (s *BoltStore) Clear(_ context.Context) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket(s.bucket) != nil {
			if err := tx.DeleteBucket(s.bucket); err != nil {
				return err
			}
		}
		_, err := tx.CreateBucket(s.bucket)
		return err
	})
}

// Count returns the number of records in the collection.
func (s *BoltStore) Count(_ context.Context) (int, error) {
	var n int
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(s.bucket)
		if b == nil {
			return nil
		}
		n = b.Stats().KeyN
		return nil
	})
	return n, err
}

// Close closes the database file.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) scan(fn func(models.FrameRecord) error) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(s.bucket)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var rec models.FrameRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode %s: %w", k, err)
			}
			return fn(rec)
		})
	})
}
