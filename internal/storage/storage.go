package storage

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"

	"github.com/bdougie/framesearch/internal/models"
)

const batchSize = 10 // Number of records to batch write

// Drivers accepted by Open.
const (
	DriverFile     = "file"
	DriverPostgres = "postgres"
	DriverQdrant   = "qdrant"
)

// Store defines the interface for persisting frame embeddings
type Store interface {
	// Init prepares the collection, creating it if needed
	Init(ctx context.Context) error

	// Upsert writes records, replacing any with the same id
	Upsert(ctx context.Context, records []models.FrameRecord) error

	// Query returns the n records nearest to vec by cosine distance
	Query(ctx context.Context, vec []float32, n int, filter models.Filter) ([]models.Match, error)

	Get(ctx context.Context, ids []string) ([]models.FrameRecord, error)
	List(ctx context.Context, filter models.Filter) ([]models.FrameRecord, error)
	Delete(ctx context.Context, ids []string) error

	// Clear removes every record in the collection
	Clear(ctx context.Context) error

	Count(ctx context.Context) (int, error)
	Close() error
}

// Config selects and configures a Store.
type Config struct {
	Driver      string
	Path        string
	Collection  string
	Dimensions  int
	PostgresDSN string
	QdrantAddr  string
}

// Location describes where the store keeps its data.
func (c Config) Location() string {
	switch c.Driver {
	case DriverPostgres:
		return "postgres"
	case DriverQdrant:
		return "qdrant://" + c.QdrantAddr
	default:
		return c.Path
	}
}

// Open connects to the configured store and initializes the collection.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (Store, error) {
	var (
		s   Store
		err error
	)

	switch cfg.Driver {
	case DriverFile, "":
		s, err = OpenBolt(cfg.Path, cfg.Collection)
	case DriverPostgres:
		s, err = NewPostgresStore(ctx, cfg.PostgresDSN, cfg.Collection, cfg.Dimensions)
	case DriverQdrant:
		s, err = NewQdrantStore(cfg.QdrantAddr, cfg.Collection, cfg.Dimensions)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	if err := s.Init(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to initialize %s store: %w", cfg.Driver, err)
	}

	logger.Debug("vector store ready", "driver", cfg.Driver, "collection", cfg.Collection, "location", cfg.Location())
	return s, nil
}

// Describe reports the collection name, size and location.
func Describe(ctx context.Context, s Store, name, location string) (models.CollectionInfo, error) {
	total, err := s.Count(ctx)
	if err != nil {
		return models.CollectionInfo{}, fmt.Errorf("count records: %w", err)
	}
	return models.CollectionInfo{Name: name, Total: total, Location: location}, nil
}

// Batcher buffers records and writes them to a Store in batches
type Batcher struct {
	store   Store
	records []models.FrameRecord
	written int
	mu      sync.Mutex
}

// NewBatcher creates a batch writer for store
func NewBatcher(store Store) *Batcher {
	return &Batcher{store: store}
}

// Add adds a record to the batch and flushes if the batch is full
func (b *Batcher) Add(ctx context.Context, rec models.FrameRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records = append(b.records, rec)

	// Write to the store when batch is full
	if len(b.records) >= batchSize {
		return b.flush(ctx)
	}
	return nil
}

// Flush writes all pending records
func (b *Batcher) Flush(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flush(ctx)
}

// Written returns how many records reached the store.
func (b *Batcher) Written() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.written
}

func (b *Batcher) flush(ctx context.Context) error {
	if len(b.records) == 0 {
		return nil
	}
	if err := b.store.Upsert(ctx, b.records); err != nil {
		return fmt.Errorf("failed to write %d records: %w", len(b.records), err)
	}
	b.written += len(b.records)
	b.records = nil // Clear the batch
	return nil
}

// SortRecords orders records by video, scene and position within the scene.
func SortRecords(records []models.FrameRecord) {
	sort.Slice(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if a.VideoName != b.VideoName {
			return a.VideoName < b.VideoName
		}
		if a.SceneIdx != b.SceneIdx {
			return a.SceneIdx < b.SceneIdx
		}
		if a.FrameIdx != b.FrameIdx {
			return a.FrameIdx < b.FrameIdx
		}
		return a.ID < b.ID
	})
}

// CosineDistance returns 1 - cos(a, b). Vectors of different length are an error.
func CosineDistance(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("vectors of length %d and %d: %w", len(a), len(b), models.ErrDimensionMismatch)
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 1, nil
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb)), nil
}
