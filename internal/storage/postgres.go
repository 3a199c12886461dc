package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/bdougie/framesearch/internal/models"
)

const frameColumns = `f.id, v.name, v.path, f.scene_idx, f.frame_idx, f.frame_sample,
        f.timestamp, f.image_path, f.caption, f.embedding, f.created_at`

// PostgresStore keeps frame records in PostgreSQL with pgvector
type PostgresStore struct {
	pool       *pgxpool.Pool
	collection string
	dimensions int
}

// NewPostgresStore creates a new PostgreSQL storage connection
func NewPostgresStore(ctx context.Context, dsn, collection string, dimensions int) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database dsn: %w", err)
	}
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	// Connect to PostgreSQL
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Verify connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresStore{
		pool:       pool,
		collection: collection,
		dimensions: dimensions,
	}, nil
}

// Close closes the database connection
func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// Init creates the database schema if it doesn't exist
func (s *PostgresStore) Init(ctx context.Context) error {
	return InitSchema(ctx, s.pool, s.dimensions)
}

// InitSchema creates the vector extension, tables and indexes.
func InitSchema(ctx context.Context, pool *pgxpool.Pool, dimensions int) error {
	if dimensions <= 0 {
		return fmt.Errorf("invalid embedding dimensions %d", dimensions)
	}

	// Check if vector extension exists
	var exists bool
	err := pool.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM pg_extension WHERE extname = 'vector')").Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check for vector extension: %w", err)
	}

	// Create vector extension if it doesn't exist
	if !exists {
		if _, err := pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
			return fmt.Errorf("failed to create vector extension: %w", err)
		}
	}

	// Create tables
	_, err = pool.Exec(ctx, `
        CREATE TABLE IF NOT EXISTS videos (
            id SERIAL PRIMARY KEY,
            collection VARCHAR(255) NOT NULL,
            name VARCHAR(255) NOT NULL,
            path TEXT NOT NULL,
            created_at TIMESTAMPTZ NOT NULL,
            UNIQUE(collection, name)
        );

        CREATE TABLE IF NOT EXISTS frames (
            collection VARCHAR(255) NOT NULL,
            id TEXT NOT NULL,
            video_id INTEGER REFERENCES videos(id) ON DELETE CASCADE,
            scene_idx INTEGER NOT NULL,
            frame_idx INTEGER NOT NULL,
            frame_sample INTEGER NOT NULL,
            timestamp DOUBLE PRECISION NOT NULL,
            image_path TEXT NOT NULL DEFAULT '',
            caption TEXT NOT NULL DEFAULT '',
            embedding vector(`+strconv.Itoa(dimensions)+`),
            created_at TIMESTAMPTZ NOT NULL,
            PRIMARY KEY(collection, id)
        );
    `)
	if err != nil {
		return fmt.Errorf("failed to create database schema: %w", err)
	}

	// Create indexes
	_, err = pool.Exec(ctx, `
        CREATE INDEX IF NOT EXISTS idx_frames_video_id ON frames(video_id);
        CREATE INDEX IF NOT EXISTS idx_frames_embedding ON frames USING hnsw (embedding vector_cosine_ops);
    `)
	if err != nil {
		return fmt.Errorf("failed to create database indexes: %w", err)
	}

	return nil
}

// getOrCreateVideo gets an existing video entry or creates a new one
func (s *PostgresStore) getOrCreateVideo(ctx context.Context, tx pgx.Tx, name, path string) (int, error) {
	// Check if video exists
	var id int
	err := tx.QueryRow(ctx,
		"SELECT id FROM videos WHERE collection = $1 AND name = $2",
		s.collection, name).Scan(&id)

	if err == nil {
		// Video exists, return ID
		return id, nil
	} else if !errors.Is(err, pgx.ErrNoRows) {
		// Unexpected error
		return 0, fmt.Errorf("error checking for existing video: %w", err)
	}

	// Video doesn't exist, create it
	err = tx.QueryRow(ctx,
		"INSERT INTO videos (collection, name, path, created_at) VALUES ($1, $2, $3, $4) RETURNING id",
		s.collection, name, path, time.Now()).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to create video entry: %w", err)
	}

	return id, nil
}

// Upsert inserts frame records, replacing rows with the same id.
func (s *PostgresStore) Upsert(ctx context.Context, records []models.FrameRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	videoIDs := make(map[string]int)
	for _, rec := range records {
		videoID, ok := videoIDs[rec.VideoName]
		if !ok {
			videoID, err = s.getOrCreateVideo(ctx, tx, rec.VideoName, rec.VideoPath)
			if err != nil {
				return err
			}
			videoIDs[rec.VideoName] = videoID
		}

		createdAt := rec.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now()
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO frames
            (collection, id, video_id, scene_idx, frame_idx, frame_sample, timestamp, image_path, caption, embedding, created_at)
            VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
            ON CONFLICT (collection, id) DO UPDATE SET
                video_id = EXCLUDED.video_id,
                scene_idx = EXCLUDED.scene_idx,
                frame_idx = EXCLUDED.frame_idx,
                frame_sample = EXCLUDED.frame_sample,
                timestamp = EXCLUDED.timestamp,
                image_path = EXCLUDED.image_path,
                caption = EXCLUDED.caption,
                embedding = EXCLUDED.embedding,
                created_at = EXCLUDED.created_at`,
			s.collection, rec.ID, videoID, rec.SceneIdx, rec.FrameIdx, rec.FrameSample,
			rec.Timestamp, rec.ImagePath, rec.Caption, pgvector.NewVector(rec.Embedding), createdAt)
		if err != nil {
			return fmt.Errorf("failed to store frame %s: %w", rec.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit frames: %w", err)
	}
	return nil
}

// Query finds the frames nearest to vec
func (s *PostgresStore) Query(ctx context.Context, vec []float32, n int, filter models.Filter) ([]models.Match, error) {
	if n <= 0 {
		return nil, nil
	}

	where, args := filterClause(s.collection, filter, 2)
	args = append([]any{pgvector.NewVector(vec)}, args...)
	args = append(args, n)

	rows, err := s.pool.Query(ctx,
		`SELECT `+frameColumns+`, f.embedding <=> $1 AS distance
        FROM frames f
        JOIN videos v ON f.video_id = v.id
        WHERE `+where+`
        ORDER BY distance, f.id
        LIMIT $`+strconv.Itoa(len(args)),
		args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search similar frames: %w", err)
	}
	defer rows.Close()

	// Process results
	var results []models.Match
	for rows.Next() {
		var (
			rec      models.FrameRecord
			emb      pgvector.Vector
			distance float64
		)
		if err := rows.Scan(&rec.ID, &rec.VideoName, &rec.VideoPath, &rec.SceneIdx, &rec.FrameIdx,
			&rec.FrameSample, &rec.Timestamp, &rec.ImagePath, &rec.Caption, &emb, &rec.CreatedAt,
			&distance); err != nil {
			return nil, fmt.Errorf("failed to scan search results: %w", err)
		}
		rec.Embedding = emb.Slice()
		results = append(results, models.NewMatch(rec, distance))
	}

	return results, rows.Err()
}

// Get returns the frames with the given ids
func (s *PostgresStore) Get(ctx context.Context, ids []string) ([]models.FrameRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return s.selectFrames(ctx,
		`WHERE f.collection = $1 AND f.id = ANY($2) ORDER BY f.id`,
		s.collection, ids)
}

// List returns the frames matching filter
func (s *PostgresStore) List(ctx context.Context, filter models.Filter) ([]models.FrameRecord, error) {
	where, args := filterClause(s.collection, filter, 1)
	return s.selectFrames(ctx,
		`WHERE `+where+` ORDER BY v.name, f.scene_idx, f.frame_idx, f.id`,
		args...)
}

func (s *PostgresStore) selectFrames(ctx context.Context, tail string, args ...any) ([]models.FrameRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+frameColumns+`
        FROM frames f
        JOIN videos v ON f.video_id = v.id
        `+tail,
		args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query frames: %w", err)
	}
	defer rows.Close()

	var out []models.FrameRecord
	for rows.Next() {
		var (
			rec models.FrameRecord
			emb pgvector.Vector
		)
		if err := rows.Scan(&rec.ID, &rec.VideoName, &rec.VideoPath, &rec.SceneIdx, &rec.FrameIdx,
			&rec.FrameSample, &rec.Timestamp, &rec.ImagePath, &rec.Caption, &emb, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan frame: %w", err)
		}
		rec.Embedding = emb.Slice()
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Delete removes frames by id
func (s *PostgresStore) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		"DELETE FROM frames WHERE collection = $1 AND id = ANY($2)",
		s.collection, ids)
	if err != nil {
		return fmt.Errorf("failed to delete frames: %w", err)
	}
	return nil
}

// Clear removes every frame and video of the collection
func (s *PostgresStore) Clear(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "DELETE FROM videos WHERE collection = $1", s.collection)
	if err != nil {
		return fmt.Errorf("failed to clear collection: %w", err)
	}
	_, err = s.pool.Exec(ctx, "DELETE FROM frames WHERE collection = $1", s.collection)
	if err != nil {
		return fmt.Errorf("failed to clear collection: %w", err)
	}
	return nil
}

// Count returns the number of frames in the collection
func (s *PostgresStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		"SELECT count(*) FROM frames WHERE collection = $1", s.collection).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count frames: %w", err)
	}
	return n, nil
}

// filterClause builds the WHERE condition for a filter. Placeholders start
// at $first.
func filterClause(collection string, filter models.Filter, first int) (string, []any) {
	conds := []string{"f.collection = $" + strconv.Itoa(first)}
	args := []any{collection}

	if filter.VideoName != "" {
		args = append(args, filter.VideoName)
		conds = append(conds, "v.name = $"+strconv.Itoa(first+len(args)-1))
	}
	if filter.SceneIdx != nil {
		args = append(args, *filter.SceneIdx)
		conds = append(conds, "f.scene_idx = $"+strconv.Itoa(first+len(args)-1))
	}
	return strings.Join(conds, " AND "), args
}
