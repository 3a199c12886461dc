//go:build integration

package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcqdrant "github.com/testcontainers/testcontainers-go/modules/qdrant"

	"github.com/bdougie/framesearch/internal/models"
)

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, s.Init(ctx))
	require.NoError(t, s.Clear(ctx))

	require.NoError(t, s.Upsert(ctx, []models.FrameRecord{
		testRecord("a.mp4", 0, 0, 1, 0),
		testRecord("a.mp4", 1, 0, 0, 1),
		testRecord("b.mp4", 0, 0, 0.7, 0.7),
	}))
	// Re-ingest is idempotent
	require.NoError(t, s.Upsert(ctx, []models.FrameRecord{testRecord("a.mp4", 0, 0, 1, 0)}))

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	matches, err := s.Query(ctx, []float32{1, 0}, 2, models.Filter{})
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "a.mp4_scene_0_frame_0_sample_0", matches[0].Record.ID)
	assert.InDelta(t, 1.0, matches[0].Similarity, 1e-4)

	listed, err := s.List(ctx, models.Filter{VideoName: "a.mp4"})
	require.NoError(t, err)
	assert.Len(t, listed, 2)

	got, err := s.Get(ctx, []string{"b.mp4_scene_0_frame_0_sample_0"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Len(t, got[0].Embedding, 2)

	require.NoError(t, s.Delete(ctx, []string{"b.mp4_scene_0_frame_0_sample_0"}))
	n, err = s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, s.Clear(ctx))
}

func TestPostgresStore_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	pgContainer, err := tcpostgres.Run(ctx,
		"pgvector/pgvector:pg16",
		tcpostgres.WithDatabase("framesearch"),
		tcpostgres.WithUsername("framesearch"),
		tcpostgres.WithPassword("framesearch"),
		tcpostgres.BasicWaitStrategies(),
	)
	require.NoError(t, err)
	defer pgContainer.Terminate(ctx)

	dsn, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	s, err := NewPostgresStore(ctx, dsn, "test_frames", 2)
	require.NoError(t, err)
	defer s.Close()
	exerciseStore(t, s)

	// Collections share the tables but not the rows
	other, err := NewPostgresStore(ctx, dsn, "other_frames", 2)
	require.NoError(t, err)
	defer other.Close()
	require.NoError(t, other.Init(ctx))
	require.NoError(t, s.Upsert(ctx, []models.FrameRecord{testRecord("a.mp4", 0, 0, 1, 0)}))
	n, err := other.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestQdrantStore_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	qdrantContainer, err := tcqdrant.Run(ctx, "qdrant/qdrant:v1.12.4")
	require.NoError(t, err)
	defer qdrantContainer.Terminate(ctx)

	addr, err := qdrantContainer.GRPCEndpoint(ctx)
	require.NoError(t, err)

	s, err := NewQdrantStore(addr, "test_frames", 2)
	require.NoError(t, err)
	defer s.Close()
	exerciseStore(t, s)
}
