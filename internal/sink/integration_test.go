//go:build integration

package sink

import (
	"context"
	"io"
	"testing"
	"time"

	miniogo "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcminio "github.com/testcontainers/testcontainers-go/modules/minio"
)

func TestMinioSink_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	minioContainer, err := tcminio.Run(ctx,
		"minio/minio:latest",
		tcminio.WithUsername("minioadmin"),
		tcminio.WithPassword("minioadmin"),
	)
	require.NoError(t, err)
	defer minioContainer.Terminate(ctx)

	endpoint, err := minioContainer.ConnectionString(ctx)
	require.NoError(t, err)

	s, err := NewMinioSink(MinioConfig{
		Endpoint:  endpoint,
		AccessKey: "minioadmin",
		SecretKey: "minioadmin",
		Bucket:    "matches",
	})
	require.NoError(t, err)
	require.NoError(t, s.EnsureBucket(ctx))
	// Idempotent
	require.NoError(t, s.EnsureBucket(ctx))

	loc, err := s.Save(ctx, "kitchen_scene", "01_frame.jpg", []byte("jpeg-bytes"))
	require.NoError(t, err)
	assert.Equal(t, "s3://matches/kitchen_scene/01_frame.jpg", loc)

	client, err := miniogo.New(endpoint, &miniogo.Options{
		Creds: credentials.NewStaticV4("minioadmin", "minioadmin", ""),
	})
	require.NoError(t, err)

	obj, err := client.GetObject(ctx, "matches", "kitchen_scene/01_frame.jpg", miniogo.GetObjectOptions{})
	require.NoError(t, err)
	defer obj.Close()
	data, err := io.ReadAll(obj)
	require.NoError(t, err)
	assert.Equal(t, "jpeg-bytes", string(data))

	info, err := obj.Stat()
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", info.ContentType)
}
