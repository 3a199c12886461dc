package search

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bdougie/framesearch/internal/models"
	"github.com/bdougie/framesearch/internal/sink"
	"github.com/bdougie/framesearch/internal/storage"
)

type fakeText struct {
	vecs map[string][]float32
	err  error
}

func (f *fakeText) EmbedText(_ context.Context, text string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.vecs[text], nil
}

type fakeGrabber struct {
	calls []int
	err   error
}

func (g *fakeGrabber) ExtractFrame(_ context.Context, _ string, n int) ([]byte, error) {
	g.calls = append(g.calls, n)
	if g.err != nil {
		return nil, g.err
	}
	return []byte{0xff, 0xd8, byte(n)}, nil
}

type failingSink struct{}

func (failingSink) Save(context.Context, string, string, []byte) (string, error) {
	return "", errors.New("bucket gone")
}

func record(video string, scene, idx int, emb ...float32) models.FrameRecord {
	sample := scene*100 + idx*10
	return models.FrameRecord{
		ID:          models.FrameID(video, scene, idx, sample),
		VideoName:   video,
		VideoPath:   "/videos/" + video,
		SceneIdx:    scene,
		FrameIdx:    idx,
		FrameSample: sample,
		Embedding:   emb,
	}
}

func newStore(t *testing.T, recs ...models.FrameRecord) *storage.BoltStore {
	t.Helper()
	s, err := storage.OpenBolt(t.TempDir(), "video_embeddings")
	require.NoError(t, err)
	require.NoError(t, s.Init(context.Background()))
	require.NoError(t, s.Upsert(context.Background(), recs))
	t.Cleanup(func() { s.Close() })
	return s
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSearch_RanksByQuery(t *testing.T) {
	store := newStore(t,
		record("a.mp4", 0, 0, 1, 0),
		record("a.mp4", 0, 1, 0, 1),
		record("b.mp4", 0, 0, 0.6, 0.8),
	)
	emb := &fakeText{vecs: map[string][]float32{"kitchen scene": {0, 1}}}
	s := NewSearcher(emb, store, nil, quietLogger())

	matches, err := s.Search(context.Background(), "kitchen scene", 2)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "a.mp4_scene_0_frame_1_sample_10", matches[0].Record.ID)
	assert.Equal(t, "b.mp4_scene_0_frame_0_sample_0", matches[1].Record.ID)
	assert.InDelta(t, 0.8, matches[1].Similarity, 1e-6)
}

func TestSearch_EmbeddingFailure(t *testing.T) {
	s := NewSearcher(&fakeText{err: models.ErrEmbeddingProvider}, newStore(t), nil, quietLogger())
	_, err := s.Search(context.Background(), "anything", 5)
	assert.ErrorIs(t, err, models.ErrEmbeddingProvider)
}

func TestSimilar(t *testing.T) {
	store := newStore(t,
		record("a.mp4", 0, 0, 1, 0),
		record("a.mp4", 1, 0, 0.9, 0.1),
		record("b.mp4", 0, 0, 0, 1),
	)
	s := NewSearcher(&fakeText{}, store, nil, quietLogger())

	matches, err := s.Similar(context.Background(), "a.mp4_scene_0_frame_0_sample_0", 2)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "a.mp4_scene_0_frame_0_sample_0", matches[0].Record.ID)
	assert.Equal(t, "a.mp4_scene_1_frame_0_sample_100", matches[1].Record.ID)

	_, err = s.Similar(context.Background(), "missing", 2)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestSaveMatches_WritesFilesAndSkipsFailures(t *testing.T) {
	dir := t.TempDir()
	saved := filepath.Join(dir, "frame_000010.jpg")
	require.NoError(t, os.WriteFile(saved, []byte("saved-jpeg"), 0644))

	withImage := record("a.mp4", 0, 1)
	withImage.ImagePath = saved
	fromVideo := record("a.mp4", 2, 0)
	fromVideo.ImagePath = filepath.Join(dir, "gone.jpg")

	grabber := &fakeGrabber{}
	root := filepath.Join(dir, "matched_imgs")
	s := NewSearcher(&fakeText{}, newStore(t), grabber, quietLogger(), sink.NewDirSink(root), failingSink{})

	matches := []models.Match{
		models.NewMatch(withImage, 0.25),
		models.NewMatch(fromVideo, 0.5),
	}
	out, err := s.SaveMatches(context.Background(), "person cutting/vegetables", matches)
	require.NoError(t, err)
	require.Len(t, out, 2)

	assert.Equal(t, "01_a.mp4_scene_0_frame_1_sample_10_similarity_0.750.jpg", out[0].Name)
	require.Len(t, out[0].Locations, 1)

	data, err := os.ReadFile(filepath.Join(root, "person_cutting_vegetables", out[0].Name))
	require.NoError(t, err)
	assert.Equal(t, []byte("saved-jpeg"), data)

	assert.Equal(t, "02_a.mp4_scene_2_frame_0_sample_200_similarity_0.500.jpg", out[1].Name)
	assert.Equal(t, []int{200}, grabber.calls)
}

func TestSaveMatches_GrabFailureSkipsFrame(t *testing.T) {
	root := t.TempDir()
	s := NewSearcher(&fakeText{}, newStore(t), &fakeGrabber{err: errors.New("ffmpeg failed")}, quietLogger(), sink.NewDirSink(root))

	out, err := s.SaveMatches(context.Background(), "q", []models.Match{models.NewMatch(record("a.mp4", 0, 0), 0.1)})
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestSaveMatches_NoMatches(t *testing.T) {
	root := t.TempDir()
	s := NewSearcher(&fakeText{}, newStore(t), nil, quietLogger(), sink.NewDirSink(root))

	out, err := s.SaveMatches(context.Background(), "nothing here", nil)
	require.NoError(t, err)
	assert.Nil(t, out)

	_, err = os.Stat(filepath.Join(root, "nothing_here"))
	assert.True(t, os.IsNotExist(err))
}

func TestQueryDir(t *testing.T) {
	assert.Equal(t, "person_cutting_vegetables", QueryDir("person cutting vegetables"))
	assert.Equal(t, "a_b_c", QueryDir(`a/b\c`))
}

func TestMatchFileName(t *testing.T) {
	m := models.NewMatch(models.FrameRecord{ID: "v.mp4_scene_1_frame_2_sample_40"}, 0.1234)
	assert.Equal(t, "03_v.mp4_scene_1_frame_2_sample_40_similarity_0.877.jpg", MatchFileName(2, m))
}
