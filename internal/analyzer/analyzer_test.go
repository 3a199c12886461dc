package analyzer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bdougie/framesearch/internal/models"
	"github.com/bdougie/framesearch/internal/storage"
)

type fakeFrames struct {
	info    models.VideoInfo
	samples [][]int
	// frames listed here are not produced by extraction
	drop     map[int]bool
	probeErr error
	dirs     []string
}

func (f *fakeFrames) Probe(context.Context, string) (models.VideoInfo, error) {
	return f.info, f.probeErr
}

func (f *fakeFrames) SampleScenes(context.Context, string, models.VideoInfo, []float64, int) ([][]int, error) {
	return f.samples, nil
}

func (f *fakeFrames) ExtractFrames(_ context.Context, _ string, frameDir string, frames []int) (map[int]string, error) {
	f.dirs = append(f.dirs, frameDir)
	if err := os.MkdirAll(frameDir, 0755); err != nil {
		return nil, err
	}
	out := make(map[int]string)
	for _, n := range frames {
		if f.drop[n] {
			continue
		}
		p := filepath.Join(frameDir, "frame_"+strconv.Itoa(n)+".jpg")
		if err := os.WriteFile(p, []byte{0xff, 0xd8, byte(n)}, 0644); err != nil {
			return nil, err
		}
		out[n] = p
	}
	return out, nil
}

type fakeEmbedder struct {
	err error
}

func (f *fakeEmbedder) EmbedImage(_ context.Context, jpeg []byte) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []float32{float32(jpeg[len(jpeg)-1]), 1}, nil
}

type fakeCaptioner struct {
	mu    sync.Mutex
	calls int
}

func (c *fakeCaptioner) Caption(context.Context, string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return "a person slicing peppers", nil
}

type env struct {
	dir   string
	video string
	store *storage.BoltStore
	out   *bytes.Buffer
}

func newEnv(t *testing.T) env {
	t.Helper()
	dir := t.TempDir()
	video := filepath.Join(dir, "cutting_pepper.mp4")
	require.NoError(t, os.WriteFile(video, []byte("not really a video"), 0644))

	store, err := storage.OpenBolt(filepath.Join(dir, "db"), "video_embeddings")
	require.NoError(t, err)
	require.NoError(t, store.Init(context.Background()))
	t.Cleanup(func() { store.Close() })

	return env{dir: dir, video: video, store: store, out: &bytes.Buffer{}}
}

func (e env) processor(frames FrameSource, emb ImageEmbedder) *Processor {
	return NewProcessor(frames, emb, e.store, Options{
		Collection: "video_embeddings",
		Location:   filepath.Join(e.dir, "db"),
		FramesDir:  filepath.Join(e.dir, "frames"),
		Workers:    2,
		Out:        e.out,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func TestProcessVideo_StoresSampledFrames(t *testing.T) {
	e := newEnv(t)
	frames := &fakeFrames{
		info:    models.VideoInfo{FPS: 25, FrameCount: 200, Duration: 8},
		samples: [][]int{{0, 30, 60}, {100, 130, 160}},
		drop:    map[int]bool{130: true},
	}

	res := e.processor(frames, &fakeEmbedder{}).ProcessVideo(context.Background(), e.video)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, 5, res.EmbeddingsCount)
	assert.Equal(t, 5, res.Info.Total)
	assert.Equal(t, "video_embeddings", res.Info.Name)

	recs, err := e.store.List(context.Background(), models.Filter{})
	require.NoError(t, err)
	require.Len(t, recs, 5)

	first := recs[0]
	assert.Equal(t, "cutting_pepper.mp4_scene_0_frame_0_sample_0", first.ID)
	assert.Equal(t, "cutting_pepper.mp4", first.VideoName)
	assert.True(t, filepath.IsAbs(first.VideoPath))
	assert.Equal(t, filepath.Join(e.dir, "frames", "cutting_pepper", "frame_0.jpg"), first.ImagePath)
	assert.False(t, first.CreatedAt.IsZero())

	got, err := e.store.Get(context.Background(), []string{"cutting_pepper.mp4_scene_1_frame_2_sample_160"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 1, got[0].SceneIdx)
	assert.Equal(t, 2, got[0].FrameIdx)
	assert.InDelta(t, 6.4, got[0].Timestamp, 1e-9)
	assert.Len(t, got[0].Embedding, 2)

	assert.Contains(t, e.out.String(), "Remaining frames to embed: 0/5")
}

func TestProcessVideo_ReingestIsIdempotent(t *testing.T) {
	e := newEnv(t)
	frames := &fakeFrames{info: models.VideoInfo{FPS: 25, FrameCount: 90}, samples: [][]int{{0, 30, 60}}}
	p := e.processor(frames, &fakeEmbedder{})

	require.True(t, p.ProcessVideo(context.Background(), e.video).Success)
	res := p.ProcessVideo(context.Background(), e.video)
	require.True(t, res.Success)
	assert.Equal(t, 3, res.Info.Total)
}

func TestProcessVideo_WithCaptions(t *testing.T) {
	e := newEnv(t)
	frames := &fakeFrames{info: models.VideoInfo{FPS: 25, FrameCount: 90}, samples: [][]int{{0, 30}}}
	captioner := &fakeCaptioner{}

	res := e.processor(frames, &fakeEmbedder{}).WithCaptioner(captioner).ProcessVideo(context.Background(), e.video)
	require.True(t, res.Success)
	assert.Equal(t, 2, captioner.calls)

	recs, err := e.store.List(context.Background(), models.Filter{})
	require.NoError(t, err)
	for _, r := range recs {
		assert.Equal(t, "a person slicing peppers", r.Caption)
	}
}

func TestProcessVideo_MissingFile(t *testing.T) {
	e := newEnv(t)
	res := e.processor(&fakeFrames{}, &fakeEmbedder{}).ProcessVideo(context.Background(), filepath.Join(e.dir, "nope.mp4"))
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, models.ErrVideoNotFound.Error())
}

func TestProcessVideo_ProbeFailure(t *testing.T) {
	e := newEnv(t)
	frames := &fakeFrames{probeErr: models.ErrVideoUnreadable}
	res := e.processor(frames, &fakeEmbedder{}).ProcessVideo(context.Background(), e.video)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, models.ErrVideoUnreadable.Error())
}

func TestProcessVideo_NoEmbeddings(t *testing.T) {
	e := newEnv(t)
	frames := &fakeFrames{info: models.VideoInfo{FPS: 25, FrameCount: 90}, samples: [][]int{{0, 30, 60}}}
	res := e.processor(frames, &fakeEmbedder{err: errors.New("server down")}).ProcessVideo(context.Background(), e.video)
	assert.False(t, res.Success)
	assert.Equal(t, models.ErrNoEmbeddings.Error(), res.Error)
}

func TestProcessVideos_ContinuesAfterFailure(t *testing.T) {
	e := newEnv(t)
	frames := &fakeFrames{info: models.VideoInfo{FPS: 25, FrameCount: 90}, samples: [][]int{{0, 30, 60}}}
	p := e.processor(frames, &fakeEmbedder{})

	results, summary := p.ProcessVideos(context.Background(), []string{filepath.Join(e.dir, "missing.mp4"), e.video})
	require.Len(t, results, 2)
	assert.False(t, results[0].Success)
	assert.True(t, results[1].Success)

	assert.Equal(t, Summary{Succeeded: 1, Total: 2, Embeddings: 3, CollectionTotal: 3}, summary)
	assert.True(t, summary.Failed())

	out := e.out.String()
	assert.Contains(t, out, "[1/2] Processing: missing.mp4")
	assert.Contains(t, out, "[2/2] Processing: cutting_pepper.mp4")
	assert.Contains(t, out, "Videos processed: 1/2")
	assert.Contains(t, out, "Collection total: 3 embeddings")
}

func TestVideosFromDirectory(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.MP4", "a.mov", "notes.txt", "c.webm"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested.mp4"), 0755))

	videos, err := VideosFromDirectory(dir, []string{".mp4", ".mov", ".webm"})
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "a.mov"),
		filepath.Join(dir, "b.MP4"),
		filepath.Join(dir, "c.webm"),
	}, videos)

	_, err = VideosFromDirectory(filepath.Join(dir, "missing"), []string{".mp4"})
	assert.Error(t, err)
}

func TestProcessVideo_SameNameVideosUseSeparateFrameDirs(t *testing.T) {
	e := newEnv(t)
	other := filepath.Join(e.dir, "b", filepath.Base(e.video))
	require.NoError(t, os.MkdirAll(filepath.Dir(other), 0755))
	require.NoError(t, os.WriteFile(other, []byte("another recording"), 0644))
	mov := filepath.Join(e.dir, "cutting_pepper.mov")
	require.NoError(t, os.WriteFile(mov, []byte("same stem"), 0644))

	frames := &fakeFrames{
		info:    models.VideoInfo{FPS: 25, FrameCount: 100, Duration: 4},
		samples: [][]int{{0, 50}},
	}
	p := e.processor(frames, &fakeEmbedder{})
	for _, v := range []string{e.video, other, mov} {
		res := p.ProcessVideo(context.Background(), v)
		require.True(t, res.Success, res.Error)
	}

	require.Len(t, frames.dirs, 3)
	assert.NotEqual(t, frames.dirs[0], frames.dirs[1])
	assert.NotEqual(t, frames.dirs[0], frames.dirs[2])
	assert.NotEqual(t, frames.dirs[1], frames.dirs[2])
	for _, dir := range frames.dirs {
		assert.Equal(t, filepath.Join(e.dir, "frames"), filepath.Dir(dir))
	}
}
