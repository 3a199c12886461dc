package analyzer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/bdougie/framesearch/internal/extractor"
	"github.com/bdougie/framesearch/internal/metrics"
	"github.com/bdougie/framesearch/internal/models"
	"github.com/bdougie/framesearch/internal/storage"
)

const defaultWorkers = 4 // Adjust based on the embedding server's capacity

// FrameSource probes videos and pulls sampled frames out of them.
type FrameSource interface {
	Probe(ctx context.Context, videoPath string) (models.VideoInfo, error)
	SampleScenes(ctx context.Context, videoPath string, info models.VideoInfo, thresholds []float64, n int) ([][]int, error)
	ExtractFrames(ctx context.Context, videoPath, frameDir string, frames []int) (map[int]string, error)
}

// ImageEmbedder turns a JPEG into a vector.
type ImageEmbedder interface {
	EmbedImage(ctx context.Context, jpeg []byte) ([]float32, error)
}

// Options configures a Processor.
type Options struct {
	Collection      string
	Location        string
	FramesDir       string
	Thresholds      []float64
	SamplesPerScene int
	Workers         int
	Out             io.Writer
	Logger          *slog.Logger
}

// Processor ingests videos into a vector store.
type Processor struct {
	frames    FrameSource
	embedder  ImageEmbedder
	store     storage.Store
	captioner Captioner
	opts      Options
}

// NewProcessor creates a processor. Zero options fall back to defaults.
func NewProcessor(frames FrameSource, embedder ImageEmbedder, store storage.Store, opts Options) *Processor {
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.SamplesPerScene <= 0 {
		opts.SamplesPerScene = 3
	}
	if len(opts.Thresholds) == 0 {
		opts.Thresholds = []float64{15, 10, 5, 2}
	}
	if opts.FramesDir == "" {
		opts.FramesDir = "frames"
	}
	if opts.Out == nil {
		opts.Out = io.Discard
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Processor{
		frames:   frames,
		embedder: embedder,
		store:    store,
		opts:     opts,
	}
}

// WithCaptioner enables frame captions.
func (p *Processor) WithCaptioner(c Captioner) *Processor {
	p.captioner = c
	return p
}

// ProcessVideo extracts, embeds and stores the sampled frames of one video.
// Failures are reported in the result rather than returned.
func (p *Processor) ProcessVideo(ctx context.Context, videoPath string) models.ProcessResult {
	tracer := otel.Tracer("analyzer")
	ctx, span := tracer.Start(ctx, "Processor.ProcessVideo")
	defer span.End()
	span.SetAttributes(attribute.String("video.path", videoPath))

	start := time.Now()
	result := models.ProcessResult{VideoPath: videoPath}

	count, err := p.ingest(ctx, videoPath)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.VideosProcessedTotal.WithLabelValues("failed").Inc()
		result.Error = err.Error()
		p.opts.Logger.Error("failed to process video", "video", videoPath, "error", err)
		return result
	}

	info, err := storage.Describe(ctx, p.store, p.opts.Collection, p.opts.Location)
	if err != nil {
		p.opts.Logger.Warn("failed to read collection info", "error", err)
	}

	metrics.VideosProcessedTotal.WithLabelValues("completed").Inc()
	metrics.StageDuration.WithLabelValues("total").Observe(time.Since(start).Seconds())

	result.Success = true
	result.EmbeddingsCount = count
	result.Info = info

	fmt.Fprintf(p.opts.Out, "Successfully processed video and saved %d embeddings\n", count)
	fmt.Fprintf(p.opts.Out, "Collection now has %d total embeddings\n", info.Total)
	return result
}

func (p *Processor) ingest(ctx context.Context, videoPath string) (int, error) {
	tracer := otel.Tracer("analyzer")

	if _, err := os.Stat(videoPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, fmt.Errorf("%w: %s", models.ErrVideoNotFound, videoPath)
		}
		return 0, fmt.Errorf("stat video: %w", err)
	}

	videoName := filepath.Base(videoPath)
	fmt.Fprintf(p.opts.Out, "Processing video: %s\n", videoName)
	fmt.Fprintf(p.opts.Out, "Full path: %s\n", videoPath)

	// Probe
	stageStart := time.Now()
	ctx2, spanProbe := tracer.Start(ctx, "probe")
	info, err := p.frames.Probe(ctx2, videoPath)
	endSpan(spanProbe, err)
	if err != nil {
		return 0, err
	}
	metrics.StageDuration.WithLabelValues("probe").Observe(time.Since(stageStart).Seconds())
	fmt.Fprintf(p.opts.Out, "Video info: %d frames, %.2f fps, %.2f seconds\n", info.FrameCount, info.FPS, info.Duration)

	// Detect scenes
	stageStart = time.Now()
	ctx3, spanScenes := tracer.Start(ctx, "detect_scenes")
	samples, err := p.frames.SampleScenes(ctx3, videoPath, info, p.opts.Thresholds, p.opts.SamplesPerScene)
	spanScenes.SetAttributes(attribute.Int("scenes", len(samples)))
	endSpan(spanScenes, err)
	if err != nil {
		return 0, err
	}
	metrics.StageDuration.WithLabelValues("scenes").Observe(time.Since(stageStart).Seconds())

	// Extract frames
	stageStart = time.Now()
	ctx4, spanExtract := tracer.Start(ctx, "extract_frames")
	var wanted []int
	for _, scene := range samples {
		wanted = append(wanted, scene...)
	}
	dirName, err := extractor.FrameDirName(videoPath)
	if err != nil {
		endSpan(spanExtract, err)
		return 0, err
	}
	frameDir := filepath.Join(p.opts.FramesDir, dirName)
	paths, err := p.frames.ExtractFrames(ctx4, videoPath, frameDir, wanted)
	endSpan(spanExtract, err)
	if err != nil {
		return 0, err
	}
	metrics.StageDuration.WithLabelValues("extract").Observe(time.Since(stageStart).Seconds())

	absPath, err := filepath.Abs(videoPath)
	if err != nil {
		absPath = videoPath
	}

	var items []models.WorkItem
	for sceneIdx, scene := range samples {
		fmt.Fprintf(p.opts.Out, "Processing scene %d with %d frame samples\n", sceneIdx, len(scene))
		for frameIdx, sample := range scene {
			framePath, ok := paths[sample]
			if !ok {
				p.opts.Logger.Warn("failed to read frame", "frame", sample, "scene", sceneIdx)
				continue
			}
			var ts float64
			if info.FPS > 0 {
				ts = float64(sample) / info.FPS
			}
			items = append(items, models.WorkItem{
				FramePath: framePath,
				Record: models.FrameRecord{
					ID:          models.FrameID(videoName, sceneIdx, frameIdx, sample),
					VideoName:   videoName,
					VideoPath:   absPath,
					SceneIdx:    sceneIdx,
					FrameIdx:    frameIdx,
					FrameSample: sample,
					Timestamp:   ts,
					ImagePath:   framePath,
				},
			})
		}
	}
	for i := range items {
		items[i].FrameNum = i + 1
		items[i].Total = len(items)
	}
	if len(items) == 0 {
		return 0, models.ErrNoEmbeddings
	}

	// Embed and store
	stageStart = time.Now()
	ctx5, spanEmbed := tracer.Start(ctx, "embed_frames")
	count, err := p.processFrames(ctx5, items)
	endSpan(spanEmbed, err)
	if err != nil {
		return count, err
	}
	metrics.StageDuration.WithLabelValues("embed").Observe(time.Since(stageStart).Seconds())

	if count == 0 {
		return 0, models.ErrNoEmbeddings
	}
	return count, nil
}

func (p *Processor) processFrames(ctx context.Context, items []models.WorkItem) (int, error) {
	workChan := make(chan models.WorkItem, len(items))
	resultsChan := make(chan models.FrameRecord, len(items))

	var (
		wg         sync.WaitGroup
		progressMu sync.Mutex
	)

	remainingFrames := atomic.Int64{}
	remainingFrames.Store(int64(len(items)))

	// Start worker pool
	for i := 0; i < p.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for work := range workChan {
				rec, err := p.embedFrame(ctx, work)
				remaining := remainingFrames.Add(-1)
				progressMu.Lock()
				fmt.Fprintf(p.opts.Out, "\rRemaining frames to embed: %d/%d", remaining, work.Total)
				progressMu.Unlock()
				if err != nil {
					p.opts.Logger.Warn("frame failed", "frame", work.FrameNum, "total", work.Total, "error", err)
					continue
				}
				resultsChan <- rec
			}
		}()
	}

	// Send work to workers
	for _, item := range items {
		workChan <- item
	}
	close(workChan)

	// Collect results
	batcher := storage.NewBatcher(p.store)
	var storeErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		for rec := range resultsChan {
			if storeErr != nil {
				continue
			}
			if err := batcher.Add(ctx, rec); err != nil {
				storeErr = err
			}
		}
	}()

	// Wait for all workers to finish
	wg.Wait()
	close(resultsChan)
	<-done
	fmt.Fprintln(p.opts.Out)

	if storeErr != nil {
		return batcher.Written(), storeErr
	}

	// Flush any remaining records
	if err := batcher.Flush(ctx); err != nil {
		return batcher.Written(), fmt.Errorf("failed to flush final records: %w", err)
	}

	written := batcher.Written()
	metrics.FramesEmbeddedTotal.Add(float64(written))
	fmt.Fprintf(p.opts.Out, "Generated %d embeddings\n", written)
	return written, nil
}

func (p *Processor) embedFrame(ctx context.Context, work models.WorkItem) (models.FrameRecord, error) {
	rec := work.Record

	data, err := os.ReadFile(work.FramePath)
	if err != nil {
		return rec, fmt.Errorf("read frame: %w", err)
	}

	vec, err := p.embedder.EmbedImage(ctx, data)
	if err != nil {
		return rec, fmt.Errorf("embed frame %d/%d: %w", work.FrameNum, work.Total, err)
	}
	rec.Embedding = vec

	if p.captioner != nil {
		caption, err := p.captioner.Caption(ctx, work.FramePath)
		if err != nil {
			p.opts.Logger.Warn("caption failed", "frame", rec.ID, "error", err)
		} else {
			rec.Caption = caption
		}
	}

	rec.CreatedAt = time.Now().UTC()
	return rec, nil
}

// Summary totals a batch of ingests.
type Summary struct {
	Succeeded       int
	Total           int
	Embeddings      int
	CollectionTotal int
}

// Failed reports whether any video failed.
func (s Summary) Failed() bool {
	return s.Succeeded < s.Total
}

// ProcessVideos ingests videos one after another. A failed video does not
// stop the rest.
func (p *Processor) ProcessVideos(ctx context.Context, videoPaths []string) ([]models.ProcessResult, Summary) {
	out := p.opts.Out
	results := make([]models.ProcessResult, 0, len(videoPaths))
	summary := Summary{Total: len(videoPaths)}

	fmt.Fprintf(out, "Processing %d videos...\n", len(videoPaths))
	fmt.Fprintln(out, strings.Repeat("=", 50))

	for i, videoPath := range videoPaths {
		fmt.Fprintf(out, "\n[%d/%d] Processing: %s\n", i+1, len(videoPaths), filepath.Base(videoPath))
		fmt.Fprintln(out, strings.Repeat("-", 30))

		result := p.ProcessVideo(ctx, videoPath)
		results = append(results, result)

		if result.Success {
			summary.Succeeded++
			summary.Embeddings += result.EmbeddingsCount
			summary.CollectionTotal = result.Info.Total
			fmt.Fprintf(out, "Success: %d embeddings saved\n", result.EmbeddingsCount)
		} else {
			fmt.Fprintf(out, "Failed: %s\n", result.Error)
		}
	}

	fmt.Fprintln(out, "\n"+strings.Repeat("=", 50))
	fmt.Fprintln(out, "SUMMARY:")
	fmt.Fprintf(out, "   Videos processed: %d/%d\n", summary.Succeeded, summary.Total)
	fmt.Fprintf(out, "   Total embeddings: %d\n", summary.Embeddings)
	if summary.Succeeded > 0 {
		fmt.Fprintf(out, "   Collection total: %d embeddings\n", summary.CollectionTotal)
	}

	return results, summary
}

// VideosFromDirectory lists the video files directly inside dir whose
// extension, compared case-insensitively, is in exts.
func VideosFromDirectory(dir string, exts []string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory '%s': %w", dir, err)
	}

	allowed := make(map[string]struct{}, len(exts))
	for _, ext := range exts {
		allowed[strings.ToLower(ext)] = struct{}{}
	}

	var videos []string
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		if _, ok := allowed[strings.ToLower(filepath.Ext(entry.Name()))]; ok {
			videos = append(videos, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Strings(videos)
	return videos, nil
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
