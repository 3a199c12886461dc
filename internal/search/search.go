package search

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/bdougie/framesearch/internal/metrics"
	"github.com/bdougie/framesearch/internal/models"
	"github.com/bdougie/framesearch/internal/sink"
	"github.com/bdougie/framesearch/internal/storage"
)

// TextEmbedder embeds search queries.
type TextEmbedder interface {
	EmbedText(ctx context.Context, text string) ([]float32, error)
}

// FrameGrabber decodes a single frame from a video.
type FrameGrabber interface {
	ExtractFrame(ctx context.Context, videoPath string, frameNum int) ([]byte, error)
}

// Searcher answers text and frame similarity queries.
type Searcher struct {
	embedder TextEmbedder
	store    storage.Store
	grabber  FrameGrabber
	sinks    []sink.Sink
	logger   *slog.Logger
}

// NewSearcher creates a searcher. Matches are saved to every sink given.
func NewSearcher(embedder TextEmbedder, store storage.Store, grabber FrameGrabber, logger *slog.Logger, sinks ...sink.Sink) *Searcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Searcher{
		embedder: embedder,
		store:    store,
		grabber:  grabber,
		sinks:    sinks,
		logger:   logger,
	}
}

// Search embeds text and returns the n closest frames.
func (s *Searcher) Search(ctx context.Context, text string, n int) ([]models.Match, error) {
	ctx, span := otel.Tracer("search").Start(ctx, "Searcher.Search")
	defer span.End()
	span.SetAttributes(attribute.String("query", text), attribute.Int("n", n))

	start := time.Now()
	vec, err := s.embedder.EmbedText(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	matches, err := s.store.Query(ctx, vec, n, models.Filter{})
	if err != nil {
		return nil, fmt.Errorf("query store: %w", err)
	}

	metrics.SearchesTotal.WithLabelValues("text").Inc()
	metrics.StageDuration.WithLabelValues("search").Observe(time.Since(start).Seconds())
	return matches, nil
}

// Similar returns the n frames closest to a stored frame, the frame itself
// included.
func (s *Searcher) Similar(ctx context.Context, frameID string, n int) ([]models.Match, error) {
	ctx, span := otel.Tracer("search").Start(ctx, "Searcher.Similar")
	defer span.End()
	span.SetAttributes(attribute.String("frame.id", frameID))

	recs, err := s.store.Get(ctx, []string{frameID})
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 || len(recs[0].Embedding) == 0 {
		return nil, fmt.Errorf("frame %q: %w", frameID, models.ErrNotFound)
	}

	matches, err := s.store.Query(ctx, recs[0].Embedding, n, models.Filter{})
	if err != nil {
		return nil, fmt.Errorf("query store: %w", err)
	}
	metrics.SearchesTotal.WithLabelValues("similar").Inc()
	return matches, nil
}

// Frame returns the stored record for id.
func (s *Searcher) Frame(ctx context.Context, id string) (models.FrameRecord, error) {
	recs, err := s.store.Get(ctx, []string{id})
	if err != nil {
		return models.FrameRecord{}, err
	}
	if len(recs) == 0 {
		return models.FrameRecord{}, fmt.Errorf("frame %q: %w", id, models.ErrNotFound)
	}
	return recs[0], nil
}

// FrameImage returns the JPEG for rec, from the saved frame when it is still
// on disk or decoded from the video otherwise.
func (s *Searcher) FrameImage(ctx context.Context, rec models.FrameRecord) ([]byte, error) {
	if rec.ImagePath != "" {
		if data, err := os.ReadFile(rec.ImagePath); err == nil && len(data) > 0 {
			return data, nil
		}
	}
	if s.grabber == nil {
		return nil, fmt.Errorf("frame %s: image not available", rec.ID)
	}
	return s.grabber.ExtractFrame(ctx, rec.VideoPath, rec.FrameSample)
}

// Saved describes one written match.
type Saved struct {
	Name      string
	Locations []string
}

// SaveMatches writes the matched frames under a directory named after the
// query. A frame that cannot be read or written is logged and skipped.
func (s *Searcher) SaveMatches(ctx context.Context, query string, matches []models.Match) ([]Saved, error) {
	if len(matches) == 0 {
		return nil, nil
	}

	dir := QueryDir(query)
	var saved []Saved
	for i, m := range matches {
		name := MatchFileName(i, m)

		data, err := s.FrameImage(ctx, m.Record)
		if err != nil {
			s.logger.Warn("failed to extract frame", "frame", m.Record.ID, "error", err)
			continue
		}

		entry := Saved{Name: name}
		for _, sk := range s.sinks {
			loc, err := sk.Save(ctx, dir, name, data)
			if err != nil {
				s.logger.Warn("failed to save frame", "frame", m.Record.ID, "error", err)
				continue
			}
			entry.Locations = append(entry.Locations, loc)
		}
		if len(entry.Locations) > 0 {
			saved = append(saved, entry)
		}
	}
	return saved, ctx.Err()
}

// QueryDir turns a query into a directory name.
func QueryDir(query string) string {
	return strings.NewReplacer(" ", "_", "/", "_", `\`, "_").Replace(query)
}

// MatchFileName names the i-th (zero based) match.
func MatchFileName(i int, m models.Match) string {
	return fmt.Sprintf("%02d_%s_similarity_%.3f.jpg", i+1, m.Record.ID, m.Similarity)
}
