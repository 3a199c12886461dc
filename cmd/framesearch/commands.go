package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/bdougie/framesearch/internal/analyzer"
	"github.com/bdougie/framesearch/internal/compiler"
	"github.com/bdougie/framesearch/internal/config"
	"github.com/bdougie/framesearch/internal/embeddings"
	"github.com/bdougie/framesearch/internal/extractor"
	"github.com/bdougie/framesearch/internal/models"
	"github.com/bdougie/framesearch/internal/search"
	"github.com/bdougie/framesearch/internal/server"
	"github.com/bdougie/framesearch/internal/sink"
	"github.com/bdougie/framesearch/internal/storage"
)

// app holds the components a command needs. They are created on first use.
type app struct {
	cfg    config.Config
	logger *slog.Logger
	stdout io.Writer

	store     storage.Store
	embedder  *embeddings.Service
	cache     *embeddings.BoltCache
	extractor *extractor.Extractor
}

func (a *app) close() {
	if a.embedder != nil {
		a.embedder.Close()
	}
	if a.cache != nil {
		a.cache.Close()
	}
	if a.store != nil {
		a.store.Close()
	}
}

func (a *app) openStore(ctx context.Context) error {
	s, err := storage.Open(ctx, a.cfg.StorageConfig(), a.logger)
	if err != nil {
		return err
	}
	a.store = s
	return nil
}

func (a *app) location() string {
	return a.cfg.StorageConfig().Location()
}

func (a *app) frames() *extractor.Extractor {
	if a.extractor == nil {
		a.extractor = extractor.New(a.logger)
	}
	return a.extractor
}

func (a *app) client() *embeddings.Client {
	return embeddings.NewClient(embeddings.ClientConfig{
		BaseURL:    a.cfg.Embedding.BaseURL,
		APIKey:     a.cfg.Embedding.APIKey,
		Model:      a.cfg.Embedding.Model,
		Dimensions: a.cfg.Embedding.Dimensions,
	})
}

// embedService starts the embedding service. A cache that cannot be opened is
// logged and skipped.
func (a *app) embedService() *embeddings.Service {
	if a.embedder != nil {
		return a.embedder
	}

	var cache embeddings.Cache
	c, err := embeddings.OpenBoltCache(a.cfg.EmbeddingCachePath())
	if err != nil {
		a.logger.Warn("embedding cache disabled", "error", err)
	} else {
		a.cache = c
		cache = c
	}

	a.embedder = embeddings.NewService(a.client(), embeddings.Options{
		Workers:           a.cfg.Embedding.Workers,
		Model:             a.cfg.Embedding.Model,
		Cache:             cache,
		RequestsPerSecond: a.cfg.Embedding.RequestsPerSecond,
		Logger:            a.logger,
	})
	return a.embedder
}

func (a *app) processor(ctx context.Context) *analyzer.Processor {
	p := analyzer.NewProcessor(a.frames(), a.embedService(), a.store, analyzer.Options{
		Collection:      a.cfg.Store.Collection,
		Location:        a.location(),
		FramesDir:       a.cfg.Scenes.FramesDir,
		Thresholds:      a.cfg.Scenes.Thresholds,
		SamplesPerScene: a.cfg.Scenes.SamplesPerScene,
		Workers:         a.cfg.Embedding.Workers,
		Out:             a.stdout,
		Logger:          a.logger,
	})

	if a.cfg.Caption.Enabled {
		captioner, err := analyzer.NewAgentCaptioner(ctx, analyzer.CaptionConfig{
			BaseURL: a.cfg.Caption.BaseURL,
			Port:    a.cfg.Caption.Port,
			Model:   a.cfg.Caption.Model,
		}, a.logger)
		if err != nil {
			a.logger.Warn("captions disabled", "error", err)
		} else {
			p.WithCaptioner(captioner)
		}
	}
	return p
}

// searcher builds a searcher. Saved matches go to the output directory and,
// when configured, to object storage.
func (a *app) searcher(ctx context.Context) *search.Searcher {
	sinks := []sink.Sink{sink.NewDirSink(a.cfg.Search.OutputDir)}

	if up := a.cfg.Search.Upload; up.Endpoint != "" {
		ms, err := sink.NewMinioSink(sink.MinioConfig{
			Endpoint:  up.Endpoint,
			AccessKey: up.AccessKey,
			SecretKey: up.SecretKey,
			UseSSL:    up.UseSSL,
			Bucket:    up.Bucket,
		})
		if err == nil {
			err = ms.EnsureBucket(ctx)
		}
		if err != nil {
			a.logger.Warn("match upload disabled", "endpoint", up.Endpoint, "error", err)
		} else {
			sinks = append(sinks, ms)
		}
	}

	return search.NewSearcher(a.embedService(), a.store, a.frames(), a.logger, sinks...)
}

func (a *app) ingest(ctx context.Context, videoPaths []string) int {
	_, summary := a.processor(ctx).ProcessVideos(ctx, videoPaths)
	if summary.Failed() {
		return exitFail
	}
	return exitOK
}

func (a *app) ingestDirectory(ctx context.Context, dir string) int {
	videoPaths, err := analyzer.VideosFromDirectory(dir, a.cfg.Videos.Extensions)
	if err != nil {
		fmt.Fprintf(a.stdout, "Directory not found: %s\n", dir)
		a.logger.Error("failed to list videos", "dir", dir, "error", err)
		return exitFail
	}
	if len(videoPaths) == 0 {
		fmt.Fprintf(a.stdout, "No video files found in directory: %s\n", dir)
		return exitOK
	}

	fmt.Fprintf(a.stdout, "Found %d video files in %s\n", len(videoPaths), dir)
	return a.ingest(ctx, videoPaths)
}

func (a *app) searchFrames(ctx context.Context, query string, save bool) int {
	fmt.Fprintf(a.stdout, "Searching for: '%s'\n", query)

	s := a.searcher(ctx)
	matches, err := s.Search(ctx, query, a.cfg.Search.Results)
	if err != nil {
		fmt.Fprintf(a.stdout, "Error searching videos: %v\n", err)
		return exitFail
	}

	if save {
		if len(matches) == 0 {
			fmt.Fprintln(a.stdout, "No results found to save")
			return exitOK
		}

		dir := filepath.Join(a.cfg.Search.OutputDir, search.QueryDir(query))
		fmt.Fprintf(a.stdout, "Saving %d frames to: %s\n", len(matches), dir)
		saved, err := s.SaveMatches(ctx, query, matches)
		for _, sv := range saved {
			fmt.Fprintf(a.stdout, "  Saved: %s\n", sv.Name)
		}
		if err != nil {
			fmt.Fprintf(a.stdout, "Error saving frames: %v\n", err)
			return exitFail
		}
		fmt.Fprintf(a.stdout, "Saved frames to: %s\n", dir)
	}

	printMatches(a.stdout, matches)
	return exitOK
}

func printMatches(w io.Writer, matches []models.Match) {
	if len(matches) == 0 {
		fmt.Fprintln(w, "No results found")
		return
	}

	fmt.Fprintf(w, "\nFound %d results:\n", len(matches))
	for i, m := range matches {
		fmt.Fprintf(w, "%d. %s\n", i+1, m.Record.ID)
		fmt.Fprintf(w, "   Video: %s\n", m.Record.VideoName)
		fmt.Fprintf(w, "   Scene: %d, Frame: %d\n", m.Record.SceneIdx, m.Record.FrameIdx)
		fmt.Fprintf(w, "   Similarity: %.4f\n", m.Similarity)
		if m.Record.Caption != "" {
			fmt.Fprintf(w, "   Caption: %s\n", m.Record.Caption)
		}
	}
}

func (a *app) info(ctx context.Context) int {
	info, err := storage.Describe(ctx, a.store, a.cfg.Store.Collection, a.location())
	if err != nil {
		a.logger.Error("failed to get collection info", "error", err)
		return exitFail
	}

	fmt.Fprintln(a.stdout, "Collection Information:")
	fmt.Fprintln(a.stdout, strings.Repeat("=", 30))
	fmt.Fprintf(a.stdout, "collection_name: %s\n", info.Name)
	fmt.Fprintf(a.stdout, "total_embeddings: %d\n", info.Total)
	fmt.Fprintf(a.stdout, "db_path: %s\n", info.Location)
	return exitOK
}

func (a *app) listVideos(ctx context.Context) int {
	videos, err := search.NewCatalog(a.store).Videos(ctx)
	if err != nil {
		a.logger.Error("failed to list videos", "error", err)
		return exitFail
	}
	if len(videos) == 0 {
		fmt.Fprintln(a.stdout, "No videos found in collection")
		return exitOK
	}

	fmt.Fprintln(a.stdout, "Videos in collection:")
	fmt.Fprintln(a.stdout, strings.Repeat("=", 50))
	for _, v := range videos {
		fmt.Fprintln(a.stdout, v.Name)
		fmt.Fprintf(a.stdout, "   Frames: %d\n", v.Frames)
		fmt.Fprintf(a.stdout, "   Scenes: %d\n\n", v.Scenes)
	}
	return exitOK
}

func (a *app) listScenes(ctx context.Context, video string) int {
	scenes, err := search.NewCatalog(a.store).Scenes(ctx, video)
	if err != nil {
		a.logger.Error("failed to list scenes", "error", err)
		return exitFail
	}
	if len(scenes) == 0 {
		if video != "" {
			fmt.Fprintf(a.stdout, "No frames found for video: %s\n", video)
		} else {
			fmt.Fprintln(a.stdout, "No frames found in collection")
		}
		return exitOK
	}

	if video != "" {
		fmt.Fprintf(a.stdout, "Scenes in '%s':\n", video)
	} else {
		fmt.Fprintln(a.stdout, "All scenes in collection:")
	}
	fmt.Fprintln(a.stdout, strings.Repeat("-", 30))
	for _, sc := range scenes {
		fmt.Fprintln(a.stdout, sc.Label)
		fmt.Fprintf(a.stdout, "   Frames: %d\n", sc.Frames)
		fmt.Fprintf(a.stdout, "   Frame IDs: %s\n", strings.Join(sc.FrameIDs, ", "))
		if sc.More > 0 {
			fmt.Fprintf(a.stdout, "   ... and %d more\n", sc.More)
		}
		fmt.Fprintln(a.stdout)
	}
	return exitOK
}

func (a *app) searchSimilar(ctx context.Context, frameID string) int {
	matches, err := a.searcher(ctx).Similar(ctx, frameID, a.cfg.Search.Results)
	if errors.Is(err, models.ErrNotFound) {
		fmt.Fprintf(a.stdout, "Frame ID '%s' not found\n", frameID)
		return exitFail
	}
	if err != nil {
		fmt.Fprintf(a.stdout, "Error searching similar frames: %v\n", err)
		return exitFail
	}
	if len(matches) == 0 {
		fmt.Fprintln(a.stdout, "No similar frames found")
		return exitOK
	}

	fmt.Fprintf(a.stdout, "Similar frames to '%s':\n", frameID)
	fmt.Fprintln(a.stdout, strings.Repeat("-", 50))
	for i, m := range matches {
		fmt.Fprintf(a.stdout, "%d. %s\n", i+1, m.Record.ID)
		fmt.Fprintf(a.stdout, "   Video: %s\n", m.Record.VideoName)
		fmt.Fprintf(a.stdout, "   Scene: %d, Frame: %d\n", m.Record.SceneIdx, m.Record.FrameIdx)
		fmt.Fprintf(a.stdout, "   Distance: %.4f\n\n", m.Distance)
	}
	return exitOK
}

func (a *app) delete(ctx context.Context, ids []string) int {
	if err := search.NewCatalog(a.store).Delete(ctx, ids); err != nil {
		a.logger.Error("failed to delete embeddings", "error", err)
		return exitFail
	}
	fmt.Fprintf(a.stdout, "Deleted %d embeddings\n", len(ids))
	return exitOK
}

func (a *app) deleteVideo(ctx context.Context, name string) int {
	n, err := search.NewCatalog(a.store).DeleteVideo(ctx, name)
	if err != nil {
		a.logger.Error("failed to delete video", "video", name, "error", err)
		return exitFail
	}
	if n == 0 {
		fmt.Fprintf(a.stdout, "No frames found for video: %s\n", name)
		return exitOK
	}
	fmt.Fprintf(a.stdout, "Deleted %d embeddings\n", n)
	return exitOK
}

func (a *app) clear(ctx context.Context) int {
	total, err := a.store.Count(ctx)
	if err != nil {
		a.logger.Error("failed to count embeddings", "error", err)
		return exitFail
	}
	if total == 0 {
		fmt.Fprintln(a.stdout, "Collection is already empty")
		return exitOK
	}
	if err := search.NewCatalog(a.store).Clear(ctx); err != nil {
		a.logger.Error("failed to clear collection", "error", err)
		return exitFail
	}
	fmt.Fprintf(a.stdout, "Cleared all %d embeddings from collection\n", total)
	return exitOK
}

func (a *app) serve(ctx context.Context) int {
	srv := server.New(a.searcher(ctx), search.NewCatalog(a.store), a.store, a.cfg.Store.Collection, a.location(), a.logger)
	if err := srv.ListenAndServe(ctx, a.cfg.Server.Addr); err != nil {
		a.logger.Error("server failed", "error", err)
		return exitFail
	}
	return exitOK
}

func (a *app) toolchain() *compiler.Toolchain {
	return compiler.New(a.cfg.Compiler.NC, a.cfg.Compiler.Inspect, compiler.ExecRunner{}, a.logger)
}

func (a *app) compile(ctx context.Context, modelPath string, chips int) int {
	if chips <= 0 {
		chips = a.cfg.Compiler.Chips
	}

	tc := a.toolchain()
	fmt.Fprintf(a.stdout, "Compiling %s to .dfp format for %d chips...\n", modelPath, chips)
	dfp, err := tc.Compile(ctx, modelPath, chips)
	if err != nil {
		if errors.Is(err, models.ErrToolMissing) {
			fmt.Fprintln(a.stdout, "Please install memryX SDK and Neural Compiler first")
			fmt.Fprintln(a.stdout, "Visit: https://developer.memryx.com/")
		}
		a.logger.Error("compilation failed", "model", modelPath, "error", err)
		return exitFail
	}
	fmt.Fprintf(a.stdout, "Compilation successful: %s\n", dfp)

	report, err := tc.InspectDFP(ctx, dfp)
	if err != nil {
		a.logger.Warn("failed to inspect compiled model", "dfp", dfp, "error", err)
		return exitOK
	}
	fmt.Fprintln(a.stdout, "DFP file information:")
	fmt.Fprintln(a.stdout, report)
	return exitOK
}

// check is one doctor probe. Optional checks do not fail the command.
type check struct {
	name     string
	optional bool
	run      func(ctx context.Context) (string, error)
}

func (a *app) doctor(ctx context.Context) int {
	tc := a.toolchain()
	checks := []check{
		{name: "ffmpeg", run: lookPath("ffmpeg")},
		{name: "ffprobe", run: lookPath("ffprobe")},
		{name: tc.NC, optional: true, run: func(ctx context.Context) (string, error) {
			return "available", tc.Check(ctx)
		}},
		{name: tc.Inspect, optional: true, run: lookPath(tc.Inspect)},
		{name: "embedding server", run: func(ctx context.Context) (string, error) {
			return a.cfg.Embedding.BaseURL, a.client().HealthCheck(ctx)
		}},
		{name: "vector store", run: func(ctx context.Context) (string, error) {
			if err := a.openStore(ctx); err != nil {
				return "", err
			}
			info, err := storage.Describe(ctx, a.store, a.cfg.Store.Collection, a.location())
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("%s (%d embeddings)", info.Location, info.Total), nil
		}},
	}

	code := exitOK
	for _, c := range checks {
		detail, err := c.run(ctx)
		switch {
		case err == nil:
			fmt.Fprintf(a.stdout, "✓ %s: %s\n", c.name, detail)
		case c.optional:
			fmt.Fprintf(a.stdout, "- %s: %v (optional)\n", c.name, err)
		default:
			fmt.Fprintf(a.stdout, "✗ %s: %v\n", c.name, err)
			code = exitFail
		}
	}
	return code
}

func lookPath(name string) func(context.Context) (string, error) {
	return func(context.Context) (string, error) {
		return exec.LookPath(name)
	}
}
