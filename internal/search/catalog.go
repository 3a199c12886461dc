package search

import (
	"context"
	"fmt"
	"sort"

	"github.com/bdougie/framesearch/internal/models"
	"github.com/bdougie/framesearch/internal/storage"
)

// sceneIDPreview is how many frame ids a scene summary lists.
const sceneIDPreview = 3

// VideoSummary counts the frames and scenes stored for a video.
type VideoSummary struct {
	Name   string `json:"name"`
	Frames int    `json:"frames"`
	Scenes int    `json:"scenes"`
}

// SceneSummary describes one scene of the collection.
type SceneSummary struct {
	Label    string   `json:"label"`
	Frames   int      `json:"frames"`
	FrameIDs []string `json:"frame_ids"`
	More     int      `json:"more"`
}

// Catalog browses and administers the stored frames.
type Catalog struct {
	store storage.Store
}

// NewCatalog creates a catalog over store.
func NewCatalog(store storage.Store) *Catalog {
	return &Catalog{store: store}
}

// Videos lists every video in the collection by name.
func (c *Catalog) Videos(ctx context.Context) ([]VideoSummary, error) {
	recs, err := c.store.List(ctx, models.Filter{})
	if err != nil {
		return nil, err
	}

	byName := make(map[string]*VideoSummary)
	scenes := make(map[string]map[int]struct{})
	for _, r := range recs {
		v, ok := byName[r.VideoName]
		if !ok {
			v = &VideoSummary{Name: r.VideoName}
			byName[r.VideoName] = v
			scenes[r.VideoName] = make(map[int]struct{})
		}
		v.Frames++
		scenes[r.VideoName][r.SceneIdx] = struct{}{}
	}

	out := make([]VideoSummary, 0, len(byName))
	for name, v := range byName {
		v.Scenes = len(scenes[name])
		out = append(out, *v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Scenes groups the frames of video by scene. An empty video name covers
// the whole collection and prefixes each label with the video name.
func (c *Catalog) Scenes(ctx context.Context, video string) ([]SceneSummary, error) {
	recs, err := c.store.List(ctx, models.Filter{VideoName: video})
	if err != nil {
		return nil, err
	}

	var (
		out   []SceneSummary
		index = make(map[string]int)
	)
	for _, r := range recs {
		label := fmt.Sprintf("Scene %d", r.SceneIdx)
		if video == "" {
			label = fmt.Sprintf("%s - Scene %d", r.VideoName, r.SceneIdx)
		}

		i, ok := index[label]
		if !ok {
			i = len(out)
			index[label] = i
			out = append(out, SceneSummary{Label: label})
		}
		s := &out[i]
		s.Frames++
		if len(s.FrameIDs) < sceneIDPreview {
			s.FrameIDs = append(s.FrameIDs, r.ID)
		} else {
			s.More++
		}
	}
	return out, nil
}

// DeleteVideo removes every frame of a video and returns how many went.
func (c *Catalog) DeleteVideo(ctx context.Context, name string) (int, error) {
	recs, err := c.store.List(ctx, models.Filter{VideoName: name})
	if err != nil {
		return 0, err
	}
	if len(recs) == 0 {
		return 0, nil
	}

	ids := make([]string, len(recs))
	for i, r := range recs {
		ids[i] = r.ID
	}
	if err := c.store.Delete(ctx, ids); err != nil {
		return 0, fmt.Errorf("delete frames of %s: %w", name, err)
	}
	return len(ids), nil
}

// Delete removes frames by id.
func (c *Catalog) Delete(ctx context.Context, ids []string) error {
	return c.store.Delete(ctx, ids)
}

// Clear removes every frame in the collection.
func (c *Catalog) Clear(ctx context.Context) error {
	return c.store.Clear(ctx)
}
