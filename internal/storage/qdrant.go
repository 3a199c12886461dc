package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/bdougie/framesearch/internal/models"
)

const scrollPageSize = 256

// PointsAPI is the subset of the Qdrant points service the store uses.
type PointsAPI interface {
	Upsert(ctx context.Context, in *pb.UpsertPoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Delete(ctx context.Context, in *pb.DeletePoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Get(ctx context.Context, in *pb.GetPoints, opts ...grpc.CallOption) (*pb.GetResponse, error)
	Search(ctx context.Context, in *pb.SearchPoints, opts ...grpc.CallOption) (*pb.SearchResponse, error)
	Scroll(ctx context.Context, in *pb.ScrollPoints, opts ...grpc.CallOption) (*pb.ScrollResponse, error)
	Count(ctx context.Context, in *pb.CountPoints, opts ...grpc.CallOption) (*pb.CountResponse, error)
}

// CollectionsAPI is the subset of the Qdrant collections service the store uses.
type CollectionsAPI interface {
	List(ctx context.Context, in *pb.ListCollectionsRequest, opts ...grpc.CallOption) (*pb.ListCollectionsResponse, error)
	Create(ctx context.Context, in *pb.CreateCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
	Delete(ctx context.Context, in *pb.DeleteCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
}

// QdrantStore keeps frame records as Qdrant points. Point ids are derived
// from frame ids, which travel in the payload.
type QdrantStore struct {
	conn        *grpc.ClientConn
	points      PointsAPI
	collections CollectionsAPI
	collection  string
	dimensions  int
}

// NewQdrantStore connects to Qdrant at the given gRPC address.
func NewQdrantStore(addr, collection string, dimensions int) (*QdrantStore, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("dial qdrant %s: %w", addr, err)
	}
	s := NewQdrantWithClients(pb.NewPointsClient(conn), pb.NewCollectionsClient(conn), collection, dimensions)
	s.conn = conn
	return s, nil
}

// NewQdrantWithClients builds a store on existing service clients.
func NewQdrantWithClients(points PointsAPI, collections CollectionsAPI, collection string, dimensions int) *QdrantStore {
	return &QdrantStore{
		points:      points,
		collections: collections,
		collection:  collection,
		dimensions:  dimensions,
	}
}

// Close closes the underlying gRPC connection.
func (s *QdrantStore) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

// Init creates the collection if it doesn't exist.
func (s *QdrantStore) Init(ctx context.Context) error {
	list, err := s.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return fmt.Errorf("list collections: %w", err)
	}
	for _, c := range list.GetCollections() {
		if c.GetName() == s.collection {
			return nil
		}
	}

	_, err = s.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: s.collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     uint64(s.dimensions),
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("create collection %s: %w", s.collection, err)
	}
	return nil
}

// Upsert stores records as points. Existing points with the same id are replaced.
func (s *QdrantStore) Upsert(ctx context.Context, records []models.FrameRecord) error {
	if len(records) == 0 {
		return nil
	}

	points := make([]*pb.PointStruct, len(records))
	for i, rec := range records {
		points[i] = &pb.PointStruct{
			Id: pointID(rec.ID),
			Vectors: &pb.Vectors{
				VectorsOptions: &pb.Vectors_Vector{
					Vector: &pb.Vector{Data: rec.Embedding},
				},
			},
			Payload: recordPayload(rec),
		}
	}

	wait := true
	_, err := s.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: s.collection,
		Wait:           &wait,
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("upsert %d points: %w", len(records), err)
	}
	return nil
}

// Query performs k-NN similarity search with optional metadata filters.
func (s *QdrantStore) Query(ctx context.Context, vec []float32, n int, filter models.Filter) ([]models.Match, error) {
	if n <= 0 {
		return nil, nil
	}

	resp, err := s.points.Search(ctx, &pb.SearchPoints{
		CollectionName: s.collection,
		Vector:         vec,
		Limit:          uint64(n),
		Filter:         qdrantFilter(filter),
		WithPayload:    withPayload(),
		WithVectors:    withVectors(),
	})
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}

	matches := make([]models.Match, len(resp.GetResult()))
	for i, r := range resp.GetResult() {
		rec := payloadRecord(r.GetPayload())
		rec.Embedding = r.GetVectors().GetVector().GetData()
		// Qdrant reports cosine similarity as the score.
		matches[i] = models.NewMatch(rec, 1-float64(r.GetScore()))
	}
	return matches, nil
}

// Get returns the records with the given frame ids.
func (s *QdrantStore) Get(ctx context.Context, ids []string) ([]models.FrameRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	pids := make([]*pb.PointId, len(ids))
	for i, id := range ids {
		pids[i] = pointID(id)
	}

	resp, err := s.points.Get(ctx, &pb.GetPoints{
		CollectionName: s.collection,
		Ids:            pids,
		WithPayload:    withPayload(),
		WithVectors:    withVectors(),
	})
	if err != nil {
		return nil, fmt.Errorf("get points: %w", err)
	}
	return retrievedRecords(resp.GetResult()), nil
}

// List scrolls through every point matching filter.
func (s *QdrantStore) List(ctx context.Context, filter models.Filter) ([]models.FrameRecord, error) {
	var (
		out    []models.FrameRecord
		offset *pb.PointId
		limit  = uint32(scrollPageSize)
	)
	for {
		resp, err := s.points.Scroll(ctx, &pb.ScrollPoints{
			CollectionName: s.collection,
			Filter:         qdrantFilter(filter),
			Offset:         offset,
			Limit:          &limit,
			WithPayload:    withPayload(),
		})
		if err != nil {
			return nil, fmt.Errorf("scroll points: %w", err)
		}
		out = append(out, retrievedRecords(resp.GetResult())...)

		offset = resp.GetNextPageOffset()
		if offset == nil {
			break
		}
	}
	SortRecords(out)
	return out, nil
}

// Delete removes points by frame id.
func (s *QdrantStore) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	pids := make([]*pb.PointId, len(ids))
	for i, id := range ids {
		pids[i] = pointID(id)
	}

	wait := true
	_, err := s.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: s.collection,
		Wait:           &wait,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Points{
				Points: &pb.PointsIdsList{Ids: pids},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("delete %d points: %w", len(ids), err)
	}
	return nil
}

// Clear deletes and recreates the collection.
func (s *QdrantStore) Clear(ctx context.Context) error {
	_, err := s.collections.Delete(ctx, &pb.DeleteCollection{
		CollectionName: s.collection,
	})
	if err != nil {
		return fmt.Errorf("delete collection %s: %w", s.collection, err)
	}
	return s.Init(ctx)
}

// Count returns the exact number of points in the collection.
func (s *QdrantStore) Count(ctx context.Context) (int, error) {
	exact := true
	resp, err := s.points.Count(ctx, &pb.CountPoints{
		CollectionName: s.collection,
		Exact:          &exact,
	})
	if err != nil {
		return 0, fmt.Errorf("count points: %w", err)
	}
	return int(resp.GetResult().GetCount()), nil
}

// PointUUID maps a frame id to its stable Qdrant point id.
func PointUUID(frameID string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(frameID)).String()
}

func pointID(frameID string) *pb.PointId {
	return &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: PointUUID(frameID)}}
}

func withPayload() *pb.WithPayloadSelector {
	return &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}}
}

func withVectors() *pb.WithVectorsSelector {
	return &pb.WithVectorsSelector{SelectorOptions: &pb.WithVectorsSelector_Enable{Enable: true}}
}

func qdrantFilter(f models.Filter) *pb.Filter {
	var must []*pb.Condition
	if f.VideoName != "" {
		must = append(must, fieldMatch("video_name", &pb.Match{MatchValue: &pb.Match_Keyword{Keyword: f.VideoName}}))
	}
	if f.SceneIdx != nil {
		must = append(must, fieldMatch("scene_idx", &pb.Match{MatchValue: &pb.Match_Integer{Integer: int64(*f.SceneIdx)}}))
	}
	if len(must) == 0 {
		return nil
	}
	return &pb.Filter{Must: must}
}

func fieldMatch(key string, match *pb.Match) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{Key: key, Match: match},
		},
	}
}

func stringValue(s string) *pb.Value {
	return &pb.Value{Kind: &pb.Value_StringValue{StringValue: s}}
}

func intValue(n int) *pb.Value {
	return &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: int64(n)}}
}

func recordPayload(rec models.FrameRecord) map[string]*pb.Value {
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	return map[string]*pb.Value{
		"frame_id":     stringValue(rec.ID),
		"video_name":   stringValue(rec.VideoName),
		"video_path":   stringValue(rec.VideoPath),
		"scene_idx":    intValue(rec.SceneIdx),
		"frame_idx":    intValue(rec.FrameIdx),
		"frame_sample": intValue(rec.FrameSample),
		"timestamp":    {Kind: &pb.Value_DoubleValue{DoubleValue: rec.Timestamp}},
		"image_path":   stringValue(rec.ImagePath),
		"caption":      stringValue(rec.Caption),
		"created_at":   stringValue(createdAt.UTC().Format(time.RFC3339Nano)),
	}
}

func payloadRecord(p map[string]*pb.Value) models.FrameRecord {
	rec := models.FrameRecord{
		ID:          p["frame_id"].GetStringValue(),
		VideoName:   p["video_name"].GetStringValue(),
		VideoPath:   p["video_path"].GetStringValue(),
		SceneIdx:    int(p["scene_idx"].GetIntegerValue()),
		FrameIdx:    int(p["frame_idx"].GetIntegerValue()),
		FrameSample: int(p["frame_sample"].GetIntegerValue()),
		Timestamp:   p["timestamp"].GetDoubleValue(),
		ImagePath:   p["image_path"].GetStringValue(),
		Caption:     p["caption"].GetStringValue(),
	}
	if t, err := time.Parse(time.RFC3339Nano, p["created_at"].GetStringValue()); err == nil {
		rec.CreatedAt = t
	}
	return rec
}

func retrievedRecords(points []*pb.RetrievedPoint) []models.FrameRecord {
	out := make([]models.FrameRecord, 0, len(points))
	for _, p := range points {
		rec := payloadRecord(p.GetPayload())
		rec.Embedding = p.GetVectors().GetVector().GetData()
		out = append(out, rec)
	}
	return out
}
