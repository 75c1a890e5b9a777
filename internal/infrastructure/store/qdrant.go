package store

import (
	"context"
	"fmt"

	"github.com/qdrant/go-client/qdrant"
	"go.uber.org/zap"

	"github.com/vicw/vicw/internal/domain/memory"
)

// QdrantIndex is the vector index over gRPC. One collection holds all
// point types (entities, events, chunks, macro-events), disambiguated
// by payload. Implements memory.VectorIndex.
type QdrantIndex struct {
	client     *qdrant.Client
	collection string
	dimension  int
	logger     *zap.Logger
}

// QdrantOptions selects the Qdrant instance and collection.
type QdrantOptions struct {
	Host       string
	Port       int
	Collection string
	Dimension  int
}

// NewQdrantIndex connects and ensures the collection exists with
// cosine distance at the configured dimension. A pre-existing
// collection with a different vector size is a startup error.
func NewQdrantIndex(ctx context.Context, opts QdrantOptions, logger *zap.Logger) (*QdrantIndex, error) {
	client, err := qdrant.NewClient(&qdrant.Config{Host: opts.Host, Port: opts.Port})
	if err != nil {
		return nil, fmt.Errorf("qdrant connect %s:%d: %w", opts.Host, opts.Port, err)
	}

	idx := &QdrantIndex{
		client:     client,
		collection: opts.Collection,
		dimension:  opts.Dimension,
		logger:     logger.With(zap.String("component", "qdrant-index")),
	}
	if err := idx.ensureCollection(ctx); err != nil {
		return nil, err
	}
	return idx, nil
}

var _ memory.VectorIndex = (*QdrantIndex)(nil)

func (q *QdrantIndex) ensureCollection(ctx context.Context) error {
	exists, err := q.client.CollectionExists(ctx, q.collection)
	if err != nil {
		return fmt.Errorf("check collection %s: %w", q.collection, err)
	}
	if exists {
		info, err := q.client.GetCollectionInfo(ctx, q.collection)
		if err != nil {
			return fmt.Errorf("inspect collection %s: %w", q.collection, err)
		}
		if params := info.GetConfig().GetParams().GetVectorsConfig().GetParams(); params != nil {
			if got := int(params.GetSize()); got != q.dimension {
				return fmt.Errorf("collection %s has dimension %d, embedder produces %d",
					q.collection, got, q.dimension)
			}
		}
		return nil
	}

	err = q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(q.dimension),
			Distance: qdrant.Distance_Cosine,
		}),
		OnDiskPayload: qdrant.PtrOf(true),
	})
	if err != nil {
		return fmt.Errorf("create collection %s: %w", q.collection, err)
	}
	q.logger.Info("Vector collection created",
		zap.String("collection", q.collection),
		zap.Int("dimension", q.dimension),
	)
	return nil
}

// Upsert writes one point. Deterministic point ids make re-ingestion
// overwrite instead of duplicate.
func (q *QdrantIndex) Upsert(ctx context.Context, point memory.VectorPoint) error {
	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Wait:           qdrant.PtrOf(true),
		Points: []*qdrant.PointStruct{
			{
				Id:      qdrant.NewID(point.PointID),
				Vectors: qdrant.NewVectors(point.Vector...),
				Payload: qdrant.NewValueMap(map[string]any{
					"domain":  point.Payload.Domain,
					"node_id": point.Payload.NodeID,
					"subtype": point.Payload.Subtype,
					"name":    point.Payload.Name,
					"type":    point.Payload.Type,
					"job_id":  point.Payload.JobID,
					"chunk":   point.Payload.Chunk,
				}),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("upsert point %s: %w", point.PointID, err)
	}
	return nil
}

// Search runs a scored kNN query. A non-empty domain list becomes a
// should-match filter, so a point matching any listed domain
// qualifies; scoreFloor cuts weak matches server-side.
func (q *QdrantIndex) Search(ctx context.Context, vec []float32, k int, domains []string, scoreFloor float32) ([]memory.SearchHit, error) {
	query := &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQuery(vec...),
		Limit:          qdrant.PtrOf(uint64(k)),
		WithPayload:    qdrant.NewWithPayload(true),
	}
	if scoreFloor > 0 {
		query.ScoreThreshold = qdrant.PtrOf(scoreFloor)
	}
	if len(domains) > 0 {
		conditions := make([]*qdrant.Condition, 0, len(domains))
		for _, d := range domains {
			conditions = append(conditions, qdrant.NewMatch("domain", d))
		}
		query.Filter = &qdrant.Filter{Should: conditions}
	}

	points, err := q.client.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}

	hits := make([]memory.SearchHit, 0, len(points))
	for _, p := range points {
		payload := p.GetPayload()
		hits = append(hits, memory.SearchHit{
			PointID: p.GetId().GetUuid(),
			Score:   p.GetScore(),
			Payload: memory.VectorPayload{
				Domain:  payload["domain"].GetStringValue(),
				NodeID:  payload["node_id"].GetStringValue(),
				Subtype: payload["subtype"].GetStringValue(),
				Name:    payload["name"].GetStringValue(),
				Type:    payload["type"].GetStringValue(),
				JobID:   payload["job_id"].GetStringValue(),
				Chunk:   payload["chunk"].GetStringValue(),
			},
		})
	}
	return hits, nil
}

// CollectionInfo reports collection health for the stats endpoint.
func (q *QdrantIndex) CollectionInfo(ctx context.Context) (map[string]any, error) {
	info, err := q.client.GetCollectionInfo(ctx, q.collection)
	if err != nil {
		return nil, fmt.Errorf("collection info: %w", err)
	}
	return map[string]any{
		"collection": q.collection,
		"status":     info.GetStatus().String(),
		"points":     info.GetPointsCount(),
		"dimension":  q.dimension,
	}, nil
}

// Close tears down the gRPC channel.
func (q *QdrantIndex) Close() error {
	return q.client.Close()
}
