package backends

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"github.com/rs/zerolog"

	"github.com/simpleflo/tandem/internal/observability"
	"github.com/simpleflo/tandem/internal/query"
)

const (
	// DefaultQdrantHost is the default Qdrant gRPC endpoint.
	DefaultQdrantHost = "localhost"

	// DefaultQdrantPort is the default Qdrant gRPC port.
	DefaultQdrantPort = 6334

	// DefaultCollection is the default collection for document chunks.
	DefaultCollection = "tandem_chunks"

	// defaultUpsertBatch is the batch size for upserting points.
	defaultUpsertBatch = 100
)

// chunkIDToUUID converts a chunk ID string to a deterministic UUID.
// Chunk IDs stay strings internally while Qdrant requires UUID point ids.
func chunkIDToUUID(chunkID string) string {
	namespace := uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")
	hash := sha256.Sum256([]byte(chunkID))
	return uuid.NewSHA1(namespace, hash[:]).String()
}

// QdrantConfig configures the vector store.
type QdrantConfig struct {
	Host       string
	Port       int
	Collection string
	Dimension  int // must match the embedding model's output
}

// QdrantStore implements query.VectorIndex over a Qdrant collection.
// Chunk payloads carry the document fields needed to rebuild a
// query.Source without a second lookup.
type QdrantStore struct {
	client     *qdrant.Client
	collection string
	dimension  uint64
	logger     zerolog.Logger

	mu    sync.Mutex
	ready bool
}

// NewQdrantStore creates a Qdrant-backed vector index.
func NewQdrantStore(cfg QdrantConfig) (*QdrantStore, error) {
	if cfg.Host == "" {
		cfg.Host = DefaultQdrantHost
	}
	if cfg.Port <= 0 {
		cfg.Port = DefaultQdrantPort
	}
	if cfg.Collection == "" {
		cfg.Collection = DefaultCollection
	}
	if cfg.Dimension <= 0 {
		cfg.Dimension = DefaultEmbedDimension
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host: cfg.Host,
		Port: cfg.Port,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Qdrant client: %w", err)
	}

	return &QdrantStore{
		client:     client,
		collection: cfg.Collection,
		dimension:  uint64(cfg.Dimension),
		logger:     observability.Logger("backends.qdrant"),
	}, nil
}

// EnsureCollection creates the collection on first use.
func (s *QdrantStore) EnsureCollection(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ready {
		return nil
	}

	collections, err := s.client.ListCollections(ctx)
	if err != nil {
		return fmt.Errorf("failed to list collections: %w", err)
	}
	for _, col := range collections {
		if col == s.collection {
			s.ready = true
			return nil
		}
	}

	s.logger.Info().
		Str("collection", s.collection).
		Uint64("dimension", s.dimension).
		Msg("creating collection")

	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     s.dimension,
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	for _, field := range []string{"document_id", "document_name"} {
		_, err = s.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: s.collection,
			FieldName:      field,
			FieldType:      qdrant.FieldType_FieldTypeKeyword.Enum(),
		})
		if err != nil {
			s.logger.Warn().Err(err).Str("field", field).Msg("failed to create field index")
		}
	}

	s.ready = true
	return nil
}

// ChunkPoint is one chunk to index.
type ChunkPoint struct {
	ChunkID      string
	Vector       []float32
	DocumentID   string
	DocumentName string
	Text         string
	Metadata     map[string]string
}

// UpsertChunks indexes chunks in batches.
func (s *QdrantStore) UpsertChunks(ctx context.Context, points []ChunkPoint) error {
	if len(points) == 0 {
		return nil
	}
	if err := s.EnsureCollection(ctx); err != nil {
		return err
	}

	start := time.Now()
	qdrantPoints := make([]*qdrant.PointStruct, len(points))
	for i, p := range points {
		payload := map[string]any{
			"chunk_id":      p.ChunkID,
			"document_id":   p.DocumentID,
			"document_name": p.DocumentName,
			"content":       p.Text,
		}
		for k, v := range p.Metadata {
			payload[k] = v
		}
		qdrantPoints[i] = &qdrant.PointStruct{
			Id:      qdrant.NewID(chunkIDToUUID(p.ChunkID)),
			Vectors: qdrant.NewVectors(p.Vector...),
			Payload: qdrant.NewValueMap(payload),
		}
	}

	for i := 0; i < len(qdrantPoints); i += defaultUpsertBatch {
		end := i + defaultUpsertBatch
		if end > len(qdrantPoints) {
			end = len(qdrantPoints)
		}
		_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: s.collection,
			Points:         qdrantPoints[i:end],
		})
		if err != nil {
			return fmt.Errorf("failed to upsert batch %d-%d: %w", i, end, err)
		}
	}

	s.logger.Debug().
		Int("count", len(points)).
		Dur("duration", time.Since(start)).
		Msg("upserted chunks")
	return nil
}

// DeleteByDocument removes all chunks of a document.
func (s *QdrantStore) DeleteByDocument(ctx context.Context, documentID string) error {
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.collection,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Filter{
				Filter: &qdrant.Filter{
					Must: []*qdrant.Condition{
						qdrant.NewMatch("document_id", documentID),
					},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to delete document chunks: %w", err)
	}
	return nil
}

// Search performs a similarity search and maps hits to sources.
func (s *QdrantStore) Search(ctx context.Context, vector []float32, topK int) ([]query.Source, error) {
	if err := s.EnsureCollection(ctx); err != nil {
		return nil, err
	}
	if topK <= 0 {
		topK = 10
	}

	hits, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          qdrant.PtrOf(uint64(topK)),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}

	sources := make([]query.Source, 0, len(hits))
	for _, point := range hits {
		src := query.Source{
			ChunkID:  point.Id.GetUuid(),
			Score:    float64(point.Score),
			Metadata: map[string]string{},
		}
		if payload := point.Payload; payload != nil {
			if v, ok := payload["chunk_id"]; ok && v.GetStringValue() != "" {
				src.ChunkID = v.GetStringValue()
			}
			if v, ok := payload["document_id"]; ok {
				src.DocumentID = v.GetStringValue()
			}
			if v, ok := payload["document_name"]; ok {
				src.DocumentName = v.GetStringValue()
			}
			if v, ok := payload["content"]; ok {
				src.Text = v.GetStringValue()
			}
			for k, v := range payload {
				switch k {
				case "chunk_id", "document_id", "document_name", "content":
					continue
				default:
					src.Metadata[k] = v.GetStringValue()
				}
			}
		}
		sources = append(sources, src)
	}
	return sources, nil
}

// CountChunks returns the number of indexed points.
func (s *QdrantStore) CountChunks(ctx context.Context) (int, error) {
	info, err := s.client.GetCollectionInfo(ctx, s.collection)
	if err != nil {
		return 0, fmt.Errorf("failed to get collection info: %w", err)
	}
	if info.PointsCount == nil {
		return 0, nil
	}
	return int(*info.PointsCount), nil
}

// HealthCheck verifies the vector store is reachable.
func (s *QdrantStore) HealthCheck(ctx context.Context) error {
	if _, err := s.client.ListCollections(ctx); err != nil {
		return fmt.Errorf("vector store health check failed: %w", err)
	}
	return nil
}

// Close closes the client connection.
func (s *QdrantStore) Close() error {
	return s.client.Close()
}
