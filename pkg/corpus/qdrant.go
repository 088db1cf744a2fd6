package corpus

import (
	"context"
	"crypto/tls"
	"fmt"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"github.com/quarrylabs/quarry/pkg/config"
	"github.com/quarrylabs/quarry/pkg/types"
)

// QdrantSearcher runs vector search against a Qdrant collection.
// Points carry the chunk id as their numeric point id and url/content
// in the payload.
type QdrantSearcher struct {
	cfg    config.QdrantConfig
	conn   *grpc.ClientConn
	points pb.PointsClient
}

// NewQdrantSearcher connects to Qdrant over gRPC.
func NewQdrantSearcher(cfg config.QdrantConfig) (*QdrantSearcher, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("host is required")
	}
	if cfg.Collection == "" {
		return nil, fmt.Errorf("collection is required")
	}
	if cfg.GRPCPort <= 0 {
		cfg.GRPCPort = 6334
	}

	var opts []grpc.DialOption
	if cfg.UseTLS {
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{})))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.GRPCPort)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to qdrant at %s: %w", addr, err)
	}

	return &QdrantSearcher{
		cfg:    cfg,
		conn:   conn,
		points: pb.NewPointsClient(conn),
	}, nil
}

// VectorSearch returns the k nearest chunks in the collection.
func (q *QdrantSearcher) VectorSearch(ctx context.Context, vec []float32, k int) ([]types.Chunk, error) {
	if len(vec) == 0 {
		return nil, fmt.Errorf("%w: empty query vector", ErrFatal)
	}
	if k <= 0 {
		return nil, nil
	}

	if q.cfg.APIKey != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, "api-key", q.cfg.APIKey)
	}

	resp, err := q.points.Search(ctx, &pb.SearchPoints{
		CollectionName: q.cfg.Collection,
		Vector:         vec,
		Limit:          uint64(k),
		WithPayload: &pb.WithPayloadSelector{
			SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: qdrant search: %v", ErrTransient, err)
	}

	chunks := make([]types.Chunk, 0, len(resp.Result))
	for _, point := range resp.Result {
		c := types.Chunk{Similarity: clampSimilarity(float64(point.Score))}

		if point.Id != nil {
			if id, ok := point.Id.PointIdOptions.(*pb.PointId_Num); ok {
				c.ID = int64(id.Num)
			}
		}

		if point.Payload != nil {
			if v, ok := point.Payload["url"]; ok {
				c.URL = v.GetStringValue()
			}
			if v, ok := point.Payload["content"]; ok {
				c.Content = v.GetStringValue()
			}
		}

		chunks = append(chunks, c)
	}

	return chunks, nil
}

// Close releases the gRPC connection.
func (q *QdrantSearcher) Close() error {
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}

// clampSimilarity keeps scores inside [0, 1]; cosine similarity of
// normalized vectors can drift slightly below zero.
func clampSimilarity(s float64) float64 {
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}
