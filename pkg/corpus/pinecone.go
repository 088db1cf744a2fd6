package corpus

import (
	"context"
	"fmt"
	"strconv"

	"github.com/pinecone-io/go-pinecone/v3/pinecone"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/quarrylabs/quarry/pkg/config"
	"github.com/quarrylabs/quarry/pkg/types"
)

// PineconeSearcher runs vector search against a Pinecone index.
// Vectors carry the chunk id as their vector id and url/content in
// metadata.
type PineconeSearcher struct {
	cfg     config.PineconeConfig
	pc      *pinecone.Client
	idxConn *pinecone.IndexConnection
	filter  *structpb.Struct
}

// NewPineconeSearcher connects to a Pinecone index.
func NewPineconeSearcher(ctx context.Context, cfg config.PineconeConfig) (*PineconeSearcher, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required")
	}
	if cfg.Index == "" {
		return nil, fmt.Errorf("index is required")
	}

	pc, err := pinecone.NewClient(pinecone.NewClientParams{
		ApiKey: cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create pinecone client: %w", err)
	}

	idx, err := pc.DescribeIndex(ctx, cfg.Index)
	if err != nil {
		return nil, fmt.Errorf("failed to describe index %q: %w", cfg.Index, err)
	}

	idxConn, err := pc.Index(pinecone.NewIndexConnParams{
		Host:      idx.Host,
		Namespace: cfg.Namespace,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to index: %w", err)
	}

	filter, err := metadataFilter(cfg.Filter)
	if err != nil {
		return nil, fmt.Errorf("invalid metadata filter: %w", err)
	}

	return &PineconeSearcher{
		cfg:     cfg,
		pc:      pc,
		idxConn: idxConn,
		filter:  filter,
	}, nil
}

// metadataFilter builds a Pinecone equality filter from config.
func metadataFilter(m map[string]string) (*structpb.Struct, error) {
	if len(m) == 0 {
		return nil, nil
	}
	fields := make(map[string]interface{}, len(m))
	for k, v := range m {
		fields[k] = v
	}
	return structpb.NewStruct(fields)
}

// VectorSearch returns the k nearest chunks in the index.
func (p *PineconeSearcher) VectorSearch(ctx context.Context, vec []float32, k int) ([]types.Chunk, error) {
	if len(vec) == 0 {
		return nil, fmt.Errorf("%w: empty query vector", ErrFatal)
	}
	if k <= 0 {
		return nil, nil
	}

	resp, err := p.idxConn.QueryByVectorValues(ctx, &pinecone.QueryByVectorValuesRequest{
		Vector:          vec,
		TopK:            uint32(k),
		MetadataFilter:  p.filter,
		IncludeMetadata: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: pinecone query: %v", ErrTransient, err)
	}

	chunks := make([]types.Chunk, 0, len(resp.Matches))
	for _, match := range resp.Matches {
		c := types.Chunk{Similarity: clampSimilarity(float64(match.Score))}

		if id, err := strconv.ParseInt(match.Vector.Id, 10, 64); err == nil {
			c.ID = id
		}

		if md := match.Vector.Metadata; md != nil {
			m := md.AsMap()
			if url, ok := m["url"].(string); ok {
				c.URL = url
			}
			if content, ok := m["content"].(string); ok {
				c.Content = content
			}
		}

		chunks = append(chunks, c)
	}

	return chunks, nil
}

// Close releases the index connection.
func (p *PineconeSearcher) Close() error {
	if p.idxConn != nil {
		return p.idxConn.Close()
	}
	return nil
}
