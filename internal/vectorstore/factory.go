package vectorstore

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recall/internal/config"
)

// NewStore creates the Store selected by cfg.VectorStore.Provider:
//   - "chromem" (default): embedded, persisted under <storage.path>/index
//   - "qdrant": remote Qdrant server over gRPC
//
// dimension is the embedder's output dimension and is enforced on every
// write and query.
func NewStore(ctx context.Context, cfg *config.Config, dimension int, logger *zap.Logger) (Store, error) {
	switch cfg.VectorStore.Provider {
	case "chromem", "":
		return NewChromemStore(ChromemConfig{
			Path:       cfg.IndexPath(),
			Compress:   cfg.VectorStore.Chromem.Compress,
			Collection: CollectionName(cfg.VectorStore.Chromem.Collection),
			VectorSize: dimension,
		}, logger)

	case "qdrant":
		q := cfg.VectorStore.Qdrant
		return NewQdrantStore(ctx, QdrantConfig{
			Host:           q.Host,
			Port:           q.Port,
			CollectionName: CollectionName(q.CollectionName),
			UseTLS:         q.UseTLS,
			APIKey:         q.APIKey.Value(),
			VectorSize:     uint64(dimension),
		}, logger)

	default:
		return nil, fmt.Errorf("unsupported vectorstore provider: %s (supported: chromem, qdrant)", cfg.VectorStore.Provider)
	}
}
