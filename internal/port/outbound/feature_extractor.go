package outbound

import "context"

// FeatureExtractor turns image bytes into fixed-length feature vectors.
// Implementations are shared by every worker and must be safe for concurrent use.
type FeatureExtractor interface {
	// ExtractOne returns the feature vector of one image.
	ExtractOne(ctx context.Context, image []byte) ([]float64, error)

	// ExtractBatch returns one vector per input, in input order. A nil entry
	// marks an input that could not be processed; an error fails the whole batch.
	ExtractBatch(ctx context.Context, images [][]byte) ([][]float64, error)

	// Dimension is the length of every vector produced.
	Dimension() int

	// ModelVersion labels stored vectors with the model that produced them.
	ModelVersion() string
}
