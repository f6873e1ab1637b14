package analysis

import (
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// projectionSeed fixes the random projection so every build of ModelID
// produces identical embeddings for identical features.
const projectionSeed = 0x5ca1ab1e

// ProjectionEmbedder maps feature vectors to EmbeddingDim through a fixed
// Gaussian random projection followed by L2 normalization. Random
// projections approximately preserve relative distances, which is all the
// similarity index needs from a vector this small.
type ProjectionEmbedder struct {
	projection *mat.Dense
}

// NewProjectionEmbedder builds the ModelID embedder.
func NewProjectionEmbedder() *ProjectionEmbedder {
	rng := rand.New(rand.NewSource(projectionSeed))
	data := make([]float64, EmbeddingDim*FeatureDim)
	for i := range data {
		data[i] = rng.NormFloat64()
	}
	return &ProjectionEmbedder{
		projection: mat.NewDense(EmbeddingDim, FeatureDim, data),
	}
}

// Embed projects a feature vector and normalizes the result.
func (e *ProjectionEmbedder) Embed(features []float32) ([]float32, error) {
	if len(features) != FeatureDim {
		return nil, fmt.Errorf("embed: feature vector has %d values, want %d", len(features), FeatureDim)
	}

	in := mat.NewVecDense(FeatureDim, nil)
	for i, v := range features {
		in.SetVec(i, float64(v))
	}

	var projected mat.VecDense
	projected.MulVec(e.projection, in)

	raw := projected.RawVector().Data
	norm := floats.Norm(raw, 2)
	out := make([]float32, EmbeddingDim)
	if norm > 0 {
		for i, v := range raw {
			out[i] = float32(v / norm)
		}
	}
	return out, nil
}
