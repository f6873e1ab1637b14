package analysis

const (
	// Version tags every artifact produced by this decode/resample chain.
	Version = "v1"
	// FeatVersion identifies the feature vector layout.
	FeatVersion = 1
	// FeatureDim is the length of a FeatVersion-1 feature vector.
	FeatureDim = 24
	// ModelID identifies the embedding projection.
	ModelID = "proj16-v1"
	// EmbeddingDim is the length of a ModelID embedding.
	EmbeddingDim = 16
	// DtypeF32 is the storage dtype for every vector this package emits.
	DtypeF32 = "f32"
)

// DecodedAudio is mono audio resampled to the analysis rate.
type DecodedAudio struct {
	Samples         []float32
	SampleRate      int
	DurationSeconds float64
}

// Probe describes an audio file header without decoding its payload.
type Probe struct {
	DurationSeconds float64
	SampleRate      int
	Channels        int
}

// Decoder reads audio files from disk.
type Decoder interface {
	// Probe returns header facts cheaply, without reading sample data.
	Probe(path string) (Probe, error)
	// Decode reads the whole file as mono audio at targetRate.
	Decode(path string, targetRate int) (*DecodedAudio, error)
}

// Extractor computes a FeatureDim-length feature vector from decoded audio.
type Extractor interface {
	Extract(audio *DecodedAudio) ([]float32, error)
}

// Embedder projects a feature vector to an EmbeddingDim-length,
// L2-normalized embedding.
type Embedder interface {
	Embed(features []float32) ([]float32, error)
}
