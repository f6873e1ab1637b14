// Package analysis turns audio files into feature vectors and embeddings.
//
// The pipeline is decode (WAV to mono float at a fixed analysis rate),
// extract (time-domain and spectral statistics), embed (deterministic
// projection to a small L2-normalized vector). Each step sits behind an
// interface so the scheduler and tests can substitute collaborators.
//
// Version constants pin artifact compatibility: bump Version when decode
// or resampling behavior changes, FeatVersion when the feature layout
// changes, and ModelID when the embedding projection changes.
package analysis
