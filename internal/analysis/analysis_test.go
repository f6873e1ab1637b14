package analysis_test

import (
	"math"
	"path/filepath"
	"testing"

	"cratedig/internal/analysis"
	"cratedig/internal/testsupport"
)

func TestWAVDecoderProbeAndDecode(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tone.wav")
	testsupport.WriteWAV(t, path, 44100, 0.5, 440)

	decoder := analysis.NewWAVDecoder()

	probe, err := decoder.Probe(path)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if probe.SampleRate != 44100 || probe.Channels != 1 {
		t.Fatalf("probe = %+v", probe)
	}
	if math.Abs(probe.DurationSeconds-0.5) > 0.01 {
		t.Fatalf("probe duration = %f, want ~0.5", probe.DurationSeconds)
	}

	audio, err := decoder.Decode(path, 22050)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if audio.SampleRate != 22050 {
		t.Fatalf("decoded rate = %d, want 22050", audio.SampleRate)
	}
	wantFrames := int(0.5 * 22050)
	if got := len(audio.Samples); got < wantFrames-100 || got > wantFrames+100 {
		t.Fatalf("decoded %d frames, want ~%d", got, wantFrames)
	}
	if math.Abs(audio.DurationSeconds-0.5) > 0.01 {
		t.Fatalf("decoded duration = %f, want ~0.5", audio.DurationSeconds)
	}
}

func TestWAVDecoderRejectsGarbage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "garbage.wav")
	testsupport.WriteFileBytes(t, path, []byte("this is not a wav file at all"))

	decoder := analysis.NewWAVDecoder()
	if _, err := decoder.Probe(path); err == nil {
		t.Fatal("expected probe error for garbage file")
	}
}

func TestFeatureExtractorShapeAndDeterminism(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tone.wav")
	testsupport.WriteWAV(t, path, 22050, 0.25, 880)

	decoder := analysis.NewWAVDecoder()
	audio, err := decoder.Decode(path, 22050)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	extractor := analysis.NewFeatureExtractor()
	first, err := extractor.Extract(audio)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(first) != analysis.FeatureDim {
		t.Fatalf("feature dim = %d, want %d", len(first), analysis.FeatureDim)
	}

	second, err := extractor.Extract(audio)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("feature %d not deterministic: %f vs %f", i, first[i], second[i])
		}
	}

	// A sine has its energy concentrated: RMS positive, ZCR positive.
	if first[0] <= 0 {
		t.Fatalf("rms = %f, want > 0", first[0])
	}
	if first[2] <= 0 {
		t.Fatalf("zcr = %f, want > 0", first[2])
	}
}

func TestFeatureExtractorRejectsEmptyAudio(t *testing.T) {
	extractor := analysis.NewFeatureExtractor()
	if _, err := extractor.Extract(&analysis.DecodedAudio{}); err == nil {
		t.Fatal("expected error for empty audio")
	}
}

func TestProjectionEmbedder(t *testing.T) {
	embedder := analysis.NewProjectionEmbedder()

	features := make([]float32, analysis.FeatureDim)
	for i := range features {
		features[i] = float32(i) * 0.125
	}

	emb, err := embedder.Embed(features)
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(emb) != analysis.EmbeddingDim {
		t.Fatalf("embedding dim = %d, want %d", len(emb), analysis.EmbeddingDim)
	}

	var norm float64
	for _, v := range emb {
		norm += float64(v) * float64(v)
	}
	if math.Abs(math.Sqrt(norm)-1) > 1e-5 {
		t.Fatalf("embedding norm = %f, want 1", math.Sqrt(norm))
	}

	again, err := analysis.NewProjectionEmbedder().Embed(features)
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	for i := range emb {
		if emb[i] != again[i] {
			t.Fatalf("embedding %d differs across embedder instances", i)
		}
	}

	if _, err := embedder.Embed(features[:3]); err == nil {
		t.Fatal("expected dimension error for short feature vector")
	}
}

func TestVectorCodecRoundTrip(t *testing.T) {
	vec := []float32{0, 1, -1, 0.5, math.MaxFloat32}
	blob := analysis.EncodeF32(vec)
	if len(blob) != len(vec)*4 {
		t.Fatalf("blob length = %d, want %d", len(blob), len(vec)*4)
	}
	back, err := analysis.DecodeF32(blob)
	if err != nil {
		t.Fatalf("DecodeF32: %v", err)
	}
	for i := range vec {
		if vec[i] != back[i] {
			t.Fatalf("value %d: %f != %f", i, vec[i], back[i])
		}
	}

	if _, err := analysis.DecodeF32([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error for misaligned blob")
	}
}
