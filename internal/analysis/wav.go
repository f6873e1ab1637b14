package analysis

import (
	"errors"
	"fmt"
	"os"

	"github.com/go-audio/wav"
)

// ErrNotAudio marks files whose header does not parse as WAV.
var ErrNotAudio = errors.New("not a valid audio file")

// WAVDecoder decodes RIFF/WAV files through github.com/go-audio/wav.
type WAVDecoder struct{}

// NewWAVDecoder returns a stateless WAV decoder.
func NewWAVDecoder() *WAVDecoder {
	return &WAVDecoder{}
}

// Probe reads the header and duration without decoding sample data.
func (d *WAVDecoder) Probe(path string) (Probe, error) {
	file, err := os.Open(path)
	if err != nil {
		return Probe{}, fmt.Errorf("open audio file: %w", err)
	}
	defer file.Close()

	decoder := wav.NewDecoder(file)
	decoder.ReadInfo()
	if !decoder.IsValidFile() {
		return Probe{}, fmt.Errorf("%w: %s", ErrNotAudio, path)
	}

	duration, err := decoder.Duration()
	if err != nil {
		return Probe{}, fmt.Errorf("read duration: %w", err)
	}

	return Probe{
		DurationSeconds: duration.Seconds(),
		SampleRate:      int(decoder.SampleRate),
		Channels:        int(decoder.NumChans),
	}, nil
}

// Decode reads the whole file, downmixes to mono, and resamples to
// targetRate.
func (d *WAVDecoder) Decode(path string, targetRate int) (*DecodedAudio, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open audio file: %w", err)
	}
	defer file.Close()

	decoder := wav.NewDecoder(file)
	decoder.ReadInfo()
	if !decoder.IsValidFile() {
		return nil, fmt.Errorf("%w: %s", ErrNotAudio, path)
	}

	buf, err := decoder.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("decode pcm: %w", err)
	}
	if buf == nil || buf.Format == nil || len(buf.Data) == 0 {
		return nil, fmt.Errorf("%w: empty pcm payload in %s", ErrNotAudio, path)
	}

	channels := buf.Format.NumChannels
	if channels < 1 {
		channels = 1
	}
	sourceRate := buf.Format.SampleRate
	if sourceRate <= 0 {
		return nil, fmt.Errorf("%w: sample rate %d in %s", ErrNotAudio, sourceRate, path)
	}

	bitDepth := int(decoder.BitDepth)
	if bitDepth <= 0 {
		bitDepth = 16
	}
	scale := float64(int64(1) << (bitDepth - 1))

	frames := len(buf.Data) / channels
	mono := make([]float32, frames)
	for frame := 0; frame < frames; frame++ {
		var sum float64
		for ch := 0; ch < channels; ch++ {
			sum += float64(buf.Data[frame*channels+ch]) / scale
		}
		mono[frame] = float32(sum / float64(channels))
	}

	resampled := resampleLinear(mono, sourceRate, targetRate)
	return &DecodedAudio{
		Samples:         resampled,
		SampleRate:      targetRate,
		DurationSeconds: float64(frames) / float64(sourceRate),
	}, nil
}

// resampleLinear converts between sample rates with linear interpolation.
// Sample playback does not need band-limited quality here; the features
// downstream are coarse statistics.
func resampleLinear(in []float32, fromRate, toRate int) []float32 {
	if fromRate == toRate || len(in) == 0 {
		out := make([]float32, len(in))
		copy(out, in)
		return out
	}

	ratio := float64(fromRate) / float64(toRate)
	outLen := int(float64(len(in)) / ratio)
	if outLen < 1 {
		outLen = 1
	}
	out := make([]float32, outLen)
	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx >= len(in)-1 {
			out[i] = in[len(in)-1]
			continue
		}
		frac := float32(pos - float64(idx))
		out[i] = in[idx]*(1-frac) + in[idx+1]*frac
	}
	return out
}
