package analysis

import (
	"errors"
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/floats"
)

// analysisWindow caps how many samples feed the FFT. Longer samples are
// summarized by their head, which is where one-shots carry their character.
const analysisWindow = 16384

// bandCount is the number of spectral energy bands in the feature tail.
const bandCount = 16

const epsilon = 1e-10

// FeatureExtractor computes the FeatVersion-1 feature layout: RMS, peak,
// zero-crossing rate, crest factor, four spectral statistics, and sixteen
// band energy fractions.
type FeatureExtractor struct{}

// NewFeatureExtractor returns a stateless extractor.
func NewFeatureExtractor() *FeatureExtractor {
	return &FeatureExtractor{}
}

// Extract computes the feature vector for decoded audio.
func (e *FeatureExtractor) Extract(audio *DecodedAudio) ([]float32, error) {
	if audio == nil || len(audio.Samples) == 0 {
		return nil, errors.New("extract features: empty audio")
	}

	n := len(audio.Samples)
	x := make([]float64, n)
	for i, v := range audio.Samples {
		x[i] = float64(v)
	}

	features := make([]float64, 0, FeatureDim)

	rms := floats.Norm(x, 2) / math.Sqrt(float64(n))
	peak := 0.0
	for _, v := range x {
		if a := math.Abs(v); a > peak {
			peak = a
		}
	}
	crossings := 0
	for i := 1; i < n; i++ {
		if (x[i-1] >= 0) != (x[i] >= 0) {
			crossings++
		}
	}
	zcr := float64(crossings) / float64(n)
	crest := peak / (rms + epsilon)

	features = append(features, rms, peak, zcr, crest)

	window := x
	if len(window) > analysisWindow {
		window = window[:analysisWindow]
	}
	power := powerSpectrum(window)
	features = append(features, spectralStats(power)...)
	features = append(features, bandEnergies(power)...)

	out := make([]float32, FeatureDim)
	for i, v := range features {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			v = 0
		}
		out[i] = float32(v)
	}
	return out, nil
}

func powerSpectrum(x []float64) []float64 {
	fft := fourier.NewFFT(len(x))
	coeffs := fft.Coefficients(nil, x)
	power := make([]float64, len(coeffs))
	for i, c := range coeffs {
		m := cmplx.Abs(c)
		power[i] = m * m
	}
	return power
}

// spectralStats returns centroid, spread, 85% rolloff, and flatness, with
// frequency axes normalized to Nyquist so the values are rate-independent.
func spectralStats(power []float64) []float64 {
	total := floats.Sum(power)
	if total <= epsilon {
		return []float64{0, 0, 0, 0}
	}
	nyquist := float64(len(power) - 1)

	var centroid float64
	for k, p := range power {
		centroid += (float64(k) / nyquist) * p
	}
	centroid /= total

	var spread float64
	for k, p := range power {
		d := float64(k)/nyquist - centroid
		spread += d * d * p
	}
	spread = math.Sqrt(spread / total)

	rolloff := 1.0
	cumulative := 0.0
	threshold := 0.85 * total
	for k, p := range power {
		cumulative += p
		if cumulative >= threshold {
			rolloff = float64(k) / nyquist
			break
		}
	}

	var logSum float64
	for _, p := range power {
		logSum += math.Log(p + epsilon)
	}
	geoMean := math.Exp(logSum / float64(len(power)))
	flatness := geoMean / (total/float64(len(power)) + epsilon)

	return []float64{centroid, spread, rolloff, flatness}
}

// bandEnergies splits the spectrum into bandCount equal bands and returns
// each band's share of total energy.
func bandEnergies(power []float64) []float64 {
	out := make([]float64, bandCount)
	total := floats.Sum(power)
	if total <= epsilon {
		return out
	}
	bandWidth := float64(len(power)) / float64(bandCount)
	for k, p := range power {
		band := int(float64(k) / bandWidth)
		if band >= bandCount {
			band = bandCount - 1
		}
		out[band] += p
	}
	for i := range out {
		out[i] /= total
	}
	return out
}
