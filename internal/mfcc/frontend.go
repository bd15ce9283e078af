// Package mfcc implements the rolling MFCC feature frontend: Hann-windowed
// FFT -> mel filterbank -> log -> DCT, producing a 49x40 feature matrix
// consumed by the wake-word detector. All large tables (Hann window, mel
// filterbank, DCT matrix) are precomputed once at construction, following
// the teacher's precompute-once-then-reuse idiom for model tensors; the
// hot per-hop path is pure arithmetic over preallocated buffers.
package mfcc

import (
	"math"

	"github.com/wakenode/micnode/internal/domain"
)

// Frontend turns a PCM stream into a rolling FeatureWindow.
type Frontend struct {
	hann     []float32
	filters  [][]float32
	dct      [][]float32
	fft      *fftPlan

	sampleBuf []int16 // samples accumulated toward the next hop
	fftRe     []float32
	fftIm     []float32
	power     []float32

	window domain.FeatureWindow
	filled int // number of valid columns (for the first 49 hops after reset)
}

// New creates a Frontend with the fixed pipeline parameters from tables.go.
func New() *Frontend {
	f := &Frontend{
		hann:    hannWindow(WindowSize),
		filters: melFilterbank(MelBins, fftSize, SampleRate, melLowHz, melHighHz),
		dct:     dctMatrix(NumCoeffs, MelBins),
		fft:     newFFTPlan(fftSize),

		sampleBuf: make([]int16, 0, WindowSize*2),
		fftRe:     make([]float32, fftSize),
		fftIm:     make([]float32, fftSize),
		power:     make([]float32, fftSize/2+1),
	}
	return f
}

// ProcessSamples accumulates pcm and advances the internal buffer,
// producing zero or more new feature columns. Returns true once a new
// full 49x40 window is available (i.e. after the first 49 hops, true on
// every hop thereafter).
func (f *Frontend) ProcessSamples(pcm []int16) bool {
	f.sampleBuf = append(f.sampleBuf, pcm...)

	produced := false
	for len(f.sampleBuf) >= WindowSize {
		col := f.computeColumn(f.sampleBuf[:WindowSize])
		f.pushColumn(col)
		produced = true
		if f.filled < NumFrames {
			f.filled++
		}

		// Compact: slide by hop, discard consumed lead-in samples.
		n := copy(f.sampleBuf, f.sampleBuf[HopSize:])
		f.sampleBuf = f.sampleBuf[:n]
	}

	return produced && f.filled >= NumFrames
}

// computeColumn runs Hann -> FFT -> power -> mel -> log -> DCT on one
// WindowSize-sample analysis window, returning a NumCoeffs-length column.
func (f *Frontend) computeColumn(samples []int16) []float32 {
	for i := 0; i < fftSize; i++ {
		if i < len(samples) {
			f.fftRe[i] = (float32(samples[i]) / 32768.0) * f.hann[i]
		} else {
			f.fftRe[i] = 0
		}
		f.fftIm[i] = 0
	}

	f.fft.transform(f.fftRe, f.fftIm)

	for k := 0; k < len(f.power); k++ {
		re, im := f.fftRe[k], f.fftIm[k]
		f.power[k] = (re*re + im*im) / float32(WindowSize)
	}

	melEnergies := make([]float32, MelBins)
	for m, row := range f.filters {
		var sum float32
		for k, w := range row {
			if w != 0 {
				sum += w * f.power[k]
			}
		}
		melEnergies[m] = float32(math.Log(float64(sum) + logEpsilon))
	}

	col := make([]float32, NumCoeffs)
	for c, row := range f.dct {
		var sum float32
		for m, w := range row {
			sum += w * melEnergies[m]
		}
		col[c] = sum
	}
	return col
}

// pushColumn rolls the oldest column off and appends col as the newest
// (column 48).
func (f *Frontend) pushColumn(col []float32) {
	copy(f.window.Data[:], f.window.Data[NumCoeffs:])
	copy(f.window.Data[(NumFrames-1)*NumCoeffs:], col)
}

// GetFeatures returns a copy of the current 49x40 window, row-major
// [frame][coeff].
func (f *Frontend) GetFeatures() domain.FeatureWindow {
	return f.window
}

// Reset clears all internal state (sample buffer, feature window, fill
// counter) without reallocating the precomputed tables.
func (f *Frontend) Reset() {
	f.sampleBuf = f.sampleBuf[:0]
	f.window = domain.FeatureWindow{}
	f.filled = 0
}

var _ domain.Frontend = (*Frontend)(nil)
