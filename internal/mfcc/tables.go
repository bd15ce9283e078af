package mfcc

import "math"

// Fixed pipeline parameters (spec.md §4.4): 30 ms window (480 samples),
// 10 ms hop (160 samples), 40 mel filters, 40 DCT coefficients, 49-frame
// context.
const (
	SampleRate  = 16000
	WindowSize  = 480
	HopSize     = 160
	MelBins     = 40
	NumCoeffs   = 40
	NumFrames   = 49
	fftSize     = 512 // next power of two >= WindowSize
	melLowHz    = 0
	melHighHz   = 8000
	logEpsilon  = 1e-6
)

// hannWindow returns a precomputed Hann window of length n.
func hannWindow(n int) []float32 {
	w := make([]float32, n)
	for i := 0; i < n; i++ {
		w[i] = float32(0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(n-1)))
	}
	return w
}

// hzToMel / melToHz use the standard O'Shaughnessy mel scale.
func hzToMel(hz float64) float64 {
	return 2595 * math.Log10(1+hz/700)
}

func melToHz(mel float64) float64 {
	return 700 * (math.Pow(10, mel/2595) - 1)
}

// melFilterbank builds a [MelBins][fftSize/2+1] triangular filterbank
// spanning melLowHz..melHighHz, precomputed once at construction.
func melFilterbank(numFilters, fftLen, sampleRate int, lowHz, highHz float64) [][]float32 {
	nBins := fftLen/2 + 1
	lowMel := hzToMel(lowHz)
	highMel := hzToMel(highHz)

	points := make([]float64, numFilters+2)
	for i := range points {
		points[i] = lowMel + (highMel-lowMel)*float64(i)/float64(numFilters+1)
	}
	binFreqs := make([]int, numFilters+2)
	for i, mel := range points {
		hz := melToHz(mel)
		binFreqs[i] = int(math.Floor((float64(fftLen) + 1) * hz / float64(sampleRate)))
	}

	fb := make([][]float32, numFilters)
	for m := 0; m < numFilters; m++ {
		row := make([]float32, nBins)
		left, center, right := binFreqs[m], binFreqs[m+1], binFreqs[m+2]
		for k := left; k < center; k++ {
			if k >= 0 && k < nBins && center > left {
				row[k] = float32(k-left) / float32(center-left)
			}
		}
		for k := center; k < right; k++ {
			if k >= 0 && k < nBins && right > center {
				row[k] = float32(right-k) / float32(right-center)
			}
		}
		fb[m] = row
	}
	return fb
}

// dctMatrix builds an [numCoeffs][numFilters] DCT-II matrix (unscaled
// cosine basis; no orthonormal normalization factors are applied).
func dctMatrix(numCoeffs, numFilters int) [][]float32 {
	m := make([][]float32, numCoeffs)
	for k := 0; k < numCoeffs; k++ {
		row := make([]float32, numFilters)
		for n := 0; n < numFilters; n++ {
			row[n] = float32(math.Cos(math.Pi / float64(numFilters) * (float64(n) + 0.5) * float64(k)))
		}
		m[k] = row
	}
	return m
}
