package mfcc

import (
	"math"
	"testing"
)

func sineSamples(n int, freq, sampleRate float64) []int16 {
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		v := math.Sin(2 * math.Pi * freq * float64(i) / sampleRate)
		out[i] = int16(v * 16000)
	}
	return out
}

func TestProcessSamplesBecomesReadyAfterFullContext(t *testing.T) {
	f := New()
	samples := sineSamples(HopSize*60, 440, SampleRate)

	ready := false
	for len(samples) >= HopSize {
		chunk := samples[:HopSize]
		samples = samples[HopSize:]
		if f.ProcessSamples(chunk) {
			ready = true
			break
		}
	}
	if !ready {
		t.Fatal("frontend never reported a full feature window ready")
	}
}

// TestDeterministicAcrossRuns is the bit-exact determinism property named
// in spec.md §8: identical PCM input must produce identical FeatureWindows.
func TestDeterministicAcrossRuns(t *testing.T) {
	samples := sineSamples(HopSize*60, 660, SampleRate)

	run := func() [49 * 40]float32 {
		f := New()
		chunks := samples
		for len(chunks) >= HopSize {
			f.ProcessSamples(chunks[:HopSize])
			chunks = chunks[HopSize:]
		}
		return f.GetFeatures().Data
	}

	a := run()
	b := run()
	if a != b {
		t.Fatal("identical PCM produced different feature windows across runs")
	}
}

func TestResetClearsState(t *testing.T) {
	f := New()
	samples := sineSamples(HopSize*60, 440, SampleRate)
	for len(samples) >= HopSize {
		f.ProcessSamples(samples[:HopSize])
		samples = samples[HopSize:]
	}
	f.Reset()
	empty := f.GetFeatures()
	for _, v := range empty.Data {
		if v != 0 {
			t.Fatal("Reset did not clear the feature window")
		}
	}
}

func TestColumnsAgeLeftToRight(t *testing.T) {
	f := New()
	// Feed silence, then one distinctive loud burst as the final hop.
	silence := make([]int16, HopSize)
	for i := 0; i < NumFrames+5; i++ {
		f.ProcessSamples(silence)
	}
	loud := sineSamples(HopSize, 1000, SampleRate)
	f.ProcessSamples(loud)

	win := f.GetFeatures()
	last := win.Column(NumFrames - 1)
	first := win.Column(0)

	var lastEnergy, firstEnergy float64
	for _, v := range last {
		lastEnergy += math.Abs(float64(v))
	}
	for _, v := range first {
		firstEnergy += math.Abs(float64(v))
	}
	if lastEnergy == firstEnergy {
		t.Fatal("expected the newest column to differ from the oldest after a distinctive burst")
	}
}
