package vad

import "testing"

func silenceFrame() []int16 {
	return make([]int16, 320)
}

func voiceFrame() []int16 {
	s := make([]int16, 320)
	for i := range s {
		if i%2 == 0 {
			s[i] = 12000
		} else {
			s[i] = -12000
		}
	}
	return s
}

func TestHysteresisRequiresConsecutiveFrames(t *testing.T) {
	d := New(WithVoiceDuration(3), WithSilenceDuration(3))

	if d.Classify(voiceFrame()) {
		t.Fatal("flipped to voice on first above-threshold frame")
	}
	if d.Classify(voiceFrame()) {
		t.Fatal("flipped to voice on second above-threshold frame")
	}
	if !d.Classify(voiceFrame()) {
		t.Fatal("did not flip to voice on third consecutive above-threshold frame")
	}
}

func TestHysteresisReturnsToSilence(t *testing.T) {
	d := New(WithVoiceDuration(1), WithSilenceDuration(2))
	if !d.Classify(voiceFrame()) {
		t.Fatal("expected voice")
	}
	if !d.Classify(silenceFrame()) {
		t.Fatal("expected still voice (hysteresis not elapsed)")
	}
	if d.Classify(silenceFrame()) {
		t.Fatal("expected silence after silenceFramesRequired consecutive quiet frames")
	}
}

func TestResetClearsState(t *testing.T) {
	d := New(WithVoiceDuration(1), WithSilenceDuration(1))
	d.Classify(voiceFrame())
	if !d.IsVoice() {
		t.Fatal("expected voice before reset")
	}
	d.Reset()
	if d.IsVoice() {
		t.Fatal("expected silence after reset")
	}
}
