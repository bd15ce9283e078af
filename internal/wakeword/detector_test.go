package wakeword

import (
	"testing"
	"time"

	"github.com/wakenode/micnode/internal/logger"
)

// newForTest builds a bare Detector exercising only the commit policy
// (evaluateScore), without touching ONNX Runtime or a model file.
func newForTest(cfg Config) *Detector {
	cfg.defaults()
	return &Detector{
		cfg:       cfg,
		log:       logger.New(logger.LevelOff, nil),
		enabled:   true,
		threshold: cfg.Threshold,
	}
}

func TestCommitAtExactTriggerDuration(t *testing.T) {
	// HopMs=10, TriggerDurationMs=450 -> stepsRequired=45.
	d := newForTest(Config{Threshold: 0.9, TriggerDurationMs: 450, HopMs: 10, Cooldown: 0})

	base := time.Now()
	for i := 0; i < 44; i++ {
		if _, committed := d.evaluateScore(0.95, base.Add(time.Duration(i)*10*time.Millisecond)); committed {
			t.Fatalf("committed early at step %d, want commit only at step 45", i)
		}
	}
	_, committed := d.evaluateScore(0.95, base.Add(44*10*time.Millisecond))
	if !committed {
		t.Fatal("expected commit at the 45th consecutive above-threshold step")
	}
}

func TestNoCommitBelowThreshold(t *testing.T) {
	d := newForTest(Config{Threshold: 0.9, TriggerDurationMs: 100, HopMs: 10, Cooldown: 0})
	now := time.Now()
	for i := 0; i < 20; i++ {
		if _, committed := d.evaluateScore(0.5, now.Add(time.Duration(i)*10*time.Millisecond)); committed {
			t.Fatal("committed despite score staying below threshold")
		}
	}
}

func TestCooldownSuppressesImmediateRetrigger(t *testing.T) {
	d := newForTest(Config{Threshold: 0.9, TriggerDurationMs: 20, HopMs: 10, Cooldown: 400 * time.Millisecond})
	base := time.Now()

	_, c1 := d.evaluateScore(0.95, base)
	_, c2 := d.evaluateScore(0.95, base.Add(10*time.Millisecond))
	if c1 || !c2 {
		t.Fatalf("expected commit exactly at step 2, got c1=%v c2=%v", c1, c2)
	}

	// Immediately after commit, a fresh above-threshold run within the
	// cooldown window must not commit again.
	_, c3 := d.evaluateScore(0.95, base.Add(20*time.Millisecond))
	_, c4 := d.evaluateScore(0.95, base.Add(30*time.Millisecond))
	if c3 || c4 {
		t.Fatal("re-triggered within the cooldown window")
	}

	// After the cooldown elapses, a fresh sustained run commits again.
	after := base.Add(500 * time.Millisecond)
	d.evaluateScore(0.95, after)
	_, c5 := d.evaluateScore(0.95, after.Add(10*time.Millisecond))
	if !c5 {
		t.Fatal("expected commit once cooldown elapsed and the run sustained again")
	}
}

func TestScoreDropResetsRun(t *testing.T) {
	d := newForTest(Config{Threshold: 0.9, TriggerDurationMs: 100, HopMs: 10, Cooldown: 0})
	now := time.Now()
	for i := 0; i < 5; i++ {
		d.evaluateScore(0.95, now.Add(time.Duration(i)*10*time.Millisecond))
	}
	// A single below-threshold step must reset the run counter.
	d.evaluateScore(0.1, now.Add(5*10*time.Millisecond))
	for i := 6; i < 6+9; i++ {
		if _, committed := d.evaluateScore(0.95, now.Add(time.Duration(i)*10*time.Millisecond)); committed {
			t.Fatalf("committed at step %d after a reset, want commit only after a fresh 10-step run", i)
		}
	}
}
