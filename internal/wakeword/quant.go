package wakeword

import (
	"math"

	"github.com/wakenode/micnode/internal/domain"
)

// quantize converts a float32 feature to INT8 using the model's recorded
// scale/zero_point: q = round(f/scale) + zero_point, round-half-to-even,
// saturating clamp to [-128, 127].
func quantize(f, scale float32, zeroPoint int32) int8 {
	scaled := float64(f) / float64(scale)
	rounded := math.RoundToEven(scaled)
	q := int64(rounded) + int64(zeroPoint)
	if q < -128 {
		q = -128
	}
	if q > 127 {
		q = 127
	}
	return int8(q)
}

// dequantize converts an INT8 value back to float32 using the same
// scale/zero_point.
func dequantize(q int8, scale float32, zeroPoint int32) float32 {
	return float32(int32(q)-zeroPoint) * scale
}

// quantizeWindow quantizes an entire FeatureWindow into QuantizedFeatures.
func quantizeWindow(w domain.FeatureWindow, scale float32, zeroPoint int32) domain.QuantizedFeatures {
	var out domain.QuantizedFeatures
	out.Scale = scale
	out.ZeroPoint = zeroPoint
	for i, f := range w.Data {
		out.Data[i] = quantize(f, scale, zeroPoint)
	}
	return out
}
