package wakeword

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"

	"github.com/wakenode/micnode/internal/domain"
)

// modelTrailerMagic identifies the metadata trailer appended after the
// ONNX payload in the node's model asset format (spec.md §6.2): the ONNX
// graph itself, immediately followed by a small fixed-size trailer
// carrying the tensor shape and quantization parameters the graph's own
// metadata doesn't expose in a form onnxruntime_go surfaces directly.
const modelTrailerMagic = "MNWW"

// trailerSize: magic(4) + shape dims(3*4) + scale(4) + zeroPoint(4).
const trailerSize = 4 + 3*4 + 4 + 4

// ModelAsset is a loaded wake-word model: the path to the ONNX graph (as
// required by onnxruntime_go's file-based session API) plus its
// quantization parameters, read from the trailer and validated against
// the expected [1,49,40] input shape.
type ModelAsset struct {
	Path      string
	Scale     float32
	ZeroPoint int32
}

// LoadModel reads path, validates the trailer's magic and tensor shape,
// and returns the decoded ModelAsset. The ONNX bytes themselves are left
// on disk at path for onnxruntime_go to mmap/parse directly; only the
// trailer is read here.
func LoadModel(path string) (*ModelAsset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %q: %v", domain.ErrModelFailed, path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("%w: stat %q: %v", domain.ErrModelFailed, path, err)
	}
	if info.Size() < trailerSize {
		return nil, fmt.Errorf("%w: %q is smaller than the metadata trailer", domain.ErrModelFailed, path)
	}

	trailer := make([]byte, trailerSize)
	if _, err := f.ReadAt(trailer, info.Size()-trailerSize); err != nil {
		return nil, fmt.Errorf("%w: read trailer of %q: %v", domain.ErrModelFailed, path, err)
	}

	if string(trailer[0:4]) != modelTrailerMagic {
		return nil, fmt.Errorf("%w: %q missing model trailer magic", domain.ErrModelFailed, path)
	}

	dim0 := int32(binary.LittleEndian.Uint32(trailer[4:8]))
	dim1 := int32(binary.LittleEndian.Uint32(trailer[8:12]))
	dim2 := int32(binary.LittleEndian.Uint32(trailer[12:16]))
	if dim0 != 1 || int(dim1) != domain.FeatureFrames || int(dim2) != domain.FeatureCoeffs {
		return nil, fmt.Errorf("%w: %q has tensor shape [%d,%d,%d], want [1,%d,%d]",
			domain.ErrModelFailed, path, dim0, dim1, dim2, domain.FeatureFrames, domain.FeatureCoeffs)
	}

	scaleBits := binary.LittleEndian.Uint32(trailer[16:20])
	scale := math.Float32frombits(scaleBits)
	zeroPoint := int32(binary.LittleEndian.Uint32(trailer[20:24]))

	if scale <= 0 {
		return nil, fmt.Errorf("%w: %q has non-positive scale %v", domain.ErrModelFailed, path, scale)
	}

	return &ModelAsset{Path: path, Scale: scale, ZeroPoint: zeroPoint}, nil
}
