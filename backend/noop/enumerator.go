package noop

import (
	"fmt"

	"github.com/gogpu/compute"
	"github.com/gogpu/compute/backend"
)

// Enumerator reports a single software adapter backed by this package's
// host-memory Backend. It exists so tests and examples can open a
// compute.Device without a real native driver, the same role
// github.com/gogpu/wgpu's hal/noop plays for its own Device.
type Enumerator struct{}

// EnumerateAdapters reports exactly one adapter, supporting the highest
// shader model the compute module names (spec.md 6) and generous texture
// dimension limits (this backend stores textures as plain host byte
// slices, so nothing beyond available memory actually constrains it; the
// reported limits are the high end of what a real device typically
// supports, matching the defaults in the teacher's own types.Limits).
func (Enumerator) EnumerateAdapters() ([]compute.AdapterInfo, error) {
	return []compute.AdapterInfo{
		{
			Name:               "noop software adapter",
			Index:              0,
			HighestShaderModel: "sm6_5",
			Limits: backend.Limits{
				MaxTextureDimension1D: 8192,
				MaxTextureDimension2D: 8192,
				MaxTextureDimension3D: 2048,
				MaxTextureArrayLayers: 256,
			},
		},
	}, nil
}

// Open ignores index beyond bounds-checking (there is only ever one
// adapter) and settings (the noop backend has no debug device or
// graphics-API distinction to honor) and returns a fresh Backend.
func (Enumerator) Open(index int, settings compute.Settings) (compute.BackendHandle, error) {
	if index != 0 {
		return nil, fmt.Errorf("noop: adapter index %d out of range", index)
	}
	return New(), nil
}
