package compute

import (
	"encoding/json"

	"github.com/gogpu/compute/backend"
)

// BackendHandle is the opened backend an Enumerator hands back for a
// chosen adapter index.
type BackendHandle = backend.Backend

// AdapterInfo describes one physical adapter an Enumerator can open,
// ported from the teacher's own AdapterInfo/Adapter.Info() shape
// (adapter.go) but trimmed to what the compute facade exposes: a name, the
// index passed back into Enumerator.Open, the highest shader model the
// adapter supports (which the shader database clamps its requests to, per
// spec.md 4.10), and the device limits the resource registry clamps
// texture dimensions to at creation (spec.md 3 invariant c).
type AdapterInfo struct {
	Name               string
	Index              int
	HighestShaderModel string
	Limits             backend.Limits
}

// Enumerator is the adapter-enumeration collaborator named in spec.md
// 4.10. A concrete backend package implements it (e.g. backend/noop's
// Enumerator, which reports a single software adapter); Open constructs
// the backend.Backend used for every call the Device forwards. settings
// is passed through unchanged from Open so a real implementation
// can act on EnableDebugDevice and GraphicsAPI when creating its device
// and queue.
type Enumerator interface {
	EnumerateAdapters() ([]AdapterInfo, error)
	Open(index int, settings Settings) (BackendHandle, error)
}

// Settings is the JSON settings document named in spec.md 6: loaded with
// encoding/json, no other config format is introduced because the spec
// names this one explicitly.
type Settings struct {
	EnableDebugDevice bool   `json:"enable_debug_device"`
	DumpShaderPDBs    bool   `json:"dump_shader_pdbs"`
	AdapterIndex      int    `json:"adapter_index"`
	GraphicsAPI       string `json:"graphics_api"` // "dx12" | "vulkan" | "default"
	ShaderModel       string `json:"shader_model"` // "sm6_0".."sm6_5"
}

// ParseSettings decodes a Settings document from JSON bytes.
func ParseSettings(data []byte) (Settings, error) {
	var s Settings
	if err := json.Unmarshal(data, &s); err != nil {
		return Settings{}, err
	}
	return s, nil
}
