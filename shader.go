package compute

import "github.com/gogpu/compute/internal/shaderdb"

// ShaderModule is a thin, object-oriented wrapper around a shader
// database handle: the same compile/resolve/release operations Device
// exposes directly, scoped to one shader and its owning Device.
type ShaderModule struct {
	handle   shaderdb.Handle
	device   *Device
	released bool
}

// CompileShader requests compilation of a file-backed shader and returns
// a handle to it. The returned module does not block; call Resolve (or
// IsValid after ResolveShader/ResolveAll) before using its payload.
func (d *Device) CompileShader(desc shaderdb.Desc) (*ShaderModule, error) {
	h, err := d.RequestCompileShader(desc)
	if err != nil {
		return nil, err
	}
	return &ShaderModule{handle: h, device: d}, nil
}

// CompileShaderInline requests compilation of an in-memory shader.
func (d *Device) CompileShaderInline(desc shaderdb.InlineDesc) (*ShaderModule, error) {
	h, err := d.RequestCompileShaderInline(desc)
	if err != nil {
		return nil, err
	}
	return &ShaderModule{handle: h, device: d}, nil
}

// Resolve blocks until the module finishes compiling.
func (m *ShaderModule) Resolve() error {
	return m.device.ResolveShader(m.handle)
}

// IsValid reports whether the module is ready and compiled successfully.
func (m *ShaderModule) IsValid() bool {
	return m.device.IsShaderValid(m.handle)
}

// Payload returns the backend-specific object the shader database's
// PayloadFactory built for this module, if one was configured.
func (m *ShaderModule) Payload() (any, bool) {
	return m.device.shaders.Payload(m.handle)
}

// Release frees the module's shader handle. Safe to call more than once.
func (m *ShaderModule) Release() {
	if m.released {
		return
	}
	m.released = true
	m.device.shaders.Release(m.handle)
}
