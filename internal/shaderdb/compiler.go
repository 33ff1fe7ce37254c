package shaderdb

import (
	"fmt"
	"sync"
)

// FileSystem is the IO collaborator the database reads shader sources and
// include files through (spec.md 4.7's "synchronously reads a file via the
// file system"). A real device wires this to os.ReadFile; tests wire it to
// an in-memory map.
type FileSystem interface {
	ReadFile(path string) ([]byte, error)
}

// FileWriter is an optional capability a FileSystem may additionally
// implement, used to dump compiler PDBs to disk.
type FileWriter interface {
	WriteFile(path string, data []byte) error
}

// ReflectionData is the subset of a compiler's reflection output the core
// cares about: the binding table needed to agree with descriptor-table
// layouts (internal/restable). Kept deliberately thin — the compiler's
// native reflection blob, if any, travels inside CompileResult untouched.
type ReflectionData struct {
	Bindings []ReflectionBinding
}

// ReflectionBinding names one resource binding a compiled shader declares.
type ReflectionBinding struct {
	Name          string
	RegisterClass byte // 'b', 't', 's' or 'u'
	RegisterIndex uint32
	Space         uint32
}

// CompileRequest is the shader-compile contract (spec.md 6): everything an
// external compiler needs to turn source bytes into a native blob.
type CompileRequest struct {
	Source               []byte
	EntryPoint           string
	ShaderModel          string
	Defines              []string
	IncludeCallback      func(path string) ([]byte, error)
	SPIRV                bool
	RegisterSpaceOffsets map[byte]uint32
}

// CompileResult is what a compiler hands back: the object blob, optional
// PDB, optional reflection data, and diagnostics. Success is explicit
// rather than inferred from Diagnostics being empty, since a compiler may
// emit warnings on a successful compile.
type CompileResult struct {
	Success     bool
	Blob        []byte
	PDBName     string
	PDBBlob     []byte
	Reflection  *ReflectionData
	Diagnostics string
}

// Compiler is the abstract external shader compiler the database invokes
// from its compile task. Concrete backends adapt a real compiler (DXC,
// naga, glslang) behind this seam; tests use a stub.
type Compiler interface {
	Compile(req CompileRequest) (CompileResult, error)
}

// registerClasses enumerates the HLSL register classes the SPIR-V register
// shift needs disjoint space for, in the fixed order the original's
// SpirvRegisterType enum iterates them.
var registerClasses = []byte{'b', 't', 's', 'u'}

// registerSpaceOffsetsOnce/registerSpaceOffsetsCache mirror the original's
// thread_local g_registerShiftCached/g_registerShiftArgs: the shift table
// only depends on the fixed set of register classes, so it is computed once
// and reused, rather than once per shader compile.
var (
	registerSpaceOffsetsOnce  sync.Once
	registerSpaceOffsetsCache map[byte]uint32
)

// registerSpaceOffsets returns the class -> offset map used to shift each
// HLSL register class into a disjoint range per space (spec.md 4.7:
// "offset = class_index * 32").
func registerSpaceOffsets() map[byte]uint32 {
	registerSpaceOffsetsOnce.Do(func() {
		registerSpaceOffsetsCache = make(map[byte]uint32, len(registerClasses))
		for i, class := range registerClasses {
			registerSpaceOffsetsCache[class] = uint32(i) * 32
		}
	})
	return registerSpaceOffsetsCache
}

// SpirvShiftFlags renders req.RegisterSpaceOffsets into the
// "-fvk-<class>-shift <offset> <space>" compiler flags DXC's SPIR-V
// backend expects, one triple per register class per space, for spaces
// 0..maxSpace inclusive. Grounded on DxcCompiler.cpp's addSpirvArguments.
func SpirvShiftFlags(offsets map[byte]uint32, maxSpace uint32) []string {
	names := map[byte]string{'b': "b", 't': "t", 's': "s", 'u': "u"}
	var flags []string
	for space := uint32(0); space <= maxSpace; space++ {
		for _, class := range registerClasses {
			name, ok := names[class]
			if !ok {
				continue
			}
			offset, ok := offsets[class]
			if !ok {
				continue
			}
			flags = append(flags, fmt.Sprintf("-fvk-%s-shift", name), fmt.Sprintf("%d", offset), fmt.Sprintf("%d", space))
		}
	}
	return flags
}

// depRecorder wraps a FileSystem so every include resolved through it is
// recorded into a set, feeding the database's reverse file->shaders map
// (spec.md 4.7: "each resolved include path is recorded in the shader's
// dependency set").
type depRecorder struct {
	roots   []string
	fs      FileSystem
	mu      sync.Mutex
	visited map[string]struct{}
}

func newDepRecorder(roots []string, fs FileSystem) *depRecorder {
	return &depRecorder{roots: roots, fs: fs, visited: make(map[string]struct{})}
}

func (d *depRecorder) resolve(path string) ([]byte, error) {
	data, err := d.fs.ReadFile(path)
	if err != nil {
		for _, root := range d.roots {
			if data2, err2 := d.fs.ReadFile(root + "/" + path); err2 == nil {
				d.mark(root + "/" + path)
				return data2, nil
			}
		}
		return nil, err
	}
	d.mark(path)
	return data, nil
}

func (d *depRecorder) mark(path string) {
	d.mu.Lock()
	d.visited[path] = struct{}{}
	d.mu.Unlock()
}
