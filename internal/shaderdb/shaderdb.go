// Package shaderdb implements the Shader Database (C7): asynchronous shader
// compilation with a file-backed dependency graph for hot reload.
//
// Grounded on original_source/Source/modules/render/BaseShaderDb.h/.cpp:
// a HandleContainer of ShaderState behind a shared_mutex, a compile pipeline
// of IO task -> compile task -> finalize callback run on a task system, a
// reverse file->shaders dependency map guarded by its own mutex, and a
// live-edit file watcher the database registers itself against. The HOW is
// kept; the WHAT (DirectX/DXC specifics) is replaced by the abstract
// Compiler contract in compiler.go so the database compiles against any
// backend's shader compiler.
package shaderdb

import (
	"sync"
	"sync/atomic"

	"github.com/gogpu/compute/internal/errkind"
	"github.com/gogpu/compute/internal/gc"
	"github.com/gogpu/compute/internal/handle"
	"github.com/gogpu/compute/internal/logging"
	"github.com/gogpu/compute/internal/tasksys"
)

type shaderMarker struct{}

func (shaderMarker) marker() {}

// Handle identifies a shader recipe and its compiled state.
type Handle = handle.Handle[shaderMarker]

// ShaderType distinguishes the shading stages the recipe can target. The
// scheduler only ever dispatches Compute shaders (spec.md section 1's
// rasterization non-goal), but the recipe keeps the field so a recipe
// printed in diagnostics names its stage the way the original does.
type ShaderType int

const (
	Compute ShaderType = iota
)

func (t ShaderType) String() string {
	if t == Compute {
		return "compute"
	}
	return "unknown"
}

// Desc describes a file-backed compile request: the main source lives on
// disk at Path and is read through the database's FileSystem collaborator.
type Desc struct {
	Type         ShaderType
	Name         string
	MainFunction string
	Path         string
	Defines      []string
}

// InlineDesc describes a compile request whose source is already in memory.
type InlineDesc struct {
	Type         ShaderType
	Name         string
	MainFunction string
	Source       []byte
	Defines      []string
}

// ErrorCallback is invoked with (handle, name, message) when a compile
// fails (spec.md 7: "delivered via a registered error callback"). The
// shader remains ready && !success until a later recompile succeeds.
type ErrorCallback func(h Handle, name, message string)

// PayloadFactory turns a successful compile's blob and reflection data into
// a backend-owned GPU payload (e.g. a compute pipeline state object). It is
// the seam BaseShaderDb::onCreateComputePayload occupies in the original;
// the six-operation backend contract (backend.Backend) has no such call
// because payload creation is backend- and pipeline-shape-specific, so the
// device facade supplies this hook instead of the database calling into
// backend.Backend directly.
type PayloadFactory func(h Handle, blob []byte, reflection *ReflectionData) (any, error)

// Config wires a ShaderDatabase's collaborators.
type Config struct {
	FileSystem      FileSystem
	Compiler        Compiler
	Pool            *tasksys.Pool
	GC              *gc.Collector
	PayloadFactory  PayloadFactory
	OnError         ErrorCallback
	ShaderModel     string
	SPIRV           bool
	PDBDir          string
	DumpPDBs        bool
}

// recipe is the immutable description of how to reproduce a compile,
// reused verbatim by RequestRecompile (original: ShaderFileRecipe).
type recipe struct {
	desc       Desc
	inline     bool
	source     []byte // only set when inline
}

// compileState is the in-flight compile task chain for one shader. resolve
// waits on its future; a successful or failed completion clears it from the
// owning ShaderState under the write lock, matching the original's
// "CompileState* becomes null" signal.
type compileState struct {
	future *tasksys.Future
}

// state is the per-shader slot (original: ShaderState).
type state struct {
	ready     bool
	success   bool
	recipe    recipe
	debugName string

	blob       []byte
	pdbName    string
	pdbBlob    []byte
	reflection *ReflectionData

	compiling atomic.Bool
	compile   *compileState
	payload   any

	lastError string
}

// ShaderDatabase is the Shader Database (C7): compiles shaders asynchronously
// and keeps a reverse file-dependency map so a file-watcher callback can
// drive targeted recompiles.
type ShaderDatabase struct {
	cfg Config

	mu      sync.RWMutex
	shaders *handle.Container[*state, shaderMarker]

	depMu          sync.Mutex
	fileToShaders  map[string]map[Handle]struct{}
	shadersToFiles map[Handle]map[string]struct{}

	pathMu          sync.Mutex
	additionalPaths []string

	pdbMu         sync.Mutex
	pdbDirReady   bool
	preparePdbDir func(dir string) error
}

// New creates a ShaderDatabase. cfg.Pool must already be running; the
// database never starts or stops it.
func New(cfg Config) *ShaderDatabase {
	return &ShaderDatabase{
		cfg:            cfg,
		shaders:        handle.NewContainer[*state, shaderMarker](),
		fileToShaders:  make(map[string]map[Handle]struct{}),
		shadersToFiles: make(map[Handle]map[string]struct{}),
		preparePdbDir:  defaultPreparePdbDir,
	}
}

// AddPath appends an include-search root consulted by every subsequent
// compile request (original: BaseShaderDb::addPath / m_additionalPaths).
func (db *ShaderDatabase) AddPath(path string) {
	db.pathMu.Lock()
	db.additionalPaths = append(db.additionalPaths, path)
	db.pathMu.Unlock()
}

func (db *ShaderDatabase) includePaths() []string {
	db.pathMu.Lock()
	defer db.pathMu.Unlock()
	out := make([]string, len(db.additionalPaths))
	copy(out, db.additionalPaths)
	return out
}

// RequestCompile schedules compilation of a file-backed shader and returns
// its handle immediately; the compile runs on cfg.Pool.
func (db *ShaderDatabase) RequestCompile(desc Desc) (Handle, error) {
	if desc.Path == "" {
		return Handle{}, errkind.New(errkind.InvalidParameter, "shader %q: Path is required", desc.Name)
	}
	r := recipe{desc: desc}
	h := db.createState(r)
	db.startCompile(h, r)
	return h, nil
}

// RequestCompileInline schedules compilation of an in-memory shader.
func (db *ShaderDatabase) RequestCompileInline(desc InlineDesc) (Handle, error) {
	r := recipe{
		desc: Desc{
			Type:         desc.Type,
			Name:         desc.Name,
			MainFunction: desc.MainFunction,
			Defines:      desc.Defines,
		},
		inline: true,
		source: desc.Source,
	}
	h := db.createState(r)
	db.startCompile(h, r)
	return h, nil
}

func (db *ShaderDatabase) createState(r recipe) Handle {
	s := &state{recipe: r, debugName: r.desc.Name}
	s.compiling.Store(true)
	db.mu.Lock()
	h := db.shaders.Allocate(s)
	db.mu.Unlock()
	return h
}

// RequestRecompile re-runs compilation for h reusing its stored recipe
// (original: BaseShaderDb::requestRecompile).
func (db *ShaderDatabase) RequestRecompile(h Handle) error {
	db.mu.RLock()
	s, ok := db.shaders.Get(h)
	db.mu.RUnlock()
	if !ok {
		return errkind.New(errkind.InvalidHandle, "shader handle %v not found", h)
	}
	s.compiling.Store(true)
	db.startCompile(h, s.recipe)
	return nil
}

// startCompile builds the IO -> compile -> finalize task chain (spec.md
// 4.7's compile pipeline) and stores the chain's terminal future on the
// shader's compileState so Resolve can wait on it.
func (db *ShaderDatabase) startCompile(h Handle, r recipe) {
	io := db.cfg.Pool.Submit(func() (any, error) {
		if r.inline {
			return r.source, nil
		}
		src, err := db.cfg.FileSystem.ReadFile(r.desc.Path)
		if err != nil {
			// Passed on as a value so the finalize stage still runs and the
			// shader ends ready && !success instead of staying compiling.
			return errkind.New(errkind.ShaderIOError, "shader %q: read %s: %v", r.desc.Name, r.desc.Path, err), nil
		}
		return src, nil
	})

	compile := io.Then(db.cfg.Pool, func(v any) (any, error) {
		if ioErr, ok := v.(*errkind.Error); ok {
			return finalizeInput{compileErr: ioErr, deps: map[string]struct{}{r.desc.Path: {}}}, nil
		}
		src := v.([]byte)
		deps := newDepRecorder(db.includePaths(), db.cfg.FileSystem)
		if !r.inline {
			deps.mark(r.desc.Path)
		}
		result, err := db.cfg.Compiler.Compile(CompileRequest{
			Source:               src,
			EntryPoint:            r.desc.MainFunction,
			ShaderModel:           db.cfg.ShaderModel,
			Defines:               r.desc.Defines,
			IncludeCallback:       deps.resolve,
			SPIRV:                 db.cfg.SPIRV,
			RegisterSpaceOffsets:  registerSpaceOffsets(),
		})
		return finalizeInput{result: result, compileErr: err, deps: deps.visited}, nil
	})

	finalize := compile.Then(db.cfg.Pool, func(v any) (any, error) {
		in := v.(finalizeInput)
		db.finalize(h, r, in)
		return nil, nil
	})

	db.mu.Lock()
	if s, ok := db.shaders.Get(h); ok {
		s.compile = &compileState{future: finalize}
	}
	db.mu.Unlock()
}

type finalizeInput struct {
	result     CompileResult
	compileErr error
	deps       map[string]struct{}
}

// finalize installs the compile's result on the shader state, updates the
// dependency map and flips ready/compiling (spec.md 4.7 step 3).
func (db *ShaderDatabase) finalize(h Handle, r recipe, in finalizeInput) {
	db.mu.Lock()
	s, ok := db.shaders.Get(h)
	if !ok {
		db.mu.Unlock()
		return
	}

	if in.compileErr != nil || !in.result.Success {
		s.ready = true
		s.success = false
		s.lastError = in.result.Diagnostics
		if s.lastError == "" && in.compileErr != nil {
			s.lastError = in.compileErr.Error()
		}
		s.compiling.Store(false)
		s.compile = nil
		db.mu.Unlock()

		if db.cfg.OnError != nil {
			db.cfg.OnError(h, r.desc.Name, s.lastError)
		}
		logging.Logger().Warn("shaderdb: compile failed", "shader", r.desc.Name, "error", s.lastError)
		db.recordDependencies(h, in.deps)
		return
	}

	s.blob = in.result.Blob
	s.reflection = in.result.Reflection
	s.pdbName = in.result.PDBName
	s.pdbBlob = in.result.PDBBlob
	s.success = true
	s.ready = true
	s.lastError = ""

	var payload any
	var payloadErr error
	if db.cfg.PayloadFactory != nil {
		payload, payloadErr = db.cfg.PayloadFactory(h, s.blob, s.reflection)
	}
	oldPayload := s.payload
	if payloadErr == nil {
		s.payload = payload
	}
	s.compiling.Store(false)
	s.compile = nil
	db.mu.Unlock()

	if oldPayload != nil && db.cfg.GC != nil {
		db.cfg.GC.DeferRelease(oldPayload)
	}
	if payloadErr != nil {
		logging.Logger().Warn("shaderdb: payload creation failed", "shader", r.desc.Name, "error", payloadErr)
	}
	if db.cfg.DumpPDBs && s.pdbName != "" {
		db.dumpPDB(s.pdbName, s.pdbBlob)
	}
	db.recordDependencies(h, in.deps)
}

func (db *ShaderDatabase) dumpPDB(name string, blob []byte) {
	dir := db.cfg.PDBDir
	if dir == "" {
		dir = DefaultPDBDir
	}
	db.pdbMu.Lock()
	ready := db.pdbDirReady
	db.pdbMu.Unlock()
	if !ready {
		if err := db.preparePdbDir(dir); err != nil {
			logging.Logger().Warn("shaderdb: failed to create pdb directory", "dir", dir, "error", err)
			return
		}
		db.pdbMu.Lock()
		db.pdbDirReady = true
		db.pdbMu.Unlock()
	}
	if db.cfg.FileSystem == nil {
		return
	}
	if w, ok := db.cfg.FileSystem.(FileWriter); ok {
		if err := w.WriteFile(dir+"/"+name, blob); err != nil {
			logging.Logger().Warn("shaderdb: failed to write pdb", "name", name, "error", err)
		}
	}
}

// recordDependencies replaces h's entry in the reverse file->shaders map
// with the paths actually touched by its most recent compile (original:
// updates m_fileToShaders / m_shadersToFiles under m_dependencyMutex).
func (db *ShaderDatabase) recordDependencies(h Handle, deps map[string]struct{}) {
	db.depMu.Lock()
	defer db.depMu.Unlock()

	if old, ok := db.shadersToFiles[h]; ok {
		for path := range old {
			if set, ok := db.fileToShaders[path]; ok {
				delete(set, h)
				if len(set) == 0 {
					delete(db.fileToShaders, path)
				}
			}
		}
	}

	if len(deps) == 0 {
		delete(db.shadersToFiles, h)
		return
	}
	db.shadersToFiles[h] = deps
	for path := range deps {
		set, ok := db.fileToShaders[path]
		if !ok {
			set = make(map[Handle]struct{})
			db.fileToShaders[path] = set
		}
		set[h] = struct{}{}
	}
}

// OnFilesChanged is the file-watcher collaborator's callback (spec.md 4.7):
// for each path, look up the reverse dependency map and recompile every
// shader that read it.
func (db *ShaderDatabase) OnFilesChanged(paths map[string]struct{}) {
	seen := make(map[Handle]struct{})
	db.depMu.Lock()
	for path := range paths {
		for h := range db.fileToShaders[path] {
			seen[h] = struct{}{}
		}
	}
	db.depMu.Unlock()

	for h := range seen {
		_ = db.RequestRecompile(h)
	}
}

// Resolve blocks until h's compile task completes, installing the backend
// payload. It loops while the shader's compiling flag is set so a recompile
// racing a resolve is observed correctly (spec.md 4.7's state machine note).
func (db *ShaderDatabase) Resolve(h Handle) error {
	for {
		db.mu.RLock()
		s, ok := db.shaders.Get(h)
		db.mu.RUnlock()
		if !ok {
			return errkind.New(errkind.InvalidHandle, "shader handle %v not found", h)
		}
		if !s.compiling.Load() {
			if !s.success {
				return errkind.New(errkind.ShaderCompileError, "%s", s.lastError)
			}
			return nil
		}

		db.mu.RLock()
		cs := s.compile
		db.mu.RUnlock()
		if cs == nil {
			continue
		}
		cs.future.Wait()
	}
}

// IsValid reports whether h's most recent compile succeeded.
func (db *ShaderDatabase) IsValid(h Handle) bool {
	db.mu.RLock()
	defer db.mu.RUnlock()
	s, ok := db.shaders.Get(h)
	return ok && s.ready && s.success
}

// Contains reports whether h identifies a live shader slot.
func (db *ShaderDatabase) Contains(h Handle) bool {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.shaders.Contains(h)
}

// Payload returns the backend payload installed by the most recent
// successful compile, if any.
func (db *ShaderDatabase) Payload(h Handle) (any, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	s, ok := db.shaders.Get(h)
	if !ok || s.payload == nil {
		return nil, false
	}
	return s.payload, true
}

// Release frees h's slot, deferring destruction of its backend payload
// through the GC if one is configured.
func (db *ShaderDatabase) Release(h Handle) bool {
	db.mu.Lock()
	s, ok := db.shaders.Free(h)
	db.mu.Unlock()
	if !ok {
		return false
	}
	if s.payload != nil && db.cfg.GC != nil {
		db.cfg.GC.DeferRelease(s.payload)
	}
	db.depMu.Lock()
	if old, ok := db.shadersToFiles[h]; ok {
		for path := range old {
			if set, ok := db.fileToShaders[path]; ok {
				delete(set, h)
				if len(set) == 0 {
					delete(db.fileToShaders, path)
				}
			}
		}
		delete(db.shadersToFiles, h)
	}
	db.depMu.Unlock()
	return true
}

// PendingCount reports how many shaders currently have a compile in flight,
// grounded on BaseShaderDb::~BaseShaderDb's unresolvedShaders accounting.
func (db *ShaderDatabase) PendingCount() int {
	count := 0
	db.mu.RLock()
	db.shaders.ForEach(func(_ Handle, s *state) bool {
		if s.compiling.Load() {
			count++
		}
		return true
	})
	db.mu.RUnlock()
	return count
}

// ResolveAll blocks until every currently-compiling shader finishes,
// matching the resolveOnDestruction path the device facade always takes
// from Close.
func (db *ShaderDatabase) ResolveAll() {
	var pending []Handle
	db.mu.RLock()
	db.shaders.ForEach(func(h Handle, s *state) bool {
		if s.compiling.Load() {
			pending = append(pending, h)
		}
		return true
	})
	db.mu.RUnlock()

	for _, h := range pending {
		_ = db.Resolve(h)
	}
}
