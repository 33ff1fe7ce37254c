package shaderdb

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gogpu/compute/internal/tasksys"
)

type memFS struct {
	mu    sync.Mutex
	files map[string][]byte
}

func newMemFS() *memFS { return &memFS{files: make(map[string][]byte)} }

func (m *memFS) ReadFile(path string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[path]
	if !ok {
		return nil, errors.New("no such file: " + path)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

func (m *memFS) WriteFile(path string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[path] = append([]byte(nil), data...)
	return nil
}

func (m *memFS) set(path string, data []byte) {
	m.mu.Lock()
	m.files[path] = data
	m.mu.Unlock()
}

// echoCompiler turns source bytes into a "blob" that is just the source
// with its entry point appended, so tests can assert on content without
// needing a real shader compiler.
type echoCompiler struct {
	fail bool
}

func (c echoCompiler) Compile(req CompileRequest) (CompileResult, error) {
	if c.fail {
		return CompileResult{Success: false, Diagnostics: "forced failure"}, nil
	}
	if bytes.Contains(req.Source, []byte("#include \"common.hlsli\"")) {
		if _, err := req.IncludeCallback("common.hlsli"); err != nil {
			return CompileResult{Success: false, Diagnostics: err.Error()}, nil
		}
	}
	blob := append(append([]byte{}, req.Source...), []byte(":"+req.EntryPoint)...)
	return CompileResult{Success: true, Blob: blob}, nil
}

func waitResolved(t *testing.T, db *ShaderDatabase, h Handle) error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- db.Resolve(h) }()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("Resolve did not return in time")
		return nil
	}
}

func TestRequestCompileAndResolveSucceeds(t *testing.T) {
	pool := tasksys.New(2)
	defer pool.Close()
	fs := newMemFS()
	fs.set("shader.hlsl", []byte("RWBuffer<uint> buf;"))

	db := New(Config{FileSystem: fs, Compiler: echoCompiler{}, Pool: pool})

	h, err := db.RequestCompile(Desc{Name: "write", MainFunction: "main", Path: "shader.hlsl"})
	if err != nil {
		t.Fatalf("RequestCompile: %v", err)
	}
	if err := waitResolved(t, db, h); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !db.IsValid(h) {
		t.Fatal("expected shader to be valid after successful compile")
	}
	payload, ok := db.Payload(h)
	if ok || payload != nil {
		t.Fatal("expected no payload without a configured PayloadFactory")
	}
}

func TestRequestCompileReportsErrorCallback(t *testing.T) {
	pool := tasksys.New(2)
	defer pool.Close()
	fs := newMemFS()
	fs.set("bad.hlsl", []byte("garbage"))

	var gotHandle Handle
	var gotMsg string
	db := New(Config{
		FileSystem: fs,
		Compiler:   echoCompiler{fail: true},
		Pool:       pool,
		OnError: func(h Handle, name, message string) {
			gotHandle = h
			gotMsg = message
		},
	})

	h, err := db.RequestCompile(Desc{Name: "bad", MainFunction: "main", Path: "bad.hlsl"})
	if err != nil {
		t.Fatalf("RequestCompile: %v", err)
	}
	if err := waitResolved(t, db, h); err == nil {
		t.Fatal("expected Resolve to report the compile failure")
	}
	if db.IsValid(h) {
		t.Fatal("shader should not be valid after a failed compile")
	}
	if gotHandle != h || gotMsg != "forced failure" {
		t.Fatalf("error callback got (%v, %q), want (%v, %q)", gotHandle, gotMsg, h, "forced failure")
	}
}

func TestOnFilesChangedTriggersRecompile(t *testing.T) {
	pool := tasksys.New(2)
	defer pool.Close()
	fs := newMemFS()
	fs.set("f.hlsl", []byte("v1"))

	db := New(Config{FileSystem: fs, Compiler: echoCompiler{}, Pool: pool})

	h, err := db.RequestCompile(Desc{Name: "reload", MainFunction: "main", Path: "f.hlsl"})
	if err != nil {
		t.Fatalf("RequestCompile: %v", err)
	}
	if err := waitResolved(t, db, h); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	fs.set("f.hlsl", []byte("v2"))
	db.OnFilesChanged(map[string]struct{}{"f.hlsl": {}})

	if err := waitResolved(t, db, h); err != nil {
		t.Fatalf("Resolve after recompile: %v", err)
	}
	if !db.IsValid(h) {
		t.Fatal("expected shader valid after recompile")
	}
}

func TestReleaseFreesHandleWithoutGCConfigured(t *testing.T) {
	pool := tasksys.New(2)
	defer pool.Close()
	fs := newMemFS()
	fs.set("f.hlsl", []byte("v1"))

	db := New(Config{
		FileSystem: fs,
		Compiler:   echoCompiler{},
		Pool:       pool,
		PayloadFactory: func(h Handle, blob []byte, r *ReflectionData) (any, error) {
			return "payload-for-" + string(blob), nil
		},
	})

	h, err := db.RequestCompile(Desc{Name: "x", MainFunction: "main", Path: "f.hlsl"})
	if err != nil {
		t.Fatalf("RequestCompile: %v", err)
	}
	if err := waitResolved(t, db, h); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	payload, ok := db.Payload(h)
	if !ok || payload == nil {
		t.Fatal("expected a payload from PayloadFactory")
	}

	if !db.Release(h) {
		t.Fatal("Release should succeed for a live handle")
	}
	if db.Contains(h) {
		t.Fatal("handle should no longer be contained after Release")
	}
}

func TestAddPathExtendsIncludeResolution(t *testing.T) {
	pool := tasksys.New(2)
	defer pool.Close()
	fs := newMemFS()
	fs.set("include/common.hlsli", []byte("#define FOO 1"))
	fs.set("main.hlsl", []byte("#include \"common.hlsli\""))

	db := New(Config{FileSystem: fs, Compiler: echoCompiler{}, Pool: pool})
	db.AddPath("include")

	h, err := db.RequestCompile(Desc{Name: "inc", MainFunction: "main", Path: "main.hlsl"})
	if err != nil {
		t.Fatalf("RequestCompile: %v", err)
	}
	if err := waitResolved(t, db, h); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !db.IsValid(h) {
		t.Fatal("expected compile to succeed with include path configured")
	}
}

func TestPendingCountAndResolveAll(t *testing.T) {
	pool := tasksys.New(4)
	defer pool.Close()
	fs := newMemFS()
	fs.set("a.hlsl", []byte("a"))
	fs.set("b.hlsl", []byte("b"))

	db := New(Config{FileSystem: fs, Compiler: echoCompiler{}, Pool: pool})
	h1, _ := db.RequestCompile(Desc{Name: "a", MainFunction: "main", Path: "a.hlsl"})
	h2, _ := db.RequestCompile(Desc{Name: "b", MainFunction: "main", Path: "b.hlsl"})

	db.ResolveAll()

	if db.PendingCount() != 0 {
		t.Fatalf("PendingCount() = %d, want 0 after ResolveAll", db.PendingCount())
	}
	if !db.IsValid(h1) || !db.IsValid(h2) {
		t.Fatal("expected both shaders valid after ResolveAll")
	}
}
