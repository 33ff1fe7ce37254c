// Package compute provides a GPU compute abstraction layer sitting between
// a scripting-language command-list description and an explicit-graphics
// API backend: a Shader Database, a Work Scheduler and a Resource/Handle
// model, wired together behind a single Device facade.
//
// Adapted from github.com/gogpu/wgpu's public API package, which wraps its
// hal/ and core/ packages into an ergonomic surface. This package plays
// the same role for the compute-only subset: create_*/release/schedule/
// wait_on_cpu/get_download_status all forward to the internal/* packages
// that implement each component (handle containers, fence timelines, the
// GC, staging pools, descriptor tables, the resource registry, the shader
// database and the work scheduler), issued against an abstract
// backend.Backend rather than a concrete Vulkan or D3D12 implementation.
//
// # Quick start
//
//	dev, err := compute.Open(enumerator, compute.Settings{AdapterIndex: 0}, fs, compiler)
//	h, err := dev.CreateBuffer(resources.BufferDesc{ElementCount: 128, Stride: 4, Access: backend.AccessGpuWrite})
//	status := dev.Schedule([]*cmdlist.List{list}, scheduler.Flags{GetWorkHandle: true})
//	err = dev.WaitOnCPU(status.Work, -1)
//
// # Resource lifecycle
//
// All GPU resources are explicitly released with Device.Release /
// Device.ReleaseTable. Handles are generational: a use after release is
// detected, never a silent dangling reference.
//
// # Thread safety
//
// Device is safe for concurrent use; every call it forwards ultimately
// acquires the lock of the internal package that owns the relevant state
// (internal/resources.Registry, internal/scheduler.Scheduler,
// internal/shaderdb.ShaderDatabase).
package compute
