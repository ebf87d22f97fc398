// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package wasmudf

import (
	"context"
	"errors"
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// Default names of the host import and of the guest allocator export.
const (
	DefaultHostModule   = "env"
	DefaultHostFunction = "call_scalar_udf"
	DefaultMallocExport = "malloc"
)

// GuestArena is an Arena over the linear memory of a wazero module whose
// allocations go through the module's exported malloc.
type GuestArena struct {
	mod    api.Module
	malloc api.Function
}

// NewGuestArena wraps mod. mallocName names an export with signature
// (i32) -> i32.
func NewGuestArena(mod api.Module, mallocName string) (*GuestArena, error) {
	if mod.Memory() == nil {
		return nil, fmt.Errorf("module %q exports no memory", mod.Name())
	}
	malloc := mod.ExportedFunction(mallocName)
	if malloc == nil {
		return nil, fmt.Errorf("module %q does not export %q", mod.Name(), mallocName)
	}
	return &GuestArena{mod: mod, malloc: malloc}, nil
}

// Size implements Memory.
func (g *GuestArena) Size() uint32 { return g.mod.Memory().Size() }

// Read implements Memory.
func (g *GuestArena) Read(offset, byteCount uint32) ([]byte, bool) {
	return g.mod.Memory().Read(offset, byteCount)
}

// Write implements Memory.
func (g *GuestArena) Write(offset uint32, v []byte) bool {
	return g.mod.Memory().Write(offset, v)
}

// Allocate implements Allocator by calling the guest's malloc. The guest may
// grow its memory, which invalidates slices returned by earlier Reads.
func (g *GuestArena) Allocate(ctx context.Context, size uint32) (uint32, error) {
	res, err := g.malloc.Call(ctx, uint64(size))
	if err != nil {
		return 0, fmt.Errorf("guest malloc(%d): %w", size, err)
	}
	if len(res) != 1 {
		return 0, fmt.Errorf("guest malloc(%d) returned %d values", size, len(res))
	}
	addr := api.DecodeU32(res[0])
	if addr == 0 {
		return 0, errors.New("guest malloc returned NULL")
	}
	return addr, nil
}

// HostModule exports a Bridge to wasm guests as the engine's scalar UDF
// import:
//
//	call_scalar_udf(response, funcId, descPtr, descSize, ptrsPtr, ptrsSize i32)
//
// The argument order is the one duckdb-wasm's callScalarUDF uses.
type HostModule struct {
	bridge       *Bridge
	moduleName   string
	functionName string
	mallocExport string
}

// NewHostModule creates a host module for bridge with the default names.
func NewHostModule(bridge *Bridge) *HostModule {
	return &HostModule{
		bridge:       bridge,
		moduleName:   DefaultHostModule,
		functionName: DefaultHostFunction,
		mallocExport: DefaultMallocExport,
	}
}

// SetModuleName sets the import module name. Defaults to "env".
func (h *HostModule) SetModuleName(name string) {
	h.moduleName = name
}

// SetFunctionName sets the import function name. Defaults to
// "call_scalar_udf".
func (h *HostModule) SetFunctionName(name string) {
	h.functionName = name
}

// SetMallocExport sets the guest export used for allocation. Defaults to
// "malloc".
func (h *HostModule) SetMallocExport(name string) {
	h.mallocExport = name
}

// Export adds the host function to an existing builder, for hosts that
// provide other imports from the same module.
func (h *HostModule) Export(builder wazero.HostModuleBuilder) wazero.HostModuleBuilder {
	return builder.NewFunctionBuilder().
		WithFunc(h.call).
		WithParameterNames("response", "func_id", "desc_ptr", "desc_size", "ptrs_ptr", "ptrs_size").
		Export(h.functionName)
}

// Instantiate builds and instantiates the host module in rt. It must run
// before the engine module is instantiated.
func (h *HostModule) Instantiate(ctx context.Context, rt wazero.Runtime) (api.Module, error) {
	mod, err := h.Export(rt.NewHostModuleBuilder(h.moduleName)).Instantiate(ctx)
	if err != nil {
		return nil, fmt.Errorf("instantiating host module %q: %w", h.moduleName, err)
	}
	return mod, nil
}

// InstantiateHostModule instantiates the default host module for bridge.
func InstantiateHostModule(ctx context.Context, rt wazero.Runtime, bridge *Bridge) (api.Module, error) {
	return NewHostModule(bridge).Instantiate(ctx, rt)
}

// call is the host function. mod is the calling guest.
func (h *HostModule) call(ctx context.Context, mod api.Module, response, funcID, descPtr, descSize, ptrsPtr, ptrsSize uint32) {
	arena, err := NewGuestArena(mod, h.mallocExport)
	if err != nil {
		// Without an allocator there is no room for the message itself.
		if mem := mod.Memory(); mem == nil || !writeSlots(mem, h.bridge.encoding, response, StatusError, 0, 0) {
			h.bridge.log().Error("cannot write response record", "module", mod.Name(), "response_addr", response)
		}
		h.bridge.log().Error("scalar UDF call without guest allocator", "function_id", funcID, "err", err)
		return
	}
	_, _ = h.bridge.Invoke(ctx, arena, Call{
		FunctionID:     FunctionID(funcID),
		DescriptorAddr: descPtr,
		DescriptorLen:  descSize,
		PointersAddr:   ptrsPtr,
		PointersLen:    ptrsSize,
		ResponseAddr:   response,
	})
}
