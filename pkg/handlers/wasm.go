package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/remoteman/remoteman/pkg/engine"
	"github.com/remoteman/remoteman/pkg/protocol"
	"github.com/remoteman/remoteman/pkg/spec"
)

// DefaultWASMMemoryPages caps module memory at 16MB.
const DefaultWASMMemoryPages = 256

// WASMHandler runs a WebAssembly module exporting memory, malloc(size) and
// apply(ptr, len). apply returns the response location packed as ptr<<32 | len.
type WASMHandler struct {
	plugin

	mu      sync.Mutex
	runtime wazero.Runtime
	module  api.Module
	memory  api.Memory
	malloc  api.Function
	free    api.Function
	apply   api.Function
}

// wasmResponse is a DoneMessage that may instead carry an error.
type wasmResponse struct {
	protocol.DoneMessage
	Error string `json:"error,omitempty"`
}

// NewWASMHandler compiles and instantiates the module at path.
func NewWASMHandler(ctx context.Context, name, path string, timeout time.Duration) (*WASMHandler, error) {
	bin, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read module: %w", err)
	}
	return newWASMHandler(ctx, name, path, bin, timeout)
}

func newWASMHandler(ctx context.Context, name, path string, bin []byte, timeout time.Duration) (*WASMHandler, error) {
	runtimeConfig := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(DefaultWASMMemoryPages).
		WithCloseOnContextDone(true)
	runtime := wazero.NewRuntimeWithConfig(ctx, runtimeConfig)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}

	compiled, err := runtime.CompileModule(ctx, bin)
	if err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("failed to compile WASM module: %w", err)
	}

	// Reactor modules export _initialize instead of _start; missing ones are skipped.
	moduleConfig := wazero.NewModuleConfig().
		WithName(name).
		WithStartFunctions("_initialize")
	module, err := runtime.InstantiateModule(ctx, compiled, moduleConfig)
	if err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASM module: %w", err)
	}

	h := &WASMHandler{
		plugin:  plugin{name: name, path: path, timeout: timeout},
		runtime: runtime,
		module:  module,
		memory:  module.ExportedMemory("memory"),
		malloc:  module.ExportedFunction("malloc"),
		free:    module.ExportedFunction("free"),
		apply:   module.ExportedFunction("apply"),
	}

	switch {
	case h.memory == nil:
		err = fmt.Errorf("WASM module does not export memory")
	case h.malloc == nil:
		err = fmt.Errorf("WASM module does not export malloc function")
	case h.apply == nil:
		err = fmt.Errorf("WASM module does not export apply function")
	}
	if err != nil {
		runtime.Close(ctx)
		return nil, err
	}
	return h, nil
}

// Apply implements Handler.
func (h *WASMHandler) Apply(ctx context.Context, job *spec.JobSpec, commit bool) (engine.ExecutionResult, error) {
	input, err := json.Marshal(applyRequest(job, commit))
	if err != nil {
		return engine.ExecutionResult{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, h.deadline())
	defer cancel()

	h.mu.Lock()
	output, err := h.call(callCtx, input)
	h.mu.Unlock()
	if err != nil {
		return engine.ExecutionResult{}, err
	}

	var resp wasmResponse
	if err := json.Unmarshal(output, &resp); err != nil {
		return engine.ExecutionResult{}, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if resp.Error != "" {
		return engine.ExecutionResult{}, fmt.Errorf("%s", resp.Error)
	}
	return resultFromDone(&resp.DoneMessage)
}

func (h *WASMHandler) call(ctx context.Context, input []byte) ([]byte, error) {
	if h.module == nil || h.module.IsClosed() {
		return nil, fmt.Errorf("WASM module is closed")
	}

	results, err := h.malloc.Call(ctx, uint64(len(input)))
	if err != nil {
		return nil, fmt.Errorf("malloc failed: %w", err)
	}
	if len(results) == 0 || uint32(results[0]) == 0 {
		return nil, fmt.Errorf("malloc returned null pointer")
	}
	inputPtr := uint32(results[0])
	defer h.release(ctx, inputPtr)

	if !h.memory.Write(inputPtr, input) {
		return nil, fmt.Errorf("failed to write input to WASM memory")
	}

	results, err = h.apply.Call(ctx, uint64(inputPtr), uint64(len(input)))
	if err != nil {
		return nil, fmt.Errorf("WASM apply failed: %w", err)
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("WASM apply returned no results")
	}

	packed := results[0]
	outputPtr := uint32(packed >> 32)
	outputLen := uint32(packed & 0xFFFFFFFF)
	if outputLen == 0 {
		return nil, fmt.Errorf("WASM apply returned an empty response")
	}

	view, ok := h.memory.Read(outputPtr, outputLen)
	if !ok {
		return nil, fmt.Errorf("failed to read output from WASM memory")
	}
	// Read returns a view into module memory; copy before the module reuses it.
	output := make([]byte, len(view))
	copy(output, view)
	h.release(ctx, outputPtr)
	return output, nil
}

func (h *WASMHandler) release(ctx context.Context, ptr uint32) {
	if h.free != nil {
		_, _ = h.free.Call(ctx, uint64(ptr))
	}
}

// Close releases the module and its runtime.
func (h *WASMHandler) Close(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.runtime == nil {
		return nil
	}
	err := h.runtime.Close(ctx)
	h.runtime = nil
	h.module = nil
	if err != nil {
		return fmt.Errorf("failed to close WASM runtime: %w", err)
	}
	return nil
}
