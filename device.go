package main

import (
	"fmt"
	"runtime"
	"strings"
	"sync"

	"github.com/klauspost/cpuid/v2"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// Device placement for the model. There is no GPU path in this codebase:
// the "accelerator" is the host CPU, and placing a model on it means
// choosing how many goroutines share the row blocks of each matrix
// multiply.
//
// Capability probing (core count, bf16/fp16 instructions) goes through
// cpuid. The trainer asks the device whether it supports bfloat16 to pick
// between bf16 and fp16 autocast, the same decision a CUDA trainer makes
// from the card's compute capability.
//
// Matrix multiply is O(n³) operations but O(n²) memory accesses, so for
// the sizes we train here extra workers quickly hit memory bandwidth.
// Small matrices stay single-threaded; goroutine overhead dominates there.
//
// ===========================================================================

// ComputeConfig controls parallelization behavior for tensor operations.
type ComputeConfig struct {
	// Parallel enables multi-threaded execution of tensor operations.
	Parallel bool

	// NumWorkers specifies the number of worker goroutines to use.
	// If 0, defaults to runtime.NumCPU().
	NumWorkers int

	// MinSizeForParallel is the minimum number of output rows before
	// work is split across goroutines.
	MinSizeForParallel int
}

// DefaultComputeConfig returns a sensible default configuration.
func DefaultComputeConfig() ComputeConfig {
	return ComputeConfig{
		Parallel:           true,
		NumWorkers:         0,
		MinSizeForParallel: 64,
	}
}

// SingleThreadedConfig returns a configuration for single-threaded execution.
func SingleThreadedConfig() ComputeConfig {
	return ComputeConfig{
		Parallel:           false,
		NumWorkers:         1,
		MinSizeForParallel: 0,
	}
}

func (c ComputeConfig) numWorkers() int {
	if !c.Parallel {
		return 1
	}
	if c.NumWorkers > 0 {
		return c.NumWorkers
	}
	return runtime.NumCPU()
}

func (c ComputeConfig) shouldParallelize(rows int) bool {
	return c.Parallel && c.numWorkers() > 1 && rows >= c.MinSizeForParallel
}

// globalComputeConfig is set once by device placement before training
// starts and read by every MatMul afterwards.
var globalComputeConfig = DefaultComputeConfig()

// SetGlobalComputeConfig sets the global compute configuration.
func SetGlobalComputeConfig(cfg ComputeConfig) {
	globalComputeConfig = cfg
}

// GetGlobalComputeConfig returns the current global compute configuration.
func GetGlobalComputeConfig() ComputeConfig {
	return globalComputeConfig
}

// ParallelMatMul performs matrix multiplication C = A @ B, dividing output
// rows among workers. Each worker writes a disjoint block of rows, so no
// locking is needed.
func ParallelMatMul(a, b *Tensor, cfg ComputeConfig) *Tensor {
	if len(a.shape) != 2 || len(b.shape) != 2 {
		panic("tensor: MatMul requires 2D tensors")
	}

	m, k := a.shape[0], a.shape[1]
	if b.shape[0] != k {
		panic(fmt.Sprintf("tensor: incompatible dimensions for matmul %v @ %v", a.shape, b.shape))
	}
	n := b.shape[1]

	out := NewTensor(m, n)

	if !cfg.shouldParallelize(m) {
		matmulRows(a, b, out, 0, m)
		return out
	}

	numWorkers := cfg.numWorkers()
	if numWorkers > m {
		numWorkers = m
	}
	rowsPerWorker := (m + numWorkers - 1) / numWorkers

	var wg sync.WaitGroup
	for start := 0; start < m; start += rowsPerWorker {
		end := start + rowsPerWorker
		if end > m {
			end = m
		}
		wg.Add(1)
		go func(s, e int) {
			defer wg.Done()
			matmulRows(a, b, out, s, e)
		}(start, end)
	}
	wg.Wait()

	return out
}

// matmulRows computes output rows [startRow, endRow). The i-k-j loop order
// walks B and C row-wise, which keeps both in cache.
func matmulRows(a, b, out *Tensor, startRow, endRow int) {
	k := a.shape[1]
	n := b.shape[1]
	for i := startRow; i < endRow; i++ {
		outRow := out.data[i*n : (i+1)*n]
		aRow := a.data[i*k : (i+1)*k]
		for kk, av := range aRow {
			if av == 0 {
				continue
			}
			bRow := b.data[kk*n : (kk+1)*n]
			for j, bv := range bRow {
				outRow[j] += av * bv
			}
		}
	}
}

// Device describes where the model runs.
type Device struct {
	Name         string
	Arch         string
	Workers      int
	SupportsBF16 bool
	SupportsFP16 bool
}

// DetectDevice probes the host CPU.
func DetectDevice() Device {
	name := strings.TrimSpace(cpuid.CPU.BrandName)
	if name == "" {
		name = "unknown " + runtime.GOARCH + " CPU"
	}

	workers := cpuid.CPU.LogicalCores
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	return Device{
		Name:         name,
		Arch:         runtime.GOARCH,
		Workers:      workers,
		SupportsBF16: cpuid.CPU.Supports(cpuid.AVX512BF16) || cpuid.CPU.Supports(cpuid.AMXBF16),
		SupportsFP16: cpuid.CPU.Supports(cpuid.F16C) || cpuid.CPU.Supports(cpuid.ASIMDHP),
	}
}

// ComputeConfig returns the parallelism this device supports.
func (d Device) ComputeConfig() ComputeConfig {
	cfg := DefaultComputeConfig()
	cfg.NumWorkers = d.Workers
	if d.Workers <= 1 {
		return SingleThreadedConfig()
	}
	return cfg
}

func (d Device) String() string {
	return fmt.Sprintf("%s (%s, %d workers, bf16=%t)", d.Name, d.Arch, d.Workers, d.SupportsBF16)
}

// PlaceOnDevice applies a device map. Only "auto" and "cpu" exist: both
// put the whole model on the host; "cpu" additionally pins it to one
// worker.
func PlaceOnDevice(deviceMap string, d Device) error {
	switch deviceMap {
	case "", "auto":
		SetGlobalComputeConfig(d.ComputeConfig())
	case "cpu":
		SetGlobalComputeConfig(SingleThreadedConfig())
	default:
		return fmt.Errorf("device: unsupported device map %q", deviceMap)
	}
	return nil
}
