// Package device selects where a run computes. Selection happens once per
// run; no accelerator backend is built in, so every run computes on the CPU.
package device

import (
	"log/slog"
	"runtime"

	"github.com/klauspost/cpuid/v2"
)

// Device describes the selected compute device.
type Device struct {
	Name      string
	Requested string
	Cores     int
	Threads   int
	AVX2      bool
	FMA3      bool
	AVX512    bool
}

// Fallback reports whether the run asked for an accelerator but got the CPU.
func (d Device) Fallback() bool { return d.Requested != "cpu" }

// LogValue implements slog.LogValuer.
func (d Device) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("name", d.Name),
		slog.Int("cores", d.Cores),
		slog.Int("threads", d.Threads),
		slog.Bool("avx2", d.AVX2),
		slog.Bool("fma3", d.FMA3),
		slog.Bool("avx512", d.AVX512),
	)
}

// Select probes the CPU. With gpu set it logs a warning and falls back.
func Select(gpu bool) Device {
	d := Device{
		Name:      cpuid.CPU.BrandName,
		Requested: "cpu",
		Cores:     cpuid.CPU.PhysicalCores,
		Threads:   cpuid.CPU.LogicalCores,
		AVX2:      cpuid.CPU.Supports(cpuid.AVX2),
		FMA3:      cpuid.CPU.Supports(cpuid.FMA3),
		AVX512:    cpuid.CPU.Supports(cpuid.AVX512F, cpuid.AVX512DQ),
	}
	if d.Name == "" {
		d.Name = runtime.GOARCH
	}
	if d.Threads <= 0 {
		d.Threads = runtime.NumCPU()
	}
	if gpu {
		d.Requested = "gpu"
		slog.Warn("GPU requested but no accelerator backend is available, using CPU", "device", d)
		return d
	}
	slog.Debug("Using CPU", "device", d)
	return d
}
