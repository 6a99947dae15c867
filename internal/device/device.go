// Package device picks where tensor math runs. The choice is made once per
// process from the hardware that is present.
package device

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/klauspost/cpuid/v2"
	"github.com/pkg/errors"
)

// Kind names a compute placement.
type Kind string

const (
	// Auto probes the hardware.
	Auto Kind = "auto"
	// CPU runs every batch on one goroutine.
	CPU Kind = "cpu"
	// Parallel splits each batch across all logical cores.
	Parallel Kind = "cpu-parallel"
)

// Device is a resolved compute placement.
type Device struct {
	Kind    Kind
	Workers int
	Brand   string
	SIMD    []string
}

func (d Device) String() string {
	return fmt.Sprintf("%s(workers=%d, cpu=%q, simd=%s)", d.Kind, d.Workers, d.Brand, strings.Join(d.SIMD, "+"))
}

// Accelerated reports whether batches are split across workers.
func (d Device) Accelerated() bool { return d.Kind == Parallel && d.Workers > 1 }

// Probe describes the host; tests replace it.
type Probe struct {
	LogicalCores int
	Brand        string
	SIMD         []string
}

// HostProbe inspects the running machine.
func HostProbe() Probe {
	p := Probe{
		LogicalCores: cpuid.CPU.LogicalCores,
		Brand:        cpuid.CPU.BrandName,
	}
	if p.LogicalCores <= 0 {
		p.LogicalCores = runtime.NumCPU()
	}
	for _, f := range []struct {
		id   cpuid.FeatureID
		name string
	}{
		{cpuid.AVX2, "avx2"},
		{cpuid.FMA3, "fma3"},
		{cpuid.AVX512F, "avx512f"},
		{cpuid.ASIMD, "asimd"},
	} {
		if cpuid.CPU.Supports(f.id) {
			p.SIMD = append(p.SIMD, f.name)
		}
	}
	return p
}

func (p Probe) vectorized() bool {
	has := map[string]bool{}
	for _, s := range p.SIMD {
		has[s] = true
	}
	return (has["avx2"] && has["fma3"]) || has["asimd"]
}

// Select resolves a preference ("auto", "cpu", "cpu-parallel") against the probe.
func Select(pref string, p Probe) (Device, error) {
	d := Device{Kind: CPU, Workers: 1, Brand: p.Brand, SIMD: p.SIMD}
	cores := max(p.LogicalCores, 1)
	switch Kind(strings.ToLower(strings.TrimSpace(pref))) {
	case "", Auto:
		if cores > 1 && p.vectorized() {
			d.Kind, d.Workers = Parallel, cores
		}
	case CPU:
	case Parallel:
		d.Kind, d.Workers = Parallel, cores
	default:
		return Device{}, errors.Errorf("device: unknown kind %q (want auto, cpu or cpu-parallel)", pref)
	}
	return d, nil
}
