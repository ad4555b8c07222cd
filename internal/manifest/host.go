package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"runtime"
	"runtime/debug"
	"strings"

	"github.com/klauspost/cpuid/v2"
	"github.com/prometheus/procfs"
)

// Host identifies the machine a session ran on.
type Host struct {
	// ID is a digest of the fields below, stable across runs on the same
	// hardware.
	ID            string   `json:"id"`
	Hostname      string   `json:"hostname"`
	OS            string   `json:"os"`
	Arch          string   `json:"arch"`
	CPUBrand      string   `json:"cpu_brand"`
	CPUVendor     string   `json:"cpu_vendor"`
	PhysicalCores int      `json:"physical_cores"`
	LogicalCores  int      `json:"logical_cores"`
	NumCPU        int      `json:"num_cpu"`
	CPUFeatures   []string `json:"cpu_features,omitempty"`
	MemTotalBytes uint64   `json:"mem_total_bytes,omitempty"`
}

// Features llama.cpp kernels dispatch on.
var trackedFeatures = []cpuid.FeatureID{
	cpuid.AVX, cpuid.AVX2, cpuid.FMA3, cpuid.F16C, cpuid.AVX512F, cpuid.AVX512BW, cpuid.AVX512VNNI, cpuid.ASIMD, cpuid.SVE,
}

// DetectHost reads CPU identity through cpuid and total memory from
// /proc/meminfo when available.
func DetectHost() Host {
	h := Host{
		OS:            runtime.GOOS,
		Arch:          runtime.GOARCH,
		CPUBrand:      strings.TrimSpace(cpuid.CPU.BrandName),
		CPUVendor:     cpuid.CPU.VendorString,
		PhysicalCores: cpuid.CPU.PhysicalCores,
		LogicalCores:  cpuid.CPU.LogicalCores,
		NumCPU:        runtime.NumCPU(),
	}
	h.Hostname, _ = os.Hostname()
	for _, f := range trackedFeatures {
		if cpuid.CPU.Supports(f) {
			h.CPUFeatures = append(h.CPUFeatures, strings.ToLower(f.String()))
		}
	}
	if fs, err := procfs.NewDefaultFS(); err == nil {
		if mi, err := fs.Meminfo(); err == nil && mi.MemTotal != nil {
			h.MemTotalBytes = *mi.MemTotal * 1024
		}
	}
	h.ID = h.digest()
	return h
}

func (h Host) digest() string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%s|%d|%d|%s|%d",
		h.OS, h.Arch, h.CPUVendor, h.CPUBrand, h.PhysicalCores, h.LogicalCores, strings.Join(h.CPUFeatures, ","), h.MemTotalBytes)))
	return hex.EncodeToString(sum[:8])
}

// Build describes the running binary.
type Build struct {
	GoVersion string `json:"go_version"`
	Module    string `json:"module,omitempty"`
	Version   string `json:"version,omitempty"`
	// Deps maps module path to version for every linked module.
	Deps map[string]string `json:"deps,omitempty"`
}

// DetectBuild reads the module graph stamped into the binary.
func DetectBuild() Build {
	b := Build{GoVersion: runtime.Version()}
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return b
	}
	b.Module = bi.Main.Path
	b.Version = bi.Main.Version
	if len(bi.Deps) > 0 {
		b.Deps = make(map[string]string, len(bi.Deps))
	}
	for _, d := range bi.Deps {
		v := d.Version
		if d.Replace != nil {
			v = d.Replace.Path + "@" + d.Replace.Version
		}
		b.Deps[d.Path] = v
	}
	return b
}
