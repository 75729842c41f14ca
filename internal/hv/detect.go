package hv

import (
	"log/slog"
	"runtime"
	"sync"

	"github.com/virtcore/vmm/internal/cpuid"
)

// HostInfo is everything the backend decision depends on. Splitting it
// out keeps the decision itself a pure function.
type HostInfo struct {
	Arch   string
	Vendor cpuid.Vendor
	HasVmx bool
	HasSvm bool
	HasEl2 bool
}

// ClassifyBackend picks the backend for a host. Intel is considered
// first, then AMD, then ARM.
func ClassifyBackend(info HostInfo) Backend {
	switch info.Arch {
	case "amd64":
		if info.Vendor == cpuid.VendorIntel && info.HasVmx {
			return BackendIntelVmx
		}
		if info.Vendor == cpuid.VendorAmd && info.HasSvm {
			return BackendAmdSvm
		}
	case "arm64":
		if info.HasEl2 {
			return BackendArmEl2
		}
	}
	return BackendUnsupported
}

var (
	detectOnce sync.Once
	detected   Backend
)

// DetectBackend probes the host processor once and caches the result
// for the lifetime of the process.
func DetectBackend() Backend {
	detectOnce.Do(func() {
		info := HostInfo{Arch: runtime.GOARCH}
		if info.Arch == "amd64" {
			info.Vendor = cpuid.HostVendor()
			info.HasVmx = cpuid.HasVmx()
			info.HasSvm = cpuid.HasSvm()
		} else if info.Arch == "arm64" {
			info.HasEl2 = hostHasEl2()
		}
		detected = ClassifyBackend(info)
		slog.Debug("hv: detected backend",
			"backend", detected,
			"vendor", info.Vendor,
			"vmx", info.HasVmx,
			"svm", info.HasSvm,
			"el2", info.HasEl2)
	})
	return detected
}
