// Package capability probes what optional OS-level reinforcement layers
// are available on the current host and classifies the result into a
// coarse full/partial/minimal level. Detection degrades gracefully on any platform
// rather than failing.
package capability

import (
	"os"
	"os/exec"
	"runtime"
)

// Level is the overall confinement strength the current host can offer.
type Level string

const (
	LevelFull    Level = "full"
	LevelPartial Level = "partial"
	LevelMinimal Level = "minimal"
)

// Probe records which reinforcement layers were detected.
type Probe struct {
	// L1ProxyEnv is the baseline layer (HTTP(S)_PROXY env vars honored by
	// well-behaved runtimes). It's always reported true: the Logging Proxy
	// itself implements it unconditionally.
	L1ProxyEnv bool
	// L2NetNamespace reports whether network-namespace tooling (ip, nft)
	// is present to isolate the child's network stack.
	L2NetNamespace bool
	// L3LoaderShim reports whether a dynamic-loader interception shim
	// (LD_PRELOAD-style) can be installed — Linux-only.
	L3LoaderShim bool
	// L4SeccompFilter reports whether the kernel exposes a seccomp-style
	// syscall filter interface.
	L4SeccompFilter bool
}

// Detect runs a best-effort, never-failing probe of the current host.
func Detect() Probe {
	p := Probe{L1ProxyEnv: true}

	if runtime.GOOS != "linux" {
		return p
	}

	p.L2NetNamespace = hasExecutable("ip") && hasExecutable("nft")
	p.L3LoaderShim = fileExists("/lib/x86_64-linux-gnu") || fileExists("/lib64/ld-linux-x86-64.so.2") || hasExecutable("ldconfig")
	p.L4SeccompFilter = fileExists("/proc/sys/kernel/seccomp")

	return p
}

// Classify reduces a Probe to its overall capability level.
func (p Probe) Classify() Level {
	switch {
	case p.L1ProxyEnv && p.L2NetNamespace && p.L3LoaderShim && p.L4SeccompFilter:
		return LevelFull
	case p.L1ProxyEnv && (p.L2NetNamespace || p.L3LoaderShim || p.L4SeccompFilter):
		return LevelPartial
	case p.L1ProxyEnv:
		return LevelMinimal
	default:
		return LevelMinimal
	}
}

func hasExecutable(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
