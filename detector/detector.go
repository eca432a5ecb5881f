package detector

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/openfluke/webgpu/wgpu"
)

// BudgetEnv overrides the staging budget, in megabytes
const BudgetEnv = "PROXYLE_BUDGET_MB"

// minStorageBinding is the smallest storage binding the pooling kernel is worth dispatching for
const minStorageBinding = 1 << 20

// Report is a portable summary of the current adapter/device caps.
type Report struct {
	WhenISO     string            `json:"when_iso"`
	Runtime     string            `json:"runtime"` // "native" or "wasm" (best-effort)
	Backend     string            `json:"backend"`
	AdapterType string            `json:"adapter_type"`
	VendorID    string            `json:"vendor_id_hex"`
	DeviceID    string            `json:"device_id_hex"`
	Name        string            `json:"name"`
	Driver      string            `json:"driver"`
	Recommended Recommendations   `json:"recommended"`
	Limits      Limits            `json:"limits"`
	Features    []string          `json:"features"`
	Env         map[string]string `json:"env,omitempty"`
}

type Limits struct {
	MaxComputeInvocationsPerWorkgroup uint32 `json:"max_compute_invocations_per_workgroup"`
	MaxComputeWorkgroupSizeX          uint32 `json:"max_compute_workgroup_size_x"`
	MaxComputeWorkgroupsPerDimension  uint32 `json:"max_compute_workgroups_per_dimension"`
	MaxStorageBufferBindingSize       uint64 `json:"max_storage_buffer_binding_size"`
	MaxBufferSize                     uint64 `json:"max_buffer_size"`
}

type Recommendations struct {
	Device     string `json:"device"` // "gpu" or "cpu"
	WorkgroupX uint32 `json:"workgroup_x"`

	// Soft budget in bytes for staging buffers.
	BudgetBytes uint64 `json:"budget_bytes"`
}

// JSON renders the report indented.
func (r *Report) JSON() (string, error) {
	b, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Detect probes the high-performance adapter and synthesizes a report.
func Detect() (*Report, error) {
	inst := wgpu.CreateInstance(nil)
	if inst == nil {
		return nil, fmt.Errorf("wgpu.CreateInstance returned nil")
	}
	defer inst.Release()

	adapter, err := inst.RequestAdapter(&wgpu.RequestAdapterOptions{
		PowerPreference: wgpu.PowerPreferenceHighPerformance,
	})
	if err != nil {
		return nil, fmt.Errorf("request adapter: %w", err)
	}
	if adapter == nil {
		return nil, fmt.Errorf("no adapter")
	}
	defer adapter.Release()

	info := adapter.GetInfo()
	supported := adapter.GetLimits()

	var feats []string
	for _, f := range adapter.EnumerateFeatures() {
		feats = append(feats, f.String())
	}

	limits := Limits{
		MaxComputeInvocationsPerWorkgroup: supported.Limits.MaxComputeInvocationsPerWorkgroup,
		MaxComputeWorkgroupSizeX:          supported.Limits.MaxComputeWorkgroupSizeX,
		MaxComputeWorkgroupsPerDimension:  supported.Limits.MaxComputeWorkgroupsPerDimension,
		MaxStorageBufferBindingSize:       supported.Limits.MaxStorageBufferBindingSize,
		MaxBufferSize:                     supported.Limits.MaxBufferSize,
	}
	adapterType := info.AdapterType.String()

	rep := &Report{
		WhenISO:     time.Now().UTC().Format(time.RFC3339),
		Runtime:     detectRuntime(),
		Backend:     info.BackendType.String(),
		AdapterType: adapterType,
		VendorID:    fmt.Sprintf("0x%04x", info.VendorId),
		DeviceID:    fmt.Sprintf("0x%04x", info.DeviceId),
		Name:        strings.TrimSpace(info.Name),
		Driver:      strings.TrimSpace(info.DriverDescription),
		Limits:      limits,
		Features:    feats,
		Recommended: Recommendations{
			Device:      recommendDevice(adapterType, limits),
			WorkgroupX:  chooseWorkgroup(limits.MaxComputeWorkgroupSizeX, limits.MaxComputeInvocationsPerWorkgroup),
			BudgetBytes: budgetBytes(os.Getenv(BudgetEnv)),
		},
		Env: pickEnv([]string{BudgetEnv}),
	}
	return rep, nil
}

// Resolve maps a configured device ("cpu", "gpu" or "auto") to the one to run on.
// "auto" probes and falls back to "cpu" when no usable adapter is found.
func Resolve(device string, probe func() (*Report, error)) (string, error) {
	switch device {
	case "cpu":
		return "cpu", nil
	case "gpu":
		if _, err := probe(); err != nil {
			return "", fmt.Errorf("gpu requested but unavailable: %w", err)
		}
		return "gpu", nil
	case "auto":
		rep, err := probe()
		if err != nil || rep == nil {
			return "cpu", nil
		}
		return rep.Recommended.Device, nil
	}
	return "", fmt.Errorf("unknown device %q", device)
}

/* ---------- helpers ---------- */

func recommendDevice(adapterType string, l Limits) string {
	if strings.Contains(strings.ToLower(adapterType), "cpu") {
		return "cpu"
	}
	if l.MaxComputeWorkgroupSizeX < 64 || l.MaxStorageBufferBindingSize < minStorageBinding {
		return "cpu"
	}
	return "gpu"
}

func chooseWorkgroup(maxX, maxTot uint32) uint32 {
	for _, c := range []uint32{256, 128, 64, 32, 16, 8, 4, 1} {
		if c <= maxX && c <= maxTot {
			return c
		}
	}
	return 1
}

func budgetBytes(mbStr string) uint64 {
	budget := uint64(128 * 1024 * 1024)
	if mb, err := strconv.Atoi(mbStr); err == nil && mb > 0 {
		budget = uint64(mb) * 1024 * 1024
	}
	return budget
}

func detectRuntime() string {
	if runtime.GOOS == "js" {
		return "wasm"
	}
	return "native"
}

func pickEnv(keys []string) map[string]string {
	out := map[string]string{}
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			out[k] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
