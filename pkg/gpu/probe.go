package gpu

import (
	"context"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/inferflow-go/internal/protocol"
	"github.com/inferflow-go/pkg/logger"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Probe produces point-in-time GPU snapshots for heartbeats. Snapshot must
// not share locks with inference handling and must not fail: a probe that
// cannot see a GPU returns the CPU-only sentinel (TotalMemoryMiB == 0).
type Probe interface {
	Snapshot(ctx context.Context) protocol.GPUInfo
}

// Detect picks the best probe for this host.
func Detect(log logger.Logger) Probe {
	if _, err := exec.LookPath("nvidia-smi"); err == nil {
		log.Info("GPU probe: nvidia-smi found")
		return NewNvidiaSMIProbe(log)
	}
	log.Info("GPU probe: no nvidia-smi, falling back to CPU-only host probe")
	return NewHostProbe(log)
}

// NvidiaSMIProbe shells out to nvidia-smi. Each snapshot is a fresh process
// so there is no state to lock.
type NvidiaSMIProbe struct {
	logger logger.Logger
}

func NewNvidiaSMIProbe(log logger.Logger) *NvidiaSMIProbe {
	return &NvidiaSMIProbe{logger: log}
}

func (p *NvidiaSMIProbe) Snapshot(ctx context.Context) protocol.GPUInfo {
	queryCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	out, err := exec.CommandContext(queryCtx, "nvidia-smi",
		"--query-gpu=name,memory.total,memory.used,memory.reserved,memory.free,compute_cap",
		"--format=csv,noheader,nounits",
	).Output()
	if err != nil {
		p.logger.Warn("nvidia-smi query failed", "error", err)
		return cpuOnlyInfo("")
	}

	info, err := parseQueryLine(strings.TrimSpace(strings.SplitN(string(out), "\n", 2)[0]))
	if err != nil {
		p.logger.Warn("nvidia-smi output unparseable", "error", err)
		return cpuOnlyInfo("")
	}

	info.CUDAVersion = p.cudaVersion(ctx)
	return info
}

// parseQueryLine parses one CSV line of the nvidia-smi query above.
func parseQueryLine(line string) (protocol.GPUInfo, error) {
	fields := strings.Split(line, ",")
	if len(fields) < 6 {
		return protocol.GPUInfo{}, &parseError{line: line}
	}
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}

	total := parseMiB(fields[1])
	used := parseMiB(fields[2])
	reserved := parseMiB(fields[3])
	free := parseMiB(fields[4])

	return protocol.GPUInfo{
		DeviceName:        fields[0],
		TotalMemoryMiB:    total,
		AllocatedMiB:      used,
		ReservedMiB:       reserved,
		FreeMiB:           free,
		ComputeCapability: fields[5],
	}, nil
}

// parseMiB tolerates "[N/A]" for fields older drivers don't report.
func parseMiB(s string) int64 {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return v
}

func (p *NvidiaSMIProbe) cudaVersion(ctx context.Context) string {
	queryCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	out, err := exec.CommandContext(queryCtx, "nvidia-smi").Output()
	if err != nil {
		return "unknown"
	}
	const marker = "CUDA Version:"
	idx := strings.Index(string(out), marker)
	if idx < 0 {
		return "unknown"
	}
	rest := strings.TrimSpace(string(out)[idx+len(marker):])
	if cut := strings.IndexAny(rest, " |\n"); cut > 0 {
		rest = rest[:cut]
	}
	return rest
}

type parseError struct {
	line string
}

func (e *parseError) Error() string {
	return "unexpected nvidia-smi line: " + e.line
}

// HostProbe is the CPU-only fallback. It reports the host CPU as the device
// name with the zero-VRAM sentinel, so the registry never routes GPU work
// here.
type HostProbe struct {
	deviceName string
	logger     logger.Logger
}

func NewHostProbe(log logger.Logger) *HostProbe {
	name := "cpu"
	if infos, err := cpu.Info(); err == nil && len(infos) > 0 && infos[0].ModelName != "" {
		name = infos[0].ModelName
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		log.Info("Host memory", "totalMiB", vm.Total/1024/1024, "availableMiB", vm.Available/1024/1024)
	}
	return &HostProbe{deviceName: name, logger: log}
}

func (p *HostProbe) Snapshot(ctx context.Context) protocol.GPUInfo {
	return cpuOnlyInfo(p.deviceName)
}

func cpuOnlyInfo(deviceName string) protocol.GPUInfo {
	if deviceName == "" {
		deviceName = "cpu"
	}
	return protocol.GPUInfo{
		DeviceName:        deviceName,
		CUDAVersion:       "N/A",
		ComputeCapability: "N/A",
	}
}

// StaticProbe returns a fixed snapshot; used in tests and simulations.
type StaticProbe struct {
	Info protocol.GPUInfo
}

func (p *StaticProbe) Snapshot(ctx context.Context) protocol.GPUInfo {
	return p.Info
}
