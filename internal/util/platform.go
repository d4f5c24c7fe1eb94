package util

import (
	"fmt"
	"net"
	"os"
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

const mb = 1024 * 1024

// SystemInfo holds information about the host system.
type SystemInfo struct {
	Hostname     string `json:"hostname"`
	OS           string `json:"os"`
	Architecture string `json:"architecture"`
	CPUModel     string `json:"cpu_model"`
	CPUCores     int    `json:"cpu_cores"`
	TotalMemory  uint64 `json:"total_memory_mb"`
	Uptime       uint64 `json:"uptime_sec"`
}

// GetSystemInfo gathers host information. Fields gopsutil cannot read stay empty.
func GetSystemInfo() SystemInfo {
	info := SystemInfo{
		OS:           runtime.GOOS,
		Architecture: runtime.GOARCH,
		CPUCores:     runtime.NumCPU(),
	}

	if hostname, err := os.Hostname(); err == nil {
		info.Hostname = hostname
	}

	if hostInfo, err := host.Info(); err == nil {
		info.OS = fmt.Sprintf("%s %s", hostInfo.Platform, hostInfo.PlatformVersion)
		info.Uptime = hostInfo.Uptime
	}

	if cpuInfo, err := cpu.Info(); err == nil && len(cpuInfo) > 0 {
		info.CPUModel = cpuInfo[0].ModelName
	}

	if memInfo, err := mem.VirtualMemory(); err == nil {
		info.TotalMemory = memInfo.Total / mb
	}

	return info
}

// GetLocalIP returns the first non-loopback IPv4 address, or 127.0.0.1.
func GetLocalIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}

	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok && !ipNet.IP.IsLoopback() && ipNet.IP.To4() != nil {
			return ipNet.IP.String()
		}
	}
	return "127.0.0.1"
}

// DiskUsage holds disk usage statistics for one path.
type DiskUsage struct {
	Path        string  `json:"path"`
	TotalMB     uint64  `json:"total_mb"`
	FreeMB      uint64  `json:"free_mb"`
	UsedPercent float64 `json:"used_percent"`
}

// GetDiskUsage returns usage of the filesystem holding path.
func GetDiskUsage(path string) (*DiskUsage, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read disk usage of %s: %w", path, err)
	}

	return &DiskUsage{
		Path:        path,
		TotalMB:     usage.Total / mb,
		FreeMB:      usage.Free / mb,
		UsedPercent: usage.UsedPercent,
	}, nil
}

// GetCPUUsage returns host CPU usage since the previous call, in percent.
func GetCPUUsage() (float64, error) {
	percentages, err := cpu.Percent(0, false)
	if err != nil {
		return 0, fmt.Errorf("failed to read cpu usage: %w", err)
	}
	if len(percentages) == 0 {
		return 0, nil
	}
	return percentages[0], nil
}

// MemoryUsage holds host memory statistics.
type MemoryUsage struct {
	Total       uint64  `json:"total_mb"`
	Used        uint64  `json:"used_mb"`
	Available   uint64  `json:"available_mb"`
	UsedPercent float64 `json:"used_percent"`
}

// GetMemoryUsage returns current host memory usage.
func GetMemoryUsage() (*MemoryUsage, error) {
	memInfo, err := mem.VirtualMemory()
	if err != nil {
		return nil, fmt.Errorf("failed to read memory usage: %w", err)
	}

	return &MemoryUsage{
		Total:       memInfo.Total / mb,
		Used:        memInfo.Used / mb,
		Available:   memInfo.Available / mb,
		UsedPercent: memInfo.UsedPercent,
	}, nil
}

// ProcessUsage describes the resources used by this process.
type ProcessUsage struct {
	PID        int32   `json:"pid"`
	RSSMB      uint64  `json:"rss_mb"`
	CPUPercent float64 `json:"cpu_percent"`
	Threads    int32   `json:"threads"`
	OpenFiles  int     `json:"open_files"`
}

// GetProcessUsage returns resource usage of the running process.
func GetProcessUsage() (*ProcessUsage, error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("failed to inspect own process: %w", err)
	}

	usage := &ProcessUsage{PID: p.Pid}
	if memInfo, err := p.MemoryInfo(); err == nil {
		usage.RSSMB = memInfo.RSS / mb
	}
	if pct, err := p.CPUPercent(); err == nil {
		usage.CPUPercent = pct
	}
	if n, err := p.NumThreads(); err == nil {
		usage.Threads = n
	}
	if files, err := p.OpenFiles(); err == nil {
		usage.OpenFiles = len(files)
	}
	return usage, nil
}

// FileExists checks if a file or directory exists at the given path.
func FileExists(path string) bool {
	_, err := os.Stat(path)
	return !os.IsNotExist(err)
}
