// Package procstat samples memory usage of a native engine process: resident
// memory through gopsutil and accelerator memory through DRM fdinfo.
package procstat

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v4/process"
)

// Usage is the memory footprint of one process.
type Usage struct {
	RAMBytes  uint64
	VRAMBytes uint64
}

// Reader samples processes. The zero value reads from /proc.
type Reader struct {
	// ProcRoot overrides the procfs mount, used by tests.
	ProcRoot string
}

// Sample returns RSS and VRAM of pid. VRAM is zero where fdinfo is not
// available; a missing process is an error.
func (r Reader) Sample(ctx context.Context, pid int) (Usage, error) {
	if pid <= 0 {
		return Usage{}, fmt.Errorf("procstat: invalid pid %d", pid)
	}
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return Usage{}, fmt.Errorf("procstat: pid %d: %w", pid, err)
	}
	mem, err := p.MemoryInfoWithContext(ctx)
	if err != nil {
		return Usage{}, fmt.Errorf("procstat: memory of pid %d: %w", pid, err)
	}
	u := Usage{RAMBytes: mem.RSS}
	if runtime.GOOS == "linux" || r.ProcRoot != "" {
		u.VRAMBytes = r.vram(pid)
	}
	return u, nil
}

// vram sums drm-memory-vram over distinct DRM clients of pid. Several fds
// may refer to the same client, so the largest value per client wins.
func (r Reader) vram(pid int) uint64 {
	root := r.ProcRoot
	if root == "" {
		root = "/proc"
	}
	dir := filepath.Join(root, strconv.Itoa(pid), "fdinfo")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	perClient := map[string]uint64{}
	for _, e := range entries {
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		client, v, ok := parseFDInfo(string(data))
		if !ok {
			continue
		}
		if client == "" {
			client = "fd:" + e.Name()
		}
		if v > perClient[client] {
			perClient[client] = v
		}
	}
	var total uint64
	for _, v := range perClient {
		total += v
	}
	return total
}

// parseFDInfo extracts the DRM client id and VRAM bytes from one fdinfo file.
func parseFDInfo(data string) (client string, vram uint64, ok bool) {
	for _, line := range strings.Split(data, "\n") {
		key, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)
		switch key {
		case "drm-client-id":
			client = value
		case "drm-memory-vram", "amd-memory-vram", "drm-resident-vram0", "drm-resident-local0":
			if n, parsed := parseBytes(value); parsed {
				if n > vram {
					vram = n
				}
				ok = true
			}
		}
	}
	return client, vram, ok
}

func parseBytes(s string) (uint64, bool) {
	fields := strings.Fields(strings.ToLower(s))
	if len(fields) == 0 {
		return 0, false
	}
	n, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil {
		return 0, false
	}
	unit := ""
	if len(fields) > 1 {
		unit = fields[1]
	}
	switch unit {
	case "", "b", "bytes":
		return n, true
	case "kib", "kb":
		return n << 10, true
	case "mib", "mb":
		return n << 20, true
	case "gib", "gb":
		return n << 30, true
	default:
		return 0, false
	}
}
