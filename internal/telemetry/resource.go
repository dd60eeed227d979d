package telemetry

import (
	"context"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v4/host"
)

// DetectResource describes the running host. Lookup failures fall back to
// the Go runtime names.
func DetectResource(ctx context.Context, appVersion string) Resource {
	r := Resource{
		Timestamp:    time.Now(),
		OSName:       runtime.GOOS,
		AppVersion:   appVersion,
		Architecture: runtime.GOARCH,
	}
	info, err := host.InfoWithContext(ctx)
	if err != nil || info == nil {
		return r
	}
	if info.Platform != "" {
		r.OSName = info.Platform
	}
	r.OSVersion = info.PlatformVersion
	if r.OSVersion == "" {
		r.OSVersion = info.KernelVersion
	}
	if info.KernelArch != "" {
		r.Architecture = info.KernelArch
	}
	return r
}
