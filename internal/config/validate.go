package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"

	"engined/internal/common/fsutil"
	"engined/internal/engine"
	"engined/internal/router"
	"engined/internal/supervisor"
	"engined/internal/telemetry"
)

// Validate reports every problem found, joined.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Addr) == "" {
		errs = append(errs, errors.New("addr is required"))
	}
	if c.EngineBasePort <= 0 || c.EngineBasePort > 65535 {
		errs = append(errs, fmt.Errorf("engine_base_port %d out of range", c.EngineBasePort))
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	switch c.LogFormat {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format %q: want console or json", c.LogFormat))
	}
	switch telemetry.Policy(c.Telemetry.Policy) {
	case telemetry.PolicyImmediate, telemetry.PolicyBatched:
	default:
		errs = append(errs, fmt.Errorf("telemetry.policy %q: want immediate or batched", c.Telemetry.Policy))
	}

	seen := map[string]bool{}
	ports := map[int]string{}
	descs, err := c.Descriptors()
	if err != nil {
		errs = append(errs, err)
	}
	for _, d := range descs {
		if seen[d.Provider] {
			errs = append(errs, fmt.Errorf("engine %s: duplicate provider", d.Provider))
		}
		seen[d.Provider] = true
		if err := d.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if d.Kind == engine.KindLocal {
			if other, ok := ports[d.Local.Port]; ok {
				errs = append(errs, fmt.Errorf("engine %s: port %d already used by %s", d.Provider, d.Local.Port, other))
			}
			ports[d.Local.Port] = d.Provider
		}
	}
	return errors.Join(errs...)
}

// Descriptors turns the engine list into registry descriptors. Local engines
// without a port get EngineBasePort plus their index in the list.
func (c Config) Descriptors() ([]engine.Descriptor, error) {
	out := make([]engine.Descriptor, 0, len(c.Engines))
	var errs []error
	for i, e := range c.Engines {
		d := engine.Descriptor{Provider: e.Provider, Kind: e.Kind}
		switch e.Kind {
		case engine.KindLocal:
			exe, err := fsutil.ExpandHome(e.Executable)
			if err != nil {
				errs = append(errs, fmt.Errorf("engine %s: %w", e.Provider, err))
			}
			host, port := e.Host, e.Port
			if host == "" {
				host = c.EngineHost
			}
			if port == 0 {
				port = c.EngineBasePort + i
			}
			d.Local = &engine.LocalConfig{
				Host:               host,
				Port:               port,
				ExecutablePath:     exe,
				AcceleratorDevices: e.Devices,
				ExtraArgs:          e.ExtraArgs,
			}
		case engine.KindRemote:
			key := e.APIKey
			if key == "" && e.APIKeyEnv != "" {
				key = os.Getenv(e.APIKeyEnv)
			}
			d.Remote = &engine.RemoteConfig{APIBaseURL: e.APIBaseURL, APIKey: key, Timeout: e.Timeout.Std()}
		}
		out = append(out, d)
	}
	return out, errors.Join(errs...)
}

// SupervisorTemplate returns the process settings shared by local engines.
func (c Config) SupervisorTemplate() supervisor.Config {
	s := c.Supervisor
	return supervisor.Config{
		HealthPath:         s.HealthPath,
		HealthInterval:     s.HealthInterval.Std(),
		HealthTimeout:      s.HealthTimeout.Std(),
		StartTimeout:       s.StartTimeout.Std(),
		StopTimeout:        s.StopTimeout.Std(),
		UnhealthyThreshold: s.UnhealthyThreshold,
		RestartThreshold:   s.RestartThreshold,
		MaxRestarts:        s.MaxRestarts,
		RestartWindow:      s.RestartWindow.Std(),
	}
}

// RouterTimeouts returns the per-operation timeouts.
func (c Config) RouterTimeouts() router.Timeouts {
	return router.Timeouts{
		Load:   c.Router.LoadTimeout.Std(),
		Unload: c.Router.UnloadTimeout.Std(),
		Infer:  c.Router.InferTimeout.Std(),
	}
}
