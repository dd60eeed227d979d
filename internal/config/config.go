// Package config loads the engined configuration file.
package config

import (
	"fmt"
	"time"

	"engined/internal/engine"
)

// Duration is a time.Duration that reads "5s" style strings in every
// supported file format.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) { return []byte(time.Duration(d).String()), nil }

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(b), err)
	}
	*d = Duration(v)
	return nil
}

// Config holds runtime parameters for the service.
// Zero values mean "unspecified" and are replaced by ApplyDefaults.
type Config struct {
	Addr           string `json:"addr" yaml:"addr" toml:"addr"`
	EngineHost     string `json:"engine_host" yaml:"engine_host" toml:"engine_host"`
	EngineBasePort int    `json:"engine_base_port" yaml:"engine_base_port" toml:"engine_base_port"`
	DataFolderPath string `json:"data_folder" yaml:"data_folder" toml:"data_folder"`
	// ModelsDir defaults to <data_folder>/models.
	ModelsDir string `json:"models_dir" yaml:"models_dir" toml:"models_dir"`
	LogLevel  string `json:"log_level" yaml:"log_level" toml:"log_level"`
	LogFormat string `json:"log_format" yaml:"log_format" toml:"log_format"`

	Engines    []Engine   `json:"engines" yaml:"engines" toml:"engines"`
	Supervisor Supervisor `json:"supervisor" yaml:"supervisor" toml:"supervisor"`
	Monitor    Monitor    `json:"monitor" yaml:"monitor" toml:"monitor"`
	Router     Router     `json:"router" yaml:"router" toml:"router"`
	Telemetry  Telemetry  `json:"telemetry" yaml:"telemetry" toml:"telemetry"`
	CORS       CORS       `json:"cors" yaml:"cors" toml:"cors"`
}

// Engine is one configured engine. Kind may be omitted: an executable
// implies local, an api base url implies remote.
type Engine struct {
	Provider   string      `json:"provider" yaml:"provider" toml:"provider"`
	Kind       engine.Kind `json:"kind" yaml:"kind" toml:"kind"`
	Executable string      `json:"executable" yaml:"executable" toml:"executable"`
	Devices    []string    `json:"devices" yaml:"devices" toml:"devices"`
	ExtraArgs  []string    `json:"extra_args" yaml:"extra_args" toml:"extra_args"`
	Host       string      `json:"host" yaml:"host" toml:"host"`
	Port       int         `json:"port" yaml:"port" toml:"port"`

	APIBaseURL string `json:"api_base_url" yaml:"api_base_url" toml:"api_base_url"`
	APIKey     string `json:"api_key" yaml:"api_key" toml:"api_key"`
	// APIKeyEnv names an environment variable holding the key.
	APIKeyEnv string   `json:"api_key_env" yaml:"api_key_env" toml:"api_key_env"`
	Timeout   Duration `json:"timeout" yaml:"timeout" toml:"timeout"`
}

// Supervisor tunes every local engine process.
type Supervisor struct {
	HealthPath         string   `json:"health_path" yaml:"health_path" toml:"health_path"`
	HealthInterval     Duration `json:"health_interval" yaml:"health_interval" toml:"health_interval"`
	HealthTimeout      Duration `json:"health_timeout" yaml:"health_timeout" toml:"health_timeout"`
	StartTimeout       Duration `json:"start_timeout" yaml:"start_timeout" toml:"start_timeout"`
	StopTimeout        Duration `json:"stop_timeout" yaml:"stop_timeout" toml:"stop_timeout"`
	UnhealthyThreshold int      `json:"unhealthy_threshold" yaml:"unhealthy_threshold" toml:"unhealthy_threshold"`
	RestartThreshold   int      `json:"restart_threshold" yaml:"restart_threshold" toml:"restart_threshold"`
	// MaxRestarts within RestartWindow; negative disables restarts.
	MaxRestarts   int      `json:"max_restarts" yaml:"max_restarts" toml:"max_restarts"`
	RestartWindow Duration `json:"restart_window" yaml:"restart_window" toml:"restart_window"`
}

// Monitor tunes resource sampling.
type Monitor struct {
	Interval    Duration `json:"interval" yaml:"interval" toml:"interval"`
	HistorySize int      `json:"history_size" yaml:"history_size" toml:"history_size"`
}

// Router holds per-operation timeouts.
type Router struct {
	LoadTimeout   Duration `json:"load_timeout" yaml:"load_timeout" toml:"load_timeout"`
	UnloadTimeout Duration `json:"unload_timeout" yaml:"unload_timeout" toml:"unload_timeout"`
	InferTimeout  Duration `json:"infer_timeout" yaml:"infer_timeout" toml:"infer_timeout"`
}

// Telemetry configures crash reporting.
type Telemetry struct {
	Disabled        bool              `json:"disabled" yaml:"disabled" toml:"disabled"`
	Policy          string            `json:"policy" yaml:"policy" toml:"policy"`
	BatchSize       int               `json:"batch_size" yaml:"batch_size" toml:"batch_size"`
	FlushInterval   Duration          `json:"flush_interval" yaml:"flush_interval" toml:"flush_interval"`
	DedupWindow     int               `json:"dedup_window" yaml:"dedup_window" toml:"dedup_window"`
	DeliveryTimeout Duration          `json:"delivery_timeout" yaml:"delivery_timeout" toml:"delivery_timeout"`
	Endpoint        string            `json:"endpoint" yaml:"endpoint" toml:"endpoint"`
	Headers         map[string]string `json:"headers" yaml:"headers" toml:"headers"`
	// DisableFile turns off the local crash report file.
	DisableFile bool `json:"disable_file" yaml:"disable_file" toml:"disable_file"`
}

// CORS is off unless origins are listed.
type CORS struct {
	AllowedOrigins []string `json:"allowed_origins" yaml:"allowed_origins" toml:"allowed_origins"`
}

// ApplyDefaults fills unspecified fields.
func (c *Config) ApplyDefaults() {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.EngineHost == "" {
		c.EngineHost = "127.0.0.1"
	}
	if c.EngineBasePort == 0 {
		c.EngineBasePort = 3928
	}
	if c.DataFolderPath == "" {
		c.DataFolderPath = "~/.engined"
	}
	if c.ModelsDir == "" {
		c.ModelsDir = c.DataFolderPath + "/models"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "console"
	}
	for i := range c.Engines {
		e := &c.Engines[i]
		if e.Kind == 0 {
			switch {
			case e.Executable != "":
				e.Kind = engine.KindLocal
			case e.APIBaseURL != "":
				e.Kind = engine.KindRemote
			}
		}
	}
	if c.Telemetry.Policy == "" {
		c.Telemetry.Policy = "immediate"
	}
}
