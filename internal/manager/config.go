package manager

import (
	"net/http"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"engined/internal/common/fsutil"
	"engined/internal/config"
	"engined/internal/engine"
	"engined/internal/events"
	"engined/internal/monitor"
	"engined/internal/registry"
	"engined/internal/router"
	"engined/internal/supervisor"
	"engined/internal/telemetry"
)

// Config wires a Manager. Zero values take the component defaults.
type Config struct {
	AppVersion string
	// DataFolder holds the crash report file and, by default, the models.
	DataFolder string
	ModelsDir  string
	Engines    []engine.Descriptor

	Supervisor supervisor.Config
	Monitor    monitor.Config
	Timeouts   router.Timeouts
	// LoadTimeout bounds one underlying model load inside an engine.
	LoadTimeout time.Duration
	Telemetry   telemetry.Config
	// Sink receives crash reports. Nil means the crash report file under
	// DataFolder, or nothing when DataFolder is empty.
	Sink telemetry.Sink

	Logger     zerolog.Logger
	Publisher  events.Publisher
	HTTPClient *http.Client
	// NewFactory builds engines; nil uses registry.NewFactory.
	NewFactory func(engine.Options) registry.Factory
}

// FromConfig maps the service configuration onto a manager Config.
func FromConfig(c config.Config, appVersion string, log zerolog.Logger) (Config, error) {
	descs, err := c.Descriptors()
	if err != nil {
		return Config{}, err
	}
	dataFolder, err := fsutil.ExpandHome(c.DataFolderPath)
	if err != nil {
		return Config{}, err
	}
	modelsDir, err := fsutil.ExpandHome(c.ModelsDir)
	if err != nil {
		return Config{}, err
	}
	t := c.Telemetry
	mc := Config{
		AppVersion: appVersion,
		DataFolder: dataFolder,
		ModelsDir:  modelsDir,
		Engines:    descs,
		Supervisor: c.SupervisorTemplate(),
		Monitor: monitor.Config{
			Interval:    c.Monitor.Interval.Std(),
			HistorySize: c.Monitor.HistorySize,
		},
		Timeouts: c.RouterTimeouts(),
		Telemetry: telemetry.Config{
			Policy:          telemetry.Policy(t.Policy),
			BatchSize:       t.BatchSize,
			FlushInterval:   t.FlushInterval.Std(),
			DedupWindow:     t.DedupWindow,
			DeliveryTimeout: t.DeliveryTimeout.Std(),
		},
		Logger: log,
	}
	mc.Sink = sinkFor(t, dataFolder)
	return mc, nil
}

func sinkFor(t config.Telemetry, dataFolder string) telemetry.Sink {
	if t.Disabled {
		return telemetry.NopSink{}
	}
	var sinks telemetry.MultiSink
	if !t.DisableFile && dataFolder != "" {
		sinks = append(sinks, telemetry.NewFileSink(dataFolder))
	}
	if t.Endpoint != "" {
		sinks = append(sinks, &telemetry.HTTPSink{URL: t.Endpoint, Headers: t.Headers})
	}
	switch len(sinks) {
	case 0:
		return telemetry.NopSink{}
	case 1:
		return sinks[0]
	}
	return sinks
}

func (c Config) modelsDir() string {
	if c.ModelsDir != "" {
		return c.ModelsDir
	}
	if c.DataFolder == "" {
		return ""
	}
	return filepath.Join(c.DataFolder, "models")
}
