package engine

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"engined/internal/events"
	"engined/internal/procstat"
	"engined/internal/supervisor"
)

// Options carries collaborators shared by engine variants.
type Options struct {
	Logger     zerolog.Logger
	Publisher  events.Publisher
	HTTPClient *http.Client

	// LoadTimeout bounds one underlying model load.
	LoadTimeout time.Duration
	// Catalog fills model_path for local loads that omit it.
	Catalog ModelPathResolver
	// OnSessionLost fires once per Ready session lost with its process.
	OnSessionLost func(Session, error)

	// Supervisor holds health and restart policy for local engines. Process
	// identity fields are taken from the descriptor.
	Supervisor supervisor.Config
	ProcStat   procstat.Reader
}

func (o Options) httpClient() *http.Client {
	if o.HTTPClient != nil {
		return o.HTTPClient
	}
	// Streams may run long; requests are bounded by their contexts.
	return &http.Client{Timeout: 0}
}
