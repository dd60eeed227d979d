package telemetry

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"engined/internal/engine"
)

const crashTopic = "engined.crash_reports"

// Config tunes the reporter.
type Config struct {
	Policy        Policy
	BatchSize     int
	FlushInterval time.Duration
	// DedupWindow is how many recent reports are compared against a new one.
	DedupWindow     int
	DeliveryTimeout time.Duration
	Resource        Resource
	Logger          zerolog.Logger
}

func (c *Config) applyDefaults() {
	if c.Policy == "" {
		c.Policy = PolicyImmediate
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 20
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 30 * time.Second
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = 50
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = 10 * time.Second
	}
}

// Reporter accepts crash reports and forwards them to a Sink in the
// background. Report never blocks on delivery and never fails.
type Reporter struct {
	cfg  Config
	sink Sink
	log  zerolog.Logger

	pubsub *gochannel.GoChannel
	done   chan struct{}

	mu     sync.Mutex
	recent []string
	closed bool
}

// NewReporter starts the forwarder. A nil sink drops every report.
func NewReporter(cfg Config, sink Sink) (*Reporter, error) {
	cfg.applyDefaults()
	switch cfg.Policy {
	case PolicyImmediate, PolicyBatched:
	default:
		return nil, errors.Errorf("telemetry: unknown delivery policy %q", cfg.Policy)
	}
	if sink == nil {
		sink = NopSink{}
	}
	log := cfg.Logger.With().Str("component", "telemetry").Logger()
	ps := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 256}, newZerologAdapter(log))
	msgs, err := ps.Subscribe(context.Background(), crashTopic)
	if err != nil {
		return nil, errors.Wrap(err, "subscribe crash topic")
	}
	r := &Reporter{
		cfg:    cfg,
		sink:   sink,
		log:    log,
		pubsub: ps,
		done:   make(chan struct{}),
	}
	go r.forward(msgs)
	return r, nil
}

// Report queues rep for delivery. Reports equal to one in the recent window
// are dropped.
func (r *Reporter) Report(rep CrashReport) {
	if rep.Timestamp.IsZero() {
		rep.Timestamp = time.Now()
	}
	if rep.ID == "" {
		rep.ID = uuid.NewString()
	}
	if drop := r.admit(rep); drop != "" {
		reportsTotal.WithLabelValues(drop).Inc()
		r.log.Debug().Str("model", rep.ModelID).Str("operation", rep.Operation).Str("reason", drop).Msg("crash report dropped")
		return
	}
	b, err := json.Marshal(rep)
	if err != nil {
		r.log.Warn().Err(err).Msg("encode crash report")
		return
	}
	if err := r.pubsub.Publish(crashTopic, message.NewMessage(watermill.NewUUID(), b)); err != nil {
		r.log.Warn().Err(err).Msg("publish crash report")
		return
	}
	reportsTotal.WithLabelValues("published").Inc()
}

// admit records rep in the dedup window. It returns the reason to drop the
// report, or "" to publish it.
func (r *Reporter) admit(rep CrashReport) string {
	key := rep.ModelID + "\x00" + rep.Provider + "\x00" + rep.Operation + "\x00" + rep.Error + "\x00" + string(rep.Params)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return "closed"
	}
	for _, k := range r.recent {
		if k == key {
			return "deduplicated"
		}
	}
	r.recent = append(r.recent, key)
	if over := len(r.recent) - r.cfg.DedupWindow; over > 0 {
		r.recent = append(r.recent[:0], r.recent[over:]...)
	}
	return ""
}

func (r *Reporter) forward(msgs <-chan *message.Message) {
	defer close(r.done)
	if r.cfg.Policy == PolicyImmediate {
		for msg := range msgs {
			if rep, ok := r.decode(msg); ok {
				r.deliver([]CrashReport{rep})
			}
		}
		return
	}

	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()
	var batch []CrashReport
	flush := func() {
		if len(batch) > 0 {
			r.deliver(batch)
			batch = nil
		}
	}
	for {
		select {
		case msg, ok := <-msgs:
			if !ok {
				flush()
				return
			}
			if rep, ok := r.decode(msg); ok {
				batch = append(batch, rep)
			}
			if len(batch) >= r.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (r *Reporter) decode(msg *message.Message) (CrashReport, bool) {
	defer msg.Ack()
	var rep CrashReport
	if err := json.Unmarshal(msg.Payload, &rep); err != nil {
		r.log.Warn().Err(err).Str("message_uuid", msg.UUID).Msg("decode crash report")
		return CrashReport{}, false
	}
	return rep, true
}

// deliver hands reports to the sink. Failures are logged and counted only.
func (r *Reporter) deliver(reports []CrashReport) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.DeliveryTimeout)
	defer cancel()
	res := r.cfg.Resource
	res.Timestamp = time.Now()
	if err := r.sink.Deliver(ctx, Envelope{Resource: res, Reports: reports}); err != nil {
		err = engine.ErrTelemetryDelivery(r.sink.Name(), err)
		deliveryFailuresTotal.WithLabelValues(r.sink.Name()).Inc()
		r.log.Warn().Err(err).Int("reports", len(reports)).Msg("crash report delivery failed")
		return
	}
	r.log.Debug().Int("reports", len(reports)).Str("sink", r.sink.Name()).Msg("crash reports delivered")
}

// Close stops accepting reports, flushes pending ones and waits for the
// forwarder until ctx is done.
func (r *Reporter) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()
	if err := r.pubsub.Close(); err != nil {
		r.log.Warn().Err(err).Msg("close crash pubsub")
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
