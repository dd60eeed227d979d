// Package events carries lifecycle events emitted by supervisors, engines
// and the manager. Publishers must be cheap and must not block callers.
package events

// Event represents an engine or process lifecycle event.
// Minimal and stable: name + provider/model and optional fields.
type Event struct {
	Name     string
	Provider string
	ModelID  string
	Fields   map[string]any
}

// Publisher receives events. Implementations should be lightweight and
// non-blocking; Publish must not panic.
type Publisher interface {
	Publish(Event)
}

// Noop drops every event. It is the default when no publisher is configured.
type Noop struct{}

func (Noop) Publish(Event) {}

// OrNoop returns p, or Noop when p is nil.
func OrNoop(p Publisher) Publisher {
	if p == nil {
		return Noop{}
	}
	return p
}

// Fanout publishes to every non-nil publisher in order.
type Fanout []Publisher

func (f Fanout) Publish(e Event) {
	for _, p := range f {
		if p != nil {
			p.Publish(e)
		}
	}
}
