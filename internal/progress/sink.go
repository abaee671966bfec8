package progress

import "context"

// Sink consumes batches of events. Implementations must be safe for repeated
// calls, honor ctx deadlines, and may be invoked concurrently.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter publishes individual events; Hub satisfies this interface so the
// monitor and dispatcher stay agnostic about buffering or persistence.
type Emitter interface {
	Emit(evt Event)
}

// Discard drops every event.
var Discard Emitter = discard{}

type discard struct{}

func (discard) Emit(Event) {}

// OrDiscard returns e, or Discard when e is nil.
func OrDiscard(e Emitter) Emitter {
	if e == nil {
		return Discard
	}
	return e
}
