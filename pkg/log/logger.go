package log

// Logger receives protocol log events. Implementations must be safe for
// concurrent use and should not block; the multiplexer calls Log from its
// receive loop.
type Logger interface {
	Log(event Event)
}

// NoopLogger discards all events. It is usable as a zero value.
type NoopLogger struct{}

// Log discards the event.
func (NoopLogger) Log(Event) {}

// Compile-time interface satisfaction check.
var _ Logger = NoopLogger{}
