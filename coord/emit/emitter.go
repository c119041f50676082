package emit

// Emitter receives observability events from the coordination layer.
//
// Implementations should be:
//   - Non-blocking: never slow down the transaction path
//   - Thread-safe: the processor and controller emit concurrently
//   - Resilient: a failing backend must not crash coordination
//
// Emit must not panic; errors are handled internally.
type Emitter interface {
	Emit(event Event)
}
