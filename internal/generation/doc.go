// Package generation turns a callback-driven response generator into an
// ordered, cancellable stream of chunks.
//
// # Bridge
//
// An Engine produces output by calling an Emitter at arbitrary times, possibly
// from several goroutines. Bridge.Start runs the engine in its own goroutine
// and gives it an Emitter made of two producers that share one FIFO queue:
//
//   - the token producer, called for every generated fragment
//   - the lifecycle producer, called on tool start/end and when the engine returns
//
// The consumer calls Stream.Next and sees chunks in exactly the order they
// were enqueued. A START chunk precedes the first token. When the engine
// returns, the lifecycle producer enqueues END; Next reports END as io.EOF and
// never returns it as content.
//
// # Coalescing
//
// Token fragments are buffered until they reach MinChunkChars runes, then
// pushed as one chunk. Whatever is buffered is flushed before any lifecycle
// chunk (log, error or END) is enqueued, under the same lock, so coalescing
// never reorders or drops content.
//
// # Cancellation
//
// The engine runs under a context derived from the one passed to Start.
// Cancelling that context, or calling Stream.Close, cancels the engine.
// Close then waits for the engine to return, bounded by StopTimeout.
// Producers select on the same context, so an engine that keeps emitting
// after its consumer has gone never blocks.
//
// # Engines
//
//   - EchoEngine streams the prompt back; used for development and tests
//   - OpenAIEngine streams an OpenAI-compatible chat completion
package generation
