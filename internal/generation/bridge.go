// ABOUTME: Generation Bridge adapting push-style engine callbacks into a pull-style stream
// ABOUTME: Token and lifecycle producers share one FIFO queue; START/END sentinels frame the output

package generation

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

// ChunkKind identifies what a Chunk carries.
type ChunkKind int

const (
	// ChunkToken carries generated text.
	ChunkToken ChunkKind = iota
	// ChunkLog carries an informational status message.
	ChunkLog
	// ChunkStart marks that the first token is ready. It carries no text.
	ChunkStart
	// ChunkError carries the engine's error message. It is always followed by END.
	ChunkError

	// chunkEnd marks that the engine returned. Never surfaced by Next.
	chunkEnd
)

func (k ChunkKind) String() string {
	switch k {
	case ChunkToken:
		return "token"
	case ChunkLog:
		return "log"
	case ChunkStart:
		return "start"
	case ChunkError:
		return "error"
	case chunkEnd:
		return "end"
	default:
		return fmt.Sprintf("ChunkKind(%d)", int(k))
	}
}

// Chunk is one element of a Stream.
type Chunk struct {
	Kind ChunkKind
	Text string
}

// Options tunes a Bridge.
type Options struct {
	// QueueSize bounds the shared queue. Producers wait when it is full.
	QueueSize int
	// MinChunkChars is the smallest token chunk pushed, in runes. A chunk
	// pushed ahead of a log, error or END may be shorter.
	MinChunkChars int
	// StopTimeout bounds how long Close waits for a cancelled engine to return.
	StopTimeout time.Duration
}

// DefaultOptions returns the options used when fields are left zero.
func DefaultOptions() Options {
	return Options{QueueSize: 64, MinChunkChars: 1, StopTimeout: 5 * time.Second}
}

// Bridge starts engine runs and exposes their output as Streams.
type Bridge struct {
	engine Engine
	opts   Options
	logger *slog.Logger
}

// NewBridge creates a Bridge for engine.
func NewBridge(engine Engine, opts Options, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultOptions()
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaults.QueueSize
	}
	if opts.MinChunkChars <= 0 {
		opts.MinChunkChars = defaults.MinChunkChars
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = defaults.StopTimeout
	}
	return &Bridge{
		engine: engine,
		opts:   opts,
		logger: logger.With("component", "bridge"),
	}
}

// Start launches the engine for req and returns the stream of its output.
// The engine is cancelled when ctx is cancelled or the stream is closed.
func (b *Bridge) Start(ctx context.Context, req *Request) *Stream {
	taskCtx, cancel := context.WithCancel(ctx)

	s := &Stream{
		queue:       make(chan Chunk, b.opts.QueueSize),
		ctx:         taskCtx,
		cancel:      cancel,
		done:        make(chan struct{}),
		stopTimeout: b.opts.StopTimeout,
		logger:      b.logger.With("session_id", req.SessionID),
	}

	tokens := &tokenProducer{ctx: taskCtx, queue: s.queue, minChars: b.opts.MinChunkChars}
	lifecycle := &lifecycleProducer{tokens: tokens}

	go b.run(s, req, tokens, lifecycle)
	return s
}

func (b *Bridge) run(s *Stream, req *Request, tokens *tokenProducer, lifecycle *lifecycleProducer) {
	defer close(s.done)

	err := b.generate(s.ctx, req, emitter{tokens, lifecycle})

	if err != nil {
		if s.ctx.Err() != nil {
			b.logger.Debug("generation stopped after cancellation", "session_id", req.SessionID, "error", err)
		} else {
			b.logger.Warn("generation failed", "session_id", req.SessionID, "error", err)
			lifecycle.fail(err)
		}
	}
	lifecycle.end()
}

func (b *Bridge) generate(ctx context.Context, req *Request, emit Emitter) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("generation panicked: %v", r)
		}
	}()
	return b.engine.Generate(ctx, req, emit)
}

// Stream is the consumer side of one engine run.
type Stream struct {
	queue  chan Chunk
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	stopTimeout time.Duration
	logger      *slog.Logger

	ended bool // consumer side only
}

// Next returns the next chunk in enqueue order. It returns io.EOF after the
// engine has finished and every chunk has been read. If ctx is cancelled it
// returns ctx.Err(); if the stream was closed it returns context.Canceled.
// Next must be called from a single goroutine.
func (s *Stream) Next(ctx context.Context) (Chunk, error) {
	if s.ended {
		return Chunk{}, io.EOF
	}

	select {
	case c := <-s.queue:
		return s.deliver(c)
	case <-ctx.Done():
		return Chunk{}, ctx.Err()
	case <-s.done:
		// The task finished. Anything it enqueued is still buffered.
		select {
		case c := <-s.queue:
			return s.deliver(c)
		default:
			if err := s.ctx.Err(); err != nil {
				return Chunk{}, err
			}
			return Chunk{}, io.EOF
		}
	}
}

func (s *Stream) deliver(c Chunk) (Chunk, error) {
	if c.Kind == chunkEnd {
		// END can still be queued after a cancellation; the run did not finish.
		if err := s.ctx.Err(); err != nil {
			return Chunk{}, err
		}
		s.ended = true
		s.cancel()
		return Chunk{}, io.EOF
	}
	return c, nil
}

// Close cancels the engine and waits for it to return, at most the bridge's
// StopTimeout. An engine still running after that is abandoned; it can no
// longer enqueue anything. Close may be called more than once.
func (s *Stream) Close() {
	s.cancel()

	timer := time.NewTimer(s.stopTimeout)
	defer timer.Stop()

	select {
	case <-s.done:
	case <-timer.C:
		s.logger.Warn("engine did not stop after cancellation", "timeout", s.stopTimeout)
	}
}

// Done is closed once the engine has returned.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// enqueue pushes c unless ctx is cancelled first.
func enqueue(ctx context.Context, queue chan<- Chunk, c Chunk) bool {
	if ctx.Err() != nil {
		return false
	}
	select {
	case queue <- c:
		return true
	case <-ctx.Done():
		return false
	}
}

// tokenProducer coalesces fragments and enqueues START before the first one.
// Its mutex also serializes the lifecycle producer, so every enqueue happens
// in callback order.
type tokenProducer struct {
	ctx      context.Context
	queue    chan<- Chunk
	minChars int

	mu      sync.Mutex
	buf     strings.Builder
	started bool
}

func (p *tokenProducer) Token(text string) {
	if text == "" {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.buf.WriteString(text)
	if utf8.RuneCountInString(p.buf.String()) < p.minChars {
		return
	}
	p.pushLocked()
}

// flushLocked pushes whatever is left in the buffer.
func (p *tokenProducer) flushLocked() {
	if p.buf.Len() > 0 {
		p.pushLocked()
	}
}

func (p *tokenProducer) pushLocked() {
	if !p.started {
		if !enqueue(p.ctx, p.queue, Chunk{Kind: ChunkStart}) {
			return
		}
		p.started = true
	}
	if enqueue(p.ctx, p.queue, Chunk{Kind: ChunkToken, Text: p.buf.String()}) {
		p.buf.Reset()
	}
}

// lifecycleProducer reports tool activity, failure and completion. Text the
// token producer is still holding back is pushed first.
type lifecycleProducer struct {
	tokens *tokenProducer
}

func (p *lifecycleProducer) push(c Chunk) {
	t := p.tokens
	t.mu.Lock()
	defer t.mu.Unlock()

	t.flushLocked()
	enqueue(t.ctx, t.queue, c)
}

func (p *lifecycleProducer) ToolStart(name string) {
	p.push(Chunk{Kind: ChunkLog, Text: "Using " + name + "..."})
}

func (p *lifecycleProducer) ToolEnd(string) {
	p.push(Chunk{Kind: ChunkLog, Text: "Done."})
}

func (p *lifecycleProducer) fail(err error) {
	p.push(Chunk{Kind: ChunkError, Text: err.Error()})
}

func (p *lifecycleProducer) end() {
	p.push(Chunk{Kind: chunkEnd})
}

// emitter is the Emitter handed to engines.
type emitter struct {
	*tokenProducer
	*lifecycleProducer
}
