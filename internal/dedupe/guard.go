// ABOUTME: Thread-safe, TTL-bounded guard for in-flight request keys.
// ABOUTME: Refuses a second concurrent stream for the same idempotency key.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type heldKey struct {
	acquired time.Time
	element  *list.Element
	token    uint64
}

// Guard records which request keys are currently streaming.
// Uses a doubly-linked list in acquisition order for O(1) eviction.
type Guard struct {
	mu      sync.Mutex
	held    map[string]*heldKey
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
	issued  uint64 // last token handed out
}

// New creates a guard whose keys expire after ttl even if never released.
// A background goroutine sweeps expired keys once a minute.
func New(ttl time.Duration, maxSize int) *Guard {
	if maxSize <= 0 {
		maxSize = 10000
	}
	g := &Guard{
		held:    make(map[string]*heldKey),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go g.sweepLoop()
	return g
}

// Key builds the guard key for an assistant turn.
func Key(sessionID, clientReqID string) string {
	return sessionID + "\x00" + clientReqID
}

// Acquire marks key as in flight and returns the token that releases it.
// ok is false if the key is already held and has not expired, in which case
// the caller must not proceed.
func (g *Guard) Acquire(key string) (token uint64, ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if h, exists := g.held[key]; exists {
		if now.Sub(h.acquired) < g.ttl {
			return 0, false
		}
		g.removeLocked(key, h)
	}

	if len(g.held) >= g.maxSize {
		g.evictOldestLocked()
	}

	g.issued++
	g.held[key] = &heldKey{
		acquired: now,
		element:  g.order.PushBack(key),
		token:    g.issued,
	}
	return g.issued, true
}

// Release frees key if it is still held under token. A hold that expired and
// was re-acquired by another request is left alone.
func (g *Guard) Release(key string, token uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if h, ok := g.held[key]; ok && h.token == token {
		g.removeLocked(key, h)
	}
}

// inFlight reports whether key is currently held and unexpired.
func (g *Guard) inFlight(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	h, ok := g.held[key]
	return ok && g.now().Sub(h.acquired) < g.ttl
}

// size returns the number of keys currently tracked, expired or not.
func (g *Guard) size() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.held)
}

func (g *Guard) removeLocked(key string, h *heldKey) {
	g.order.Remove(h.element)
	delete(g.held, key)
}

func (g *Guard) evictOldestLocked() {
	front := g.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	g.order.Remove(front)
	delete(g.held, key)
}

func (g *Guard) sweepLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			g.sweep()
		case <-g.done:
			return
		}
	}
}

// sweep drops every expired key. Keys are in acquisition order, so it
// stops at the first live one.
func (g *Guard) sweep() {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	for e := g.order.Front(); e != nil; {
		key, _ := e.Value.(string)
		h := g.held[key]
		if h == nil || now.Sub(h.acquired) < g.ttl {
			break
		}
		next := e.Next()
		g.removeLocked(key, h)
		e = next
	}
}

// Close stops the sweeper. It is safe to call multiple times.
func (g *Guard) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.closed {
		close(g.done)
		g.closed = true
	}
}
