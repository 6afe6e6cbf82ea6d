package notify

import (
	"context"
	"log/slog"
	"sync"
)

// Listener receives events for the channel it subscribed to.
type Listener func(Event)

// Subscription is a registered [Listener]. Remove detaches it.
type Subscription struct {
	g    *Gateway
	id   uint64
	name EventName // empty for taps
	fn   Listener
}

// Remove detaches the subscription. Safe to call more than once.
func (s *Subscription) Remove() {
	if s == nil || s.g == nil {
		return
	}
	s.g.remove(s)
}

type item struct {
	ev    Event
	flush chan struct{}
}

// Gateway fans events out to listeners in emission order.
//
// Listeners subscribe to one channel with [Gateway.AddListener]. Taps
// ([Gateway.AddTap]) observe every event and survive
// [Gateway.RemoveAllListeners]; they back telemetry and bridges such as the
// MQTT sink rather than caller subscriptions.
//
// All methods are safe for concurrent use.
type Gateway struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []item
	closed bool

	subsMu    sync.RWMutex
	nextID    uint64
	listeners map[EventName][]*Subscription
	taps      []*Subscription

	done chan struct{}
}

// New creates a Gateway and starts its dispatcher goroutine. Call
// [Gateway.Close] to stop it.
func New() *Gateway {
	g := &Gateway{
		listeners: make(map[EventName][]*Subscription),
		done:      make(chan struct{}),
	}
	g.cond = sync.NewCond(&g.mu)
	go g.dispatch()
	return g
}

// AddListener subscribes fn to name. Listeners on the same channel are called in
// registration order.
func (g *Gateway) AddListener(name EventName, fn Listener) *Subscription {
	g.subsMu.Lock()
	defer g.subsMu.Unlock()
	g.nextID++
	s := &Subscription{g: g, id: g.nextID, name: name, fn: fn}
	g.listeners[name] = append(g.listeners[name], s)
	return s
}

// AddTap subscribes fn to every event. Taps run before channel listeners.
func (g *Gateway) AddTap(fn Listener) *Subscription {
	g.subsMu.Lock()
	defer g.subsMu.Unlock()
	g.nextID++
	s := &Subscription{g: g, id: g.nextID, fn: fn}
	g.taps = append(g.taps, s)
	return s
}

// RemoveAllListeners detaches every channel listener. Taps and any in-flight
// session are unaffected; events already queued are still delivered to taps.
func (g *Gateway) RemoveAllListeners() {
	g.subsMu.Lock()
	defer g.subsMu.Unlock()
	g.listeners = make(map[EventName][]*Subscription)
}

// ListenerCount returns the number of listeners subscribed to name.
func (g *Gateway) ListenerCount(name EventName) int {
	g.subsMu.RLock()
	defer g.subsMu.RUnlock()
	return len(g.listeners[name])
}

func (g *Gateway) remove(s *Subscription) {
	g.subsMu.Lock()
	defer g.subsMu.Unlock()
	if s.name == "" {
		g.taps = without(g.taps, s.id)
		return
	}
	g.listeners[s.name] = without(g.listeners[s.name], s.id)
}

func without(subs []*Subscription, id uint64) []*Subscription {
	out := subs[:0:0]
	for _, s := range subs {
		if s.id != id {
			out = append(out, s)
		}
	}
	return out
}

// Emit queues ev for delivery and returns immediately. Events emitted after
// Close are dropped.
func (g *Gateway) Emit(ev Event) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		slog.Debug("notify: dropping event after close", "event", ev.Label())
		return
	}
	g.queue = append(g.queue, item{ev: ev})
	g.cond.Signal()
}

// Flush blocks until every event emitted before the call has been delivered, or
// ctx is done.
func (g *Gateway) Flush(ctx context.Context) error {
	ch := make(chan struct{})
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		select {
		case <-g.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	g.queue = append(g.queue, item{flush: ch})
	g.cond.Signal()
	g.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close delivers the remaining queued events and stops the dispatcher. Safe to
// call more than once.
func (g *Gateway) Close() {
	g.mu.Lock()
	if !g.closed {
		g.closed = true
		g.cond.Signal()
	}
	g.mu.Unlock()
	<-g.done
}

func (g *Gateway) dispatch() {
	defer close(g.done)
	for {
		g.mu.Lock()
		for len(g.queue) == 0 && !g.closed {
			g.cond.Wait()
		}
		if len(g.queue) == 0 {
			g.mu.Unlock()
			return
		}
		it := g.queue[0]
		g.queue[0] = item{}
		g.queue = g.queue[1:]
		g.mu.Unlock()

		if it.flush != nil {
			close(it.flush)
			continue
		}
		g.deliver(it.ev)
	}
}

func (g *Gateway) deliver(ev Event) {
	g.subsMu.RLock()
	targets := make([]*Subscription, 0, len(g.taps)+len(g.listeners[ev.Name]))
	targets = append(targets, g.taps...)
	targets = append(targets, g.listeners[ev.Name]...)
	g.subsMu.RUnlock()

	for _, s := range targets {
		call(s.fn, ev)
	}
}

func call(fn Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("notify: listener panicked", "event", ev.Label(), "panic", r)
		}
	}()
	fn(ev)
}
