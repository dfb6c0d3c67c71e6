package engine

import (
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/polisai/polis-runner/pkg/domain"
)

// Observer receives run snapshots. Progress is delivered whenever a node (or
// the run) changes state; completion is delivered exactly once per run with
// the final snapshot. Each observer is called from its own goroutine, never
// from the goroutine executing the run, and sees events in publish order.
type Observer interface {
	OnProgress(run domain.Run)
	OnComplete(run domain.Run)
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	Progress func(run domain.Run)
	Complete func(run domain.Run)
}

// OnProgress calls Progress if set.
func (o ObserverFuncs) OnProgress(run domain.Run) {
	if o.Progress != nil {
		o.Progress(run)
	}
}

// OnComplete calls Complete if set.
func (o ObserverFuncs) OnComplete(run domain.Run) {
	if o.Complete != nil {
		o.Complete(run)
	}
}

type eventKind int

const (
	eventProgress eventKind = iota
	eventComplete
)

type runEvent struct {
	kind eventKind
	run  domain.Run
}

// eventBus fans run events out to subscribers. Every subscriber owns an
// unbounded mailbox drained by a dedicated goroutine, so a slow or failing
// observer never blocks the run or other observers.
type eventBus struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscriber
	next   uint64
	closed bool
	wg     sync.WaitGroup
	logger *slog.Logger
}

type subscriber struct {
	id       uint64
	observer Observer
	// runID restricts delivery to one run; the subscriber is dropped after
	// that run completes.
	runID  string
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []runEvent
	closed bool
}

func newEventBus(logger *slog.Logger) *eventBus {
	return &eventBus{
		subs:   make(map[uint64]*subscriber),
		logger: logger,
	}
}

func (b *eventBus) subscribe(observer Observer, runID string) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return func() {}
	}

	b.next++
	sub := &subscriber{id: b.next, observer: observer, runID: runID}
	sub.cond = sync.NewCond(&sub.mu)
	b.subs[sub.id] = sub

	b.wg.Add(1)
	go b.drain(sub)

	return func() { b.remove(sub.id) }
}

func (b *eventBus) remove(id uint64) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	delete(b.subs, id)
	b.mu.Unlock()
	if ok {
		sub.close()
	}
}

func (b *eventBus) publish(kind eventKind, run domain.Run) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.runID != "" && sub.runID != run.ID {
			continue
		}
		sub.enqueue(runEvent{kind: kind, run: run.Clone()})
	}
}

// close stops accepting subscribers and waits until every mailbox is drained.
func (b *eventBus) close() {
	b.mu.Lock()
	b.closed = true
	subs := make([]*subscriber, 0, len(b.subs))
	for id, sub := range b.subs {
		subs = append(subs, sub)
		delete(b.subs, id)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
	b.wg.Wait()
}

func (b *eventBus) drain(sub *subscriber) {
	defer b.wg.Done()
	for {
		batch, ok := sub.next()
		if !ok {
			return
		}
		for _, ev := range batch {
			b.deliver(sub, ev)
			if sub.runID != "" && ev.kind == eventComplete {
				b.remove(sub.id)
				return
			}
		}
	}
}

func (b *eventBus) deliver(sub *subscriber, ev runEvent) {
	defer func() {
		if rec := recover(); rec != nil {
			b.logger.Error("observer panicked",
				"run_id", ev.run.ID,
				"panic", rec,
				"stack", string(debug.Stack()),
			)
		}
	}()
	switch ev.kind {
	case eventProgress:
		sub.observer.OnProgress(ev.run)
	case eventComplete:
		sub.observer.OnComplete(ev.run)
	}
}

func (s *subscriber) enqueue(ev runEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.queue = append(s.queue, ev)
	s.cond.Signal()
}

// next blocks until events are queued. It returns ok=false once the
// subscriber is closed and its queue is empty.
func (s *subscriber) next() ([]runEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.queue) == 0 && !s.closed {
		s.cond.Wait()
	}
	if len(s.queue) == 0 {
		return nil, false
	}
	batch := s.queue
	s.queue = nil
	return batch, true
}

func (s *subscriber) close() {
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
}
