package reactor

import (
	"container/heap"
	"sort"
	"sync"
	"time"

	"github.com/corralhq/corral/pkg/log"
)

// ID identifies a scheduled call or event handler for cancellation.
type ID int

// Handler is an event handler. It receives the arguments passed to
// Fire and its return value is collected into Fire's result.
type Handler func(args ...any) any

type eventHandler struct {
	id       ID
	priority int
	seq      int
	fn       Handler
	canceled bool
}

type timerEntry struct {
	id       ID
	at       time.Time
	interval time.Duration // zero for one-shot
	fn       func()
	canceled bool
	index    int
}

type timerHeap []*timerEntry

func (h timerHeap) Len() int           { return len(h) }
func (h timerHeap) Less(i, j int) bool { return h[i].at.Before(h[j].at) }
func (h timerHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *timerHeap) Push(x any)        { e := x.(*timerEntry); e.index = len(*h); *h = append(*h, e) }
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Reactor is the broker's event loop.
type Reactor struct {
	mu       sync.Mutex
	nextID   ID
	nextSeq  int
	handlers map[string][]*eventHandler
	byID     map[ID]*eventHandler
	events   map[ID]string
	timers   timerHeap
	timerIDs map[ID]*timerEntry

	queue  chan func()
	wake   chan struct{}
	stopCh chan struct{}
	done   chan struct{}
	stop   sync.Once
}

// New creates a reactor. Run must be called for timers and queued
// calls to execute; Fire works standalone for synchronous use.
func New() *Reactor {
	return &Reactor{
		handlers: make(map[string][]*eventHandler),
		byID:     make(map[ID]*eventHandler),
		events:   make(map[ID]string),
		timerIDs: make(map[ID]*timerEntry),
		queue:    make(chan func(), 128),
		wake:     make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// CallOn registers fn for the named event. Lower priority runs first;
// equal priorities run in registration order.
func (r *Reactor) CallOn(event string, fn Handler, priority int) ID {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	r.nextSeq++
	h := &eventHandler{id: r.nextID, priority: priority, seq: r.nextSeq, fn: fn}
	list := append(r.handlers[event], h)
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].priority != list[j].priority {
			return list[i].priority < list[j].priority
		}
		return list[i].seq < list[j].seq
	})
	r.handlers[event] = list
	r.byID[h.id] = h
	r.events[h.id] = event
	return h.id
}

// Fire dispatches the named event synchronously and returns the
// handler results in dispatch order. A panicking handler is logged and
// the remaining handlers still run.
func (r *Reactor) Fire(event string, args ...any) []any {
	r.mu.Lock()
	snapshot := make([]*eventHandler, len(r.handlers[event]))
	copy(snapshot, r.handlers[event])
	r.mu.Unlock()

	results := make([]any, 0, len(snapshot))
	for _, h := range snapshot {
		r.mu.Lock()
		canceled := h.canceled
		r.mu.Unlock()
		if canceled {
			continue
		}
		results = append(results, r.runHandler(event, h, args))
	}
	return results
}

func (r *Reactor) runHandler(event string, h *eventHandler, args []any) (result any) {
	defer func() {
		if p := recover(); p != nil {
			logger := log.WithComponent("reactor")
			logger.Error().
				Str("event", event).Interface("panic", p).
				Msg("event handler panicked")
		}
	}()
	return h.fn(args...)
}

// CallLater schedules fn to run once on the reactor loop after delay.
func (r *Reactor) CallLater(delay time.Duration, fn func()) ID {
	return r.schedule(delay, 0, fn)
}

// CallEvery schedules fn to run on the reactor loop every interval.
func (r *Reactor) CallEvery(interval time.Duration, fn func()) ID {
	return r.schedule(interval, interval, fn)
}

func (r *Reactor) schedule(delay, interval time.Duration, fn func()) ID {
	r.mu.Lock()
	r.nextID++
	e := &timerEntry{id: r.nextID, at: time.Now().Add(delay), interval: interval, fn: fn}
	heap.Push(&r.timers, e)
	r.timerIDs[e.id] = e
	r.mu.Unlock()
	select {
	case r.wake <- struct{}{}:
	default:
	}
	return e.id
}

// Cancel stops the timer or removes the event handler identified by
// id. Unknown ids are ignored.
func (r *Reactor) Cancel(id ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.timerIDs[id]; ok {
		e.canceled = true
		delete(r.timerIDs, id)
		return
	}
	if h, ok := r.byID[id]; ok {
		h.canceled = true
		event := r.events[id]
		list := r.handlers[event]
		for i, other := range list {
			if other.id == id {
				r.handlers[event] = append(list[:i:i], list[i+1:]...)
				break
			}
		}
		delete(r.byID, id)
		delete(r.events, id)
	}
}

// CallInMain enqueues fn for execution on the next reactor turn.
func (r *Reactor) CallInMain(fn func()) {
	select {
	case r.queue <- fn:
	case <-r.stopCh:
	}
}

// CallInThread runs fn on a worker goroutine and posts its outcome
// back to the reactor loop: callback on success, errback on error.
// Either may be nil.
func (r *Reactor) CallInThread(callback func(any), errback func(error), fn func() (any, error)) {
	go func() {
		result, err := fn()
		r.CallInMain(func() {
			if err != nil {
				if errback != nil {
					errback(err)
				}
				return
			}
			if callback != nil {
				callback(result)
			}
		})
	}()
}

// Run executes the loop until Stop. Queued calls and due timers run
// here, one at a time.
func (r *Reactor) Run() {
	defer close(r.done)
	for {
		var timerC <-chan time.Time
		var timer *time.Timer
		r.mu.Lock()
		if len(r.timers) > 0 {
			next := r.timers[0].at
			timer = time.NewTimer(time.Until(next))
			timerC = timer.C
		}
		r.mu.Unlock()

		select {
		case fn := <-r.queue:
			fn()
		case <-timerC:
			r.runDueTimers()
		case <-r.wake:
		case <-r.stopCh:
			if timer != nil {
				timer.Stop()
			}
			return
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

func (r *Reactor) runDueTimers() {
	for {
		r.mu.Lock()
		if len(r.timers) == 0 || r.timers[0].at.After(time.Now()) {
			r.mu.Unlock()
			return
		}
		e := heap.Pop(&r.timers).(*timerEntry)
		if e.canceled {
			r.mu.Unlock()
			continue
		}
		if e.interval > 0 {
			e.at = time.Now().Add(e.interval)
			heap.Push(&r.timers, e)
		} else {
			delete(r.timerIDs, e.id)
		}
		r.mu.Unlock()
		e.fn()
	}
}

// Stop ends the loop. In-flight worker results are discarded.
func (r *Reactor) Stop() {
	r.stop.Do(func() { close(r.stopCh) })
}

// Done is closed once Run has returned.
func (r *Reactor) Done() <-chan struct{} {
	return r.done
}
