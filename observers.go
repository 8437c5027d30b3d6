package session

import (
	"sync"

	"github.com/bt-bridge/rtc-session/shared"
)

type (
	StateHandler        func(state SessionState)
	RemoteJoinedHandler func(p RemoteParticipant)
	RemoteLeftHandler   func(p RemoteParticipant, reason string)
	AudioLevelHandler   func(levels []AudioLevel)
	ErrorHandler        func(err error)
)

// handlerList is an ordered set of handlers; delivery follows registration order.
type handlerList[T any] struct {
	mu      sync.Mutex
	nextID  uint64
	entries []handlerEntry[T]
}

type handlerEntry[T any] struct {
	id uint64
	fn T
}

func (l *handlerList[T]) add(fn T) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextID++
	id := l.nextID
	l.entries = append(l.entries, handlerEntry[T]{id: id, fn: fn})
	var once sync.Once
	return func() {
		once.Do(func() { l.remove(id) })
	}
}

func (l *handlerList[T]) remove(id uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, e := range l.entries {
		if e.id == id {
			l.entries = append(l.entries[:i:i], l.entries[i+1:]...)
			return
		}
	}
}

func (l *handlerList[T]) snapshot() []T {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]T, len(l.entries))
	for i, e := range l.entries {
		out[i] = e.fn
	}
	return out
}

func (l *handlerList[T]) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// observers is the per-channel handler registry of a Manager.
type observers struct {
	state  handlerList[StateHandler]
	joined handlerList[RemoteJoinedHandler]
	left   handlerList[RemoteLeftHandler]
	levels handlerList[AudioLevelHandler]
	errs   handlerList[ErrorHandler]
}

func register[T any](l *handlerList[T], fn T, isNil bool) (func(), error) {
	if isNil {
		return nil, shared.ErrHandlerRequired
	}
	return l.add(fn), nil
}

// RegisterStateHandler adds h to the state change handlers. The returned
// function removes it again.
func (m *Manager) RegisterStateHandler(h StateHandler) (func(), error) {
	return register(&m.obs.state, h, h == nil)
}

func (m *Manager) RegisterRemoteJoinedHandler(h RemoteJoinedHandler) (func(), error) {
	return register(&m.obs.joined, h, h == nil)
}

func (m *Manager) RegisterRemoteLeftHandler(h RemoteLeftHandler) (func(), error) {
	return register(&m.obs.left, h, h == nil)
}

// RegisterAudioLevelHandler receives raw audio level samples; they never
// touch SessionState.
func (m *Manager) RegisterAudioLevelHandler(h AudioLevelHandler) (func(), error) {
	return register(&m.obs.levels, h, h == nil)
}

// RegisterErrorHandler receives every classified error, including the ones
// also returned to callers.
func (m *Manager) RegisterErrorHandler(h ErrorHandler) (func(), error) {
	return register(&m.obs.errs, h, h == nil)
}

// dispatcher runs queued deliveries in FIFO order. Deliveries are queued
// while the caller holds the state lock, so queue order is mutation order.
// Only one goroutine drains at a time; a handler calling back into the
// Manager queues behind the current drain instead of deadlocking.
type dispatcher struct {
	mu       sync.Mutex
	queue    []func()
	draining bool
}

func (d *dispatcher) enqueue(fn func()) {
	d.mu.Lock()
	d.queue = append(d.queue, fn)
	d.mu.Unlock()
}

func (d *dispatcher) flush() {
	d.mu.Lock()
	if d.draining {
		d.mu.Unlock()
		return
	}
	d.draining = true
	for len(d.queue) > 0 {
		fn := d.queue[0]
		d.queue[0] = nil
		d.queue = d.queue[1:]
		d.mu.Unlock()
		fn()
		d.mu.Lock()
	}
	d.draining = false
	d.mu.Unlock()
}
