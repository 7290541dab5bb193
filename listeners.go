package gradchat

import (
	"sync"

	"go.uber.org/zap"
)

// listenerList is a publish-subscribe list of typed callbacks. Callbacks run
// on the emitting goroutine in registration order.
type listenerList[T any] struct {
	mu     sync.Mutex
	nextID int
	ids    []int
	fns    map[int]func(T)
	log    *zap.Logger
	owner  string
}

// setLogger makes panics in callbacks visible on log, tagged with owner.
func (l *listenerList[T]) setLogger(log *zap.Logger, owner string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.log = log
	l.owner = owner
}

// add registers fn and returns a function that removes it.
func (l *listenerList[T]) add(fn func(T)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fns == nil {
		l.fns = make(map[int]func(T))
	}
	id := l.nextID
	l.nextID++
	l.ids = append(l.ids, id)
	l.fns[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			delete(l.fns, id)
			for i, v := range l.ids {
				if v == id {
					l.ids = append(l.ids[:i], l.ids[i+1:]...)
					break
				}
			}
		})
	}
}

func (l *listenerList[T]) emit(v T) {
	l.mu.Lock()
	fns := make([]func(T), 0, len(l.ids))
	for _, id := range l.ids {
		fns = append(fns, l.fns[id])
	}
	log, owner := l.log, l.owner
	l.mu.Unlock()

	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil && log != nil {
					log.Error("listener panicked",
						zap.String("owner", owner), zap.Any("panic", r), zap.Stack("stack"))
				}
			}()
			fn(v)
		}()
	}
}

func (l *listenerList[T]) removeAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ids = nil
	l.fns = nil
}

// notifier hands values to its listeners on a background goroutine, one
// value at a time in push order. Listeners may call back into the component
// that pushed without deadlocking.
type notifier[T any] struct {
	mu        sync.Mutex
	queue     []T
	draining  bool
	listeners listenerList[T]
}

func (n *notifier[T]) push(vs ...T) {
	if len(vs) == 0 {
		return
	}
	n.mu.Lock()
	n.queue = append(n.queue, vs...)
	start := !n.draining
	n.draining = true
	n.mu.Unlock()
	if start {
		go n.drain()
	}
}

func (n *notifier[T]) drain() {
	for {
		n.mu.Lock()
		if len(n.queue) == 0 {
			n.draining = false
			n.mu.Unlock()
			return
		}
		batch := n.queue
		n.queue = nil
		n.mu.Unlock()
		for _, v := range batch {
			n.listeners.emit(v)
		}
	}
}
