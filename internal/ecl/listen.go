package ecl

import "sync"

// Listener is woken whenever an exposed domain changes. Signals coalesce;
// the data itself is read through a cursor.
type Listener struct {
	agg  *Aggregator
	c    chan struct{}
	done chan struct{}
	once sync.Once

	mu  sync.Mutex
	err error
}

func (a *Aggregator) Listen() (*Listener, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, ErrClosed
	}
	l := &Listener{agg: a, c: make(chan struct{}, 1), done: make(chan struct{})}
	a.listeners[l] = struct{}{}
	return l, nil
}

func (l *Listener) C() <-chan struct{} { return l.c }

// Done is closed when the listener is cancelled or closed.
func (l *Listener) Done() <-chan struct{} { return l.done }

// Err returns the cancellation cause, nil after a plain Close.
func (l *Listener) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

func (l *Listener) Close() {
	l.agg.mu.Lock()
	delete(l.agg.listeners, l)
	l.agg.mu.Unlock()
	l.cancel(nil)
}

func (l *Listener) cancel(cause error) {
	l.once.Do(func() {
		l.mu.Lock()
		l.err = cause
		l.mu.Unlock()
		close(l.done)
	})
}

func (a *Aggregator) broadcast() {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for l := range a.listeners {
		select {
		case l.c <- struct{}{}:
		default:
		}
	}
}

func (a *Aggregator) cancelListeners(cause error) {
	a.mu.Lock()
	ls := a.listeners
	a.listeners = map[*Listener]struct{}{}
	a.mu.Unlock()
	for l := range ls {
		l.cancel(cause)
	}
}
