package groupcoord

import "context"

// Mutex is the fair, FIFO, context-aware mutual-exclusion primitive a View
// Syncer Service holds while mutating its CVR pointer, its client map, or
// issuing storage writes. Exactly one holder may ever observe the service's
// mutable state; operations performed while holding it may suspend for I/O
// (storage reads/writes, pipeline advance, poker sends) without admitting a
// second holder. Waiters are granted the lock in arrival order.
type Mutex struct {
	mu      chan struct{} // guards locked/waiters; always taken non-blocking
	locked  bool
	waiters []chan struct{}
}

// NewMutex creates an unlocked Mutex.
func NewMutex() *Mutex {
	m := &Mutex{mu: make(chan struct{}, 1)}
	m.mu <- struct{}{}
	return m
}

func (m *Mutex) withInternalLock(f func()) {
	<-m.mu
	f()
	m.mu <- struct{}{}
}

// Lock blocks until the mutex is acquired or ctx is done. On cancellation it
// returns ctx.Err() without acquiring; a ticket already granted concurrently
// with cancellation is immediately handed to the next waiter instead of
// being silently dropped.
func (m *Mutex) Lock(ctx context.Context) error {
	var ticket chan struct{}
	var acquired bool

	m.withInternalLock(func() {
		if !m.locked {
			m.locked = true
			acquired = true
			return
		}
		ticket = make(chan struct{})
		m.waiters = append(m.waiters, ticket)
	})

	if acquired {
		return nil
	}

	select {
	case <-ticket:
		return nil
	case <-ctx.Done():
		var grantedAnyway bool
		m.withInternalLock(func() {
			for i, w := range m.waiters {
				if w == ticket {
					m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
					return
				}
			}
			// Ticket already removed from the queue: Unlock raced us and
			// granted ownership to this waiter just as ctx was cancelled.
			grantedAnyway = true
		})
		if grantedAnyway {
			select {
			case <-ticket:
			default:
			}
			m.Unlock()
		}
		return ctx.Err()
	}
}

// Unlock releases the mutex, admitting the next queued waiter in FIFO order
// if one exists, or marking the mutex free otherwise.
func (m *Mutex) Unlock() {
	var next chan struct{}
	m.withInternalLock(func() {
		if len(m.waiters) == 0 {
			m.locked = false
			return
		}
		next = m.waiters[0]
		m.waiters = m.waiters[1:]
	})
	if next != nil {
		close(next)
	}
}
