package monitor

import "sync"

// notifier runs queued jobs on a single goroutine in FIFO order.
// push never blocks, so the polling loops cannot be stalled by a slow
// subscriber or snapshot store.
type notifier struct {
	mu     sync.Mutex
	queue  []func()
	closed bool
	signal chan struct{}
	done   chan struct{}
}

func newNotifier() *notifier {
	n := &notifier{
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go n.run()
	return n
}

func (n *notifier) push(job func()) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.queue = append(n.queue, job)
	n.mu.Unlock()

	select {
	case n.signal <- struct{}{}:
	default:
	}
}

func (n *notifier) run() {
	defer close(n.done)
	for {
		n.mu.Lock()
		batch := n.queue
		n.queue = nil
		closed := n.closed
		n.mu.Unlock()

		for _, job := range batch {
			job()
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-n.signal
	}
}

// close stops accepting jobs and waits until the queue is drained
func (n *notifier) close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		<-n.done
		return
	}
	n.closed = true
	n.mu.Unlock()

	select {
	case n.signal <- struct{}{}:
	default:
	}
	<-n.done
}

// flush blocks until every job pushed before the call has run
func (n *notifier) flush() {
	ch := make(chan struct{})
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		<-n.done
		return
	}
	n.queue = append(n.queue, func() { close(ch) })
	n.mu.Unlock()

	select {
	case n.signal <- struct{}{}:
	default:
	}
	<-ch
}
