// Package dispatch hands work from broker callbacks to the device context.
//
// Submit never blocks the caller. Tasks are delivered in submission order through a
// bounded queue that the device context drains with Tasks().
package dispatch

import (
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Dispatcher is a FIFO, bounded, non-coalescing queue of Tasks.
type Dispatcher struct {
	tasks  chan *Task
	logger *logrus.Logger

	mu     sync.Mutex
	closed bool
	seq    uint64
	done   chan struct{}

	metrics Metrics
}

// New creates a Dispatcher holding at most capacity pending tasks.
func New(capacity int, logger *logrus.Logger) *Dispatcher {
	if capacity <= 0 {
		panic("dispatch: capacity must be > 0")
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Dispatcher{
		tasks:  make(chan *Task, capacity),
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Submit enqueues action for the device context and returns its Future.
// It fails with a *DispatchError when the queue is full or the dispatcher is closed.
func (d *Dispatcher) Submit(action Action) (*Future, error) {
	// The write lock serialises sequence assignment with the enqueue so FIFO order
	// matches Seq order across concurrent submitters.
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		d.metrics.addRejected()
		return nil, &DispatchError{Reason: ErrClosed}
	}

	t := &Task{seq: d.seq + 1, action: action, future: newFuture()}
	select {
	case d.tasks <- t:
		d.seq++
		d.metrics.addSubmitted()
		return t.future, nil
	default:
		d.metrics.addRejected()
		return nil, &DispatchError{Reason: ErrQueueFull}
	}
}

// Tasks is the receive side for the device context. It is never closed; select on
// Done to learn about shutdown.
func (d *Dispatcher) Tasks() <-chan *Task {
	return d.tasks
}

// Done is closed by Close.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

// Drain rejects every currently queued task with reason and returns how many were rejected.
func (d *Dispatcher) Drain(reason error) int {
	n := 0
	for {
		select {
		case t := <-d.tasks:
			t.Reject(reason)
			d.metrics.addDrained()
			n++
		default:
			if n > 0 {
				d.logger.WithFields(logrus.Fields{
					"count":  n,
					"reason": reason,
				}).Warn("Dropped queued control tasks")
			}
			return n
		}
	}
}

// Close stops accepting submissions and fails every still-queued task with ErrClosed.
// Safe to call more than once.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.done)
	d.mu.Unlock()

	d.Drain(&DispatchError{Reason: ErrClosed})
}

// Len returns the number of queued tasks.
func (d *Dispatcher) Len() int {
	return len(d.tasks)
}

// GetMetrics returns a snapshot of current metrics values.
func (d *Dispatcher) GetMetrics() Metrics {
	return Metrics{
		Submitted: atomic.LoadInt64(&d.metrics.Submitted),
		Rejected:  atomic.LoadInt64(&d.metrics.Rejected),
		Drained:   atomic.LoadInt64(&d.metrics.Drained),
	}
}

// Metrics provides lock-free counters for a Dispatcher.
type Metrics struct {
	Submitted int64
	Rejected  int64
	Drained   int64
}

func (m *Metrics) addSubmitted() { atomic.AddInt64(&m.Submitted, 1) }

func (m *Metrics) addRejected() { atomic.AddInt64(&m.Rejected, 1) }

func (m *Metrics) addDrained() { atomic.AddInt64(&m.Drained, 1) }
