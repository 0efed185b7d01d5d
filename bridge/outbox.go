package bridge

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/sirupsen/logrus"
	"github.com/srg/blemqtt/internal/groutine"
)

// MaxOutboxSize guards against accidental misconfiguration.
const MaxOutboxSize uint32 = 1024 * 1024

// Message is one pending broker publication.
type Message struct {
	Topic    string
	Payload  []byte
	Retained bool
}

// PublishFunc delivers a message to the broker. It may block up to the session's publish timeout.
type PublishFunc func(msg Message) error

// OutboxMetrics provides lock-free counters for an Outbox.
type OutboxMetrics struct {
	Enqueued    int64
	Published   int64
	Failed      int64
	Overwritten int64
}

// Outbox decouples the device context from broker latency. Push never blocks; when the
// publisher falls behind, the oldest pending messages are overwritten. Messages that are
// published keep their push order.
type Outbox struct {
	buffer  mpmc.RichOverlappedRingBuffer[Message]
	signal  chan struct{}
	publish PublishFunc
	logger  *logrus.Logger
	metrics OutboxMetrics

	started atomic.Bool
	done    chan struct{}
}

// NewOutbox creates an outbox holding at most size pending messages.
func NewOutbox(size uint32, publish PublishFunc, logger *logrus.Logger) (*Outbox, error) {
	if size == 0 {
		return nil, fmt.Errorf("outbox size must be > 0")
	}
	if size > MaxOutboxSize {
		return nil, fmt.Errorf("outbox size %d exceeds maximum %d", size, MaxOutboxSize)
	}
	if publish == nil {
		return nil, fmt.Errorf("publish function cannot be nil")
	}
	if logger == nil {
		logger = logrus.New()
	}

	return &Outbox{
		buffer:  mpmc.NewOverlappedRingBuffer[Message](size),
		signal:  make(chan struct{}, 1),
		publish: publish,
		logger:  logger,
		done:    make(chan struct{}),
	}, nil
}

// Push queues msg for publication.
func (o *Outbox) Push(msg Message) {
	overwrites, err := o.buffer.EnqueueM(msg)
	if err != nil {
		atomic.AddInt64(&o.metrics.Failed, 1)
		o.logger.WithError(err).Error("Failed to queue message for publishing")
		return
	}
	atomic.AddInt64(&o.metrics.Enqueued, 1)
	if overwrites > 0 {
		atomic.AddInt64(&o.metrics.Overwritten, int64(overwrites))
		o.logger.WithFields(logrus.Fields{
			"overwritten": overwrites,
			"topic":       msg.Topic,
		}).Warn("Broker is falling behind, dropped oldest pending messages")
	}

	select {
	case o.signal <- struct{}{}:
	default:
	}
}

// Start runs the publisher until ctx is done. Messages still queued at that point
// are published before Done is closed.
func (o *Outbox) Start(ctx context.Context) error {
	if !o.started.CompareAndSwap(false, true) {
		return fmt.Errorf("outbox is already running")
	}

	groutine.Go(ctx, "mqtt-publisher", func(ctx context.Context) {
		defer close(o.done)
		for {
			select {
			case <-ctx.Done():
				o.flush()
				return
			case <-o.signal:
				o.flush()
			}
		}
	}, groutine.LogPanics(o.logger))
	return nil
}

// Done is closed when the publisher has stopped.
func (o *Outbox) Done() <-chan struct{} {
	return o.done
}

func (o *Outbox) flush() {
	for !o.buffer.IsEmpty() {
		msg, err := o.buffer.Dequeue()
		if err != nil {
			return
		}
		if err := o.publish(msg); err != nil {
			atomic.AddInt64(&o.metrics.Failed, 1)
			o.logger.WithFields(logrus.Fields{
				"topic": msg.Topic,
				"error": err,
			}).Warn("Failed to publish message")
			continue
		}
		atomic.AddInt64(&o.metrics.Published, 1)
		o.logger.WithField("topic", msg.Topic).Debug("Published message")
	}
}

// GetMetrics returns a snapshot of current metrics values.
func (o *Outbox) GetMetrics() OutboxMetrics {
	return OutboxMetrics{
		Enqueued:    atomic.LoadInt64(&o.metrics.Enqueued),
		Published:   atomic.LoadInt64(&o.metrics.Published),
		Failed:      atomic.LoadInt64(&o.metrics.Failed),
		Overwritten: atomic.LoadInt64(&o.metrics.Overwritten),
	}
}
