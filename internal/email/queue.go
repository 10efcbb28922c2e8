package email

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/VigilPay/server/internal/metrics"
	"github.com/VigilPay/server/internal/storage"
)

type job struct {
	kind    string
	payment storage.Payment
}

// Queue is the asynchronous Sender. Enqueue buffers the message and
// returns; one worker goroutine composes and sends in the background. The
// buffer is bounded and a full buffer rejects instead of blocking, so a
// provider outage can never stall payment confirmation.
type Queue struct {
	client      Client
	logger      zerolog.Logger
	metrics     *metrics.Metrics
	sendTimeout time.Duration

	jobs     chan job
	stopChan chan struct{}
	doneChan chan struct{}

	mu      sync.Mutex
	started bool
	stopped bool
}

var _ Sender = (*Queue)(nil)

// QueueOptions configures the delivery queue. Every field has a safe
// default.
type QueueOptions struct {
	Client      Client
	Logger      zerolog.Logger
	Metrics     *metrics.Metrics
	SendTimeout time.Duration // Per-message delivery timeout (default: 10s)
	Buffer      int           // Pending message capacity (default: 256)
}

// NewQueue creates a stopped queue; call Start to begin delivering.
func NewQueue(opts QueueOptions) *Queue {
	if opts.Client == nil {
		opts.Client = &DryRunClient{Logger: opts.Logger}
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 10 * time.Second
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 256
	}

	return &Queue{
		client:      opts.Client,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		sendTimeout: opts.SendTimeout,
		jobs:        make(chan job, opts.Buffer),
		stopChan:    make(chan struct{}),
		doneChan:    make(chan struct{}),
	}
}

// Start launches the delivery worker.
func (q *Queue) Start() {
	q.mu.Lock()
	if q.started || q.stopped {
		q.mu.Unlock()
		return
	}
	q.started = true
	q.mu.Unlock()

	go q.run()
}

// Stop shuts the worker down. Messages still buffered are dropped; email
// is best effort and the payment they belong to is already settled.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	started := q.started
	q.mu.Unlock()

	close(q.stopChan)
	if started {
		<-q.doneChan
	}

	if n := len(q.jobs); n > 0 {
		q.logger.Warn().Int("dropped", n).Msg("email queue stopped with undelivered messages")
	}
}

// Enqueue buffers one message for delivery. The context only covers the
// enqueue itself; the send runs later under the queue's own timeout,
// because the caller's request context is gone by then.
func (q *Queue) Enqueue(_ context.Context, kind string, payment storage.Payment) error {
	q.mu.Lock()
	stopped := q.stopped
	q.mu.Unlock()
	if stopped {
		return fmt.Errorf("email queue stopped")
	}

	select {
	case q.jobs <- job{kind: kind, payment: payment}:
		return nil
	default:
		q.observe("skipped")
		return fmt.Errorf("email queue full (%d buffered)", cap(q.jobs))
	}
}

func (q *Queue) run() {
	defer close(q.doneChan)

	for {
		select {
		case <-q.stopChan:
			return
		case j := <-q.jobs:
			q.deliver(j)
		}
	}
}

func (q *Queue) deliver(j job) {
	msg, err := compose(j.kind, j.payment)
	if err != nil {
		q.logger.Error().
			Err(err).
			Str("reference", j.payment.Reference).
			Msg("failed to compose email")
		q.observe("failed")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), q.sendTimeout)
	defer cancel()

	if err := q.client.Send(ctx, msg); err != nil {
		q.logger.Warn().
			Err(err).
			Str("recipient", RedactAddress(msg.To)).
			Str("reference", j.payment.Reference).
			Msg("failed to send confirmation email")
		q.observe("failed")
		return
	}

	q.logger.Debug().
		Str("recipient", RedactAddress(msg.To)).
		Str("reference", j.payment.Reference).
		Str("kind", j.kind).
		Msg("confirmation email sent")
	q.observe("sent")
}

func (q *Queue) observe(status string) {
	if q.metrics != nil {
		q.metrics.ObserveEmail(status)
	}
}
