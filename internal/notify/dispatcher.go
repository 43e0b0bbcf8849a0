// Vigil - Signal-Driven Detection and Response
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/tomtom215/vigil/internal/logging"
	"github.com/tomtom215/vigil/internal/metrics"
)

var (
	// ErrQueueFull is reported when a delivery cannot be queued.
	ErrQueueFull = errors.New("notification queue is full")

	// ErrDispatcherClosed is reported for deliveries after Close.
	ErrDispatcherClosed = errors.New("notification dispatcher is closed")
)

// DispatcherConfig bounds background delivery.
type DispatcherConfig struct {
	MaxConcurrent int           `koanf:"max_concurrent" validate:"min=1"`
	QueueSize     int           `koanf:"queue_size" validate:"min=1"`
	Timeout       time.Duration `koanf:"timeout" validate:"gt=0"`
}

// DefaultDispatcherConfig returns dispatcher defaults.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{MaxConcurrent: 8, QueueSize: 256, Timeout: 15 * time.Second}
}

// ResultFunc receives the outcome of a delivery. err is a *DeliveryFailure
// or nil.
type ResultFunc func(err error)

type job struct {
	identity      string
	msg           Message
	correlationID string
	done          ResultFunc
}

// Dispatcher runs deliveries on a fixed pool of MaxConcurrent workers fed by
// a queue of QueueSize jobs.
type Dispatcher struct {
	notifier Notifier
	timeout  time.Duration
	queue    chan job

	mu      sync.Mutex
	closed  bool
	pending sync.WaitGroup
	workers sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewDispatcher creates a dispatcher sending through n and starts its
// workers. Close stops them.
func NewDispatcher(n Notifier, cfg DispatcherConfig) *Dispatcher {
	def := DefaultDispatcherConfig()
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		notifier: n,
		timeout:  cfg.Timeout,
		queue:    make(chan job, cfg.QueueSize),
		ctx:      ctx,
		cancel:   cancel,
	}
	d.workers.Add(cfg.MaxConcurrent)
	for i := 0; i < cfg.MaxConcurrent; i++ {
		go d.work()
	}
	return d
}

// Dispatch queues msg for identity and returns without waiting for the
// delivery. done, which may be nil, receives the result. When the queue is
// full or the dispatcher is closed, done is called before Dispatch returns
// with ErrQueueFull or ErrDispatcherClosed.
func (d *Dispatcher) Dispatch(ctx context.Context, identity string, msg Message, done ResultFunc) {
	j := job{
		identity:      identity,
		msg:           msg,
		correlationID: logging.CorrelationIDFromContext(ctx),
		done:          done,
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.reject(ctx, j, ErrDispatcherClosed)
		return
	}
	d.pending.Add(1)
	select {
	case d.queue <- j:
		d.mu.Unlock()
	default:
		d.pending.Done()
		d.mu.Unlock()
		d.reject(ctx, j, ErrQueueFull)
	}
}

func (d *Dispatcher) reject(ctx context.Context, j job, err error) {
	metrics.RecordNotification(d.notifier.Name(), err)
	logging.Ctx(ctx).Warn().Err(err).
		Str("identity", j.identity).
		Str("ref", j.msg.Ref).
		Msg("Notification not queued")
	d.finish(j.done, &DeliveryFailure{Channel: d.notifier.Name(), Identity: j.identity, Ref: j.msg.Ref, Err: err})
}

func (d *Dispatcher) work() {
	defer d.workers.Done()
	for j := range d.queue {
		d.deliver(j)
		d.pending.Done()
	}
}

func (d *Dispatcher) deliver(j job) {
	if err := d.ctx.Err(); err != nil {
		d.finish(j.done, &DeliveryFailure{Channel: d.notifier.Name(), Identity: j.identity, Ref: j.msg.Ref, Err: err})
		return
	}

	sendCtx, cancel := context.WithTimeout(d.ctx, d.timeout)
	defer cancel()
	if j.correlationID != "" {
		sendCtx = logging.ContextWithCorrelationID(sendCtx, j.correlationID)
	}

	msg := j.msg
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now().UTC()
	}
	err := d.notifier.Notify(sendCtx, j.identity, msg)
	metrics.RecordNotification(d.notifier.Name(), err)
	if err != nil {
		logging.Ctx(sendCtx).Warn().Err(err).
			Str("identity", j.identity).
			Str("ref", msg.Ref).
			Msg("Notification delivery failed")
		d.finish(j.done, &DeliveryFailure{Channel: d.notifier.Name(), Identity: j.identity, Ref: msg.Ref, Err: err})
		return
	}
	d.finish(j.done, nil)
}

func (d *Dispatcher) finish(done ResultFunc, failure *DeliveryFailure) {
	if done == nil {
		return
	}
	if failure == nil {
		done(nil)
		return
	}
	done(failure)
}

// Wait blocks until every queued delivery has finished.
func (d *Dispatcher) Wait() {
	d.pending.Wait()
}

// Close rejects further dispatches, cancels in-flight deliveries, reports
// queued ones as canceled and waits for the workers to exit. It is safe to
// call more than once.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.workers.Wait()
		return
	}
	d.closed = true
	d.cancel()
	close(d.queue)
	d.mu.Unlock()
	d.workers.Wait()
}
