package redissync

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// retryQueueCapacity bounds the backlog of mirror operations awaiting a
// Redis reconnect; beyond this the oldest pending op is dropped rather than
// growing unbounded while Redis stays down (spec §7: "bounded work queues
// drained by worker tasks").
const retryQueueCapacity = 1024

type retryTask struct {
	op        func(context.Context) error
	onSuccess func()
	interval  time.Duration
}

// retryQueue retries queued Sync operations with exponential backoff until
// they succeed or the queue is stopped. Grounded on
// internal/webhook.RetryableEmitter's sendWithRetry backoff loop,
// generalized from "retry one HTTP POST" to "retry an arbitrary queued
// Redis operation" since RedisSync has many distinct op shapes (SET,
// INCRBY, HINCRBY) rather than one.
type retryQueue struct {
	sync   *Sync
	logger zerolog.Logger
	tasks  chan retryTask
	done   chan struct{}
}

func newRetryQueue(s *Sync, logger zerolog.Logger) *retryQueue {
	return &retryQueue{
		sync:   s,
		logger: logger,
		tasks:  make(chan retryTask, retryQueueCapacity),
		done:   make(chan struct{}),
	}
}

func (q *retryQueue) enqueue(op func(context.Context) error, onSuccess func()) {
	task := retryTask{op: op, onSuccess: onSuccess, interval: 500 * time.Millisecond}
	select {
	case q.tasks <- task:
	default:
		q.logger.Warn().Msg("redissync.retry_queue_full, dropping oldest")
		select {
		case <-q.tasks:
		default:
		}
		select {
		case q.tasks <- task:
		default:
		}
	}
}

func (q *retryQueue) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.done:
			return
		case task := <-q.tasks:
			q.drain(ctx, task)
		}
	}
}

// drain retries task until it succeeds, the queue stops, or the context is
// cancelled; a persistently unreachable Redis backs off to maxRetryInterval
// and keeps trying rather than giving up (spec §4.9: "retried out-of-band
// until success or a bounded backoff expires").
func (q *retryQueue) drain(ctx context.Context, task retryTask) {
	const maxRetryInterval = 30 * time.Second
	interval := task.interval

	for {
		if err := task.op(ctx); err == nil {
			q.sync.markHealthy()
			if task.onSuccess != nil {
				task.onSuccess()
			}
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-q.done:
			return
		case <-time.After(interval):
		}

		interval *= 2
		if interval > maxRetryInterval {
			interval = maxRetryInterval
		}
	}
}

func (q *retryQueue) stop() {
	close(q.done)
}
