// Package queue implements a bounded, memory-accounted message queue with
// pressure-level classification and adaptive backoff. It is
// multi-producer/multi-consumer; ordering is FIFO within any one producer
// (callers that enqueue from a single goroutine get this for free) but
// not required globally.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/codefang-dev/codefang/internal/message"
)

// PressureLevel is a coarse category derived from queue byte usage, used
// to drive backoff and to report QueueUpdate events.
type PressureLevel int

const (
	// Normal is usage below 70% of the ceiling.
	Normal PressureLevel = iota
	// Moderate is usage in [70%, 85%).
	Moderate
	// High is usage in [85%, 95%).
	High
	// Critical is usage at or above 95%.
	Critical
)

// String renders the pressure level for logging.
func (p PressureLevel) String() string {
	switch p {
	case Normal:
		return "Normal"
	case Moderate:
		return "Moderate"
	case High:
		return "High"
	case Critical:
		return "Critical"
	default:
		return "Unknown"
	}
}

const (
	moderateThreshold = 0.70
	highThreshold     = 0.85
	criticalThreshold = 0.95
)

func levelFor(currentBytes, ceiling int64) PressureLevel {
	if ceiling <= 0 {
		return Normal
	}

	ratio := float64(currentBytes) / float64(ceiling)

	switch {
	case ratio >= criticalThreshold:
		return Critical
	case ratio >= highThreshold:
		return High
	case ratio >= moderateThreshold:
		return Moderate
	default:
		return Normal
	}
}

// ErrClosed is returned by Enqueue/TryEnqueue once the queue has been
// closed.
var ErrClosed = errors.New("queue: closed")

// ErrRejected is TryEnqueue's rejection outcome: admitting msg would push
// in-flight bytes over the configured ceiling.
type ErrRejected struct {
	Pressure PressureLevel
}

// Error implements error.
func (e *ErrRejected) Error() string {
	return "queue: rejected at pressure " + e.Pressure.String()
}

// entry pairs a message with its admission bookkeeping.
type entry struct {
	msg        message.Message
	bytes      int
	enqueuedAt time.Time
}

// UpdateFunc receives QueueUpdate notifications on admissions, rejections
// and dequeues: immediately when the pressure level changes, and at most
// once every 50ms while it stays the same.
type UpdateFunc func(depth int, bytes int64, level PressureLevel)

// Queue is the bounded, memory-accounted FIFO.
type Queue struct {
	ceiling int64

	mu          sync.Mutex
	notEmpty    *sync.Cond
	notCritical *sync.Cond
	entries     []entry
	bytes       int64
	closed      bool

	lastLevel     PressureLevel
	onUpdate      UpdateFunc
	lastEmitAt    time.Time
	emitCoalesce  time.Duration
}

// Config carries queue construction parameters.
type Config struct {
	// Ceiling is the maximum total estimated in-flight bytes.
	Ceiling int64
	// OnUpdate, if set, is invoked as UpdateFunc describes.
	OnUpdate UpdateFunc
}

// New creates a Queue with the given configuration.
func New(cfg Config) *Queue {
	q := &Queue{
		ceiling:      cfg.Ceiling,
		onUpdate:     cfg.OnUpdate,
		emitCoalesce: 50 * time.Millisecond,
	}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notCritical = sync.NewCond(&q.mu)

	return q
}

// TryEnqueue attempts to admit msg without blocking. It returns
// ErrRejected if admitting msg would exceed the ceiling.
func (q *Queue) TryEnqueue(msg message.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}

	size := int64(msg.EstimateBytes())
	if q.ceiling > 0 && q.bytes+size > q.ceiling {
		level := levelFor(q.bytes, q.ceiling)
		q.emitLocked(level)

		return &ErrRejected{Pressure: level}
	}

	q.admitLocked(msg, size)

	return nil
}

// Enqueue admits msg, blocking the caller under Moderate+ pressure subject
// to adaptive backoff, and blocking entirely at Critical until pressure
// falls below High. It respects ctx cancellation.
func (q *Queue) Enqueue(ctx context.Context, msg message.Message) error {
	backoff := newBackoff()
	size := int64(msg.EstimateBytes())

	for {
		q.mu.Lock()

		if q.closed {
			q.mu.Unlock()
			return ErrClosed
		}

		level := levelFor(q.bytes, q.ceiling)

		if level == Critical {
			stop := context.AfterFunc(ctx, func() {
				q.mu.Lock()
				q.notCritical.Broadcast()
				q.mu.Unlock()
			})

			for levelFor(q.bytes, q.ceiling) == Critical && !q.closed && ctx.Err() == nil {
				q.notCritical.Wait()
			}

			stop()

			if q.closed {
				q.mu.Unlock()
				return ErrClosed
			}

			if err := ctx.Err(); err != nil {
				q.mu.Unlock()
				return err
			}

			q.mu.Unlock()

			continue
		}

		if q.ceiling > 0 && q.bytes+size > q.ceiling {
			q.mu.Unlock()

			if err := backoff.wait(ctx); err != nil {
				return err
			}

			continue
		}

		q.admitLocked(msg, size)
		q.mu.Unlock()

		if level >= Moderate {
			if err := backoff.wait(ctx); err != nil {
				return nil // message already admitted; backoff interruption is not an enqueue failure
			}
		} else {
			backoff.reset()
		}

		return nil
	}
}

// admitLocked appends msg to the FIFO and updates accounting. Callers must
// hold q.mu.
func (q *Queue) admitLocked(msg message.Message, size int64) {
	q.entries = append(q.entries, entry{msg: msg, bytes: int(size), enqueuedAt: time.Now()})
	q.bytes += size
	q.notEmpty.Signal()
	q.emitLocked(levelFor(q.bytes, q.ceiling))
}

// emitLocked invokes onUpdate when level differs from the last emitted
// level, or when emitCoalesce has passed since the last emission. Callers
// must hold q.mu.
func (q *Queue) emitLocked(level PressureLevel) {
	if q.onUpdate == nil {
		return
	}

	if level == q.lastLevel && time.Since(q.lastEmitAt) < q.emitCoalesce {
		return
	}

	q.lastLevel = level
	q.lastEmitAt = time.Now()
	q.onUpdate(len(q.entries), q.bytes, level)
}

// Dequeue blocks until a message is available or the queue is closed and
// drained, returning ok=false only once fully drained and closed.
func (q *Queue) Dequeue() (message.Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.entries) == 0 {
		if q.closed {
			return message.Message{}, false
		}

		q.notEmpty.Wait()
	}

	e := q.entries[0]
	q.entries = q.entries[1:]
	q.bytes -= int64(e.bytes)

	level := levelFor(q.bytes, q.ceiling)
	q.emitLocked(level)

	if level < High {
		q.notCritical.Broadcast()
	}

	return e.msg, true
}

// Depth returns the current number of queued entries.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.entries)
}

// Bytes returns the current total in-flight estimated bytes.
func (q *Queue) Bytes() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.bytes
}

// Close stops accepting new enqueues. Dequeue continues to drain any
// remaining entries before reporting closure.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	q.notEmpty.Broadcast()
	q.notCritical.Broadcast()
}

// backoff implements an adaptive exponential delay sequence on top of a
// golang.org/x/time/rate limiter: its rate is tightened each time backoff
// is invoked under pressure and reset to its fastest setting after one
// successful admission at Normal pressure.
type backoff struct {
	limiter *rate.Limiter
	current time.Duration
	max     time.Duration
	base    time.Duration
}

func newBackoff() *backoff {
	const (
		base = 10 * time.Millisecond
		max  = 2 * time.Second
	)

	return &backoff{
		limiter: rate.NewLimiter(rate.Every(base), 1),
		current: base,
		max:     max,
		base:    base,
	}
}

func (b *backoff) wait(ctx context.Context) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return err
	}

	b.current *= 2
	if b.current > b.max {
		b.current = b.max
	}

	b.limiter.SetLimit(rate.Every(b.current))

	return nil
}

func (b *backoff) reset() {
	b.current = b.base
	b.limiter.SetLimit(rate.Every(b.base))
}
