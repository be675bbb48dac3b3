// Package eventloop serializes every event touching document sessions onto a single
// goroutine, so sessions, groups and proxies need no locking.
package eventloop

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"

	"github.com/charlesng35/collabd/pkg/logger"
)

// ErrStopped is returned when work is submitted to a loop that is not running.
var ErrStopped = errors.New("eventloop: stopped")

// DefaultBuffer is the queue length used when New is given a non-positive size.
const DefaultBuffer = 1024

// Loop runs posted functions one at a time, in posting order.
type Loop struct {
	queue chan func()
	done  chan struct{}
	once  sync.Once
	log   *zap.Logger
}

// New creates a loop with the given queue length.
func New(buffer int) *Loop {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Loop{
		queue: make(chan func(), buffer),
		done:  make(chan struct{}),
		log:   logger.WithModule("eventloop"),
	}
}

// Run processes posted functions until ctx is canceled. A panicking function is logged
// and does not stop the loop.
func (l *Loop) Run(ctx context.Context) {
	defer l.once.Do(func() { close(l.done) })

	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-l.queue:
			l.dispatch(fn)
		}
	}
}

func (l *Loop) dispatch(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("event handler panicked",
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
		}
	}()
	fn()
}

// Post queues fn. It blocks while the queue is full and returns false once the loop
// stopped.
func (l *Loop) Post(fn func()) bool {
	select {
	case <-l.done:
		return false
	default:
	}

	select {
	case l.queue <- fn:
		return true
	case <-l.done:
		return false
	}
}

// Call runs fn on the loop and waits for it to return. A panic in fn is returned as
// an error.
func (l *Loop) Call(ctx context.Context, fn func() error) error {
	result := make(chan error, 1)
	posted := l.Post(func() {
		defer func() {
			if r := recover(); r != nil {
				result <- fmt.Errorf("eventloop: panic: %v", r)
			}
		}()
		result <- fn()
	})
	if !posted {
		return ErrStopped
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		select {
		case err := <-result:
			return err
		default:
			return ErrStopped
		}
	}
}

// Done is closed once Run returned.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}
