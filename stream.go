package xtable

import (
	"fmt"
	"math"
	"reflect"
	"runtime"
	"sync"
	"sync/atomic"
)

type streamMarker interface {
	rowOwner
	streamElem() reflect.Type
}

var streamMarkerType = reflect.TypeFor[streamMarker]()

// Subscriber consumes a Stream. Rows are pushed only as demanded through
// Subscription.Request. After OnError or OnComplete no other method is
// called.
type Subscriber[T any] interface {
	OnSubscribe(s *Subscription)
	OnNext(item T)
	OnError(err error)
	OnComplete()
}

// Stream is a pull-driven publisher of query results. It accepts a single
// subscriber and owns its row source, which is closed on completion, error
// or cancellation.
//
// Example:
//
//	stream, err := users.Stream(ctx)
//	if err != nil {
//	    return err
//	}
//	stream.Subscribe(mySubscriber) // requests rows from OnSubscribe and OnNext
type Stream[T any] struct {
	rows       *rows
	subscribed atomic.Bool
}

func (s *Stream[T]) own(r *rows) {
	s.rows = r
	runtime.AddCleanup(s, (*rows).reclaim, r)
}

func (s *Stream[T]) streamElem() reflect.Type { return reflect.TypeFor[T]() }

// Subscribe attaches sub. A second subscriber receives ErrAlreadyIterated.
func (s *Stream[T]) Subscribe(sub Subscriber[T]) {
	if !s.subscribed.CompareAndSwap(false, true) {
		sub.OnError(ErrAlreadyIterated)
		return
	}
	sn := &Subscription{
		rows:     s.rows,
		owner:    s,
		emit:     func(v reflect.Value) { sub.OnNext(v.Interface().(T)) },
		fail:     sub.OnError,
		complete: sub.OnComplete,
	}
	sub.OnSubscribe(sn)
}

// Close closes the row source of a stream that was never subscribed.
func (s *Stream[T]) Close() error { return s.rows.close() }

// Subscription is the link between a Stream and its Subscriber.
//
// Request and Cancel may be called from any goroutine, including from
// inside OnNext. Rows are read and delivered on the goroutine that called
// Request; a Request made while another is delivering only adds demand.
type Subscription struct {
	rows     *rows
	owner    any // the Stream: its cleanup must not run while subscribed
	emit     func(reflect.Value)
	fail     func(error)
	complete func()

	mu        sync.Mutex
	demand    int64
	emitting  bool
	reading   bool // a row read is in flight
	cancelled bool
	done      bool
}

// Request asks for up to n more rows. Fewer arrive if the data runs out,
// followed by OnComplete. A non-positive n is a usage error delivered
// through OnError.
func (s *Subscription) Request(n int64) {
	if n <= 0 {
		s.mu.Lock()
		if s.done || s.cancelled {
			s.mu.Unlock()
			return
		}
		s.done = true
		s.mu.Unlock()
		_ = s.rows.close()
		s.fail(fmt.Errorf("%w: request of %d rows", ErrUsage, n))
		return
	}

	s.mu.Lock()
	if s.done || s.cancelled {
		s.mu.Unlock()
		return
	}
	if s.demand += n; s.demand < 0 {
		s.demand = math.MaxInt64
	}
	if s.emitting {
		s.mu.Unlock()
		return
	}
	s.emitting = true
	s.mu.Unlock()
	s.drain()
}

func (s *Subscription) drain() {
	for {
		s.mu.Lock()
		if s.done || s.cancelled || s.demand == 0 {
			s.emitting = false
			s.mu.Unlock()
			return
		}
		s.demand--
		s.reading = true
		s.mu.Unlock()

		v, ok, err := s.rows.next()
		last := ok && err == nil && s.rows.cur.isLast()

		s.mu.Lock()
		s.reading = false
		cancelled := s.cancelled
		if !cancelled && (err != nil || !ok) {
			s.done = true
		}
		s.mu.Unlock()

		switch {
		case cancelled:
			// Cancel found the read in flight and left the close to us.
			_ = s.rows.close()
			return
		case err != nil:
			_ = s.rows.close()
			s.fail(err)
			return
		case !ok:
			s.complete()
			return
		}

		s.emit(v)
		if last {
			s.mu.Lock()
			finish := !s.done && !s.cancelled
			s.done = true
			s.mu.Unlock()
			_ = s.rows.close()
			if finish {
				s.complete()
			}
			return
		}
	}
}

// Cancel stops delivery and closes the row source. If a row read is in
// flight the close happens when that read completes.
func (s *Subscription) Cancel() {
	s.mu.Lock()
	if s.cancelled || s.done {
		s.mu.Unlock()
		return
	}
	s.cancelled = true
	reading := s.reading
	s.mu.Unlock()
	if !reading {
		_ = s.rows.close()
	}
}
