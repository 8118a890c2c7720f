package xtable

import (
	"context"
	"sync"
)

// lockOwner identifies one holder of a reentrantLock. It must not be a
// zero-size type: distinct owners need distinct addresses.
type lockOwner struct{ _ byte }

type ownerKey struct{}

// reentrantLock serializes engine requests. Ownership travels in the
// context: a call made with a context derived from the one returned by lock
// re-enters instead of blocking.
//
// A context carrying ownership must not be shared with other goroutines
// while the lock is held.
type reentrantLock struct {
	sem   chan struct{}
	mu    sync.Mutex
	owner *lockOwner
	depth int
}

func newReentrantLock() *reentrantLock {
	return &reentrantLock{sem: make(chan struct{}, 1)}
}

// lock acquires l for ctx, waiting until it is free or ctx is done. The
// returned context carries ownership and must be used for nested calls.
func (l *reentrantLock) lock(ctx context.Context) (context.Context, func(), error) {
	tok, _ := ctx.Value(ownerKey{}).(*lockOwner)
	if tok != nil {
		l.mu.Lock()
		if l.owner == tok {
			l.depth++
			l.mu.Unlock()
			return ctx, l.unlock, nil
		}
		l.mu.Unlock()
	}

	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx, nil, ctx.Err()
	}
	if tok == nil {
		tok = &lockOwner{}
		ctx = context.WithValue(ctx, ownerKey{}, tok)
	}
	l.mu.Lock()
	l.owner, l.depth = tok, 1
	l.mu.Unlock()
	return ctx, l.unlock, nil
}

func (l *reentrantLock) unlock() {
	l.mu.Lock()
	l.depth--
	if l.depth > 0 {
		l.mu.Unlock()
		return
	}
	l.owner = nil
	l.mu.Unlock()
	<-l.sem
}

// held reports whether ctx owns l.
func (l *reentrantLock) held(ctx context.Context) bool {
	tok, _ := ctx.Value(ownerKey{}).(*lockOwner)
	l.mu.Lock()
	defer l.mu.Unlock()
	return tok != nil && l.owner == tok
}
