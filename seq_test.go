package xtable

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeq_All(t *testing.T) {
	db, eng, users := newUserDB(t)
	seq, err := users.Iter(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, db.OpenCursors())

	var names []string
	for u, err := range seq.All() {
		require.NoError(t, err)
		names = append(names, u.Name)
	}
	assert.Equal(t, []string{"ann", "bob"}, names)
	assert.True(t, eng.allClosed())
	assert.Zero(t, db.OpenCursors())
}

func TestSeq_SingleTraversal(t *testing.T) {
	_, _, users := newUserDB(t)
	seq, err := users.Iter(context.Background())
	require.NoError(t, err)

	for _, err := range seq.All() {
		require.NoError(t, err)
	}
	var errs []error
	for _, err := range seq.All() {
		errs = append(errs, err)
	}
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrAlreadyIterated)

	_, err = seq.Iterator()
	assert.ErrorIs(t, err, ErrAlreadyIterated)
}

func TestSeq_BreakClosesRowSource(t *testing.T) {
	db, eng, users := newUserDB(t)
	seq, err := users.Iter(context.Background())
	require.NoError(t, err)

	for u, err := range seq.All() {
		require.NoError(t, err)
		assert.Equal(t, "ann", u.Name)
		break
	}
	assert.True(t, eng.allClosed())
	assert.Zero(t, db.OpenCursors())
}

func TestSeq_LockReleasedBetweenRows(t *testing.T) {
	_, _, users := newUserDB(t)
	seq, err := users.Iter(context.Background())
	require.NoError(t, err)

	// The loop body runs without the lock: a call with an unrelated
	// context must not block.
	seen := 0
	for _, err := range seq.All() {
		require.NoError(t, err)
		n, err := users.Count()
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		seen++
	}
	assert.Equal(t, 2, seen)
}

func TestSeq_Iterator(t *testing.T) {
	_, eng, users := newUserDB(t)
	seq, err := users.Iter(context.Background())
	require.NoError(t, err)
	it, err := seq.Iterator()
	require.NoError(t, err)

	require.True(t, it.Next())
	assert.Equal(t, "ann", it.Value().Name)
	assert.False(t, it.IsLast())
	require.True(t, it.Next())
	assert.Equal(t, "bob", it.Value().Name)
	assert.True(t, it.IsLast())
	assert.False(t, it.Next())
	assert.False(t, it.Next())
	require.NoError(t, it.Err())
	require.NoError(t, it.Close())
	assert.True(t, eng.allClosed())
}

func TestSeq_ErrorEndsTraversal(t *testing.T) {
	_, eng, users := newUserDB(t)
	boom := errors.New("read failed")
	eng.rows = func(queryCall) (RowSource, error) {
		rs := userRows()
		rs.err = boom
		return rs, nil
	}
	seq, err := users.Iter(context.Background())
	require.NoError(t, err)

	var got []error
	for _, err := range seq.All() {
		got = append(got, err)
	}
	assert.Equal(t, []error{nil, nil, boom}, got)
	assert.True(t, eng.allClosed())
}

func TestSeq_CloseBeforeTraversal(t *testing.T) {
	db, eng, users := newUserDB(t)
	seq, err := users.Iter(context.Background())
	require.NoError(t, err)

	require.NoError(t, seq.Close())
	require.NoError(t, seq.Close())
	assert.True(t, eng.allClosed())
	assert.Zero(t, db.OpenCursors())

	n := 0
	for range seq.All() {
		n++
	}
	assert.Zero(t, n)
}

func TestDB_CloseCursors(t *testing.T) {
	db, eng, users := newUserDB(t)
	seq, err := users.Iter(context.Background())
	require.NoError(t, err)
	stream, err := users.Stream(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, db.OpenCursors())

	require.NoError(t, db.CloseCursors())
	assert.Zero(t, db.OpenCursors())
	assert.True(t, eng.allClosed())

	n := 0
	for range seq.All() {
		n++
	}
	assert.Zero(t, n, "closed sequence yields nothing")

	rec := &recorder[testUser]{request: 1}
	stream.Subscribe(rec)
	assert.Empty(t, rec.items)
	assert.Equal(t, 1, rec.completed)
}

// collectGarbage gives cleanups of unreachable values a chance to run.
func collectGarbage() {
	for range 5 {
		runtime.GC()
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSeq_IteratorOutlivesSeq(t *testing.T) {
	db, eng, users := newUserDB(t)
	seq, err := users.Iter(context.Background())
	require.NoError(t, err)
	it, err := seq.Iterator()
	require.NoError(t, err)
	seq = nil
	collectGarbage()

	var names []string
	for it.Next() {
		names = append(names, it.Value().Name)
	}
	require.NoError(t, it.Err())
	assert.Equal(t, []string{"ann", "bob"}, names)
	assert.True(t, eng.allClosed())
	assert.Zero(t, db.OpenCursors())
}

func TestSeq_AbandonedIsReclaimed(t *testing.T) {
	db, eng, users := newUserDB(t)
	func() {
		_, err := users.Iter(context.Background())
		require.NoError(t, err)
	}()
	require.Equal(t, 1, db.OpenCursors())

	require.Eventually(t, func() bool {
		runtime.GC()
		return db.OpenCursors() == 0
	}, 5*time.Second, 10*time.Millisecond)
	assert.True(t, eng.allClosed())
}

func TestDB_CloseCursorsWhileOpening(t *testing.T) {
	db, eng, users := newUserDB(t)
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 20 {
				seq, err := users.Iter(context.Background())
				if assert.NoError(t, err) {
					defer seq.Close()
				}
			}
		}()
	}
	stop := make(chan struct{})
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			select {
			case <-stop:
				return
			default:
				assert.NoError(t, db.CloseCursors())
			}
		}
	}()
	wg.Wait()
	close(stop)
	<-closed

	require.NoError(t, db.CloseCursors())
	assert.Zero(t, db.OpenCursors())
	assert.True(t, eng.allClosed())
}
