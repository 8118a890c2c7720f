package xtable

import "sync"

// cursor guards a RowSource and counts row moves so deferred reads can tell
// whether their row is still current.
type cursor struct {
	mu     sync.Mutex
	rs     RowSource
	pos    uint64
	closed bool
	onDone func(*cursor)
}

func newCursor(rs RowSource) *cursor { return &cursor{rs: rs} }

func (c *cursor) next() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.pos++
	return c.rs.Next()
}

func (c *cursor) position() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pos
}

func (c *cursor) columns() []string { return c.rs.Columns() }

func (c *cursor) column(i int) (ColumnValue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ColumnValue{}, ErrStaleRead
	}
	return c.rs.Column(i)
}

// columnAt reads column i only if the cursor is still on row pos.
func (c *cursor) columnAt(i int, pos uint64) (ColumnValue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.pos != pos || c.rs.IsClosed() {
		return ColumnValue{}, ErrStaleRead
	}
	return c.rs.Column(i)
}

func (c *cursor) isLast() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && c.rs.IsLast()
}

func (c *cursor) err() error { return c.rs.Err() }

func (c *cursor) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed || c.rs.IsClosed()
}

// close closes the row source once. Later calls return nil.
func (c *cursor) close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.pos++
	onDone := c.onDone
	c.mu.Unlock()
	err := c.rs.Close()
	if onDone != nil {
		onDone(c)
	}
	return err
}
