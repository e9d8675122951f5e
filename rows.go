package pgasync

import (
	"context"
	"sync"

	"github.com/lib/pq/oid"

	"github.com/digit-soft/pgasync/protocol"
)

// Row is one materialized result row, keyed by column name. Values are raw
// wire strings except for booleans, which arrive as true/false, and SQL NULL,
// which arrives as nil.
type Row map[string]any

// materializeRow zips the described columns with a DataRow's raw values.
// The only documented coercion is boolean: type OID 16 converts "t"/"f" to
// true/false. Everything else passes through as a string for the caller, or
// a higher-level typed schema layer, to interpret.
func materializeRow(cols []protocol.Column, values [][]byte) Row {
	row := make(Row, len(cols))
	for i, col := range cols {
		v := values[i]
		if v == nil {
			row[col.Name] = nil
			continue
		}
		if col.TypeOID == oid.T_bool {
			row[col.Name] = string(v) == "t"
			continue
		}
		row[col.Name] = string(v)
	}
	return row
}

// RowStream is a cold, single-subscriber stream of result rows. Nothing is
// queued on the connection until the stream is first consumed; consuming a
// stream on a never-started connection starts it. Rows arrive in server
// order, always before the single terminal completion or error. Closing the
// stream before the terminal event withdraws the underlying command and, when
// it is already executing, triggers a best-effort CancelRequest.
type RowStream struct {
	conn    *Conn
	enqueue func(ctx context.Context) error

	mu      sync.Mutex
	cond    *sync.Cond
	started bool
	closed  bool
	cmds    []*command
	pending []Row
	row     Row
	tag     string
	done    bool
	err     error
}

func newRowStream(c *Conn) *RowStream {
	rs := &RowStream{conn: c}
	rs.cond = sync.NewCond(&rs.mu)
	return rs
}

// start performs the lazy subscription: the first consumer call places the
// command(s) on the connection queue. A bad connection rejects here, without
// the commands ever being queued.
func (rs *RowStream) start(ctx context.Context) {
	rs.mu.Lock()
	if rs.started || rs.closed {
		rs.mu.Unlock()
		return
	}
	rs.started = true
	enqueue := rs.enqueue
	rs.mu.Unlock()

	if err := enqueue(ctx); err != nil {
		rs.fail(err)
		return
	}

	// a Close racing with the first consumption may have run before the
	// commands were queued; withdraw them now on its behalf
	rs.mu.Lock()
	closed := rs.closed
	cmds := rs.cmds
	rs.mu.Unlock()
	if closed && len(cmds) > 0 && rs.conn != nil {
		rs.conn.cancelCommands(cmds)
	}
}

// setCommands records the queue entries backing this stream, so Close can
// withdraw them. Called by the enqueue closure before submission.
func (rs *RowStream) setCommands(cmds []*command) {
	rs.mu.Lock()
	rs.cmds = cmds
	rs.mu.Unlock()
}

// Next blocks until a row is available or the stream reached its terminal
// event. It returns true when a row can be read through Row. A false return
// means completion, error (see Err) or context cancellation; cancelling the
// context closes the stream.
func (rs *RowStream) Next(ctx context.Context) bool {
	rs.start(ctx)

	rs.mu.Lock()
	for len(rs.pending) == 0 && !rs.done {
		if err := rs.wait(ctx); err != nil {
			if rs.err == nil {
				rs.err = err
			}
			rs.mu.Unlock()
			_ = rs.Close()
			return false
		}
	}
	if len(rs.pending) > 0 {
		rs.row = rs.pending[0]
		rs.pending = rs.pending[1:]
		rs.mu.Unlock()
		return true
	}
	rs.mu.Unlock()
	return false
}

// wait blocks on the stream condition, waking up early when ctx is
// cancelled. Called with rs.mu held.
func (rs *RowStream) wait(ctx context.Context) error {
	if ctx == nil {
		rs.cond.Wait()
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			rs.mu.Lock()
			rs.cond.Broadcast()
			rs.mu.Unlock()
		case <-stop:
		}
	}()
	rs.cond.Wait()
	close(stop)
	return ctx.Err()
}

// Row returns the row made available by the last successful Next.
func (rs *RowStream) Row() Row {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.row
}

// Err returns the terminal error of the stream, nil on normal completion or
// cancellation.
func (rs *RowStream) Err() error {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.err
}

// CommandTag returns the server's completion tag ("SELECT 1", "INSERT 0 3"),
// available once the stream completed normally.
func (rs *RowStream) CommandTag() string {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.tag
}

// Collect consumes the whole stream and returns every row together with the
// terminal error, if any.
func (rs *RowStream) Collect(ctx context.Context) ([]Row, error) {
	var rows []Row
	for rs.Next(ctx) {
		rows = append(rows, rs.Row())
	}
	return rows, rs.Err()
}

// Close unsubscribes from the stream. A command not yet dispatched is
// skipped without ever reaching the server; the currently executing one gets
// a best-effort CancelRequest. Cancellation is not an error: the stream
// resolves with no further events.
func (rs *RowStream) Close() error {
	rs.mu.Lock()
	if rs.closed {
		rs.mu.Unlock()
		return nil
	}
	rs.closed = true
	finished := rs.done
	cmds := rs.cmds
	rs.mu.Unlock()

	if !finished && len(cmds) > 0 && rs.conn != nil {
		rs.conn.cancelCommands(cmds)
	}

	rs.mu.Lock()
	rs.done = true
	rs.pending = nil
	rs.cond.Broadcast()
	rs.mu.Unlock()
	return nil
}

// push delivers one row from the connection. Never called under the
// connection mutex.
func (rs *RowStream) push(row Row) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.done || rs.closed {
		return
	}
	rs.pending = append(rs.pending, row)
	rs.cond.Broadcast()
}

// complete marks normal termination. The first terminal event wins; any
// later one is ignored.
func (rs *RowStream) complete(tag string) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.done {
		return
	}
	rs.tag = tag
	rs.done = true
	rs.cond.Broadcast()
}

// fail marks erroneous termination with exactly one error.
func (rs *RowStream) fail(err error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.done {
		return
	}
	rs.err = err
	rs.done = true
	rs.cond.Broadcast()
}
