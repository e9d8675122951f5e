package pgasync

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// Pool fans work out across a fixed number of connections using least-loaded
// routing: every statement goes to the connection with the smallest backlog,
// idle connections preferred. Failed connections are replaced with fresh ones
// on the next pick; the commands lost with the old connection are not
// retried, their streams carry the original error.
type Pool struct {
	cfg Config

	mu     sync.Mutex
	conns  []*Conn
	closed bool
}

// NewPool creates a pool of size connections. Connections start lazily, as
// streams are consumed.
func NewPool(cfg Config, size int) *Pool {
	if size < 1 {
		size = 1
	}
	p := &Pool{cfg: cfg}
	p.conns = make([]*Conn, size)
	for i := range p.conns {
		p.conns[i] = NewConn(cfg)
	}
	return p
}

// Query routes sql over the simple protocol to the least loaded connection.
func (p *Pool) Query(sql string) *RowStream {
	conn, err := p.pick()
	if err != nil {
		return failedStream(err)
	}
	return conn.Query(sql)
}

// ExecuteStatement routes sql with positional parameters over the extended
// protocol to the least loaded connection.
func (p *Pool) ExecuteStatement(sql string, params []any) *RowStream {
	conn, err := p.pick()
	if err != nil {
		return failedStream(err)
	}
	return conn.ExecuteStatement(sql, params)
}

// Size returns the number of pooled connections.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// Close gracefully disconnects every pooled connection. Pending work still
// drains first; subsequent submissions are rejected.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	conns := p.conns
	p.mu.Unlock()

	for _, conn := range conns {
		_ = conn.Disconnect()
	}
	return nil
}

// pick selects the routing target: closing/failed connections are swapped
// for fresh ones, then the connection with the lowest load score wins. The
// score weighs backlog length first and pool-visible state second, so an
// idle connection beats a busy one with an equal backlog.
func (p *Pool) pick() (*Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, errors.New("pool is closed")
	}

	var best *Conn
	bestScore := 0
	for i, conn := range p.conns {
		if conn.State() == StateClosing {
			conn = NewConn(p.cfg)
			p.conns[i] = conn
		}
		score := conn.Backlog() * 3
		switch conn.State() {
		case StateBusy:
			score += 2
		case StateNotReady:
			score++
		}
		if best == nil || score < bestScore {
			best, bestScore = conn, score
		}
	}
	return best, nil
}

// failedStream returns a stream that terminates with err on first use.
func failedStream(err error) *RowStream {
	rs := newRowStream(nil)
	rs.enqueue = func(context.Context) error { return err }
	return rs
}
